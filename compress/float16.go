// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compress

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Float16 quantizes every element to IEEE 754 binary16, halving the wire
// size. It is lossy but dense: no element is dropped, so it carries no
// sparsity pattern.
type Float16 struct{}

var _ Compressor = Float16{}

// NewFloat16 creates a half-precision quantizing compressor.
func NewFloat16() Float16 { return Float16{} }

// Name implements Compressor.
func (Float16) Name() string { return "float16" }

// Compress implements Compressor.
func (c Float16) Compress(values []*tensors.Tensor) (*Payload, error) {
	p := &Payload{Codec: c.Name(), Multi: len(values) > 1, Entries: make([]Entry, 0, len(values))}
	for ti, t := range values {
		if t.DType() != dtypes.Float32 {
			return nil, errors.Wrapf(ErrUnsupportedDType, "Float16 tensor #%d has dtype %s", ti, t.DType())
		}
		flat := tensors.MustCopyFlatData[float32](t)
		entry := Entry{
			Kind:  EntryDense,
			Dims:  t.Shape().Dimensions,
			DType: dtypes.Float32,
			Size:  len(flat),
			Bits:  make([]uint16, len(flat)),
		}
		for i, v := range flat {
			entry.Bits[i] = uint16(float16.Fromfloat32(v))
		}
		p.Entries = append(p.Entries, entry)
	}
	logRatio(c.Name(), values, p)
	return p, nil
}

// Decompress implements Compressor.
func (c Float16) Decompress(p *Payload) ([]*tensors.Tensor, error) {
	if err := checkCodec(p, c.Name()); err != nil {
		return nil, err
	}
	values := make([]*tensors.Tensor, 0, len(p.Entries))
	for ei, e := range p.Entries {
		if e.Kind != EntryDense {
			return nil, errors.Errorf("Float16 payload entry #%d is not dense-encoded", ei)
		}
		flat := make([]float32, e.Size)
		for i, bits := range e.Bits {
			flat[i] = float16.Frombits(bits).Float32()
		}
		values = append(values, tensors.FromFlatDataAndDimensions(flat, e.Dims...))
	}
	return values, nil
}
