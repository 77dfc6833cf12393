// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compress

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// TopK keeps only the fraction of elements with the largest magnitude of
// each tensor, encoding them as (index, value) pairs. The remaining elements
// decode to zero, so TopK payloads carry a sparsity pattern (see Sparse).
//
// Only float32 tensors are supported, matching the dtype used at the party
// boundary.
type TopK struct {
	ratio float64
}

// Compile-time check that TopK supports sparsity masks.
var _ Sparse = (*TopK)(nil)

// NewTopK creates a TopK compressor keeping the given fraction of elements,
// 0 < ratio <= 1. At least one element per tensor is always kept.
func NewTopK(ratio float64) (*TopK, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, errors.Errorf("TopK ratio must be in (0, 1], got %g", ratio)
	}
	return &TopK{ratio: ratio}, nil
}

// Name implements Compressor.
func (c *TopK) Name() string { return "topk" }

// SupportsSparsityMask implements Sparse.
func (c *TopK) SupportsSparsityMask() bool { return true }

func (c *TopK) keep(size int) int {
	k := int(c.ratio * float64(size))
	if k < 1 {
		k = 1
	}
	if k > size {
		k = size
	}
	return k
}

// Compress implements Compressor.
func (c *TopK) Compress(values []*tensors.Tensor) (*Payload, error) {
	p := &Payload{Codec: c.Name(), Multi: len(values) > 1, Entries: make([]Entry, 0, len(values))}
	for ti, t := range values {
		if t.DType() != dtypes.Float32 {
			return nil, errors.Wrapf(ErrUnsupportedDType, "TopK tensor #%d has dtype %s", ti, t.DType())
		}
		flat := tensors.MustCopyFlatData[float32](t)
		k := c.keep(len(flat))
		order := make([]int32, len(flat))
		for i := range order {
			order[i] = int32(i)
		}
		sort.Slice(order, func(a, b int) bool {
			va, vb := flat[order[a]], flat[order[b]]
			if va < 0 {
				va = -va
			}
			if vb < 0 {
				vb = -vb
			}
			return va > vb
		})
		kept := order[:k]
		sort.Slice(kept, func(a, b int) bool { return kept[a] < kept[b] })
		entry := Entry{
			Kind:    EntrySparse,
			Dims:    t.Shape().Dimensions,
			DType:   dtypes.Float32,
			Size:    len(flat),
			Indices: make([]int32, k),
			Values:  make([]float32, k),
		}
		copy(entry.Indices, kept)
		for i, idx := range kept {
			entry.Values[i] = flat[idx]
		}
		p.Entries = append(p.Entries, entry)
	}
	logRatio(c.Name(), values, p)
	return p, nil
}

// Decompress implements Compressor.
func (c *TopK) Decompress(p *Payload) ([]*tensors.Tensor, error) {
	if err := checkCodec(p, c.Name()); err != nil {
		return nil, err
	}
	values := make([]*tensors.Tensor, 0, len(p.Entries))
	for ei, e := range p.Entries {
		if e.Kind != EntrySparse {
			return nil, errors.Errorf("TopK payload entry #%d is not sparse-encoded", ei)
		}
		flat := make([]float32, e.Size)
		for i, idx := range e.Indices {
			if int(idx) >= e.Size {
				return nil, errors.Errorf("TopK payload entry #%d has index %d out of range [0, %d)", ei, idx, e.Size)
			}
			flat[idx] = e.Values[i]
		}
		values = append(values, tensors.FromFlatDataAndDimensions(flat, e.Dims...))
	}
	return values, nil
}

// SparsityMasks implements Sparse.
func (c *TopK) SparsityMasks(p *Payload) ([]*tensors.Tensor, error) {
	if err := checkCodec(p, c.Name()); err != nil {
		return nil, err
	}
	masks := make([]*tensors.Tensor, 0, len(p.Entries))
	for _, e := range p.Entries {
		flat := make([]bool, e.Size)
		for _, idx := range e.Indices {
			flat[idx] = true
		}
		masks = append(masks, tensors.FromFlatDataAndDimensions(flat, e.Dims...))
	}
	return masks, nil
}

// ApplyMasks implements Sparse: it drops from p every element whose mask
// entry is false, keeping the payload sparse-encoded.
func (c *TopK) ApplyMasks(p *Payload, masks []*tensors.Tensor) error {
	if err := checkCodec(p, c.Name()); err != nil {
		return err
	}
	if len(masks) != len(p.Entries) {
		return errors.Wrapf(ErrMaskCountMismatch, "payload has %d tensor(s), got %d mask(s)", len(p.Entries), len(masks))
	}
	for ei := range p.Entries {
		e := &p.Entries[ei]
		if masks[ei].Size() != e.Size {
			return errors.Errorf("mask #%d has %d elements, payload tensor has %d", ei, masks[ei].Size(), e.Size)
		}
		keep := tensors.MustCopyFlatData[bool](masks[ei])
		indices := e.Indices[:0]
		values := e.Values[:0]
		for i, idx := range e.Indices {
			if keep[idx] {
				indices = append(indices, idx)
				values = append(values, e.Values[i])
			}
		}
		e.Indices = indices
		e.Values = values
	}
	return nil
}
