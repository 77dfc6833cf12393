// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compress implements the reversible transforms applied to tensors
// crossing the party boundary during split training.
//
// A Compressor turns a slice of tensors (the embeddings of a base partition,
// or the gradients flowing back to it) into a compact Payload, and restores
// tensors from a Payload on the receiving side. Payloads are self-describing
// and can be moved across processes with the usual gob encoding.
//
// Compressors that drop elements (e.g. TopK) additionally implement Sparse,
// which exposes the sparsity pattern of a decoded payload so that the label
// party can re-apply the same pattern to the gradients it sends back.
package compress

import (
	"encoding/gob"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrMaskCountMismatch is returned by Sparse.ApplyMasks when the number of
	// masks differs from the number of tensors encoded in the payload.
	ErrMaskCountMismatch = errors.New("sparsity mask count does not match payload tensor count")

	// ErrUnsupportedDType is returned when a compressor is given a tensor
	// whose dtype it cannot encode.
	ErrUnsupportedDType = errors.New("unsupported dtype for compression")
)

// Compressor encodes and decodes slices of tensors moving between parties.
//
// Compress and Decompress must be inverses up to the information the codec
// deliberately discards. Implementations must accept the empty slice.
type Compressor interface {
	// Name identifies the codec. It is recorded in the Payload and checked
	// on decode.
	Name() string

	// Compress encodes values into a Payload. The input tensors are not
	// modified.
	Compress(values []*tensors.Tensor) (*Payload, error)

	// Decompress materializes the tensors encoded in p.
	Decompress(p *Payload) ([]*tensors.Tensor, error)
}

// Sparse is implemented by compressors that zero out elements, and can
// therefore report which elements of a decoded payload survived.
//
// The label party captures the masks of the incoming embedding payloads,
// and re-applies them to the outgoing gradient payloads, so that gradient
// entries for dropped embedding elements are dropped as well.
type Sparse interface {
	Compressor

	// SupportsSparsityMask reports whether payloads from this compressor
	// carry a meaningful sparsity pattern.
	SupportsSparsityMask() bool

	// SparsityMasks returns one boolean tensor per encoded tensor, true
	// where the element was kept.
	SparsityMasks(p *Payload) ([]*tensors.Tensor, error)

	// ApplyMasks zeroes out, in place, the payload elements whose mask
	// entry is false. len(masks) must equal p.NumTensors.
	ApplyMasks(p *Payload, masks []*tensors.Tensor) error
}

// EntryKind discriminates the encodings an Entry may use.
type EntryKind int

const (
	// EntryDense stores every element, in Bits (half-precision).
	EntryDense EntryKind = iota

	// EntrySparse stores only the surviving elements, as parallel
	// Indices/Values slices sorted by flat index.
	EntrySparse
)

// Entry is one encoded tensor inside a Payload.
type Entry struct {
	Kind  EntryKind
	Dims  []int
	DType dtypes.DType

	// Size is the number of elements of the original tensor.
	Size int

	// Sparse encoding.
	Indices []int32
	Values  []float32

	// Dense half-precision encoding, one IEEE 754 binary16 word per element.
	Bits []uint16
}

// Payload is the unit exchanged between parties: one encoded tensor per
// base network output (or per gradient sent back).
type Payload struct {
	// Codec is the Name of the compressor that produced the payload.
	Codec string

	// Multi indicates the originating base network had more than one output.
	Multi bool

	Entries []Entry
}

// NumTensors returns the number of tensors encoded in the payload.
func (p *Payload) NumTensors() int { return len(p.Entries) }

// Memory returns the approximate encoded size in bytes.
func (p *Payload) Memory() uintptr {
	var total uintptr
	for _, e := range p.Entries {
		total += uintptr(len(e.Indices))*4 + uintptr(len(e.Values))*4 + uintptr(len(e.Bits))*2
	}
	return total
}

// GobSerialize encodes the payload with enc.
func (p *Payload) GobSerialize(enc *gob.Encoder) error {
	if err := enc.Encode(p); err != nil {
		return errors.Wrapf(err, "failed to serialize compress.Payload")
	}
	return nil
}

// GobDeserializePayload decodes a payload previously written with
// Payload.GobSerialize.
func GobDeserializePayload(dec *gob.Decoder) (*Payload, error) {
	p := &Payload{}
	if err := dec.Decode(p); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize compress.Payload")
	}
	return p, nil
}

// checkCodec validates that payload p was produced by the named codec.
func checkCodec(p *Payload, name string) error {
	if p.Codec != name {
		return errors.Errorf("payload was encoded with codec %q, cannot decode with %q", p.Codec, name)
	}
	return nil
}

// logRatio reports the achieved compression at verbosity 1.
func logRatio(name string, values []*tensors.Tensor, p *Payload) {
	if !klog.V(1).Enabled() {
		return
	}
	var original uintptr
	for _, t := range values {
		original += t.Memory()
	}
	klog.Infof("compress: %s encoded %d tensor(s), %s -> %s", name, len(values),
		humanize.Bytes(uint64(original)), humanize.Bytes(uint64(p.Memory())))
}
