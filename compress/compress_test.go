// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopK(t *testing.T) {
	c, err := NewTopK(0.5)
	require.NoError(t, err)
	assert.True(t, c.SupportsSparsityMask())

	in := tensors.FromFlatDataAndDimensions([]float32{0.1, -3, 0.2, 4}, 2, 2)
	p, err := c.Compress([]*tensors.Tensor{in})
	require.NoError(t, err)
	assert.Equal(t, 1, p.NumTensors())
	assert.False(t, p.Multi)

	out, err := c.Decompress(p)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []float32{0, -3, 0, 4}, tensors.MustCopyFlatData[float32](out[0]))
	assert.Equal(t, in.Shape().Dimensions, out[0].Shape().Dimensions)

	masks, err := c.SparsityMasks(p)
	require.NoError(t, err)
	require.Len(t, masks, 1)
	assert.Equal(t, []bool{false, true, false, true}, tensors.MustCopyFlatData[bool](masks[0]))
}

func TestTopKKeepsAtLeastOne(t *testing.T) {
	c, err := NewTopK(0.01)
	require.NoError(t, err)
	in := tensors.FromFlatDataAndDimensions([]float32{1, -7, 2}, 3)
	p, err := c.Compress([]*tensors.Tensor{in})
	require.NoError(t, err)
	out, err := c.Decompress(p)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, -7, 0}, tensors.MustCopyFlatData[float32](out[0]))
}

func TestTopKInvalidRatio(t *testing.T) {
	_, err := NewTopK(0)
	assert.Error(t, err)
	_, err = NewTopK(1.5)
	assert.Error(t, err)
}

func TestTopKApplyMasks(t *testing.T) {
	c, err := NewTopK(1.0)
	require.NoError(t, err)
	grad := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)
	p, err := c.Compress([]*tensors.Tensor{grad})
	require.NoError(t, err)

	mask := tensors.FromFlatDataAndDimensions([]bool{true, false, false, true}, 4)
	require.NoError(t, c.ApplyMasks(p, []*tensors.Tensor{mask}))
	out, err := c.Decompress(p)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 4}, tensors.MustCopyFlatData[float32](out[0]))

	// Wrong number of masks.
	err = c.ApplyMasks(p, []*tensors.Tensor{mask, mask})
	require.ErrorIs(t, err, ErrMaskCountMismatch)
}

func TestTopKMultipleTensors(t *testing.T) {
	c, err := NewTopK(0.5)
	require.NoError(t, err)
	a := tensors.FromFlatDataAndDimensions([]float32{5, 0.1}, 2)
	b := tensors.FromFlatDataAndDimensions([]float32{0.2, -9, 0.3, 8}, 4)
	p, err := c.Compress([]*tensors.Tensor{a, b})
	require.NoError(t, err)
	assert.True(t, p.Multi)
	out, err := c.Decompress(p)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []float32{5, 0}, tensors.MustCopyFlatData[float32](out[0]))
	assert.Equal(t, []float32{0, -9, 0, 8}, tensors.MustCopyFlatData[float32](out[1]))
}

func TestFloat16(t *testing.T) {
	c := NewFloat16()
	in := tensors.FromFlatDataAndDimensions([]float32{1.5, -0.25, 1024, 0}, 2, 2)
	p, err := c.Compress([]*tensors.Tensor{in})
	require.NoError(t, err)
	assert.Less(t, p.Memory(), in.Memory())

	out, err := c.Decompress(p)
	require.NoError(t, err)
	require.Len(t, out, 1)
	// These values are exactly representable in half precision.
	assert.Equal(t, []float32{1.5, -0.25, 1024, 0}, tensors.MustCopyFlatData[float32](out[0]))
}

func TestCodecMismatch(t *testing.T) {
	topK, err := NewTopK(0.5)
	require.NoError(t, err)
	in := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	p, err := NewFloat16().Compress([]*tensors.Tensor{in})
	require.NoError(t, err)
	_, err = topK.Decompress(p)
	assert.Error(t, err)
}

func TestPayloadGobRoundTrip(t *testing.T) {
	c, err := NewTopK(0.5)
	require.NoError(t, err)
	in := tensors.FromFlatDataAndDimensions([]float32{0.5, -2, 0, 3}, 4)
	p, err := c.Compress([]*tensors.Tensor{in})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, p.GobSerialize(gob.NewEncoder(&buf)))
	decoded, err := GobDeserializePayload(gob.NewDecoder(&buf))
	require.NoError(t, err)

	out, err := c.Decompress(decoded)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, -2, 0, 3}, tensors.MustCopyFlatData[float32](out[0]))
}
