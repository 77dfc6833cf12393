// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPartition(t *testing.T) *ModelPartition {
	backend := graphtest.BuildTestBackend()
	p, err := NewModelPartition(backend, "worker", linearFn(testBaseInit),
		losses.MeanSquaredError, sgd())
	require.NoError(t, err)
	require.NoError(t, p.BuildDataset(StageTrain,
		[]*tensors.Tensor{tensors.FromValue(testFeatures)},
		tensors.FromValue([][]float32{{1, 0}, {0, 1}, {1, 1}, {0, 0}}), nil,
		DatasetOptions{BatchSize: 2}))
	return p
}

func TestPartitionValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := NewModelPartition(backend, "worker", nil, losses.MeanSquaredError, sgd())
	require.ErrorIs(t, err, ErrNotConfigured)

	p := testPartition(t)
	err = p.BuildDataset(StageTrain, []*tensors.Tensor{tensors.FromValue(testFeatures)}, nil, nil,
		DatasetOptions{BatchSize: 2})
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestPartitionForwardRestartsTransparently(t *testing.T) {
	p := testPartition(t)
	// 4 examples at batch size 2: the third call wraps around to a new
	// pass instead of reporting exhaustion.
	for i := 0; i < 5; i++ {
		outputs, err := p.Forward(StageTrain)
		require.NoError(t, err, "call %d", i)
		require.Len(t, outputs, 1)
		assert.Equal(t, []int{2, 2}, outputs[0].Shape().Dimensions)
	}
}

func TestPartitionLocalTraining(t *testing.T) {
	p := testPartition(t)
	firstLoss, _, err := p.Gradients()
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		require.NoError(t, p.Backward(nil))
	}
	lastLoss, _, err := p.Gradients()
	require.NoError(t, err)
	assert.Less(t, lastLoss, firstLoss)
}

func TestPartitionExternalGradients(t *testing.T) {
	p := testPartition(t)

	// No variables exist before any forward pass.
	err := p.ApplyGradients(nil)
	require.ErrorIs(t, err, ErrNotConfigured)

	loss, gradients, err := p.Gradients()
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
	require.Len(t, gradients, 1)

	before, err := p.Weights()
	require.NoError(t, err)

	// Applying the local gradients through the external path must perform
	// a plain SGD step: w' = w - lr*g.
	updated, err := p.OptimStep(gradients)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	w0 := tensors.MustCopyFlatData[float32](before[0])
	g0 := tensors.MustCopyFlatData[float32](gradients[0])
	w1 := tensors.MustCopyFlatData[float32](updated[0])
	require.Len(t, w1, len(w0))
	for i := range w0 {
		assert.InDelta(t, w0[i]-testLearningRate*g0[i], w1[i], 1e-5)
	}

	// Wrong gradient count is rejected.
	err = p.ApplyGradients([]*tensors.Tensor{gradients[0], gradients[0]})
	require.ErrorIs(t, err, ErrGradientArity)
}

func TestPartitionWeightsRoundTrip(t *testing.T) {
	p := testPartition(t)
	_, err := p.Forward(StageTrain)
	require.NoError(t, err)

	weights, err := p.Weights()
	require.NoError(t, err)
	require.Len(t, weights, 1)

	require.NoError(t, p.Backward(nil))
	require.NoError(t, p.SetWeights(weights))
	restored, err := p.Weights()
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](weights[0]),
		tensors.MustCopyFlatData[float32](restored[0]))
}
