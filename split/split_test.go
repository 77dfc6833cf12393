// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

const testLearningRate = 0.1

var (
	testBaseInit = [][]float32{{0.1, -0.2}, {0.3, 0.4}, {-0.5, 0.6}}
	testFuseInit = [][]float32{{0.7}, {-0.8}}

	testFeatures = [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 1}}
	testLabels   = [][]float32{{1}, {0}, {1}, {0}}
)

// linearFn returns a graph function computing inputs[0] times a variable
// initialized to init.
func linearFn(init [][]float32) GraphFn {
	return func(ctx *context.Context, inputs []*Node) []*Node {
		w := ctx.VariableWithValue("w", init).ValueGraph(inputs[0].Graph())
		return []*Node{MatMul(inputs[0], w)}
	}
}

func sgd() optimizers.Interface {
	return optimizers.StochasticGradientDescent().
		WithLearningRate(testLearningRate).WithDecay(false).Done()
}

// testModel builds a single party carrying both partitions, with fixed
// initial weights and the test dataset loaded for both stages.
func testModel(t *testing.T, backend backends.Backend) *Model {
	m, err := New(backend).
		WithName("solo").
		WithBasePartition(linearFn(testBaseInit), sgd()).
		WithFusePartition(linearFn(testFuseInit), losses.MeanSquaredError, sgd()).
		Done()
	require.NoError(t, err)

	features := []*tensors.Tensor{tensors.FromValue(testFeatures)}
	labels := tensors.FromValue(testLabels)
	opts := DatasetOptions{BatchSize: len(testFeatures), Repeat: -1}
	require.NoError(t, m.BuildDataset(StageTrain, features, labels, nil, opts))
	require.NoError(t, m.BuildDataset(StageEval,
		[]*tensors.Tensor{tensors.FromValue(testFeatures)}, tensors.FromValue(testLabels), nil,
		DatasetOptions{BatchSize: len(testFeatures)}))
	return m
}

// runSplitStep drives one full training step through the split pipeline.
func runSplitStep(t *testing.T, m *Model) Logs {
	embedding, err := m.BaseForward(StageTrain)
	require.NoError(t, err)
	gradients, logs, err := m.FuseNet([]Embedding{embedding})
	require.NoError(t, err)
	require.Len(t, gradients, 1)
	require.NoError(t, m.BaseBackward(gradients[0].Tensors()))
	return logs
}

// TestGradientIdentity checks that one split training step updates the
// weights exactly as a monolithic model would: the gradient re-attachment
// in the backward pass must be equivalent to differentiating end to end.
func TestGradientIdentity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := testModel(t, backend)
	runSplitStep(t, m)

	baseWeights, err := m.BaseWeights()
	require.NoError(t, err)
	require.Len(t, baseWeights, 1)
	fuseWeights, err := m.FuseWeights()
	require.NoError(t, err)
	require.Len(t, fuseWeights, 1)

	// Monolithic reference: same weights, same loss, one end-to-end step.
	refCtx := context.New()
	refOpt := sgd()
	baseFn := linearFn(testBaseInit)
	fuseFn := linearFn(testFuseInit)
	refExec, err := context.NewExec(backend, refCtx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			x, y := inputs[0], inputs[1]
			ctx.SetTraining(x.Graph(), true)
			h := baseFn(ctx.In("base"), []*Node{x})[0]
			pred := fuseFn(ctx.In("fuse"), []*Node{h})[0]
			loss := reduceToScalar(losses.MeanSquaredError([]*Node{y}, []*Node{pred}))
			refOpt.UpdateGraph(ctx, x.Graph(), loss)
			return []*Node{loss}
		})
	require.NoError(t, err)
	_, err = refExec.Exec(tensors.FromValue(testFeatures), tensors.FromValue(testLabels))
	require.NoError(t, err)

	refBase := refCtx.InspectVariable("/base", "w")
	require.NotNil(t, refBase)
	refFuse := refCtx.InspectVariable("/fuse", "w")
	require.NotNil(t, refFuse)

	wantBase := tensors.MustCopyFlatData[float32](refBase.MustValue())
	gotBase := tensors.MustCopyFlatData[float32](baseWeights[0])
	require.Len(t, gotBase, len(wantBase))
	for i := range wantBase {
		assert.InDelta(t, wantBase[i], gotBase[i], 1e-5)
	}
	wantFuse := tensors.MustCopyFlatData[float32](refFuse.MustValue())
	gotFuse := tensors.MustCopyFlatData[float32](fuseWeights[0])
	require.Len(t, gotFuse, len(wantFuse))
	for i := range wantFuse {
		assert.InDelta(t, wantFuse[i], gotFuse[i], 1e-5)
	}
}

func TestTrainingLossDecreases(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := testModel(t, backend)

	require.NoError(t, m.ResetMetrics())
	first := runSplitStep(t, m)
	for i := 0; i < 20; i++ {
		require.NoError(t, m.ResetMetrics())
		runSplitStep(t, m)
	}
	require.NoError(t, m.ResetMetrics())
	last := runSplitStep(t, m)
	assert.Less(t, last["loss"], first["loss"])
}

func TestTapeExclusivity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := testModel(t, backend)

	_, err := m.BaseForward(StageTrain)
	require.NoError(t, err)

	// A second training forward must fail while the step is in flight.
	_, err = m.BaseForward(StageTrain)
	require.ErrorIs(t, err, ErrTapeAlreadyOpen)

	// Evaluation does not touch the tape.
	_, err = m.BaseForward(StageEval)
	require.NoError(t, err)

	// Aborting releases the tape.
	m.AbortStep()
	embedding, err := m.BaseForward(StageTrain)
	require.NoError(t, err)

	// Backward closes the step; a second backward has no tape.
	gradients, _, err := m.FuseNet([]Embedding{embedding})
	require.NoError(t, err)
	require.NoError(t, m.BaseBackward(gradients[0].Tensors()))
	err = m.BaseBackward(gradients[0].Tensors())
	require.ErrorIs(t, err, ErrTapeNotOpen)

	// Aborting with no step in flight is a no-op.
	m.AbortStep()
}

// twoHeadFn builds a base with two equally-shaped outputs.
func twoHeadFn(ctx *context.Context, inputs []*Node) []*Node {
	g := inputs[0].Graph()
	w1 := ctx.VariableWithValue("w1", testBaseInit).ValueGraph(g)
	w2 := ctx.VariableWithValue("w2", testBaseInit).ValueGraph(g)
	return []*Node{MatMul(inputs[0], w1), MatMul(inputs[0], w2)}
}

func TestMultiOutputGradients(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := New(backend).
		WithBasePartition(twoHeadFn, sgd()).
		Done()
	require.NoError(t, err)
	features := []*tensors.Tensor{tensors.FromValue(testFeatures)}
	require.NoError(t, m.BuildDataset(StageTrain, features, nil, nil,
		DatasetOptions{BatchSize: len(testFeatures), Repeat: -1}))

	embedding, err := m.BaseForward(StageTrain)
	require.NoError(t, err)
	assert.True(t, embedding.Multi())
	require.Equal(t, 2, embedding.Len())
	assert.Equal(t, 2, m.BaseOutputCount())

	grad := func() *tensors.Tensor {
		dims := embedding.Tensors()[0].Shape().Dimensions
		flat := make([]float32, dims[0]*dims[1])
		for i := range flat {
			flat[i] = 0.5
		}
		return tensors.FromFlatDataAndDimensions(flat, dims...)
	}

	// Paired: one gradient per output.
	require.NoError(t, m.BaseBackward([]*tensors.Tensor{grad(), grad()}))

	// Broadcast: a single gradient feeds every output.
	_, err = m.BaseForward(StageTrain)
	require.NoError(t, err)
	require.NoError(t, m.BaseBackward([]*tensors.Tensor{grad()}))

	// Any other count is rejected, and the failed call released the tape.
	_, err = m.BaseForward(StageTrain)
	require.NoError(t, err)
	err = m.BaseBackward([]*tensors.Tensor{grad(), grad(), grad()})
	require.ErrorIs(t, err, ErrGradientArity)
	err = m.BaseBackward([]*tensors.Tensor{grad(), grad()})
	require.ErrorIs(t, err, ErrTapeNotOpen)
}

func TestBroadcastMatchesPairedGradients(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	build := func() *Model {
		m, err := New(backend).
			WithBasePartition(twoHeadFn, sgd()).
			Done()
		require.NoError(t, err)
		require.NoError(t, m.BuildDataset(StageTrain,
			[]*tensors.Tensor{tensors.FromValue(testFeatures)}, nil, nil,
			DatasetOptions{BatchSize: len(testFeatures), Repeat: -1}))
		return m
	}
	grad := tensors.FromValue([][]float32{{1, -1}, {0.5, 0.5}, {-2, 0}, {1, 1}})

	paired := build()
	_, err := paired.BaseForward(StageTrain)
	require.NoError(t, err)
	require.NoError(t, paired.BaseBackward([]*tensors.Tensor{grad, grad}))
	pairedWeights, err := paired.BaseWeights()
	require.NoError(t, err)

	broadcast := build()
	_, err = broadcast.BaseForward(StageTrain)
	require.NoError(t, err)
	require.NoError(t, broadcast.BaseBackward([]*tensors.Tensor{grad}))
	broadcastWeights, err := broadcast.BaseWeights()
	require.NoError(t, err)

	require.Len(t, broadcastWeights, len(pairedWeights))
	for i := range pairedWeights {
		want := tensors.MustCopyFlatData[float32](pairedWeights[i])
		got := tensors.MustCopyFlatData[float32](broadcastWeights[i])
		require.Len(t, got, len(want))
		for j := range want {
			assert.InDelta(t, want[j], got[j], 1e-6)
		}
	}
}

func TestDatasetErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := New(backend).
		WithBasePartition(linearFn(testBaseInit), sgd()).
		Done()
	require.NoError(t, err)

	err = m.BuildDataset(Stage(7), []*tensors.Tensor{tensors.FromValue(testFeatures)}, nil, nil,
		DatasetOptions{BatchSize: 2})
	require.ErrorIs(t, err, ErrInvalidStage)

	err = m.BuildDataset(StageTrain, nil, nil, nil, DatasetOptions{BatchSize: 2})
	require.ErrorIs(t, err, ErrEmptyInput)

	// No dataset built yet for this stage.
	_, err = m.BaseForward(StageEval)
	require.ErrorIs(t, err, ErrNotConfigured)

	// A single-pass dataset is exhausted after one batch, and a reset
	// rewinds it.
	require.NoError(t, m.BuildDataset(StageEval,
		[]*tensors.Tensor{tensors.FromValue(testFeatures)}, nil, nil,
		DatasetOptions{BatchSize: len(testFeatures)}))
	_, err = m.BaseForward(StageEval)
	require.NoError(t, err)
	_, err = m.BaseForward(StageEval)
	require.ErrorIs(t, err, ErrStageExhausted)
	require.NoError(t, m.ResetStage(StageEval))
	_, err = m.BaseForward(StageEval)
	require.NoError(t, err)
}

func TestRepeatedDataset(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := New(backend).
		WithBasePartition(linearFn(testBaseInit), sgd()).
		Done()
	require.NoError(t, err)
	require.NoError(t, m.BuildDataset(StageEval,
		[]*tensors.Tensor{tensors.FromValue(testFeatures)}, nil, nil,
		DatasetOptions{BatchSize: len(testFeatures), Repeat: 3}))

	for i := 0; i < 3; i++ {
		_, err = m.BaseForward(StageEval)
		require.NoError(t, err, "pass %d", i)
	}
	_, err = m.BaseForward(StageEval)
	require.ErrorIs(t, err, ErrStageExhausted)
}

func TestCustomDatasetBuilder(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := New(backend).
		WithBasePartition(linearFn(testBaseInit), sgd()).
		WithFusePartition(linearFn(testFuseInit), losses.MeanSquaredError, sgd()).
		Done()
	require.NoError(t, err)

	builderCalls := 0
	opts := DatasetOptions{
		Builder: func(features []*tensors.Tensor, labels, sampleWeights *tensors.Tensor) (train.Dataset, int, error) {
			builderCalls++
			state, err := buildInMemoryDataset(backend, "custom", features, labels, sampleWeights,
				DatasetOptions{BatchSize: 2})
			if err != nil {
				return nil, 0, err
			}
			return state.ds, len(testFeatures) / 2, nil
		},
	}
	require.NoError(t, m.BuildDataset(StageTrain,
		[]*tensors.Tensor{tensors.FromValue(testFeatures)}, tensors.FromValue(testLabels), nil, opts))
	require.Equal(t, 1, builderCalls)

	steps, err := m.StepsPerEpoch(StageTrain)
	require.NoError(t, err)
	require.Equal(t, 2, steps)

	// The adopted dataset drives training like a built-in one.
	for i := 0; i < steps; i++ {
		runSplitStep(t, m)
	}
	_, err = m.BaseForward(StageTrain)
	require.ErrorIs(t, err, ErrStageExhausted)

	// In-memory datasets leave steps-per-epoch undefined.
	m2 := testModel(t, backend)
	steps, err = m2.StepsPerEpoch(StageTrain)
	require.NoError(t, err)
	assert.Zero(t, steps)
}

func TestWeightsRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := testModel(t, backend)

	// No variables exist before the first graph runs.
	weights, err := m.BaseWeights()
	require.NoError(t, err)
	assert.Empty(t, weights)

	runSplitStep(t, m)
	weights, err = m.BaseWeights()
	require.NoError(t, err)
	require.Len(t, weights, 1)

	// Train further, then restore the saved weights.
	runSplitStep(t, m)
	require.NoError(t, m.SetBaseWeights(weights))
	restored, err := m.BaseWeights()
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](weights[0]),
		tensors.MustCopyFlatData[float32](restored[0]))

	// Count and shape mismatches are rejected.
	require.Error(t, m.SetBaseWeights(nil))
	require.Error(t, m.SetBaseWeights([]*tensors.Tensor{tensors.FromValue([][]float32{{1}})}))
}

func TestSaveLoad(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := testModel(t, backend)
	runSplitStep(t, m)

	dir := t.TempDir()
	require.NoError(t, m.Save(dir))
	trained, err := m.BaseWeights()
	require.NoError(t, err)

	// Divergent extra training, then restore from the checkpoint.
	runSplitStep(t, m)
	require.NoError(t, m.Load(dir))
	loaded, err := m.BaseWeights()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, tensors.MustCopyFlatData[float32](trained[0]),
		tensors.MustCopyFlatData[float32](loaded[0]))
}

func TestEvaluateAndPredict(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := testModel(t, backend)

	require.NoError(t, m.ResetMetrics())
	embedding, err := m.BaseForward(StageEval)
	require.NoError(t, err)
	logs, err := m.Evaluate([]Embedding{embedding})
	require.NoError(t, err)
	assert.Contains(t, logs, "loss")
	assert.Greater(t, logs["loss"], 0.0)

	predictions, err := m.Predict([]Embedding{embedding})
	require.NoError(t, err)
	require.Len(t, predictions, 1)
	assert.Equal(t, []int{len(testFeatures), 1}, predictions[0].Shape().Dimensions)
}

func TestFuseRequiresConfiguration(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m, err := New(backend).
		WithBasePartition(linearFn(testBaseInit), sgd()).
		Done()
	require.NoError(t, err)
	assert.False(t, m.HasFuse())

	_, _, err = m.FuseNet(nil)
	require.ErrorIs(t, err, ErrNotConfigured)
	_, err = m.Evaluate(nil)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, m.ResetMetrics(), ErrNotConfigured)
	_, err = m.BaseForwardCompressed(StageTrain)
	require.ErrorIs(t, err, ErrNotConfigured)
}

// TestFuseOnlyParty covers a label party holding only the fuse partition:
// it never runs the base half of the protocol, and its datasets carry just
// the labels.
func TestFuseOnlyParty(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	alice, err := New(backend).
		WithName("alice").
		WithBasePartition(linearFn(testBaseInit), sgd()).
		Done()
	require.NoError(t, err)
	require.NoError(t, alice.BuildDataset(StageTrain,
		[]*tensors.Tensor{tensors.FromValue(testFeatures)}, nil, nil,
		DatasetOptions{BatchSize: len(testFeatures), Repeat: -1}))

	bob, err := New(backend).
		WithName("bob").
		WithFusePartition(linearFn(testFuseInit), losses.MeanSquaredError, sgd()).
		Done()
	require.NoError(t, err)
	assert.False(t, bob.HasBase())
	assert.True(t, bob.HasFuse())
	assert.Nil(t, bob.BaseContext())

	// Label-only datasets are accepted on a fuse-only party.
	require.NoError(t, bob.BuildDataset(StageTrain, nil, tensors.FromValue(testLabels), nil,
		DatasetOptions{BatchSize: len(testLabels), Repeat: -1}))
	require.NoError(t, bob.BuildDataset(StageEval, nil, tensors.FromValue(testLabels), nil,
		DatasetOptions{BatchSize: len(testLabels), Repeat: -1}))

	// The base half of the protocol is not available.
	_, err = bob.BaseForward(StageTrain)
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, bob.BaseBackward(nil), ErrNotConfigured)
	_, err = bob.BaseWeights()
	require.ErrorIs(t, err, ErrNotConfigured)
	require.ErrorIs(t, bob.SetBaseWeights(nil), ErrNotConfigured)

	// A full step: alice sends embeddings, bob fuses against its own label
	// batch and returns the gradients alice applies.
	require.NoError(t, bob.ResetMetrics())
	embedding, err := alice.BaseForward(StageTrain)
	require.NoError(t, err)
	gradients, logs, err := bob.FuseNet([]Embedding{embedding})
	require.NoError(t, err)
	require.Len(t, gradients, 1)
	assert.Contains(t, logs, "loss")
	require.NoError(t, alice.BaseBackward(gradients[0].Tensors()))

	// Evaluation also pulls bob's next label batch on its own.
	evalEmbedding, err := alice.BaseForward(StageTrain)
	require.NoError(t, err)
	alice.AbortStep()
	evalLogs, err := bob.Evaluate([]Embedding{evalEmbedding})
	require.NoError(t, err)
	assert.Contains(t, evalLogs, "loss")

	// Save and Load skip the missing base network.
	dir := t.TempDir()
	require.NoError(t, bob.Save(dir))
	require.NoError(t, bob.Load(dir))
}

func TestBuilderValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	_, err := New(backend).Done()
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(backend).WithBasePartition(linearFn(testBaseInit), nil).Done()
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(backend).
		WithBasePartition(linearFn(testBaseInit), sgd()).
		WithFusePartition(linearFn(testFuseInit), nil, sgd()).
		Done()
	require.ErrorIs(t, err, ErrNotConfigured)
}
