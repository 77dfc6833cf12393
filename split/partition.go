// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"fmt"
	"io"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ModelPartition runs a whole model on one party, for the aggregation
// style of federated training where parties hold the same model and
// exchange weight gradients instead of embeddings.
//
// The gradient exchange is explicit: Gradients computes the local loss
// gradients for the next batch without applying them, ApplyGradients
// applies externally aggregated gradients, and OptimStep does the latter
// and returns the updated weights. Gradients and weights travel in a fixed
// order, sorted by parameter name, the same order Weights uses.
type ModelPartition struct {
	backend backends.Backend
	name    string
	net     *network
	lossFn  losses.LossFn

	data map[Stage]*datasetState

	forwardExecs map[Stage]*context.Exec
	gradExec     *context.Exec
	applyExec    *context.Exec
}

// NewModelPartition creates a whole-model partition.
func NewModelPartition(backend backends.Backend, name string, fn GraphFn,
	lossFn losses.LossFn, optimizer optimizers.Interface) (*ModelPartition, error) {
	if backend == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "no backend")
	}
	if fn == nil || lossFn == nil || optimizer == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "partition %q needs a model, a loss and an optimizer", name)
	}
	return &ModelPartition{
		backend:      backend,
		name:         name,
		net:          newNetwork(name, fn, optimizer),
		lossFn:       lossFn,
		data:         make(map[Stage]*datasetState),
		forwardExecs: make(map[Stage]*context.Exec),
	}, nil
}

// Name returns the partition name.
func (p *ModelPartition) Name() string { return p.name }

// Context returns the context holding the model variables.
func (p *ModelPartition) Context() *context.Context { return p.net.ctx }

// BuildDataset registers the local data for a stage. Unlike the split
// Model, a partition always has labels locally.
func (p *ModelPartition) BuildDataset(stage Stage, features []*tensors.Tensor,
	labels, sampleWeights *tensors.Tensor, opts DatasetOptions) error {
	if !stage.valid() {
		return errors.Wrapf(ErrInvalidStage, "stage %d", stage)
	}
	if len(features) == 0 {
		return errors.Wrapf(ErrEmptyInput, "no feature tensors for stage %s", stage)
	}
	if labels == nil {
		return errors.Wrapf(ErrEmptyInput, "partition %q requires labels for stage %s", p.name, stage)
	}
	state, err := buildInMemoryDataset(p.backend, fmt.Sprintf("%s-%s", p.name, stage),
		features, labels, sampleWeights, opts)
	if err != nil {
		return errors.WithMessagef(err, "building %s dataset for partition %q", stage, p.name)
	}
	p.data[stage] = state
	return nil
}

// nextBatch yields the next batch of a stage, transparently restarting the
// dataset when a pass ends.
func (p *ModelPartition) nextBatch(stage Stage) (inputs, labels []*tensors.Tensor, err error) {
	if !stage.valid() {
		return nil, nil, errors.Wrapf(ErrInvalidStage, "stage %d", stage)
	}
	state := p.data[stage]
	if state == nil {
		return nil, nil, errors.Wrapf(ErrNotConfigured, "no dataset built for stage %s", stage)
	}
	_, inputs, labels, err = state.ds.Yield()
	if errors.Is(err, io.EOF) {
		state.ds.Reset()
		_, inputs, labels, err = state.ds.Yield()
	}
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "reading %s batch for partition %q", stage, p.name)
	}
	state.lastLabels = labels
	return inputs, labels, nil
}

// Forward runs the model over the next batch of the stage and returns its
// predictions.
func (p *ModelPartition) Forward(stage Stage) ([]*tensors.Tensor, error) {
	inputs, _, err := p.nextBatch(stage)
	if err != nil {
		return nil, err
	}
	exec := p.forwardExecs[stage]
	if exec == nil {
		training := stage == StageTrain
		exec, err = context.NewExec(p.backend, p.net.ctx,
			func(ctx *context.Context, inputs []*Node) []*Node {
				ctx.SetTraining(inputs[0].Graph(), training)
				return p.net.fn(ctx, inputs)
			})
		if err != nil {
			return nil, errors.WithMessagef(err, "building forward of partition %q", p.name)
		}
		p.forwardExecs[stage] = exec
	}
	args := make([]any, 0, len(inputs))
	for _, t := range inputs {
		args = append(args, t)
	}
	outputs, err := exec.Exec(args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s forward of partition %q", stage, p.name)
	}
	return outputs, nil
}

// Gradients reads the next training batch and computes the mean loss and
// its gradients with respect to the trainable variables, without updating
// anything. Gradient order matches Weights.
func (p *ModelPartition) Gradients() (loss float64, gradients []*tensors.Tensor, err error) {
	inputs, labels, err := p.nextBatch(StageTrain)
	if err != nil {
		return 0, nil, err
	}
	state := p.data[StageTrain]
	if p.gradExec == nil {
		numFeatures := state.numFeatures
		p.gradExec, err = context.NewExec(p.backend, p.net.ctx,
			func(ctx *context.Context, inputs []*Node) []*Node {
				g := inputs[0].Graph()
				ctx.SetTraining(g, true)
				predictions := p.net.fn(ctx, inputs[:numFeatures])
				loss := reduceToScalar(p.lossFn(inputs[numFeatures:], predictions))
				if reg := registeredLosses(ctx, g); reg != nil {
					loss = Add(loss, reg)
				}

				// The variables exist by now, fn above just used them.
				var valueNodes []*Node
				for _, v := range p.net.trainableVariables() {
					valueNodes = append(valueNodes, v.ValueGraph(g))
				}
				return append([]*Node{loss}, Gradient(loss, valueNodes...)...)
			})
		if err != nil {
			return 0, nil, errors.WithMessagef(err, "building gradients of partition %q", p.name)
		}
	}
	args := make([]any, 0, len(inputs)+len(labels))
	for _, t := range inputs {
		args = append(args, t)
	}
	for _, t := range labels {
		args = append(args, t)
	}
	outputs, err := p.gradExec.Exec(args...)
	if err != nil {
		return 0, nil, errors.WithMessagef(err, "gradients of partition %q", p.name)
	}
	return scalarValue(outputs[0]), outputs[1:], nil
}

// ApplyGradients applies externally supplied gradients, in Weights order,
// through the optimizer.
func (p *ModelPartition) ApplyGradients(gradients []*tensors.Tensor) error {
	vars := p.net.trainableVariables()
	if len(vars) == 0 {
		return errors.Wrapf(ErrNotConfigured, "partition %q has no variables yet, run a forward pass first", p.name)
	}
	if len(gradients) != len(vars) {
		return errors.Wrapf(ErrGradientArity, "partition %q has %d trainable variable(s), got %d gradient(s)",
			p.name, len(vars), len(gradients))
	}
	if p.applyExec == nil {
		var err error
		p.applyExec, err = context.NewExec(p.backend, p.net.ctx,
			func(ctx *context.Context, inputs []*Node) []*Node {
				g := inputs[0].Graph()
				ctx.SetTraining(g, true)
				vars := p.net.trainableVariables()
				if len(inputs) != len(vars) {
					exceptions.Panicf("partition %q: %d gradient input(s) for %d variable(s)",
						p.name, len(inputs), len(vars))
				}

				// A surrogate scalar whose gradient w.r.t. each variable is
				// exactly the supplied gradient, so any optimizer can apply
				// externally computed gradients.
				var surrogate *Node
				for i, v := range vars {
					term := ReduceAllSum(Mul(v.ValueGraph(g), inputs[i]))
					if surrogate == nil {
						surrogate = term
					} else {
						surrogate = Add(surrogate, term)
					}
				}
				p.net.optimizer.UpdateGraph(ctx, g, surrogate)
				return []*Node{surrogate}
			})
		if err != nil {
			return errors.WithMessagef(err, "building gradient application of partition %q", p.name)
		}
	}
	args := make([]any, 0, len(gradients))
	for _, t := range gradients {
		args = append(args, t)
	}
	if _, err := p.applyExec.Exec(args...); err != nil {
		return errors.WithMessagef(err, "applying gradients to partition %q", p.name)
	}
	return nil
}

// Backward runs one local training step when gradients is nil, otherwise
// it applies the given gradients.
func (p *ModelPartition) Backward(gradients []*tensors.Tensor) error {
	if gradients != nil {
		return p.ApplyGradients(gradients)
	}
	_, localGradients, err := p.Gradients()
	if err != nil {
		return err
	}
	return p.ApplyGradients(localGradients)
}

// OptimStep applies the given gradients and returns the updated weights,
// the round-trip an aggregating coordinator performs.
func (p *ModelPartition) OptimStep(gradients []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if err := p.ApplyGradients(gradients); err != nil {
		return nil, err
	}
	return p.Weights()
}

// Weights returns the trainable weights, sorted by parameter name.
func (p *ModelPartition) Weights() ([]*tensors.Tensor, error) {
	return p.net.weights()
}

// SetWeights replaces the trainable weights, in Weights order.
func (p *ModelPartition) SetWeights(values []*tensors.Tensor) error {
	return p.net.setWeights(values)
}

// Finalize releases the cached computations.
func (p *ModelPartition) Finalize() {
	for _, e := range p.forwardExecs {
		e.Finalize()
	}
	for _, e := range []*context.Exec{p.gradExec, p.applyExec} {
		if e != nil {
			e.Finalize()
		}
	}
}
