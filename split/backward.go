// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/splitlearn/compress"
)

// BaseBackward finishes the training step in flight: it back-propagates
// the gradients received from the label party, one per embedding sent (or
// a single gradient broadcast to all embeddings), through the base network
// and applies the optimizer update. Any other gradient count fails with
// ErrGradientArity.
//
// The tape is released whether or not the backward succeeds.
//
// The base forward computation is recomputed from the taped batch to attach
// the incoming gradients, which is why base networks must be deterministic.
func (m *Model) BaseBackward(gradients []*tensors.Tensor) error {
	if m.base == nil {
		return errors.Wrapf(ErrNotConfigured, "party %q has no base partition", m.name)
	}
	if m.tape.state != tapeOpen {
		return errors.WithStack(ErrTapeNotOpen)
	}
	defer m.tape.release()

	numOutputs := m.tape.embeddings.Len()
	if len(gradients) != numOutputs && len(gradients) != 1 {
		return errors.Wrapf(ErrGradientArity, "base of party %q has %d output(s), got %d gradient(s)",
			m.name, numOutputs, len(gradients))
	}

	exec, err := m.baseBackwardExec(len(m.tape.features), len(gradients))
	if err != nil {
		return err
	}
	args := make([]any, 0, len(m.tape.features)+len(gradients))
	for _, t := range m.tape.features {
		args = append(args, t)
	}
	for _, t := range gradients {
		args = append(args, t)
	}
	if _, err := exec.Exec(args...); err != nil {
		return errors.WithMessagef(err, "backward of party %q", m.name)
	}
	return nil
}

// BaseBackwardCompressed decompresses the gradient payload received from
// the label party and runs BaseBackward. It requires a compressor.
func (m *Model) BaseBackwardCompressed(p *compress.Payload) error {
	if m.compressor == nil {
		return errors.Wrapf(ErrNotConfigured, "party %q has no compressor", m.name)
	}
	gradients, err := m.compressor.Decompress(p)
	if err != nil {
		m.tape.release()
		return errors.WithMessagef(err, "decompressing gradients for party %q", m.name)
	}
	return m.BaseBackward(gradients)
}

// baseBackwardExec returns the cached backward computation, building it on
// first use. One computation is kept per gradient count, since a single
// gradient broadcast over multiple outputs wires differently than paired
// gradients.
func (m *Model) baseBackwardExec(numFeatures, numGradients int) (*context.Exec, error) {
	if exec := m.baseBackwardExecs[numGradients]; exec != nil {
		return exec, nil
	}
	exec, err := context.NewExec(m.backend, m.base.ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			features := inputs[:numFeatures]
			gradients := inputs[numFeatures:]

			// Recompute the forward pass and attach each incoming gradient
			// to its embedding: the identity below forwards the embedding
			// unchanged but replaces its adjoint with the received gradient.
			outputs := m.base.fn(ctx, features)
			var pseudoLoss *Node
			for i, h := range outputs {
				incoming := gradients[0]
				if len(gradients) > 1 {
					incoming = gradients[i]
				}
				attached := IdentityWithCustomGradient(h, func(x, v *Node) *Node {
					return Mul(v, incoming)
				})
				term := ReduceAllSum(attached)
				if pseudoLoss == nil {
					pseudoLoss = term
				} else {
					pseudoLoss = Add(pseudoLoss, term)
				}
			}
			// Regularization terms registered by the base layers join the
			// externally received gradients.
			if reg := registeredLosses(ctx, g); reg != nil {
				pseudoLoss = Add(pseudoLoss, reg)
			}
			m.base.optimizer.UpdateGraph(ctx, g, pseudoLoss)
			return []*Node{pseudoLoss}
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "building backward of party %q", m.name)
	}
	m.baseBackwardExecs[numGradients] = exec
	return exec, nil
}
