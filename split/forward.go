// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/splitlearn/compress"
)

// BaseForward runs the base network over the next batch of the stage and
// returns the embeddings to send to the label party.
//
// With StageTrain it opens the training tape, which stays open until
// BaseBackward or AbortStep; a second training forward in between fails
// with ErrTapeAlreadyOpen. With StageEval it leaves the tape alone.
//
// If an embedding perturbation is configured it is applied to the returned
// embeddings, while the tape keeps the batch unperturbed.
func (m *Model) BaseForward(stage Stage) (Embedding, error) {
	if m.base == nil {
		return Embedding{}, errors.Wrapf(ErrNotConfigured, "party %q has no base partition", m.name)
	}
	state, err := m.stageData(stage)
	if err != nil {
		return Embedding{}, err
	}
	if stage == StageTrain && m.tape.state == tapeOpen {
		return Embedding{}, errors.WithStack(ErrTapeAlreadyOpen)
	}

	inputs, labels, err := m.nextBatch(state, stage)
	if err != nil {
		return Embedding{}, err
	}

	exec, err := m.baseForwardExec(stage)
	if err != nil {
		return Embedding{}, err
	}
	args := make([]any, 0, len(inputs))
	for _, t := range inputs {
		args = append(args, t)
	}
	outputs, err := exec.Exec(args...)
	if err != nil {
		return Embedding{}, errors.WithMessagef(err, "%s forward of party %q", stage, m.name)
	}
	m.baseOutputCount = len(outputs)
	embedding := newEmbedding(outputs)

	if stage == StageTrain {
		m.tape.state = tapeOpen
		m.tape.features = inputs
		m.tape.labels = labels
		m.tape.embeddings = embedding
	}

	// Perturbation happens on every stage: evaluation embeddings cross the
	// party boundary too. The tape keeps the unperturbed batch.
	if m.privacy != nil && m.privacy.Embedding != nil {
		perturbed, err := m.privacy.Embedding.PerturbEmbeddings(outputs)
		if err != nil {
			if stage == StageTrain {
				m.tape.release()
			}
			return Embedding{}, errors.WithMessagef(err, "perturbing embeddings of party %q", m.name)
		}
		embedding = Embedding{values: perturbed, multi: embedding.multi}
		m.accountant.AccumulateStep()
	}
	return embedding, nil
}

// BaseForwardCompressed is BaseForward followed by compression of the
// embeddings. It requires a compressor.
func (m *Model) BaseForwardCompressed(stage Stage) (*compress.Payload, error) {
	if m.compressor == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "party %q has no compressor", m.name)
	}
	embedding, err := m.BaseForward(stage)
	if err != nil {
		return nil, err
	}
	payload, err := m.compressor.Compress(embedding.Tensors())
	if err != nil {
		if stage == StageTrain {
			m.tape.release()
		}
		return nil, errors.WithMessagef(err, "compressing embeddings of party %q", m.name)
	}
	payload.Multi = embedding.Multi()
	return payload, nil
}

// baseForwardExec returns the cached forward computation for the stage,
// building it on first use.
func (m *Model) baseForwardExec(stage Stage) (*context.Exec, error) {
	if exec := m.baseForwardExecs[stage]; exec != nil {
		return exec, nil
	}
	training := stage == StageTrain
	exec, err := context.NewExec(m.backend, m.base.ctx,
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			ctx.SetTraining(inputs[0].Graph(), training)
			return m.base.fn(ctx, inputs)
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "building %s forward of party %q", stage, m.name)
	}
	m.baseForwardExecs[stage] = exec
	return exec, nil
}

// currentLabels returns the labels of the most recent batch of the stage,
// for the label party's fuse operations. On a fuse-only party there is no
// base forward to advance the dataset, so the fuse call pulls the next
// label batch itself.
func (m *Model) currentLabels(stage Stage) ([]*tensors.Tensor, error) {
	state, err := m.stageData(stage)
	if err != nil {
		return nil, err
	}
	if !state.hasLabels {
		return nil, errors.Wrapf(ErrNotConfigured, "stage %s dataset of party %q carries no labels", stage, m.name)
	}
	if m.base == nil {
		if _, _, err := m.nextBatch(state, stage); err != nil {
			return nil, err
		}
	}
	if state.lastLabels == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "no %s batch read yet on party %q", stage, m.name)
	}
	return state.lastLabels, nil
}
