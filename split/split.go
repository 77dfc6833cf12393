// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package split implements the per-party side of vertical split learning.
//
// In split learning each party owns a vertical slice of the features and
// trains a private "base" network up to a cut layer. The activations at the
// cut, the embeddings, are the only forward information that leaves the
// party. The party holding the labels additionally owns a "fuse" network
// that consumes the embeddings of every party, computes the loss, and sends
// back one gradient tensor per embedding it received. Each party then
// resumes its own backward pass from those gradients.
//
// A Model wraps the base network (and, on the label party, the fuse
// network) of one party. A training step is driven externally, in this
// fixed order:
//
//	emb, _ := m.BaseForward(split.StageTrain)   // every party
//	grads, logs, _ := label.FuseNet(hiddens)    // label party only
//	_ = m.BaseBackward(grads[i].Tensors())      // every party
//
// Between BaseForward(StageTrain) and BaseBackward the model keeps a
// training tape: the batch that produced the embeddings. The tape is
// exclusive, a second training forward before the backward (or AbortStep)
// fails with ErrTapeAlreadyOpen. Evaluation never touches the tape.
//
// Base networks must be deterministic given their variables and inputs:
// the backward pass recomputes the forward graph to attach the incoming
// gradients, so a base using fresh randomness per call would train against
// activations it never produced.
package split

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Stage selects which dataset and graph mode an operation runs under.
type Stage int

const (
	// StageTrain runs with training-mode graphs and opens the tape.
	StageTrain Stage = iota

	// StageEval runs with inference-mode graphs and never touches the tape.
	StageEval
)

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s {
	case StageTrain:
		return "train"
	case StageEval:
		return "eval"
	}
	return "invalid"
}

func (s Stage) valid() bool { return s == StageTrain || s == StageEval }

// GraphFn builds the computation of one partition. It receives the party's
// context and the input nodes (the feature tensors for a base network, the
// embeddings of all parties for a fuse network) and returns the output
// nodes. It is called once per distinct input shape, so it must be
// deterministic in the graph it builds.
type GraphFn func(ctx *context.Context, inputs []*graph.Node) []*graph.Node

// Embedding is the cut-layer activation set a base network produced for one
// batch, or the gradient set flowing back to it. It distinguishes a base
// with a single output from one with multiple outputs, so the distinction
// survives the trip through the label party.
type Embedding struct {
	values []*tensors.Tensor
	multi  bool
}

// SingleEmbedding wraps the output of a single-output base network.
func SingleEmbedding(t *tensors.Tensor) Embedding {
	return Embedding{values: []*tensors.Tensor{t}}
}

// MultiEmbedding wraps the outputs of a multi-output base network.
// It is valid even with one element, len is what Multi reports.
func MultiEmbedding(values []*tensors.Tensor) Embedding {
	return Embedding{values: values, multi: true}
}

// newEmbedding tags values as multi when there is more than one of them.
func newEmbedding(values []*tensors.Tensor) Embedding {
	return Embedding{values: values, multi: len(values) > 1}
}

// Tensors returns the underlying tensors, in base-output order.
func (e Embedding) Tensors() []*tensors.Tensor { return e.values }

// Multi reports whether the originating base network has multiple outputs.
func (e Embedding) Multi() bool { return e.multi }

// Len returns the number of tensors.
func (e Embedding) Len() int { return len(e.values) }
