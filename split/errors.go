// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import "github.com/pkg/errors"

var (
	// ErrNotConfigured indicates an operation that requires a component the
	// model was built without, e.g. a fuse operation on a feature-only party
	// or a compressed exchange without a compressor.
	ErrNotConfigured = errors.New("model is not configured for this operation")

	// ErrInvalidStage indicates a Stage value other than StageTrain or
	// StageEval.
	ErrInvalidStage = errors.New("invalid stage")

	// ErrStageExhausted indicates the dataset of the stage has no more
	// batches. ResetStage starts a new pass.
	ErrStageExhausted = errors.New("stage dataset exhausted")

	// ErrTapeAlreadyOpen indicates a training forward pass was started while
	// the previous step's tape was still waiting for its backward pass.
	ErrTapeAlreadyOpen = errors.New("training tape already open, finish the step with BaseBackward or AbortStep")

	// ErrTapeNotOpen indicates a backward pass without a preceding training
	// forward pass.
	ErrTapeNotOpen = errors.New("training tape not open, call BaseForward with StageTrain first")

	// ErrEmptyInput indicates a dataset built from zero feature tensors or
	// zero examples.
	ErrEmptyInput = errors.New("empty input")

	// ErrGradientArity indicates the number of gradient tensors handed to
	// BaseBackward matches neither the number of base outputs nor one.
	ErrGradientArity = errors.New("gradient count matches neither base output count nor one")
)
