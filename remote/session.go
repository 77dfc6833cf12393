// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package remote

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/gomlx/splitlearn/compress"
	"github.com/gomlx/splitlearn/split"
)

// Session coordinates a fixed set of parties through split training.
// Exactly one party must carry the fuse partition; it receives the
// embeddings of every base-carrying party (in the order the parties were
// given) and its lifecycle collects the logs and history of the run. A
// fuse-only label party contributes labels, no embeddings.
type Session struct {
	parties    []*Handle
	bases      []*Handle
	label      *Handle
	compressed bool
}

// NewSession creates a session over the given parties.
func NewSession(parties ...*Handle) (*Session, error) {
	if len(parties) == 0 {
		return nil, errors.New("a session needs at least one party")
	}
	s := &Session{parties: parties}
	for _, h := range parties {
		if h.HasBase() {
			s.bases = append(s.bases, h)
		}
		if !h.HasFuse() {
			continue
		}
		if s.label != nil {
			return nil, errors.Errorf("parties %q and %q both carry a fuse partition, want exactly one",
				s.label.Name(), h.Name())
		}
		s.label = h
	}
	if s.label == nil {
		return nil, errors.New("no party carries a fuse partition")
	}
	if len(s.bases) == 0 {
		return nil, errors.New("no party carries a base partition")
	}
	return s, nil
}

// WithCompression exchanges embeddings and gradients as compressed
// payloads. Every party must have been built with a compressor.
func (s *Session) WithCompression() *Session {
	s.compressed = true
	return s
}

// Close closes every party handle.
func (s *Session) Close() {
	for _, h := range s.parties {
		h.Close()
	}
}

// FitOptions configures a training run.
type FitOptions struct {
	// Epochs is the number of training epochs, at least 1.
	Epochs int

	// StepsPerEpoch bounds the steps per epoch. Zero runs until the
	// training datasets are exhausted, which then must be finite.
	StepsPerEpoch int

	// Validate runs an evaluation pass at the end of every epoch, merged
	// into the epoch logs under "val_" keys. Requires StageEval datasets.
	Validate bool

	// ValidationSteps bounds the evaluation pass. Zero runs until the
	// evaluation datasets are exhausted.
	ValidationSteps int
}

// Fit runs the training loop and returns the label party's history, one
// Logs per epoch.
func (s *Session) Fit(opts FitOptions) (split.History, error) {
	if opts.Epochs < 1 {
		return split.History{}, errors.Errorf("need at least 1 epoch, got %d", opts.Epochs)
	}
	if err := s.label.onTrainBegin(); err != nil {
		return split.History{}, err
	}
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := s.label.onEpochBegin(epoch); err != nil {
			return split.History{}, err
		}
		if err := s.label.ResetMetrics(); err != nil {
			return split.History{}, err
		}

		for step := 0; opts.StepsPerEpoch == 0 || step < opts.StepsPerEpoch; step++ {
			if err := s.label.onTrainBatchBegin(step); err != nil {
				return split.History{}, err
			}
			logs, exhausted, err := s.trainStep()
			if err != nil {
				return split.History{}, err
			}
			if exhausted {
				if step == 0 && opts.StepsPerEpoch == 0 {
					return split.History{}, errors.Errorf("training dataset exhausted at the start of epoch %d", epoch)
				}
				break
			}
			if err := s.label.onTrainBatchEnd(step, logs); err != nil {
				return split.History{}, err
			}
		}
		for _, h := range s.parties {
			if err := h.ResetStage(split.StageTrain); err != nil {
				return split.History{}, err
			}
		}

		if opts.Validate {
			valLogs, err := s.evalPass(opts.ValidationSteps)
			if err != nil {
				return split.History{}, err
			}
			if err := s.label.onValidation(valLogs); err != nil {
				return split.History{}, err
			}
		}

		logs, err := s.label.onEpochEnd(epoch)
		if err != nil {
			return split.History{}, err
		}
		klog.V(1).Infof("epoch %d: %v", epoch, logs)

		stop, err := s.label.shouldStop()
		if err != nil {
			return split.History{}, err
		}
		if stop {
			klog.V(1).Infof("stopping after epoch %d", epoch)
			break
		}
	}
	if err := s.label.onTrainEnd(); err != nil {
		return split.History{}, err
	}
	return s.label.History()
}

// Evaluate runs one evaluation pass over the StageEval datasets and
// returns the accumulated logs. maxSteps of zero runs until exhaustion.
func (s *Session) Evaluate(maxSteps int) (split.Logs, error) {
	return s.evalPass(maxSteps)
}

// Predict runs the next evaluation batch through every base network and
// the fuse network, returning the fuse outputs.
func (s *Session) Predict() ([]*tensors.Tensor, error) {
	hiddens, exhausted, err := s.forwardAll(split.StageEval)
	if err != nil {
		return nil, err
	}
	if exhausted {
		return nil, errors.WithStack(split.ErrStageExhausted)
	}
	return s.label.Predict(hiddens)
}

// trainStep runs one full training step across all parties. It reports
// exhaustion instead of an error so the epoch loop can end cleanly, and
// aborts any half-done step when a party's data runs out.
func (s *Session) trainStep() (split.Logs, bool, error) {
	if s.compressed {
		return s.trainStepCompressed()
	}
	hiddens, exhausted, err := s.forwardAll(split.StageTrain)
	if err != nil || exhausted {
		return nil, exhausted, err
	}
	gradients, logs, err := s.label.FuseNet(hiddens)
	if err != nil {
		s.abortAll()
		return nil, false, err
	}
	if len(gradients) != len(s.bases) {
		s.abortAll()
		return nil, false, errors.Errorf("fuse returned gradients for %d parties, want %d", len(gradients), len(s.bases))
	}
	for i, h := range s.bases {
		if err := h.BaseBackward(gradients[i].Tensors()); err != nil {
			s.abortAll()
			return nil, false, err
		}
	}
	return logs, false, nil
}

func (s *Session) trainStepCompressed() (split.Logs, bool, error) {
	payloads, exhausted, err := s.forwardAllCompressed(split.StageTrain)
	if err != nil || exhausted {
		return nil, exhausted, err
	}
	gradients, logs, err := s.label.FuseNetCompressed(payloads)
	if err != nil {
		s.abortAll()
		return nil, false, err
	}
	if len(gradients) != len(s.bases) {
		s.abortAll()
		return nil, false, errors.Errorf("fuse returned gradients for %d parties, want %d", len(gradients), len(s.bases))
	}
	for i, h := range s.bases {
		if err := h.BaseBackwardCompressed(gradients[i]); err != nil {
			s.abortAll()
			return nil, false, err
		}
	}
	return logs, false, nil
}

// forwardAll runs the base forward of the stage on every base-carrying
// party. On exhaustion of any party it aborts the steps already started
// and reports exhausted.
func (s *Session) forwardAll(stage split.Stage) ([]split.Embedding, bool, error) {
	hiddens := make([]split.Embedding, 0, len(s.bases))
	for _, h := range s.bases {
		embedding, err := h.BaseForward(stage)
		if err != nil {
			if errors.Is(err, split.ErrStageExhausted) {
				s.abortAll()
				return nil, true, nil
			}
			s.abortAll()
			return nil, false, err
		}
		hiddens = append(hiddens, embedding)
	}
	return hiddens, false, nil
}

func (s *Session) forwardAllCompressed(stage split.Stage) ([]*compress.Payload, bool, error) {
	payloads := make([]*compress.Payload, 0, len(s.bases))
	for _, h := range s.bases {
		payload, err := h.BaseForwardCompressed(stage)
		if err != nil {
			if errors.Is(err, split.ErrStageExhausted) {
				s.abortAll()
				return nil, true, nil
			}
			s.abortAll()
			return nil, false, err
		}
		payloads = append(payloads, payload)
	}
	return payloads, false, nil
}

// abortAll releases any training tape left open across the parties.
func (s *Session) abortAll() {
	for _, h := range s.parties {
		if err := h.AbortStep(); err != nil {
			klog.Warningf("aborting step on party %q: %v", h.Name(), err)
		}
	}
}

// evalPass runs the evaluation loop: it resets the metrics, accumulates
// loss and metrics over the StageEval batches, and rewinds the evaluation
// datasets afterwards.
func (s *Session) evalPass(maxSteps int) (split.Logs, error) {
	if err := s.label.ResetMetrics(); err != nil {
		return nil, err
	}
	var logs split.Logs
	for step := 0; maxSteps == 0 || step < maxSteps; step++ {
		var err error
		var exhausted bool
		if s.compressed {
			var payloads []*compress.Payload
			payloads, exhausted, err = s.forwardAllCompressed(split.StageEval)
			if err == nil && !exhausted {
				logs, err = s.label.EvaluateCompressed(payloads)
			}
		} else {
			var hiddens []split.Embedding
			hiddens, exhausted, err = s.forwardAll(split.StageEval)
			if err == nil && !exhausted {
				logs, err = s.label.Evaluate(hiddens)
			}
		}
		if err != nil {
			return nil, err
		}
		if exhausted {
			break
		}
	}
	for _, h := range s.parties {
		if err := h.ResetStage(split.StageEval); err != nil {
			return nil, err
		}
	}
	if logs == nil {
		return nil, errors.Errorf("evaluation datasets yielded no batches")
	}
	return logs, nil
}
