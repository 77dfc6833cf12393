// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package remote drives split training across parties.
//
// A Handle wraps one party's Model behind a single-goroutine actor, giving
// the Model the single-threaded execution it requires while callers invoke
// it from anywhere. A Session owns one Handle per party and runs the
// canonical training loop over them: base forward on every party, fuse on
// the label party, base backward everywhere.
package remote

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/gomlx/splitlearn/compress"
	"github.com/gomlx/splitlearn/privacy"
	"github.com/gomlx/splitlearn/split"
)

// ErrHandleClosed indicates a call on a Handle after Close.
var ErrHandleClosed = errors.New("handle is closed")

// Handle is the single-goroutine front of one party's Model. All calls are
// serialized onto the party's goroutine, so a Handle is safe for
// concurrent use.
type Handle struct {
	id    uuid.UUID
	model *split.Model

	calls     chan func()
	quit      chan struct{}
	closeOnce sync.Once
}

// NewHandle starts the party goroutine and returns its handle. Close it
// when done.
func NewHandle(model *split.Model) *Handle {
	h := &Handle{
		id:    uuid.New(),
		model: model,
		calls: make(chan func()),
		quit:  make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Handle) loop() {
	for {
		select {
		case fn := <-h.calls:
			fn()
		case <-h.quit:
			return
		}
	}
}

// do runs fn on the party goroutine and waits for it.
func (h *Handle) do(fn func()) error {
	done := make(chan struct{})
	select {
	case h.calls <- func() { fn(); close(done) }:
	case <-h.quit:
		return errors.WithStack(ErrHandleClosed)
	}
	<-done
	return nil
}

// Close stops the party goroutine. Calls after Close fail with
// ErrHandleClosed.
func (h *Handle) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

// ID returns the unique identifier of this handle.
func (h *Handle) ID() uuid.UUID { return h.id }

// Name returns the party name.
func (h *Handle) Name() string { return h.model.Name() }

// HasFuse reports whether the party carries the fuse partition.
func (h *Handle) HasFuse() bool { return h.model.HasFuse() }

// HasBase reports whether the party carries a base partition.
func (h *Handle) HasBase() bool { return h.model.HasBase() }

// run0 serializes a call returning only an error.
func (h *Handle) run0(fn func() error) error {
	var err error
	if doErr := h.do(func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

// run1 serializes a call returning a value and an error.
func run1[T any](h *Handle, fn func() (T, error)) (T, error) {
	var value T
	var err error
	if doErr := h.do(func() { value, err = fn() }); doErr != nil {
		return value, doErr
	}
	return value, err
}

// BuildDataset registers the party's local data for a stage.
func (h *Handle) BuildDataset(stage split.Stage, features []*tensors.Tensor,
	labels, sampleWeights *tensors.Tensor, opts split.DatasetOptions) error {
	return h.run0(func() error {
		return h.model.BuildDataset(stage, features, labels, sampleWeights, opts)
	})
}

// StepsPerEpoch reports the steps per epoch of a stage, 0 when unknown.
func (h *Handle) StepsPerEpoch(stage split.Stage) (int, error) {
	return run1(h, func() (int, error) { return h.model.StepsPerEpoch(stage) })
}

// ResetStage restarts the stage's dataset.
func (h *Handle) ResetStage(stage split.Stage) error {
	return h.run0(func() error { return h.model.ResetStage(stage) })
}

// BaseForward runs the party's base network over its next batch.
func (h *Handle) BaseForward(stage split.Stage) (split.Embedding, error) {
	return run1(h, func() (split.Embedding, error) { return h.model.BaseForward(stage) })
}

// BaseForwardCompressed is BaseForward with compressed output.
func (h *Handle) BaseForwardCompressed(stage split.Stage) (*compress.Payload, error) {
	return run1(h, func() (*compress.Payload, error) { return h.model.BaseForwardCompressed(stage) })
}

// BaseBackward finishes the party's training step from the received
// gradients.
func (h *Handle) BaseBackward(gradients []*tensors.Tensor) error {
	return h.run0(func() error { return h.model.BaseBackward(gradients) })
}

// BaseBackwardCompressed is BaseBackward over a compressed payload.
func (h *Handle) BaseBackwardCompressed(p *compress.Payload) error {
	return h.run0(func() error { return h.model.BaseBackwardCompressed(p) })
}

// AbortStep discards the party's training step in flight, if any.
func (h *Handle) AbortStep() error {
	return h.run0(func() error { h.model.AbortStep(); return nil })
}

// FuseNet runs the label party's fuse step over the per-party embeddings.
func (h *Handle) FuseNet(hiddens []split.Embedding) ([]split.Embedding, split.Logs, error) {
	var gradients []split.Embedding
	var logs split.Logs
	err := h.run0(func() (err error) {
		gradients, logs, err = h.model.FuseNet(hiddens)
		return
	})
	return gradients, logs, err
}

// FuseNetCompressed is FuseNet over compressed payloads.
func (h *Handle) FuseNetCompressed(payloads []*compress.Payload) ([]*compress.Payload, split.Logs, error) {
	var gradients []*compress.Payload
	var logs split.Logs
	err := h.run0(func() (err error) {
		gradients, logs, err = h.model.FuseNetCompressed(payloads)
		return
	})
	return gradients, logs, err
}

// Evaluate accumulates loss and metrics over one evaluation batch.
func (h *Handle) Evaluate(hiddens []split.Embedding) (split.Logs, error) {
	return run1(h, func() (split.Logs, error) { return h.model.Evaluate(hiddens) })
}

// EvaluateCompressed is Evaluate over compressed payloads.
func (h *Handle) EvaluateCompressed(payloads []*compress.Payload) (split.Logs, error) {
	return run1(h, func() (split.Logs, error) { return h.model.EvaluateCompressed(payloads) })
}

// Predict runs the fuse network over the given embeddings.
func (h *Handle) Predict(hiddens []split.Embedding) ([]*tensors.Tensor, error) {
	return run1(h, func() ([]*tensors.Tensor, error) { return h.model.Predict(hiddens) })
}

// ResetMetrics zeroes the label party's accumulated metrics.
func (h *Handle) ResetMetrics() error {
	return h.run0(func() error { return h.model.ResetMetrics() })
}

// AddCallback registers a lifecycle callback on the party.
func (h *Handle) AddCallback(c split.Callback) error {
	return h.run0(func() error { h.model.Lifecycle().AddCallback(c); return nil })
}

// History returns the per-epoch logs recorded on the party.
func (h *Handle) History() (split.History, error) {
	return run1(h, func() (split.History, error) { return h.model.Lifecycle().History(), nil })
}

// BaseWeights returns the party's base network weights.
func (h *Handle) BaseWeights() ([]*tensors.Tensor, error) {
	return run1(h, func() ([]*tensors.Tensor, error) { return h.model.BaseWeights() })
}

// SetBaseWeights replaces the party's base network weights.
func (h *Handle) SetBaseWeights(values []*tensors.Tensor) error {
	return h.run0(func() error { return h.model.SetBaseWeights(values) })
}

// FuseWeights returns the label party's fuse network weights.
func (h *Handle) FuseWeights() ([]*tensors.Tensor, error) {
	return run1(h, func() ([]*tensors.Tensor, error) { return h.model.FuseWeights() })
}

// SetFuseWeights replaces the label party's fuse network weights.
func (h *Handle) SetFuseWeights(values []*tensors.Tensor) error {
	return h.run0(func() error { return h.model.SetFuseWeights(values) })
}

// Save checkpoints the party's networks under dir.
func (h *Handle) Save(dir string) error {
	return h.run0(func() error { return h.model.Save(dir) })
}

// Load restores the party's networks from a directory written by Save.
func (h *Handle) Load(dir string) error {
	return h.run0(func() error { return h.model.Load(dir) })
}

// PrivacySpent reports the party's consumed privacy budget.
func (h *Handle) PrivacySpent(delta float64) (privacy.Spent, error) {
	return run1(h, func() (privacy.Spent, error) { return h.model.PrivacySpent(delta) })
}

// lifecycle helpers used by Session, serialized like everything else.

func (h *Handle) onTrainBegin() error { return h.run0(h.model.Lifecycle().OnTrainBegin) }
func (h *Handle) onTrainEnd() error   { return h.run0(h.model.Lifecycle().OnTrainEnd) }

func (h *Handle) onEpochBegin(epoch int) error {
	return h.run0(func() error { return h.model.Lifecycle().OnEpochBegin(epoch) })
}

func (h *Handle) onTrainBatchBegin(step int) error {
	return h.run0(func() error { return h.model.Lifecycle().OnTrainBatchBegin(step) })
}

func (h *Handle) onTrainBatchEnd(step int, logs split.Logs) error {
	return h.run0(func() error { return h.model.Lifecycle().OnTrainBatchEnd(step, logs) })
}

func (h *Handle) onValidation(logs split.Logs) error {
	return h.run0(func() error { h.model.Lifecycle().OnValidation(logs); return nil })
}

func (h *Handle) onEpochEnd(epoch int) (split.Logs, error) {
	return run1(h, func() (split.Logs, error) { return h.model.Lifecycle().OnEpochEnd(epoch) })
}

func (h *Handle) shouldStop() (bool, error) {
	return run1(h, func() (bool, error) { return h.model.Lifecycle().ShouldStop(), nil })
}
