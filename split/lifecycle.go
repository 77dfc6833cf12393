// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"strings"

	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Logs maps metric short names to their values for one step or epoch.
// Validation entries carry a "val_" prefix.
type Logs map[string]float64

// Clone returns a copy, so later steps cannot mutate reported logs.
func (l Logs) Clone() Logs {
	if l == nil {
		return Logs{}
	}
	return maps.Clone(l)
}

// History records the logs of every finished epoch, in order.
type History struct {
	Epochs []Logs
}

// Callback observes the training lifecycle of a party. Every hook may
// return an error, which aborts training.
type Callback interface {
	OnTrainBegin() error
	OnEpochBegin(epoch int) error
	OnTrainBatchBegin(step int) error
	OnTrainBatchEnd(step int, logs Logs) error
	OnEpochEnd(epoch int, logs Logs) error
	OnTrainEnd() error
}

// CallbackFuncs adapts plain functions to Callback. Nil fields are
// skipped.
type CallbackFuncs struct {
	TrainBegin      func() error
	EpochBegin      func(epoch int) error
	TrainBatchBegin func(step int) error
	TrainBatchEnd   func(step int, logs Logs) error
	EpochEnd        func(epoch int, logs Logs) error
	TrainEnd        func() error
}

func (c *CallbackFuncs) OnTrainBegin() error {
	if c.TrainBegin == nil {
		return nil
	}
	return c.TrainBegin()
}

func (c *CallbackFuncs) OnEpochBegin(epoch int) error {
	if c.EpochBegin == nil {
		return nil
	}
	return c.EpochBegin(epoch)
}

func (c *CallbackFuncs) OnTrainBatchBegin(step int) error {
	if c.TrainBatchBegin == nil {
		return nil
	}
	return c.TrainBatchBegin(step)
}

func (c *CallbackFuncs) OnTrainBatchEnd(step int, logs Logs) error {
	if c.TrainBatchEnd == nil {
		return nil
	}
	return c.TrainBatchEnd(step, logs)
}

func (c *CallbackFuncs) OnEpochEnd(epoch int, logs Logs) error {
	if c.EpochEnd == nil {
		return nil
	}
	return c.EpochEnd(epoch, logs)
}

func (c *CallbackFuncs) OnTrainEnd() error {
	if c.TrainEnd == nil {
		return nil
	}
	return c.TrainEnd()
}

// stopRequester is implemented by callbacks that may ask training to stop
// at the end of an epoch, e.g. EarlyStopping.
type stopRequester interface {
	StopRequested() bool
}

// Lifecycle dispatches training lifecycle events to registered callbacks
// and accumulates the epoch logs and history along the way.
//
// The driver calls the hooks in the canonical order: OnTrainBegin, then per
// epoch OnEpochBegin, per step OnTrainBatchBegin and OnTrainBatchEnd,
// optionally OnValidation, OnEpochEnd, and finally OnTrainEnd.
type Lifecycle struct {
	callbacks []Callback
	epochLogs Logs
	history   History
	stop      bool
}

func newLifecycle() *Lifecycle {
	return &Lifecycle{epochLogs: Logs{}}
}

// AddCallback registers a callback. Callbacks run in registration order.
func (l *Lifecycle) AddCallback(c Callback) {
	l.callbacks = append(l.callbacks, c)
}

// History returns the per-epoch logs recorded so far.
func (l *Lifecycle) History() History { return l.history }

// StopTraining requests (or withdraws) a stop at the next epoch boundary.
func (l *Lifecycle) StopTraining(stop bool) { l.stop = stop }

// ShouldStop reports whether a stop was requested.
func (l *Lifecycle) ShouldStop() bool { return l.stop }

// OnTrainBegin marks the start of a training run.
func (l *Lifecycle) OnTrainBegin() error {
	l.stop = false
	for _, c := range l.callbacks {
		if err := c.OnTrainBegin(); err != nil {
			return err
		}
	}
	return nil
}

// OnEpochBegin resets the epoch logs.
func (l *Lifecycle) OnEpochBegin(epoch int) error {
	l.epochLogs = Logs{}
	for _, c := range l.callbacks {
		if err := c.OnEpochBegin(epoch); err != nil {
			return err
		}
	}
	return nil
}

// OnTrainBatchBegin marks the start of one training step.
func (l *Lifecycle) OnTrainBatchBegin(step int) error {
	for _, c := range l.callbacks {
		if err := c.OnTrainBatchBegin(step); err != nil {
			return err
		}
	}
	return nil
}

// OnTrainBatchEnd records the step logs as the epoch's latest and forwards
// them to the callbacks. The logs are copied, callers may reuse the map.
//
// The epoch keeps a snapshot of the latest step only: training keys from
// earlier steps that the latest step stopped reporting are dropped.
// Validation entries ("val_" prefix) are kept, they come from OnValidation.
func (l *Lifecycle) OnTrainBatchEnd(step int, logs Logs) error {
	for k := range l.epochLogs {
		if !strings.HasPrefix(k, "val_") {
			delete(l.epochLogs, k)
		}
	}
	for k, v := range logs {
		l.epochLogs[k] = v
	}
	for _, c := range l.callbacks {
		if err := c.OnTrainBatchEnd(step, logs.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// OnValidation merges validation logs into the epoch logs under a "val_"
// prefix.
func (l *Lifecycle) OnValidation(logs Logs) {
	for k, v := range logs {
		l.epochLogs["val_"+k] = v
	}
}

// OnEpochEnd closes the epoch: it appends the epoch logs to the history,
// notifies the callbacks, and honors their stop requests. It returns the
// epoch logs.
func (l *Lifecycle) OnEpochEnd(epoch int) (Logs, error) {
	logs := l.epochLogs.Clone()
	l.history.Epochs = append(l.history.Epochs, logs)
	for _, c := range l.callbacks {
		if err := c.OnEpochEnd(epoch, logs.Clone()); err != nil {
			return nil, err
		}
		if sr, ok := c.(stopRequester); ok && sr.StopRequested() {
			l.stop = true
		}
	}
	return logs, nil
}

// OnTrainEnd marks the end of a training run.
func (l *Lifecycle) OnTrainEnd() error {
	for _, c := range l.callbacks {
		if err := c.OnTrainEnd(); err != nil {
			return err
		}
	}
	return nil
}

// EarlyStopping requests a stop when a monitored metric has not improved
// for Patience consecutive epochs.
type EarlyStopping struct {
	// Monitor is the logs key to watch, e.g. "val_loss".
	Monitor string

	// Patience is the number of epochs without improvement tolerated before
	// stopping. Zero stops at the first epoch without improvement.
	Patience int

	// Maximize inverts the comparison, for metrics where higher is better.
	Maximize bool

	best     float64
	bad      int
	observed bool
	stop     bool
}

var _ Callback = (*EarlyStopping)(nil)

func (e *EarlyStopping) OnTrainBegin() error {
	e.bad = 0
	e.observed = false
	e.stop = false
	return nil
}

func (e *EarlyStopping) OnEpochBegin(int) error        { return nil }
func (e *EarlyStopping) OnTrainBatchBegin(int) error   { return nil }
func (e *EarlyStopping) OnTrainBatchEnd(int, Logs) error { return nil }
func (e *EarlyStopping) OnTrainEnd() error             { return nil }

func (e *EarlyStopping) OnEpochEnd(epoch int, logs Logs) error {
	value, found := logs[e.Monitor]
	if !found {
		klog.Warningf("EarlyStopping: metric %q not in epoch %d logs", e.Monitor, epoch)
		return nil
	}
	improved := !e.observed || value < e.best
	if e.Maximize {
		improved = !e.observed || value > e.best
	}
	if improved {
		e.best = value
		e.bad = 0
		e.observed = true
		return nil
	}
	e.bad++
	if e.bad > e.Patience {
		e.stop = true
		klog.V(1).Infof("EarlyStopping: %q did not improve for %d epoch(s), stopping", e.Monitor, e.bad)
	}
	return nil
}

// StopRequested implements the stop protocol checked by Lifecycle.
func (e *EarlyStopping) StopRequested() bool { return e.stop }
