// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DatasetOptions configures BuildDataset.
type DatasetOptions struct {
	// BatchSize is required and must be positive.
	BatchSize int

	// Shuffle reshuffles the examples at every pass.
	Shuffle bool

	// Seed makes shuffling reproducible. Ignored when Shuffle is false.
	Seed int64

	// DropIncomplete drops the last batch of a pass when it has fewer than
	// BatchSize examples.
	DropIncomplete bool

	// Repeat is the number of passes over the data before the stage reports
	// exhaustion: 0 and 1 mean a single pass, -1 repeats forever.
	Repeat int

	// Builder, when set, builds the dataset from the given data instead of
	// the in-memory default, and reports the steps per epoch (see
	// StepsPerEpoch). The yielded tuples must follow the same layout as the
	// build arguments: inputs, then labels and sample weights when present.
	// The other options are ignored.
	Builder func(features []*tensors.Tensor, labels, sampleWeights *tensors.Tensor) (ds train.Dataset, stepsPerEpoch int, err error)
}

// BuildDataset registers the party's local data for a stage. features are
// the party's vertical slice of the examples, one tensor per input of the
// base network, all with the same leading (example) dimension. labels and
// sampleWeights are only given on the label party, sampleWeights requires
// labels.
//
// Building a stage again replaces its dataset. If a label perturbation is
// configured, it is applied here, once, so repeated passes see the same
// perturbed labels.
func (m *Model) BuildDataset(stage Stage, features []*tensors.Tensor,
	labels, sampleWeights *tensors.Tensor, opts DatasetOptions) error {
	if !stage.valid() {
		return errors.Wrapf(ErrInvalidStage, "stage %d", stage)
	}
	// A fuse-only party has no base inputs; its dataset carries the labels.
	if len(features) == 0 && (m.base != nil || labels == nil) {
		return errors.Wrapf(ErrEmptyInput, "no feature tensors for stage %s", stage)
	}
	for i, f := range features {
		if f.Shape().Rank() == 0 || f.Shape().Dimensions[0] == 0 {
			return errors.Wrapf(ErrEmptyInput, "feature tensor #%d for stage %s has no examples", i, stage)
		}
	}
	if opts.BatchSize <= 0 && opts.Builder == nil {
		return errors.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if sampleWeights != nil && labels == nil {
		return errors.Errorf("sample weights require labels")
	}

	if labels != nil && m.privacy != nil && m.privacy.Label != nil {
		perturbed, err := m.privacy.Label.PerturbLabels(labels)
		if err != nil {
			return errors.WithMessagef(err, "perturbing labels for party %q", m.name)
		}
		labels = perturbed
		klog.V(1).Infof("%s: labels perturbed with %s", m.name, m.privacy.Label.Name())
	}

	var state *datasetState
	var err error
	if opts.Builder != nil {
		ds, steps, buildErr := opts.Builder(features, labels, sampleWeights)
		if buildErr != nil {
			return errors.WithMessagef(buildErr, "custom %s dataset builder for party %q", stage, m.name)
		}
		state = &datasetState{
			ds:            ds,
			numFeatures:   len(features),
			hasLabels:     labels != nil,
			hasWeights:    sampleWeights != nil,
			stepsPerEpoch: steps,
		}
	} else {
		state, err = buildInMemoryDataset(m.backend, fmt.Sprintf("%s-%s", m.name, stage),
			features, labels, sampleWeights, opts)
		if err != nil {
			return errors.WithMessagef(err, "building %s dataset for party %q", stage, m.name)
		}
	}
	m.data[stage] = state
	if stage == StageTrain {
		m.tape.release()
	}
	return nil
}

// buildInMemoryDataset assembles the batched dataset and its layout.
func buildInMemoryDataset(backend backends.Backend, name string, features []*tensors.Tensor,
	labels, sampleWeights *tensors.Tensor, opts DatasetOptions) (*datasetState, error) {
	inputs := make([]any, 0, len(features))
	for _, f := range features {
		inputs = append(inputs, f)
	}
	var labelsAny []any
	if labels != nil {
		labelsAny = append(labelsAny, labels)
		if sampleWeights != nil {
			labelsAny = append(labelsAny, sampleWeights)
		}
	}

	mds, err := datasets.InMemoryFromData(backend, name, inputs, labelsAny)
	if err != nil {
		return nil, err
	}
	mds.BatchSize(opts.BatchSize, opts.DropIncomplete)
	if opts.Shuffle {
		mds.Shuffle()
		if opts.Seed != 0 {
			mds.WithRand(rand.New(rand.NewSource(opts.Seed)))
		}
	}
	var ds train.Dataset = mds
	switch {
	case opts.Repeat < 0:
		mds.Infinite(true)
	case opts.Repeat > 1:
		ds = &repeatDataset{ds: mds, passes: opts.Repeat}
	}

	return &datasetState{
		ds:          ds,
		numFeatures: len(features),
		hasLabels:   labels != nil,
		hasWeights:  sampleWeights != nil,
	}, nil
}

// StepsPerEpoch returns the steps per epoch reported by the stage's
// custom dataset builder, or 0 when unknown: in-memory datasets leave it
// undefined and callers loop until exhaustion.
func (m *Model) StepsPerEpoch(stage Stage) (int, error) {
	state, err := m.stageData(stage)
	if err != nil {
		return 0, err
	}
	return state.stepsPerEpoch, nil
}

// ResetStage restarts the stage's dataset from the beginning.
func (m *Model) ResetStage(stage Stage) error {
	state, err := m.stageData(stage)
	if err != nil {
		return err
	}
	state.ds.Reset()
	state.lastLabels = nil
	return nil
}

// nextBatch yields the next batch of a stage, mapping dataset exhaustion
// to ErrStageExhausted.
func (m *Model) nextBatch(state *datasetState, stage Stage) (inputs, labels []*tensors.Tensor, err error) {
	_, inputs, labels, err = state.ds.Yield()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.Wrapf(ErrStageExhausted, "stage %s of party %q", stage, m.name)
		}
		return nil, nil, errors.WithMessagef(err, "reading %s batch for party %q", stage, m.name)
	}
	state.lastLabels = labels
	return inputs, labels, nil
}

// repeatDataset re-runs a dataset for a fixed number of passes before
// reporting io.EOF.
type repeatDataset struct {
	ds     train.Dataset
	passes int
	done   int
}

// Name implements train.Dataset.
func (r *repeatDataset) Name() string {
	return fmt.Sprintf("%s (x%d)", r.ds.Name(), r.passes)
}

// Reset implements train.Dataset.
func (r *repeatDataset) Reset() {
	r.done = 0
	r.ds.Reset()
}

// Yield implements train.Dataset.
func (r *repeatDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = r.ds.Yield()
	if err == io.EOF {
		r.done++
		if r.done >= r.passes {
			return nil, nil, nil, io.EOF
		}
		r.ds.Reset()
		return r.ds.Yield()
	}
	return
}
