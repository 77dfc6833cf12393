// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"

	"github.com/gomlx/splitlearn/compress"
	"github.com/gomlx/splitlearn/privacy"
)

// tapeState tracks whether a training step is in flight.
type tapeState int

const (
	tapeClosed tapeState = iota
	tapeOpen
)

// trainingTape holds the batch of the training step currently in flight,
// between BaseForward(StageTrain) and the matching BaseBackward.
type trainingTape struct {
	state      tapeState
	features   []*tensors.Tensor
	labels     []*tensors.Tensor
	embeddings Embedding
}

func (t *trainingTape) release() {
	t.state = tapeClosed
	t.features = nil
	t.labels = nil
	t.embeddings = Embedding{}
}

// datasetState is the per-stage dataset and its layout.
type datasetState struct {
	ds          train.Dataset
	numFeatures int
	hasLabels   bool
	hasWeights  bool

	// lastLabels is the labels slice of the most recent batch yielded for
	// this stage, used by the fuse operations of the label party.
	lastLabels []*tensors.Tensor

	// stepsPerEpoch is reported by custom dataset builders, 0 otherwise.
	stepsPerEpoch int
}

// Model is the split-learning engine of one party.
//
// A party carries a base partition, a fuse partition, or both; the fuse
// partition, its loss and its metrics live on the label party. Models are
// not safe for concurrent use, drive each one from a single goroutine
// (see package remote).
type Model struct {
	backend backends.Backend
	name    string

	base *network

	fuse       *network
	lossFn     losses.LossFn
	metrics    []metrics.Interface
	lossMetric metrics.Interface

	compressor compress.Compressor
	privacy    *privacy.Strategy
	accountant *privacy.Accountant

	lifecycle *Lifecycle

	data map[Stage]*datasetState
	tape trainingTape

	// baseOutputCount is learned on the first base forward pass, 0 before.
	baseOutputCount int

	baseForwardExecs  map[Stage]*context.Exec
	baseBackwardExecs map[int]*context.Exec

	fuseTrainExec *context.Exec
	fuseEvalExec  *context.Exec
	predictExec   *context.Exec
}

// Builder configures and creates a Model. See New.
type Builder struct {
	backend backends.Backend
	name    string

	baseFn  GraphFn
	baseOpt optimizers.Interface

	fuseFn      GraphFn
	lossFn      losses.LossFn
	fuseOpt     optimizers.Interface
	fuseMetrics []metrics.Interface

	compressor compress.Compressor
	privacy    *privacy.Strategy
}

// New starts building a Model for the given backend. At minimum a base
// partition must be configured before Done.
func New(backend backends.Backend) *Builder {
	return &Builder{backend: backend, name: "party"}
}

// WithName names the party, used in error messages and logs.
func (b *Builder) WithName(name string) *Builder {
	b.name = name
	return b
}

// WithBasePartition sets the party's base network and the optimizer that
// updates it.
func (b *Builder) WithBasePartition(fn GraphFn, optimizer optimizers.Interface) *Builder {
	b.baseFn = fn
	b.baseOpt = optimizer
	return b
}

// WithFusePartition sets the label party's fuse network, its loss, the
// optimizer that updates it, and optionally metrics reported alongside the
// loss. lossFn receives the labels (plus sample weights, when the dataset
// carries them) and the fuse outputs, and returns the per-example loss.
func (b *Builder) WithFusePartition(fn GraphFn, lossFn losses.LossFn,
	optimizer optimizers.Interface, fuseMetrics ...metrics.Interface) *Builder {
	b.fuseFn = fn
	b.lossFn = lossFn
	b.fuseOpt = optimizer
	b.fuseMetrics = fuseMetrics
	return b
}

// WithCompressor enables the compressed exchange operations
// (BaseForwardCompressed, FuseNetCompressed, BaseBackwardCompressed).
func (b *Builder) WithCompressor(c compress.Compressor) *Builder {
	b.compressor = c
	return b
}

// WithPrivacy sets the differential-privacy perturbations the party
// applies to what it shares.
func (b *Builder) WithPrivacy(s *privacy.Strategy) *Builder {
	b.privacy = s
	return b
}

// Done validates the configuration and creates the Model.
func (b *Builder) Done() (*Model, error) {
	if b.backend == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "no backend")
	}
	if b.baseFn == nil && b.fuseFn == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "party %q has neither a base nor a fuse partition", b.name)
	}
	if b.baseFn != nil && b.baseOpt == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "party %q has a base partition but no optimizer", b.name)
	}
	m := &Model{
		backend:           b.backend,
		name:              b.name,
		compressor:        b.compressor,
		privacy:           b.privacy,
		accountant:        privacy.NewAccountant(b.privacy),
		lifecycle:         newLifecycle(),
		data:              make(map[Stage]*datasetState),
		baseForwardExecs:  make(map[Stage]*context.Exec),
		baseBackwardExecs: make(map[int]*context.Exec),
	}
	if b.baseFn != nil {
		m.base = newNetwork(b.name+"/base", b.baseFn, b.baseOpt)
	}
	if b.fuseFn != nil {
		if b.lossFn == nil {
			return nil, errors.Wrapf(ErrNotConfigured, "party %q has a fuse partition but no loss", b.name)
		}
		if b.fuseOpt == nil {
			return nil, errors.Wrapf(ErrNotConfigured, "party %q has a fuse partition but no optimizer", b.name)
		}
		m.fuse = newNetwork(b.name+"/fuse", b.fuseFn, b.fuseOpt)
		m.lossFn = b.lossFn
		m.metrics = b.fuseMetrics
		m.lossMetric = metrics.NewMeanMetric("Mean Loss", "loss", "loss",
			func(ctx *context.Context, labels, predictions []*graph.Node) *graph.Node {
				return reduceToScalar(b.lossFn(labels, predictions))
			}, nil)
	}
	return m, nil
}

// Name returns the party name.
func (m *Model) Name() string { return m.name }

// HasFuse reports whether this party carries the fuse partition, i.e. is
// the label party.
func (m *Model) HasFuse() bool { return m.fuse != nil }

// BaseOutputCount returns the number of outputs of the base network, or 0
// before the first forward pass.
func (m *Model) BaseOutputCount() int { return m.baseOutputCount }

// Metrics returns the metrics configured on the fuse partition, not
// including the implicit mean loss.
func (m *Model) Metrics() []metrics.Interface { return m.metrics }

// Lifecycle returns the training lifecycle dispatcher of this party.
func (m *Model) Lifecycle() *Lifecycle { return m.lifecycle }

// HasBase reports whether this party carries a base partition. A party
// without one holds only the fuse side and never runs base forward or
// backward.
func (m *Model) HasBase() bool { return m.base != nil }

// BaseContext returns the context holding the base network variables, or
// nil on parties without a base partition. Useful to seed its random
// state or inspect variables.
func (m *Model) BaseContext() *context.Context {
	if m.base == nil {
		return nil
	}
	return m.base.ctx
}

// FuseContext returns the context holding the fuse network variables, or
// nil on parties without a fuse partition.
func (m *Model) FuseContext() *context.Context {
	if m.fuse == nil {
		return nil
	}
	return m.fuse.ctx
}

// PrivacySpent reports the privacy budget consumed so far for the given
// delta.
func (m *Model) PrivacySpent(delta float64) (privacy.Spent, error) {
	return m.accountant.Spent(delta)
}

// AbortStep discards the training step in flight, releasing the tape so a
// new BaseForward(StageTrain) can start. Aborting with no step in flight
// is a no-op.
func (m *Model) AbortStep() {
	m.tape.release()
}

// stageData returns the dataset state for the stage.
func (m *Model) stageData(stage Stage) (*datasetState, error) {
	if !stage.valid() {
		return nil, errors.Wrapf(ErrInvalidStage, "stage %d", stage)
	}
	state := m.data[stage]
	if state == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "no dataset built for stage %s", stage)
	}
	return state, nil
}

// Finalize releases the cached computations. The model must not be used
// afterwards.
func (m *Model) Finalize() {
	for _, e := range m.baseForwardExecs {
		e.Finalize()
	}
	for _, e := range m.baseBackwardExecs {
		e.Finalize()
	}
	for _, e := range []*context.Exec{m.fuseTrainExec, m.fuseEvalExec, m.predictExec} {
		if e != nil {
			e.Finalize()
		}
	}
}
