// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
)

// BaseWeights returns the trainable weights of the base network, sorted by
// parameter name. Before the first forward pass no variables exist yet and
// the result is empty.
func (m *Model) BaseWeights() ([]*tensors.Tensor, error) {
	if m.base == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "party %q has no base partition", m.name)
	}
	return m.base.weights()
}

// SetBaseWeights replaces the trainable weights of the base network, in
// BaseWeights order.
func (m *Model) SetBaseWeights(values []*tensors.Tensor) error {
	if m.base == nil {
		return errors.Wrapf(ErrNotConfigured, "party %q has no base partition", m.name)
	}
	return m.base.setWeights(values)
}

// FuseWeights returns the trainable weights of the fuse network, sorted by
// parameter name.
func (m *Model) FuseWeights() ([]*tensors.Tensor, error) {
	if m.fuse == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "party %q has no fuse partition", m.name)
	}
	return m.fuse.weights()
}

// SetFuseWeights replaces the trainable weights of the fuse network, in
// FuseWeights order.
func (m *Model) SetFuseWeights(values []*tensors.Tensor) error {
	if m.fuse == nil {
		return errors.Wrapf(ErrNotConfigured, "party %q has no fuse partition", m.name)
	}
	return m.fuse.setWeights(values)
}

// Save checkpoints the party's networks under dir: the base network in
// dir/base and, when present, the fuse network in dir/fuse. Optimizer
// state (e.g. moments, global step) is saved along with the weights.
func (m *Model) Save(dir string) error {
	if m.base != nil {
		if err := m.saveNetwork(m.base, filepath.Join(dir, "base")); err != nil {
			return err
		}
	}
	if m.fuse != nil {
		return m.saveNetwork(m.fuse, filepath.Join(dir, "fuse"))
	}
	return nil
}

func (m *Model) saveNetwork(n *network, dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory %q", dir)
	}
	handler, err := checkpoints.Build(n.ctx).Dir(dir).Keep(3).Done()
	if err != nil {
		return errors.WithMessagef(err, "building checkpoint for %s", n.name)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint for %s", n.name)
	}
	return nil
}

// Load restores the party's networks from a directory written by Save. It
// fails if no checkpoint is found.
func (m *Model) Load(dir string) error {
	if m.base != nil {
		if err := loadNetwork(m.base, filepath.Join(dir, "base")); err != nil {
			return err
		}
	}
	if m.fuse != nil {
		return loadNetwork(m.fuse, filepath.Join(dir, "fuse"))
	}
	return nil
}

func loadNetwork(n *network, dir string) error {
	_, err := checkpoints.Load(n.ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "loading checkpoint for %s", n.name)
	}
	return nil
}
