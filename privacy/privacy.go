// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package privacy implements the differential-privacy perturbations applied
// at the party boundary, and the accounting of the privacy budget they spend.
//
// Two perturbations are supported, mirroring the two directions information
// leaves a party: Gaussian noise added to the embeddings a feature party
// sends out, and randomized response applied to the labels a label party
// trains on. Both run on the host, outside the computation graphs, so they
// leave gradients untouched.
package privacy

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// EmbeddingPerturber adds noise to the embeddings before they leave the
// party. Implementations return fresh tensors and never modify the inputs.
type EmbeddingPerturber interface {
	Name() string
	PerturbEmbeddings(values []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// LabelPerturber randomizes labels before they are used for training.
// It is applied exactly once per example, when the dataset is built.
type LabelPerturber interface {
	Name() string
	PerturbLabels(labels *tensors.Tensor) (*tensors.Tensor, error)
}

// Strategy bundles the perturbations a party applies. Either field may be
// nil, meaning no perturbation in that direction.
type Strategy struct {
	Embedding EmbeddingPerturber
	Label     LabelPerturber
}

// Gaussian adds zero-mean gaussian noise with the configured standard
// deviation to every embedding element.
type Gaussian struct {
	sigma float64
	dist  distuv.Normal
}

var _ EmbeddingPerturber = (*Gaussian)(nil)

// NewGaussian creates a gaussian embedding perturber. sigma must be
// positive. The seed makes the noise stream reproducible.
func NewGaussian(sigma float64, seed uint64) (*Gaussian, error) {
	if sigma <= 0 {
		return nil, errors.Errorf("gaussian noise sigma must be positive, got %g", sigma)
	}
	return &Gaussian{
		sigma: sigma,
		dist:  distuv.Normal{Mu: 0, Sigma: sigma, Src: rand.NewSource(seed)},
	}, nil
}

// Name implements EmbeddingPerturber.
func (g *Gaussian) Name() string { return "gaussian" }

// Sigma returns the noise standard deviation.
func (g *Gaussian) Sigma() float64 { return g.sigma }

// PerturbEmbeddings implements EmbeddingPerturber.
func (g *Gaussian) PerturbEmbeddings(values []*tensors.Tensor) ([]*tensors.Tensor, error) {
	out := make([]*tensors.Tensor, 0, len(values))
	for ti, t := range values {
		if t.DType() != dtypes.Float32 {
			return nil, errors.Errorf("gaussian noise requires float32 embeddings, tensor #%d has dtype %s", ti, t.DType())
		}
		flat := tensors.MustCopyFlatData[float32](t)
		for i := range flat {
			flat[i] += float32(g.dist.Rand())
		}
		out = append(out, tensors.FromFlatDataAndDimensions(flat, t.Shape().Dimensions...))
	}
	return out, nil
}

// RandomizedResponse flips each binary label independently with the
// configured probability. Labels must be 0/1 valued float32 tensors.
type RandomizedResponse struct {
	flipProb float64
	rng      *rand.Rand
}

var _ LabelPerturber = (*RandomizedResponse)(nil)

// NewRandomizedResponse creates a label perturber flipping labels with
// probability flipProb, which must be in (0, 0.5).
func NewRandomizedResponse(flipProb float64, seed uint64) (*RandomizedResponse, error) {
	if flipProb <= 0 || flipProb >= 0.5 {
		return nil, errors.Errorf("randomized response flip probability must be in (0, 0.5), got %g", flipProb)
	}
	return &RandomizedResponse{
		flipProb: flipProb,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// Name implements LabelPerturber.
func (r *RandomizedResponse) Name() string { return "randomized_response" }

// FlipProbability returns the configured flip probability.
func (r *RandomizedResponse) FlipProbability() float64 { return r.flipProb }

// Epsilon returns the pure differential privacy guarantee of one
// application, ln((1-p)/p).
func (r *RandomizedResponse) Epsilon() float64 {
	return math.Log((1 - r.flipProb) / r.flipProb)
}

// PerturbLabels implements LabelPerturber.
func (r *RandomizedResponse) PerturbLabels(labels *tensors.Tensor) (*tensors.Tensor, error) {
	if labels.DType() != dtypes.Float32 {
		return nil, errors.Errorf("randomized response requires float32 labels, got dtype %s", labels.DType())
	}
	flat := tensors.MustCopyFlatData[float32](labels)
	for i, v := range flat {
		if v != 0 && v != 1 {
			return nil, errors.Errorf("randomized response requires binary labels, found %g at position %d", v, i)
		}
		if r.rng.Float64() < r.flipProb {
			flat[i] = 1 - v
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, labels.Shape().Dimensions...), nil
}
