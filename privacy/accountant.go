// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package privacy

import (
	"math"

	"github.com/pkg/errors"
)

// Spent reports the privacy budget consumed so far as an (epsilon, delta)
// guarantee.
type Spent struct {
	Epsilon float64
	Delta   float64

	// Steps is the number of training steps the gaussian mechanism was
	// applied to.
	Steps int
}

// rdpOrders is the grid of Renyi orders searched when converting the
// accumulated RDP to an (epsilon, delta) pair.
var rdpOrders = []float64{
	1.25, 1.5, 1.75, 2, 2.5, 3, 4, 5, 6, 8, 10, 12, 16, 20, 24, 32, 48, 64, 128, 256,
}

// Accountant tracks how much privacy budget a Strategy has spent.
//
// The gaussian mechanism composes over training steps via Renyi DP: each
// step at order alpha costs alpha/(2*sigma^2), and the total converts to
// (epsilon, delta) by minimizing over the order grid. Randomized response
// is applied once per example and contributes its pure-DP epsilon once.
type Accountant struct {
	sigma    float64 // 0 when no gaussian mechanism is in use.
	labelEps float64 // 0 when no label perturbation is in use.
	steps    int
}

// NewAccountant creates an accountant for the given strategy. A nil
// strategy, or one without perturbers, costs nothing.
func NewAccountant(s *Strategy) *Accountant {
	a := &Accountant{}
	if s == nil {
		return a
	}
	if g, ok := s.Embedding.(*Gaussian); ok {
		a.sigma = g.Sigma()
	}
	if r, ok := s.Label.(*RandomizedResponse); ok {
		a.labelEps = r.Epsilon()
	}
	return a
}

// AccumulateStep records one training step of the gaussian mechanism.
func (a *Accountant) AccumulateStep() { a.steps++ }

// Steps returns the number of steps recorded so far.
func (a *Accountant) Steps() int { return a.steps }

// Spent converts the accumulated budget to an (epsilon, delta) guarantee.
// delta must be in (0, 1).
func (a *Accountant) Spent(delta float64) (Spent, error) {
	if delta <= 0 || delta >= 1 {
		return Spent{}, errors.Errorf("delta must be in (0, 1), got %g", delta)
	}
	eps := a.labelEps
	if a.sigma > 0 && a.steps > 0 {
		best := math.Inf(1)
		for _, alpha := range rdpOrders {
			rdp := float64(a.steps) * alpha / (2 * a.sigma * a.sigma)
			candidate := rdp + math.Log(1/delta)/(alpha-1)
			if candidate < best {
				best = candidate
			}
		}
		eps += best
	}
	return Spent{Epsilon: eps, Delta: delta, Steps: a.steps}, nil
}
