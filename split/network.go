// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// network holds one partition: its variables (in ctx), the graph building
// function, and the optimizer updating it.
type network struct {
	name      string
	ctx       *context.Context
	fn        GraphFn
	optimizer optimizers.Interface
}

func newNetwork(name string, fn GraphFn, optimizer optimizers.Interface) *network {
	return &network{
		name:      name,
		ctx:       context.New(),
		fn:        fn,
		optimizer: optimizer,
	}
}

// trainableVariables returns the network's trainable variables sorted by
// parameter name. The order is the wire order for weight exchange, stable
// across processes as long as both sides built the same graphs.
func (n *network) trainableVariables() []*context.Variable {
	var vars []*context.Variable
	n.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.IsValid() {
			vars = append(vars, v)
		}
	})
	sort.Slice(vars, func(a, b int) bool {
		return vars[a].ParameterName() < vars[b].ParameterName()
	})
	return vars
}

// weights returns the current values of the trainable variables, in
// trainableVariables order. Variables only exist after the first graph
// using them ran, so weights of an untrained network are empty.
func (n *network) weights() ([]*tensors.Tensor, error) {
	vars := n.trainableVariables()
	values := make([]*tensors.Tensor, 0, len(vars))
	for _, v := range vars {
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %s weight %q", n.name, v.ParameterName())
		}
		values = append(values, value)
	}
	return values, nil
}

// setWeights assigns values to the trainable variables, in
// trainableVariables order.
func (n *network) setWeights(values []*tensors.Tensor) error {
	vars := n.trainableVariables()
	if len(values) != len(vars) {
		return errors.Errorf("%s network has %d trainable variable(s), got %d value(s)", n.name, len(vars), len(values))
	}
	for i, v := range vars {
		if !v.Shape().Equal(values[i].Shape()) {
			return errors.Errorf("%s weight %q has shape %s, got value with shape %s",
				n.name, v.ParameterName(), v.Shape(), values[i].Shape())
		}
		if err := v.SetValue(values[i]); err != nil {
			return errors.WithMessagef(err, "setting %s weight %q", n.name, v.ParameterName())
		}
	}
	return nil
}
