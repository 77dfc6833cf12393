// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/splitlearn/compress"
)

// FuseNet runs the label party's training half-step: it fuses the
// embeddings received from every party (one Embedding per party, in a
// fixed party order), computes the loss against the labels of the current
// training batch, updates the fuse network, and returns the gradient of
// the loss with respect to each party's embeddings, partitioned per party.
//
// The returned logs carry the running mean loss since the last
// ResetMetrics, plus every configured metric under its short name.
func (m *Model) FuseNet(hiddens []Embedding) ([]Embedding, Logs, error) {
	flat, err := m.checkFuseInputs(hiddens)
	if err != nil {
		return nil, nil, err
	}
	labels, err := m.currentLabels(StageTrain)
	if err != nil {
		return nil, nil, err
	}
	if m.fuseTrainExec == nil {
		m.fuseTrainExec, err = m.buildFuseExec(StageTrain, true /*update*/)
		if err != nil {
			return nil, nil, err
		}
	}
	outputs, err := m.fuseTrainExec.Exec(fuseArgs(flat, labels)...)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "fuse step of party %q", m.name)
	}

	gradients := outputs[:len(flat)]
	logs, err := m.collectLogs(outputs[len(flat):])
	if err != nil {
		return nil, nil, err
	}

	// Partition the flat gradients back per party, mirroring the inputs.
	perParty := make([]Embedding, 0, len(hiddens))
	for _, h := range hiddens {
		perParty = append(perParty, Embedding{values: gradients[:h.Len()], multi: h.Multi()})
		gradients = gradients[h.Len():]
	}
	return perParty, logs, nil
}

// Evaluate fuses the embeddings of the current evaluation batch and
// accumulates loss and metrics, without updating any weights. The returned
// logs are the running means since the last ResetMetrics.
func (m *Model) Evaluate(hiddens []Embedding) (Logs, error) {
	flat, err := m.checkFuseInputs(hiddens)
	if err != nil {
		return nil, err
	}
	labels, err := m.currentLabels(StageEval)
	if err != nil {
		return nil, err
	}
	if m.fuseEvalExec == nil {
		m.fuseEvalExec, err = m.buildFuseExec(StageEval, false /*update*/)
		if err != nil {
			return nil, err
		}
	}
	outputs, err := m.fuseEvalExec.Exec(fuseArgs(flat, labels)...)
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluation of party %q", m.name)
	}
	return m.collectLogs(outputs)
}

// Predict fuses the given embeddings and returns the fuse network outputs,
// in inference mode. No labels are involved and no state changes.
func (m *Model) Predict(hiddens []Embedding) ([]*tensors.Tensor, error) {
	flat, err := m.checkFuseInputs(hiddens)
	if err != nil {
		return nil, err
	}
	if m.predictExec == nil {
		m.predictExec, err = context.NewExec(m.backend, m.fuse.ctx,
			func(ctx *context.Context, inputs []*Node) []*Node {
				ctx.SetTraining(inputs[0].Graph(), false)
				return m.fuse.fn(ctx, inputs)
			})
		if err != nil {
			return nil, errors.WithMessagef(err, "building prediction of party %q", m.name)
		}
	}
	args := make([]any, 0, len(flat))
	for _, t := range flat {
		args = append(args, t)
	}
	outputs, err := m.predictExec.Exec(args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "prediction of party %q", m.name)
	}
	return outputs, nil
}

// ResetMetrics zeroes the accumulated loss and metric state, typically at
// epoch boundaries and before evaluation loops.
func (m *Model) ResetMetrics() error {
	if m.fuse == nil {
		return errors.Wrapf(ErrNotConfigured, "party %q has no fuse partition", m.name)
	}
	m.lossMetric.Reset(m.fuse.ctx)
	for _, metric := range m.metrics {
		metric.Reset(m.fuse.ctx)
	}
	return nil
}

// FuseNetCompressed is FuseNet over compressed embeddings: it decodes one
// payload per party, runs the fuse step, and returns one gradient payload
// per party. When the compressor reports sparsity masks, the mask of each
// party's embeddings is re-applied to the gradients going back to it, so
// dropped embedding elements receive no gradient.
func (m *Model) FuseNetCompressed(payloads []*compress.Payload) ([]*compress.Payload, Logs, error) {
	sparse, hiddens, masks, err := m.decodeFuseInputs(payloads)
	if err != nil {
		return nil, nil, err
	}
	gradients, logs, err := m.FuseNet(hiddens)
	if err != nil {
		return nil, nil, err
	}
	out := make([]*compress.Payload, 0, len(gradients))
	for i, grad := range gradients {
		p, err := m.compressor.Compress(grad.Tensors())
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "compressing gradients for party #%d", i)
		}
		p.Multi = grad.Multi()
		if masks[i] != nil {
			if err := sparse.ApplyMasks(p, masks[i]); err != nil {
				return nil, nil, errors.WithMessagef(err, "re-applying sparsity masks of party #%d", i)
			}
		}
		out = append(out, p)
	}
	return out, logs, nil
}

// EvaluateCompressed is Evaluate over compressed embeddings.
func (m *Model) EvaluateCompressed(payloads []*compress.Payload) (Logs, error) {
	_, hiddens, _, err := m.decodeFuseInputs(payloads)
	if err != nil {
		return nil, err
	}
	return m.Evaluate(hiddens)
}

// checkFuseInputs validates a fuse call and flattens the per-party
// embeddings into exec-argument order.
func (m *Model) checkFuseInputs(hiddens []Embedding) ([]*tensors.Tensor, error) {
	if m.fuse == nil {
		return nil, errors.Wrapf(ErrNotConfigured, "party %q has no fuse partition", m.name)
	}
	var flat []*tensors.Tensor
	for _, h := range hiddens {
		flat = append(flat, h.Tensors()...)
	}
	if len(flat) == 0 {
		return nil, errors.Wrapf(ErrEmptyInput, "no embeddings given to party %q", m.name)
	}
	return flat, nil
}

// decodeFuseInputs decodes one payload per party, capturing the sparsity
// masks before decompression when available.
func (m *Model) decodeFuseInputs(payloads []*compress.Payload) (compress.Sparse, []Embedding, [][]*tensors.Tensor, error) {
	if m.compressor == nil {
		return nil, nil, nil, errors.Wrapf(ErrNotConfigured, "party %q has no compressor", m.name)
	}
	sparse, _ := m.compressor.(compress.Sparse)
	if sparse != nil && !sparse.SupportsSparsityMask() {
		sparse = nil
	}
	hiddens := make([]Embedding, 0, len(payloads))
	masks := make([][]*tensors.Tensor, len(payloads))
	for i, p := range payloads {
		if sparse != nil {
			partyMasks, err := sparse.SparsityMasks(p)
			if err != nil {
				return nil, nil, nil, errors.WithMessagef(err, "reading sparsity masks of party #%d", i)
			}
			masks[i] = partyMasks
		}
		values, err := m.compressor.Decompress(p)
		if err != nil {
			return nil, nil, nil, errors.WithMessagef(err, "decompressing embeddings of party #%d", i)
		}
		hiddens = append(hiddens, Embedding{values: values, multi: p.Multi})
	}
	return sparse, hiddens, masks, nil
}

// buildFuseExec builds the fuse computation: loss and metrics over the
// fused embeddings, gradients per embedding and an optimizer update when
// update is set. Outputs are [gradients..., mean loss, metrics...] when
// updating, [mean loss, metrics...] otherwise.
func (m *Model) buildFuseExec(stage Stage, update bool) (*context.Exec, error) {
	exec, err := context.NewExec(m.backend, m.fuse.ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			g := inputs[0].Graph()
			ctx.SetTraining(g, stage == StageTrain)
			numLabels := 1
			if state := m.data[stage]; state != nil && state.hasWeights {
				numLabels = 2
			}
			hiddenNodes := inputs[:len(inputs)-numLabels]
			labelNodes := inputs[len(inputs)-numLabels:]

			predictions := m.fuse.fn(ctx, hiddenNodes)
			loss := reduceToScalar(m.lossFn(labelNodes, predictions))

			var outs []*Node
			if update {
				// Regularization terms registered by the fuse layers count
				// towards the update and the input gradients, not towards the
				// reported loss metric.
				if reg := registeredLosses(ctx, g); reg != nil {
					loss = Add(loss, reg)
				}
				outs = Gradient(loss, hiddenNodes...)
				m.fuse.optimizer.UpdateGraph(ctx, g, loss)
			}
			outs = append(outs, m.lossMetric.UpdateGraph(ctx, labelNodes, predictions))
			for _, metric := range m.metrics {
				outs = append(outs, metric.UpdateGraph(ctx, labelNodes, predictions))
			}
			return outs
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "building fuse computation of party %q", m.name)
	}
	return exec, nil
}

// collectLogs converts the trailing metric outputs of a fuse computation
// into Logs, in [loss, metrics...] order.
func (m *Model) collectLogs(values []*tensors.Tensor) (Logs, error) {
	if len(values) != 1+len(m.metrics) {
		return nil, errors.Errorf("fuse computation of party %q returned %d metric value(s), expected %d",
			m.name, len(values), 1+len(m.metrics))
	}
	logs := Logs{"loss": scalarValue(values[0])}
	for i, metric := range m.metrics {
		logs[metric.ShortName()] = scalarValue(values[i+1])
	}
	return logs, nil
}

// fuseArgs assembles exec arguments: flattened embeddings followed by the
// labels (and sample weights, when present).
func fuseArgs(flat, labels []*tensors.Tensor) []any {
	args := make([]any, 0, len(flat)+len(labels))
	for _, t := range flat {
		args = append(args, t)
	}
	for _, t := range labels {
		args = append(args, t)
	}
	return args
}

// registeredLosses returns the sum of the loss terms registered with
// train.AddLoss, or nil when none were registered. train.GetLosses
// documents the nil return but panics on it in gomlx v0.25.0, so the
// lookup goes through the trainer's graph parameter directly.
func registeredLosses(ctx *context.Context, g *Graph) *Node {
	lossAny, found := ctx.InAbsPath(train.TrainerAbsoluteScope).GetGraphParam(g, train.TrainerLossGraphParamKey)
	if !found || lossAny == nil {
		return nil
	}
	return lossAny.(*Node)
}

// reduceToScalar turns a per-example loss into its batch mean, leaving
// already-scalar losses alone.
func reduceToScalar(loss *Node) *Node {
	if loss.Shape().IsScalar() {
		return loss
	}
	return ReduceAllMean(loss)
}

// scalarValue reads a scalar metric tensor as float64.
func scalarValue(t *tensors.Tensor) float64 {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t)[0]
	default:
		return float64(tensors.MustCopyFlatData[float32](t)[0])
	}
}
