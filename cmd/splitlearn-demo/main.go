// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Demo of two-party split training on synthetic data.
//
// Party "alice" holds 4 of the 6 features. Party "bob" holds the remaining
// 2 features and the binary labels, and fuses the embeddings of both
// parties. Optional flags turn on top-k compression of the exchanged
// tensors and differential-privacy perturbations.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/splitlearn/compress"
	"github.com/gomlx/splitlearn/privacy"
	"github.com/gomlx/splitlearn/remote"
	"github.com/gomlx/splitlearn/split"
)

var (
	flagExamples  = flag.Int("examples", 1024, "number of synthetic examples")
	flagBatchSize = flag.Int("batch", 32, "batch size")
	flagEpochs    = flag.Int("epochs", 5, "training epochs")
	flagLR        = flag.Float64("lr", 0.01, "learning rate")
	flagTopK      = flag.Float64("topk", 0, "top-k compression ratio in (0, 1], 0 disables compression")
	flagDPSigma   = flag.Float64("dp_sigma", 0, "gaussian embedding noise stddev, 0 disables")
	flagLabelFlip = flag.Float64("label_flip", 0, "randomized-response label flip probability in (0, 0.5), 0 disables")
	flagSeed      = flag.Int64("seed", 42, "random seed for data and initialization")
)

const (
	aliceFeatures = 4
	bobFeatures   = 2
	embeddingDim  = 4
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	backend := backends.MustNew()
	rng := rand.New(rand.NewSource(*flagSeed))
	aliceX, bobX, labels := synthesize(rng, *flagExamples)

	alice, err := buildParty(backend, "alice", false)
	if err != nil {
		return err
	}
	bob, err := buildParty(backend, "bob", true)
	if err != nil {
		return err
	}
	alice.BaseContext().SetRNGStateFromSeed(*flagSeed)
	bob.BaseContext().SetRNGStateFromSeed(*flagSeed + 1)
	bob.FuseContext().SetRNGStateFromSeed(*flagSeed + 2)

	// 80/20 train/eval split, column-aligned across parties.
	split80 := *flagExamples * 8 / 10
	opts := split.DatasetOptions{BatchSize: *flagBatchSize, Shuffle: false}
	if err := buildStages(alice, aliceX, nil, split80, opts); err != nil {
		return err
	}
	if err := buildStages(bob, bobX, labels, split80, opts); err != nil {
		return err
	}

	hAlice := remote.NewHandle(alice)
	hBob := remote.NewHandle(bob)
	session, err := remote.NewSession(hAlice, hBob)
	if err != nil {
		return err
	}
	defer session.Close()
	if *flagTopK > 0 {
		session.WithCompression()
	}

	// Progress reporting rides the label party's lifecycle hooks.
	stepsPerEpoch := (split80 + *flagBatchSize - 1) / *flagBatchSize
	bar := progressbar.NewOptions(*flagEpochs*stepsPerEpoch,
		progressbar.OptionSetDescription("training"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	if err := hBob.AddCallback(&split.CallbackFuncs{
		TrainBatchEnd: func(step int, logs split.Logs) error {
			return bar.Add(1)
		},
		TrainEnd: func() error {
			if err := bar.Finish(); err != nil {
				return err
			}
			fmt.Println()
			return nil
		},
	}); err != nil {
		return err
	}

	history, err := session.Fit(remote.FitOptions{
		Epochs:   *flagEpochs,
		Validate: true,
	})
	if err != nil {
		return err
	}
	for epoch, logs := range history.Epochs {
		fmt.Printf("epoch %d: loss=%.4f acc=%.4f val_loss=%.4f val_acc=%.4f\n",
			epoch, logs["loss"], logs["acc"], logs["val_loss"], logs["val_acc"])
	}

	if *flagDPSigma > 0 || *flagLabelFlip > 0 {
		spent, err := bob.PrivacySpent(1e-5)
		if err != nil {
			return err
		}
		fmt.Printf("privacy spent: epsilon=%.3f delta=%g over %d step(s)\n", spent.Epsilon, spent.Delta, spent.Steps)
	}
	return nil
}

// buildParty assembles one party's model: a small base network everywhere,
// plus the fuse network, loss and metrics on the label party.
func buildParty(backend backends.Backend, name string, labelParty bool) (*split.Model, error) {
	baseFn := func(ctx *context.Context, inputs []*Node) []*Node {
		x := inputs[0]
		if len(inputs) > 1 {
			x = Concatenate(inputs, -1)
		}
		h := fnn.New(ctx.In("base"), x, embeddingDim).
			NumHiddenLayers(1, 8).
			Activation(activations.TypeTanh).
			Done()
		return []*Node{Tanh(h)}
	}
	builder := split.New(backend).
		WithName(name).
		WithBasePartition(baseFn, optimizers.StochasticGradientDescent().
			WithLearningRate(*flagLR).Done())

	if labelParty {
		fuseFn := func(ctx *context.Context, inputs []*Node) []*Node {
			x := Concatenate(inputs, -1)
			logits := fnn.New(ctx.In("fuse"), x, 1).Done()
			return []*Node{logits}
		}
		builder.WithFusePartition(fuseFn, losses.BinaryCrossentropyLogits,
			optimizers.StochasticGradientDescent().WithLearningRate(*flagLR).Done(),
			metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "acc"))
	}

	if *flagTopK > 0 {
		topK, err := compress.NewTopK(*flagTopK)
		if err != nil {
			return nil, err
		}
		builder.WithCompressor(topK)
	}

	strategy := &privacy.Strategy{}
	if *flagDPSigma > 0 {
		gaussian, err := privacy.NewGaussian(*flagDPSigma, uint64(*flagSeed))
		if err != nil {
			return nil, err
		}
		strategy.Embedding = gaussian
	}
	if labelParty && *flagLabelFlip > 0 {
		rr, err := privacy.NewRandomizedResponse(*flagLabelFlip, uint64(*flagSeed))
		if err != nil {
			return nil, err
		}
		strategy.Label = rr
	}
	if strategy.Embedding != nil || strategy.Label != nil {
		builder.WithPrivacy(strategy)
	}

	return builder.Done()
}

// buildStages registers the train and eval datasets of one party, split at
// the given example index.
func buildStages(m *split.Model, features, labels *tensors.Tensor, trainEnd int, opts split.DatasetOptions) error {
	trainX, evalX := splitRows(features, trainEnd)
	var trainY, evalY *tensors.Tensor
	if labels != nil {
		trainY, evalY = splitRows(labels, trainEnd)
	}
	if err := m.BuildDataset(split.StageTrain, []*tensors.Tensor{trainX}, trainY, nil, opts); err != nil {
		return err
	}
	return m.BuildDataset(split.StageEval, []*tensors.Tensor{evalX}, evalY, nil, opts)
}

// splitRows splits a rank-2 tensor into [0, at) and [at, n) row ranges.
func splitRows(t *tensors.Tensor, at int) (head, tail *tensors.Tensor) {
	dims := t.Shape().Dimensions
	cols := dims[1]
	flat := tensors.MustCopyFlatData[float32](t)
	head = tensors.FromFlatDataAndDimensions(flat[:at*cols], at, cols)
	tail = tensors.FromFlatDataAndDimensions(flat[at*cols:], dims[0]-at, cols)
	return
}

// synthesize draws examples whose label is a noisy linear rule over all 6
// features, so neither party can learn it alone.
func synthesize(rng *rand.Rand, n int) (aliceX, bobX, labels *tensors.Tensor) {
	weights := make([]float64, aliceFeatures+bobFeatures)
	for i := range weights {
		weights[i] = rng.NormFloat64()
	}
	alice := make([]float32, n*aliceFeatures)
	bob := make([]float32, n*bobFeatures)
	y := make([]float32, n)
	for i := 0; i < n; i++ {
		var score float64
		for j := 0; j < aliceFeatures; j++ {
			v := rng.NormFloat64()
			alice[i*aliceFeatures+j] = float32(v)
			score += weights[j] * v
		}
		for j := 0; j < bobFeatures; j++ {
			v := rng.NormFloat64()
			bob[i*bobFeatures+j] = float32(v)
			score += weights[aliceFeatures+j] * v
		}
		if score+0.1*rng.NormFloat64() > 0 {
			y[i] = 1
		}
	}
	aliceX = tensors.FromFlatDataAndDimensions(alice, n, aliceFeatures)
	bobX = tensors.FromFlatDataAndDimensions(bob, n, bobFeatures)
	labels = tensors.FromFlatDataAndDimensions(y, n, 1)
	return
}
