// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// infer_demo runs the inference engine on small models: it samples the posterior of the sum of two
// Gaussians with Metropolis-Hastings, finds its maximum a posteriori with an optimizer, and fits a
// Bayesian linear regression.
//
// Parameters are set with -set, e.g.: infer_demo -set="steps=100_000;sigma=0.5" -out=/tmp/infer.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/ml/mcmc"
	"github.com/gomlx/infer/pkg/ml/model"
	"github.com/gomlx/infer/pkg/ml/models/linear"
	"github.com/gomlx/infer/pkg/ml/optimizers"
	"github.com/gomlx/infer/pkg/ml/samples"
	"github.com/gomlx/infer/ui/commandline"
	"github.com/gomlx/infer/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	settings = commandline.Settings{
		"steps":      20_000,
		"drop":       1_000,
		"sigma":      mcmc.DefaultProposalSigma,
		"chains":     4,
		"seed":       int64(42),
		"observed":   43.0,
		"examples":   100,
		"max_lag":    50,
		"prior":      false,
		"method":     optimizers.DefaultGradientMethod,
		"regression": true,
	}
	flagSettings = commandline.CreateSettingsFlag(settings, "")
	flagOut      = flag.String("out", "", "Directory where to save the samples (CSV) and plots. If empty nothing is saved.")
	flagQuiet    = flag.Bool("quiet", false, "Don't display the progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(settings.Parse(*flagSettings))
	klog.V(1).Infof("parameters set: %q", paramsSet)
	fmt.Printf("Settings:\n%s\n\n", commandline.SprintSettings(settings))

	if err := run(); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func run() error {
	seed := uint64(commandline.Get(settings, "seed", int64(42)))
	rng := rand.New(rand.NewPCG(seed, seed))

	// Sum of Gaussians: posterior samples.
	bn, a, b := sumOfGaussians(commandline.Get(settings, "observed", 43.0))
	fmt.Println("Prior:")
	prior, err := mcmc.SampleFromPrior(bn, bn.LatentVariables(), 10_000, rng)
	if err != nil {
		return err
	}
	commandline.ReportSamples(os.Stdout, prior)

	posterior, err := samplePosterior(bn, rng)
	if err != nil {
		return err
	}
	fmt.Println("\nPosterior:")
	commandline.ReportSamples(os.Stdout, posterior)
	refA, refB := a.Reference(), b.Reference()
	pAGreater, err := posterior.Probability(func(sample map[graph.VariableReference]*tensors.Tensor) bool {
		return sample[refA].Scalar() > sample[refB].Scalar()
	})
	if err != nil {
		return err
	}
	fmt.Printf("P(A > B) = %.3f\n", pAGreater)
	if err := sampleChains(seed); err != nil {
		return err
	}

	// Maximum a posteriori.
	if err := maximize(bn); err != nil {
		return err
	}

	if commandline.Get(settings, "regression", true) {
		if err := regression(rng); err != nil {
			return err
		}
	}
	return save(posterior)
}

// sumOfGaussians creates the model A, B ~ N(20, 1), with A+B ~ N(., 1) observed.
func sumOfGaussians(observed float64) (bn *model.BayesNet, a, b *graph.Node) {
	g := graph.NewGraph("sum_of_gaussians")
	a = graph.Gaussian(graph.Scalar(g, 20), graph.Scalar(g, 1)).SetLabel("A")
	b = graph.Gaussian(graph.Scalar(g, 20), graph.Scalar(g, 1)).SetLabel("B")
	sum := graph.Gaussian(graph.Add(a, b), graph.Scalar(g, 1)).SetLabel("A+B")
	must.M(sum.Observe(observed))
	return model.New(g), a, b
}

func samplerConfig(rng *rand.Rand) mcmc.Config {
	cfg := mcmc.DefaultConfig()
	cfg.Random = rng
	if commandline.Get(settings, "prior", false) {
		cfg.ProposalDistribution = mcmc.NewPriorProposal()
	} else {
		cfg.ProposalDistribution = mcmc.NewGaussianProposal(commandline.Get(settings, "sigma", mcmc.DefaultProposalSigma))
	}
	return cfg
}

func samplePosterior(bn *model.BayesNet, rng *rand.Rand) (*samples.NetworkSamples, error) {
	mh, err := mcmc.New(samplerConfig(rng))
	if err != nil {
		return nil, err
	}
	gen, err := mh.GeneratePosteriorSamples(bn, bn.LatentVariables())
	if err != nil {
		return nil, err
	}
	var progress mcmc.ProgressSink = &mcmc.LogProgress{}
	if !*flagQuiet {
		progress = commandline.NewProgressBar()
	}
	return gen.
		DropCount(commandline.Get(settings, "drop", 1_000)).
		WithProgress(progress).
		Generate(commandline.Get(settings, "steps", 20_000))
}

// sampleChains runs independent chains of the same model in parallel, and prints the mean of A in each.
func sampleChains(seed uint64) error {
	numChains := commandline.Get(settings, "chains", 4)
	if numChains <= 0 {
		return nil
	}
	observed := commandline.Get(settings, "observed", 43.0)
	steps := commandline.Get(settings, "steps", 20_000)
	all, err := mcmc.SampleChains(context.Background(), numChains, seed, steps, func(int) (mcmc.Chain, error) {
		bn, _, _ := sumOfGaussians(observed)
		return mcmc.Chain{
			Model:     bn,
			Variables: bn.LatentVariables(),
			Config:    samplerConfig(nil),
			DropCount: commandline.Get(settings, "drop", 1_000),
		}, nil
	})
	if err != nil {
		return err
	}
	for chainIdx, chain := range all {
		fmt.Printf("Chain #%d: mean(A)=%.3f\n", chainIdx, chain.ByName("A").Mean().Scalar())
	}
	return nil
}

func maximize(bn *model.BayesNet) error {
	o, err := optimizers.ForModel(bn)
	if err != nil {
		return err
	}
	if gradient, ok := o.(*optimizers.GradientOptimizer); ok {
		cfg := gradient.Config()
		cfg.Method = commandline.Get(settings, "method", optimizers.DefaultGradientMethod)
		if o, err = optimizers.NewGradient(cfg); err != nil {
			return err
		}
	}
	reporter := commandline.NewFitnessReporter(o)
	defer reporter.Detach()
	result, err := o.MaxAPosteriori()
	if err != nil {
		return err
	}
	fmt.Printf("\nMaximum a posteriori: A=%.4f, B=%.4f\n",
		bn.NodeByLabel("A").Value().Scalar(), bn.NodeByLabel("B").Value().Scalar())
	reporter.Print(os.Stdout)
	klog.V(1).Infof("MAP result: %d evaluations, fitness %g", result.Evaluations, result.Fitness)
	return nil
}

// regression fits y = 2*x0 - 3*x1 + 1 + noise, with synthetic examples.
func regression(rng *rand.Rand) error {
	numExamples := commandline.Get(settings, "examples", 100)
	var x [][]float64
	var y []float64
	for range numExamples {
		x0, x1 := rng.NormFloat64(), rng.NormFloat64()
		x = append(x, []float64{x0, x1})
		y = append(y, 2*x0-3*x1+1+0.5*rng.NormFloat64())
	}
	r, err := linear.New(x, y, 10)
	if err != nil {
		return err
	}
	r.Method = commandline.Get(settings, "method", optimizers.DefaultGradientMethod)
	logLikelihood, err := r.Fit()
	if err != nil {
		return err
	}
	fmt.Printf("\nLinear regression (maximum likelihood): weights=%.3f, intercept=%.3f, log-likelihood=%.3f\n",
		r.Weights(), r.Intercept(), logLikelihood)
	logProb, err := r.FitMAP()
	if err != nil {
		return err
	}
	fmt.Printf("Linear regression (maximum a posteriori): weights=%.3f, intercept=%.3f, log-probability=%.3f\n",
		r.Weights(), r.Intercept(), logProb)
	return nil
}

// save writes the posterior samples and their plots to the -out directory.
func save(posterior *samples.NetworkSamples) (err error) {
	if *flagOut == "" {
		return nil
	}
	if err = os.MkdirAll(*flagOut, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %q", *flagOut)
	}
	err = plots.SaveFile(filepath.Join(*flagOut, "posterior.csv"), posterior.WriteCSV)
	if err != nil {
		return err
	}
	maxLag := commandline.Get(settings, "max_lag", 50)
	if panicErr := exceptions.TryCatch[error](func() {
		for _, vs := range posterior.Variables() {
			base := filepath.Join(*flagOut, vs.Name())
			must.M(plots.SaveFile(base+"_trace.svg", func(w io.Writer) error {
				return plots.TraceSVG(w, vs, plots.DefaultSize)
			}))
			must.M(plots.SaveFile(base+"_autocorrelation.svg", func(w io.Writer) error {
				return plots.AutocorrelationSVG(w, vs, maxLag, plots.DefaultSize)
			}))
			must.M(plots.SaveFile(base+"_histogram.png", func(w io.Writer) error {
				return plots.HistogramPNG(w, vs, 50, plots.Size{Width: 400, Height: 300})
			}))
		}
	}); panicErr != nil {
		err = panicErr
	}
	if err == nil {
		fmt.Printf("\nSamples and plots saved to %q\n", *flagOut)
	}
	return
}
