// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mcmc_test

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/graph/graphtest"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/ml/mcmc"
	"github.com/gomlx/infer/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSampler(t *testing.T, seed uint64, configFns ...func(cfg *mcmc.Config)) *mcmc.MetropolisHastings {
	cfg := mcmc.DefaultConfig()
	cfg.Random = rand.New(rand.NewPCG(seed, 0))
	for _, fn := range configFns {
		fn(&cfg)
	}
	mh, err := mcmc.New(cfg)
	require.NoError(t, err)
	return mh
}

func TestConfig(t *testing.T) {
	_, err := mcmc.New(mcmc.DefaultConfig())
	require.ErrorIs(t, err, mcmc.ErrMissingRandom)

	mh, err := mcmc.New(mcmc.Config{Random: rand.New(rand.NewPCG(1, 1))})
	require.NoError(t, err)
	cfg := mh.Config()
	assert.Equal(t, mcmc.DefaultProposalSigma, cfg.ProposalDistribution.(*mcmc.GaussianProposal).Sigma())
	assert.IsType(t, mcmc.SingleVariableSelector{}, cfg.VariableSelector)
	assert.IsType(t, mcmc.RollbackAndCascadeOnRejection{}, cfg.RejectionStrategy)
	assert.IsType(t, mcmc.FullLogProb{}, cfg.LogProbCalculationStrategy)

	require.Panics(t, func() { mcmc.NewGaussianProposal(0) })
}

func TestSumOfGaussians(t *testing.T) {
	// The posterior of S=A+B combines the prior N(40, var=2) with the observation 43 (var=1):
	// its mean is (40/2 + 43/1) / (1/2 + 1) = 42.
	for _, tc := range []struct {
		name     string
		configFn func(cfg *mcmc.Config)
	}{
		{"Default", func(*mcmc.Config) {}},
		{"PriorProposal", func(cfg *mcmc.Config) { cfg.ProposalDistribution = mcmc.NewPriorProposal() }},
		{"FullSelectorIncremental", func(cfg *mcmc.Config) {
			cfg.VariableSelector = mcmc.FullVariableSelector{}
			cfg.ProposalDistribution = mcmc.NewGaussianProposal(0.5)
			cfg.LogProbCalculationStrategy = &mcmc.IncrementalLogProb{}
		}},
		{"RoundRobin", func(cfg *mcmc.Config) { cfg.VariableSelector = mcmc.RoundRobinSelector{} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g, a, b, _ := graphtest.SumOfGaussians()
			sum := graph.Add(a, b)
			net := model.New(g)
			mh := newSampler(t, 42, tc.configFn)
			gen, err := mh.GeneratePosteriorSamples(net, []*graph.Node{a, b, sum})
			require.NoError(t, err)
			posterior, err := gen.DropCount(2_000).WithProgress(nil).Generate(40_000)
			require.NoError(t, err)
			require.Equal(t, 38_000, posterior.Size())
			assert.InDelta(t, 42.0, posterior.GetNode(sum).Mean().Scalar(), 0.2)
			assert.InDelta(t, 21.0, posterior.GetNode(a).Mean().Scalar(), 0.3)
			assert.InDelta(t, 21.0, posterior.GetNode(b).Mean().Scalar(), 0.3)
		})
	}
}

func TestSampleCount(t *testing.T) {
	build := func() (*model.BayesNet, []*graph.Node) {
		g := graph.NewGraph("count")
		x := graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 1))
		y := graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 1), 2)
		double := graph.Mul(x, graph.Scalar(g, 2))
		return model.New(g), []*graph.Node{x, y, double}
	}
	net, vars := build()
	posterior, err := newSampler(t, 7).GetPosteriorSamples(net, vars, 123)
	require.NoError(t, err)
	require.Equal(t, 123, posterior.Size())
	for _, vs := range posterior.Variables() {
		assert.Equal(t, 123, vs.Len())
	}
	xs, doubles := posterior.GetNode(vars[0]).ScalarValues(), posterior.GetNode(vars[2]).ScalarValues()
	for ii := range xs {
		require.Equal(t, 2*xs[ii], doubles[ii], "deterministic nodes are consistent in sample #%d", ii)
	}

	// Same seed, same samples.
	net, vars = build()
	again, err := newSampler(t, 7).GetPosteriorSamples(net, vars, 123)
	require.NoError(t, err)
	assert.Equal(t, xs, again.GetNode(vars[0]).ScalarValues())
}

// towardsZeroProposal halves the values of the selected variables: for a N(0,1) prior it always increases
// the log-probability.
type towardsZeroProposal struct{}

func (towardsZeroProposal) Propose(variables []*graph.Node, _ *rand.Rand, listeners ...mcmc.ProposalListener) *mcmc.Proposal {
	p := mcmc.NewProposal(listeners...)
	for _, node := range variables {
		p.SetProposal(node, tensors.Scale(node.Value(), 0.5))
	}
	for _, l := range listeners {
		l.OnProposalCreated(p)
	}
	return p
}

func (towardsZeroProposal) LogProbAsymmetry(*mcmc.Proposal) float64 { return 0 }

func (towardsZeroProposal) AddListener(mcmc.ProposalListener) {}

func TestImprovingProposalsAreAccepted(t *testing.T) {
	g := graph.NewGraph("improving")
	x := graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 1))
	require.NoError(t, x.SetAndCascade(1024.0))
	mh := newSampler(t, 1, func(cfg *mcmc.Config) { cfg.ProposalDistribution = towardsZeroProposal{} })
	posterior, err := mh.GetPosteriorSamples(model.New(g), []*graph.Node{x}, 10)
	require.NoError(t, err)
	assert.Equal(t, []float64{512, 256, 128, 64, 32, 16, 8, 4, 2, 1}, posterior.GetNode(x).ScalarValues())
}

// rollbackChecker checks that rejected proposals restore the log-probability bit-exactly.
type rollbackChecker struct {
	mcmc.RollbackAndCascadeOnRejection
	t                  *testing.T
	g                  *graph.Graph
	logProbBefore      float64
	accepted, rejected int
}

func (c *rollbackChecker) OnProposalCreated(*mcmc.Proposal) { c.logProbBefore = c.g.LogProb() }

func (c *rollbackChecker) OnProposalAccepted(*mcmc.Proposal) { c.accepted++ }

func (c *rollbackChecker) OnProposalRejected(p *mcmc.Proposal) {
	c.RollbackAndCascadeOnRejection.OnProposalRejected(p)
	c.rejected++
	require.Equal(c.t, math.Float64bits(c.logProbBefore), math.Float64bits(c.g.LogProb()))
}

func TestRollback(t *testing.T) {
	g := graph.NewGraph("rollback")
	w := graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 1), 3, 1)
	sigma := graph.Exponential(graph.Scalar(g, 1))
	x := graph.Const(g, [][]float64{{1, 0.5, -1}, {0.2, 2, 1}, {-1, 1, 0}, {0.3, 0.3, 0.3}})
	y := graph.Gaussian(graph.MatMul(x, w), sigma)
	require.NoError(t, y.Observe([][]float64{{1}, {2.5}, {-0.5}, {0.2}}))

	checker := &rollbackChecker{t: t, g: g}
	mh := newSampler(t, 3, func(cfg *mcmc.Config) {
		cfg.RejectionStrategy = checker
		cfg.ProposalDistribution = mcmc.NewGaussianProposal(2)
	})
	posterior, err := mh.GetPosteriorSamples(model.New(g), []*graph.Node{w, sigma}, 500)
	require.NoError(t, err)
	assert.Equal(t, 500, checker.accepted+checker.rejected)
	assert.Greater(t, checker.rejected, 0)
	assert.Greater(t, checker.accepted, 0)
	for _, s := range posterior.GetNode(sigma).ScalarValues() {
		require.Greater(t, s, 0.0, "impossible states are never accepted")
	}
}

func TestImpossibleCandidatesAreRejected(t *testing.T) {
	g := graph.NewGraph("impossible")
	u := graph.Uniform(graph.Scalar(g, 0), graph.Scalar(g, 1), 2)
	mh := newSampler(t, 5, func(cfg *mcmc.Config) { cfg.ProposalDistribution = mcmc.NewGaussianProposal(10) })
	posterior, err := mh.GetPosteriorSamples(model.New(g), []*graph.Node{u}, 200)
	require.NoError(t, err)
	for _, value := range posterior.GetNode(u).AsList() {
		for _, v := range value.Flat() {
			require.True(t, v >= 0 && v <= 1, "value %g out of support", v)
		}
	}
	assert.False(t, graph.IsImpossibleLogProb(g.LogProb()))
}

func TestIncrementalLogProb(t *testing.T) {
	g, a, b, _ := graphtest.SumOfGaussians()
	extra := graph.Gaussian(graph.Mul(a, graph.Scalar(g, 0.5)), graph.Scalar(g, 2))
	net := model.New(g)
	rng := rand.New(rand.NewPCG(9, 9))
	proposal := mcmc.NewGaussianProposal(1)
	strategy := &mcmc.IncrementalLogProb{}
	for _, selected := range [][]*graph.Node{{a}, {b}, {extra}, {a, b, extra}, {b, extra}} {
		before := net.LogProb()
		p := proposal.Propose(selected, rng, mcmc.RollbackAndCascadeOnRejection{})
		strategy.Prepare(net, p)
		require.NoError(t, p.Apply())
		assert.InDelta(t, net.LogProb(), strategy.LogProbAfter(net, p, before), 1e-9)
		p.Reject()
		require.Equal(t, before, net.LogProb())
	}
}

func TestSelectors(t *testing.T) {
	g := graph.NewGraph("selectors")
	var latents []*graph.Node
	for range 3 {
		latents = append(latents, graph.Gaussian(graph.Scalar(g, 0), graph.Scalar(g, 1)))
	}
	rng := rand.New(rand.NewPCG(0, 0))
	for ii := range 7 {
		assert.Equal(t, []*graph.Node{latents[ii%3]}, mcmc.RoundRobinSelector{}.Select(latents, ii, rng))
		assert.Equal(t, latents, mcmc.FullVariableSelector{}.Select(latents, ii, rng))
		assert.Len(t, mcmc.SingleVariableSelector{}.Select(latents, ii, rng), 1)
	}
	seen := make(map[*graph.Node]bool)
	for ii := range 100 {
		seen[mcmc.SingleVariableSelector{}.Select(latents, ii, rng)[0]] = true
	}
	assert.Len(t, seen, 3)
}

// countingListener counts proposal events.
type countingListener struct{ created, accepted, rejected int }

func (l *countingListener) OnProposalCreated(*mcmc.Proposal)  { l.created++ }
func (l *countingListener) OnProposalAccepted(*mcmc.Proposal) { l.accepted++ }
func (l *countingListener) OnProposalRejected(*mcmc.Proposal) { l.rejected++ }

func TestStream(t *testing.T) {
	g, a, b, _ := graphtest.SumOfGaussians()
	listener := &countingListener{}
	prior := mcmc.NewPriorProposal()
	prior.AddListener(listener)
	mh := newSampler(t, 11, func(cfg *mcmc.Config) { cfg.ProposalDistribution = prior })
	gen, err := mh.GeneratePosteriorSamples(model.New(g), []*graph.Node{a, b})
	require.NoError(t, err)
	stream, err := gen.DropCount(3).DownSampleInterval(2).WithProgress(nil).Stream()
	require.NoError(t, err)

	var indices []int
	for sample := range stream {
		require.Contains(t, sample.Values, a.Reference())
		require.False(t, graph.IsImpossibleLogProb(sample.LogProb))
		indices = append(indices, sample.Index)
		if len(indices) == 5 {
			break
		}
	}
	assert.Equal(t, []int{3, 5, 7, 9, 11}, indices)
	assert.Equal(t, 12, listener.created)
	assert.Equal(t, 12, listener.accepted+listener.rejected)

	_, err = gen.Stream()
	require.ErrorIs(t, err, mcmc.ErrStreamConsumed)
	_, err = gen.Generate(10)
	require.ErrorIs(t, err, mcmc.ErrStreamConsumed)
}

func TestSampleFromPrior(t *testing.T) {
	g, a, b, c := graphtest.SumOfGaussians()
	sum := graph.Add(a, b)
	rng := rand.New(rand.NewPCG(2, 3))
	prior, err := mcmc.SampleFromPrior(model.New(g), []*graph.Node{a, sum, c}, 20_000, rng)
	require.NoError(t, err)
	require.Equal(t, 20_000, prior.Size())
	assert.InDelta(t, 20.0, prior.GetNode(a).Mean().Scalar(), 0.05)
	assert.InDelta(t, 40.0, prior.GetNode(sum).Mean().Scalar(), 0.1)
	assert.InDelta(t, 2.0, prior.GetNode(sum).Variance().Scalar(), 0.1)
	assert.Equal(t, 43.0, prior.GetNode(c).Mean().Scalar(), "observations are kept")

	_, err = mcmc.SampleFromPrior(model.New(g), []*graph.Node{a}, 1, nil)
	require.ErrorIs(t, err, mcmc.ErrMissingRandom)
}

func TestSampleChains(t *testing.T) {
	results, err := mcmc.SampleChains(context.Background(), 3, 17, 2_000, func(int) (mcmc.Chain, error) {
		g, a, b, _ := graphtest.SumOfGaussians()
		maxFn := func(inputs []*tensors.Tensor) *tensors.Tensor {
			return tensors.FromScalar(max(inputs[0].Scalar(), inputs[1].Scalar()))
		}
		larger := graph.Apply(maxFn, a, b)
		return mcmc.Chain{
			Model:     model.New(g),
			Variables: []*graph.Node{a, larger},
			Config:    mcmc.DefaultConfig(),
			DropCount: 200,
		}, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, posterior := range results {
		require.Equal(t, 2_000, posterior.Size())
		assert.InDelta(t, 21.0, posterior.ByName("A").Mean().Scalar(), 1.0)
	}
	assert.NotEqual(t,
		results[0].ByName("A").ScalarValues()[0], results[1].ByName("A").ScalarValues()[0],
		"chains have different seeds")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = mcmc.SampleChains(ctx, 2, 1, 100, func(int) (mcmc.Chain, error) {
		g, a, _, _ := graphtest.SumOfGaussians()
		return mcmc.Chain{Model: model.New(g), Variables: []*graph.Node{a}, Config: mcmc.DefaultConfig()}, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

// failingProposal behaves as a GaussianProposal for a number of steps, and then proposes a new value for an
// observed node, which fails to apply.
type failingProposal struct {
	*mcmc.GaussianProposal
	after    int
	count    int
	observed *graph.Node
}

func (d *failingProposal) Propose(variables []*graph.Node, rng *rand.Rand, listeners ...mcmc.ProposalListener) *mcmc.Proposal {
	d.count++
	if d.count <= d.after {
		return d.GaussianProposal.Propose(variables, rng, listeners...)
	}
	p := mcmc.NewProposal(listeners...)
	p.SetProposal(d.observed, tensors.FromScalar(0.0))
	return p
}

func TestStreamStepError(t *testing.T) {
	g, a, _, c := graphtest.SumOfGaussians()
	failing := &failingProposal{GaussianProposal: mcmc.NewGaussianProposal(1), after: 5, observed: c}
	mh := newSampler(t, 3, func(cfg *mcmc.Config) { cfg.ProposalDistribution = failing })
	gen, err := mh.GeneratePosteriorSamples(model.New(g), []*graph.Node{a})
	require.NoError(t, err)
	stream, err := gen.WithProgress(nil).Stream()
	require.NoError(t, err)
	var count int
	for range stream {
		count++
	}
	assert.Equal(t, 5, count)
	require.ErrorIs(t, gen.Err(), graph.ErrObservedValue)
	assert.Equal(t, 43.0, c.Value().Scalar())

	_, err = mcmc.SampleChains(context.Background(), 2, 5, 100, func(int) (mcmc.Chain, error) {
		g, a, _, c := graphtest.SumOfGaussians()
		cfg := mcmc.DefaultConfig()
		cfg.ProposalDistribution = &failingProposal{GaussianProposal: mcmc.NewGaussianProposal(1), after: 10, observed: c}
		return mcmc.Chain{Model: model.New(g), Variables: []*graph.Node{a}, Config: cfg}, nil
	})
	require.ErrorIs(t, err, graph.ErrObservedValue)
}
