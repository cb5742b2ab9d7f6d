// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mcmc implements Metropolis-Hastings sampling of the posterior distribution of the latent variables
// of a model.ProbabilisticModel.
//
// Each step selects a subset of the latent variables (VariableSelector), proposes new values for them
// (ProposalDistribution), applies them with a cascade through the graph, evaluates the new log-probability
// (LogProbCalculationStrategy), and accepts the proposal with probability
// min(1, exp(newLogProb - oldLogProb + log q(from|to) - log q(to|from))). Rejected proposals are rolled back
// (RollbackAndCascadeOnRejection), leaving the graph exactly as it was.
//
// Randomness comes only from the *rand.Rand given in the Config, so a run is reproducible given its seed.
//
// Example:
//
//	cfg := mcmc.DefaultConfig()
//	cfg.Random = rand.New(rand.NewPCG(42, 0))
//	mh := must.M1(mcmc.New(cfg))
//	posterior := must.M1(mh.GetPosteriorSamples(net, []*graph.Node{a, b}, 10_000))
//	fmt.Println(posterior.GetNode(a).Mean())
package mcmc

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/ml/model"
	"github.com/gomlx/infer/pkg/ml/samples"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrMissingRandom is returned by New if no random number generator is configured.
var ErrMissingRandom = errors.New("mcmc: Config.Random must be set")

// Config of the Metropolis-Hastings sampler. Start from DefaultConfig and set Random.
type Config struct {
	// Random is the source of all randomness of the sampler. Required.
	Random *rand.Rand

	// ProposalDistribution defaults to a GaussianProposal with sigma DefaultProposalSigma.
	ProposalDistribution ProposalDistribution

	// VariableSelector defaults to SingleVariableSelector.
	VariableSelector VariableSelector

	// RejectionStrategy is notified of every proposal, and must restore the state of rejected ones.
	// Defaults to RollbackAndCascadeOnRejection.
	RejectionStrategy ProposalListener

	// LogProbCalculationStrategy defaults to FullLogProb.
	LogProbCalculationStrategy LogProbCalculationStrategy
}

// DefaultConfig returns the default configuration, without the required Random.
func DefaultConfig() Config {
	return Config{
		ProposalDistribution:       NewGaussianProposal(DefaultProposalSigma),
		VariableSelector:           SingleVariableSelector{},
		RejectionStrategy:          RollbackAndCascadeOnRejection{},
		LogProbCalculationStrategy: FullLogProb{},
	}
}

// MetropolisHastings is the configured sampler. A sampler runs one chain at a time: for independent chains
// use one sampler (with its own Random) per chain, see SampleChains.
type MetropolisHastings struct {
	config Config
}

// New validates the configuration and creates a sampler. Unset optional fields get their defaults.
func New(config Config) (*MetropolisHastings, error) {
	if config.Random == nil {
		return nil, ErrMissingRandom
	}
	defaults := DefaultConfig()
	if config.ProposalDistribution == nil {
		config.ProposalDistribution = defaults.ProposalDistribution
	}
	if config.VariableSelector == nil {
		config.VariableSelector = defaults.VariableSelector
	}
	if config.RejectionStrategy == nil {
		config.RejectionStrategy = defaults.RejectionStrategy
	}
	if config.LogProbCalculationStrategy == nil {
		config.LogProbCalculationStrategy = defaults.LogProbCalculationStrategy
	}
	return &MetropolisHastings{config: config}, nil
}

// Config returns the configuration of the sampler, with defaults filled in.
func (mh *MetropolisHastings) Config() Config { return mh.config }

// GetPosteriorSamples runs sampleCount steps and returns the values of variablesToSample after each step.
// The variables can be any nodes of the model's graph, including deterministic ones.
func (mh *MetropolisHastings) GetPosteriorSamples(m model.ProbabilisticModel, variablesToSample []*graph.Node,
	sampleCount int) (*samples.NetworkSamples, error) {
	gen, err := mh.GeneratePosteriorSamples(m, variablesToSample)
	if err != nil {
		return nil, err
	}
	return gen.Generate(sampleCount)
}

// GeneratePosteriorSamples returns a Generator of samples, which can be configured (burn-in, down-sampling,
// progress reporting) before generating them eagerly (Generator.Generate) or lazily (Generator.Stream).
func (mh *MetropolisHastings) GeneratePosteriorSamples(m model.ProbabilisticModel,
	variablesToSample []*graph.Node) (*Generator, error) {
	if m == nil {
		return nil, errors.New("mcmc: no model given to sample from")
	}
	if len(variablesToSample) == 0 {
		return nil, errors.New("mcmc: no variables to sample given")
	}
	latents := m.LatentVariables()
	if len(latents) == 0 {
		return nil, errors.New("mcmc: model has no latent variables to sample")
	}
	s := &step{
		config:  mh.config,
		model:   m,
		latents: m.Sort(latents),
		logProb: m.LogProb(),
	}
	if math.IsNaN(s.logProb) {
		s.logProb = math.Inf(-1)
	}
	if graph.IsImpossibleLogProb(s.logProb) {
		klog.Warningf("mcmc: starting to sample from an impossible state (log-prob=%g)", s.logProb)
	}
	return newGenerator(s, variablesToSample), nil
}

// step holds the state of a running chain and implements one Metropolis-Hastings step.
type step struct {
	config  Config
	model   model.ProbabilisticModel
	latents []*graph.Node

	// logProb of the current state.
	logProb      float64
	sampleNumber int
	accepted     int
	inFlight     bool
}

// run executes one step, and returns whether the proposal was accepted.
func (s *step) run() (accepted bool, err error) {
	if s.inFlight {
		return false, errors.New("mcmc: a proposal is already in flight")
	}
	s.inFlight = true
	defer func() { s.inFlight = false }()
	cfg := &s.config

	selected := cfg.VariableSelector.Select(s.latents, s.sampleNumber, cfg.Random)
	s.sampleNumber++
	proposal := cfg.ProposalDistribution.Propose(selected, cfg.Random, cfg.RejectionStrategy)
	cfg.LogProbCalculationStrategy.Prepare(s.model, proposal)
	if err := proposal.Apply(); err != nil {
		proposal.Reject()
		return false, err
	}
	logProbAfter := cfg.LogProbCalculationStrategy.LogProbAfter(s.model, proposal, s.logProb)
	if s.accept(proposal, logProbAfter) {
		proposal.Accept()
		s.logProb = logProbAfter
		s.accepted++
		klog.V(2).Infof("mcmc step #%d: accepted, log-prob=%g", s.sampleNumber, logProbAfter)
		return true, nil
	}
	proposal.Reject()
	klog.V(2).Infof("mcmc step #%d: rejected (candidate log-prob=%g)", s.sampleNumber, logProbAfter)
	return false, nil
}

// accept decides on the applied proposal. Impossible candidates are always rejected, and a candidate with a
// log acceptance ratio >= 0 is always accepted without drawing a random number.
func (s *step) accept(proposal *Proposal, logProbAfter float64) bool {
	if graph.IsImpossibleLogProb(logProbAfter) {
		return false
	}
	logRatio := logProbAfter - s.logProb + s.config.ProposalDistribution.LogProbAsymmetry(proposal)
	if math.IsNaN(logRatio) {
		return false
	}
	if logRatio >= 0 {
		return true
	}
	return math.Log(s.config.Random.Float64()) < logRatio
}

// acceptanceRate so far.
func (s *step) acceptanceRate() float64 {
	if s.sampleNumber == 0 {
		return 0
	}
	return float64(s.accepted) / float64(s.sampleNumber)
}
