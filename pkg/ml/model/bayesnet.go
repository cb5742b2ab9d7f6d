// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math/rand/v2"
	"slices"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoNonZeroProbability is returned by BayesNet.ProbeForNonZeroProbability when no possible state was found.
var ErrNoNonZeroProbability = errors.New("no non-zero probability state found")

// BayesNet is a ProbabilisticModelWithGradient over the probabilistic nodes of a graph.
//
// The sets of latent and observed variables are taken when the BayesNet is created: observe nodes before
// calling New, and don't add nodes to the graph afterwards.
type BayesNet struct {
	graph    *graph.Graph
	latents  []*graph.Node
	observed []*graph.Node
	all      []*graph.Node
}

var _ ProbabilisticModelWithGradient = (*BayesNet)(nil)

// New creates a BayesNet with the probabilistic nodes of g.
func New(g *graph.Graph) *BayesNet {
	return &BayesNet{
		graph:    g,
		latents:  g.LatentNodes(),
		observed: g.ObservedNodes(),
		all:      g.ProbabilisticNodes(),
	}
}

// Graph returns the underlying graph.
func (bn *BayesNet) Graph() *graph.Graph { return bn.graph }

// LatentVariables implements ProbabilisticModel.
func (bn *BayesNet) LatentVariables() []*graph.Node { return bn.latents }

// ObservedVariables returns the observed probabilistic nodes, in topological order.
func (bn *BayesNet) ObservedVariables() []*graph.Node { return bn.observed }

// LatentOrObservedVariables returns all probabilistic nodes, in topological order.
func (bn *BayesNet) LatentOrObservedVariables() []*graph.Node { return bn.all }

// NodeByLabel returns the node with the given label, or nil.
func (bn *BayesNet) NodeByLabel(label string) *graph.Node { return bn.graph.NodeByLabel(label) }

// Sort implements ProbabilisticModel. Node ids follow creation order, which is a topological order.
func (bn *BayesNet) Sort(variables []*graph.Node) []*graph.Node {
	return slices.SortedFunc(slices.Values(variables), func(a, b *graph.Node) int {
		return int(a.Id()) - int(b.Id())
	})
}

// DownstreamProbabilistic returns the probabilistic nodes whose log-probability changes when the given
// variables change.
func (bn *BayesNet) DownstreamProbabilistic(variables ...*graph.Node) []*graph.Node {
	return bn.graph.DownstreamProbabilistic(variables...)
}

// LogProb implements ProbabilisticModel.
func (bn *BayesNet) LogProb() float64 { return graph.SumLogProb(bn.all) }

// LogProbOf implements ProbabilisticModel.
func (bn *BayesNet) LogProbOf(assignment Assignment) (float64, error) {
	if err := bn.graph.SetAssignment(assignment); err != nil {
		return 0, err
	}
	return bn.LogProb(), nil
}

// LogLikelihood implements ProbabilisticModel.
func (bn *BayesNet) LogLikelihood() float64 { return graph.SumLogProb(bn.observed) }

// LogLikelihoodOf implements ProbabilisticModel.
func (bn *BayesNet) LogLikelihoodOf(assignment Assignment) (float64, error) {
	if err := bn.graph.SetAssignment(assignment); err != nil {
		return 0, err
	}
	return bn.LogLikelihood(), nil
}

// LogProbGradient implements ProbabilisticModelWithGradient.
func (bn *BayesNet) LogProbGradient() Assignment {
	return graph.LogProbGradient(bn.latents, false)
}

// LogLikelihoodGradient implements ProbabilisticModelWithGradient.
func (bn *BayesNet) LogLikelihoodGradient() Assignment {
	return graph.LogProbGradient(bn.latents, true)
}

// SampleLatentsFromPrior draws new values for all latent variables from their distributions, in topological
// order, so each one is sampled given the freshly sampled values of its ancestors.
func (bn *BayesNet) SampleLatentsFromPrior(rng *rand.Rand) error {
	for _, latent := range bn.latents {
		if err := latent.SampleValue(rng); err != nil {
			return err
		}
	}
	return nil
}

// ProbeForNonZeroProbability makes sure the network is in a possible state: if the current log-probability
// is impossible, it resamples all latent variables from the prior up to attempts times.
//
// It returns ErrNoNonZeroProbability if no possible state was found.
func (bn *BayesNet) ProbeForNonZeroProbability(attempts int, rng *rand.Rand) error {
	if !graph.IsImpossibleLogProb(bn.LogProb()) {
		return nil
	}
	for attempt := range attempts {
		if err := bn.SampleLatentsFromPrior(rng); err != nil {
			return err
		}
		if logProb := bn.LogProb(); !graph.IsImpossibleLogProb(logProb) {
			klog.V(1).Infof("found non-zero probability state after %d attempt(s): log-prob=%g", attempt+1, logProb)
			return nil
		}
		klog.V(2).Infof("probe attempt #%d: state still impossible", attempt+1)
	}
	klog.Warningf("failed to find a non-zero probability state in %d attempts", attempts)
	return errors.Wrapf(ErrNoNonZeroProbability, "after %d attempts", attempts)
}
