// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mcmc

import (
	"math/rand/v2"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/ml/model"
	"k8s.io/klog/v2"
)

// VariableSelector chooses the latent variables changed in each step.
type VariableSelector interface {
	Select(latents []*graph.Node, sampleNumber int, rng *rand.Rand) []*graph.Node
}

// SingleVariableSelector selects one latent variable, uniformly at random. It is the default.
type SingleVariableSelector struct{}

// Select implements VariableSelector.
func (SingleVariableSelector) Select(latents []*graph.Node, _ int, rng *rand.Rand) []*graph.Node {
	if len(latents) == 0 {
		return nil
	}
	idx := rng.IntN(len(latents))
	return latents[idx : idx+1]
}

// FullVariableSelector selects all latent variables at every step.
type FullVariableSelector struct{}

// Select implements VariableSelector.
func (FullVariableSelector) Select(latents []*graph.Node, _ int, _ *rand.Rand) []*graph.Node {
	return latents
}

// RoundRobinSelector selects one latent variable per step, cycling through them in order.
type RoundRobinSelector struct{}

// Select implements VariableSelector.
func (RoundRobinSelector) Select(latents []*graph.Node, sampleNumber int, _ *rand.Rand) []*graph.Node {
	if len(latents) == 0 {
		return nil
	}
	idx := sampleNumber % len(latents)
	return latents[idx : idx+1]
}

// RollbackAndCascadeOnRejection restores the values of the variables of a rejected proposal, and cascades
// them through the graph. Since the previous tensors themselves are restored, the log-probability after the
// rollback is bit-exactly the one before the proposal.
type RollbackAndCascadeOnRejection struct{}

var _ ProposalListener = RollbackAndCascadeOnRejection{}

// OnProposalCreated implements ProposalListener. The proposal already holds the previous values.
func (RollbackAndCascadeOnRejection) OnProposalCreated(*Proposal) {}

// OnProposalAccepted implements ProposalListener.
func (RollbackAndCascadeOnRejection) OnProposalAccepted(*Proposal) {}

// OnProposalRejected implements ProposalListener.
func (RollbackAndCascadeOnRejection) OnProposalRejected(p *Proposal) {
	nodes := p.Nodes()
	if len(nodes) == 0 {
		return
	}
	for _, node := range nodes {
		if err := node.SetValue(p.PreviousValue(node)); err != nil {
			// Previous values were valid values of the same nodes.
			klog.Errorf("failed to roll back %s: %+v", node, err)
		}
	}
	nodes[0].Graph().Cascade(nodes...)
}

// LogProbCalculationStrategy calculates the log-probability of the model after a proposal is applied.
type LogProbCalculationStrategy interface {
	// Prepare is called with the proposal before it is applied.
	Prepare(m model.ProbabilisticModel, p *Proposal)

	// LogProbAfter returns the log-probability after the proposal was applied, given the log-probability
	// before it.
	LogProbAfter(m model.ProbabilisticModel, p *Proposal, logProbBefore float64) float64
}

// FullLogProb recalculates the whole log-probability of the model. It is the default.
type FullLogProb struct{}

// Prepare implements LogProbCalculationStrategy.
func (FullLogProb) Prepare(model.ProbabilisticModel, *Proposal) {}

// LogProbAfter implements LogProbCalculationStrategy.
func (FullLogProb) LogProbAfter(m model.ProbabilisticModel, _ *Proposal, _ float64) float64 {
	return m.LogProb()
}

// IncrementalLogProb only recalculates the terms of the probabilistic nodes affected by the proposal: the
// changed variables and the probabilistic children of them and of their deterministic descendants.
//
// It is not safe for concurrent use: each sampler needs its own.
type IncrementalLogProb struct {
	affected []*graph.Node
	before   float64
}

// Prepare implements LogProbCalculationStrategy.
func (s *IncrementalLogProb) Prepare(_ model.ProbabilisticModel, p *Proposal) {
	s.affected = nil
	s.before = 0
	if len(p.Nodes()) == 0 {
		return
	}
	s.affected = p.Nodes()[0].Graph().DownstreamProbabilistic(p.Nodes()...)
	s.before = graph.SumLogProb(s.affected)
}

// LogProbAfter implements LogProbCalculationStrategy.
func (s *IncrementalLogProb) LogProbAfter(m model.ProbabilisticModel, _ *Proposal, logProbBefore float64) float64 {
	after := graph.SumLogProb(s.affected)
	if graph.IsImpossibleLogProb(after) {
		return after
	}
	if graph.IsImpossibleLogProb(s.before) || graph.IsImpossibleLogProb(logProbBefore) {
		// Terms can't be subtracted from an impossible total.
		return m.LogProb()
	}
	return logProbBefore - s.before + after
}
