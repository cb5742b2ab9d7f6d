// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mcmc

import (
	"math/rand/v2"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Proposal is a candidate reassignment of a set of latent variables, considered in one Metropolis-Hastings step.
//
// It holds the proposed values, the values before the proposal, and the listeners notified when it is
// created, accepted or rejected.
type Proposal struct {
	nodes     []*graph.Node
	proposed  map[graph.VariableReference]*tensors.Tensor
	previous  map[graph.VariableReference]*tensors.Tensor
	listeners []ProposalListener

	// logProbToGivenFrom is used by proposal distributions that are not symmetric.
	logProbToGivenFrom float64
}

// ProposalListener is notified of the lifecycle of each proposal.
type ProposalListener interface {
	OnProposalCreated(p *Proposal)
	OnProposalAccepted(p *Proposal)
	OnProposalRejected(p *Proposal)
}

// NewProposal creates an empty proposal, notifying the given listeners.
func NewProposal(listeners ...ProposalListener) *Proposal {
	return &Proposal{
		proposed:  make(map[graph.VariableReference]*tensors.Tensor),
		previous:  make(map[graph.VariableReference]*tensors.Tensor),
		listeners: listeners,
	}
}

// SetProposal sets the candidate value of a node, recording its current value. Nodes are kept in topological
// order.
func (p *Proposal) SetProposal(node *graph.Node, value *tensors.Tensor) {
	if !value.Shape().Equal(node.Shape()) {
		exceptions.Panicf("proposed value of shape %s for node %s", value.Shape(), node)
	}
	ref := node.Reference()
	if _, found := p.proposed[ref]; !found {
		idx, _ := slices.BinarySearchFunc(p.nodes, node, func(a, b *graph.Node) int { return int(a.Id()) - int(b.Id()) })
		p.nodes = slices.Insert(p.nodes, idx, node)
		p.previous[ref] = node.Value()
	}
	p.proposed[ref] = value
}

// Nodes returns the nodes with a proposed value, in topological order.
func (p *Proposal) Nodes() []*graph.Node { return p.nodes }

// ProposedValue returns the candidate value of the node, or nil if the node is not part of the proposal.
func (p *Proposal) ProposedValue(node *graph.Node) *tensors.Tensor { return p.proposed[node.Reference()] }

// PreviousValue returns the value of the node before the proposal, or nil if not part of the proposal.
func (p *Proposal) PreviousValue(node *graph.Node) *tensors.Tensor { return p.previous[node.Reference()] }

// created notifies the listeners of the creation of the proposal.
func (p *Proposal) created() {
	for _, l := range p.listeners {
		l.OnProposalCreated(p)
	}
}

// Apply sets the proposed values and cascades them through the graph, once.
func (p *Proposal) Apply() error {
	if len(p.nodes) == 0 {
		return nil
	}
	for _, node := range p.nodes {
		if err := node.SetValue(p.proposed[node.Reference()]); err != nil {
			return errors.WithMessagef(err, "failed to apply proposal")
		}
	}
	p.nodes[0].Graph().Cascade(p.nodes...)
	return nil
}

// Accept notifies the listeners that the proposal was accepted.
func (p *Proposal) Accept() {
	for _, l := range p.listeners {
		l.OnProposalAccepted(p)
	}
}

// Reject notifies the listeners that the proposal was rejected. Rolling back the values is the job of a
// listener, see RollbackAndCascadeOnRejection.
func (p *Proposal) Reject() {
	for _, l := range p.listeners {
		l.OnProposalRejected(p)
	}
}

// ProposalDistribution generates proposals for a set of variables.
type ProposalDistribution interface {
	// Propose creates a proposal with new candidate values for the given variables, notifying the created
	// listeners (the distribution's and the extra ones given).
	Propose(variables []*graph.Node, rng *rand.Rand, listeners ...ProposalListener) *Proposal

	// LogProbAsymmetry returns log q(from|to) - log q(to|from) for a proposal already applied to the graph.
	// It is 0 for symmetric distributions.
	LogProbAsymmetry(p *Proposal) float64

	// AddListener registers a listener notified of all proposals of the distribution.
	AddListener(l ProposalListener)
}

// listenersList implements AddListener for the proposal distributions.
type listenersList struct {
	listeners []ProposalListener
}

// AddListener implements ProposalDistribution.
func (l *listenersList) AddListener(listener ProposalListener) {
	l.listeners = append(l.listeners, listener)
}

func (l *listenersList) newProposal(extra []ProposalListener) *Proposal {
	return NewProposal(append(slices.Clone(l.listeners), extra...)...)
}

// GaussianProposal perturbs each element of the current value with an independent Gaussian noise.
// It is symmetric.
type GaussianProposal struct {
	listenersList
	sigma float64
}

// DefaultProposalSigma is the standard deviation of the default GaussianProposal.
const DefaultProposalSigma = 1.0

// NewGaussianProposal creates a GaussianProposal with the given standard deviation.
func NewGaussianProposal(sigma float64) *GaussianProposal {
	if sigma <= 0 {
		exceptions.Panicf("GaussianProposal sigma must be > 0, got %g", sigma)
	}
	return &GaussianProposal{sigma: sigma}
}

// Sigma returns the standard deviation of the perturbation.
func (d *GaussianProposal) Sigma() float64 { return d.sigma }

// Propose implements ProposalDistribution.
func (d *GaussianProposal) Propose(variables []*graph.Node, rng *rand.Rand, listeners ...ProposalListener) *Proposal {
	p := d.newProposal(listeners)
	for _, node := range variables {
		noise := distuv.Normal{Mu: 0, Sigma: d.sigma, Src: rng}
		p.SetProposal(node, tensors.Map(node.Value(), func(x float64) float64 { return x + noise.Rand() }))
	}
	p.created()
	return p
}

// LogProbAsymmetry implements ProposalDistribution.
func (d *GaussianProposal) LogProbAsymmetry(*Proposal) float64 { return 0 }

// PriorProposal draws the candidate values from the prior distribution of each variable, given the current
// values of its parents.
type PriorProposal struct {
	listenersList
}

// NewPriorProposal creates a PriorProposal.
func NewPriorProposal() *PriorProposal { return &PriorProposal{} }

// Propose implements ProposalDistribution.
func (d *PriorProposal) Propose(variables []*graph.Node, rng *rand.Rand, listeners ...ProposalListener) *Proposal {
	p := d.newProposal(listeners)
	for _, node := range variables {
		candidate := node.Sample(rng)
		p.logProbToGivenFrom += node.LogProbAt(candidate)
		p.SetProposal(node, candidate)
	}
	p.created()
	return p
}

// LogProbAsymmetry implements ProposalDistribution. It evaluates the previous values with the parents at the
// proposed state.
func (d *PriorProposal) LogProbAsymmetry(p *Proposal) float64 {
	var logProbFromGivenTo float64
	for _, node := range p.nodes {
		logProbFromGivenTo += node.LogProbAt(p.previous[node.Reference()])
	}
	return logProbFromGivenTo - p.logProbToGivenFrom
}
