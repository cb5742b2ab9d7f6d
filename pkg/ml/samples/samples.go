// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package samples holds NetworkSamples, the ordered per-variable sequences of values produced by the samplers,
// and the statistics derived from them (mean, autocorrelation, probabilities of events).
//
// NetworkSamples are built by a Builder while sampling, and are immutable once built: the transformations
// (Drop, DownSample) return new NetworkSamples.
package samples

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/shapes"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/pkg/errors"
)

// NetworkSamples holds the same number of samples for each of a set of variables, in sampling order.
type NetworkSamples struct {
	variables []*VariableSamples
	byRef     map[graph.VariableReference]*VariableSamples
	size      int
}

// VariableSamples is the sequence of sampled values of one variable.
type VariableSamples struct {
	ref    graph.VariableReference
	name   string
	shape  shapes.Shape
	values []*tensors.Tensor
}

// Builder accumulates samples. It is not safe for concurrent use.
type Builder struct {
	ns *NetworkSamples
}

// NewBuilder creates a Builder for the given variables.
func NewBuilder(variables []*graph.Node) *Builder {
	ns := &NetworkSamples{
		variables: make([]*VariableSamples, 0, len(variables)),
		byRef:     make(map[graph.VariableReference]*VariableSamples, len(variables)),
	}
	for _, v := range variables {
		ref := v.Reference()
		if _, found := ns.byRef[ref]; found {
			continue
		}
		name := v.Label()
		if name == "" {
			name = ref.String()
		}
		vs := &VariableSamples{ref: ref, name: name, shape: v.Shape()}
		ns.variables = append(ns.variables, vs)
		ns.byRef[ref] = vs
	}
	return &Builder{ns: ns}
}

// Record appends the current values of the variables as one sample. Values are treated as immutable and
// stored without copying.
func (b *Builder) Record(values map[graph.VariableReference]*tensors.Tensor) {
	for _, vs := range b.ns.variables {
		value, found := values[vs.ref]
		if !found {
			exceptions.Panicf("sample #%d has no value for variable %s", b.ns.size, vs.name)
		}
		vs.values = append(vs.values, value)
	}
	b.ns.size++
}

// Size returns the number of samples recorded so far.
func (b *Builder) Size() int { return b.ns.size }

// Build returns the NetworkSamples recorded so far. The Builder must not be used afterwards.
func (b *Builder) Build() *NetworkSamples {
	ns := b.ns
	b.ns = nil
	return ns
}

// Size returns the number of samples (the same for every variable).
func (ns *NetworkSamples) Size() int { return ns.size }

// Variables returns the samples of each variable, in the order they were requested.
func (ns *NetworkSamples) Variables() []*VariableSamples { return ns.variables }

// Get returns the samples of the given variable, or nil if it was not sampled.
func (ns *NetworkSamples) Get(ref graph.VariableReference) *VariableSamples { return ns.byRef[ref] }

// GetNode returns the samples of the given node, or nil if it was not sampled.
func (ns *NetworkSamples) GetNode(node *graph.Node) *VariableSamples { return ns.byRef[node.Reference()] }

// ByName returns the samples of the variable with the given label (or "#<id>" name), or nil.
func (ns *NetworkSamples) ByName(name string) *VariableSamples {
	for _, vs := range ns.variables {
		if vs.name == name {
			return vs
		}
	}
	return nil
}

// Sample returns the values of all variables at sample index idx.
func (ns *NetworkSamples) Sample(idx int) map[graph.VariableReference]*tensors.Tensor {
	sample := make(map[graph.VariableReference]*tensors.Tensor, len(ns.variables))
	for _, vs := range ns.variables {
		sample[vs.ref] = vs.values[idx]
	}
	return sample
}

// filter returns new NetworkSamples with the samples whose index passes keep.
func (ns *NetworkSamples) filter(keep func(idx int) bool) *NetworkSamples {
	result := &NetworkSamples{
		variables: make([]*VariableSamples, len(ns.variables)),
		byRef:     make(map[graph.VariableReference]*VariableSamples, len(ns.variables)),
	}
	for ii, vs := range ns.variables {
		newVS := &VariableSamples{ref: vs.ref, name: vs.name, shape: vs.shape}
		for idx, value := range vs.values {
			if keep(idx) {
				newVS.values = append(newVS.values, value)
			}
		}
		result.variables[ii] = newVS
		result.byRef[vs.ref] = newVS
	}
	for idx := range ns.size {
		if keep(idx) {
			result.size++
		}
	}
	return result
}

// Drop returns the samples without the first dropCount ones (e.g. the burn-in period).
func (ns *NetworkSamples) Drop(dropCount int) *NetworkSamples {
	return ns.filter(func(idx int) bool { return idx >= dropCount })
}

// DownSample returns every interval-th sample, starting with the first. It panics if interval < 1.
func (ns *NetworkSamples) DownSample(interval int) *NetworkSamples {
	if interval < 1 {
		exceptions.Panicf("DownSample interval must be >= 1, got %d", interval)
	}
	return ns.filter(func(idx int) bool { return idx%interval == 0 })
}

// Probability returns the fraction of samples for which predicate is true.
// It returns an error if there are no samples.
func (ns *NetworkSamples) Probability(predicate func(sample map[graph.VariableReference]*tensors.Tensor) bool) (float64, error) {
	if ns.size == 0 {
		return 0, errors.New("cannot compute a probability from zero samples")
	}
	var count int
	for idx := range ns.size {
		if predicate(ns.Sample(idx)) {
			count++
		}
	}
	return float64(count) / float64(ns.size), nil
}

// String returns a summary of the samples: the mean of each variable.
func (ns *NetworkSamples) String() string {
	parts := []string{fmt.Sprintf("NetworkSamples: %d samples", ns.size)}
	if ns.size > 0 {
		for _, vs := range ns.variables {
			parts = append(parts, fmt.Sprintf("\t%s: mean=%s", vs.name, vs.Mean()))
		}
	}
	return strings.Join(parts, "\n")
}
