// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mcmc

import (
	"math/rand/v2"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/ml/samples"
	"github.com/pkg/errors"
)

// PriorSampler is a model that can draw its latent variables from the prior, e.g. model.BayesNet.
type PriorSampler interface {
	SampleLatentsFromPrior(rng *rand.Rand) error
}

// SampleFromPrior draws sampleCount independent samples from the prior: each sample draws every latent
// variable in topological order, given its freshly drawn ancestors, ignoring observations.
//
// The variables can be any nodes of the model's graph. The model is left at the last sample.
func SampleFromPrior(m PriorSampler, variables []*graph.Node, sampleCount int, rng *rand.Rand) (*samples.NetworkSamples, error) {
	if rng == nil {
		return nil, ErrMissingRandom
	}
	builder := samples.NewBuilder(variables)
	for ii := range sampleCount {
		if err := m.SampleLatentsFromPrior(rng); err != nil {
			return builder.Build(), errors.WithMessagef(err, "prior sample #%d", ii)
		}
		builder.Record(graph.Snapshot(variables))
	}
	return builder.Build(), nil
}
