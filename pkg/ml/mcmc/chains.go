// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mcmc

import (
	"context"
	"math/rand/v2"

	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/ml/model"
	"github.com/gomlx/infer/pkg/ml/samples"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Chain is one independent chain of SampleChains. Nothing can be shared between chains: each one needs its
// own model (and graph), and its own stateful strategies.
type Chain struct {
	Model     model.ProbabilisticModel
	Variables []*graph.Node

	// Config of the sampler. Random is overwritten with the chain's own generator.
	Config Config

	// DropCount is the number of burn-in steps not recorded.
	DropCount int
}

// SampleChains runs numChains independent chains in parallel, each built by buildChain and with its own
// random number generator seeded with (seed, chain index), and returns sampleCount samples of each.
//
// The first error cancels the other chains, and no samples are returned: a chain that fails or ends before
// sampleCount samples is an error. Chains check ctx between steps.
func SampleChains(ctx context.Context, numChains int, seed uint64, sampleCount int,
	buildChain func(chainIdx int) (Chain, error)) ([]*samples.NetworkSamples, error) {
	results := make([]*samples.NetworkSamples, numChains)
	eg, ctx := errgroup.WithContext(ctx)
	for chainIdx := range numChains {
		eg.Go(func() error {
			chain, err := buildChain(chainIdx)
			if err != nil {
				return errors.WithMessagef(err, "building chain #%d", chainIdx)
			}
			chain.Config.Random = rand.New(rand.NewPCG(seed, uint64(chainIdx)))
			mh, err := New(chain.Config)
			if err != nil {
				return err
			}
			gen, err := mh.GeneratePosteriorSamples(chain.Model, chain.Variables)
			if err != nil {
				return errors.WithMessagef(err, "chain #%d", chainIdx)
			}
			stream, err := gen.DropCount(chain.DropCount).WithProgress(nil).Stream()
			if err != nil {
				return err
			}
			builder := samples.NewBuilder(chain.Variables)
			if sampleCount > 0 {
				for sample := range stream {
					if err := ctx.Err(); err != nil {
						return err
					}
					builder.Record(sample.Values)
					if builder.Size() >= sampleCount {
						break
					}
				}
				if err := gen.Err(); err != nil {
					return errors.WithMessagef(err, "chain #%d", chainIdx)
				}
				if builder.Size() < sampleCount {
					return errors.Errorf("chain #%d: only %d of %d samples generated", chainIdx, builder.Size(), sampleCount)
				}
			}
			results[chainIdx] = builder.Build()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
