// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mcmc

import (
	"iter"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/infer/pkg/core/graph"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/ml/samples"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrStreamConsumed is returned when a Generator is used more than once.
var ErrStreamConsumed = errors.New("mcmc: samples generator can only be consumed once")

// Sample is one recorded state of the chain.
type Sample struct {
	// Index of the step that generated the sample, counting from 0 and including dropped steps.
	Index int

	// Values of the variables to sample.
	Values map[graph.VariableReference]*tensors.Tensor

	// LogProb of the model at the sample.
	LogProb float64

	// Accepted is whether the proposal of the step was accepted.
	Accepted bool
}

// ProgressSink receives progress reports of a Generator.
type ProgressSink interface {
	// Start is called before the first step. total is the number of steps, or -1 for a Stream.
	Start(total int)

	// Update is called after each step.
	Update(stats Stats)

	// Finish is called when the generation ends.
	Finish(stats Stats)
}

// Stats of a running chain.
type Stats struct {
	Steps          int
	Samples        int
	AcceptanceRate float64
	LogProb        float64
	Elapsed        time.Duration
}

// Generator generates posterior samples of a chain, configured with its chaining methods. It is single use.
type Generator struct {
	step               *step
	variables          []*graph.Node
	dropCount          int
	downSampleInterval int
	progress           ProgressSink
	consumed           bool
	err                error
}

func newGenerator(s *step, variables []*graph.Node) *Generator {
	return &Generator{
		step:               s,
		variables:          variables,
		downSampleInterval: 1,
		progress:           &LogProgress{},
	}
}

// DropCount sets the number of initial steps (burn-in) that are not recorded. Default is 0.
func (g *Generator) DropCount(dropCount int) *Generator {
	if dropCount < 0 {
		exceptions.Panicf("DropCount must be >= 0, got %d", dropCount)
	}
	g.dropCount = dropCount
	return g
}

// DownSampleInterval sets that only one every interval steps (after the dropped ones) is recorded. Default is 1.
func (g *Generator) DownSampleInterval(interval int) *Generator {
	if interval < 1 {
		exceptions.Panicf("DownSampleInterval must be >= 1, got %d", interval)
	}
	g.downSampleInterval = interval
	return g
}

// WithProgress sets the sink of progress reports. The default logs with klog at verbosity level 1.
// Set to nil to disable progress reports.
func (g *Generator) WithProgress(sink ProgressSink) *Generator {
	g.progress = sink
	return g
}

// consume marks the generator as used.
func (g *Generator) consume() error {
	if g.consumed {
		return ErrStreamConsumed
	}
	g.consumed = true
	return nil
}

// Generate runs totalSteps steps and returns the recorded samples: all of them, except the first DropCount
// ones, down-sampled by DownSampleInterval. With the defaults, it returns totalSteps samples.
func (g *Generator) Generate(totalSteps int) (*samples.NetworkSamples, error) {
	if err := g.consume(); err != nil {
		return nil, err
	}
	builder := samples.NewBuilder(g.variables)
	start := time.Now()
	if g.progress != nil {
		g.progress.Start(totalSteps)
	}
	for range totalSteps {
		sample, recorded, err := g.next()
		if err != nil {
			if g.progress != nil {
				g.progress.Finish(g.stats(builder.Size(), start))
			}
			return builder.Build(), err
		}
		if recorded {
			builder.Record(sample.Values)
		}
		if g.progress != nil {
			g.progress.Update(g.stats(builder.Size(), start))
		}
	}
	stats := g.stats(builder.Size(), start)
	if g.progress != nil {
		g.progress.Finish(stats)
	}
	klog.V(1).Infof("mcmc: %d steps, %d samples, acceptance rate %.3f, elapsed %s",
		stats.Steps, stats.Samples, stats.AcceptanceRate, stats.Elapsed)
	return builder.Build(), nil
}

// Stream returns a lazy, single-pass sequence of the recorded samples (after DropCount, down-sampled by
// DownSampleInterval). It is unbounded: the consumer stops by breaking out of the loop.
//
// If a step fails the sequence ends early, and the error is returned by Err. A second call returns
// ErrStreamConsumed.
func (g *Generator) Stream() (iter.Seq[Sample], error) {
	if err := g.consume(); err != nil {
		return nil, err
	}
	return func(yield func(Sample) bool) {
		start := time.Now()
		var count int
		if g.progress != nil {
			g.progress.Start(-1)
			defer func() { g.progress.Finish(g.stats(count, start)) }()
		}
		for {
			sample, recorded, err := g.next()
			if err != nil {
				klog.Errorf("mcmc: stream interrupted: %+v", err)
				g.err = errors.WithMessagef(err, "mcmc: stream interrupted after %d steps", g.step.sampleNumber)
				return
			}
			if recorded {
				count++
			}
			if g.progress != nil {
				g.progress.Update(g.stats(count, start))
			}
			if recorded && !yield(sample) {
				return
			}
		}
	}, nil
}

// Err returns the error that ended the Stream, or nil if it ended because the consumer stopped.
func (g *Generator) Err() error { return g.err }

// next runs one step, and returns the sample and whether it is recorded.
func (g *Generator) next() (sample Sample, recorded bool, err error) {
	index := g.step.sampleNumber
	accepted, err := g.step.run()
	if err != nil {
		return
	}
	recorded = index >= g.dropCount && (index-g.dropCount)%g.downSampleInterval == 0
	if recorded {
		sample = Sample{
			Index:    index,
			Values:   graph.Snapshot(g.variables),
			LogProb:  g.step.logProb,
			Accepted: accepted,
		}
	}
	return
}

func (g *Generator) stats(numSamples int, start time.Time) Stats {
	return Stats{
		Steps:          g.step.sampleNumber,
		Samples:        numSamples,
		AcceptanceRate: g.step.acceptanceRate(),
		LogProb:        g.step.logProb,
		Elapsed:        time.Since(start),
	}
}

// LogProgress is a ProgressSink that logs with klog, at verbosity level 1, every 10% of the steps (or every
// 10,000 steps of a Stream).
type LogProgress struct {
	total, every int
}

// Start implements ProgressSink.
func (p *LogProgress) Start(total int) {
	p.total = total
	p.every = 10_000
	if total > 0 {
		p.every = max(total/10, 1)
	}
}

// Update implements ProgressSink.
func (p *LogProgress) Update(stats Stats) {
	if stats.Steps%p.every != 0 {
		return
	}
	klog.V(1).Infof("mcmc: step %d/%d, acceptance rate %.3f, log-prob %g", stats.Steps, p.total,
		stats.AcceptanceRate, stats.LogProb)
}

// Finish implements ProgressSink.
func (p *LogProgress) Finish(Stats) {}
