// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/infer/pkg/ml/optimizers"
)

// FitnessReporter tracks the evaluations of an optimizer: it counts them and keeps the best point found.
// Call Detach when done, and Table to render the summary.
type FitnessReporter struct {
	optimizer optimizers.Optimizer
	id        optimizers.HandlerId
	start     time.Time

	mu          sync.Mutex
	evaluations int
	impossible  int
	bestFitness float64
	bestPoint   []float64
}

// NewFitnessReporter registers a fitness handler in the optimizer.
func NewFitnessReporter(optimizer optimizers.Optimizer) *FitnessReporter {
	r := &FitnessReporter{
		optimizer:   optimizer,
		start:       time.Now(),
		bestFitness: math.Inf(-1),
	}
	r.id = optimizer.AddFitnessCalculationHandler(r.handle)
	return r
}

func (r *FitnessReporter) handle(point []float64, fitness float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations++
	if math.IsInf(fitness, -1) {
		r.impossible++
		return
	}
	if fitness > r.bestFitness || r.bestPoint == nil {
		r.bestFitness = fitness
		r.bestPoint = slices.Clone(point)
	}
}

// Detach unregisters the reporter from the optimizer.
func (r *FitnessReporter) Detach() {
	r.optimizer.RemoveFitnessCalculationHandler(r.id)
}

// Evaluations returns the number of evaluations seen so far.
func (r *FitnessReporter) Evaluations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evaluations
}

// Best returns the best fitness and point seen so far. The point is nil if no evaluation was possible.
func (r *FitnessReporter) Best() (fitness float64, point []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bestFitness, slices.Clone(r.bestPoint)
}

// Table renders the summary of the evaluations.
func (r *FitnessReporter) Table() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := newTable().Headers("Optimization", "")
	table.Row("Evaluations", humanize.Comma(int64(r.evaluations)))
	table.Row("Impossible points", humanize.Comma(int64(r.impossible)))
	table.Row("Best fitness", humanize.FormatFloat("#,###.######", r.bestFitness))
	table.Row("Best point", fmt.Sprintf("%.4g", r.bestPoint))
	table.Row("Elapsed", FormatDuration(time.Since(r.start)))
	return table.String()
}

// Print writes the Table to w.
func (r *FitnessReporter) Print(w io.Writer) {
	_, _ = fmt.Fprintln(w, r.Table())
}

// newTable returns a lipgloss table with the package style: the first column is right aligned.
func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return rightAlignedStyle
			default:
				return normalStyle
			}
		})
}
