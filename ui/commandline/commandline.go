// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar for the
// samplers, a reporter of the optimizers' evaluations, tables of the posterior samples, and parsing of settings.
package commandline

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/infer/pkg/core/tensors"
	"github.com/gomlx/infer/pkg/ml/samples"
)

// SamplesTable renders one row per element of each variable of the samples, with its mean, variance and
// lag-1 autocorrelation.
func SamplesTable(ns *samples.NetworkSamples) string {
	table := newTable().Headers("Variable", "Mean", "Variance", "Autocorrelation(1)")
	for _, vs := range ns.Variables() {
		if vs.Len() == 0 {
			continue
		}
		mean := vs.Mean()
		var variance *tensors.Tensor
		if vs.Len() > 1 {
			variance = vs.Variance()
		}
		for _, indices := range vs.Shape().Iter() {
			name := vs.Name()
			if len(indices) > 0 {
				name = fmt.Sprintf("%s%v", name, indices)
			}
			varianceStr, acfStr := "-", "-"
			if variance != nil {
				varianceStr = fmt.Sprintf("%.4f", variance.At(indices...))
				acfStr = fmt.Sprintf("%.3f", vs.AutocorrelationAtLag(1, indices...))
			}
			table.Row(name, fmt.Sprintf("%.4f", mean.At(indices...)), varianceStr, acfStr)
		}
	}
	return table.String()
}

// ReportSamples writes to w the number of samples and the SamplesTable.
func ReportSamples(w io.Writer, ns *samples.NetworkSamples) {
	names := make([]string, 0, len(ns.Variables()))
	for _, vs := range ns.Variables() {
		names = append(names, vs.Name())
	}
	slices.Sort(names)
	_, _ = fmt.Fprintf(w, "%s samples of %q:\n", humanize.Comma(int64(ns.Size())), names)
	_, _ = fmt.Fprintln(w, SamplesTable(ns))
}
