// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package samples

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

// ColumnNames returns the names of the columns of the variable in ToDataFrame: the variable name for
// scalars, or the name followed by the element indices (e.g. "w[1,0]") otherwise.
func (vs *VariableSamples) ColumnNames() []string {
	if vs.shape.IsScalar() {
		return []string{vs.name}
	}
	names := make([]string, 0, vs.shape.Size())
	for _, indices := range vs.shape.Iter() {
		parts := make([]string, len(indices))
		for ii, idx := range indices {
			parts[ii] = fmt.Sprint(idx)
		}
		names = append(names, fmt.Sprintf("%s[%s]", vs.name, strings.Join(parts, ",")))
	}
	return names
}

// ToDataFrame returns the samples as a dataframe with one row per sample and one float column per element
// of each variable.
func (ns *NetworkSamples) ToDataFrame() dataframe.DataFrame {
	var columns []series.Series
	for _, vs := range ns.variables {
		names := vs.ColumnNames()
		for elem, values := range vs.elementSeries() {
			columns = append(columns, series.New(values, series.Float, names[elem]))
		}
	}
	return dataframe.New(columns...)
}

// WriteCSV writes the samples as CSV, with a header line with the column names of ToDataFrame.
func (ns *NetworkSamples) WriteCSV(w io.Writer) error {
	df := ns.ToDataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to convert samples to a dataframe")
	}
	if err := df.WriteCSV(w); err != nil {
		return errors.Wrap(err, "failed to write samples as CSV")
	}
	return nil
}
