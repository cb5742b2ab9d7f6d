// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"strings"
)

// TensorStringDefaultPrecision used by Tensor.String.
const TensorStringDefaultPrecision = 4

// String converts to string, using t.Summary(TensorStringDefaultPrecision).
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Summary(TensorStringDefaultPrecision)
}

// Summary returns a multi-line summary of the Tensor's content, eliding the middle of long rows.
func (t *Tensor) Summary(precision int) string {
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	wValue := func(v float64) { w("%.*g", precision, v) }

	dims := t.shape.Dimensions
	for _, dim := range dims {
		w("[%d]", dim)
	}
	w("float64")
	if len(dims) == 0 {
		w("(")
		wValue(t.flat[0])
		w(")")
		return buf.String()
	}

	var printElements func(index, indent int, currentShape []int)
	printElements = func(index, indent int, currentShape []int) {
		if len(currentShape) == 1 {
			w("{")
			if currentShape[0] > 6 {
				for i := 0; i < 3; i++ {
					if i > 0 {
						w(", ")
					}
					wValue(t.flat[index+i])
				}
				w(", ..., ")
				for i := currentShape[0] - 3; i < currentShape[0]; i++ {
					if i > currentShape[0]-3 {
						w(", ")
					}
					wValue(t.flat[index+i])
				}
			} else {
				for i := 0; i < currentShape[0]; i++ {
					if i > 0 {
						w(", ")
					}
					wValue(t.flat[index+i])
				}
			}
			w("}")
			return
		}

		stride := 1
		for _, dim := range currentShape[1:] {
			stride *= dim
		}
		w("{")
		if indent == -1 {
			if currentShape[0] > 1 {
				// Break the line before outputting data if we are using more than one row.
				w("\n ")
			}
			indent = 1
		}
		indentStr := strings.Repeat(" ", indent)
		numRows := currentShape[0]
		for ii := 0; ii < numRows; ii++ {
			if numRows > 6 && ii == 3 {
				w(",\n%s...", indentStr)
				ii = numRows - 3
			}
			if ii > 0 {
				w(",\n%s", indentStr)
			}
			printElements(index+ii*stride, indent+1, currentShape[1:])
		}
		w("}")
	}
	printElements(0, -1, dims)
	return buf.String()
}
