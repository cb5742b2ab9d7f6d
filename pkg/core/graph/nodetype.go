// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "fmt"

// NodeType is the closed set of operations a Node can represent.
//
// Each deterministic type has an entry in OpRegistration (evaluation and derivative rules), and each
// probabilistic type has an entry in DistributionRegistration.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota

	// Deterministic operations.
	NodeTypeConstant
	NodeTypeAdd
	NodeTypeSub
	NodeTypeMul
	NodeTypeDiv
	NodeTypeNeg
	NodeTypeExp
	NodeTypeLog
	NodeTypeSigmoid
	NodeTypeSquare
	NodeTypePow
	NodeTypeMatMul
	NodeTypeTranspose
	NodeTypeReduceSum
	NodeTypeApply
	NodeTypeLessThanOrEqualMask
	NodeTypeGreaterThanOrEqualMask

	// Probabilistic nodes (random variables).
	NodeTypeGaussian
	NodeTypeUniform
	NodeTypeExponential
	NodeTypeGamma
	NodeTypeMultivariateGaussian

	nodeTypeLast
)

var nodeTypeNames = [...]string{
	NodeTypeInvalid:     "Invalid",
	NodeTypeConstant:    "Constant",
	NodeTypeAdd:         "Add",
	NodeTypeSub:         "Sub",
	NodeTypeMul:         "Mul",
	NodeTypeDiv:         "Div",
	NodeTypeNeg:         "Neg",
	NodeTypeExp:         "Exp",
	NodeTypeLog:         "Log",
	NodeTypeSigmoid:     "Sigmoid",
	NodeTypeSquare:      "Square",
	NodeTypePow:         "Pow",
	NodeTypeMatMul:      "MatMul",
	NodeTypeTranspose:   "Transpose",
	NodeTypeReduceSum:   "ReduceSum",
	NodeTypeApply:       "Apply",

	NodeTypeLessThanOrEqualMask:    "LessThanOrEqualMask",
	NodeTypeGreaterThanOrEqualMask: "GreaterThanOrEqualMask",

	NodeTypeGaussian:             "Gaussian",
	NodeTypeUniform:              "Uniform",
	NodeTypeExponential:          "Exponential",
	NodeTypeGamma:                "Gamma",
	NodeTypeMultivariateGaussian: "MultivariateGaussian",
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	if t < 0 || t >= nodeTypeLast {
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
	return nodeTypeNames[t]
}

// IsProbabilistic returns whether nodes of this type are random variables.
func (t NodeType) IsProbabilistic() bool {
	return t >= NodeTypeGaussian && t < nodeTypeLast
}
