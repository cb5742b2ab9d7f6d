// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"k8s.io/klog/v2"
)

// SearchProblem is a bounded minimization problem for a SearchAlgorithm.
type SearchProblem struct {
	// Func to minimize. Impossible points evaluate to math.Inf(1).
	Func func(x []float64) float64

	// Start point, within the bounds.
	Start []float64

	// StartValue is Func(Start), already evaluated by the caller.
	StartValue float64

	// Lower and Upper bounds of each dimension, with Lower[i] < Upper[i]. They can be infinite.
	Lower, Upper []float64

	// InitialRadius and StoppingRadius of the search region.
	InitialRadius, StoppingRadius float64

	// MaxEvaluations of Func, not counting the evaluation of StartValue. If it is not positive, the start is
	// returned.
	MaxEvaluations int
}

// SearchAlgorithm is a derivative-free minimization method used by NonGradientOptimizer.
type SearchAlgorithm interface {
	// Minimize returns the best point found and its value.
	Minimize(problem SearchProblem) (best []float64, value float64, err error)
}

// NumInterpolationPoints is the number of points the TrustRegion quadratic model interpolates, for a problem
// of the given dimensions.
func NumInterpolationPoints(dims int) int { return 2*dims + 1 }

// TrustRegion is a derivative-free trust-region method: it keeps a quadratic model of the function (gradient
// and diagonal curvature) interpolating NumInterpolationPoints points around the best point found, and
// minimizes the model within a radius that grows on good steps and shrinks on bad ones.
//
// The search stops when the radius shrinks below SearchProblem.StoppingRadius, or when the evaluations are
// exhausted.
type TrustRegion struct{}

var _ SearchAlgorithm = TrustRegion{}

// Minimize implements SearchAlgorithm.
func (TrustRegion) Minimize(problem SearchProblem) ([]float64, float64, error) {
	n := len(problem.Start)
	s := &trustRegionSearch{
		problem: problem,
		n:       n,
		points:  make([][]float64, NumInterpolationPoints(n)),
		values:  make([]float64, NumInterpolationPoints(n)),
		radius:  problem.InitialRadius,
	}
	start := slices.Clone(problem.Start)
	if math.IsInf(problem.StartValue, 1) || math.IsNaN(problem.StartValue) {
		return nil, 0, errors.New("trust region: impossible starting point")
	}
	if !s.interpolate(start, problem.StartValue) {
		return s.best()
	}
	for s.radius >= problem.StoppingRadius && s.hasBudget() {
		s.iterate()
	}
	klog.V(2).Infof("trust region: stopped with radius %g after %d evaluations", s.radius, s.evaluations)
	return s.best()
}

// trustRegionSearch is the state of a TrustRegion minimization.
type trustRegionSearch struct {
	problem     SearchProblem
	n           int
	points      [][]float64
	values      []float64
	center      int // Index of the best point.
	radius      float64
	evaluations int
}

func (s *trustRegionSearch) hasBudget() bool {
	return s.evaluations < s.problem.MaxEvaluations
}

func (s *trustRegionSearch) eval(x []float64) float64 {
	s.evaluations++
	value := s.problem.Func(x)
	if math.IsNaN(value) {
		return math.Inf(1)
	}
	return value
}

func (s *trustRegionSearch) best() ([]float64, float64, error) {
	return slices.Clone(s.points[s.center]), s.values[s.center], nil
}

// offsets returns two distinct non-zero displacements along dimension i, within the bounds.
func (s *trustRegionSearch) offsets(x []float64, i int) (float64, float64) {
	up, down := s.problem.Upper[i]-x[i], x[i]-s.problem.Lower[i]
	r := s.radius
	if up >= r && down >= r {
		return r, -r
	}
	if up >= down {
		r = min(r, up)
		return r, r / 2
	}
	r = min(r, down)
	return -r, -r / 2
}

// interpolate resets the interpolation points to the center x and two points along each dimension at the
// current radius. It returns false if the evaluations ran out, or a possible point could not be found.
func (s *trustRegionSearch) interpolate(x []float64, value float64) bool {
	s.points[0], s.values[0], s.center = x, value, 0
	for i := range s.n {
		a, b := s.offsets(x, i)
		for j, offset := range []float64{a, b} {
			var point []float64
			pointValue := math.Inf(1)
			// Move closer to the center until the point is possible.
			for range 30 {
				if !s.hasBudget() {
					return false
				}
				point = slices.Clone(x)
				point[i] += offset
				pointValue = s.eval(point)
				if !math.IsInf(pointValue, 1) {
					break
				}
				offset /= 3
			}
			if math.IsInf(pointValue, 1) {
				return false
			}
			idx := 1 + 2*i + j
			s.points[idx], s.values[idx] = point, pointValue
			if pointValue < s.values[s.center] {
				s.center = idx
			}
		}
	}
	return true
}

// fit returns the gradient and the diagonal of the Hessian at the center of the quadratic interpolating all
// points. ok is false if the points don't determine the model.
func (s *trustRegionSearch) fit() (gradient, curvature []float64, ok bool) {
	numPoints := len(s.points)
	a := mat.NewDense(numPoints, numPoints, nil)
	b := mat.NewVecDense(numPoints, slices.Clone(s.values))
	center := s.points[s.center]
	for row, point := range s.points {
		a.Set(row, 0, 1)
		for i := range s.n {
			d := point[i] - center[i]
			a.Set(row, 1+i, d)
			a.Set(row, 1+s.n+i, d*d/2)
		}
	}
	var coefficients mat.VecDense
	if err := coefficients.SolveVec(a, b); err != nil {
		klog.V(3).Infof("trust region: interpolation failed: %v", err)
		return nil, nil, false
	}
	raw := coefficients.RawVector().Data
	gradient, curvature = slices.Clone(raw[1:1+s.n]), slices.Clone(raw[1+s.n:])
	for i := range s.n {
		if math.IsNaN(gradient[i]) || math.IsInf(gradient[i], 0) || math.IsNaN(curvature[i]) || math.IsInf(curvature[i], 0) {
			return nil, nil, false
		}
	}
	return gradient, curvature, true
}

// maxDistance from the center to any interpolation point.
func (s *trustRegionSearch) maxDistance() float64 {
	var distance float64
	for _, point := range s.points {
		distance = max(distance, floats.Distance(point, s.points[s.center], 2))
	}
	return distance
}

// farthest returns the index of the interpolation point farthest from x, other than the center.
func (s *trustRegionSearch) farthest(x []float64) int {
	idx, distance := -1, -1.0
	for ii, point := range s.points {
		if ii == s.center {
			continue
		}
		if d := floats.Distance(point, x, 2); d > distance {
			idx, distance = ii, d
		}
	}
	return idx
}

// iterate takes one trust-region step.
func (s *trustRegionSearch) iterate() {
	center := s.points[s.center]
	gradient, curvature, ok := s.fit()
	if !ok {
		s.shrink()
		return
	}
	step := trustRegionStep(gradient, curvature, s.radius)
	for i := range step {
		step[i] = math.Max(s.problem.Lower[i], math.Min(s.problem.Upper[i], center[i]+step[i])) - center[i]
	}
	predicted := -floats.Dot(gradient, step)
	for i, d := range step {
		predicted -= curvature[i] * d * d / 2
	}
	if !(predicted > 0) || floats.Norm(step, 2) < s.problem.StoppingRadius/10 {
		s.shrink()
		return
	}

	candidate := floats.AddTo(make([]float64, s.n), center, step)
	value := s.eval(candidate)
	ratio := (s.values[s.center] - value) / predicted
	if !math.IsInf(value, 1) {
		improved := value < s.values[s.center]
		newCenter := center
		if improved {
			newCenter = candidate
		}
		idx := s.farthest(newCenter)
		s.points[idx], s.values[idx] = candidate, value
		if improved {
			s.center = idx
		}
	}
	switch {
	case ratio < 0.1 || math.IsNaN(ratio):
		s.shrink()
	case ratio > 0.7 && floats.Norm(step, 2) > 0.9*s.radius:
		s.radius = min(2*s.radius, s.problem.InitialRadius)
	}
}

// shrink halves the radius, and rebuilds the interpolation points around the center if they are too far
// to model the function within the new radius.
func (s *trustRegionSearch) shrink() {
	s.radius /= 2
	if s.radius < s.problem.StoppingRadius || !s.hasBudget() {
		return
	}
	if s.maxDistance() > 2*s.radius {
		if !s.interpolate(s.points[s.center], s.values[s.center]) {
			s.radius = 0
		}
	}
}

// trustRegionStep minimizes g·d + ½ Σ h_i d_i² subject to |d| <= radius, with d_i = -g_i / (h_i + λ) for the
// smallest λ >= 0 that makes the model convex along every dimension and the step fit the radius.
func trustRegionStep(gradient, curvature []float64, radius float64) []float64 {
	n := len(gradient)
	step := make([]float64, n)
	gradientNorm := floats.Norm(gradient, 2)
	lowest := floats.Min(curvature)
	if gradientNorm == 0 {
		if lowest < 0 {
			step[floats.MinIdx(curvature)] = radius
		}
		return step
	}
	stepAt := func(lambda float64) float64 {
		for i, g := range gradient {
			denominator := curvature[i] + lambda
			if denominator <= 0 {
				step[i] = math.Copysign(math.Inf(1), -g)
				if g == 0 {
					step[i] = 0
				}
				continue
			}
			step[i] = -g / denominator
		}
		return floats.Norm(step, 2)
	}
	lo := math.Max(0, -lowest)
	if lowest > 0 && stepAt(0) <= radius {
		return step
	}
	hi := lo + gradientNorm/radius + floats.Max(curvature) - lowest
	for range 100 {
		mid := (lo + hi) / 2
		if stepAt(mid) > radius {
			lo = mid
		} else {
			hi = mid
		}
	}
	stepAt(hi)
	return step
}

// NelderMead is a SearchAlgorithm using gonum's Nelder-Mead simplex method, with an initial simplex of size
// SearchProblem.InitialRadius. Points out of bounds evaluate to math.Inf(1).
type NelderMead struct{}

var _ SearchAlgorithm = NelderMead{}

// Minimize implements SearchAlgorithm.
func (NelderMead) Minimize(problem SearchProblem) ([]float64, float64, error) {
	size := problem.InitialRadius
	for i, x := range problem.Start {
		size = min(size, max(problem.Upper[i]-x, x-problem.Lower[i]))
	}
	bounded := func(x []float64) float64 {
		for i, v := range x {
			if v < problem.Lower[i] || v > problem.Upper[i] {
				return math.Inf(1)
			}
		}
		return problem.Func(x)
	}
	if math.IsInf(problem.StartValue, 1) || math.IsNaN(problem.StartValue) {
		return nil, 0, errors.New("nelder-mead: impossible starting point")
	}
	if problem.MaxEvaluations <= 0 {
		return slices.Clone(problem.Start), problem.StartValue, nil
	}
	settings := &optimize.Settings{
		FuncEvaluations: problem.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   problem.StoppingRadius,
			Iterations: 100,
		},
		InitValues: &optimize.Location{F: problem.StartValue},
	}
	result, err := optimize.Minimize(optimize.Problem{Func: bounded}, problem.Start, settings,
		&optimize.NelderMead{SimplexSize: size})
	if result == nil || result.X == nil || !(result.F <= problem.StartValue) {
		// The budget ran out before the simplex found anything better than the start.
		if err != nil {
			klog.V(1).Infof("optimizers: Nelder-Mead stopped without improving the start: %v", err)
		}
		return slices.Clone(problem.Start), problem.StartValue, nil
	}
	if err != nil {
		klog.Warningf("optimizers: Nelder-Mead stopped with status %s: %v, using best point found", result.Status, err)
	}
	return result.X, result.F, nil
}
