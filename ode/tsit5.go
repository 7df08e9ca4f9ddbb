// Package ode implements fixed-step Runge-Kutta integration of ordinary
// differential equations as computation graphs.
//
// The solver only consumes a drift function dy/dt = f(t, y); it knows nothing
// about diffusion models, so it can integrate any graph-expressible ODE.
package ode

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// DriftFn computes the time derivative dy/dt = f(t, y). t is a scalar node,
// y may be any shape; the result must have y's shape.
type DriftFn func(t, y *Node) *Node

// Butcher tableau of the Tsitouras order 5(4) Runge-Kutta method
// (Tsitouras, "Runge-Kutta pairs of order 5(4) satisfying only the first
// column simplifying assumption", 2011). Only the 5th-order weights are used:
// with a fixed step size the embedded 4th-order error estimate has no consumer.
var (
	tsit5C = [7]float64{
		0,
		0.161,
		0.327,
		0.9,
		0.9800255409045097,
		1,
		1,
	}
	tsit5A = [7][6]float64{
		{},
		{0.161},
		{-0.008480655492356989, 0.335480655492357},
		{2.8971530571054935, -6.359448489975075, 4.3622954328695815},
		{5.325864828439257, -11.748883564062828, 7.4955393428898365, -0.09249506636175525},
		{5.86145544294642, -12.92096931784711, 8.159367898576159, -0.071584973281401, -0.028269050394068383},
		{0.09646076681806523, 0.01, 0.4798896504144996, 1.379008574103742, -3.290069515436081, 2.324710524099774},
	}
	tsit5B = [7]float64{
		0.09646076681806523,
		0.01,
		0.4798896504144996,
		1.379008574103742,
		-3.290069515436081,
		2.324710524099774,
		0,
	}
)

// Tsit5Step advances y from t to t+dt with one step of the Tsitouras order-5
// Runge-Kutta method. t and dt are scalar nodes; dt may be negative to
// integrate backwards in time. Returns the new y, same shape as y.
func Tsit5Step(drift DriftFn, y, t, dt *Node) *Node {
	var stages [7]*Node
	for ii := range stages {
		yi := y
		for jj, aij := range tsit5A[ii][:ii] {
			if aij == 0 {
				continue
			}
			yi = Add(yi, Mul(MulScalar(dt, aij), stages[jj]))
		}
		ti := Add(t, MulScalar(dt, tsit5C[ii]))
		stages[ii] = drift(ti, yi)
	}
	next := y
	for ii, bi := range tsit5B {
		if bi == 0 {
			continue
		}
		next = Add(next, Mul(MulScalar(dt, bi), stages[ii]))
	}
	return next
}

// Integrate advances y from t0 to t1 in fixed steps of magnitude at most dt0,
// building the whole trajectory into a single graph. The final step is
// shortened so the integration lands exactly on t1. Integrating backwards
// (t1 < t0) is allowed. numSteps must be at least 1; it is derived by the
// caller from |t1-t0|/dt0, rounded up.
func Integrate(drift DriftFn, y *Node, t0, t1, dt0 float64, numSteps int) *Node {
	g := y.Graph()
	dtype := y.DType()
	direction := 1.0
	if t1 < t0 {
		direction = -1
	}
	t := t0
	for step := 0; step < numSteps; step++ {
		dt := direction * dt0
		if remaining := t1 - t; direction*(t+dt) > direction*t1 || step == numSteps-1 {
			dt = remaining
		}
		tNode := Scalar(g, dtype, t)
		dtNode := Scalar(g, dtype, dt)
		y = Tsit5Step(drift, y, tNode, dtNode)
		t += dt
	}
	return y
}
