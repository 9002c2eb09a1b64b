// Package spc keeps a rolling window of readings per connection and turns
// each new reading into subgroup statistics, 3-sigma control limits and
// rule violations.
package spc

import "sync"

const (
	SubgroupSize = 5
	MaxSubgroups = 25
	WindowSize   = SubgroupSize * MaxSubgroups
)

// Result is the outcome of feeding one value. Mean, Range, UCL and LCL are
// nil until the window holds at least SubgroupSize values.
type Result struct {
	SubgroupIndex  int64
	Mean           *float64
	StdDev         *float64
	Range          *float64
	UCL            *float64
	LCL            *float64
	IsOutOfControl bool
	IsOutOfSpec    bool
	ViolatedRules  []int
}

type window struct {
	mu        sync.Mutex
	buf       *ring
	fed       int64
	subgroups int64
}

// Engine is an arena of fixed-capacity windows keyed by connection id.
type Engine struct {
	mu      sync.Mutex
	windows map[string]*window
	size    int
}

func NewEngine() *Engine {
	return &Engine{windows: map[string]*window{}, size: WindowSize}
}

// Update appends value to the connection's window and evaluates the rules
// against the window including that value.
func (e *Engine) Update(connectionID string, value float64) Result {
	w := e.window(connectionID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.push(value)
	w.fed++
	if w.fed%SubgroupSize == 0 {
		w.subgroups++
	}
	result := Result{SubgroupIndex: w.subgroups, ViolatedRules: []int{}}
	if w.buf.len() < SubgroupSize {
		return result
	}

	values := w.buf.appendTo(make([]float64, 0, w.buf.len()))
	mean := Mean(values)
	sigma := StdDev(values, true)
	ucl := mean + sigmaMultiplier*sigma
	lcl := mean - sigmaMultiplier*sigma
	rng := Range(values[len(values)-SubgroupSize:])
	result.Mean = &mean
	result.StdDev = &sigma
	result.Range = &rng
	result.UCL = &ucl
	result.LCL = &lcl

	if beyondLimits(value, ucl, lcl) {
		result.IsOutOfControl = true
		result.ViolatedRules = append(result.ViolatedRules, RuleBeyondLimits)
	}
	if sustainedShift(values, mean) {
		result.ViolatedRules = append(result.ViolatedRules, RuleShift)
	}
	if monotonicTrend(values) {
		result.ViolatedRules = append(result.ViolatedRules, RuleTrend)
	}
	return result
}

// Reset drops the window for connectionID.
func (e *Engine) Reset(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.windows, connectionID)
}

// Len returns the number of buffered values for connectionID.
func (e *Engine) Len(connectionID string) int {
	e.mu.Lock()
	w, ok := e.windows[connectionID]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.len()
}

func (e *Engine) window(connectionID string) *window {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[connectionID]
	if !ok {
		w = &window{buf: newRing(e.size)}
		e.windows[connectionID] = w
	}
	return w
}
