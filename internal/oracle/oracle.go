// Package oracle provides index value feeds for swap books. A book snapshots
// the feed at creation and reads it again at settlement; between rounds the
// feed is free to move however it likes.
package oracle

import (
	"math/rand"
	"sync"

	"varswap/internal/fixedpoint"
)

// Static is a manually driven feed. It reports a fixed value until Set is
// called, which makes it useful for tests and for books settled by hand.
type Static struct {
	mu    sync.RWMutex
	name  string
	value fixedpoint.Value
}

// NewStatic creates a static feed starting at the given value.
func NewStatic(name string, value fixedpoint.Value) *Static {
	return &Static{name: name, value: value}
}

func (o *Static) Name() string {
	return o.name
}

func (o *Static) LatestIndexValue() (fixedpoint.Value, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value, nil
}

// Set replaces the reported value.
func (o *Static) Set(value fixedpoint.Value) {
	o.mu.Lock()
	o.value = value
	o.mu.Unlock()
}

// RandomWalk is a simulated feed that steps up or down by a bounded amount on
// every read. It keeps rounds interesting when no real index is wired in.
type RandomWalk struct {
	mu      sync.Mutex
	name    string
	value   fixedpoint.Value
	maxStep fixedpoint.Value
	floor   fixedpoint.Value
	rng     *rand.Rand
}

// NewRandomWalk creates a walk starting at value, stepping by at most maxStep
// per read and never dropping below floor.
func NewRandomWalk(name string, value, maxStep, floor fixedpoint.Value, seed int64) *RandomWalk {
	return &RandomWalk{
		name:    name,
		value:   value,
		maxStep: maxStep,
		floor:   floor,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (o *RandomWalk) Name() string {
	return o.name
}

func (o *RandomWalk) LatestIndexValue() (fixedpoint.Value, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// Scale the step by a fraction in [-1, 1).
	frac := o.rng.Float64()*2 - 1
	milli := int64(frac * 1000)
	step, err := o.maxStep.MulInt(milli)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	step, err = step.Div(fixedpoint.FromInt(1000))
	if err != nil {
		return fixedpoint.Value{}, err
	}

	next, err := o.value.Add(step)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	if next.Cmp(o.floor) < 0 {
		next = o.floor
	}
	o.value = next
	return o.value, nil
}
