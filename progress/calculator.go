// Package progress maps the multi-stage job lifecycle onto a single
// monotonic 0-100 percentage and drives the poll loop that follows an
// external generation job to completion.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/justapithecus/spriteforge/types"
)

// maxSamples bounds the rate-estimation history.
const maxSamples = 10

// generationFloor and generationSpan define the output band reserved
// for the external-generation stage: provider progress 0-100 maps
// linearly onto 10-90.
const (
	generationFloor = 10
	generationSpan  = 0.8
)

type sample struct {
	progress   int
	observedAt time.Time
}

// Calculator folds per-stage progress into one non-decreasing overall
// percentage for a single job. Provider progress is allowed to regress
// or plateau; the output never does. Safe for concurrent use.
type Calculator struct {
	mu      sync.Mutex
	last    int
	history []sample
	clock   func() time.Time
}

// NewCalculator creates a calculator starting at zero.
func NewCalculator() *Calculator {
	return &Calculator{clock: time.Now}
}

// Calculate maps (stage, providerProgress) to the overall percentage.
// The result is the maximum of the stage mapping and every previous
// result, so a provider regression or a repeated earlier stage never
// moves the output backwards. providerProgress is only consulted for
// the external-generation stage.
func (c *Calculator) Calculate(stage types.Stage, providerProgress int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw := c.last
	switch stage {
	case types.StageDedup:
		raw = 0
	case types.StageQueued:
		raw = 5
	case types.StageGeneration:
		raw = generationFloor + int(math.Round(float64(clamp(providerProgress, 0, 100))*generationSpan))
	case types.StageCaching:
		raw = 90
	case types.StageCompleted:
		raw = 100
	}

	if raw < c.last {
		raw = c.last
	}
	c.last = raw

	c.history = append(c.history, sample{progress: raw, observedAt: c.clock()})
	if len(c.history) > maxSamples {
		c.history = c.history[len(c.history)-maxSamples:]
	}
	return raw
}

// EstimateRemainingMs projects the time to reach 100% from the observed
// progress rate. Returns nil when no estimate is possible: fewer than
// two samples, a non-positive rate (stuck or regressed window), or the
// job already at 100%.
func (c *Calculator) EstimateRemainingMs(current int) *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) < 2 || current >= 100 {
		return nil
	}
	first := c.history[0]
	last := c.history[len(c.history)-1]

	elapsed := last.observedAt.Sub(first.observedAt)
	gained := last.progress - first.progress
	if elapsed <= 0 || gained <= 0 {
		return nil
	}

	rate := float64(gained) / float64(elapsed.Milliseconds())
	if rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
		return nil
	}
	remaining := int64(math.Round(float64(100-current) / rate))
	return &remaining
}

// Reset clears the retained value and the sample history, returning the
// calculator to its initial state for reuse.
func (c *Calculator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = 0
	c.history = nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
