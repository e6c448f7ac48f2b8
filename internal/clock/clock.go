// Package clock tracks simulated time for a single trial.
package clock

import "fmt"

// Clock counts ticks of a fixed timestep. Elapsed time is always derived
// from the tick counter, so T() == Tick()*timestep holds exactly and never
// accumulates rounding drift over long trials.
type Clock struct {
	timestepMs float64
	durationMs float64
	tick       int64
}

// New returns a clock at t = 0 for a trial of durationMs.
func New(timestepMs, durationMs float64) (*Clock, error) {
	if timestepMs <= 0 {
		return nil, fmt.Errorf("timestep must be positive, got %g", timestepMs)
	}
	if durationMs <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %g", durationMs)
	}
	return &Clock{timestepMs: timestepMs, durationMs: durationMs}, nil
}

// T returns the elapsed simulated time in milliseconds.
func (c *Clock) T() float64 {
	return float64(c.tick) * c.timestepMs
}

// Tick returns the number of completed timesteps.
func (c *Clock) Tick() int64 {
	return c.tick
}

// Running reports whether the trial still has time left.
func (c *Clock) Running() bool {
	return c.T() < c.durationMs
}

// Advance moves the clock forward by one timestep.
func (c *Clock) Advance() {
	c.tick++
}

// Progress returns the completed fraction of the trial as a percentage.
func (c *Clock) Progress() float64 {
	return c.T() / c.durationMs * 100.0
}

// TotalTicks returns how many ticks a full trial takes.
func (c *Clock) TotalTicks() int64 {
	// Start just below the estimate and finish with the same comparison
	// Running uses, so fractional durations agree with the loop.
	end := Clock{timestepMs: c.timestepMs, durationMs: c.durationMs}
	end.tick = max(int64(c.durationMs/c.timestepMs)-1, 0)
	for end.Running() {
		end.tick++
	}
	return end.tick
}
