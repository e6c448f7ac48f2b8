// Package monitor keeps a smoothed estimate of population activity for
// progress reporting. Nothing in a trial branches on it.
package monitor

import "fmt"

// ActivityMonitor is an exponential moving average of per-tick spike counts.
type ActivityMonitor struct {
	alpha      float64
	population int
	timestepMs float64
	avg        float64
}

// New returns a monitor with a zero average.
func New(alpha float64, population int, timestepMs float64) (*ActivityMonitor, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1], got %g", alpha)
	}
	if population <= 0 {
		return nil, fmt.Errorf("population must be positive, got %d", population)
	}
	if timestepMs <= 0 {
		return nil, fmt.Errorf("timestep must be positive, got %g", timestepMs)
	}
	return &ActivityMonitor{alpha: alpha, population: population, timestepMs: timestepMs}, nil
}

// Update folds one tick's spike count into the average:
// avg = alpha*count + (1-alpha)*avg.
func (m *ActivityMonitor) Update(count int) {
	// Written as an increment so a constant input never overshoots.
	m.avg += m.alpha * (float64(count) - m.avg)
}

// Average returns the smoothed spikes per tick.
func (m *ActivityMonitor) Average() float64 {
	return m.avg
}

// RateHz converts the average into a per-neuron firing rate in Hz.
func (m *ActivityMonitor) RateHz() float64 {
	return m.avg / float64(m.population) / (m.timestepMs / 1000.0)
}
