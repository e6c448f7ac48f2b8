package clock

import (
	"math"
	"testing"
)

func TestNewRejectsNonPositive(t *testing.T) {
	tests := []struct {
		name     string
		timestep float64
		duration float64
	}{
		{"zero timestep", 0, 100},
		{"negative timestep", -1, 100},
		{"zero duration", 1, 0},
		{"negative duration", 1, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.timestep, tt.duration); err == nil {
				t.Errorf("New(%g, %g) expected error", tt.timestep, tt.duration)
			}
		})
	}
}

func TestClockConsistencyOverTrial(t *testing.T) {
	const dt = 0.1
	c, err := New(dt, 10000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ticks := int64(0)
	for c.Running() {
		want := float64(c.Tick()) * dt
		if math.Abs(c.T()-want) > 1e-9 {
			t.Fatalf("tick %d: T() = %v, want %v", c.Tick(), c.T(), want)
		}
		c.Advance()
		ticks++
	}

	if ticks != 100000 {
		t.Errorf("ran %d ticks, want 100000", ticks)
	}
	if ticks != c.TotalTicks() {
		t.Errorf("TotalTicks() = %d, loop ran %d", c.TotalTicks(), ticks)
	}
	if c.T() < c.durationMs {
		t.Errorf("loop ended with T() = %v < duration", c.T())
	}
}

func TestProgress(t *testing.T) {
	c, _ := New(1, 5000)
	for i := 0; i < 1000; i++ {
		c.Advance()
	}
	if got := c.Progress(); math.Abs(got-20) > 1e-12 {
		t.Errorf("Progress() = %v, want 20", got)
	}
}

func TestTotalTicks(t *testing.T) {
	tests := []struct {
		timestep, duration float64
		want               int64
	}{
		{1, 5000, 5000},
		{0.1, 0.3, 3},
		{0.5, 1.2, 3},
		{2, 1, 1},
	}
	for _, tt := range tests {
		c, _ := New(tt.timestep, tt.duration)
		if got := c.TotalTicks(); got != tt.want {
			t.Errorf("TotalTicks(dt=%g, d=%g) = %d, want %d", tt.timestep, tt.duration, got, tt.want)
		}
	}
}
