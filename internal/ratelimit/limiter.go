// Package ratelimit throttles MCP tool calls with one token bucket per tool.
package ratelimit

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned by Tools.Check when a tool's bucket is empty.
var ErrLimited = errors.New("rate limit exceeded")

// Limiter wraps a rate.Limiter with a replaceable clock. It is safe for
// concurrent use.
type Limiter struct {
	lim *rate.Limiter
	now func() time.Time
}

// NewLimiter returns a limiter refilling perMinute tokens a minute up to
// burst. It starts with a full bucket. A non-positive perMinute never
// refills.
func NewLimiter(perMinute float64, burst int) *Limiter {
	limit := rate.Limit(0)
	if perMinute > 0 {
		limit = rate.Every(time.Duration(float64(time.Minute) / perMinute))
	}
	return &Limiter{
		lim: rate.NewLimiter(limit, burst),
		now: time.Now,
	}
}

// Allow takes one token, reporting false when none is left.
func (l *Limiter) Allow() bool {
	return l.lim.AllowN(l.now(), 1)
}

// Tools maps tool names to their limiters.
type Tools map[string]*Limiter

// DefaultTools returns the limits applied to the trial tools.
func DefaultTools() Tools {
	return Tools{
		"trial_list":      NewLimiter(120, 20),
		"trial_show":      NewLimiter(120, 20),
		"weights_summary": NewLimiter(30, 10),
	}
}

// Check takes a token for tool. Tools without a limiter are never limited.
func (t Tools) Check(tool string) error {
	l, ok := t[tool]
	if !ok {
		return nil
	}
	if !l.Allow() {
		return fmt.Errorf("%w for %s, try again shortly", ErrLimited, tool)
	}
	return nil
}
