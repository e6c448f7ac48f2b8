package driver

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a trial. Transitions only move
// forward, one step at a time; Aborted is reachable from any state.
type State int

const (
	Uninitialized State = iota
	Allocated
	Initialized
	SparseReady
	Running
	Finished
	Aborted
)

var stateNames = [...]string{
	Uninitialized: "uninitialized",
	Allocated:     "allocated",
	Initialized:   "initialized",
	SparseReady:   "sparse_ready",
	Running:       "running",
	Finished:      "finished",
	Aborted:       "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

var (
	// ErrInvalidTransition is returned when a lifecycle call is made out of order.
	ErrInvalidTransition = errors.New("invalid trial state transition")

	// ErrOutput wraps spike log and weight snapshot I/O failures.
	ErrOutput = errors.New("trial output failed")
)

// advance moves from `from` to `to`, failing if the trial is elsewhere.
func (d *Driver) advance(from, to State) error {
	if d.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, d.state)
	}
	d.state = to
	d.events.Emit("state", map[string]any{"from": from.String(), "to": to.String()})
	d.logger.Debug("state transition", "from", from, "to", to)
	return nil
}

// abort records err and moves to Aborted.
func (d *Driver) abort(err error) error {
	prev := d.state
	d.state = Aborted
	d.events.Emit("abort", map[string]any{"from": prev.String(), "error": err.Error()})
	d.logger.Error("trial aborted", "state", prev, "error", err)
	return err
}
