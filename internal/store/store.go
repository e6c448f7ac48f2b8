// Package store persists the trial registry: one row per trial run with its
// configuration, outcome and artifact paths, plus the phase timings and
// progress samples recorded while it ran.
package store

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a registered trial.
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

var (
	// ErrNotFound is returned when no trial matches an ID or prefix.
	ErrNotFound = errors.New("trial not found")

	// ErrAmbiguous is returned when an ID prefix matches more than one trial.
	ErrAmbiguous = errors.New("trial id prefix is ambiguous")
)

// Trial is one registered run.
type Trial struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Mode       string     `json:"mode"`
	Plastic    bool       `json:"plastic"`
	DurationMs float64    `json:"duration_ms"`
	TimestepMs float64    `json:"timestep_ms"`
	Config     string     `json:"config,omitempty"` // YAML as run
	OutputDir  string     `json:"output_dir"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`

	Outcome

	Phases   []Phase          `json:"phases,omitempty"`
	Progress []ProgressSample `json:"progress,omitempty"`
}

// Outcome is what a finished trial produced.
type Outcome struct {
	Ticks            int64   `json:"ticks"`
	SpikesRecorded   int64   `json:"spikes_recorded"`
	FinalRateHz      float64 `json:"final_rate_hz"`
	SpikeLog         string  `json:"spike_log,omitempty"`
	SnapshotDir      string  `json:"snapshot_dir,omitempty"`
	SnapshotChecksum string  `json:"snapshot_checksum,omitempty"`
	Synapses         int     `json:"synapses,omitempty"`
}

// PhaseKind separates driver phases from kernel-reported timings.
type PhaseKind string

const (
	PhaseTrial  PhaseKind = "trial"
	PhaseKernel PhaseKind = "kernel"
)

// Phase is a named wall-clock duration.
type Phase struct {
	Kind    PhaseKind     `json:"kind"`
	Name    string        `json:"name"`
	Elapsed time.Duration `json:"elapsed"`
}

// ProgressSample is one periodic progress report.
type ProgressSample struct {
	Tick    int64   `json:"tick"`
	TimeMs  float64 `json:"t_ms"`
	Percent float64 `json:"percent"`
	RateHz  float64 `json:"rate_hz"`
}

// ListOptions filters List results.
type ListOptions struct {
	Status Status
	Limit  int
}
