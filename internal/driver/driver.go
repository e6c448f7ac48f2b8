// Package driver runs one trial against a compute kernel: it owns the
// clock, sequences the one-shot setup calls, steps the kernel tick by tick,
// feeds the activity monitor and the spike recorder, and takes the final
// weight snapshot.
//
// A Driver is single-threaded. Tick n+1 never starts before tick n's
// spikes are host-visible and have been consumed.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nvandessel/spiketrial/internal/backend"
	"github.com/nvandessel/spiketrial/internal/clock"
	"github.com/nvandessel/spiketrial/internal/logging"
	"github.com/nvandessel/spiketrial/internal/monitor"
	"github.com/nvandessel/spiketrial/internal/recorder"
	"github.com/nvandessel/spiketrial/internal/snapshot"
)

// Settings are the per-trial values the driver needs. They are fixed for
// the lifetime of a Driver.
type Settings struct {
	DurationMs       float64
	TimestepMs       float64
	WindowMs         float64
	Alpha            float64
	ReportEveryTicks int64

	// Plastic enables the post-trial weight snapshot.
	Plastic bool

	SpikeLogPath string
	SpikeFormat  recorder.Format
	SnapshotDir  string
}

// SpikeRecorder is the part of recorder.Recorder the loop uses.
type SpikeRecorder interface {
	Record(t float64) error
	Close() error
	Events() int64
}

// Progress is one periodic progress sample.
type Progress struct {
	Tick    int64   `json:"tick"`
	TimeMs  float64 `json:"t_ms"`
	Percent float64 `json:"percent"`
	RateHz  float64 `json:"rate_hz"`
}

// PhaseTiming is the wall-clock duration of one trial phase.
type PhaseTiming struct {
	Phase   string        `json:"phase"`
	Elapsed time.Duration `json:"elapsed"`
}

// Observer receives phase timings and progress samples as they happen.
type Observer interface {
	Phase(p PhaseTiming)
	Progress(p Progress)
}

// Result summarises a completed trial.
type Result struct {
	Ticks          int64                    `json:"ticks"`
	PlannedTicks   int64                    `json:"planned_ticks"`
	TimeMs         float64                  `json:"t_ms"`
	RecordedTicks  int64                    `json:"recorded_ticks"`
	SpikesRecorded int64                    `json:"spikes_recorded"`
	AverageSpikes  float64                  `json:"average_spikes"`
	FinalRateHz    float64                  `json:"final_rate_hz"`
	SpikeLog       string                   `json:"spike_log"`
	Snapshot       *snapshot.Manifest       `json:"snapshot,omitempty"`
	SnapshotDir    string                   `json:"snapshot_dir,omitempty"`
	Phases         []PhaseTiming            `json:"phases"`
	KernelTimings  map[string]time.Duration `json:"kernel_timings,omitempty"`
}

// Driver is the single owner of a trial's state.
type Driver struct {
	settings Settings
	kernel   backend.Kernel
	stepper  backend.Stepper
	clock    *clock.Clock
	monitor  *monitor.ActivityMonitor

	state    State
	loopDone bool
	snapped  bool

	logger   *slog.Logger
	events   *logging.EventLog
	observer Observer

	result Result
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithEventLog sets the JSONL event log. A nil log is allowed.
func WithEventLog(el *logging.EventLog) Option {
	return func(d *Driver) { d.events = el }
}

// WithObserver registers an observer for timings and progress.
func WithObserver(o Observer) Option {
	return func(d *Driver) { d.observer = o }
}

// New creates a driver in the Uninitialized state.
func New(s Settings, k backend.Kernel, st backend.Stepper, opts ...Option) (*Driver, error) {
	c, err := clock.New(s.TimestepMs, s.DurationMs)
	if err != nil {
		return nil, err
	}
	m, err := monitor.New(s.Alpha, k.PopulationSize(), s.TimestepMs)
	if err != nil {
		return nil, err
	}
	if s.ReportEveryTicks <= 0 {
		return nil, fmt.Errorf("report cadence must be positive, got %d", s.ReportEveryTicks)
	}
	if s.WindowMs < 0 {
		return nil, fmt.Errorf("recording window must be non-negative, got %g", s.WindowMs)
	}

	d := &Driver{
		settings: s,
		kernel:   k,
		stepper:  st,
		clock:    c,
		monitor:  m,
		logger:   logging.Discard(),
		result:   Result{PlannedTicks: c.TotalTicks()},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// State returns the current lifecycle state.
func (d *Driver) State() State { return d.state }

// Allocate asks the kernel to reserve network memory.
func (d *Driver) Allocate(ctx context.Context) error {
	if err := d.advance(Uninitialized, Allocated); err != nil {
		return err
	}
	err := d.timed("allocate", func() error { return d.kernel.Allocate(ctx) })
	if err != nil {
		return d.abort(fmt.Errorf("%w: %w", backend.ErrAllocation, err))
	}
	return nil
}

// Initialize populates initial neuron and synapse state.
func (d *Driver) Initialize(ctx context.Context) error {
	if err := d.advance(Allocated, Initialized); err != nil {
		return err
	}
	if err := d.timed("initialize", func() error { return d.kernel.Initialize(ctx) }); err != nil {
		return d.abort(fmt.Errorf("initialize: %w", err))
	}
	return nil
}

// InitializeSparse finalizes sparse connectivity on the kernel.
func (d *Driver) InitializeSparse(ctx context.Context) error {
	if err := d.advance(Initialized, SparseReady); err != nil {
		return err
	}
	if err := d.timed("sparse_init", func() error { return d.kernel.InitializeSparse(ctx) }); err != nil {
		return d.abort(fmt.Errorf("sparse init: %w", err))
	}
	return nil
}

// Simulate runs the trial loop until the clock reaches the trial duration.
// Each tick steps the kernel once, updates the activity monitor and, inside
// the trailing window, records the tick's spikes. rec is not closed here.
func (d *Driver) Simulate(ctx context.Context, rec SpikeRecorder) error {
	if err := d.advance(SparseReady, Running); err != nil {
		return err
	}
	d.logger.Info("simulating", "planned_ticks", d.result.PlannedTicks, "timestep_ms", d.settings.TimestepMs)
	err := d.timed("simulate", func() error { return d.loop(ctx, rec) })
	d.result.Ticks = d.clock.Tick()
	d.result.TimeMs = d.clock.T()
	d.result.SpikesRecorded = rec.Events()
	d.result.AverageSpikes = d.monitor.Average()
	d.result.FinalRateHz = d.monitor.RateHz()
	if err != nil {
		return d.abort(err)
	}
	d.loopDone = true
	return nil
}

func (d *Driver) loop(ctx context.Context, rec SpikeRecorder) error {
	cadence := d.settings.ReportEveryTicks

	for d.clock.Running() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("trial interrupted at t=%g ms: %w", d.clock.T(), err)
		}

		tickStart := d.clock.T()
		if err := d.stepper.Step(ctx); err != nil {
			return fmt.Errorf("tick %d: %w", d.clock.Tick(), err)
		}
		d.clock.Advance()

		d.monitor.Update(len(d.kernel.Spikes(d.kernel.QueueSlot())))

		if recorder.Eligible(tickStart, d.settings.DurationMs, d.settings.WindowMs) {
			if err := rec.Record(tickStart); err != nil {
				return fmt.Errorf("%w: %w", ErrOutput, err)
			}
			d.result.RecordedTicks++
		}

		if d.clock.Tick()%cadence == 0 {
			d.report()
		}
	}
	return nil
}

func (d *Driver) report() {
	p := Progress{
		Tick:    d.clock.Tick(),
		TimeMs:  d.clock.T(),
		Percent: d.clock.Progress(),
		RateHz:  d.monitor.RateHz(),
	}
	d.logger.Info("progress",
		"tick", p.Tick,
		"t_ms", p.TimeMs,
		"percent", fmt.Sprintf("%.1f", p.Percent),
		"rate_hz", fmt.Sprintf("%.3f", p.RateHz))
	d.events.Emit("progress", map[string]any{
		"tick": p.Tick, "t_ms": p.TimeMs, "percent": p.Percent, "rate_hz": p.RateHz,
	})
	if d.observer != nil {
		d.observer.Progress(p)
	}
}

// Snapshot extracts the final weight matrix into the configured snapshot
// directory. It may only run once, after Simulate has completed.
func (d *Driver) Snapshot(ctx context.Context) (*snapshot.Manifest, error) {
	if d.state != Running || !d.loopDone {
		return nil, fmt.Errorf("%w: snapshot from %s", ErrInvalidTransition, d.state)
	}
	if d.snapped {
		return nil, fmt.Errorf("%w: snapshot already taken", ErrInvalidTransition)
	}
	d.snapped = true

	var m *snapshot.Manifest
	err := d.timed("weight_snapshot", func() error {
		var err error
		m, err = snapshot.Extract(ctx, d.kernel, d.settings.SnapshotDir)
		return err
	})
	if err != nil {
		return nil, d.abort(fmt.Errorf("%w: weight snapshot: %w", ErrOutput, err))
	}
	d.result.Snapshot = m
	d.result.SnapshotDir = d.settings.SnapshotDir
	d.logger.Info("weight snapshot written",
		"dir", d.settings.SnapshotDir,
		"synapses", m.Synapses,
		"checksum", m.Checksum)
	return m, nil
}

// Run executes a whole trial: setup, the trial loop with a spike recorder
// on the configured path, and, for plastic trials, the weight snapshot.
// The spike log is closed even when the trial aborts.
func (d *Driver) Run(ctx context.Context) (_ *Result, retErr error) {
	if err := d.Allocate(ctx); err != nil {
		return nil, err
	}
	if err := d.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := d.InitializeSparse(ctx); err != nil {
		return nil, err
	}

	rec, err := recorder.Create(d.settings.SpikeLogPath, d.settings.SpikeFormat, d.kernel)
	if err != nil {
		return nil, d.abort(fmt.Errorf("%w: %w", ErrOutput, err))
	}
	d.result.SpikeLog = rec.Path()
	defer func() {
		if err := rec.Close(); err != nil && retErr == nil {
			retErr = d.abort(fmt.Errorf("%w: %w", ErrOutput, err))
		}
	}()

	if err := d.Simulate(ctx, rec); err != nil {
		return nil, err
	}
	// Flush the spike log before the snapshot so a snapshot failure still
	// leaves a complete log behind.
	if err := rec.Close(); err != nil {
		return nil, d.abort(fmt.Errorf("%w: %w", ErrOutput, err))
	}

	if d.settings.Plastic {
		if _, err := d.Snapshot(ctx); err != nil {
			return nil, err
		}
	} else {
		d.logger.Info("fixed connectivity, skipping weight snapshot")
	}

	if err := d.advance(Running, Finished); err != nil {
		return nil, err
	}
	res := d.Result()
	for part, elapsed := range res.KernelTimings {
		d.logger.Info("kernel timing", "part", part, "elapsed", elapsed)
	}
	return res, nil
}

// Result returns a copy of the trial summary gathered so far.
func (d *Driver) Result() *Result {
	r := d.result
	r.Phases = append([]PhaseTiming(nil), d.result.Phases...)
	if t, ok := d.kernel.(backend.Timings); ok {
		r.KernelTimings = t.KernelTimings()
	}
	return &r
}

// timed runs fn and records its wall-clock duration as a phase.
func (d *Driver) timed(phase string, fn func() error) error {
	start := time.Now()
	err := fn()
	pt := PhaseTiming{Phase: phase, Elapsed: time.Since(start)}
	d.result.Phases = append(d.result.Phases, pt)
	d.logger.Info("phase complete", "phase", phase, "elapsed", pt.Elapsed)
	d.events.Emit("phase", map[string]any{"phase": phase, "elapsed_ms": float64(pt.Elapsed) / float64(time.Millisecond)})
	if d.observer != nil {
		d.observer.Phase(pt)
	}
	return err
}
