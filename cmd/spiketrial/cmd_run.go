package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nvandessel/spiketrial/internal/backend"
	"github.com/nvandessel/spiketrial/internal/config"
	"github.com/nvandessel/spiketrial/internal/constants"
	"github.com/nvandessel/spiketrial/internal/driver"
	"github.com/nvandessel/spiketrial/internal/kernel/lif"
	"github.com/nvandessel/spiketrial/internal/logging"
	"github.com/nvandessel/spiketrial/internal/recorder"
	"github.com/nvandessel/spiketrial/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one trial",
		Long: `Run one trial of the reference LIF network.

Settings come from defaults, then the --config file, then SPIKETRIAL_*
environment variables, then the flags below.

Examples:
  spiketrial run
  spiketrial run --duration 5000 --timestep 1 --window 2000 --mode host
  spiketrial run --config trial.yaml --out runs/seed7 --seed 7 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
			res, trialID, err := runTrial(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("trial %s: %w", trialID, err)
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			return printResult(cmd, trialID, res, jsonOut)
		},
	}

	cmd.Flags().Float64("duration", 0, "Trial duration in ms")
	cmd.Flags().Float64("timestep", 0, "Integration timestep in ms")
	cmd.Flags().Float64("window", 0, "Trailing spike recording window in ms")
	cmd.Flags().String("mode", "", "Stepping mode: accelerator or host")
	cmd.Flags().Bool("plastic", true, "Learnable connectivity; export the final weight matrix")
	cmd.Flags().Bool("structural", false, "Prune weak synapses during plastic trials")
	cmd.Flags().String("format", "", "Spike log format: csv or arrow")
	cmd.Flags().String("out", "", "Output directory")
	cmd.Flags().Int("population", 0, "Excitatory population size")
	cmd.Flags().Uint64("seed", 0, "Network and input seed")
	cmd.Flags().String("registry", "", "Trial registry database path")
	cmd.Flags().Bool("no-registry", false, "Do not register the trial")
	cmd.Flags().String("log-level", "", "Log level: info, debug or trace")

	return cmd
}

// loadConfig loads the configuration named by the persistent --config flag.
func loadConfig(cmd *cobra.Command) (*config.TrialConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// applyRunFlags overrides configuration values with explicitly set flags.
func applyRunFlags(cmd *cobra.Command, cfg *config.TrialConfig) {
	flags := cmd.Flags()
	if flags.Changed("duration") {
		cfg.Trial.DurationMs, _ = flags.GetFloat64("duration")
	}
	if flags.Changed("timestep") {
		cfg.Trial.TimestepMs, _ = flags.GetFloat64("timestep")
	}
	if flags.Changed("window") {
		cfg.Recording.WindowMs, _ = flags.GetFloat64("window")
	}
	if flags.Changed("mode") {
		cfg.Trial.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("plastic") {
		cfg.Trial.Plastic, _ = flags.GetBool("plastic")
	}
	if flags.Changed("structural") {
		cfg.Network.StructuralPlasticity, _ = flags.GetBool("structural")
	}
	if flags.Changed("format") {
		cfg.Recording.Format, _ = flags.GetString("format")
		if cfg.Recording.SpikeLog == constants.DefaultSpikeLog && cfg.Recording.Format == string(recorder.FormatArrow) {
			cfg.Recording.SpikeLog = "spikes.arrow"
		}
	}
	if flags.Changed("out") {
		out, _ := flags.GetString("out")
		// A registry left at its default follows the output directory.
		if cfg.Output.Registry == filepath.Join(cfg.Output.Dir, constants.RegistryFile) {
			cfg.Output.Registry = filepath.Join(out, constants.RegistryFile)
		}
		cfg.Output.Dir = out
	}
	if flags.Changed("population") {
		cfg.Network.Population, _ = flags.GetInt("population")
	}
	if flags.Changed("seed") {
		cfg.Network.Seed, _ = flags.GetUint64("seed")
	}
	if flags.Changed("registry") {
		cfg.Output.Registry, _ = flags.GetString("registry")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if noRegistry, _ := flags.GetBool("no-registry"); noRegistry {
		cfg.Output.Registry = ""
	}
}

// kernelParams maps the network configuration onto the reference kernel.
func kernelParams(cfg *config.TrialConfig) lif.Params {
	p := lif.DefaultParams()
	p.Population = cfg.Network.Population
	p.MaxRowLength = cfg.Network.MaxRowLength
	p.ConnectionProbability = cfg.Network.ConnectionProbability
	p.DelaySteps = cfg.Network.DelaySteps
	p.Seed = cfg.Network.Seed
	p.TimestepMs = cfg.Trial.TimestepMs
	p.MemoryLimitBytes = cfg.Network.MemoryLimitMB << 20
	p.Workers = cfg.Network.Workers
	p.Plastic = cfg.Trial.Plastic
	p.Structural = cfg.Network.StructuralPlasticity
	return p
}

// runTrial builds the kernel and driver for cfg, runs the trial and keeps
// the registry up to date. The trial ID is returned even on failure.
func runTrial(ctx context.Context, cfg *config.TrialConfig, logger *slog.Logger) (*driver.Result, string, error) {
	mode, err := backend.ParseMode(cfg.Trial.Mode)
	if err != nil {
		return nil, "", err
	}
	format, err := recorder.ParseFormat(cfg.Recording.Format)
	if err != nil {
		return nil, "", err
	}
	kernel, err := lif.New(kernelParams(cfg), mode)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build kernel: %w", err)
	}
	stepper, err := backend.NewStepper(mode, kernel)
	if err != nil {
		return nil, "", err
	}

	trialID := uuid.NewString()
	var reg *registryObserver
	if path := cfg.Output.Registry; path != "" {
		trials, err := store.Open(path)
		if err != nil {
			return nil, trialID, fmt.Errorf("failed to open trial registry: %w", err)
		}
		defer trials.Close()

		cfgYAML, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, trialID, fmt.Errorf("failed to marshal config: %w", err)
		}
		if _, err := trials.Create(ctx, store.Trial{
			ID:         trialID,
			Mode:       mode.String(),
			Plastic:    cfg.Trial.Plastic,
			DurationMs: cfg.Trial.DurationMs,
			TimestepMs: cfg.Trial.TimestepMs,
			Config:     string(cfgYAML),
			OutputDir:  cfg.Output.Dir,
		}); err != nil {
			return nil, trialID, fmt.Errorf("failed to register trial: %w", err)
		}
		reg = &registryObserver{store: trials, trialID: trialID, logger: logger}
	}

	events := logging.OpenEventLog(cfg.Output.Dir, constants.EventLogFile, cfg.Logging.Level, trialID)
	defer events.Close()

	logger = logger.With("trial", trialID)
	logger.Info("starting trial",
		"mode", mode,
		"duration_ms", cfg.Trial.DurationMs,
		"timestep_ms", cfg.Trial.TimestepMs,
		"population", cfg.Network.Population,
		"plastic", cfg.Trial.Plastic)
	events.Emit("start", map[string]any{
		"mode":        mode.String(),
		"duration_ms": cfg.Trial.DurationMs,
		"timestep_ms": cfg.Trial.TimestepMs,
		"window_ms":   cfg.Recording.WindowMs,
		"plastic":     cfg.Trial.Plastic,
	})

	opts := []driver.Option{driver.WithLogger(logger), driver.WithEventLog(events)}
	if reg != nil {
		opts = append(opts, driver.WithObserver(reg))
	}
	d, err := driver.New(driver.Settings{
		DurationMs:       cfg.Trial.DurationMs,
		TimestepMs:       cfg.Trial.TimestepMs,
		WindowMs:         cfg.Recording.WindowMs,
		Alpha:            cfg.Monitor.Alpha,
		ReportEveryTicks: int64(cfg.Monitor.ReportEveryTicks),
		Plastic:          cfg.Trial.Plastic,
		SpikeLogPath:     cfg.SpikeLogPath(),
		SpikeFormat:      format,
		SnapshotDir:      cfg.SnapshotPath(),
	}, kernel, stepper, opts...)
	if err != nil {
		failTrial(ctx, reg, events, &driver.Result{}, err)
		return nil, trialID, err
	}

	res, runErr := d.Run(ctx)
	if runErr != nil {
		failTrial(ctx, reg, events, d.Result(), runErr)
		return nil, trialID, runErr
	}

	if reg != nil {
		if err := reg.finish(ctx, res); err != nil {
			return res, trialID, err
		}
	}
	events.Emit("end", map[string]any{
		"status":          string(store.StatusFinished),
		"spikes_recorded": res.SpikesRecorded,
		"final_rate_hz":   res.FinalRateHz,
	})
	return res, trialID, nil
}

// registryObserver mirrors driver phases and progress into the registry.
// Registry write failures are logged and do not stop the trial.
type registryObserver struct {
	store   *store.TrialStore
	trialID string
	logger  *slog.Logger
}

func (r *registryObserver) Phase(p driver.PhaseTiming) {
	err := r.store.AddPhase(context.Background(), r.trialID, store.Phase{Kind: store.PhaseTrial, Name: p.Phase, Elapsed: p.Elapsed})
	if err != nil {
		r.logger.Warn("registry phase write failed", "phase", p.Phase, "error", err)
	}
}

func (r *registryObserver) Progress(p driver.Progress) {
	err := r.store.AddProgress(context.Background(), r.trialID, store.ProgressSample{
		Tick:    p.Tick,
		TimeMs:  p.TimeMs,
		Percent: p.Percent,
		RateHz:  p.RateHz,
	})
	if err != nil {
		r.logger.Warn("registry progress write failed", "tick", p.Tick, "error", err)
	}
}

func (r *registryObserver) finish(ctx context.Context, res *driver.Result) error {
	for _, name := range sortedKeys(res.KernelTimings) {
		if err := r.store.AddPhase(ctx, r.trialID, store.Phase{Kind: store.PhaseKernel, Name: name, Elapsed: res.KernelTimings[name]}); err != nil {
			return err
		}
	}
	return r.store.Finish(ctx, r.trialID, outcome(res))
}

func (r *registryObserver) fail(ctx context.Context, res *driver.Result, cause error) {
	if err := r.store.Fail(ctx, r.trialID, cause, outcome(res)); err != nil {
		r.logger.Warn("registry failure write failed", "error", err)
	}
}

// failTrial records a trial that ended with cause in the registry, when one
// is open, and in the event log.
func failTrial(ctx context.Context, reg *registryObserver, events *logging.EventLog, res *driver.Result, cause error) {
	if reg != nil {
		// The registry outlives the trial context.
		reg.fail(context.WithoutCancel(ctx), res, cause)
	}
	events.Emit("end", map[string]any{"status": string(store.StatusFailed), "error": cause.Error()})
}

func outcome(res *driver.Result) store.Outcome {
	o := store.Outcome{
		Ticks:          res.Ticks,
		SpikesRecorded: res.SpikesRecorded,
		FinalRateHz:    res.FinalRateHz,
		SpikeLog:       res.SpikeLog,
		SnapshotDir:    res.SnapshotDir,
	}
	if res.Snapshot != nil {
		o.SnapshotChecksum = res.Snapshot.Checksum
		o.Synapses = res.Snapshot.Synapses
	}
	return o
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printResult(cmd *cobra.Command, trialID string, res *driver.Result, jsonOut bool) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		return json.NewEncoder(out).Encode(struct {
			TrialID string `json:"trial_id"`
			*driver.Result
		}{trialID, res})
	}

	fmt.Fprintf(out, "Trial %s finished\n", trialID)
	fmt.Fprintf(out, "  ticks:           %d of %d (t = %g ms)\n", res.Ticks, res.PlannedTicks, res.TimeMs)
	fmt.Fprintf(out, "  recorded ticks:  %d\n", res.RecordedTicks)
	fmt.Fprintf(out, "  spikes recorded: %d -> %s\n", res.SpikesRecorded, res.SpikeLog)
	fmt.Fprintf(out, "  final rate:      %.3f Hz\n", res.FinalRateHz)
	if res.Snapshot != nil {
		fmt.Fprintf(out, "  weights:         %d synapses -> %s (%s)\n", res.Snapshot.Synapses, res.SnapshotDir, res.Snapshot.Checksum)
	} else {
		fmt.Fprintf(out, "  weights:         not exported (fixed connectivity)\n")
	}
	fmt.Fprintln(out, "  phases:")
	for _, p := range res.Phases {
		fmt.Fprintf(out, "    %-16s %v\n", p.Phase, p.Elapsed.Round(time.Microsecond))
	}
	if len(res.KernelTimings) > 0 {
		fmt.Fprintln(out, "  kernel:")
		for _, name := range sortedKeys(res.KernelTimings) {
			fmt.Fprintf(out, "    %-16s %v\n", name, res.KernelTimings[name].Round(time.Microsecond))
		}
	}
	return nil
}
