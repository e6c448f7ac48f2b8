// Package config provides trial configuration loading for spiketrial.
// It supports loading from YAML files and environment variables.
// Every value is fixed once a trial starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nvandessel/spiketrial/internal/backend"
	"github.com/nvandessel/spiketrial/internal/constants"
	"github.com/nvandessel/spiketrial/internal/recorder"
	"gopkg.in/yaml.v3"
)

// TrialConfig contains all settings for one trial.
type TrialConfig struct {
	// Trial contains the clock and execution settings.
	Trial TrialSettings `json:"trial" yaml:"trial"`

	// Network describes the reference kernel's population.
	Network NetworkConfig `json:"network" yaml:"network"`

	// Recording configures the trailing-window spike log.
	Recording RecordingConfig `json:"recording" yaml:"recording"`

	// Monitor configures the activity moving average and progress cadence.
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`

	// Output configures where artifacts and the trial registry go.
	Output OutputConfig `json:"output" yaml:"output"`

	// Logging contains settings for operational and event logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// TrialSettings configures the simulation clock and the execution mode.
type TrialSettings struct {
	// DurationMs is the simulated trial length.
	DurationMs float64 `json:"duration_ms" yaml:"duration_ms"`

	// TimestepMs is the fixed integration timestep.
	TimestepMs float64 `json:"timestep_ms" yaml:"timestep_ms"`

	// Mode selects "accelerator" or "host" stepping.
	Mode string `json:"mode" yaml:"mode"`

	// Plastic marks the excitatory connectivity as learnable. Only plastic
	// trials export a weight snapshot.
	Plastic bool `json:"plastic" yaml:"plastic"`
}

// NetworkConfig configures the reference kernel.
type NetworkConfig struct {
	Population            int     `json:"population" yaml:"population"`
	MaxRowLength          int     `json:"max_row_length" yaml:"max_row_length"`
	ConnectionProbability float64 `json:"connection_probability" yaml:"connection_probability"`
	DelaySteps            int     `json:"delay_steps" yaml:"delay_steps"`
	Seed                  uint64  `json:"seed" yaml:"seed"`

	// StructuralPlasticity lets plastic trials prune weak synapses, which
	// changes row lengths during the trial.
	StructuralPlasticity bool `json:"structural_plasticity" yaml:"structural_plasticity"`

	// MemoryLimitMB caps kernel allocation. Zero means no limit.
	MemoryLimitMB int64 `json:"memory_limit_mb,omitempty" yaml:"memory_limit_mb,omitempty"`

	// Workers bounds accelerator-mode parallelism. Zero uses all CPUs.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`
}

// RecordingConfig configures the spike recorder.
type RecordingConfig struct {
	// WindowMs is the trailing window of the trial whose spikes are logged.
	WindowMs float64 `json:"window_ms" yaml:"window_ms"`

	// Format is "csv" or "arrow".
	Format string `json:"format" yaml:"format"`

	// SpikeLog is the spike log file name, relative to the output directory
	// unless absolute.
	SpikeLog string `json:"spike_log" yaml:"spike_log"`
}

// MonitorConfig configures the activity monitor.
type MonitorConfig struct {
	// Alpha is the moving-average smoothing constant in (0, 1].
	Alpha float64 `json:"alpha" yaml:"alpha"`

	// ReportEveryTicks is the progress reporting cadence.
	ReportEveryTicks int `json:"report_every_ticks" yaml:"report_every_ticks"`
}

// OutputConfig configures artifact locations.
type OutputConfig struct {
	// Dir receives the spike log, the weight snapshot and the event log.
	Dir string `json:"dir" yaml:"dir"`

	// Registry is the SQLite trial registry path. Empty disables it.
	Registry string `json:"registry" yaml:"registry"`
}

// LoggingConfig configures spiketrial's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables the JSONL event log in the output directory.
	Level string `json:"level" yaml:"level"`
}

// Default returns a TrialConfig with the reference trial policy.
func Default() *TrialConfig {
	return &TrialConfig{
		Trial: TrialSettings{
			DurationMs: constants.DefaultDurationMs,
			TimestepMs: constants.DefaultTimestepMs,
			Mode:       backend.ModeAccelerator.String(),
			Plastic:    true,
		},
		Network: NetworkConfig{
			Population:            constants.DefaultPopulation,
			MaxRowLength:          constants.DefaultMaxRowLength,
			ConnectionProbability: 0.1,
			DelaySteps:            constants.DefaultDelaySteps,
			Seed:                  1,
		},
		Recording: RecordingConfig{
			WindowMs: constants.DefaultRecordWindowMs,
			Format:   string(recorder.FormatCSV),
			SpikeLog: constants.DefaultSpikeLog,
		},
		Monitor: MonitorConfig{
			Alpha:            constants.DefaultAlpha,
			ReportEveryTicks: constants.DefaultReportEveryTicks,
		},
		Output: OutputConfig{
			Dir:      constants.DefaultOutputDir,
			Registry: filepath.Join(constants.DefaultOutputDir, constants.RegistryFile),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and
// environment variables, in that order. An empty path skips the file.
func Load(path string) (*TrialConfig, error) {
	config := Default()
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file. Keys the file
// omits keep their defaults.
func LoadFromFile(path string) (*TrialConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Output.Dir = expandEnvVars(config.Output.Dir)
	config.Output.Registry = expandEnvVars(config.Output.Registry)

	return config, nil
}

// Save writes the configuration as YAML.
func (c *TrialConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *TrialConfig) Validate() error {
	if c.Trial.DurationMs <= 0 {
		return fmt.Errorf("duration_ms must be positive, got %g", c.Trial.DurationMs)
	}
	if c.Trial.TimestepMs <= 0 {
		return fmt.Errorf("timestep_ms must be positive, got %g", c.Trial.TimestepMs)
	}
	if _, err := backend.ParseMode(c.Trial.Mode); err != nil {
		return err
	}

	if c.Network.Population <= 0 {
		return fmt.Errorf("population must be positive, got %d", c.Network.Population)
	}
	if c.Network.MaxRowLength < 0 {
		return fmt.Errorf("max_row_length must be non-negative, got %d", c.Network.MaxRowLength)
	}
	if c.Network.ConnectionProbability < 0 || c.Network.ConnectionProbability > 1 {
		return fmt.Errorf("connection_probability must be between 0 and 1, got %f", c.Network.ConnectionProbability)
	}
	if c.Network.DelaySteps <= 0 {
		return fmt.Errorf("delay_steps must be positive, got %d", c.Network.DelaySteps)
	}
	if c.Network.StructuralPlasticity && !c.Trial.Plastic {
		return fmt.Errorf("structural_plasticity requires trial.plastic")
	}

	if c.Recording.WindowMs < 0 {
		return fmt.Errorf("window_ms must be non-negative, got %g", c.Recording.WindowMs)
	}
	if _, err := recorder.ParseFormat(c.Recording.Format); err != nil {
		return err
	}
	if c.Recording.SpikeLog == "" {
		return fmt.Errorf("spike_log must be set")
	}

	if c.Monitor.Alpha <= 0 || c.Monitor.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0, 1], got %g", c.Monitor.Alpha)
	}
	if c.Monitor.ReportEveryTicks <= 0 {
		return fmt.Errorf("report_every_ticks must be positive, got %d", c.Monitor.ReportEveryTicks)
	}

	if c.Output.Dir == "" {
		return fmt.Errorf("output dir must be set")
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// SpikeLogPath resolves the spike log path against the output directory.
func (c *TrialConfig) SpikeLogPath() string {
	if filepath.IsAbs(c.Recording.SpikeLog) {
		return c.Recording.SpikeLog
	}
	return filepath.Join(c.Output.Dir, c.Recording.SpikeLog)
}

// SnapshotPath returns the weight snapshot directory.
func (c *TrialConfig) SnapshotPath() string {
	return filepath.Join(c.Output.Dir, constants.SnapshotDir)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *TrialConfig) {
	if v := os.Getenv("SPIKETRIAL_DURATION_MS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Trial.DurationMs = f
		}
	}

	if v := os.Getenv("SPIKETRIAL_TIMESTEP_MS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Trial.TimestepMs = f
		}
	}

	if v := os.Getenv("SPIKETRIAL_MODE"); v != "" {
		config.Trial.Mode = v
	}

	if v := os.Getenv("SPIKETRIAL_PLASTIC"); v != "" {
		config.Trial.Plastic = v == "true" || v == "1"
	}

	if v := os.Getenv("SPIKETRIAL_POPULATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Network.Population = n
		}
	}

	if v := os.Getenv("SPIKETRIAL_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Network.Seed = n
		}
	}

	if v := os.Getenv("SPIKETRIAL_WINDOW_MS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Recording.WindowMs = f
		}
	}

	if v := os.Getenv("SPIKETRIAL_SPIKE_FORMAT"); v != "" {
		config.Recording.Format = v
	}

	if v := os.Getenv("SPIKETRIAL_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Monitor.Alpha = f
		}
	}

	if v := os.Getenv("SPIKETRIAL_OUTPUT_DIR"); v != "" {
		config.Output.Dir = v
	}

	if v := os.Getenv("SPIKETRIAL_REGISTRY"); v != "" {
		config.Output.Registry = v
	}

	if v := os.Getenv("SPIKETRIAL_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
