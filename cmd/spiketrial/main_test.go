package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvandessel/spiketrial/internal/config"
	"github.com/nvandessel/spiketrial/internal/constants"
	"github.com/nvandessel/spiketrial/internal/logging"
	"github.com/nvandessel/spiketrial/internal/recorder"
	"github.com/nvandessel/spiketrial/internal/store"
	"github.com/spf13/cobra"
)

// newTestRootCmd creates a root command with persistent flags for testing subcommands
func newTestRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "spiketrial",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "Trial configuration YAML file")
	return rootCmd
}

// execute runs args against a test root holding sub and returns stdout.
func execute(t *testing.T, sub *cobra.Command, args ...string) (string, error) {
	t.Helper()
	rootCmd := newTestRootCmd()
	rootCmd.AddCommand(sub)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// writeSmallConfig writes a configuration for a fast host-mode trial.
func writeSmallConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := config.Default()
	cfg.Trial.DurationMs = 50
	cfg.Trial.TimestepMs = 1
	cfg.Trial.Mode = "host"
	cfg.Network.Population = 40
	cfg.Network.MaxRowLength = 8
	cfg.Network.DelaySteps = 4
	cfg.Recording.WindowMs = 20
	cfg.Monitor.ReportEveryTicks = 10
	cfg.Output.Dir = filepath.Join(dir, "out")
	cfg.Output.Registry = filepath.Join(dir, "out", constants.RegistryFile)

	path := filepath.Join(dir, "trial.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save config: %v", err)
	}
	return path
}

type runOutput struct {
	TrialID        string `json:"trial_id"`
	Ticks          int64  `json:"ticks"`
	PlannedTicks   int64  `json:"planned_ticks"`
	RecordedTicks  int64  `json:"recorded_ticks"`
	SpikesRecorded int64  `json:"spikes_recorded"`
	SpikeLog       string `json:"spike_log"`
	SnapshotDir    string `json:"snapshot_dir"`
	Snapshot       *struct {
		Synapses int    `json:"synapses"`
		Checksum string `json:"checksum"`
	} `json:"snapshot"`
}

func runSmallTrial(t *testing.T, dir string, extra ...string) runOutput {
	t.Helper()
	cfgPath := writeSmallConfig(t, dir)
	args := append([]string{"run", "--config", cfgPath, "--json"}, extra...)
	out, err := execute(t, newRunCmd(), args...)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	var res runOutput
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid run output %q: %v", out, err)
	}
	return res
}

func TestNewRootCmd(t *testing.T) {
	rootCmd := newRootCmd()
	want := []string{"version", "run", "config", "trials", "weights", "mcp-server"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("root command is missing %q", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, newVersionCmd(), "version", "--json")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if got["version"] != version {
		t.Errorf("version = %q, want %q", got["version"], version)
	}
}

func TestRunCmd(t *testing.T) {
	dir := t.TempDir()
	res := runSmallTrial(t, dir)

	if res.TrialID == "" {
		t.Error("trial id missing")
	}
	if res.Ticks != 50 || res.PlannedTicks != 50 {
		t.Errorf("Ticks = %d of %d planned, want 50 of 50", res.Ticks, res.PlannedTicks)
	}
	if res.RecordedTicks != 20 {
		t.Errorf("RecordedTicks = %d, want 20", res.RecordedTicks)
	}
	if res.Snapshot == nil {
		t.Fatal("plastic trial exported no snapshot")
	}

	events, err := recorder.ReadCSV(res.SpikeLog)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if int64(len(events)) != res.SpikesRecorded {
		t.Errorf("spike log has %d events, result says %d", len(events), res.SpikesRecorded)
	}
	for _, e := range events {
		if e.Time < 30 || e.Time >= 50 {
			t.Errorf("event at t=%g is outside the trailing window", e.Time)
			break
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "out", constants.SnapshotDir)); err != nil {
		t.Errorf("snapshot directory missing: %v", err)
	}
}

func TestRunCmd_FlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "elsewhere")
	res := runSmallTrial(t, dir, "--plastic=false", "--duration", "30", "--format", "arrow", "--out", other)

	if res.Ticks != 30 {
		t.Errorf("Ticks = %d, want 30", res.Ticks)
	}
	if res.Snapshot != nil || res.SnapshotDir != "" {
		t.Error("non-plastic trial exported weights")
	}
	if filepath.Dir(res.SpikeLog) != other {
		t.Errorf("spike log %s not under %s", res.SpikeLog, other)
	}
	if _, err := recorder.ReadArrow(res.SpikeLog); err != nil {
		t.Errorf("ReadArrow: %v", err)
	}
}

func TestRunCmd_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeSmallConfig(t, dir)
	_, err := execute(t, newRunCmd(), "run", "--config", cfgPath, "--timestep", "0")
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected invalid configuration error, got %v", err)
	}
}

func TestRunTrial_DriverSetupFailureMarksTrialFailed(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadFromFile(writeSmallConfig(t, dir))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	cfg.Monitor.Alpha = 0 // accepted by the kernel, rejected by the driver

	ctx := context.Background()
	_, trialID, err := runTrial(ctx, cfg, logging.Discard())
	if err == nil {
		t.Fatal("runTrial should fail when the driver rejects its settings")
	}
	if trialID == "" {
		t.Fatal("trial ID should be returned on failure")
	}

	trials, err := store.Open(cfg.Output.Registry)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer trials.Close()

	got, err := trials.Get(ctx, trialID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, store.StatusFailed)
	}
	if !strings.Contains(got.Error, "alpha") {
		t.Errorf("error = %q, want the driver's setup error", got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("failed trial should have a finish time")
	}
}

func TestTrialsCmd(t *testing.T) {
	dir := t.TempDir()
	res := runSmallTrial(t, dir)
	registry := filepath.Join(dir, "out", constants.RegistryFile)

	out, err := execute(t, newTrialsCmd(), "trials", "list", "--registry", registry, "--json")
	if err != nil {
		t.Fatalf("trials list failed: %v", err)
	}
	var list struct {
		Count  int `json:"count"`
		Trials []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"trials"`
	}
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if list.Count != 1 || list.Trials[0].ID != res.TrialID || list.Trials[0].Status != "finished" {
		t.Fatalf("unexpected list: %+v", list)
	}

	out, err = execute(t, newTrialsCmd(), "trials", "show", res.TrialID[:8], "--registry", registry)
	if err != nil {
		t.Fatalf("trials show failed: %v", err)
	}
	for _, want := range []string{res.TrialID, "status:     finished", "simulate", "weight_snapshot"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, newTrialsCmd(), "trials", "list", "--registry", registry, "--status", "paused"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestWeightsCmd(t *testing.T) {
	dir := t.TempDir()
	res := runSmallTrial(t, dir)

	out, err := execute(t, newWeightsCmd(), "weights", res.SnapshotDir, "--bins", "5", "--json")
	if err != nil {
		t.Fatalf("weights failed: %v", err)
	}
	var s struct {
		Count     int `json:"count"`
		Histogram []struct {
			Fraction float64 `json:"fraction"`
		} `json:"histogram"`
	}
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if s.Count != res.Snapshot.Synapses {
		t.Errorf("Count = %d, want %d", s.Count, res.Snapshot.Synapses)
	}
	if len(s.Histogram) != 5 {
		t.Errorf("bins = %d, want 5", len(s.Histogram))
	}

	if _, err := execute(t, newWeightsCmd(), "weights", res.SnapshotDir, "--bins", "0"); err == nil {
		t.Error("expected error for zero bins")
	}
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trial.yaml")

	if _, err := execute(t, newConfigCmd(), "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := execute(t, newConfigCmd(), "config", "init", path); err == nil {
		t.Error("expected refusal to overwrite without --force")
	}
	if _, err := execute(t, newConfigCmd(), "config", "init", path, "--force"); err != nil {
		t.Errorf("config init --force failed: %v", err)
	}

	out, err := execute(t, newConfigCmd(), "config", "show", "--config", path, "--json")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	var cfg config.TrialConfig
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if cfg.Monitor.Alpha != constants.DefaultAlpha {
		t.Errorf("alpha = %g, want %g", cfg.Monitor.Alpha, constants.DefaultAlpha)
	}

	if _, err := execute(t, newConfigCmd(), "config", "validate", "--config", path); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}
