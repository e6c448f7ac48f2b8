package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nvandessel/spiketrial/internal/store"
	"github.com/spf13/cobra"
)

func newTrialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trials",
		Short: "Browse the trial registry",
		Long: `Browse trials recorded in the registry database.

Examples:
  spiketrial trials list
  spiketrial trials list --status failed --limit 5
  spiketrial trials show 3f2a`,
	}

	cmd.PersistentFlags().String("registry", "", "Trial registry database path (default from config)")

	cmd.AddCommand(
		newTrialsListCmd(),
		newTrialsShowCmd(),
	)

	return cmd
}

// openRegistry opens the registry named by --registry or the configuration.
func openRegistry(cmd *cobra.Command) (*store.TrialStore, error) {
	path, _ := cmd.Flags().GetString("registry")
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		path = cfg.Output.Registry
	}
	if path == "" {
		return nil, fmt.Errorf("no trial registry configured (set output.registry or --registry)")
	}
	trials, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trial registry: %w", err)
	}
	return trials, nil
}

func newTrialsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered trials, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			switch store.Status(status) {
			case "", store.StatusRunning, store.StatusFinished, store.StatusFailed:
			default:
				return fmt.Errorf("invalid status %q (valid: running, finished, failed)", status)
			}

			trials, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer trials.Close()

			list, err := trials.List(cmd.Context(), store.ListOptions{Status: store.Status(status), Limit: limit})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if list == nil {
					list = []store.Trial{}
				}
				return json.NewEncoder(out).Encode(map[string]any{
					"trials": list,
					"count":  len(list),
				})
			}

			if len(list) == 0 {
				fmt.Fprintln(out, "No trials registered.")
				return nil
			}
			fmt.Fprintf(out, "%-8s  %-9s  %-11s  %-7s  %10s  %10s  %s\n",
				"ID", "STATUS", "MODE", "PLASTIC", "SPIKES", "RATE (Hz)", "CREATED")
			for _, t := range list {
				fmt.Fprintf(out, "%-8s  %-9s  %-11s  %-7v  %10d  %10.3f  %s\n",
					shortID(t.ID), t.Status, t.Mode, t.Plastic, t.SpikesRecorded, t.FinalRateHz,
					t.CreatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}

	cmd.Flags().String("status", "", "Only show trials with this status")
	cmd.Flags().Int("limit", 20, "Maximum number of trials (0 for all)")

	return cmd
}

func newTrialsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one trial with its phases and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			trials, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer trials.Close()

			t, err := trials.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(t)
			}

			fmt.Fprintf(out, "Trial %s\n", t.ID)
			fmt.Fprintf(out, "  status:     %s\n", t.Status)
			fmt.Fprintf(out, "  mode:       %s\n", t.Mode)
			fmt.Fprintf(out, "  plastic:    %v\n", t.Plastic)
			fmt.Fprintf(out, "  duration:   %g ms at dt %g ms\n", t.DurationMs, t.TimestepMs)
			fmt.Fprintf(out, "  created:    %s\n", t.CreatedAt.Local().Format(time.DateTime))
			if t.FinishedAt != nil {
				fmt.Fprintf(out, "  finished:   %s\n", t.FinishedAt.Local().Format(time.DateTime))
			}
			if t.Error != "" {
				fmt.Fprintf(out, "  error:      %s\n", t.Error)
			}
			fmt.Fprintf(out, "  ticks:      %d\n", t.Ticks)
			fmt.Fprintf(out, "  spikes:     %d", t.SpikesRecorded)
			if t.SpikeLog != "" {
				fmt.Fprintf(out, " -> %s", t.SpikeLog)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  final rate: %.3f Hz\n", t.FinalRateHz)
			if t.SnapshotDir != "" {
				fmt.Fprintf(out, "  weights:    %d synapses -> %s (%s)\n", t.Synapses, t.SnapshotDir, t.SnapshotChecksum)
			}

			if len(t.Phases) > 0 {
				fmt.Fprintln(out, "  phases:")
				for _, p := range t.Phases {
					fmt.Fprintf(out, "    %-7s %-16s %v\n", p.Kind, p.Name, p.Elapsed.Round(time.Microsecond))
				}
			}
			if len(t.Progress) > 0 {
				fmt.Fprintln(out, "  progress:")
				for _, p := range t.Progress {
					fmt.Fprintf(out, "    tick %-10d t=%-10g %5.1f%%  %.3f Hz\n", p.Tick, p.TimeMs, p.Percent, p.RateHz)
				}
			}
			if t.Config != "" {
				fmt.Fprintln(out, "  config:")
				for _, line := range strings.Split(strings.TrimRight(t.Config, "\n"), "\n") {
					fmt.Fprintf(out, "    %s\n", line)
				}
			}
			return nil
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
