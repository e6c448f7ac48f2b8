package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nvandessel/spiketrial/internal/snapshot"
	"github.com/spf13/cobra"
)

// barWidth is the width of the longest histogram bar in text output.
const barWidth = 50

func newWeightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights <dir>",
		Short: "Summarise an exported weight snapshot",
		Long: `Load a weight snapshot directory and print statistics and a histogram
of the synaptic weights.

Examples:
  spiketrial weights trial_out/weights
  spiketrial weights trial_out/weights --bins 20 --min 0 --max 1
  spiketrial weights trial_out/weights --scale 1000 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			bins, _ := cmd.Flags().GetInt("bins")
			scale, _ := cmd.Flags().GetFloat64("scale")

			if bins <= 0 {
				return fmt.Errorf("--bins must be positive, got %d", bins)
			}
			opts := snapshot.SummaryOptions{Bins: bins, Scale: scale}
			if cmd.Flags().Changed("min") {
				v, _ := cmd.Flags().GetFloat64("min")
				opts.Min = &v
			}
			if cmd.Flags().Changed("max") {
				v, _ := cmd.Flags().GetFloat64("max")
				opts.Max = &v
			}

			s, err := snapshot.Summarise(args[0], opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return json.NewEncoder(out).Encode(s)
			}

			fmt.Fprintf(out, "Snapshot %s (%s)\n", args[0], s.Manifest.Checksum)
			fmt.Fprintf(out, "  population: %d, max row length: %d\n", s.Manifest.Population, s.Manifest.MaxRowLength)
			fmt.Fprintf(out, "  synapses:   %d\n", s.Count)
			if s.Count == 0 {
				return nil
			}
			fmt.Fprintf(out, "  mean:       %.6g (std %.6g)\n", s.Mean, s.Std)
			fmt.Fprintf(out, "  range:      [%.6g, %.6g]\n", s.Min, s.Max)
			fmt.Fprintln(out)

			var peak float64
			for _, b := range s.Histogram {
				peak = max(peak, b.Fraction)
			}
			for _, b := range s.Histogram {
				n := 0
				if peak > 0 {
					n = int(b.Fraction / peak * barWidth)
				}
				fmt.Fprintf(out, "  %12.6g  %6.2f%%  %s\n", b.Centre, b.Fraction*100, strings.Repeat("#", n))
			}
			return nil
		},
	}

	cmd.Flags().Int("bins", snapshot.DefaultBins, "Number of histogram bins")
	cmd.Flags().Float64("min", 0, "Histogram lower bound (default data minimum)")
	cmd.Flags().Float64("max", 0, "Histogram upper bound (default data maximum)")
	cmd.Flags().Float64("scale", 1, "Multiply weights by this factor before binning")

	return cmd
}
