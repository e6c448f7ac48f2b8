package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spiketrial",
		Short: "Run and inspect spiking network trials",
		Long: `spiketrial drives a spiking neural network trial: it steps a compute
kernel for a fixed simulated duration, logs the spikes of the trailing
recording window, reports a moving-average firing rate, and exports the
final excitatory weight matrix of plastic trials.

Every run is registered in a SQLite trial registry that the trials,
weights and mcp-server commands read.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "Trial configuration YAML file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newConfigCmd(),
		newTrialsCmd(),
		newWeightsCmd(),
		newMCPServerCmd(),
	)
	return rootCmd
}
