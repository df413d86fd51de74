// Package cmd implements the spikepipe command line.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "spikepipe",
	Short: "Orchestrate extracellular-electrophysiology pipelines",
	Long: `Spikepipe drives raw recordings through preprocessing, sorting and
postprocessing, organised by subject, session and run. Processing itself is
delegated to a recording engine; spikepipe owns ordering, output layout and
batch dispatch.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
