package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spikepipe/spikepipe/postprocess"
)

var analysesCmd = &cobra.Command{
	Use:   "analyses",
	Short: "List the supported postprocessing analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range postprocess.Analyses() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(analysesCmd)
}
