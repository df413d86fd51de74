package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spikepipe/spikepipe/sorting"
)

var sortersCmd = &cobra.Command{
	Use:   "sorters",
	Short: "List the supported spike sorters",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range sorting.Sorters() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sortersCmd)
}
