package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spikepipe/spikepipe/batch"
)

var profileOptions []string

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the resolved batch resource profile",
	Long: `Resolve the batch resource profile that would be used for dispatch:
the defaults with any --set overrides applied. Unknown keys are rejected,
so this doubles as a dry run for batch options.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		options := make(map[string]interface{}, len(profileOptions))
		for _, opt := range profileOptions {
			key, value, found := strings.Cut(opt, "=")
			if !found {
				return fmt.Errorf("option %q must have the form key=value", opt)
			}
			options[key] = parseValue(value)
		}

		profile, err := batch.WithOptions(options).Profile()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "nodes: %d\n", profile.Nodes)
		fmt.Fprintf(out, "mem_gb: %d\n", profile.MemGB)
		fmt.Fprintf(out, "timeout_min: %d\n", profile.TimeoutMin)
		fmt.Fprintf(out, "cpus_per_task: %d\n", profile.CPUsPerTask)
		fmt.Fprintf(out, "tasks_per_node: %d\n", profile.TasksPerNode)
		fmt.Fprintf(out, "partition: %s\n", profile.Partition)
		if profile.GPUs != "" {
			fmt.Fprintf(out, "gpus: %s\n", profile.GPUs)
		}
		if profile.Exclude != "" {
			fmt.Fprintf(out, "exclude: %s\n", profile.Exclude)
		}
		fmt.Fprintf(out, "wait: %t\n", profile.Wait)
		fmt.Fprintf(out, "env_name: %s\n", profile.EnvName)
		return nil
	},
}

// parseValue keeps option values typed the way a YAML document would.
func parseValue(s string) interface{} {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func init() {
	profileCmd.Flags().StringArrayVar(&profileOptions, "set", nil, "override a profile key, e.g. --set mem_gb=60")
	rootCmd.AddCommand(profileCmd)
}
