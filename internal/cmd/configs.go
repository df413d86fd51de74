package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/spikepipe/spikepipe/config"
)

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "Inspect pipeline configurations",
}

var configsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in configuration names",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range config.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var configsShowCmd = &cobra.Command{
	Use:   "show <name-or-path>",
	Short: "Show a configuration's steps and sorter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(afero.NewOsFs(), args[0])
		if err != nil {
			return err
		}
		out := map[string]interface{}{
			"preprocessing": cfg.Preprocessing.Names(),
		}
		if cfg.Sorting.Sorter != "" {
			out["sorting"] = cfg.Sorting.Sorter
		}
		body, err := yaml.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(body))
		return nil
	},
}

var configsValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(afero.NewOsFs(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", args[0])
		return nil
	},
}

func init() {
	configsCmd.AddCommand(configsListCmd, configsShowCmd, configsValidateCmd)
	rootCmd.AddCommand(configsCmd)
}
