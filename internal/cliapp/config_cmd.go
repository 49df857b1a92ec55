package cliapp

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hlefeuvre/compartfuzz/internal/config"
)

// addConfigCommands registers `compartfuzz config [get|set|path]`, mirroring
// the ~/.compartfuzz/config.toml layer of internal/config.
func addConfigCommands(rootCmd *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage compartfuzz configuration",
		Long:  "Show, get, and set values in the compartfuzz config file (~/.compartfuzz/config.toml).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if IsJSON() {
				return PrintJSON(cmd.OutOrStdout(), cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", config.Path())
			fmt.Fprintf(cmd.OutOrStdout(), "worker_timeout_seconds = %d\n", cfg.WorkerTimeoutSeconds)
			fmt.Fprintf(cmd.OutOrStdout(), "output_root = %s\n", cfg.OutputRoot)
			fmt.Fprintf(cmd.OutOrStdout(), "instrument_regex = %s\n", cfg.InstrumentRegex)
			fmt.Fprintf(cmd.OutOrStdout(), "seed = %d\n", cfg.Seed)
			fmt.Fprintf(cmd.OutOrStdout(), "no_color = %v\n", cfg.NoColor)
			return nil
		},
	}

	configGetCmd := &cobra.Command{
		Use:   "get <KEY>",
		Short: "Get a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, err := config.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}

	configSetCmd := &cobra.Command{
		Use:   "set <KEY> <VALUE>",
		Short: "Set a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Set(args[0], args[1]); err != nil {
				return err
			}
			if !IsQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
			}
			return nil
		},
	}

	configPathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.Path())
			return nil
		},
	}

	configCmd.AddCommand(configGetCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
