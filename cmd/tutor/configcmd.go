package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tutor/internal/config"
)

const defaultConfigFile = config.FileName + ".yaml"

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, show and validate configuration",
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand(c))
	cmd.AddCommand(newConfigValidateCommand(c))
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Init(path, force); err != nil {
				if errors.Is(err, config.ErrExists) {
					return fmt.Errorf("%s already exists; use --force to overwrite", path)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("Wrote"), path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func newConfigShowCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, meta, err := c.loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			source := "defaults and environment"
			if meta.ConfigFile != "" {
				source = meta.ConfigFile
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n%s", source, data)
			return nil
		},
	}
}

func newConfigValidateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, meta, err := c.loadConfig()
			if err != nil {
				return err
			}
			source := "defaults"
			if meta.ConfigFile != "" {
				source = meta.ConfigFile
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("Valid:"), source)
			return nil
		},
	}
}
