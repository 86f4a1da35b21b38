package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tutor/internal/config"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func errorText(msg string) string {
	return red("error: " + msg)
}

// stdinIsTTY reports whether stdin is an interactive terminal.
func stdinIsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// cli carries the persistent flags shared by every subcommand.
type cli struct {
	configPath string
	verbose    bool
	// isTTY is swapped in tests.
	isTTY func() bool
}

func (c *cli) loadConfig() (config.Config, config.Metadata, error) {
	var opts []config.Option
	if c.configPath != "" {
		opts = append(opts, config.WithConfigPath(c.configPath))
	}
	return config.Load(opts...)
}

func (c *cli) container(cmd *cobra.Command, opts containerOptions) (*Container, error) {
	cfg, meta, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	opts.verbose = c.verbose
	if opts.logOut == nil {
		opts.logOut = cmd.ErrOrStderr()
	}
	return buildContainer(cfg, meta, opts)
}

func newRootCommand() *cobra.Command {
	c := &cli{isTTY: stdinIsTTY}

	rootCmd := &cobra.Command{
		Use:   "tutor",
		Short: "Offline knowledge-base tutor for low-resource devices",
		Long: `tutor answers learners' questions from a local knowledge base using a
small local language model. It schedules queries by priority and degrades
context size and answer length when the device runs short of memory or
falls behind its latency targets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (default: ./tutor.yaml or ~/.tutor/tutor.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(newServeCommand(c))
	rootCmd.AddCommand(newAskCommand(c))
	rootCmd.AddCommand(newIndexCommand(c))
	rootCmd.AddCommand(newStatusCommand(c))
	rootCmd.AddCommand(newLevelCommand(c))
	rootCmd.AddCommand(newConfigCommand(c))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tutor %s\n", version)
		},
	}
}

func readAll(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
