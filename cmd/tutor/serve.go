package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(c *cli) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the scheduler, sampler and maintenance jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, meta, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			container, err := buildContainer(cfg, meta, containerOptions{verbose: c.verbose, logOut: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer func() {
				if err := container.Cleanup(); err != nil {
					cmd.PrintErrln(errorText(fmt.Sprintf("cleanup: %v", err)))
				}
			}()

			srv, err := container.NewServer(version)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := container.Scheduler.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			if err := container.Maintenance.Start(ctx); err != nil {
				return fmt.Errorf("start maintenance: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return container.Sampler.Run(gctx) })
			g.Go(func() error { return srv.Start(gctx) })

			fmt.Fprintf(cmd.OutOrStdout(), "%s listening on %s (model %s)\n", green("tutor"), cyan("http://"+cfg.Server.Addr()), container.Generator.Model())
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides server.port)")
	return cmd
}
