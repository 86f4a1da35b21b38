package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newIndexCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "index [dir]",
		Short: "Chunk, embed and store the knowledge base",
		Long: `Walk the knowledge-base directory (indexer.root, or dir when given) and
store every new or changed file in the vector store. Unchanged files are
skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := containerOptions{}
			if len(args) == 1 {
				opts.indexRoot = args[0]
			}
			container, err := c.container(cmd, opts)
			if err != nil {
				return err
			}
			defer func() {
				if err := container.Cleanup(); err != nil {
					cmd.PrintErrln(errorText(fmt.Sprintf("cleanup: %v", err)))
				}
			}()
			if container.Indexer == nil {
				return errors.New("indexing needs embeddings; set embedding.enabled=true")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Indexing %s\n", cyan(container.Indexer.Root()))
			stats, err := container.Indexer.Index(cmd.Context())
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %d files (%d indexed, %d unchanged, %d failed), %d chunks in %s\n",
				green("Indexed"), stats.TotalFiles, stats.IndexedFiles, stats.SkippedFiles, stats.ErrorFiles,
				stats.Chunks, stats.Duration.Round(time.Millisecond))
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", gray(fmt.Sprintf("store now holds %d passages", stats.StoreSize)))
			return nil
		},
	}
}
