package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tutor/internal/orchestrator"
	"tutor/internal/scheduler"
)

type askFlags struct {
	subject   string
	grade     int
	language  string
	priority  string
	mode      string
	maxTokens int
	timeout   time.Duration
	asJSON    bool
}

func (f askFlags) request(question string) (orchestrator.Request, error) {
	req := orchestrator.Request{
		Text:      question,
		Subject:   f.subject,
		Grade:     f.grade,
		Language:  f.language,
		Priority:  scheduler.PriorityNormal,
		MaxTokens: f.maxTokens,
		Timeout:   f.timeout,
	}
	if f.priority != "" {
		p, err := scheduler.ParsePriority(f.priority)
		if err != nil {
			return orchestrator.Request{}, err
		}
		req.Priority = p
	}
	switch mode := orchestrator.Mode(strings.ToLower(f.mode)); mode {
	case "":
	case orchestrator.ModeDirect, orchestrator.ModeQueued:
		req.Mode = mode
	default:
		return orchestrator.Request{}, fmt.Errorf("unknown mode %q (want direct or queued)", f.mode)
	}
	return req, nil
}

func newAskCommand(c *cli) *cobra.Command {
	var flags askFlags

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question from the knowledge base",
		Long: `Answer one question and exit. Without arguments the question is read
from standard input when it is not a terminal.`,
		Example: `  tutor ask "What is photosynthesis?" --subject science --grade 7
  echo "Apa itu fotosintesis?" | tutor ask --language id`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			if question == "" && !c.isTTY() {
				text, err := readAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read question: %w", err)
				}
				question = text
			}
			question = strings.TrimSpace(question)
			if question == "" {
				return errors.New("no question given")
			}

			req, err := flags.request(question)
			if err != nil {
				return err
			}

			container, err := c.container(cmd, containerOptions{})
			if err != nil {
				return err
			}
			defer func() {
				if err := container.Cleanup(); err != nil {
					cmd.PrintErrln(errorText(fmt.Sprintf("cleanup: %v", err)))
				}
			}()

			ctx := cmd.Context()
			if req.Mode == orchestrator.ModeQueued || (req.Mode == "" && container.Config.Pipeline.DefaultMode == orchestrator.ModeQueued) {
				if err := container.Scheduler.Start(ctx); err != nil {
					return fmt.Errorf("start scheduler: %w", err)
				}
			}

			resp := container.Orchestrator.ProcessQuery(ctx, req)
			if flags.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			renderResponse(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.subject, "subject", "s", "", "Restrict retrieval to a subject")
	cmd.Flags().IntVarP(&flags.grade, "grade", "g", 0, "Learner grade level")
	cmd.Flags().StringVarP(&flags.language, "language", "l", "", "Answer language (en, id); detected when empty")
	cmd.Flags().StringVar(&flags.priority, "priority", "", "low, normal, high or urgent")
	cmd.Flags().StringVar(&flags.mode, "mode", "", "direct or queued (default from pipeline.default_mode)")
	cmd.Flags().IntVar(&flags.maxTokens, "max-tokens", 0, "Answer length cap in tokens")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "Per-query deadline")
	cmd.Flags().BoolVar(&flags.asJSON, "json", false, "Print the full response as JSON")
	return cmd
}

func renderResponse(w io.Writer, resp orchestrator.Response) {
	if resp.Fallback {
		fmt.Fprintln(w, yellow(resp.Answer))
		for _, s := range resp.Suggestions {
			fmt.Fprintf(w, "  %s %s\n", gray("-"), s)
		}
	} else {
		fmt.Fprintln(w, resp.Answer)
	}

	if len(resp.Sources) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold("Sources"))
		for _, s := range resp.Sources {
			fmt.Fprintf(w, "  %s %s\n", cyan(s.SourceFile), gray(fmt.Sprintf("(relevance %.2f)", s.Relevance)))
		}
	}

	meta := fmt.Sprintf("level=%s tokens=%d total=%s", resp.Level, resp.TokensGenerated, resp.Timing.Total.Round(time.Millisecond))
	if resp.Fallback {
		meta += fmt.Sprintf(" fallback=%s", resp.FallbackReason)
		if resp.FailureReason != "" {
			meta += fmt.Sprintf(" failure=%s", resp.FailureReason)
		}
	}
	fmt.Fprintln(w, gray(meta))
}
