package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tutor/internal/degradation"
	"tutor/internal/server"
)

var statusSections = []string{"health", "queue", "degradation", "performance"}

// apiClient talks to a running tutor server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// envelope mirrors server.APIResponse with the payload left raw.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newAPIClient(addr string) *apiClient {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{baseURL: base, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// /healthz answers with a bare object, everything under /v1 with an envelope.
	if !strings.HasPrefix(path, "/v1/") {
		if resp.StatusCode >= http.StatusInternalServerError && resp.StatusCode != http.StatusServiceUnavailable {
			return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return raw, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s %s: %s: %w", method, path, resp.Status, err)
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = resp.Status
		}
		return nil, fmt.Errorf("%s %s: %s", method, path, env.Error)
	}
	return env.Data, nil
}

func sectionPath(section string) (string, error) {
	switch section {
	case "health":
		return "/healthz", nil
	case "queue", "degradation", "performance":
		return "/v1/status/" + section, nil
	default:
		return "", fmt.Errorf("unknown section %q (want one of %s)", section, strings.Join(statusSections, ", "))
	}
}

func newStatusCommand(c *cli) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:       "status [section...]",
		Short:     "Show health, queue, degradation and performance of a running server",
		ValidArgs: statusSections,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, _, err := c.loadConfig()
				if err != nil {
					return err
				}
				addr = cfg.Server.Addr()
			}
			sections := args
			if len(sections) == 0 {
				sections = statusSections
			}

			client := newAPIClient(addr)
			var errs []error
			for _, section := range sections {
				path, err := sectionPath(section)
				if err != nil {
					return err
				}
				data, err := client.do(cmd.Context(), http.MethodGet, path, nil)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), bold(cyan(section)))
				fmt.Fprintln(cmd.OutOrStdout(), indentJSON(data))
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default from server.host/server.port)")
	return cmd
}

func newLevelCommand(c *cli) *cobra.Command {
	var (
		addr   string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "level <optimal|light|moderate|heavy|critical>",
		Short: "Force the degradation level of a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := degradation.ParseLevel(args[0])
			if err != nil {
				return err
			}
			if addr == "" {
				cfg, _, err := c.loadConfig()
				if err != nil {
					return err
				}
				addr = cfg.Server.Addr()
			}

			body := server.ForceLevelRequest{Level: level.String(), Reason: reason}
			data, err := newAPIClient(addr).do(cmd.Context(), http.MethodPost, "/v1/degradation/force", body)
			if err != nil {
				return err
			}
			var state degradation.State
			if err := json.Unmarshal(data, &state); err != nil {
				return fmt.Errorf("decode state: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (context=%d tokens, batch=%d)\n", green("Level set to"), bold(state.Level), state.ContextTokens, state.BatchSize)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default from server.host/server.port)")
	cmd.Flags().StringVar(&reason, "reason", "manual override", "Reason recorded in the degradation history")
	return cmd
}

func indentJSON(data []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}
