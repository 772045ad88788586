// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

const statusTimeout = 2 * time.Second

// ProbeStatus is the outcome of one health endpoint.
type ProbeStatus struct {
	Probe  string `json:"probe"`
	OK     bool   `json:"ok"`
	Code   int    `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	client     *http.Client
}

// NewStatusCmd creates the status subcommand with all flags configured.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a running server is live and ready",
		Long: `Query the liveness and readiness endpoints of a running server's
observability listener (metrics.addr).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().String("metrics-addr", "", "observability address of the server (default: metrics.addr)")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	conf, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if conf.Metrics.Addr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("metrics.addr is empty, the observability server is disabled")
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: statusTimeout}
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	base := "http://" + conf.Metrics.Addr
	statuses := []ProbeStatus{
		queryProbe(ctx, client, base, "liveness"),
		queryProbe(ctx, client, base, "readiness"),
	}

	var output string
	if cfg.jsonOutput {
		output, err = formatStatusJSON(statuses)
		if err != nil {
			return err
		}
	} else {
		output = formatStatusTable(conf.Metrics.Addr, statuses)
	}
	cmd.Println(output)

	for _, s := range statuses {
		if !s.OK {
			return oops.Code("SERVER_NOT_READY").With("probe", s.Probe).Errorf("server is not %s", probeAdjective(s.Probe))
		}
	}
	return nil
}

// queryProbe calls /healthz/<probe> and records the result.
func queryProbe(ctx context.Context, client *http.Client, base, probe string) ProbeStatus {
	status := ProbeStatus{Probe: probe}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz/"+probe, http.NoBody)
	if err != nil {
		status.Error = fmt.Sprintf("build request: %v", err)
		return status
	}
	resp, err := client.Do(req)
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck // detail is best effort
	status.Code = resp.StatusCode
	status.Detail = strings.TrimSpace(string(body))
	status.OK = resp.StatusCode == http.StatusOK
	return status
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(addr string, statuses []ProbeStatus) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "SERVER\t%s\n\n", addr)
	_, _ = fmt.Fprintln(w, "PROBE\tSTATUS\tCODE\tDETAIL")
	_, _ = fmt.Fprintln(w, "-----\t------\t----\t------")
	for _, s := range statuses {
		state := "ok"
		if !s.OK {
			state = "failing"
		}
		code := "-"
		if s.Code != 0 {
			code = fmt.Sprint(s.Code)
		}
		detail := s.Detail
		if s.Error != "" {
			detail = s.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Probe, state, code, detail)
	}

	_ = w.Flush()
	return buf.String()
}

// formatStatusJSON formats the status as JSON.
func formatStatusJSON(statuses []ProbeStatus) (string, error) {
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return "", oops.Code("STATUS_FORMAT_FAILED").Wrap(err)
	}
	return string(data), nil
}

func probeAdjective(probe string) string {
	if probe == "liveness" {
		return "live"
	}
	return "ready"
}
