// Package main is the entry point for the skillrun binary.
// It provides a CLI client for a running skillrund service.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/weailabs/skillrun/pkg/domain"
)

const (
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 60 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for skillrun
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skillrun",
		Short: "Client for the skill execution service",
		Long: `A command line client for skillrund.

Runs skills through the execution pipeline, inspects usage and audit
chains, and triggers settlement for a billing period.

Example:
  skillrun run test.echo --org org-1 --input '{"message": "Hello, WeAI!"}'`,
	}

	rootCmd.PersistentFlags().StringP("server", "s", defaultServer, "Base URL of the skillrund service")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newUsageCmd())
	rootCmd.AddCommand(newSettleCmd())
	rootCmd.AddCommand(newAuditCmd())

	return rootCmd
}

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run <skill-id>",
		Short: "Execute a skill",
		Args:  cobra.ExactArgs(1),
		RunE:  runSkill,
	}

	runCmd.Flags().String("org", "", "Organization id (required)")
	runCmd.Flags().String("actor", string(domain.ActorHuman), "Actor kind (HUMAN, AI_AGENT, SYSTEM, WEBHOOK)")
	runCmd.Flags().String("user", "", "User id")
	runCmd.Flags().String("jurisdiction", "", "Caller jurisdiction")
	runCmd.Flags().StringSlice("permission", nil, "Granted permission (repeatable)")
	runCmd.Flags().String("input", "{}", "Skill input as a JSON object")
	runCmd.Flags().Int("version", 0, "Pin a definition version (0 selects latest)")
	runCmd.Flags().Duration("deadline", 0, "Execution deadline (0 selects the server default)")
	runCmd.Flags().Bool("dry-run", false, "Simulate without side effects or charges")
	_ = runCmd.MarkFlagRequired("org")

	return runCmd
}

func runSkill(cmd *cobra.Command, args []string) error {
	org, _ := cmd.Flags().GetString("org")
	actor, _ := cmd.Flags().GetString("actor")
	user, _ := cmd.Flags().GetString("user")
	jurisdiction, _ := cmd.Flags().GetString("jurisdiction")
	permissions, _ := cmd.Flags().GetStringSlice("permission")
	inputJSON, _ := cmd.Flags().GetString("input")
	version, _ := cmd.Flags().GetInt("version")
	deadline, _ := cmd.Flags().GetDuration("deadline")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return fmt.Errorf("invalid --input: %w", err)
	}

	req := domain.ExecutionRequest{
		SkillID: args[0],
		Version: version,
		Input:   input,
		Context: domain.ExecutionContext{
			Actor:        domain.ActorKind(actor),
			OrgID:        org,
			UserID:       user,
			Permissions:  permissions,
			Jurisdiction: jurisdiction,
		},
		Options: domain.ExecutionOptions{
			DryRun:   dryRun,
			Deadline: deadline,
		},
	}

	path := "/v1/execute"
	if dryRun {
		path = "/v1/simulate"
	}

	body, err := postJSON(cmd, path, req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), body)
}

func newUsageCmd() *cobra.Command {
	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Show aggregated usage for an organization",
		RunE:  showUsage,
	}

	usageCmd.Flags().String("org", "", "Organization id (required)")
	usageCmd.Flags().String("period", "", "Billing period YYYY-MM (defaults to the current month)")
	_ = usageCmd.MarkFlagRequired("org")

	return usageCmd
}

func showUsage(cmd *cobra.Command, _ []string) error {
	org, _ := cmd.Flags().GetString("org")
	period, _ := cmd.Flags().GetString("period")

	query := url.Values{"org": {org}}
	if period != "" {
		query.Set("period", period)
	}

	body, err := getJSON(cmd, "/v1/usage?"+query.Encode())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), body)
}

func newSettleCmd() *cobra.Command {
	settleCmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle an organization's billing period",
		RunE:  runSettle,
	}

	settleCmd.Flags().String("org", "", "Organization id (required)")
	settleCmd.Flags().String("period", "", "Billing period YYYY-MM (required)")
	_ = settleCmd.MarkFlagRequired("org")
	_ = settleCmd.MarkFlagRequired("period")

	return settleCmd
}

func runSettle(cmd *cobra.Command, _ []string) error {
	org, _ := cmd.Flags().GetString("org")
	period, _ := cmd.Flags().GetString("period")

	body, err := postJSON(cmd, "/v1/settle", map[string]string{
		"orgId":  org,
		"period": period,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), body)
}

func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit <correlation-id>",
		Short: "Show and verify the audit chain for a correlation id",
		Args:  cobra.ExactArgs(1),
		RunE:  showAudit,
	}
	return auditCmd
}

func showAudit(cmd *cobra.Command, args []string) error {
	query := url.Values{"correlation_id": {args[0]}}
	body, err := getJSON(cmd, "/v1/audit?"+query.Encode())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), body)
}

func postJSON(cmd *cobra.Command, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return doRequest(cmd, http.MethodPost, path, bytes.NewReader(data))
}

func getJSON(cmd *cobra.Command, path string) ([]byte, error) {
	return doRequest(cmd, http.MethodGet, path, nil)
}

func doRequest(cmd *cobra.Command, method, path string, body io.Reader) ([]byte, error) {
	base, err := cmd.Flags().GetString("server")
	if err != nil {
		return nil, fmt.Errorf("failed to get server flag: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Non-2xx responses still carry a JSON body describing the outcome;
	// print it and report the status.
	if resp.StatusCode >= 300 {
		_ = printJSON(cmd.OutOrStdout(), payload)
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	return payload, nil
}

func printJSON(w io.Writer, body []byte) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		_, werr := w.Write(body)
		return werr
	}
	pretty.WriteByte('\n')
	_, err := w.Write(pretty.Bytes())
	return err
}
