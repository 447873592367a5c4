package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/attendsync/internal/config"
	"github.com/kimhsiao/attendsync/internal/models"
	scansync "github.com/kimhsiao/attendsync/internal/sync"
)

// withAgent builds an agent for a one-shot command and closes it afterwards.
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, a *agent) error) error {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return errNoConfig
	}
	a, err := newAgent(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

// printResult writes res and turns a failed Result into a command error.
func printResult(w io.Writer, res scansync.Result) error {
	if globalFlags.json {
		if err := writeJSON(w, res); err != nil {
			return err
		}
	} else {
		if res.Success {
			fmt.Fprintln(w, res.Message)
		}
		if res.Warning != "" {
			fmt.Fprintln(w, "warning:", res.Warning)
		}
		if res.Confirmation != nil {
			c := res.Confirmation
			fmt.Fprintf(w, "%s %s at %s\n", c.SubjectName, c.Status, c.RecordedAt.Local().Format("15:04:05"))
		}
	}
	if !res.Success {
		return fmt.Errorf("%s", res.Error)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =====================================================
// scan / sync / clear
// =====================================================

func scanCommand() *cobra.Command {
	var location, notes string
	cmd := &cobra.Command{
		Use:   "scan <code>",
		Short: "Submit one scanned code, queuing it when offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				if err := a.prepare(ctx); err != nil {
					return err
				}
				loc := location
				if loc == "" {
					loc = a.cfg.Device.Location
				}
				return printResult(cmd.OutOrStdout(), a.orch.Scan(ctx, args[0], loc, notes))
			})
		},
	}
	cmd.Flags().StringVarP(&location, "location", "l", "", "scan location (defaults to device.location)")
	cmd.Flags().StringVarP(&notes, "notes", "n", "", "free-text notes")
	return cmd
}

func syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Submit every queued scan now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				if err := a.prepare(ctx); err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), a.orch.Sync(ctx))
			})
		},
	}
}

func clearCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("queued scans are discarded without being submitted; pass --yes to confirm")
			}
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				if err := a.orch.Restore(ctx); err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), a.orch.ClearQueue(ctx))
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm discarding the queue")
	return cmd
}

// =====================================================
// status
// =====================================================

type statusReport struct {
	Location     string                   `json:"location,omitempty"`
	Backend      string                   `json:"backend"`
	Online       bool                     `json:"online"`
	Connectivity models.ConnectivityState `json:"connectivity"`
	Pending      int                      `json:"pending"`
	OldestAge    string                   `json:"oldestPendingAge,omitempty"`
	Summary      models.DailySummary      `json:"summary"`
	LoggedIn     bool                     `json:"loggedIn"`
	LastError    string                   `json:"lastError,omitempty"`
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending scans, connectivity and today's summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, a *agent) error {
				report, err := buildStatus(ctx, a, time.Now())
				if err != nil {
					return err
				}
				if globalFlags.json {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				printStatus(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func buildStatus(ctx context.Context, a *agent, now time.Time) (statusReport, error) {
	if err := a.prepare(ctx); err != nil {
		return statusReport{}, err
	}

	records, err := a.store.LoadAll(ctx)
	if err != nil {
		return statusReport{}, err
	}

	report := statusReport{
		Location:     a.cfg.Device.Location,
		Backend:      a.client.BaseURL(),
		Online:       a.monitor.IsOnline(),
		Connectivity: a.monitor.State(),
		Pending:      len(records),
		LoggedIn:     a.tokens.HasToken(),
	}
	if oldest := oldestPending(records); !oldest.IsZero() {
		report.OldestAge = now.Sub(oldest).Round(time.Second).String()
	}

	if report.Online && report.LoggedIn {
		if res := a.orch.RefreshToday(ctx); !res.Success {
			report.LastError = res.Error
		}
	}
	report.Summary = a.orch.Summary()
	return report, nil
}

func oldestPending(records []models.ScanRecord) time.Time {
	var oldest time.Time
	for _, r := range records {
		if oldest.IsZero() || r.CapturedAt.Before(oldest) {
			oldest = r.CapturedAt
		}
	}
	return oldest
}

func printStatus(w io.Writer, r statusReport) {
	online := "offline"
	if r.Online {
		online = "online"
	}
	if r.Connectivity.TransportType != "" {
		online += " (" + r.Connectivity.TransportType + ")"
	}
	pending := fmt.Sprintf("%d", r.Pending)
	if r.OldestAge != "" {
		pending += fmt.Sprintf(" (oldest %s ago)", r.OldestAge)
	}
	session := "not logged in"
	if r.LoggedIn {
		session = "token stored"
	}

	if r.Location != "" {
		fmt.Fprintf(w, "Location:     %s\n", r.Location)
	}
	fmt.Fprintf(w, "Backend:      %s\n", r.Backend)
	fmt.Fprintf(w, "Connectivity: %s\n", online)
	fmt.Fprintf(w, "Session:      %s\n", session)
	fmt.Fprintf(w, "Pending:      %s\n", pending)
	fmt.Fprintf(w, "Today:        %s  scanned %d, present %d, late %d\n",
		r.Summary.Date, r.Summary.Scanned, r.Summary.Present, r.Summary.Late)
	if r.LastError != "" {
		fmt.Fprintf(w, "Last error:   %s\n", r.LastError)
	}
}

// =====================================================
// token
// =====================================================

func tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the stored session token",
	}

	setCmd := &cobra.Command{
		Use:   "set [token]",
		Short: "Store the bearer token, read from stdin when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return withAgent(cmd, func(_ context.Context, a *agent) error {
				if err := a.tokens.Set(token); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Token stored for account %q\n", a.tokens.Account())
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(_ context.Context, a *agent) error {
				if err := a.tokens.Clear(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Token cleared for account %q\n", a.tokens.Account())
				return nil
			})
		},
	}

	cmd.AddCommand(setCmd, clearCmd)
	return cmd
}

func readToken(in io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("no token given")
	}
	return line, nil
}

// =====================================================
// version
// =====================================================

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", programName, Version)
		},
	}
}
