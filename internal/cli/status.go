package cli

import (
	stdcontext "context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/tether/internal/api"
	"github.com/Paintersrp/tether/internal/config"
)

const apiTimeout = 5 * time.Second

func newStatusCmd(ctx *context) *cobra.Command {
	var (
		apiAddr    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the backend state of a running shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := ctx.resolveAPIAddr(apiAddr)
			report, err := fetchStatus(cmd.Context(), addr)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api", "", "Control API address (defaults to the manifest's api.addr)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw status document")
	return cmd
}

func newShutdownCmd(ctx *context) *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Ask a running shell to exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := ctx.resolveAPIAddr(apiAddr)
			var body struct {
				Shutdown api.ShutdownResult `json:"shutdown"`
			}
			if err := callAPI(cmd.Context(), http.MethodPost, addr, "/api/v1/shutdown", &body); err != nil {
				return err
			}
			if body.Shutdown.AlreadyShutdown {
				fmt.Fprintf(cmd.OutOrStdout(), "Shell already shutting down (%s)\n", body.Shutdown.Event)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested")
			return nil
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api", "", "Control API address (defaults to the manifest's api.addr)")
	return cmd
}

// resolveAPIAddr prefers the flag, then the manifest, then the default.
func (c *context) resolveAPIAddr(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if m, err := c.loadManifest(); err == nil && m.API.Addr != "" {
		return m.API.Addr
	}
	return config.DefaultAPIAddr
}

func fetchStatus(ctx stdcontext.Context, addr string) (*api.StatusReport, error) {
	var report api.StatusReport
	if err := callAPI(ctx, http.MethodGet, addr, "/api/v1/status", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func callAPI(ctx stdcontext.Context, method, addr, path string, out any) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	ctx, cancel := stdcontext.WithTimeout(ctx, apiTimeout)
	defer cancel()

	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact shell at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var body apiError
		if json.Unmarshal(data, &body) == nil && body.Message != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, body.Message, body.Code)
		}
		return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printStatus(out io.Writer, report *api.StatusReport) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tSTATE\tPID\tUPTIME\tCOMMAND")
	pid, uptime, command := "-", "-", "-"
	state := string(report.State)
	if p := report.Process; p != nil {
		pid = fmt.Sprintf("%d", p.PID)
		if !p.StartedAt.IsZero() {
			age := time.Since(p.StartedAt)
			if age < 0 {
				age = 0
			}
			uptime = age.Truncate(time.Second).String()
		}
		command = strings.TrimSpace(p.Executable + " " + strings.Join(p.Args, " "))
		if p.Exited {
			state += " (exited)"
		}
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", report.Backend, state, pid, uptime, command)
	w.Flush()

	if report.App != "" {
		fmt.Fprintf(out, "\nApp: %s\n", report.App)
	}
	if report.Process != nil && report.Process.ExitError != "" {
		fmt.Fprintf(out, "Exit: %s\n", report.Process.ExitError)
	}
	if report.Shutdown != "" {
		fmt.Fprintf(out, "Shutdown: %s\n", report.Shutdown)
	}
}
