// ABOUTME: Admin CLI for probeops-gateway: agents, one-off diagnostics and scheduled probes
// ABOUTME: Talks to the gateway HTTP API with an optional JWT from PROBEOPS_TOKEN or the token file

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/probeops/probeops-gateway/internal/gateway"
)

const banner = `
                 _                                          _           _
 _ __  _ __ ___ | |__   ___  ___  _ __  ___        __ _  __| |_ __ ___ (_)_ __
| '_ \| '__/ _ \| '_ \ / _ \/ _ \| '_ \/ __|_____ / _' |/ _' | '_ ' _ \| | '_ \
| |_) | | | (_) | |_) |  __/ (_) | |_) \__ \_____| (_| | (_| | | | | | | | | | |
| .__/|_|  \___/|_.__/ \___|\___/| .__/|___/      \__,_|\__,_|_| |_| |_|_|_| |_|
|_|                              |_|
`

var (
	gatewayURL string
	token      string
	timeout    time.Duration
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := buildCLI().ExecuteContext(ctx); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "probeops-admin",
		Short:         "Manage a probeops-gateway over its HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if token == "" {
				token = getToken()
			}
		},
	}
	root.SetHelpTemplate(color.CyanString(banner) + "\n" + root.HelpTemplate())

	root.PersistentFlags().StringVar(&gatewayURL, "url", envOr("PROBEOPS_URL", "http://localhost:8080"), "gateway HTTP base URL")
	root.PersistentFlags().StringVar(&token, "token", "", "JWT for user routes (default $PROBEOPS_TOKEN or the token file)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "HTTP request timeout")

	root.AddCommand(
		buildNodesCommand(),
		buildRunCommand(),
		buildResultCommand(),
		buildHistoryCommand(),
		buildSchedulesCommand(),
	)
	return root
}

func client() *apiClient {
	return newAPIClient(gatewayURL, token, timeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getToken reads PROBEOPS_TOKEN, then the token file next to the gateway config.
func getToken() string {
	if token := os.Getenv("PROBEOPS_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "probeops", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func buildNodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List connected probe agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var nodes []gateway.NodeResponse
			if err := client().do(cmd.Context(), "GET", "/nodes", nil, &nodes); err != nil {
				return err
			}
			if len(nodes) == 0 {
				color.Yellow("  No agents connected")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  NODE\tSTATE\tREMOTE\tLAST SEEN")
			fmt.Fprintln(w, "  ----\t-----\t------\t---------")
			for _, n := range nodes {
				state := color.GreenString("connected")
				if !n.Connected {
					state = color.HiBlackString("heartbeat only")
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\t%ds ago\n", n.NodeID, state, n.RemoteAddr, n.SecondsSinceLastSeen)
			}
			return w.Flush()
		},
	}
}

func buildRunCommand() *cobra.Command {
	var port int
	var params []string

	cmd := &cobra.Command{
		Use:   "run <tool> <target>",
		Short: "Run a diagnostic on any agent and wait for the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			p["target"] = args[1]
			if cmd.Flags().Changed("port") {
				p["port"] = port
			}

			var res gateway.DiagnosticResponse
			err = client().do(cmd.Context(), "POST", "/diagnostics/run", gateway.DiagnosticRequest{Tool: args[0], Params: p}, &res)
			if err != nil {
				return err
			}
			printDiagnostic(res)
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port for port_check")
	cmd.Flags().StringArrayVar(&params, "param", nil, "extra tool parameter as key=value (repeatable)")
	return cmd
}

// parseParams turns key=value pairs into a params map.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

func printDiagnostic(res gateway.DiagnosticResponse) {
	status := color.GreenString(res.Status)
	if res.Status != "success" {
		status = color.RedString(res.Status)
	}

	fmt.Println()
	color.Cyan("  %s %s", res.Tool, res.Target)
	fmt.Printf("  Job:      %s\n", res.JobID)
	fmt.Printf("  Status:   %s\n", status)
	if res.ExecutionTime != nil {
		fmt.Printf("  Duration: %dms\n", *res.ExecutionTime)
	}
	fmt.Println()
	for _, line := range strings.Split(strings.TrimRight(res.Result, "\n"), "\n") {
		fmt.Printf("    %s\n", line)
	}
	fmt.Println()
}

func buildResultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "result <job-id>",
		Short: "Show the stored result of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res gateway.JobResultResponse
			if err := client().do(cmd.Context(), "GET", "/job-result/"+url.PathEscape(args[0]), nil, &res); err != nil {
				return err
			}
			status := "success"
			if !res.Success {
				status = "failure"
			}
			printDiagnostic(gateway.DiagnosticResponse{
				JobID:  res.JobID,
				Tool:   res.JobType,
				Target: res.Target,
				Status: status,
				Result: res.Output,
			})
			return nil
		},
	}
}

func buildHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List your recent diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var results []gateway.DiagnosticResponse
			path := "/diagnostics/history?limit=" + strconv.Itoa(limit)
			if err := client().do(cmd.Context(), "GET", path, nil, &results); err != nil {
				return err
			}
			return printResults(results)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of results")
	return cmd
}

func printResults(results []gateway.DiagnosticResponse) error {
	if len(results) == 0 {
		color.Yellow("  No results")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  JOB\tTOOL\tTARGET\tSTATUS\tWHEN")
	fmt.Fprintln(w, "  ---\t----\t------\t------\t----")
	for _, r := range results {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", truncate(r.JobID, 12), r.Tool, truncate(r.Target, 32), r.Status, r.CreatedAt.Local().Format("Jan 02 15:04"))
	}
	return w.Flush()
}

func buildSchedulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"schedule"},
		Short:   "Manage scheduled probes",
	}
	cmd.AddCommand(
		buildSchedulesListCommand(),
		buildSchedulesCreateCommand(),
		buildSchedulesToggleCommand(),
		buildSchedulesDeleteCommand(),
		buildSchedulesResultsCommand(),
	)
	return cmd
}

func buildSchedulesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your scheduled probes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []gateway.ScheduledProbeResponse
			if err := client().do(cmd.Context(), "GET", "/scheduled_probes", nil, &list); err != nil {
				return err
			}
			if len(list) == 0 {
				color.Yellow("  No scheduled probes")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tNAME\tTOOL\tTARGET\tEVERY\tACTIVE")
			fmt.Fprintln(w, "  --\t----\t----\t------\t-----\t------")
			for _, p := range list {
				active := color.GreenString("yes")
				if !p.IsActive {
					active = color.HiBlackString("no")
				}
				fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%dm\t%s\n", p.ID, truncate(p.Name, 24), p.Tool, truncate(p.Target, 32), p.IntervalMinutes, active)
			}
			return w.Flush()
		},
	}
}

func buildSchedulesCreateCommand() *cobra.Command {
	var (
		name, description, tool, target string
		interval                        int
		inactive, alertOnFailure        bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a scheduled probe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			active := !inactive
			req := gateway.ScheduledProbeRequest{
				Name:            &name,
				Description:     &description,
				Tool:            &tool,
				Target:          &target,
				IntervalMinutes: &interval,
				IsActive:        &active,
				AlertOnFailure:  &alertOnFailure,
			}

			var p gateway.ScheduledProbeResponse
			if err := client().do(cmd.Context(), "POST", "/scheduled_probes", req, &p); err != nil {
				return err
			}
			color.Green("  ✓ Created scheduled probe %d (%s every %dm)", p.ID, p.Tool, p.IntervalMinutes)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unique probe name")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringVar(&tool, "tool", "", "diagnostic tool (ping, dns, curl, ...)")
	cmd.Flags().StringVar(&target, "target", "", "host, address or URL to probe")
	cmd.Flags().IntVar(&interval, "interval", 5, "minutes between runs")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create without starting the schedule")
	cmd.Flags().BoolVar(&alertOnFailure, "alert-on-failure", false, "flag failed runs for alerting")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("tool")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func scheduleArg(args []string) (int64, error) {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid scheduled probe id %q", args[0])
	}
	return id, nil
}

func buildSchedulesToggleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Pause or resume a scheduled probe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := scheduleArg(args)
			if err != nil {
				return err
			}
			var p gateway.ScheduledProbeResponse
			if err := client().do(cmd.Context(), "POST", fmt.Sprintf("/scheduled_probes/%d/toggle", id), nil, &p); err != nil {
				return err
			}
			state := "paused"
			if p.IsActive {
				state = "active"
			}
			color.Green("  ✓ Scheduled probe %d is now %s", p.ID, state)
			return nil
		},
	}
}

func buildSchedulesDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a scheduled probe (its results are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := scheduleArg(args)
			if err != nil {
				return err
			}
			if err := client().do(cmd.Context(), "DELETE", fmt.Sprintf("/scheduled_probes/%d", id), nil, nil); err != nil {
				return err
			}
			color.Green("  ✓ Deleted scheduled probe %d", id)
			return nil
		},
	}
}

func buildSchedulesResultsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "results <id>",
		Short: "List results produced by a scheduled probe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := scheduleArg(args)
			if err != nil {
				return err
			}
			var results []gateway.DiagnosticResponse
			path := fmt.Sprintf("/scheduled_probes/%d/results?limit=%d", id, limit)
			if err := client().do(cmd.Context(), "GET", path, nil, &results); err != nil {
				return err
			}
			return printResults(results)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of results")
	return cmd
}

// truncate shortens a string to maxLen, adding "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
