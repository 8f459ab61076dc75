// ABOUTME: Interactive "init" command that writes a starter gateway config
// ABOUTME: Answers are collected into a config.Config, validated, and written as YAML

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/probeops/probeops-gateway/internal/config"
)

// asker reads answers from an interactive terminal. On EOF every question
// takes its default.
type asker struct {
	in  *bufio.Reader
	out io.Writer
}

func (a *asker) ask(question, def string) string {
	if def != "" {
		fmt.Fprintf(a.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(a.out, "%s: ", question)
	}

	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(a.out)
		return def
	}
	if answer := strings.TrimSpace(line); answer != "" {
		return answer
	}
	return def
}

func (a *asker) confirm(question string, def bool) bool {
	d := "no"
	if def {
		d = "yes"
	}
	switch strings.ToLower(a.ask(question, d)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func (a *asker) section(name string) {
	fmt.Fprintf(a.out, "\n--- %s ---\n", name)
}

func runInit() error {
	a := &asker{in: bufio.NewReader(os.Stdin), out: os.Stdout}

	fmt.Println("probeops-gateway configuration setup")
	fmt.Println(strings.Repeat("=", 36))
	fmt.Println()

	path := a.ask("Config file path", getConfigPath())
	if _, err := os.Stat(path); err == nil && !a.confirm("File exists. Overwrite?", false) {
		fmt.Println("Aborted.")
		return nil
	}

	cfg, err := collectConfig(a)
	if err != nil {
		return err
	}

	data, err := renderConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file may hold the JWT secret and a tailscale auth key.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", path)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext:")
	fmt.Println("  probeops-gateway serve")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("  probeops-gateway token --user 1 > ~/.config/probeops/token")
	}
	return nil
}

func collectConfig(a *asker) (*config.Config, error) {
	cfg := &config.Config{}

	a.section("Server")
	cfg.Server.GRPCAddr = a.ask("gRPC address", "localhost:50051")
	cfg.Server.HTTPAddr = a.ask("HTTP address", "localhost:8080")

	a.section("Database")
	cfg.Database.Path = a.ask("SQLite database path", filepath.Join(getDataPath(), "gateway.db"))
	cfg.Database.Driver = a.ask("Driver (sqlite/sqlite3)", "sqlite")

	a.section("Tailscale")
	if a.confirm("Enable Tailscale?", false) {
		cfg.Tailscale.Enabled = true
		cfg.Tailscale.Hostname = a.ask("Tailscale hostname", "probeops-gateway")
		cfg.Tailscale.AuthKey = a.ask("Tailscale auth key (leave empty for interactive)", "")
		cfg.Tailscale.Ephemeral = a.confirm("Ephemeral node?", false)
	}

	a.section("Auth")
	if a.confirm("Require signed-in users (generate a JWT secret)?", true) {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating JWT secret: %w", err)
		}
		cfg.Auth.JWTSecret = base64.StdEncoding.EncodeToString(secret)
	}

	a.section("Dispatch")
	cfg.Dispatch.InteractiveTimeoutRaw = a.ask("Interactive job timeout", config.DefaultInteractiveTimeout.String())
	cfg.Dispatch.ScheduledTimeoutRaw = a.ask("Scheduled job timeout", config.DefaultScheduledTimeout.String())
	cfg.Dispatch.Selection = a.ask("Agent selection (round_robin/first)", "round_robin")

	a.section("Agents")
	cfg.Agents.DuplicatePolicy = a.ask("Duplicate node names (replace/reject)", "replace")
	cfg.Agents.HeartbeatTimeoutRaw = a.ask("Evict agents silent for (0 disables)", "45s")
	cfg.Agents.SweepIntervalRaw = config.DefaultSweepInterval.String()

	cfg.Scheduler.Workers = config.DefaultSchedulerWorkers
	cfg.Scheduler.QueueSize = config.DefaultSchedulerQueueSize

	a.section("Logging")
	cfg.Logging.Level = a.ask("Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = a.ask("Log format (text/json)", "text")

	cfg.Metrics.Enabled = a.confirm("Expose Prometheus metrics?", true)
	cfg.Metrics.Path = config.DefaultMetricsPath

	return cfg, nil
}

// renderConfig marshals cfg and checks that serve would accept the result.
func renderConfig(cfg *config.Config) ([]byte, error) {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	data := append([]byte("# probeops-gateway configuration\n# Generated by probeops-gateway init\n\n"), body...)

	if _, err := config.Parse(data, config.FormatYAML); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}
	return data, nil
}
