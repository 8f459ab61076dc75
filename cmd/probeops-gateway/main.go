// ABOUTME: Entry point for the probeops-gateway server
// ABOUTME: Serves the probe agent socket and HTTP API, and mints tokens and API keys for operators

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/probeops/probeops-gateway/internal/auth"
	"github.com/probeops/probeops-gateway/internal/config"
	"github.com/probeops/probeops-gateway/internal/gateway"
	"github.com/probeops/probeops-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _                                       _
 _ __  _ __ ___ | |__   ___  ___  _ __  ___    __ _  __ _| |_ _____      ____ _ _   _
| '_ \| '__/ _ \| '_ \ / _ \/ _ \| '_ \/ __|  / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_) | | | (_) | |_) |  __/ (_) | |_) \__ \ | (_| | (_| | ||  __/\ V  V / (_| | |_| |
| .__/|_|  \___/|_.__/ \___|\___/| .__/|___/  \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
|_|                              |_|          |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: PROBEOPS_CONFIG env var > XDG_CONFIG_HOME/probeops/gateway.yaml > ~/.config/probeops/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PROBEOPS_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "probeops", "gateway.yaml")
}

// getDataPath returns the path to the probeops data directory.
// Priority: XDG_DATA_HOME/probeops > ~/.local/share/probeops
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "probeops")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: probeops-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the gateway server")
		fmt.Println("  init                           Create a new config file interactively")
		fmt.Println("  health                         Check gateway health over gRPC")
		fmt.Println("  nodes                          List connected probe agents")
		fmt.Println("  token --user ID [--ttl 720h]   Mint a user JWT")
		fmt.Println("  apikey --user ID --name NAME   Issue an API key for /probe")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "nodes":
		err = runNodes(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "apikey":
		err = runAPIKey(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Logging.Level))
	logger := setupLogger(cfg.Logging, level)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Timeouts:  interactive %s, scheduled %s\n", cfg.Dispatch.InteractiveTimeout, cfg.Dispatch.ScheduledTimeout)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! no jwt_secret set, user routes run anonymously")
	}

	fmt.Println()

	logger.Info("starting probeops-gateway",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	go func() {
		err := config.Watch(ctx, configPath, logger.With("component", "config"), func(next *config.Config) {
			level.Set(parseLevel(next.Logging.Level))
			gw.ApplyConfig(next)
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}()

	return gw.Run(ctx)
}

// localAddr turns a listen address into one a local client can dial.
func localAddr(addr string) string {
	if strings.HasPrefix(addr, "0.0.0.0:") {
		return "localhost" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// runHealth asks the gRPC health service whether the dispatcher is serving.
func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	conn, err := grpc.NewClient(localAddr(cfg.Server.GRPCAddr), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: gateway.DispatchHealthService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", resp.GetStatus())
	}

	fmt.Println("healthy")
	return nil
}

func runNodes(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/nodes", localAddr(cfg.Server.HTTPAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	defer resp.Body.Close()

	var nodes []gateway.NodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return fmt.Errorf("decoding nodes: %w", err)
	}

	if len(nodes) == 0 {
		color.Yellow("no agents connected")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tCONNECTED\tREMOTE\tLAST SEEN")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%t\t%s\t%ds ago\n", n.NodeID, n.Connected, n.RemoteAddr, n.SecondsSinceLastSeen)
	}
	return w.Flush()
}

// flagValue reads "--name value" or "--name=value" from args.
func flagValue(args []string, name string) (string, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--"+name:
			if i+1 >= len(args) {
				return "", fmt.Errorf("--%s requires a value", name)
			}
			return args[i+1], nil
		case strings.HasPrefix(arg, "--"+name+"="):
			return strings.TrimPrefix(arg, "--"+name+"="), nil
		}
	}
	return "", nil
}

func userFlag(args []string) (int64, error) {
	raw, err := flagValue(args, "user")
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, fmt.Errorf("--user flag is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("--user must be a positive integer")
	}
	return id, nil
}

// runToken mints a JWT for a user id, signed with the configured secret.
func runToken(args []string) error {
	userID, err := userFlag(args)
	if err != nil {
		return err
	}

	ttl := 30 * 24 * time.Hour
	if raw, err := flagValue(args, "ttl"); err != nil {
		return err
	} else if raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing --ttl: %w", err)
		}
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	color.New(color.FgHiBlack).Fprintf(os.Stderr, "expires %s\n", time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

// runAPIKey issues an API key directly against the database. The raw key is
// printed once and cannot be recovered.
func runAPIKey(ctx context.Context, args []string) error {
	userID, err := userFlag(args)
	if err != nil {
		return err
	}
	name, err := flagValue(args, "name")
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	raw, key, err := auth.NewAPIKeyVerifier(s, logger).Issue(ctx, userID, name)
	if err != nil {
		return fmt.Errorf("issuing api key: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Issued API key %q (id %d) for user %d\n", key.Name, key.ID, key.UserID)
	fmt.Println()
	fmt.Printf("  %s\n", raw)
	fmt.Println()
	yellow.Printf("  Send it in the %s header. It will not be shown again.\n", auth.APIKeyHeader)
	return nil
}
