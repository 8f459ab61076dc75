// ABOUTME: Gateway orchestrator that coordinates the HTTP, WebSocket and gRPC health servers
// ABOUTME: Wires the agent registry, dispatcher, scheduler and store together and owns their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/probeops/probeops-gateway/internal/agent"
	"github.com/probeops/probeops-gateway/internal/auth"
	"github.com/probeops/probeops-gateway/internal/config"
	"github.com/probeops/probeops-gateway/internal/dedupe"
	"github.com/probeops/probeops-gateway/internal/dispatch"
	"github.com/probeops/probeops-gateway/internal/metrics"
	"github.com/probeops/probeops-gateway/internal/probes"
	"github.com/probeops/probeops-gateway/internal/scheduler"
	"github.com/probeops/probeops-gateway/internal/store"
)

// DispatchHealthService is the gRPC health service name that reports
// SERVING while at least one agent is connected.
const DispatchHealthService = "probeops.dispatch"

// Gateway orchestrates the probeops-gateway server components.
type Gateway struct {
	config      *config.Config
	registry    *agent.Registry
	dispatcher  *dispatch.Dispatcher
	scheduler   *scheduler.Scheduler
	probes      *probes.Service
	store       store.Store
	settled     *dedupe.Cache
	metrics     *metrics.Collector
	apiKeys     *auth.APIKeyVerifier
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	handler     http.Handler
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string

	// background stops the liveness sweep
	background     context.CancelFunc
	backgroundDone sync.WaitGroup
	shutdownOnce   sync.Once
	shutdownErr    error
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PROBEOPS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server carrying the standard health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus(DispatchHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	selector, err := agent.NewSelector(cfg.Dispatch.Selection)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	grpcServer, healthServer := createGRPCServer()

	gw := &Gateway{
		config:     cfg,
		store:      s,
		metrics:    collector,
		grpcServer: grpcServer,
		health:     healthServer,
		logger:     logger.With("component", "gateway"),
		serverID:   generateServerID(),
		settled:    dedupe.New(5*time.Minute, 100_000), // TTL 5min, max 100k entries
	}

	gw.registry = agent.NewRegistry(agent.RegistryConfig{
		Selector:         selector,
		DuplicatePolicy:  agent.DuplicatePolicy(cfg.Agents.DuplicatePolicy),
		HeartbeatTimeout: cfg.Agents.HeartbeatTimeout,
		OnChange:         gw.agentsChanged,
		Logger:           logger.With("component", "registry"),
	})

	gw.dispatcher = dispatch.New(dispatch.Config{
		Agents:             gw.registry,
		Results:            s,
		Settled:            gw.settled,
		Metrics:            collector,
		InteractiveTimeout: cfg.Dispatch.InteractiveTimeout,
		ScheduledTimeout:   cfg.Dispatch.ScheduledTimeout,
		Logger:             logger.With("component", "dispatcher"),
	})

	gw.scheduler = scheduler.New(scheduler.Config{
		Definitions: s,
		Dispatcher:  gw.dispatcher,
		Results:     s,
		Metrics:     collector,
		Workers:     cfg.Scheduler.Workers,
		QueueSize:   cfg.Scheduler.QueueSize,
		Logger:      logger,
	})

	gw.probes = probes.NewService(s, gw.scheduler, logger.With("component", "probes"))
	gw.apiKeys = auth.NewAPIKeyVerifier(s, logger.With("component", "apikeys"))

	gw.handler = gw.routes(cfg, logger)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux. User routes require a bearer JWT when a secret
// is configured and run anonymously otherwise.
func (g *Gateway) routes(cfg *config.Config, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, g.metrics.Handler())
	}

	// Agent endpoint and node-level API
	mux.HandleFunc("GET /ws/node", g.handleAgentSocket)
	mux.HandleFunc("GET /nodes", g.handleListNodes)
	mux.HandleFunc("POST /send-job", g.handleSendJob)
	mux.HandleFunc("GET /job-result/{job_id}", g.handleJobResult)

	// Machine API - API key required
	mux.Handle("POST /probe", auth.RequireAPIKey(g.apiKeys)(http.HandlerFunc(g.handleProbe)))

	var requireUser func(http.Handler) http.Handler
	if cfg.Auth.JWTSecret != "" {
		requireUser = auth.RequireUser(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)))
		logger.Info("HTTP auth middleware enabled")
	} else {
		requireUser = auth.RequireUser(nil)
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	user := func(h http.HandlerFunc) http.Handler { return requireUser(h) }

	mux.Handle("POST /diagnostics/run", user(g.handleRunDiagnostic))
	mux.Handle("GET /diagnostics/history", user(g.handleDiagnosticHistory))

	mux.Handle("GET /scheduled_probes", user(g.handleListSchedules))
	mux.Handle("POST /scheduled_probes", user(g.handleCreateSchedule))
	mux.Handle("GET /scheduled_probes/{id}", user(g.handleGetSchedule))
	mux.Handle("PUT /scheduled_probes/{id}", user(g.handleUpdateSchedule))
	mux.Handle("DELETE /scheduled_probes/{id}", user(g.handleDeleteSchedule))
	mux.Handle("POST /scheduled_probes/{id}/toggle", user(g.handleToggleSchedule))
	mux.Handle("GET /scheduled_probes/{id}/results", user(g.handleScheduleResults))

	return mux
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Registry returns the agent registry.
func (g *Gateway) Registry() *agent.Registry {
	return g.registry
}

// Metrics returns the metrics collector, or nil when metrics are disabled.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// ApplyConfig applies the hot-reloadable parts of cfg to a running gateway.
func (g *Gateway) ApplyConfig(cfg *config.Config) {
	g.dispatcher.SetTimeouts(cfg.Dispatch.InteractiveTimeout, cfg.Dispatch.ScheduledTimeout)
	g.logger.Info("applied config reload",
		"interactive_timeout", cfg.Dispatch.InteractiveTimeout,
		"scheduled_timeout", cfg.Dispatch.ScheduledTimeout,
	)
}

// agentsChanged keeps the gRPC health status and gauge in step with the
// number of connected agents.
func (g *Gateway) agentsChanged(connected int) {
	g.metrics.SetAgentsConnected(connected)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(DispatchHealthService, status)
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"server_id", g.serverID,
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground loads scheduled probes, starts the workers and, when
// configured, the heartbeat liveness sweep.
func (g *Gateway) startBackground(ctx context.Context) error {
	if _, err := g.scheduler.LoadActive(ctx); err != nil {
		return err
	}
	g.scheduler.Start()

	bgCtx, cancel := context.WithCancel(context.Background())
	g.background = cancel

	if timeout := g.config.Agents.HeartbeatTimeout; timeout > 0 {
		interval := g.config.Agents.SweepInterval
		if interval <= 0 {
			interval = config.DefaultSweepInterval
		}
		g.logger.Info("agent liveness sweep enabled", "heartbeat_timeout", timeout, "interval", interval)
		g.backgroundDone.Add(1)
		go func() {
			defer g.backgroundDone.Done()
			g.registry.Run(bgCtx, interval)
		}()
	}
	return nil
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if err := g.startBackground(ctx); err != nil {
		_ = grpcListener.Close()
		_ = httpListener.Close()
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The Run context is already canceled by the time this runs.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "probeops-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// In-flight waiting callers fail with dispatch.ErrDispatcherClosed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.background != nil {
		g.background()
		g.backgroundDone.Wait()
	}
	g.scheduler.Stop()
	g.dispatcher.Close()
	g.registry.CloseAll()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.settled.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("probeops-gateway-%d", time.Now().UnixNano()%1000000)
}
