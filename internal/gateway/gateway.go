// ABOUTME: Gateway orchestrator that wires the store, loader, lifecycle manager and listeners
// ABOUTME: Serves published tool endpoints, the admin API and health checks on one HTTP listener

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/acme/autocert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/grimoire/internal/auth"
	"github.com/2389/grimoire/internal/authgate"
	"github.com/2389/grimoire/internal/config"
	"github.com/2389/grimoire/internal/loader"
	"github.com/2389/grimoire/internal/mcp"
	"github.com/2389/grimoire/internal/notify"
	"github.com/2389/grimoire/internal/quota"
	"github.com/2389/grimoire/internal/registry"
	"github.com/2389/grimoire/internal/routes"
	"github.com/2389/grimoire/internal/services"
	"github.com/2389/grimoire/internal/store"
)

// tailscaleGRPCPort is the tailnet port for the gRPC health server.
const tailscaleGRPCPort = ":50051"

// Gateway orchestrates the grimoire server components.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store       store.Store
	redisClient *redis.Client // nil with the local quota backend
	accountant  quota.Accountant
	loader      *loader.Loader
	registry    *registry.Registry
	mounter     *routes.Mounter
	authgate    *authgate.Gateway
	manager     *services.Manager

	health   *healthReporter
	notifier *notify.Matrix

	handler     http.Handler
	httpServer  *http.Server
	grpcServer  *grpc.Server
	tsnetServer *tsnet.Server
	certManager *autocert.Manager

	ready atomic.Bool
}

// initStore opens the SQLite store, honoring GRIMOIRE_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("GRIMOIRE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initAccountant builds the quota backend selected by config.
func initAccountant(cfg *config.Config, s store.Store, logger *slog.Logger) (quota.Accountant, *redis.Client, error) {
	loc, err := cfg.Quota.Location()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving quota timezone: %w", err)
	}

	if cfg.Quota.Backend != "redis" {
		logger.Info("quota backend: local", "timezone", loc.String())
		return quota.NewLocal(s, loc, nil), nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := quota.Connect(ctx, cfg.Quota.RedisAddr, cfg.Quota.RedisPassword, cfg.Quota.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("quota backend: redis", "addr", cfg.Quota.RedisAddr, "timezone", loc.String())
	return quota.NewRedis(quota.RedisOptions{
		Client:   client,
		Mirror:   s,
		Location: loc,
		Logger:   logger,
	}), client, nil
}

// createGRPCServer creates the gRPC server that carries the health service.
func createGRPCServer(h *healthReporter) *grpc.Server {
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
	h.register(server)
	return server
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		logger: logger.With("component", "gateway"),
		store:  s,
	}
	if err := gw.init(logger); err != nil {
		_ = s.Close()
		if gw.redisClient != nil {
			_ = gw.redisClient.Close()
		}
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) init(logger *slog.Logger) error {
	cfg := g.config

	acct, client, err := initAccountant(cfg, g.store, logger)
	if err != nil {
		return err
	}
	g.accountant = acct
	g.redisClient = client

	g.loader, err = loader.New(loader.Options{
		WorkDir:     cfg.Loader.WorkDir,
		Retain:      cfg.Loader.Retain,
		CallTimeout: cfg.Loader.CallTimeout,
		LoadTimeout: cfg.Loader.LoadTimeout,
		AllowUnsafe: cfg.Loader.AllowUnsafe,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating loader: %w", err)
	}
	if cfg.Loader.AllowUnsafe {
		g.logger.Warn("loader.allow_unsafe is set: modules may import syscall and unsafe")
	}

	g.registry = registry.NewRegistry(logger)
	g.mounter = routes.NewMounter(logger)
	g.authgate = authgate.New(authgate.Config{
		PathPrefix: cfg.Server.PathPrefix,
		Store:      g.store,
		Quota:      g.accountant,
		Next:       g.mounter,
		Logger:     logger,
	})

	g.manager, err = services.NewManager(services.Config{
		Store:        g.store,
		Loader:       g.loader,
		Registry:     g.registry,
		Mounter:      g.mounter,
		Resolver:     g.authgate,
		Endpoints:    g.newEndpoint,
		PathPrefix:   cfg.Server.PathPrefix,
		DrainTimeout: cfg.Server.ShutdownTimeout,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating service manager: %w", err)
	}

	g.health = newHealthReporter()
	g.manager.AddObserver(g.health)
	g.grpcServer = createGRPCServer(g.health)

	if cfg.Matrix.Enabled() {
		g.notifier, err = notify.NewMatrix(cfg.Matrix, logger)
		if err != nil {
			return err
		}
		g.manager.AddObserver(g.notifier)
		g.logger.Info("matrix notifications enabled", "room", cfg.Matrix.RoomID)
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
		g.logger.Info("admin API auth enabled")
	} else {
		g.logger.Warn("admin API auth disabled - no jwt_secret configured")
	}

	loc, _ := cfg.Quota.Location()
	apiRouter := newAPIRouter(&api{
		manager: g.manager,
		store:   g.store,
		loc:     loc,
		now:     time.Now,
		logger:  logger.With("component", "api"),
	}, verifier)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.Handle("/api/", http.StripPrefix("/api", apiRouter))
	// Everything else is a published service path or a 404
	mux.Handle("/", g.authgate)
	g.handler = mux

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return nil
}

// newEndpoint builds the MCP endpoint for a loaded service.
func (g *Gateway) newEndpoint(svc *store.Service, ts *registry.Toolset) (routes.Endpoint, error) {
	srv, err := mcp.NewServer(mcp.Config{
		ServiceID:   svc.ID,
		Name:        svc.Name,
		Toolset:     ts,
		MessagePath: authgate.MessagePath(svc.StreamPath),
		Protocol:    svc.Protocol,
		Keepalive:   g.config.Server.SSEKeepalive,
		Logger:      g.logger,
	})
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Manager returns the service lifecycle manager.
func (g *Gateway) Manager() *services.Manager {
	return g.manager
}

// Reconcile starts every enabled service and marks the gateway ready.
func (g *Gateway) Reconcile(ctx context.Context) error {
	result, err := g.manager.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconciling services: %w", err)
	}
	for id, ferr := range result.Failed {
		g.logger.Warn("service not restored", "service_id", id, "error", ferr)
	}
	g.ready.Store(true)
	g.health.setOverall(true)
	return nil
}

// setupTCPListeners creates the HTTP listener and, when configured, the gRPC listener.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.config.TLS.AutocertEnabled {
		httpLn = g.wrapAutocert(httpLn)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// wrapAutocert terminates TLS with ACME certificates for the configured domains.
func (g *Gateway) wrapAutocert(ln net.Listener) net.Listener {
	tlsCfg := g.config.TLS
	cacheDir := tlsCfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(filepath.Dir(g.config.Database.Path), "autocert")
	}
	g.certManager = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(tlsCfg.Domains...),
		Cache:      autocert.DirCache(cacheDir),
		Email:      tlsCfg.Email,
	}
	g.logger.Info("ACME TLS enabled", "domains", tlsCfg.Domains, "cache_dir", cacheDir)
	return tls.NewListener(ln, g.certManager.TLSConfig())
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run reconciles enabled services, serves until ctx is canceled, then shuts
// down. Returns nil on graceful shutdown or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if g.notifier != nil {
		go g.notifier.Run(ctx)
	}

	errCh := g.startServers(grpcLn, httpLn)

	if err := g.Reconcile(ctx); err != nil {
		g.logger.Error("reconcile failed", "error", err)
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context, since the run
// context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
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
	return filepath.Join(homeDir, ".local", "share", "grimoire", "tailscale"), nil
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

// setupTailscaleListeners joins the tailnet and listens there for HTTP and gRPC.
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

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		httpLn, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
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

// Shutdown stops accepting connections, drains every mounted service and
// releases resources. Persisted service state is left as is so the next
// start restores the same set.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)
	g.health.shutdown()

	// Close listeners first; open streams end once their service is unmounted
	httpDone := make(chan error, 1)
	go func() { httpDone <- g.httpServer.Shutdown(ctx) }()

	g.manager.Shutdown(ctx)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", <-httpDone)

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.redisClient != nil {
		errs = appendCloseError(errs, "redis close", g.redisClient.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once boot reconciliation has finished.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("reconciling"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d services)", len(g.registry.ListRunning()))
}
