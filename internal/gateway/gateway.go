// ABOUTME: Gateway orchestrator wiring store, engine client, registry, and HTTP server.
// ABOUTME: Manages listeners (TCP or Tailscale), background sweeps, and shutdown.

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
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/engine"
	"github.com/2389/parley-gateway/internal/persona"
	"github.com/2389/parley-gateway/internal/question"
	"github.com/2389/parley-gateway/internal/session"
	"github.com/2389/parley-gateway/internal/store"
)

// Message-id dedupe window. Retried deliveries land well inside it.
const (
	dedupeTTL     = 5 * time.Minute
	dedupeSweep   = time.Minute
	dedupeMaxSize = 10000

	revocationPruneInterval = time.Hour
)

// Gateway orchestrates the parley-gateway server components: the session
// registry, the question rendezvous, persistence, and the HTTP transports.
// Everything hangs off this object; there are no package-level singletons.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *session.Registry
	questions   *question.Registry
	personas    *persona.DirResolver
	dedupe      *dedupe.Cache
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore creates the store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New wires a Gateway from configuration. The engine subprocess is not
// launched here; connections are created lazily per session.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	questions := question.NewRegistry()
	personas := persona.NewDirResolver(cfg.Engine.AgentDir, cfg.Engine.DefaultAgent)
	client := engine.NewSubprocessClient(cfg.Engine.Command, cfg.Engine.Args, logger)

	registry := session.NewRegistry(session.Options{
		Client:              client,
		Store:               st,
		Questions:           questions,
		Personas:            personas,
		Logger:              logger,
		TTL:                 cfg.Sessions.TTL,
		SweepInterval:       cfg.Sessions.SweepInterval,
		QuestionWaitTimeout: cfg.Questions.WaitTimeout,
		QuestionMaxAge:      cfg.Questions.MaxAge,
		QuestionSweep:       cfg.Questions.SweepInterval,
	})

	g := &Gateway{
		config:    cfg,
		store:     st,
		registry:  registry,
		questions: questions,
		personas:  personas,
		dedupe:    dedupe.New(dedupeTTL, dedupeSweep, dedupeMaxSize),
		logger:    logger.With("component", "gateway"),
	}

	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), st)
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	g.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// registerRoutes attaches all HTTP handlers. API routes go through the
// bearer-token middleware when a JWT secret is configured; health endpoints
// are always open.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/messages", g.handleSendMessage)
	api.HandleFunc("POST /api/sessions/{id}/messages", g.handleSendMessage)
	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("GET /api/sessions", g.handleListSessions)
	api.HandleFunc("GET /api/sessions/{id}/history", g.handleGetHistory)
	api.HandleFunc("GET /api/sessions/{id}/transcript", g.handleTranscript)
	api.HandleFunc("GET /api/sessions/{id}/questions", g.handleListQuestions)
	api.HandleFunc("POST /api/sessions/{id}/close", g.handleCloseSession)
	api.HandleFunc("DELETE /api/sessions/{id}", g.handleDeleteSession)
	api.HandleFunc("POST /api/questions/{id}/answer", g.handleAnswerQuestion)
	api.HandleFunc("POST /api/tokens/revoke", g.handleRevokeToken)
	api.HandleFunc("GET /api/ws", g.handleWebSocket)

	var apiHandler http.Handler = api
	if g.verifier != nil {
		apiHandler = auth.Middleware(g.verifier)(api)
		g.logger.Info("HTTP auth enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	mux.Handle("/api/", apiHandler)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
}

// setupListener creates the HTTP listener based on configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
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
	return filepath.Join(homeDir, ".local", "share", "parley-gateway", "tailscale"), nil
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

// setupTailscaleListener creates a tsnet node and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node",
		"hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.HTTPS {
		ln, err := g.tsnetServer.ListenTLS("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale :443: %w", err)
		}
		return ln, nil
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale :80: %w", err)
	}
	return ln, nil
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

// Run starts the gateway and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go g.registry.Run(bgCtx)
	go g.pruneRevocationsLoop(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// pruneRevocationsLoop removes expired token revocations on a slow cycle.
// A revoked token past its own expiry is rejected by expiry alone.
func (g *Gateway) pruneRevocationsLoop(ctx context.Context) {
	ticker := time.NewTicker(revocationPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := g.store.PruneRevocations(ctx, time.Now())
			if err != nil {
				g.logger.Warn("failed to prune token revocations", "error", err)
			} else if n > 0 {
				g.logger.Info("pruned expired token revocations", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the transports, then the sessions, then persistence.
// Order matters: no new turns can start once the HTTP server has drained,
// so closing the registry afterwards cannot strand a request.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error

	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	g.registry.Shutdown()
	g.dedupe.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	g.logger.Info("gateway shutdown complete")
	return nil
}
