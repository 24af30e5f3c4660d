package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvandessel/floodgate/internal/config"
	"github.com/nvandessel/floodgate/internal/engine"
	"github.com/nvandessel/floodgate/internal/logging"
	"github.com/nvandessel/floodgate/internal/ratelimit"
	"github.com/nvandessel/floodgate/internal/store"
)

// Server wraps the MCP SDK server around one admission engine.
type Server struct {
	server       *sdk.Server
	engine       *engine.Engine
	store        store.Store
	root         string
	settings     *config.FloodgateConfig
	logger       *slog.Logger
	decisions    *logging.DecisionLogger
	auditLogger  *AuditLogger
	toolLimiters ratelimit.ToolLimiters
	registry     *prometheus.Registry
	toolCalls    *prometheus.CounterVec
	nowFunc      func() time.Time
}

// Config holds server configuration.
type Config struct {
	Name    string // Server name (e.g., "floodgate")
	Version string // Server version
	Root    string // Directory holding .floodgate/

	// Settings is the loaded configuration. Nil uses config.Default().
	Settings *config.FloodgateConfig

	// Logger receives operational output. Nil discards it.
	Logger *slog.Logger

	// NowFunc overrides the clock for the engine and audit timings.
	NowFunc func() time.Time
}

// NewServer opens the store under cfg.Root and creates an MCP server with
// the floodgate tools registered.
func NewServer(cfg *Config) (*Server, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	nowFunc := cfg.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	st, err := store.NewSQLiteStore(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	decisions := logging.NewDecisionLogger(store.LocalPath(cfg.Root), settings.Logging.Level)

	eng, err := engine.New(context.Background(), settings.Engine(), st,
		engine.WithClock(nowFunc),
		engine.WithLogger(logger),
		engine.WithDecisionLogger(decisions),
		engine.WithRegisterer(registry),
	)
	if err != nil {
		decisions.Close()
		st.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			logger.Debug("mcp client initialized")
		},
	})

	s := &Server{
		server:       mcpServer,
		engine:       eng,
		store:        st,
		root:         cfg.Root,
		settings:     settings,
		logger:       logger,
		decisions:    decisions,
		auditLogger:  NewAuditLogger(cfg.Root),
		toolLimiters: ratelimit.NewToolLimiters(settings.MCP.ToolLimits),
		registry:     registry,
		nowFunc:      nowFunc,
		toolCalls: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "floodgate_mcp_tool_calls_total",
			Help: "MCP tool invocations by tool and status",
		}, []string{"tool", "status"}),
	}

	s.registerTools()

	return s, nil
}

// MetricsHandler serves the server's Prometheus registry.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Run starts the MCP server over stdio transport.
// This blocks until the client disconnects or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	notifySignals(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if addr := s.settings.MCP.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.MetricsHandler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics listener failed", "addr", addr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		s.logger.Info("serving metrics", "addr", addr)
	}

	err := s.server.Run(ctx, &sdk.StdioTransport{})

	s.Close()

	return err
}

// Close closes the store and log files.
func (s *Server) Close() error {
	s.auditLogger.Close()
	s.decisions.Close()
	return s.store.Close()
}
