package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/convoai/internal/agent"
	"github.com/haasonsaas/convoai/internal/analytics"
	"github.com/haasonsaas/convoai/internal/auth"
	"github.com/haasonsaas/convoai/internal/backoff"
	"github.com/haasonsaas/convoai/internal/config"
	"github.com/haasonsaas/convoai/internal/dispatcher"
	"github.com/haasonsaas/convoai/internal/gateway"
	"github.com/haasonsaas/convoai/internal/metrics"
	"github.com/haasonsaas/convoai/internal/pipeline"
	"github.com/haasonsaas/convoai/internal/ratelimit"
	"github.com/haasonsaas/convoai/internal/registry"
	"github.com/haasonsaas/convoai/internal/storage"
	"github.com/haasonsaas/convoai/internal/usage"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Conversation Gateway, Model Pipeline, and Analytics surfaces",
		RunE:  func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	verifier := auth.NewService(auth.Config{
		VerificationKey: cfg.Auth.VerificationKey,
		TokenExpiry:     cfg.Auth.TokenExpiry,
		APIKeys:         toAuthAPIKeys(cfg.Auth.APIKeys),
	})

	store, closeStore, err := newConversationStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	analyticsDB, closeAnalytics, err := newAnalyticsStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeAnalytics()

	promMetrics := metrics.New()

	toolRegistry := storage.NewToolRegistryClient(store)
	disp := dispatcher.New(toolRegistry, dispatcher.Config{
		Discovery: dispatcher.DiscoveryConfig{
			PerServerTimeout: cfg.Dispatcher.DiscoveryTimeout,
			MaxConcurrency:   cfg.Dispatcher.DiscoveryMaxConcurrency,
		},
		Invocation: dispatcher.InvocationConfig{Timeout: cfg.Dispatcher.InvocationTimeout},
		RateLimit:  ratelimit.Config{
			Enabled:           cfg.Dispatcher.RateLimitEnabled,
			RequestsPerSecond: cfg.Dispatcher.RateLimitRequestsPerSecond,
			BurstSize:         cfg.Dispatcher.RateLimitBurstSize,
		},
		Logger:  logger,
		Metrics: promMetrics,
	})

	provider := agent.NewHTTPProvider(cfg.Model.Name, cfg.Model.BaseURL, cfg.Model.APIKey, nil)
	emitter  := analytics.NewInProcessEmitter(analyticsDB)

	pipe := pipeline.New(provider, disp, store, emitter, pipeline.Config{
		Model:         cfg.Model.Name,
		MaxTokens:     cfg.Pipeline.MaxTokens,
		ContextWindow: cfg.Pipeline.ContextWindow,
		MaxToolHops:   cfg.Pipeline.MaxToolHops,
		ModelRetries:  cfg.Pipeline.ModelRetries,
		ModelBackoff:  backoff.BackoffPolicy{
			InitialMs: cfg.Pipeline.RetryInitialMs,
			MaxMs:     cfg.Pipeline.RetryMaxMs,
			Factor:    cfg.Pipeline.RetryFactor,
			Jitter:    cfg.Pipeline.RetryJitter,
		},
		ToolExecutor: &agent.ExecutorConfig{
			MaxConcurrency: cfg.Pipeline.ToolMaxConcurrency,
			DefaultTimeout: cfg.Pipeline.ToolTimeout,
			DefaultRetries: cfg.Pipeline.ToolRetries,
		},
		Cost: usage.Cost{
			Input:  cfg.Pipeline.CostInputPerMillion,
			Output: cfg.Pipeline.CostOutputPerMillion,
		},
		Metrics: promMetrics,
	})

	gw := gateway.NewServer(verifier, store, pipe, emitter, analyticsDB, logger)

	gatewayMux := http.NewServeMux()
	gatewayMux.Handle("/tool_servers", registry.Handler(verifier, store))
	gatewayMux.Handle("/tool_servers/", registry.Handler(verifier, store))
	gatewayMux.Handle("/conversations", registry.ConversationsHandler(verifier, store))
	gatewayMux.Handle("/conversations/", registry.ConversationsHandler(verifier, store))
	gatewayMux.Handle("/", gw)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	servers := []*http.Server{
		{Addr: cfg.Gateway.ListenAddr, Handler: gatewayMux},
		{Addr: cfg.Analytics.IngestListenAddr, Handler: analytics.IngestHandler(analyticsDB)},
		{Addr: cfg.Analytics.QueryListenAddr, Handler: analytics.QueryHandler(verifier, analyticsDB)},
	}
	for _, srv := range servers {
		srv := srv
		group.Go(func() error {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		for _, srv := range servers {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
		}
		return nil
	})

	return group.Wait()
}

func newConversationStore(cfg config.StorageConfig) (storage.ConversationStore, func(), error) {
	if cfg.Driver == "postgres" {
		store, err := storage.NewPostgresStore(cfg.DSN, &storage.CockroachConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			ConnectTimeout:  cfg.ConnectTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	return storage.NewMemoryStore(), func() {}, nil
}

func newAnalyticsStore(cfg config.StorageConfig, logger *slog.Logger) (analyticsStore, func(), error) {
	if cfg.Driver == "postgres" {
		store, err := analytics.NewPostgresStore(cfg.DSN, &storage.CockroachConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			ConnectTimeout:  cfg.ConnectTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	store := analytics.NewMemoryStore(logger)
	return store, func() {}, nil
}

// analyticsStore is the union of Ingestor, QuerySurface, and
// gateway.ActivityEmitter that both concrete analytics stores satisfy.
type analyticsStore interface {
	analytics.Ingestor
	analytics.QuerySurface
	gateway.ActivityEmitter
}

func toAuthAPIKeys(entries []config.APIKeyEntry) []auth.APIKeyConfig {
	out := make([]auth.APIKeyConfig, 0, len(entries))
	for _, e := range entries {
		out = append(out, auth.APIKeyConfig{Key: e.Key, Subject: e.Subject, Roles: e.Roles})
	}
	return out
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

const gracefulShutdownTimeout = 10 * time.Second
