package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/chatquota"
	logpkg "github.com/ineyio/chatquota/internal/logger"
	"github.com/ineyio/chatquota/internal/metrics"
	"github.com/ineyio/chatquota/internal/server"
	"github.com/ineyio/chatquota/meter"
	"github.com/ineyio/chatquota/quota"
	"github.com/ineyio/chatquota/upstream/mock"
	"github.com/ineyio/chatquota/upstream/openai"
)

const defaultConfigContent = `quota:
  daily_tokens: 20000
  daily_messages: 20
  idle_timeout: 2h
  max_sessions: 10000
  timezone: ""

server:
  addr: ":8080"
  read_timeout: 10s
  shutdown_timeout: 10s
  fragment_timeout: 60s
  max_message_chars: 4000
  failure_policy: preserve

upstream:
  provider: openai
  base_url: "https://api.openai.com/v1"
  api_key: "${OPENAI_API_KEY}"
  model: "gpt-4o-mini"
  max_tokens: 1024

logging:
  env: local
  level: info
`

func newServeCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "config file path (defaults apply when empty)")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "chatquota.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(defaultConfigContent), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "created", path)
			return nil
		},
	}
}

func loadConfig(path string) (chatquota.Config, error) {
	if path == "" {
		return chatquota.ParseConfig(nil)
	}
	return chatquota.LoadConfig(path)
}

func buildUpstream(cfg chatquota.UpstreamConfig) chatquota.Upstream {
	switch cfg.Provider {
	case "openai":
		return openai.New(openai.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return mock.New(mock.Echo())
	}
}

func runServer(ctx context.Context, cfg chatquota.Config) error {
	logger, err := logpkg.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	clock, err := cfg.Quota.Clock()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register http metrics: %w", err)
	}
	mt := meter.Multi{meter.NewPrometheusMeter(reg), meter.NewLogMeter(logger)}

	limits := cfg.Quota.Limits()
	manager := chatquota.NewManager(
		chatquota.WithLimits(limits),
		chatquota.WithClock(clock),
		chatquota.WithStore(quota.NewMemoryStore(limits.MaxSessions)),
		chatquota.WithMeter(mt),
	)
	meter.RegisterSessionGauge(reg, manager)

	up := buildUpstream(cfg.Upstream)
	api := server.New(server.Config{
		Manager:          manager,
		Upstream:         up,
		Meter:            mt,
		AssemblerOptions: cfg.Server.AssemblerOptions(),
		MaxMessageChars:  cfg.Server.MaxMessageChars,
		Logger:           logger,
		Gatherer:         reg,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     api.Router(),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	logger.Info("Starting chatquota server",
		zap.String("addr", cfg.Server.Addr),
		zap.String("upstream", up.Name()),
		zap.Int64("daily_tokens", manager.Limits().DailyTokens),
		zap.Int64("daily_messages", manager.Limits().DailyMessages),
		zap.Duration("idle_timeout", manager.Limits().IdleTimeout),
		zap.Int("max_sessions", manager.Limits().MaxSessions),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Server stopped gracefully")
	return nil
}
