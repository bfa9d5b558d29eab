package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codeyard/config"
	"github.com/isdmx/codeyard/logger"
	"github.com/isdmx/codeyard/mcpserver"
	"github.com/isdmx/codeyard/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Metrics registry shared by the engine and the /metrics endpoint
			prometheus.NewRegistry,

			// Sandbox engine based on config
			newEngine,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, reg *prometheus.Registry, engine *sandbox.Engine, server *mcpserver.MCPServer) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						switch cfg.Server.Transport {
						case "stdio":
							go func() {
								if err := server.ServeStdio(); err != nil {
									log.Fatal("stdio transport failed", zap.Error(err))
								}
							}()
						case "http":
							go func() {
								if err := server.ServeHTTP(); err != nil {
									log.Fatal("http transport failed", zap.Error(err))
								}
							}()
							go serveMetrics(cfg, reg, log)
						default:
							return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
						}
						return nil
					},
					// The registry lives in this process only, so shutdown is
					// the last chance to sweep containers and scratch dirs.
					OnStop: func(ctx context.Context) error {
						if err := engine.CleanupAll(ctx); err != nil {
							log.Warn("shutdown cleanup incomplete", zap.Error(err))
						}
						return nil
					},
				})
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newEngine(log *zap.Logger, cfg *config.Config, reg *prometheus.Registry) (*sandbox.Engine, error) {
	return sandbox.New(log, cfg, reg)
}

func serveMetrics(cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("starting metrics endpoint", zap.Int("port", cfg.Server.MetricsPort))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics endpoint failed", zap.Error(err))
	}
}
