// Copyright 2025 Auterity, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// auterityd is the workflow execution daemon. It wires the execution
// store, the step registry, the AI routing client, the engine, and the
// control surface, then serves until interrupted. The API and
// WebSocket gateways mount the control surface; they live in their own
// deployables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/auterity/engine/internal/config"
	"github.com/auterity/engine/internal/engine"
	"github.com/auterity/engine/internal/events"
	"github.com/auterity/engine/internal/log"
	"github.com/auterity/engine/internal/metrics"
	"github.com/auterity/engine/internal/service"
	"github.com/auterity/engine/internal/store"
	"github.com/auterity/engine/internal/store/memory"
	"github.com/auterity/engine/internal/store/sqlite"
	"github.com/auterity/engine/internal/tracing"
	"github.com/auterity/engine/pkg/ai"
	"github.com/auterity/engine/pkg/step"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  string
		addr        string
		dbPath      string
		logLevel    string
		metricsAddr string
	)

	root := &cobra.Command{
		Use:          "auterityd",
		Short:        "Auterity workflow execution daemon",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEnvOverrides(cmd.Flags())
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dbPath != "" {
				cfg.Store.Path = dbPath
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if metricsAddr != "" {
				cfg.Observability.MetricsAddr = metricsAddr
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to daemon config file")
	flags.StringVar(&addr, "addr", "", "Listen address override")
	flags.StringVar(&dbPath, "db", "", "SQLite database path override")
	flags.StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyEnvOverrides fills flags not set on the command line from
// AUTERITYD_* environment variables (--log-level from
// AUTERITYD_LOG_LEVEL and so on). Explicit flags win.
func applyEnvOverrides(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		key := "AUTERITYD_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if value, ok := os.LookupEnv(key); ok {
			_ = flags.Set(f.Name, value)
		}
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	logCfg := log.FromEnv()
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	if cfg.Observability.TracingEnabled {
		provider, err := tracing.NewProvider("auterityd", version)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	st, workflows, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewBus(events.WithLogger(logger))
	registry := step.NewBuiltinRegistry()

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithPoolSize(cfg.Engine.PoolSize),
		engine.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		engine.WithStepTimeout(cfg.Engine.StepTimeout.Duration()),
		engine.WithExecutionTimeout(cfg.Engine.ExecutionTimeout.Duration()),
		engine.WithGracePeriod(cfg.Engine.CancellationGracePeriod.Duration()),
	}

	if cfg.AI.CatalogPath != "" {
		router, err := buildRouter(ctx, cfg, st, logger)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithAIClient(router))
	}

	eng := engine.New(st, registry, bus, engineOpts...)
	svc := service.New(st, workflows, eng, registry, bus, logger)
	_ = svc // mounted by the API gateway over its internal listener

	recorder := metrics.NewRecorder(bus)
	go recorder.Run(ctx)

	if cfg.Observability.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Observability.MetricsAddr, logger)
	}

	logger.Info("auterityd started",
		"version", version,
		"store", cfg.Store.Backend,
		"addr", cfg.Server.Addr,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// openStore selects the configured backend. The returned close func is
// a no-op for the memory backend.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, store.WorkflowStore, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		m := memory.New()
		return m, m, func() {}, nil
	default:
		wal := cfg.Store.WAL == nil || *cfg.Store.WAL
		db, err := sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: wal})
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := db.Close(); err != nil {
				logger.Warn("store close failed", "error", err)
			}
		}
		return db, db, closeFn, nil
	}
}

// buildRouter loads the model catalog and steering rulesets and starts
// the catalog refresh watcher.
func buildRouter(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) (*ai.Router, error) {
	catalog, err := ai.LoadCatalog(cfg.AI.CatalogPath)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := catalog.Watch(ctx, logger); err != nil {
			logger.Warn("catalog watcher stopped", "error", err)
		}
	}()

	rulesets, err := loadRulesets(cfg.AI.RulesetsPath)
	if err != nil {
		return nil, err
	}

	providers := map[string]ai.Provider{}
	// Provider adapters register here from deployment credentials;
	// the open-source build ships none.

	return ai.NewRouter(
		catalog,
		ai.NewCachedRulesets(rulesets, 0),
		st,
		providers,
		ai.WithLogger(logger),
		ai.WithRateLimit(cfg.AI.RatePerSecond, cfg.AI.RateBurst),
	), nil
}

func loadRulesets(path string) (ai.RulesetSource, error) {
	if path == "" {
		return ai.StaticRulesets{}, nil
	}
	return ai.LoadRulesets(path)
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics listener failed", "error", err)
	}
}
