// Command kernel is the orchestration kernel's process entrypoint: it wires
// telemetry, persistence, the pattern registry, the workspace initializer,
// the inference client, and the runtime facade, rehydrates crashed runs on
// boot (spec.md §4.4, §8 property 8), then serves the REST/WebSocket
// surface (spec.md §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/flowforge/kernel/eventbus"
	"github.com/flowforge/kernel/inference"
	"github.com/flowforge/kernel/kernel"
	"github.com/flowforge/kernel/pattern"
	"github.com/flowforge/kernel/persistence"
	"github.com/flowforge/kernel/server"
	"github.com/flowforge/kernel/telemetry"
	"github.com/flowforge/kernel/workspace"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "kernel",
		Short: "Orchestration kernel for multi-agent LLM workflows",
	}
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the kernel's REST/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func loadSettings() *viper.Viper {
	v := viper.New()
	v.SetDefault("kernel_port", 3000)
	v.SetDefault("agent_host", "localhost")
	v.SetDefault("agent_port", 8900)
	v.SetDefault("storage_root", "./storage")
	v.SetDefault("pattern_config_path", "")
	v.SetDefault("redis_url", "")
	v.AutomaticEnv()
	return v
}

func runServe() error {
	v := loadSettings()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("kernel: build logger: %w", err)
	}
	defer zapLogger.Sync()
	log := telemetry.NewZapLogger(zapLogger)

	shutdownTracing := telemetry.InstallOtelTracerProvider("flowforge-kernel")
	defer shutdownTracing(context.Background())

	tel := telemetry.Bundle{
		Logger:  log,
		Metrics: telemetry.NewPrometheusMetrics(nil),
		Tracer:  telemetry.NewOtelTracer("flowforge/kernel"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store persistence.Store
	redisURL := v.GetString("redis_url")
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("kernel: parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		rs, err := persistence.NewRedisStore(rdb)
		if err != nil {
			return fmt.Errorf("kernel: build redis store: %w", err)
		}
		store = rs
		log.Info(ctx, "persistence backed by redis", "url", redisURL)
	} else {
		store = persistence.NewFakeStore()
		log.Info(ctx, "persistence backed by in-memory fake store (REDIS_URL not set)")
	}

	patternPath := v.GetString("pattern_config_path")
	patterns, err := pattern.Load(patternPath)
	if err != nil {
		return fmt.Errorf("kernel: load patterns: %w", err)
	}
	if patternPath != "" {
		if err := patterns.Watch(ctx, patternPath, log); err != nil {
			log.Warn(ctx, "pattern hot-reload watcher failed to start", "path", patternPath, "error", err.Error())
		}
	}

	ws := workspace.New(v.GetString("storage_root"), log)
	infer := inference.NewWithTracer(v.GetString("agent_host"), v.GetInt("agent_port"), log, tel.Tracer)
	bus := eventbus.New(eventbus.DefaultBufferSize)

	facade := kernel.New(bus, patterns, store, ws, infer, tel)
	defer facade.Close()

	rehydrated, err := persistence.RehydrateOnBoot(ctx, store)
	if err != nil {
		log.Warn(ctx, "rehydration on boot failed", "error", err.Error())
	} else if len(rehydrated) > 0 {
		facade.Rehydrate(rehydrated)
		log.Info(ctx, "rehydrated runs from prior crash", "count", len(rehydrated))
	}

	srv := server.New(server.Config{
		Host: "0.0.0.0",
		Port: v.GetInt("kernel_port"),
		Mode: "release",
	}, facade, ws, log)
	srv.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info(ctx, "shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}
