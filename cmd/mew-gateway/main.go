package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mewlab/mew-go/internal/config"
	"github.com/mewlab/mew-go/internal/gateway"
	"github.com/mewlab/mew-go/internal/infra"
	"github.com/mewlab/mew-go/internal/metrics"
)

func main() {
	// .env is optional; real environment variables win either way.
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", defaultConfigPath(), "path to the space configuration file")
		listenAddr = flag.String("listen", "", "listen address override (host:port)")
	)
	flag.Parse()

	logger := buildLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}

	g := gateway.New(cfg, buildHistory(cfg, logger), metrics.NewMetrics(nil), logger)

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      g.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// SIGTERM from the platform, Ctrl-C locally.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		s := <-sig
		logger.Info("shutting down", "signal", s.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// Listener first so nobody joins mid-drain. Hijacked WebSocket
		// connections are invisible to server.Shutdown; the gateway
		// closes those itself.
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		if err := g.Shutdown(ctx); err != nil {
			logger.Warn("connection drain incomplete", "error", err)
		}
	}()

	logger.Info("mew gateway listening", "addr", cfg.Listen, "spaces", len(cfg.Spaces))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	// ListenAndServe returns as soon as Shutdown begins; wait for the
	// spaces to finish draining.
	<-shutdownDone
	logger.Info("gateway stopped")
}

// defaultConfigPath honors MEW_SPACE_CONFIG; the -config flag wins.
func defaultConfigPath() string {
	if v := os.Getenv("MEW_SPACE_CONFIG"); v != "" {
		return v
	}
	return "space.yaml"
}

// buildLogger configures slog from MEW_LOG_LEVEL and MEW_LOG_FORMAT.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("MEW_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("MEW_LOG_FORMAT"), "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// buildHistory wires the Redis mirror when an address is configured. A
// nil return makes the gateway fall back to its in-memory ring.
func buildHistory(cfg *config.Config, logger *slog.Logger) gateway.History {
	if cfg.History.RedisAddr == "" {
		return nil
	}
	client, err := infra.NewGoRedisAdapter(cfg.History.RedisAddr, cfg.History.RedisPassword, cfg.History.RedisDB)
	if err != nil {
		logger.Warn("redis unavailable, keeping history in memory",
			"addr", cfg.History.RedisAddr, "error", err)
		return nil
	}
	return gateway.NewRedisHistory(client, cfg.History.Depth)
}
