// Alpha volume bot — drives round-trip OTO trades for enrolled users until
// each user's exchange-reported volume on the target token reaches its
// configured goal.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts strategies, waits for SIGINT/SIGTERM
//	runner/manager.go     — control surface: Start/Stop/StopAll + status board
//	runner/executor.go    — per-strategy fan-out with per-user supervisors
//	runner/loop.go        — per-user batch loop re-anchored on authoritative volume
//	runner/trade.go       — one round-trip OTO: price math, placement, fill waits
//	tracker/tracker.go    — bridges pushed order events to awaited completions
//	exchange/client.go    — Alpha REST client (catalog, volume, OTO, listen keys)
//	exchange/ws.go        — per-user order-event WebSocket with auto-reconnect
//	exchange/listenkey.go — 30-minute listen-key refresh schedule
//	credstore/            — per-user headers+cookie blobs on disk
//	api/server.go         — status queries and stop controls over HTTP
//
// The stopping decision always comes from the exchange's own user-volume
// endpoint. The bot never accumulates volume locally, so ledger lag and
// partial fills self-correct on the next batch.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alpha-volume-bot/internal/api"
	"alpha-volume-bot/internal/config"
	"alpha-volume-bot/internal/credstore"
	"alpha-volume-bot/internal/exchange"
	"alpha-volume-bot/internal/runner"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ALPHA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	strategies, err := cfg.ResolvedStrategies()
	if err != nil {
		logger.Error("invalid strategy config", "error", err)
		os.Exit(1)
	}

	creds, err := credstore.Open(cfg.Credentials.DataDir)
	if err != nil {
		logger.Error("failed to open credential store", "error", err)
		os.Exit(1)
	}

	classifier := exchange.NewClassifier(cfg.Exchange.AuthCodes, cfg.Exchange.AuthPatterns)
	client := exchange.NewClient(cfg.Exchange.BaseURL, classifier, logger)
	streams := runner.NewLiveStreamFactory(client, cfg.Exchange.WSURL, logger)
	manager := runner.NewManager(client, streams, creds, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := 0
	for _, strat := range strategies {
		if !strat.Enabled {
			logger.Info("strategy disabled, skipping", "strategy", strat.ID)
			continue
		}
		if err := manager.Start(ctx, strat); err != nil {
			logger.Error("failed to start strategy", "strategy", strat.ID, "error", err)
			continue
		}
		started++
	}
	if started == 0 {
		logger.Error("no strategies started")
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Port, manager, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	logger.Info("alpha volume bot started", "strategies", started)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
	manager.StopAll()
	cancel()

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		apiServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
