// tradekit engine — a multi-venue algorithmic trading engine.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        — orchestrator: wires gates → securities → strategies, routes market data
//	position/position.go    — order-lifecycle engine: one directional exposure, fills, P&L
//	position/controller.go  — opens/updates/closes positions, bounded retry, venue selection
//	strategy/base.go        — strategy lifecycle: serialized events, scheduling, blocking
//	strategy/triangular.go  — triangular arbitrage across venues, three-leg operations
//	strategy/emacross.go    — fast/slow EMA crossings on one futures instrument
//	exchange/xmlgate/       — representative venue adapter: XML commands over WebSocket,
//	                          command/reply correlation, reconnection, order table
//	risk/checker.go         — signal-time and close-time venue/instrument validation
//	report/report.go        — CSV record of every completed position
//	api/api.go              — read-only status endpoint + SSE event stream
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tradekit/internal/api"
	"tradekit/internal/config"
	"tradekit/internal/engine"
)

func main() {
	cfgPath := "configs/engine.ini"
	if p := os.Getenv("TRADEKIT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	logger := newLogger(cfg.Engine)
	tradingLogger, closeTradingLog, err := newTradingLogger(cfg.Engine)
	if err != nil {
		logger.Error("failed to open trading log", "error", err)
		os.Exit(1)
	}
	defer closeTradingLog()

	eng, err := engine.New(cfg, logger, tradingLogger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.IsEnabled {
		apiServer = api.NewServer(cfg.API.Addr, eng, logger)
		eng.SetAPI(apiServer)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status API failed", "error", err)
			}
		}()
		logger.Info("status API started", "url", fmt.Sprintf("http://%s/api/status", cfg.API.Addr))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	logger.Info("tradekit engine started",
		"gates", len(cfg.Gates),
		"strategies", len(cfg.Strategies),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status API", "error", err)
		}
	}
	eng.Stop()
}

func newLogger(cfg config.EngineConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// newTradingLogger builds the trading-record sink: a JSON line per order or
// signal event, to its own file when configured.
func newTradingLogger(cfg config.EngineConfig) (*slog.Logger, func(), error) {
	out := os.Stdout
	closeFn := func() {}
	if cfg.TradingLog != "" {
		file, err := os.OpenFile(cfg.TradingLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = file
		closeFn = func() { file.Close() }
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), closeFn, nil
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
