// Package main runs the local replay server.
//
// The server wires the inbound and outbound handlers to in-memory adapters
// and accepts raw MIME and outbound JSON over HTTP, so routing tables,
// security settings and composer output can be checked without AWS:
//
//	curl --data-binary @mail.eml localhost:8025/inbound
//	curl -d @reply.json 'localhost:8025/outbound?drain=true'
//	curl localhost:8025/inspect/sent
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailflow/internal/app"
	"mailflow/internal/replay"
)

func main() {
	addr := flag.String("addr", "", "listen address (default REPLAY_ADDR)")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Worker.ReplayAddr = *addr
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel).With("service", "replay-server", "version", cfg.Build.Version)

	components := app.NewMemory(cfg, logger)
	defer components.Close()

	srv, err := replay.NewServer(components)
	if err != nil {
		logger.Error("Failed to build replay server", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.Worker.ReplayAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown failed", "error", err)
		}
	}()

	logger.Info("Replay server listening",
		"addr", cfg.Worker.ReplayAddr,
		"apps", len(cfg.Routing.Table.Apps),
		"outbound_queue", cfg.AWS.OutboundQueueURL,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Replay server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Replay server stopped")
}
