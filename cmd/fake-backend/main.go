// ABOUTME: Minimal fake backend for E2E testing: REST sessions/conversations plus the /ws/{session_id} agent socket.
// ABOUTME: Usage: fake-backend [-addr localhost:8000] [-chunk-delay 30ms]
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
)

func main() {
	addr := flag.String("addr", "localhost:8000", "HTTP listen address")
	chunkDelay := flag.Duration("chunk-delay", 30*time.Millisecond, "Delay between streamed chunks")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *chunkDelay, logger); err != nil {
		logger.Error("fake-backend failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr string, chunkDelay time.Duration, logger *slog.Logger) error {
	b := newFakeBackend(chunkDelay, logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           b.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.closeSockets()
	return srv.Shutdown(shutdownCtx)
}
