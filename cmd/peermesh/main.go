package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/peermesh/peermesh/internal/auth"
	"github.com/peermesh/peermesh/internal/config"
	"github.com/peermesh/peermesh/internal/coordinator"
	"github.com/peermesh/peermesh/internal/httpserver"
	"github.com/peermesh/peermesh/internal/metrics"
	"github.com/peermesh/peermesh/internal/registry"
	"github.com/peermesh/peermesh/internal/room"
	"github.com/peermesh/peermesh/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting peermesh",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_room_members", cfg.MaxRoomMembers,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"send_queue_depth", cfg.SendQueueDepth,
		"ice_servers", len(cfg.ICEServers),
	)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})

	m := metrics.New()
	reg := registry.New()
	rooms := room.NewTable(cfg.MaxRoomMembers)
	coord := coordinator.New(reg, rooms, m, logger)

	sig := signaling.NewServer(cfg, coord, reg, verifier, m, logger)
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, builtAt string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if builtAt == "" {
					builtAt = s.Value
				}
			}
		}
	}
	return commit, builtAt
}
