package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"roadwatch/internal/api"
	"roadwatch/internal/config"
	"roadwatch/internal/fanout"
	"roadwatch/internal/ingest"
	"roadwatch/internal/journal"
	"roadwatch/internal/metrics"
	"roadwatch/internal/registry"
	"roadwatch/internal/store"
	"roadwatch/internal/store/pgstore"
	"roadwatch/internal/store/redisstore"
	"roadwatch/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if xerrors.Is(err, pflag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(2)
	}
	level, _ := cfg.Level()
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(ctx, "server exited", slog.Error(err))
		stop()
		os.Exit(1)
	}
}

// run serves until ctx is canceled, then closes every listener and drains
// in-flight requests.
func run(ctx context.Context, cfg config.Config, logger slog.Logger) error {
	srv, err := newServer(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "server starting", slog.F("address", cfg.ListenAddress), slog.F("store", cfg.Store))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return xerrors.Errorf("listen and serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info(ctx, "shutting down", slog.F("listeners", srv.registry.Len()))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown. Each close
	// waits for the client's handshake, so the whole step is bounded too.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		srv.registry.CloseAll("server shutting down")
	}()
	select {
	case <-closed:
	case <-shutdownCtx.Done():
		logger.Warn(ctx, "gave up waiting for listeners to close", slog.F("listeners", srv.registry.Len()))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return xerrors.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !xerrors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("listen and serve: %w", err)
	}
	return nil
}

type server struct {
	handler  http.Handler
	registry *registry.Registry
	closers  []func() error
}

// newServer opens the configured backends and assembles the pipeline
// behind an HTTP handler.
func newServer(ctx context.Context, cfg config.Config, logger slog.Logger, promRegistry *prometheus.Registry) (*server, error) {
	srv := &server{}

	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	var (
		recordStore store.Store
		journalRDB  *redis.Client
	)
	switch cfg.Store {
	case config.StoreRedis:
		rs, err := redisstore.Open(cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		srv.closers = append(srv.closers, rs.Close)
		recordStore = rs
		journalRDB = rs.Client()
	case config.StorePostgres:
		ps, err := pgstore.Open(ctx, cfg.PostgresURL())
		if err != nil {
			return nil, xerrors.Errorf("open postgres store: %w", err)
		}
		srv.closers = append(srv.closers, ps.Close)
		recordStore = ps
	default:
		return nil, xerrors.Errorf("unknown store %q", cfg.Store)
	}

	srv.registry = registry.New(m)
	ingestOpts := ingest.Options{
		Store: recordStore,
		Publisher: fanout.New(fanout.Options{
			Registry:     srv.registry,
			Logger:       logger.Named("fanout"),
			Metrics:      m,
			WriteTimeout: cfg.Stream.WriteTimeout,
		}),
		Logger:  logger.Named("ingest"),
		Metrics: m,
	}
	if cfg.Journal.Enabled {
		if journalRDB == nil {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				_ = srv.Close()
				return nil, xerrors.Errorf("parse redis URL: %w", err)
			}
			journalRDB = redis.NewClient(opt)
			srv.closers = append(srv.closers, journalRDB.Close)
		}
		ingestOpts.Journal = journal.New(journalRDB, cfg.Journal.Queue, cfg.Journal.MaxLen)
	}

	srv.handler = api.New(&api.Options{
		Logger:   logger.Named("api"),
		Store:    recordStore,
		Ingest:   ingest.New(ingestOpts),
		Registry: srv.registry,
		Stream: stream.Options{
			PingInterval: cfg.Stream.PingInterval,
			IdleTimeout:  cfg.Stream.IdleTimeout,
		},
		OriginPatterns: cfg.Stream.OriginPatterns,
		Gatherer:       promRegistry,
	}).Handler
	return srv, nil
}

// Close closes the backends in reverse order of opening and returns the
// first error.
func (s *server) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = xerrors.Errorf("close backend: %w", err)
		}
	}
	return firstErr
}
