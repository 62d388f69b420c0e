// run-service
//
// Imports public forms, generates records for them with an LLM and submits
// them at an operator-chosen rate. Exposes:
//   - a REST API with a server-sent status stream (RUNNER_PORT)
//   - a gRPC RunService plus grpc.health.v1 (GRPC_PORT)
//
// Stage callbacks are delivered through a Redis sorted set; a cron watchdog
// resumes Jobs that stopped making progress.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"

	"filly/run-service/internal/config"
	"filly/run-service/internal/db"
	"filly/run-service/internal/forms"
	"filly/run-service/internal/generator"
	"filly/run-service/internal/grpcserver"
	"filly/run-service/internal/httpapi"
	"filly/run-service/internal/logging"
	"filly/run-service/internal/notify"
	"filly/run-service/internal/pipeline"
	"filly/run-service/internal/scheduler"
	"filly/run-service/internal/store"
	"filly/run-service/internal/store/memstore"
	"filly/run-service/internal/submit"
)

const (
	version         = "1.0.0"
	dispatchWorkers = 32
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "path to a .env file",
		Value: ".env",
	}

	app := &cli.Command{
		Name:    "run-service",
		Usage:   "bulk form submission with generated records",
		Version: version,
		Flags:   []cli.Flag{envFlag},
		Action:  serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and gRPC servers with the dispatcher and watchdog",
				Flags:  []cli.Flag{envFlag},
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "apply the database schema and exit",
				Flags:  []cli.Flag{envFlag},
				Action: migrateAction,
			},
			{
				Name:  "extract",
				Usage: "fetch a form and print its extracted schema as JSON",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{
						Name:     "url",
						Usage:    "public form URL",
						Required: true,
					},
				},
				Action: extractAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("run-service failed", "err", err)
		os.Exit(1)
	}
}

func setup(cmd *cli.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(cmd.String("env")); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(logging.New(cfg.LogLevel, cfg.LogFormat))
	return cfg, nil
}

// ─── serve ────────────────────────────────────────────────────────────────────

// jobStore is what serve needs from either store driver.
type jobStore interface {
	pipeline.Store
	scheduler.StalledLister
	Ping(ctx context.Context) error
}

type callbackQueue interface {
	pipeline.Scheduler
	scheduler.Queue
}

type backend struct {
	store    jobStore
	queue    callbackQueue
	notifier *notify.Redis
	checks   []func(context.Context) error
	close    func()
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	// ── Storage ─────────────────────────────────────────────────────────────
	be, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	// ── Generator ───────────────────────────────────────────────────────────
	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	slog.Info("generator ready", "provider", provider.Name())

	// ── Pipeline ────────────────────────────────────────────────────────────
	deps := pipeline.Deps{
		Store:      be.store,
		Scheduler:  be.queue,
		Generator:  generator.New(provider, cfg.GenerationTimeout),
		Submitter:  submit.New(cfg.SubmitTimeout),
		Fetcher:    forms.NewFetcher(cfg.FetchTimeout),
		StaleAfter: cfg.StaleAfter,
	}
	var events httpapi.Subscriber
	if be.notifier != nil {
		deps.Notifier = be.notifier
		events = be.notifier
	}
	p := pipeline.New(deps)

	watchdog := scheduler.NewWatchdog(be.store, p, cfg.WatchdogIntervalMinutes, cfg.StaleAfter)
	dispatcher := scheduler.NewDispatcher(be.queue, p, cfg.DispatchPollInterval, dispatchWorkers)

	// ── HTTP server ─────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.Port),
		Handler: httpapi.Server{
			Pipeline: p,
			Events:   events,
			Version:  version,
		}.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	// ── gRPC server ─────────────────────────────────────────────────────────
	hs := health.NewServer()
	gs := grpcserver.New(p, hs)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http listening", "version", version, "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("grpc listening", "port", cfg.GRPCPort)
		if err := gs.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		grpcserver.WatchHealth(gctx, hs, 10*time.Second, be.checks...)
		return nil
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		if err := watchdog.Start(gctx); err != nil {
			return fmt.Errorf("watchdog: %w", err)
		}
		<-gctx.Done()
		watchdog.Stop()
		return nil
	})

	// ── Graceful shutdown ───────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		gs.GracefulStop()
		return nil
	})

	err = g.Wait()
	slog.Info("stopped")
	return err
}

func connect(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.StoreDriver == "memory" {
		slog.Warn("using in-memory store; state is lost on restart")
		return &backend{
			store: memstore.New(),
			queue: scheduler.NewMemQueue(),
			close: func() {},
		}, nil
	}

	slog.Info("connecting to postgres")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, db.WithMaxConns(dispatchWorkers+8))
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("postgres connected")

	slog.Info("connecting to redis")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	slog.Info("redis connected")

	st := store.NewPostgres(pool)
	return &backend{
		store:    st,
		queue:    scheduler.NewRedisQueue(rdb, scheduler.DefaultQueueKey),
		notifier: notify.NewRedis(rdb),
		checks: []func(context.Context) error{
			st.Ping,
			func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		close: func() {
			closeRedis(rdb)
			pool.Close()
		},
	}, nil
}

func closeRedis(rdb *redis.Client) {
	if err := rdb.Close(); err != nil {
		slog.Warn("redis close", "err", err)
	}
}

func newProvider(ctx context.Context, cfg *config.Config) (generator.Provider, error) {
	if cfg.GeneratorProvider == "gemini" {
		return generator.NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	}
	return generator.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
}

// ─── migrate ──────────────────────────────────────────────────────────────────

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	if cfg.StoreDriver != "postgres" {
		return fmt.Errorf("migrate needs STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
	}
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}
	slog.Info("schema applied")
	return nil
}

// ─── extract ──────────────────────────────────────────────────────────────────

func extractAction(ctx context.Context, cmd *cli.Command) error {
	if err := config.LoadDotEnv(cmd.String("env")); err != nil {
		return err
	}
	slog.SetDefault(logging.New(os.Getenv("LOG_LEVEL"), "text"))

	rawURL := cmd.String("url")
	page, err := forms.NewFetcher(15*time.Second).Fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	form, err := forms.Extract(page, rawURL)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(form)
}
