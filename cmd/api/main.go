package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-racetracker/internal/config"
	"backend-racetracker/internal/db"
	"backend-racetracker/internal/ingest"
	"backend-racetracker/internal/logger"
	"backend-racetracker/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	newLogger       func(debug bool) (*zap.Logger, error)
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	ensureSchema    func(context.Context, db.Querier) error
	connectRedis    func(config.Config) *redis.Client
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, *zap.Logger, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		newLogger:       logger.New,
		connectPostgres: db.ConnectPostgres,
		ensureSchema:    db.EnsureSchema,
		connectRedis:    db.ConnectRedis,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()

	zl, err := deps.newLogger(cfg.Debug)
	if err != nil {
		log.Printf("logger init failed, continuing without: %v", err)
		zl = zap.NewNop()
	}
	defer func() { _ = zl.Sync() }()

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		zl.Error("postgres connection failed", zap.Error(err))
	}
	if pg != nil && cfg.AutoMigrate {
		if err := deps.ensureSchema(context.Background(), pg); err != nil {
			zl.Error("schema setup failed", zap.Error(err))
		}
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, rdb, zl, signals, nil); err != nil {
		zl.Error("server exited with error", zap.Error(err))
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

var newReaderFn = func(cfg config.Config) ingest.Reader {
	return ingest.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
}

// Run starts the HTTP server, and the sample consumer when kafka brokers are
// configured, then waits for termination signals.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, zl *zap.Logger, signals <-chan os.Signal, listen ListenFunc) error {
	zl = logger.OrNop(zl)
	srv := server.NewServer(cfg, pg, rdb, zl)

	if listen == nil {
		listen = defaultListen
	}

	consumeCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()

	consumerDone := make(chan struct{})
	if len(cfg.KafkaBrokers) > 0 {
		reader := newReaderFn(cfg)
		consumer := ingest.NewConsumer(reader, srv.Timing, srv.Tracking, zl.Named("ingest"))
		go func() {
			defer close(consumerDone)
			defer func() { _ = reader.Close() }()
			if err := consumer.Run(consumeCtx); err != nil && !errors.Is(err, context.Canceled) {
				zl.Error("sample consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stopConsumer()
			<-consumerDone
			return err
		}
	}

	stopConsumer()
	<-consumerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil {
		return err
	}
	srv.Stream.Close()
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return nil
}
