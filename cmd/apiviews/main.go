// Command apiviews serves forum topics over HTTP and counts API reads of them
// as topic views.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nhalm/apiviews"
	"github.com/nhalm/apiviews/queue"
	"github.com/nhalm/apiviews/store"
	"github.com/nhalm/apiviews/topics"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("apiviews exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	closeLog := setupLogging(cfg)
	defer closeLog()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, closeDB, err := openDB(cfg.DB)
	if err != nil {
		return err
	}
	defer closeDB()

	var rdb *redis.Client
	if cfg.Redis != nil {
		rdb = redis.NewClient(cfg.Redis)
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	var counters store.Store = store.NewMemory()
	if rdb != nil {
		counters = store.NewRedis(rdb, "")
	}
	defer counters.Close()

	q, err := newQueue(cfg, rdb)
	if err != nil {
		return err
	}

	settings, err := apiviews.NewSettingsStore(cfg.Settings)
	if err != nil {
		return err
	}

	srv := newServer(deps{
		Repo:       topics.NewRepository(db),
		Counters:   counters,
		Queue:      q,
		Settings:   settings,
		BasePath:   cfg.BasePath,
		AdminToken: cfg.AdminToken,
		TrustProxy: cfg.TrustProxy,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return q.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("listening", "addr", cfg.Addr, "queue", cfg.QueueBackend, "enabled", cfg.Settings.Enabled)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		return errors.Join(err, q.Close())
	})

	return g.Wait()
}

// openDB opens the topic database. The returned func closes the underlying
// connection pool.
func openDB(dsn string) (*gorm.DB, func() error, error) {
	db, err := topics.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("database handle: %w", err)
	}
	return db, sqlDB.Close, nil
}

func setupLogging(cfg config) func() {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stdout
	closer := func() {}
	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, rotated)
		closer = func() { _ = rotated.Close() }
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
	return closer
}

func newQueue(cfg config, rdb *redis.Client) (queue.Queue, error) {
	opts := queue.Options{
		Workers:   cfg.QueueWorkers,
		OnFailure: reportFailure,
	}

	switch cfg.QueueBackend {
	case backendRedis:
		return queue.NewRedis(queue.RedisConfig{Client: rdb}, opts)
	case backendKafka:
		return queue.NewKafka(queue.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, opts)
	default:
		return queue.NewMemory(opts), nil
	}
}

// reportFailure sends jobs that will not be retried to Sentry. Without a DSN
// the Sentry client is a no-op.
func reportFailure(_ context.Context, job queue.Job, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job", job.Name)
		scope.SetContext("job", sentry.Context{
			"id":      job.ID,
			"attempt": job.Attempt,
			"payload": string(job.Payload),
		})
		sentry.CaptureException(err)
	})
}
