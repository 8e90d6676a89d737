// main wires the identity resolution service: config, storage, review queue,
// merge-event stream, and the HTTP API. Business logic lives in the internal
// packages; this file only assembles them.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"unify/internal/identity/engine"
	"unify/internal/identity/handler"
	identitymetrics "unify/internal/identity/metrics"
	"unify/internal/identity/service"
	"unify/internal/identity/store"
	"unify/internal/platform/config"
	"unify/internal/platform/httpserver"
	"unify/internal/platform/logger"
	"unify/internal/platform/postgres"
	platformredis "unify/internal/platform/redis"
	"unify/internal/review"
	"unify/internal/stream"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}

	var graph store.Store
	if db != nil {
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
		graph = store.NewPostgres(db, cfg.Postgres.TxTimeout)
		log.Info("identity graph store ready", "backend", "postgres")
	} else {
		graph = store.NewMemory()
		log.Warn("no postgres DSN configured, using in-memory store")
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	var queue review.Queue
	if redisClient != nil {
		defer redisClient.Close()
		queue = review.NewRedisQueue(redisClient.Client)
		log.Info("review queue ready", "backend", "redis")
	} else {
		queue = review.NewMemoryQueue()
		log.Warn("no redis URL configured, using in-memory review queue")
	}

	m := identitymetrics.New()
	eng := engine.New(graph, queue, cfg.Matching, log)
	svc := service.New(graph, eng, queue, m, log)

	router := chi.NewRouter()
	handler.New(svc, log).Register(router)
	router.Get("/healthz", healthz(db, redisClient))
	router.Handle("/metrics", promhttp.Handler())

	srv := httpserver.New(cfg.Server.Addr, router)

	group, ctx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 && db != nil {
		publisher, err := stream.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.MergeTopic)
		if err != nil {
			return err
		}
		defer publisher.Close()
		worker := stream.NewOutboxWorker(db, publisher, cfg.Kafka.OutboxInterval, log)
		group.Go(func() error {
			err := worker.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		log.Info("merge event stream ready", "topic", cfg.Kafka.MergeTopic)
	}

	group.Go(func() error {
		log.Info("starting identity resolution service", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// healthz reports liveness of the process and its backing stores.
func healthz(db *sql.DB, redisClient *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
