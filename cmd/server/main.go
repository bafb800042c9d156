package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"idvault/internal/downstream"
	"idvault/internal/platform/config"
	"idvault/internal/platform/httpserver"
	"idvault/internal/platform/kafka"
	"idvault/internal/platform/logger"
	"idvault/internal/platform/metrics"
	"idvault/internal/platform/middleware"
	platformredis "idvault/internal/platform/redis"
	"idvault/internal/profile/handler"
	"idvault/internal/profile/rules"
	"idvault/internal/profile/service"
	"idvault/internal/profile/verify"
	"idvault/internal/vault"
	"idvault/internal/vault/feed"
	memorystore "idvault/internal/vault/store/memory"
	postgresstore "idvault/internal/vault/store/postgres"
)

// main wires dependencies and keeps the process lifecycle small. Trust and
// merge logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	table, err := rules.LoadFile(cfg.Rules.RulesPath)
	if err != nil {
		log.Error("load publisher rules", "error", err)
		os.Exit(1)
	}

	var resolver verify.KeyResolver
	if cfg.Rules.WellKnownURL != "" {
		resolver = verify.NewWellKnownResolver(cfg.Rules.WellKnownURL, nil, 5*time.Minute)
	} else {
		resolver, err = verify.LoadKeysFile(cfg.Rules.KeysPath)
		if err != nil {
			log.Error("load publisher keys", "error", err)
			os.Exit(1)
		}
	}
	verifier := verify.New(table, resolver)

	var (
		store   vault.Store
		pgStore *postgresstore.Store
	)
	if cfg.Postgres.URL != "" {
		db, err := sql.Open("postgres", cfg.Postgres.URL)
		if err != nil {
			log.Error("open postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		pgStore = postgresstore.New(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("provision vault schema", "error", err)
			os.Exit(1)
		}
		store = pgStore
	} else {
		log.Warn("DATABASE_URL not set, using in-memory vault store")
		store = memorystore.New()
	}

	svc := service.New(store, verifier,
		service.WithLogger(log),
		service.WithMetrics(m),
	)

	var validator middleware.BearerValidator
	if cfg.Server.JWTSigningKey != "" {
		validator = middleware.NewHMACValidator(cfg.Server.JWTSigningKey)
	} else {
		log.Warn("IDVAULT_JWT_SIGNING_KEY not set, bearer gate disabled")
	}

	router := chi.NewRouter()
	handler.New(svc, log, validator).Register(router)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	srv := httpserver.New(cfg.Server.Addr, router)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting idvault", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// The change feed and downstream propagation only run with durable
	// storage and a broker; merge handling never depends on them.
	if pgStore != nil && len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(cfg.Kafka)
		if err != nil {
			log.Error("kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		if err := kafka.EnsureTopic(ctx, producer, cfg.Kafka); err != nil {
			log.Error("provision change topic", "error", err)
			os.Exit(1)
		}

		relay := feed.NewRelay(pgStore, producer, cfg.Kafka.Topic, log, m)
		group.Go(func() error { return ignoreCancel(relay.Run(ctx)) })

		if cfg.Downstream.BaseURL != "" {
			redisClient, err := platformredis.New(cfg.Redis)
			if err != nil {
				log.Error("redis", "error", err)
				os.Exit(1)
			}

			tokens := downstream.NewTokenSource(
				cfg.Downstream.TokenURL,
				cfg.Downstream.ClientID,
				cfg.Downstream.ClientSecret,
				cfg.Downstream.Audience,
				nil,
			)
			client := downstream.NewClient(cfg.Downstream.BaseURL, tokens, nil)

			var cache downstream.SequenceCache
			if redisClient != nil {
				defer redisClient.Close()
				cache = downstream.NewRedisSequenceCache(redisClient.Client, cfg.Downstream.Name)
			} else {
				cache = downstream.NewMemorySequenceCache()
			}

			publisher := downstream.NewPublisher(cfg.Downstream.Name, client, log,
				downstream.WithSequenceCache(cache),
				downstream.WithMetrics(m),
				downstream.WithRetry(cfg.Downstream.MaxAttempts, cfg.Downstream.Backoff),
			)

			consumerClient, err := kafka.NewConsumer(cfg.Kafka)
			if err != nil {
				log.Error("kafka consumer", "error", err)
				os.Exit(1)
			}
			defer consumerClient.Close()

			consumer := feed.NewConsumer(consumerClient, publisher, log, m)
			group.Go(func() error { return ignoreCancel(consumer.Run(ctx)) })
		}
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutdown with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
