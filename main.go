package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpromedia/payhook/internal/alert"
	"github.com/artpromedia/payhook/internal/config"
	"github.com/artpromedia/payhook/internal/dedupe"
	"github.com/artpromedia/payhook/internal/dispatch"
	"github.com/artpromedia/payhook/internal/engine"
	"github.com/artpromedia/payhook/internal/event"
	"github.com/artpromedia/payhook/internal/handlers"
	"github.com/artpromedia/payhook/internal/journal"
	"github.com/artpromedia/payhook/internal/log"
	"github.com/artpromedia/payhook/internal/metrics"
	"github.com/artpromedia/payhook/internal/ordering"
	"github.com/artpromedia/payhook/internal/retry"
	"github.com/artpromedia/payhook/internal/server"
	"github.com/artpromedia/payhook/internal/signature"
	"github.com/artpromedia/payhook/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := store.EnsureSchema(context.Background(), db); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}

	ledger := store.NewLedgerStore(db, logger)
	deadLetters := store.NewDeadLetterStore(db, logger)

	var cache *dedupe.Cache
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		cache = dedupe.NewCache(rdb, cfg.DedupeTTL, logger)
	} else {
		logger.Warn("REDIS_ADDR not set, duplicate deliveries always hit the ledger")
	}

	registry := dispatch.NewRegistry()
	if err := handlers.Register(registry, handlers.Deps{Logger: logger}); err != nil {
		logger.Fatal("Failed to register handlers", zap.Error(err))
	}

	rec := metrics.NewRecorder(prometheus.NewRegistry(), logger)

	var jnl *journal.Journal
	if cfg.JournalDir != "" {
		jnl, err = journal.New(cfg.JournalDir)
		if err != nil {
			logger.Fatal("Failed to open journal", zap.Error(err))
		}
		defer jnl.Close()
	}

	eng := engine.New(engine.Options{
		Ledger:      ledger,
		DeadLetters: deadLetters,
		Verifier:    signature.NewVerifier(cfg.WebhookSecret, cfg.SignatureTolerance),
		Registry:    registry,
		Executor:    retry.NewExecutor(cfg.MaxRetries, retry.Schedule(cfg.RetrySchedule), logger),
		Ordering:    ordering.NewCoordinator(ledger, cfg.OrderedTypes, cfg.OrderingPollInterval, cfg.OrderingWaitTimeout, logger),
		Cache:       cache,
		Alerter:     alert.NewLogAlerter(logger),
		Metrics:     rec,
		Journal:     jnl,
		Critical:    cfg.CriticalTypes,
		Logger:      logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if jnl != nil {
		replayed, err := jnl.Replay(ctx, func(ctx context.Context, evt event.Event) {
			eng.ProcessEvent(ctx, evt)
		})
		if err != nil {
			logger.Error("Journal replay failed", zap.Error(err))
		} else if replayed > 0 {
			logger.Info("Replayed journalled events", zap.Int("count", replayed))
		}
		if err := jnl.Cleanup(cfg.JournalRetention); err != nil {
			logger.Error("Journal cleanup failed", zap.Error(err))
		}
	}

	reprocessor := engine.NewReprocessor(eng, cfg.ReprocessInterval, cfg.ReprocessBatchSize, logger)
	go reprocessor.Run(ctx)
	go rec.Serve(ctx, cfg.MetricsAddr)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, eng, deadLetters, rec, db, rdb, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
