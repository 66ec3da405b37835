package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audax/qabel-index/internal/authz"
	"github.com/audax/qabel-index/internal/index/fields"
	"github.com/audax/qabel-index/internal/index/handler"
	indexmetrics "github.com/audax/qabel-index/internal/index/metrics"
	"github.com/audax/qabel-index/internal/index/notify"
	"github.com/audax/qabel-index/internal/index/service"
	"github.com/audax/qabel-index/internal/index/store"
	"github.com/audax/qabel-index/internal/index/store/memory"
	pgstore "github.com/audax/qabel-index/internal/index/store/postgres"
	"github.com/audax/qabel-index/internal/index/worker"
	"github.com/audax/qabel-index/internal/platform/config"
	platformkafka "github.com/audax/qabel-index/internal/platform/kafka"
	"github.com/audax/qabel-index/internal/platform/metrics"
	"github.com/audax/qabel-index/internal/platform/middleware"
	"github.com/audax/qabel-index/internal/platform/postgres"
	platformredis "github.com/audax/qabel-index/internal/platform/redis"
	"github.com/audax/qabel-index/internal/sealbox"
	"github.com/audax/qabel-index/pkg/platform/audit"
	"github.com/audax/qabel-index/pkg/platform/audit/publisher"
	auditkafka "github.com/audax/qabel-index/pkg/platform/audit/store/kafka"
	auditmemory "github.com/audax/qabel-index/pkg/platform/audit/store/memory"
	"github.com/audax/qabel-index/pkg/platform/httputil"
	"github.com/audax/qabel-index/pkg/platform/middleware/metadata"
	"github.com/audax/qabel-index/pkg/platform/middleware/requesttime"
)

const auditBuffer = 1024

type app struct {
	router  http.Handler
	sweeper *worker.ExpiryWorker
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build assembles the process. On error everything opened so far is closed.
func build(ctx context.Context, cfg config.Server, log *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// Generated per process and never persisted; a restart invalidates sealed
	// requests made against the old key.
	keys, err := sealbox.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}

	st, tx, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if db != nil {
		a.closers = append(a.closers, func() { _ = db.Close() })
	}

	auditSink, err := openAuditSink(ctx, cfg, log, a)
	if err != nil {
		return nil, err
	}
	auditor := publisher.NewPublisher(auditSink, publisher.WithAsyncBuffer(auditBuffer), publisher.WithLogger(log))
	a.closers = append(a.closers, auditor.Close)

	locale, err := fields.NewLocaleMatcher(cfg.Languages)
	if err != nil {
		return nil, fmt.Errorf("configure languages: %w", err)
	}

	indexMetrics := indexmetrics.New()
	svc := service.New(st, tx, keys,
		service.WithNotifier(newNotifier(cfg, log)),
		service.WithAuditor(auditor),
		service.WithMetrics(indexMetrics),
		service.WithLogger(log),
		service.WithVerificationTTL(cfg.VerificationTTL),
		service.WithPublicURL(cfg.PublicURL),
		service.WithDefaultRegion(locale.DefaultRegion()),
	)

	opts := []handler.Option{handler.WithLocale(locale), handler.WithPublicURL(cfg.PublicURL)}
	var redisClient *platformredis.Client
	if cfg.Accounting.RequireAuthorization {
		var cache authz.ApprovalCache = authz.NewMemoryCache()
		redisClient, err = platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		if redisClient != nil {
			a.closers = append(a.closers, func() { _ = redisClient.Close() })
			cache = authz.NewRedisCache(redisClient.Client)
		}
		gate := authz.FromConfig(cfg.Accounting, cache,
			authz.WithMetrics(indexMetrics),
			authz.WithAuditor(auditor),
			authz.WithLogger(log),
		)
		opts = append(opts, handler.WithAuthorization(gate.Require))
		log.Info("authorization gate enabled", "accounting_url", cfg.Accounting.URL, "shared_cache", redisClient != nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Latency(metrics.New()))
	r.Use(chimw.StripSlashes)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", healthHandler(db, redisClient))
	handler.New(svc, log, opts...).Register(r)
	a.router = r

	if cfg.SweepInterval > 0 {
		a.sweeper = worker.NewExpiryWorker(svc, cfg.SweepInterval, worker.WithLogger(log))
	}
	return a, nil
}

// openStore returns Postgres when DATABASE_URL is set and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Server, log *slog.Logger) (store.Store, store.Tx, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st := memory.New()
		return st, st, nil, nil
	}
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	return pgstore.New(db), pgstore.NewTxRunner(db), db, nil
}

func openAuditSink(ctx context.Context, cfg config.Server, log *slog.Logger, a *app) (audit.Store, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return auditmemory.NewInMemoryStore(), nil
	}
	client, err := platformkafka.New(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	if err := platformkafka.EnsureTopic(ctx, client, cfg.Kafka.AuditTopic); err != nil {
		return nil, err
	}
	log.Info("publishing audit events to kafka", "topic", cfg.Kafka.AuditTopic)
	return auditkafka.New(client, cfg.Kafka.AuditTopic), nil
}

func newNotifier(cfg config.Server, log *slog.Logger) notify.Notifier {
	var mail notify.Notifier = notify.NewLogNotifier(log)
	if cfg.SMTP.Addr != "" {
		mail = notify.NewSMTPNotifier(cfg.SMTP)
	} else {
		log.Warn("SMTP_ADDR not set, verification mails are logged")
	}
	return notify.NewRouter(map[fields.Kind]notify.Notifier{fields.Email: mail})
}

func healthHandler(db *sql.DB, redisClient *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				status["database"], code = "unreachable", http.StatusServiceUnavailable
			}
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				status["redis"], code = "unreachable", http.StatusServiceUnavailable
			}
		}
		if code != http.StatusOK {
			status["status"] = "degraded"
		}
		httputil.WriteJSON(w, code, status)
	}
}
