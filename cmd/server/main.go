// Command server runs the issuer and verifier API: applications, issuance,
// revocation, presentations and verification.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"certify/internal/credential/anchor"
	"certify/internal/credential/application"
	"certify/internal/credential/handler"
	"certify/internal/credential/issuance"
	credmetrics "certify/internal/credential/metrics"
	"certify/internal/credential/presentation"
	"certify/internal/credential/store"
	"certify/internal/credential/verification"
	jwttoken "certify/internal/jwt_token"
	"certify/internal/platform/config"
	"certify/internal/platform/database"
	"certify/internal/platform/health"
	"certify/internal/platform/kafka/producer"
	"certify/internal/platform/logger"
	"certify/internal/platform/redis"
	"certify/internal/ratelimit"
	"certify/migrations"
	"certify/pkg/platform/outbox"
	outboxmetrics "certify/pkg/platform/outbox/metrics"
	outboxpostgres "certify/pkg/platform/outbox/store/postgres"
	"certify/pkg/platform/outbox/worker"
	"certify/pkg/platform/middleware/auth"
	"certify/pkg/platform/middleware/request"
	"certify/pkg/platform/tracer"
)

func main() {
	cfg, err := config.FromEnv()
	log := logger.New(cfg.LogLevel)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("initializing certify server",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
		"anchor_backend", cfg.Anchor.Backend,
		"custody_remote", cfg.Custody.Remote(),
	)

	checks := health.New("certify-server", cfg.Environment)
	metrics := credmetrics.New()

	var trc tracer.Tracer = tracer.NewNoop()
	if cfg.Tracing.Enabled {
		trc = tracer.NewOTel()
	}

	// Persistence: PostgreSQL when configured, otherwise process memory.
	var (
		credentials store.Store
		events      outbox.Store
		ledger      anchor.Anchor
	)
	if cfg.Database.URL != "" {
		pool, err := database.New(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		checks.RegisterCheck("postgres", pool.Check)
		if cfg.Database.Migrate {
			applied, err := database.Migrate(ctx, pool.DB(), migrations.FS)
			if err != nil {
				return err
			}
			log.Info("migrations applied", "count", len(applied), "migrations", applied)
		}
		credentials = store.NewPostgres(pool.DB())
		events = outboxpostgres.New(pool.DB())
		if cfg.Anchor.Backend == "postgres" {
			pl := anchor.NewPostgresLedger(pool.DB())
			for _, g := range cfg.Authority {
				if err := pl.Grant(ctx, g.IssuerID, g.Authority); err != nil {
					return err
				}
			}
			ledger = pl
		}
	} else {
		log.Warn("DATABASE_URL not set, credentials are kept in memory")
		mem := outbox.NewMemoryStore()
		events = mem
		credentials = store.NewInMemory(mem)
	}
	if ledger == nil {
		authorities := anchor.NewAuthorities()
		for _, g := range cfg.Authority {
			authorities.Grant(g.IssuerID, g.Authority)
		}
		ledger = anchor.NewLedger(authorities)
	}

	objects, err := newObjectStore(cfg.Objects)
	if err != nil {
		return err
	}
	prover, verifier, err := newDisclosure(cfg.Proving, log)
	if err != nil {
		return err
	}

	// Publishing: Kafka when brokers are configured, otherwise the log.
	var publisher worker.Publisher = producer.NewLogPublisher(log)
	if cfg.Kafka.Enabled() {
		prod, err := producer.New(producer.Config{Brokers: cfg.Kafka.Brokers, Acks: cfg.Kafka.Acks}, log)
		if err != nil {
			return err
		}
		defer prod.Close()
		publisher = prod
		checks.RegisterCheck("kafka", prod.Check)
	}

	custody, err := newCustody(ctx, cfg, log, publisher, checks)
	if err != nil {
		return err
	}
	if custody.consumer != nil {
		custody.consumer.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := custody.consumer.Stop(stopCtx); err != nil {
				log.Warn("key event consumer stop failed", "error", err)
			}
		}()
	}

	coordinator, err := issuance.New(credentials, ledger, custody.signer, custody.vault, objects, prover,
		issuance.WithLogger(log),
		issuance.WithTracer(trc),
		issuance.WithMetrics(metrics),
		issuance.WithDefaultValidity(cfg.Issuance.DefaultValidity),
		issuance.WithBatchConcurrency(cfg.Issuance.BatchWorkers),
	)
	if err != nil {
		return err
	}
	engine, err := verification.New(credentials, ledger, custody.keys, objects, verifier,
		verification.WithLogger(log),
		verification.WithTracer(trc),
		verification.WithMetrics(metrics),
		verification.WithEvents(events),
	)
	if err != nil {
		return err
	}
	presenter := presentation.New(credentials, custody.vault, prover,
		presentation.WithLogger(log),
		presentation.WithTracer(trc),
		presentation.WithMetrics(metrics),
	)
	apps := application.New(credentials, application.WithLogger(log))

	outboxWorker := worker.New(events, publisher,
		worker.WithTopic(cfg.Kafka.EventsTopic),
		worker.WithMetrics(outboxmetrics.New()),
		worker.WithLogger(log),
	)
	outboxWorker.Start()
	go reportOutbox(ctx, outboxWorker, log)

	trusted, err := request.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	tokens := jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.TokenIssuer, cfg.TokenAudience, cfg.TokenTTL)
	latency := request.NewMetrics("certify")

	r := chi.NewRouter()
	r.Use(request.Recovery(log))
	r.Use(request.RequestID)
	r.Use(request.RequestTime)
	r.Use(request.ClientIP(trusted))
	r.Use(request.Logger(log))
	r.Use(request.Latency(latency, routePattern))
	r.Use(request.BodyLimit(1 << 20))

	checks.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	public, err := newVerifyLimiter(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	r.Group(func(r chi.Router) {
		r.Use(request.Timeout(30 * time.Second))
		r.Use(request.ContentTypeJSON)
		handler.New(apps, coordinator, engine, presenter, credentials, log).
			Register(r, auth.RequireAuth(jwttoken.NewOfficialValidator(tokens), log), public...)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting http server", "addr", cfg.Addr)
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

	log.Info("shutting down server gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := outboxWorker.Stop(shutdownCtx); err != nil {
		log.Warn("outbox worker stop failed", "error", err)
	}
	log.Info("server stopped")
	return nil
}

func reportOutbox(ctx context.Context, w *worker.Worker, log *slog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.UpdateMetrics(ctx); err != nil {
				log.Warn("outbox metrics update failed", "error", err)
			}
		}
	}
}

// newVerifyLimiter throttles public verification per client IP, sharing
// counts through Redis when it is configured.
func newVerifyLimiter(ctx context.Context, cfg config.Server, log *slog.Logger, checks *health.Handler) ([]func(http.Handler) http.Handler, error) {
	if cfg.RateLimit.VerifyLimit == 0 {
		log.Warn("RATE_LIMIT_VERIFY is 0, public verification is not throttled")
		return nil, nil
	}
	var store ratelimit.Store
	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		context.AfterFunc(ctx, func() { _ = rdb.Close() })
		checks.RegisterCheck("redis", rdb.Check)
		go rdb.ReportPoolStats(ctx, 15*time.Second)
		store = ratelimit.NewRedis(rdb.Client)
	} else {
		mem := ratelimit.NewMemory()
		go sweep(ctx, mem, cfg.RateLimit.Window)
		store = mem
	}
	limiter := ratelimit.New(store, "verify", cfg.RateLimit.VerifyLimit, cfg.RateLimit.Window,
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(ratelimit.NewMetrics()),
	)
	return []func(http.Handler) http.Handler{limiter.PerClientIP}, nil
}

func sweep(ctx context.Context, mem *ratelimit.Memory, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mem.Sweep()
		}
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}
