// Command custody runs the signing and blinding vault service. It is the only
// process that holds issuer private keys.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"certify/internal/credential/ports"
	"certify/internal/custody/handler"
	"certify/internal/custody/keyring"
	"certify/internal/custody/metrics"
	"certify/internal/custody/service"
	"certify/internal/custody/vault"
	jwttoken "certify/internal/jwt_token"
	"certify/internal/platform/config"
	"certify/internal/platform/health"
	"certify/internal/platform/kafka/producer"
	"certify/internal/platform/logger"
	"certify/internal/platform/redis"
	"certify/pkg/platform/middleware/admin"
	"certify/pkg/platform/middleware/auth"
	"certify/pkg/platform/middleware/request"
)

func main() {
	cfg, err := config.CustodyFromEnv()
	log := logger.New(cfg.LogLevel)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("custody stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Custody, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("initializing certify custody",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
		"issuers", cfg.Issuers,
	)

	checks := health.New("certify-custody", cfg.Environment)

	var blindings ports.BlindingVault = vault.NewMemory()
	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		blindings = vault.NewRedis(rdb.Client)
		checks.RegisterCheck("redis", rdb.Check)
		go rdb.ReportPoolStats(ctx, 15*time.Second)
		log.Info("blinding vault backed by redis")
	} else {
		log.Warn("REDIS_URL not set, blinding vault is in memory and lost on restart")
	}

	var publisher service.Publisher = producer.NewLogPublisher(log)
	if cfg.Kafka.Enabled() {
		prod, err := producer.New(producer.Config{Brokers: cfg.Kafka.Brokers, Acks: cfg.Kafka.Acks}, log)
		if err != nil {
			return err
		}
		defer prod.Close()
		publisher = prod
		checks.RegisterCheck("kafka", prod.Check)
	}

	svc := service.New(keyring.New(), blindings,
		service.WithLogger(log),
		service.WithMetrics(metrics.New()),
		service.WithIssuers(cfg.Issuers...),
		service.WithPublisher(publisher, cfg.Kafka.KeyEventsTopic),
	)
	if err := svc.Bootstrap(ctx); err != nil {
		return err
	}

	tokens := jwttoken.NewJWTService(cfg.ServiceTokenSecret, cfg.ServiceTokenIssuer, cfg.ServiceAudience, 0)
	h := handler.New(svc, log)
	latency := request.NewMetrics("certify_custody")

	r := chi.NewRouter()
	r.Use(request.Recovery(log))
	r.Use(request.RequestID)
	r.Use(request.RequestTime)
	r.Use(request.Logger(log))
	r.Use(request.Latency(latency, routePattern))
	r.Use(request.BodyLimit(1 << 20))

	checks.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(request.Timeout(10 * time.Second))
		r.Use(request.ContentTypeJSON)
		r.Use(auth.RequireAuth(jwttoken.NewServiceValidator(tokens), log))
		h.Register(r)
	})
	if cfg.AdminTokenHash != "" {
		r.Group(func(r chi.Router) {
			r.Use(admin.RequireAdminToken(cfg.AdminTokenHash, log))
			h.RegisterAdmin(r)
		})
	} else {
		log.Warn("CUSTODY_ADMIN_TOKEN_HASH not set, key management routes disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
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

	log.Info("shutting down custody gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("custody stopped")
	return nil
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}
