package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"certify/pkg/platform/httputil"
	"certify/pkg/platform/privacy"
	"certify/pkg/requestcontext"
)

// ExceededResponse is the 429 body.
type ExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"` // seconds
}

type Metrics struct {
	Decisions *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "certify_ratelimit_decisions_total",
			Help: "Rate limit decisions by class and result",
		}, []string{"class", "result"}),
	}
}

func (m *Metrics) observe(class, result string) {
	if m != nil {
		m.Decisions.WithLabelValues(class, result).Inc()
	}
}

// Limiter enforces limit hits per window for one endpoint class.
type Limiter struct {
	store   Store
	class   string
	limit   int
	window  time.Duration
	metrics *Metrics
	logger  *slog.Logger
}

type Option func(*Limiter)

func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func New(store Store, class string, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		class:  class,
		limit:  limit,
		window: window,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PerClientIP limits by the address request.ClientIP resolved. A store
// failure lets the request through.
func (l *Limiter) PerClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := requestcontext.ClientIP(ctx)
		if ip == "" {
			ip = "unknown"
		}

		result, err := l.store.Allow(ctx, l.class+":"+ip, l.limit, l.window)
		if err != nil {
			l.metrics.observe(l.class, "error")
			l.logger.ErrorContext(ctx, "failed to check rate limit",
				"error", err,
				"class", l.class,
				"ip_prefix", privacy.AnonymizeIP(ip),
				"request_id", requestcontext.RequestID(ctx),
			)
			next.ServeHTTP(w, r)
			return
		}

		addHeaders(w, result)
		if !result.Allowed {
			l.metrics.observe(l.class, "rejected")
			l.logger.WarnContext(ctx, "rate limit exceeded",
				"class", l.class,
				"ip_prefix", privacy.AnonymizeIP(ip),
				"request_id", requestcontext.RequestID(ctx),
			)
			writeExceeded(w, result)
			return
		}
		l.metrics.observe(l.class, "allowed")
		next.ServeHTTP(w, r)
	})
}

func addHeaders(w http.ResponseWriter, result *Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeExceeded(w http.ResponseWriter, result *Result) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &ExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests from this IP address. Please try again later.",
		RetryAfter: result.RetryAfter,
	})
}
