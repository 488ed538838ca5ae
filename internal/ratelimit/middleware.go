package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cardvault/pkg/platform/httputil"
	"cardvault/pkg/requestcontext"
)

type Metrics struct {
	Rejected prometheus.Counter
	Errors   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "cardvault_ratelimit_rejected_total",
			Help: "Requests rejected because the caller exceeded its window",
		}),
		Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "cardvault_ratelimit_store_errors_total",
			Help: "Rate limit checks that failed open because the store was unavailable",
		}),
	}
}

type Middleware struct {
	store   Store
	limit   int
	window  time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Middleware)

func WithMetrics(m *Metrics) Option {
	return func(mw *Middleware) {
		mw.metrics = m
	}
}

func New(store Store, limit int, window time.Duration, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{store: store, limit: limit, window: window, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type exceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"error_description"`
	RetryAfter int    `json:"retry_after"`
}

// PerUser limits authenticated callers by user id. It must run after the
// identity middleware. Store failures let the request through.
func (m *Middleware) PerUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := requestcontext.UserID(ctx)
		if userID.IsNil() {
			next.ServeHTTP(w, r)
			return
		}

		result, err := m.store.Allow(ctx, "user:"+userID.String(), m.limit, m.window, time.Now())
		if err != nil {
			if m.metrics != nil {
				m.metrics.Errors.Inc()
			}
			m.logger.ErrorContext(ctx, "rate limit check failed",
				"error", err,
				"user_id", userID.String(),
				"request_id", requestcontext.RequestID(ctx),
			)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		if !result.Allowed {
			if m.metrics != nil {
				m.metrics.Rejected.Inc()
			}
			m.logger.WarnContext(ctx, "rate limit exceeded",
				"user_id", userID.String(),
				"request_id", requestcontext.RequestID(ctx),
			)
			w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
			httputil.WriteJSON(w, http.StatusTooManyRequests, exceededResponse{
				Error:      "rate_limit_exceeded",
				Message:    "too many requests; try again later",
				RetryAfter: result.RetryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
