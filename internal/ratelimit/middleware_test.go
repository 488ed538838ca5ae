package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "cardvault/pkg/domain"
	"cardvault/pkg/testutil"
)

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration, time.Time) (*Result, error) {
	return nil, errors.New("redis: connection refused")
}

func serve(h http.Handler, userID id.UserID) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/trades", nil)
	req = testutil.WithActor(req, userID, false)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestPerUser(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("rejects once the window is full", func(t *testing.T) {
		metrics := NewMetrics(prometheus.NewRegistry())
		h := New(NewMemoryStore(), 2, time.Minute, logger, WithMetrics(metrics)).PerUser(ok)
		alice, bob := id.NewUserID(), id.NewUserID()

		assert.Equal(t, http.StatusNoContent, serve(h, alice).Code)
		rr := serve(h, alice)
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

		rr = serve(h, alice)
		require.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.NotEmpty(t, rr.Header().Get("Retry-After"))
		assert.Contains(t, rr.Body.String(), "rate_limit_exceeded")
		assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Rejected))

		assert.Equal(t, http.StatusNoContent, serve(h, bob).Code)
	})

	t.Run("fails open when the store errors", func(t *testing.T) {
		metrics := NewMetrics(prometheus.NewRegistry())
		h := New(failingStore{}, 1, time.Minute, logger, WithMetrics(metrics)).PerUser(ok)
		assert.Equal(t, http.StatusNoContent, serve(h, id.NewUserID()).Code)
		assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Errors))
	})

	t.Run("anonymous requests pass", func(t *testing.T) {
		h := New(NewMemoryStore(), 1, time.Minute, logger).PerUser(ok)
		assert.Equal(t, http.StatusNoContent, serve(h, id.UserID{}).Code)
		assert.Equal(t, http.StatusNoContent, serve(h, id.UserID{}).Code)
	})
}
