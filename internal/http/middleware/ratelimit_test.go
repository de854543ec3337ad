package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/dockhold/internal/http/middleware"
)

func newLimitedHandler(t *testing.T, cfg middleware.RateConfig) http.Handler {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	limiter := middleware.NewRateLimiter(client, "trip-start", cfg)
	return limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
}

func call(h http.Handler, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/reservations", nil)
	req.RemoteAddr = addr + ":40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterRejectsAfterBurst(t *testing.T) {
	h := newLimitedHandler(t, middleware.RateConfig{Rate: 0.01, Burst: 2})

	require.Equal(t, http.StatusCreated, call(h, "10.0.0.1").Code)
	require.Equal(t, http.StatusCreated, call(h, "10.0.0.1").Code)

	rejected := call(h, "10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, rejected.Code)
	require.NotEmpty(t, rejected.Header().Get("Retry-After"))

	require.Equal(t, http.StatusCreated, call(h, "10.0.0.2").Code)
}

func TestRateLimiterDisabled(t *testing.T) {
	h := newLimitedHandler(t, middleware.RateConfig{})
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusCreated, call(h, "10.0.0.1").Code)
	}

	var nilLimiter *middleware.RateLimiter
	passthrough := nilLimiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	require.Equal(t, http.StatusNoContent, call(passthrough, "10.0.0.1").Code)
}

func TestRateLimiterIgnoresClientHeaders(t *testing.T) {
	h := newLimitedHandler(t, middleware.RateConfig{Rate: 0.01, Burst: 1})

	for i, id := range []string{"u1", "u2", "u3"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/reservations", nil)
		req.RemoteAddr = "10.0.0.9:50000"
		req.Header.Set("X-User-ID", id)
		req.Header.Set("X-Forwarded-For", id+".example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if i == 0 {
			require.Equal(t, http.StatusCreated, rec.Code)
			continue
		}
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
	}
}
