package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowed(rl RateLimiter, clientID string, n int) int {
	ok := 0

	for range n {
		if rl.Allow(clientID) {
			ok++
		}
	}

	return ok
}

func TestRateLimiter_Tiers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("global limit applies to every client", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 10, GlobalBurst: 10, ClientRPS: 50, AnonymousRPS: 50})
		defer rl.Close()

		assert.Equal(t, 10, allowed(rl, "acme", 11))
		assert.False(t, rl.Allow("globex"))
	})

	t.Run("clients have separate buckets", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1000, ClientRPS: 5, ClientBurst: 5, AnonymousRPS: 50})
		defer rl.Close()

		assert.Equal(t, 5, allowed(rl, "acme", 6))
		assert.Equal(t, 5, allowed(rl, "globex", 6))
		assert.Equal(t, 2, rl.Clients())
	})

	t.Run("anonymous requests share one bucket", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1000, ClientRPS: 50, AnonymousRPS: 2, AnonymousBurst: 2})
		defer rl.Close()

		assert.Equal(t, 2, allowed(rl, "", 3))
		assert.True(t, rl.Allow("acme"), "clients are unaffected")
	})

	t.Run("burst defaults to twice the rate", func(t *testing.T) {
		rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1000, ClientRPS: 3, AnonymousRPS: 1})
		defer rl.Close()

		assert.Equal(t, 6, allowed(rl, "acme", 10))
	})
}

func TestRateLimiter_Refill(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1000, ClientRPS: 20, ClientBurst: 1, AnonymousRPS: 1})
	defer rl.Close()

	require.True(t, rl.Allow("acme"))
	require.False(t, rl.Allow("acme"))

	assert.Eventually(t, func() bool { return rl.Allow("acme") }, time.Second, 10*time.Millisecond)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1000, ClientRPS: 10, AnonymousRPS: 10, IdleTimeout: time.Minute})
	defer rl.Close()

	rl.Allow("acme")
	rl.Allow("globex")

	rl.cleanup(time.Now())
	assert.Equal(t, 2, rl.Clients(), "recently used clients are kept")

	rl.cleanup(time.Now().Add(2 * time.Minute))
	assert.Zero(t, rl.Clients())

	require.NoError(t, rl.Close())
	require.NoError(t, rl.Close())
}

func TestRateLimiter_Concurrent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1, GlobalBurst: 100, ClientRPS: 1000, AnonymousRPS: 1000})
	defer rl.Close()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)

	for i := range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			n := allowed(rl, string(rune('a'+i)), 10)

			mu.Lock()
			ok += n
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, ok, 101)
	assert.GreaterOrEqual(t, ok, 100)
}

type denyAll struct{ calls []string }

func (d *denyAll) Allow(clientID string) bool {
	d.calls = append(d.calls, clientID)

	return false
}

func TestRateLimitMiddleware(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limiter := &denyAll{}
	reached := false
	handler := Apply(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { reached = true }),
		WithCorrelationID(),
		WithRateLimit(limiter, slog.Default()),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/clients/acme/models/m1/ingestions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, reached)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"acme"}, limiter.calls)

	var problem map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Equal(t, ProblemTypeBase+"429", problem["type"])
	assert.Equal(t, "Too Many Requests", problem["title"])
	assert.Equal(t, rec.Header().Get(CorrelationIDHeader), problem["correlationId"])
}

func TestWithRateLimit_NilLimiter(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), WithRateLimit(nil, slog.Default()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
