package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type corsPolicy struct {
	origins []string
}

func (c corsPolicy) GetAllowedOrigins() []string { return c.origins }
func (c corsPolicy) GetAllowedMethods() []string { return []string{"GET", "POST"} }
func (c corsPolicy) GetAllowedHeaders() []string { return []string{"Content-Type"} }
func (c corsPolicy) GetMaxAge() int              { return 600 }

func TestCorrelationID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var seen string

	handler := CorrelationID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

		assert.Len(t, seen, 16)
		assert.Equal(t, seen, rec.Header().Get(CorrelationIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(CorrelationIDHeader, "upstream-123")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "upstream-123", seen)
		assert.Equal(t, "upstream-123", rec.Header().Get(CorrelationIDHeader))
	})

	t.Run("oversized replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(CorrelationIDHeader, string(bytes.Repeat([]byte("x"), 200)))

		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.Len(t, seen, 16)
	})

	assert.Equal(t, "unknown", GetCorrelationID(t.Context()))
}

func TestRecovery(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var logs bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	handler := Apply(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), WithCorrelationID(), WithRecovery(logger))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingestions/r1", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Equal(t, "/api/v1/ingestions/r1", problem["instance"])
	assert.Contains(t, logs.String(), "HTTP request panic recovered")
	assert.Contains(t, logs.String(), "boom")
}

func TestCORS(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("wildcard", func(t *testing.T) {
		rec := httptest.NewRecorder()
		CORS(corsPolicy{origins: []string{"*"}})(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("listed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", "https://app.example.com")

		rec := httptest.NewRecorder()
		CORS(corsPolicy{origins: []string{"https://app.example.com"}})(next).ServeHTTP(rec, req)

		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unlisted origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", "https://evil.example.com")

		rec := httptest.NewRecorder()
		CORS(corsPolicy{origins: []string{"https://app.example.com"}})(next).ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		CORS(corsPolicy{origins: []string{"*"}})(next).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/ping", nil))

		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestRequestLogger(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var logs bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("nope"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodPost, "/api/v1/clients/acme/models/m1/ingestions", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "acme", entry["client_id"])
	assert.InDelta(t, 422, entry["status_code"], 0)
	assert.InDelta(t, 4, entry["response_bytes"], 0)
}

func TestClientFromPath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := map[string]string{
		"/api/v1/clients/acme/models/m1/ingestions": "acme",
		"/api/v1/clients/acme":                      "acme",
		"/api/v1/ingestions/r1":                     "",
		"/ping":                                     "",
	}

	for path, expected := range tests {
		assert.Equal(t, expected, ClientFromPath(path), path)
	}
}
