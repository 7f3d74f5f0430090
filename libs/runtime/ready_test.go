package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadyz(t *testing.T) {
	healthy := NewBaseMuxWithReady(ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }})
	rw := httptest.NewRecorder()
	healthy.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rw.Code)

	broken := NewBaseMuxWithReady(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "kafka", Check: func(context.Context) error { return errors.New("dial tcp: refused") }},
	)
	rw = httptest.NewRecorder()
	broken.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rw.Code)
	assert.Equal(t, "kafka: dial tcp: refused", rw.Body.String())
}

func TestHealthzAndMetrics(t *testing.T) {
	mux := NewBaseMuxWithReady()
	for _, path := range []string{"/healthz", "/metrics"} {
		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rw.Code, path)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
