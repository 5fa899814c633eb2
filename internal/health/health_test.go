package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorTransitions(t *testing.T) {
	m := NewMonitor(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)

	var fail bool
	m.AddCheck("redis", func(ctx context.Context) error {
		if fail {
			return errors.New("connection refused")
		}
		return nil
	})
	m.AddCheck("clickhouse", func(ctx context.Context) error { return nil })

	m.RunAll(context.Background())
	assert.Equal(t, StatusHealthy, m.Overall())

	fail = true
	m.RunAll(context.Background())
	assert.Equal(t, StatusUnhealthy, m.Overall())

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "clickhouse", snap[0].Name)
	assert.Equal(t, "connection refused", snap[1].Error)
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMonitor(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
	m.AddCheck("down", func(ctx context.Context) error { return errors.New("x") })
	m.RunAll(context.Background())

	r := gin.New()
	m.Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"unhealthy"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
