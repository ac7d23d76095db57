package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/wasmbox/internal/sandbox"
)

func TestRecordExecution(t *testing.T) {
	m := New()
	used := uint64(sandbox.PageSize)

	m.RecordExecution(sandbox.Outcome{Elapsed: time.Millisecond, MemoryUsed: &used, ModuleSize: 10})
	m.RecordExecution(sandbox.Outcome{Elapsed: time.Millisecond, Err: sandbox.NewError(sandbox.StageLoad, errors.New("bad"))})
	m.RecordExecution(sandbox.Outcome{Elapsed: time.Millisecond, Err: sandbox.NewError(sandbox.StageLoad, errors.New("bad"))})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("LoadError")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ExecutionMemory))
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.Inflight.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Inflight))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Inflight))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/executions/{id}", "404")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ExecutionsTotal.WithLabelValues("success").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `wasmbox_executions_total{stage="success"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
