package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/wasmbox/internal/config"
	"github.com/michaelbrown/wasmbox/internal/metrics"
	"github.com/michaelbrown/wasmbox/internal/sandbox"
	"github.com/michaelbrown/wasmbox/internal/storage"
	"github.com/michaelbrown/wasmbox/internal/storage/sqlite"
	"github.com/michaelbrown/wasmbox/internal/wasmtest"
	"github.com/michaelbrown/wasmbox/internal/wire"
)

type testEnv struct {
	server  *Server
	http    *httptest.Server
	metrics *metrics.Metrics
	store   storage.Store
}

func newTestEnv(t *testing.T, rl config.RateLimitConfig) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8080, MaxBodyBytes: 4 << 20, RateLimit: rl},
	}
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := metrics.New()
	policy := sandbox.DefaultPolicy()
	exec := NewExecutor(sandbox.NewPipeline(policy), policy, 8, WithMetrics(m), WithStore(store))
	s := New(cfg, exec, store, m, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: s, http: ts, metrics: m, store: store}
}

func (e *testEnv) post(t *testing.T, body any) (int, wire.Response) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.http.URL+"/execute", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out wire.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestExecuteStatusMapping(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{})

	tests := []struct {
		name      string
		body      wire.ExecuteRequest
		status    int
		errPrefix string
	}{
		{
			name:   "success",
			body:   wire.ExecuteRequest{ID: "r1", Wasm: wire.EncodeModule(wasmtest.MemoryEcho()), Input: json.RawMessage(`{"k":"v"}`)},
			status: http.StatusOK,
		},
		{
			name:      "missing wasm",
			body:      wire.ExecuteRequest{ID: "r2"},
			status:    http.StatusBadRequest,
			errPrefix: "DecodeError: wasm is required",
		},
		{
			name:      "bad magic",
			body:      wire.ExecuteRequest{ID: "r3", Wasm: wire.EncodeModule([]byte("not wasm at all"))},
			status:    http.StatusBadRequest,
			errPrefix: "LoadError: invalid magic number",
		},
		{
			name:      "ill typed",
			body:      wire.ExecuteRequest{ID: "r4", Wasm: wire.EncodeModule(wasmtest.IllTyped())},
			status:    http.StatusBadRequest,
			errPrefix: "ValidateError",
		},
		{
			name:      "config rejected",
			body:      wire.ExecuteRequest{ID: "r5", Wasm: wire.EncodeModule(wasmtest.Nop("main")), MemoryLimit: 1},
			status:    http.StatusInternalServerError,
			errPrefix: "ConfigError",
		},
		{
			name:      "unresolved import",
			body:      wire.ExecuteRequest{ID: "r6", Wasm: wire.EncodeModule(wasmtest.UnresolvedImport())},
			status:    http.StatusInternalServerError,
			errPrefix: "InstantiateError",
		},
		{
			name:      "trap",
			body:      wire.ExecuteRequest{ID: "r7", Wasm: wire.EncodeModule(wasmtest.Unreachable("main"))},
			status:    http.StatusInternalServerError,
			errPrefix: "RunError: Trap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := env.post(t, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.body.ID, resp.ID)
			if tt.errPrefix == "" {
				assert.True(t, resp.Success)
				assert.JSONEq(t, string(tt.body.Input), string(resp.Output))
				assert.NotEmpty(t, resp.ExecutionID)
				return
			}
			assert.False(t, resp.Success)
			assert.True(t, strings.HasPrefix(resp.Error, tt.errPrefix), "error %q", resp.Error)
		})
	}
}

func TestExecuteInvalidJSON(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{})

	resp, err := http.Post(env.http.URL+"/execute", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var out wire.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, strings.HasPrefix(out.Error, "DecodeError: invalid JSON body"), out.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ExecutionsTotal.WithLabelValues("DecodeError")))
}

func TestExecuteBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{})
	env.server.cfg.Server.MaxBodyBytes = 64

	status, _ := env.post(t, wire.ExecuteRequest{Wasm: wire.EncodeModule(wasmtest.MemoryEcho())})
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
}

func TestExecuteTimeout(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{})

	start := time.Now()
	status, resp := env.post(t, wire.ExecuteRequest{Wasm: wire.EncodeModule(wasmtest.InfiniteLoop("main")), Timeout: 200})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "RunError: Timeout", resp.Error)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Zero(t, env.server.exec.Inflight().Count())
}

func TestExecuteRecordsHistory(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{})

	_, resp := env.post(t, wire.ExecuteRequest{Wasm: wire.EncodeModule(wasmtest.Nop("main"))})
	require.True(t, resp.Success)

	res, err := http.Get(env.http.URL + "/executions/" + resp.ExecutionID)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var rec storage.Record
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rec))
	assert.Equal(t, "success", rec.Stage)
	assert.Equal(t, "main", rec.FunctionName)

	list, err := http.Get(env.http.URL + "/executions?stage=success&limit=10")
	require.NoError(t, err)
	defer list.Body.Close()
	var records []storage.Record
	require.NoError(t, json.NewDecoder(list.Body).Decode(&records))
	assert.Len(t, records, 1)

	missing, err := http.Get(env.http.URL + "/executions/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHistoryDisabled(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{MaxBodyBytes: 1 << 20}}
	policy := sandbox.DefaultPolicy()
	s := New(cfg, NewExecutor(sandbox.NewPipeline(policy), policy, 1), nil, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "history is disabled")
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{})

	res, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	res.Body.Close()
	assert.Equal(t, "ok", health["status"])

	env.post(t, wire.ExecuteRequest{Wasm: wire.EncodeModule(wasmtest.Nop("main"))})

	res, err = http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(res.Body)
	assert.Contains(t, buf.String(), `wasmbox_executions_total{stage="success"} 1`)
	assert.Contains(t, buf.String(), `wasmbox_http_requests_total{method="POST",path="/execute",status="200"} 1`)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})
	body := wire.ExecuteRequest{Wasm: wire.EncodeModule(wasmtest.Nop("main"))}

	status, _ := env.post(t, body)
	assert.Equal(t, http.StatusOK, status)

	data, _ := json.Marshal(body)
	resp, err := http.Post(env.http.URL+"/execute", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RateLimited))
}

func TestWebSocketOneResponsePerFrame(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{})

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	frames := map[string]wire.ExecuteRequest{
		"slow": {ID: "slow", Wasm: wire.EncodeModule(wasmtest.InfiniteLoop("main")), Timeout: 200},
		"fast": {ID: "fast", Wasm: wire.EncodeModule(wasmtest.MemoryEcho()), Input: json.RawMessage(`[1]`)},
		"bad":  {ID: "bad"},
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteJSON(f))
	}

	got := map[string]wire.Response{}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(got) < len(frames) {
		var resp wire.Response
		require.NoError(t, conn.ReadJSON(&resp))
		_, dup := got[resp.ID]
		require.False(t, dup, "duplicate response for %q", resp.ID)
		got[resp.ID] = resp
	}

	assert.Equal(t, "RunError: Timeout", got["slow"].Error)
	assert.True(t, got["fast"].Success)
	assert.JSONEq(t, `[1]`, string(got["fast"].Output))
	assert.Equal(t, "DecodeError: wasm is required", got["bad"].Error)
}

func TestExecutorSlotWait(t *testing.T) {
	policy := sandbox.DefaultPolicy()
	exec := NewExecutor(sandbox.NewPipeline(policy), policy, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o, err := exec.Run(context.Background(), sandbox.Request{Module: wasmtest.InfiniteLoop("main"), Timeout: 500})
		assert.NoError(t, err)
		assert.ErrorIs(t, o.Err, sandbox.ErrTimeout)
	}()

	require.Eventually(t, func() bool { return exec.Inflight().Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	running := exec.Inflight().List()[0]
	assert.Equal(t, "main", running.Function)
	assert.WithinDuration(t, running.Started.Add(500*time.Millisecond), running.Deadline, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := exec.Run(ctx, sandbox.Request{Module: wasmtest.Nop("main")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	wg.Wait()
	assert.Zero(t, exec.Inflight().Count())
}

func TestExecuteSlotWaitCancelled(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{MaxBodyBytes: 1 << 20}}
	policy := sandbox.DefaultPolicy()
	exec := NewExecutor(sandbox.NewPipeline(policy), policy, 1)
	s := New(cfg, exec, nil, nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		exec.Run(context.Background(), sandbox.Request{Module: wasmtest.InfiniteLoop("main"), Timeout: 500})
	}()
	require.Eventually(t, func() bool { return exec.Inflight().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	body, err := json.Marshal(wire.ExecuteRequest{ID: "queued", Wasm: wire.EncodeModule(wasmtest.Nop("main"))})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body)).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp wire.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.ID)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "waiting for execution slot")

	wg.Wait()
}
