package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/leopard/internal/runtime/jsoncodec"
	"github.com/drblury/leopard/transport/memory"
)

func TestHandleGetEndpointsReturnsJSON(t *testing.T) {
	stats := NewStatsRegistry()
	s := stats.endpoint(AttachedEndpoint{Name: "orders", Subject: "shop.orders", Group: "shop"})
	s.onStart()
	s.onFinish(time.Millisecond, ResultSuccess, nil)

	srv := newStatusServer(stats, func() []*Worker { return nil }, []string{"*"}, false, newRecordingLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/endpoints", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var payload []map[string]any
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload, 1)
	assert.Equal(t, "orders", payload[0]["name"])
	assert.Equal(t, "shop.orders", payload[0]["subject"])
	assert.EqualValues(t, 1, payload[0]["messages_succeeded"])
}

func TestStatusCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"none configured", nil, "https://ui.example", ""},
		{"wildcard", []string{"*"}, "https://ui.example", "*"},
		{"exact match", []string{"https://ui.example"}, "https://UI.example", "https://UI.example"},
		{"not allowed", []string{"https://ui.example"}, "https://evil.example", ""},
		{"no origin", []string{"https://ui.example"}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newStatusServer(NewStatsRegistry(), func() []*Worker { return nil }, tt.allowed, false, newRecordingLogger())
			req := httptest.NewRequest(http.MethodGet, "/api/endpoints", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			srv.srv.Handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestStatusPreflight(t *testing.T) {
	srv := newStatusServer(NewStatsRegistry(), func() []*Worker { return nil }, []string{"*"}, false, newRecordingLogger())
	req := httptest.NewRequest(http.MethodOptions, "/api/workers", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Empty(t, rec.Body.String())
}

func TestHandleGetProcess(t *testing.T) {
	srv := newStatusServer(NewStatsRegistry(), func() []*Worker { return nil }, nil, false, newRecordingLogger())
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/process", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var usage ProcessUsage
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Positive(t, usage.Goroutines)
	assert.Positive(t, usage.HeapBytes)
}

func TestStatusMetricsRouteIsOptional(t *testing.T) {
	without := newStatusServer(NewStatsRegistry(), func() []*Worker { return nil }, nil, false, newRecordingLogger())
	rec := httptest.NewRecorder()
	without.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	with := newStatusServer(NewStatsRegistry(), func() []*Worker { return nil }, nil, true, newRecordingLogger())
	rec = httptest.NewRecorder()
	with.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPoolStatusServer(t *testing.T) {
	broker := memory.NewBroker()
	opts := testRunOptions(broker, newRecordingLogger())
	opts.Instances = 2
	opts.StatusAddr = "127.0.0.1:0"

	pool, err := Run(context.Background(), echoRegistry(t), opts)
	require.NoError(t, err)

	addr := pool.StatusAddr()
	require.NotEmpty(t, addr)

	request(t, broker, "echo", `{"x":1}`)

	resp, err := http.Get("http://" + addr + "/api/workers")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)

	var workers []WorkerStatus
	require.NoError(t, jsoncodec.Unmarshal(body, &workers))
	require.Len(t, workers, 2)
	assert.Equal(t, 1, workers[0].ID)
	assert.Equal(t, "test-service", workers[0].Service)
	assert.False(t, workers[0].Stopped)
	require.Len(t, workers[0].Endpoints, 1)
	assert.Equal(t, "echo", workers[0].Endpoints[0].Subject)

	require.NoError(t, pool.Shutdown())
	_, err = http.Get("http://" + addr + "/api/workers")
	assert.Error(t, err, "status server should be closed with the pool")
}

func TestPoolStatusServerBindFailure(t *testing.T) {
	broker := memory.NewBroker()
	opts := testRunOptions(broker, newRecordingLogger())
	opts.StatusAddr = "256.0.0.1:bad"

	_, err := Run(context.Background(), echoRegistry(t), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status server")
	assert.Empty(t, broker.Endpoints())
}
