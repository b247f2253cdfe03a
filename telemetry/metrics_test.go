package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsLifecycle(t *testing.T) {
	ctx := context.Background()

	// Record helpers are safe before initialization.
	RecordIPCRequest(ctx, "Query", "ok", time.Millisecond)
	RecordCacheLookup(ctx, true)
	RecordCacheSize(ctx, 3)
	RecordCacheSweep(ctx, 2, time.Millisecond)
	RecordProviderSpawn(ctx, "stdio")
	RecordProviderQuery(ctx, "gopls", "success", time.Millisecond)
	RecordProviderFetch(ctx, "docs", time.Millisecond, 128, "success")
	RecordPoolSize(ctx, 1)

	shutdown, err := InitMetrics(ctx, MetricsConfig{
		ServiceName:      "coordinator-test",
		ServiceVersion:   "test",
		EnablePrometheus: true,
	})
	require.NoError(t, err)

	RecordIPCRequest(ctx, "GetCache", "ok", 2*time.Millisecond)
	RecordCacheLookup(ctx, false)

	// The Prometheus handler exposes what was recorded.
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "coordinator_ipc_requests_total")

	// Repeat initialization reuses the first configuration.
	again, err := InitMetrics(ctx, MetricsConfig{ServiceName: "other"})
	require.NoError(t, err)
	require.NotNil(t, again)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, shutdown(shutdownCtx))
}

func TestInstrumentedTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "docs")}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "payload", string(body))
}

func TestInstrumentedTransportErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "docs")}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
