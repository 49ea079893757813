package observability

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jrepp/simbridge/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	pc := metrics.NewPrometheusCollector("simbridge")
	pc.ConnectRetry()

	cfg := DefaultConfig("simbridge", "test")
	cfg.Gatherer = pc.Registry()
	m := NewManager(cfg, nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "simbridge_bridge_connect_retries_total 1")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsServer(t *testing.T) {
	cfg := DefaultConfig("simbridge", "test")
	cfg.MetricsPort = -1
	m := NewManager(cfg, nil)
	require.NoError(t, m.Initialize(context.Background()))
	assert.Empty(t, m.MetricsAddr(), "negative port disables the server")
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestTracing(t *testing.T) {
	var out bytes.Buffer
	cfg := DefaultConfig("simbridge", "test")
	cfg.EnableTracing = true
	cfg.TraceOutput = &out
	m := NewManager(cfg, nil)
	require.NoError(t, m.Initialize(context.Background()))

	_, span := m.Tracer("test").Start(context.Background(), "bridge.Step")
	span.End()

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Contains(t, out.String(), "bridge.Step")

	// second shutdown is a no-op
	require.NoError(t, m.Shutdown(context.Background()))
}
