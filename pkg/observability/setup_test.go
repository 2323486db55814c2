package observability_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/fleetslot/pkg/observability"
)

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsRouter(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(observability.MetricsRouter(map[string]observability.Check{
		"redis": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	}))
	defer srv.Close()

	code, body := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	code, _ = get(t, srv, "/readyz")
	require.Equal(t, http.StatusOK, code)

	healthy = false
	code, body = get(t, srv, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, body, "redis: connection refused")

	code, body = get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "go_goroutines")
}

func TestSetupTracer(t *testing.T) {
	shutdown, err := observability.SetupTracer(context.Background(), "fleetslot-test", "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
