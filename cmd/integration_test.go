package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/proxystore/internal/config"
)

// countingOrigin stands in for the weather API and counts how often it is hit.
func countingOrigin(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("User-Agent") != "proxystore-integration (ops@example.com)" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "public, max-age=30")
		_, _ = io.WriteString(w, `{"type":"FeatureCollection","features":[]}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func integrationConfig(originURL string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Origin.BaseURL = originURL
	cfg.Server.Admin.Token = "integration-token"
	return cfg
}

func startApp(t *testing.T, cfg config.Config) (*app, *httpexpect.Expect) {
	t.Helper()
	t.Setenv("NWS_USER_AGENT", "proxystore-integration (ops@example.com)")

	application, err := newApp(context.Background(), cfg, newTestLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(application.handler)
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, application.Close(context.Background()))
	})

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})
	return application, expect
}

func TestProxyEndToEnd(t *testing.T) {
	origin, hits := countingOrigin(t)
	_, expect := startApp(t, integrationConfig(origin.URL))

	t.Run("first request is a miss", func(t *testing.T) {
		resp := expect.GET("/alerts/active").Expect()
		resp.Status(http.StatusOK)
		resp.Header("X-Proxy-Storage").IsEqual("MISS")
		resp.Header("Cache-Control").IsEqual("public, max-age=30, s-maxage=600")
		resp.Body().Contains("FeatureCollection")
	})

	t.Run("second request is served from storage", func(t *testing.T) {
		resp := expect.GET("/alerts/active").WithHeader("Cache-Control", "no-cache").Expect()
		resp.Status(http.StatusOK)
		resp.Header("X-Proxy-Storage").IsEqual("HIT")
		resp.Header("X-Proxy-Updated").NotEmpty()
		require.EqualValues(t, 1, hits.Load())
	})

	t.Run("pass-through route overrides cache control", func(t *testing.T) {
		resp := expect.GET("/products/types/AFD/locations/TOP/latest").Expect()
		resp.Status(http.StatusOK)
		resp.Header("X-Proxy-Storage").IsEmpty()
		resp.Header("Cache-Control").IsEqual("public, max-age=600, s-maxage=3600")
	})

	t.Run("unknown paths are rejected", func(t *testing.T) {
		expect.GET("/zones/forecast/KSZ040").Expect().
			Status(http.StatusNotFound).
			JSON().Object().ContainsKey("error")
		expect.POST("/alerts/active").Expect().Status(http.StatusMethodNotAllowed)
	})

	t.Run("health reports records and actors", func(t *testing.T) {
		health := expect.GET("/healthz").Expect()
		health.Status(http.StatusOK)
		obj := health.JSON().Object()
		obj.HasValue("status", "ok")
		obj.HasValue("records", 1)
		obj.HasValue("actors", 1)
		obj.HasValue("pendingAlarms", 1)
		obj.HasValue("usingDefaultRoutes", true)
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		expect.GET("/metrics").Expect().
			Status(http.StatusOK).
			Body().Contains("proxystore_requests_total")
	})

	t.Run("admin requires the token", func(t *testing.T) {
		expect.GET("/admin/list").Expect().Status(http.StatusUnauthorized)

		expect.GET("/admin/list").
			WithHeader("Authorization", "Bearer integration-token").
			Expect().
			Status(http.StatusOK).
			JSON().Array().Length().IsEqual(1)

		expect.GET("/admin/reset").
			WithHeader("Authorization", "Bearer integration-token").
			Expect().
			Status(http.StatusOK).
			JSON().Array().Length().IsEqual(1)

		expect.GET("/alerts/active").Expect().Header("X-Proxy-Storage").IsEqual("MISS")
	})
}

func TestProxyRestoresAlarmsAcrossRestarts(t *testing.T) {
	origin, hits := countingOrigin(t)
	cfg := integrationConfig(origin.URL)
	cfg.Server.Store.Backend = "leveldb"
	cfg.Server.Store.LevelDB.Path = filepath.Join(t.TempDir(), "records")
	t.Setenv("NWS_USER_AGENT", "proxystore-integration (ops@example.com)")

	first, err := newApp(context.Background(), cfg, newTestLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(first.handler)
	resp, err := srv.Client().Get(srv.URL + "/stations/KTOP/observations/latest")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, "MISS", resp.Header.Get("X-Proxy-Storage"))
	srv.Close()
	require.NoError(t, first.Close(context.Background()))

	second, expect := startApp(t, cfg)
	require.Equal(t, 1, second.directory.PendingAlarms())
	expect.GET("/stations/KTOP/observations/latest").Expect().
		Status(http.StatusOK).
		Header("X-Proxy-Storage").IsEqual("HIT")
	require.EqualValues(t, 1, hits.Load())
}
