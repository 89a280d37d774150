package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/proxystore/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildRecordStore(t *testing.T) {
	tests := []struct {
		name     string
		cfg      func(t *testing.T) config.StoreConfig
		wantName string
	}{
		{
			name:     "defaults to memory",
			cfg:      func(t *testing.T) config.StoreConfig { return config.StoreConfig{} },
			wantName: "memory",
		},
		{
			name: "constructs redis store",
			cfg: func(t *testing.T) config.StoreConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.StoreConfig{Backend: "redis", Redis: config.StoreRedisConfig{Address: server.Addr()}}
			},
			wantName: "redis",
		},
		{
			name: "constructs leveldb store",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{Backend: "leveldb", LevelDB: config.StorePathConfig{Path: filepath.Join(t.TempDir(), "records")}}
			},
			wantName: "leveldb",
		},
		{
			name: "constructs sqlite store",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{Backend: "sqlite", SQLite: config.StorePathConfig{Path: filepath.Join(t.TempDir(), "records.db")}}
			},
			wantName: "sqlite",
		},
		{
			name:     "redis without address falls back",
			cfg:      func(t *testing.T) config.StoreConfig { return config.StoreConfig{Backend: "redis"} },
			wantName: "memory",
		},
		{
			name:     "unknown backend falls back",
			cfg:      func(t *testing.T) config.StoreConfig { return config.StoreConfig{Backend: "etcd"} },
			wantName: "memory",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			backend, name := buildRecordStore(newTestLogger(), tc.cfg(t))
			require.NotNil(t, backend)
			require.Equal(t, tc.wantName, name)
			t.Cleanup(func() {
				require.NoError(t, backend.Close(context.Background()))
			})

			ctx := context.Background()
			require.NoError(t, backend.Save(ctx, "nws:do:https://api.weather.gov/alerts/active", []byte(`{}`)))
			payload, ok, err := backend.Load(ctx, "nws:do:https://api.weather.gov/alerts/active")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte(`{}`), payload)
		})
	}
}

func TestNewAppRejectsBadSettings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Proxy.FailurePolicy = "retry"
	_, err := newApp(context.Background(), cfg, newTestLogger())
	require.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.Origin.Headers = map[string]string{"User-Agent": "{{ .broken"}
	_, err = newApp(context.Background(), cfg, newTestLogger())
	require.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.Routes = map[string]config.RouteConfig{"bad": {Pattern: "/x", Mode: "bypass"}}
	_, err = newApp(context.Background(), cfg, newTestLogger())
	require.Error(t, err)
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "PROXYSTORE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	cfg := config.DefaultConfig()

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "PROXYSTORE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	cfg := config.DefaultConfig()

	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: cfg}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "PROXYSTORE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunStartsRoutesWatcher(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Routes.RoutesFolder = t.TempDir()

	stopped := false
	loader := &fakeLoader{cfg: cfg, stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	require.NoError(t, run(context.Background(), "PROXYSTORE", ""))
	require.True(t, loader.watchSeen)
	require.True(t, stopped, "watcher stops on shutdown")
}

func TestRunSkipsWatcherWithoutSource(t *testing.T) {
	loader := &fakeLoader{cfg: config.DefaultConfig()}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "PROXYSTORE", ""))
	require.False(t, loader.watchSeen)
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) WatchRoutes(context.Context, config.Config, func(config.RouteBundle), func(error)) (routesWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
