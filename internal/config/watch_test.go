package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const inlineRoutesYAML = "routes:\n  inline-alerts:\n    pattern: /alerts/active\n    refresh: 10m\n"

func TestWatchRoutesFileReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	routesFile := filepath.Join(dir, "routes.yaml")
	if err := os.WriteFile(routesFile, []byte("routes:\n  forecast:\n    description: v1\n    pattern: /gridpoints/{wfo}/{xy}/forecast\n    refresh: 1h\n"), 0o600); err != nil {
		t.Fatalf("failed to write routes file: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  routes:\n    routesFile: %s\n" + inlineRoutesYAML
	if err := os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, routesFile)), 0o600); err != nil {
		t.Fatalf("failed to write server config: %v", err)
	}

	loader := NewLoader("PROXYSTORE", serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan RouteBundle, 4)
	errCh := make(chan error, 4)

	watcher, err := loader.WatchRoutes(ctx, cfg, func(bundle RouteBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		if _, ok := bundle.Routes["inline-alerts"]; !ok {
			t.Fatalf("inline route missing on initial load: %v", bundle.Routes)
		}
		route, ok := bundle.Routes["forecast"]
		if !ok {
			t.Fatalf("file route missing on initial load: %v", bundle.Routes)
		}
		if route.Description != "v1" {
			t.Fatalf("expected file route v1, got %v", route.Description)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial change event")
	}

	if err := os.WriteFile(routesFile, []byte("routes:\n  forecast:\n    description: v2\n    pattern: /gridpoints/{wfo}/{xy}/forecast\n    refresh: 2h\n"), 0o600); err != nil {
		t.Fatalf("failed to update routes file: %v", err)
	}

	select {
	case bundle := <-changeCh:
		route, ok := bundle.Routes["forecast"]
		if !ok {
			t.Fatalf("file route missing after reload")
		}
		if route.Description != "v2" || route.Refresh != "2h" {
			t.Fatalf("expected updated route, got %+v", route)
		}
		if _, ok := bundle.Routes["inline-alerts"]; !ok {
			t.Fatalf("inline route missing after reload")
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}

func TestWatchRoutesFolderReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	routesDir := filepath.Join(dir, "routes")
	if err := os.MkdirAll(routesDir, 0o755); err != nil {
		t.Fatalf("failed to create routes folder: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  routes:\n    routesFolder: %s\n" + inlineRoutesYAML
	if err := os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, routesDir)), 0o600); err != nil {
		t.Fatalf("failed to write server config: %v", err)
	}

	loader := NewLoader("PROXYSTORE", serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan RouteBundle, 4)
	errCh := make(chan error, 4)

	watcher, err := loader.WatchRoutes(ctx, cfg, func(bundle RouteBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		if len(bundle.Routes) != 1 {
			t.Fatalf("expected only inline route initially, got %v", bundle.Routes)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial event")
	}

	routePath := filepath.Join(routesDir, "stations.json")
	if err := os.WriteFile(routePath, []byte(`{"routes":{"observations":{"pattern":"/stations/{id}/observations/latest","refresh":"10m"}}}`), 0o600); err != nil {
		t.Fatalf("failed to create routes document: %v", err)
	}

	select {
	case bundle := <-changeCh:
		if _, ok := bundle.Routes["observations"]; !ok {
			t.Fatalf("expected folder route after reload: %v", bundle.Routes)
		}
		if _, ok := bundle.Routes["inline-alerts"]; !ok {
			t.Fatalf("inline route missing after reload")
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for folder reload event")
	}
}

func TestWatchRoutesRequiresSource(t *testing.T) {
	loader := NewLoader("PROXYSTORE")
	cfg := DefaultConfig()
	if _, err := loader.WatchRoutes(context.Background(), cfg, func(RouteBundle) {}, nil); err == nil {
		t.Fatal("expected an error without a routes source")
	}
	cfg.Server.Routes.RoutesFolder = t.TempDir()
	if _, err := loader.WatchRoutes(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected an error without a change callback")
	}
}
