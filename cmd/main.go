package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/l0p7/proxystore/internal/config"
	"github.com/l0p7/proxystore/internal/logging"
	"github.com/l0p7/proxystore/internal/server"
)

// configLoader is the slice of config.Loader the process needs.
type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchRoutes(context.Context, config.Config, func(config.RouteBundle), func(error)) (routesWatcher, error)
}

type routesWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

type loaderAdapter struct {
	*config.Loader
}

func (l loaderAdapter) WatchRoutes(ctx context.Context, cfg config.Config, onChange func(config.RouteBundle), onError func(error)) (routesWatcher, error) {
	w, err := l.Loader.WatchRoutes(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, file string) configLoader {
		return loaderAdapter{config.NewLoader(envPrefix, file)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv, err := server.New(cfg, logger, handler)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "PROXYSTORE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	application, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build proxy: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Close(shutdownCtx); err != nil {
			logger.Error("record store shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Routes.RoutesFile != "" || cfg.Server.Routes.RoutesFolder != "" {
		watcher, err := loader.WatchRoutes(ctx, cfg, func(bundle config.RouteBundle) {
			if err := application.proxy.Reload(bundle); err != nil {
				logger.Error("route reload rejected", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("routes watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("routes watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg, logger, application.handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
