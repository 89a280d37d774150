package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/proxystore/internal/config"
	"github.com/l0p7/proxystore/internal/metrics"
	"github.com/l0p7/proxystore/internal/runtime"
	"github.com/l0p7/proxystore/internal/runtime/actor"
	"github.com/l0p7/proxystore/internal/runtime/keys"
	"github.com/l0p7/proxystore/internal/runtime/store"
	"github.com/l0p7/proxystore/internal/server"
	"github.com/l0p7/proxystore/internal/templates"
)

// app is the wired process: record backend, actor directory, proxy service
// and the HTTP handler in front of them.
type app struct {
	logger    *slog.Logger
	backend   store.Backend
	directory *actor.Directory
	proxy     *runtime.Proxy
	metrics   *metrics.Recorder
	handler   http.Handler
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	timings, err := cfg.Proxy.Timings()
	if err != nil {
		return nil, err
	}
	policy, err := actor.ParseFailurePolicy(cfg.Proxy.FailurePolicy)
	if err != nil {
		return nil, fmt.Errorf("config: proxy.failurePolicy: %w", err)
	}
	originTimeout, err := config.ParseDuration(cfg.Origin.Timeout)
	if err != nil {
		return nil, fmt.Errorf("config: origin.timeout: %w", err)
	}

	renderer := templates.NewRenderer(templates.EnvPolicy{
		AllowAll: cfg.Server.Templates.AllowEnv,
		Allowed:  cfg.Server.Templates.AllowedEnv,
	})
	headers, err := renderer.CompileHeaders(cfg.Origin.Headers)
	if err != nil {
		return nil, fmt.Errorf("origin headers: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	backend, backendName := buildRecordStore(logger.With(slog.String("agent", "store_factory")), cfg.Server.Store)
	backend = store.Instrument(backend, backendName, recorder)

	origin := &http.Client{Timeout: originTimeout}
	directory := actor.NewDirectory(actor.DirectoryOptions{
		Backend: backend,
		Origin:  origin,
		Settings: actor.Settings{
			MinAlarm:        timings.MinAlarm,
			AllowedLateness: timings.AllowedLateness,
			RefreshTimeout:  timings.RefreshTimeout,
			FailurePolicy:   policy,
		},
		Prefix:      cfg.Proxy.KeyPrefix,
		Concurrency: cfg.Proxy.AdminConcurrency,
		Logger:      logger.With(slog.String("agent", "actor")),
		Metrics:     recorder,
	})

	proxy, err := runtime.NewProxy(logger, runtime.ProxyOptions{
		Directory:         directory,
		Keys:              keys.NewNormalizer(cfg.Proxy.KeyPrefix),
		Origin:            origin,
		BaseURL:           cfg.Origin.BaseURL,
		StripHeaders:      cfg.Origin.StripHeaders,
		Headers:           headers,
		DefaultRefresh:    timings.DefaultRefresh,
		Unmatched:         cfg.Proxy.Unmatched,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Metrics:           recorder,
	}, cfg.Bundle())
	if err != nil {
		directory.Close()
		return nil, errors.Join(err, backend.Close(ctx))
	}

	restored, err := directory.Restore(ctx)
	if err != nil {
		logger.Warn("alarm restore incomplete", slog.Any("error", err))
	}
	logger.Info("stored records restored", slog.Int("keys", restored))

	handler := server.NewProxyHandler(proxy, server.HandlerOptions{
		AdminEnabled: cfg.Server.Admin.Enabled,
		AdminToken:   cfg.Server.Admin.Token,
		Metrics:      recorder.Handler(),
	})

	return &app{
		logger:    logger,
		backend:   backend,
		directory: directory,
		proxy:     proxy,
		metrics:   recorder,
		handler:   handler,
	}, nil
}

// Close stops every alarm, waits for background refreshes and closes the
// record backend.
func (a *app) Close(ctx context.Context) error {
	a.directory.Close()
	if err := a.backend.Close(ctx); err != nil {
		return fmt.Errorf("close record store: %w", err)
	}
	return nil
}

// buildRecordStore opens the configured backend, falling back to memory when
// it cannot be reached. The returned name labels store metrics.
func buildRecordStore(logger *slog.Logger, cfg config.StoreConfig) (store.Backend, string) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory record store")
		return store.NewMemory(), "memory"
	case "redis":
		redisStore, err := store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis record store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory record store")
			return store.NewMemory(), "memory"
		}
		logger.Info("using redis record store", slog.String("address", cfg.Redis.Address))
		return redisStore, "redis"
	case "leveldb":
		levelStore, err := store.NewLevelDB(cfg.LevelDB.Path)
		if err != nil {
			logger.Error("leveldb record store initialization failed", slog.String("path", cfg.LevelDB.Path), slog.Any("error", err))
			logger.Info("falling back to memory record store")
			return store.NewMemory(), "memory"
		}
		logger.Info("using leveldb record store", slog.String("path", cfg.LevelDB.Path))
		return levelStore, "leveldb"
	case "sqlite":
		sqliteStore, err := store.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			logger.Error("sqlite record store initialization failed", slog.String("path", cfg.SQLite.Path), slog.Any("error", err))
			logger.Info("falling back to memory record store")
			return store.NewMemory(), "memory"
		}
		logger.Info("using sqlite record store", slog.String("path", cfg.SQLite.Path))
		return sqliteStore, "sqlite"
	default:
		logger.Warn("unsupported record store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory(), "memory"
	}
}
