package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator for the given env prefix and files.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// envCanonical maps lower-cased env paths back to the camelCase koanf keys.
var envCanonical = map[string]string{
	"server.logging.correlationheader": "server.logging.correlationHeader",
	"server.routes.routesfolder":       "server.routes.routesFolder",
	"server.routes.routesfile":         "server.routes.routesFile",
	"server.templates.allowenv":        "server.templates.allowEnv",
	"server.templates.allowedenv":      "server.templates.allowedEnv",
	"server.store.redis.tls.cafile":    "server.store.redis.tls.caFile",
	"origin.baseurl":                   "origin.baseURL",
	"origin.stripheaders":              "origin.stripHeaders",
	"proxy.keyprefix":                  "proxy.keyPrefix",
	"proxy.defaultrefresh":             "proxy.defaultRefresh",
	"proxy.minalarm":                   "proxy.minAlarm",
	"proxy.allowedlateness":            "proxy.allowedLateness",
	"proxy.refreshtimeout":             "proxy.refreshTimeout",
	"proxy.failurepolicy":              "proxy.failurePolicy",
	"proxy.adminconcurrency":           "proxy.adminConcurrency",
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (PROXYSTORE_SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := envCanonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineRoutes = cloneRouteMap(cfg.Routes)

	bundle, err := buildRouteBundle(ctx, cfg.InlineRoutes, cfg.Server.Routes)
	if err != nil {
		return Config{}, err
	}
	cfg.Routes = bundle.Routes
	cfg.RouteSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// Bundle returns the loaded routes in the shape WatchRoutes emits.
func (c Config) Bundle() RouteBundle {
	return RouteBundle{
		Routes:  cloneRouteMap(c.Routes),
		Sources: append([]string(nil), c.RouteSources...),
		Skipped: append([]DefinitionSkip(nil), c.SkippedDefinitions...),
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	headers := make(map[string]any, len(cfg.Origin.Headers))
	for name, value := range cfg.Origin.Headers {
		headers[name] = value
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"routes": map[string]any{
				"routesFolder": cfg.Server.Routes.RoutesFolder,
				"routesFile":   cfg.Server.Routes.RoutesFile,
			},
			"templates": map[string]any{
				"allowEnv":   cfg.Server.Templates.AllowEnv,
				"allowedEnv": cfg.Server.Templates.AllowedEnv,
			},
			"store": map[string]any{
				"backend": cfg.Server.Store.Backend,
				"redis": map[string]any{
					"address":  cfg.Server.Store.Redis.Address,
					"username": cfg.Server.Store.Redis.Username,
					"password": cfg.Server.Store.Redis.Password,
					"db":       cfg.Server.Store.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Store.Redis.TLS.CAFile,
					},
				},
				"leveldb": map[string]any{"path": cfg.Server.Store.LevelDB.Path},
				"sqlite":  map[string]any{"path": cfg.Server.Store.SQLite.Path},
			},
			"admin": map[string]any{
				"enabled": cfg.Server.Admin.Enabled,
				"token":   cfg.Server.Admin.Token,
			},
		},
		"origin": map[string]any{
			"baseURL":      cfg.Origin.BaseURL,
			"timeout":      cfg.Origin.Timeout,
			"stripHeaders": cfg.Origin.StripHeaders,
			"headers":      headers,
		},
		"proxy": map[string]any{
			"keyPrefix":        cfg.Proxy.KeyPrefix,
			"defaultRefresh":   cfg.Proxy.DefaultRefresh,
			"minAlarm":         cfg.Proxy.MinAlarm,
			"allowedLateness":  cfg.Proxy.AllowedLateness,
			"refreshTimeout":   cfg.Proxy.RefreshTimeout,
			"failurePolicy":    cfg.Proxy.FailurePolicy,
			"unmatched":        cfg.Proxy.Unmatched,
			"adminConcurrency": cfg.Proxy.AdminConcurrency,
		},
	}
}
