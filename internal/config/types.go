package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds every server-level option plus the route definitions once they are loaded.
type Config struct {
	Server ServerConfig           `koanf:"server"`
	Origin OriginConfig           `koanf:"origin"`
	Proxy  ProxyConfig            `koanf:"proxy"`
	Routes map[string]RouteConfig `koanf:"routes"`

	InlineRoutes map[string]RouteConfig `koanf:"-"`

	// RouteSources records which files contributed route definitions once the
	// loader resolves the configured sources.
	RouteSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or otherwise invalid definitions the
	// loader intentionally disabled.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the process bootstrap knobs.
type ServerConfig struct {
	Listen    ListenConfig       `koanf:"listen"`
	Logging   LoggingConfig      `koanf:"logging"`
	Routes    RoutesSourceConfig `koanf:"routes"`
	Templates TemplatesConfig    `koanf:"templates"`
	Store     StoreConfig        `koanf:"store"`
	Admin     AdminConfig        `koanf:"admin"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// RoutesSourceConfig announces where route documents are read from.
type RoutesSourceConfig struct {
	RoutesFolder string `koanf:"routesFolder"`
	RoutesFile   string `koanf:"routesFile"`
}

// TemplatesConfig controls which environment variables header templates may read.
type TemplatesConfig struct {
	AllowEnv   bool     `koanf:"allowEnv"`
	AllowedEnv []string `koanf:"allowedEnv"`
}

// StoreConfig selects the durable record backend.
type StoreConfig struct {
	Backend string           `koanf:"backend"`
	Redis   StoreRedisConfig `koanf:"redis"`
	LevelDB StorePathConfig  `koanf:"leveldb"`
	SQLite  StorePathConfig  `koanf:"sqlite"`
}

type StoreRedisConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      StoreRedisTLSConfig `koanf:"tls"`
}

type StoreRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type StorePathConfig struct {
	Path string `koanf:"path"`
}

// AdminConfig guards the /admin endpoints. An empty token leaves them open.
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Token   string `koanf:"token"`
}

// OriginConfig describes the upstream API every route forwards to.
type OriginConfig struct {
	BaseURL      string            `koanf:"baseURL"`
	Timeout      string            `koanf:"timeout"`
	StripHeaders []string          `koanf:"stripHeaders"`
	Headers      map[string]string `koanf:"headers"`
}

// ProxyConfig tunes the cache actors.
type ProxyConfig struct {
	KeyPrefix        string `koanf:"keyPrefix"`
	DefaultRefresh   string `koanf:"defaultRefresh"`
	MinAlarm         string `koanf:"minAlarm"`
	AllowedLateness  string `koanf:"allowedLateness"`
	RefreshTimeout   string `koanf:"refreshTimeout"`
	FailurePolicy    string `koanf:"failurePolicy"`
	Unmatched        string `koanf:"unmatched"`
	AdminConcurrency int    `koanf:"adminConcurrency"`
}

// ProxyTimings is ProxyConfig with its durations parsed.
type ProxyTimings struct {
	DefaultRefresh  time.Duration
	MinAlarm        time.Duration
	AllowedLateness time.Duration
	RefreshTimeout  time.Duration
}

// RouteConfig describes one routed path of the origin API.
type RouteConfig struct {
	Description  string                  `koanf:"description"`
	Pattern      string                  `koanf:"pattern"`
	Mode         string                  `koanf:"mode"`
	Refresh      string                  `koanf:"refresh"`
	Query        RouteQueryConfig        `koanf:"query"`
	Conditions   []string                `koanf:"conditions"`
	CacheControl RouteCacheControlConfig `koanf:"cacheControl"`
}

// RouteQueryConfig rewrites the query string before the key is derived.
type RouteQueryConfig struct {
	Set   map[string]string `koanf:"set"`
	Strip []string          `koanf:"strip"`
}

// RouteCacheControlConfig sets directives on pass-through responses.
type RouteCacheControlConfig struct {
	MaxAge  *int `koanf:"maxAge"`
	SMaxAge *int `koanf:"sMaxAge"`
}

// Directives returns the configured directives keyed by their header name.
func (c RouteCacheControlConfig) Directives() map[string]int {
	out := make(map[string]int)
	if c.MaxAge != nil {
		out["max-age"] = *c.MaxAge
	}
	if c.SMaxAge != nil {
		out["s-maxage"] = *c.SMaxAge
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DefinitionSkip describes a route definition that the loader intentionally
// ignored because it violated invariants (for example duplicate names across
// files). Health checks surface these so operators know what was quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// ParseDuration accepts Go duration strings ("10m", "720h") or a bare number
// of seconds. Empty input yields zero.
func ParseDuration(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if seconds, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return d, nil
}

// Timings parses the proxy durations.
func (p ProxyConfig) Timings() (ProxyTimings, error) {
	var out ProxyTimings
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"proxy.defaultRefresh", p.DefaultRefresh, &out.DefaultRefresh},
		{"proxy.minAlarm", p.MinAlarm, &out.MinAlarm},
		{"proxy.allowedLateness", p.AllowedLateness, &out.AllowedLateness},
		{"proxy.refreshTimeout", p.RefreshTimeout, &out.RefreshTimeout},
	}
	for _, field := range fields {
		d, err := ParseDuration(field.value)
		if err != nil {
			return ProxyTimings{}, fmt.Errorf("config: %s: %w", field.name, err)
		}
		if d < 0 {
			return ProxyTimings{}, fmt.Errorf("config: %s must not be negative", field.name)
		}
		*field.dst = d
	}
	return out, nil
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Routes.RoutesFolder != "" && c.Server.Routes.RoutesFile != "" {
		return errors.New("config: routesFolder and routesFile are mutually exclusive")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Store.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Store.Redis.Address) == "" {
			return errors.New("config: server.store.redis.address required for redis backend")
		}
	case "leveldb":
		if strings.TrimSpace(c.Server.Store.LevelDB.Path) == "" {
			return errors.New("config: server.store.leveldb.path required for leveldb backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.Server.Store.SQLite.Path) == "" {
			return errors.New("config: server.store.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: server.store.backend unsupported: %s", c.Server.Store.Backend)
	}

	base, err := url.Parse(strings.TrimSpace(c.Origin.BaseURL))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return fmt.Errorf("config: origin.baseURL invalid: %q", c.Origin.BaseURL)
	}
	if timeout, err := ParseDuration(c.Origin.Timeout); err != nil || timeout < 0 {
		return fmt.Errorf("config: origin.timeout invalid: %q", c.Origin.Timeout)
	}

	timings, err := c.Proxy.Timings()
	if err != nil {
		return err
	}
	if timings.DefaultRefresh < time.Second {
		return fmt.Errorf("config: proxy.defaultRefresh must be at least 1s: %q", c.Proxy.DefaultRefresh)
	}
	switch strings.TrimSpace(strings.ToLower(c.Proxy.FailurePolicy)) {
	case "", "serve-stale", "reset":
	default:
		return fmt.Errorf("config: proxy.failurePolicy unsupported: %s", c.Proxy.FailurePolicy)
	}
	switch strings.TrimSpace(strings.ToLower(c.Proxy.Unmatched)) {
	case "", "notfound", "passthrough":
	default:
		return fmt.Errorf("config: proxy.unmatched unsupported: %s", c.Proxy.Unmatched)
	}
	if c.Proxy.AdminConcurrency < 0 {
		return fmt.Errorf("config: proxy.adminConcurrency invalid: %d", c.Proxy.AdminConcurrency)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Templates: TemplatesConfig{
				AllowEnv:   false,
				AllowedEnv: []string{"NWS_USER_AGENT"},
			},
			Store: StoreConfig{
				Backend: "memory",
			},
			Admin: AdminConfig{
				Enabled: true,
			},
		},
		Origin: OriginConfig{
			BaseURL:      "https://api.weather.gov",
			Timeout:      "30s",
			StripHeaders: []string{"cache-control", "pragma", "accept-language", "origin"},
			Headers: map[string]string{
				"User-Agent": `{{ env "NWS_USER_AGENT" }}`,
			},
		},
		Proxy: ProxyConfig{
			KeyPrefix:        "nws:do:",
			DefaultRefresh:   "1h",
			MinAlarm:         "60s",
			AllowedLateness:  "60s",
			RefreshTimeout:   "30s",
			FailurePolicy:    "serve-stale",
			Unmatched:        "notfound",
			AdminConcurrency: 8,
		},
	}
}

func intPtr(v int) *int { return &v }

// DefaultRoutes is the route table used when no route definitions are configured.
func DefaultRoutes() map[string]RouteConfig {
	return map[string]RouteConfig{
		"points": {
			Description: "Grid metadata for a latitude/longitude pair",
			Pattern:     "/points/{coordinates}",
			Refresh:     "720h",
		},
		"alerts-active": {
			Description: "Currently active alerts",
			Pattern:     "/alerts/active",
			Refresh:     "10m",
		},
		"gridpoint-stations": {
			Description: "Nearest observation station for a grid cell",
			Pattern:     "/gridpoints/{wfo}/{xy}/stations",
			Refresh:     "720h",
			Query:       RouteQueryConfig{Set: map[string]string{"limit": "1"}},
		},
		"gridpoint-forecast": {
			Description: "Forecast for a grid cell",
			Pattern:     "/gridpoints/{wfo}/{xy}/forecast",
			Refresh:     "1h",
		},
		"hazardous-weather-outlook": {
			Description: "Latest hazardous weather outlook for a forecast office",
			Pattern:     "/products/types/HWO/locations/{wfo}/latest",
			Refresh:     "10m",
		},
		"observations-latest": {
			Description: "Latest observation for a station",
			Pattern:     "/stations/{id}/observations/latest",
			Refresh:     "10m",
		},
		"products-latest": {
			Description: "Latest product of any other type, served uncached",
			Pattern:     "/products/types/{id}/locations/{wfo}/latest",
			Mode:        "passthrough",
			CacheControl: RouteCacheControlConfig{
				MaxAge:  intPtr(600),
				SMaxAge: intPtr(3600),
			},
		},
	}
}
