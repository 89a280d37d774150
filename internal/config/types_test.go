package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	conflictingRoutes := cfg
	conflictingRoutes.Server.Routes = RoutesSourceConfig{RoutesFolder: "./routes", RoutesFile: "routes.yaml"}
	require.Error(t, conflictingRoutes.Validate())

	t.Run("store backends need their settings", func(t *testing.T) {
		for _, backend := range []string{"redis", "leveldb", "sqlite"} {
			missing := DefaultConfig()
			missing.Server.Store.Backend = backend
			require.Error(t, missing.Validate(), backend)
		}

		unknown := DefaultConfig()
		unknown.Server.Store.Backend = "etcd"
		require.Error(t, unknown.Validate())

		redis := DefaultConfig()
		redis.Server.Store.Backend = "redis"
		redis.Server.Store.Redis.Address = "127.0.0.1:6379"
		require.NoError(t, redis.Validate())
	})

	t.Run("origin base URL", func(t *testing.T) {
		for _, raw := range []string{"", "api.weather.gov", "ftp://api.weather.gov", "https://"} {
			invalid := DefaultConfig()
			invalid.Origin.BaseURL = raw
			require.Error(t, invalid.Validate(), raw)
		}
	})

	t.Run("proxy durations", func(t *testing.T) {
		invalid := DefaultConfig()
		invalid.Proxy.MinAlarm = "a minute"
		require.Error(t, invalid.Validate())

		tooShort := DefaultConfig()
		tooShort.Proxy.DefaultRefresh = "500ms"
		require.Error(t, tooShort.Validate())

		seconds := DefaultConfig()
		seconds.Proxy.DefaultRefresh = "3600"
		require.NoError(t, seconds.Validate())
	})

	t.Run("policies", func(t *testing.T) {
		failure := DefaultConfig()
		failure.Proxy.FailurePolicy = "retry"
		require.Error(t, failure.Validate())

		unmatched := DefaultConfig()
		unmatched.Proxy.Unmatched = "redirect"
		require.Error(t, unmatched.Validate())

		valid := DefaultConfig()
		valid.Proxy.FailurePolicy = "reset"
		valid.Proxy.Unmatched = "passthrough"
		require.NoError(t, valid.Validate())
	})
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":     0,
		"60":   time.Minute,
		" 10m": 10 * time.Minute,
		"720h": 720 * time.Hour,
	}
	for input, want := range cases {
		got, err := ParseDuration(input)
		require.NoError(t, err, input)
		require.Equal(t, want, got, input)
	}
	_, err := ParseDuration("monthly")
	require.Error(t, err)
}

func TestRouteCacheControlDirectives(t *testing.T) {
	require.Nil(t, RouteCacheControlConfig{}.Directives())
	require.Equal(t, map[string]int{"max-age": 600, "s-maxage": 3600}, RouteCacheControlConfig{MaxAge: intPtr(600), SMaxAge: intPtr(3600)}.Directives())
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "info", cfg.Server.Logging.Level)
	require.Empty(t, cfg.Server.Routes.RoutesFolder)
	require.False(t, cfg.Server.Templates.AllowEnv)
	require.Equal(t, []string{"NWS_USER_AGENT"}, cfg.Server.Templates.AllowedEnv)
	require.Equal(t, "memory", cfg.Server.Store.Backend)
	require.Equal(t, []string{"cache-control", "pragma", "accept-language", "origin"}, cfg.Origin.StripHeaders)
	require.Equal(t, "nws:do:", cfg.Proxy.KeyPrefix)
	require.Equal(t, "serve-stale", cfg.Proxy.FailurePolicy)
}
