package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const redisScanCount = 200

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisBackend struct {
	client valkey.Client
}

// NewRedis connects to a redis or valkey server and verifies it with PING.
// Records are stored without expiry; only Delete removes them.
func NewRedis(cfg RedisConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	return &redisBackend{client: client}, nil
}

func (b *redisBackend) Load(ctx context.Context, key string) ([]byte, bool, error) {
	resp := b.client.Do(ctx, b.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("store: redis get bytes: %w", err)
	}
	return payload, true, nil
}

func (b *redisBackend) Save(ctx context.Context, key string, payload []byte) error {
	cmd := b.client.B().Set().Key(key).Value(valkey.BinaryString(payload)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: redis set: %w", err)
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Do(ctx, b.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	return nil
}

func (b *redisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeGlob(prefix) + "*"
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		cmd := b.client.B().Scan().Cursor(cursor).Match(pattern).Count(redisScanCount).Build()
		entry, err := b.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("store: redis scan: %w", err)
		}
		for _, key := range entry.Elements {
			seen[key] = struct{}{}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Size counts the keys under prefix. An empty prefix uses DBSIZE; otherwise
// the keyspace is scanned since redis has no prefix count.
func (b *redisBackend) Size(ctx context.Context, prefix string) (int64, error) {
	if prefix == "" {
		size, err := b.client.Do(ctx, b.client.B().Dbsize().Build()).ToInt64()
		if err != nil {
			return 0, fmt.Errorf("store: redis dbsize: %w", err)
		}
		return size, nil
	}
	keys, err := b.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (b *redisBackend) Close(context.Context) error {
	b.client.Close()
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats as wildcards.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
