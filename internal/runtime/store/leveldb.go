package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelBackend struct {
	db   *leveldb.DB
	sync *opt.WriteOptions
}

// NewLevelDB opens (or creates) a LevelDB directory. Writes are synced so a
// successful Save survives a crash.
func NewLevelDB(path string) (Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: leveldb open %s: %w", path, err)
	}
	return &levelBackend{db: db, sync: &opt.WriteOptions{Sync: true}}, nil
}

func (b *levelBackend) Load(_ context.Context, key string) ([]byte, bool, error) {
	payload, err := b.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: leveldb get: %w", err)
	}
	return payload, true, nil
}

func (b *levelBackend) Save(_ context.Context, key string, payload []byte) error {
	if err := b.db.Put([]byte(key), payload, b.sync); err != nil {
		return fmt.Errorf("store: leveldb put: %w", err)
	}
	return nil
}

func (b *levelBackend) Delete(_ context.Context, key string) error {
	if err := b.db.Delete([]byte(key), b.sync); err != nil {
		return fmt.Errorf("store: leveldb delete: %w", err)
	}
	return nil
}

func (b *levelBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	it := b.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("store: leveldb iterate: %w", err)
	}
	return keys, nil
}

func (b *levelBackend) Size(ctx context.Context, prefix string) (int64, error) {
	it := b.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()

	var n int64
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("store: leveldb iterate: %w", err)
	}
	return n, nil
}

func (b *levelBackend) Close(context.Context) error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("store: leveldb close: %w", err)
	}
	return nil
}
