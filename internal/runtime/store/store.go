package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/l0p7/proxystore/internal/metrics"
	"github.com/l0p7/proxystore/internal/runtime/record"
)

// Backend is the durable keyed storage shared by every cache actor. A
// successful Save must be visible to later Loads, including after a restart
// for the persistent backends.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, payload []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Size(ctx context.Context, prefix string) (int64, error)
	Close(ctx context.Context) error
}

// Slot is the single-record view of a Backend owned by one actor.
type Slot struct {
	backend Backend
	key     string
}

// NewSlot scopes backend to key.
func NewSlot(backend Backend, key string) *Slot {
	return &Slot{backend: backend, key: key}
}

// Key returns the backend key the slot writes to.
func (s *Slot) Key() string { return s.key }

// Get loads the record. Undecodable payloads return an error wrapping
// record.ErrMalformed.
func (s *Slot) Get(ctx context.Context) (record.Record, bool, error) {
	if s == nil || s.backend == nil {
		return record.Record{}, false, errors.New("store: slot not initialized")
	}
	payload, ok, err := s.backend.Load(ctx, s.key)
	if err != nil || !ok {
		return record.Record{}, false, err
	}
	rec, err := record.Decode(payload)
	if err != nil {
		return record.Record{}, false, fmt.Errorf("store: slot %s: %w", s.key, err)
	}
	return rec, true, nil
}

// Put overwrites the record.
func (s *Slot) Put(ctx context.Context, rec record.Record) error {
	if s == nil || s.backend == nil {
		return errors.New("store: slot not initialized")
	}
	payload, err := record.Encode(rec)
	if err != nil {
		return err
	}
	return s.backend.Save(ctx, s.key, payload)
}

// DeleteAll empties the slot. Deleting an empty slot is not an error.
func (s *Slot) DeleteAll(ctx context.Context) error {
	if s == nil || s.backend == nil {
		return errors.New("store: slot not initialized")
	}
	return s.backend.Delete(ctx, s.key)
}

type instrumented struct {
	Backend
	name     string
	recorder *metrics.Recorder
}

// Instrument wraps backend so each call is reported to recorder under name.
// A nil recorder returns backend unchanged.
func Instrument(backend Backend, name string, recorder *metrics.Recorder) Backend {
	if backend == nil || recorder == nil {
		return backend
	}
	return &instrumented{Backend: backend, name: name, recorder: recorder}
}

func (i *instrumented) Load(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	payload, ok, err := i.Backend.Load(ctx, key)
	i.recorder.ObserveStore(i.name, metrics.StoreLoad, err, time.Since(start))
	return payload, ok, err
}

func (i *instrumented) Save(ctx context.Context, key string, payload []byte) error {
	start := time.Now()
	err := i.Backend.Save(ctx, key, payload)
	i.recorder.ObserveStore(i.name, metrics.StoreSave, err, time.Since(start))
	return err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.Backend.Delete(ctx, key)
	i.recorder.ObserveStore(i.name, metrics.StoreDelete, err, time.Since(start))
	return err
}

func (i *instrumented) Keys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := i.Backend.Keys(ctx, prefix)
	i.recorder.ObserveStore(i.name, metrics.StoreKeys, err, time.Since(start))
	return keys, err
}
