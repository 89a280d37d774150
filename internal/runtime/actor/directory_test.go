package actor

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/proxystore/internal/metrics"
	"github.com/l0p7/proxystore/internal/runtime/alarm"
	"github.com/l0p7/proxystore/internal/runtime/record"
	"github.com/l0p7/proxystore/internal/runtime/store"
)

func newDirectory(t *testing.T, backend store.Backend, o *origin, clock *testClock) *Directory {
	t.Helper()
	d := NewDirectory(DirectoryOptions{
		Backend:  backend,
		Clock:    alarm.New(alarm.WithNow(clock.Now)),
		Origin:   o,
		Settings: Settings{MinAlarm: time.Minute, AllowedLateness: time.Minute},
		Prefix:   "nws:do:",
		Metrics:  metrics.NewRecorder(nil),
		Now:      clock.Now,
	})
	t.Cleanup(d.Close)
	return d
}

func seed(t *testing.T, backend store.Backend, key string, last time.Time, refresh int) {
	t.Helper()
	require.NoError(t, store.NewSlot(backend, key).Put(context.Background(), record.Record{
		Request:        record.Request{Method: http.MethodGet, URL: "https://api.weather.gov/alerts/active"},
		Response:       record.Response{Status: http.StatusOK, Body: []byte("stored")},
		LastRefresh:    last,
		RefreshSeconds: refresh,
	}))
}

func TestDirectoryReturnsSameActorPerKey(t *testing.T) {
	clock := newTestClock()
	d := newDirectory(t, store.NewMemory(), &origin{}, clock)

	first := d.Get(testKey)
	second := d.Get(testKey)
	require.Same(t, first, second)
	require.NotSame(t, first, d.Get(testKey+"x"))
	require.Equal(t, 2, d.Len())

	got, ok := d.Lookup(testKey)
	require.True(t, ok)
	require.Same(t, first, got)
	_, ok = d.Lookup("nws:do:unknown")
	require.False(t, ok)
}

func TestDirectoryRestoreArmsStoredKeys(t *testing.T) {
	clock := newTestClock()
	backend := store.NewMemory()
	seed(t, backend, "nws:do:a", clock.Now(), 3600)
	seed(t, backend, "nws:do:b", clock.Now(), 600)
	seed(t, backend, "other:c", clock.Now(), 600)

	d := newDirectory(t, backend, &origin{}, clock)
	n, err := d.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, d.Len())
	require.Equal(t, 2, d.PendingAlarms())

	snap, err := d.Get("nws:do:b").Inspect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.NextAlarm)
	require.Equal(t, clock.Now().Add(10*time.Minute), *snap.NextAlarm)
}

func TestDirectoryKeysAndResetAll(t *testing.T) {
	clock := newTestClock()
	backend := store.NewMemory()
	seed(t, backend, "nws:do:a", clock.Now(), 3600)
	seed(t, backend, "nws:do:b", clock.Now(), 3600)
	d := newDirectory(t, backend, &origin{}, clock)
	ctx := context.Background()

	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"nws:do:a", "nws:do:b"}, keys)

	_, err = d.Restore(ctx)
	require.NoError(t, err)

	reset, err := d.ResetAll(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"nws:do:a", "nws:do:b"}, reset)

	keys, err = d.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Equal(t, 0, d.PendingAlarms())
}

func TestDirectoryStopAllKeepsRecords(t *testing.T) {
	clock := newTestClock()
	backend := store.NewMemory()
	seed(t, backend, "nws:do:a", clock.Now(), 3600)
	d := newDirectory(t, backend, &origin{}, clock)
	ctx := context.Background()

	_, err := d.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, d.PendingAlarms())

	require.NoError(t, d.StopAll(ctx))
	require.Equal(t, 0, d.PendingAlarms())

	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"nws:do:a"}, keys)
}

func TestDirectoryAlarmTriggersRefresh(t *testing.T) {
	backend := store.NewMemory()
	o := &origin{}
	d := NewDirectory(DirectoryOptions{
		Backend:  backend,
		Origin:   o,
		Settings: Settings{MinAlarm: time.Minute, AllowedLateness: time.Minute},
		Prefix:   "nws:do:",
	})
	t.Cleanup(d.Close)
	seed(t, backend, "nws:do:a", time.Now().Add(-2*time.Hour), 3600)

	_, err := d.Restore(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return o.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	d.Get("nws:do:a").Wait()

	snap, err := d.Get("nws:do:a").Inspect(context.Background())
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), *snap.LastRefresh, 5*time.Second)
}

func TestDirectoryRecordsCountsOnlyPrefixedKeys(t *testing.T) {
	clock := newTestClock()
	backend := store.NewMemory()
	seed(t, backend, "nws:do:a", clock.Now(), 3600)
	seed(t, backend, "nws:do:b", clock.Now(), 3600)
	seed(t, backend, "sessions:42", clock.Now(), 3600)
	d := newDirectory(t, backend, &origin{}, clock)
	ctx := context.Background()

	keys, err := d.Keys(ctx)
	require.NoError(t, err)
	records, err := d.Records(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), records)
	require.Equal(t, int64(len(keys)), records, "health count must match the admin listing")
}
