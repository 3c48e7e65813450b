package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	markerStateProcessing = "processing"
	markerStateProcessed  = "processed"
)

type markerEntry struct {
	state     string
	expiresAt time.Time
}

// fakeMarkerStore is an in-memory repository.MarkerStore for unit tests.
type fakeMarkerStore struct {
	mu      sync.Mutex
	entries map[string]markerEntry
}

func newFakeMarkerStore() *fakeMarkerStore {
	return &fakeMarkerStore{entries: make(map[string]markerEntry)}
}

func (f *fakeMarkerStore) TryAcquireProcessing(_ context.Context, key string, ttlSeconds int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.entries[key]; ok && e.state == markerStateProcessing && e.expiresAt.After(time.Now()) {
		return false, nil
	}
	f.entries[key] = markerEntry{state: markerStateProcessing, expiresAt: time.Now().Add(time.Duration(ttlSeconds) * time.Second)}
	return true, nil
}

func (f *fakeMarkerStore) IsProcessed(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return ok && e.state == markerStateProcessed && e.expiresAt.After(time.Now()), nil
}

func (f *fakeMarkerStore) MarkProcessed(_ context.Context, key string, ttlSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = markerEntry{state: markerStateProcessed, expiresAt: time.Now().Add(time.Duration(ttlSeconds) * time.Second)}
	return nil
}

func (f *fakeMarkerStore) ReleaseProcessing(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; ok && e.state == markerStateProcessing {
		delete(f.entries, key)
	}
	return nil
}

func TestGate_RunExecutesOnceThenShortCircuits(t *testing.T) {
	store := newFakeMarkerStore()
	gate := NewGate(store)

	calls := 0
	fn := func(ctx context.Context) error {
		calls++
		return nil
	}

	require.NoError(t, gate.Run(context.Background(), "msg-1", nil, fn))
	require.NoError(t, gate.Run(context.Background(), "msg-1", nil, fn))

	assert.Equal(t, 1, calls, "second delivery of the same message must be short-circuited")
}

func TestGate_FailurePathReleasesInFlightMarker(t *testing.T) {
	store := newFakeMarkerStore()
	gate := NewGate(store)

	boom := errors.New("boom")
	err := gate.Run(context.Background(), "msg-2", nil, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	processed, err := gate.AlreadyProcessed(context.Background(), "msg-2")
	require.NoError(t, err)
	assert.False(t, processed, "failed run must not mark the message processed")

	// A retry after a failure must be allowed to acquire again.
	acquired, err := gate.AcquireProcessing(context.Background(), "msg-2")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestGate_ConcurrentAcquireOnlyOneWins(t *testing.T) {
	store := newFakeMarkerStore()
	gate := NewGate(store)

	const n = 10
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := gate.AcquireProcessing(context.Background(), "msg-3")
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	won := 0
	for _, ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent acquire should succeed")
}

func TestSuffix(t *testing.T) {
	assert.Equal(t, "abc", Suffix("abc", []byte("irrelevant")))

	h1 := Suffix("", []byte(`{"a":1}`))
	h2 := Suffix("", []byte(`{"a":1}`))
	h3 := Suffix("", []byte(`{"a":2}`))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}
