package introspection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/ports"
)

type noopLogger struct{ ports.LoggerPort }

func (noopLogger) Warn(string, ...interface{}) {}

type fakeCache struct {
	store map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{store: make(map[string][]byte)} }

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := f.store[key]
	if !ok {
		return nil, errors.New("cache miss")
	}
	return v, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	f.store[key] = value
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, key string) error {
	delete(f.store, key)
	return nil
}

func (f *fakeCache) Close() error { return nil }

type fakeSource struct {
	calls int
	items map[string]bool
	err   error
}

func (f *fakeSource) IntrospectItems(ctx context.Context, store models.Store) (map[string]bool, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func testStore() models.Store {
	return models.Store{ID: 1, MarketplaceBaseURL: "https://mkt.example", VenueID: "venue-1"}
}

func TestCachedIntrospector_MissFallsThroughAndPopulatesCache(t *testing.T) {
	source := &fakeSource{items: map[string]bool{"SKU-1": true}}
	cache := newFakeCache()
	c := New(source, cache, time.Minute, noopLogger{})

	got, err := c.IntrospectItems(context.Background(), testStore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got["SKU-1"] {
		t.Fatalf("expected SKU-1 in result, got %v", got)
	}
	if source.calls != 1 {
		t.Fatalf("expected the source to be called once on a cache miss, got %d", source.calls)
	}
	if len(cache.store) != 1 {
		t.Fatalf("expected the miss to populate the cache")
	}
}

func TestCachedIntrospector_HitSkipsSource(t *testing.T) {
	source := &fakeSource{err: errors.New("should not be called")}
	cache := newFakeCache()
	raw, _ := json.Marshal(map[string]bool{"SKU-1": true})
	cache.store[cacheKey(testStore())] = raw
	c := New(source, cache, time.Minute, noopLogger{})

	got, err := c.IntrospectItems(context.Background(), testStore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got["SKU-1"] {
		t.Fatalf("expected cached result to be returned, got %v", got)
	}
	if source.calls != 0 {
		t.Fatalf("expected source not to be called on a cache hit")
	}
}

func TestCachedIntrospector_NilCachePassesThrough(t *testing.T) {
	source := &fakeSource{items: map[string]bool{"SKU-1": true}}
	c := New(source, nil, time.Minute, noopLogger{})

	got, err := c.IntrospectItems(context.Background(), testStore())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got["SKU-1"] {
		t.Fatalf("expected passthrough result, got %v", got)
	}
	if source.calls != 1 {
		t.Fatalf("expected the source to be called directly when no cache is configured")
	}
}

func TestCachedIntrospector_SourceErrorPropagates(t *testing.T) {
	source := &fakeSource{err: errors.New("marketplace unreachable")}
	cache := newFakeCache()
	c := New(source, cache, time.Minute, noopLogger{})

	if _, err := c.IntrospectItems(context.Background(), testStore()); err == nil {
		t.Fatalf("expected the source error to propagate")
	}
}
