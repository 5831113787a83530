package batch

import (
	"testing"
	"time"

	"github.com/athebyme/storesync/internal/atomicfile"
	"github.com/athebyme/storesync/internal/domain/models"
)

func testKey() models.VenueKey {
	return models.VenueKey{BaseURL: "https://mkt.example", VenueID: "v1", User: "u1"}
}

func TestBatcher_StartsAtInitial(t *testing.T) {
	cfg := DefaultConfig()
	b := New(t.TempDir(), cfg, atomicfile.ModeAtomic, nil)
	if got := b.CurrentSize(testKey()); got != cfg.Initial {
		t.Fatalf("expected initial size %d, got %d", cfg.Initial, got)
	}
}

func TestBatcher_GrowsAfterSuccessStreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Initial = 100
	cfg.SuccessStreakToGrow = 3
	cfg.GrowthFactor = 1.5
	b := New(t.TempDir(), cfg, atomicfile.ModeAtomic, nil)
	key := testKey()

	for i := 0; i < 2; i++ {
		b.OnBatchSuccess(key)
	}
	if got := b.CurrentSize(key); got != 100 {
		t.Fatalf("expected no growth before streak reached, got %d", got)
	}

	b.OnBatchSuccess(key)
	if got := b.CurrentSize(key); got != 150 {
		t.Fatalf("expected growth to 150, got %d", got)
	}
}

func TestBatcher_ShrinksImmediatelyOnFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Initial = 100
	cfg.ShrinkFactor = 0.5
	b := New(t.TempDir(), cfg, atomicfile.ModeAtomic, nil)
	key := testKey()

	b.OnBatchFailure(key)
	if got := b.CurrentSize(key); got != 50 {
		t.Fatalf("expected immediate shrink to 50, got %d", got)
	}
}

func TestBatcher_NeverExceedsMaxOrMin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Min = 10
	cfg.Max = 20
	cfg.Initial = 20
	cfg.SuccessStreakToGrow = 1
	b := New(t.TempDir(), cfg, atomicfile.ModeAtomic, nil)
	key := testKey()

	for i := 0; i < 5; i++ {
		b.OnBatchSuccess(key)
	}
	if got := b.CurrentSize(key); got != cfg.Max {
		t.Fatalf("expected size capped at max %d, got %d", cfg.Max, got)
	}

	for i := 0; i < 5; i++ {
		b.OnBatchFailure(key)
	}
	if got := b.CurrentSize(key); got != cfg.Min {
		t.Fatalf("expected size floored at min %d, got %d", cfg.Min, got)
	}
}

func TestBatcher_RecommendedDelayStaysConservativeWithinRateLimitWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	b := New(t.TempDir(), cfg, atomicfile.ModeAtomic, nil)
	key := testKey()

	if got := b.RecommendedDelay(key); got != cfg.BaseDelay {
		t.Fatalf("expected base delay with no rate limits, got %s", got)
	}

	b.OnBatchFailure(key)
	if got := b.RecommendedDelay(key); got != cfg.MaxDelay {
		t.Fatalf("expected conservative max delay right after a rate limit, got %s", got)
	}

	b.OnBatchSuccess(key)
	if got := b.RecommendedDelay(key); got != cfg.MaxDelay {
		t.Fatalf("expected delay to stay conservative until the rate-limit window elapses, got %s", got)
	}
}

func TestBatcher_RecommendedDelayRelaxesAfterRateLimitWindowElapses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	b := New(t.TempDir(), cfg, atomicfile.ModeAtomic, nil)
	key := testKey()

	b.OnBatchFailure(key)
	v := b.venueFor(key)
	v.mu.Lock()
	v.lastRateLimitAt = time.Now().Add(-6 * time.Minute)
	v.mu.Unlock()

	if got := b.RecommendedDelay(key); got != cfg.BaseDelay {
		t.Fatalf("expected delay to relax back to base once the rate-limit window elapsed, got %s", got)
	}
}

func TestBatcher_TotalsCountSuccessesAndFailures(t *testing.T) {
	cfg := DefaultConfig()
	b := New(t.TempDir(), cfg, atomicfile.ModeAtomic, nil)
	key := testKey()

	b.OnBatchSuccess(key)
	b.OnBatchSuccess(key)
	b.OnBatchFailure(key)

	success, failure := b.Totals(key)
	if success != 2 || failure != 1 {
		t.Fatalf("expected totals 2/1, got %d/%d", success, failure)
	}
}

func TestBatcher_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	b1 := New(dir, cfg, atomicfile.ModeAtomic, nil)
	key := testKey()
	b1.OnBatchFailure(key)
	want := b1.CurrentSize(key)

	b2 := New(dir, cfg, atomicfile.ModeAtomic, nil)
	if got := b2.CurrentSize(key); got != want {
		t.Fatalf("expected size to survive restart: got %d want %d", got, want)
	}
}

func TestChunks_SplitsCorrectly(t *testing.T) {
	skus := []string{"a", "b", "c", "d", "e"}
	chunks := Chunks(skus, 2)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 2 || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunk sizes: %v", chunks)
	}
}
