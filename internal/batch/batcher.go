// Package batch implements the per-venue AdaptiveBatcher: a push batch
// size that grows on sustained success and shrinks sharply on failure,
// persisted so a restart doesn't re-learn from scratch (spec.md §4.3).
package batch

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/athebyme/storesync/internal/atomicfile"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/ports"
)

// Config parametrizes the batcher. Matches spec.md §6's adaptive batch
// knobs.
type Config struct {
	Min               int
	Max               int
	Initial           int
	GrowthFactor      float64 // multiplicative increase on success streak
	ShrinkFactor      float64 // multiplicative decrease on failure
	SuccessStreakToGrow int   // consecutive successes required before growing
	BaseDelay         time.Duration
	MaxDelay          time.Duration
}

func DefaultConfig() Config {
	return Config{
		Min:                 10,
		Max:                 200,
		Initial:             50,
		GrowthFactor:        1.25,
		ShrinkFactor:        0.5,
		SuccessStreakToGrow: 3,
		BaseDelay:           500 * time.Millisecond,
		MaxDelay:            30 * time.Second,
	}
}

// rateLimitWindow is the spec.md §4.3 "stay conservative" window: a
// recommended delay stays at its conservative value for this long after
// the last rate-limit response, then relaxes back to the nominal delay.
const rateLimitWindow = 5 * time.Minute

type venueBatch struct {
	mu              sync.Mutex
	currentSize     int
	successStreak   int
	failureStreak   int
	lastRateLimitAt time.Time
	totalSuccess    int
	totalFailure    int
}

type persistedVenueBatch struct {
	CurrentSize       int   `json:"currentSize"`
	SuccessStreak     int   `json:"successStreak"`
	FailureStreak     int   `json:"failureStreak"`
	LastRateLimitAtMs int64 `json:"lastRateLimitAtMs,omitempty"`
	TotalSuccess      int   `json:"totalSuccess"`
	TotalFailure      int   `json:"totalFailure"`
}

// Batcher tracks a currentBatchSize per venue, bounded to [Min, Max].
type Batcher struct {
	cfg    Config
	path   string
	mode   atomicfile.WriteMode
	logger ports.LoggerPort

	mu     sync.Mutex
	venues map[string]*venueBatch
}

func New(dir string, cfg Config, mode atomicfile.WriteMode, logger ports.LoggerPort) *Batcher {
	b := &Batcher{
		cfg:    cfg,
		path:   filepath.Join(dir, "adaptive-batch.json"),
		mode:   mode,
		logger: logger,
		venues: make(map[string]*venueBatch),
	}
	b.load()
	return b
}

func (b *Batcher) load() {
	var persisted map[string]persistedVenueBatch
	if err := atomicfile.ReadJSON(b.path, &persisted); err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, p := range persisted {
		size := p.CurrentSize
		if size < b.cfg.Min {
			size = b.cfg.Min
		}
		if size > b.cfg.Max {
			size = b.cfg.Max
		}
		v := &venueBatch{
			currentSize:   size,
			successStreak: p.SuccessStreak,
			failureStreak: p.FailureStreak,
			totalSuccess:  p.TotalSuccess,
			totalFailure:  p.TotalFailure,
		}
		if p.LastRateLimitAtMs > 0 {
			v.lastRateLimitAt = time.UnixMilli(p.LastRateLimitAtMs)
		}
		b.venues[key] = v
	}
}

func (b *Batcher) persist() {
	b.mu.Lock()
	snapshot := make(map[string]persistedVenueBatch, len(b.venues))
	for key, v := range b.venues {
		v.mu.Lock()
		p := persistedVenueBatch{
			CurrentSize:   v.currentSize,
			SuccessStreak: v.successStreak,
			FailureStreak: v.failureStreak,
			TotalSuccess:  v.totalSuccess,
			TotalFailure:  v.totalFailure,
		}
		if !v.lastRateLimitAt.IsZero() {
			p.LastRateLimitAtMs = v.lastRateLimitAt.UnixMilli()
		}
		snapshot[key] = p
		v.mu.Unlock()
	}
	b.mu.Unlock()

	logFn := func(msg string) {
		if b.logger != nil {
			b.logger.Warn(msg)
		}
	}
	if err := atomicfile.WriteJSON(b.path, snapshot, b.mode, logFn); err != nil && b.logger != nil {
		b.logger.Error(fmt.Sprintf("failed to persist adaptive batch state: %v", err))
	}
}

func (b *Batcher) venueFor(key models.VenueKey) *venueBatch {
	k := key.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.venues[k]
	if !ok {
		v = &venueBatch{currentSize: b.cfg.Initial}
		b.venues[k] = v
	}
	return v
}

// CurrentSize returns the recommended batch size for a venue, clamped
// to [Min, Max].
func (b *Batcher) CurrentSize(key models.VenueKey) int {
	v := b.venueFor(key)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentSize
}

// OnBatchSuccess records a successful batch push. After
// SuccessStreakToGrow consecutive successes, the batch size grows by
// GrowthFactor (rounded down, bounded by Max) and the streak resets.
func (b *Batcher) OnBatchSuccess(key models.VenueKey) {
	v := b.venueFor(key)
	v.mu.Lock()
	v.failureStreak = 0
	v.successStreak++
	v.totalSuccess++
	grew := false
	if v.successStreak >= b.cfg.SuccessStreakToGrow {
		newSize := int(float64(v.currentSize) * b.cfg.GrowthFactor)
		if newSize <= v.currentSize {
			newSize = v.currentSize + 1
		}
		if newSize > b.cfg.Max {
			newSize = b.cfg.Max
		}
		if newSize != v.currentSize {
			grew = true
		}
		v.currentSize = newSize
		v.successStreak = 0
	}
	v.mu.Unlock()

	if grew && b.logger != nil {
		b.logger.Info(fmt.Sprintf("adaptive batch grew for venue %s", key.VenueID))
	}
	b.persist()
}

// OnBatchFailure records a failed batch push (a rate-limit response,
// per spec.md §4.3's onRateLimit), shrinking the batch size immediately
// by ShrinkFactor (bounded by Min), resetting the success streak, and
// stamping lastRateLimitAt so RecommendedDelay stays conservative for
// the following rateLimitWindow.
func (b *Batcher) OnBatchFailure(key models.VenueKey) {
	v := b.venueFor(key)
	v.mu.Lock()
	v.successStreak = 0
	v.failureStreak++
	v.totalFailure++
	v.lastRateLimitAt = time.Now()
	newSize := int(float64(v.currentSize) * b.cfg.ShrinkFactor)
	if newSize >= v.currentSize {
		newSize = v.currentSize - 1
	}
	if newSize < b.cfg.Min {
		newSize = b.cfg.Min
	}
	v.currentSize = newSize
	v.mu.Unlock()

	if b.logger != nil {
		b.logger.Warn(fmt.Sprintf("adaptive batch shrank for venue %s to %d", key.VenueID, newSize))
	}
	b.persist()
}

// RecommendedDelay returns the delay to sleep between batches. If the
// venue was rate-limited within the last rateLimitWindow it returns the
// conservative MaxDelay; otherwise the nominal BaseDelay (spec.md §4.3).
func (b *Batcher) RecommendedDelay(key models.VenueKey) time.Duration {
	v := b.venueFor(key)
	v.mu.Lock()
	lastRateLimit := v.lastRateLimitAt
	v.mu.Unlock()

	if !lastRateLimit.IsZero() && time.Since(lastRateLimit) < rateLimitWindow {
		return b.cfg.MaxDelay
	}
	return b.cfg.BaseDelay
}

// Totals returns the lifetime successful/failed batch counts recorded
// for a venue, for operator introspection (spec.md §4.3 "totals").
func (b *Batcher) Totals(key models.VenueKey) (success, failure int) {
	v := b.venueFor(key)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalSuccess, v.totalFailure
}

// Chunks splits skus into consecutive batches of at most size entries
// (a size of zero or less is treated as 1).
func Chunks(skus []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for i := 0; i < len(skus); i += size {
		end := i + size
		if end > len(skus) {
			end = len(skus)
		}
		out = append(out, skus[i:end])
	}
	return out
}
