// Package ratelimit implements the per-venue RateGovernor: a
// single-flight gate ensuring no more than one request per venue
// crosses the network inside the configured minimum interval, and a
// learned-interval mechanism that grows from observed Retry-After
// responses and survives process restarts (spec.md §4.2).
package ratelimit

import (
	"fmt"
	"math/rand"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/athebyme/storesync/internal/atomicfile"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/ports"
)

// Config parametrizes the governor. Matches the knobs spec.md §6 lists
// under rate-limit minimum and learning toggles.
type Config struct {
	MinInterval       time.Duration
	LearningEnabled   bool
	LearnedCap        time.Duration
	Buffer            time.Duration
	Jitter            time.Duration
	EnforceAfterOK    bool // whether onSuccess also enforces MinInterval
}

func DefaultConfig() Config {
	return Config{
		MinInterval:     2 * time.Second,
		LearningEnabled: true,
		LearnedCap:      30 * time.Minute,
		Buffer:          2 * time.Second,
		Jitter:          500 * time.Millisecond,
		EnforceAfterOK:  true,
	}
}

type venueState struct {
	mu                   sync.Mutex
	nextAllowedAt        time.Time
	learnedMinInterval   time.Duration
	lastRequestAt        time.Time
}

// persistedVenueState is the JSON-serializable slice of venueState that
// survives restarts (lastRequestAt is in-memory only, per spec.md §4.2).
type persistedVenueState struct {
	NextAllowedAtMs    int64 `json:"nextAllowedAtMs"`
	LearnedMinIntervalMs int64 `json:"learnedMinIntervalMs"`
}

// Governor is a process-local, per-venue rate gate. Concurrent access
// from multiple processes sharing a venue is explicitly undefined
// (spec.md §4.2) — this type does not attempt distributed coordination.
type Governor struct {
	cfg    Config
	path   string
	mode   atomicfile.WriteMode
	logger ports.LoggerPort

	mu      sync.Mutex
	venues  map[string]*venueState
	rndMu   sync.Mutex
	rnd     *rand.Rand
}

// New constructs a Governor persisting to dir/rate-limits.json.
func New(dir string, cfg Config, mode atomicfile.WriteMode, logger ports.LoggerPort) *Governor {
	g := &Governor{
		cfg:    cfg,
		path:   filepath.Join(dir, "rate-limits.json"),
		mode:   mode,
		logger: logger,
		venues: make(map[string]*venueState),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	g.load()
	return g
}

func (g *Governor) load() {
	var persisted map[string]persistedVenueState
	if err := atomicfile.ReadJSON(g.path, &persisted); err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, p := range persisted {
		g.venues[key] = &venueState{
			nextAllowedAt:      time.UnixMilli(p.NextAllowedAtMs),
			learnedMinInterval: time.Duration(p.LearnedMinIntervalMs) * time.Millisecond,
		}
	}
}

func (g *Governor) persist() {
	g.mu.Lock()
	snapshot := make(map[string]persistedVenueState, len(g.venues))
	for key, v := range g.venues {
		v.mu.Lock()
		snapshot[key] = persistedVenueState{
			NextAllowedAtMs:      v.nextAllowedAt.UnixMilli(),
			LearnedMinIntervalMs: v.learnedMinInterval.Milliseconds(),
		}
		v.mu.Unlock()
	}
	g.mu.Unlock()

	logFn := func(msg string) {
		if g.logger != nil {
			g.logger.Warn(msg)
		}
	}
	if err := atomicfile.WriteJSON(g.path, snapshot, g.mode, logFn); err != nil && g.logger != nil {
		g.logger.Error(fmt.Sprintf("failed to persist rate-limit state: %v", err))
	}
}

func (g *Governor) venueFor(key models.VenueKey) *venueState {
	k := key.String()
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.venues[k]
	if !ok {
		v = &venueState{}
		g.venues[k] = v
	}
	return v
}

// WaitForTurn blocks the calling goroutine until the venue's gate opens,
// then records the departure time. Callers for the same venue MUST
// serialize through this call (the per-venue mutex inside venueState
// is the authoritative gate, per spec.md §4.2 and §5).
func (g *Governor) WaitForTurn(key models.VenueKey) {
	v := g.venueFor(key)
	v.mu.Lock()
	defer v.mu.Unlock()

	minInterval := g.cfg.MinInterval
	if v.learnedMinInterval > minInterval {
		minInterval = v.learnedMinInterval
	}

	gate := v.nextAllowedAt
	if candidate := v.lastRequestAt.Add(minInterval); candidate.After(gate) {
		gate = candidate
	}

	if wait := time.Until(gate); wait > 0 {
		time.Sleep(wait)
	}
	v.lastRequestAt = time.Now()
}

// OnRateLimited records a 429 response's Retry-After value, pushing the
// venue's gate forward and, if learning is enabled, raising the learned
// minimum interval (bounded by LearnedCap). Persists immediately since
// rate-limit events are rare (spec.md §4.2, §9).
func (g *Governor) OnRateLimited(key models.VenueKey, retryAfter string) {
	d, ok := parseRetryAfter(retryAfter)
	if !ok || d <= 0 {
		return
	}

	v := g.venueFor(key)
	v.mu.Lock()
	g.rndMu.Lock()
	jitter := time.Duration(g.rnd.Int63n(int64(g.cfg.Jitter) + 1))
	g.rndMu.Unlock()

	candidate := time.Now().Add(d + g.cfg.Buffer + jitter)
	if candidate.After(v.nextAllowedAt) {
		v.nextAllowedAt = candidate
	}

	if g.cfg.LearningEnabled {
		learned := v.learnedMinInterval
		if d > learned {
			learned = d
		}
		if learned > g.cfg.LearnedCap {
			learned = g.cfg.LearnedCap
		}
		v.learnedMinInterval = learned
	}
	v.mu.Unlock()

	if g.logger != nil {
		g.logger.Warn(fmt.Sprintf("rate limited by venue %s, retry-after=%s", key.VenueID, d))
	}
	g.persist()
}

// OnSuccess optionally advances the venue's gate past the configured
// minimum interval after a successful request, so a burst of fast,
// successful calls doesn't immediately violate the interval on the
// next request. Not persisted — success is the common case
// (spec.md §4.2).
func (g *Governor) OnSuccess(key models.VenueKey) {
	if !g.cfg.EnforceAfterOK {
		return
	}
	v := g.venueFor(key)
	v.mu.Lock()
	defer v.mu.Unlock()

	minInterval := g.cfg.MinInterval
	if v.learnedMinInterval > minInterval {
		minInterval = v.learnedMinInterval
	}
	candidate := time.Now().Add(minInterval)
	if candidate.After(v.nextAllowedAt) {
		v.nextAllowedAt = candidate
	}
}

// LearnedInterval reports the currently learned minimum interval for a
// venue, for metrics and tests.
func (g *Governor) LearnedInterval(key models.VenueKey) time.Duration {
	v := g.venueFor(key)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.learnedMinInterval
}

// parseRetryAfter parses a Retry-After header value as either an
// integer number of seconds or an HTTP-date, per spec.md §4.2 / RFC
// 7231 §7.1.3.
func parseRetryAfter(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(raw); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
