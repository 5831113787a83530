package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/athebyme/storesync/internal/adapters/history"
	"github.com/athebyme/storesync/internal/breaker"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/metrics"
	"github.com/athebyme/storesync/internal/ports"
	"github.com/google/uuid"
)

// Engine is the narrow contract Scheduler needs from SyncEngine.
type Engine interface {
	Run(ctx context.Context, store models.Store, opts RunOptions) models.RunResult
}

// storeRuntime is the Scheduler's in-memory rollup for one store,
// refreshed after every run and exposed read-only via StatusProvider.
type storeRuntime struct {
	store               models.Store
	lastResult          models.RunResult
	lastRunAt           time.Time
	consecutiveFailures int
	hasRun              bool
}

// Scheduler drives periodic sweeps across all enabled stores (spec.md
// §4.10): one sequential pass every IntervalMinutes, never overlapping
// a sweep still in progress, individual store failures counted and
// isolated rather than aborting the sweep. It implements
// services.StatusProvider for the operator HTTP surface.
type Scheduler struct {
	engine    Engine
	interval  time.Duration
	ledger    history.Ledger     // optional
	breakers  *breaker.Registry  // optional, for periodic gauge reporting
	publisher ports.MessagingPort // optional, fire-and-forget audit trail
	auditTopic string
	logger    ports.LoggerPort

	mu          sync.Mutex
	stores      map[int]*storeRuntime
	order       []int
	sweeping    bool
	lastSweepAt time.Time

	triggerCh chan int
}

func NewScheduler(
	engine Engine,
	interval time.Duration,
	stores []models.Store,
	ledger history.Ledger,
	breakers *breaker.Registry,
	publisher ports.MessagingPort,
	auditTopic string,
	logger ports.LoggerPort,
) *Scheduler {
	s := &Scheduler{
		engine:     engine,
		interval:   interval,
		ledger:     ledger,
		breakers:   breakers,
		publisher:  publisher,
		auditTopic: auditTopic,
		logger:     logger,
		stores:     make(map[int]*storeRuntime, len(stores)),
		triggerCh:  make(chan int, 16),
	}
	for _, st := range stores {
		if !st.Enabled {
			continue
		}
		s.stores[st.ID] = &storeRuntime{store: st}
		s.order = append(s.order, st.ID)
	}
	return s
}

// Run blocks until ctx is canceled, sweeping every interval and
// servicing out-of-band TriggerSync requests as they arrive. A store
// with no enabled entries degrades the scheduler to an idle loop rather
// than erroring (spec.md §4.10: "never crash on zero stores").
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.order) == 0 {
		s.logger.Warn("scheduler starting with zero enabled stores, degrading to idle")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, models.ModeDelta)
			s.reportBreakerStates()
		case storeID := <-s.triggerCh:
			s.runOne(ctx, storeID, models.ModeDelta)
		}
	}
}

// sweep runs every enabled store sequentially — never in parallel, so
// one store's adaptive-batcher/rate-governor state never interleaves
// with another's mid-run (spec.md §4.10). A sweep already in progress
// is skipped rather than queued.
func (s *Scheduler) sweep(ctx context.Context, mode models.RunMode) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		s.logger.Warn("skipping sweep, previous sweep still running")
		return
	}
	s.sweeping = true
	order := append([]int(nil), s.order...)
	s.mu.Unlock()

	for _, id := range order {
		s.runOne(ctx, id, mode)
	}

	s.mu.Lock()
	s.sweeping = false
	s.lastSweepAt = time.Now()
	s.mu.Unlock()
}

func (s *Scheduler) runOne(ctx context.Context, storeID int, mode models.RunMode) {
	s.mu.Lock()
	rt, ok := s.stores[storeID]
	s.mu.Unlock()
	if !ok {
		return
	}

	result := s.engine.Run(ctx, rt.store, RunOptions{Mode: mode, RunID: uuid.New().String()})

	s.mu.Lock()
	rt.lastResult = result
	rt.lastRunAt = time.Now()
	rt.hasRun = true
	if result.Outcome == models.OutcomeSuccess {
		rt.consecutiveFailures = 0
	} else {
		rt.consecutiveFailures++
	}
	s.mu.Unlock()

	metrics.ConsecutiveFailures.WithLabelValues(fmt.Sprint(storeID)).Set(float64(rt.consecutiveFailures))

	if s.ledger != nil {
		if err := s.ledger.RecordRun(ctx, result); err != nil {
			s.logger.Warn(fmt.Sprintf("recording run history for store %d: %v", storeID, err))
		}
	}

	s.publishRunCompleted(ctx, result)
}

// publishRunCompleted fires the sync.run.completed audit event.
// Fire-and-forget: a publish failure is logged and never affects the
// run's own outcome (spec.md §9).
func (s *Scheduler) publishRunCompleted(ctx context.Context, result models.RunResult) {
	if s.publisher == nil {
		return
	}
	event := ports.AuditEvent{
		ID:      uuid.New().String(),
		Type:    ports.EventSyncRunCompleted,
		StoreID: result.StoreID,
		Payload: map[string]interface{}{
			"runId":           result.RunID,
			"mode":            string(result.Mode),
			"outcome":         string(result.Outcome),
			"itemsPushed":     result.ItemsPushed,
			"inventoryPushed": result.InventoryPushed,
		},
		PublishedAt: time.Now(),
	}
	if err := s.publisher.Publish(ctx, s.auditTopic, event); err != nil {
		s.logger.Warn(fmt.Sprintf("publishing run-completed audit event for store %d: %v", result.StoreID, err))
	}
}

// Health implements services.StatusProvider.
func (s *Scheduler) Health() HealthReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.stores) == 0 {
		return HealthReport{Verdict: HealthDisabled, LastSweepAt: s.lastSweepAt}
	}

	verdict := HealthUp
	stores := make([]StoreStatus, 0, len(s.stores))
	for _, id := range s.order {
		rt := s.stores[id]
		status := rt.toStatus()
		stores = append(stores, status)
		if rt.consecutiveFailures > 0 {
			verdict = HealthError
		}
	}
	return HealthReport{Verdict: verdict, Stores: stores, LastSweepAt: s.lastSweepAt}
}

// StoreStatus implements services.StatusProvider.
func (s *Scheduler) StoreStatus(storeID int) (StoreStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.stores[storeID]
	if !ok {
		return StoreStatus{}, false
	}
	return rt.toStatus(), true
}

// AllStoreStatuses implements services.StatusProvider.
func (s *Scheduler) AllStoreStatuses() []StoreStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoreStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.stores[id].toStatus())
	}
	return out
}

// TriggerSync implements services.StatusProvider: enqueues an
// out-of-band run for storeID, processed on the scheduler's own
// goroutine so it never races a concurrent sweep.
func (s *Scheduler) TriggerSync(storeID int) error {
	s.mu.Lock()
	_, ok := s.stores[storeID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown or disabled store %d", storeID)
	}

	select {
	case s.triggerCh <- storeID:
		return nil
	default:
		return fmt.Errorf("trigger queue full, try again shortly")
	}
}

// reportBreakerStates samples every registered breaker into the
// CircuitBreakerState gauge, called once per sweep tick so the
// dashboard reflects reality even between state transitions.
func (s *Scheduler) reportBreakerStates() {
	if s.breakers == nil {
		return
	}
	for _, b := range s.breakers.All() {
		metrics.CircuitBreakerState.WithLabelValues(b.Name()).Set(metrics.BreakerStateValue(b.State().String()))
	}
}

func (rt *storeRuntime) toStatus() StoreStatus {
	st := StoreStatus{
		StoreID:             rt.store.ID,
		Name:                rt.store.Name,
		ConsecutiveFailures: rt.consecutiveFailures,
	}
	if !rt.hasRun {
		st.LastOutcome = "pending"
		return st
	}
	st.LastOutcome = string(rt.lastResult.Outcome)
	st.LastRunAt = rt.lastRunAt
	st.ItemsPushed = rt.lastResult.ItemsPushed
	st.InventoryPushed = rt.lastResult.InventoryPushed
	if rt.lastResult.Err != nil {
		st.LastError = rt.lastResult.Err.Error()
	}
	return st
}
