package services

import (
	"context"
	"testing"

	"github.com/athebyme/storesync/internal/atomicfile"
	"github.com/athebyme/storesync/internal/batch"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/state"
)

type recordingStarter struct {
	started []int
}

func (r *recordingStarter) Start(store models.Store) {
	r.started = append(r.started, store.ID)
}

func newTestOrchestrator(t *testing.T, sot SoTClient, mp MarketplaceClient, introspector Introspector, starter BackgroundStarter, topN int) (*HybridOrchestrator, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	stateStore := state.New(dir, atomicfile.ModeAtomic, noopLogger{})
	adaptive := batch.New(dir, batch.Config{
		Min: 1, Max: 200, Initial: 50, GrowthFactor: 2, ShrinkFactor: 0.5,
		SuccessStreakToGrow: 1000, BaseDelay: 0, MaxDelay: 0,
	}, atomicfile.ModeAtomic, noopLogger{})
	cfg := EngineConfig{
		SkuField: "usr_column_514", DetailChunkSize: 50, MaxBatchItems: 200,
		FirstSyncBatchSize: 50, FirstSyncDelay: 0,
	}
	orchestrator := NewHybridOrchestrator(cfg, stateStore, sot, mp, introspector, adaptive, models.DefaultPriorityWeights(), topN, starter, noopLogger{})
	return orchestrator, stateStore
}

func TestHybridOrchestrator_BootstrapWritesStateWithoutAnyPush(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p)},
	}
	mp := &fakeMarketplace{}
	starter := &recordingStarter{}
	// topN=0 so nothing qualifies for the immediate priority push; the
	// bootstrap write itself must still happen with zero marketplace calls.
	orchestrator, stateStore := newTestOrchestrator(t, sot, mp, nil, starter, 0)

	if err := orchestrator.Bootstrap(context.Background(), testStore(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stateStore.Exists(1) {
		t.Fatalf("expected bootstrap to write state")
	}
	if mp.itemCalls != 0 || mp.invCalls != 0 {
		t.Fatalf("expected zero marketplace calls when nothing qualifies for the priority push, got items=%d inventory=%d", mp.itemCalls, mp.invCalls)
	}
	if len(starter.started) != 1 || starter.started[0] != 1 {
		t.Fatalf("expected background worker to be started for store 1, got %v", starter.started)
	}
}

func TestHybridOrchestrator_SkipsAlreadyBootstrappedStore(t *testing.T) {
	sot := &fakeSoT{errInventory: errAlwaysFails} // would fail if called
	mp := &fakeMarketplace{}
	starter := &recordingStarter{}
	orchestrator, stateStore := newTestOrchestrator(t, sot, mp, nil, starter, 10)

	if err := stateStore.Save(1, models.StateMap{"SKU-1": {Quantity: 1, Enabled: true, Price: 10}}); err != nil {
		t.Fatalf("priming state: %v", err)
	}

	if err := orchestrator.Bootstrap(context.Background(), testStore(1)); err != nil {
		t.Fatalf("expected no-op bootstrap to succeed, got %v", err)
	}
	if len(starter.started) != 0 {
		t.Fatalf("expected background worker not to be started for an already-bootstrapped store")
	}
}

func TestHybridOrchestrator_IntrospectionSuppressesPriorityPush(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p)},
	}
	mp := &fakeMarketplace{}
	introspector := &fakeMarketplace{introspected: map[string]bool{"SKU-1": true}}
	starter := &recordingStarter{}
	orchestrator, _ := newTestOrchestrator(t, sot, mp, introspector, starter, 10)

	if err := orchestrator.Bootstrap(context.Background(), testStore(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mp.itemCalls != 0 || mp.invCalls != 0 {
		t.Fatalf("expected already-known sku to be skipped by the priority push, got items=%d inventory=%d", mp.itemCalls, mp.invCalls)
	}
}

func TestHybridOrchestrator_PriorityPushPicksTopN(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 100}, {ProductID: 2, Remaining: 1}},
		details:   []models.ProductDetail{detail(1, "SKU-HIGH", &p), detail(2, "SKU-LOW", &p)},
	}
	mp := &fakeMarketplace{}
	starter := &recordingStarter{}
	orchestrator, _ := newTestOrchestrator(t, sot, mp, nil, starter, 1)

	if err := orchestrator.Bootstrap(context.Background(), testStore(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mp.totalItemsPushed() != 1 {
		t.Fatalf("expected exactly one sku pushed (topN=1), got %d", mp.totalItemsPushed())
	}
}

var errAlwaysFails = &staticError{"should not be called"}

type staticError struct{ msg string }

func (e *staticError) Error() string { return e.msg }
