package services

import (
	"context"
	"testing"
	"time"

	"github.com/athebyme/storesync/internal/atomicfile"
	"github.com/athebyme/storesync/internal/batch"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/state"
)

func newTestWorker(t *testing.T, sot SoTClient, mp MarketplaceClient, dailyLimit int) (*BackgroundWorker, *state.Store, *state.ProgressWriter) {
	t.Helper()
	dir := t.TempDir()
	stateStore := state.New(dir, atomicfile.ModeAtomic, noopLogger{})
	progress := state.NewProgressWriter(dir, atomicfile.ModeAtomic)
	adaptive := batch.New(dir, batch.Config{
		Min: 1, Max: 200, Initial: 50, GrowthFactor: 2, ShrinkFactor: 0.5,
		SuccessStreakToGrow: 1000, BaseDelay: 0, MaxDelay: 0,
	}, atomicfile.ModeAtomic, noopLogger{})
	cfg := EngineConfig{SkuField: "usr_column_514", DetailChunkSize: 50, MaxBatchItems: 200, DeltaDelay: 0}
	bgCfg := BackgroundConfig{InitialDelay: 0, DailyLimit: dailyLimit, BatchInterval: 24 * time.Hour}
	worker := NewBackgroundWorker(cfg, bgCfg, stateStore, sot, mp, adaptive, progress, nil, "", noopLogger{})
	return worker, stateStore, progress
}

func TestBackgroundWorker_SweepOncePushesOnlyUnsyncedUpToDailyLimit(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}, {ProductID: 2, Remaining: 3}, {ProductID: 3, Remaining: 1}},
		details: []models.ProductDetail{
			detail(1, "SKU-1", &p), detail(2, "SKU-2", &p), detail(3, "SKU-3", &p),
		},
	}
	mp := &fakeMarketplace{}
	worker, stateStore, _ := newTestWorker(t, sot, mp, 2)

	if err := stateStore.Save(1, models.StateMap{
		"SKU-1": {Quantity: 5, Enabled: true, Price: 10, SyncedToMarketplace: true},
	}); err != nil {
		t.Fatalf("priming state: %v", err)
	}

	if err := worker.sweepOnce(context.Background(), testStore(1), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mp.totalItemsPushed() != 2 {
		t.Fatalf("expected exactly 2 skus pushed (daily limit), got %d", mp.totalItemsPushed())
	}

	final, err := stateStore.Load(1)
	if err != nil {
		t.Fatalf("loading final state: %v", err)
	}
	if !final["SKU-1"].SyncedToMarketplace {
		t.Fatalf("expected SKU-1 to remain synced")
	}
	synced := 0
	for _, e := range final {
		if e.SyncedToMarketplace {
			synced++
		}
	}
	if synced != 3 {
		t.Fatalf("expected all 3 skus marked synced after the sweep covered the remaining 2, got %d", synced)
	}
}

func TestBackgroundWorker_SweepOnceLeavesStateUnsyncedOnPushFailure(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p)},
	}
	mp := &fakeMarketplace{failItemsAtCall: 1, failErr: &staticError{"marketplace down"}}
	worker, stateStore, _ := newTestWorker(t, sot, mp, 10)

	if err := worker.sweepOnce(context.Background(), testStore(1), time.Now()); err == nil {
		t.Fatalf("expected sweepOnce to return the push error")
	}

	final, err := stateStore.Load(1)
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	if final["SKU-1"].SyncedToMarketplace {
		t.Fatalf("expected SKU-1 to remain unsynced after a failed push")
	}
}

func TestBackgroundWorker_SweepOnceWritesProgressSnapshot(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}, {ProductID: 2, Remaining: 1}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p), detail(2, "SKU-2", &p)},
	}
	mp := &fakeMarketplace{}
	worker, _, _ := newTestWorker(t, sot, mp, 10)
	dir := t.TempDir()
	worker.progress = state.NewProgressWriter(dir, atomicfile.ModeAtomic)

	if err := worker.sweepOnce(context.Background(), testStore(1), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var snapshot models.BackgroundProgress
	if err := atomicfile.ReadJSON(dir+"/.bg-worker-progress-1.json", &snapshot); err != nil {
		t.Fatalf("expected a progress snapshot on disk: %v", err)
	}
	if snapshot.TotalItems != 2 || snapshot.RemainingItems != 0 {
		t.Fatalf("expected 2 total and 0 remaining in the snapshot, got %+v", snapshot)
	}
}

type fakeBackgroundWorker struct {
	runs int
}

func TestBackgroundManager_StartIsIdempotentPerStore(t *testing.T) {
	var fake fakeBackgroundWorker
	started := make(chan struct{}, 10)
	manager := NewBackgroundManager(func(storeID int) *BackgroundWorker {
		fake.runs++
		started <- struct{}{}
		dir := t.TempDir()
		stateStore := state.New(dir, atomicfile.ModeAtomic, noopLogger{})
		adaptive := batch.New(dir, batch.DefaultConfig(), atomicfile.ModeAtomic, noopLogger{})
		return NewBackgroundWorker(EngineConfig{}, BackgroundConfig{InitialDelay: time.Hour, BatchInterval: time.Hour}, stateStore, &fakeSoT{}, &fakeMarketplace{}, adaptive, nil, nil, "", noopLogger{})
	})

	manager.Start(testStore(1))
	manager.Start(testStore(1))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("expected the worker factory to be invoked at least once")
	}
	select {
	case <-started:
		t.Fatalf("expected Start to be a no-op for an already-running store")
	default:
	}

	manager.StopAll()
}
