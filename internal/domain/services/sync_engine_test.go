package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/athebyme/storesync/internal/atomicfile"
	"github.com/athebyme/storesync/internal/batch"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/ratelimit"
	"github.com/athebyme/storesync/internal/state"
)

func newTestEngine(t *testing.T, sot SoTClient, mp MarketplaceClient) (*SyncEngine, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	stateStore := state.New(dir, atomicfile.ModeAtomic, noopLogger{})
	checkpoints := state.NewCheckpoints(dir, atomicfile.ModeAtomic, noopLogger{})
	adaptive := batch.New(dir, batch.Config{
		Min: 1, Max: 200, Initial: 50, GrowthFactor: 2, ShrinkFactor: 0.5,
		SuccessStreakToGrow: 1000, BaseDelay: 0, MaxDelay: 0,
	}, atomicfile.ModeAtomic, noopLogger{})
	governor := ratelimit.New(dir, ratelimit.Config{MinInterval: 0, LearningEnabled: false}, atomicfile.ModeAtomic, noopLogger{})

	cfg := EngineConfig{
		SkuField:           "usr_column_514",
		DetailChunkSize:    50,
		MaxBatchItems:      200,
		FirstSyncBatchSize: 50,
		FirstSyncDelay:     0,
		DeltaBatchSize:     50,
		DeltaDelay:         0,
	}
	return NewSyncEngine(cfg, stateStore, checkpoints, sot, mp, adaptive, governor, noopLogger{}), stateStore
}

func TestSyncEngine_EmptyInventoryIsFatal(t *testing.T) {
	sot := &fakeSoT{errInventory: errors.New("sot unreachable")}
	mp := &fakeMarketplace{}
	engine, _ := newTestEngine(t, sot, mp)

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeDelta})
	if result.Outcome != models.OutcomeError {
		t.Fatalf("expected error outcome, got %s", result.Outcome)
	}
	if result.FailedDependency != models.DependencySoT {
		t.Fatalf("expected sot as failed dependency, got %s", result.FailedDependency)
	}
	if mp.itemCalls != 0 {
		t.Fatalf("expected no marketplace calls on inventory failure")
	}
}

func TestSyncEngine_NoPriorStateUpgradesToForceFull(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p)},
	}
	mp := &fakeMarketplace{}
	engine, _ := newTestEngine(t, sot, mp)

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeDelta})
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if result.Mode != models.ModeForceFull {
		t.Fatalf("expected upgrade to force-full, got %s", result.Mode)
	}
	if result.ItemsPushed != 1 || result.InventoryPushed != 1 {
		t.Fatalf("expected one item and one inventory update pushed, got %d/%d", result.ItemsPushed, result.InventoryPushed)
	}
}

func TestSyncEngine_DeltaOnlyPushesChangedSkus(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}, {ProductID: 2, Remaining: 3}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p), detail(2, "SKU-2", &p)},
	}
	mp := &fakeMarketplace{}
	engine, stateStore := newTestEngine(t, sot, mp)

	// Prime state so this run is a true delta, not an upgrade.
	if err := stateStore.Save(1, models.StateMap{
		"SKU-1": {Quantity: 5, Enabled: true, Price: 10.0, LastSeen: time.Now()},
		"SKU-2": {Quantity: 1, Enabled: true, Price: 10.0, LastSeen: time.Now()}, // quantity will change
	}); err != nil {
		t.Fatalf("priming state: %v", err)
	}

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeDelta})
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if result.Mode != models.ModeDelta {
		t.Fatalf("expected plain delta, got %s", result.Mode)
	}
	// SKU-1 unchanged -> no item or inventory update; SKU-2 quantity changed -> one inventory update, no item update (enabled/price unchanged).
	if result.ItemsPushed != 0 {
		t.Fatalf("expected no item updates, got %d", result.ItemsPushed)
	}
	if result.InventoryPushed != 1 {
		t.Fatalf("expected one inventory update, got %d", result.InventoryPushed)
	}
}

func TestSyncEngine_InvalidPriceForcesZero(t *testing.T) {
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}},
		details:   []models.ProductDetail{detail(1, "SKU-1", nil)}, // no price
	}
	mp := &fakeMarketplace{}
	engine, stateStore := newTestEngine(t, sot, mp)

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeBootstrap})
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if mp.itemCalls != 0 || mp.invCalls != 0 {
		t.Fatalf("expected bootstrap mode to never call the marketplace, got items=%d inventory=%d", mp.itemCalls, mp.invCalls)
	}

	saved, err := stateStore.Load(1)
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	entry, ok := saved["SKU-1"]
	if !ok {
		t.Fatalf("expected SKU-1 to be present in saved state")
	}
	if entry.Enabled || entry.Quantity != 0 {
		t.Fatalf("expected invalid-price sku to be force-zeroed, got enabled=%v quantity=%d", entry.Enabled, entry.Quantity)
	}
}

func TestSyncEngine_BootstrapModeNeverCallsMarketplace(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p)},
	}
	mp := &fakeMarketplace{}
	engine, stateStore := newTestEngine(t, sot, mp)

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeBootstrap})
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if mp.itemCalls != 0 || mp.invCalls != 0 {
		t.Fatalf("expected zero marketplace calls for a bootstrap run, got items=%d inventory=%d", mp.itemCalls, mp.invCalls)
	}
	if !stateStore.Exists(1) {
		t.Fatalf("expected bootstrap to still write state")
	}
}

func TestSyncEngine_ForceZeroedSkuPushesExplicitZeroPrice(t *testing.T) {
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}},
		details:   []models.ProductDetail{detail(1, "SKU-1", nil)}, // no valid price
	}
	mp := &fakeMarketplace{}
	engine, _ := newTestEngine(t, sot, mp)

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeForceFull})
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if len(mp.itemBatches) == 0 || len(mp.itemBatches[0]) == 0 {
		t.Fatalf("expected at least one item update to be pushed")
	}
	update := mp.itemBatches[0][0]
	if update.Price == nil {
		t.Fatalf("expected an explicit price on a force-zeroed sku, got nil (field omitted)")
	}
	if *update.Price != 0 {
		t.Fatalf("expected an explicit price of 0 on a force-zeroed sku, got %v", *update.Price)
	}
}

func TestSyncEngine_MarketplaceFailureStopsItemPhaseAndPreservesState(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p)},
	}
	mp := &fakeMarketplace{failItemsAtCall: 1, failErr: errors.New("429 rate limited")}
	engine, stateStore := newTestEngine(t, sot, mp)

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeDelta})
	if result.Outcome != models.OutcomeError {
		t.Fatalf("expected error outcome, got %s", result.Outcome)
	}
	if result.FailedDependency != models.DependencyMarketplace {
		t.Fatalf("expected marketplace as failed dependency, got %s", result.FailedDependency)
	}

	if stateStore.Exists(1) {
		t.Fatalf("expected no state to be persisted after an item-phase failure")
	}
}

func TestSyncEngine_LimitedRunDoesNotPersistState(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}, {ProductID: 2, Remaining: 3}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p), detail(2, "SKU-2", &p)},
	}
	mp := &fakeMarketplace{}
	engine, stateStore := newTestEngine(t, sot, mp)

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeForceFull, Limit: 1})
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if result.ItemsPushed != 1 {
		t.Fatalf("expected the limit to cap items pushed at 1, got %d", result.ItemsPushed)
	}
	if stateStore.Exists(1) {
		t.Fatalf("expected a limited run to never persist state (S6)")
	}
}

func TestSyncEngine_DryRunIssuesNoMarketplaceCalls(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p)},
	}
	mp := &fakeMarketplace{}
	engine, stateStore := newTestEngine(t, sot, mp)

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeBootstrap, DryRun: true})
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if mp.itemCalls != 0 || mp.invCalls != 0 {
		t.Fatalf("expected zero marketplace calls on a dry run, got items=%d inventory=%d", mp.itemCalls, mp.invCalls)
	}
	if stateStore.Exists(1) {
		t.Fatalf("expected a dry run to never persist state")
	}
}

func TestSyncEngine_ForceFullRepushesUnchangedSkus(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 5}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p)},
	}
	mp := &fakeMarketplace{}
	engine, stateStore := newTestEngine(t, sot, mp)

	if err := stateStore.Save(1, models.StateMap{
		"SKU-1": {Quantity: 5, Enabled: true, Price: 10.0, LastSeen: time.Now()},
	}); err != nil {
		t.Fatalf("priming state: %v", err)
	}

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeForceFull})
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if result.ItemsPushed != 1 || result.InventoryPushed != 1 {
		t.Fatalf("expected force-full to repush the unchanged sku, got items=%d inventory=%d", result.ItemsPushed, result.InventoryPushed)
	}
}

func TestSyncEngine_SkuDroppedFromSotIsDisabledAndZeroed(t *testing.T) {
	p := 10.0
	// Empty inventory is a hard SoT error per invariant 2 (enforced by
	// the real adapter), so seed one harmless record with no matching
	// detail, leaving the sku view empty without tripping that guard.
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 99, Remaining: 1}},
		details:   []models.ProductDetail{},
	}
	mp := &fakeMarketplace{}
	engine, stateStore := newTestEngine(t, sot, mp)

	if err := stateStore.Save(1, models.StateMap{
		"SKU-1": {Quantity: 5, Enabled: true, Price: p, LastSeen: time.Now()},
	}); err != nil {
		t.Fatalf("priming state: %v", err)
	}

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeDelta})
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}

	saved, err := stateStore.Load(1)
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	entry, ok := saved["SKU-1"]
	if !ok {
		t.Fatalf("expected SKU-1 to still be tracked after dropping out of the SoT view")
	}
	if entry.Enabled || entry.Quantity != 0 {
		t.Fatalf("expected dropped sku to be disabled and zeroed, got enabled=%v quantity=%d", entry.Enabled, entry.Quantity)
	}
}

func TestSyncEngine_CheckpointClearedAfterFullyCompletedRun(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 1}, {ProductID: 2, Remaining: 1}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p), detail(2, "SKU-2", &p)},
	}
	mp := &fakeMarketplace{}

	dir := t.TempDir()
	stateStore := state.New(dir, atomicfile.ModeAtomic, noopLogger{})
	checkpoints := state.NewCheckpoints(dir, atomicfile.ModeAtomic, noopLogger{})
	adaptive := batch.New(dir, batch.Config{
		Min: 1, Max: 10, Initial: 1, GrowthFactor: 1, ShrinkFactor: 0.5,
		SuccessStreakToGrow: 1000, BaseDelay: 0, MaxDelay: 0,
	}, atomicfile.ModeAtomic, noopLogger{})
	governor := ratelimit.New(dir, ratelimit.Config{MinInterval: 0, LearningEnabled: false}, atomicfile.ModeAtomic, noopLogger{})
	cfg := EngineConfig{SkuField: "usr_column_514", DetailChunkSize: 50, MaxBatchItems: 200, FirstSyncBatchSize: 1, FirstSyncDelay: 0, DeltaBatchSize: 1, DeltaDelay: 0}
	engine := NewSyncEngine(cfg, stateStore, checkpoints, sot, mp, adaptive, governor, noopLogger{})

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeForceFull})
	if result.Outcome != models.OutcomeSuccess {
		t.Fatalf("expected success, got %s (%v)", result.Outcome, result.Err)
	}
	if _, ok := checkpoints.Load(1); ok {
		t.Fatalf("expected the checkpoint to be cleared after a fully completed run")
	}
}

func TestSyncEngine_CheckpointPersistsPartialProgressOnBatchFailure(t *testing.T) {
	p := 10.0
	sot := &fakeSoT{
		inventory: []models.InventoryRecord{{ProductID: 1, Remaining: 1}, {ProductID: 2, Remaining: 1}},
		details:   []models.ProductDetail{detail(1, "SKU-1", &p), detail(2, "SKU-2", &p)},
	}
	mp := &fakeMarketplace{failItemsAtCall: 2, failErr: errors.New("429 rate limited")}

	dir := t.TempDir()
	stateStore := state.New(dir, atomicfile.ModeAtomic, noopLogger{})
	checkpoints := state.NewCheckpoints(dir, atomicfile.ModeAtomic, noopLogger{})
	adaptive := batch.New(dir, batch.Config{
		Min: 1, Max: 10, Initial: 1, GrowthFactor: 1, ShrinkFactor: 0.5,
		SuccessStreakToGrow: 1000, BaseDelay: 0, MaxDelay: 0,
	}, atomicfile.ModeAtomic, noopLogger{})
	governor := ratelimit.New(dir, ratelimit.Config{MinInterval: 0, LearningEnabled: false}, atomicfile.ModeAtomic, noopLogger{})
	cfg := EngineConfig{SkuField: "usr_column_514", DetailChunkSize: 50, MaxBatchItems: 200, FirstSyncBatchSize: 1, FirstSyncDelay: 0, DeltaBatchSize: 1, DeltaDelay: 0}
	engine := NewSyncEngine(cfg, stateStore, checkpoints, sot, mp, adaptive, governor, noopLogger{})

	result := engine.Run(context.Background(), testStore(1), RunOptions{Mode: models.ModeForceFull})
	if result.Outcome != models.OutcomeError {
		t.Fatalf("expected error outcome, got %s", result.Outcome)
	}

	rec, ok := checkpoints.Load(1)
	if !ok {
		t.Fatalf("expected a checkpoint to be persisted after the first batch succeeded")
	}
	if rec.Phase != "items" || rec.Completed != 1 || rec.Total != 2 {
		t.Fatalf("unexpected checkpoint: %+v", rec)
	}
}

func TestPushBatches_HalvesBatchSizeOnFailure(t *testing.T) {
	dir := t.TempDir()
	adaptive := batch.New(dir, batch.Config{
		Min: 1, Max: 100, Initial: 10, GrowthFactor: 2, ShrinkFactor: 0.5,
		SuccessStreakToGrow: 1000, BaseDelay: 0, MaxDelay: 0,
	}, atomicfile.ModeAtomic, noopLogger{})
	venue := models.VenueKey{BaseURL: "https://mkt.example", VenueID: "v1", User: "u"}

	items := make([]int, 30)
	for i := range items {
		items[i] = i
	}

	calls := 0
	err := pushBatches(context.Background(), adaptive, venue, 0, 0, items, func(batch []int) error {
		calls++
		if calls == 1 {
			return errors.New("429 rate limited")
		}
		return nil
	}, nil)
	if err == nil {
		t.Fatalf("expected the first batch's failure to propagate")
	}
	if got := adaptive.CurrentSize(venue); got != 5 {
		t.Fatalf("expected batch size to halve from 10 to 5 after one failure, got %d", got)
	}
}
