package services

import (
	"context"
	"fmt"
	"time"

	"github.com/athebyme/storesync/internal/batch"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/metrics"
	"github.com/athebyme/storesync/internal/ports"
	"github.com/athebyme/storesync/internal/ratelimit"
	"github.com/athebyme/storesync/internal/state"
)

// SoTClient is the narrow contract SyncEngine needs from the SoT
// adapter, letting tests substitute a fake without importing net/http.
type SoTClient interface {
	Inventory(ctx context.Context, storeID int) ([]models.InventoryRecord, error)
	ProductDetails(ctx context.Context, ids []int, chunkSize int) ([]models.ProductDetail, error)
}

// MarketplaceClient is the narrow contract SyncEngine needs from the
// marketplace adapter.
type MarketplaceClient interface {
	PushItems(ctx context.Context, store models.Store, items []models.ItemUpdate) error
	PushInventory(ctx context.Context, store models.Store, items []models.InventoryUpdate) error
}

// EngineConfig carries the per-mode batch/delay knobs from config.Sync,
// kept as a plain struct so tests can construct it without viper.
type EngineConfig struct {
	SkuField        string
	DetailChunkSize int
	MaxBatchItems   int

	FirstSyncBatchSize int
	FirstSyncDelay     time.Duration
	DeltaBatchSize     int
	DeltaDelay         time.Duration
	InterPhaseDelay    time.Duration
}

// SyncEngine implements the core 12-step pipeline from spec.md §4.7:
// load state, fetch-and-validate SoT data, diff against prior state,
// two-phase batched push, checkpointed, with final state persistence
// unless the run was limited.
type SyncEngine struct {
	cfg         EngineConfig
	stateStore  *state.Store
	checkpoints *state.Checkpoints
	sot         SoTClient
	marketplace MarketplaceClient
	adaptive    *batch.Batcher
	governor    *ratelimit.Governor
	logger      ports.LoggerPort
}

func NewSyncEngine(
	cfg EngineConfig,
	stateStore *state.Store,
	checkpoints *state.Checkpoints,
	sot SoTClient,
	mp MarketplaceClient,
	adaptive *batch.Batcher,
	governor *ratelimit.Governor,
	logger ports.LoggerPort,
) *SyncEngine {
	return &SyncEngine{
		cfg:         cfg,
		stateStore:  stateStore,
		checkpoints: checkpoints,
		sot:         sot,
		marketplace: mp,
		adaptive:    adaptive,
		governor:    governor,
		logger:      logger,
	}
}

// RunOptions parametrizes a single invocation of Run (spec.md §6 CLI:
// sync --store <id> [--dry-run] [--limit N] [--force-full]).
type RunOptions struct {
	Mode   models.RunMode
	Limit  int // 0 means unlimited
	DryRun bool
	RunID  string
}

// Run executes one full sync pass for store, implementing spec.md
// §4.7's pipeline and the propagation policy from §7.
func (e *SyncEngine) Run(ctx context.Context, store models.Store, opts RunOptions) models.RunResult {
	start := time.Now()
	result := models.RunResult{RunID: opts.RunID, StoreID: store.ID, Mode: opts.Mode}
	log := e.logger.WithStore(store.ID)

	defer func() {
		metrics.SyncRunsTotal.WithLabelValues(fmt.Sprint(store.ID), string(result.Mode), string(result.Outcome)).Inc()
		metrics.SyncRunDuration.WithLabelValues(fmt.Sprint(store.ID), string(result.Mode)).Observe(time.Since(start).Seconds())
	}()

	// Step 1: load state. An absent primary yields an empty map (the
	// backup is not consulted), which step 2 below upgrades to a
	// force-full run.
	prevState, err := e.stateStore.Load(store.ID)
	if err != nil {
		result.Outcome = models.OutcomeError
		result.Err = err
		return result
	}

	mode := opts.Mode
	if len(prevState) == 0 && mode == models.ModeDelta {
		mode = models.ModeForceFull
		log.Info("no prior state found, upgrading run to force-full")
	}
	result.Mode = mode

	// Step 3: fetch inventory; empty is a hard error (invariant 2).
	inventory, err := e.sot.Inventory(ctx, store.ID)
	if err != nil {
		result.Outcome = models.OutcomeError
		result.Err = err
		result.FailedDependency = models.DependencySoT
		log.ErrorWithContext(ctx, "sot inventory fetch failed", ports.LogField{Key: "error", Value: err.Error()})
		return result
	}

	ids := make([]int, 0, len(inventory))
	for _, rec := range inventory {
		ids = append(ids, rec.ProductID)
	}

	// Step 4: fetch details; a short response is a hard error (invariant 3).
	details, err := e.sot.ProductDetails(ctx, ids, e.cfg.DetailChunkSize)
	if err != nil {
		result.Outcome = models.OutcomeError
		result.Err = err
		result.FailedDependency = models.DependencySoT
		log.ErrorWithContext(ctx, "sot product details fetch failed", ports.LogField{Key: "error", Value: err.Error()})
		return result
	}

	skuField := e.cfg.SkuField
	if skuField == "" {
		skuField = "usr_column_514"
	}

	view := buildSkuView(inventory, details, skuField)
	applyForceZeroRule(view)

	plan := diff(view, prevState, mode)

	if opts.Limit > 0 {
		if len(plan.ItemUpdates) > opts.Limit {
			plan.ItemUpdates = plan.ItemUpdates[:opts.Limit]
		}
		if len(plan.InventoryUpdates) > opts.Limit {
			plan.InventoryUpdates = plan.InventoryUpdates[:opts.Limit]
		}
	}

	if opts.DryRun {
		result.Outcome = models.OutcomeSuccess
		result.ItemsPushed = len(plan.ItemUpdates)
		result.InventoryPushed = len(plan.InventoryUpdates)
		log.Info("dry-run complete, no marketplace calls issued",
			ports.LogField{Key: "items", Value: len(plan.ItemUpdates)},
			ports.LogField{Key: "inventory", Value: len(plan.InventoryUpdates)})
		return result
	}

	// Bootstrap writes the full current view to disk and returns without
	// ever touching the marketplace (spec.md §4.7: "write state, do not
	// call the marketplace"). This is the one-shot migration path used by
	// `storesync bootstrap`; HybridOrchestrator.Bootstrap is the richer
	// sequence that actually pushes a priority subset.
	if mode == models.ModeBootstrap {
		if err := e.stateStore.Save(store.ID, plan.NextState); err != nil {
			result.Outcome = models.OutcomeError
			result.Err = err
			log.ErrorWithContext(ctx, "bootstrap state save failed", ports.LogField{Key: "error", Value: err.Error()})
			return result
		}
		result.Outcome = models.OutcomeSuccess
		log.Info(fmt.Sprintf("bootstrap wrote state for %d skus, no marketplace calls issued", len(plan.NextState)))
		return result
	}

	venue := store.VenueKey()
	modeDelay := e.paceFor(mode)
	sizeCap := e.sizeCapFor(mode)

	var itemsConfirmed []string
	if err := pushBatches(ctx, e.adaptive, venue, sizeCap, modeDelay, plan.ItemUpdates, func(batch []models.ItemUpdate) error {
		return e.marketplace.PushItems(ctx, store, batch)
	}, func(batch []models.ItemUpdate) {
		for _, u := range batch {
			itemsConfirmed = append(itemsConfirmed, u.SKU)
		}
		e.saveCheckpoint(store.ID, "items", len(itemsConfirmed), len(plan.ItemUpdates), itemsConfirmed)
	}); err != nil {
		result.Outcome = models.OutcomeError
		result.Err = err
		result.FailedDependency = models.DependencyMarketplace
		result.ItemsPushed = 0
		log.ErrorWithContext(ctx, "pushing item updates failed", ports.LogField{Key: "error", Value: err.Error()})
		return result
	}
	result.ItemsPushed = len(plan.ItemUpdates)
	metrics.ItemsPushedTotal.WithLabelValues(fmt.Sprint(store.ID)).Add(float64(len(plan.ItemUpdates)))

	if e.cfg.InterPhaseDelay > 0 {
		time.Sleep(e.cfg.InterPhaseDelay)
	}

	var inventoryConfirmed []string
	if err := pushBatches(ctx, e.adaptive, venue, sizeCap, modeDelay, plan.InventoryUpdates, func(batch []models.InventoryUpdate) error {
		return e.marketplace.PushInventory(ctx, store, batch)
	}, func(batch []models.InventoryUpdate) {
		for _, u := range batch {
			inventoryConfirmed = append(inventoryConfirmed, u.SKU)
		}
		e.saveCheckpoint(store.ID, "inventory", len(inventoryConfirmed), len(plan.InventoryUpdates), inventoryConfirmed)
	}); err != nil {
		result.Outcome = models.OutcomePartial
		result.Err = err
		result.FailedDependency = models.DependencyMarketplace
		log.ErrorWithContext(ctx, "pushing inventory updates failed", ports.LogField{Key: "error", Value: err.Error()})
		return result
	}
	result.InventoryPushed = len(plan.InventoryUpdates)
	metrics.InventoryPushedTotal.WithLabelValues(fmt.Sprint(store.ID)).Add(float64(len(plan.InventoryUpdates)))

	result.Outcome = models.OutcomeSuccess

	// Step 12: persist final state unless this was a limited run
	// (invariant/S6: a limited run must not overwrite the full state,
	// so the next run re-diffs against everything not yet processed).
	// A run that reaches here completed both phases in full, so its
	// checkpoint (if any) no longer guards anything a crash could lose.
	if opts.Limit <= 0 {
		if err := e.stateStore.Save(store.ID, plan.NextState); err != nil {
			log.Warn(fmt.Sprintf("state save failed, next run will re-diff from prior state: %v", err))
		}
		if e.checkpoints != nil {
			if err := e.checkpoints.Delete(store.ID); err != nil {
				log.Warn(fmt.Sprintf("clearing checkpoint after a completed run failed, harmless: %v", err))
			}
		}
	}

	return result
}

// saveCheckpoint advances the per-store checkpoint after one successful
// batch (spec.md §3, §4.7 step 11): a crash before the next batch still
// leaves confirmedSkus naming exactly what the marketplace already has,
// a durable record of how far the run got. The engine does not read it
// back to resume a run mid-phase. A nil Checkpoints
// store (not configured) makes this a no-op.
func (e *SyncEngine) saveCheckpoint(storeID int, phase string, completed, total int, confirmedSKUs []string) {
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.Save(models.CheckpointRecord{
		StoreID:       storeID,
		Phase:         phase,
		Completed:     completed,
		Total:         total,
		ConfirmedSKUs: confirmedSKUs,
		UpdatedAt:     time.Now(),
	}); err != nil {
		e.logger.WithStore(storeID).Warn(fmt.Sprintf("saving checkpoint for phase %s failed: %v", phase, err))
	}
}

// paceFor selects the inter-batch pacing floor by run mode (spec.md §9:
// "first-sync=conservative, delta=larger/shorter-delay"). Batch *size*
// always comes from the AdaptiveBatcher (via pushBatches), capped by
// sizeCapFor, so a run of any mode still observes spec.md §8 scenario
// S5's halving behavior under sustained 429s — the mode only sets a
// floor under the batcher's own RecommendedDelay, never overriding an
// already-learned longer backoff.
func (e *SyncEngine) paceFor(mode models.RunMode) time.Duration {
	switch mode {
	case models.ModeBootstrap, models.ModeForceFull:
		return e.cfg.FirstSyncDelay
	default:
		return e.cfg.DeltaDelay
	}
}

// sizeCapFor bounds the AdaptiveBatcher's recommendation by mode, so a
// force-full push still starts conservative even if the venue's
// persisted batcher state has grown to a larger size under delta runs
// (spec.md §9).
func (e *SyncEngine) sizeCapFor(mode models.RunMode) int {
	capSize := e.cfg.MaxBatchItems
	switch mode {
	case models.ModeBootstrap, models.ModeForceFull:
		if e.cfg.FirstSyncBatchSize > 0 && e.cfg.FirstSyncBatchSize < capSize {
			capSize = e.cfg.FirstSyncBatchSize
		}
	default:
		if e.cfg.DeltaBatchSize > 0 && e.cfg.DeltaBatchSize < capSize {
			capSize = e.cfg.DeltaBatchSize
		}
	}
	return capSize
}

// pushBatches drains items through send in AdaptiveBatcher-sized
// chunks (capped at sizeCap), advancing the batcher's success/failure
// streak after each batch and sleeping the larger of its
// RecommendedDelay and modeDelay between batches. Generic so the
// item-update and inventory-update phases share one implementation
// instead of two near-identical loops. onBatchDone, if non-nil, runs
// after each successfully sent chunk — callers use it to advance a
// checkpoint; it is never called for a failed chunk.
func pushBatches[T any](
	ctx context.Context,
	adaptive *batch.Batcher,
	venue models.VenueKey,
	sizeCap int,
	modeDelay time.Duration,
	items []T,
	send func(batch []T) error,
	onBatchDone func(batch []T),
) error {
	for len(items) > 0 {
		size := adaptive.CurrentSize(venue)
		if sizeCap > 0 && size > sizeCap {
			size = sizeCap
		}
		if size <= 0 {
			size = 1
		}
		if size > len(items) {
			size = len(items)
		}

		chunk := items[:size]
		items = items[size:]

		if err := send(chunk); err != nil {
			adaptive.OnBatchFailure(venue)
			metrics.AdaptiveBatchSize.WithLabelValues(venue.VenueID).Set(float64(adaptive.CurrentSize(venue)))
			return err
		}
		adaptive.OnBatchSuccess(venue)
		metrics.AdaptiveBatchSize.WithLabelValues(venue.VenueID).Set(float64(adaptive.CurrentSize(venue)))
		if onBatchDone != nil {
			onBatchDone(chunk)
		}

		if len(items) == 0 {
			break
		}
		delay := adaptive.RecommendedDelay(venue)
		if modeDelay > delay {
			delay = modeDelay
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil
}

// buildSkuView aggregates SoT inventory and product details into one
// view per marketplace SKU (spec.md §3, §4.7 step 5): quantity is
// summed across every SoT product id that maps to the same SKU, price
// is last-wins across those same products, and enabled derives from
// quantity alone at this stage (applyForceZeroRule applies the invalid-
// price override afterward). Products lacking the SKU extension field
// are skipped entirely — they have nothing to reconcile against.
func buildSkuView(inventory []models.InventoryRecord, details []models.ProductDetail, skuField string) map[string]*models.SkuView {
	detailByID := make(map[int]models.ProductDetail, len(details))
	for _, d := range details {
		detailByID[d.ProductID] = d
	}

	view := make(map[string]*models.SkuView)
	for _, rec := range inventory {
		detail, ok := detailByID[rec.ProductID]
		if !ok {
			continue
		}
		sku, ok := detail.SKU(skuField)
		if !ok {
			continue
		}

		entry, ok := view[sku]
		if !ok {
			entry = &models.SkuView{SKU: sku}
			view[sku] = entry
		}
		entry.Quantity += rec.Remaining

		if price, valid := detail.ValidPrice(); valid {
			p := price
			entry.Price = &p
		} else {
			entry.Price = nil
		}
	}

	for _, entry := range view {
		entry.Enabled = entry.Quantity > 0
	}
	return view
}

// applyForceZeroRule enforces spec.md §4.6's invalid-price override:
// a SKU with no usable price is pinned to quantity 0 and disabled
// regardless of what the SoT inventory said, since a marketplace
// listing with a bad price is worse than one that's temporarily out of
// stock.
func applyForceZeroRule(view map[string]*models.SkuView) {
	for _, entry := range view {
		if entry.Price == nil {
			entry.Quantity = 0
			entry.Enabled = false
		}
	}
}

// priceForItemUpdate returns entry's price, or an explicit zero when
// applyForceZeroRule disqualified it (spec.md §4.7 step 6: a SKU forced
// to zero must still push price:0, not omit the field, so the
// marketplace actually reflects "cannot be sold" instead of keeping the
// last good price on file).
func priceForItemUpdate(entry *models.SkuView) *float64 {
	if entry.Price != nil {
		return entry.Price
	}
	return models.FloatPtr(0)
}

// diff computes the ordered item/inventory update batches and the next
// state map, implementing spec.md §4.7 steps 6-9:
//   - a SKU absent from prevState is new: both an item update and an
//     inventory update are emitted unconditionally.
//   - a SKU present in both: an inventory update is emitted only if
//     quantity changed, an item update only if enabled or price
//     changed — unless mode is force-full, which emits both for every
//     SKU regardless of whether anything changed.
//   - a SKU present in prevState but absent from the current view is
//     treated as gone from the SoT: its inventory is zeroed and it is
//     disabled, and the state entry is rewritten accordingly so it
//     stays suppressed on subsequent runs without re-deriving the drop
//     every time.
func diff(view map[string]*models.SkuView, prevState models.StateMap, mode models.RunMode) models.RunPlan {
	plan := models.RunPlan{
		Mode:      mode,
		NextState: make(models.StateMap, len(view)),
	}
	forceFull := mode == models.ModeForceFull

	for sku, entry := range view {
		price := 0.0
		if entry.Price != nil {
			price = *entry.Price
		}
		prev, existed := prevState[sku]

		switch {
		case !existed:
			plan.ItemUpdates = append(plan.ItemUpdates, models.ItemUpdate{
				SKU:     sku,
				Enabled: models.BoolPtr(entry.Enabled),
				Price:   priceForItemUpdate(entry),
			})
			plan.InventoryUpdates = append(plan.InventoryUpdates, models.InventoryUpdate{
				SKU:       sku,
				Inventory: entry.Quantity,
			})
		case forceFull:
			plan.ItemUpdates = append(plan.ItemUpdates, models.ItemUpdate{
				SKU:     sku,
				Enabled: models.BoolPtr(entry.Enabled),
				Price:   priceForItemUpdate(entry),
			})
			plan.InventoryUpdates = append(plan.InventoryUpdates, models.InventoryUpdate{
				SKU:       sku,
				Inventory: entry.Quantity,
			})
		default:
			if entry.Enabled != prev.Enabled || price != prev.Price {
				plan.ItemUpdates = append(plan.ItemUpdates, models.ItemUpdate{
					SKU:     sku,
					Enabled: models.BoolPtr(entry.Enabled),
					Price:   priceForItemUpdate(entry),
				})
			}
			if entry.Quantity != prev.Quantity {
				plan.InventoryUpdates = append(plan.InventoryUpdates, models.InventoryUpdate{
					SKU:       sku,
					Inventory: entry.Quantity,
				})
			}
		}

		synced := existed && prev.SyncedToMarketplace
		plan.NextState[sku] = models.StateEntry{
			Quantity:            entry.Quantity,
			Enabled:             entry.Enabled,
			Price:               price,
			LastSeen:            time.Now(),
			SyncedToMarketplace: synced,
		}
	}

	for sku, prev := range prevState {
		if _, stillPresent := view[sku]; stillPresent {
			continue
		}
		if prev.Quantity == 0 && !prev.Enabled {
			// Already suppressed on a prior run; nothing to re-emit.
			plan.NextState[sku] = prev
			continue
		}

		plan.InventoryUpdates = append(plan.InventoryUpdates, models.InventoryUpdate{SKU: sku, Inventory: 0})
		plan.ItemUpdates = append(plan.ItemUpdates, models.ItemUpdate{SKU: sku, Enabled: models.BoolPtr(false)})

		plan.NextState[sku] = models.StateEntry{
			Quantity:            0,
			Enabled:             false,
			Price:               prev.Price,
			LastSeen:            time.Now(),
			SyncedToMarketplace: prev.SyncedToMarketplace,
		}
	}

	return plan
}
