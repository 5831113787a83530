package services

import (
	"context"
	"fmt"
	"time"

	"github.com/athebyme/storesync/internal/batch"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/ports"
	"github.com/athebyme/storesync/internal/state"
)

// Introspector is the narrow best-effort contract HybridOrchestrator
// needs from the marketplace adapter: a read of what the marketplace
// already believes about a venue's items (spec.md §4.9 step 2).
type Introspector interface {
	IntrospectItems(ctx context.Context, store models.Store) (map[string]bool, error)
}

// BackgroundStarter decouples HybridOrchestrator from BackgroundWorker's
// concrete lifecycle so the orchestrator only has to know "kick one off
// for this store", not how it's supervised.
type BackgroundStarter interface {
	Start(store models.Store)
}

// HybridOrchestrator implements spec.md §4.9's one-time bootstrap
// sequence for a store with no prior state: write the full current
// view to disk without touching the marketplace, best-effort introspect
// what the marketplace already has, push only the highest-priority
// subset immediately, then hand the rest of the catalog to a
// BackgroundWorker. It never runs twice for the same store — Bootstrap
// is a no-op once state already exists.
type HybridOrchestrator struct {
	cfg          EngineConfig
	stateStore   *state.Store
	sot          SoTClient
	marketplace  MarketplaceClient
	introspector Introspector
	adaptive     *batch.Batcher
	scorer       *PriorityScorer
	topN         int
	background   BackgroundStarter
	logger       ports.LoggerPort
}

func NewHybridOrchestrator(
	cfg EngineConfig,
	stateStore *state.Store,
	sot SoTClient,
	mp MarketplaceClient,
	introspector Introspector,
	adaptive *batch.Batcher,
	weights models.PriorityWeights,
	topN int,
	background BackgroundStarter,
	logger ports.LoggerPort,
) *HybridOrchestrator {
	return &HybridOrchestrator{
		cfg:          cfg,
		stateStore:   stateStore,
		sot:          sot,
		marketplace:  mp,
		introspector: introspector,
		adaptive:     adaptive,
		scorer:       NewPriorityScorer(weights),
		topN:         topN,
		background:   background,
		logger:       logger,
	}
}

// Bootstrap runs the full sequence for store. A store that already has
// persisted state is left untouched and returns immediately — this is
// a one-shot migration path, not a repeatable sync mode (spec.md §4.9).
func (h *HybridOrchestrator) Bootstrap(ctx context.Context, store models.Store) error {
	log := h.logger.WithStore(store.ID)

	if h.stateStore.Exists(store.ID) {
		log.Info("hybrid bootstrap skipped, state already present")
		return nil
	}

	inventory, err := h.sot.Inventory(ctx, store.ID)
	if err != nil {
		return fmt.Errorf("hybrid bootstrap: fetching inventory: %w", err)
	}

	ids := make([]int, 0, len(inventory))
	for _, rec := range inventory {
		ids = append(ids, rec.ProductID)
	}
	details, err := h.sot.ProductDetails(ctx, ids, h.cfg.DetailChunkSize)
	if err != nil {
		return fmt.Errorf("hybrid bootstrap: fetching product details: %w", err)
	}

	skuField := h.cfg.SkuField
	if skuField == "" {
		skuField = "usr_column_514"
	}
	view := buildSkuView(inventory, details, skuField)
	applyForceZeroRule(view)

	now := time.Now()
	entries := make(models.StateMap, len(view))
	for sku, v := range view {
		price := 0.0
		if v.Price != nil {
			price = *v.Price
		}
		entries[sku] = models.StateEntry{
			Quantity: v.Quantity,
			Enabled:  v.Enabled,
			Price:    price,
			LastSeen: now,
		}
	}

	// Step 1: direct write, no marketplace calls (spec.md §4.9).
	if err := h.stateStore.Save(store.ID, entries); err != nil {
		return fmt.Errorf("hybrid bootstrap: writing initial state: %w", err)
	}
	log.Info(fmt.Sprintf("hybrid bootstrap wrote initial state for %d skus", len(entries)))

	// Step 2: best-effort introspection; entries the marketplace already
	// has are marked synced so the priority push and the background
	// worker both skip re-pushing them.
	if h.introspector != nil {
		known, err := h.introspector.IntrospectItems(ctx, store)
		if err != nil {
			log.Warn(fmt.Sprintf("introspection failed, continuing without it: %v", err))
		} else {
			for sku := range known {
				if e, ok := entries[sku]; ok {
					e.SyncedToMarketplace = true
					entries[sku] = e
				}
			}
			if len(known) > 0 {
				if err := h.stateStore.Save(store.ID, entries); err != nil {
					log.Warn(fmt.Sprintf("persisting introspection results failed: %v", err))
				}
			}
		}
	}

	// Step 3: push the highest-priority subset immediately.
	views := make([]models.SkuView, 0, len(view))
	for _, v := range view {
		views = append(views, *v)
	}
	scored := h.scorer.ScoreAll(views)
	top := TopN(scored, h.topN)

	var itemUpdates []models.ItemUpdate
	var invUpdates []models.InventoryUpdate
	pushed := make(map[string]bool, len(top))
	for _, c := range top {
		if entries[c.SKU].SyncedToMarketplace {
			continue
		}
		e := entries[c.SKU]
		itemUpdates = append(itemUpdates, models.ItemUpdate{SKU: c.SKU, Enabled: models.BoolPtr(e.Enabled), Price: priceForPush(e)})
		invUpdates = append(invUpdates, models.InventoryUpdate{SKU: c.SKU, Inventory: e.Quantity})
		pushed[c.SKU] = true
	}

	venue := store.VenueKey()
	sizeCap := h.cfg.FirstSyncBatchSize
	if sizeCap <= 0 || sizeCap > h.cfg.MaxBatchItems {
		sizeCap = h.cfg.MaxBatchItems
	}

	if err := pushBatches(ctx, h.adaptive, venue, sizeCap, h.cfg.FirstSyncDelay, itemUpdates, func(batch []models.ItemUpdate) error {
		return h.marketplace.PushItems(ctx, store, batch)
	}, nil); err != nil {
		return fmt.Errorf("hybrid bootstrap: priority item push: %w", err)
	}
	if h.cfg.InterPhaseDelay > 0 {
		time.Sleep(h.cfg.InterPhaseDelay)
	}
	if err := pushBatches(ctx, h.adaptive, venue, sizeCap, h.cfg.FirstSyncDelay, invUpdates, func(batch []models.InventoryUpdate) error {
		return h.marketplace.PushInventory(ctx, store, batch)
	}, nil); err != nil {
		return fmt.Errorf("hybrid bootstrap: priority inventory push: %w", err)
	}

	for sku := range pushed {
		e := entries[sku]
		e.SyncedToMarketplace = true
		entries[sku] = e
	}
	if err := h.stateStore.Save(store.ID, entries); err != nil {
		log.Warn(fmt.Sprintf("persisting priority push results failed: %v", err))
	}
	log.Info(fmt.Sprintf("hybrid bootstrap pushed %d priority skus, handing the rest to background worker", len(pushed)))

	// Step 4: the remaining long tail is swept up by BackgroundWorker,
	// started here but running on its own goroutine (spec.md §4.8, §4.9).
	if h.background != nil {
		h.background.Start(store)
	}

	return nil
}

// priceForPush always returns an explicit price, including 0 for an
// entry the invalid-price rule force-zeroed — the marketplace must see
// price:0, not a missing field, or a previously-priced sku that became
// unpriceable never actually gets its price cleared (spec.md §4.7 step 6).
func priceForPush(e models.StateEntry) *float64 {
	p := e.Price
	return &p
}
