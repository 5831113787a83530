package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/athebyme/storesync/internal/batch"
	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/metrics"
	"github.com/athebyme/storesync/internal/ports"
	"github.com/athebyme/storesync/internal/state"
	"github.com/google/uuid"
)

// BackgroundConfig carries the pacing knobs from config.Background
// (spec.md §4.8).
type BackgroundConfig struct {
	InitialDelay  time.Duration
	DailyLimit    int
	BatchInterval time.Duration
}

// BackgroundWorker sweeps up the SKUs a HybridOrchestrator bootstrap
// didn't have budget to push immediately, a fixed-size daily batch at a
// time, until every SKU is marked synced (spec.md §4.8). One worker runs
// per store; it is started once by HybridOrchestrator.Bootstrap and
// stopped when the process shuts down.
type BackgroundWorker struct {
	cfg         EngineConfig
	bgCfg       BackgroundConfig
	stateStore  *state.Store
	sot         SoTClient
	marketplace MarketplaceClient
	adaptive    *batch.Batcher
	progress    *state.ProgressWriter
	publisher   ports.MessagingPort // optional
	auditTopic  string
	logger      ports.LoggerPort
}

func NewBackgroundWorker(
	cfg EngineConfig,
	bgCfg BackgroundConfig,
	stateStore *state.Store,
	sot SoTClient,
	mp MarketplaceClient,
	adaptive *batch.Batcher,
	progress *state.ProgressWriter,
	publisher ports.MessagingPort,
	auditTopic string,
	logger ports.LoggerPort,
) *BackgroundWorker {
	return &BackgroundWorker{
		cfg:         cfg,
		bgCfg:       bgCfg,
		stateStore:  stateStore,
		sot:         sot,
		marketplace: mp,
		adaptive:    adaptive,
		progress:    progress,
		publisher:   publisher,
		auditTopic:  auditTopic,
		logger:      logger,
	}
}

// Run blocks until ctx is canceled, sleeping InitialDelay before its
// first pass and BatchInterval between subsequent ones. The loop checks
// ctx before each pass and during its sleeps; ctx is also handed to the
// pushes, so a cancellation during a pass aborts the in-flight request
// and the pass returns with an error.
func (w *BackgroundWorker) Run(ctx context.Context, store models.Store) {
	log := w.logger.WithStore(store.ID)
	startedAt := time.Now()

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.bgCfg.InitialDelay):
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.sweepOnce(ctx, store, startedAt); err != nil {
			log.Warn(fmt.Sprintf("background sweep failed, retrying next interval: %v", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.bgCfg.BatchInterval):
		}
	}
}

// sweepOnce performs one daily-limit-bounded pass: refetch the SoT
// view, find SKUs not yet marked synced, push up to DailyLimit of them,
// mark the ones that succeeded, and write a progress snapshot.
func (w *BackgroundWorker) sweepOnce(ctx context.Context, store models.Store, startedAt time.Time) error {
	log := w.logger.WithStore(store.ID)

	prevState, err := w.stateStore.Load(store.ID)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	inventory, err := w.sot.Inventory(ctx, store.ID)
	if err != nil {
		return fmt.Errorf("fetching inventory: %w", err)
	}
	ids := make([]int, 0, len(inventory))
	for _, rec := range inventory {
		ids = append(ids, rec.ProductID)
	}
	details, err := w.sot.ProductDetails(ctx, ids, w.cfg.DetailChunkSize)
	if err != nil {
		return fmt.Errorf("fetching product details: %w", err)
	}

	skuField := w.cfg.SkuField
	if skuField == "" {
		skuField = "usr_column_514"
	}
	view := buildSkuView(inventory, details, skuField)
	applyForceZeroRule(view)

	type candidate struct {
		sku   string
		entry models.StateEntry
	}
	var candidates []candidate
	for sku, v := range view {
		prev := prevState[sku]
		price := 0.0
		if v.Price != nil {
			price = *v.Price
		}
		entry := models.StateEntry{
			Quantity:            v.Quantity,
			Enabled:             v.Enabled,
			Price:               price,
			LastSeen:            time.Now(),
			SyncedToMarketplace: prev.SyncedToMarketplace,
		}
		if !entry.SyncedToMarketplace {
			candidates = append(candidates, candidate{sku: sku, entry: entry})
		}
		prevState[sku] = entry
	}

	limit := w.bgCfg.DailyLimit
	if limit <= 0 {
		limit = len(candidates)
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}
	batchCandidates := candidates[:limit]

	var itemUpdates []models.ItemUpdate
	var invUpdates []models.InventoryUpdate
	for _, c := range batchCandidates {
		itemUpdates = append(itemUpdates, models.ItemUpdate{SKU: c.sku, Enabled: models.BoolPtr(c.entry.Enabled), Price: priceForPush(c.entry)})
		invUpdates = append(invUpdates, models.InventoryUpdate{SKU: c.sku, Inventory: c.entry.Quantity})
	}

	venue := store.VenueKey()
	pushErr := pushBatches(ctx, w.adaptive, venue, w.cfg.MaxBatchItems, w.cfg.DeltaDelay, itemUpdates, func(batch []models.ItemUpdate) error {
		return w.marketplace.PushItems(ctx, store, batch)
	}, nil)
	if pushErr == nil {
		pushErr = pushBatches(ctx, w.adaptive, venue, w.cfg.MaxBatchItems, w.cfg.DeltaDelay, invUpdates, func(batch []models.InventoryUpdate) error {
			return w.marketplace.PushInventory(ctx, store, batch)
		}, nil)
	}

	synced := 0
	if pushErr == nil {
		for _, c := range batchCandidates {
			e := prevState[c.sku]
			e.SyncedToMarketplace = true
			prevState[c.sku] = e
			synced++
		}
	}

	if err := w.stateStore.Save(store.ID, prevState); err != nil {
		log.Warn(fmt.Sprintf("saving state after background sweep: %v", err))
	}

	remaining := 0
	for _, e := range prevState {
		if !e.SyncedToMarketplace {
			remaining++
		}
	}
	total := len(prevState)
	percent := 100.0
	if total > 0 {
		percent = 100.0 * float64(total-remaining) / float64(total)
	}
	var etaDays float64
	if synced > 0 && remaining > 0 {
		sweepsRemaining := float64(remaining) / float64(synced)
		etaDays = sweepsRemaining * w.bgCfg.BatchInterval.Hours() / 24
	}

	metrics.BackgroundWorkerRemaining.WithLabelValues(fmt.Sprint(store.ID)).Set(float64(remaining))

	if w.progress != nil {
		_ = w.progress.Save(store.ID, models.BackgroundProgress{
			TotalItems:             total,
			SyncedItems:            total - remaining,
			RemainingItems:         remaining,
			PercentComplete:        percent,
			EstimatedDaysRemaining: etaDays,
			LastSyncAt:             time.Now(),
			StartedAt:              startedAt,
		})
	}

	log.Info(fmt.Sprintf("background sweep pushed %d skus, %d remaining", synced, remaining))

	if w.publisher != nil {
		event := ports.AuditEvent{
			ID:      uuid.New().String(),
			Type:    ports.EventBatchPushed,
			StoreID: store.ID,
			Payload: map[string]interface{}{
				"synced":    synced,
				"remaining": remaining,
			},
			PublishedAt: time.Now(),
		}
		if err := w.publisher.Publish(ctx, w.auditTopic, event); err != nil {
			log.Warn(fmt.Sprintf("publishing batch-pushed audit event: %v", err))
		}
	}

	return pushErr
}

// BackgroundManager supervises one BackgroundWorker goroutine per
// store, letting HybridOrchestrator start them and the daemon stop
// them without owning goroutine lifecycle themselves.
type BackgroundManager struct {
	factory func(storeID int) *BackgroundWorker

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
}

func NewBackgroundManager(factory func(storeID int) *BackgroundWorker) *BackgroundManager {
	return &BackgroundManager{factory: factory, cancels: make(map[int]context.CancelFunc)}
}

// Start launches a worker for store if one isn't already running.
func (m *BackgroundManager) Start(store models.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.cancels[store.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[store.ID] = cancel
	worker := m.factory(store.ID)
	go worker.Run(ctx, store)
}

// Stop cancels the running worker for storeID, if any.
func (m *BackgroundManager) Stop(storeID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[storeID]; ok {
		cancel()
		delete(m.cancels, storeID)
	}
}

// StopAll cancels every running worker, used on process shutdown.
func (m *BackgroundManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
}
