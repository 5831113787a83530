package models

import "time"

// StateEntry is the durable, per-SKU record of what a store's StateStore
// last confirmed with the marketplace. Entries are never aggregated —
// each key is one distinct SKU — and are retained indefinitely even
// after a SKU disappears from the SoT view, so the disable signal
// survives process restarts (spec.md §3).
type StateEntry struct {
	Quantity int       `json:"quantity"`
	Enabled  bool      `json:"enabled"`
	Price    float64   `json:"price"`
	LastSeen time.Time `json:"lastSeen"`

	// SyncedToMarketplace is an explicit boolean, per spec.md §9's
	// open-question resolution, rather than an ad-hoc map key.
	SyncedToMarketplace bool `json:"syncedToMarketplace,omitempty"`
}

// StateMap is the full persisted state for one store: SKU -> entry.
type StateMap map[string]StateEntry

// Valid reports whether an entry satisfies the schema validation rule
// from spec.md §4.1: quantity must be finite-numeric, enabled boolean
// (guaranteed by the Go type system), and price/lastSeen, if present,
// finite-numeric.
func (e StateEntry) Valid() bool {
	if isNaNOrInf(float64(e.Quantity)) {
		return false
	}
	if isNaNOrInf(e.Price) {
		return false
	}
	return true
}

func isNaNOrInf(f float64) bool {
	return f != f || f > maxFinitePrice || f < -maxFinitePrice
}

// CheckpointRecord tracks progress through a long initial push so a
// crash mid-run doesn't force a full re-push from scratch
// (spec.md §3, §4.7 step 11).
type CheckpointRecord struct {
	StoreID       int       `json:"storeId"`
	Phase         string    `json:"phase"` // "items" | "inventory"
	Completed     int       `json:"completed"`
	Total         int       `json:"total"`
	ConfirmedSKUs []string  `json:"confirmedSkus"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// BackgroundProgress is the on-disk progress report a BackgroundWorker
// writes after each iteration (spec.md §6, file
// .bg-worker-progress-<id>.json).
type BackgroundProgress struct {
	TotalItems             int       `json:"totalItems"`
	SyncedItems            int       `json:"syncedItems"`
	RemainingItems         int       `json:"remainingItems"`
	PercentComplete        float64   `json:"percentComplete"`
	EstimatedDaysRemaining float64   `json:"estimatedDaysRemaining"`
	LastSyncAt             time.Time `json:"lastSyncAt"`
	StartedAt              time.Time `json:"startedAt"`
}
