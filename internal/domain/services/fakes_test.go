package services

import (
	"context"
	"sync"

	"github.com/athebyme/storesync/internal/domain/models"
	"github.com/athebyme/storesync/internal/ports"
)

// noopLogger discards everything; every test in this package constructs
// one instead of depending on a concrete zap logger.
type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                            {}
func (noopLogger) Info(string, ...interface{})                             {}
func (noopLogger) Warn(string, ...interface{})                             {}
func (noopLogger) Error(string, ...interface{})                            {}
func (noopLogger) Fatal(string, ...interface{})                            {}
func (noopLogger) DebugWithContext(context.Context, string, ...interface{}) {}
func (noopLogger) InfoWithContext(context.Context, string, ...interface{})  {}
func (noopLogger) WarnWithContext(context.Context, string, ...interface{}) {}
func (noopLogger) ErrorWithContext(context.Context, string, ...interface{}) {}
func (n noopLogger) WithFields(...ports.LogField) ports.LoggerPort         { return n }
func (n noopLogger) WithField(string, interface{}) ports.LoggerPort        { return n }
func (n noopLogger) WithStore(int) ports.LoggerPort                        { return n }
func (n noopLogger) WithVenue(string) ports.LoggerPort                     { return n }
func (noopLogger) SetLevel(ports.LogLevel)                                 {}
func (noopLogger) GetLevel() ports.LogLevel                                { return ports.InfoLevel }
func (noopLogger) Sync() error                                             { return nil }

func testStore(id int) models.Store {
	return models.Store{
		ID:                 id,
		Name:                "test store",
		VenueID:             "venue-1",
		MarketplaceBaseURL:  "https://mkt.example",
		MarketplaceUser:     "user",
		MarketplacePass:     "pass",
		SotBaseURL:          "https://sot.example",
		SotLogin:            "login",
		SotPassword:         "password",
		Enabled:             true,
	}
}

// fakeSoT serves a fixed inventory/detail set, or returns errInventory /
// errDetails when set, letting tests exercise the hard-error paths.
type fakeSoT struct {
	inventory  []models.InventoryRecord
	details    []models.ProductDetail
	errInventory error
	errDetails   error
}

func (f *fakeSoT) Inventory(ctx context.Context, storeID int) ([]models.InventoryRecord, error) {
	if f.errInventory != nil {
		return nil, f.errInventory
	}
	return f.inventory, nil
}

func (f *fakeSoT) ProductDetails(ctx context.Context, ids []int, chunkSize int) ([]models.ProductDetail, error) {
	if f.errDetails != nil {
		return nil, f.errDetails
	}
	return f.details, nil
}

// fakeMarketplace records every batch it receives; failItemsAtCall and
// failInvAtCall, if > 0, make the N-th PushItems/PushInventory call
// (1-indexed, tracked independently per method) return failErr.
type fakeMarketplace struct {
	mu sync.Mutex

	itemBatches [][]models.ItemUpdate
	invBatches  [][]models.InventoryUpdate

	itemCalls int
	invCalls  int

	failItemsAtCall int
	failInvAtCall   int
	failErr         error

	introspected map[string]bool
	introspectErr error
}

func (f *fakeMarketplace) PushItems(ctx context.Context, store models.Store, items []models.ItemUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemCalls++
	if f.failItemsAtCall > 0 && f.itemCalls == f.failItemsAtCall {
		return f.failErr
	}
	cp := append([]models.ItemUpdate(nil), items...)
	f.itemBatches = append(f.itemBatches, cp)
	return nil
}

func (f *fakeMarketplace) PushInventory(ctx context.Context, store models.Store, items []models.InventoryUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invCalls++
	if f.failInvAtCall > 0 && f.invCalls == f.failInvAtCall {
		return f.failErr
	}
	cp := append([]models.InventoryUpdate(nil), items...)
	f.invBatches = append(f.invBatches, cp)
	return nil
}

func (f *fakeMarketplace) IntrospectItems(ctx context.Context, store models.Store) (map[string]bool, error) {
	if f.introspectErr != nil {
		return nil, f.introspectErr
	}
	return f.introspected, nil
}

func (f *fakeMarketplace) totalItemsPushed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.itemBatches {
		n += len(b)
	}
	return n
}

func (f *fakeMarketplace) totalInventoryPushed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.invBatches {
		n += len(b)
	}
	return n
}

func detail(productID int, sku string, price *float64) models.ProductDetail {
	return models.ProductDetail{
		ProductID: productID,
		Title:     sku,
		Price:     price,
		ExtensionFields: []models.ExtensionField{
			{Field: "usr_column_514", Value: sku},
		},
	}
}
