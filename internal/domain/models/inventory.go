package models

// InventoryRecord is one SoT inventory row for a store: a product id and
// its remaining quantity. Ephemeral — fetched fresh every run, never
// persisted as-is.
type InventoryRecord struct {
	ProductID int
	Remaining int
	StoreID   int
}

// ExtensionField is one (field-name, value) pair carried on a
// ProductDetail. SKU_FIELD (spec.md §6: "usr_column_514") is the one
// extension field StoreSync reads; the rest pass through unused.
type ExtensionField struct {
	Field string
	Value string
}

// ProductDetail is one SoT product detail record: title, price (which
// may be absent or malformed upstream — modeled explicitly as a pointer
// rather than relying on a sentinel value) and its extension fields.
type ProductDetail struct {
	ProductID      int
	Title          string
	Price          *float64
	ExtensionFields []ExtensionField
}

// SKU extracts the marketplace SKU from a detail's extension fields,
// looking for skuField. Returns ("", false) if absent or empty —
// callers must skip such products when building the SKU map
// (spec.md §4.7 step 4).
func (d ProductDetail) SKU(skuField string) (string, bool) {
	for _, f := range d.ExtensionFields {
		if f.Field == skuField && f.Value != "" {
			return f.Value, true
		}
	}
	return "", false
}

// ValidPrice reports whether Price is present and a non-negative finite
// number — the single predicate spec.md §4.6/§4.7 calls "invalid price"
// everywhere else in the system.
func (d ProductDetail) ValidPrice() (float64, bool) {
	if d.Price == nil {
		return 0, false
	}
	p := *d.Price
	if p != p || p < 0 { // p != p catches NaN
		return 0, false
	}
	if p > maxFinitePrice {
		return 0, false
	}
	return p, true
}

// maxFinitePrice guards against +Inf, which compares fine to bounds
// checks above but is not a meaningfully finite price.
const maxFinitePrice = 1e15

// SkuView is the derived, per-run aggregate view of one SKU across all
// SoT products that map to it: summed quantity, last-wins price, and a
// derived enabled flag. Aggregation exists because multiple SoT product
// ids can share one marketplace SKU (spec.md §3).
type SkuView struct {
	SKU      string
	Quantity int
	Price    *float64
	Enabled  bool
}
