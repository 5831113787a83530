package models

// PriorityWeights configures PriorityScorer's bonuses and thresholds
// (spec.md §4.6). Defaults match the spec's documented values.
type PriorityWeights struct {
	InStockWeight      int
	HighStockWeight    int
	LowStockWeight     int
	HighValueWeight    int
	HighStockThreshold int
	LowStockThreshold  int
	HighValueThreshold float64
}

// DefaultPriorityWeights returns the weights spec.md §4.6 documents as
// defaults.
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{
		InStockWeight:      100,
		HighStockWeight:    20,
		LowStockWeight:     10,
		HighValueWeight:    15,
		HighStockThreshold: 50,
		LowStockThreshold:  5,
		HighValueThreshold: 50,
	}
}

// ScoredCandidate is one (inventory, detail) pair after scoring: its
// SKU, the score, and a human-readable reason when the score is 0.
type ScoredCandidate struct {
	SKU      string
	Score    int
	Reason   string
	Quantity int
	Price    *float64
}
