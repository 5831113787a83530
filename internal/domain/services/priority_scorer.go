// Package services holds the sync engine's core algorithmic
// components: priority scoring, the sync pipeline, the hybrid
// bootstrap, the background completion worker, and the scheduler loop.
package services

import (
	"sort"

	"github.com/athebyme/storesync/internal/domain/models"
)

// PriorityScorer assigns a deterministic, non-negative score to each
// SKU in a SkuView, ranking candidates for the HybridOrchestrator's
// initial priority push (spec.md §4.6). It is pure: no I/O, no
// randomness, no wall-clock dependence.
type PriorityScorer struct {
	weights models.PriorityWeights
}

func NewPriorityScorer(weights models.PriorityWeights) *PriorityScorer {
	return &PriorityScorer{weights: weights}
}

// Score computes one candidate's priority score. The price-validity
// rule is checked first and is absolute: an unpriceable item scores 0
// regardless of stock level, because it cannot be sold at all
// (spec.md §4.6 rule 1).
func (s *PriorityScorer) Score(sku string, quantity int, price *float64) models.ScoredCandidate {
	c := models.ScoredCandidate{SKU: sku, Quantity: quantity, Price: price}

	validPrice, ok := validPrice(price)
	if !ok {
		c.Score = 0
		c.Reason = "invalid-price"
		return c
	}

	if quantity == 0 {
		c.Score = 0
		c.Reason = "out-of-stock"
		return c
	}

	score := s.weights.InStockWeight
	if quantity >= s.weights.HighStockThreshold {
		score += s.weights.HighStockWeight
	}
	if quantity <= s.weights.LowStockThreshold {
		score += s.weights.LowStockWeight
	}
	if validPrice >= s.weights.HighValueThreshold {
		score += s.weights.HighValueWeight
	}

	c.Score = score
	return c
}

// ScoreAll scores every SKU in a view, preserving input order.
func (s *PriorityScorer) ScoreAll(views []models.SkuView) []models.ScoredCandidate {
	out := make([]models.ScoredCandidate, 0, len(views))
	for _, v := range views {
		out = append(out, s.Score(v.SKU, v.Quantity, v.Price))
	}
	return out
}

// TopN returns the highest-scored limit candidates after filtering out
// score-0 entries, ties broken by insertion (SoT) order via a stable
// sort (spec.md §4.6).
func TopN(scored []models.ScoredCandidate, limit int) []models.ScoredCandidate {
	filtered := make([]models.ScoredCandidate, 0, len(scored))
	for _, c := range scored {
		if c.Score > 0 {
			filtered = append(filtered, c)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})

	if limit >= 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// validPrice mirrors models.ProductDetail.ValidPrice's rule for a bare
// *float64, since the priority scorer operates on SkuView rather than
// ProductDetail.
func validPrice(price *float64) (float64, bool) {
	return models.ProductDetail{Price: price}.ValidPrice()
}
