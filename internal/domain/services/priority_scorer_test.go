package services

import (
	"testing"

	"github.com/athebyme/storesync/internal/domain/models"
)

func ptr(f float64) *float64 { return &f }

func TestPriorityScorer_Score(t *testing.T) {
	w := models.DefaultPriorityWeights()
	s := NewPriorityScorer(w)

	tests := []struct {
		name     string
		quantity int
		price    *float64
		wantScore int
		wantReason string
	}{
		{"invalid price nil", 10, nil, 0, "invalid-price"},
		{"negative price", 10, ptr(-1), 0, "invalid-price"},
		{"out of stock", 0, ptr(100), 0, "out-of-stock"},
		{"base in-stock", 10, ptr(10), 100, ""},
		{"high stock bonus", 50, ptr(10), 120, ""},
		{"low stock bonus", 5, ptr(10), 110, ""},
		{"high value bonus", 10, ptr(50), 115, ""},
		{"all bonuses", 50, ptr(50), 135, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score("SKU", tt.quantity, tt.price)
			if got.Score != tt.wantScore {
				t.Errorf("score = %d, want %d", got.Score, tt.wantScore)
			}
			if tt.wantReason != "" && got.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestTopN_FiltersZeroAndPreservesOrderOnTies(t *testing.T) {
	scored := []models.ScoredCandidate{
		{SKU: "A", Score: 100},
		{SKU: "B", Score: 0},
		{SKU: "C", Score: 120},
		{SKU: "D", Score: 100},
	}

	top := TopN(scored, 10)
	if len(top) != 3 {
		t.Fatalf("expected 3 candidates after filtering zero scores, got %d", len(top))
	}
	if top[0].SKU != "C" {
		t.Errorf("expected highest score first, got %s", top[0].SKU)
	}
	// A and D tie at 100; stable sort must preserve insertion order.
	if top[1].SKU != "A" || top[2].SKU != "D" {
		t.Errorf("expected stable tie order A,D got %s,%s", top[1].SKU, top[2].SKU)
	}
}

func TestTopN_RespectsLimit(t *testing.T) {
	scored := []models.ScoredCandidate{
		{SKU: "A", Score: 100},
		{SKU: "B", Score: 90},
		{SKU: "C", Score: 80},
	}
	top := TopN(scored, 2)
	if len(top) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(top))
	}
}
