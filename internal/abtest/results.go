package abtest

import (
	"context"
	"math"

	"sitecraft/api/internal/store"
)

type VariantResult struct {
	VariantID   string  `json:"variantId"`
	Name        string  `json:"name"`
	Control     bool    `json:"control"`
	Exposures   int     `json:"exposures"`
	Conversions int     `json:"conversions"`
	Rate        float64 `json:"rate"`
	Lift        float64 `json:"lift"`
	PValue      float64 `json:"pValue"`
	Significant bool    `json:"significant"`
}

type Results struct {
	TestID   string          `json:"testId"`
	Status   string          `json:"status"`
	Variants []VariantResult `json:"variants"`
	// Leader is the variant Complete would pick right now, if any.
	Leader string `json:"leader,omitempty"`
}

func rate(conversions, exposures int) float64 {
	if exposures == 0 {
		return 0
	}
	return float64(conversions) / float64(exposures)
}

// PValue is the two-sided p-value of a pooled two-proportion z-test.
func PValue(conversionsA, exposuresA, conversionsB, exposuresB int) float64 {
	if exposuresA == 0 || exposuresB == 0 {
		return 1
	}
	pA := rate(conversionsA, exposuresA)
	pB := rate(conversionsB, exposuresB)
	pooled := float64(conversionsA+conversionsB) / float64(exposuresA+exposuresB)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(exposuresA) + 1/float64(exposuresB)))
	if se == 0 {
		return 1
	}
	z := math.Abs(pB-pA) / se
	return math.Erfc(z / math.Sqrt2)
}

// Analyze compares every variant against the first one.
func Analyze(test store.ABTest, stats []store.ABVariantStats) Results {
	byVariant := make(map[string]store.ABVariantStats, len(stats))
	for _, item := range stats {
		byVariant[item.VariantID] = item
	}
	results := Results{TestID: test.ID, Status: test.Status, Variants: make([]VariantResult, 0, len(test.Variants))}
	if len(test.Variants) == 0 {
		return results
	}

	control := byVariant[test.Variants[0].ID]
	controlRate := rate(control.Conversions, control.Exposures)
	for index, variant := range test.Variants {
		item := byVariant[variant.ID]
		result := VariantResult{
			VariantID:   variant.ID,
			Name:        variant.Name,
			Control:     index == 0,
			Exposures:   item.Exposures,
			Conversions: item.Conversions,
			Rate:        rate(item.Conversions, item.Exposures),
			PValue:      1,
		}
		if index > 0 {
			if controlRate > 0 {
				result.Lift = (result.Rate - controlRate) / controlRate
			}
			result.PValue = PValue(control.Conversions, control.Exposures, item.Conversions, item.Exposures)
			result.Significant = result.PValue < Alpha && control.Exposures >= MinExposures && item.Exposures >= MinExposures
		}
		results.Variants = append(results.Variants, result)
	}
	results.Leader = leader(results.Variants)
	return results
}

// leader is the best significant challenger that beats the control, or the control when every
// challenger is significantly worse.
func leader(variants []VariantResult) string {
	if len(variants) < 2 {
		return ""
	}
	best := -1
	controlWins := true
	for index, variant := range variants[1:] {
		if !variant.Significant {
			controlWins = false
			continue
		}
		if variant.Rate <= variants[0].Rate {
			continue
		}
		controlWins = false
		if best < 0 || variant.Rate > variants[best].Rate {
			best = index + 1
		}
	}
	if best >= 0 {
		return variants[best].VariantID
	}
	if controlWins {
		return variants[0].VariantID
	}
	return ""
}

func (s *Service) Results(ctx context.Context, testID string) (Results, error) {
	test, err := s.store.GetABTest(ctx, testID)
	if err != nil {
		return Results{}, err
	}
	stats, err := s.store.ABVariantStats(ctx, testID)
	if err != nil {
		return Results{}, err
	}
	return Analyze(test, stats), nil
}

// Complete stops a running test and records the current leader as winner (possibly none).
func (s *Service) Complete(ctx context.Context, testID string) (store.ABTest, Results, error) {
	results, err := s.Results(ctx, testID)
	if err != nil {
		return store.ABTest{}, Results{}, err
	}
	test, err := s.transition(ctx, testID, StatusRunning, StatusCompleted, results.Leader)
	if err != nil {
		return store.ABTest{}, Results{}, err
	}
	results.Status = test.Status
	return test, results, nil
}
