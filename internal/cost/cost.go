// Package cost prices task execution. The model is deliberately pluggable:
// the core's correctness never depends on a specific pricing scheme, only
// on estimates being produced at submission and actuals at completion.
package cost

import (
	"encoding/json"
	"sync"
	"time"

	"conductor/internal/ports"
)

const (
	defaultBaseCost = 1.0

	// Estimates quote the upper bound of the pricing band; actuals may
	// settle anywhere between the floor and the ceiling.
	bandFloor   = 0.8
	bandCeiling = 1.2

	// complexityUnit is the input size, in bytes, that counts as one
	// unit of work on top of the base cost.
	complexityUnit = 1024
)

// Model prices tasks from a per-kind base cost scaled by input complexity.
// Actual cost additionally reflects measured execution time, settling
// within the quoted band.
type Model struct {
	mu        sync.RWMutex
	baseCosts map[string]float64
}

var _ ports.CostModel = (*Model)(nil)

// NewModel creates a pricing model with per-kind base costs. Kinds absent
// from the map are priced at the default base cost.
func NewModel(baseCosts map[string]float64) *Model {
	costs := make(map[string]float64, len(baseCosts))
	for kind, base := range baseCosts {
		if base > 0 {
			costs[kind] = base
		}
	}
	return &Model{baseCosts: costs}
}

// Estimate quotes the ceiling of the pricing band for a submission.
func (m *Model) Estimate(kind string, input json.RawMessage) float64 {
	return m.base(kind) * complexity(input) * bandCeiling
}

// Actual settles the final cost after execution. Fast executions settle at
// the band floor; anything at or above a second of work per complexity
// unit settles at the ceiling.
func (m *Model) Actual(kind string, input json.RawMessage, elapsed time.Duration) float64 {
	c := complexity(input)
	scale := bandFloor
	if c > 0 {
		perUnit := elapsed.Seconds() / c
		scale += (bandCeiling - bandFloor) * clamp01(perUnit)
	}
	return m.base(kind) * c * scale
}

func (m *Model) base(kind string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if base, ok := m.baseCosts[kind]; ok {
		return base
	}
	return defaultBaseCost
}

// complexity maps input size to a work multiplier, never below 1.
func complexity(input json.RawMessage) float64 {
	return 1 + float64(len(input))/complexityUnit
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
