package generator

import (
	"fmt"
	"sort"
)

// Weighted draws items according to fixed relative weights using a
// cumulative table and a single uniform draw per pick.
type Weighted[T any] struct {
	items      []T
	cumulative []float64
	total      float64
}

// NewWeighted builds a table from parallel item and weight slices.
// Weights need not sum to 1; they are relative to their total.
func NewWeighted[T any](items []T, weights []float64) (*Weighted[T], error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("weighted table needs at least one item")
	}
	if len(items) != len(weights) {
		return nil, fmt.Errorf("got %d items but %d weights", len(items), len(weights))
	}

	cumulative := make([]float64, len(weights))
	total := 0.0
	for i, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("weight %d is negative (%v)", i, w)
		}
		total += w
		cumulative[i] = total
	}
	if total <= 0 {
		return nil, fmt.Errorf("weights sum to zero")
	}

	return &Weighted[T]{
		items:      append([]T(nil), items...),
		cumulative: cumulative,
		total:      total,
	}, nil
}

// MustWeighted is NewWeighted for package-level tables.
func MustWeighted[T any](items []T, weights []float64) *Weighted[T] {
	w, err := NewWeighted(items, weights)
	if err != nil {
		panic(err)
	}
	return w
}

// Pick returns the item whose cumulative range contains one uniform draw.
func (w *Weighted[T]) Pick(src Source) T {
	u := src.Float64() * w.total
	i := sort.Search(len(w.cumulative), func(i int) bool {
		return w.cumulative[i] > u
	})
	if i == len(w.items) {
		// u landed on the upper edge through rounding
		i = len(w.items) - 1
	}
	return w.items[i]
}
