// Package matcher compares a query descriptor against every stored record.
package matcher

import (
	"context"
	"fmt"
	"math"

	"github.com/andresmejia3/facefinder/internal/store"
	"github.com/andresmejia3/facefinder/internal/types"
)

// DefaultThreshold is the Euclidean distance below which two faces are the same person.
const DefaultThreshold = 0.52

// Distance is the Euclidean distance between two descriptors. Descriptors of
// different lengths are infinitely far apart.
func Distance(a, b types.Descriptor) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Match returns the records holding at least one descriptor strictly closer
// than threshold to query. Records are reported once, in store order.
func Match(query types.Descriptor, records []types.MediaRecord, threshold float64) []types.Match {
	matches := []types.Match{}
	for _, r := range records {
		for _, d := range r.Descriptors {
			if Distance(query, d) < threshold {
				matches = append(matches, types.Match{Type: r.Type, Path: r.Path})
				break
			}
		}
	}
	return matches
}

// Explanation is the closest stored face of one record.
type Explanation struct {
	Type     types.MediaType
	Path     string
	Distance float64
	Matched  bool
}

// Explain reports, for every record, the best distance to query. It scans all
// descriptors, so it is only meant for diagnostics.
func Explain(query types.Descriptor, records []types.MediaRecord, threshold float64) []Explanation {
	out := make([]Explanation, 0, len(records))
	for _, r := range records {
		best := math.Inf(1)
		for _, d := range r.Descriptors {
			best = min(best, Distance(query, d))
		}
		out = append(out, Explanation{Type: r.Type, Path: r.Path, Distance: best, Matched: best < threshold})
	}
	return out
}

// Matcher answers queries against a Store.
type Matcher struct {
	Store     store.Store
	Threshold float64
}

func New(s store.Store, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{Store: s, Threshold: threshold}
}

// Find loads the store and matches query against it.
func (m *Matcher) Find(ctx context.Context, query types.Descriptor) ([]types.Match, error) {
	records, err := m.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptors: %w", err)
	}
	return Match(query, records, m.Threshold), nil
}

// FindExplained is Find plus the best distance of every record, from a
// single load of the store.
func (m *Matcher) FindExplained(ctx context.Context, query types.Descriptor) ([]types.Match, []Explanation, error) {
	records, err := m.Store.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load descriptors: %w", err)
	}
	return Match(query, records, m.Threshold), Explain(query, records, m.Threshold), nil
}
