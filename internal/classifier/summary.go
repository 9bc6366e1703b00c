package classifier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"nfce_reader/internal/brl"
)

// Count is one labelled tally in an unclassified summary.
type Count struct {
	Label string
	N     int
}

// Summary describes the backlog of unclassified items, surfacing the
// issuers, units, and name tokens an operator should write rules for.
type Summary struct {
	Count        int
	ByIssuer     []Count
	CommonUnits  []Count
	CommonTokens []Count
}

// UnclassifiedSummary aggregates all unclassified items of one owner.
func (e *Engine) UnclassifiedSummary(ctx context.Context, ownerID int64) (*Summary, error) {
	items, err := e.store.ListUnclassifiedItems(ctx, ownerID, 0)
	if err != nil {
		return nil, fmt.Errorf("list unclassified items: %w", err)
	}

	issuers := map[string]int{}
	units := map[string]int{}
	tokens := map[string]int{}
	for _, it := range items {
		issuer := strings.TrimSpace(it.Issuer)
		if issuer == "" {
			issuer = "Unknown"
		}
		issuers[issuer]++
		unit := strings.TrimSpace(it.Unit)
		if unit == "" {
			unit = "?"
		}
		units[unit]++
		for _, tok := range strings.Fields(brl.Lower(it.Name)) {
			tokens[tok]++
		}
	}

	return &Summary{
		Count:        len(items),
		ByIssuer:     topCounts(issuers, 20),
		CommonUnits:  topCounts(units, 20),
		CommonTokens: topCounts(tokens, 50),
	}, nil
}

func topCounts(m map[string]int, limit int) []Count {
	counts := make([]Count, 0, len(m))
	for label, n := range m {
		counts = append(counts, Count{Label: label, N: n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].N != counts[j].N {
			return counts[i].N > counts[j].N
		}
		return counts[i].Label < counts[j].Label
	})
	if len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}
