// Package pricing computes read-side aggregates over classified
// invoice items: per-day trends, per-store comparisons, and monthly
// fluctuations of a canonical product's unit price.
package pricing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"nfce_reader/internal/model"
	"nfce_reader/internal/storage"
)

// Agg selects the reducer applied to each group's unit prices.
type Agg string

// Supported reducers.
const (
	AggAvg Agg = "avg"
	AggMin Agg = "min"
	AggMax Agg = "max"
)

// Bounds for MonthlyAverages' monthsBack parameter.
const (
	DefaultMonthsBack = 12
	MaxMonthsBack     = 36
)

// Point is one aggregated value keyed by a calendar date or month.
type Point struct {
	Key   string
	Value float64
}

// StorePrice is one issuer's aggregated unit price.
type StorePrice struct {
	Issuer     string
	Value      float64
	SampleSize int
}

// Query selects the items feeding an aggregation.
type Query struct {
	OwnerID   int64
	ProductID int64
	Unit      string
	From      *time.Time
	To        *time.Time
	Agg       Agg
}

// Aggregator reads classified items and reduces their unit prices.
type Aggregator struct {
	store storage.Storage
}

// New creates an Aggregator.
func New(store storage.Storage) *Aggregator {
	return &Aggregator{store: store}
}

// ProductTrend groups unit prices by UTC calendar day, ascending.
func (a *Aggregator) ProductTrend(ctx context.Context, q Query) ([]Point, error) {
	items, err := a.items(ctx, q)
	if err != nil {
		return nil, err
	}
	byDay := map[string][]float64{}
	for _, it := range items {
		byDay[dayKey(it)] = append(byDay[dayKey(it)], it.NumericUnitPrice)
	}
	return sortedPoints(byDay, q.Agg), nil
}

// MonthlyAverages groups unit prices by UTC calendar month and trims
// to the most recent monthsBack months (clamped to [1,36], default 12).
func (a *Aggregator) MonthlyAverages(ctx context.Context, q Query, monthsBack int) ([]Point, error) {
	if monthsBack < 1 {
		monthsBack = DefaultMonthsBack
	}
	if monthsBack > MaxMonthsBack {
		monthsBack = MaxMonthsBack
	}

	items, err := a.items(ctx, q)
	if err != nil {
		return nil, err
	}
	byMonth := map[string][]float64{}
	for _, it := range items {
		byMonth[monthKey(it)] = append(byMonth[monthKey(it)], it.NumericUnitPrice)
	}
	points := sortedPoints(byMonth, q.Agg)
	if len(points) > monthsBack {
		points = points[len(points)-monthsBack:]
	}
	return points, nil
}

// CompareStores groups unit prices by issuer, ascending by price, so
// the cheapest store lists first.
func (a *Aggregator) CompareStores(ctx context.Context, q Query) ([]StorePrice, error) {
	items, err := a.items(ctx, q)
	if err != nil {
		return nil, err
	}
	byIssuer := map[string][]float64{}
	for _, it := range items {
		issuer := strings.TrimSpace(it.Issuer)
		if issuer == "" {
			issuer = "Unknown"
		}
		byIssuer[issuer] = append(byIssuer[issuer], it.NumericUnitPrice)
	}

	prices := make([]StorePrice, 0, len(byIssuer))
	for issuer, values := range byIssuer {
		prices = append(prices, StorePrice{
			Issuer:     issuer,
			Value:      reduce(values, q.Agg),
			SampleSize: len(values),
		})
	}
	sort.Slice(prices, func(i, j int) bool {
		if prices[i].Value != prices[j].Value {
			return prices[i].Value < prices[j].Value
		}
		return prices[i].Issuer < prices[j].Issuer
	})
	return prices, nil
}

func (a *Aggregator) items(ctx context.Context, q Query) ([]model.InvoiceItem, error) {
	items, err := a.store.ListItemsByProduct(ctx, q.OwnerID, q.ProductID, q.Unit)
	if err != nil {
		return nil, fmt.Errorf("list items by product: %w", err)
	}
	filtered := items[:0]
	for _, it := range items {
		ts := time.Time{}
		if it.EmissionAt != nil {
			ts = *it.EmissionAt
		}
		if q.From != nil && ts.Before(*q.From) {
			continue
		}
		if q.To != nil && ts.After(*q.To) {
			continue
		}
		filtered = append(filtered, it)
	}
	return filtered, nil
}

func dayKey(it model.InvoiceItem) string {
	if it.EmissionAt == nil {
		return "1970-01-01"
	}
	return it.EmissionAt.UTC().Format("2006-01-02")
}

func monthKey(it model.InvoiceItem) string {
	if it.EmissionAt == nil {
		return "1970-01"
	}
	return it.EmissionAt.UTC().Format("2006-01")
}

func sortedPoints(groups map[string][]float64, agg Agg) []Point {
	points := make([]Point, 0, len(groups))
	for key, values := range groups {
		points = append(points, Point{Key: key, Value: reduce(values, agg)})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Key < points[j].Key })
	return points
}

func reduce(values []float64, agg Agg) float64 {
	if len(values) == 0 {
		return 0
	}
	switch agg {
	case AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	default:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}
