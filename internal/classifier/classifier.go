// Package classifier flattens extracted invoice items and assigns each
// one a canonical product by applying the user-curated mapping rules.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"nfce_reader/internal/brl"
	"nfce_reader/internal/model"
	"nfce_reader/internal/storage"
)

// Batch size bounds for one classification pass.
const (
	DefaultBatchSize = 200
	MaxBatchSize     = 500
)

const missReason = "no mapping rule matched"

// SyncResult reports the outcome of one item sync.
type SyncResult struct {
	Inserted int
	Deleted  int
}

// BatchResult reports the outcome of one classification batch.
type BatchResult struct {
	Processed  int
	Classified int
	Failed     int
}

// Engine classifies flattened invoice items against mapping rules.
type Engine struct {
	store storage.Storage
	log   *slog.Logger
}

// New creates an Engine.
func New(store storage.Storage, log *slog.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// SyncItems re-flattens the extracted items of every done invoice
// owned by ownerID into the invoice_items projection (all invoices
// when reprocessAll is set). An invoice whose stored projection
// already matches the fresh flattening is left untouched, so item IDs
// and classification state, including manual assignments, survive
// periodic runs. reprocessAll forces a full rebuild.
func (e *Engine) SyncItems(ctx context.Context, ownerID int64, reprocessAll bool) (SyncResult, error) {
	invoices, err := e.store.ListInvoices(ctx, ownerID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list invoices: %w", err)
	}

	var res SyncResult
	for _, inv := range invoices {
		if !reprocessAll && inv.Status != model.StatusDone {
			continue
		}
		items := make([]model.InvoiceItem, 0, len(inv.Items))
		for _, raw := range inv.Items {
			items = append(items, model.InvoiceItem{
				OwnerID:           ownerID,
				EmissionAt:        inv.EmissionAt,
				Issuer:            inv.Issuer,
				Name:              raw.Name,
				Quantity:          raw.Quantity,
				Unit:              raw.Unit,
				UnitPrice:         raw.UnitPrice,
				TotalPrice:        raw.TotalPrice,
				NumericQuantity:   brl.ParseAmount(raw.Quantity),
				NumericUnitPrice:  brl.ParseAmount(raw.UnitPrice),
				NumericTotalPrice: brl.ParseAmount(raw.TotalPrice),
				Classification:    model.StatusUnclassified,
			})
		}
		if !reprocessAll {
			existing, err := e.store.ListInvoiceItems(ctx, inv.ID)
			if err != nil {
				return res, fmt.Errorf("list items for invoice %d: %w", inv.ID, err)
			}
			if sameFlattened(existing, items) {
				continue
			}
		}
		inserted, deleted, err := e.store.ReplaceInvoiceItems(ctx, inv.ID, items)
		if err != nil {
			return res, fmt.Errorf("replace items for invoice %d: %w", inv.ID, err)
		}
		res.Inserted += inserted
		res.Deleted += deleted
	}
	return res, nil
}

// sameFlattened reports whether the stored projection of an invoice
// already matches a freshly flattened item set. Classification fields
// are ignored: a match means re-extraction produced nothing new and
// the stored rows stay as they are.
func sameFlattened(existing, fresh []model.InvoiceItem) bool {
	if len(existing) != len(fresh) {
		return false
	}
	for i, f := range fresh {
		ex := existing[i]
		if ex.Name != f.Name || ex.Quantity != f.Quantity || ex.Unit != f.Unit ||
			ex.UnitPrice != f.UnitPrice || ex.TotalPrice != f.TotalPrice ||
			ex.Issuer != f.Issuer || !timePtrEqual(ex.EmissionAt, f.EmissionAt) {
			return false
		}
	}
	return true
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ClassifyBatch pulls up to batchSize unclassified items of one owner
// and assigns canonical products. batchSize is clamped to [1,500];
// values below 1 use the default of 200. Misses are appended to the
// classification log and left unclassified, eligible for retry once
// new rules exist.
func (e *Engine) ClassifyBatch(ctx context.Context, ownerID int64, batchSize int) (BatchResult, error) {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	rules, err := e.store.ListRules(ctx, true)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list rules: %w", err)
	}
	products, err := e.store.ListProducts(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list products: %w", err)
	}
	items, err := e.store.ListUnclassifiedItems(ctx, ownerID, batchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list unclassified items: %w", err)
	}

	var res BatchResult
	res.Processed = len(items)
	for _, item := range items {
		productID, ok := Resolve(item.Name, item.Unit, rules, products)
		if ok {
			if err := e.store.MarkItemClassified(ctx, item.ID, productID, time.Now()); err != nil {
				return res, fmt.Errorf("mark item %d classified: %w", item.ID, err)
			}
			res.Classified++
			continue
		}
		l := &model.ClassificationLog{
			ItemID:   item.ID,
			Reason:   missReason,
			Name:     item.Name,
			Unit:     item.Unit,
			Quantity: item.Quantity,
		}
		if err := e.store.InsertClassificationLog(ctx, l); err != nil {
			return res, fmt.Errorf("log classification miss: %w", err)
		}
		res.Failed++
	}

	if res.Processed > 0 {
		e.log.Info("classification batch",
			"owner_id", ownerID,
			"processed", res.Processed,
			"classified", res.Classified,
			"failed", res.Failed,
		)
	}
	return res, nil
}

// Resolve returns the canonical product for an item name and raw unit:
// the first matching active rule wins, then an exact case-insensitive
// baseName match against the catalog (unit ignored in the fallback).
func Resolve(name, unit string, rules []model.MappingRule, products []model.CanonicalProduct) (int64, bool) {
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if MatchRule(name, unit, rule) {
			return rule.TargetProductID, true
		}
	}
	lower := brl.Lower(name)
	for _, p := range products {
		if brl.Lower(p.BaseName) == lower {
			return p.ID, true
		}
	}
	return 0, false
}

// MatchRule reports whether one rule matches an item name and raw
// unit. When the rule carries unit synonyms the raw unit must equal
// one of them exactly. A malformed regex pattern never matches.
func MatchRule(name, unit string, rule model.MappingRule) bool {
	if len(rule.UnitSynonyms) > 0 {
		u := strings.TrimSpace(unit)
		ok := false
		for _, syn := range rule.UnitSynonyms {
			if syn == u {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	switch rule.MatchType {
	case model.MatchExact:
		return brl.Lower(name) == brl.Lower(rule.Pattern)
	case model.MatchContains:
		return strings.Contains(brl.Lower(name), brl.Lower(rule.Pattern))
	case model.MatchRegex:
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(name)
	}
	return false
}
