package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"nfce_reader/internal/model"
)

const itemCols = `id, invoice_id, owner_id, emission_ts, issuer, name, quantity, unit,
	 unit_price, total_price, numeric_quantity, numeric_unit_price, numeric_total_price,
	 canonical_product_id, classification_status, classified_at, created_at`

// ReplaceInvoiceItems deletes all flattened items of one invoice and
// inserts the given set in a single transaction.
func (s *SQLite) ReplaceInvoiceItems(ctx context.Context, invoiceID int64, items []model.InvoiceItem) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM invoice_items WHERE invoice_id = ?`, invoiceID)
	if err != nil {
		return 0, 0, fmt.Errorf("delete invoice items: %w", err)
	}
	deleted64, _ := res.RowsAffected()

	now := fmtTime(time.Now())
	inserted := 0
	for _, it := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO invoice_items (invoice_id, owner_id, emission_ts, issuer, name,
			 quantity, unit, unit_price, total_price, numeric_quantity, numeric_unit_price,
			 numeric_total_price, canonical_product_id, classification_status, classified_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			invoiceID, it.OwnerID, fmtTimePtr(it.EmissionAt), it.Issuer, it.Name,
			it.Quantity, it.Unit, it.UnitPrice, it.TotalPrice, it.NumericQuantity,
			it.NumericUnitPrice, it.NumericTotalPrice, it.CanonicalProductID,
			string(it.Classification), fmtTimePtr(it.ClassifiedAt), now)
		if err != nil {
			return 0, 0, fmt.Errorf("insert invoice item: %w", err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, int(deleted64), nil
}

// ListInvoiceItems returns all flattened items of one invoice in
// insertion order.
func (s *SQLite) ListInvoiceItems(ctx context.Context, invoiceID int64) ([]model.InvoiceItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM invoice_items WHERE invoice_id = ? ORDER BY id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("query invoice items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// GetInvoiceItem returns one flattened item by its ID.
func (s *SQLite) GetInvoiceItem(ctx context.Context, id int64) (*model.InvoiceItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM invoice_items WHERE id = ?`, id)
	return scanItem(row)
}

// ListUnclassifiedItems returns up to limit unclassified items of one
// owner in insertion order. A non-positive limit returns all of them.
func (s *SQLite) ListUnclassifiedItems(ctx context.Context, ownerID int64, limit int) ([]model.InvoiceItem, error) {
	q := `SELECT ` + itemCols + ` FROM invoice_items
	 WHERE owner_id = ? AND classification_status = ? ORDER BY id`
	args := []any{ownerID, string(model.StatusUnclassified)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query unclassified items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// ListItemsByProduct returns all classified items of one owner for a
// canonical product and raw unit.
func (s *SQLite) ListItemsByProduct(ctx context.Context, ownerID, productID int64, unit string) ([]model.InvoiceItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM invoice_items
		 WHERE owner_id = ? AND canonical_product_id = ? AND unit = ? ORDER BY id`,
		ownerID, productID, unit)
	if err != nil {
		return nil, fmt.Errorf("query items by product: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// MarkItemClassified records a classification outcome on one item.
func (s *SQLite) MarkItemClassified(ctx context.Context, itemID, productID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invoice_items SET canonical_product_id = ?, classification_status = ?, classified_at = ?
		 WHERE id = ?`,
		productID, string(model.StatusClassified), fmtTime(at), itemID)
	if err != nil {
		return fmt.Errorf("mark classified: %w", err)
	}
	return nil
}

// AssignItemProduct manually overrides an item's canonical product.
// A nil productID clears the assignment and re-opens the item for
// classification.
func (s *SQLite) AssignItemProduct(ctx context.Context, itemID int64, productID *int64) error {
	status := model.StatusClassified
	var at *string
	if productID == nil {
		status = model.StatusUnclassified
	} else {
		v := fmtTime(time.Now())
		at = &v
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE invoice_items SET canonical_product_id = ?, classification_status = ?, classified_at = ?
		 WHERE id = ?`,
		productID, string(status), at, itemID)
	if err != nil {
		return fmt.Errorf("assign item product: %w", err)
	}
	return nil
}

// CreateProduct inserts a canonical product, enforcing the
// (baseName, unit) uniqueness invariant.
func (s *SQLite) CreateProduct(ctx context.Context, p *model.CanonicalProduct) error {
	p.BaseName = strings.TrimSpace(p.BaseName)
	p.UnitDetail = strings.TrimSpace(p.UnitDetail)
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO canonical_products (base_name, unit, unit_detail, created_at) VALUES (?, ?, ?, ?)`,
		p.BaseName, p.Unit, p.UnitDetail, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateProduct
		}
		return fmt.Errorf("insert product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	p.ID = id
	p.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetProduct returns one canonical product by its ID.
func (s *SQLite) GetProduct(ctx context.Context, id int64) (*model.CanonicalProduct, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, base_name, unit, unit_detail, created_at FROM canonical_products WHERE id = ?`, id)
	var p model.CanonicalProduct
	var created sql.NullString
	err := row.Scan(&p.ID, &p.BaseName, &p.Unit, &p.UnitDetail, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan product: %w", err)
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// ListProducts returns all canonical products ordered by base name.
func (s *SQLite) ListProducts(ctx context.Context) ([]model.CanonicalProduct, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, base_name, unit, unit_detail, created_at FROM canonical_products ORDER BY base_name, unit`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var products []model.CanonicalProduct
	for rows.Next() {
		var p model.CanonicalProduct
		var created sql.NullString
		if err := rows.Scan(&p.ID, &p.BaseName, &p.Unit, &p.UnitDetail, &created); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.CreatedAt = parseTime(created)
		products = append(products, p)
	}
	return products, rows.Err()
}

// UpdateProduct persists changes to an existing canonical product.
func (s *SQLite) UpdateProduct(ctx context.Context, p *model.CanonicalProduct) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE canonical_products SET base_name = ?, unit = ?, unit_detail = ? WHERE id = ?`,
		strings.TrimSpace(p.BaseName), p.Unit, strings.TrimSpace(p.UnitDetail), p.ID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateProduct
		}
		return fmt.Errorf("update product: %w", err)
	}
	return nil
}

// DeleteProduct removes a canonical product by its ID.
func (s *SQLite) DeleteProduct(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM canonical_products WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return nil
}

// CreateRule inserts a mapping rule and populates its ID and CreatedAt.
func (s *SQLite) CreateRule(ctx context.Context, r *model.MappingRule) error {
	now := fmtTime(time.Now())
	syn, err := json.Marshal(r.UnitSynonyms)
	if err != nil {
		return fmt.Errorf("encode unit synonyms: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO mapping_rules (pattern, match_type, target_product_id, unit_synonyms, priority, active, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(r.Pattern), string(r.MatchType), r.TargetProductID,
		string(syn), r.Priority, boolToInt(r.Active), r.Notes, now)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetRule returns one mapping rule by its ID.
func (s *SQLite) GetRule(ctx context.Context, id int64) (*model.MappingRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pattern, match_type, target_product_id, unit_synonyms, priority, active, notes, created_at
		 FROM mapping_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListRules returns mapping rules in evaluation order: ascending
// priority, ties broken by ID.
func (s *SQLite) ListRules(ctx context.Context, onlyActive bool) ([]model.MappingRule, error) {
	q := `SELECT id, pattern, match_type, target_product_id, unit_synonyms, priority, active, notes, created_at
	 FROM mapping_rules`
	if onlyActive {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY priority, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.MappingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// UpdateRule persists changes to an existing mapping rule.
func (s *SQLite) UpdateRule(ctx context.Context, r *model.MappingRule) error {
	syn, err := json.Marshal(r.UnitSynonyms)
	if err != nil {
		return fmt.Errorf("encode unit synonyms: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE mapping_rules SET pattern = ?, match_type = ?, target_product_id = ?,
		 unit_synonyms = ?, priority = ?, active = ?, notes = ? WHERE id = ?`,
		strings.TrimSpace(r.Pattern), string(r.MatchType), r.TargetProductID,
		string(syn), r.Priority, boolToInt(r.Active), r.Notes, r.ID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

// DeleteRule removes a mapping rule by its ID.
func (s *SQLite) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mapping_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// InsertClassificationLog appends one classification miss record.
func (s *SQLite) InsertClassificationLog(ctx context.Context, l *model.ClassificationLog) error {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO classification_logs (item_id, reason, name, unit, quantity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.ItemID, l.Reason, l.Name, l.Unit, l.Quantity, now)
	if err != nil {
		return fmt.Errorf("insert classification log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	l.ID = id
	l.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// ListClassificationLogs returns the most recent miss records.
func (s *SQLite) ListClassificationLogs(ctx context.Context, limit int) ([]model.ClassificationLog, error) {
	q := `SELECT id, item_id, reason, name, unit, quantity, created_at
	 FROM classification_logs ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query classification logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []model.ClassificationLog
	for rows.Next() {
		var l model.ClassificationLog
		var created sql.NullString
		if err := rows.Scan(&l.ID, &l.ItemID, &l.Reason, &l.Name, &l.Unit, &l.Quantity, &created); err != nil {
			return nil, fmt.Errorf("scan classification log: %w", err)
		}
		l.CreatedAt = parseTime(created)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanItem(row scannable) (*model.InvoiceItem, error) {
	var it model.InvoiceItem
	var emission, classifiedAt, created sql.NullString
	var productID sql.NullInt64
	var status string
	err := row.Scan(&it.ID, &it.InvoiceID, &it.OwnerID, &emission, &it.Issuer, &it.Name,
		&it.Quantity, &it.Unit, &it.UnitPrice, &it.TotalPrice, &it.NumericQuantity,
		&it.NumericUnitPrice, &it.NumericTotalPrice, &productID, &status, &classifiedAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invoice item: %w", err)
	}
	it.EmissionAt = parseTimePtr(emission)
	if productID.Valid {
		it.CanonicalProductID = &productID.Int64
	}
	it.Classification = model.ClassificationStatus(status)
	it.ClassifiedAt = parseTimePtr(classifiedAt)
	it.CreatedAt = parseTime(created)
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]model.InvoiceItem, error) {
	var items []model.InvoiceItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func scanRule(row scannable) (*model.MappingRule, error) {
	var r model.MappingRule
	var matchType, synJSON string
	var active int
	var notes sql.NullString
	var created sql.NullString
	err := row.Scan(&r.ID, &r.Pattern, &matchType, &r.TargetProductID, &synJSON,
		&r.Priority, &active, &notes, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	r.MatchType = model.MatchType(matchType)
	if synJSON != "" && synJSON != "null" {
		if err := json.Unmarshal([]byte(synJSON), &r.UnitSynonyms); err != nil {
			return nil, fmt.Errorf("decode unit synonyms: %w", err)
		}
	}
	r.Active = active == 1
	r.Notes = notes.String
	r.CreatedAt = parseTime(created)
	return &r, nil
}
