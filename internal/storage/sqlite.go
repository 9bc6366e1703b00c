package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"nfce_reader/internal/model"
	"nfce_reader/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := fmtTime(*t)
	return &v
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s.String)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateInvoice inserts a new pending invoice and populates its ID and
// CreatedAt.
func (s *SQLite) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	now := fmtTime(time.Now())
	if inv.Status == "" {
		inv.Status = model.StatusPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (owner_id, url, status, created_at) VALUES (?, ?, ?, ?)`,
		inv.OwnerID, inv.URL, string(inv.Status), now,
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	inv.ID = id
	inv.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

const invoiceCols = `id, owner_id, url, status, last_run_at, emission_ts, emission_raw,
	 issuer, total_amount, total_amount_text, error_message, created_at`

// GetInvoice returns one invoice with its extracted items.
func (s *SQLite) GetInvoice(ctx context.Context, id int64) (*model.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		return nil, err
	}
	if inv.Items, err = s.rawItems(ctx, inv.ID); err != nil {
		return nil, err
	}
	return inv, nil
}

// ListInvoices returns all invoices of one owner, newest first, with
// their extracted items.
func (s *SQLite) ListInvoices(ctx context.Context, ownerID int64) ([]model.Invoice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE owner_id = ? ORDER BY id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	invoices, err := scanInvoices(rows)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		if invoices[i].Items, err = s.rawItems(ctx, invoices[i].ID); err != nil {
			return nil, err
		}
	}
	return invoices, nil
}

// ListPendingInvoices returns all pending invoices across owners.
func (s *SQLite) ListPendingInvoices(ctx context.Context) ([]model.Invoice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE status = ? ORDER BY id`, string(model.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("query pending invoices: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanInvoices(rows)
}

// MarkInvoiceProcessing moves an invoice into the processing state and
// stamps its last run time.
func (s *SQLite) MarkInvoiceProcessing(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = ?, last_run_at = ? WHERE id = ?`,
		string(model.StatusProcessing), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// CompleteInvoice writes the full extraction outcome and the done
// state in a single transaction, so an invoice never carries a partial
// item set.
func (s *SQLite) CompleteInvoice(ctx context.Context, id int64, out ExtractionOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE invoices SET status = ?, last_run_at = ?, emission_ts = ?, emission_raw = ?,
		 issuer = ?, total_amount = ?, total_amount_text = ?, error_message = ''
		 WHERE id = ?`,
		string(model.StatusDone), fmtTime(time.Now()), fmtTimePtr(out.EmissionAt),
		out.EmissionRaw, out.Issuer, out.TotalAmount, out.TotalAmountText, id)
	if err != nil {
		return fmt.Errorf("update invoice: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM extracted_items WHERE invoice_id = ?`, id); err != nil {
		return fmt.Errorf("delete extracted items: %w", err)
	}
	for i, it := range out.Items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO extracted_items (invoice_id, position, name, quantity, unit, unit_price, total_price)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, i, it.Name, it.Quantity, it.Unit, it.UnitPrice, it.TotalPrice)
		if err != nil {
			return fmt.Errorf("insert extracted item: %w", err)
		}
	}
	return tx.Commit()
}

// FailInvoice records a terminal extraction failure.
func (s *SQLite) FailInvoice(ctx context.Context, id int64, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = ?, last_run_at = ?, error_message = ? WHERE id = ?`,
		string(model.StatusError), fmtTime(time.Now()), message, id)
	if err != nil {
		return fmt.Errorf("fail invoice: %w", err)
	}
	return nil
}

// ResetInvoice re-submits a terminal invoice back to pending.
func (s *SQLite) ResetInvoice(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = ?, error_message = '' WHERE id = ?`,
		string(model.StatusPending), id)
	if err != nil {
		return fmt.Errorf("reset invoice: %w", err)
	}
	return nil
}

// DeleteInvoice removes an invoice with its extracted and flattened items.
func (s *SQLite) DeleteInvoice(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM extracted_items WHERE invoice_id = ?`, id); err != nil {
		return fmt.Errorf("delete extracted items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_items WHERE invoice_id = ?`, id); err != nil {
		return fmt.Errorf("delete invoice items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM invoices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete invoice: %w", err)
	}
	return tx.Commit()
}

// ListOwnerIDs returns the distinct owners that have submitted invoices.
func (s *SQLite) ListOwnerIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner_id FROM invoices ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) rawItems(ctx context.Context, invoiceID int64) ([]model.RawItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, quantity, unit, unit_price, total_price
		 FROM extracted_items WHERE invoice_id = ? ORDER BY position`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("query extracted items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.RawItem
	for rows.Next() {
		var it model.RawItem
		if err := rows.Scan(&it.Name, &it.Quantity, &it.Unit, &it.UnitPrice, &it.TotalPrice); err != nil {
			return nil, fmt.Errorf("scan extracted item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanInvoice(row scannable) (*model.Invoice, error) {
	var inv model.Invoice
	var status string
	var lastRun, emission, created sql.NullString
	var emissionRaw, issuer, totalText, errMsg sql.NullString
	var total sql.NullFloat64
	err := row.Scan(&inv.ID, &inv.OwnerID, &inv.URL, &status, &lastRun, &emission,
		&emissionRaw, &issuer, &total, &totalText, &errMsg, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	inv.Status = model.InvoiceStatus(status)
	inv.LastRunAt = parseTimePtr(lastRun)
	inv.EmissionAt = parseTimePtr(emission)
	inv.EmissionRaw = emissionRaw.String
	inv.Issuer = issuer.String
	if total.Valid {
		inv.TotalAmount = &total.Float64
	}
	inv.TotalAmountText = totalText.String
	inv.ErrorMessage = errMsg.String
	inv.CreatedAt = parseTime(created)
	return &inv, nil
}

func scanInvoices(rows *sql.Rows) ([]model.Invoice, error) {
	var invoices []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}
