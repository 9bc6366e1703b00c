// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"nfce_reader/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateProduct is returned when a canonical product with the
// same (baseName, unit) pair already exists.
var ErrDuplicateProduct = errors.New("canonical product with same baseName and unit already exists")

// ExtractionOutcome is the complete terminal result of one scrape,
// written to an invoice in a single atomic update.
type ExtractionOutcome struct {
	EmissionAt      *time.Time
	EmissionRaw     string
	Issuer          string
	TotalAmount     float64
	TotalAmountText string
	Items           []model.RawItem
}

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateInvoice(ctx context.Context, inv *model.Invoice) error
	GetInvoice(ctx context.Context, id int64) (*model.Invoice, error)
	ListInvoices(ctx context.Context, ownerID int64) ([]model.Invoice, error)
	ListPendingInvoices(ctx context.Context) ([]model.Invoice, error)
	MarkInvoiceProcessing(ctx context.Context, id int64) error
	CompleteInvoice(ctx context.Context, id int64, out ExtractionOutcome) error
	FailInvoice(ctx context.Context, id int64, message string) error
	ResetInvoice(ctx context.Context, id int64) error
	DeleteInvoice(ctx context.Context, id int64) error
	ListOwnerIDs(ctx context.Context) ([]int64, error)

	ReplaceInvoiceItems(ctx context.Context, invoiceID int64, items []model.InvoiceItem) (inserted, deleted int, err error)
	ListInvoiceItems(ctx context.Context, invoiceID int64) ([]model.InvoiceItem, error)
	GetInvoiceItem(ctx context.Context, id int64) (*model.InvoiceItem, error)
	ListUnclassifiedItems(ctx context.Context, ownerID int64, limit int) ([]model.InvoiceItem, error)
	ListItemsByProduct(ctx context.Context, ownerID, productID int64, unit string) ([]model.InvoiceItem, error)
	MarkItemClassified(ctx context.Context, itemID, productID int64, at time.Time) error
	AssignItemProduct(ctx context.Context, itemID int64, productID *int64) error

	CreateProduct(ctx context.Context, p *model.CanonicalProduct) error
	GetProduct(ctx context.Context, id int64) (*model.CanonicalProduct, error)
	ListProducts(ctx context.Context) ([]model.CanonicalProduct, error)
	UpdateProduct(ctx context.Context, p *model.CanonicalProduct) error
	DeleteProduct(ctx context.Context, id int64) error

	CreateRule(ctx context.Context, r *model.MappingRule) error
	GetRule(ctx context.Context, id int64) (*model.MappingRule, error)
	ListRules(ctx context.Context, onlyActive bool) ([]model.MappingRule, error)
	UpdateRule(ctx context.Context, r *model.MappingRule) error
	DeleteRule(ctx context.Context, id int64) error

	InsertClassificationLog(ctx context.Context, l *model.ClassificationLog) error
	ListClassificationLogs(ctx context.Context, limit int) ([]model.ClassificationLog, error)

	Close() error
}
