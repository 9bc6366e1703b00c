// Package model defines the domain types used across the application.
package model

import "time"

// InvoiceStatus is the lifecycle state of a submitted NFC-e link.
type InvoiceStatus string

// Invoice lifecycle states. Transitions are owned by the scraper:
// pending -> processing -> done|error. A retry resets a terminal
// state back to pending.
const (
	StatusPending    InvoiceStatus = "pending"
	StatusProcessing InvoiceStatus = "processing"
	StatusDone       InvoiceStatus = "done"
	StatusError      InvoiceStatus = "error"
)

// Invoice represents one submitted NFC-e receipt link.
type Invoice struct {
	ID              int64
	OwnerID         int64
	URL             string
	Status          InvoiceStatus
	LastRunAt       *time.Time
	EmissionAt      *time.Time
	EmissionRaw     string
	Issuer          string
	TotalAmount     *float64
	TotalAmountText string
	ErrorMessage    string
	Items           []RawItem
	CreatedAt       time.Time
}

// RawItem is one line item exactly as printed on the receipt page.
// The text fields are preserved verbatim for traceability.
type RawItem struct {
	Name       string
	Quantity   string
	Unit       string
	UnitPrice  string
	TotalPrice string
}

// ClassificationStatus marks whether an invoice item has been mapped
// to a canonical product.
type ClassificationStatus string

// Supported classification states.
const (
	StatusClassified   ClassificationStatus = "CLASSIFIED"
	StatusUnclassified ClassificationStatus = "UNCLASSIFIED"
)

// InvoiceItem is the flattened, independently queryable projection of
// one RawItem plus its invoice-level context.
type InvoiceItem struct {
	ID                 int64
	InvoiceID          int64
	OwnerID            int64
	EmissionAt         *time.Time
	Issuer             string
	Name               string
	Quantity           string
	Unit               string
	UnitPrice          string
	TotalPrice         string
	NumericQuantity    float64
	NumericUnitPrice   float64
	NumericTotalPrice  float64
	CanonicalProductID *int64
	Classification     ClassificationStatus
	ClassifiedAt       *time.Time
	CreatedAt          time.Time
}

// CanonicalProduct is a normalized, deduplicated product identity that
// multiple differently-worded raw item names can map to.
// No two products share the same (BaseName, Unit) pair.
type CanonicalProduct struct {
	ID         int64
	BaseName   string
	Unit       string
	UnitDetail string
	CreatedAt  time.Time
}

// MatchType defines how a mapping rule pattern is compared to an item name.
type MatchType string

// Supported match types.
const (
	MatchExact    MatchType = "exact"
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
)

// MappingRule translates raw item text into a canonical product
// reference. Rules are evaluated in (Priority, ID) order; the first
// matching active rule wins.
type MappingRule struct {
	ID              int64
	Pattern         string
	MatchType       MatchType
	TargetProductID int64
	UnitSynonyms    []string
	Priority        int
	Active          bool
	Notes           string
	CreatedAt       time.Time
}

// ClassificationLog is an append-only record of a classification
// attempt that matched no rule and no canonical fallback.
type ClassificationLog struct {
	ID        int64
	ItemID    int64
	Reason    string
	Name      string
	Unit      string
	Quantity  string
	CreatedAt time.Time
}
