// Package scraper drives the per-invoice extraction state machine:
// pending -> processing -> done|error. Each invoice is fetched and
// parsed independently; the only write of items is the single terminal
// update, so a crash mid-extraction never leaves a partial item set.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"nfce_reader/internal/extract"
	"nfce_reader/internal/storage"
)

// Receipt portals reject obvious non-browser clients.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

const fetchTimeout = 30 * time.Second

// Page payloads are small; 5 MiB is already generous for a receipt.
const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Scraper fetches submitted NFC-e pages and persists extraction outcomes.
type Scraper struct {
	store         storage.Storage
	client        HTTPClient
	log           *slog.Logger
	maxConcurrent int
}

// New creates a Scraper. maxConcurrent bounds the number of invoices
// fetched in parallel during a dispatch; values below 1 fall back to 1.
func New(store storage.Storage, client HTTPClient, maxConcurrent int, log *slog.Logger) *Scraper {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Scraper{
		store:         store,
		client:        client,
		log:           log,
		maxConcurrent: maxConcurrent,
	}
}

// ValidateURL reports whether a submitted URL looks like an NFC-e
// receipt link. Anything else is rejected before any state is created.
func ValidateURL(url string) error {
	if !strings.Contains(url, "nfce") && !strings.Contains(url, "sefaz") {
		return fmt.Errorf("invalid NFC-e URL format")
	}
	return nil
}

// DispatchPending schedules one extraction task per pending invoice
// and returns the scheduled count without waiting for the tasks. The
// tasks run on a pool bounded by maxConcurrent.
func (s *Scraper) DispatchPending(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingInvoices(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending invoices: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(pending))
	for i, inv := range pending {
		ids[i] = inv.ID
	}

	go func() {
		g := &errgroup.Group{}
		g.SetLimit(s.maxConcurrent)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				s.ExtractOne(ctx, id)
				return nil
			})
		}
		_ = g.Wait()
	}()

	return len(ids), nil
}

// ExtractOne runs the full fetch-extract-persist cycle for one
// invoice. It is a no-op when the invoice does not exist, and safe to
// re-invoke after an error outcome: the same steps simply run again.
func (s *Scraper) ExtractOne(ctx context.Context, invoiceID int64) {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Error("load invoice", "invoice_id", invoiceID, "error", err)
		return
	}

	if err := s.store.MarkInvoiceProcessing(ctx, invoiceID); err != nil {
		s.log.Error("mark processing", "invoice_id", invoiceID, "error", err)
		return
	}

	html, err := s.fetch(ctx, inv.URL)
	if err != nil {
		s.log.Warn("fetch receipt", "invoice_id", invoiceID, "url", inv.URL, "error", err)
		s.fail(ctx, invoiceID, err.Error())
		return
	}

	res, err := extract.Extract(html)
	if err != nil {
		s.log.Warn("extract receipt", "invoice_id", invoiceID, "error", err)
		s.fail(ctx, invoiceID, err.Error())
		return
	}

	out := storage.ExtractionOutcome{
		EmissionAt:      res.EmissionAt,
		EmissionRaw:     res.EmissionRaw,
		Issuer:          res.Issuer,
		TotalAmount:     res.TotalAmount,
		TotalAmountText: res.TotalAmountText,
		Items:           res.Items,
	}
	if err := s.store.CompleteInvoice(ctx, invoiceID, out); err != nil {
		s.log.Error("complete invoice", "invoice_id", invoiceID, "error", err)
		return
	}
	s.log.Info("invoice extracted", "invoice_id", invoiceID, "items", len(res.Items), "total", res.TotalAmountText)
}

func (s *Scraper) fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

func (s *Scraper) fail(ctx context.Context, invoiceID int64, message string) {
	if err := s.store.FailInvoice(ctx, invoiceID, message); err != nil {
		s.log.Error("fail invoice", "invoice_id", invoiceID, "error", err)
	}
}
