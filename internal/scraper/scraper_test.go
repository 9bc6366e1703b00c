package scraper

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/h2non/gock"

	"nfce_reader/internal/model"
	"nfce_reader/internal/storage"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
}

func (m *mockTransport) Do(_ *http.Request) (*http.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func newTestScraper(t *testing.T, client HTTPClient) (*Scraper, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, client, 2, log), store
}

func submitInvoice(t *testing.T, store storage.Storage, url string) *model.Invoice {
	t.Helper()
	inv := &model.Invoice{OwnerID: 1, URL: url}
	if err := store.CreateInvoice(context.Background(), inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	return inv
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "nfce in path", url: "https://www.fazenda.pr.gov.br/nfce/qrcode?p=abc"},
		{name: "sefaz host", url: "https://www.sefaz.rs.gov.br/consulta?p=abc"},
		{name: "plain shop link", url: "https://example.com/receipt/123", wantErr: true},
		{name: "empty", url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestExtractOneSuccess(t *testing.T) {
	html := loadFixture(t, "../../testdata/nfce_full.html")
	s, store := newTestScraper(t, &mockTransport{body: html, statusCode: 200})
	inv := submitInvoice(t, store, "https://www.sefaz.rs.gov.br/nfce/consulta?p=123")

	s.ExtractOne(context.Background(), inv.ID)

	got, err := store.GetInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != model.StatusDone {
		t.Fatalf("status = %q, want done (error: %q)", got.Status, got.ErrorMessage)
	}
	if len(got.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(got.Items))
	}
	if got.Issuer != "MERCADO EXEMPLO LTDA" {
		t.Errorf("issuer = %q", got.Issuer)
	}
	if got.TotalAmountText != "R$ 33,44" {
		t.Errorf("total text = %q", got.TotalAmountText)
	}
	if got.LastRunAt == nil {
		t.Error("last run not stamped")
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message = %q, want empty", got.ErrorMessage)
	}
}

func TestExtractOneFailures(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
		wantMsg   string
	}{
		{
			name:      "page without items",
			transport: &mockTransport{body: "<html><body><p>vazio</p></body></html>", statusCode: 200},
			wantMsg:   "items container not found",
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantMsg:   "unexpected status 404",
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantMsg:   "http get",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := newTestScraper(t, tt.transport)
			inv := submitInvoice(t, store, "https://www.sefaz.rs.gov.br/nfce/consulta?p=123")

			s.ExtractOne(context.Background(), inv.ID)

			got, err := store.GetInvoice(context.Background(), inv.ID)
			if err != nil {
				t.Fatalf("get invoice: %v", err)
			}
			if got.Status != model.StatusError {
				t.Fatalf("status = %q, want error", got.Status)
			}
			if !strings.Contains(got.ErrorMessage, tt.wantMsg) {
				t.Errorf("error message = %q, want substring %q", got.ErrorMessage, tt.wantMsg)
			}
		})
	}
}

func TestExtractOneMissingInvoice(t *testing.T) {
	s, store := newTestScraper(t, &mockTransport{statusCode: 200})

	// Must be a silent no-op.
	s.ExtractOne(context.Background(), 9999)

	pending, err := store.ListPendingInvoices(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
}

func TestRetryAfterError(t *testing.T) {
	html := loadFixture(t, "../../testdata/nfce_full.html")
	transport := &mockTransport{err: io.ErrUnexpectedEOF}
	s, store := newTestScraper(t, transport)
	inv := submitInvoice(t, store, "https://www.sefaz.rs.gov.br/nfce/consulta?p=123")

	s.ExtractOne(context.Background(), inv.ID)
	got, err := store.GetInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != model.StatusError {
		t.Fatalf("status = %q, want error", got.Status)
	}

	// The portal recovers; a retry runs the same cycle to completion.
	transport.err = nil
	transport.body = html
	transport.statusCode = 200
	if err := store.ResetInvoice(context.Background(), inv.ID); err != nil {
		t.Fatalf("reset invoice: %v", err)
	}
	s.ExtractOne(context.Background(), inv.ID)

	got, err = store.GetInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != model.StatusDone {
		t.Fatalf("status = %q, want done (error: %q)", got.Status, got.ErrorMessage)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message = %q, want cleared", got.ErrorMessage)
	}
}

func TestDispatchPending(t *testing.T) {
	html := loadFixture(t, "../../testdata/nfce_full.html")
	s, store := newTestScraper(t, &mockTransport{body: html, statusCode: 200})
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		inv := submitInvoice(t, store, "https://www.sefaz.rs.gov.br/nfce/consulta?p=123")
		ids = append(ids, inv.ID)
	}

	n, err := s.DispatchPending(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 3 {
		t.Fatalf("dispatched = %d, want 3", n)
	}

	// Extraction runs asynchronously; poll until every invoice reaches a
	// terminal state.
	deadline := time.Now().Add(5 * time.Second)
	for {
		allDone := true
		for _, id := range ids {
			inv, err := store.GetInvoice(ctx, id)
			if err != nil {
				t.Fatalf("get invoice: %v", err)
			}
			if inv.Status != model.StatusDone {
				allDone = false
			}
		}
		if allDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("invoices did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Nothing left pending; a second dispatch schedules no work.
	n, err = s.DispatchPending(ctx)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if n != 0 {
		t.Fatalf("second dispatch scheduled %d, want 0", n)
	}
}

func TestFetchAgainstInterceptedServer(t *testing.T) {
	defer gock.Off()
	gock.New("https://www.sefaz.rs.gov.br").
		Get("/nfce/consulta").
		Reply(503).
		BodyString("em manutencao")

	client := &http.Client{}
	gock.InterceptClient(client)

	s, store := newTestScraper(t, client)
	inv := submitInvoice(t, store, "https://www.sefaz.rs.gov.br/nfce/consulta?p=123")

	s.ExtractOne(context.Background(), inv.ID)

	got, err := store.GetInvoice(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != model.StatusError {
		t.Fatalf("status = %q, want error", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "unexpected status 503") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if !gock.IsDone() {
		t.Error("intercepted request was not performed")
	}
}
