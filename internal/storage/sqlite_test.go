package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"nfce_reader/internal/model"
)

func newTestStorage(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInvoiceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	inv := &model.Invoice{OwnerID: 42, URL: "https://www.sefaz.rs.gov.br/nfce/consulta?p=123"}
	if err := s.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if inv.ID == 0 {
		t.Fatal("invoice ID not populated")
	}
	if inv.Status != model.StatusPending {
		t.Fatalf("status = %q, want pending", inv.Status)
	}

	pending, err := s.ListPendingInvoices(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != inv.ID {
		t.Fatalf("pending = %+v, want single invoice %d", pending, inv.ID)
	}

	if err := s.MarkInvoiceProcessing(ctx, inv.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	got, err := s.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != model.StatusProcessing {
		t.Fatalf("status = %q, want processing", got.Status)
	}
	if got.LastRunAt == nil {
		t.Fatal("last run not stamped")
	}

	emission := time.Date(2025, 10, 2, 23, 42, 38, 0, time.UTC)
	out := ExtractionOutcome{
		EmissionAt:      &emission,
		EmissionRaw:     "02/10/2025 20:42:38",
		Issuer:          "MERCADO EXEMPLO LTDA",
		TotalAmount:     33.44,
		TotalAmountText: "R$ 33,44",
		Items: []model.RawItem{
			{Name: "BANANA PRATA", Quantity: "0,646", Unit: "KG", UnitPrice: "7,99", TotalPrice: "5,16"},
			{Name: "LEITE INTEGRAL 1L", Quantity: "2", Unit: "UN", UnitPrice: "4,69", TotalPrice: "9,38"},
		},
	}
	if err := s.CompleteInvoice(ctx, inv.ID, out); err != nil {
		t.Fatalf("complete invoice: %v", err)
	}

	got, err = s.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != model.StatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
	if got.Issuer != out.Issuer || got.TotalAmountText != out.TotalAmountText {
		t.Fatalf("metadata mismatch: %+v", got)
	}
	if got.TotalAmount == nil || *got.TotalAmount != out.TotalAmount {
		t.Fatalf("total amount = %v", got.TotalAmount)
	}
	if got.EmissionAt == nil || !got.EmissionAt.Equal(emission) {
		t.Fatalf("emission = %v, want %v", got.EmissionAt, emission)
	}
	if diff := cmp.Diff(out.Items, got.Items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}

	// A rerun completing with fewer items must fully replace the old set.
	out.Items = out.Items[:1]
	if err := s.CompleteInvoice(ctx, inv.ID, out); err != nil {
		t.Fatalf("complete invoice again: %v", err)
	}
	got, err = s.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if len(got.Items) != 1 {
		t.Fatalf("items = %d, want 1 after replace", len(got.Items))
	}
}

func TestFailAndResetInvoice(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	inv := &model.Invoice{OwnerID: 7, URL: "https://nfce.fazenda.sp.gov.br/qrcode?p=456"}
	if err := s.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if err := s.FailInvoice(ctx, inv.ID, "fetch receipt: connection refused"); err != nil {
		t.Fatalf("fail invoice: %v", err)
	}

	got, err := s.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != model.StatusError {
		t.Fatalf("status = %q, want error", got.Status)
	}
	if got.ErrorMessage != "fetch receipt: connection refused" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}

	if err := s.ResetInvoice(ctx, inv.ID); err != nil {
		t.Fatalf("reset invoice: %v", err)
	}
	got, err = s.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Fatalf("status = %q, want pending after reset", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("error message = %q, want cleared", got.ErrorMessage)
	}
}

func TestDeleteInvoiceRemovesItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	inv := &model.Invoice{OwnerID: 1, URL: "https://sefaz.example/nfce/1"}
	if err := s.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	out := ExtractionOutcome{Items: []model.RawItem{{Name: "A", Quantity: "1", UnitPrice: "1,00", TotalPrice: "1,00"}}}
	if err := s.CompleteInvoice(ctx, inv.ID, out); err != nil {
		t.Fatalf("complete invoice: %v", err)
	}
	if _, _, err := s.ReplaceInvoiceItems(ctx, inv.ID, []model.InvoiceItem{
		{InvoiceID: inv.ID, OwnerID: 1, Name: "A", Quantity: "1", Classification: model.StatusUnclassified},
	}); err != nil {
		t.Fatalf("replace items: %v", err)
	}

	if err := s.DeleteInvoice(ctx, inv.ID); err != nil {
		t.Fatalf("delete invoice: %v", err)
	}
	if _, err := s.GetInvoice(ctx, inv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted invoice: err = %v, want ErrNotFound", err)
	}
	items, err := s.ListUnclassifiedItems(ctx, 1, 0)
	if err != nil {
		t.Fatalf("list unclassified: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("items survived deletion: %+v", items)
	}
}

func TestListOwnerIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	for _, owner := range []int64{30, 10, 30, 20} {
		inv := &model.Invoice{OwnerID: owner, URL: "https://sefaz.example/nfce"}
		if err := s.CreateInvoice(ctx, inv); err != nil {
			t.Fatalf("create invoice: %v", err)
		}
	}

	got, err := s.ListOwnerIDs(ctx)
	if err != nil {
		t.Fatalf("list owners: %v", err)
	}
	if diff := cmp.Diff([]int64{10, 20, 30}, got); diff != "" {
		t.Errorf("owners mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceInvoiceItemsCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	inv := &model.Invoice{OwnerID: 5, URL: "https://sefaz.example/nfce/5"}
	if err := s.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	first := []model.InvoiceItem{
		{InvoiceID: inv.ID, OwnerID: 5, Name: "BANANA PRATA", Quantity: "0,646", Unit: "KG",
			NumericQuantity: 0.646, NumericUnitPrice: 7.99, NumericTotalPrice: 5.16,
			Classification: model.StatusUnclassified},
		{InvoiceID: inv.ID, OwnerID: 5, Name: "LEITE INTEGRAL 1L", Quantity: "2", Unit: "UN",
			NumericQuantity: 2, NumericUnitPrice: 4.69, NumericTotalPrice: 9.38,
			Classification: model.StatusUnclassified},
	}
	inserted, deleted, err := s.ReplaceInvoiceItems(ctx, inv.ID, first)
	if err != nil {
		t.Fatalf("replace items: %v", err)
	}
	if inserted != 2 || deleted != 0 {
		t.Fatalf("inserted/deleted = %d/%d, want 2/0", inserted, deleted)
	}

	inserted, deleted, err = s.ReplaceInvoiceItems(ctx, inv.ID, first[:1])
	if err != nil {
		t.Fatalf("replace items again: %v", err)
	}
	if inserted != 1 || deleted != 2 {
		t.Fatalf("inserted/deleted = %d/%d, want 1/2", inserted, deleted)
	}

	items, err := s.ListUnclassifiedItems(ctx, 5, 0)
	if err != nil {
		t.Fatalf("list unclassified: %v", err)
	}
	if len(items) != 1 || items[0].Name != "BANANA PRATA" {
		t.Fatalf("items = %+v", items)
	}
	if items[0].NumericUnitPrice != 7.99 {
		t.Fatalf("numeric unit price = %v", items[0].NumericUnitPrice)
	}

	byInvoice, err := s.ListInvoiceItems(ctx, inv.ID)
	if err != nil {
		t.Fatalf("list invoice items: %v", err)
	}
	if diff := cmp.Diff(items, byInvoice); diff != "" {
		t.Errorf("invoice items mismatch (-want +got):\n%s", diff)
	}
}

func TestListUnclassifiedItemsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	inv := &model.Invoice{OwnerID: 9, URL: "https://sefaz.example/nfce/9"}
	if err := s.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	var items []model.InvoiceItem
	for _, name := range []string{"A", "B", "C"} {
		items = append(items, model.InvoiceItem{
			InvoiceID: inv.ID, OwnerID: 9, Name: name, Classification: model.StatusUnclassified,
		})
	}
	if _, _, err := s.ReplaceInvoiceItems(ctx, inv.ID, items); err != nil {
		t.Fatalf("replace items: %v", err)
	}

	got, err := s.ListUnclassifiedItems(ctx, 9, 2)
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	got, err = s.ListUnclassifiedItems(ctx, 9, 0)
	if err != nil {
		t.Fatalf("list without limit: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
}

func TestMarkAndAssignItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	inv := &model.Invoice{OwnerID: 3, URL: "https://sefaz.example/nfce/3"}
	if err := s.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if _, _, err := s.ReplaceInvoiceItems(ctx, inv.ID, []model.InvoiceItem{
		{InvoiceID: inv.ID, OwnerID: 3, Name: "CAFE TORRADO 500G", Unit: "UN", Classification: model.StatusUnclassified},
	}); err != nil {
		t.Fatalf("replace items: %v", err)
	}
	unclassified, err := s.ListUnclassifiedItems(ctx, 3, 0)
	if err != nil || len(unclassified) != 1 {
		t.Fatalf("list unclassified: %v (%d items)", err, len(unclassified))
	}
	itemID := unclassified[0].ID

	product := &model.CanonicalProduct{BaseName: "Café", Unit: "UNIT"}
	if err := s.CreateProduct(ctx, product); err != nil {
		t.Fatalf("create product: %v", err)
	}

	if err := s.MarkItemClassified(ctx, itemID, product.ID, time.Now()); err != nil {
		t.Fatalf("mark classified: %v", err)
	}
	it, err := s.GetInvoiceItem(ctx, itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if it.Classification != model.StatusClassified {
		t.Fatalf("classification = %q", it.Classification)
	}
	if it.CanonicalProductID == nil || *it.CanonicalProductID != product.ID {
		t.Fatalf("product id = %v", it.CanonicalProductID)
	}
	if it.ClassifiedAt == nil {
		t.Fatal("classified at not stamped")
	}

	// Clearing the assignment re-opens the item.
	if err := s.AssignItemProduct(ctx, itemID, nil); err != nil {
		t.Fatalf("clear assignment: %v", err)
	}
	it, err = s.GetInvoiceItem(ctx, itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if it.Classification != model.StatusUnclassified {
		t.Fatalf("classification = %q, want unclassified", it.Classification)
	}
	if it.CanonicalProductID != nil {
		t.Fatalf("product id = %v, want nil", it.CanonicalProductID)
	}
	if it.ClassifiedAt != nil {
		t.Fatalf("classified at = %v, want nil", it.ClassifiedAt)
	}
}

func TestProductUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	p := &model.CanonicalProduct{BaseName: "Leite Integral", Unit: "L", UnitDetail: "1L"}
	if err := s.CreateProduct(ctx, p); err != nil {
		t.Fatalf("create product: %v", err)
	}

	dup := &model.CanonicalProduct{BaseName: "Leite Integral", Unit: "L"}
	if err := s.CreateProduct(ctx, dup); !errors.Is(err, ErrDuplicateProduct) {
		t.Fatalf("duplicate create: err = %v, want ErrDuplicateProduct", err)
	}

	// Same base name under a different unit is a distinct product.
	other := &model.CanonicalProduct{BaseName: "Leite Integral", Unit: "BOX"}
	if err := s.CreateProduct(ctx, other); err != nil {
		t.Fatalf("create with other unit: %v", err)
	}

	products, err := s.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("products = %d, want 2", len(products))
	}
}

func TestRuleOrderAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	p := &model.CanonicalProduct{BaseName: "Banana", Unit: "KG"}
	if err := s.CreateProduct(ctx, p); err != nil {
		t.Fatalf("create product: %v", err)
	}

	rules := []*model.MappingRule{
		{Pattern: "banana", MatchType: model.MatchContains, TargetProductID: p.ID, Priority: 50, Active: true},
		{Pattern: "banana prata", MatchType: model.MatchExact, TargetProductID: p.ID, Priority: 10, Active: true,
			UnitSynonyms: []string{"KG", "Quilo"}},
		{Pattern: "^banana", MatchType: model.MatchRegex, TargetProductID: p.ID, Priority: 10, Active: false},
	}
	for _, r := range rules {
		if err := s.CreateRule(ctx, r); err != nil {
			t.Fatalf("create rule %q: %v", r.Pattern, err)
		}
	}

	all, err := s.ListRules(ctx, false)
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	var order []string
	for _, r := range all {
		order = append(order, r.Pattern)
	}
	want := []string{"banana prata", "^banana", "banana"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("rule order mismatch (-want +got):\n%s", diff)
	}

	active, err := s.ListRules(ctx, true)
	if err != nil {
		t.Fatalf("list active rules: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active rules = %d, want 2", len(active))
	}

	got, err := s.GetRule(ctx, rules[1].ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if diff := cmp.Diff(rules[1], got, cmpopts.IgnoreFields(model.MappingRule{}, "CreatedAt")); diff != "" {
		t.Errorf("rule round trip mismatch (-want +got):\n%s", diff)
	}

	got.Active = false
	got.Priority = 99
	if err := s.UpdateRule(ctx, got); err != nil {
		t.Fatalf("update rule: %v", err)
	}
	reread, err := s.GetRule(ctx, got.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if reread.Active || reread.Priority != 99 {
		t.Fatalf("update not persisted: %+v", reread)
	}

	if err := s.DeleteRule(ctx, got.ID); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if _, err := s.GetRule(ctx, got.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted rule: err = %v, want ErrNotFound", err)
	}
}

func TestClassificationLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	for _, name := range []string{"A", "B", "C"} {
		l := &model.ClassificationLog{ItemID: 1, Reason: "no mapping rule matched", Name: name, Unit: "UN", Quantity: "1"}
		if err := s.InsertClassificationLog(ctx, l); err != nil {
			t.Fatalf("insert log: %v", err)
		}
	}

	logs, err := s.ListClassificationLogs(ctx, 2)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(logs))
	}
	// Newest first.
	if logs[0].Name != "C" || logs[1].Name != "B" {
		t.Fatalf("log order: %s, %s", logs[0].Name, logs[1].Name)
	}
}
