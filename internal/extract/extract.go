// Package extract locates line items and invoice metadata in NFC-e
// receipt HTML. SEFAZ portals render the consumer receipt with a
// well-known item table (#tabResult) whose rows carry classed spans,
// but many state portals deviate from that markup, so extraction runs
// through a tier of progressively looser strategies.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"nfce_reader/internal/brl"
	"nfce_reader/internal/model"
)

// Selectors for the canonical SEFAZ consumer receipt markup.
const (
	containerSel = "#tabResult"
	itemRowSel   = `tr[id^=Item]`

	nameSel      = ".txtTit"
	quantitySel  = ".Rqtd"
	unitSel      = ".RUN"
	unitPriceSel = ".RvlUnit"
	totalSel     = ".valor"

	issuerSel = ".txtTopo"
)

var emissionRe = regexp.MustCompile(`Emiss[aã]o[^0-9]*(\d{2}/\d{2}/\d{4}(?:\s+\d{2}:\d{2}(?::\d{2})?)?)`)

// Result holds everything extracted from one receipt page.
type Result struct {
	Items           []model.RawItem
	EmissionAt      *time.Time
	EmissionRaw     string
	Issuer          string
	TotalAmount     float64
	TotalAmountText string
}

// Extract parses receipt HTML and returns the extracted line items and
// metadata. When no items can be located it returns a diagnostic error
// naming which tier failed, so selectors can be maintained against
// portal markup changes.
func Extract(html string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	container := doc.Find(containerSel)
	var items []model.RawItem

	if container.Length() > 0 {
		tagged := container.Find(itemRowSel)
		if tagged.Length() > 0 {
			items = itemsFromRows(tagged)
			if len(items) == 0 {
				return nil, fmt.Errorf("item rows found but required spans are empty (rows: %d)", tagged.Length())
			}
		} else {
			rows := container.Find("tbody tr")
			if rows.Length() == 0 {
				rows = container.Find("tr")
			}
			items = itemsFromRows(rows)
			if len(items) == 0 {
				return nil, fmt.Errorf("no rows matched expected item shape (rows: %d)", rows.Length())
			}
		}
	} else {
		items = itemsFromAnyTable(doc)
		if len(items) == 0 {
			return nil, fmt.Errorf("items container not found (tables: %d)", doc.Find("table").Length())
		}
	}

	res := &Result{Items: items}
	res.Issuer = strings.TrimSpace(doc.Find(issuerSel).First().Text())
	res.EmissionRaw, res.EmissionAt = findEmission(doc)

	var total float64
	for _, it := range items {
		total += brl.ParseAmount(brl.CleanNumber(it.TotalPrice))
	}
	res.TotalAmount = total
	res.TotalAmountText = brl.FormatCurrency(total)
	return res, nil
}

// itemsFromRows extracts one RawItem per row, preferring the classed
// spans and falling back to positional cells when a span is empty.
// A row is accepted only when name, quantity, and unit price are all
// non-empty after cleaning.
func itemsFromRows(rows *goquery.Selection) []model.RawItem {
	var items []model.RawItem
	rows.Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		name := fieldText(row, nameSel, cells, 0)
		quantity := brl.CleanNumber(fieldText(row, quantitySel, cells, 1))
		unit := brl.CleanUnit(fieldText(row, unitSel, cells, 2))
		unitPrice := brl.CleanNumber(fieldText(row, unitPriceSel, cells, 3))
		totalPrice := fieldText(row, totalSel, cells, 4)

		if name == "" || quantity == "" || unitPrice == "" {
			return
		}
		items = append(items, model.RawItem{
			Name:       name,
			Quantity:   quantity,
			Unit:       unit,
			UnitPrice:  unitPrice,
			TotalPrice: totalPrice,
		})
	})
	return items
}

// itemsFromAnyTable is the last-resort tier: scan every table on the
// page and take rows with at least five cells positionally.
func itemsFromAnyTable(doc *goquery.Document) []model.RawItem {
	var items []model.RawItem
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td")
			if cells.Length() < 5 {
				return
			}
			name := strings.TrimSpace(cells.Eq(0).Text())
			quantity := brl.CleanNumber(cells.Eq(1).Text())
			unit := brl.CleanUnit(cells.Eq(2).Text())
			unitPrice := brl.CleanNumber(cells.Eq(3).Text())
			totalPrice := strings.TrimSpace(cells.Eq(4).Text())

			if name == "" || quantity == "" || unitPrice == "" {
				return
			}
			items = append(items, model.RawItem{
				Name:       name,
				Quantity:   quantity,
				Unit:       unit,
				UnitPrice:  unitPrice,
				TotalPrice: totalPrice,
			})
		})
	})
	return items
}

// fieldText returns the text of the first element matching sel within
// row, falling back to the idx-th table cell when the span is absent
// or empty.
func fieldText(row *goquery.Selection, sel string, cells *goquery.Selection, idx int) string {
	if t := strings.TrimSpace(row.Find(sel).First().Text()); t != "" {
		return t
	}
	if idx < cells.Length() {
		return strings.TrimSpace(cells.Eq(idx).Text())
	}
	return ""
}

// findEmission searches for the "Emissão" label (the portal sometimes
// serves the misencoded "Emissao"), scoped first to the element
// holding the label, then over the whole page text.
func findEmission(doc *goquery.Document) (string, *time.Time) {
	var raw string
	doc.Find("div, li, span, p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := emissionRe.FindStringSubmatch(s.Text()); m != nil {
			raw = m[1]
			return false
		}
		return true
	})
	if raw == "" {
		if m := emissionRe.FindStringSubmatch(doc.Text()); m != nil {
			raw = m[1]
		}
	}
	if raw == "" {
		return "", nil
	}
	if t, ok := brl.ParseDateTime(raw); ok {
		return raw, &t
	}
	return raw, nil
}
