package bot

import (
	"fmt"
	"strings"

	"nfce_reader/internal/brl"
	"nfce_reader/internal/classifier"
	"nfce_reader/internal/model"
	"nfce_reader/internal/pricing"
)

// FormatInvoiceList formats a list of receipts for display.
func FormatInvoiceList(invoices []model.Invoice) string {
	if len(invoices) == 0 {
		return "You have no receipts yet. Use /add <url> to submit one."
	}
	var b strings.Builder
	b.WriteString("Your receipts:\n")
	for _, inv := range invoices {
		fmt.Fprintf(&b, "\n#%d [%s]", inv.ID, inv.Status)
		if inv.Issuer != "" {
			fmt.Fprintf(&b, " %s", inv.Issuer)
		}
		if inv.TotalAmountText != "" {
			fmt.Fprintf(&b, " — %s", inv.TotalAmountText)
		}
		b.WriteString("\n")
		if inv.Status == model.StatusError && inv.ErrorMessage != "" {
			fmt.Fprintf(&b, "   error: %s\n", inv.ErrorMessage)
		}
	}
	return b.String()
}

// FormatInvoice formats one receipt with its extracted items.
func FormatInvoice(inv *model.Invoice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d [%s]\n", inv.ID, inv.Status)
	fmt.Fprintf(&b, "URL: %s\n", inv.URL)
	if inv.Issuer != "" {
		fmt.Fprintf(&b, "Issuer: %s\n", inv.Issuer)
	}
	if inv.EmissionRaw != "" {
		fmt.Fprintf(&b, "Emission: %s\n", inv.EmissionRaw)
	}
	if inv.TotalAmountText != "" {
		fmt.Fprintf(&b, "Total: %s\n", inv.TotalAmountText)
	}
	if inv.LastRunAt != nil {
		fmt.Fprintf(&b, "Last run: %s\n", inv.LastRunAt.Format("2006-01-02 15:04 UTC"))
	}
	if inv.Status == model.StatusError && inv.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", inv.ErrorMessage)
	}
	if len(inv.Items) > 0 {
		fmt.Fprintf(&b, "\nItems (%d):\n", len(inv.Items))
		for _, it := range inv.Items {
			fmt.Fprintf(&b, "  %s — %s %s x %s = %s\n",
				it.Name, it.Quantity, it.Unit, it.UnitPrice, it.TotalPrice)
		}
	}
	return b.String()
}

// FormatProductList formats the canonical product catalog.
func FormatProductList(products []model.CanonicalProduct) string {
	if len(products) == 0 {
		return "No canonical products yet. Use /addproduct <name>; <unit> to create one."
	}
	var b strings.Builder
	b.WriteString("Canonical products:\n")
	for _, p := range products {
		fmt.Fprintf(&b, "  P%d %s (%s)", p.ID, p.BaseName, p.Unit)
		if p.UnitDetail != "" {
			fmt.Fprintf(&b, " — %s", p.UnitDetail)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatRuleList formats the mapping rules in evaluation order.
func FormatRuleList(rules []model.MappingRule) string {
	if len(rules) == 0 {
		return "No mapping rules yet. Use /addrule to create one."
	}
	var b strings.Builder
	b.WriteString("Mapping rules (evaluation order):\n")
	for _, r := range rules {
		state := "off"
		if r.Active {
			state = "on"
		}
		fmt.Fprintf(&b, "  R%d [%s, prio %d] %s %q -> P%d", r.ID, state, r.Priority, r.MatchType, r.Pattern, r.TargetProductID)
		if len(r.UnitSynonyms) > 0 {
			fmt.Fprintf(&b, " (units: %s)", strings.Join(r.UnitSynonyms, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatSummary formats the unclassified backlog summary.
func FormatSummary(sum *classifier.Summary) string {
	if sum.Count == 0 {
		return "No unclassified items. Nice."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d unclassified item(s).\n", sum.Count)
	if len(sum.ByIssuer) > 0 {
		b.WriteString("\nBy store:\n")
		for _, c := range sum.ByIssuer {
			fmt.Fprintf(&b, "  %s: %d\n", c.Label, c.N)
		}
	}
	if len(sum.CommonUnits) > 0 {
		b.WriteString("\nCommon units:\n")
		for _, c := range sum.CommonUnits {
			fmt.Fprintf(&b, "  %s: %d\n", c.Label, c.N)
		}
	}
	if len(sum.CommonTokens) > 0 {
		b.WriteString("\nCommon name tokens:\n")
		for i, c := range sum.CommonTokens {
			if i >= 15 {
				break
			}
			fmt.Fprintf(&b, "  %s: %d\n", c.Label, c.N)
		}
	}
	return b.String()
}

// FormatMisses formats recent classification miss records.
func FormatMisses(logs []model.ClassificationLog) string {
	if len(logs) == 0 {
		return "No classification misses logged."
	}
	var b strings.Builder
	b.WriteString("Recent classification misses:\n")
	for _, l := range logs {
		fmt.Fprintf(&b, "  item %d: %q (%s x %s) — %s\n", l.ItemID, l.Name, l.Quantity, l.Unit, l.Reason)
	}
	return b.String()
}

// FormatPoints formats a date-keyed price series.
func FormatPoints(title string, points []pricing.Point) string {
	if len(points) == 0 {
		return "No classified price data for that product and unit yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", title)
	for _, p := range points {
		fmt.Fprintf(&b, "  %s  %s\n", p.Key, brl.FormatCurrency(p.Value))
	}
	return b.String()
}

// FormatStorePrices formats a cheapest-first store comparison.
func FormatStorePrices(prices []pricing.StorePrice) string {
	if len(prices) == 0 {
		return "No classified price data for that product and unit yet."
	}
	var b strings.Builder
	b.WriteString("Stores, cheapest first:\n")
	for _, p := range prices {
		fmt.Fprintf(&b, "  %s  %s (%d sample(s))\n", p.Issuer, brl.FormatCurrency(p.Value), p.SampleSize)
	}
	return b.String()
}
