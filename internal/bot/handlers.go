package bot

import (
	"context"
	"errors"
	"fmt"

	"nfce_reader/internal/model"
	"nfce_reader/internal/scraper"
	"nfce_reader/internal/storage"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to the NFC-e reader!

Submit links to Brazilian retail receipts and get your purchases
extracted, classified, and priced over time.

Quick start:
1. /add <url> — submit an NFC-e receipt link
2. /run — process pending receipts now
3. /sync then /classify — flatten and classify the line items

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Receipts:
/add <url> — submit an NFC-e receipt link
/list — show all submitted receipts
/invoice <id> — receipt details and extracted items
/remove <id> — delete a receipt
/retry <id> — re-submit a failed or done receipt
/run — process pending receipts now

Classification:
/sync [all] — flatten items of done receipts (all = reprocess everything)
/classify [n] — classify up to n unclassified items (default 200)
/unclassified — summary of the unclassified backlog
/misses — recent classification misses
/assign <item_id> <product_id|none> — manual override

Catalog:
/products — list canonical products
/addproduct <name>; <unit>[; <detail>] — create a canonical product
/rmproduct <id> — delete a canonical product
/rules — list mapping rules
/addrule <product_id> <exact|contains|regex> [-u u1,u2] [-p prio] <pattern> — create a rule
/togglerule <id> — enable/disable a rule
/rmrule <id> — delete a rule

Prices:
/trend <product_id> <unit> — daily price trend
/stores <product_id> <unit> — price comparison across stores
/monthly <product_id> <unit> [months] — monthly averages`)
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /add <url>")
		return
	}
	if err := scraper.ValidateURL(args); err != nil {
		b.reply(chatID, "That does not look like an NFC-e link (it must contain \"nfce\" or \"sefaz\").")
		return
	}

	inv := &model.Invoice{OwnerID: chatID, URL: args}
	if err := b.store.CreateInvoice(ctx, inv); err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to save receipt: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Receipt #%d queued. It will be processed on the next run, or use /run now.", inv.ID))
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	invoices, err := b.store.ListInvoices(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatInvoiceList(invoices))
}

func (b *Bot) handleInvoice(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /invoice <id>")
		return
	}
	inv, err := b.ownedInvoice(ctx, chatID, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Receipt #%d not found.", id))
		return
	}
	b.reply(chatID, FormatInvoice(inv))
}

func (b *Bot) handleRemove(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /remove <id>")
		return
	}
	if _, err := b.ownedInvoice(ctx, chatID, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Receipt #%d not found.", id))
		return
	}
	if err := b.store.DeleteInvoice(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error deleting receipt: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Receipt #%d deleted.", id))
}

func (b *Bot) handleRetry(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /retry <id>")
		return
	}
	if _, err := b.ownedInvoice(ctx, chatID, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Receipt #%d not found.", id))
		return
	}
	if err := b.store.ResetInvoice(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Receipt #%d re-queued.", id))
}

func (b *Bot) handleRun(ctx context.Context, chatID int64) {
	count, err := b.scraper.DispatchPending(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if count == 0 {
		b.reply(chatID, "No pending receipts to process.")
		return
	}
	b.reply(chatID, fmt.Sprintf("Started processing %d receipt(s).", count))
}

func (b *Bot) handleSync(ctx context.Context, chatID int64, args string) {
	reprocessAll := args == "all"
	res, err := b.engine.SyncItems(ctx, chatID, reprocessAll)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Items synced: %d inserted, %d deleted.", res.Inserted, res.Deleted))
}

func (b *Bot) handleClassify(ctx context.Context, chatID int64, args string) {
	size := 0
	if args != "" {
		n, err := ParseIDArg(args)
		if err != nil {
			b.reply(chatID, "Usage: /classify [batch_size]")
			return
		}
		size = int(n)
	}
	res, err := b.engine.ClassifyBatch(ctx, chatID, size)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Classified %d of %d item(s); %d left unmatched.",
		res.Classified, res.Processed, res.Failed))
}

func (b *Bot) handleUnclassified(ctx context.Context, chatID int64) {
	sum, err := b.engine.UnclassifiedSummary(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatSummary(sum))
}

func (b *Bot) handleMisses(ctx context.Context, chatID int64) {
	logs, err := b.store.ListClassificationLogs(ctx, 20)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatMisses(logs))
}

func (b *Bot) handleAssign(ctx context.Context, chatID int64, args string) {
	itemID, productID, err := ParseAssignArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	item, err := b.store.GetInvoiceItem(ctx, itemID)
	if err != nil || item.OwnerID != chatID {
		b.reply(chatID, fmt.Sprintf("Item %d not found.", itemID))
		return
	}
	if productID != nil {
		if _, err := b.store.GetProduct(ctx, *productID); err != nil {
			b.reply(chatID, fmt.Sprintf("Product %d not found.", *productID))
			return
		}
	}
	if err := b.store.AssignItemProduct(ctx, itemID, productID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if productID == nil {
		b.reply(chatID, fmt.Sprintf("Item %d cleared; it will be re-classified.", itemID))
		return
	}
	b.reply(chatID, fmt.Sprintf("Item %d assigned to product %d.", itemID, *productID))
}

func (b *Bot) handleProducts(ctx context.Context, chatID int64) {
	products, err := b.store.ListProducts(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatProductList(products))
}

func (b *Bot) handleAddProduct(ctx context.Context, chatID int64, args string) {
	p, err := ParseAddProductArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if err := b.store.CreateProduct(ctx, p); err != nil {
		if errors.Is(err, storage.ErrDuplicateProduct) {
			b.reply(chatID, fmt.Sprintf("A product named %q with unit %s already exists.", p.BaseName, p.Unit))
			return
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Product P%d %q (%s) created.", p.ID, p.BaseName, p.Unit))
}

func (b *Bot) handleRmProduct(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmproduct <id>")
		return
	}
	if _, err := b.store.GetProduct(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Product %d not found.", id))
		return
	}
	if err := b.store.DeleteProduct(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Product %d deleted.", id))
}

func (b *Bot) handleRules(ctx context.Context, chatID int64) {
	rules, err := b.store.ListRules(ctx, false)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatRuleList(rules))
}

func (b *Bot) handleAddRule(ctx context.Context, chatID int64, args string) {
	r, err := ParseAddRuleArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if _, err := b.store.GetProduct(ctx, r.TargetProductID); err != nil {
		b.reply(chatID, fmt.Sprintf("Product %d not found.", r.TargetProductID))
		return
	}
	if err := b.store.CreateRule(ctx, r); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Rule R%d created: %s %q -> product %d (priority %d).",
		r.ID, r.MatchType, r.Pattern, r.TargetProductID, r.Priority))
}

func (b *Bot) handleToggleRule(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /togglerule <id>")
		return
	}
	r, err := b.store.GetRule(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Rule %d not found.", id))
		return
	}
	r.Active = !r.Active
	if err := b.store.UpdateRule(ctx, r); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	state := "disabled"
	if r.Active {
		state = "enabled"
	}
	b.reply(chatID, fmt.Sprintf("Rule R%d %s.", id, state))
}

func (b *Bot) handleRmRule(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmrule <id>")
		return
	}
	if _, err := b.store.GetRule(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Rule %d not found.", id))
		return
	}
	if err := b.store.DeleteRule(ctx, id); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Rule R%d deleted.", id))
}

func (b *Bot) handleTrend(ctx context.Context, chatID int64, args string) {
	q, _, err := ParsePricingArgs(args, chatID)
	if err != nil {
		b.reply(chatID, "Usage: /trend <product_id> <unit>")
		return
	}
	points, err := b.pricing.ProductTrend(ctx, q)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatPoints("Daily prices", points))
}

func (b *Bot) handleStores(ctx context.Context, chatID int64, args string) {
	q, _, err := ParsePricingArgs(args, chatID)
	if err != nil {
		b.reply(chatID, "Usage: /stores <product_id> <unit>")
		return
	}
	prices, err := b.pricing.CompareStores(ctx, q)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatStorePrices(prices))
}

func (b *Bot) handleMonthly(ctx context.Context, chatID int64, args string) {
	q, months, err := ParsePricingArgs(args, chatID)
	if err != nil {
		b.reply(chatID, "Usage: /monthly <product_id> <unit> [months]")
		return
	}
	points, err := b.pricing.MonthlyAverages(ctx, q, months)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatPoints("Monthly prices", points))
}

// ownedInvoice loads an invoice and enforces the owner check; callers
// report any failure as "not found" to avoid leaking other owners'
// receipt IDs.
func (b *Bot) ownedInvoice(ctx context.Context, chatID, id int64) (*model.Invoice, error) {
	inv, err := b.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.OwnerID != chatID {
		return nil, storage.ErrNotFound
	}
	return inv, nil
}
