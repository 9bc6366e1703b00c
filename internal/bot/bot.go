// Package bot implements the Telegram command surface: receipt link
// submission, catalog management, and manual pipeline triggers. The
// chat ID doubles as the owner identity for every stored record.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"nfce_reader/internal/classifier"
	"nfce_reader/internal/config"
	"nfce_reader/internal/pricing"
	"nfce_reader/internal/scraper"
	"nfce_reader/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot handles user commands over Telegram long polling.
type Bot struct {
	api     telegramAPI
	store   storage.Storage
	scraper *scraper.Scraper
	engine  *classifier.Engine
	pricing *pricing.Aggregator
	cfg     *config.Config
	log     *slog.Logger
}

// New creates a Bot with the given Telegram token and collaborators.
func New(token string, store storage.Storage, sc *scraper.Scraper, eng *classifier.Engine, agg *pricing.Aggregator, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:     api,
		store:   store,
		scraper: sc,
		engine:  eng,
		pricing: agg,
		cfg:     cfg,
		log:     log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "add":
		b.handleAdd(ctx, chatID, args)
	case "list":
		b.handleList(ctx, chatID)
	case "invoice":
		b.handleInvoice(ctx, chatID, args)
	case "remove":
		b.handleRemove(ctx, chatID, args)
	case "retry":
		b.handleRetry(ctx, chatID, args)
	case "run":
		b.handleRun(ctx, chatID)
	case "sync":
		b.handleSync(ctx, chatID, args)
	case "classify":
		b.handleClassify(ctx, chatID, args)
	case "unclassified":
		b.handleUnclassified(ctx, chatID)
	case "misses":
		b.handleMisses(ctx, chatID)
	case "assign":
		b.handleAssign(ctx, chatID, args)
	case "products":
		b.handleProducts(ctx, chatID)
	case "addproduct":
		b.handleAddProduct(ctx, chatID, args)
	case "rmproduct":
		b.handleRmProduct(ctx, chatID, args)
	case "rules":
		b.handleRules(ctx, chatID)
	case "addrule":
		b.handleAddRule(ctx, chatID, args)
	case "togglerule":
		b.handleToggleRule(ctx, chatID, args)
	case "rmrule":
		b.handleRmRule(ctx, chatID, args)
	case "trend":
		b.handleTrend(ctx, chatID, args)
	case "stores":
		b.handleStores(ctx, chatID, args)
	case "monthly":
		b.handleMonthly(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
