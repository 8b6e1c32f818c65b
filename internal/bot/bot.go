package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/raine/fractal-trader-bot/internal/llm"
	"github.com/raine/fractal-trader-bot/internal/storage"
	"github.com/rs/zerolog/log"
)

// BotAPI defines the interface for Telegram bot API operations.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Options configures the analysis side of the bot.
type Options struct {
	// Analyzers by provider name. Must contain DefaultProvider.
	Analyzers       map[string]llm.Analyzer
	DefaultProvider string
	Downloader      *ingest.Downloader
	MaxImageBytes   int64
	AnalysisTimeout time.Duration
	HistoryLimit    int
}

// Bot is the main Telegram bot handler.
type Bot struct {
	tg      BotAPI
	state   BotState
	store   storage.Store
	adminID int64

	analyzers       map[string]llm.Analyzer
	defaultProvider string
	downloader      *ingest.Downloader
	maxImageBytes   int64
	analysisTimeout time.Duration
	historyLimit    int
}

// NewBot creates a new Bot instance.
func NewBot(tg BotAPI, store storage.Store, adminID int64, opts Options) *Bot {
	bot := &Bot{
		tg:              tg,
		store:           store,
		adminID:         adminID,
		analyzers:       opts.Analyzers,
		defaultProvider: opts.DefaultProvider,
		downloader:      opts.Downloader,
		maxImageBytes:   opts.MaxImageBytes,
		analysisTimeout: opts.AnalysisTimeout,
		historyLimit:    opts.HistoryLimit,
	}
	if bot.defaultProvider == "" {
		bot.defaultProvider = llm.ProviderGemini
	}
	if bot.downloader == nil {
		bot.downloader = ingest.NewDownloader()
	}
	if bot.maxImageBytes <= 0 {
		bot.maxImageBytes = ingest.DefaultMaxImageSize
	}

	bot.state = bot.NewBotState()
	return bot
}

// analyzerFor returns the analyzer of provider.
func (b *Bot) analyzerFor(provider string) (llm.Analyzer, error) {
	if a, ok := b.analyzers[provider]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("provider %q is not configured", provider)
}

// availableProviders lists configured providers in their canonical order.
func (b *Bot) availableProviders() []string {
	var names []string
	for _, p := range llm.Providers {
		if _, ok := b.analyzers[p]; ok {
			names = append(names, p)
		}
	}
	return names
}

// HandleUpdate is the main message router.
// It dispatches messages to the appropriate session worker for sequential processing.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	b.dispatchUpdate(ctx, update, false)
}

// handleUpdateSync is like handleUpdate but waits for message processing to complete.
// Used in tests where we need synchronous behavior.
func (b *Bot) handleUpdateSync(ctx context.Context, update tgbotapi.Update) {
	b.dispatchUpdate(ctx, update, true)
}

// dispatchUpdate routes updates to the appropriate session worker.
// If sync is true, it waits for message processing to complete.
func (b *Bot) dispatchUpdate(ctx context.Context, update tgbotapi.Update, sync bool) {
	var userId int64

	// Determine user ID from the update
	if update.CallbackQuery != nil && update.CallbackQuery.From != nil {
		userId = update.CallbackQuery.From.ID
	} else if update.Message != nil && update.Message.From != nil {
		userId = update.Message.From.ID
	} else {
		return
	}

	// Check if user is allowed (admin always allowed)
	// MUST be before getUserSession to prevent memory exhaustion from random user IDs
	if userId != b.adminID {
		allowed, err := b.store.IsUserAllowed(userId)
		if err != nil {
			log.Error().Err(err).Int64("user_id", userId).Msg("whitelist check failed")
			return // Fail closed
		}
		if !allowed {
			return // Silent drop
		}
	}

	session, err := b.state.getUserSession(userId)
	if err != nil {
		log.Error().Err(err).Send()
		return
	}

	// Helper to send sync or async based on flag
	send := func(msg SessionMessage) {
		if sync {
			session.SendSync(msg)
		} else {
			session.Send(msg)
		}
	}

	// Dispatch to session worker based on update type
	if update.CallbackQuery != nil {
		send(SessionMessage{
			Type:          "callback",
			Ctx:           ctx,
			CallbackQuery: update.CallbackQuery,
		})
		return
	}

	if update.Message != nil {
		log.Info().Str("text", update.Message.Text).Str("caption", update.Message.Caption).Msg("got message")

		if len(update.Message.Photo) > 0 || update.Message.Document != nil {
			send(SessionMessage{
				Type:    "image",
				Ctx:     ctx,
				Message: update.Message,
			})
		} else {
			send(SessionMessage{
				Type:    "text",
				Ctx:     ctx,
				Message: update.Message,
			})
		}
	}
}

// HandleSessionMessage implements MessageHandler interface.
// This is called by the session worker goroutine for sequential processing.
// No mutex locking is needed here since only one goroutine accesses session state.
func (b *Bot) HandleSessionMessage(ctx context.Context, session *UserSession, msg SessionMessage) {
	switch msg.Type {
	case "callback":
		b.handleCallbackQuery(ctx, session, msg.CallbackQuery)
	case "image":
		b.handleImageMessage(ctx, session, msg.Message)
	case "text":
		b.handleTextMessage(ctx, session, msg.Message)
	case "analysis_settled":
		b.handleAnalysisSettled(session, *msg.Snapshot)
	}
}

// handleTextMessage processes text messages.
// Called from session worker - no locking needed.
func (b *Bot) handleTextMessage(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	if !strings.HasPrefix(message.Text, "/") {
		session.reply(MsgSendChart)
		return
	}
	b.handleCommand(ctx, session, message)
}

// handleCommand processes bot commands.
// Called from session worker - no locking needed.
func (b *Bot) handleCommand(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	command, args := parseCommand(message.Text)
	argsStr := strings.Join(args, " ")
	switch command {
	case "/start":
		session.reply(MsgStart)
	case "/reset":
		session.endTyping()
		session.runner.Reset()
		session.reply(MsgReadyForChart)
	case "/cancel":
		if !session.isAnalyzing() {
			session.reply(MsgNothingToCancel)
			return
		}
		session.endTyping()
		session.runner.Reset()
		session.reply(MsgAnalysisCancelled)
	case "/history":
		b.handleHistoryCommand(session)
	case "/show":
		b.handleShowCommand(session, args)
	case "/usage":
		b.handleUsageCommand(session)
	case "/provider":
		b.handleProviderCommand(session, argsStr)
	case "/admin":
		b.handleAdminCommand(session, argsStr)
	case "/version":
		session.reply(MsgVersionInfo, Version, BuildTime)
	default:
		session.reply(MsgSendChart)
	}
}

// handleCallbackQuery handles inline keyboard button presses.
// Called from session worker - no locking needed.
func (b *Bot) handleCallbackQuery(ctx context.Context, session *UserSession, query *tgbotapi.CallbackQuery) {
	// Answer the callback to remove the loading state
	callback := tgbotapi.NewCallback(query.ID, "")
	b.tg.Request(callback)

	switch {
	case strings.HasPrefix(query.Data, "flow:"):
		b.handleFlowCallback(session, query)
	case strings.HasPrefix(query.Data, "hist:"):
		b.handleHistoryCallback(session, query)
	}
}

// removeInlineKeyboard clears the buttons of the message a callback came from.
func (b *Bot) removeInlineKeyboard(query *tgbotapi.CallbackQuery) {
	if query.Message == nil {
		return
	}
	edit := tgbotapi.NewEditMessageReplyMarkup(
		query.Message.Chat.ID,
		query.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}},
	)
	b.tg.Request(edit)
}

// handleProviderCommand shows or changes the analysis provider.
func (b *Bot) handleProviderCommand(session *UserSession, arg string) {
	available := b.availableProviders()
	arg = strings.ToLower(strings.TrimSpace(arg))
	if arg == "" {
		session.reply(MsgProviderCurrent, session.Provider(), strings.Join(available, ", "))
		return
	}
	if _, ok := b.analyzers[arg]; !ok {
		session.reply(MsgProviderUnknown, escapeMarkdown(arg), strings.Join(available, ", "))
		return
	}
	if session.isAnalyzing() {
		session.reply(MsgProviderBusy)
		return
	}
	if b.store != nil {
		if err := b.store.SetPreferredProvider(session.userId, arg); err != nil {
			session.replyWithError(err)
			return
		}
	}
	session.SetProvider(arg)
	session.reply(MsgProviderChanged, arg)
}

// handleUsageCommand shows the caller's usage over the last 30 days.
func (b *Bot) handleUsageCommand(session *UserSession) {
	const days = 30
	summary, err := b.store.GetUsageSummary(time.Now().AddDate(0, 0, -days), session.userId)
	if err != nil {
		session.replyWithError(err)
		return
	}
	session.reply(MsgUsageSummary, days, summary.Calls, summary.Failures,
		summary.InputTokens, summary.OutputTokens, summary.CostUSD)
}

// Shutdown stops all session workers.
func (b *Bot) Shutdown() {
	b.state.Shutdown()
}

// RunSessionReaper stops sessions idle for maxIdle until ctx is cancelled.
func (b *Bot) RunSessionReaper(ctx context.Context, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	interval := maxIdle / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.state.reapIdleSessions(maxIdle); n > 0 {
				log.Info().Int("count", n).Msg("reaped idle sessions")
			}
		}
	}
}
