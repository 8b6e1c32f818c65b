package bot

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// handleHistoryCommand lists the session's past analyses.
func (b *Bot) handleHistoryCommand(session *UserSession) {
	items := session.runner.History().List()
	if len(items) == 0 {
		session.reply(MsgHistoryEmpty)
		return
	}
	session.replyWithKeyboard(renderHistoryList(items), historyKeyboard(items))
}

// handleShowCommand shows the nth newest analysis.
func (b *Bot) handleShowCommand(session *UserSession, args []string) {
	if len(args) != 1 {
		session.reply(MsgShowUsage)
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		session.reply(MsgShowUsage)
		return
	}
	items := session.runner.History().List()
	if n < 1 || n > len(items) {
		session.reply(MsgHistoryNotFound)
		return
	}
	session.replyWithKeyboard(renderHistoryItem(items[n-1]), tgbotapi.InlineKeyboardMarkup{})
}

// handleHistoryCallback shows the item selected from the /history keyboard.
func (b *Bot) handleHistoryCallback(session *UserSession, query *tgbotapi.CallbackQuery) {
	id, err := uuid.Parse(strings.TrimPrefix(query.Data, "hist:"))
	if err != nil {
		session.reply(MsgHistoryNotFound)
		return
	}
	item, ok := session.runner.History().Get(id)
	if !ok {
		session.reply(MsgHistoryNotFound)
		return
	}
	session.replyWithKeyboard(renderHistoryItem(item), tgbotapi.InlineKeyboardMarkup{})
}
