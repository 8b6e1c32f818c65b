package bot

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/fractal-trader-bot/internal/flow"
	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/rs/zerolog/log"
)

// chartFile returns the Telegram file to analyze from message: the largest
// photo size, or a document whose MIME type claims an image.
func chartFile(message *tgbotapi.Message) (fileID string, size int64, ok bool) {
	if len(message.Photo) > 0 {
		largest := message.Photo[0]
		for _, p := range message.Photo[1:] {
			if p.Width*p.Height > largest.Width*largest.Height {
				largest = p
			}
		}
		return largest.FileID, int64(largest.FileSize), true
	}
	if doc := message.Document; doc != nil && strings.HasPrefix(doc.MimeType, "image/") {
		return doc.FileID, int64(doc.FileSize), true
	}
	return "", 0, false
}

// handleImageMessage starts an analysis of the uploaded chart.
// Called from session worker - no locking needed.
func (b *Bot) handleImageMessage(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	fileID, size, ok := chartFile(message)
	if !ok {
		session.reply(MsgNotAnImage)
		return
	}
	if size > b.maxImageBytes {
		session.reply(MsgImageTooLarge, formatBytes(size), formatBytes(b.maxImageBytes))
		return
	}

	load := func(ctx context.Context) (ingest.Image, error) {
		return b.downloader.DownloadTelegramFile(ctx, b.tg.GetFileDirectURL, fileID)
	}

	snap, err := session.runner.Submit(ctx, load)
	if errors.Is(err, flow.ErrBusy) {
		log.Info().Int64("userId", session.userId).Msg("ignoring upload while analyzing")
		session.reply(MsgAnalysisInProgress)
		return
	} else if err != nil {
		session.replyWithError(err)
		return
	}

	log.Info().
		Int64("userId", session.userId).
		Uint64("attempt", snap.Attempt).
		Str("provider", session.Provider()).
		Msg("chart analysis submitted")

	session.reply(MsgAnalyzing)
	session.beginTyping()
}

// handleAnalysisSettled renders the outcome of an analysis.
// Called from session worker - no locking needed.
func (b *Bot) handleAnalysisSettled(session *UserSession, snap flow.Snapshot) {
	current := session.runner.Snapshot()
	if current.Attempt > snap.Attempt && snap.State == flow.StateSuccess {
		// A newer chart was accepted before this result was shown. The
		// typing indicator and the buttons belong to the newer attempt.
		log.Debug().
			Uint64("attempt", snap.Attempt).
			Uint64("current", current.Attempt).
			Msg("showing superseded analysis result")
		session.replyWithKeyboard(MsgResultHeaderSuperseded+renderAnalysis(snap.Result), tgbotapi.InlineKeyboardMarkup{})
		return
	}
	if current.Attempt != snap.Attempt || current.State != snap.State {
		// Reset or replaced while the message was queued
		log.Debug().Uint64("attempt", snap.Attempt).Msg("skipping outdated analysis result")
		return
	}
	session.endTyping()

	switch snap.State {
	case flow.StateSuccess:
		session.replyWithKeyboard(renderAnalysis(snap.Result), resultKeyboard())
	case flow.StateError:
		session.replyWithKeyboard(formatReplyText(MsgErrorNotification, snap.ErrorMessage), errorKeyboard())
	}
}

// handleFlowCallback handles the reset and dismiss buttons.
// Called from session worker - no locking needed.
func (b *Bot) handleFlowCallback(session *UserSession, query *tgbotapi.CallbackQuery) {
	b.removeInlineKeyboard(query)

	switch query.Data {
	case "flow:reset":
		if session.isAnalyzing() {
			// The button belongs to an older result; the running analysis stays
			return
		}
		session.runner.Reset()
		session.reply(MsgReadyForChart)
	case "flow:dismiss":
		if _, err := session.runner.Dismiss(); err != nil {
			log.Debug().Err(err).Int64("userId", session.userId).Msg("dismiss ignored")
			return
		}
		session.reply(MsgReadyForChart)
	}
}
