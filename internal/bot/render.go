package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/fractal-trader-bot/internal/flow"
	"github.com/raine/fractal-trader-bot/internal/llm"
)

func tierMarker(tier llm.ScoreTier) string {
	switch tier {
	case llm.ScoreTierHigh:
		return "🟢"
	case llm.ScoreTierMedium:
		return "🟡"
	default:
		return "🔴"
	}
}

// renderAnalysis formats a result as Telegram Markdown. Model output is escaped.
func renderAnalysis(result *llm.AnalysisResult) string {
	c := result.Chart
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s *Confidence Score: %d/100*\n", tierMarker(c.ScoreTier()), c.RoundedScore())
	fmt.Fprintf(&sb, "*Next Action:* %s\n\n", escapeMarkdown(c.NextStep))

	rows := []struct{ label, value string }{
		{"Detected Model", c.DetectedModel},
		{"Key Level", c.KeyLevelObservation},
		{"SMT Status", c.SMTStatus},
		{"Entry Trigger", c.EntryTrigger},
	}
	for _, row := range rows {
		fmt.Fprintf(&sb, "*%s:* %s\n", row.label, escapeMarkdown(row.value))
	}

	fmt.Fprintf(&sb, "\n*AI Reasoning*\n%s", escapeMarkdown(c.Reasoning))

	if result.Model != "" {
		fmt.Fprintf(&sb, "\n\n`%s · %d in / %d out · $%.4f · %.1fs`",
			result.Model,
			result.Usage.InputTokens,
			result.Usage.OutputTokens,
			result.Usage.CostUSD,
			result.Latency.Seconds(),
		)
	}
	return sb.String()
}

// renderHistoryList formats history items newest first, numbered from 1.
func renderHistoryList(items []flow.HistoryItem) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, MsgHistoryTitle, countNoun(len(items), "analysis", "analyses"))
	for i, item := range items {
		c := item.Result.Chart
		fmt.Fprintf(&sb, "%d. %s %s · %s *%d*\n",
			i+1,
			item.Timestamp.Format("Jan 2 15:04"),
			escapeMarkdown(c.DetectedModel),
			tierMarker(c.ScoreTier()),
			c.RoundedScore(),
		)
	}
	return sb.String()
}

func renderHistoryItem(item flow.HistoryItem) string {
	return fmt.Sprintf(MsgResultHeaderHistory, item.Timestamp.Format("Jan 2 15:04")) + renderAnalysis(item.Result)
}

func resultKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(BtnAnalyzeAnother, "flow:reset"),
		),
	)
}

func errorKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(BtnDismiss, "flow:dismiss"),
		),
	)
}

// historyKeyboard has one button per item, five per row.
func historyKeyboard(items []flow.HistoryItem) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i, item := range items {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(fmt.Sprint(i+1), "hist:"+item.ID.String()))
		if len(row) == 5 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// countNoun returns e.g. "1 analysis" or "3 analyses".
func countNoun(count int, singular, plural string) string {
	if count == 1 {
		return fmt.Sprintf("%d %s", count, singular)
	}
	return fmt.Sprintf("%d %s", count, plural)
}
