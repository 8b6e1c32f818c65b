package flow

import (
	"errors"

	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/raine/fractal-trader-bot/internal/llm"
)

// User-facing failure messages. Every failure collapses into one of these.
const (
	MessageFileRead       = "Error reading file."
	MessageAnalysisFailed = "Failed to analyze the chart. Please ensure the image is clear and try again."
)

// CodeBusy is reported when an upload is ignored because one is in flight.
const CodeBusy = "busy"

// ErrorCode maps err to a stable internal code.
func ErrorCode(err error) string {
	if errors.Is(err, ErrBusy) {
		return CodeBusy
	}
	return llm.ErrorCode(err)
}

// UserMessage returns the message shown to the user for err. It is never empty.
func UserMessage(err error) string {
	if errors.Is(err, ingest.ErrFileRead) {
		return MessageFileRead
	}
	return MessageAnalysisFailed
}
