package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/raine/fractal-trader-bot/internal/ingest"
)

var (
	// ErrMissingCredential is returned before any network call when the
	// provider's API key is not present in the environment.
	ErrMissingCredential = errors.New("missing credential")
	// ErrRemoteCall covers transport and API failures of the provider call.
	ErrRemoteCall = errors.New("remote call failed")
	// ErrMalformedResponse is returned when the model output does not match the chart schema.
	ErrMalformedResponse = errors.New("malformed response")
)

// MalformedResponseError describes why a response was rejected.
type MalformedResponseError struct {
	Reason  string
	Missing []string
}

func (e *MalformedResponseError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: missing fields %s", ErrMalformedResponse, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("%s: %s", ErrMalformedResponse, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error {
	return ErrMalformedResponse
}

// BilledError is a failure that happened after the provider answered, so the
// call still consumed tokens.
type BilledError struct {
	Usage Usage
	Err   error
}

func (e *BilledError) Error() string {
	return e.Err.Error()
}

func (e *BilledError) Unwrap() error {
	return e.Err
}

func billed(err error, usage Usage) error {
	if usage == (Usage{}) {
		return err
	}
	return &BilledError{Usage: usage, Err: err}
}

// UsageFromError returns the usage carried by a failed call, if any.
func UsageFromError(err error) (Usage, bool) {
	var be *BilledError
	if errors.As(err, &be) {
		return be.Usage, true
	}
	return Usage{}, false
}

// Internal error codes used in logs and metrics.
const (
	CodeOK                = "ok"
	CodeFileRead          = "file_read"
	CodeMissingCredential = "missing_credential"
	CodeTimeout           = "timeout"
	CodeCanceled          = "canceled"
	CodeMalformedResponse = "malformed_response"
	CodeRemoteCall        = "remote_call"
	CodeUnknown           = "unknown"
)

// ErrorCode maps err to a stable internal code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ingest.ErrFileRead):
		return CodeFileRead
	case errors.Is(err, ErrMissingCredential):
		return CodeMissingCredential
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, ErrMalformedResponse):
		return CodeMalformedResponse
	case errors.Is(err, ErrRemoteCall):
		return CodeRemoteCall
	default:
		return CodeUnknown
	}
}

func remoteCallError(provider string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRemoteCall, provider, err)
}
