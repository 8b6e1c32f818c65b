package flow

import (
	"errors"
	"fmt"

	"github.com/raine/fractal-trader-bot/internal/llm"
)

// State is the presentation mode of one analysis session.
type State int

const (
	StateIdle State = iota
	StateAnalyzing
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAnalyzing:
		return "analyzing"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Snapshot is the complete presentation state. Result is set only in
// StateSuccess and ErrorMessage only in StateError.
type Snapshot struct {
	State        State
	Result       *llm.AnalysisResult
	ErrorMessage string
	// ErrorCode is the internal code of the failure, for logs and the API.
	ErrorCode string
	// Attempt increases with every accepted upload.
	Attempt uint64
}

// Chart returns the current analysis or nil.
func (s Snapshot) Chart() *llm.ChartAnalysis {
	if s.Result == nil {
		return nil
	}
	return s.Result.Chart
}

// EventKind identifies what happened to a session.
type EventKind int

const (
	EventFileSelected EventKind = iota + 1
	EventAnalysisSucceeded
	EventAnalysisFailed
	EventReset
	EventDismiss
)

func (k EventKind) String() string {
	switch k {
	case EventFileSelected:
		return "file_selected"
	case EventAnalysisSucceeded:
		return "analysis_succeeded"
	case EventAnalysisFailed:
		return "analysis_failed"
	case EventReset:
		return "reset"
	case EventDismiss:
		return "dismiss"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is an input to Transition. Attempt must be set on completion events.
type Event struct {
	Kind    EventKind
	Attempt uint64
	Result  *llm.AnalysisResult
	Err     error
}

var (
	// ErrBusy is returned when a file is selected while an analysis is running.
	ErrBusy = errors.New("analysis already in progress")
	// ErrInvalidTransition is returned for events that do not apply to the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStaleAttempt is returned for completions of an attempt that was reset or replaced.
	ErrStaleAttempt = errors.New("stale analysis attempt")
)

// Transition applies ev to s and returns the next snapshot. On error the
// returned snapshot equals s.
func Transition(s Snapshot, ev Event) (Snapshot, error) {
	switch ev.Kind {
	case EventFileSelected:
		if s.State == StateAnalyzing {
			return s, ErrBusy
		}
		return Snapshot{State: StateAnalyzing, Attempt: s.Attempt + 1}, nil

	case EventAnalysisSucceeded:
		if s.State != StateAnalyzing || ev.Attempt != s.Attempt {
			return s, fmt.Errorf("%w: attempt %d, current %d in %s", ErrStaleAttempt, ev.Attempt, s.Attempt, s.State)
		}
		var err error
		if ev.Result == nil {
			err = &llm.MalformedResponseError{Reason: "empty result"}
		} else {
			err = ev.Result.Chart.Validate()
		}
		if err != nil {
			return failed(s.Attempt, err), nil
		}
		return Snapshot{State: StateSuccess, Result: ev.Result, Attempt: s.Attempt}, nil

	case EventAnalysisFailed:
		if s.State != StateAnalyzing || ev.Attempt != s.Attempt {
			return s, fmt.Errorf("%w: attempt %d, current %d in %s", ErrStaleAttempt, ev.Attempt, s.Attempt, s.State)
		}
		return failed(s.Attempt, ev.Err), nil

	case EventReset:
		return Snapshot{State: StateIdle, Attempt: s.Attempt}, nil

	case EventDismiss:
		if s.State != StateError {
			return s, fmt.Errorf("%w: dismiss in %s", ErrInvalidTransition, s.State)
		}
		return Snapshot{State: StateIdle, Attempt: s.Attempt}, nil

	default:
		return s, fmt.Errorf("%w: unknown event %s", ErrInvalidTransition, ev.Kind)
	}
}

func failed(attempt uint64, err error) Snapshot {
	return Snapshot{
		State:        StateError,
		ErrorMessage: UserMessage(err),
		ErrorCode:    ErrorCode(err),
		Attempt:      attempt,
	}
}
