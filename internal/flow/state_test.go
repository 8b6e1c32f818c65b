package flow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/raine/fractal-trader-bot/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validResult() *llm.AnalysisResult {
	return &llm.AnalysisResult{
		Chart: &llm.ChartAnalysis{
			DetectedModel:       "External to Internal",
			KeyLevelObservation: "Swept PWL",
			SMTStatus:           "Bearish SMT",
			EntryTrigger:        "Candle 2 closure",
			ConfidenceScore:     75,
			NextStep:            "Limit order at 50% EQ",
			Reasoning:           "Two-stage SMT confirmed",
		},
		Provider: llm.ProviderGemini,
	}
}

func TestTransition_HappyPath(t *testing.T) {
	s := Snapshot{}
	assert.Equal(t, StateIdle, s.State)

	s, err := Transition(s, Event{Kind: EventFileSelected})
	require.NoError(t, err)
	assert.Equal(t, StateAnalyzing, s.State)
	assert.Equal(t, uint64(1), s.Attempt)

	s, err = Transition(s, Event{Kind: EventAnalysisSucceeded, Attempt: 1, Result: validResult()})
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, s.State)
	assert.Equal(t, 75.0, s.Chart().ConfidenceScore)
	assert.Empty(t, s.ErrorMessage)

	s, err = Transition(s, Event{Kind: EventReset})
	require.NoError(t, err)
	assert.Equal(t, Snapshot{State: StateIdle, Attempt: 1}, s)
}

func TestTransition_FailureClearsResult(t *testing.T) {
	s := Snapshot{State: StateAnalyzing, Attempt: 3}
	s, err := Transition(s, Event{Kind: EventAnalysisFailed, Attempt: 3, Err: errors.New("connection reset")})
	require.NoError(t, err)
	assert.Equal(t, StateError, s.State)
	assert.Nil(t, s.Result)
	assert.Equal(t, MessageAnalysisFailed, s.ErrorMessage)
	assert.Equal(t, llm.CodeUnknown, s.ErrorCode)
}

func TestTransition_FileReadFailure(t *testing.T) {
	s := Snapshot{State: StateAnalyzing, Attempt: 1}
	s, err := Transition(s, Event{Kind: EventAnalysisFailed, Attempt: 1, Err: fmt.Errorf("%w: truncated", ingest.ErrFileRead)})
	require.NoError(t, err)
	assert.Equal(t, MessageFileRead, s.ErrorMessage)
	assert.Equal(t, llm.CodeFileRead, s.ErrorCode)
}

func TestTransition_InvalidChartBecomesError(t *testing.T) {
	bad := validResult()
	bad.Chart.ConfidenceScore = 140

	for _, result := range []*llm.AnalysisResult{bad, nil, {}} {
		s, err := Transition(Snapshot{State: StateAnalyzing, Attempt: 1}, Event{Kind: EventAnalysisSucceeded, Attempt: 1, Result: result})
		require.NoError(t, err)
		assert.Equal(t, StateError, s.State)
		assert.Nil(t, s.Result)
		assert.Equal(t, llm.CodeMalformedResponse, s.ErrorCode)
	}
}

func TestTransition_NewUploadImpliesReset(t *testing.T) {
	for _, from := range []Snapshot{
		{State: StateSuccess, Result: validResult(), Attempt: 4},
		{State: StateError, ErrorMessage: MessageAnalysisFailed, ErrorCode: llm.CodeTimeout, Attempt: 4},
	} {
		s, err := Transition(from, Event{Kind: EventFileSelected})
		require.NoError(t, err)
		assert.Equal(t, Snapshot{State: StateAnalyzing, Attempt: 5}, s, from.State.String())
	}
}

func TestTransition_BusyWhileAnalyzing(t *testing.T) {
	s := Snapshot{State: StateAnalyzing, Attempt: 2}
	next, err := Transition(s, Event{Kind: EventFileSelected})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, s, next)
	assert.Equal(t, CodeBusy, ErrorCode(err))
}

func TestTransition_StaleCompletions(t *testing.T) {
	tests := []struct {
		name string
		s    Snapshot
		ev   Event
	}{
		{"older attempt", Snapshot{State: StateAnalyzing, Attempt: 2}, Event{Kind: EventAnalysisSucceeded, Attempt: 1, Result: validResult()}},
		{"after reset", Snapshot{State: StateIdle, Attempt: 2}, Event{Kind: EventAnalysisFailed, Attempt: 2, Err: errors.New("late")}},
		{"after success", Snapshot{State: StateSuccess, Result: validResult(), Attempt: 2}, Event{Kind: EventAnalysisFailed, Attempt: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := Transition(tt.s, tt.ev)
			assert.ErrorIs(t, err, ErrStaleAttempt)
			assert.Equal(t, tt.s, next)
		})
	}
}

func TestTransition_ResetIsIdempotent(t *testing.T) {
	for _, s := range []Snapshot{
		{},
		{State: StateAnalyzing, Attempt: 1},
		{State: StateSuccess, Result: validResult(), Attempt: 1},
		{State: StateError, ErrorMessage: MessageFileRead, ErrorCode: llm.CodeFileRead, Attempt: 1},
	} {
		once, err := Transition(s, Event{Kind: EventReset})
		require.NoError(t, err)
		twice, err := Transition(once, Event{Kind: EventReset})
		require.NoError(t, err)

		assert.Equal(t, StateIdle, once.State)
		assert.Nil(t, once.Result)
		assert.Empty(t, once.ErrorMessage)
		assert.Empty(t, once.ErrorCode)
		assert.Equal(t, once, twice)
	}
}

func TestTransition_Dismiss(t *testing.T) {
	s, err := Transition(Snapshot{State: StateError, ErrorMessage: MessageAnalysisFailed, Attempt: 1}, Event{Kind: EventDismiss})
	require.NoError(t, err)
	assert.Equal(t, Snapshot{State: StateIdle, Attempt: 1}, s)

	for _, st := range []State{StateIdle, StateAnalyzing, StateSuccess} {
		_, err := Transition(Snapshot{State: st}, Event{Kind: EventDismiss})
		assert.ErrorIs(t, err, ErrInvalidTransition, st.String())
	}

	_, err = Transition(Snapshot{}, Event{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResultAndErrorAreExclusive(t *testing.T) {
	s := Snapshot{}
	events := []Event{
		{Kind: EventFileSelected},
		{Kind: EventAnalysisSucceeded, Attempt: 1, Result: validResult()},
		{Kind: EventFileSelected},
		{Kind: EventAnalysisFailed, Attempt: 2, Err: errors.New("boom")},
		{Kind: EventFileSelected},
		{Kind: EventAnalysisSucceeded, Attempt: 3, Result: validResult()},
		{Kind: EventReset},
	}
	for _, ev := range events {
		var err error
		s, err = Transition(s, ev)
		require.NoError(t, err)
		assert.False(t, s.Result != nil && s.ErrorMessage != "", "state %s has both result and error", s.State)
		assert.Equal(t, s.Result != nil, s.State == StateSuccess)
		assert.Equal(t, s.ErrorMessage != "", s.State == StateError)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "analyzing", StateAnalyzing.String())
	assert.Equal(t, "success", StateSuccess.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}
