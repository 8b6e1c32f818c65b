package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAnalyzer struct {
	calls  int
	result *AnalysisResult
	err    error
}

func (s *stubAnalyzer) AnalyzeChart(ctx context.Context, img ingest.Image) (*AnalysisResult, error) {
	s.calls++
	return s.result, s.err
}

func (s *stubAnalyzer) Model() string { return "stub-model" }

type memRecorder struct {
	entries []*UsageEntry
	err     error
}

func (m *memRecorder) RecordUsage(entry *UsageEntry) error {
	m.entries = append(m.entries, entry)
	return m.err
}

func TestRecordingAnalyzer_RecordsSuccess(t *testing.T) {
	inner := &stubAnalyzer{result: &AnalysisResult{
		Chart: &canonicalChart,
		Usage: Usage{InputTokens: 10, OutputTokens: 20, CostUSD: 0.01},
		Model: "served-model",
	}}
	rec := &memRecorder{}
	r := NewRecordingAnalyzer(inner, rec, ProviderGemini)

	ctx := WithUserID(context.Background(), 42)
	result, err := r.AnalyzeChart(ctx, testImage())
	require.NoError(t, err)
	assert.Same(t, inner.result, result)

	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	assert.Equal(t, int64(42), e.TelegramID)
	assert.Equal(t, ProviderGemini, e.Provider)
	assert.Equal(t, "served-model", e.Model)
	assert.Equal(t, CodeOK, e.Outcome)
	assert.Equal(t, int64(10), e.InputTokens)
	assert.Equal(t, int64(20), e.OutputTokens)
	assert.Equal(t, 0.01, e.CostUSD)
}

func TestRecordingAnalyzer_NeverCaches(t *testing.T) {
	inner := &stubAnalyzer{result: &AnalysisResult{Chart: &canonicalChart}}
	r := NewRecordingAnalyzer(inner, nil, ProviderGemini)

	for i := 0; i < 3; i++ {
		_, err := r.AnalyzeChart(context.Background(), testImage())
		require.NoError(t, err)
	}
	assert.Equal(t, 3, inner.calls)
}

func TestRecordingAnalyzer_RecordsFailures(t *testing.T) {
	inner := &stubAnalyzer{err: &MalformedResponseError{Missing: []string{"reasoning"}}}
	rec := &memRecorder{}
	r := NewRecordingAnalyzer(inner, rec, ProviderOpenAI)

	_, err := r.AnalyzeChart(context.Background(), testImage())
	assert.True(t, errors.Is(err, ErrMalformedResponse))
	require.Len(t, rec.entries, 1)
	assert.Equal(t, CodeMalformedResponse, rec.entries[0].Outcome)
	assert.Equal(t, "stub-model", rec.entries[0].Model)
}

func TestRecordingAnalyzer_RecordsBilledFailure(t *testing.T) {
	inner := &stubAnalyzer{err: billed(
		&MalformedResponseError{Reason: "invalid JSON"},
		Usage{InputTokens: 800, OutputTokens: 40, CostUSD: 0.002},
	)}
	rec := &memRecorder{}
	r := NewRecordingAnalyzer(inner, rec, ProviderGemini)

	result, err := r.AnalyzeChart(context.Background(), testImage())
	assert.Nil(t, result)
	assert.Equal(t, CodeMalformedResponse, ErrorCode(err))

	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	assert.Equal(t, CodeMalformedResponse, e.Outcome)
	assert.Equal(t, int64(800), e.InputTokens)
	assert.Equal(t, int64(40), e.OutputTokens)
	assert.Equal(t, 0.002, e.CostUSD)
}

func TestRecordingAnalyzer_SkipsMissingCredential(t *testing.T) {
	inner := &stubAnalyzer{err: fmt.Errorf("%w: GEMINI_API_KEY is not set", ErrMissingCredential)}
	rec := &memRecorder{}
	r := NewRecordingAnalyzer(inner, rec, ProviderGemini)

	_, err := r.AnalyzeChart(context.Background(), testImage())
	assert.True(t, errors.Is(err, ErrMissingCredential))
	assert.Empty(t, rec.entries)
}

func TestRecordingAnalyzer_RecorderErrorDoesNotFailCall(t *testing.T) {
	inner := &stubAnalyzer{result: &AnalysisResult{Chart: &canonicalChart}}
	rec := &memRecorder{err: errors.New("disk full")}
	r := NewRecordingAnalyzer(inner, rec, ProviderGemini)

	result, err := r.AnalyzeChart(context.Background(), testImage())
	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Same(t, inner, r.Unwrap())
}

func TestNewAnalyzer(t *testing.T) {
	a, err := NewAnalyzer("", "")
	require.NoError(t, err)
	assert.IsType(t, &GeminiAnalyzer{}, a)

	a, err = NewAnalyzer(" OpenAI ", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", a.(*OpenAIAnalyzer).Model())

	a, err = NewAnalyzer(ProviderAnthropic, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultAnthropicModel, a.(*AnthropicAnalyzer).Model())

	_, err = NewAnalyzer("mistral", "")
	assert.ErrorContains(t, err, "unknown provider")

	assert.Equal(t, OpenAIAPIKeyEnv, CredentialEnv(ProviderOpenAI))
	assert.Equal(t, GeminiAPIKeyEnv, CredentialEnv(ProviderGemini))
}
