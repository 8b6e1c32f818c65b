package llm

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/rs/zerolog/log"
)

var analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fractal_analyses_total",
	Help: "Chart analyses by provider and outcome code",
}, []string{"provider", "outcome"})

var analysisDurationHist = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "fractal_analysis_duration_seconds",
	Help:    "Wall time of chart analysis calls",
	Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
}, []string{"provider"})

var analysisCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fractal_analysis_cost_usd_total",
	Help: "Estimated provider cost in USD",
}, []string{"provider"})

// UsageEntry is one analysis call in the usage ledger. Only counters are
// kept; images and results are never part of it.
type UsageEntry struct {
	ID           string
	TelegramID   int64
	Provider     string
	Model        string
	Outcome      string // internal error code, "ok" on success
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Latency      time.Duration
	CreatedAt    time.Time
}

// UsageRecorder persists usage ledger entries.
type UsageRecorder interface {
	RecordUsage(entry *UsageEntry) error
}

type userIDKey struct{}

// WithUserID attaches the requesting Telegram user to ctx for usage accounting.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func userIDFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey{}).(int64)
	return id
}

// RecordingAnalyzer wraps an Analyzer and records every call's outcome and
// usage. It never caches: each call reaches the inner analyzer.
type RecordingAnalyzer struct {
	inner    Analyzer
	recorder UsageRecorder
	provider string
	model    string
}

// NewRecordingAnalyzer creates a recording analyzer. recorder may be nil,
// in which case only metrics are kept.
func NewRecordingAnalyzer(inner Analyzer, recorder UsageRecorder, provider string) *RecordingAnalyzer {
	r := &RecordingAnalyzer{inner: inner, recorder: recorder, provider: provider}
	if m, ok := inner.(interface{ Model() string }); ok {
		r.model = m.Model()
	}
	return r
}

// AnalyzeChart implements the Analyzer interface with usage recording.
func (r *RecordingAnalyzer) AnalyzeChart(ctx context.Context, img ingest.Image) (*AnalysisResult, error) {
	start := time.Now()
	result, err := r.inner.AnalyzeChart(ctx, img)
	elapsed := time.Since(start)

	code := ErrorCode(err)
	entry := &UsageEntry{
		TelegramID: userIDFrom(ctx),
		Provider:   r.provider,
		Model:      r.model,
		Outcome:    code,
		Latency:    elapsed,
	}
	if result != nil {
		entry.Model = result.Model
		entry.setUsage(result.Usage)
	} else if spent, ok := UsageFromError(err); ok {
		entry.setUsage(spent)
	}

	analysesTotal.WithLabelValues(r.provider, code).Inc()
	analysisDurationHist.WithLabelValues(r.provider).Observe(elapsed.Seconds())
	analysisCostUSD.WithLabelValues(r.provider).Add(entry.CostUSD)

	if err != nil {
		log.Warn().
			Err(err).
			Str("provider", r.provider).
			Str("code", code).
			Int64("userId", entry.TelegramID).
			Dur("elapsed", elapsed).
			Msg("chart analysis failed")
	}

	// A missing credential never reached the provider, so there is nothing to bill.
	if r.recorder != nil && code != CodeMissingCredential {
		if recErr := r.recorder.RecordUsage(entry); recErr != nil {
			log.Warn().Err(recErr).Msg("failed to record analysis usage")
		}
	}

	return result, err
}

func (e *UsageEntry) setUsage(u Usage) {
	e.InputTokens = u.InputTokens
	e.OutputTokens = u.OutputTokens
	e.CostUSD = u.CostUSD
}

// Unwrap returns the wrapped analyzer.
func (r *RecordingAnalyzer) Unwrap() Analyzer {
	return r.inner
}
