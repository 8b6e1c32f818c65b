package llm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/raine/fractal-trader-bot/internal/ingest"
)

// ChartAnalysis is the structured verdict returned by the vision model.
// Values are never mutated after parsing.
type ChartAnalysis struct {
	DetectedModel       string  `json:"detectedModel"`
	KeyLevelObservation string  `json:"keyLevelObservation"`
	SMTStatus           string  `json:"smtStatus"`
	EntryTrigger        string  `json:"entryTrigger"`
	ConfidenceScore     float64 `json:"confidenceScore"`
	NextStep            string  `json:"nextStep"`
	Reasoning           string  `json:"reasoning"`
}

// ScoreTier buckets a confidence score for display.
type ScoreTier int

const (
	ScoreTierLow ScoreTier = iota
	ScoreTierMedium
	ScoreTierHigh
)

func (t ScoreTier) String() string {
	switch t {
	case ScoreTierHigh:
		return "high"
	case ScoreTierMedium:
		return "medium"
	default:
		return "low"
	}
}

// Validate checks the invariants that the response schema cannot express.
func (c *ChartAnalysis) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: no analysis", ErrMalformedResponse)
	}
	score := c.ConfidenceScore
	if math.IsNaN(score) || score < 0 || score > 100 {
		return &MalformedResponseError{Reason: fmt.Sprintf("confidenceScore %v outside [0,100]", score)}
	}
	return nil
}

// ScoreTier returns high for scores >= 70, medium for >= 40, low otherwise.
func (c *ChartAnalysis) ScoreTier() ScoreTier {
	switch {
	case c.ConfidenceScore >= 70:
		return ScoreTierHigh
	case c.ConfidenceScore >= 40:
		return ScoreTierMedium
	default:
		return ScoreTierLow
	}
}

// RoundedScore returns the confidence score rounded to the nearest integer.
func (c *ChartAnalysis) RoundedScore() int {
	return int(math.Round(c.ConfidenceScore))
}

// Usage contains token usage and cost information.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// AnalysisResult contains the chart analysis and call metadata.
type AnalysisResult struct {
	Chart    *ChartAnalysis
	Usage    Usage
	Provider string
	Model    string
	Latency  time.Duration
}

// Analyzer turns a chart image into a ChartAnalysis with one remote call.
type Analyzer interface {
	AnalyzeChart(ctx context.Context, img ingest.Image) (*AnalysisResult, error)
}

// AnalyzeBase64 decodes a base64 payload (optionally a data URL) and analyzes it.
func AnalyzeBase64(ctx context.Context, a Analyzer, payload string) (*AnalysisResult, error) {
	img, err := ingest.DecodeBase64(payload)
	if err != nil {
		return nil, err
	}
	return a.AnalyzeChart(ctx, img)
}
