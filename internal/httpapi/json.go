package httpapi

import (
	"time"

	"github.com/raine/fractal-trader-bot/internal/flow"
	"github.com/raine/fractal-trader-bot/internal/llm"
)

type errorJSON struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type usageJSON struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	CostUSD      float64 `json:"costUsd"`
}

type resultJSON struct {
	Analysis  *llm.ChartAnalysis `json:"analysis"`
	Score     int                `json:"score"`
	Tier      string             `json:"tier"`
	Provider  string             `json:"provider"`
	Model     string             `json:"model"`
	Usage     usageJSON          `json:"usage"`
	LatencyMs int64              `json:"latencyMs"`
}

type stateJSON struct {
	State   string      `json:"state"`
	Attempt uint64      `json:"attempt"`
	Result  *resultJSON `json:"result,omitempty"`
	Error   *errorJSON  `json:"error,omitempty"`
}

type historyJSON struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	MIMEType  string      `json:"mimeType"`
	Size      int         `json:"size"`
	Image     string      `json:"image,omitempty"`
	Result    *resultJSON `json:"result"`
}

func newResultJSON(res *llm.AnalysisResult) *resultJSON {
	if res == nil || res.Chart == nil {
		return nil
	}
	return &resultJSON{
		Analysis: res.Chart,
		Score:    res.Chart.RoundedScore(),
		Tier:     res.Chart.ScoreTier().String(),
		Provider: res.Provider,
		Model:    res.Model,
		Usage: usageJSON{
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			TotalTokens:  res.Usage.TotalTokens,
			CostUSD:      res.Usage.CostUSD,
		},
		LatencyMs: res.Latency.Milliseconds(),
	}
}

func newStateJSON(snap flow.Snapshot) stateJSON {
	out := stateJSON{
		State:   snap.State.String(),
		Attempt: snap.Attempt,
	}
	switch snap.State {
	case flow.StateSuccess:
		out.Result = newResultJSON(snap.Result)
	case flow.StateError:
		out.Error = &errorJSON{Message: snap.ErrorMessage, Code: snap.ErrorCode}
	}
	return out
}

// newHistoryJSON converts item; the image is only embedded as a data URL
// when withImage is set.
func newHistoryJSON(item flow.HistoryItem, withImage bool) historyJSON {
	out := historyJSON{
		ID:        item.ID.String(),
		Timestamp: item.Timestamp,
		MIMEType:  item.Image.MIMEType,
		Size:      len(item.Image.Data),
		Result:    newResultJSON(item.Result),
	}
	if withImage {
		out.Image = item.Image.DataURL()
	}
	return out
}
