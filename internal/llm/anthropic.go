package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/rs/zerolog/log"
)

const (
	// AnthropicAPIKeyEnv holds the Anthropic credential. It is read on every call.
	AnthropicAPIKeyEnv = "ANTHROPIC_API_KEY"

	DefaultAnthropicModel = "claude-sonnet-4-5"
	anthropicMaxTokens    = 2048
)

type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicAnalyzer uses the Anthropic Messages API. The schema is enforced
// by instruction and by strict parsing.
type AnthropicAnalyzer struct {
	model      string
	credential func() string
	newClient  func(apiKey string) messageCreator
}

// NewAnthropicAnalyzer creates an Anthropic-based analyzer.
// It uses the ANTHROPIC_API_KEY environment variable for authentication.
func NewAnthropicAnalyzer(model string) *AnthropicAnalyzer {
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicAnalyzer{
		model:      model,
		credential: func() string { return os.Getenv(AnthropicAPIKeyEnv) },
		newClient: func(apiKey string) messageCreator {
			client := anthropic.NewClient(option.WithAPIKey(apiKey))
			return &client.Messages
		},
	}
}

// Model returns the Anthropic model name.
func (a *AnthropicAnalyzer) Model() string {
	return a.model
}

// AnalyzeChart implements the Analyzer interface using Anthropic.
func (a *AnthropicAnalyzer) AnalyzeChart(ctx context.Context, img ingest.Image) (*AnalysisResult, error) {
	apiKey := strings.TrimSpace(a.credential())
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrMissingCredential, AnthropicAPIKeyEnv)
	}

	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = ingest.DefaultMIMEType
	}

	start := time.Now()
	message, err := a.newClient(apiKey).New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: SystemInstruction + "\n" + schemaInstruction()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mimeType, img.Base64()),
				anthropic.NewTextBlock(UserInstruction),
			),
		},
	})
	latency := time.Since(start)
	if err != nil {
		return nil, remoteCallError("anthropic", fmt.Errorf("failed to create message: %w", err))
	}

	usage := Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
		TotalTokens:  message.Usage.InputTokens + message.Usage.OutputTokens,
	}
	usage.CostUSD = calculateCost(a.model, usage.InputTokens, usage.OutputTokens)

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, billed(&MalformedResponseError{Reason: "no text content in Anthropic response"}, usage)
	}

	chart, err := ParseChartAnalysis(text)
	if err != nil {
		return nil, billed(err, usage)
	}

	log.Info().
		Str("model", a.model).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Dur("latency", latency).
		Msg("vision llm call")

	return &AnalysisResult{
		Chart:    chart,
		Usage:    usage,
		Provider: ProviderAnthropic,
		Model:    a.model,
		Latency:  latency,
	}, nil
}
