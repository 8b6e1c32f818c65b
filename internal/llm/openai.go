package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const (
	// OpenAIAPIKeyEnv holds the OpenAI credential. It is read on every call.
	OpenAIAPIKeyEnv = "OPENAI_API_KEY"

	DefaultOpenAIModel = "gpt-5.2"
	openaiMaxTokens    = 4096
)

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIAnalyzer uses OpenAI chat completions with a strict JSON schema.
type OpenAIAnalyzer struct {
	model      string
	baseURL    string
	credential func() string
	newClient  func(apiKey, baseURL string) chatCompleter
}

// NewOpenAIAnalyzer creates an OpenAI-based analyzer.
// It uses the OPENAI_API_KEY environment variable for authentication.
func NewOpenAIAnalyzer(model string) *OpenAIAnalyzer {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIAnalyzer{
		model:      model,
		credential: func() string { return os.Getenv(OpenAIAPIKeyEnv) },
		newClient: func(apiKey, baseURL string) chatCompleter {
			cfg := openai.DefaultConfig(apiKey)
			if baseURL != "" {
				cfg.BaseURL = baseURL
			}
			return openai.NewClientWithConfig(cfg)
		},
	}
}

// Model returns the OpenAI model name.
func (o *OpenAIAnalyzer) Model() string {
	return o.model
}

func openAIChartSchema() *jsonschema.Definition {
	properties := make(map[string]jsonschema.Definition, len(ChartFields))
	for _, f := range ChartFields {
		typ := jsonschema.String
		if f.Type == FieldNumber {
			typ = jsonschema.Number
		}
		properties[f.Name] = jsonschema.Definition{Type: typ, Description: f.Description}
	}
	return &jsonschema.Definition{
		Type:                 jsonschema.Object,
		Properties:           properties,
		Required:             chartFieldNames(),
		AdditionalProperties: false,
	}
}

// isReasoningModel reports whether the model takes MaxCompletionTokens.
func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// AnalyzeChart implements the Analyzer interface using OpenAI.
func (o *OpenAIAnalyzer) AnalyzeChart(ctx context.Context, img ingest.Image) (*AnalysisResult, error) {
	apiKey := strings.TrimSpace(o.credential())
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrMissingCredential, OpenAIAPIKeyEnv)
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemInstruction},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    img.DataURL(),
							Detail: openai.ImageURLDetailHigh,
						},
					},
					{Type: openai.ChatMessagePartTypeText, Text: UserInstruction},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "chart_analysis",
				Schema: openAIChartSchema(),
				Strict: true,
			},
		},
	}
	if isReasoningModel(o.model) {
		req.MaxCompletionTokens = openaiMaxTokens
	} else {
		req.MaxTokens = openaiMaxTokens
	}

	start := time.Now()
	resp, err := o.newClient(apiKey, o.baseURL).CreateChatCompletion(ctx, req)
	latency := time.Since(start)
	if err != nil {
		return nil, remoteCallError("openai", fmt.Errorf("failed to create chat completion: %w", err))
	}

	usage := Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:  int64(resp.Usage.TotalTokens),
	}
	usage.CostUSD = calculateCost(o.model, usage.InputTokens, usage.OutputTokens)

	if len(resp.Choices) == 0 {
		return nil, billed(&MalformedResponseError{Reason: "no response from OpenAI"}, usage)
	}

	chart, err := ParseChartAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, billed(err, usage)
	}

	log.Info().
		Str("model", o.model).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Dur("latency", latency).
		Msg("vision llm call")

	return &AnalysisResult{
		Chart:    chart,
		Usage:    usage,
		Provider: ProviderOpenAI,
		Model:    o.model,
		Latency:  latency,
	}, nil
}
