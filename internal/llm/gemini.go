package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const (
	// GeminiAPIKeyEnv holds the Gemini credential. It is read on every call.
	GeminiAPIKeyEnv = "GEMINI_API_KEY"

	DefaultGeminiModel   = "gemini-3-pro-preview"
	geminiThinkingBudget = 4000
)

// contentGenerator is the subset of *genai.Models used by GeminiAnalyzer.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiAnalyzer uses Google's Gemini API with a structured response schema.
type GeminiAnalyzer struct {
	model        string
	credential   func() string
	newGenerator func(ctx context.Context, apiKey string) (contentGenerator, error)

	mu           sync.Mutex
	generator    contentGenerator
	generatorKey string
}

// NewGeminiAnalyzer creates a Gemini-based analyzer. The client is created
// lazily so a missing GEMINI_API_KEY fails at call time, before any request.
func NewGeminiAnalyzer(model string) *GeminiAnalyzer {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiAnalyzer{
		model:        model,
		credential:   func() string { return os.Getenv(GeminiAPIKeyEnv) },
		newGenerator: newGenaiGenerator,
	}
}

func newGenaiGenerator(ctx context.Context, apiKey string) (contentGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client.Models, nil
}

// Model returns the Gemini model name.
func (g *GeminiAnalyzer) Model() string {
	return g.model
}

// generatorFor returns a client for apiKey, recreating it when the key rotates.
func (g *GeminiAnalyzer) generatorFor(ctx context.Context, apiKey string) (contentGenerator, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generator != nil && g.generatorKey == apiKey {
		return g.generator, nil
	}
	gen, err := g.newGenerator(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	g.generator = gen
	g.generatorKey = apiKey
	return gen, nil
}

// geminiChartSchema declares the seven required fields of a chart analysis.
func geminiChartSchema() *genai.Schema {
	properties := make(map[string]*genai.Schema, len(ChartFields))
	for _, f := range ChartFields {
		typ := genai.TypeString
		if f.Type == FieldNumber {
			typ = genai.TypeNumber
		}
		properties[f.Name] = &genai.Schema{Type: typ, Description: f.Description}
	}
	return &genai.Schema{
		Type:             genai.TypeObject,
		Properties:       properties,
		Required:         chartFieldNames(),
		PropertyOrdering: chartFieldNames(),
	}
}

func geminiConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemInstruction, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    geminiChartSchema(),
		ThinkingConfig: &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr[int32](geminiThinkingBudget),
		},
	}
}

// AnalyzeChart implements the Analyzer interface using Gemini.
func (g *GeminiAnalyzer) AnalyzeChart(ctx context.Context, img ingest.Image) (*AnalysisResult, error) {
	apiKey := strings.TrimSpace(g.credential())
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrMissingCredential, GeminiAPIKeyEnv)
	}

	gen, err := g.generatorFor(ctx, apiKey)
	if err != nil {
		return nil, remoteCallError("gemini", err)
	}

	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = ingest.DefaultMIMEType
	}
	parts := []*genai.Part{
		{InlineData: &genai.Blob{Data: img.Data, MIMEType: mimeType}},
		genai.NewPartFromText(UserInstruction),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	start := time.Now()
	result, err := gen.GenerateContent(ctx, g.model, contents, geminiConfig())
	latency := time.Since(start)
	if err != nil {
		return nil, remoteCallError("gemini", fmt.Errorf("failed to generate content: %w", err))
	}

	if result == nil {
		return nil, &MalformedResponseError{Reason: "no response from Gemini"}
	}

	usage := Usage{}
	if result.UsageMetadata != nil {
		usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount) + int64(result.UsageMetadata.ThoughtsTokenCount)
		usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
		usage.CostUSD = calculateCost(g.model, usage.InputTokens, usage.OutputTokens)
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil ||
		len(result.Candidates[0].Content.Parts) == 0 {
		return nil, billed(&MalformedResponseError{Reason: "no response from Gemini"}, usage)
	}

	chart, err := ParseChartAnalysis(result.Text())
	if err != nil {
		return nil, billed(err, usage)
	}

	log.Info().
		Str("model", g.model).
		Int("imageBytes", len(img.Data)).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Dur("latency", latency).
		Msg("vision llm call")

	return &AnalysisResult{
		Chart:    chart,
		Usage:    usage,
		Provider: ProviderGemini,
		Model:    g.model,
		Latency:  latency,
	}, nil
}
