package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/raine/fractal-trader-bot/config"
	"github.com/raine/fractal-trader-bot/internal/flow"
	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/raine/fractal-trader-bot/internal/llm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// newAnalyzer is replaced in tests.
var newAnalyzer = llm.NewAnalyzer

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type options struct {
	provider string
	model    string
	json     bool
	timeout  time.Duration
}

// providerOutcome is the result of one provider; exactly one of Result and
// Err is set.
type providerOutcome struct {
	Provider string
	Result   *llm.AnalysisResult
	Err      error
}

func main() {
	config.LoadEnvFile()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:   "analyze-chart <image>",
		Short: "Analyze a trading chart screenshot with a vision model",
		Long: `Analyze a trading chart screenshot with a vision model.

The API key of each provider is read from its environment variable:
  GEMINI_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.provider, "provider", "p", llm.ProviderGemini,
		fmt.Sprintf("provider to use (%s or all)", strings.Join(llm.Providers, ", ")))
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model override (single provider only)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print results as JSON")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", flow.DefaultTimeout, "deadline of each analysis")

	return cmd
}

func runAnalyze(ctx context.Context, out io.Writer, path string, opts options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	providers := []string{opts.provider}
	if opts.provider == "all" {
		providers = llm.Providers
		if opts.model != "" {
			return fmt.Errorf("--model cannot be combined with --provider all")
		}
	}

	analyzers := make([]llm.Analyzer, len(providers))
	for i, p := range providers {
		a, err := newAnalyzer(p, opts.model)
		if err != nil {
			return err
		}
		analyzers[i] = a
	}

	img, err := ingest.ReadFile(path)
	if err != nil {
		return err
	}

	outcomes := make([]providerOutcome, len(providers))
	var g errgroup.Group
	for i := range providers {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()
			result, err := analyzers[i].AnalyzeChart(callCtx, img)
			// One failing provider must not cancel the others.
			outcomes[i] = providerOutcome{Provider: providers[i], Result: result, Err: err}
			return nil
		})
	}
	g.Wait()

	if opts.json {
		if err := printJSON(out, outcomes); err != nil {
			return err
		}
	} else {
		printText(out, outcomes)
	}

	for _, o := range outcomes {
		if o.Err != nil {
			return fmt.Errorf("%s: %w", o.Provider, o.Err)
		}
	}
	return nil
}

type jsonOutcome struct {
	Provider  string             `json:"provider"`
	Model     string             `json:"model,omitempty"`
	Analysis  *llm.ChartAnalysis `json:"analysis,omitempty"`
	Tier      string             `json:"tier,omitempty"`
	Usage     *llm.Usage         `json:"usage,omitempty"`
	LatencyMs int64              `json:"latencyMs,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorCode string             `json:"errorCode,omitempty"`
}

func printJSON(out io.Writer, outcomes []providerOutcome) error {
	list := make([]jsonOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		j := jsonOutcome{Provider: o.Provider}
		if o.Err != nil {
			j.Error = o.Err.Error()
			j.ErrorCode = llm.ErrorCode(o.Err)
		} else {
			j.Model = o.Result.Model
			j.Analysis = o.Result.Chart
			j.Tier = o.Result.Chart.ScoreTier().String()
			j.Usage = &o.Result.Usage
			j.LatencyMs = o.Result.Latency.Milliseconds()
		}
		list = append(list, j)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if len(list) == 1 {
		return enc.Encode(list[0])
	}
	return enc.Encode(list)
}

func printText(out io.Writer, outcomes []providerOutcome) {
	for i, o := range outcomes {
		if i > 0 {
			fmt.Fprintln(out, "\n"+strings.Repeat("-", 50)+"\n")
		}
		fmt.Fprintln(out, headerStyle.Render("=== "+strings.ToUpper(o.Provider)+" ==="))

		if o.Err != nil {
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("Error (%s): %v", llm.ErrorCode(o.Err), o.Err)))
			continue
		}

		c := o.Result.Chart
		row := func(label, value string) {
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-15s", label+":")), value)
		}
		row("Confidence", fmt.Sprintf("%d (%s)", c.RoundedScore(), c.ScoreTier()))
		row("Next step", c.NextStep)
		row("Detected model", c.DetectedModel)
		row("Key level", c.KeyLevelObservation)
		row("SMT", c.SMTStatus)
		row("Entry trigger", c.EntryTrigger)
		row("Reasoning", c.Reasoning)
		fmt.Fprintln(out)
		row("Model", o.Result.Model)
		row("Tokens", fmt.Sprintf("%d in / %d out / %d total",
			o.Result.Usage.InputTokens, o.Result.Usage.OutputTokens, o.Result.Usage.TotalTokens))
		row("Cost", fmt.Sprintf("$%.6f", o.Result.Usage.CostUSD))
		row("Latency", o.Result.Latency.Round(time.Millisecond).String())
	}
}
