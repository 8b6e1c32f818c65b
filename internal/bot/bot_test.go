package bot

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/fractal-trader-bot/internal/flow"
	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/raine/fractal-trader-bot/internal/llm"
	"github.com/raine/fractal-trader-bot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testAdminID int64 = 1

type botApiMock struct {
	mock.Mock
}

func (m *botApiMock) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func (m *botApiMock) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	args := m.Called(c)
	return args.Get(0).(*tgbotapi.APIResponse), args.Error(1)
}

func (m *botApiMock) GetFileDirectURL(fileID string) (string, error) {
	args := m.Called(fileID)
	return args.Get(0).(string), args.Error(1)
}

// stubAnalyzer implements llm.Analyzer for testing
type stubAnalyzer struct {
	fn func(ctx context.Context, img ingest.Image) (*llm.AnalysisResult, error)
}

func (s *stubAnalyzer) AnalyzeChart(ctx context.Context, img ingest.Image) (*llm.AnalysisResult, error) {
	return s.fn(ctx, img)
}

func testResult() *llm.AnalysisResult {
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
		Model:    llm.DefaultGeminiModel,
		Usage:    llm.Usage{InputTokens: 1200, OutputTokens: 340, CostUSD: 0.0065},
		Latency:  4200 * time.Millisecond,
	}
}

func succeed() *stubAnalyzer {
	return &stubAnalyzer{fn: func(ctx context.Context, img ingest.Image) (*llm.AnalysisResult, error) {
		return testResult(), nil
	}}
}

func makePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 10, 10))))
	return buf.Bytes()
}

func setupBot(t *testing.T, analyzer llm.Analyzer) (*Bot, *botApiMock, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	chart := makePNG(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(chart)
	}))

	tg := new(botApiMock)
	tg.On("Request", mock.Anything).Return(&tgbotapi.APIResponse{Ok: true}, nil).Maybe()
	tg.On("GetFileDirectURL", mock.Anything).Return(ts.URL+"/chart.png", nil).Maybe()

	b := NewBot(tg, store, testAdminID, Options{
		Analyzers: map[string]llm.Analyzer{
			llm.ProviderGemini: analyzer,
			llm.ProviderOpenAI: analyzer,
		},
		AnalysisTimeout: 2 * time.Second,
		HistoryLimit:    5,
	})

	t.Cleanup(func() {
		b.Shutdown()
		ts.Close()
		store.Close()
	})
	return b, tg, store
}

func textUpdate(userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: userID},
		Text: text,
	}}
}

func photoUpdate(userID int64) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: userID},
		Photo: []tgbotapi.PhotoSize{
			{FileID: "thumb", Width: 90, Height: 67, FileSize: 1200},
			{FileID: "full", Width: 1280, Height: 960, FileSize: 98000},
		},
	}}
}

func callbackUpdate(userID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb-1",
		From: &tgbotapi.User{ID: userID},
		Data: data,
		Message: &tgbotapi.Message{
			MessageID: 42,
			Chat:      &tgbotapi.Chat{ID: userID},
		},
	}}
}

func textIs(text string) any {
	return mock.MatchedBy(func(msg tgbotapi.MessageConfig) bool {
		return msg.Text == text
	})
}

func textContains(parts ...string) any {
	return mock.MatchedBy(func(msg tgbotapi.MessageConfig) bool {
		for _, p := range parts {
			if !strings.Contains(msg.Text, p) {
				return false
			}
		}
		return true
	})
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bot reply")
	}
}

func TestImageUpload_RendersResult(t *testing.T) {
	var got ingest.Image
	analyzer := &stubAnalyzer{fn: func(ctx context.Context, img ingest.Image) (*llm.AnalysisResult, error) {
		got = img
		return testResult(), nil
	}}
	b, tg, _ := setupBot(t, analyzer)

	rendered := make(chan struct{})
	tg.On("Send", textIs(MsgAnalyzing)).Return(tgbotapi.Message{}, nil).Once()
	tg.On("Send", mock.MatchedBy(func(msg tgbotapi.MessageConfig) bool {
		return strings.Contains(msg.Text, "🟢 *Confidence Score: 75/100*") &&
			strings.Contains(msg.Text, "*Next Action:* Limit order at 50% EQ") &&
			strings.Contains(msg.Text, "*SMT Status:* Bearish SMT") &&
			msg.ReplyMarkup != nil
	})).Return(tgbotapi.Message{}, nil).Once().Run(func(mock.Arguments) { close(rendered) })

	b.handleUpdateSync(context.Background(), photoUpdate(testAdminID))
	waitFor(t, rendered)

	tg.AssertExpectations(t)
	tg.AssertCalled(t, "GetFileDirectURL", "full")
	assert.Equal(t, "image/png", got.MIMEType)
	assert.Equal(t, makePNG(t), got.Data)

	session, err := b.state.getUserSession(testAdminID)
	require.NoError(t, err)
	assert.Equal(t, flow.StateSuccess, session.runner.Snapshot().State)
	assert.Equal(t, 1, session.runner.History().Len())
}

func TestImageUpload_IgnoredWhileAnalyzing(t *testing.T) {
	release := make(chan struct{})
	analyzer := &stubAnalyzer{fn: func(ctx context.Context, img ingest.Image) (*llm.AnalysisResult, error) {
		select {
		case <-release:
			return testResult(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	b, tg, _ := setupBot(t, analyzer)

	rendered := make(chan struct{})
	tg.On("Send", textIs(MsgAnalyzing)).Return(tgbotapi.Message{}, nil).Once()
	tg.On("Send", textIs(MsgAnalysisInProgress)).Return(tgbotapi.Message{}, nil).Once()
	tg.On("Send", textContains("Confidence Score")).Return(tgbotapi.Message{}, nil).Once().
		Run(func(mock.Arguments) { close(rendered) })

	b.handleUpdateSync(context.Background(), photoUpdate(testAdminID))
	b.handleUpdateSync(context.Background(), photoUpdate(testAdminID))
	close(release)
	waitFor(t, rendered)

	tg.AssertExpectations(t)
}

func TestAnalysisFailure_ShowsErrorAndDismisses(t *testing.T) {
	analyzer := &stubAnalyzer{fn: func(ctx context.Context, img ingest.Image) (*llm.AnalysisResult, error) {
		return nil, errors.New("upstream 500")
	}}
	b, tg, _ := setupBot(t, analyzer)

	rendered := make(chan struct{})
	tg.On("Send", textIs(MsgAnalyzing)).Return(tgbotapi.Message{}, nil).Once()
	tg.On("Send", mock.MatchedBy(func(msg tgbotapi.MessageConfig) bool {
		return msg.Text == "⚠️ "+flow.MessageAnalysisFailed && msg.ReplyMarkup != nil
	})).Return(tgbotapi.Message{}, nil).Once().Run(func(mock.Arguments) { close(rendered) })

	b.handleUpdateSync(context.Background(), photoUpdate(testAdminID))
	waitFor(t, rendered)

	tg.On("Send", textIs(MsgReadyForChart)).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), callbackUpdate(testAdminID, "flow:dismiss"))

	tg.AssertExpectations(t)
	session, _ := b.state.getUserSession(testAdminID)
	assert.Equal(t, flow.StateIdle, session.runner.Snapshot().State)
}

func TestAnalysisSettled_SupersededSuccessIsStillShown(t *testing.T) {
	var calls atomic.Int32
	analyzer := &stubAnalyzer{fn: func(ctx context.Context, img ingest.Image) (*llm.AnalysisResult, error) {
		if calls.Add(1) == 1 {
			return testResult(), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	b, tg, _ := setupBot(t, analyzer)

	rendered := make(chan struct{})
	tg.On("Send", textIs(MsgAnalyzing)).Return(tgbotapi.Message{}, nil).Twice()
	tg.On("Send", mock.MatchedBy(func(msg tgbotapi.MessageConfig) bool {
		return strings.HasPrefix(msg.Text, "🟢") && msg.ReplyMarkup != nil
	})).Return(tgbotapi.Message{}, nil).Once().Run(func(mock.Arguments) { close(rendered) })

	b.handleUpdateSync(context.Background(), photoUpdate(testAdminID))
	waitFor(t, rendered)

	session, err := b.state.getUserSession(testAdminID)
	require.NoError(t, err)
	first := session.runner.Snapshot()
	require.Equal(t, flow.StateSuccess, first.State)

	// Second chart accepted before the first result message is processed
	b.handleUpdateSync(context.Background(), photoUpdate(testAdminID))
	require.Equal(t, first.Attempt+1, session.runner.Snapshot().Attempt)

	tg.On("Send", mock.MatchedBy(func(msg tgbotapi.MessageConfig) bool {
		return strings.HasPrefix(msg.Text, MsgResultHeaderSuperseded) &&
			strings.Contains(msg.Text, "Confidence Score: 75/100") &&
			msg.ReplyMarkup == nil
	})).Return(tgbotapi.Message{}, nil).Once()
	session.SendSync(SessionMessage{Type: "analysis_settled", Ctx: context.Background(), Snapshot: &first})

	// A superseded failure stays silent
	failed := flow.Snapshot{State: flow.StateError, Attempt: first.Attempt, ErrorMessage: flow.MessageAnalysisFailed}
	session.SendSync(SessionMessage{Type: "analysis_settled", Ctx: context.Background(), Snapshot: &failed})

	tg.AssertExpectations(t)
	tg.AssertNotCalled(t, "Send", textContains("⚠️"))
	assert.Equal(t, flow.StateAnalyzing, session.runner.Snapshot().State)
	assert.NotNil(t, session.stopTyping, "typing indicator belongs to the running analysis")
}

func TestDownloadFailure_IsFileReadError(t *testing.T) {
	b, tg, _ := setupBot(t, succeed())
	tg.ExpectedCalls = nil
	tg.On("Request", mock.Anything).Return(&tgbotapi.APIResponse{Ok: true}, nil).Maybe()
	tg.On("GetFileDirectURL", "full").Return("", errors.New("file is too big")).Once()

	rendered := make(chan struct{})
	tg.On("Send", textIs(MsgAnalyzing)).Return(tgbotapi.Message{}, nil).Once()
	tg.On("Send", textIs("⚠️ "+flow.MessageFileRead)).Return(tgbotapi.Message{}, nil).Once().
		Run(func(mock.Arguments) { close(rendered) })

	b.handleUpdateSync(context.Background(), photoUpdate(testAdminID))
	waitFor(t, rendered)
	tg.AssertExpectations(t)
}

func TestResetCommand_CancelsAnalysis(t *testing.T) {
	started := make(chan struct{})
	analyzer := &stubAnalyzer{fn: func(ctx context.Context, img ingest.Image) (*llm.AnalysisResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	b, tg, _ := setupBot(t, analyzer)

	tg.On("Send", textIs(MsgAnalyzing)).Return(tgbotapi.Message{}, nil).Once()
	tg.On("Send", textIs(MsgAnalysisCancelled)).Return(tgbotapi.Message{}, nil).Once()

	b.handleUpdateSync(context.Background(), photoUpdate(testAdminID))
	waitFor(t, started)
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/cancel"))

	session, _ := b.state.getUserSession(testAdminID)
	assert.Equal(t, flow.StateIdle, session.runner.Snapshot().State)

	tg.On("Send", textIs(MsgNothingToCancel)).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/cancel"))

	tg.AssertExpectations(t)
	tg.AssertNotCalled(t, "Send", textContains("⚠️"))
}

func TestNonImageDocumentRejected(t *testing.T) {
	b, tg, _ := setupBot(t, succeed())
	tg.On("Send", textIs(MsgNotAnImage)).Return(tgbotapi.Message{}, nil).Once()

	update := textUpdate(testAdminID, "")
	update.Message.Document = &tgbotapi.Document{FileID: "doc", MimeType: "application/pdf", FileName: "chart.pdf"}
	b.handleUpdateSync(context.Background(), update)

	tg.AssertExpectations(t)
}

func TestImageTooLarge(t *testing.T) {
	b, tg, _ := setupBot(t, succeed())
	tg.On("Send", textContains("too large")).Return(tgbotapi.Message{}, nil).Once()

	update := textUpdate(testAdminID, "")
	update.Message.Document = &tgbotapi.Document{FileID: "doc", MimeType: "image/png", FileSize: 50 << 20}
	b.handleUpdateSync(context.Background(), update)

	tg.AssertExpectations(t)
	tg.AssertNotCalled(t, "GetFileDirectURL", mock.Anything)
}

func TestWhitelist(t *testing.T) {
	b, tg, store := setupBot(t, succeed())
	const userID int64 = 99

	b.handleUpdateSync(context.Background(), textUpdate(userID, "/start"))
	tg.AssertNotCalled(t, "Send", mock.Anything)

	require.NoError(t, store.AddAllowedUser(userID, testAdminID))
	tg.On("Send", textContains("Send me a screenshot")).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(userID, "/start"))
	tg.AssertExpectations(t)
}

func TestHistoryCommands(t *testing.T) {
	b, tg, _ := setupBot(t, succeed())

	tg.On("Send", textIs(MsgHistoryEmpty)).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/history"))

	session, _ := b.state.getUserSession(testAdminID)
	item := session.runner.History().Add(ingest.Image{}, testResult())

	tg.On("Send", mock.MatchedBy(func(msg tgbotapi.MessageConfig) bool {
		return strings.Contains(msg.Text, "*Analysis History* (1 analysis)") &&
			strings.Contains(msg.Text, "1. ") && msg.ReplyMarkup != nil
	})).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/history"))

	tg.On("Send", textContains("_Analysis from", "Confidence Score: 75/100")).Return(tgbotapi.Message{}, nil).Twice()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/show 1"))
	b.handleUpdateSync(context.Background(), callbackUpdate(testAdminID, "hist:"+item.ID.String()))

	tg.On("Send", textIs(MsgHistoryNotFound)).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/show 2"))

	tg.AssertExpectations(t)
}

func TestProviderCommand(t *testing.T) {
	b, tg, store := setupBot(t, succeed())

	tg.On("Send", textContains("Current provider: *gemini*", "gemini, openai")).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/provider"))

	tg.On("Send", textContains("Unknown provider")).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/provider anthropic"))

	tg.On("Send", textContains("Provider changed to *openai*")).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/provider OpenAI"))

	tg.AssertExpectations(t)

	provider, err := store.GetPreferredProvider(testAdminID)
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderOpenAI, provider)

	session, _ := b.state.getUserSession(testAdminID)
	assert.Equal(t, llm.ProviderOpenAI, session.Provider())
}

func TestUsageCommand(t *testing.T) {
	b, tg, store := setupBot(t, succeed())
	require.NoError(t, store.RecordUsage(&storage.UsageEntry{
		TelegramID: testAdminID, Provider: llm.ProviderGemini, Outcome: llm.CodeOK,
		InputTokens: 1000, OutputTokens: 200, CostUSD: 0.5,
	}))
	require.NoError(t, store.RecordUsage(&storage.UsageEntry{
		TelegramID: 7, Provider: llm.ProviderGemini, Outcome: llm.CodeTimeout,
	}))

	tg.On("Send", textContains("Analyses: 1 (0 failed)", "$0.5000")).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/usage"))

	tg.On("Send", textContains("*All users, last 7 days*", "Analyses: 2 (1 failed)")).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/admin usage"))

	tg.AssertExpectations(t)
}

func TestAdminUsersCommand(t *testing.T) {
	b, tg, store := setupBot(t, succeed())

	tg.On("Send", textContains("User `55` added")).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/admin users add 55"))

	allowed, err := store.IsUserAllowed(55)
	require.NoError(t, err)
	assert.True(t, allowed)

	tg.On("Send", textContains("*Allowed users:*", "`55`")).Return(tgbotapi.Message{}, nil).Once()
	b.handleUpdateSync(context.Background(), textUpdate(testAdminID, "/admin users list"))

	// Non-admins are silently ignored
	b.handleUpdateSync(context.Background(), textUpdate(55, "/admin users add 56"))
	allowed, err = store.IsUserAllowed(56)
	require.NoError(t, err)
	assert.False(t, allowed)

	tg.AssertExpectations(t)
}

func TestReapIdleSessions(t *testing.T) {
	b, _, _ := setupBot(t, succeed())

	session, err := b.state.getUserSession(testAdminID)
	require.NoError(t, err)
	assert.Zero(t, b.state.reapIdleSessions(time.Hour))

	session.mu.Lock()
	session.lastActivity = time.Now().Add(-2 * time.Hour)
	session.mu.Unlock()

	assert.Equal(t, 1, b.state.reapIdleSessions(time.Hour))
	b.state.mu.Lock()
	assert.Empty(t, b.state.sessions)
	b.state.mu.Unlock()
}

func TestChartFile(t *testing.T) {
	fileID, size, ok := chartFile(photoUpdate(1).Message)
	assert.True(t, ok)
	assert.Equal(t, "full", fileID)
	assert.Equal(t, int64(98000), size)

	fileID, _, ok = chartFile(&tgbotapi.Message{Document: &tgbotapi.Document{FileID: "d", MimeType: "image/webp"}})
	assert.True(t, ok)
	assert.Equal(t, "d", fileID)

	_, _, ok = chartFile(&tgbotapi.Message{Document: &tgbotapi.Document{FileID: "d", MimeType: "text/plain"}})
	assert.False(t, ok)
}

func TestRenderAnalysis_EscapesModelOutput(t *testing.T) {
	result := testResult()
	result.Chart.Reasoning = "swept_low *and* [EQ]"
	result.Chart.ConfidenceScore = 55

	text := renderAnalysis(result)
	assert.Contains(t, text, "🟡 *Confidence Score: 55/100*")
	assert.Contains(t, text, `swept\_low \*and\* \[EQ]`)
	assert.Contains(t, text, "*AI Reasoning*")
	assert.Contains(t, text, "`gemini-3-pro-preview · 1200 in / 340 out · $0.0065 · 4.2s`")

	result.Chart.ConfidenceScore = 12
	assert.Contains(t, renderAnalysis(result), "🔴")
}

func TestParseCommand(t *testing.T) {
	cmd, args := parseCommand("/show@fractal_bot  3")
	assert.Equal(t, "/show", cmd)
	assert.Equal(t, []string{"3"}, args)

	cmd, args = parseCommand("")
	assert.Empty(t, cmd)
	assert.Empty(t, args)
}
