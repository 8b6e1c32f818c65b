package bot

import (
	"context"
	"sync"
	"time"

	"github.com/raine/fractal-trader-bot/internal/flow"
	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/raine/fractal-trader-bot/internal/llm"
	"github.com/rs/zerolog/log"
)

type BotState struct {
	bot      *Bot
	mu       sync.Mutex
	sessions map[int64]*UserSession
}

func (bs *BotState) newUserSession(userId int64) (*UserSession, error) {
	ctx, cancel := context.WithCancel(context.Background())
	session := &UserSession{
		userId:       userId,
		sender:       bs.bot.tg,
		inbox:        make(chan SessionMessage, 10), // Buffered to avoid blocking
		ctx:          ctx,
		cancel:       cancel,
		provider:     bs.bot.defaultProvider,
		lastActivity: time.Now(),
	}

	if bs.bot.store != nil {
		provider, err := bs.bot.store.GetPreferredProvider(userId)
		if err != nil {
			log.Warn().Err(err).Int64("userId", userId).Msg("failed to get preferred provider")
		} else if provider != "" {
			if _, ok := bs.bot.analyzers[provider]; ok {
				session.provider = provider
			}
		}
	}

	session.runner = flow.NewRunner(sessionAnalyzer{bot: bs.bot, session: session}, flow.Options{
		Timeout: bs.bot.analysisTimeout,
		History: flow.NewHistory(bs.bot.historyLimit),
		OnSettle: func(snap flow.Snapshot) {
			session.Send(SessionMessage{
				Type:     "analysis_settled",
				Ctx:      session.ctx,
				Snapshot: &snap,
			})
		},
	})

	log.Info().Int64("userId", userId).Str("provider", session.provider).Msg("new user session created")
	return session, nil
}

func (bs *BotState) getUserSession(userId int64) (*UserSession, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if session, ok := bs.sessions[userId]; !ok {
		session, err := bs.newUserSession(userId)
		if err != nil {
			return nil, err
		}
		// Set the bot as the message handler and start the worker
		session.SetHandler(bs.bot)
		session.StartWorker()
		bs.sessions[userId] = session
		return session, nil
	} else {
		// Touch under bs.mu so the reaper cannot stop a session being dispatched to
		session.touch()
		return session, nil
	}
}

func (b *Bot) NewBotState() BotState {
	return BotState{
		bot:      b,
		sessions: make(map[int64]*UserSession),
	}
}

// reapIdleSessions stops sessions without activity for maxIdle. Sessions with
// an analysis in flight are kept. Their history is discarded.
func (bs *BotState) reapIdleSessions(maxIdle time.Duration) int {
	now := time.Now()

	bs.mu.Lock()
	var idle []*UserSession
	for id, session := range bs.sessions {
		if session.idleFor(now) >= maxIdle && !session.isAnalyzing() {
			idle = append(idle, session)
			delete(bs.sessions, id)
		}
	}
	bs.mu.Unlock()

	for _, session := range idle {
		session.Stop()
		log.Info().Int64("userId", session.userId).Msg("stopped idle session")
	}
	return len(idle)
}

// Shutdown stops all session workers gracefully.
func (bs *BotState) Shutdown() {
	bs.mu.Lock()
	sessions := make([]*UserSession, 0, len(bs.sessions))
	for _, session := range bs.sessions {
		sessions = append(sessions, session)
	}
	bs.mu.Unlock()

	// Stop all workers (outside the lock to avoid blocking)
	for _, session := range sessions {
		session.Stop()
	}
	log.Info().Int("count", len(sessions)).Msg("stopped all session workers")
}

// sessionAnalyzer routes each analysis to the session's current provider.
type sessionAnalyzer struct {
	bot     *Bot
	session *UserSession
}

func (a sessionAnalyzer) AnalyzeChart(ctx context.Context, img ingest.Image) (*llm.AnalysisResult, error) {
	analyzer, err := a.bot.analyzerFor(a.session.Provider())
	if err != nil {
		return nil, err
	}
	return analyzer.AnalyzeChart(llm.WithUserID(ctx, a.session.userId), img)
}
