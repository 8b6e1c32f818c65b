package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/fractal-trader-bot/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultSchedule sends the digest every day at 08:00.
	DefaultSchedule = "0 8 * * *"

	// DigestWindow is the period covered by one digest.
	DigestWindow = 24 * time.Hour

	// PruneSchedule is when old ledger rows are removed.
	PruneSchedule = "@daily"

	// UsageMaxAge is how long to keep usage ledger rows before pruning.
	UsageMaxAge = 90 * 24 * time.Hour // 90 days
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// BotSender abstracts the Telegram bot API for sending messages.
type BotSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Service sends the admin usage digest and prunes the usage ledger on a
// cron schedule.
type Service struct {
	store    storage.Store
	bot      BotSender
	adminID  int64
	schedule string
	now      func() time.Time
}

// NewService creates a digest service. An empty schedule selects
// DefaultSchedule; an invalid one is an error.
func NewService(store storage.Store, bot BotSender, adminID int64, schedule string) (*Service, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid digest schedule %q: %w", schedule, err)
	}
	return &Service{
		store:    store,
		bot:      bot,
		adminID:  adminID,
		schedule: schedule,
		now:      time.Now,
	}, nil
}

// Run starts the scheduler. It blocks until the context is cancelled and
// waits for running jobs before returning.
func (s *Service) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser))

	if s.adminID != 0 {
		if _, err := c.AddFunc(s.schedule, func() {
			if err := s.SendDigest(); err != nil {
				log.Error().Err(err).Msg("failed to send usage digest")
			}
		}); err != nil {
			return err
		}
	} else {
		log.Info().Msg("usage digest disabled: no admin configured")
	}

	if _, err := c.AddFunc(PruneSchedule, func() {
		if _, err := s.Prune(); err != nil {
			log.Error().Err(err).Msg("failed to prune usage ledger")
		}
	}); err != nil {
		return err
	}

	log.Info().Str("schedule", s.schedule).Msg("starting digest service")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("digest service stopped")
	return nil
}

// SendDigest sends the usage of the last DigestWindow to the admin.
func (s *Service) SendDigest() error {
	since := s.now().Add(-DigestWindow)
	summary, err := s.store.GetUsageSummary(since, 0)
	if err != nil {
		return fmt.Errorf("failed to get usage summary: %w", err)
	}

	msg := tgbotapi.NewMessage(s.adminID, FormatDigest(summary))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send digest: %w", err)
	}
	log.Info().Int("calls", summary.Calls).Float64("costUsd", summary.CostUSD).Msg("sent usage digest")
	return nil
}

// Prune removes ledger rows older than UsageMaxAge.
func (s *Service) Prune() (int64, error) {
	cutoff := s.now().Add(-UsageMaxAge)
	n, err := s.store.PruneUsage(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("count", n).Msg("pruned usage ledger")
	}
	return n, nil
}

// FormatDigest renders a usage summary as a Markdown message.
func FormatDigest(summary *storage.UsageSummary) string {
	if summary == nil || summary.Calls == 0 {
		return "*Daily usage*\nNo analyses in the last 24 hours."
	}
	succeeded := summary.Calls - summary.Failures
	return fmt.Sprintf(
		"*Daily usage*\nAnalyses: %d (%d ok, %d failed)\nTokens: %d in / %d out\nCost: $%.4f",
		summary.Calls, succeeded, summary.Failures,
		summary.InputTokens, summary.OutputTokens,
		summary.CostUSD,
	)
}
