package storage

import (
	"fmt"
	"time"

	"github.com/raine/fractal-trader-bot/internal/llm"
)

// UsageEntry is one analysis call in the usage ledger. The SQLite store
// satisfies llm.UsageRecorder with it.
type UsageEntry = llm.UsageEntry

// UsageSummary aggregates ledger entries.
type UsageSummary struct {
	Calls        int
	Failures     int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// RecordUsage appends an entry to the ledger. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) RecordUsage(entry *UsageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO analysis_usage
			(id, telegram_id, provider, model, outcome, input_tokens, output_tokens, cost_usd, latency_ms, created_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.TelegramID, entry.Provider, entry.Model, entry.Outcome,
		entry.InputTokens, entry.OutputTokens, entry.CostUSD, entry.Latency.Milliseconds(), entry.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// GetUsageSummary aggregates entries created at or after since.
// A telegramID of 0 summarizes all users.
func (s *SQLiteStore) GetUsageSummary(since time.Time, telegramID int64) (*UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(input_tokens), 0),
		COALESCE(SUM(output_tokens), 0),
		COALESCE(SUM(cost_usd), 0)
	FROM analysis_usage
	WHERE created_unix >= ? AND (? = 0 OR telegram_id = ?)
	`
	var summary UsageSummary
	err := s.db.QueryRow(query, since.Unix(), telegramID, telegramID).Scan(
		&summary.Calls,
		&summary.Failures,
		&summary.InputTokens,
		&summary.OutputTokens,
		&summary.CostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	return &summary, nil
}

// PruneUsage deletes entries created before olderThan and returns how many were removed.
func (s *SQLiteStore) PruneUsage(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM analysis_usage WHERE created_unix < ?", olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return result.RowsAffected()
}
