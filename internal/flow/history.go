package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/raine/fractal-trader-bot/internal/llm"
)

// HistoryItem is one successful analysis kept for later viewing.
type HistoryItem struct {
	ID        uuid.UUID
	Timestamp time.Time
	Image     ingest.Image
	Result    *llm.AnalysisResult
}

// History is an in-memory list of past analyses. It is not persisted.
type History struct {
	mu    sync.RWMutex
	items []HistoryItem // oldest first
	limit int
	now   func() time.Time
}

// NewHistory creates a history holding at most limit items; 0 means unbounded.
// The oldest item is evicted first.
func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{limit: limit, now: time.Now}
}

// Add appends an analysis and returns the stored item.
func (h *History) Add(img ingest.Image, result *llm.AnalysisResult) HistoryItem {
	item := HistoryItem{
		ID:        uuid.New(),
		Timestamp: h.now(),
		Image:     img,
		Result:    result,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, item)
	if h.limit > 0 && len(h.items) > h.limit {
		drop := len(h.items) - h.limit
		clear(h.items[:drop])
		h.items = h.items[drop:]
	}
	return item
}

// List returns the items newest first.
func (h *History) List() []HistoryItem {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HistoryItem, len(h.items))
	for i, item := range h.items {
		out[len(h.items)-1-i] = item
	}
	return out
}

// Get returns the item with the given ID.
func (h *History) Get(id uuid.UUID) (HistoryItem, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, item := range h.items {
		if item.ID == id {
			return item, true
		}
	}
	return HistoryItem{}, false
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = nil
}
