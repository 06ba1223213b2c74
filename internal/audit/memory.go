package audit

import (
	"context"
	"sync"
	"time"

	"sqldesk.org/internal/ids"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. Used in
// tests and as a dev fallback when no audit database is configured.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string // insertion order, oldest first
	now     func() time.Time
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Only intended for test use.
func (s *InMemory) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func (s *InMemory) Record(ctx context.Context, entry Entry) (Record, error) {
	if err := entry.validate(); err != nil {
		return Record{}, err
	}
	status := entry.Status
	if status == "" {
		status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		ID:           ids.New(),
		Timestamp:    s.now().UTC(),
		Actor:        entry.Actor,
		QueryText:    entry.QueryText,
		Database:     entry.Database,
		Status:       status,
		DefectNumber: entry.DefectNumber,
		ErrorMessage: entry.ErrorMessage,
	}
	s.records[rec.ID] = &rec
	s.order = append(s.order, rec.ID)
	out := rec
	return out, nil
}

func (s *InMemory) Finalize(ctx context.Context, id string, outcome Outcome) (Record, error) {
	if err := outcome.validate(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusPending {
		return Record{}, ErrInvalidTransition
	}
	rec.Status = outcome.Status
	rec.RowsAffected = outcome.RowsAffected
	rec.ErrorMessage = outcome.ErrorMessage
	return *rec, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (s *InMemory) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []Record
	skipped := 0
	// Records were appended in time order; walk backwards for newest first.
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if !matches(*rec, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		res = append(res, *rec)
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

func matches(rec Record, f Filter) bool {
	if f.Actor != "" && rec.Actor != f.Actor {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Database != "" && rec.Database != f.Database {
		return false
	}
	if !f.From.IsZero() && rec.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.Timestamp.After(f.To) {
		return false
	}
	return true
}
