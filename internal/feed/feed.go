// Package feed fan-outs audit records to live subscribers so reviewers can
// watch query activity as it happens.
package feed

import (
	"context"
	"sync"

	"sqldesk.org/internal/audit"
)

// Feed delivers every published audit record to all active subscribers
// (SSE clients).
type Feed struct {
	mu   sync.RWMutex
	subs map[int]chan audit.Record
	next int
}

// New initialises an empty feed.
func New() *Feed {
	return &Feed{subs: make(map[int]chan audit.Record)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// records. The channel is closed when the provided context ends.
func (f *Feed) Subscribe(ctx context.Context) <-chan audit.Record {
	ch := make(chan audit.Record, 16)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the record to all subscribers.
func (f *Feed) Publish(rec audit.Record) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- rec:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
