package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/relay/pkg/events"
)

// MemoryStore is an in-process Store implementation. It is the default
// backend (config.DatabaseConfig.Driver == "memory") and doubles as the
// fast path for unit tests of everything layered on top of Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*events.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, event *events.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := int64(len(s.events)) + 1
	event.Cursor = cursor

	clone := *event
	s.events = append(s.events, &clone)
	return cursor, nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := ClampLimit(q.Limit)

	out := make([]*events.Event, 0, limit)
	for _, e := range s.events {
		if e.Cursor <= q.FromCursor {
			continue
		}
		if q.ToCursor != nil && e.Cursor > *q.ToCursor {
			continue
		}
		if len(q.Kinds) > 0 && !containsKind(q.Kinds, e.Kind) {
			continue
		}
		if q.AgentID != nil && e.AgentID != *q.AgentID {
			continue
		}
		if q.TaskID != nil && (e.TaskID == nil || *e.TaskID != *q.TaskID) {
			continue
		}

		clone := *e
		out = append(out, &clone)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestCursor(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].Cursor, nil
}

func (s *MemoryStore) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var pruned int64
	for _, e := range s.events {
		if e.Time.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return pruned, nil
}

func containsKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
