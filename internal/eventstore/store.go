// Package eventstore implements the durable, cursor-ordered event log
// (spec §4.1): an append-only table with a server-allocated monotonic
// sequence as cursor and filtered range queries over it.
package eventstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/relay/pkg/events"
)

const (
	DefaultQueryLimit = 1000
	MaxQueryLimit     = 10000
)

// Query bounds a range scan over the event log. Kind filters here are
// exact-match only (prefix wildcards are resolved by the subscriber layer,
// not pushed into the store) so the store's predicate stays a simple
// membership test.
type Query struct {
	FromCursor int64
	ToCursor   *int64
	Kinds      []string
	AgentID    *uuid.UUID
	TaskID     *uuid.UUID
	Limit      int
}

// Store is the durable event log contract.
type Store interface {
	// Append allocates the next cursor, persists the event, and sets
	// event.Cursor to the assigned value.
	Append(ctx context.Context, event *events.Event) (int64, error)
	Query(ctx context.Context, q Query) ([]*events.Event, error)
	LatestCursor(ctx context.Context) (int64, error)
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

// ClampLimit applies the store's default/max limit policy: unset becomes
// DefaultQueryLimit, anything above MaxQueryLimit is clamped down to it.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}
