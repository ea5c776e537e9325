package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/pkg/events"
)

func TestMemoryStoreAppendAssignsMonotonicCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c1, err := s.Append(ctx, events.New(events.TaskCreated, nil))
	require.NoError(t, err)
	c2, err := s.Append(ctx, events.New(events.TaskCreated, nil))
	require.NoError(t, err)

	require.Equal(t, int64(1), c1)
	require.Equal(t, int64(2), c2)
}

func TestMemoryStoreQueryFiltersByCursorAndKind(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	agentID := uuid.New()
	_, _ = s.Append(ctx, events.New(events.TaskCreated, nil))
	_, _ = s.Append(ctx, events.NewFromAgent(events.AgentStarted, agentID, nil))
	_, _ = s.Append(ctx, events.New(events.TaskCompleted, nil))

	out, err := s.Query(ctx, Query{FromCursor: 0, Kinds: []string{events.AgentStarted}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, events.AgentStarted, out[0].Kind)
	require.Equal(t, agentID, out[0].AgentID)

	out, err = s.Query(ctx, Query{FromCursor: 1})
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestMemoryStoreQueryRespectsToCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		_, _ = s.Append(ctx, events.New(events.TaskCreated, nil))
	}

	to := int64(3)
	out, err := s.Query(ctx, Query{FromCursor: 0, ToCursor: &to})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, int64(3), out[len(out)-1].Cursor)
}

func TestMemoryStoreQueryClampsDefaultAndMaxLimit(t *testing.T) {
	require.Equal(t, DefaultQueryLimit, ClampLimit(0))
	require.Equal(t, MaxQueryLimit, ClampLimit(MaxQueryLimit+1))
	require.Equal(t, 5, ClampLimit(5))
}

func TestMemoryStoreLatestCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	cursor, err := s.LatestCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), cursor)

	_, _ = s.Append(ctx, events.New(events.TaskCreated, nil))
	_, _ = s.Append(ctx, events.New(events.TaskCreated, nil))

	cursor, err = s.LatestCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), cursor)
}

func TestMemoryStorePruneBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := events.New(events.TaskCreated, nil)
	old.Time = time.Now().Add(-48 * time.Hour)
	_, _ = s.Append(ctx, old)

	recent := events.New(events.TaskCreated, nil)
	_, _ = s.Append(ctx, recent)

	pruned, err := s.PruneBefore(ctx, time.Now().Add(-1*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	out, err := s.Query(ctx, Query{FromCursor: 0})
	require.NoError(t, err)
	require.Len(t, out, 1)
}
