package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/eventstore"
	"github.com/kandev/relay/pkg/events"
)

func TestMemoryBusEmitAssignsCursorAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(eventstore.NewMemoryStore(), 16)

	sub := b.Subscribe()
	defer sub.Close()

	cursor, err := b.Emit(ctx, events.New(events.TaskCreated, nil))
	require.NoError(t, err)
	require.Equal(t, int64(1), cursor)

	select {
	case e := <-sub.C:
		require.Equal(t, int64(1), e.Cursor)
		require.Equal(t, events.TaskCreated, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestMemoryBusSubscribeOnlySeesEventsAfterSubscription(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(eventstore.NewMemoryStore(), 16)

	_, err := b.Emit(ctx, events.New(events.TaskCreated, nil))
	require.NoError(t, err)

	sub := b.Subscribe()
	defer sub.Close()

	_, err = b.Emit(ctx, events.New(events.TaskCompleted, nil))
	require.NoError(t, err)

	select {
	case e := <-sub.C:
		require.Equal(t, events.TaskCompleted, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestMemoryBusSlowSubscriberLagsInsteadOfBlocking(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(eventstore.NewMemoryStore(), 1)

	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		_, err := b.Emit(ctx, events.New(events.TaskCreated, nil))
		require.NoError(t, err)
	}

	select {
	case <-sub.Lagged:
	case <-time.After(time.Second):
		t.Fatal("expected a lag signal once the bounded channel filled up")
	}
}

func TestMemoryBusPollDelegatesToStore(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(eventstore.NewMemoryStore(), 16)

	_, _ = b.Emit(ctx, events.New(events.TaskCreated, nil))
	_, _ = b.Emit(ctx, events.New(events.TaskCompleted, nil))

	out, err := b.Poll(ctx, eventstore.Query{FromCursor: 0})
	require.NoError(t, err)
	require.Len(t, out, 2)

	latest, err := b.LatestCursor(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), latest)
}

func TestFilteredSubscriptionAppliesWildcardPattern(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus(eventstore.NewMemoryStore(), 16)

	fsub := Subscribe(b, []string{"task.*"})
	defer fsub.Close()

	_, err := b.Emit(ctx, events.New(events.AgentStarted, nil))
	require.NoError(t, err)
	_, err = b.Emit(ctx, events.New(events.TaskCreated, nil))
	require.NoError(t, err)

	select {
	case e := <-fsub.C:
		require.Equal(t, events.TaskCreated, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	select {
	case e := <-fsub.C:
		t.Fatalf("did not expect a second event, got %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
