package gateway

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/pkg/events"
)

func testEvent(kind string, data map[string]interface{}) *events.Event {
	return &events.Event{Kind: kind, Time: time.Now().UTC(), Data: data}
}

func TestShouldDeliverClientModeSeesEverythingMatchingFilters(t *testing.T) {
	c := &Client{kinds: nil}
	require.True(t, c.shouldDeliver(testEvent(events.RelayAgentOutput, nil)))
	require.True(t, c.shouldDeliver(testEvent(events.PermissionResponded, map[string]interface{}{"relay_id": "r1"})))
}

func TestShouldDeliverClientModeFiltersByAgentAndTask(t *testing.T) {
	agentID := uuid.New()
	taskID := uuid.New()
	c := &Client{agentIDFilter: agentID.String(), taskIDFilter: taskID.String()}

	matching := testEvent(events.RelayAgentOutput, nil)
	matching.AgentID = agentID
	matching.TaskID = &taskID
	require.True(t, c.shouldDeliver(matching))

	wrongAgent := testEvent(events.RelayAgentOutput, nil)
	wrongAgent.AgentID = uuid.New()
	wrongAgent.TaskID = &taskID
	require.False(t, c.shouldDeliver(wrongAgent))

	noTask := testEvent(events.RelayAgentOutput, nil)
	noTask.AgentID = agentID
	require.False(t, c.shouldDeliver(noTask))
}

func TestShouldDeliverRelayModeOnlyReceivesTargetedCommandKinds(t *testing.T) {
	c := &Client{subscribedRelayID: "relay-1", relayID: "relay-1"}

	// Command kinds targeted at this relay are delivered.
	require.True(t, c.shouldDeliver(testEvent(events.RelaySpawnRequested, map[string]interface{}{"relay_id": "relay-1"})))
	require.True(t, c.shouldDeliver(testEvent(events.PermissionResponded, map[string]interface{}{"relay_id": "relay-1"})))

	// Command kinds targeted at a different relay are not delivered.
	require.False(t, c.shouldDeliver(testEvent(events.RelaySpawnRequested, map[string]interface{}{"relay_id": "relay-2"})))

	// Non-command kinds never reach a relay connection, even if tagged
	// with its own relay_id (this relay's own agent_output, echoed back).
	require.False(t, c.shouldDeliver(testEvent(events.RelayAgentOutput, map[string]interface{}{"relay_id": "relay-1"})))
	require.False(t, c.shouldDeliver(testEvent(events.RelaySessionStatus, map[string]interface{}{"relay_id": "relay-1"})))
}

func TestHubBindAgentRelayTracksAndClearsOnDisconnect(t *testing.T) {
	h := NewHub(logger.Default())

	h.BindAgentRelay("agent-1", "relay-1")
	relayID, ok := h.RelayForAgent("agent-1")
	require.True(t, ok)
	require.Equal(t, "relay-1", relayID)

	// A client that never registered a relay id is a no-op remove.
	h.removeClient(&Client{})
	_, ok = h.RelayForAgent("agent-1")
	require.True(t, ok)

	// Removing the client that owns relay-1 clears every agent bound to it.
	owner := &Client{relayID: "relay-1"}
	h.relays["relay-1"] = owner
	h.removeClient(owner)

	_, ok = h.RelayForAgent("agent-1")
	require.False(t, ok)
}

func TestHubBindAgentRelayIgnoresEmptyIDs(t *testing.T) {
	h := NewHub(logger.Default())
	h.BindAgentRelay("", "relay-1")
	h.BindAgentRelay("agent-1", "")
	_, ok := h.RelayForAgent("agent-1")
	require.False(t, ok)
}

func TestStreamStoreSubscribeSinceSnapshotExcludesOlderEntries(t *testing.T) {
	s := NewStreamStore(10)
	id1 := s.Append("agent-1", "first", "stdout")
	id2 := s.Append("agent-1", "second", "stdout")

	history, live, cancel := s.SubscribeSince("agent-1", id1)
	defer cancel()

	require.Len(t, history, 1)
	require.Equal(t, id2, history[0].ID)

	id3 := s.Append("agent-1", "third", "stdout")
	select {
	case entry := <-live:
		require.Equal(t, id3, entry.ID)
		require.Equal(t, "third", entry.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live entry")
	}
}

func TestStreamStoreSubscribeSinceNoGapBetweenSnapshotAndLive(t *testing.T) {
	s := NewStreamStore(10)
	s.Append("agent-1", "before", "stdout")

	history, live, cancel := s.SubscribeSince("agent-1", 0)
	defer cancel()
	require.Len(t, history, 1)

	after := s.Append("agent-1", "after", "stdout")
	select {
	case entry := <-live:
		require.Equal(t, after, entry.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live entry appended right after subscribe")
	}
}

func TestStreamStoreTrimsToMaxSize(t *testing.T) {
	s := NewStreamStore(2)
	s.Append("agent-1", "one", "stdout")
	s.Append("agent-1", "two", "stdout")
	s.Append("agent-1", "three", "stdout")

	history, _, cancel := s.SubscribeSince("agent-1", 0)
	defer cancel()
	require.Len(t, history, 2)
	require.Equal(t, "two", history[0].Message)
	require.Equal(t, "three", history[1].Message)
}

func TestStreamStoreCancelRemovesSubscriber(t *testing.T) {
	s := NewStreamStore(10)
	_, _, cancel := s.SubscribeSince("agent-1", 0)
	cancel()

	s.mu.RLock()
	_, stillSubscribed := s.subscribers["agent-1"]
	s.mu.RUnlock()
	require.False(t, stillSubscribed)
}
