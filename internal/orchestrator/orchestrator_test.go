package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/eventbus"
	"github.com/kandev/relay/internal/eventstore"
	"github.com/kandev/relay/internal/extcollab"
	"github.com/kandev/relay/pkg/events"
)

type alwaysConnected struct{}

func (alwaysConnected) RelayConnected(string) bool { return true }

func newTestOrchestrator(t *testing.T) (*Orchestrator, eventbus.Bus, *extcollab.MemoryAgentStore) {
	t.Helper()
	bus := eventbus.NewMemoryBus(eventstore.NewMemoryStore(), 16)
	agents := extcollab.NewMemoryAgentStore()
	o := New(bus, agents, alwaysConnected{}, logger.Default())
	return o, bus, agents
}

func waitForSpawn(t *testing.T, sub *eventbus.FilteredSubscription) *events.Event {
	t.Helper()
	select {
	case evt := <-sub.C:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay.spawn_requested")
		return nil
	}
}

func TestOrchestratorTriggersMatchingAutoTriggerAgent(t *testing.T) {
	o, bus, agents := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentID := uuid.New()
	agents.Put(extcollab.Subscription{
		AgentID:     agentID,
		RelayID:     "relay-1",
		Patterns:    []string{"task.*"},
		AutoTrigger: true,
		Status:      extcollab.AgentStatusCreated,
		Command:     "mock-agent",
	})

	spawns := eventbus.Subscribe(bus, []string{events.RelaySpawnRequested})
	defer spawns.Close()

	go o.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let Run's Subscribe register before Emit

	taskID := uuid.New()
	evt := events.New(events.TaskCreated, map[string]interface{}{"title": "do the thing"}).WithTask(taskID)
	_, err := bus.Emit(ctx, evt)
	require.NoError(t, err)

	spawned := waitForSpawn(t, spawns)
	require.Equal(t, "relay-1", spawned.Data["relay_id"])
	require.Equal(t, agentID.String(), spawned.Data["agent_id"])
	require.Equal(t, "mock-agent", spawned.Data["command"])
	env, ok := spawned.Data["env"].(map[string]string)
	require.True(t, ok)
	require.Equal(t, events.TaskCreated, env["TRIGGER_EVENT_KIND"])
	require.Equal(t, taskID.String(), env["TASK_ID"])

	updated, ok := agents.Get(agentID)
	require.True(t, ok)
	require.Equal(t, extcollab.AgentStatusRunning, updated.Status)
	require.Equal(t, evt.Cursor, updated.LastCursor)
}

func TestOrchestratorSkipsNonMatchingPattern(t *testing.T) {
	o, bus, agents := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentID := uuid.New()
	agents.Put(extcollab.Subscription{
		AgentID:     agentID,
		RelayID:     "relay-1",
		Patterns:    []string{"project.*"},
		AutoTrigger: true,
		Status:      extcollab.AgentStatusCreated,
	})

	go o.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	_, err := bus.Emit(ctx, events.New(events.TaskCreated, nil))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	updated, ok := agents.Get(agentID)
	require.True(t, ok)
	require.Equal(t, extcollab.AgentStatusCreated, updated.Status)
	require.Equal(t, int64(0), updated.LastCursor)
}

func TestOrchestratorSkipsAlreadyRunningAgent(t *testing.T) {
	o, bus, agents := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentID := uuid.New()
	agents.Put(extcollab.Subscription{
		AgentID:     agentID,
		RelayID:     "relay-1",
		Patterns:    []string{"*"},
		AutoTrigger: true,
		Status:      extcollab.AgentStatusRunning,
	})

	go o.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	_, err := bus.Emit(ctx, events.New(events.TaskCreated, nil))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	updated, ok := agents.Get(agentID)
	require.True(t, ok)
	require.Equal(t, int64(0), updated.LastCursor)
}

func TestSubscriptionShouldTriggerRespectsLastCursor(t *testing.T) {
	sub := extcollab.Subscription{
		Patterns:    []string{"task.*"},
		AutoTrigger: true,
		Status:      extcollab.AgentStatusCreated,
		LastCursor:  5,
	}
	require.False(t, sub.ShouldTrigger(events.TaskCreated, 5))
	require.False(t, sub.ShouldTrigger(events.TaskCreated, 3))
	require.True(t, sub.ShouldTrigger(events.TaskCreated, 6))
}
