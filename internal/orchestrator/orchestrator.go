// Package orchestrator implements the cursor-driven rules engine (spec
// §4.7): a single task subscribed to the Event Bus live stream that, for
// every appended event, finds agents whose wildcard subscription matches
// and triggers them exactly once per event via relay.spawn_requested.
//
// Grounded on
// original_source/crates/todoki-server/src/event_bus/orchestrator.rs's
// EventOrchestrator (broadcast-subscribe loop, handle_event/trigger_agent
// split, Lagged warn-and-continue), adapted from the teacher's
// apps/backend/internal/orchestrator/executor (queue.go) for the Go
// run-loop/goroutine shape since the Rust original has no direct Go
// counterpart in this pack.
package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/eventbus"
	"github.com/kandev/relay/internal/extcollab"
	"github.com/kandev/relay/pkg/events"
)

// RelayConnectivity answers whether an agent's assigned relay currently has
// a live connection; satisfied by *gateway.Gateway in production wiring.
type RelayConnectivity interface {
	RelayConnected(relayID string) bool
}

// Orchestrator runs the trigger loop described above.
type Orchestrator struct {
	bus    eventbus.Bus
	agents extcollab.AgentStore
	relays RelayConnectivity
	logger *logger.Logger
}

// New constructs an Orchestrator. Call Run in a goroutine to start it.
func New(bus eventbus.Bus, agents extcollab.AgentStore, relays RelayConnectivity, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		bus:    bus,
		agents: agents,
		relays: relays,
		logger: log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Run subscribes to the bus and processes events until ctx is cancelled.
// It is the single task spec §4.7 describes; only one should run per
// Event Bus to avoid double-triggering (the cursor-advance-before-spawn
// rule only guards against re-triggering the SAME orchestrator instance
// observing an event twice, not concurrent instances racing the same
// agent).
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("orchestrator started")
	defer o.logger.Info("orchestrator stopped")

	sub := o.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.Lagged:
			if !ok {
				continue
			}
			o.logger.Warn("orchestrator lagged behind the event bus", zap.Int("skipped", n))
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			o.handleEvent(ctx, evt)
		}
	}
}

// handleEvent implements spec §4.7 steps 1-2: load every subscription,
// trigger each one whose ShouldTrigger check passes, advancing its cursor
// before the spawn is issued.
func (o *Orchestrator) handleEvent(ctx context.Context, evt *events.Event) {
	subs, err := o.agents.ListSubscriptions(ctx)
	if err != nil {
		o.logger.Error("failed to list agent subscriptions", zap.Error(err))
		return
	}

	for _, sub := range subs {
		if !sub.ShouldTrigger(evt.Kind, evt.Cursor) {
			continue
		}
		if err := o.agents.AdvanceCursor(ctx, sub.AgentID, evt.Cursor); err != nil {
			o.logger.Error("failed to advance agent cursor, skipping trigger",
				zap.String("agent_id", sub.AgentID.String()), zap.Error(err))
			continue
		}
		if err := o.triggerAgent(ctx, sub, evt); err != nil {
			o.logger.Error("failed to trigger agent",
				zap.String("agent_id", sub.AgentID.String()),
				zap.Int64("cursor", evt.Cursor),
				zap.Error(err))
			continue
		}
		o.logger.Info("agent triggered",
			zap.String("agent_id", sub.AgentID.String()),
			zap.Int64("cursor", evt.Cursor),
			zap.String("kind", evt.Kind))
	}
}

// triggerAgent implements spec §4.7 step 2's second half: create the
// session record, mark the agent running, and emit relay.spawn_requested
// carrying the trigger context as environment variables.
func (o *Orchestrator) triggerAgent(ctx context.Context, sub extcollab.Subscription, evt *events.Event) error {
	if sub.RelayID == "" {
		return errNoRelay(sub.AgentID)
	}
	if o.relays != nil && !o.relays.RelayConnected(sub.RelayID) {
		return errRelayDisconnected(sub.RelayID)
	}

	sessionID, err := o.agents.CreateSession(ctx, sub.AgentID, sub.RelayID)
	if err != nil {
		return err
	}
	if err := o.agents.MarkRunning(ctx, sub.AgentID); err != nil {
		o.logger.Warn("failed to mark agent running after session creation",
			zap.String("agent_id", sub.AgentID.String()), zap.Error(err))
	}

	env := map[string]string{
		"TRIGGER_EVENT_KIND":   evt.Kind,
		"TRIGGER_EVENT_CURSOR": formatCursor(evt.Cursor),
		"TRIGGER_EVENT_DATA":   formatData(evt.Data),
	}
	if evt.TaskID != nil {
		env["TASK_ID"] = evt.TaskID.String()
	}

	workdir := sub.Workdir
	if workdir == "" {
		workdir = defaultWorkdir(sub.AgentID)
	}

	data := map[string]interface{}{
		"request_id": uuid.New().String(),
		"relay_id":   sub.RelayID,
		"agent_id":   sub.AgentID.String(),
		"session_id": sessionID.String(),
		"workdir":    workdir,
		"command":    sub.Command,
		"args":       toInterfaceSlice(sub.Args),
		"env":        env,
	}

	_, err = o.bus.Emit(ctx, events.New(events.RelaySpawnRequested, data))
	return err
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
