// Agent subscription records (spec §3 "Agent subscription (external
// entity)", §4.7): the Orchestrator's view of which agents exist, what
// event kinds they watch, and whether they are eligible to be triggered.
//
// Grounded on original_source/crates/todoki-server/src/models/agent.rs's
// Agent::subscribes_to/should_trigger methods, kept here as methods on
// Subscription per SPEC_FULL's note that subscription matching belongs on
// the agent record rather than as a free function in the orchestrator.
package extcollab

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kandev/relay/pkg/events"
)

// AgentStatus is a subscribed agent's runtime status, distinct from the
// per-session SessionStatus: it tracks whether the agent record itself is
// eligible to be triggered again.
type AgentStatus string

const (
	AgentStatusCreated AgentStatus = "created"
	AgentStatusRunning AgentStatus = "running"
)

// Subscription is one agent's trigger configuration as the Orchestrator
// sees it.
type Subscription struct {
	AgentID     uuid.UUID
	RelayID     string
	Patterns    []string
	AutoTrigger bool
	LastCursor  int64
	Status      AgentStatus
	Workdir     string
	Command     string
	Args        []string
}

// Matches reports whether kind matches any of the subscription's patterns.
func (s Subscription) Matches(kind string) bool {
	return events.MatchAny(s.Patterns, kind)
}

// ShouldTrigger reports whether an event of kind at cursor should spawn
// this agent (spec §4.7 step 1): the kind matches, auto-trigger is on, the
// cursor hasn't already been observed, and the agent isn't already running.
func (s Subscription) ShouldTrigger(kind string, cursor int64) bool {
	return s.AutoTrigger &&
		s.Status == AgentStatusCreated &&
		s.LastCursor < cursor &&
		s.Matches(kind)
}

// AgentStore is the Orchestrator's external-collaborator contract: it reads
// every subscription on each event and writes back the two state changes a
// trigger makes (cursor advance, then running).
type AgentStore interface {
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	// AdvanceCursor records that agentID has observed cursor, before any
	// spawn is issued for it (spec §4.7 step 2's idempotence ordering).
	AdvanceCursor(ctx context.Context, agentID uuid.UUID, cursor int64) error

	// CreateSession allocates a new session id for a triggered agent.
	CreateSession(ctx context.Context, agentID uuid.UUID, relayID string) (uuid.UUID, error)

	// MarkRunning transitions the agent record to AgentStatusRunning.
	MarkRunning(ctx context.Context, agentID uuid.UUID) error
}

// MemoryAgentStore is an in-process AgentStore, suitable for tests and
// single-instance deployments.
type MemoryAgentStore struct {
	mu            sync.RWMutex
	subscriptions map[uuid.UUID]Subscription
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{subscriptions: make(map[uuid.UUID]Subscription)}
}

// Put registers (or replaces) an agent's subscription record.
func (m *MemoryAgentStore) Put(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.AgentID] = sub
}

func (m *MemoryAgentStore) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryAgentStore) AdvanceCursor(ctx context.Context, agentID uuid.UUID, cursor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	sub.LastCursor = cursor
	m.subscriptions[agentID] = sub
	return nil
}

func (m *MemoryAgentStore) CreateSession(ctx context.Context, agentID uuid.UUID, relayID string) (uuid.UUID, error) {
	if _, ok := m.subscriptions[agentID]; !ok {
		return uuid.UUID{}, fmt.Errorf("unknown agent %s", agentID)
	}
	return uuid.New(), nil
}

func (m *MemoryAgentStore) MarkRunning(ctx context.Context, agentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	sub.Status = AgentStatusRunning
	m.subscriptions[agentID] = sub
	return nil
}

// Get returns the current subscription record for agentID, for tests.
func (m *MemoryAgentStore) Get(agentID uuid.UUID) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[agentID]
	return s, ok
}

var _ AgentStore = (*MemoryAgentStore)(nil)
