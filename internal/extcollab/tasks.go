// Package extcollab holds the narrow external-collaborator contracts the
// core calls into: the task/agent/artifact stores live outside this
// module's scope, and only their read/write surface used by Permission
// Review (§4.8), the Orchestrator (§4.7), and the Relay Gateway's
// relay.session_status/relay.artifact side effects (§4.3) is modeled here.
//
// Grounded on the in-memory bookkeeping pattern of
// backend/internal/task/repository/memory.go (RWMutex-protected maps,
// not-found sentinel errors), narrowed to this core's actual call shape.
package extcollab

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TaskInfo is the subset of task state the core ever needs to read.
type TaskInfo struct {
	Goal    string
	Workdir string
}

// TaskStore answers Permission Review's task_goal/workdir context fields.
type TaskStore interface {
	TaskGoal(ctx context.Context, taskID uuid.UUID) (string, bool)
	TaskWorkdir(ctx context.Context, taskID uuid.UUID) (string, bool)
}

// SessionStatus mirrors the relay.session_status payload's status field.
type SessionStatus string

const (
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// SessionStore records session/agent lifecycle transitions driven by the
// Relay Gateway's relay.session_status handler.
type SessionStore interface {
	// UpdateSessionStatus marks a session (and its owning agent) with the
	// given terminal status and exit code.
	UpdateSessionStatus(ctx context.Context, sessionID uuid.UUID, status SessionStatus, exitCode *int) error

	// MarkFailed transitions a session and its owning agent to Failed,
	// used on relay disconnect for every session in the relay's
	// active-session set.
	MarkFailed(ctx context.Context, sessionID uuid.UUID) error
}

// Artifact is a detected build/review output (currently only GitHub PRs).
type Artifact struct {
	SessionID uuid.UUID
	AgentID   uuid.UUID
	Type      string
	URL       string
	Owner     string
	Repo      string
	Number    int
}

// ArtifactStore persists artifacts detected by the Agent-Control Bridge.
type ArtifactStore interface {
	InsertArtifact(ctx context.Context, a Artifact) error
}

// MemoryCollaborator is a single in-process implementation of all three
// contracts, suitable for tests and single-instance deployments that don't
// run the full task/board service.
type MemoryCollaborator struct {
	mu        sync.RWMutex
	tasks     map[uuid.UUID]TaskInfo
	sessions  map[uuid.UUID]SessionStatus
	artifacts []Artifact
}

func NewMemoryCollaborator() *MemoryCollaborator {
	return &MemoryCollaborator{
		tasks:    make(map[uuid.UUID]TaskInfo),
		sessions: make(map[uuid.UUID]SessionStatus),
	}
}

// PutTask registers (or replaces) a task's goal/workdir for later lookup.
func (m *MemoryCollaborator) PutTask(taskID uuid.UUID, info TaskInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID] = info
}

func (m *MemoryCollaborator) TaskGoal(ctx context.Context, taskID uuid.UUID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.tasks[taskID]
	return info.Goal, ok
}

func (m *MemoryCollaborator) TaskWorkdir(ctx context.Context, taskID uuid.UUID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.tasks[taskID]
	return info.Workdir, ok
}

func (m *MemoryCollaborator) UpdateSessionStatus(ctx context.Context, sessionID uuid.UUID, status SessionStatus, exitCode *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = status
	return nil
}

func (m *MemoryCollaborator) MarkFailed(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = SessionFailed
	return nil
}

func (m *MemoryCollaborator) InsertArtifact(ctx context.Context, a Artifact) error {
	if a.URL == "" {
		return fmt.Errorf("artifact missing url")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, a)
	return nil
}

// Artifacts returns a snapshot of all recorded artifacts, for tests.
func (m *MemoryCollaborator) Artifacts() []Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Artifact, len(m.artifacts))
	copy(out, m.artifacts)
	return out
}

// SessionStatusOf reports the last recorded status for a session, for tests.
func (m *MemoryCollaborator) SessionStatusOf(sessionID uuid.UUID) (SessionStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

var (
	_ TaskStore     = (*MemoryCollaborator)(nil)
	_ SessionStore  = (*MemoryCollaborator)(nil)
	_ ArtifactStore = (*MemoryCollaborator)(nil)
)
