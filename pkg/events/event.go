// Package events defines the Event record shared by every component that
// appends to or reads from the Event Bus.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event is the central record flowing through the bus. Cursor is assigned
// by the store at append time and is zero on any event not yet persisted.
type Event struct {
	Cursor    int64                  `json:"cursor"`
	Kind      string                 `json:"kind"`
	Time      time.Time              `json:"time"`
	AgentID   uuid.UUID              `json:"agent_id"`
	SessionID *uuid.UUID             `json:"session_id,omitempty"`
	TaskID    *uuid.UUID             `json:"task_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// New creates an event with a system (nil) agent id. Cursor is assigned by
// the store on append.
func New(kind string, data map[string]interface{}) *Event {
	return &Event{
		Kind: kind,
		Time: time.Now().UTC(),
		Data: data,
	}
}

// NewFromAgent creates an event attributed to a specific emitting agent.
func NewFromAgent(kind string, agentID uuid.UUID, data map[string]interface{}) *Event {
	e := New(kind, data)
	e.AgentID = agentID
	return e
}

// WithTask sets the correlation task id and returns the event for chaining.
func (e *Event) WithTask(taskID uuid.UUID) *Event {
	e.TaskID = &taskID
	return e
}

// WithSession sets the correlation session id and returns the event for chaining.
func (e *Event) WithSession(sessionID uuid.UUID) *Event {
	e.SessionID = &sessionID
	return e
}
