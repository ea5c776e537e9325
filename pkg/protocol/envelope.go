// Package protocol defines the wire envelopes exchanged on the Relay
// Gateway's duplex WebSocket connections, matching the tagged-union shapes
// the relay loop and any client-mode UI speak over JSON text frames.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client→server message types.
const (
	TypeEmitEvent  = "emit_event"
	TypePong       = "pong"
	TypeSendInput  = "send_input"
)

// Server→client message types.
const (
	TypeSubscribed     = "subscribed"
	TypeRegistered     = "registered"
	TypeEvent          = "event"
	TypeReplayComplete = "replay_complete"
	TypeError          = "error"
	TypePing           = "ping"
	TypeHistoryEvent   = "history_event"
	TypeHistoryEnd     = "history_end"
	TypeLiveEvent      = "live_event"
)

// Envelope is the minimal tag every frame carries; callers re-unmarshal the
// raw frame into the concrete type once Type is known.
type Envelope struct {
	Type string `json:"type"`
}

// EmitEvent is sent by a relay (or client) to publish an event to the bus.
type EmitEvent struct {
	Type string                 `json:"type"`
	Kind string                 `json:"kind"`
	Data map[string]interface{} `json:"data"`
}

// Pong answers a server Ping.
type Pong struct {
	Type string `json:"type"`
}

// SendInput is issued by a client-mode UI connection to forward free text
// input into an active agent session.
type SendInput struct {
	Type  string `json:"type"`
	Input string `json:"input"`
}

// Subscribed acknowledges a subscribe request with the resolved kind
// filters and the cursor replay will resume from.
type Subscribed struct {
	Type   string   `json:"type"`
	Kinds  []string `json:"kinds"`
	Cursor int64    `json:"cursor"`
}

// Registered confirms relay.up was accepted and assigns no new identity —
// it echoes the relay's own self-asserted id.
type Registered struct {
	Type    string `json:"type"`
	RelayID string `json:"relay_id"`
}

// EventFrame carries a single persisted event down to a subscriber.
type EventFrame struct {
	Type      string                 `json:"type"`
	Cursor    int64                  `json:"cursor"`
	Kind      string                 `json:"kind"`
	Time      string                 `json:"time"`
	AgentID   string                 `json:"agent_id"`
	SessionID *string                `json:"session_id"`
	TaskID    *string                `json:"task_id"`
	Data      map[string]interface{} `json:"data"`
}

// ReplayComplete marks the end of the historical backlog sent at cursor
// replay startup; count is the number of events replayed.
type ReplayComplete struct {
	Type   string `json:"type"`
	Cursor int64  `json:"cursor"`
	Count  int    `json:"count"`
}

// ErrorFrame reports a non-fatal protocol or lag condition to one subscriber.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Ping is sent by the server every keep-alive interval.
type Ping struct {
	Type string `json:"type"`
}

// HistoryEnd marks the boundary between replayed history and the live tail
// on the agent-stream WebSocket.
type HistoryEnd struct {
	Type   string `json:"type"`
	LastID int64  `json:"last_id"`
}

// ParseClientMessage inspects the "type" tag of a client→server frame and
// unmarshals it into the matching concrete type.
func ParseClientMessage(raw []byte) (interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	switch env.Type {
	case TypeEmitEvent:
		var m EmitEvent
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypePong:
		var m Pong
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case TypeSendInput:
		var m SendInput
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}
