// Relay loop (spec §4.4): connects the duplex WebSocket to the gateway,
// performs the relay.up registration handshake, and forwards the
// supervisor's outbound events while dispatching inbound commands.
//
// Grounded on original_source/crates/todoki-relay/src/relay.rs's run()/
// run_event_bus_connection() state machine: persistent buffer created once
// outside the reconnect loop, exponential backoff (3s -> 60s, reset on
// successful registration), 30s registration deadline, and a dedicated
// forwarder task per connection attempt.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	acp "github.com/kandev/relay/pkg/acp/protocol"
	"github.com/kandev/relay/pkg/protocol"
)

const (
	initialReconnectDelay = 3 * time.Second
	maxReconnectDelay     = 60 * time.Second
	registrationTimeout   = 30 * time.Second
)

// Config describes how a relay process identifies and connects itself.
type Config struct {
	ServerURL   string
	Token       string
	RelayID     string
	Name        string
	Role        string
	SafePaths   []string
	Labels      []string
	Projects    []string
	SetupScript string
}

// Loop owns the connection lifecycle for one relay process.
type Loop struct {
	cfg        Config
	buffer     *OutboundBuffer
	supervisor *Supervisor
	logger     *logger.Logger
}

// NewLoop wires a Loop around an already-constructed Supervisor and buffer
// (the buffer is also the Supervisor's Emitter, so both must share it).
func NewLoop(cfg Config, buffer *OutboundBuffer, supervisor *Supervisor, log *logger.Logger) *Loop {
	return &Loop{cfg: cfg, buffer: buffer, supervisor: supervisor, logger: log}
}

// Run drives reconnect-with-backoff until ctx is cancelled or a fatal error
// occurs (none currently originate from this loop; network/protocol errors
// all retry).
func (l *Loop) Run(ctx context.Context) error {
	delay := initialReconnectDelay

	for {
		if ctx.Err() != nil {
			l.supervisor.StopAll()
			return ctx.Err()
		}

		registered, err := l.runConnection(ctx)
		if err != nil {
			l.logger.Warn("relay connection ended", zap.Error(err))
		}

		if registered {
			delay = initialReconnectDelay
		} else {
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}

		select {
		case <-ctx.Done():
			l.supervisor.StopAll()
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runConnection performs one full connect-register-serve cycle. It returns
// whether registration succeeded (governing backoff reset) and any error
// that ended the cycle.
func (l *Loop) runConnection(ctx context.Context) (bool, error) {
	dialURL, header, err := l.buildDialURL()
	if err != nil {
		return false, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, header)
	if err != nil {
		return false, fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()

	if err := l.waitForSubscribed(conn); err != nil {
		return false, err
	}

	if err := l.sendRegistration(conn); err != nil {
		return false, err
	}

	if err := l.waitForRegistered(conn); err != nil {
		return false, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.forward(connCtx, conn)

	err = l.readLoop(conn)
	return true, err
}

func (l *Loop) buildDialURL() (string, http.Header, error) {
	u, err := url.Parse(l.cfg.ServerURL)
	if err != nil {
		return "", nil, fmt.Errorf("parsing server url: %w", err)
	}
	q := u.Query()
	q.Set("kinds", "relay.*,permission.responded")
	q.Set("relay_id", l.cfg.RelayID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.cfg.Token)
	return u.String(), header, nil
}

func (l *Loop) waitForSubscribed(conn *websocket.Conn) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading subscribed ack: %w", err)
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("parsing subscribed ack: %w", err)
	}
	if msg.Type != protocol.TypeSubscribed {
		return fmt.Errorf("expected subscribed ack, got %q", msg.Type)
	}
	return nil
}

func (l *Loop) sendRegistration(conn *websocket.Conn) error {
	data := map[string]interface{}{
		"relay_id": l.cfg.RelayID,
		"name":     l.cfg.Name,
		"role":     l.cfg.Role,
	}
	if len(l.cfg.SafePaths) > 0 {
		data["safe_paths"] = l.cfg.SafePaths
	}
	if len(l.cfg.Labels) > 0 {
		data["labels"] = l.cfg.Labels
	}
	if len(l.cfg.Projects) > 0 {
		data["projects"] = l.cfg.Projects
	}
	if l.cfg.SetupScript != "" {
		data["setup_script"] = l.cfg.SetupScript
	}

	msg := protocol.EmitEvent{Type: protocol.TypeEmitEvent, Kind: "relay.up", Data: data}
	return conn.WriteJSON(msg)
}

func (l *Loop) waitForRegistered(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("waiting for registration: %w", err)
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("parsing registration ack: %w", err)
	}
	if msg.Type != protocol.TypeRegistered {
		return fmt.Errorf("expected registered ack, got %q", msg.Type)
	}
	return nil
}

// forward drains the persistent outbound buffer onto the live connection.
// It stops (without losing buffered events) as soon as ctx is cancelled or
// a write fails, leaving whatever remains in the buffer for the next
// connection attempt.
func (l *Loop) forward(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-l.buffer.C():
			msg := protocol.EmitEvent{Type: protocol.TypeEmitEvent, Kind: evt.kind, Data: evt.data}
			if err := conn.WriteJSON(msg); err != nil {
				l.logger.Warn("forwarder write failed, event requeued", zap.Error(err))
				l.buffer.EmitEvent(evt.kind, evt.data)
				return
			}
		}
	}
}

func (l *Loop) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read loop: %w", err)
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			l.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			if err := conn.WriteJSON(protocol.Pong{Type: protocol.TypePong}); err != nil {
				return fmt.Errorf("replying to ping: %w", err)
			}
		case protocol.TypeEvent:
			l.handleEventFrame(raw)
		case protocol.TypeError:
			l.logger.Warn("gateway reported error", zap.ByteString("frame", raw))
		}
	}
}

func (l *Loop) handleEventFrame(raw []byte) {
	var frame protocol.EventFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		l.logger.Warn("failed to parse event frame", zap.Error(err))
		return
	}

	switch frame.Kind {
	case "relay.spawn_requested":
		l.handleSpawnRequested(frame.Data)
	case "relay.stop_requested":
		if sessionID, ok := frame.Data["session_id"].(string); ok {
			if err := l.supervisor.Stop(sessionID); err != nil {
				l.logger.Warn("stop request failed", zap.Error(err))
			}
		}
	case "relay.input_requested":
		l.handleInputRequested(frame.Data)
	case "permission.responded":
		l.handlePermissionResponded(frame.Data)
	}
}

func (l *Loop) handleSpawnRequested(data map[string]interface{}) {
	params := SpawnParams{
		RequestID: stringField(data, "request_id"),
		AgentID:   stringField(data, "agent_id"),
		SessionID: stringField(data, "session_id"),
		Type:      stringField(data, "agent_type"),
		Workdir:   stringField(data, "workdir"),
		Command:   stringField(data, "command"),
		Env:       stringMapField(data, "env"),
	}
	if rawArgs, ok := data["args"].([]interface{}); ok {
		for _, a := range rawArgs {
			if s, ok := a.(string); ok {
				params.Args = append(params.Args, s)
			}
		}
	}
	go l.supervisor.Spawn(context.Background(), params)
}

func (l *Loop) handleInputRequested(data map[string]interface{}) {
	sessionID := stringField(data, "session_id")
	input := stringField(data, "input")
	if err := l.supervisor.SendInput(context.Background(), sessionID, input); err != nil {
		l.logger.Warn("input request failed", zap.Error(err))
	}
}

func (l *Loop) handlePermissionResponded(data map[string]interface{}) {
	requestID := stringField(data, "request_id")
	outcome := acp.PermissionOutcome{}
	if raw, ok := data["outcome"].(map[string]interface{}); ok {
		if sel, ok := raw["selected"].(string); ok {
			outcome.Selected = sel
		}
		if cancelled, ok := raw["cancelled"].(bool); ok {
			outcome.Cancelled = cancelled
		}
	}
	l.supervisor.RespondPermission(requestID, outcome)
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func stringMapField(data map[string]interface{}, key string) map[string]string {
	raw, ok := data[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	return out
}
