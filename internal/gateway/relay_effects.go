// Relay-mode inbound side effects (spec §4.3's table): what the gateway
// does with each well-known event kind a relay emits, beyond the default
// of forwarding it verbatim onto the Event Bus.
//
// Grounded on original_source/crates/todoki-server/src/event_bus/relay.rs's
// per-kind match arm dispatch, translated into a Go switch with one method
// per side effect.
package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/extcollab"
	"github.com/kandev/relay/internal/permission"
	"github.com/kandev/relay/pkg/events"
)

// handleRelayUp processes registration and replies to the relay with a
// "registered" frame itself.
func (g *Gateway) handleRelayUp(c *Client, data map[string]interface{}) {
	relayID, _ := data["relay_id"].(string)
	if relayID == "" {
		relayID = c.subscribedRelayID
	}
	g.hub.markRegistered(relayID, c)
	g.logger.Info("relay registered", zap.String("relay_id", relayID))
	c.sendRegistered(relayID)
}

func (g *Gateway) handleAgentOutput(ctx context.Context, data map[string]interface{}) {
	agentID, _ := data["agent_id"].(string)
	message, _ := data["message"].(string)
	stream, _ := data["stream"].(string)
	relayID, _ := data["relay_id"].(string)
	if agentID == "" {
		return
	}
	g.streams.Append(agentID, message, stream)
	g.hub.BindAgentRelay(agentID, relayID)
}

func (g *Gateway) handleSessionStatus(ctx context.Context, data map[string]interface{}) {
	sessionIDStr, _ := data["session_id"].(string)
	status, _ := data["status"].(string)
	sessionID, ok := parseUUID(sessionIDStr)
	if !ok || g.sessions == nil {
		return
	}

	var exitCode *int
	if raw, ok := data["exit_code"].(float64); ok {
		v := int(raw)
		exitCode = &v
	}

	var sStatus extcollab.SessionStatus
	switch status {
	case "completed":
		sStatus = extcollab.SessionCompleted
	default:
		sStatus = extcollab.SessionFailed
	}
	if err := g.sessions.UpdateSessionStatus(ctx, sessionID, sStatus, exitCode); err != nil {
		g.logger.Warn("failed to update session status", zap.Error(err))
	}
}

func (g *Gateway) handlePermissionRequest(ctx context.Context, relayID string, data map[string]interface{}) {
	requestID, _ := data["request_id"].(string)
	agentID, _ := data["agent_id"].(string)
	sessionID, _ := data["session_id"].(string)
	toolCall, _ := data["tool_call"].(map[string]interface{})
	rawOptions, _ := data["options"].([]interface{})

	options := make([]map[string]interface{}, 0, len(rawOptions))
	for _, o := range rawOptions {
		if m, ok := o.(map[string]interface{}); ok {
			options = append(options, m)
		}
	}

	g.recordPending(requestID, relayID)

	if g.reviewer == nil || !g.reviewer.Enabled() {
		// Left pending: a human reviewer observes the original
		// relay.permission_request event on the bus and responds out of
		// band via permission.responded.
		return
	}

	pctx := permission.Context{
		RequestID: requestID,
		AgentID:   agentID,
		SessionID: sessionID,
		ToolCall:  toolCall,
		Options:   options,
	}
	if taskIDStr, ok := data["task_id"].(string); ok {
		if taskID, ok := parseUUID(taskIDStr); ok && g.tasks != nil {
			pctx.TaskGoal, _ = g.tasks.TaskGoal(ctx, taskID)
			pctx.Workdir, _ = g.tasks.TaskWorkdir(ctx, taskID)
		}
	}

	outcome := g.reviewer.Review(ctx, pctx)
	g.resolvePermission(ctx, requestID, sessionID, outcome)
}

// resolvePermission emits permission.responded tagged with the relay_id
// recorded when the request arrived, so the outbound filter routes it back
// to the right relay.
func (g *Gateway) resolvePermission(ctx context.Context, requestID, sessionID string, outcome permission.Outcome) {
	if outcome.Decision == permission.DecisionManual {
		return
	}
	relayID, ok := g.takePending(requestID)
	if !ok {
		g.logger.Warn("permission outcome for unknown request", zap.String("request_id", requestID))
		return
	}

	responseOutcome := map[string]interface{}{}
	switch outcome.Decision {
	case permission.DecisionApprove:
		responseOutcome["selected"] = outcome.SelectedID
	case permission.DecisionReject:
		responseOutcome["cancelled"] = true
	}

	g.emitSystem(ctx, events.PermissionResponded, map[string]interface{}{
		"relay_id":   relayID,
		"request_id": requestID,
		"session_id": sessionID,
		"outcome":    responseOutcome,
	})
}

func (g *Gateway) handleArtifact(ctx context.Context, data map[string]interface{}) {
	if g.artifacts == nil {
		return
	}
	sessionID, _ := parseUUID(stringOf(data, "session_id"))
	agentID, _ := parseUUID(stringOf(data, "agent_id"))
	number := 0
	if n, ok := data["number"].(float64); ok {
		number = int(n)
	}

	art := extcollab.Artifact{
		SessionID: sessionID,
		AgentID:   agentID,
		Type:      stringOf(data, "type"),
		URL:       stringOf(data, "url"),
		Owner:     stringOf(data, "owner"),
		Repo:      stringOf(data, "repo"),
		Number:    number,
	}
	if err := g.artifacts.InsertArtifact(ctx, art); err != nil {
		g.logger.Warn("failed to insert artifact", zap.Error(err))
	}
}

func stringOf(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// markRelaySessionsFailed is invoked on disconnect: every session the relay
// was actively running is marked Failed, per spec §4.3's disconnect rule.
func (g *Gateway) markRelaySessionsFailed(ctx context.Context, sessionIDs []string) {
	if g.sessions == nil {
		return
	}
	for _, s := range sessionIDs {
		id, ok := parseUUID(s)
		if !ok {
			continue
		}
		if err := g.sessions.MarkFailed(ctx, id); err != nil {
			g.logger.Warn("failed to mark session failed on disconnect", zap.Error(err))
		}
	}
}
