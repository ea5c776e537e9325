// Command mockagent is a reference agent-control-protocol peer: it speaks
// the same stdio JSON-RPC dialect internal/bridge drives a real coding
// agent through, so the bridge and the Session Supervisor have something
// real to exercise in tests and local development loops without a live
// LLM-backed agent binary.
//
// Grounded on original_source/crates/mock-agent/src/main.rs (the Rust
// integration-test peer this supplements): initialize/new_session/prompt/
// cancel lifecycle, and prompts containing "permission" trigger a
// request_permission round-trip back to the client instead of completing
// immediately. Reuses pkg/acp/jsonrpc.Client symmetrically — the same
// request/response/notification framing the bridge uses as a client here
// plays the agent role, writing to stdout and reading from stdin.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/pkg/acp/jsonrpc"
	"github.com/kandev/relay/pkg/acp/protocol"
)

// permissionPromptTimeout bounds how long a prompt containing "permission"
// waits for the client's request_permission reply before giving up.
const permissionPromptTimeout = 30 * time.Second

type mockAgent struct {
	client *jsonrpc.Client
	logger *logger.Logger

	mu        sync.Mutex
	sessionID string
	cancelled map[string]bool
}

func main() {
	log, err := logger.New(logger.Config{Level: "info", Format: "console", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mockagent: failed to build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &mockAgent{logger: log, cancelled: make(map[string]bool)}
	a.client = jsonrpc.NewClient(os.Stdout, os.Stdin, log)
	a.client.SetRequestHandler(a.handleRequest)
	a.client.SetNotificationHandler(a.handleNotification)
	a.client.Start(ctx)

	log.Info("mock agent ready")
	<-ctx.Done()
	a.client.Stop()
}

// handleRequest dispatches a call FROM the bridge. Anything that may issue
// its own nested call back to the bridge (prompt, when it needs
// permission) runs in a goroutine so the shared read loop stays free to
// deliver that nested call's response.
func (a *mockAgent) handleRequest(id interface{}, method string, params json.RawMessage) {
	switch method {
	case protocol.MethodInitialize:
		var args protocol.InitializeParams
		_ = json.Unmarshal(params, &args)
		a.client.SendResponse(id, protocol.InitializeResult{ProtocolVersion: args.ProtocolVersion}, nil)

	case protocol.MethodNewSession:
		sessionID := "mock-session-" + uuid.New().String()
		a.mu.Lock()
		a.sessionID = sessionID
		a.mu.Unlock()
		a.client.SendResponse(id, protocol.NewSessionResult{SessionID: sessionID}, nil)

	case protocol.MethodPrompt:
		var args protocol.PromptParams
		if err := json.Unmarshal(params, &args); err != nil {
			a.client.SendResponse(id, nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()})
			return
		}
		go a.handlePrompt(id, args)

	default:
		a.client.SendResponse(id, nil, &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: "method not found"})
	}
}

func (a *mockAgent) handleNotification(method string, params json.RawMessage) {
	if method != protocol.MethodCancel {
		return
	}
	var args protocol.CancelParams
	if err := json.Unmarshal(params, &args); err != nil {
		return
	}
	a.mu.Lock()
	a.cancelled[args.SessionID] = true
	a.mu.Unlock()
	a.logger.Info("session cancelled", zap.String("session_id", args.SessionID))
}

// handlePrompt simulates a single turn: it always narrates a thought and a
// closing message, and when the prompt text mentions "permission" it
// additionally raises a tool call and blocks on a request_permission
// round-trip before reporting the outcome.
func (a *mockAgent) handlePrompt(id interface{}, args protocol.PromptParams) {
	text := promptText(args)

	a.notifyMessageChunk(args.SessionID, protocol.UpdateAgentThoughtChunk, fmt.Sprintf("considering: %s", text))

	stopReason := "end_turn"
	if strings.Contains(strings.ToLower(text), "permission") {
		stopReason = a.runPermissionFlow(args.SessionID)
	}

	if a.isCancelled(args.SessionID) {
		stopReason = "cancelled"
	}

	a.notifyMessageChunk(args.SessionID, protocol.UpdateAgentMessageChunk, "done")
	a.client.SendResponse(id, protocol.PromptResult{StopReason: stopReason}, nil)
}

// runPermissionFlow raises a tool_call, asks the client to approve it via a
// nested request_permission call, and reports the outcome as a
// tool_call_update. Returns the stop reason the prompt should report.
func (a *mockAgent) runPermissionFlow(sessionID string) string {
	toolCallID := "tool-" + uuid.New().String()

	a.notifyToolCall(sessionID, toolCallID)

	reqParams := protocol.RequestPermissionParams{
		SessionID:  sessionID,
		ToolCallID: toolCallID,
		Options: []protocol.PermissionOption{
			{ID: "allow-once", Title: "Allow once", Kind: protocol.OptionAllowOnce},
			{ID: "allow-always", Title: "Allow always", Kind: protocol.OptionAllowAlways},
			{ID: "reject", Title: "Reject", Kind: "reject_once"},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), permissionPromptTimeout)
	defer cancel()

	resp, err := a.client.Call(ctx, protocol.MethodRequestPermission, reqParams)

	status := "completed"
	if err != nil {
		a.logger.Warn("request_permission call failed")
		status = "rejected"
	} else if resp.Error != nil {
		status = "rejected"
	} else {
		var result protocol.RequestPermissionResult
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.Outcome.Cancelled || result.Outcome.Selected == "" {
			status = "rejected"
		}
	}

	a.notifyToolCallUpdate(sessionID, toolCallID, status)

	if status == "rejected" {
		return "refusal"
	}
	return "end_turn"
}

func (a *mockAgent) isCancelled(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled[sessionID]
}

func (a *mockAgent) notifyMessageChunk(sessionID, kind, text string) {
	data, _ := json.Marshal(protocol.MessageChunk{Text: text})
	a.notify(sessionID, kind, data)
}

func (a *mockAgent) notifyToolCall(sessionID, toolCallID string) {
	data, _ := json.Marshal(protocol.ToolCall{ID: toolCallID, Title: "run command", Kind: "execute", Status: "pending"})
	a.notify(sessionID, protocol.UpdateToolCall, data)
}

func (a *mockAgent) notifyToolCallUpdate(sessionID, toolCallID, status string) {
	data, _ := json.Marshal(protocol.ToolCallUpdate{ID: toolCallID, Status: &status})
	a.notify(sessionID, protocol.UpdateToolCallUpdate, data)
}

func (a *mockAgent) notify(sessionID, kind string, data json.RawMessage) {
	update := protocol.SessionUpdate{SessionID: sessionID, Kind: kind, Data: data}
	_ = a.client.Notify(protocol.NotificationSessionUpdate, update)
}

func promptText(args protocol.PromptParams) string {
	var parts []string
	for _, block := range args.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, " ")
}
