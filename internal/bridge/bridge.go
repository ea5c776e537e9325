// Package bridge implements the Agent-Control Bridge (spec §4.6): a duplex
// JSON-RPC peer speaking the "agent-control" dialect over a subprocess's
// stdio. The bridge is the client; the subprocess is the agent.
//
// Grounded on pkg/acp/jsonrpc/client.go (atomic request ids, pending-map
// correlation, bufio.Scanner read loop, onNotification/onRequest
// registration) and internal/agent/acp/session.go's Initialize/NewSession/
// Prompt/Cancel sequencing — extended here to actually wire
// SetRequestHandler (the teacher leaves it registered but unused) to
// implement spec's request_permission callback with a single-slot pending
// map, a 300s timeout, and the allow-preference fallback order taken from
// original_source/crates/todoki-relay/src/acp.rs's pick_allow_option.
// Artifact-detection regex is new, grounded on spec.md §4.6 literally.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/pkg/acp/jsonrpc"
	"github.com/kandev/relay/pkg/acp/protocol"
)

// permissionTimeout bounds how long the bridge waits for a human/judge
// decision before synthesizing an allow outcome (spec §4.6 step 4).
const permissionTimeout = 300 * time.Second

// prRegex matches GitHub pull request URLs appearing in tool call output.
var prRegex = regexp.MustCompile(`https://github\.com/([^/]+)/([^/]+)/pull/(\d+)`)

// Artifact is a detected build output surfaced via tool call output.
type Artifact struct {
	Type   string
	URL    string
	Owner  string
	Repo   string
	Number int
}

// PermissionRequest is what the bridge asks the supervisor/gateway to
// relay to a human or judge.
type PermissionRequest struct {
	RequestID  string
	ToolCallID string
	ToolCall   json.RawMessage
	Options    []protocol.PermissionOption
}

// Sink receives everything the bridge emits, for the supervisor to forward
// onto the relay's outbound event stream.
type Sink interface {
	EmitAgentOutput(seq int64, stream, message string)
	EmitOutputBatch(stream string, messages []string)
	EmitArtifact(a Artifact)
	EmitPermissionRequest(req PermissionRequest)
	EmitPromptCompleted(success bool, errMsg string)
}

// Bridge drives a single agent subprocess through its ACP lifecycle.
type Bridge struct {
	client    *jsonrpc.Client
	sessionID string
	sink      Sink
	logger    *logger.Logger

	seq atomic.Int64

	bufMu       sync.Mutex
	bufStream   string
	bufMessages []string

	pendingMu sync.Mutex
	pending   *pendingPermission

	seenArtifacts map[string]bool
}

type pendingPermission struct {
	requestID string
	responses chan protocol.PermissionOutcome
}

// New wires stdin/stdout into a fresh JSON-RPC client, performs the
// initialize -> new_session handshake, and returns a ready Bridge.
func New(ctx context.Context, stdin io.Writer, stdout io.Reader, log *logger.Logger, cwd string, sink Sink) (*Bridge, error) {
	b := &Bridge{
		sink:          sink,
		logger:        log,
		seenArtifacts: make(map[string]bool),
	}
	b.seq.Store(time.Now().UnixNano())

	b.client = jsonrpc.NewClient(stdin, stdout, log)
	b.client.SetNotificationHandler(b.handleNotification)
	b.client.SetRequestHandler(b.handleRequest)
	b.client.Start(ctx)

	initParams := protocol.InitializeParams{
		ProtocolVersion:    1,
		ClientCapabilities: protocol.ClientCapabilities{Streaming: true},
		ClientInfo:         protocol.ClientInfo{Name: "relay", Version: "0.1.0"},
	}
	if _, err := b.client.Call(ctx, protocol.MethodInitialize, initParams); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	resp, err := b.client.Call(ctx, protocol.MethodNewSession, protocol.NewSessionParams{Cwd: cwd})
	if err != nil {
		return nil, fmt.Errorf("new_session: %w", err)
	}
	var result protocol.NewSessionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parsing new_session result: %w", err)
	}
	b.sessionID = result.SessionID

	return b, nil
}

// SessionID returns the ACP-level session id returned by new_session.
func (b *Bridge) SessionID() string { return b.sessionID }

// Prompt issues a single turn and blocks until the agent reports a stop
// reason. The output batch buffer is always flushed and a prompt_completed
// event emitted on the sink before Prompt returns, success or not.
func (b *Bridge) Prompt(ctx context.Context, text string) error {
	params := protocol.PromptParams{
		SessionID: b.sessionID,
		Content:   []protocol.ContentBlock{{Type: "text", Text: text}},
	}

	resp, err := b.client.Call(ctx, protocol.MethodPrompt, params)

	b.flushBuffer()

	if err != nil {
		b.sink.EmitPromptCompleted(false, err.Error())
		return fmt.Errorf("prompt: %w", err)
	}
	if resp.Error != nil {
		b.sink.EmitPromptCompleted(false, resp.Error.Message)
		return fmt.Errorf("prompt error: %s", resp.Error.Message)
	}
	b.sink.EmitPromptCompleted(true, "")
	return nil
}

// Cancel sends a cancel notification for the current session.
func (b *Bridge) Cancel() error {
	return b.client.Notify(protocol.MethodCancel, protocol.CancelParams{SessionID: b.sessionID})
}

// RespondPermission delivers a decision into the single-slot pending
// permission map, if requestID matches what's currently pending.
func (b *Bridge) RespondPermission(requestID string, outcome protocol.PermissionOutcome) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if b.pending == nil || b.pending.requestID != requestID {
		b.logger.Warn("permission response for unknown or stale request",
			zap.String("request_id", requestID))
		return
	}
	b.pending.responses <- outcome
}

// Close stops the underlying JSON-RPC client's read loop.
func (b *Bridge) Close() {
	b.client.Stop()
}

func (b *Bridge) handleNotification(method string, params json.RawMessage) {
	if method != protocol.NotificationSessionUpdate {
		return
	}
	var update protocol.SessionUpdate
	if err := json.Unmarshal(params, &update); err != nil {
		b.logger.Warn("failed to parse session_update", zap.Error(err))
		return
	}
	b.processUpdate(update)
}

func (b *Bridge) handleRequest(id interface{}, method string, params json.RawMessage) {
	if method != protocol.MethodRequestPermission {
		b.client.SendResponse(id, nil, &jsonrpc.Error{
			Code:    jsonrpc.MethodNotFound,
			Message: "method not found",
		})
		return
	}

	var reqParams protocol.RequestPermissionParams
	if err := json.Unmarshal(params, &reqParams); err != nil {
		b.client.SendResponse(id, nil, &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()})
		return
	}

	requestID := uuid.New().String()
	responses := make(chan protocol.PermissionOutcome, 1)

	b.pendingMu.Lock()
	if b.pending != nil {
		b.logger.Warn("replacing already-pending permission request",
			zap.String("old_request_id", b.pending.requestID),
			zap.String("new_request_id", requestID))
	}
	b.pending = &pendingPermission{requestID: requestID, responses: responses}
	b.pendingMu.Unlock()

	b.sink.EmitPermissionRequest(PermissionRequest{
		RequestID:  requestID,
		ToolCallID: reqParams.ToolCallID,
		ToolCall:   reqParams.ToolCall,
		Options:    reqParams.Options,
	})

	go b.awaitPermissionResponse(id, requestID, responses, reqParams.Options)
}

func (b *Bridge) awaitPermissionResponse(rpcID interface{}, requestID string, responses chan protocol.PermissionOutcome, options []protocol.PermissionOption) {
	var outcome protocol.PermissionOutcome

	select {
	case outcome = <-responses:
	case <-time.After(permissionTimeout):
		b.logger.Warn("permission request timed out, synthesizing fallback",
			zap.String("request_id", requestID))
		outcome = pickAllowOption(options)
	}

	b.pendingMu.Lock()
	if b.pending != nil && b.pending.requestID == requestID {
		b.pending = nil
	}
	b.pendingMu.Unlock()

	result := protocol.RequestPermissionResult{Outcome: outcome}
	b.client.SendResponse(rpcID, result, nil)
}

// pickAllowOption mirrors acp.rs's fallback order: AllowAlways, then
// AllowOnce, then the first option at all, else Cancelled.
func pickAllowOption(options []protocol.PermissionOption) protocol.PermissionOutcome {
	var allowOnce *protocol.PermissionOption
	for i := range options {
		opt := &options[i]
		if opt.Kind == protocol.OptionAllowAlways {
			return protocol.PermissionOutcome{Selected: opt.ID}
		}
		if opt.Kind == protocol.OptionAllowOnce && allowOnce == nil {
			allowOnce = opt
		}
	}
	if allowOnce != nil {
		return protocol.PermissionOutcome{Selected: allowOnce.ID}
	}
	if len(options) > 0 {
		return protocol.PermissionOutcome{Selected: options[0].ID}
	}
	return protocol.PermissionOutcome{Cancelled: true}
}

func (b *Bridge) processUpdate(update protocol.SessionUpdate) {
	stream := streamTagFor(update.Kind)
	message := b.messageFor(update)

	if update.Kind == protocol.UpdateToolCallUpdate {
		b.detectArtifacts(update.Data)
	}
	if message != "" {
		b.emitRaw(stream, message)
	}
}

func streamTagFor(kind string) string {
	switch kind {
	case protocol.UpdateAgentMessageChunk:
		return "assistant"
	case protocol.UpdateAgentThoughtChunk:
		return "thinking"
	case protocol.UpdateToolCall:
		return "tool_use"
	case protocol.UpdateToolCallUpdate:
		return "tool_result"
	case protocol.UpdateUserMessageChunk:
		return "user"
	case protocol.UpdatePlan:
		return "plan"
	default:
		return "system"
	}
}

func (b *Bridge) messageFor(update protocol.SessionUpdate) string {
	switch update.Kind {
	case protocol.UpdateUserMessageChunk, protocol.UpdateAgentMessageChunk, protocol.UpdateAgentThoughtChunk:
		var chunk protocol.MessageChunk
		if err := json.Unmarshal(update.Data, &chunk); err == nil {
			return chunk.Text
		}
	case protocol.UpdateToolCall:
		var tc protocol.ToolCall
		if err := json.Unmarshal(update.Data, &tc); err == nil {
			return fmt.Sprintf("%s: %s", tc.Kind, tc.Title)
		}
	case protocol.UpdateToolCallUpdate:
		var tcu protocol.ToolCallUpdate
		if err := json.Unmarshal(update.Data, &tcu); err == nil {
			status := ""
			if tcu.Status != nil {
				status = *tcu.Status
			}
			return fmt.Sprintf("%s -> %s", tcu.ID, status)
		}
	}
	return string(update.Data)
}

// emitRaw streams the per-line event immediately and aggregates into the
// batch buffer, flushing it whenever the stream kind changes.
func (b *Bridge) emitRaw(stream, message string) {
	seq := b.seq.Add(1)

	b.bufMu.Lock()
	if b.bufStream != "" && b.bufStream != stream && len(b.bufMessages) > 0 {
		prevStream := b.bufStream
		prevMessages := b.bufMessages
		b.bufStream = ""
		b.bufMessages = nil
		b.bufMu.Unlock()
		b.sink.EmitOutputBatch(prevStream, prevMessages)
		b.bufMu.Lock()
	}
	b.bufStream = stream
	b.bufMessages = append(b.bufMessages, message)
	b.bufMu.Unlock()

	b.sink.EmitAgentOutput(seq, stream, message)
}

// flushBuffer emits whatever partial batch is pending, called on prompt
// completion so the final stream segment isn't lost.
func (b *Bridge) flushBuffer() {
	b.bufMu.Lock()
	stream := b.bufStream
	messages := b.bufMessages
	b.bufStream = ""
	b.bufMessages = nil
	b.bufMu.Unlock()

	if stream != "" && len(messages) > 0 {
		b.sink.EmitOutputBatch(stream, messages)
	}
}

// detectArtifacts scans a tool_call_update's raw_output for GitHub PR URLs
// and emits one artifact per distinct match seen by this bridge instance.
func (b *Bridge) detectArtifacts(raw json.RawMessage) {
	var tcu protocol.ToolCallUpdate
	if err := json.Unmarshal(raw, &tcu); err != nil || tcu.RawOutput == nil {
		return
	}

	for _, match := range prRegex.FindAllStringSubmatch(*tcu.RawOutput, -1) {
		url := match[0]
		if b.seenArtifacts[url] {
			continue
		}
		b.seenArtifacts[url] = true

		number := 0
		fmt.Sscanf(match[3], "%d", &number)
		b.sink.EmitArtifact(Artifact{
			Type:   "github_pr",
			URL:    url,
			Owner:  match[1],
			Repo:   match[2],
			Number: number,
		})
	}
}
