// Package permission implements the Permission Review pipeline (spec
// §4.8): an optional external judge call that turns a relay.permission_request
// into an approve/reject/manual decision.
//
// Grounded on
// original_source/crates/todoki-server/src/permission_reviewer/mod.rs: the
// system/user prompt shape, the find_allow_option fallback order,
// temperature 0, timeout-wrapped HTTP call, and the brace-scanning JSON
// parse fallback are all ported from there. No example repo in the pack
// imports an LLM client SDK, and the Rust original's async-openai has no Go
// sibling in the corpus, so the judge call is made directly against
// net/http — a deliberate, documented exception to "always prefer a
// library", since there is no ecosystem choice present anywhere in the
// retrieved examples for this one boundary.
package permission

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/errors"
	"github.com/kandev/relay/internal/common/logger"
)

// Context is the information handed to the judge for a single decision.
type Context struct {
	RequestID  string
	AgentID    string
	SessionID  string
	ToolCall   map[string]interface{}
	Options    []map[string]interface{}
	TaskGoal   string
	Workdir    string
}

// Decision is the reviewer's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionManual  Decision = "manual"
)

// Outcome is the resolved action the caller should take.
type Outcome struct {
	Decision   Decision
	Reason     string
	SelectedID string // populated only for DecisionApprove
}

// Reviewer invokes the configured judge, if any, to decide a permission
// request. A nil Reviewer (or one built from a disabled config) always
// returns DecisionManual, leaving the request for human review.
type Reviewer struct {
	cfg    config.PermissionReviewConfig
	client *http.Client
	logger *logger.Logger
}

// New constructs a Reviewer. If cfg.Enabled is false or cfg.APIKey is
// empty, Review always returns DecisionManual without making a network call.
func New(cfg config.PermissionReviewConfig, log *logger.Logger) *Reviewer {
	return &Reviewer{
		cfg:    cfg,
		client: &http.Client{},
		logger: log,
	}
}

// Enabled reports whether this reviewer will actually invoke a judge.
func (r *Reviewer) Enabled() bool {
	return r != nil && r.cfg.Enabled && r.cfg.APIKey != ""
}

type judgeResponse struct {
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	RiskLevel string `json:"risk_level,omitempty"`
}

// Review runs the judge over ctx and returns the resolved outcome. If the
// reviewer is disabled, the judge call errors, times out, or replies with
// something unparseable, the outcome degrades to DecisionManual — per spec
// §7, judge failures never block the agent silently, they fall back to
// human review.
func (r *Reviewer) Review(ctx context.Context, pctx Context) Outcome {
	if !r.Enabled() {
		return Outcome{Decision: DecisionManual, Reason: "permission review disabled"}
	}

	resp, err := r.callJudge(ctx, pctx)
	if err != nil {
		r.logger.Warn("permission judge call failed, falling back to manual review",
			zap.String("request_id", pctx.RequestID), zap.Error(err))
		return Outcome{Decision: DecisionManual, Reason: fmt.Sprintf("judge error: %v", err)}
	}

	switch strings.ToLower(resp.Decision) {
	case "approve":
		selected := findAllowOption(pctx.Options)
		return Outcome{Decision: DecisionApprove, Reason: resp.Reason, SelectedID: selected}
	case "reject":
		return Outcome{Decision: DecisionReject, Reason: resp.Reason}
	default:
		return Outcome{Decision: DecisionManual, Reason: resp.Reason}
	}
}

func (r *Reviewer) callJudge(ctx context.Context, pctx Context) (*judgeResponse, error) {
	timeout := r.cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := map[string]interface{}{
		"model":       r.cfg.Model,
		"temperature": 0,
		"max_tokens":  500,
		"messages": []map[string]string{
			{"role": "system", "content": buildSystemPrompt()},
			{"role": "user", "content": buildUserPrompt(pctx)},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling judge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.JudgeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.PermissionTimeout(pctx.RequestID)
		}
		return nil, fmt.Errorf("calling judge: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading judge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("judge returned status %d: %s", resp.StatusCode, string(raw))
	}

	content, err := extractChatContent(raw)
	if err != nil {
		return nil, err
	}
	return parseJudgeReply(content)
}

// chatCompletion is the minimal subset of an OpenAI-compatible chat
// completion response needed to pull out the assistant's message content.
type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func extractChatContent(raw []byte) (string, error) {
	var cc chatCompletion
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", fmt.Errorf("decoding judge response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return "", fmt.Errorf("judge response had no choices")
	}
	return cc.Choices[0].Message.Content, nil
}

// parseJudgeReply parses the judge's free-text reply as JSON, falling back
// to scanning for the first '{' .. last '}' substring when the model wraps
// its JSON in prose — matching the original's parse_ai_response behavior.
func parseJudgeReply(content string) (*judgeResponse, error) {
	content = strings.TrimSpace(content)

	var resp judgeResponse
	if strings.HasPrefix(content, "{") {
		if err := json.Unmarshal([]byte(content), &resp); err == nil {
			return &resp, nil
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("judge reply contained no JSON object: %q", content)
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &resp); err != nil {
		return nil, fmt.Errorf("parsing judge reply: %w", err)
	}
	return &resp, nil
}

// findAllowOption mirrors the original's fallback order: prefer an option
// whose id or title contains "allow", "approve", or "yes" (case
// insensitively), else fall back to the first option. Returns "" if there
// are no options at all.
func findAllowOption(options []map[string]interface{}) string {
	for _, opt := range options {
		id, _ := opt["id"].(string)
		title, _ := opt["title"].(string)
		lowerID := strings.ToLower(id)
		lowerTitle := strings.ToLower(title)
		if containsAny(lowerID, "allow", "approve", "yes") || containsAny(lowerTitle, "allow", "approve", "yes") {
			return id
		}
	}
	if len(options) > 0 {
		id, _ := options[0]["id"].(string)
		return id
	}
	return ""
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func buildSystemPrompt() string {
	return "You are a safety reviewer for an autonomous coding agent. " +
		"Decide whether a requested tool action should be approved, rejected, " +
		"or escalated to manual human review. The core principle is relevance " +
		"to the task goal: approve actions that plausibly serve the stated " +
		"goal and stay within the working directory; reject actions that are " +
		"destructive, unrelated to the goal, or attempt to exfiltrate " +
		"credentials; escalate to manual anything ambiguous. " +
		"Respond with a single JSON object and nothing else, in the form " +
		`{"decision": "approve"|"reject"|"manual", "reason": "<short reason>", "risk_level": "low"|"medium"|"high"}`
}

func buildUserPrompt(pctx Context) string {
	var b strings.Builder
	if pctx.TaskGoal != "" {
		fmt.Fprintf(&b, "Task Goal: %s\n", pctx.TaskGoal)
	}
	if pctx.Workdir != "" {
		fmt.Fprintf(&b, "Working Directory: %s\n", pctx.Workdir)
	}
	toolCall, _ := json.MarshalIndent(pctx.ToolCall, "", "  ")
	options, _ := json.MarshalIndent(pctx.Options, "", "  ")
	fmt.Fprintf(&b, "Tool Call:\n%s\n\nOptions:\n%s\n\nRespond with JSON only.", toolCall, options)
	return b.String()
}
