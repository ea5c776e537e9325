// Session Supervisor (spec §4.5): enforces single-active-session-per-relay,
// validates the sandbox, runs an optional setup script, spawns the agent
// subprocess, and hands its stdio to the Agent-Control Bridge.
//
// Grounded on backend/internal/agent/lifecycle/manager.go's instance
// tracking shape (generalized here from per-task multi-instance to a
// single-slot per-relay gate) and
// original_source/crates/todoki-relay/src/session.rs for the exact
// spawn sequence, one-prompt-per-session policy, and exit watcher.
package relay

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/bridge"
	"github.com/kandev/relay/internal/common/errors"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/pkg/acp/protocol"
)

// executorFor returns the bare-subprocess executor unless s.executor has
// been overridden (UseExecutor), e.g. to DockerExecutor.
func (s *Supervisor) executorFor() Executor {
	if s.executor != nil {
		return s.executor
	}
	return NewSubprocessExecutor()
}

// Emitter forwards a relay-originated event onto the outbound buffer
// (§4.4) bound for the gateway. data must already be JSON-marshalable.
type Emitter interface {
	EmitEvent(kind string, data map[string]interface{})
}

// SpawnParams carries the relay.spawn_requested payload (spec §4.5 step 1).
// Type is optional: when set and Command is empty, it is resolved against
// the relay's agent type registry for its command/args/workdir defaults
// and required-env check instead of requiring every spawn to repeat them.
type SpawnParams struct {
	RequestID string
	AgentID   string
	SessionID string
	Type      string
	Workdir   string
	Command   string
	Args      []string
	Env       map[string]string
}

// applyAgentTypeDefaults fills in Command/Args/Workdir from the registry
// when params.Type names a known agent type and Command was left blank,
// and verifies every env var that type requires is present.
func (s *Supervisor) applyAgentTypeDefaults(params *SpawnParams) error {
	if params.Type == "" {
		return nil
	}
	agentType, err := s.registryFor().Resolve(params.Type)
	if err != nil {
		return err
	}
	if params.Command == "" {
		params.Command = agentType.Command
		params.Args = agentType.Args
	}
	if params.Workdir == "" {
		params.Workdir = agentType.DefaultWorkdir
	}
	for _, key := range agentType.RequiredEnv {
		if _, ok := params.Env[key]; !ok {
			return fmt.Errorf("agent type %q requires env var %q", params.Type, key)
		}
	}
	return nil
}

// Supervisor enforces the single-active-session invariant for one relay.
type Supervisor struct {
	relayID     string
	safePaths   []string
	setupScript string
	emitter     Emitter
	executor    Executor
	registry    *Registry
	logger      *logger.Logger

	mu     sync.Mutex
	active *activeSession
}

// UseRegistry overrides the default built-in agent type registry, letting
// operators resolve a spawn's params.Type to a known command/args/workdir
// default and required-env check instead of requiring the Orchestrator to
// supply the full command every time.
func (s *Supervisor) UseRegistry(r *Registry) {
	s.registry = r
}

func (s *Supervisor) registryFor() *Registry {
	if s.registry != nil {
		return s.registry
	}
	return DefaultRegistry()
}

type activeSession struct {
	sessionID string
	agentID   string
	process   sessionProcess
	bridge    *bridge.Bridge
	kill      chan struct{}
	killOnce  sync.Once
}

// UseExecutor overrides the default bare-subprocess executor, e.g. with a
// DockerExecutor for container-isolated sessions. Must be called before
// the first Spawn.
func (s *Supervisor) UseExecutor(e Executor) {
	s.executor = e
}

// NewSupervisor constructs a Supervisor for a single relay identity.
func NewSupervisor(relayID string, safePaths []string, setupScript string, emitter Emitter, log *logger.Logger) *Supervisor {
	return &Supervisor{
		relayID:     relayID,
		safePaths:   safePaths,
		setupScript: setupScript,
		emitter:     emitter,
		logger:      log,
	}
}

// Spawn validates and starts a new agent subprocess, wiring its stdio to a
// fresh Agent-Control Bridge. Only one session may be active at a time.
func (s *Supervisor) Spawn(ctx context.Context, params SpawnParams) {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.emitSpawnFailed(params, errors.RelayBusy(s.relayID))
		return
	}
	// Reserve the slot immediately so concurrent spawn requests can't race
	// past the nil check above while this one is still validating.
	s.active = &activeSession{sessionID: params.SessionID, agentID: params.AgentID}
	s.mu.Unlock()

	pid, err := s.spawnLocked(ctx, params)
	if err != nil {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		s.emitSpawnFailed(params, err)
		return
	}

	s.emitter.EmitEvent("relay.spawn_completed", map[string]interface{}{
		"request_id": params.RequestID,
		"session_id": params.SessionID,
		"relay_id":   s.relayID,
		"pid":        pid,
	})
}

func (s *Supervisor) spawnLocked(ctx context.Context, params SpawnParams) (int, error) {
	if err := s.applyAgentTypeDefaults(&params); err != nil {
		return 0, err
	}

	workdir := expandTilde(params.Workdir)
	if !isPathSafe(workdir, s.safePaths) {
		return 0, errors.SandboxRejected(params.Workdir)
	}
	if _, err := os.Stat(workdir); err != nil {
		return 0, fmt.Errorf("workdir does not exist: %w", err)
	}

	if s.setupScript != "" {
		if err := s.runSetupScript(ctx, workdir, params.SessionID); err != nil {
			return 0, fmt.Errorf("setup script failed: %w", err)
		}
	}

	process, err := s.executorFor().Start(ctx, workdir, params)
	if err != nil {
		return 0, fmt.Errorf("starting session process: %w", err)
	}

	go s.streamStderr(params.SessionID, process.Stderr())

	sink := &bridgeSinkAdapter{
		emitter:   s.emitter,
		agentID:   params.AgentID,
		sessionID: params.SessionID,
	}
	br, err := bridge.New(ctx, process.Stdin(), process.Stdout(), s.logger, workdir, sink)
	if err != nil {
		_ = process.Kill()
		return 0, fmt.Errorf("initializing agent-control bridge: %w", err)
	}

	kill := make(chan struct{})
	s.mu.Lock()
	s.active = &activeSession{
		sessionID: params.SessionID,
		agentID:   params.AgentID,
		process:   process,
		bridge:    br,
		kill:      kill,
	}
	s.mu.Unlock()

	go s.exitWatcher(params.SessionID, process, kill)

	return process.PID(), nil
}

func (s *Supervisor) runSetupScript(ctx context.Context, workdir, sessionID string) error {
	scriptPath := filepath.Join(workdir, fmt.Sprintf(".todoki-setup-%s.sh", sessionID))
	if err := os.WriteFile(scriptPath, []byte(s.setupScript), 0o755); err != nil {
		return fmt.Errorf("writing setup script: %w", err)
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, "bash", scriptPath)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("setup script exited with error: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (s *Supervisor) streamStderr(sessionID string, stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			s.logger.Debug("agent stderr", zap.String("session_id", sessionID), zap.String("line", string(buf[:n])))
		}
		if err != nil {
			return
		}
	}
}

// SendInput forwards text as a single prompt turn. Per the supervisor's
// one-prompt-per-session policy, the kill channel fires once the turn
// completes, and the exit watcher then kills the subprocess.
func (s *Supervisor) SendInput(ctx context.Context, sessionID, text string) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil || active.sessionID != sessionID {
		return fmt.Errorf("no active session %q on this relay", sessionID)
	}

	go func() {
		if err := active.bridge.Prompt(ctx, text); err != nil {
			s.logger.Warn("prompt failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		active.killOnce.Do(func() { close(active.kill) })
	}()
	return nil
}

// Stop fires the kill channel for sessionID if it is the active session.
func (s *Supervisor) Stop(sessionID string) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == nil || active.sessionID != sessionID {
		return fmt.Errorf("no active session %q on this relay", sessionID)
	}
	active.killOnce.Do(func() { close(active.kill) })
	return nil
}

// StopAll fires the kill channel for whatever session is currently active,
// used when the relay loop shuts down.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.killOnce.Do(func() { close(active.kill) })
	}
}

// RespondPermission delivers a decision to the active session's bridge.
func (s *Supervisor) RespondPermission(requestID string, outcome protocol.PermissionOutcome) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return
	}
	active.bridge.RespondPermission(requestID, outcome)
}

func (s *Supervisor) exitWatcher(sessionID string, process sessionProcess, kill chan struct{}) {
	done := make(chan int, 1)
	go func() {
		exitCode, _ := process.Wait()
		done <- exitCode
	}()

	var exitCode int
	select {
	case <-kill:
		_ = process.Kill()
		exitCode = <-done
	case exitCode = <-done:
	}

	status := "failed"
	if exitCode == 0 {
		status = "completed"
	}

	s.emitter.EmitEvent("relay.session_status", map[string]interface{}{
		"session_id": sessionID,
		"status":     status,
		"exit_code":  exitCode,
	})

	s.mu.Lock()
	if s.active != nil && s.active.sessionID == sessionID {
		s.active.bridge.Close()
		s.active = nil
	}
	s.mu.Unlock()
}

// emitSpawnFailed reports a spawn failure with the error's clean message: an
// *AppError contributes its bare Message (no code prefix), matching spec's
// literal error strings; anything else contributes Error() as-is.
func (s *Supervisor) emitSpawnFailed(params SpawnParams, err error) {
	reason := err.Error()
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		reason = appErr.Message
	}
	s.emitter.EmitEvent("relay.spawn_failed", map[string]interface{}{
		"request_id": params.RequestID,
		"session_id": params.SessionID,
		"relay_id":   s.relayID,
		"error":      reason,
	})
}

// bridgeSinkAdapter translates bridge.Sink callbacks into relay events on
// the outbound buffer, tagging each with agent_id/session_id.
type bridgeSinkAdapter struct {
	emitter   Emitter
	agentID   string
	sessionID string
}

func (a *bridgeSinkAdapter) EmitAgentOutput(seq int64, stream, message string) {
	a.emitter.EmitEvent("relay.agent_output", map[string]interface{}{
		"agent_id":   a.agentID,
		"session_id": a.sessionID,
		"seq":        seq,
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"stream":     stream,
		"message":    message,
	})
}

func (a *bridgeSinkAdapter) EmitOutputBatch(stream string, messages []string) {
	a.emitter.EmitEvent("agent.output_batch", map[string]interface{}{
		"agent_id":   a.agentID,
		"session_id": a.sessionID,
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"stream":     stream,
		"messages":   messages,
	})
}

func (a *bridgeSinkAdapter) EmitArtifact(art bridge.Artifact) {
	a.emitter.EmitEvent("relay.artifact", map[string]interface{}{
		"session_id": a.sessionID,
		"agent_id":   a.agentID,
		"type":       art.Type,
		"url":        art.URL,
		"owner":      art.Owner,
		"repo":       art.Repo,
		"number":     art.Number,
	})
}

func (a *bridgeSinkAdapter) EmitPermissionRequest(req bridge.PermissionRequest) {
	a.emitter.EmitEvent("relay.permission_request", map[string]interface{}{
		"request_id":   req.RequestID,
		"agent_id":     a.agentID,
		"session_id":   a.sessionID,
		"tool_call_id": req.ToolCallID,
		"tool_call":    req.ToolCall,
		"options":      req.Options,
	})
}

func (a *bridgeSinkAdapter) EmitPromptCompleted(success bool, errMsg string) {
	a.emitter.EmitEvent("relay.prompt_completed", map[string]interface{}{
		"agent_id":   a.agentID,
		"session_id": a.sessionID,
		"success":    success,
		"error":      errMsg,
	})
}
