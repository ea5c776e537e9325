package relay

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/internal/common/logger"
)

type fakeEmitter struct {
	mu     sync.Mutex
	events []fakeEvent
}

type fakeEvent struct {
	kind string
	data map[string]interface{}
}

func (f *fakeEmitter) EmitEvent(kind string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{kind: kind, data: data})
}

func (f *fakeEmitter) last() fakeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

func TestSpawnRejectsWhenRelayBusy(t *testing.T) {
	emitter := &fakeEmitter{}
	s := &Supervisor{
		relayID: "relay-1",
		emitter: emitter,
		active:  &activeSession{sessionID: "already-running"},
	}

	s.Spawn(context.Background(), SpawnParams{RequestID: "req-1", SessionID: "new-session"})

	evt := emitter.last()
	require.Equal(t, "relay.spawn_failed", evt.kind)
	require.Equal(t, "relay busy: already running session", evt.data["error"])
}

func TestSpawnRejectsSandboxViolationWithLiteralErrorText(t *testing.T) {
	emitter := &fakeEmitter{}
	s := NewSupervisor("relay-1", []string{"/home/u/work"}, "", emitter, logger.Default())

	s.Spawn(context.Background(), SpawnParams{
		RequestID: "req-1",
		SessionID: "sess-1",
		Workdir:   "/home/u/work/../etc",
		Command:   "true",
	})

	evt := emitter.last()
	require.Equal(t, "relay.spawn_failed", evt.kind)
	require.Equal(t, "workdir not in safe paths: /home/u/work/../etc", evt.data["error"])
}

// fakeProcess is a sessionProcess whose Wait returns immediately.
type fakeProcess struct {
	exitCode int
}

func (f *fakeProcess) Stdin() io.WriteCloser { return nil }
func (f *fakeProcess) Stdout() io.Reader     { return nil }
func (f *fakeProcess) Stderr() io.Reader     { return nil }
func (f *fakeProcess) PID() int              { return 1234 }
func (f *fakeProcess) Wait() (int, error)    { return f.exitCode, nil }
func (f *fakeProcess) Kill() error           { return nil }

func TestExitWatcherReportsCompletedOnZeroExit(t *testing.T) {
	emitter := &fakeEmitter{}
	s := &Supervisor{relayID: "relay-1", emitter: emitter}

	s.exitWatcher("sess-1", &fakeProcess{exitCode: 0}, make(chan struct{}))

	evt := emitter.last()
	require.Equal(t, "relay.session_status", evt.kind)
	require.Equal(t, "completed", evt.data["status"])
	require.Equal(t, 0, evt.data["exit_code"])
}

func TestExitWatcherReportsFailedOnNonzeroExit(t *testing.T) {
	emitter := &fakeEmitter{}
	s := &Supervisor{relayID: "relay-1", emitter: emitter}

	s.exitWatcher("sess-1", &fakeProcess{exitCode: 1}, make(chan struct{}))

	evt := emitter.last()
	require.Equal(t, "relay.session_status", evt.kind)
	require.Equal(t, "failed", evt.data["status"])
	require.Equal(t, 1, evt.data["exit_code"])
}

// blockingProcess only returns from Wait once Kill has been called,
// simulating a real subprocess that must be signaled to exit.
type blockingProcess struct {
	killed chan struct{}
}

func (p *blockingProcess) Stdin() io.WriteCloser { return nil }
func (p *blockingProcess) Stdout() io.Reader     { return nil }
func (p *blockingProcess) Stderr() io.Reader     { return nil }
func (p *blockingProcess) PID() int              { return 1 }
func (p *blockingProcess) Wait() (int, error) {
	<-p.killed
	return 0, nil
}
func (p *blockingProcess) Kill() error {
	close(p.killed)
	return nil
}

func TestExitWatcherKillsProcessWhenKillChannelFires(t *testing.T) {
	emitter := &fakeEmitter{}
	s := &Supervisor{relayID: "relay-1", emitter: emitter}
	process := &blockingProcess{killed: make(chan struct{})}
	kill := make(chan struct{})
	close(kill)

	s.exitWatcher("sess-1", process, kill)

	evt := emitter.last()
	require.Equal(t, "completed", evt.data["status"])
}
