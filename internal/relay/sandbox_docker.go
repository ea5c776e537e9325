// Docker-backed session executor (spec §4.5 Non-goals: "a Docker or VM
// sandbox is out of scope for this core; it is a relay deployment
// concern"). That non-goal excludes the server from owning container
// lifecycle, but a relay operator may still choose container isolation
// over path-based sandboxing for its own local spawns — this implements
// that opt-in alternative behind the same Executor interface the bare
// subprocess path uses.
//
// Grounded on internal/agent/docker/client.go's container lifecycle calls
// (ContainerCreate/Start/Attach/Wait/Remove), narrowed to the
// attach-stdio-then-wait sequence a single interactive session needs, and
// using AttachContainer's stdin pipe instead of that file's AttachResult
// struct shape.
package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/logger"
)

// DockerExecutorConfig selects the image and mount behavior for
// container-isolated sessions.
type DockerExecutorConfig struct {
	Host       string
	APIVersion string
	Image      string
	Memory     int64
	CPUQuota   int64
}

// DockerExecutor starts one container per session, bind-mounting the
// session's workdir at the same path it would occupy on the host so
// relative paths in agent output stay meaningful.
type DockerExecutor struct {
	cli    *client.Client
	cfg    DockerExecutorConfig
	logger *logger.Logger
}

// NewDockerExecutor dials the Docker daemon described by cfg and verifies
// it is reachable.
func NewDockerExecutor(ctx context.Context, cfg DockerExecutorConfig, log *logger.Logger) (*DockerExecutor, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return &DockerExecutor{cli: cli, cfg: cfg, logger: log}, nil
}

func (e *DockerExecutor) Start(ctx context.Context, workdir string, params SpawnParams) (sessionProcess, error) {
	containerCfg := &container.Config{
		Image:        e.cfg.Image,
		Cmd:          append([]string{params.Command}, params.Args...),
		Env:          BuildEnv(params.Env),
		WorkingDir:   workdir,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels: map[string]string{
			"relay.session_id": params.SessionID,
			"relay.agent_id":   params.AgentID,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workdir,
			Target: workdir,
		}},
		AutoRemove: true,
		Resources: container.Resources{
			Memory:   e.cfg.Memory,
			CPUQuota: e.cfg.CPUQuota,
		},
	}

	created, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "relay-session-"+params.SessionID)
	if err != nil {
		return nil, fmt.Errorf("creating session container: %w", err)
	}

	attach, err := e.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to session container: %w", err)
	}

	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("starting session container: %w", err)
	}

	e.logger.Info("session container started",
		zap.String("container_id", created.ID), zap.String("session_id", params.SessionID))

	return &dockerHandle{
		cli:         e.cli,
		containerID: created.ID,
		conn:        attach.Conn,
		stdout:      attach.Reader,
	}, nil
}

type dockerHandle struct {
	cli         *client.Client
	containerID string
	conn        io.Writer
	stdout      io.Reader
}

func (h *dockerHandle) Stdin() io.WriteCloser { return stdinWriteCloser{h.conn} }
func (h *dockerHandle) Stdout() io.Reader     { return h.stdout }
func (h *dockerHandle) Stderr() io.Reader     { return h.stdout } // multiplexed by the Docker attach stream
func (h *dockerHandle) PID() int              { return 0 }

func (h *dockerHandle) Wait() (int, error) {
	statusCh, errCh := h.cli.ContainerWait(context.Background(), h.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

func (h *dockerHandle) Kill() error {
	return h.cli.ContainerKill(context.Background(), h.containerID, "SIGKILL")
}

// stdinWriteCloser adapts the attach connection's io.Writer half to
// io.WriteCloser without closing the whole duplex connection on Close,
// since the container's own exit is what ends the session.
type stdinWriteCloser struct {
	io.Writer
}

func (stdinWriteCloser) Close() error { return nil }
