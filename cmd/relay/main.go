// Command relay runs one relay process (spec §4.4-§4.5): it connects to the
// core's duplex gateway, registers itself, and spawns/supervises agent
// sessions on behalf of relay.spawn_requested commands.
//
// Grounded on original_source/crates/todoki-relay/src/main.rs's entrypoint
// shape (load config, log identity, run with reconnect). The reconnect
// loop itself lives in internal/relay.Loop.Run, which already retries with
// backoff until ctx is cancelled, so this entrypoint only needs to call it
// once.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/relay"
)

func main() {
	cfg, err := config.LoadRelayProcessConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load relay configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	relayID := cfg.RelayID
	if relayID == "" {
		relayID = relay.GenerateRelayID()
	}

	log.Info("starting relay",
		zap.String("relay_id", relayID),
		zap.String("name", cfg.Name),
		zap.String("role", cfg.Role),
		zap.Strings("safe_paths", cfg.SafePaths),
		zap.Strings("projects", cfg.Projects))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buffer := relay.NewOutboundBuffer(cfg.BufferSize, log)
	supervisor := relay.NewSupervisor(relayID, cfg.SafePaths, cfg.SetupScript, buffer, log)

	if len(cfg.AgentTypes) > 0 {
		registry := relay.DefaultRegistry()
		for _, t := range cfg.AgentTypes {
			registry.Register(relay.AgentType{
				ID:             t.ID,
				Command:        t.Command,
				Args:           t.Args,
				RequiredEnv:    t.RequiredEnv,
				DefaultWorkdir: t.DefaultWorkdir,
			})
		}
		supervisor.UseRegistry(registry)
	}

	if cfg.Docker.Enabled {
		dockerExec, err := relay.NewDockerExecutor(ctx, relay.DockerExecutorConfig{
			Host:       cfg.Docker.Host,
			APIVersion: cfg.Docker.APIVersion,
			Image:      cfg.Docker.Image,
			Memory:     cfg.Docker.Memory,
			CPUQuota:   cfg.Docker.CPUQuota,
		}, log)
		if err != nil {
			log.Fatal("failed to initialize docker executor", zap.Error(err))
		}
		supervisor.UseExecutor(dockerExec)
		log.Info("using docker-isolated session executor", zap.String("image", cfg.Docker.Image))
	}

	loop := relay.NewLoop(relay.Config{
		ServerURL:   cfg.ServerURL,
		Token:       cfg.Token,
		RelayID:     relayID,
		Name:        cfg.Name,
		Role:        cfg.Role,
		SafePaths:   cfg.SafePaths,
		Labels:      cfg.Labels,
		Projects:    cfg.Projects,
		SetupScript: cfg.SetupScript,
	}, buffer, supervisor, log)

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("relay loop exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("relay stopped")
}
