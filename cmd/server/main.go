// Command server runs the core: Event Bus, Relay Gateway, and Orchestrator
// in a single process behind one HTTP listener.
//
// Grounded on the stale apps/backend cmd entrypoint's shape (load config,
// build logger, wire dependencies top-down, gin engine, graceful shutdown
// on SIGINT/SIGTERM) carried over into this core's dependency graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/api"
	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/database"
	"github.com/kandev/relay/internal/common/logger"
	"github.com/kandev/relay/internal/eventbus"
	"github.com/kandev/relay/internal/eventstore"
	"github.com/kandev/relay/internal/extcollab"
	"github.com/kandev/relay/internal/gateway"
	"github.com/kandev/relay/internal/orchestrator"
	"github.com/kandev/relay/internal/permission"
)

// pruneBefore, when non-empty, runs a one-shot event store prune (dropping
// events older than the given RFC3339 timestamp) instead of starting the
// server. There is no automatic scheduler for this maintenance operation;
// an operator invokes it explicitly.
var pruneBefore = flag.String("prune-before", "", "prune events older than this RFC3339 timestamp, then exit")

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildEventStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to build event store", zap.Error(err))
	}
	defer closeStore()

	if *pruneBefore != "" {
		runPrune(ctx, store, log, *pruneBefore)
		return
	}

	bus, err := eventbus.New(cfg.EventBus, store, log)
	if err != nil {
		log.Fatal("failed to build event bus", zap.Error(err))
	}

	collaborator := extcollab.NewMemoryCollaborator()
	agents := extcollab.NewMemoryAgentStore()
	reviewer := permission.New(cfg.PermissionReview, log)

	gw := gateway.New(cfg.Gateway, bus, gateway.Deps{
		Tasks:     collaborator,
		Sessions:  collaborator,
		Artifacts: collaborator,
		Reviewer:  reviewer,
	}, log)

	orch := orchestrator.New(bus, agents, gw, log)

	go gw.Run(ctx)
	go orch.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	gw.RegisterRoutes(engine)
	api.NewHandler(cfg.Gateway, store, log).RegisterRoutes(engine)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server stopped unexpectedly", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func runPrune(ctx context.Context, store eventstore.Store, log *logger.Logger, cutoff string) {
	before, err := time.Parse(time.RFC3339, cutoff)
	if err != nil {
		log.Fatal("invalid -prune-before timestamp", zap.String("value", cutoff), zap.Error(err))
	}
	pruned, err := store.PruneBefore(ctx, before)
	if err != nil {
		log.Fatal("prune failed", zap.Error(err))
	}
	log.Info("pruned events", zap.Int64("count", pruned), zap.Time("before", before))
}

// buildEventStore selects the memory or postgres backend per
// cfg.Database.Driver, returning a no-op closer for the memory case. The
// postgres store runs its idempotent schema migration on every startup
// rather than requiring a separate migration step.
func buildEventStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (eventstore.Store, func(), error) {
	if cfg.Database.Driver == "postgres" {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		store := eventstore.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrating event store schema: %w", err)
		}
		return store, func() { db.Close() }, nil
	}
	log.Info("using in-memory event store", zap.String("driver", cfg.Database.Driver))
	return eventstore.NewMemoryStore(), func() {}, nil
}
