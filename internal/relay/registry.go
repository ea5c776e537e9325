// Registry describes the relay-local agent types this relay knows how to
// run. Unlike a server-side registry keyed by container image, the
// spawn command the Orchestrator issues already carries {command, args,
// env}; the registry here only supplies defaults and required-env
// validation for named agent types, so operators don't have to repeat
// boilerplate in every spawn.
//
// Grounded on apps/backend/internal/agent/registry/registry.go's
// AgentTypeConfig shape, trimmed of the Docker-image/mount fields that
// belong to the optional containerized executor (sandbox_docker.go) and
// kept for the subprocess executor's command/args/workdir defaults and
// required-env list.
package relay

import (
	"fmt"
	"sync"
)

// AgentType is a named default configuration for a kind of agent command.
type AgentType struct {
	ID             string
	Command        string
	Args           []string
	RequiredEnv    []string
	DefaultWorkdir string
}

// Registry resolves named agent types to their default command
// configuration.
type Registry struct {
	mu    sync.RWMutex
	types map[string]AgentType
}

// NewRegistry builds a registry seeded with types.
func NewRegistry(types ...AgentType) *Registry {
	r := &Registry{types: make(map[string]AgentType)}
	for _, t := range types {
		r.types[t.ID] = t
	}
	return r
}

// DefaultRegistry returns a registry with the relay's built-in agent
// types. Operators extend it via Register for site-specific commands.
func DefaultRegistry() *Registry {
	return NewRegistry(
		AgentType{
			ID:          "acp-agent",
			Command:     "acp-agent",
			RequiredEnv: []string{},
		},
		AgentType{
			ID:      "mock",
			Command: "mockagent",
		},
	)
}

// Register adds or replaces an agent type.
func (r *Registry) Register(t AgentType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.ID] = t
}

// Resolve returns the named agent type's defaults, or an error if unknown.
func (r *Registry) Resolve(id string) (AgentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	if !ok {
		return AgentType{}, fmt.Errorf("unknown agent type %q", id)
	}
	return t, nil
}
