package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryResolveUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("nope")
	require.Error(t, err)
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Register(AgentType{ID: "claude", Command: "claude-agent", Args: []string{"--acp"}, RequiredEnv: []string{"ANTHROPIC_API_KEY"}})

	got, err := r.Resolve("claude")
	require.NoError(t, err)
	require.Equal(t, "claude-agent", got.Command)
	require.Equal(t, []string{"--acp"}, got.Args)
}

func TestApplyAgentTypeDefaultsFillsBlankCommand(t *testing.T) {
	s := &Supervisor{registry: NewRegistry(AgentType{
		ID:             "claude",
		Command:        "claude-agent",
		Args:           []string{"--acp"},
		DefaultWorkdir: "/work",
		RequiredEnv:    []string{"ANTHROPIC_API_KEY"},
	})}

	params := SpawnParams{Type: "claude", Env: map[string]string{"ANTHROPIC_API_KEY": "secret"}}
	err := s.applyAgentTypeDefaults(&params)

	require.NoError(t, err)
	require.Equal(t, "claude-agent", params.Command)
	require.Equal(t, []string{"--acp"}, params.Args)
	require.Equal(t, "/work", params.Workdir)
}

func TestApplyAgentTypeDefaultsDoesNotOverrideExplicitCommand(t *testing.T) {
	s := &Supervisor{registry: NewRegistry(AgentType{ID: "claude", Command: "claude-agent"})}

	params := SpawnParams{Type: "claude", Command: "custom-binary"}
	require.NoError(t, s.applyAgentTypeDefaults(&params))
	require.Equal(t, "custom-binary", params.Command)
}

func TestApplyAgentTypeDefaultsRejectsMissingRequiredEnv(t *testing.T) {
	s := &Supervisor{registry: NewRegistry(AgentType{
		ID:          "claude",
		Command:     "claude-agent",
		RequiredEnv: []string{"ANTHROPIC_API_KEY"},
	})}

	params := SpawnParams{Type: "claude"}
	err := s.applyAgentTypeDefaults(&params)
	require.Error(t, err)
}

func TestApplyAgentTypeDefaultsNoopWithoutType(t *testing.T) {
	s := &Supervisor{}
	params := SpawnParams{Command: "already-set"}
	require.NoError(t, s.applyAgentTypeDefaults(&params))
	require.Equal(t, "already-set", params.Command)
}
