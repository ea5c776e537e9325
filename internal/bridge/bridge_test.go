package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/relay/pkg/acp/protocol"
)

func TestPickAllowOptionPrefersAllowAlways(t *testing.T) {
	options := []protocol.PermissionOption{
		{ID: "once", Kind: protocol.OptionAllowOnce},
		{ID: "always", Kind: protocol.OptionAllowAlways},
	}
	out := pickAllowOption(options)
	require.Equal(t, "always", out.Selected)
	require.False(t, out.Cancelled)
}

func TestPickAllowOptionFallsBackToAllowOnce(t *testing.T) {
	options := []protocol.PermissionOption{
		{ID: "reject", Kind: "reject_once"},
		{ID: "once", Kind: protocol.OptionAllowOnce},
	}
	out := pickAllowOption(options)
	require.Equal(t, "once", out.Selected)
}

func TestPickAllowOptionFallsBackToFirstOption(t *testing.T) {
	options := []protocol.PermissionOption{
		{ID: "reject", Kind: "reject_once"},
	}
	out := pickAllowOption(options)
	require.Equal(t, "reject", out.Selected)
}

func TestPickAllowOptionCancelledWhenNoOptions(t *testing.T) {
	out := pickAllowOption(nil)
	require.True(t, out.Cancelled)
}

func TestStreamTagForKnownKinds(t *testing.T) {
	require.Equal(t, "assistant", streamTagFor(protocol.UpdateAgentMessageChunk))
	require.Equal(t, "thinking", streamTagFor(protocol.UpdateAgentThoughtChunk))
	require.Equal(t, "tool_use", streamTagFor(protocol.UpdateToolCall))
	require.Equal(t, "tool_result", streamTagFor(protocol.UpdateToolCallUpdate))
	require.Equal(t, "system", streamTagFor("unrecognized"))
}

type fakeSink struct {
	artifacts []Artifact
}

func (f *fakeSink) EmitAgentOutput(seq int64, stream, message string)       {}
func (f *fakeSink) EmitOutputBatch(stream string, messages []string)       {}
func (f *fakeSink) EmitPermissionRequest(req PermissionRequest)            {}
func (f *fakeSink) EmitPromptCompleted(success bool, errMsg string)        {}
func (f *fakeSink) EmitArtifact(a Artifact)                                { f.artifacts = append(f.artifacts, a) }

func TestDetectArtifactsFindsGitHubPRAndDedups(t *testing.T) {
	sink := &fakeSink{}
	b := &Bridge{sink: sink, seenArtifacts: make(map[string]bool)}

	raw := `{"id":"tc-1","raw_output":"Opened https://github.com/acme/widgets/pull/42 for review, see also https://github.com/acme/widgets/pull/42"}`
	b.detectArtifacts([]byte(raw))

	require.Len(t, sink.artifacts, 1)
	require.Equal(t, "acme", sink.artifacts[0].Owner)
	require.Equal(t, "widgets", sink.artifacts[0].Repo)
	require.Equal(t, 42, sink.artifacts[0].Number)
}

func TestDetectArtifactsNoMatchWhenRawOutputMissing(t *testing.T) {
	sink := &fakeSink{}
	b := &Bridge{sink: sink, seenArtifacts: make(map[string]bool)}

	b.detectArtifacts([]byte(`{"id":"tc-1"}`))
	require.Empty(t, sink.artifacts)
}
