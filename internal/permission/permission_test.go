package permission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindAllowOptionPrefersAllowFamily(t *testing.T) {
	options := []map[string]interface{}{
		{"id": "opt-1", "title": "Deny"},
		{"id": "opt-2", "title": "Allow Always"},
		{"id": "opt-3", "title": "Cancel"},
	}
	require.Equal(t, "opt-2", findAllowOption(options))
}

func TestFindAllowOptionFallsBackToFirst(t *testing.T) {
	options := []map[string]interface{}{
		{"id": "opt-1", "title": "Deny"},
		{"id": "opt-2", "title": "Cancel"},
	}
	require.Equal(t, "opt-1", findAllowOption(options))
}

func TestFindAllowOptionEmpty(t *testing.T) {
	require.Equal(t, "", findAllowOption(nil))
}

func TestParseJudgeReplyPlainJSON(t *testing.T) {
	resp, err := parseJudgeReply(`{"decision":"approve","reason":"fine","risk_level":"low"}`)
	require.NoError(t, err)
	require.Equal(t, "approve", resp.Decision)
}

func TestParseJudgeReplyWrappedInProse(t *testing.T) {
	resp, err := parseJudgeReply("Sure, here's my decision:\n{\"decision\":\"manual\",\"reason\":\"unsure\"}\nHope that helps!")
	require.NoError(t, err)
	require.Equal(t, "manual", resp.Decision)
}

func TestParseJudgeReplyNoJSON(t *testing.T) {
	_, err := parseJudgeReply("no json here")
	require.Error(t, err)
}
