package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandTilde(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	require.Equal(t, "/home/alice", expandTilde("~"))
	require.Equal(t, "/home/alice/projects", expandTilde("~/projects"))
	require.Equal(t, "/etc/passwd", expandTilde("/etc/passwd"))
	require.Equal(t, "", expandTilde(""))
}

func TestNormalizePath(t *testing.T) {
	require.Equal(t, "/a/b", normalizePath("/a/b"))
	require.Equal(t, "/a/c", normalizePath("/a/b/../c"))
	require.Equal(t, "/", normalizePath("/a/../.."))
	require.Equal(t, "/a", normalizePath("/a/./b/.."))
}

func TestIsPathSafeUnrestrictedWhenEmpty(t *testing.T) {
	require.True(t, isPathSafe("/anything/at/all", nil))
}

func TestIsPathSafeAllowsExactAndSubpath(t *testing.T) {
	safe := []string{"/allowed"}
	require.True(t, isPathSafe("/allowed", safe))
	require.True(t, isPathSafe("/allowed/sub", safe))
}

func TestIsPathSafeRejectsStringPrefixFalsePositive(t *testing.T) {
	safe := []string{"/allowed"}
	require.False(t, isPathSafe("/allowed-but-not-really", safe))
}

func TestIsPathSafeRejectsTraversalAttack(t *testing.T) {
	safe := []string{"/allowed"}
	require.False(t, isPathSafe("/allowed/../etc/passwd", safe))
	require.False(t, isPathSafe("/allowed/sub/../../etc", safe))
}

func TestIsPathSafeExpandsTilde(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	safe := []string{"~/projects"}
	require.True(t, isPathSafe("/home/alice/projects/foo", safe))
	require.False(t, isPathSafe("/home/alice/other", safe))
}
