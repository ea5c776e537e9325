// Sandbox path validation for spawn requests (spec §4.5 step 2). Pure
// functions with no teacher Go analogue — the teacher sandboxes via Docker
// mounts, not path checks — grounded directly on spec.md's literal
// algorithm and on original_source/crates/todoki-relay/src/session.rs's
// is_path_safe/expand_tilde/normalize_path, ported idiomatically (plain
// string splitting instead of Rust's Path::components()).
package relay

import (
	"os"
	"strings"
)

// expandTilde expands a leading "~" or "~/..." to the current user's home
// directory. Any other path is returned unchanged.
func expandTilde(path string) string {
	home := os.Getenv("HOME")
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return home + path[1:]
	}
	return path
}

// normalizePath resolves "." and ".." components without touching the
// filesystem, mirroring Rust's Path::components() walk: a leading "/" is
// preserved, "." segments are dropped, ".." pops the last retained
// segment (or is itself dropped if there is nothing to pop — this is a
// pure string algorithm, not a symlink-aware resolution).
func normalizePath(path string) string {
	isAbsolute := strings.HasPrefix(path, "/")
	segments := strings.Split(path, "/")

	var out []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}

	joined := strings.Join(out, "/")
	if isAbsolute {
		return "/" + joined
	}
	return joined
}

// isPathSafe reports whether target lies within one of safePaths, after
// tilde expansion and normalization of both sides. An empty safePaths list
// means no restriction is applied. The comparison is by path-component
// prefix, not string prefix, so "/allowed-but-not-really" never matches
// the safe path "/allowed".
func isPathSafe(target string, safePaths []string) bool {
	if len(safePaths) == 0 {
		return true
	}

	normalizedTarget := normalizePath(expandTilde(target))
	for _, allowed := range safePaths {
		normalizedAllowed := normalizePath(expandTilde(allowed))
		if normalizedTarget == normalizedAllowed || strings.HasPrefix(normalizedTarget, normalizedAllowed+"/") {
			return true
		}
	}
	return false
}
