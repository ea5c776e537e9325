// Credential injection for spawned agent subprocesses: defaults come from
// the relay process's own environment, overridden by the spawn command's
// env map.
//
// Grounded on internal/agent/credentials/env_provider.go's environment
// scanning (known API key patterns plus a generic *_token/*_secret/*api_key*
// heuristic), narrowed to the single environment source the relay needs
// (BuildEnv, plus a fixed known-variable list for AvailableCredentials) — there is
// no multi-source credential chain here, since the relay has no secret
// store of its own.
package relay

import (
	"os"
	"strings"
)

var knownCredentialEnvVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"NPM_TOKEN",
	"AUGMENT_SESSION_AUTH",
}

// BuildEnv merges the relay process's own environment with the spawn
// command's overrides, matching session.rs's spawn() which inherits
// std::env::vars() then layers params.env on top.
func BuildEnv(overrides map[string]string) []string {
	base := os.Environ()
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(overrides))

	for _, kv := range base {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if _, overridden := overrides[key]; overridden {
			continue
		}
		seen[key] = true
		out = append(out, kv)
	}

	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

// AvailableCredentials reports which known credential env vars are set in
// the relay's own environment, for diagnostics/startup logging.
func AvailableCredentials() []string {
	var available []string
	for _, name := range knownCredentialEnvVars {
		if os.Getenv(name) != "" {
			available = append(available, name)
		}
	}
	return available
}
