package protocol

import (
	"net/http"
	"strconv"
	"strings"
)

// SubscribeParams are the parameters a connecting peer supplies either as
// query-string parameters (WebSocket upgrade requests carry no body) or,
// for the agent-stream endpoint, as path/query values.
type SubscribeParams struct {
	Kinds   []string
	Cursor  int64
	AgentID string
	TaskID  string
	RelayID string
	Token   string
}

// ParseSubscribeParams reads subscribe parameters off an HTTP request's
// query string, per spec: "kinds" comma-separated (trailing "*" allowed),
// "cursor" the replay start, "agent_id"/"task_id"/"relay_id" identifier
// filters, "token" the bearer-token fallback for clients that cannot set
// headers.
func ParseSubscribeParams(r *http.Request) SubscribeParams {
	q := r.URL.Query()

	var kinds []string
	if raw := q.Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			k = strings.TrimSpace(k)
			if k != "" {
				kinds = append(kinds, k)
			}
		}
	}

	var cursor int64
	if raw := q.Get("cursor"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cursor = v
		}
	}

	return SubscribeParams{
		Kinds:   kinds,
		Cursor:  cursor,
		AgentID: q.Get("agent_id"),
		TaskID:  q.Get("task_id"),
		RelayID: q.Get("relay_id"),
		Token:   q.Get("token"),
	}
}

// BearerToken extracts the bearer token from the Authorization header,
// falling back to the query-string "token" parameter for WebSocket clients
// that cannot set headers.
func BearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			return strings.TrimPrefix(auth, prefix)
		}
	}
	return r.URL.Query().Get("token")
}
