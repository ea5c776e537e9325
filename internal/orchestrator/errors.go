package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

func errNoRelay(agentID uuid.UUID) error {
	return fmt.Errorf("agent %s has no relay assigned", agentID)
}

func errRelayDisconnected(relayID string) error {
	return fmt.Errorf("relay %q is not connected", relayID)
}

func defaultWorkdir(agentID uuid.UUID) string {
	return fmt.Sprintf("/tmp/relay-agent-%s", agentID)
}

func formatCursor(cursor int64) string {
	return fmt.Sprintf("%d", cursor)
}

// formatData renders an event's data payload the way TRIGGER_EVENT_DATA is
// documented: a JSON string an agent can parse, matching the original's
// event.data.to_string() on a serde_json::Value.
func formatData(data map[string]interface{}) string {
	if len(data) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
