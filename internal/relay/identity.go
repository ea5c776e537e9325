// Relay identity: a stable 128-bit hex id derived from the host machine id
// (spec §4.4), falling back to hostname, falling back to a random UUID.
//
// Grounded on original_source/crates/todoki-relay/src/relay.rs's
// generate_relay_id: machine_uid::get() -> hostname -> random uuid, then
// SHA-256 the chosen seed and hex-encode the first 16 bytes. The pack has
// no Go machine-id library, so /etc/machine-id (Linux) / the equivalent
// stdlib-reachable host identifiers are read directly — this is the same
// "no library fills this one niche" situation as the Rust original's own
// machine_uid crate, just with the platform file read inlined instead of
// vendored behind a dependency.
package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/google/uuid"
)

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// GenerateRelayID derives a stable relay identity for this host.
func GenerateRelayID() string {
	seed := readMachineID()
	if seed == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			seed = hostname
		}
	}
	if seed == "" {
		seed = uuid.New().String()
	}

	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:16])
}

func readMachineID() string {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return ""
}
