// Package host provides machine identity and single-instance enforcement.
package host

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// machineIDPaths are probed in order for a stable machine identifier.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// MachineID returns a stable identifier for this machine. Falls back to
// the hostname when no machine-id file exists.
func MachineID() string {
	for _, path := range machineIDPaths {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return hostname
}

// ID derives the opaque per-domain host identifier appended to VMCP
// requests. The VMCP endpoint sees a value stable per (machine, domain)
// but unlinkable across domains.
func ID(machineID, domain string) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only fails on bad key sizes.
		panic(err)
	}
	h.Write([]byte(machineID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(domain)))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
