package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"sort"
	"strings"
)

// Fingerprint derives a stable device fingerprint from client environment
// attributes. The mapping is deterministic: the same machine always yields
// the same value. A truncated SHA-256 keeps collision odds negligible for
// the handful of devices a single user registers.
func Fingerprint() string {
	attrs := map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if host, err := os.Hostname(); err == nil {
		attrs["host"] = host
	}
	if id := machineID(); id != "" {
		attrs["machine"] = id
	}
	return FingerprintFrom(attrs)
}

// FingerprintFrom computes the fingerprint for an explicit attribute set.
// Attributes are hashed in sorted key order so map iteration order cannot
// change the result.
func FingerprintFrom(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(attrs[k]))
		h.Write([]byte{0})
	}
	return "fp-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// machineID reads the OS machine identifier where one is available.
func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return ""
}
