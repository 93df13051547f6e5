package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Fingerprint computes the configuration fingerprint for a resource: a
// SHA-256 digest over the kind and the configuration pairs in key order.
// The digest is stable across map iteration order, so equal configurations
// always produce equal fingerprints.
//
// Reference placeholders are hashed as written, not as resolved, so a
// change in a dependency's outputs alone does not change the fingerprint
// of its dependents.
func Fingerprint(kind ResourceKind, config map[string]string) string {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "kind=%s\n", kind)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, config[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
