// Package fingerprint produces content digests for cross-source dedup.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Hash returns a deterministic hex digest of the post text. Leading and
// trailing whitespace is stripped first so whitespace-only edits do not
// evade dedup. Not security-critical.
func Hash(text string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return fmt.Sprintf("%x", h[:16])
}
