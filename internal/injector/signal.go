package injector

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"
)

// maxSignalMessage bounds Signal.Message. Script exceptions can carry whole
// stack traces.
const maxSignalMessage = 512

// truncateMessage cuts msg to at most maxBytes on a rune boundary. A cut
// message ends with a short sha256 of the full text so repeats stay comparable.
func truncateMessage(msg string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(msg) <= maxBytes {
		return msg, false
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	sum := sha256.Sum256([]byte(msg))
	return msg[:cut] + " ...[truncated sha256=" + hex.EncodeToString(sum[:8]) + "]", true
}
