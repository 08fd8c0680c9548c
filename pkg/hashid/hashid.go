// Package hashid derives deterministic content-addressed identifiers from
// ordered tuples of fields. Message and event ids use SHA-1, conversation
// ids use SHA-256.
package hashid

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Hash joins parts with "_" and returns the hex SHA-1 digest (40 chars).
func Hash(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "_")))
	return hex.EncodeToString(sum[:])
}

// Hash256 joins parts with "_" and returns the hex SHA-256 digest (64 chars).
func Hash256(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "_")))
	return hex.EncodeToString(sum[:])
}

// TS renders a timestamp in the stable textual form used wherever an id is
// derived from a time. Always UTC.
func TS(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
