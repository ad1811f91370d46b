// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes for the identifiers issued by this service.
const (
	PrefixMessage = "msg_"
	PrefixDispute = "dsp_"
	PrefixEvent   = "evt_"
	PrefixRequest = "req_"
)

// WithPrefix generates a random ID with a prefix (e.g. "msg_", "dsp_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Message returns a new message id.
func Message() string { return WithPrefix(PrefixMessage) }

// Dispute returns a new dispute id.
func Dispute() string { return WithPrefix(PrefixDispute) }

// Event returns a new notification event id.
func Event() string { return WithPrefix(PrefixEvent) }

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
