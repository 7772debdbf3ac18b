// Package idgen mints the identifier formats spec.md §4.1 defines.
package idgen

import (
	"crypto/rand"
	"errors"
	"regexp"

	"github.com/google/uuid"
)

const tunnelIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// TunnelIDLen is the fixed length of a tunnel_id.
const TunnelIDLen = 12

var tunnelIDPattern = regexp.MustCompile(`^[a-z0-9]{12}$`)

var requestIDPattern = regexp.MustCompile(`^req_[0-9a-f-]{36}$`)

var errRandomSource = errors.New("idgen: random source failure")

// NewTunnelID draws a uniformly random 12-character lowercase-alphanumeric
// string. Callers mint repeatedly on collision against existing non-expired
// bindings, per spec.md §4.1.
func NewTunnelID() (string, error) {
	// Bytes at or above maxUnbiased are rejected so that every symbol of
	// the 36-character alphabet is equally likely.
	const maxUnbiased = 256 - 256%len(tunnelIDAlphabet)
	out := make([]byte, 0, TunnelIDLen)
	raw := make([]byte, 1)
	for len(out) < TunnelIDLen {
		if _, err := rand.Read(raw); err != nil {
			return "", errRandomSource
		}
		if int(raw[0]) < maxUnbiased {
			out = append(out, tunnelIDAlphabet[int(raw[0])%len(tunnelIDAlphabet)])
		}
	}
	return string(out), nil
}

// ValidTunnelID reports whether s matches the tunnel_id format.
func ValidTunnelID(s string) bool {
	return tunnelIDPattern.MatchString(s)
}

// NewRequestID mints a request_id of the form req_<uuidv4>.
func NewRequestID() string {
	return "req_" + uuid.New().String()
}

// ValidRequestID reports whether s matches the request_id format.
func ValidRequestID(s string) bool {
	return requestIDPattern.MatchString(s)
}
