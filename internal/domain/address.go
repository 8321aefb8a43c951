// Package domain holds the shared data model of the relay: addresses,
// public key records, message envelopes, and presence events. Nothing in
// this package performs I/O or synchronization; it is the vocabulary the
// other internal packages build on.
package domain

import (
	"regexp"
	"strings"
)

// Address is a canonical lowercase 0x-prefixed 40-hex-digit identity.
type Address string

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ParseAddress validates raw and returns its canonical (lowercase) form.
func ParseAddress(raw string) (Address, bool) {
	raw = strings.TrimSpace(raw)
	if !addressPattern.MatchString(raw) {
		return "", false
	}
	return Address(strings.ToLower(raw)), true
}

// Valid reports whether a already holds a canonical address. Useful for
// values constructed outside ParseAddress (e.g. decoded from JSON).
func (a Address) Valid() bool {
	return addressPattern.MatchString(string(a)) && string(a) == strings.ToLower(string(a))
}

func (a Address) String() string { return string(a) }
