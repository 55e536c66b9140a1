package ilp

import (
	"strings"

	"github.com/pkg/errors"
)

// Address is a dot-separated ILP address, e.g. "g.alice.store".
// Addresses are 7-bit ASCII and at most 1023 bytes on the wire.
type Address string

const maxAddressLen = 1023

var ErrInvalidAddress = errors.New("invalid ILP address")

// ParseAddress validates the raw form of an ILP address.
func ParseAddress(raw string) (Address, error) {
	if len(raw) == 0 || len(raw) > maxAddressLen {
		return "", ErrInvalidAddress
	}
	if raw[0] == '.' || raw[len(raw)-1] == '.' {
		return "", ErrInvalidAddress
	}
	prev := byte('.')
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == '.' && prev == '.' {
			return "", ErrInvalidAddress
		}
		if c >= 0x80 || c < 0x21 {
			return "", ErrInvalidAddress
		}
		prev = c
	}
	return Address(raw), nil
}

// Segments splits the address at dots.
func (a Address) Segments() []string {
	if a == "" {
		return nil
	}
	return strings.Split(string(a), ".")
}

// HasPrefix reports whether prefix is a dot-aligned leading part of a.
// "a.b" matches "a.b" and "a.b.c" but not "a.bc". The empty prefix
// matches every address.
func (a Address) HasPrefix(prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(string(a), prefix) {
		return false
	}
	return len(a) == len(prefix) || a[len(prefix)] == '.'
}
