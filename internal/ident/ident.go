// Package ident classifies entity identifiers. Entities are created
// client-side under temporary string ids ("ring-17", "item-a3f...") and
// receive a server-assigned UUID on first persist. Classification happens
// here, once, instead of scattered prefix checks: a well-formed UUID is
// persisted, anything else is temporary.
package ident

import "strings"

type Kind int

const (
	Temporary Kind = iota
	Persisted
)

// ID is a tagged identifier: either a temporary client-local id or a
// server-assigned one.
type ID struct {
	value string
	kind  Kind
}

func NewTemporary(local string) ID {
	return ID{value: local, kind: Temporary}
}

func NewPersisted(server string) ID {
	return ID{value: server, kind: Persisted}
}

// Parse classifies a raw identifier from the wire.
func Parse(raw string) ID {
	if IsUUID(raw) {
		return NewPersisted(raw)
	}
	return NewTemporary(raw)
}

func (id ID) String() string    { return id.value }
func (id ID) Kind() Kind        { return id.kind }
func (id ID) IsTemporary() bool { return id.kind == Temporary }
func (id ID) IsPersisted() bool { return id.kind == Persisted }
func (id ID) IsZero() bool      { return id.value == "" }

// IsUUID reports whether s is a canonical 8-4-4-4-12 hex UUID.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !isHex(r) {
				return false
			}
		}
	}
	return true
}

func isHex(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'f':
		return true
	case r >= 'A' && r <= 'F':
		return true
	}
	return false
}

// Normalize lowercases and trims a natural-key component.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
