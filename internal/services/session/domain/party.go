package domain

import (
	"fmt"
	"strings"
)

// Party identifies one of the two seats of a session.
type Party string

const (
	PartyA Party = "a"
	PartyB Party = "b"
)

// ParseParty accepts "a"/"b" in any case.
func ParseParty(value string) (Party, error) {
	party := Party(strings.ToLower(strings.TrimSpace(value)))
	if !party.Valid() {
		return "", fmt.Errorf("unknown party %q", value)
	}
	return party, nil
}

// Valid reports whether p is PartyA or PartyB.
func (p Party) Valid() bool { return p == PartyA || p == PartyB }

// Other returns the opposite seat.
func (p Party) Other() Party {
	if p == PartyA {
		return PartyB
	}
	return PartyA
}
