package domain

import (
	"fmt"
	"strings"
)

// Consent is a party's tri-state answer to recording.
type Consent string

const (
	ConsentUnset   Consent = "unset"
	ConsentGranted Consent = "granted"
	ConsentDenied  Consent = "denied"
)

// ConsentFromBool maps a yes/no answer.
func ConsentFromBool(granted bool) Consent {
	if granted {
		return ConsentGranted
	}
	return ConsentDenied
}

// ParseConsent validates a stored value. Empty reads as unset.
func ParseConsent(value string) (Consent, error) {
	switch c := Consent(strings.ToLower(strings.TrimSpace(value))); c {
	case "", ConsentUnset:
		return ConsentUnset, nil
	case ConsentGranted, ConsentDenied:
		return c, nil
	default:
		return "", fmt.Errorf("unknown consent %q", value)
	}
}

// applyConsent records party's answer on s. A denial clears the other
// party's grant so recording can only resume after both confirm again.
func applyConsent(s *Session, party Party, value Consent) {
	other := party.Other()
	if value == ConsentDenied && s.ConsentOf(other) == ConsentGranted {
		s.setConsent(other, ConsentUnset)
	}
	s.setConsent(party, value)
}

// BothConsented reports whether recording is currently permitted.
func BothConsented(a, b Consent) bool {
	return a == ConsentGranted && b == ConsentGranted
}
