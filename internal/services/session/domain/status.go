package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle position of a session.
type Status string

const (
	StatusScheduled       Status = "scheduled"
	StatusWaiting         Status = "waiting"
	StatusActive          Status = "active"
	StatusEnding          Status = "ending"
	StatusCompleted       Status = "completed"
	StatusCancelledNoShow Status = "cancelled_no_show"
	StatusFailed          Status = "failed"
)

var transitions = map[Status][]Status{
	StatusScheduled: {StatusWaiting, StatusFailed},
	StatusWaiting:   {StatusActive, StatusCancelledNoShow, StatusFailed},
	StatusActive:    {StatusEnding},
	StatusEnding:    {StatusCompleted},
}

var ranks = map[Status]int{
	StatusScheduled:       0,
	StatusWaiting:         1,
	StatusActive:          2,
	StatusEnding:          3,
	StatusCompleted:       4,
	StatusCancelledNoShow: 4,
	StatusFailed:          4,
}

// ParseStatus validates a stored or wire status value.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown session status %q", value)
	}
	return status, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := ranks[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledNoShow, StatusFailed:
		return true
	default:
		return false
	}
}

// Rank orders statuses along the lifecycle. Terminal statuses share the top rank.
func (s Status) Rank() int {
	if rank, ok := ranks[s]; ok {
		return rank
	}
	return -1
}

// CanTransition reports whether from→to is a legal edge. Every edge strictly
// increases rank, so status never moves backward.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (s Status) String() string { return string(s) }
