package domain

import "time"

// ChargeResult is the outcome of settling a completed call. Every finalize
// call for a session returns the same value.
type ChargeResult struct {
	SessionID             string    `json:"session_id"`
	CreditsCharged        int64     `json:"credits_charged"`
	PayoutAmount          int64     `json:"payout_amount"`
	ActualDurationSeconds int64     `json:"actual_duration_seconds"`
	TransactionID         string    `json:"transaction_id"`
	SettledAt             time.Time `json:"settled_at"`
}

// RefundResult is the outcome of refunding a no-show.
type RefundResult struct {
	SessionID     string    `json:"session_id"`
	PartyID       string    `json:"party_id"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	TransactionID string    `json:"transaction_id"`
	SettledAt     time.Time `json:"settled_at"`
}

// RefundReasonNoShow tags refunds issued for an expired grace window.
const RefundReasonNoShow = "no_show"

// ActualDurationSeconds is the billed length between start and end, clamped
// to [0, scheduled].
func ActualDurationSeconds(startedAt, endedAt time.Time, scheduledSeconds int64) int64 {
	if endedAt.Before(startedAt) {
		return 0
	}
	seconds := int64(endedAt.Sub(startedAt) / time.Second)
	if seconds > scheduledSeconds {
		return scheduledSeconds
	}
	return seconds
}

// ProRataCharge scales reserved credits by the fraction of the call used,
// rounding up and never exceeding reserved.
func ProRataCharge(reserved, actualSeconds, scheduledSeconds int64) int64 {
	if reserved <= 0 || actualSeconds <= 0 || scheduledSeconds <= 0 {
		return 0
	}
	if actualSeconds >= scheduledSeconds {
		return reserved
	}
	return (reserved*actualSeconds + scheduledSeconds - 1) / scheduledSeconds
}

// ProRataPayout scales the payout by the fraction of the call used, rounding
// down.
func ProRataPayout(payout, actualSeconds, scheduledSeconds int64) int64 {
	if payout <= 0 || actualSeconds <= 0 || scheduledSeconds <= 0 {
		return 0
	}
	if actualSeconds >= scheduledSeconds {
		return payout
	}
	return payout * actualSeconds / scheduledSeconds
}

// WaitingParty returns the seat that joined a one-sided session.
func WaitingParty(s Session) (Party, bool) {
	switch {
	case s.PartyAJoinedAt != nil && s.PartyBJoinedAt == nil:
		return PartyA, true
	case s.PartyBJoinedAt != nil && s.PartyAJoinedAt == nil:
		return PartyB, true
	default:
		return "", false
	}
}
