package httpapi

import (
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

const (
	headerRequestID     = "X-Request-ID"
	headerAuthorization = "Authorization"
	bearerPrefix        = "Bearer "
	headerUser          = "X-Encounter-User"
	maxBodyBytes        = 1 << 20
)

type timeResponse struct {
	ServerNowMillis int64 `json:"server_now_millis"`
}

type createRequest struct {
	ID                       string `json:"id"`
	PartyAID                 string `json:"party_a_id"`
	PartyBID                 string `json:"party_b_id"`
	ScheduledDurationSeconds int64  `json:"scheduled_duration_seconds"`
	CreditsReserved          int64  `json:"credits_reserved"`
	PayoutAmount             int64  `json:"payout_amount"`
}

type tokensRequest struct {
	Regenerate bool   `json:"regenerate"`
	Party      string `json:"party,omitempty"`
}

// Tokens are the join credentials of both seats.
type Tokens struct {
	PartyAToken string `json:"party_a_token"`
	PartyBToken string `json:"party_b_token"`
	RoomURL     string `json:"room_url"`
}

type transitionRequest struct {
	ExpectedStatus string `json:"expected_status,omitempty"`
	To             string `json:"to"`
	Reason         string `json:"reason,omitempty"`
}

type consentRequest struct {
	Granted *bool `json:"granted"`
}

type finalizeRequest struct {
	ActualEndMillis int64 `json:"actual_end_millis"`
}

// ExpireResponse is the outcome of a grace expiry.
type ExpireResponse struct {
	Session domain.Session      `json:"session"`
	Refund  domain.RefundResult `json:"refund"`
}

type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
