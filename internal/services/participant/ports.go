package participant

import (
	"context"
	"time"

	httpapi "github.com/louisbranch/encounter.space/internal/services/session/api/http"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

// TimeSource reads the authoritative clock.
type TimeSource interface {
	ServerNowMillis(ctx context.Context) (int64, error)
}

// TokenIssuer hands out join credentials for a session.
type TokenIssuer interface {
	IssueTokens(ctx context.Context, sessionID string, regenerate bool, party domain.Party) (httpapi.Tokens, error)
}

// SessionAPI is the lifecycle surface of the session server. *httpapi.Client
// implements it; build it with AsUser so token regeneration is allowed.
type SessionAPI interface {
	TokenIssuer
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	MarkJoined(ctx context.Context, sessionID, token string) (domain.Session, error)
	Transition(ctx context.Context, sessionID, token string, expected, to domain.Status, reason string) (domain.Session, error)
	ExpireGrace(ctx context.Context, sessionID string) (httpapi.ExpireResponse, error)
	SetConsent(ctx context.Context, sessionID, token string, granted bool) (domain.Session, error)
	Finalize(ctx context.Context, sessionID, token string, actualEnd time.Time) (domain.ChargeResult, error)
}

// FeedSource streams stored rows of one session, newest last.
type FeedSource interface {
	Stream(ctx context.Context, sessionID string) (<-chan domain.Session, error)
}

// TransportEventKind classifies a video transport callback.
type TransportEventKind string

const (
	TransportJoined TransportEventKind = "joined"
	TransportLeft   TransportEventKind = "left"
	TransportError  TransportEventKind = "error"
)

// TransportEvent is a membership change or failure reported by the video
// provider. Local marks events about this process's own connection.
type TransportEvent struct {
	Kind          TransportEventKind
	ParticipantID string
	Local         bool
	Err           error
}

// Transport is the video provider connection of one participant.
type Transport interface {
	// Join connects to the room and returns this participant's id in it.
	Join(ctx context.Context, roomURL, token string) (string, error)
	Leave(ctx context.Context) error
	Events() <-chan TransportEvent
	// Participants lists the ids currently in the room, self included.
	Participants(ctx context.Context) ([]string, error)
}

// Recorder starts and stops the call recording.
type Recorder interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
}
