package participant

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/services/session/credential"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

// tokenRefreshMargin renews a token slightly before its exp so an in-flight
// call does not carry an expiring credential.
const tokenRefreshMargin = 30 * time.Second

// Credential is a party's join token and the room it opens.
type Credential struct {
	Token     string
	RoomURL   string
	ExpiresAt time.Time
}

// TokenManager caches join credentials and fetches missing ones. Concurrent
// requests for the same session and party share one server call, so two
// devices never churn each other's valid token.
type TokenManager struct {
	issuer TokenIssuer
	now    func() time.Time

	mu       sync.Mutex
	cached   map[string]Credential
	rejected map[string]bool
	group    singleflight.Group
}

// NewTokenManager builds a manager. now should be the server-time estimate.
func NewTokenManager(issuer TokenIssuer, now func() time.Time) *TokenManager {
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		issuer:   issuer,
		now:      now,
		cached:   make(map[string]Credential),
		rejected: make(map[string]bool),
	}
}

// Seed stores a token delivered out of band, such as with the booking.
func (m *TokenManager) Seed(sessionID string, party domain.Party, token, roomURL string) error {
	expiresAt, err := credential.PeekExpiry(token)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cached[tokenKey(sessionID, party)] = Credential{Token: token, RoomURL: roomURL, ExpiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

// Invalidate drops the cached token after the server rejected it. The next
// EnsureToken regenerates the seat instead of reusing the stored token.
func (m *TokenManager) Invalidate(sessionID string, party domain.Party) {
	key := tokenKey(sessionID, party)
	m.mu.Lock()
	delete(m.cached, key)
	m.rejected[key] = true
	m.mu.Unlock()
}

// EnsureToken returns a usable credential for party, asking the server when
// none is cached or the cached one is about to expire.
func (m *TokenManager) EnsureToken(ctx context.Context, sess domain.Session, party domain.Party) (Credential, error) {
	if !party.Valid() {
		return Credential{}, apperrors.Newf(apperrors.CodeInvalidArgument, "party %q is invalid", party)
	}
	sessionID := strings.TrimSpace(sess.ID)
	if sessionID == "" {
		return Credential{}, apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}
	key := tokenKey(sessionID, party)
	if c, ok := m.usable(key); ok {
		return c, nil
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		// A caller that lost the race may find the winner's token.
		if c, ok := m.usable(key); ok {
			return c, nil
		}
		return m.fetch(ctx, key, sessionID, party)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (m *TokenManager) usable(key string) (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cached[key]
	if !ok || !m.now().Add(tokenRefreshMargin).Before(c.ExpiresAt) {
		return Credential{}, false
	}
	return c, true
}

func (m *TokenManager) fetch(ctx context.Context, key, sessionID string, party domain.Party) (Credential, error) {
	if m.issuer == nil {
		return Credential{}, apperrors.New(apperrors.CodeCredentialMissing, "no credential issuer configured")
	}
	m.mu.Lock()
	regenerate := m.rejected[key]
	m.mu.Unlock()

	tokens, err := m.issuer.IssueTokens(ctx, sessionID, regenerate, party)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeUnknown {
			err = apperrors.WrapWithMetadata(apperrors.CodeCredentialIssue, "join token could not be issued",
				map[string]string{"session_id": sessionID, "party": string(party)}, err)
		}
		return Credential{}, err
	}
	token := tokens.PartyAToken
	if party == domain.PartyB {
		token = tokens.PartyBToken
	}
	if strings.TrimSpace(token) == "" {
		return Credential{}, apperrors.WithMetadata(apperrors.CodeCredentialMissing, "server returned no join token",
			map[string]string{"session_id": sessionID, "party": string(party)})
	}
	expiresAt, err := credential.PeekExpiry(token)
	if err != nil {
		return Credential{}, err
	}
	c := Credential{Token: token, RoomURL: tokens.RoomURL, ExpiresAt: expiresAt}
	m.mu.Lock()
	m.cached[key] = c
	delete(m.rejected, key)
	m.mu.Unlock()
	return c, nil
}

func tokenKey(sessionID string, party domain.Party) string {
	return strings.TrimSpace(sessionID) + ":" + string(party)
}
