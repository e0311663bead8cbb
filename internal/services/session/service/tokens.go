package service

import (
	"context"
	"errors"
	"log"
	"strings"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/services/session/credential"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
	"github.com/louisbranch/encounter.space/internal/services/session/storage"
)

// TokenRequest selects which credentials IssueTokens re-mints.
type TokenRequest struct {
	// Regenerate re-mints credentials even when the stored ones are valid.
	Regenerate bool
	// Party limits regeneration to one seat. Empty means the caller's seat.
	Party domain.Party
	// Caller is the user id vouched for by the identity layer. Regeneration
	// requires it and is limited to the caller's own seat.
	Caller string
}

// TokenSet carries the current join credentials of both seats.
type TokenSet struct {
	PartyAToken string
	PartyBToken string
	RoomURL     string
}

// IssueTokens returns the current join tokens, minting missing or expired ones
// and, when asked, regenerating the caller's seat. The room is created on
// first issue; a room that cannot be created fails the session.
func (s *Service) IssueTokens(ctx context.Context, sessionID string, req TokenRequest) (TokenSet, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return TokenSet{}, apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}
	if req.Party != "" && !req.Party.Valid() {
		return TokenSet{}, apperrors.Newf(apperrors.CodeInvalidArgument, "party %q is invalid", req.Party)
	}
	req.Caller = strings.TrimSpace(req.Caller)
	key := sessionID
	if req.Regenerate {
		if req.Caller == "" {
			return TokenSet{}, apperrors.WithMetadata(apperrors.CodeCredentialMissing,
				"regenerating a join token requires the caller's identity",
				map[string]string{"session_id": sessionID})
		}
		key += ":regenerate:" + req.Caller + ":" + string(req.Party)
	}
	v, err, _ := s.issuing.Do(key, func() (any, error) {
		return s.issueTokens(ctx, sessionID, req)
	})
	if err != nil {
		return TokenSet{}, err
	}
	return v.(TokenSet), nil
}

func (s *Service) issueTokens(ctx context.Context, sessionID string, req TokenRequest) (TokenSet, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return TokenSet{}, err
	}
	if sess.Status.Terminal() {
		return TokenSet{}, apperrors.WithMetadata(apperrors.CodeSessionTerminal, "session is "+string(sess.Status),
			map[string]string{"session_id": sessionID, "status": string(sess.Status)})
	}
	if req.Regenerate {
		seat, ok := sess.PartyOf(req.Caller)
		if !ok || (req.Party != "" && req.Party != seat) {
			return TokenSet{}, apperrors.WithMetadata(apperrors.CodeCredentialMismatch,
				"a caller can only regenerate its own seat",
				map[string]string{"session_id": sessionID, "party": string(req.Party)})
		}
		req.Party = seat
	}

	stored := make(map[domain.Party]storage.Credential, 2)
	roomURL := ""
	for _, party := range []domain.Party{domain.PartyA, domain.PartyB} {
		c, err := s.credentials.GetCredential(ctx, sessionID, party)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return TokenSet{}, err
		}
		stored[party] = c
		if roomURL == "" {
			roomURL = c.RoomURL
		}
	}
	if roomURL == "" {
		roomURL, err = s.createRoom(ctx, sess)
		if err != nil {
			return TokenSet{}, err
		}
	}

	now := s.Now()
	minted := make([]string, 0, 2)
	tokens := make(map[domain.Party]string, 2)
	for _, party := range []domain.Party{domain.PartyA, domain.PartyB} {
		current, ok := stored[party]
		regenerate := req.Regenerate && req.Party == party
		if ok && !regenerate && current.ExpiresAt.After(now) {
			tokens[party] = current.Token
			continue
		}
		token, claims, err := s.tokens.Issue(credential.Grant{
			SessionID: sessionID,
			Party:     party,
			UserID:    sess.PartyID(party),
			RoomURL:   roomURL,
		})
		if err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeUnknown {
				err = apperrors.Wrap(apperrors.CodeCredentialIssue, "issue join token", err)
			}
			return TokenSet{}, err
		}
		if err := s.credentials.PutCredential(ctx, storage.Credential{
			SessionID: sessionID,
			Party:     party,
			TokenID:   claims.TokenID,
			Token:     token,
			RoomURL:   roomURL,
			IssuedAt:  claims.IssuedAt,
			ExpiresAt: claims.ExpiresAt,
		}); err != nil {
			return TokenSet{}, apperrors.Wrap(apperrors.CodeCredentialIssue, "store join token", err)
		}
		tokens[party] = token
		minted = append(minted, string(party))
	}
	if len(minted) > 0 {
		s.emit(ctx, sess, EventTokensIssued, req.Caller, map[string]string{"parties": strings.Join(minted, ",")})
	}
	return TokenSet{
		PartyAToken: tokens[domain.PartyA],
		PartyBToken: tokens[domain.PartyB],
		RoomURL:     roomURL,
	}, nil
}

// createRoom asks the provider for a room. A provider failure is fatal: the
// session moves to failed when it has not started.
func (s *Service) createRoom(ctx context.Context, sess domain.Session) (string, error) {
	roomURL, err := s.rooms.CreateRoom(ctx, sess.ID)
	if err == nil && strings.TrimSpace(roomURL) != "" {
		return roomURL, nil
	}
	if err == nil {
		err = errors.New("provider returned an empty room url")
	}
	fatal := apperrors.WrapWithMetadata(apperrors.CodeRoomUnavailable, "video room could not be created",
		map[string]string{"session_id": sess.ID}, err)

	patch, planErr := domain.PlanFail(sess, "room unavailable")
	if planErr != nil {
		return "", fatal
	}
	now := s.Now()
	failed, updateErr := s.sessions.CompareAndUpdate(ctx, sess.ID, sess.Status, sess.Version, patch, now)
	if updateErr != nil {
		log.Printf("session: fail %s after room error: %v", sess.ID, updateErr)
		return "", fatal
	}
	s.emit(ctx, failed, EventFailed, "", map[string]string{"reason": "room unavailable", "error": err.Error()})
	s.countTransition(ctx, sess, failed)
	s.publish(failed)
	return "", fatal
}
