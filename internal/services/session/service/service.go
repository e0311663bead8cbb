package service

import (
	"context"
	"errors"
	"log"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/platform/id"
	"github.com/louisbranch/encounter.space/internal/platform/requestctx"
	"github.com/louisbranch/encounter.space/internal/platform/telemetry"
	"github.com/louisbranch/encounter.space/internal/platform/telemetry/metrics"
	"github.com/louisbranch/encounter.space/internal/services/session/credential"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
	"github.com/louisbranch/encounter.space/internal/services/session/storage"
)

const instrumentationScope = "github.com/louisbranch/encounter.space/internal/services/session/service"

// Attempts for writes that may be re-planned after losing a race, such as a
// join ack or a consent answer. Status transitions are never re-planned.
const replanAttempts = 5

// Audit event names.
const (
	EventCreated      = "session.created"
	EventJoined       = "session.joined"
	EventTransitioned = "session.transitioned"
	EventNoShow       = "session.no_show"
	EventConsent      = "session.consent"
	EventTokensIssued = "session.tokens_issued"
	EventFailed       = "session.failed"
)

// TokenAuthority mints and checks join tokens.
type TokenAuthority interface {
	Issue(g credential.Grant) (string, credential.Claims, error)
	Verify(token, sessionID string) (credential.Claims, error)
}

// Settler executes the monetary side of terminal transitions.
type Settler interface {
	Finalize(ctx context.Context, sessionID string, actualEnd time.Time) (domain.ChargeResult, error)
	RefundNoShow(ctx context.Context, sessionID string) (domain.RefundResult, error)
}

// Publisher receives every written row.
type Publisher interface {
	Publish(s domain.Session)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Sessions    storage.SessionStore
	Credentials storage.CredentialStore
	Tokens      TokenAuthority
	Rooms       RoomProvider
	Settler     Settler
	Publisher   Publisher
	Events      *telemetry.Emitter
}

// Options tune a Service.
type Options struct {
	Grace time.Duration
	Clock func() time.Time
}

// Service applies lifecycle operations to stored sessions.
type Service struct {
	sessions    storage.SessionStore
	credentials storage.CredentialStore
	tokens      TokenAuthority
	rooms       RoomProvider
	settler     Settler
	publisher   Publisher
	events      *telemetry.Emitter
	grace       time.Duration
	clock       func() time.Time
	issuing     singleflight.Group
	tracer      trace.Tracer
	transitions metric.Int64Counter
	conflicts   metric.Int64Counter
}

// New validates deps and builds a Service.
func New(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("session store is required")
	case deps.Credentials == nil:
		return nil, errors.New("credential store is required")
	case deps.Tokens == nil:
		return nil, errors.New("token authority is required")
	case deps.Settler == nil:
		return nil, errors.New("settler is required")
	}
	rooms := deps.Rooms
	if rooms == nil {
		rooms = TemplateRooms{}
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = domain.DefaultGrace
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		sessions:    deps.Sessions,
		credentials: deps.Credentials,
		tokens:      deps.Tokens,
		rooms:       rooms,
		settler:     deps.Settler,
		publisher:   deps.Publisher,
		events:      deps.Events,
		grace:       grace,
		clock:       clock,
		tracer:      otel.Tracer(instrumentationScope),
		transitions: metrics.Int64Counter(instrumentationScope, "encounter.session.transitions", "Lifecycle status changes written."),
		conflicts:   metrics.Int64Counter(instrumentationScope, "encounter.session.conflicts", "Conditional writes lost to a concurrent writer."),
	}, nil
}

// Now is the authoritative server time.
func (s *Service) Now() time.Time {
	return s.clock().UTC()
}

// Grace is the configured no-show window.
func (s *Service) Grace() time.Duration {
	return s.grace
}

// Create reserves a scheduled session. An empty id is generated.
func (s *Service) Create(ctx context.Context, r domain.Reservation) (domain.Session, error) {
	if strings.TrimSpace(r.ID) == "" {
		generated, err := id.NewID()
		if err != nil {
			return domain.Session{}, err
		}
		r.ID = generated
	}
	sess, err := domain.NewSession(r, s.Now())
	if err != nil {
		return domain.Session{}, err
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, err
	}
	s.emit(ctx, sess, EventCreated, "", nil)
	s.publish(sess)
	return sess, nil
}

// Get returns the stored row.
func (s *Service) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}
	return s.sessions.GetSession(ctx, sessionID)
}

// MarkJoined records the token holder's join with the server clock. Repeated
// acks are no-ops. A join after the grace window closed is a conflict.
func (s *Service) MarkJoined(ctx context.Context, sessionID, token string) (sess domain.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "session.MarkJoined", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	claims, err := s.authenticate(ctx, sessionID, token)
	if err != nil {
		return domain.Session{}, err
	}
	span.SetAttributes(attribute.String("session.party", string(claims.Party)))
	for attempt := 0; attempt < replanAttempts; attempt++ {
		current, err := s.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return domain.Session{}, err
		}
		now := s.Now()
		patch, err := domain.PlanJoin(current, claims.Party, now, s.grace)
		if err != nil {
			return domain.Session{}, err
		}
		if patch.Empty() {
			return current, nil
		}
		updated, err := s.sessions.CompareAndUpdate(ctx, sessionID, current.Status, current.Version, patch, now)
		if errors.Is(err, storage.ErrConflict) {
			metrics.Add(ctx, s.conflicts, sessionID, attribute.String("operation", "join"))
			continue
		}
		if err != nil {
			return domain.Session{}, err
		}
		s.emit(ctx, updated, EventJoined, claims.UserID, map[string]string{"party": string(claims.Party)})
		if updated.Status != current.Status {
			s.countTransition(ctx, current, updated)
		}
		s.publish(updated)
		return updated, nil
	}
	return domain.Session{}, storage.ErrConflict
}

// TransitionRequest asks for a client-driven status change.
type TransitionRequest struct {
	// Expected is the status the caller observed. Empty skips the check.
	Expected domain.Status
	To       domain.Status
	// Reason is the end reason for ending or the failure reason for failed.
	Reason string
}

// Transition applies a client-driven status change: activation once both
// parties joined, ending by a party or at the deadline, or failure before
// activation. A lost race returns a conflict; the caller re-reads instead of
// retrying the same write.
func (s *Service) Transition(ctx context.Context, sessionID, token string, req TransitionRequest) (sess domain.Session, err error) {
	ctx, span := s.tracer.Start(ctx, "session.Transition", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.to", string(req.To)),
	))
	defer func() { endSpan(span, err) }()

	claims, err := s.authenticate(ctx, sessionID, token)
	if err != nil {
		return domain.Session{}, err
	}
	current, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if req.Expected != "" && current.Status != req.Expected {
		metrics.Add(ctx, s.conflicts, sessionID, attribute.String("operation", "transition"))
		return domain.Session{}, conflict(current, req.Expected)
	}

	now := s.Now()
	var patch domain.Patch
	switch req.To {
	case domain.StatusActive:
		patch, err = domain.PlanActivate(current, now)
	case domain.StatusEnding:
		reason := domain.EndReason(strings.TrimSpace(req.Reason))
		if reason == "" {
			reason = domain.EndReasonPartyEnded
		}
		patch, err = domain.PlanEnd(current, now, reason)
	case domain.StatusFailed:
		patch, err = domain.PlanFail(current, strings.TrimSpace(req.Reason))
	default:
		err = apperrors.WithMetadata(apperrors.CodeInvalidArgument,
			"status "+string(req.To)+" cannot be requested directly",
			map[string]string{"session_id": sessionID, "to": string(req.To)})
	}
	if err != nil {
		return domain.Session{}, err
	}

	updated, err := s.sessions.CompareAndUpdate(ctx, sessionID, current.Status, current.Version, patch, now)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			metrics.Add(ctx, s.conflicts, sessionID, attribute.String("operation", "transition"))
		}
		return domain.Session{}, err
	}
	attrs := map[string]string{"from": string(current.Status), "to": string(updated.Status), "party": string(claims.Party)}
	if req.Reason != "" {
		attrs["reason"] = req.Reason
	}
	name := EventTransitioned
	if updated.Status == domain.StatusFailed {
		name = EventFailed
	}
	s.emit(ctx, updated, name, claims.UserID, attrs)
	s.countTransition(ctx, current, updated)
	s.publish(updated)
	return updated, nil
}

// ExpireResult is the outcome of a grace expiry.
type ExpireResult struct {
	Session domain.Session
	Refund  domain.RefundResult
}

// ExpireGrace cancels a one-sided session whose grace window passed on the
// server clock and refunds the waiting party. Calling it again after the
// cancellation only finishes an outstanding refund.
func (s *Service) ExpireGrace(ctx context.Context, sessionID string) (result ExpireResult, err error) {
	ctx, span := s.tracer.Start(ctx, "session.ExpireGrace", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return ExpireResult{}, err
	}
	if current.Status != domain.StatusCancelledNoShow {
		now := s.Now()
		patch, err := domain.PlanExpireGrace(current, now)
		if err != nil {
			return ExpireResult{}, err
		}
		updated, err := s.sessions.CompareAndUpdate(ctx, sessionID, domain.StatusWaiting, current.Version, patch, now)
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				metrics.Add(ctx, s.conflicts, sessionID, attribute.String("operation", "expire_grace"))
			}
			return ExpireResult{}, err
		}
		s.emit(ctx, updated, EventNoShow, "", nil)
		s.countTransition(ctx, current, updated)
		s.publish(updated)
		current = updated
	}

	refund, err := s.settler.RefundNoShow(ctx, sessionID)
	if err != nil {
		return ExpireResult{Session: current}, err
	}
	return ExpireResult{Session: current, Refund: refund}, nil
}

// SweepGrace expires up to limit waiting sessions whose grace window passed
// on the server clock, so a party that stopped polling is still refunded.
// Rows that change underneath the sweep are skipped.
func (s *Service) SweepGrace(ctx context.Context, limit int) (expired int, err error) {
	ctx, span := s.tracer.Start(ctx, "session.SweepGrace")
	defer func() { endSpan(span, err) }()

	now := s.Now()
	rows, err := s.sessions.ListGraceExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, row := range rows {
		if !domain.GraceExpired(row, now) {
			continue
		}
		if _, err := s.ExpireGrace(ctx, row.ID); err != nil {
			if errors.Is(err, storage.ErrConflict) || apperrors.HasCode(err, apperrors.CodeSessionConflict) ||
				apperrors.HasCode(err, apperrors.CodeSessionInvalidTransition) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		expired++
	}
	return expired, errors.Join(errs...)
}

// SetConsent records the token holder's recording answer. A denial resets the
// other party's grant.
func (s *Service) SetConsent(ctx context.Context, sessionID, token string, granted bool) (domain.Session, error) {
	claims, err := s.authenticate(ctx, sessionID, token)
	if err != nil {
		return domain.Session{}, err
	}
	value := domain.ConsentFromBool(granted)
	for attempt := 0; attempt < replanAttempts; attempt++ {
		current, err := s.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return domain.Session{}, err
		}
		if current.ConsentOf(claims.Party) == value {
			return current, nil
		}
		patch, err := domain.PlanConsent(current, claims.Party, value)
		if err != nil {
			return domain.Session{}, err
		}
		updated, err := s.sessions.CompareAndUpdate(ctx, sessionID, "", current.Version, patch, s.Now())
		if errors.Is(err, storage.ErrConflict) {
			metrics.Add(ctx, s.conflicts, sessionID, attribute.String("operation", "consent"))
			continue
		}
		if err != nil {
			return domain.Session{}, err
		}
		s.emit(ctx, updated, EventConsent, claims.UserID, map[string]string{
			"party": string(claims.Party),
			"value": string(value),
		})
		s.publish(updated)
		return updated, nil
	}
	return domain.Session{}, storage.ErrConflict
}

// Finalize settles the call of the token holder's session. Both parties may
// call it; they receive the same result.
func (s *Service) Finalize(ctx context.Context, sessionID, token string, actualEnd time.Time) (domain.ChargeResult, error) {
	if _, err := s.authenticate(ctx, sessionID, token); err != nil {
		return domain.ChargeResult{}, err
	}
	return s.settler.Finalize(ctx, sessionID, actualEnd)
}

// authenticate verifies token for sessionID and checks it is the seat's
// current credential.
func (s *Service) authenticate(ctx context.Context, sessionID, token string) (credential.Claims, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return credential.Claims{}, apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}
	claims, err := s.tokens.Verify(token, sessionID)
	if err != nil {
		return credential.Claims{}, err
	}
	stored, err := s.credentials.GetCredential(ctx, sessionID, claims.Party)
	if errors.Is(err, storage.ErrNotFound) {
		return credential.Claims{}, apperrors.New(apperrors.CodeCredentialMissing, "no credential issued for this seat")
	}
	if err != nil {
		return credential.Claims{}, err
	}
	if stored.TokenID != claims.TokenID {
		return credential.Claims{}, apperrors.WithMetadata(apperrors.CodeCredentialExpired, "join token was superseded",
			map[string]string{"session_id": sessionID, "party": string(claims.Party)})
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return credential.Claims{}, err
	}
	if sess.PartyID(claims.Party) != claims.UserID {
		return credential.Claims{}, apperrors.WithMetadata(apperrors.CodeCredentialMismatch, "join token does not match the seat holder",
			map[string]string{"session_id": sessionID, "party": string(claims.Party)})
	}
	return claims, nil
}

func (s *Service) publish(sess domain.Session) {
	if s.publisher != nil {
		s.publisher.Publish(sess)
	}
}

func (s *Service) emit(ctx context.Context, sess domain.Session, name, actor string, attrs map[string]string) {
	if requestID := requestctx.RequestIDFromContext(ctx); requestID != "" {
		attrs = maps.Clone(attrs)
		if attrs == nil {
			attrs = make(map[string]string, 1)
		}
		attrs["request_id"] = requestID
	}
	err := s.events.Emit(ctx, telemetry.Event{
		SessionID:  sess.ID,
		Name:       name,
		Actor:      actor,
		Version:    sess.Version,
		Attributes: attrs,
	})
	if err != nil {
		log.Printf("session: %v", err)
	}
}

func (s *Service) countTransition(ctx context.Context, from, to domain.Session) {
	metrics.Add(ctx, s.transitions, to.ID,
		attribute.String("from", string(from.Status)),
		attribute.String("to", string(to.Status)),
	)
}

func conflict(current domain.Session, expected domain.Status) error {
	return apperrors.WithMetadata(apperrors.CodeSessionConflict,
		"session is "+string(current.Status)+", expected "+string(expected),
		map[string]string{
			"session_id": current.ID,
			"status":     string(current.Status),
			"expected":   string(expected),
		})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
