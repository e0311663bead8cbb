package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/platform/requestctx"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
	"github.com/louisbranch/encounter.space/internal/services/session/feed"
	"github.com/louisbranch/encounter.space/internal/services/session/service"
)

// Lifecycle is the session authority served over HTTP.
type Lifecycle interface {
	Now() time.Time
	Create(ctx context.Context, r domain.Reservation) (domain.Session, error)
	Get(ctx context.Context, sessionID string) (domain.Session, error)
	IssueTokens(ctx context.Context, sessionID string, req service.TokenRequest) (service.TokenSet, error)
	MarkJoined(ctx context.Context, sessionID, token string) (domain.Session, error)
	Transition(ctx context.Context, sessionID, token string, req service.TransitionRequest) (domain.Session, error)
	ExpireGrace(ctx context.Context, sessionID string) (service.ExpireResult, error)
	SetConsent(ctx context.Context, sessionID, token string, granted bool) (domain.Session, error)
	Finalize(ctx context.Context, sessionID, token string, actualEnd time.Time) (domain.ChargeResult, error)
}

// Server routes HTTP requests to the lifecycle authority.
type Server struct {
	svc Lifecycle
	hub *feed.Hub
}

// NewHandler builds the session HTTP handler.
func NewHandler(svc Lifecycle, hub *feed.Hub) http.Handler {
	s := &Server{svc: svc, hub: hub}
	return Chain(s.routes(), RecoverPanic(), RequestID())
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", s.handleUp)
	mux.HandleFunc("GET /v1/time", s.handleTime)
	mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/sessions/{id}/tokens", s.handleTokens)
	mux.HandleFunc("POST /v1/sessions/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /v1/sessions/{id}/transitions", s.handleTransition)
	mux.HandleFunc("POST /v1/sessions/{id}/grace/expire", s.handleExpireGrace)
	mux.HandleFunc("POST /v1/sessions/{id}/consent", s.handleConsent)
	mux.HandleFunc("POST /v1/sessions/{id}/finalize", s.handleFinalize)
	if s.hub != nil {
		mux.Handle("GET /v1/sessions/{id}/feed", feed.Handler(s.hub, s.svc.Get))
	}
	return mux
}

func (s *Server) handleUp(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleTime(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, timeResponse{ServerNowMillis: s.svc.Now().UnixMilli()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.svc.Create(r.Context(), domain.Reservation{
		ID:                       req.ID,
		PartyAID:                 req.PartyAID,
		PartyBID:                 req.PartyBID,
		ScheduledDurationSeconds: req.ScheduledDurationSeconds,
		CreditsReserved:          req.CreditsReserved,
		PayoutAmount:             req.PayoutAmount,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	var req tokensRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tokenReq := service.TokenRequest{
		Regenerate: req.Regenerate,
		Caller:     r.Header.Get(headerUser),
	}
	if strings.TrimSpace(req.Party) != "" {
		party, err := domain.ParseParty(req.Party)
		if err != nil {
			writeError(w, r, invalidArgument(err))
			return
		}
		tokenReq.Party = party
	}
	set, err := s.svc.IssueTokens(r.Context(), r.PathValue("id"), tokenReq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Tokens{
		PartyAToken: set.PartyAToken,
		PartyBToken: set.PartyBToken,
		RoomURL:     set.RoomURL,
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.MarkJoined(r.Context(), r.PathValue("id"), bearerToken(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, err := domain.ParseStatus(req.To)
	if err != nil {
		writeError(w, r, invalidArgument(err))
		return
	}
	var expected domain.Status
	if strings.TrimSpace(req.ExpectedStatus) != "" {
		if expected, err = domain.ParseStatus(req.ExpectedStatus); err != nil {
			writeError(w, r, invalidArgument(err))
			return
		}
	}
	sess, err := s.svc.Transition(r.Context(), r.PathValue("id"), bearerToken(r), service.TransitionRequest{
		Expected: expected,
		To:       to,
		Reason:   req.Reason,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleExpireGrace(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.ExpireGrace(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireResponse{Session: result.Session, Refund: result.Refund})
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Granted == nil {
		writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "granted is required"))
		return
	}
	sess, err := s.svc.SetConsent(r.Context(), r.PathValue("id"), bearerToken(r), *req.Granted)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var actualEnd time.Time
	if req.ActualEndMillis > 0 {
		actualEnd = time.UnixMilli(req.ActualEndMillis).UTC()
	}
	result, err := s.svc.Finalize(r.Context(), r.PathValue("id"), bearerToken(r), actualEnd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get(headerAuthorization)
	if !strings.HasPrefix(header, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
}

// decodeBody reads a JSON body into target. An empty body leaves target at
// its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, invalidArgument(fmt.Errorf("invalid request body: %w", err)))
		return false
	}
	return true
}

func invalidArgument(err error) error {
	return apperrors.Wrap(apperrors.CodeInvalidArgument, err.Error(), err)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		log.Printf("session api: %s %s request_id=%s: %v", r.Method, r.URL.Path, requestctx.RequestIDFromContext(r.Context()), err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code:    string(apperrors.CodeUnknown),
			Message: "internal error",
		})
		return
	}
	writeJSON(w, appErr.Code.HTTPStatus(), errorResponse{
		Code:     string(appErr.Code),
		Message:  appErr.Error(),
		Metadata: appErr.Metadata,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}
