package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/platform/timeouts"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
	"github.com/louisbranch/encounter.space/internal/services/session/feed"
)

// Client calls a session server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	feed       *feed.Client
	user       string
}

// NewClient builds a client for the server at baseURL. A nil httpClient
// uses one with the default request timeout.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid session server url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.Request}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		feed:       feed.NewClient(baseURL),
	}, nil
}

// AsUser returns a client that identifies its requests as userID. The
// identity gateway normally sets this header; tools and tests set it here.
func (c *Client) AsUser(userID string) *Client {
	clone := *c
	clone.user = strings.TrimSpace(userID)
	return &clone
}

// Feed returns the change-feed client for the same server.
func (c *Client) Feed() *feed.Client {
	return c.feed
}

// ServerNowMillis reads the authoritative clock.
func (c *Client) ServerNowMillis(ctx context.Context) (int64, error) {
	var resp timeResponse
	if err := c.do(ctx, http.MethodGet, "/v1/time", "", nil, &resp); err != nil {
		return 0, err
	}
	return resp.ServerNowMillis, nil
}

// Create reserves a session.
func (c *Client) Create(ctx context.Context, r domain.Reservation) (domain.Session, error) {
	var sess domain.Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions", "", createRequest{
		ID:                       r.ID,
		PartyAID:                 r.PartyAID,
		PartyBID:                 r.PartyBID,
		ScheduledDurationSeconds: r.ScheduledDurationSeconds,
		CreditsReserved:          r.CreditsReserved,
		PayoutAmount:             r.PayoutAmount,
	}, &sess)
	return sess, err
}

// GetSession reads the stored row.
func (c *Client) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	var sess domain.Session
	err := c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), "", nil, &sess)
	return sess, err
}

// IssueTokens fetches join credentials; regenerate re-mints the caller's
// seat and needs a client built with AsUser.
func (c *Client) IssueTokens(ctx context.Context, sessionID string, regenerate bool, party domain.Party) (Tokens, error) {
	var tokens Tokens
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/tokens"), "", tokensRequest{
		Regenerate: regenerate,
		Party:      string(party),
	}, &tokens)
	return tokens, err
}

// MarkJoined acknowledges the token holder's join.
func (c *Client) MarkJoined(ctx context.Context, sessionID, token string) (domain.Session, error) {
	var sess domain.Session
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/join"), token, nil, &sess)
	return sess, err
}

// Transition requests a status change conditional on expected.
func (c *Client) Transition(ctx context.Context, sessionID, token string, expected, to domain.Status, reason string) (domain.Session, error) {
	var sess domain.Session
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/transitions"), token, transitionRequest{
		ExpectedStatus: string(expected),
		To:             string(to),
		Reason:         reason,
	}, &sess)
	return sess, err
}

// ExpireGrace asks the server to cancel a no-show.
func (c *Client) ExpireGrace(ctx context.Context, sessionID string) (ExpireResponse, error) {
	var resp ExpireResponse
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/grace/expire"), "", nil, &resp)
	return resp, err
}

// SetConsent submits the token holder's recording answer.
func (c *Client) SetConsent(ctx context.Context, sessionID, token string, granted bool) (domain.Session, error) {
	var sess domain.Session
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/consent"), token, consentRequest{Granted: &granted}, &sess)
	return sess, err
}

// Finalize settles the call. actualEnd is the caller's observed end.
func (c *Client) Finalize(ctx context.Context, sessionID, token string, actualEnd time.Time) (domain.ChargeResult, error) {
	req := finalizeRequest{}
	if !actualEnd.IsZero() {
		req.ActualEndMillis = actualEnd.UnixMilli()
	}
	var result domain.ChargeResult
	err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/finalize"), token, req, &result)
	return result, err
}

// Stream subscribes to the session's change feed.
func (c *Client) Stream(ctx context.Context, sessionID string) (<-chan domain.Session, error) {
	return c.feed.Stream(ctx, sessionID)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(headerAuthorization, bearerPrefix+token)
	}
	if c.user != "" {
		req.Header.Set(headerUser, c.user)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError rebuilds the server's domain error so callers can classify it.
func decodeError(status int, data []byte) error {
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err != nil || payload.Code == "" {
		return fmt.Errorf("session server returned %d: %s", status, strings.TrimSpace(string(data)))
	}
	return apperrors.WithMetadata(apperrors.Code(payload.Code), payload.Message, payload.Metadata)
}

func sessionPath(sessionID, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(strings.TrimSpace(sessionID)) + suffix
}
