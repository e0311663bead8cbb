package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/platform/timeouts"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

// Client subscribes to a remote feed and re-dials when the socket drops.
type Client struct {
	// BaseURL is the session server root, e.g. http://127.0.0.1:8095.
	BaseURL string
	// Backoff is the first reconnect delay; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Logf       func(format string, args ...any)
}

// NewClient builds a client with default reconnect timing.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Backoff:    timeouts.FeedReconnect,
		MaxBackoff: timeouts.FeedReconnectMax,
		Logf:       log.Printf,
	}
}

// Stream dials the feed of sessionID. The first dial is synchronous; later
// drops are retried in the background until ctx ends, when the returned
// channel closes.
func (c *Client) Stream(ctx context.Context, sessionID string) (<-chan domain.Session, error) {
	wsURL, origin, err := c.endpoint(sessionID)
	if err != nil {
		return nil, err
	}
	conn, err := dial(ctx, wsURL, origin)
	if err != nil {
		return nil, err
	}

	box := newMailbox()
	go c.run(ctx, conn, wsURL, origin, sessionID, box)
	return box.ch, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn, wsURL, origin, sessionID string, box *mailbox) {
	defer box.close()
	delay := c.Backoff
	for {
		err := receive(ctx, conn, box)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			c.logf("feed: session %s not found, stopping", sessionID)
			return
		}
		c.logf("feed: session %s stream dropped: %v", sessionID, err)

		for {
			if !sleep(ctx, delay) {
				return
			}
			delay = c.nextDelay(delay)
			conn, err = dial(ctx, wsURL, origin)
			if err == nil {
				delay = c.Backoff
				break
			}
			c.logf("feed: session %s redial: %v", sessionID, err)
		}
	}
}

func receive(ctx context.Context, conn *websocket.Conn, box *mailbox) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var frame Frame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			return err
		}
		switch frame.Type {
		case FrameSessionUpdated:
			var row domain.Session
			if err := json.Unmarshal(frame.Payload, &row); err != nil {
				return fmt.Errorf("decode session frame: %w", err)
			}
			box.offer(row)
		case FrameError:
			var payload errorPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				return fmt.Errorf("decode error frame: %w", err)
			}
			return apperrors.New(apperrors.Code(payload.Code), payload.Message)
		}
	}
}

func (c *Client) endpoint(sessionID string) (string, string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", "", errors.New("session id is required")
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil || base.Host == "" {
		return "", "", fmt.Errorf("invalid feed base url %q", c.BaseURL)
	}
	origin := base.Scheme + "://" + base.Host
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/v1/sessions/" + url.PathEscape(sessionID) + "/feed"
	return base.String(), origin, nil
}

func dial(ctx context.Context, wsURL, origin string) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, fmt.Errorf("feed config: %w", err)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	return conn, nil
}

func (c *Client) nextDelay(delay time.Duration) time.Duration {
	next := delay * 2
	if c.MaxBackoff > 0 && next > c.MaxBackoff {
		return c.MaxBackoff
	}
	if next <= 0 {
		return timeouts.FeedReconnect
	}
	return next
}

func (c *Client) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
