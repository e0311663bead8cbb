package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// RoomProvider creates the video room a session's parties join.
type RoomProvider interface {
	CreateRoom(ctx context.Context, sessionID string) (string, error)
}

// SessionPlaceholder is replaced with the escaped session id by TemplateRooms.
const SessionPlaceholder = "{session_id}"

// DefaultRoomURLTemplate is used when no template is configured.
const DefaultRoomURLTemplate = "https://rooms.encounter.space/" + SessionPlaceholder

// TemplateRooms derives room URLs from a template. It suits providers whose
// rooms are created lazily on first join.
type TemplateRooms struct {
	Template string
}

// CreateRoom renders the template for sessionID.
func (r TemplateRooms) CreateRoom(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	template := strings.TrimSpace(r.Template)
	if template == "" {
		template = DefaultRoomURLTemplate
	}
	if !strings.Contains(template, SessionPlaceholder) {
		return "", errors.New("room url template must contain " + SessionPlaceholder)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	raw := strings.ReplaceAll(template, SessionPlaceholder, url.PathEscape(sessionID))
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("room url template does not produce an absolute url")
	}
	return parsed.String(), nil
}
