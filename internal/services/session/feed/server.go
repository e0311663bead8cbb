package feed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/encounter.space/internal/platform/errors"
	"github.com/louisbranch/encounter.space/internal/services/session/domain"
)

// Frame types carried on the feed socket.
const (
	FrameSessionUpdated = "session.updated"
	FrameError          = "error"
)

// Frame is one JSON message on the feed socket.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Loader reads the current row for the initial snapshot.
type Loader func(ctx context.Context, sessionID string) (domain.Session, error)

// Handler streams rows of the session named by the "id" path value: first a
// snapshot from load, then every newer row published on hub.
func Handler(hub *Hub, load Loader) http.Handler {
	ws := websocket.Handler(func(conn *websocket.Conn) {
		serveConn(conn, hub, load)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if strings.TrimSpace(r.PathValue("id")) == "" {
			http.Error(w, "session id is required", http.StatusBadRequest)
			return
		}
		ws.ServeHTTP(w, r)
	})
}

func serveConn(conn *websocket.Conn, hub *Hub, load Loader) {
	defer func() {
		_ = conn.Close()
	}()
	req := conn.Request()
	sessionID := strings.TrimSpace(req.PathValue("id"))
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	sub := hub.Subscribe(sessionID)
	defer sub.Close()

	snapshot, err := load(ctx, sessionID)
	if err != nil {
		code := apperrors.CodeOf(err)
		_ = writeFrame(conn, FrameError, errorPayload{Code: string(code), Message: err.Error()})
		return
	}
	sub.Offer(snapshot)

	// The client never sends frames; reading only detects the close.
	go func() {
		defer cancel()
		var discard json.RawMessage
		for {
			if err := websocket.JSON.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case row, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeFrame(conn, FrameSessionUpdated, row); err != nil {
				log.Printf("feed: write session %s: %v", sessionID, err)
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frameType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return websocket.JSON.Send(conn, Frame{Type: frameType, Payload: data})
}
