package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/message"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/realtime"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/topic"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
)

type router interface {
	ContentUpdate(ctx context.Context, noteID, bearer string, in message.Message) error
	PartialUpdate(ctx context.Context, noteID, bearer string, in message.Message) error
	Cursor(ctx context.Context, noteID, bearer string, in message.Message) error
	Typing(ctx context.Context, noteID, bearer string, in message.Message) error
	Presence(ctx context.Context, noteID, bearer string, in message.Message) error
	Comment(ctx context.Context, noteID, bearer string, in message.Message) error
	State(ctx context.Context, noteID, bearer string) error
	Disconnect(ctx context.Context, noteID, userID string) error
}

type subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (*topic.Subscription, error)
}

type sessionSource interface {
	SessionFromToken(ctx context.Context, token string) (Session, error)
}

// Gateway bridges one WebSocket per note to the broadcast router: inbound
// frames are dispatched to the router, and everything published on the
// note's channels (plus the caller's private error channel) is pumped back.
type Gateway struct {
	sessions   sessionSource
	router     router
	subscriber subscriber
	upgrader   websocket.Upgrader
}

func NewGateway(sessions sessionSource, router router, subscriber subscriber, corsOrigin string) *Gateway {
	return &Gateway{
		sessions:   sessions,
		router:     router,
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if corsOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == corsOrigin
			},
		},
	}
}

// socketToken accepts the credential either as a bearer header or, for
// browser clients that cannot set headers on a WebSocket, a query parameter.
func socketToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// ServeNote upgrades the connection and runs the session until the client
// disconnects or the credential is rejected mid-stream.
func (g *Gateway) ServeNote(w http.ResponseWriter, r *http.Request, noteID string) {
	token := socketToken(r)
	session, err := g.sessions.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	channels := append(topic.NoteChannels(noteID), topic.UserErrors(session.UserID))
	sub, err := g.subscriber.Subscribe(r.Context(), channels...)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Realtime backend unavailable", nil)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		log.Printf("websocket upgrade for note %s: %v", noteID, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go g.writePump(ctx, conn, sub)
	g.readLoop(ctx, conn, noteID, token, session.UserID)

	cancel()
	_ = sub.Close()
	_ = conn.Close()
	if err := g.router.Disconnect(context.Background(), noteID, session.UserID); err != nil {
		log.Printf("disconnect %s from note %s: %v", session.UserID, noteID, err)
	}
}

// writePump is the only writer on the connection.
func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, sub *topic.Subscription) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.C():
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription lost"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, event.Payload); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, noteID, token, userID string) {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("websocket read for %s on note %s: %v", userID, noteID, err)
			}
			return
		}

		var in message.Message
		if err := json.Unmarshal(raw, &in); err != nil {
			// Unparseable frames are dropped; the protocol carries its own
			// error channel for everything past this point.
			continue
		}

		if err := g.dispatch(ctx, noteID, token, in); err != nil {
			var routeErr *realtime.RouteError
			if errors.As(err, &routeErr) && routeErr.Code == realtime.CodeAuthRequired {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, routeErr.Code),
					time.Now().Add(wsWriteTimeout))
				return
			}
			log.Printf("route %s from %s on note %s: %v", in.Kind, userID, noteID, err)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, noteID, token string, in message.Message) error {
	switch in.Kind {
	case message.KindContentUpdate:
		return g.router.ContentUpdate(ctx, noteID, token, in)
	case message.KindPartialUpdate:
		return g.router.PartialUpdate(ctx, noteID, token, in)
	case message.KindCursorUpdate:
		return g.router.Cursor(ctx, noteID, token, in)
	case message.KindTypingIndicator:
		return g.router.Typing(ctx, noteID, token, in)
	case message.KindPresenceUpdate:
		return g.router.Presence(ctx, noteID, token, in)
	case message.KindComment:
		return g.router.Comment(ctx, noteID, token, in)
	case message.KindStateSync:
		return g.router.State(ctx, noteID, token)
	default:
		// Unknown kinds are ignored so old servers tolerate newer clients.
		return nil
	}
}
