// Package message defines the typed real-time protocol exchanged over
// per-note topics.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/util"
)

type Kind string

const (
	KindContentUpdate   Kind = "content_update"
	KindPartialUpdate   Kind = "partial_update"
	KindCursorUpdate    Kind = "cursor_update"
	KindPresenceUpdate  Kind = "presence_update"
	KindTypingIndicator Kind = "typing_indicator"
	KindComment         Kind = "comment"
	KindStateSync       Kind = "state_sync"
	KindError           Kind = "error"
)

// Message is the envelope for every frame published to a note topic.
// UserID and NoteID are always set by the router from the authenticated
// route, never trusted from the client.
type Message struct {
	MessageID string          `json:"messageId"`
	UserID    string          `json:"userId"`
	NoteID    string          `json:"noteId"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh message id and timestamp.
func New(kind Kind, noteID, userID string, payload any) (Message, error) {
	msg := Message{
		MessageID: util.NewID("msg"),
		UserID:    userID,
		NoteID:    noteID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into the kind-specific struct.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// Encode renders the envelope for publication.
func (m Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Kind, err)
	}
	return raw, nil
}

type ContentUpdate struct {
	Title         string `json:"title"`
	Content       string `json:"content"`
	VersionNumber int64  `json:"versionNumber"`
}

// PartialUpdate is relay-only: ordering across clients is not guaranteed,
// consumers reconcile via VersionNumber or a later ContentUpdate.
type PartialUpdate struct {
	Position      int    `json:"position"`
	DeleteCount   int    `json:"deleteCount"`
	InsertText    string `json:"insertText"`
	VersionNumber int64  `json:"versionNumber"`
}

type CursorUpdate struct {
	CursorPosition int    `json:"cursorPosition"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
	UserColor      string `json:"userColor"`
	UserName       string `json:"userName"`
}

type PresenceUpdate struct {
	IsJoining bool   `json:"isJoining"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
}

type TypingIndicator struct {
	IsTyping bool `json:"isTyping"`
}

const (
	CommentActionAdd    = "add"
	CommentActionUpdate = "update"
	CommentActionDelete = "delete"
)

type Comment struct {
	CommentID     string `json:"commentId"`
	StartPosition int    `json:"startPosition"`
	EndPosition   int    `json:"endPosition"`
	CommentText   string `json:"commentText"`
	Action        string `json:"action"`
}

type UserSummary struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	UserColor   string `json:"userColor"`
	IsTyping    bool   `json:"isTyping"`
}

// StateSync is server-generated only, never client-originated.
type StateSync struct {
	Title         string                 `json:"title"`
	Content       string                 `json:"content"`
	VersionNumber int64                  `json:"versionNumber"`
	ActiveUsers   map[string]UserSummary `json:"activeUsers"`
	Collaborators map[string]UserSummary `json:"collaborators"`
}

// ErrorPayload is delivered only on the originating user's private channel.
type ErrorPayload struct {
	ErrorCode         string `json:"errorCode"`
	ErrorMessage      string `json:"errorMessage"`
	OriginalMessageID string `json:"originalMessageId,omitempty"`
}
