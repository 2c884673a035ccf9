// Package realtime routes inbound collaboration messages: it authenticates
// the sender, authorizes against note ownership, updates presence, applies
// content changes, and fans results out to the note's topic subscribers.
package realtime

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/access"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/auth"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/message"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/presence"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/store"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/topic"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/util"
)

type Authenticator interface {
	Verify(ctx context.Context, bearer string) (auth.Identity, error)
}

type noteStore interface {
	GetNote(ctx context.Context, noteID string) (store.Note, error)
	UpdateNoteContent(ctx context.Context, noteID, title, content, requestingUserID string) (store.Note, error)
	ListCollaborators(ctx context.Context, noteID, requestingUserID string) ([]string, error)
}

type userDirectory interface {
	GetUserSummary(ctx context.Context, userID string) (message.UserSummary, error)
}

type presenceRegistry interface {
	Join(ctx context.Context, noteID, userID string) error
	Touch(ctx context.Context, noteID, userID string) error
	Leave(ctx context.Context, noteID, userID string) error
	Viewers(ctx context.Context, noteID string) ([]string, error)
	IsViewing(ctx context.Context, noteID, userID string) (bool, error)
	Sweep(ctx context.Context, threshold time.Duration) ([]presence.Eviction, error)
}

type broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type accessGate interface {
	Authorize(ctx context.Context, userID, noteID string, required access.Role) access.Decision
}

type auditPublisher interface {
	PublishNoteEvent(ctx context.Context, noteID, userID, action string)
}

// Service is the broadcast router. It owns no mutable state of its own; the
// presence registry and gate cache are the only shared state it touches.
type Service struct {
	auth      Authenticator
	store     noteStore
	directory userDirectory
	presence  presenceRegistry
	broker    broker
	gate      accessGate
	audit     auditPublisher
}

func NewService(authenticator Authenticator, noteStore noteStore, directory userDirectory, registry presenceRegistry, broker broker, gate accessGate, audit auditPublisher) *Service {
	return &Service{
		auth:      authenticator,
		store:     noteStore,
		directory: directory,
		presence:  registry,
		broker:    broker,
		gate:      gate,
		audit:     audit,
	}
}

// authenticate verifies the bearer credential. A missing or invalid
// credential rejects the message outright: no broadcast, no side effects.
func (s *Service) authenticate(ctx context.Context, bearer string) (auth.Identity, error) {
	identity, err := s.auth.Verify(ctx, bearer)
	if err != nil {
		return auth.Identity{}, routeError(CodeAuthRequired, "a valid authorization token is required")
	}
	return identity, nil
}

// touch refreshes presence activity. Best-effort: a registry outage must
// never block message delivery.
func (s *Service) touch(ctx context.Context, noteID, userID string) {
	if err := s.presence.Touch(ctx, noteID, userID); err != nil {
		log.Printf("touch presence for %s on note %s: %v", userID, noteID, err)
	}
}

func (s *Service) publish(ctx context.Context, channel string, msg message.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, channel, raw)
}

// sendError delivers an error to the originating user's private channel
// only; errors are never broadcast.
func (s *Service) sendError(ctx context.Context, noteID, userID, code, errorMessage, originalMessageID string) {
	msg, err := message.New(message.KindError, noteID, userID, message.ErrorPayload{
		ErrorCode:         code,
		ErrorMessage:      errorMessage,
		OriginalMessageID: originalMessageID,
	})
	if err != nil {
		log.Printf("build error message for %s: %v", userID, err)
		return
	}
	if err := s.publish(ctx, topic.UserErrors(userID), msg); err != nil {
		log.Printf("deliver error to %s: %v", userID, err)
	}
}

// ContentUpdate persists a full content replacement and broadcasts it on the
// note's primary channel.
func (s *Service) ContentUpdate(ctx context.Context, noteID, bearer string, in message.Message) error {
	identity, err := s.authenticate(ctx, bearer)
	if err != nil {
		return err
	}

	var update message.ContentUpdate
	if err := in.Decode(&update); err != nil {
		s.sendError(ctx, noteID, identity.UserID, CodeInvalidMessage, "malformed content update", in.MessageID)
		return nil
	}

	decision := s.gate.Authorize(ctx, identity.UserID, noteID, access.RoleViewer)
	if !decision.Allowed {
		s.sendError(ctx, noteID, identity.UserID, CodePermissionDenied, "you don't have permission to edit this note", in.MessageID)
		return nil
	}

	// The store re-checks permission on its own; gate approval is an early
	// filter, not the authority.
	note, err := s.store.UpdateNoteContent(ctx, noteID, update.Title, update.Content, identity.UserID)
	if errors.Is(err, store.ErrDenied) || errors.Is(err, store.ErrNotFound) {
		s.sendError(ctx, noteID, identity.UserID, CodePermissionDenied, "you don't have permission to edit this note", in.MessageID)
		return nil
	}
	if err != nil {
		s.sendError(ctx, noteID, identity.UserID, CodeUpstreamUnavailable, "the note could not be saved", in.MessageID)
		return nil
	}

	s.touch(ctx, noteID, identity.UserID)
	s.audit.PublishNoteEvent(ctx, noteID, identity.UserID, "update")

	update.VersionNumber = note.Version
	out, err := message.New(message.KindContentUpdate, noteID, identity.UserID, update)
	if err != nil {
		return err
	}
	return s.publish(ctx, topic.NotePrimary(noteID), out)
}

// PartialUpdate relays an incremental edit without persisting it. Ordering
// across clients is not guaranteed; consumers reconcile via the version
// number or a later full update.
func (s *Service) PartialUpdate(ctx context.Context, noteID, bearer string, in message.Message) error {
	identity, err := s.authenticate(ctx, bearer)
	if err != nil {
		return err
	}

	var update message.PartialUpdate
	if err := in.Decode(&update); err != nil {
		s.sendError(ctx, noteID, identity.UserID, CodeInvalidMessage, "malformed partial update", in.MessageID)
		return nil
	}

	decision := s.gate.Authorize(ctx, identity.UserID, noteID, access.RoleViewer)
	if !decision.Allowed {
		s.sendError(ctx, noteID, identity.UserID, CodePermissionDenied, "you don't have permission to edit this note", in.MessageID)
		return nil
	}

	s.touch(ctx, noteID, identity.UserID)

	out, err := message.New(message.KindPartialUpdate, noteID, identity.UserID, update)
	if err != nil {
		return err
	}
	return s.publish(ctx, topic.NotePartial(noteID), out)
}

// Cursor relays transient cursor state. Lower risk than content, so it is
// gated only by an authenticated identity.
func (s *Service) Cursor(ctx context.Context, noteID, bearer string, in message.Message) error {
	identity, err := s.authenticate(ctx, bearer)
	if err != nil {
		return err
	}

	var cursor message.CursorUpdate
	if err := in.Decode(&cursor); err != nil {
		s.sendError(ctx, noteID, identity.UserID, CodeInvalidMessage, "malformed cursor update", in.MessageID)
		return nil
	}
	if cursor.UserName == "" {
		cursor.UserName = identity.Name
	}
	if cursor.UserColor == "" {
		cursor.UserColor = util.ColorFor(identity.UserID)
	}

	s.touch(ctx, noteID, identity.UserID)

	out, err := message.New(message.KindCursorUpdate, noteID, identity.UserID, cursor)
	if err != nil {
		return err
	}
	return s.publish(ctx, topic.NoteCursors(noteID), out)
}

// Typing relays a typing indicator.
func (s *Service) Typing(ctx context.Context, noteID, bearer string, in message.Message) error {
	identity, err := s.authenticate(ctx, bearer)
	if err != nil {
		return err
	}

	var typing message.TypingIndicator
	if err := in.Decode(&typing); err != nil {
		s.sendError(ctx, noteID, identity.UserID, CodeInvalidMessage, "malformed typing indicator", in.MessageID)
		return nil
	}

	s.touch(ctx, noteID, identity.UserID)

	out, err := message.New(message.KindTypingIndicator, noteID, identity.UserID, typing)
	if err != nil {
		return err
	}
	return s.publish(ctx, topic.NoteTyping(noteID), out)
}

// Presence handles explicit join/leave signals and maintains the registry.
func (s *Service) Presence(ctx context.Context, noteID, bearer string, in message.Message) error {
	identity, err := s.authenticate(ctx, bearer)
	if err != nil {
		return err
	}

	var update message.PresenceUpdate
	if err := in.Decode(&update); err != nil {
		s.sendError(ctx, noteID, identity.UserID, CodeInvalidMessage, "malformed presence update", in.MessageID)
		return nil
	}

	if update.IsJoining {
		if err := s.presence.Join(ctx, noteID, identity.UserID); err != nil {
			log.Printf("join presence for %s on note %s: %v", identity.UserID, noteID, err)
		}
		// Summary lookup is best-effort enrichment.
		if summary, err := s.directory.GetUserSummary(ctx, identity.UserID); err == nil {
			update.UserName = summary.Email
			update.UserColor = summary.UserColor
		} else {
			log.Printf("resolve summary for %s: %v", identity.UserID, err)
		}
	} else {
		if err := s.presence.Leave(ctx, noteID, identity.UserID); err != nil {
			log.Printf("leave presence for %s on note %s: %v", identity.UserID, noteID, err)
		}
	}

	out, err := message.New(message.KindPresenceUpdate, noteID, identity.UserID, update)
	if err != nil {
		return err
	}
	return s.publish(ctx, topic.NotePresence(noteID), out)
}

// Comment relays an anchored comment after a viewer access check. Comments
// are not persisted by this core.
func (s *Service) Comment(ctx context.Context, noteID, bearer string, in message.Message) error {
	identity, err := s.authenticate(ctx, bearer)
	if err != nil {
		return err
	}

	var comment message.Comment
	if err := in.Decode(&comment); err != nil {
		s.sendError(ctx, noteID, identity.UserID, CodeInvalidMessage, "malformed comment", in.MessageID)
		return nil
	}

	decision := s.gate.Authorize(ctx, identity.UserID, noteID, access.RoleViewer)
	if !decision.Allowed {
		s.sendError(ctx, noteID, identity.UserID, CodePermissionDenied, "you don't have permission to comment on this note", in.MessageID)
		return nil
	}

	s.touch(ctx, noteID, identity.UserID)

	out, err := message.New(message.KindComment, noteID, identity.UserID, comment)
	if err != nil {
		return err
	}
	return s.publish(ctx, topic.NoteComments(noteID), out)
}

// State assembles and broadcasts the full-state snapshot for a note, then
// joins the requester if they were not already tracked.
func (s *Service) State(ctx context.Context, noteID, bearer string) error {
	identity, err := s.authenticate(ctx, bearer)
	if err != nil {
		return err
	}

	decision := s.gate.Authorize(ctx, identity.UserID, noteID, access.RoleViewer)
	if !decision.Allowed {
		s.sendError(ctx, noteID, identity.UserID, CodePermissionDenied, "you don't have permission to access this note", "")
		return nil
	}

	note, err := s.store.GetNote(ctx, noteID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(ctx, noteID, identity.UserID, CodePermissionDenied, "you don't have permission to access this note", "")
		return nil
	}
	if err != nil {
		s.sendError(ctx, noteID, identity.UserID, CodeUpstreamUnavailable, "the note state could not be loaded", "")
		return nil
	}

	viewers, err := s.presence.Viewers(ctx, noteID)
	if err != nil {
		log.Printf("list viewers of note %s: %v", noteID, err)
	}

	activeUsers := make(map[string]message.UserSummary, len(viewers))
	for _, viewerID := range viewers {
		summary, err := s.directory.GetUserSummary(ctx, viewerID)
		if err != nil {
			// A single failed lookup excludes that user, never the snapshot.
			log.Printf("resolve summary for %s: %v", viewerID, err)
			continue
		}
		activeUsers[viewerID] = summary
	}

	collaboratorIDs, err := s.store.ListCollaborators(ctx, noteID, identity.UserID)
	if err != nil {
		log.Printf("list collaborators of note %s: %v", noteID, err)
	}
	collaborators := make(map[string]message.UserSummary, len(collaboratorIDs))
	for _, collaboratorID := range collaboratorIDs {
		if summary, ok := activeUsers[collaboratorID]; ok {
			collaborators[collaboratorID] = summary
			continue
		}
		summary, err := s.directory.GetUserSummary(ctx, collaboratorID)
		if err != nil {
			log.Printf("resolve summary for %s: %v", collaboratorID, err)
			continue
		}
		collaborators[collaboratorID] = summary
	}

	state, err := message.New(message.KindStateSync, noteID, identity.UserID, message.StateSync{
		Title:         note.Title,
		Content:       note.Content,
		VersionNumber: note.Version,
		ActiveUsers:   activeUsers,
		Collaborators: collaborators,
	})
	if err != nil {
		return err
	}
	if err := s.publish(ctx, topic.NoteState(noteID), state); err != nil {
		return err
	}

	viewing, err := s.presence.IsViewing(ctx, noteID, identity.UserID)
	if err != nil {
		log.Printf("check viewer %s on note %s: %v", identity.UserID, noteID, err)
	}
	if viewing {
		return nil
	}

	if err := s.presence.Join(ctx, noteID, identity.UserID); err != nil {
		log.Printf("join presence for %s on note %s: %v", identity.UserID, noteID, err)
	}
	joined := message.PresenceUpdate{IsJoining: true, UserColor: util.ColorFor(identity.UserID)}
	if summary, err := s.directory.GetUserSummary(ctx, identity.UserID); err == nil {
		joined.UserName = summary.Email
		joined.UserColor = summary.UserColor
	}
	out, err := message.New(message.KindPresenceUpdate, noteID, identity.UserID, joined)
	if err != nil {
		return err
	}
	return s.publish(ctx, topic.NotePresence(noteID), out)
}

// Disconnect is the transport close hook: it removes presence immediately
// instead of waiting for the sweeper, and tells the remaining viewers.
func (s *Service) Disconnect(ctx context.Context, noteID, userID string) error {
	if userID == "" {
		return nil
	}
	if err := s.presence.Leave(ctx, noteID, userID); err != nil {
		log.Printf("leave presence for %s on note %s: %v", userID, noteID, err)
	}
	out, err := message.New(message.KindPresenceUpdate, noteID, userID, message.PresenceUpdate{IsJoining: false})
	if err != nil {
		return err
	}
	return s.publish(ctx, topic.NotePresence(noteID), out)
}
