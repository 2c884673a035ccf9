// Package app exposes the REST and WebSocket surface: account sign-up and
// login, note CRUD, collaborator management, and the per-note realtime
// gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/access"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/auth"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/authpw"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/config"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/message"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/store"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	ExpiresAt time.Time
}

// Store is the persistence surface the app layer needs.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserSummary(ctx context.Context, userID string) (message.UserSummary, error)
	CreateNote(ctx context.Context, note store.Note) (store.Note, error)
	GetNote(ctx context.Context, noteID string) (store.Note, error)
	UpdateNoteContent(ctx context.Context, noteID, title, content, requestingUserID string) (store.Note, error)
	DeleteNote(ctx context.Context, noteID, requestingUserID string) error
	AddCollaborator(ctx context.Context, noteID, collaboratorID, requestingUserID string) error
	RemoveCollaborator(ctx context.Context, noteID, collaboratorID, requestingUserID string) error
	ListCollaborators(ctx context.Context, noteID, requestingUserID string) ([]string, error)
	ListNotesByUser(ctx context.Context, userID string) ([]store.Note, error)
	Ping(ctx context.Context) error
}

type gateInvalidator interface {
	Authorize(ctx context.Context, userID, noteID string, required access.Role) access.Decision
	Invalidate(noteID string)
}

type auditPublisher interface {
	PublishNoteEvent(ctx context.Context, noteID, userID, action string)
}

type Service struct {
	cfg    config.Config
	store  Store
	passwd *authpw.Service
	gate   gateInvalidator
	audit  auditPublisher
}

func New(cfg config.Config, dataStore Store, passwd *authpw.Service, gate gateInvalidator, audit auditPublisher) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		passwd: passwd,
		gate:   gate,
		audit:  audit,
	}
}

func (s *Service) issueSession(user store.User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   util.NewID("jti"),
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		ExpiresAt: expiresAt,
	}, nil
}

// SignUp registers an account and signs the new user straight in.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.passwd.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if errors.Is(err, authpw.ErrEmailTaken) {
		return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	}
	if err != nil {
		return Session{}, validationError(err.Error())
	}
	return s.issueSession(user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwd.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) CreateNote(ctx context.Context, ownerID, title, content string, collaboratorIDs []string) (store.Note, error) {
	if strings.TrimSpace(title) == "" {
		return store.Note{}, validationError("title is required")
	}
	note, err := s.store.CreateNote(ctx, store.Note{
		ID:              util.NewID("note"),
		Title:           title,
		Content:         content,
		OwnerID:         ownerID,
		CollaboratorIDs: collaboratorIDs,
	})
	if err != nil {
		return store.Note{}, fmt.Errorf("create note: %w", err)
	}
	s.audit.PublishNoteEvent(ctx, note.ID, ownerID, "create")
	return note, nil
}

func (s *Service) GetNote(ctx context.Context, userID, noteID string) (store.Note, error) {
	decision := s.gate.Authorize(ctx, userID, noteID, access.RoleViewer)
	if !decision.Allowed {
		return store.Note{}, forbiddenError()
	}
	note, err := s.store.GetNote(ctx, noteID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Note{}, notFoundError()
	}
	return note, err
}

func (s *Service) ListNotes(ctx context.Context, userID string) ([]store.Note, error) {
	return s.store.ListNotesByUser(ctx, userID)
}

func (s *Service) UpdateNote(ctx context.Context, userID, noteID, title, content string) (store.Note, error) {
	note, err := s.store.UpdateNoteContent(ctx, noteID, title, content, userID)
	if errors.Is(err, store.ErrDenied) {
		return store.Note{}, forbiddenError()
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.Note{}, notFoundError()
	}
	if err != nil {
		return store.Note{}, err
	}
	s.audit.PublishNoteEvent(ctx, noteID, userID, "update")
	return note, nil
}

func (s *Service) DeleteNote(ctx context.Context, userID, noteID string) error {
	err := s.store.DeleteNote(ctx, noteID, userID)
	if errors.Is(err, store.ErrDenied) {
		return forbiddenError()
	}
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError()
	}
	if err != nil {
		return err
	}
	s.gate.Invalidate(noteID)
	s.audit.PublishNoteEvent(ctx, noteID, userID, "delete")
	return nil
}

// AddCollaborator grants a user access to a note. Cached access decisions
// for the note are dropped so the change is visible immediately.
func (s *Service) AddCollaborator(ctx context.Context, userID, noteID, collaboratorID string) error {
	if collaboratorID == "" {
		return validationError("collaborator id is required")
	}
	if _, err := s.store.GetUserByID(ctx, collaboratorID); err != nil {
		return validationError("no such user")
	}
	err := s.store.AddCollaborator(ctx, noteID, collaboratorID, userID)
	if errors.Is(err, store.ErrDenied) {
		return forbiddenError()
	}
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError()
	}
	if err != nil {
		return err
	}
	s.gate.Invalidate(noteID)
	s.audit.PublishNoteEvent(ctx, noteID, userID, "share")
	return nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, userID, noteID, collaboratorID string) error {
	err := s.store.RemoveCollaborator(ctx, noteID, collaboratorID, userID)
	if errors.Is(err, store.ErrDenied) {
		return forbiddenError()
	}
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError()
	}
	if err != nil {
		return err
	}
	s.gate.Invalidate(noteID)
	s.audit.PublishNoteEvent(ctx, noteID, userID, "unshare")
	return nil
}

func (s *Service) ListCollaborators(ctx context.Context, userID, noteID string) ([]message.UserSummary, error) {
	ids, err := s.store.ListCollaborators(ctx, noteID, userID)
	if errors.Is(err, store.ErrDenied) {
		return nil, forbiddenError()
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError()
	}
	if err != nil {
		return nil, err
	}
	summaries := make([]message.UserSummary, 0, len(ids))
	for _, id := range ids {
		summary, err := s.store.GetUserSummary(ctx, id)
		if err != nil {
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// LookupUserByEmail resolves an email to a shareable user summary.
func (s *Service) LookupUserByEmail(ctx context.Context, email string) (message.UserSummary, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return message.UserSummary{}, notFoundError()
	}
	if err != nil {
		return message.UserSummary{}, err
	}
	return message.UserSummary{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		UserColor:   util.ColorFor(user.ID),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
