package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/message"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = util.NewID("user")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, email, display_name, created_at
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash).
		Scan(&user.ID, &user.Email, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// GetUserSummary resolves the directory entry broadcast alongside presence
// and state-sync messages.
func (s *PostgresStore) GetUserSummary(ctx context.Context, userID string) (message.UserSummary, error) {
	user, err := s.GetUserByID(ctx, userID)
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

func (s *PostgresStore) CreateNote(ctx context.Context, note Note) (Note, error) {
	if note.ID == "" {
		note.ID = util.NewID("note")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Note{}, fmt.Errorf("begin create note: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO notes (id, title, content, version, owner_id)
		VALUES ($1, $2, $3, 1, $4)
		RETURNING id, title, content, version, owner_id, created_at, updated_at
	`, note.ID, note.Title, note.Content, note.OwnerID).
		Scan(&note.ID, &note.Title, &note.Content, &note.Version, &note.OwnerID, &note.CreatedAt, &note.UpdatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("insert note: %w", err)
	}

	for _, collaboratorID := range note.CollaboratorIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO note_collaborators (note_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, note.ID, collaboratorID); err != nil {
			return Note{}, fmt.Errorf("insert collaborator: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Note{}, fmt.Errorf("commit create note: %w", err)
	}
	return note, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (Note, error) {
	var note Note
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, version, owner_id, created_at, updated_at
		FROM notes WHERE id = $1
	`, noteID).Scan(&note.ID, &note.Title, &note.Content, &note.Version, &note.OwnerID, &note.CreatedAt, &note.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("lookup note: %w", err)
	}

	note.CollaboratorIDs, err = s.collaboratorIDs(ctx, noteID)
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

func (s *PostgresStore) collaboratorIDs(ctx context.Context, noteID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM note_collaborators WHERE note_id = $1 ORDER BY user_id
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateNoteContent replaces the note content last-write-wins and bumps the
// version. The store re-checks permission itself even though the access gate
// already did: it is the authority on ownership rules.
func (s *PostgresStore) UpdateNoteContent(ctx context.Context, noteID, title, content, requestingUserID string) (Note, error) {
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return Note{}, err
	}
	if !note.IsParticipant(requestingUserID) {
		return Note{}, ErrDenied
	}

	err = s.db.QueryRowContext(ctx, `
		UPDATE notes
		SET title = $2, content = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING title, content, version, updated_at
	`, noteID, title, content).Scan(&note.Title, &note.Content, &note.Version, &note.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("update note: %w", err)
	}
	return note, nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, noteID, requestingUserID string) error {
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	if note.OwnerID != requestingUserID {
		return ErrDenied
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = $1`, noteID); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddCollaborator(ctx context.Context, noteID, collaboratorID, requestingUserID string) error {
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	if note.OwnerID != requestingUserID {
		return ErrDenied
	}
	// The owner is always a participant; never double-track them.
	if collaboratorID == note.OwnerID {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO note_collaborators (note_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, noteID, collaboratorID); err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, noteID, collaboratorID, requestingUserID string) error {
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	if note.OwnerID != requestingUserID {
		return ErrDenied
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM note_collaborators WHERE note_id = $1 AND user_id = $2
	`, noteID, collaboratorID); err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, noteID, requestingUserID string) ([]string, error) {
	note, err := s.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if !note.IsParticipant(requestingUserID) {
		return nil, ErrDenied
	}
	return note.CollaboratorIDs, nil
}

func (s *PostgresStore) ListNotesByUser(ctx context.Context, userID string) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT n.id, n.title, n.content, n.version, n.owner_id, n.created_at, n.updated_at
		FROM notes n
		LEFT JOIN note_collaborators nc ON nc.note_id = n.id
		WHERE n.owner_id = $1 OR nc.user_id = $1
		ORDER BY n.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var note Note
		if err := rows.Scan(&note.ID, &note.Title, &note.Content, &note.Version, &note.OwnerID, &note.CreatedAt, &note.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range notes {
		notes[i].CollaboratorIDs, err = s.collaboratorIDs(ctx, notes[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return notes, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
