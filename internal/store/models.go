package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a note or user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDenied is returned when the requesting user lacks permission.
	ErrDenied = errors.New("permission denied")
)

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

type Note struct {
	ID              string
	Title           string
	Content         string
	Version         int64
	OwnerID         string
	CollaboratorIDs []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsParticipant reports whether userID is the owner or a collaborator.
func (n Note) IsParticipant(userID string) bool {
	if userID == n.OwnerID {
		return true
	}
	for _, id := range n.CollaboratorIDs {
		if id == userID {
			return true
		}
	}
	return false
}
