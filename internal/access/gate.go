// Package access decides whether a user may view or modify a note.
package access

import (
	"context"
	"sync"
	"time"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/store"
)

// Role is the minimum privilege a caller requires.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleOwner  Role = "owner"
)

// Decision is the outcome of one authorization check. Role reports how the
// user relates to the note: "owner", "collaborator", or "none".
type Decision struct {
	UserID  string
	NoteID  string
	Allowed bool
	Role    string
}

type noteSource interface {
	GetNote(ctx context.Context, noteID string) (store.Note, error)
}

type cachedDecision struct {
	decision  Decision
	expiresAt time.Time
}

// Gate authorizes note access against the document store with a short-TTL
// decision cache. The store remains authoritative; a stale window up to the
// TTL is the accepted tradeoff for skipping a lookup on every message.
type Gate struct {
	source noteSource
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedDecision
}

func NewGate(source noteSource, ttl time.Duration) *Gate {
	return &Gate{
		source: source,
		ttl:    ttl,
		cache:  make(map[string]cachedDecision),
	}
}

func cacheKey(noteID, userID string) string {
	return noteID + "\x00" + userID
}

// Authorize never returns an error: lookup failures and missing notes fail
// closed as a denial, indistinguishable from "no access".
func (g *Gate) Authorize(ctx context.Context, userID, noteID string, required Role) Decision {
	if cached, ok := g.lookup(noteID, userID); ok {
		return applyRequirement(cached, required)
	}

	decision := Decision{UserID: userID, NoteID: noteID, Role: "none"}
	note, err := g.source.GetNote(ctx, noteID)
	if err == nil {
		switch {
		case note.OwnerID == userID:
			decision.Role = "owner"
		case note.IsParticipant(userID):
			decision.Role = "collaborator"
		}
	}

	g.remember(noteID, userID, decision)
	return applyRequirement(decision, required)
}

// applyRequirement resolves Allowed for the required role: owners pass any
// requirement, collaborators pass viewer only.
func applyRequirement(decision Decision, required Role) Decision {
	switch decision.Role {
	case "owner":
		decision.Allowed = true
	case "collaborator":
		decision.Allowed = required == RoleViewer
	default:
		decision.Allowed = false
	}
	return decision
}

func (g *Gate) lookup(noteID, userID string) (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.cache[cacheKey(noteID, userID)]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(g.cache, cacheKey(noteID, userID))
		return Decision{}, false
	}
	return entry.decision, true
}

func (g *Gate) remember(noteID, userID string, decision Decision) {
	if g.ttl <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[cacheKey(noteID, userID)] = cachedDecision{
		decision:  decision,
		expiresAt: time.Now().Add(g.ttl),
	}
}

// Invalidate drops every cached decision for a note. Called when the
// collaborator list changes.
func (g *Gate) Invalidate(noteID string) {
	prefix := noteID + "\x00"
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(g.cache, key)
		}
	}
}
