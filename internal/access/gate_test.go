package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/store"
)

type fakeNoteSource struct {
	getNoteFn func(context.Context, string) (store.Note, error)
	calls     int
}

func (f *fakeNoteSource) GetNote(ctx context.Context, noteID string) (store.Note, error) {
	f.calls++
	if f.getNoteFn != nil {
		return f.getNoteFn(ctx, noteID)
	}
	return store.Note{}, store.ErrNotFound
}

func ownedNote(owner string, collaborators ...string) func(context.Context, string) (store.Note, error) {
	return func(_ context.Context, noteID string) (store.Note, error) {
		return store.Note{ID: noteID, OwnerID: owner, CollaboratorIDs: collaborators}, nil
	}
}

func TestAuthorizeOwner(t *testing.T) {
	gate := NewGate(&fakeNoteSource{getNoteFn: ownedNote("user-a")}, 0)

	for _, required := range []Role{RoleViewer, RoleOwner} {
		decision := gate.Authorize(context.Background(), "user-a", "note-1", required)
		if !decision.Allowed || decision.Role != "owner" {
			t.Errorf("owner should pass %s requirement, got %+v", required, decision)
		}
	}
}

func TestAuthorizeCollaboratorViewerOnly(t *testing.T) {
	gate := NewGate(&fakeNoteSource{getNoteFn: ownedNote("user-a", "user-b")}, 0)

	decision := gate.Authorize(context.Background(), "user-b", "note-1", RoleViewer)
	if !decision.Allowed || decision.Role != "collaborator" {
		t.Errorf("collaborator should pass viewer requirement, got %+v", decision)
	}

	decision = gate.Authorize(context.Background(), "user-b", "note-1", RoleOwner)
	if decision.Allowed {
		t.Errorf("collaborator must not pass owner requirement, got %+v", decision)
	}
}

func TestAuthorizeStrangerDenied(t *testing.T) {
	gate := NewGate(&fakeNoteSource{getNoteFn: ownedNote("user-a", "user-b")}, 0)

	decision := gate.Authorize(context.Background(), "user-c", "note-1", RoleViewer)
	if decision.Allowed || decision.Role != "none" {
		t.Errorf("stranger should be denied, got %+v", decision)
	}
}

func TestAuthorizeFailsClosed(t *testing.T) {
	cases := map[string]error{
		"missing note": store.ErrNotFound,
		"store outage": errors.New("connection refused"),
	}
	for name, err := range cases {
		gate := NewGate(&fakeNoteSource{getNoteFn: func(context.Context, string) (store.Note, error) {
			return store.Note{}, err
		}}, 0)
		decision := gate.Authorize(context.Background(), "user-a", "note-1", RoleViewer)
		if decision.Allowed {
			t.Errorf("%s: expected denial, got %+v", name, decision)
		}
	}
}

func TestAuthorizeCachesDecisions(t *testing.T) {
	source := &fakeNoteSource{getNoteFn: ownedNote("user-a")}
	gate := NewGate(source, time.Minute)

	gate.Authorize(context.Background(), "user-a", "note-1", RoleViewer)
	gate.Authorize(context.Background(), "user-a", "note-1", RoleOwner)
	gate.Authorize(context.Background(), "user-a", "note-1", RoleViewer)

	if source.calls != 1 {
		t.Errorf("expected a single store lookup, got %d", source.calls)
	}
}

func TestInvalidateDropsNoteEntries(t *testing.T) {
	source := &fakeNoteSource{getNoteFn: ownedNote("user-a", "user-b")}
	gate := NewGate(source, time.Minute)

	gate.Authorize(context.Background(), "user-b", "note-1", RoleViewer)

	// Simulate the collaborator being removed, then invalidate.
	source.getNoteFn = ownedNote("user-a")
	gate.Invalidate("note-1")

	decision := gate.Authorize(context.Background(), "user-b", "note-1", RoleViewer)
	if decision.Allowed {
		t.Errorf("expected denial after invalidation, got %+v", decision)
	}
	if source.calls != 2 {
		t.Errorf("expected fresh lookup after invalidation, got %d calls", source.calls)
	}
}

func TestCacheExpires(t *testing.T) {
	source := &fakeNoteSource{getNoteFn: ownedNote("user-a")}
	gate := NewGate(source, time.Nanosecond)

	gate.Authorize(context.Background(), "user-a", "note-1", RoleViewer)
	time.Sleep(time.Millisecond)
	gate.Authorize(context.Background(), "user-a", "note-1", RoleViewer)

	if source.calls != 2 {
		t.Errorf("expected cache expiry to force a second lookup, got %d calls", source.calls)
	}
}
