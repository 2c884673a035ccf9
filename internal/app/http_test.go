package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/access"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/authpw"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/config"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/message"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/store"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/util"
)

type memoryStore struct {
	mu    sync.Mutex
	users map[string]store.User
	notes map[string]store.Note
	pingE error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users: make(map[string]store.User),
		notes: make(map[string]store.Note),
	}
}

func (m *memoryStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.CreatedAt = time.Now().UTC()
	m.users[user.ID] = user
	return user, nil
}

func (m *memoryStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *memoryStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memoryStore) GetUserSummary(_ context.Context, userID string) (message.UserSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return message.UserSummary{}, store.ErrNotFound
	}
	return message.UserSummary{UserID: user.ID, DisplayName: user.DisplayName, Email: user.Email, UserColor: util.ColorFor(user.ID)}, nil
}

func (m *memoryStore) CreateNote(_ context.Context, note store.Note) (store.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	note.Version = 1
	note.CreatedAt = time.Now().UTC()
	note.UpdatedAt = note.CreatedAt
	m.notes[note.ID] = note
	return note, nil
}

func (m *memoryStore) GetNote(_ context.Context, noteID string) (store.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[noteID]
	if !ok {
		return store.Note{}, store.ErrNotFound
	}
	return note, nil
}

func (m *memoryStore) UpdateNoteContent(_ context.Context, noteID, title, content, requestingUserID string) (store.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[noteID]
	if !ok {
		return store.Note{}, store.ErrNotFound
	}
	if !note.IsParticipant(requestingUserID) {
		return store.Note{}, store.ErrDenied
	}
	note.Title = title
	note.Content = content
	note.Version++
	note.UpdatedAt = time.Now().UTC()
	m.notes[noteID] = note
	return note, nil
}

func (m *memoryStore) DeleteNote(_ context.Context, noteID, requestingUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[noteID]
	if !ok {
		return store.ErrNotFound
	}
	if note.OwnerID != requestingUserID {
		return store.ErrDenied
	}
	delete(m.notes, noteID)
	return nil
}

func (m *memoryStore) AddCollaborator(_ context.Context, noteID, collaboratorID, requestingUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[noteID]
	if !ok {
		return store.ErrNotFound
	}
	if note.OwnerID != requestingUserID {
		return store.ErrDenied
	}
	note.CollaboratorIDs = append(note.CollaboratorIDs, collaboratorID)
	m.notes[noteID] = note
	return nil
}

func (m *memoryStore) RemoveCollaborator(_ context.Context, noteID, collaboratorID, requestingUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[noteID]
	if !ok {
		return store.ErrNotFound
	}
	if note.OwnerID != requestingUserID {
		return store.ErrDenied
	}
	kept := note.CollaboratorIDs[:0]
	for _, id := range note.CollaboratorIDs {
		if id != collaboratorID {
			kept = append(kept, id)
		}
	}
	note.CollaboratorIDs = kept
	m.notes[noteID] = note
	return nil
}

func (m *memoryStore) ListCollaborators(_ context.Context, noteID, requestingUserID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[noteID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !note.IsParticipant(requestingUserID) {
		return nil, store.ErrDenied
	}
	return note.CollaboratorIDs, nil
}

func (m *memoryStore) ListNotesByUser(_ context.Context, userID string) ([]store.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var notes []store.Note
	for _, note := range m.notes {
		if note.IsParticipant(userID) {
			notes = append(notes, note)
		}
	}
	return notes, nil
}

func (m *memoryStore) Ping(context.Context) error { return m.pingE }

type recordingAudit struct {
	events []string
}

func (r *recordingAudit) PublishNoteEvent(_ context.Context, noteID, userID, action string) {
	r.events = append(r.events, fmt.Sprintf("%s/%s/%s", noteID, userID, action))
}

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

type serverFixture struct {
	handler http.Handler
	store   *memoryStore
	gate    *access.Gate
	audit   *recordingAudit
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	cfg := config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour, CORSOrigin: "*"}
	dataStore := newMemoryStore()
	gate := access.NewGate(dataStore, time.Minute)
	audit := &recordingAudit{}
	service := New(cfg, dataStore, authpw.NewService(dataStore), gate, audit)
	server := NewHTTPServer(service, nil, okPinger{}, cfg.CORSOrigin)
	return &serverFixture{handler: server.Handler(), store: dataStore, gate: gate, audit: audit}
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)
	return recorder
}

func (f *serverFixture) signUp(t *testing.T, email, name string) (userID, token string) {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": email, "password": "correct horse", "displayName": name,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("signup returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp struct {
		AccessToken string `json:"accessToken"`
		UserID      string `json:"userId"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	return resp.UserID, resp.AccessToken
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(t, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("health returned %d", recorder.Code)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	f := newServerFixture(t)
	f.store.pingE = errors.New("connection refused")
	recorder := f.do(t, http.MethodGet, "/api/ready", "", nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready returned %d, want 503", recorder.Code)
	}
}

func TestSignUpAndLoginFlow(t *testing.T) {
	f := newServerFixture(t)
	userID, token := f.signUp(t, "avery@example.com", "Avery")
	if userID == "" || token == "" {
		t.Fatal("expected userId and accessToken in signup response")
	}

	recorder := f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "avery@example.com", "password": "correct horse",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "avery@example.com", "password": "wrong horse",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("bad login returned %d, want 401", recorder.Code)
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	f := newServerFixture(t)
	f.signUp(t, "avery@example.com", "Avery")
	recorder := f.do(t, http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": "avery@example.com", "password": "correct horse", "displayName": "Imposter",
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("duplicate signup returned %d, want 409", recorder.Code)
	}
}

func TestNotesRequireAuthentication(t *testing.T) {
	f := newServerFixture(t)
	recorder := f.do(t, http.MethodGet, "/api/notes", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list returned %d, want 401", recorder.Code)
	}
}

func TestNoteLifecycle(t *testing.T) {
	f := newServerFixture(t)
	_, token := f.signUp(t, "avery@example.com", "Avery")

	recorder := f.do(t, http.MethodPost, "/api/notes", token, map[string]any{
		"title": "Plan", "content": "step one",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("new note version = %d, want 1", created.Version)
	}

	recorder = f.do(t, http.MethodPut, "/api/notes/"+created.ID, token, map[string]any{
		"title": "Plan", "content": "step two",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("update returned %d: %s", recorder.Code, recorder.Body.String())
	}
	var updated struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode update response: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("updated version = %d, want 2", updated.Version)
	}

	recorder = f.do(t, http.MethodGet, "/api/notes", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list returned %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodDelete, "/api/notes/"+created.ID, token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete returned %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodGet, "/api/notes/"+created.ID, token, nil)
	if recorder.Code != http.StatusForbidden && recorder.Code != http.StatusNotFound {
		t.Fatalf("deleted note fetch returned %d", recorder.Code)
	}
}

func TestNoteAccessDeniedForStranger(t *testing.T) {
	f := newServerFixture(t)
	_, ownerToken := f.signUp(t, "avery@example.com", "Avery")
	_, strangerToken := f.signUp(t, "casey@example.com", "Casey")

	recorder := f.do(t, http.MethodPost, "/api/notes", ownerToken, map[string]any{"title": "Private", "content": "x"})
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	recorder = f.do(t, http.MethodGet, "/api/notes/"+created.ID, strangerToken, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("stranger fetch returned %d, want 403", recorder.Code)
	}
	recorder = f.do(t, http.MethodPut, "/api/notes/"+created.ID, strangerToken, map[string]any{"title": "t", "content": "c"})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("stranger update returned %d, want 403", recorder.Code)
	}
}

func TestCollaboratorGrantTakesEffectImmediately(t *testing.T) {
	f := newServerFixture(t)
	_, ownerToken := f.signUp(t, "avery@example.com", "Avery")
	collaboratorID, collaboratorToken := f.signUp(t, "blake@example.com", "Blake")

	recorder := f.do(t, http.MethodPost, "/api/notes", ownerToken, map[string]any{"title": "Shared", "content": "x"})
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	// Prime the gate cache with a denial, then grant access; the grant must
	// invalidate the cached decision.
	recorder = f.do(t, http.MethodGet, "/api/notes/"+created.ID, collaboratorToken, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("pre-grant fetch returned %d, want 403", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/api/notes/"+created.ID+"/collaborators", ownerToken, map[string]string{"userId": collaboratorID})
	if recorder.Code != http.StatusOK {
		t.Fatalf("add collaborator returned %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodGet, "/api/notes/"+created.ID, collaboratorToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("post-grant fetch returned %d, want 200", recorder.Code)
	}

	recorder = f.do(t, http.MethodDelete, "/api/notes/"+created.ID+"/collaborators/"+collaboratorID, ownerToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("remove collaborator returned %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodGet, "/api/notes/"+created.ID, collaboratorToken, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("post-revoke fetch returned %d, want 403", recorder.Code)
	}
}

func TestUserLookupByEmail(t *testing.T) {
	f := newServerFixture(t)
	userID, token := f.signUp(t, "avery@example.com", "Avery")

	recorder := f.do(t, http.MethodGet, "/api/users/lookup?email=avery@example.com", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("lookup returned %d", recorder.Code)
	}
	var summary message.UserSummary
	if err := json.Unmarshal(recorder.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.UserID != userID || summary.UserColor == "" {
		t.Errorf("unexpected summary %+v", summary)
	}

	recorder = f.do(t, http.MethodGet, "/api/users/lookup?email=nobody@example.com", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing user lookup returned %d, want 404", recorder.Code)
	}
}

func TestAuditEventsEmittedOnMutations(t *testing.T) {
	f := newServerFixture(t)
	userID, token := f.signUp(t, "avery@example.com", "Avery")

	recorder := f.do(t, http.MethodPost, "/api/notes", token, map[string]any{"title": "Plan", "content": "x"})
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	f.do(t, http.MethodPut, "/api/notes/"+created.ID, token, map[string]any{"title": "Plan", "content": "y"})

	want := []string{
		created.ID + "/" + userID + "/create",
		created.ID + "/" + userID + "/update",
	}
	if len(f.audit.events) != len(want) {
		t.Fatalf("audit events = %v, want %v", f.audit.events, want)
	}
	for i := range want {
		if f.audit.events[i] != want[i] {
			t.Errorf("audit event %d = %s, want %s", i, f.audit.events[i], want[i])
		}
	}
}
