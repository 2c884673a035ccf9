package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stefan-sfarti/Collaborative-Notes/internal/auth"
	"github.com/stefan-sfarti/Collaborative-Notes/internal/store"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	service    *Service
	gateway    *Gateway
	redis      pinger
	corsOrigin string
}

func NewHTTPServer(service *Service, gateway *Gateway, redis pinger, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, gateway: gateway, redis: redis, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleAuthLogin(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"email":         session.Email,
		})
		return
	}

	parts := splitPath(r.URL.Path)

	// WebSocket gateway: GET /ws/notes/{noteId}
	if len(parts) == 3 && parts[0] == "ws" && parts[1] == "notes" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.gateway.ServeNote(w, r, parts[2])
		return
	}

	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 3 && parts[1] == "users" && parts[2] == "lookup" && r.Method == http.MethodGet:
		s.handleUserLookup(w, r)

	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodGet:
		s.handleListNotes(w, r, session)

	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodPost:
		s.handleCreateNote(w, r, session)

	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodGet:
		s.handleGetNote(w, r, session, parts[2])

	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodPut:
		s.handleUpdateNote(w, r, session, parts[2])

	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodDelete:
		s.handleDeleteNote(w, r, session, parts[2])

	case len(parts) == 4 && parts[1] == "notes" && parts[3] == "collaborators" && r.Method == http.MethodGet:
		s.handleListCollaborators(w, r, session, parts[2])

	case len(parts) == 4 && parts[1] == "notes" && parts[3] == "collaborators" && r.Method == http.MethodPost:
		s.handleAddCollaborator(w, r, session, parts[2])

	case len(parts) == 5 && parts[1] == "notes" && parts[3] == "collaborators" && r.Method == http.MethodDelete:
		s.handleRemoveCollaborator(w, r, session, parts[2], parts[4])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"redis":    map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.redis.Ping(ctx); err != nil {
		statusCode = http.StatusServiceUnavailable
		checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     statusCode == http.StatusOK,
		"checks": checks,
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse(session))
}

func (s *HTTPServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

func sessionResponse(session Session) map[string]any {
	return map[string]any{
		"accessToken": session.Token,
		"userId":      session.UserID,
		"userName":    session.UserName,
		"email":       session.Email,
		"expiresAt":   session.ExpiresAt.Unix(),
	}
}

func (s *HTTPServer) handleUserLookup(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "email query parameter is required", nil)
		return
	}
	summary, err := s.service.LookupUserByEmail(r.Context(), email)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleListNotes(w http.ResponseWriter, r *http.Request, session Session) {
	notes, err := s.service.ListNotes(r.Context(), session.UserID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": noteResponses(notes)})
}

func (s *HTTPServer) handleCreateNote(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title           string   `json:"title"`
		Content         string   `json:"content"`
		CollaboratorIDs []string `json:"collaboratorIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	note, err := s.service.CreateNote(r.Context(), session.UserID, body.Title, body.Content, body.CollaboratorIDs)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, noteResponse(note))
}

func (s *HTTPServer) handleGetNote(w http.ResponseWriter, r *http.Request, session Session, noteID string) {
	note, err := s.service.GetNote(r.Context(), session.UserID, noteID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, noteResponse(note))
}

func (s *HTTPServer) handleUpdateNote(w http.ResponseWriter, r *http.Request, session Session, noteID string) {
	var body struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	note, err := s.service.UpdateNote(r.Context(), session.UserID, noteID, body.Title, body.Content)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, noteResponse(note))
}

func (s *HTTPServer) handleDeleteNote(w http.ResponseWriter, r *http.Request, session Session, noteID string) {
	if err := s.service.DeleteNote(r.Context(), session.UserID, noteID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListCollaborators(w http.ResponseWriter, r *http.Request, session Session, noteID string) {
	collaborators, err := s.service.ListCollaborators(r.Context(), session.UserID, noteID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collaborators": collaborators})
}

func (s *HTTPServer) handleAddCollaborator(w http.ResponseWriter, r *http.Request, session Session, noteID string) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.AddCollaborator(r.Context(), session.UserID, noteID, body.UserID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request, session Session, noteID, collaboratorID string) {
	if err := s.service.RemoveCollaborator(r.Context(), session.UserID, noteID, collaboratorID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func noteResponse(note store.Note) map[string]any {
	collaboratorIDs := note.CollaboratorIDs
	if collaboratorIDs == nil {
		collaboratorIDs = []string{}
	}
	return map[string]any{
		"id":              note.ID,
		"title":           note.Title,
		"content":         note.Content,
		"version":         note.Version,
		"ownerId":         note.OwnerID,
		"collaboratorIds": collaboratorIDs,
		"createdAt":       note.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":       note.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func noteResponses(notes []store.Note) []map[string]any {
	responses := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		responses = append(responses, noteResponse(note))
	}
	return responses
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, msg, details := mapError(err)
	writeError(w, status, code, msg, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		// WebSocket upgrades take over the connection; skip wrapping so the
		// gateway can hijack it.
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrDenied) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
