package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Obulo/starter-kit/internal/gate"
	"github.com/Obulo/starter-kit/internal/identity"
	"github.com/Obulo/starter-kit/internal/llm"
)

const maxLogoBytes = 8 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
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
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ready, checks := s.service.Readiness(ctx)
		statusCode := http.StatusOK
		status := "ready"
		if !ready {
			statusCode = http.StatusServiceUnavailable
			status = "not_ready"
		}
		writeJSON(w, statusCode, map[string]any{"ok": ready, "status": status, "checks": checks})
		return
	}

	// Public branding, served before any session exists.
	if r.Method == http.MethodGet && r.URL.Path == "/api/config" {
		writeJSON(w, http.StatusOK, s.service.Branding())
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/internal/identity/events" {
		s.handleIdentityEvents(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		payload, err := s.service.SessionState(r.Context(), bearerToken(r))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	session, ok := s.requireAuthorized(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/workspace" {
		row, err := s.service.EnsureWorkspace(r.Context(), *session.snapshot.Organization)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspace": row, "organization": session.snapshot.Organization})
		return
	}

	if r.Method == http.MethodPut && r.URL.Path == "/api/workspace/name" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.RenameWorkspace(r.Context(), session.snapshot.Organization.ID, body.Name)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		s.service.InvalidateSnapshot(r.Context(), session.token)
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.URL.Path == "/api/workspace/logo" {
		s.handleWorkspaceLogo(w, r, session)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/workspace/members" {
		members, err := s.service.WorkspaceMembers(r.Context(), session.snapshot.Organization.ID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/workspaces/search" {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be a positive integer", nil)
				return
			}
			limit = parsed
		}
		writeJSON(w, http.StatusOK, s.service.SearchDirectory(r.Context(), query, limit))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/organizations" {
		memberships, err := s.service.UserOrganizations(r.Context(), session.snapshot.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memberships": memberships})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/organizations" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		org, err := s.service.CreateOrganization(r.Context(), body.Name, session.snapshot.UserID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"organization": org})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/organizations/switch" {
		var body struct {
			OrganizationID string `json:"organizationId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SwitchOrganization(r.Context(), session.token, body.OrganizationID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/organizations/invitations" {
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.InviteMember(r.Context(), session.snapshot.Organization.ID, body.Email, body.Role); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/ai" {
		s.handleAI(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleIdentityEvents(w http.ResponseWriter, r *http.Request) {
	webhookToken := strings.TrimSpace(r.Header.Get("x-obulo-webhook-token"))
	if webhookToken == "" || webhookToken != s.service.WebhookToken() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Type) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type is required", nil)
		return
	}
	if err := s.service.HandleIdentityEvent(r.Context(), body.Type, body.Data); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleWorkspaceLogo(w http.ResponseWriter, r *http.Request, session authorizedSession) {
	if r.Method == http.MethodPost {
		if err := r.ParseMultipartForm(maxLogoBytes); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
			return
		}
		defer file.Close()

		url, err := s.service.UploadLogo(r.Context(), session.token, session.snapshot.Organization.ID,
			header.Header.Get("Content-Type"), file, header.Size)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logoUrl": url})
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.service.RemoveLogo(r.Context(), session.token, session.snapshot.Organization.ID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

// handleAI streams the bridge conversation as plain text chunks. Failures
// before the first chunk return a JSON error; once streaming has begun the
// response cannot change status, so later failures are only logged.
func (s *HTTPServer) handleAI(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []llm.Message `json:"messages"`
		Action   string        `json:"action"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "messages are required", nil)
		return
	}

	flusher, _ := w.(http.Flusher)
	wrote := false
	onDelta := func(text string) error {
		if !wrote {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if _, err := fmt.Fprint(w, text); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if err := s.service.RunToolBridge(r.Context(), body.Action, body.Messages, onDelta); err != nil {
		if wrote {
			log.Printf("tool bridge failed mid-stream: %v", err)
			return
		}
		log.Printf("tool bridge failed: %v", err)
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
			return
		}
		writeError(w, http.StatusInternalServerError, "AI_ERROR", "Failed to process request", nil)
		return
	}
	if !wrote {
		// The model answered without emitting any text.
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

type authorizedSession struct {
	token    string
	snapshot identity.Snapshot
}

// requireAuthorized runs the access gate over the request's session token
// and writes the matching denial when the gate does not authorize:
// loading means the session cannot be resolved right now (503),
// unauthenticated and no_organization carry their fallback redirect.
func (s *HTTPServer) requireAuthorized(w http.ResponseWriter, r *http.Request) (authorizedSession, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", map[string]any{"redirect": gate.SignInPath})
		return authorizedSession{}, false
	}

	snapshot, err := s.service.SnapshotForToken(r.Context(), token)
	if err != nil {
		log.Printf("session resolution failed: %v", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "SESSION_UNAVAILABLE", "Session state is unavailable", nil)
		return authorizedSession{}, false
	}

	decision := gate.Evaluate(snapshot)
	switch decision.State {
	case gate.StateAuthorized:
		return authorizedSession{token: token, snapshot: snapshot}, true
	case gate.StateLoading:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "SESSION_UNAVAILABLE", "Session state is unavailable", nil)
	case gate.StateUnauthenticated:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", map[string]any{"redirect": decision.Redirect})
	case gate.StateNoOrganization:
		writeError(w, http.StatusForbidden, "NO_ORGANIZATION", "No active organization", map[string]any{"redirect": decision.Redirect})
	}
	return authorizedSession{}, false
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

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
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the wrapped writer so streaming handlers keep working
// behind the middleware.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
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
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, identity.ErrSessionInvalid) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	var providerErr *identity.ProviderError
	if errors.As(err, &providerErr) {
		return http.StatusBadGateway, "UPSTREAM_ERROR", "Identity provider error", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
