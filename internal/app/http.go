package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sitecraft/api/internal/abtest"
	"sitecraft/api/internal/auth"
	"sitecraft/api/internal/collab"
	"sitecraft/api/internal/crm"
	"sitecraft/api/internal/remediation"
	"sitecraft/api/internal/workflow"
)

// Domains are the optional feature services mounted next to the site service.
// A nil service answers its routes with 503.
type Domains struct {
	Workflows   *workflow.Service
	CRM         *crm.Service
	Remediation *remediation.Service
	ABTests     *abtest.Service
	Collab      *collab.Manager
}

// ReadyCheck reports the health of one dependency on /api/ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type HTTPServer struct {
	service    *Service
	domains    Domains
	corsOrigin string
	upgrader   websocket.Upgrader
	checks     []ReadyCheck
}

func NewHTTPServer(service *Service, domains Domains, corsOrigin string, checks ...ReadyCheck) *HTTPServer {
	return &HTTPServer{
		service:    service,
		domains:    domains,
		corsOrigin: corsOrigin,
		upgrader:   collab.Upgrader(corsOrigin),
		checks:     checks,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

var errUnavailable = domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "Feature not configured", nil)

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Printf("app: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, message, details)
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

	parts := splitPath(r.URL.Path)

	// Routes reachable without a bearer token.
	if len(parts) >= 2 && parts[0] == "t" {
		s.handleTracking(w, r, parts[1:])
		return
	}
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "auth" {
		s.handleAuth(w, r, parts[2:])
		return
	}
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "session" {
		s.handleSession(w, r, parts[2:])
		return
	}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "hooks" && parts[2] == "workflows" && r.Method == http.MethodPost {
		s.handleWorkflowHook(w, r, parts[3])
		return
	}
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "public" && parts[2] == "abtests" {
		s.handlePublicABTests(w, r, parts[3:])
		return
	}
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "collab" && parts[2] == "ws" && r.Method == http.MethodGet {
		s.handleCollabWS(w, r)
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

	switch parts[1] {
	case "sites":
		s.handleSites(w, r, session, parts[2:])
	case "templates":
		s.handleTemplates(w, r, session, parts[2:])
	case "search":
		s.handleSearch(w, r, session)
	case "workflows":
		s.handleWorkflows(w, r, session, parts[2:])
	case "executions":
		s.handleExecution(w, r, session, parts[2:])
	case "contacts":
		s.handleContacts(w, r, session, parts[2:])
	case "campaigns":
		s.handleCampaigns(w, r, session, parts[2:])
	case "sla":
		s.handleSLA(w, r, session, parts[2:])
	case "abtests":
		s.handleABTests(w, r, session, parts[2:])
	case "collab":
		s.handleCollab(w, r, session, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	// Secondary dependencies degrade features but do not fail readiness.
	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			checks[check.Name] = map[string]any{"status": "degraded", "error": err.Error()}
			continue
		}
		checks[check.Name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
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
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
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
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Visitor-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(r *http.Request, target any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeBody(r, target)
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

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}
