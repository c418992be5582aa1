package app

import (
	"net/http"
	"strings"

	"sitecraft/api/internal/collab"
	"sitecraft/api/internal/rbac"
)

// handleCollabWS upgrades an editor connection into the site (or page) room.
// Browsers cannot set headers on a websocket handshake, so the token may arrive as a query parameter.
func (s *HTTPServer) handleCollabWS(w http.ResponseWriter, r *http.Request) {
	if s.domains.Collab == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	query := r.URL.Query()
	token := firstNonBlank(bearerToken(r), query.Get("token"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	siteID := strings.TrimSpace(query.Get("siteId"))
	if siteID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "siteId is required", nil)
		return
	}
	if _, err := s.service.authorizeSite(r.Context(), session, siteID, rbac.ActionEdit); err != nil {
		s.fail(w, r, err)
		return
	}
	roomID := collab.RoomID(siteID, strings.TrimSpace(query.Get("page")))
	s.domains.Collab.ServeWS(w, r, s.upgrader, roomID, session.UserID, session.UserName)
}

// handleCollab exposes room state over plain HTTP:
// /api/collab/sites/{siteId}[/chat]?page= or /api/collab/rooms/{roomId}[/chat].
func (s *HTTPServer) handleCollab(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if s.domains.Collab == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	if len(parts) < 2 || len(parts) > 3 || (parts[0] != "sites" && parts[0] != "rooms") {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	siteID, page := parts[1], strings.TrimSpace(r.URL.Query().Get("page"))
	if parts[0] == "rooms" {
		siteID, page, _ = strings.Cut(parts[1], ":")
	}
	if _, err := s.service.authorizeSite(r.Context(), session, siteID, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	roomID := collab.RoomID(siteID, page)

	if len(parts) == 3 {
		if parts[2] != "chat" {
			notFound(w)
			return
		}
		entries, err := s.domains.Collab.ChatHistory(r.Context(), roomID, queryInt(r, "limit", 100))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roomId": roomID, "messages": entries})
		return
	}

	state, err := s.domains.Collab.Snapshot(r.Context(), roomID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
