package app

import (
	"net/http"
	"time"
)

func sessionView(session Session) map[string]any {
	payload := map[string]any{
		"token":     session.Token,
		"userId":    session.UserID,
		"userName":  session.UserName,
		"role":      session.Role,
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if session.RefreshToken != "" {
		payload["refreshToken"] = session.RefreshToken
	}
	return payload
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 1 || r.Method != http.MethodPost {
		notFound(w)
		return
	}

	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	var (
		session Session
		err     error
		status  = http.StatusOK
	)
	switch parts[0] {
	case "signup":
		session, err = s.service.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
		status = http.StatusCreated
	case "signin":
		session, err = s.service.SignIn(r.Context(), body.Email, body.Password)
	default:
		notFound(w)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, sessionView(session))
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":         session.UserID,
			"userName":       session.UserName,
			"role":           session.Role,
			"expiresAt":      session.ExpiresAt.UTC().Format(time.RFC3339),
			"smtpConfigured": s.service.SMTPConfigured(),
		})
		return
	}
	if len(parts) != 1 || r.Method != http.MethodPost {
		notFound(w)
		return
	}

	switch parts[0] {
	case "login":
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionView(session))

	case "refresh":
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionView(session))

	case "logout":
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeOptionalBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.Logout(r.Context(), session, body.RefreshToken); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		notFound(w)
	}
}
