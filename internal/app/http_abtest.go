package app

import (
	"net/http"
	"strings"

	"sitecraft/api/internal/abtest"
	"sitecraft/api/internal/rbac"
	"sitecraft/api/internal/store"
)

func (s *HTTPServer) abTestFor(r *http.Request, session Session, testID string, action rbac.Action) (store.ABTest, error) {
	test, err := s.domains.ABTests.Get(r.Context(), testID)
	if err != nil {
		return store.ABTest{}, err
	}
	if _, err := s.service.authorizeSite(r.Context(), session, test.SiteID, action); err != nil {
		return store.ABTest{}, err
	}
	return test, nil
}

func (s *HTTPServer) handleABTests(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	tests := s.domains.ABTests
	if tests == nil {
		s.fail(w, r, errUnavailable)
		return
	}

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			siteID := strings.TrimSpace(r.URL.Query().Get("siteId"))
			if siteID == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "siteId is required", nil)
				return
			}
			if _, err := s.service.authorizeSite(r.Context(), session, siteID, rbac.ActionRead); err != nil {
				s.fail(w, r, err)
				return
			}
			items, err := tests.List(r.Context(), siteID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"tests": listView(items, abTestView)})
		case http.MethodPost:
			var body abtest.Input
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if strings.TrimSpace(body.SiteID) == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "siteId is required", nil)
				return
			}
			if _, err := s.service.authorizeSite(r.Context(), session, body.SiteID, rbac.ActionEdit); err != nil {
				s.fail(w, r, err)
				return
			}
			body.CreatedBy = session.UserID
			test, err := tests.Create(r.Context(), body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, abTestView(test))
		default:
			methodNotAllowed(w)
		}
		return
	}

	testID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			test, err := s.abTestFor(r, session, testID, rbac.ActionRead)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, abTestView(test))
		case http.MethodDelete:
			if _, err := s.abTestFor(r, session, testID, rbac.ActionEdit); err != nil {
				s.fail(w, r, err)
				return
			}
			if err := tests.Delete(r.Context(), testID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			methodNotAllowed(w)
		}
		return
	}
	if len(parts) != 2 {
		notFound(w)
		return
	}

	switch parts[1] {
	case "start":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if _, err := s.abTestFor(r, session, testID, rbac.ActionPublish); err != nil {
			s.fail(w, r, err)
			return
		}
		test, err := tests.Start(r.Context(), testID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, abTestView(test))

	case "complete":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if _, err := s.abTestFor(r, session, testID, rbac.ActionPublish); err != nil {
			s.fail(w, r, err)
			return
		}
		test, results, err := tests.Complete(r.Context(), testID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"test": abTestView(test), "results": results})

	case "results":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if _, err := s.abTestFor(r, session, testID, rbac.ActionRead); err != nil {
			s.fail(w, r, err)
			return
		}
		results, err := tests.Results(r.Context(), testID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, results)

	default:
		notFound(w)
	}
}

// handlePublicABTests serves variant assignment and conversion to anonymous site visitors.
func (s *HTTPServer) handlePublicABTests(w http.ResponseWriter, r *http.Request, parts []string) {
	if s.domains.ABTests == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	if len(parts) != 2 {
		notFound(w)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body struct {
		VisitorID string `json:"visitorId"`
	}
	if err := decodeOptionalBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	visitorID := firstNonBlank(body.VisitorID, r.Header.Get("X-Visitor-ID"))

	testID := parts[0]
	switch parts[1] {
	case "assign":
		assignment, err := s.domains.ABTests.Assign(r.Context(), testID, visitorID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, assignmentView(assignment))
	case "convert":
		counted, err := s.domains.ABTests.Convert(r.Context(), testID, visitorID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "counted": counted})
	default:
		notFound(w)
	}
}
