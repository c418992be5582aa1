package app

import (
	"net/http"
	"strings"

	"sitecraft/api/internal/rbac"
	"sitecraft/api/internal/remediation"
	"sitecraft/api/internal/store"
)

func (s *HTTPServer) violationFor(r *http.Request, session Session, violationID string, action rbac.Action) (store.SLAViolation, error) {
	violation, err := s.domains.Remediation.Get(r.Context(), violationID)
	if err != nil {
		return store.SLAViolation{}, err
	}
	if err := s.service.AuthorizeScope(r.Context(), session, violation.SiteID, action); err != nil {
		return store.SLAViolation{}, err
	}
	return violation, nil
}

func (s *HTTPServer) handleSLA(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	sla := s.domains.Remediation
	if sla == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	if len(parts) == 0 || parts[0] != "violations" {
		notFound(w)
		return
	}
	parts = parts[1:]

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			query := r.URL.Query()
			siteID := strings.TrimSpace(query.Get("siteId"))
			if err := s.service.AuthorizeScope(r.Context(), session, siteID, rbac.ActionRead); err != nil {
				s.fail(w, r, err)
				return
			}
			items, err := sla.List(r.Context(), store.ViolationFilter{
				SiteID: siteID,
				Status: strings.TrimSpace(query.Get("status")),
				Limit:  queryInt(r, "limit", 100),
			})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"violations": listView(items, violationView)})

		case http.MethodPost:
			var body struct {
				remediation.Report
				AutoRemediate bool `json:"autoRemediate"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if strings.TrimSpace(body.SiteID) == "" {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "siteId is required", nil)
				return
			}
			if err := s.service.AuthorizeScope(r.Context(), session, body.SiteID, rbac.ActionManage); err != nil {
				s.fail(w, r, err)
				return
			}
			violation, created, err := sla.Report(r.Context(), body.Report)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			if created && body.AutoRemediate {
				if remediated, err := sla.Remediate(r.Context(), violation.ID); err == nil {
					violation = remediated
				}
			}
			status := http.StatusOK
			if created {
				status = http.StatusCreated
			}
			writeJSON(w, status, map[string]any{"violation": violationView(violation), "created": created})

		default:
			methodNotAllowed(w)
		}
		return
	}

	violationID := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		violation, err := s.violationFor(r, session, violationID, rbac.ActionRead)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, violationView(violation))
		return
	}
	if len(parts) != 2 {
		notFound(w)
		return
	}

	if parts[1] == "attempts" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if _, err := s.violationFor(r, session, violationID, rbac.ActionRead); err != nil {
			s.fail(w, r, err)
			return
		}
		items, err := sla.Attempts(r.Context(), violationID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": listView(items, attemptView)})
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var body struct {
		Reason     string `json:"reason"`
		Resolution string `json:"resolution"`
	}
	if err := decodeOptionalBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if _, err := s.violationFor(r, session, violationID, rbac.ActionManage); err != nil {
		s.fail(w, r, err)
		return
	}

	var (
		violation store.SLAViolation
		err       error
	)
	switch parts[1] {
	case "analyze":
		violation, err = sla.Analyze(r.Context(), violationID)
	case "remediate":
		violation, err = sla.Remediate(r.Context(), violationID)
	case "escalate":
		violation, err = sla.Escalate(r.Context(), violationID, firstNonBlank(body.Reason, "manual escalation by "+session.UserName))
	case "resolve":
		violation, err = sla.Resolve(r.Context(), violationID, firstNonBlank(body.Resolution, "resolved by "+session.UserName))
	default:
		notFound(w)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, violationView(violation))
}
