package app

import (
	"net/http"
	"strings"

	"sitecraft/api/internal/rbac"
	"sitecraft/api/internal/store"
	"sitecraft/api/internal/workflow"
)

// workflowFor loads a workflow and checks action on the site it belongs to.
func (s *HTTPServer) workflowFor(r *http.Request, session Session, workflowID string, action rbac.Action) (store.Workflow, error) {
	wf, err := s.domains.Workflows.Get(r.Context(), workflowID)
	if err != nil {
		return store.Workflow{}, err
	}
	if err := s.service.AuthorizeScope(r.Context(), session, wf.SiteID, action); err != nil {
		return store.Workflow{}, err
	}
	return wf, nil
}

func (s *HTTPServer) handleWorkflows(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	workflows := s.domains.Workflows
	if workflows == nil {
		s.fail(w, r, errUnavailable)
		return
	}

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			siteID := strings.TrimSpace(r.URL.Query().Get("siteId"))
			if err := s.service.AuthorizeScope(r.Context(), session, siteID, rbac.ActionRead); err != nil {
				s.fail(w, r, err)
				return
			}
			items, err := workflows.List(r.Context(), siteID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"workflows": listView(items, workflowView)})
		case http.MethodPost:
			var body workflow.Input
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := s.service.AuthorizeScope(r.Context(), session, body.SiteID, rbac.ActionEdit); err != nil {
				s.fail(w, r, err)
				return
			}
			wf, err := workflows.Create(r.Context(), body, session.UserID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, workflowView(wf))
		default:
			methodNotAllowed(w)
		}
		return
	}

	workflowID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			wf, err := s.workflowFor(r, session, workflowID, rbac.ActionRead)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, workflowView(wf))
		case http.MethodPut, http.MethodPatch:
			var body workflow.Input
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if _, err := s.workflowFor(r, session, workflowID, rbac.ActionEdit); err != nil {
				s.fail(w, r, err)
				return
			}
			wf, err := workflows.Update(r.Context(), workflowID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, workflowView(wf))
		case http.MethodDelete:
			if _, err := s.workflowFor(r, session, workflowID, rbac.ActionEdit); err != nil {
				s.fail(w, r, err)
				return
			}
			if err := workflows.Delete(r.Context(), workflowID); err != nil {
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
	case "activate", "deactivate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if _, err := s.workflowFor(r, session, workflowID, rbac.ActionPublish); err != nil {
			s.fail(w, r, err)
			return
		}
		wf, err := workflows.SetActive(r.Context(), workflowID, parts[1] == "activate")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, workflowView(wf))

	case "execute":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Input map[string]any `json:"input"`
		}
		if err := decodeOptionalBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if _, err := s.workflowFor(r, session, workflowID, rbac.ActionEdit); err != nil {
			s.fail(w, r, err)
			return
		}
		exec, err := workflows.ExecuteManual(r.Context(), workflowID, body.Input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, executionView(exec))

	case "executions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if _, err := s.workflowFor(r, session, workflowID, rbac.ActionRead); err != nil {
			s.fail(w, r, err)
			return
		}
		items, err := workflows.ListExecutions(r.Context(), workflowID, queryInt(r, "limit", 50))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"executions": listView(items, executionView)})

	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleExecution(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if s.domains.Workflows == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	if len(parts) != 1 {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	exec, err := s.domains.Workflows.GetExecution(r.Context(), parts[0])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.workflowFor(r, session, exec.WorkflowID, rbac.ActionRead); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionView(exec))
}

// handleWorkflowHook starts an active webhook-triggered workflow with the posted JSON as
// input and answers 202 with the running execution; poll it for the outcome.
func (s *HTTPServer) handleWorkflowHook(w http.ResponseWriter, r *http.Request, workflowID string) {
	if s.domains.Workflows == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	input := map[string]any{}
	if err := decodeOptionalBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	exec, err := s.domains.Workflows.ExecuteWebhook(r.Context(), workflowID, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"executionId": exec.ID, "status": exec.Status})
}
