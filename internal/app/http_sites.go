package app

import (
	"net/http"
	"strings"

	"sitecraft/api/internal/assets"
	"sitecraft/api/internal/search"
)

func (s *HTTPServer) handleSites(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			sites, err := s.service.ListSites(r.Context(), session)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"sites": sites})
		case http.MethodPost:
			var body SiteInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			site, err := s.service.CreateSite(r.Context(), session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, site)
		default:
			methodNotAllowed(w)
		}
		return
	}

	siteID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			site, err := s.service.GetSite(r.Context(), session, siteID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, site)
		case http.MethodPut, http.MethodPatch:
			var body SiteInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			site, err := s.service.UpdateSite(r.Context(), session, siteID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, site)
		case http.MethodDelete:
			if err := s.service.DeleteSite(r.Context(), session, siteID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[1] {
	case "publish":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		result, err := s.service.Publish(r.Context(), session, siteID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "unpublish":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		site, err := s.service.Unpublish(r.Context(), session, siteID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, site)

	case "history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		history, err := s.service.History(r.Context(), session, siteID, queryInt(r, "limit", 50))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, history)

	case "restore":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Hash string `json:"hash"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Hash) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "hash is required", nil)
			return
		}
		site, err := s.service.Restore(r.Context(), session, siteID, strings.TrimSpace(body.Hash))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, site)

	case "components":
		s.handleComponents(w, r, session, siteID, parts[2:])

	case "assets":
		s.handleAssets(w, r, session, siteID)

	default:
		notFound(w)
	}
}

func (s *HTTPServer) handleComponents(w http.ResponseWriter, r *http.Request, session Session, siteID string, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListComponents(r.Context(), session, siteID, r.URL.Query().Get("page"))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"components": items})
		case http.MethodPost:
			var body ComponentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			item, err := s.service.CreateComponent(r.Context(), session, siteID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, item)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) == 1 && parts[0] == "reorder" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Page string   `json:"page"`
			IDs  []string `json:"ids"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		items, err := s.service.ReorderComponents(r.Context(), session, siteID, body.Page, body.IDs)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"components": items})
		return
	}

	if len(parts) != 1 {
		notFound(w)
		return
	}
	componentID := parts[0]
	switch r.Method {
	case http.MethodPut, http.MethodPatch:
		var body ComponentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.UpdateComponent(r.Context(), session, siteID, componentID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodDelete:
		if err := s.service.DeleteComponent(r.Context(), session, siteID, componentID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleAssets(w http.ResponseWriter, r *http.Request, session Session, siteID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.service.ListAssets(r.Context(), session, siteID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assets": items})

	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, assets.MaxUploadBytes+1<<20)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form with a file field", nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
			return
		}
		defer file.Close()
		asset, err := s.service.UploadAsset(r.Context(), session, siteID, header.Filename, header.Header.Get("Content-Type"), file, header.Size)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, asset)

	case http.MethodDelete:
		key := strings.TrimSpace(r.URL.Query().Get("key"))
		if key == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "key is required", nil)
			return
		}
		if err := s.service.DeleteAsset(r.Context(), session, siteID, key); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleTemplates(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListTemplates(r.Context(), session, r.URL.Query().Get("category"))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"templates": items})
		case http.MethodPost:
			var body TemplateInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			item, err := s.service.CreateTemplate(r.Context(), session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, item)
		default:
			methodNotAllowed(w)
		}
		return
	}
	if len(parts) != 1 {
		notFound(w)
		return
	}

	templateID := parts[0]
	switch r.Method {
	case http.MethodGet:
		item, err := s.service.GetTemplate(r.Context(), session, templateID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodPut, http.MethodPatch:
		var body TemplateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.UpdateTemplate(r.Context(), session, templateID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodDelete:
		if err := s.service.DeleteTemplate(r.Context(), session, templateID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeJSON(w, http.StatusOK, search.Response{Results: []search.Result{}, Query: ""})
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(session, search.Query{
		Text:       text,
		FilterType: search.ParseResultType(query.Get("type")),
		SiteID:     strings.TrimSpace(query.Get("siteId")),
		Limit:      queryInt(r, "limit", 20),
		Offset:     queryInt(r, "offset", 0),
	}))
}
