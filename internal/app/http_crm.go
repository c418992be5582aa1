package app

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"sitecraft/api/internal/crm"
	"sitecraft/api/internal/rbac"
	"sitecraft/api/internal/store"
)

// pixelGIF is a transparent 1x1 GIF.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

func (s *HTTPServer) handleContacts(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	contacts := s.domains.CRM
	if contacts == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	action := rbac.ActionRead
	if r.Method != http.MethodGet {
		action = rbac.ActionEdit
	}
	if err := s.service.Authorize(session, action); err != nil {
		s.fail(w, r, err)
		return
	}

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			query := r.URL.Query()
			items, err := contacts.ListContacts(r.Context(), store.ContactFilter{
				Tag:    strings.TrimSpace(query.Get("tag")),
				Status: strings.TrimSpace(query.Get("status")),
				Limit:  queryInt(r, "limit", 200),
			})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"contacts": listView(items, contactView)})
		case http.MethodPost:
			var body crm.ContactInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			contact, err := contacts.CreateContact(r.Context(), body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, contactView(contact))
		default:
			methodNotAllowed(w)
		}
		return
	}

	contactID := parts[0]
	if len(parts) == 2 && parts[1] == "unsubscribe" && r.Method == http.MethodPost {
		if err := contacts.Unsubscribe(r.Context(), contactID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if len(parts) != 1 {
		notFound(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		contact, err := contacts.GetContact(r.Context(), contactID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, contactView(contact))
	case http.MethodPut, http.MethodPatch:
		var body crm.ContactInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		contact, err := contacts.UpdateContact(r.Context(), contactID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, contactView(contact))
	case http.MethodDelete:
		if err := contacts.DeleteContact(r.Context(), contactID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleCampaigns(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	campaigns := s.domains.CRM
	if campaigns == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	action := rbac.ActionRead
	if r.Method != http.MethodGet {
		action = rbac.ActionEdit
	}
	if len(parts) == 2 && parts[1] == "send" {
		action = rbac.ActionPublish
	}
	if err := s.service.Authorize(session, action); err != nil {
		s.fail(w, r, err)
		return
	}

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := campaigns.ListCampaigns(r.Context())
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"campaigns": listView(items, campaignView)})
		case http.MethodPost:
			var body crm.CampaignInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			campaign, err := campaigns.CreateCampaign(r.Context(), body, session.UserID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, campaignView(campaign))
		default:
			methodNotAllowed(w)
		}
		return
	}

	campaignID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			campaign, err := campaigns.GetCampaign(r.Context(), campaignID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, campaignView(campaign))
		case http.MethodPut, http.MethodPatch:
			var body crm.CampaignInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			campaign, err := campaigns.UpdateCampaign(r.Context(), campaignID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, campaignView(campaign))
		case http.MethodDelete:
			if err := campaigns.DeleteCampaign(r.Context(), campaignID); err != nil {
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
	case "schedule":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			ScheduledAt time.Time `json:"scheduledAt"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		campaign, err := campaigns.Schedule(r.Context(), campaignID, body.ScheduledAt)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, campaignView(campaign))

	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		campaign, err := campaigns.Cancel(r.Context(), campaignID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, campaignView(campaign))

	case "send":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		campaign, err := campaigns.Send(r.Context(), campaignID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, campaignView(campaign))

	case "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		stats, err := campaigns.Stats(r.Context(), campaignID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	case "messages":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := campaigns.ListMessages(r.Context(), campaignID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": listView(items, messageView)})

	default:
		notFound(w)
	}
}

// handleTracking serves the open pixel, click redirect and unsubscribe links embedded in campaign mail.
func (s *HTTPServer) handleTracking(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 2 || r.Method != http.MethodGet {
		notFound(w)
		return
	}
	if s.domains.CRM == nil {
		s.fail(w, r, errUnavailable)
		return
	}
	messageID := parts[1]

	switch parts[0] {
	case "o":
		// Tracking failures never break the image in the mail client.
		if err := s.domains.CRM.RecordOpen(r.Context(), messageID); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("app: record open %s: %v", messageID, err)
		}
		w.Header().Set("Content-Type", "image/gif")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(pixelGIF)

	case "c":
		query := r.URL.Query()
		target, err := s.domains.CRM.RecordClick(r.Context(), messageID, query.Get("u"), query.Get("s"))
		if err != nil {
			if target == "" {
				s.fail(w, r, err)
				return
			}
			// Signed and known; still send the reader on when counting fails.
			log.Printf("app: record click %s: %v", messageID, err)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.Redirect(w, r, target, http.StatusFound)

	case "u":
		if err := s.domains.CRM.UnsubscribeByMessage(r.Context(), messageID); err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<!doctype html><title>Unsubscribed</title><p>You have been unsubscribed.</p>"))

	default:
		notFound(w)
	}
}
