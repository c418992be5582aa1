// Package crm manages contacts, e-mail campaigns and their engagement tracking.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"sitecraft/api/internal/events"
	"sitecraft/api/internal/queue"
	"sitecraft/api/internal/store"
	"sitecraft/api/internal/util"
)

const (
	ContactSubscribed   = "subscribed"
	ContactUnsubscribed = "unsubscribed"
	ContactBounced      = "bounced"

	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
	CampaignCancelled = "cancelled"

	MessageQueued  = "queued"
	MessageSending = "sending"
	MessageSent    = "sent"
	MessageFailed  = "failed"

	MaxLeadScore = 100
)

var (
	ErrNotFound        = store.ErrNotFound
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrInvalidStatus   = errors.New("invalid contact status")
	ErrInvalidCampaign = errors.New("invalid campaign")
	ErrInvalidSchedule = errors.New("scheduled time must be in the future")
	ErrCampaignState   = errors.New("campaign cannot change in its current status")
	ErrInvalidTarget   = errors.New("invalid redirect target")
)

type Store interface {
	InsertContact(ctx context.Context, item store.Contact) error
	GetContact(ctx context.Context, contactID string) (store.Contact, error)
	GetContactByEmail(ctx context.Context, email string) (store.Contact, error)
	ListContacts(ctx context.Context, filter store.ContactFilter) ([]store.Contact, error)
	ListSubscribedContacts(ctx context.Context, tag string) ([]store.Contact, error)
	UpdateContact(ctx context.Context, item store.Contact) error
	SetContactStatus(ctx context.Context, contactID, status string) error
	DeleteContact(ctx context.Context, contactID string) error
	AddContactEngagement(ctx context.Context, contactID string, opens, clicks, maxScore int) (store.Contact, error)

	InsertCampaign(ctx context.Context, item store.EmailCampaign) error
	GetCampaign(ctx context.Context, campaignID string) (store.EmailCampaign, error)
	ListCampaigns(ctx context.Context) ([]store.EmailCampaign, error)
	ListDueCampaigns(ctx context.Context, now time.Time) ([]store.EmailCampaign, error)
	UpdateCampaignContent(ctx context.Context, item store.EmailCampaign) (bool, error)
	TransitionCampaign(ctx context.Context, campaignID, from, to string, scheduledAt *time.Time) (bool, error)
	CompleteCampaignIfDrained(ctx context.Context, campaignID string) (bool, error)
	DeleteCampaign(ctx context.Context, campaignID string) error

	InsertCampaignMessages(ctx context.Context, items []store.CampaignMessage) ([]store.CampaignMessage, error)
	GetCampaignMessage(ctx context.Context, messageID string) (store.CampaignMessage, error)
	ListCampaignMessages(ctx context.Context, campaignID string) ([]store.CampaignMessage, error)
	ClaimMessage(ctx context.Context, messageID string) (bool, error)
	SetMessageResult(ctx context.Context, messageID, status, errMessage string) (bool, error)
	FailStaleMessages(ctx context.Context, cutoff time.Time, reason string) ([]string, error)
	RecordMessageOpen(ctx context.Context, messageID string) (store.CampaignMessage, bool, error)
	RecordMessageClick(ctx context.Context, messageID string) (store.CampaignMessage, bool, error)
	CampaignStats(ctx context.Context, campaignID string) (store.CampaignStats, error)
}

type Service struct {
	store Store
	queue queue.Queue
	bus   *events.Bus
	now   func() time.Time
	links Tracker
}

// NewService builds the CRM service. linkSecret signs click tracking links;
// without it every click is rejected.
func NewService(crm Store, jobs queue.Queue, bus *events.Bus, linkSecret []byte) *Service {
	return &Service{store: crm, queue: jobs, bus: bus, now: time.Now, links: Tracker{Secret: linkSecret}}
}

// Tracker returns the link builder for messages sent under baseURL.
func (s *Service) Tracker(baseURL string) Tracker {
	return Tracker{BaseURL: baseURL, Secret: s.links.Secret}
}

type ContactInput struct {
	Email      string          `json:"email"`
	FirstName  string          `json:"firstName"`
	LastName   string          `json:"lastName"`
	Company    string          `json:"company"`
	Tags       []string        `json:"tags"`
	Status     string          `json:"status"`
	Attributes json.RawMessage `json:"attributes"`
}

func NormalizeEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func validContactStatus(status string) bool {
	switch status {
	case ContactSubscribed, ContactUnsubscribed, ContactBounced:
		return true
	}
	return false
}

func (s *Service) CreateContact(ctx context.Context, input ContactInput) (store.Contact, error) {
	email, err := NormalizeEmail(input.Email)
	if err != nil {
		return store.Contact{}, err
	}
	status := input.Status
	if status == "" {
		status = ContactSubscribed
	}
	if !validContactStatus(status) {
		return store.Contact{}, ErrInvalidStatus
	}
	contact := store.Contact{
		ID:         util.NewID("con"),
		Email:      email,
		FirstName:  strings.TrimSpace(input.FirstName),
		LastName:   strings.TrimSpace(input.LastName),
		Company:    strings.TrimSpace(input.Company),
		Tags:       normalizeTags(input.Tags),
		Status:     status,
		Attributes: input.Attributes,
	}
	if err := s.store.InsertContact(ctx, contact); err != nil {
		return store.Contact{}, err
	}
	created, err := s.store.GetContact(ctx, contact.ID)
	if err != nil {
		return store.Contact{}, err
	}
	s.bus.PublishAsync(events.ContactCreated, map[string]any{
		"contactId": created.ID,
		"email":     created.Email,
		"firstName": created.FirstName,
		"tags":      created.Tags,
	})
	return created, nil
}

func (s *Service) ListContacts(ctx context.Context, filter store.ContactFilter) ([]store.Contact, error) {
	filter.Tag = strings.ToLower(strings.TrimSpace(filter.Tag))
	if filter.Status != "" && !validContactStatus(filter.Status) {
		return nil, ErrInvalidStatus
	}
	return s.store.ListContacts(ctx, filter)
}

func (s *Service) GetContact(ctx context.Context, contactID string) (store.Contact, error) {
	return s.store.GetContact(ctx, contactID)
}

// UpdateContact replaces the editable fields. The email address is immutable.
func (s *Service) UpdateContact(ctx context.Context, contactID string, input ContactInput) (store.Contact, error) {
	contact, err := s.store.GetContact(ctx, contactID)
	if err != nil {
		return store.Contact{}, err
	}
	if input.Status != "" {
		if !validContactStatus(input.Status) {
			return store.Contact{}, ErrInvalidStatus
		}
		contact.Status = input.Status
	}
	contact.FirstName = strings.TrimSpace(input.FirstName)
	contact.LastName = strings.TrimSpace(input.LastName)
	contact.Company = strings.TrimSpace(input.Company)
	if input.Tags != nil {
		contact.Tags = normalizeTags(input.Tags)
	}
	if len(input.Attributes) > 0 {
		contact.Attributes = input.Attributes
	}
	if err := s.store.UpdateContact(ctx, contact); err != nil {
		return store.Contact{}, err
	}
	return s.store.GetContact(ctx, contactID)
}

func (s *Service) DeleteContact(ctx context.Context, contactID string) error {
	return s.store.DeleteContact(ctx, contactID)
}

func (s *Service) Unsubscribe(ctx context.Context, contactID string) error {
	return s.store.SetContactStatus(ctx, contactID, ContactUnsubscribed)
}

// UnsubscribeByMessage resolves the contact behind a campaign message.
func (s *Service) UnsubscribeByMessage(ctx context.Context, messageID string) error {
	message, err := s.store.GetCampaignMessage(ctx, messageID)
	if err != nil {
		return err
	}
	return s.store.SetContactStatus(ctx, message.ContactID, ContactUnsubscribed)
}

type CampaignInput struct {
	Name       string `json:"name"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	SegmentTag string `json:"segmentTag"`
}

func (input CampaignInput) normalize() (store.EmailCampaign, error) {
	campaign := store.EmailCampaign{
		Name:       strings.TrimSpace(input.Name),
		Subject:    strings.TrimSpace(input.Subject),
		Body:       input.Body,
		SegmentTag: strings.ToLower(strings.TrimSpace(input.SegmentTag)),
	}
	switch {
	case campaign.Name == "":
		return campaign, fmt.Errorf("%w: name is required", ErrInvalidCampaign)
	case campaign.Subject == "":
		return campaign, fmt.Errorf("%w: subject is required", ErrInvalidCampaign)
	case strings.TrimSpace(campaign.Body) == "":
		return campaign, fmt.Errorf("%w: body is required", ErrInvalidCampaign)
	}
	return campaign, nil
}

func (s *Service) CreateCampaign(ctx context.Context, input CampaignInput, userID string) (store.EmailCampaign, error) {
	campaign, err := input.normalize()
	if err != nil {
		return store.EmailCampaign{}, err
	}
	campaign.ID = util.NewID("cmp")
	campaign.Status = CampaignDraft
	campaign.CreatedBy = userID
	if err := s.store.InsertCampaign(ctx, campaign); err != nil {
		return store.EmailCampaign{}, err
	}
	return s.store.GetCampaign(ctx, campaign.ID)
}

func (s *Service) ListCampaigns(ctx context.Context) ([]store.EmailCampaign, error) {
	return s.store.ListCampaigns(ctx)
}

func (s *Service) GetCampaign(ctx context.Context, campaignID string) (store.EmailCampaign, error) {
	return s.store.GetCampaign(ctx, campaignID)
}

func (s *Service) UpdateCampaign(ctx context.Context, campaignID string, input CampaignInput) (store.EmailCampaign, error) {
	campaign, err := input.normalize()
	if err != nil {
		return store.EmailCampaign{}, err
	}
	campaign.ID = campaignID
	changed, err := s.store.UpdateCampaignContent(ctx, campaign)
	if err != nil {
		return store.EmailCampaign{}, err
	}
	if !changed {
		if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
			return store.EmailCampaign{}, err
		}
		return store.EmailCampaign{}, ErrCampaignState
	}
	return s.store.GetCampaign(ctx, campaignID)
}

func (s *Service) DeleteCampaign(ctx context.Context, campaignID string) error {
	return s.store.DeleteCampaign(ctx, campaignID)
}

// Schedule moves a draft to scheduled; the campaign scheduler sends it once due.
func (s *Service) Schedule(ctx context.Context, campaignID string, at time.Time) (store.EmailCampaign, error) {
	if !at.After(s.now()) {
		return store.EmailCampaign{}, ErrInvalidSchedule
	}
	at = at.UTC()
	return s.transition(ctx, campaignID, CampaignDraft, CampaignScheduled, &at)
}

func (s *Service) Cancel(ctx context.Context, campaignID string) (store.EmailCampaign, error) {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return store.EmailCampaign{}, err
	}
	if campaign.Status != CampaignDraft && campaign.Status != CampaignScheduled {
		return store.EmailCampaign{}, ErrCampaignState
	}
	return s.transition(ctx, campaignID, campaign.Status, CampaignCancelled, nil)
}

func (s *Service) transition(ctx context.Context, campaignID, from, to string, at *time.Time) (store.EmailCampaign, error) {
	changed, err := s.store.TransitionCampaign(ctx, campaignID, from, to, at)
	if err != nil {
		return store.EmailCampaign{}, err
	}
	if !changed {
		if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
			return store.EmailCampaign{}, err
		}
		return store.EmailCampaign{}, ErrCampaignState
	}
	return s.store.GetCampaign(ctx, campaignID)
}

// SendJob is the body of a campaign_sends queue message.
type SendJob struct {
	MessageID  string `json:"messageId"`
	CampaignID string `json:"campaignId"`
}

// Send fans a draft or scheduled campaign out to every subscribed contact of its
// segment. Only the caller that wins the move to sending enqueues messages.
func (s *Service) Send(ctx context.Context, campaignID string) (store.EmailCampaign, error) {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return store.EmailCampaign{}, err
	}
	if campaign.Status != CampaignDraft && campaign.Status != CampaignScheduled {
		return store.EmailCampaign{}, ErrCampaignState
	}
	changed, err := s.store.TransitionCampaign(ctx, campaignID, campaign.Status, CampaignSending, nil)
	if err != nil {
		return store.EmailCampaign{}, err
	}
	if !changed {
		return store.EmailCampaign{}, ErrCampaignState
	}

	contacts, err := s.store.ListSubscribedContacts(ctx, campaign.SegmentTag)
	if err != nil {
		s.abortSend(ctx, campaign)
		return store.EmailCampaign{}, err
	}
	pending := make([]store.CampaignMessage, 0, len(contacts))
	for _, contact := range contacts {
		pending = append(pending, store.CampaignMessage{
			ID:         util.NewID("msg"),
			CampaignID: campaignID,
			ContactID:  contact.ID,
			Email:      contact.Email,
		})
	}
	inserted, err := s.store.InsertCampaignMessages(ctx, pending)
	if err != nil {
		s.abortSend(ctx, campaign)
		return store.EmailCampaign{}, err
	}

	for _, message := range inserted {
		body, _ := json.Marshal(SendJob{MessageID: message.ID, CampaignID: campaignID})
		if err := s.queue.Publish(ctx, queue.TopicCampaignSends, body); err != nil {
			log.Printf("crm: enqueue message %s: %v", message.ID, err)
			if _, markErr := s.store.SetMessageResult(ctx, message.ID, MessageFailed, "enqueue failed: "+err.Error()); markErr != nil {
				log.Printf("crm: mark message %s failed: %v", message.ID, markErr)
			}
		}
	}
	s.completeIfDrained(ctx, campaignID)
	return s.store.GetCampaign(ctx, campaignID)
}

// abortSend returns a campaign whose fan-out failed to the status it was sent from.
// Messages are inserted in one transaction, so none exist at this point.
func (s *Service) abortSend(ctx context.Context, campaign store.EmailCampaign) {
	if _, err := s.store.TransitionCampaign(ctx, campaign.ID, CampaignSending, campaign.Status, nil); err != nil {
		log.Printf("crm: revert campaign %s to %s: %v", campaign.ID, campaign.Status, err)
	}
}

func (s *Service) completeIfDrained(ctx context.Context, campaignID string) {
	done, err := s.store.CompleteCampaignIfDrained(ctx, campaignID)
	if err != nil {
		log.Printf("crm: complete campaign %s: %v", campaignID, err)
		return
	}
	if !done {
		return
	}
	stats, err := s.store.CampaignStats(ctx, campaignID)
	if err != nil {
		log.Printf("crm: stats for campaign %s: %v", campaignID, err)
	}
	s.bus.PublishAsync(events.CampaignSent, map[string]any{
		"campaignId": campaignID,
		"recipients": stats.Recipients,
		"sent":       stats.Sent,
		"failed":     stats.Failed,
	})
}

func (s *Service) ListMessages(ctx context.Context, campaignID string) ([]store.CampaignMessage, error) {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.store.ListCampaignMessages(ctx, campaignID)
}

// Stats adds open and click-through rates, both relative to delivered messages.
func (s *Service) Stats(ctx context.Context, campaignID string) (store.CampaignStats, error) {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return store.CampaignStats{}, err
	}
	stats, err := s.store.CampaignStats(ctx, campaignID)
	if err != nil {
		return store.CampaignStats{}, err
	}
	if stats.Sent > 0 {
		stats.OpenRate = round4(float64(stats.Opened) / float64(stats.Sent))
		stats.ClickRate = round4(float64(stats.Clicked) / float64(stats.Sent))
	}
	return stats, nil
}

func round4(value float64) float64 {
	return float64(int64(value*10000+0.5)) / 10000
}

// RecordOpen counts an open. Lead score only moves on the first open of a message.
func (s *Service) RecordOpen(ctx context.Context, messageID string) error {
	message, first, err := s.store.RecordMessageOpen(ctx, messageID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	contact, err := s.store.AddContactEngagement(ctx, message.ContactID, 1, 0, MaxLeadScore)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.bus.PublishAsync(events.CampaignMessageOpened, map[string]any{
		"campaignId": message.CampaignID,
		"messageId":  message.ID,
		"contactId":  message.ContactID,
		"email":      message.Email,
		"leadScore":  contact.LeadScore,
	})
	return nil
}

// RecordClick checks the target and its signature before counting the click.
// The target is returned whenever it is safe to follow, even if counting
// failed; unknown messages return store.ErrNotFound and no target.
func (s *Service) RecordClick(ctx context.Context, messageID, target, signature string) (string, error) {
	target = strings.TrimSpace(target)
	if !ValidRedirect(target) || !s.links.Verify(messageID, target, signature) {
		return "", ErrInvalidTarget
	}
	message, first, err := s.store.RecordMessageClick(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if err != nil {
		return target, err
	}
	if !first {
		return target, nil
	}
	contact, err := s.store.AddContactEngagement(ctx, message.ContactID, 0, 1, MaxLeadScore)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return target, err
	}
	s.bus.PublishAsync(events.CampaignMessageClicked, map[string]any{
		"campaignId": message.CampaignID,
		"messageId":  message.ID,
		"contactId":  message.ContactID,
		"email":      message.Email,
		"url":        target,
		"leadScore":  contact.LeadScore,
	})
	return target, nil
}

// LeadScore is opens plus three points per click, capped at MaxLeadScore.
func LeadScore(opens, clicks int) int {
	score := opens + 3*clicks
	if score > MaxLeadScore {
		return MaxLeadScore
	}
	return score
}
