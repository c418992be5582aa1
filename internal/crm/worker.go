package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"sitecraft/api/internal/queue"
	"sitecraft/api/internal/store"
)

// Mailer is the subset of email.Service used for campaign delivery.
type Mailer interface {
	IsConfigured() bool
	SendCampaignEmail(to, subject, htmlBody, unsubscribeURL, campaignID string) error
}

// Worker delivers queued campaign messages.
type Worker struct {
	service *Service
	mailer  Mailer
	tracker Tracker

	mu sync.Mutex
	// outcomes holds delivery results whose write failed, so a retried job
	// records them instead of sending again.
	outcomes map[string]outcome
}

type outcome struct {
	status  string
	errText string
}

func NewWorker(service *Service, mailer Mailer, publicURL string) *Worker {
	return &Worker{
		service:  service,
		mailer:   mailer,
		tracker:  service.Tracker(publicURL),
		outcomes: map[string]outcome{},
	}
}

// Start subscribes the worker to the campaign_sends topic.
func (w *Worker) Start(jobs queue.Queue) error {
	return jobs.Subscribe(queue.TopicCampaignSends, w.Handle)
}

func (w *Worker) Handle(ctx context.Context, body []byte) error {
	var job SendJob
	if err := json.Unmarshal(body, &job); err != nil {
		// A malformed job can never succeed; drop it.
		log.Printf("crm: drop malformed send job: %v", err)
		return nil
	}
	return w.ProcessMessage(ctx, job.MessageID)
}

// ProcessMessage claims, renders and delivers one message at most once. Store
// errors are returned so the queue retries; delivery errors are final and mark
// the message failed.
func (w *Worker) ProcessMessage(ctx context.Context, messageID string) error {
	st := w.service.store
	message, err := st.GetCampaignMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var result outcome
	switch message.Status {
	case MessageQueued:
		campaign, err := st.GetCampaign(ctx, message.CampaignID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed, err := st.ClaimMessage(ctx, message.ID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		result = outcome{status: MessageSent}
		if deliveryErr := w.deliver(ctx, campaign, message); deliveryErr != nil {
			result = outcome{status: MessageFailed, errText: deliveryErr.Error()}
			log.Printf("crm: message %s of campaign %s failed: %v", message.ID, campaign.ID, deliveryErr)
		}
	case MessageSending:
		// Either another worker holds the claim or this one lost the result
		// write; only the latter is finished here.
		w.mu.Lock()
		pending, ok := w.outcomes[message.ID]
		w.mu.Unlock()
		if !ok {
			return nil
		}
		result = pending
	default:
		return nil
	}

	if _, err := st.SetMessageResult(ctx, message.ID, result.status, result.errText); err != nil {
		w.mu.Lock()
		w.outcomes[message.ID] = result
		w.mu.Unlock()
		return err
	}
	w.mu.Lock()
	delete(w.outcomes, message.ID)
	w.mu.Unlock()
	w.service.completeIfDrained(ctx, message.CampaignID)
	return nil
}

func (w *Worker) deliver(ctx context.Context, campaign store.EmailCampaign, message store.CampaignMessage) error {
	if w.mailer == nil || !w.mailer.IsConfigured() {
		return errors.New("email is not configured")
	}
	contact, err := w.service.store.GetContact(ctx, message.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if contact.Status != ContactSubscribed {
		return fmt.Errorf("contact is %s", contact.Status)
	}
	subject := Render(campaign.Subject, contact, false)
	body, err := w.tracker.Instrument(Render(campaign.Body, contact, true), message.ID)
	if err != nil {
		return err
	}
	return w.mailer.SendCampaignEmail(contact.Email, subject, body, w.tracker.UnsubscribeURL(message.ID), campaign.ID)
}

// StaleClaimAfter is how long a claimed message may wait for its delivery
// result before it is failed as unknown.
const StaleClaimAfter = 15 * time.Minute

// Scheduler sends scheduled campaigns once their time has come.
type Scheduler struct {
	service  *Service
	interval time.Duration
}

func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{service: service, interval: interval}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SendDue(ctx)
			s.SettleStale(ctx)
		}
	}
}

// SendDue returns the number of campaigns this call started sending.
func (s *Scheduler) SendDue(ctx context.Context) int {
	due, err := s.service.store.ListDueCampaigns(ctx, s.service.now().UTC())
	if err != nil {
		log.Printf("crm: list due campaigns: %v", err)
		return 0
	}
	started := 0
	for _, campaign := range due {
		if _, err := s.service.Send(ctx, campaign.ID); err != nil {
			if !errors.Is(err, ErrCampaignState) {
				log.Printf("crm: send scheduled campaign %s: %v", campaign.ID, err)
			}
			continue
		}
		started++
	}
	return started
}

// SettleStale fails messages whose worker died between claim and result and
// completes the campaigns they held open. It returns the number of campaigns touched.
func (s *Scheduler) SettleStale(ctx context.Context) int {
	campaigns, err := s.service.store.FailStaleMessages(ctx, s.service.now().UTC().Add(-StaleClaimAfter), "delivery outcome unknown")
	if err != nil {
		log.Printf("crm: settle stale messages: %v", err)
		return 0
	}
	for _, campaignID := range campaigns {
		s.service.completeIfDrained(ctx, campaignID)
	}
	return len(campaigns)
}
