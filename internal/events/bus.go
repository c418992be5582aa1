// Package events is the in-process publish/subscribe bus that links the site, CRM,
// remediation and workflow subsystems.
package events

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

type Type string

const (
	SiteCreated               Type = "site.created"
	SiteUpdated               Type = "site.updated"
	SitePublished             Type = "site.published"
	ComponentUpdated          Type = "component.updated"
	ContactCreated            Type = "contact.created"
	CampaignSent              Type = "campaign.sent"
	CampaignMessageOpened     Type = "campaign.message.opened"
	CampaignMessageClicked    Type = "campaign.message.clicked"
	SLAViolationDetected      Type = "sla.violation.detected"
	SLAViolationEscalated     Type = "sla.violation.escalated"
	SLAViolationResolved      Type = "sla.violation.resolved"
	WorkflowExecutionFinished Type = "workflow.execution.finished"
)

// Known lists every event type workflows may subscribe to.
var Known = []Type{
	SiteCreated, SiteUpdated, SitePublished, ComponentUpdated, ContactCreated, CampaignSent,
	CampaignMessageOpened, CampaignMessageClicked, SLAViolationDetected, SLAViolationEscalated,
	SLAViolationResolved, WorkflowExecutionFinished,
}

func IsKnown(value string) bool {
	for _, known := range Known {
		if string(known) == value {
			return true
		}
	}
	return false
}

type Event struct {
	Type    Type           `json:"type"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

type Handler func(ctx context.Context, event Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Type][]subscription
	wg       sync.WaitGroup
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]subscription)}
}

// Subscribe registers handler for eventType and returns a function that removes it.
func (b *Bus) Subscribe(eventType Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[eventType]
			for i, sub := range subs {
				if sub.id == id {
					b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish runs the handlers in subscription order and stops at the first error.
func (b *Bus) Publish(ctx context.Context, eventType Type, payload map[string]any) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[eventType]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	event := Event{Type: eventType, Payload: payload, At: time.Now().UTC()}
	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil {
			return fmt.Errorf("event handler for %s: %w", eventType, err)
		}
	}
	return nil
}

// PublishAsync publishes on a background context; errors are logged.
func (b *Bus) PublishAsync(eventType Type, payload map[string]any) {
	if b == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.Publish(context.Background(), eventType, payload); err != nil {
			log.Printf("events: async publish %s: %v", eventType, err)
		}
	}()
}

// Wait blocks until in-flight async publishes finish. Used on shutdown and in tests.
func (b *Bus) Wait() {
	b.wg.Wait()
}
