package workflow

import (
	"context"
	"log"

	"sitecraft/api/internal/events"
	"sitecraft/api/internal/store"
)

type TriggerStore interface {
	ListActiveWorkflowsByTrigger(ctx context.Context, triggerType string) ([]store.Workflow, error)
}

// EventTriggers starts event-triggered workflows when a matching event is published.
type EventTriggers struct {
	store  TriggerStore
	runner Runner
	unsubs []func()
}

func NewEventTriggers(workflows TriggerStore, runner Runner) *EventTriggers {
	return &EventTriggers{store: workflows, runner: runner}
}

// Attach subscribes to every known event type on the bus.
func (t *EventTriggers) Attach(bus *events.Bus) {
	for _, eventType := range events.Known {
		t.unsubs = append(t.unsubs, bus.Subscribe(eventType, t.handle))
	}
}

func (t *EventTriggers) Detach() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
}

func (t *EventTriggers) handle(ctx context.Context, event events.Event) error {
	workflows, err := t.store.ListActiveWorkflowsByTrigger(ctx, TriggerEvent)
	if err != nil {
		return err
	}
	eventSite, _ := event.Payload["siteId"].(string)
	source, _ := event.Payload["workflowId"].(string)
	// Finish events of event-started runs are not fanned out again, which keeps
	// two workflows from triggering each other forever.
	if event.Type == events.WorkflowExecutionFinished && event.Payload["trigger"] == TriggerEvent {
		return nil
	}

	for _, wf := range workflows {
		cfg, err := ParseTriggerConfig(wf.TriggerConfig)
		if err != nil || cfg.Event != string(event.Type) {
			continue
		}
		// A workflow never re-triggers itself through its own finish event.
		if source != "" && source == wf.ID {
			continue
		}
		if wf.SiteID != "" && eventSite != "" && wf.SiteID != eventSite {
			continue
		}
		input := map[string]any{"event": string(event.Type), "payload": event.Payload, "at": event.At}
		if _, err := t.runner.Execute(ctx, wf, TriggerEvent, input); err != nil {
			log.Printf("workflow: event %s run of %s: %v", event.Type, wf.ID, err)
		}
	}
	return nil
}
