package remediation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Escalator raises violations that stayed unresolved for a full interval at
// their current level.
type Escalator struct {
	service  *Service
	interval time.Duration
	tick     time.Duration
}

func NewEscalator(service *Service, interval time.Duration) *Escalator {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	tick := interval / 4
	if tick < time.Second {
		tick = time.Second
	}
	return &Escalator{service: service, interval: interval, tick: tick}
}

func (e *Escalator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.EscalateStale(ctx)
		}
	}
}

// EscalateStale returns the number of violations escalated.
func (e *Escalator) EscalateStale(ctx context.Context) int {
	cutoff := e.service.now().Add(-e.interval)
	stale, err := e.service.store.ListStaleViolations(ctx, cutoff)
	if err != nil {
		log.Printf("remediation: list stale violations: %v", err)
		return 0
	}
	escalated := 0
	for _, violation := range stale {
		reason := fmt.Sprintf("unresolved for more than %s at level %d", e.interval, violation.EscalationLevel)
		if _, err := e.service.escalate(ctx, violation, reason); err != nil {
			if !errors.Is(err, ErrBusy) && !errors.Is(err, ErrMaxEscalation) {
				log.Printf("remediation: escalate %s: %v", violation.ID, err)
			}
			continue
		}
		escalated++
	}
	return escalated
}
