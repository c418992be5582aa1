package workflow

import (
	"context"
	"log"
	"sync"
	"time"

	"sitecraft/api/internal/store"
)

type ScheduleStore interface {
	ListDueWorkflows(ctx context.Context, now time.Time) ([]store.Workflow, error)
	ClaimScheduledRun(ctx context.Context, workflowID string, due, next time.Time) (bool, error)
}

// Runner executes a workflow; *Engine satisfies it. Execute waits for the
// run to finish, Start returns once the execution is recorded.
type Runner interface {
	Execute(ctx context.Context, wf store.Workflow, triggerType string, input map[string]any) (store.WorkflowExecution, error)
	Start(ctx context.Context, wf store.Workflow, triggerType string, input map[string]any) (store.WorkflowExecution, error)
}

// Scheduler runs schedule-triggered workflows whose next_run_at has passed.
type Scheduler struct {
	store    ScheduleStore
	runner   Runner
	interval time.Duration
	now      func() time.Time
}

func NewScheduler(schedules ScheduleStore, runner Runner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{store: schedules, runner: runner, interval: interval, now: time.Now}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue claims every due workflow, advances its next_run_at and executes the
// claimed ones concurrently. It returns the number of runs started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now().UTC()
	due, err := s.store.ListDueWorkflows(ctx, now)
	if err != nil {
		log.Printf("workflow: list due workflows: %v", err)
		return 0
	}

	var wg sync.WaitGroup
	started := 0
	for _, wf := range due {
		if wf.NextRunAt == nil {
			continue
		}
		cfg, err := ParseTriggerConfig(wf.TriggerConfig)
		if err != nil {
			log.Printf("workflow: %s: %v", wf.ID, err)
			continue
		}
		next, err := NextRun(cfg, now)
		if err != nil {
			log.Printf("workflow: %s: %v", wf.ID, err)
			continue
		}
		claimed, err := s.store.ClaimScheduledRun(ctx, wf.ID, *wf.NextRunAt, next)
		if err != nil {
			log.Printf("workflow: claim %s: %v", wf.ID, err)
			continue
		}
		if !claimed {
			continue
		}

		started++
		wg.Add(1)
		go func(wf store.Workflow, scheduledFor time.Time) {
			defer wg.Done()
			input := map[string]any{"scheduledFor": scheduledFor.Format(time.RFC3339)}
			if _, err := s.runner.Execute(ctx, wf, TriggerSchedule, input); err != nil {
				log.Printf("workflow: scheduled run of %s: %v", wf.ID, err)
			}
		}(wf, *wf.NextRunAt)
	}
	wg.Wait()
	return started
}
