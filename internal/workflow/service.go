package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitecraft/api/internal/events"
	"sitecraft/api/internal/store"
	"sitecraft/api/internal/util"
)

var (
	ErrNotFound         = store.ErrNotFound
	ErrWebhookDisabled  = errors.New("webhook trigger is not enabled for this workflow")
	ErrNameRequired     = errors.New("workflow name is required")
	ErrUnknownEventType = errors.New("unknown event type")
)

type Store interface {
	ExecutionStore
	InsertWorkflow(ctx context.Context, item store.Workflow) error
	GetWorkflow(ctx context.Context, workflowID string) (store.Workflow, error)
	ListWorkflows(ctx context.Context, siteID string) ([]store.Workflow, error)
	UpdateWorkflow(ctx context.Context, item store.Workflow) error
	SetWorkflowActive(ctx context.Context, workflowID string, active bool, nextRunAt *time.Time) error
	DeleteWorkflow(ctx context.Context, workflowID string) error
	GetExecution(ctx context.Context, executionID string) (store.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]store.WorkflowExecution, error)
}

type Input struct {
	SiteID        string          `json:"siteId"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Definition    json.RawMessage `json:"definition"`
	TriggerType   string          `json:"triggerType"`
	TriggerConfig json.RawMessage `json:"triggerConfig"`
	Active        bool            `json:"active"`
}

type Service struct {
	store  Store
	runner Runner
	now    func() time.Time
}

func NewService(workflows Store, runner Runner) *Service {
	return &Service{store: workflows, runner: runner, now: time.Now}
}

func (s *Service) normalize(input Input) (store.Workflow, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Workflow{}, ErrNameRequired
	}
	def, err := ParseDefinition(input.Definition)
	if err != nil {
		return store.Workflow{}, err
	}
	if err := Validate(def); err != nil {
		return store.Workflow{}, err
	}
	triggerType := strings.TrimSpace(input.TriggerType)
	if triggerType == "" {
		triggerType = TriggerManual
	}
	cfg, err := ParseTriggerConfig(input.TriggerConfig)
	if err != nil {
		return store.Workflow{}, err
	}
	if err := ValidateTrigger(triggerType, cfg); err != nil {
		return store.Workflow{}, err
	}
	if triggerType == TriggerEvent && !events.IsKnown(cfg.Event) {
		return store.Workflow{}, fmt.Errorf("%w: %w %q", ErrInvalidDefinition, ErrUnknownEventType, cfg.Event)
	}
	canonical, err := json.Marshal(def)
	if err != nil {
		return store.Workflow{}, fmt.Errorf("encode definition: %w", err)
	}
	config, err := json.Marshal(cfg)
	if err != nil {
		return store.Workflow{}, fmt.Errorf("encode trigger config: %w", err)
	}
	return store.Workflow{
		SiteID:        strings.TrimSpace(input.SiteID),
		Name:          name,
		Description:   strings.TrimSpace(input.Description),
		Definition:    canonical,
		TriggerType:   triggerType,
		TriggerConfig: config,
	}, nil
}

// nextRun is nil unless an active schedule workflow needs a slot.
func (s *Service) nextRun(wf store.Workflow) (*time.Time, error) {
	if !wf.Active || wf.TriggerType != TriggerSchedule {
		return nil, nil
	}
	cfg, err := ParseTriggerConfig(wf.TriggerConfig)
	if err != nil {
		return nil, err
	}
	next, err := NextRun(cfg, s.now())
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *Service) Create(ctx context.Context, input Input, userID string) (store.Workflow, error) {
	wf, err := s.normalize(input)
	if err != nil {
		return store.Workflow{}, err
	}
	wf.ID = util.NewID("wfl")
	wf.Active = input.Active
	wf.CreatedBy = userID
	if wf.NextRunAt, err = s.nextRun(wf); err != nil {
		return store.Workflow{}, err
	}
	if err := s.store.InsertWorkflow(ctx, wf); err != nil {
		return store.Workflow{}, err
	}
	return s.store.GetWorkflow(ctx, wf.ID)
}

func (s *Service) Get(ctx context.Context, workflowID string) (store.Workflow, error) {
	return s.store.GetWorkflow(ctx, workflowID)
}

func (s *Service) List(ctx context.Context, siteID string) ([]store.Workflow, error) {
	return s.store.ListWorkflows(ctx, siteID)
}

// Update replaces the definition and trigger; the active flag is kept.
func (s *Service) Update(ctx context.Context, workflowID string, input Input) (store.Workflow, error) {
	current, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return store.Workflow{}, err
	}
	wf, err := s.normalize(input)
	if err != nil {
		return store.Workflow{}, err
	}
	wf.ID = current.ID
	wf.SiteID = current.SiteID
	wf.Active = current.Active
	if wf.NextRunAt, err = s.nextRun(wf); err != nil {
		return store.Workflow{}, err
	}
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return store.Workflow{}, err
	}
	return s.store.GetWorkflow(ctx, workflowID)
}

func (s *Service) SetActive(ctx context.Context, workflowID string, active bool) (store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return store.Workflow{}, err
	}
	wf.Active = active
	next, err := s.nextRun(wf)
	if err != nil {
		return store.Workflow{}, err
	}
	if err := s.store.SetWorkflowActive(ctx, workflowID, active, next); err != nil {
		return store.Workflow{}, err
	}
	return s.store.GetWorkflow(ctx, workflowID)
}

func (s *Service) Delete(ctx context.Context, workflowID string) error {
	return s.store.DeleteWorkflow(ctx, workflowID)
}

// ExecuteManual runs a workflow regardless of its trigger type or active flag.
func (s *Service) ExecuteManual(ctx context.Context, workflowID string, input map[string]any) (store.WorkflowExecution, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return store.WorkflowExecution{}, err
	}
	return s.runner.Execute(ctx, wf, TriggerManual, input)
}

// ExecuteWebhook only runs active workflows with a webhook trigger. It returns
// the running execution without waiting for it to finish.
func (s *Service) ExecuteWebhook(ctx context.Context, workflowID string, input map[string]any) (store.WorkflowExecution, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return store.WorkflowExecution{}, err
	}
	if !wf.Active || wf.TriggerType != TriggerWebhook {
		return store.WorkflowExecution{}, ErrWebhookDisabled
	}
	return s.runner.Start(ctx, wf, TriggerWebhook, input)
}

func (s *Service) ListExecutions(ctx context.Context, workflowID string, limit int) ([]store.WorkflowExecution, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, workflowID, limit)
}

func (s *Service) GetExecution(ctx context.Context, executionID string) (store.WorkflowExecution, error) {
	return s.store.GetExecution(ctx, executionID)
}
