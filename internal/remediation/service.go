package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"sitecraft/api/internal/email"
	"sitecraft/api/internal/events"
	"sitecraft/api/internal/store"
	"sitecraft/api/internal/util"
)

var (
	ErrNotFound        = store.ErrNotFound
	ErrInvalidReport   = errors.New("invalid violation report")
	ErrAlreadyResolved = errors.New("violation is already resolved")
	ErrBusy            = errors.New("violation is being analysed or remediated")
)

const (
	AttemptRunning = "running"
	AttemptSuccess = "success"
	AttemptFailed  = "failed"
)

type Store interface {
	InsertViolation(ctx context.Context, item store.SLAViolation) error
	GetViolation(ctx context.Context, violationID string) (store.SLAViolation, error)
	ListViolations(ctx context.Context, filter store.ViolationFilter) ([]store.SLAViolation, error)
	FindActiveViolation(ctx context.Context, siteID, metric string) (store.SLAViolation, error)
	CountViolationsSince(ctx context.Context, siteID, metric string, since time.Time) (int, error)
	ListStaleViolations(ctx context.Context, cutoff time.Time) ([]store.SLAViolation, error)
	TransitionViolation(ctx context.Context, violationID, from, to string) (bool, error)
	SaveViolationAnalysis(ctx context.Context, violationID, rootCause string, confidence float64, evidence json.RawMessage) error
	EscalateViolation(ctx context.Context, violationID, from string, level int) (bool, error)
	ResolveViolation(ctx context.Context, violationID, from, resolution string) (bool, error)
	InsertAttempt(ctx context.Context, item store.RemediationAttempt) error
	FinishAttempt(ctx context.Context, item store.RemediationAttempt) error
	ListAttempts(ctx context.Context, violationID string) ([]store.RemediationAttempt, error)
	LastPublishedAt(ctx context.Context, siteID string) (*time.Time, error)
	CountFailedExecutions(ctx context.Context, siteID string, since time.Time) (int, error)
	GetSite(ctx context.Context, siteID string) (store.Site, error)
}

type Mailer interface {
	IsConfigured() bool
	SendEmail(to []string, subject, body string) error
	SendEscalationEmail(to []string, data email.EscalationData) error
}

type Config struct {
	// Recipients per escalation level, index 0 is level 1.
	Recipients   [MaxEscalationLevel][]string
	DashboardURL string
}

type Service struct {
	store   Store
	actions *Actions
	mailer  Mailer
	bus     *events.Bus
	config  Config
	now     func() time.Time
}

func NewService(violations Store, actions *Actions, mailer Mailer, bus *events.Bus, config Config) *Service {
	return &Service{store: violations, actions: actions, mailer: mailer, bus: bus, config: config, now: time.Now}
}

type Report struct {
	SiteID    string          `json:"siteId"`
	Metric    string          `json:"metric"`
	Observed  float64         `json:"observed"`
	Threshold float64         `json:"threshold"`
	Details   json.RawMessage `json:"details"`
}

// Report records a violation. A site and metric with an unresolved violation
// returns that violation with created=false instead of opening a second one.
func (s *Service) Report(ctx context.Context, report Report) (store.SLAViolation, bool, error) {
	report.SiteID = strings.TrimSpace(report.SiteID)
	if report.SiteID == "" {
		return store.SLAViolation{}, false, fmt.Errorf("%w: siteId is required", ErrInvalidReport)
	}
	if !KnownMetric(report.Metric) {
		return store.SLAViolation{}, false, fmt.Errorf("%w: %w %q", ErrInvalidReport, ErrUnknownMetric, report.Metric)
	}
	if report.Threshold <= 0 || report.Observed < 0 {
		return store.SLAViolation{}, false, fmt.Errorf("%w: threshold must be positive and observed non-negative", ErrInvalidReport)
	}
	ratio := Ratio(report.Metric, report.Observed, report.Threshold)
	if ratio <= 1 {
		return store.SLAViolation{}, false, ErrNotViolating
	}
	if _, err := s.store.GetSite(ctx, report.SiteID); err != nil {
		return store.SLAViolation{}, false, err
	}

	active, err := s.store.FindActiveViolation(ctx, report.SiteID, report.Metric)
	if err == nil {
		return active, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.SLAViolation{}, false, err
	}

	violation := store.SLAViolation{
		ID:         util.NewID("vio"),
		SiteID:     report.SiteID,
		Metric:     report.Metric,
		Threshold:  report.Threshold,
		Observed:   report.Observed,
		Severity:   Severity(ratio),
		Status:     StatusOpen,
		Details:    report.Details,
		DetectedAt: s.now().UTC(),
	}
	if err := s.store.InsertViolation(ctx, violation); err != nil {
		return store.SLAViolation{}, false, err
	}
	s.bus.PublishAsync(events.SLAViolationDetected, map[string]any{
		"violationId": violation.ID,
		"siteId":      violation.SiteID,
		"metric":      violation.Metric,
		"severity":    violation.Severity,
		"observed":    violation.Observed,
		"threshold":   violation.Threshold,
	})
	created, err := s.store.GetViolation(ctx, violation.ID)
	return created, true, err
}

func (s *Service) Get(ctx context.Context, violationID string) (store.SLAViolation, error) {
	return s.store.GetViolation(ctx, violationID)
}

func (s *Service) List(ctx context.Context, filter store.ViolationFilter) ([]store.SLAViolation, error) {
	return s.store.ListViolations(ctx, filter)
}

func (s *Service) Attempts(ctx context.Context, violationID string) ([]store.RemediationAttempt, error) {
	if _, err := s.store.GetViolation(ctx, violationID); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, violationID)
}

// move applies a validated compare-and-set transition.
func (s *Service) move(ctx context.Context, violation store.SLAViolation, to string) error {
	if err := checkTransition(violation.Status, to); err != nil {
		return err
	}
	changed, err := s.store.TransitionViolation(ctx, violation.ID, violation.Status, to)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: %s changed concurrently", ErrBusy, violation.ID)
	}
	return nil
}

// collectSignals gathers the facts root-cause analysis scores.
func (s *Service) collectSignals(ctx context.Context, violation store.SLAViolation) (Signals, error) {
	signals := Signals{Ratio: Ratio(violation.Metric, violation.Observed, violation.Threshold)}

	recent, err := s.store.CountViolationsSince(ctx, violation.SiteID, violation.Metric, violation.DetectedAt.Add(-24*time.Hour))
	if err != nil {
		return signals, err
	}
	if recent > 0 {
		recent--
	}
	signals.RecentViolations = recent

	published, err := s.store.LastPublishedAt(ctx, violation.SiteID)
	if err != nil {
		return signals, err
	}
	if published != nil {
		gap := violation.DetectedAt.Sub(*published)
		signals.PublishedRecent = gap >= 0 && gap <= time.Hour
	}

	failures, err := s.store.CountFailedExecutions(ctx, violation.SiteID, violation.DetectedAt.Add(-time.Hour))
	if err != nil {
		return signals, err
	}
	signals.WorkflowFailures = failures
	return signals, nil
}

// Analyze runs root-cause analysis on an open violation and leaves it remediating.
func (s *Service) Analyze(ctx context.Context, violationID string) (store.SLAViolation, error) {
	violation, err := s.store.GetViolation(ctx, violationID)
	if err != nil {
		return store.SLAViolation{}, err
	}
	if violation.Status != StatusOpen {
		return violation, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, violation.Status, StatusAnalyzing)
	}
	return s.analyze(ctx, violation)
}

func (s *Service) analyze(ctx context.Context, violation store.SLAViolation) (store.SLAViolation, error) {
	signals, err := s.collectSignals(ctx, violation)
	if err != nil {
		return store.SLAViolation{}, err
	}
	analysis, err := Analyze(violation.Metric, signals)
	if err != nil {
		return store.SLAViolation{}, err
	}
	evidence, err := json.Marshal(analysis.Evidence)
	if err != nil {
		return store.SLAViolation{}, err
	}

	if err := s.move(ctx, violation, StatusAnalyzing); err != nil {
		return store.SLAViolation{}, err
	}
	violation.Status = StatusAnalyzing
	if err := s.store.SaveViolationAnalysis(ctx, violation.ID, analysis.RootCause, analysis.Confidence, evidence); err != nil {
		s.reopen(ctx, violation)
		return store.SLAViolation{}, err
	}
	if err := s.move(ctx, violation, StatusRemediating); err != nil {
		return store.SLAViolation{}, err
	}
	return s.store.GetViolation(ctx, violation.ID)
}

// reopen hands an analysis that could not be saved back to the open queue.
func (s *Service) reopen(ctx context.Context, violation store.SLAViolation) {
	if err := s.move(ctx, violation, StatusOpen); err != nil {
		log.Printf("remediation: reopen %s: %v", violation.ID, err)
	}
}

// Remediate analyses the violation when needed, runs the next untried strategy
// and resolves or escalates depending on the outcome.
func (s *Service) Remediate(ctx context.Context, violationID string) (store.SLAViolation, error) {
	violation, err := s.store.GetViolation(ctx, violationID)
	if err != nil {
		return store.SLAViolation{}, err
	}

	switch violation.Status {
	case StatusResolved:
		return violation, ErrAlreadyResolved
	case StatusOpen:
		if violation, err = s.analyze(ctx, violation); err != nil {
			return store.SLAViolation{}, err
		}
	case StatusEscalated:
		if violation.EscalationLevel >= MaxEscalationLevel {
			return violation, ErrMaxEscalation
		}
		if err := s.move(ctx, violation, StatusRemediating); err != nil {
			return store.SLAViolation{}, err
		}
		violation.Status = StatusRemediating
	default:
		return violation, ErrBusy
	}

	attempts, err := s.store.ListAttempts(ctx, violation.ID)
	if err != nil {
		return store.SLAViolation{}, err
	}
	tried := make(map[string]bool, len(attempts))
	for _, attempt := range attempts {
		tried[attempt.Strategy] = true
	}
	strategy, ok := SelectStrategy(violation.Metric, violation.RootCause, tried)
	if !ok {
		return s.escalate(ctx, violation, "no remediation strategy left")
	}

	attempt, runErr, err := s.runStrategy(ctx, violation, strategy)
	if err != nil {
		return store.SLAViolation{}, err
	}
	if attempt.Status == AttemptSuccess {
		changed, err := s.store.ResolveViolation(ctx, violation.ID, StatusRemediating, "remediated by "+strategy.Name)
		if err != nil {
			return store.SLAViolation{}, err
		}
		if changed {
			s.publishResolved(violation, "remediated by "+strategy.Name)
		}
		return s.store.GetViolation(ctx, violation.ID)
	}
	return s.escalate(ctx, violation, fmt.Sprintf("strategy %s failed: %v", strategy.Name, runErr))
}

// runStrategy returns the failing action's error separately from store errors.
func (s *Service) runStrategy(ctx context.Context, violation store.SLAViolation, strategy Strategy) (store.RemediationAttempt, error, error) {
	attempt := store.RemediationAttempt{
		ID:          util.NewID("att"),
		ViolationID: violation.ID,
		Strategy:    strategy.Name,
		Status:      AttemptRunning,
		StartedAt:   s.now().UTC(),
	}
	if err := s.store.InsertAttempt(ctx, attempt); err != nil {
		return attempt, nil, err
	}

	results := make([]ActionResult, 0, len(strategy.Actions))
	var runErr error
	for _, action := range strategy.Actions {
		detail, err := s.actions.Run(ctx, action, violation)
		if err != nil {
			results = append(results, ActionResult{Action: action, Status: AttemptFailed, Error: err.Error()})
			runErr = fmt.Errorf("%s: %w", action, err)
			break
		}
		results = append(results, ActionResult{Action: action, Status: AttemptSuccess, Detail: detail})
	}

	attempt.Status = AttemptSuccess
	if runErr != nil {
		attempt.Status = AttemptFailed
		attempt.Error = runErr.Error()
	}
	attempt.Actions, _ = json.Marshal(results)
	if err := s.store.FinishAttempt(ctx, attempt); err != nil {
		log.Printf("remediation: finish attempt %s: %v", attempt.ID, err)
	}
	return attempt, runErr, nil
}

// Escalate raises the escalation level by one and notifies that level.
func (s *Service) Escalate(ctx context.Context, violationID, reason string) (store.SLAViolation, error) {
	violation, err := s.store.GetViolation(ctx, violationID)
	if err != nil {
		return store.SLAViolation{}, err
	}
	if violation.Status == StatusResolved {
		return violation, ErrAlreadyResolved
	}
	return s.escalate(ctx, violation, reason)
}

func (s *Service) escalate(ctx context.Context, violation store.SLAViolation, reason string) (store.SLAViolation, error) {
	if violation.EscalationLevel >= MaxEscalationLevel {
		return violation, ErrMaxEscalation
	}
	if err := checkTransition(violation.Status, StatusEscalated); err != nil {
		return violation, err
	}
	level := violation.EscalationLevel + 1
	changed, err := s.store.EscalateViolation(ctx, violation.ID, violation.Status, level)
	if err != nil {
		return store.SLAViolation{}, err
	}
	if !changed {
		return violation, fmt.Errorf("%w: %s changed concurrently", ErrBusy, violation.ID)
	}
	violation.EscalationLevel = level
	violation.Status = StatusEscalated

	s.notifyEscalation(ctx, violation, reason)
	s.bus.PublishAsync(events.SLAViolationEscalated, map[string]any{
		"violationId": violation.ID,
		"siteId":      violation.SiteID,
		"metric":      violation.Metric,
		"level":       level,
		"reason":      reason,
	})
	return s.store.GetViolation(ctx, violation.ID)
}

func (s *Service) notifyEscalation(ctx context.Context, violation store.SLAViolation, reason string) {
	recipients := s.config.Recipients[violation.EscalationLevel-1]
	if len(recipients) == 0 || s.mailer == nil || !s.mailer.IsConfigured() {
		log.Printf("remediation: violation %s escalated to level %d without recipients", violation.ID, violation.EscalationLevel)
		return
	}
	siteName := violation.SiteID
	if site, err := s.store.GetSite(ctx, violation.SiteID); err == nil {
		siteName = site.Name
	}
	dashboard := ""
	if s.config.DashboardURL != "" {
		dashboard = strings.TrimRight(s.config.DashboardURL, "/") + "/sla/violations/" + violation.ID
	}
	err := s.mailer.SendEscalationEmail(recipients, email.EscalationData{
		Level:        violation.EscalationLevel,
		SiteID:       violation.SiteID,
		SiteName:     siteName,
		ViolationID:  violation.ID,
		Metric:       violation.Metric,
		Severity:     violation.Severity,
		Observed:     violation.Observed,
		Threshold:    violation.Threshold,
		RootCause:    violation.RootCause,
		Confidence:   violation.Confidence * 100,
		Reason:       reason,
		DashboardURL: dashboard,
	})
	if err != nil {
		log.Printf("remediation: escalation email for %s: %v", violation.ID, err)
	}
}

// Resolve closes a violation manually from any unresolved status.
func (s *Service) Resolve(ctx context.Context, violationID, resolution string) (store.SLAViolation, error) {
	violation, err := s.store.GetViolation(ctx, violationID)
	if err != nil {
		return store.SLAViolation{}, err
	}
	if violation.Status == StatusResolved {
		return violation, ErrAlreadyResolved
	}
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		resolution = "resolved manually"
	}
	changed, err := s.store.ResolveViolation(ctx, violation.ID, violation.Status, resolution)
	if err != nil {
		return store.SLAViolation{}, err
	}
	if !changed {
		return violation, fmt.Errorf("%w: %s changed concurrently", ErrBusy, violation.ID)
	}
	s.publishResolved(violation, resolution)
	return s.store.GetViolation(ctx, violation.ID)
}

func (s *Service) publishResolved(violation store.SLAViolation, resolution string) {
	s.bus.PublishAsync(events.SLAViolationResolved, map[string]any{
		"violationId": violation.ID,
		"siteId":      violation.SiteID,
		"metric":      violation.Metric,
		"resolution":  resolution,
	})
}
