package remediation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sitecraft/api/internal/store"
)

var ErrOpsUnavailable = errors.New("ops webhook is not configured")

// SiteOps is implemented by the site service.
type SiteOps interface {
	// RollbackToPreviousPublish restores the components of the release before
	// the current one and returns the restored commit hash.
	RollbackToPreviousPublish(ctx context.Context, siteID string) (string, error)
}

type WorkflowDisabler interface {
	DisableFailingWorkflows(ctx context.Context, siteID string, since time.Time) ([]string, error)
}

type SiteDirectory interface {
	GetSite(ctx context.Context, siteID string) (store.Site, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

type ActionResult struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Actions performs remediation steps. Steps without a local implementation are
// handed to the ops webhook.
type Actions struct {
	sites      SiteOps
	workflows  WorkflowDisabler
	directory  SiteDirectory
	mailer     Mailer
	opsURL     string
	httpClient *http.Client
	now        func() time.Time
}

func NewActions(sites SiteOps, workflows WorkflowDisabler, directory SiteDirectory, mailer Mailer, opsURL string) *Actions {
	return &Actions{
		sites:      sites,
		workflows:  workflows,
		directory:  directory,
		mailer:     mailer,
		opsURL:     strings.TrimSpace(opsURL),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func (a *Actions) Run(ctx context.Context, action string, violation store.SLAViolation) (string, error) {
	switch action {
	case ActionRollbackSiteVersion:
		if a.sites == nil {
			return "", errors.New("site rollback is not available")
		}
		hash, err := a.sites.RollbackToPreviousPublish(ctx, violation.SiteID)
		if err != nil {
			return "", err
		}
		return "restored " + hash, nil
	case ActionDisableFailingWorkflows:
		if a.workflows == nil {
			return "", errors.New("workflow store is not available")
		}
		ids, err := a.workflows.DisableFailingWorkflows(ctx, violation.SiteID, a.now().Add(-time.Hour))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("disabled %d workflows", len(ids)), nil
	case ActionNotifySiteOwner:
		return a.notifyOwner(ctx, violation)
	case ActionPurgeCDNCache, ActionClearBuildCache, ActionScaleBuildWorkers, ActionRestartOrigin:
		return a.callOps(ctx, action, violation)
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

func (a *Actions) notifyOwner(ctx context.Context, violation store.SLAViolation) (string, error) {
	if a.mailer == nil || !a.mailer.IsConfigured() {
		return "", errors.New("email is not configured")
	}
	if a.directory == nil {
		return "", errors.New("site directory is not available")
	}
	site, err := a.directory.GetSite(ctx, violation.SiteID)
	if err != nil {
		return "", err
	}
	owner, err := a.directory.GetUserByID(ctx, site.OwnerID)
	if err != nil {
		return "", err
	}
	if owner.Email == "" {
		return "", errors.New("site owner has no email address")
	}
	subject := fmt.Sprintf("Performance issue on %s", site.Name)
	body := fmt.Sprintf("Hello %s,\n\nWe detected a %s %s issue on %s (observed %.2f, threshold %.2f).\n"+
		"Likely cause: %s. Automatic remediation is in progress.\n",
		owner.DisplayName, violation.Severity, violation.Metric, site.Name, violation.Observed, violation.Threshold,
		strings.ReplaceAll(violation.RootCause, "_", " "))
	if err := a.mailer.SendEmail([]string{owner.Email}, subject, body); err != nil {
		return "", err
	}
	return "notified " + owner.Email, nil
}

type opsRequest struct {
	Action      string  `json:"action"`
	SiteID      string  `json:"siteId"`
	ViolationID string  `json:"violationId"`
	Metric      string  `json:"metric"`
	Severity    string  `json:"severity"`
	RootCause   string  `json:"rootCause"`
	Observed    float64 `json:"observed"`
	Threshold   float64 `json:"threshold"`
}

func (a *Actions) callOps(ctx context.Context, action string, violation store.SLAViolation) (string, error) {
	if a.opsURL == "" {
		return "", ErrOpsUnavailable
	}
	payload, err := json.Marshal(opsRequest{
		Action:      action,
		SiteID:      violation.SiteID,
		ViolationID: violation.ID,
		Metric:      violation.Metric,
		Severity:    violation.Severity,
		RootCause:   violation.RootCause,
		Observed:    violation.Observed,
		Threshold:   violation.Threshold,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opsURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ops webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("ops webhook returned %d", resp.StatusCode)
	}
	return fmt.Sprintf("ops accepted %s", action), nil
}
