package app

import (
	"encoding/json"

	"sitecraft/api/internal/abtest"
	"sitecraft/api/internal/store"
)

func rawOr(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func workflowView(wf store.Workflow) map[string]any {
	return map[string]any{
		"id":            wf.ID,
		"siteId":        wf.SiteID,
		"name":          wf.Name,
		"description":   wf.Description,
		"definition":    rawOr(wf.Definition, "{}"),
		"triggerType":   wf.TriggerType,
		"triggerConfig": rawOr(wf.TriggerConfig, "{}"),
		"active":        wf.Active,
		"nextRunAt":     wf.NextRunAt,
		"lastRunAt":     wf.LastRunAt,
		"createdBy":     wf.CreatedBy,
		"createdAt":     wf.CreatedAt,
		"updatedAt":     wf.UpdatedAt,
	}
}

func executionView(exec store.WorkflowExecution) map[string]any {
	return map[string]any{
		"id":          exec.ID,
		"workflowId":  exec.WorkflowID,
		"status":      exec.Status,
		"triggerType": exec.TriggerType,
		"input":       rawOr(exec.Input, "{}"),
		"output":      rawOr(exec.Output, "{}"),
		"nodeResults": rawOr(exec.NodeResults, "[]"),
		"error":       exec.Error,
		"startedAt":   exec.StartedAt,
		"finishedAt":  exec.FinishedAt,
	}
}

func contactView(contact store.Contact) map[string]any {
	tags := contact.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"id":         contact.ID,
		"email":      contact.Email,
		"firstName":  contact.FirstName,
		"lastName":   contact.LastName,
		"company":    contact.Company,
		"tags":       tags,
		"status":     contact.Status,
		"leadScore":  contact.LeadScore,
		"opens":      contact.Opens,
		"clicks":     contact.Clicks,
		"attributes": rawOr(contact.Attributes, "{}"),
		"createdAt":  contact.CreatedAt,
		"updatedAt":  contact.UpdatedAt,
	}
}

func campaignView(campaign store.EmailCampaign) map[string]any {
	return map[string]any{
		"id":          campaign.ID,
		"name":        campaign.Name,
		"subject":     campaign.Subject,
		"body":        campaign.Body,
		"segmentTag":  campaign.SegmentTag,
		"status":      campaign.Status,
		"scheduledAt": campaign.ScheduledAt,
		"sentAt":      campaign.SentAt,
		"createdBy":   campaign.CreatedBy,
		"createdAt":   campaign.CreatedAt,
		"updatedAt":   campaign.UpdatedAt,
	}
}

func messageView(msg store.CampaignMessage) map[string]any {
	return map[string]any{
		"id":         msg.ID,
		"campaignId": msg.CampaignID,
		"contactId":  msg.ContactID,
		"email":      msg.Email,
		"status":     msg.Status,
		"error":      msg.Error,
		"opens":      msg.Opens,
		"clicks":     msg.Clicks,
		"sentAt":     msg.SentAt,
		"openedAt":   msg.OpenedAt,
		"clickedAt":  msg.ClickedAt,
	}
}

func violationView(v store.SLAViolation) map[string]any {
	return map[string]any{
		"id":              v.ID,
		"siteId":          v.SiteID,
		"metric":          v.Metric,
		"threshold":       v.Threshold,
		"observed":        v.Observed,
		"severity":        v.Severity,
		"status":          v.Status,
		"escalationLevel": v.EscalationLevel,
		"rootCause":       v.RootCause,
		"confidence":      v.Confidence,
		"evidence":        rawOr(v.Evidence, "[]"),
		"details":         rawOr(v.Details, "{}"),
		"resolution":      v.Resolution,
		"detectedAt":      v.DetectedAt,
		"updatedAt":       v.UpdatedAt,
		"escalatedAt":     v.EscalatedAt,
		"resolvedAt":      v.ResolvedAt,
	}
}

func attemptView(a store.RemediationAttempt) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"violationId": a.ViolationID,
		"strategy":    a.Strategy,
		"status":      a.Status,
		"actions":     rawOr(a.Actions, "[]"),
		"error":       a.Error,
		"startedAt":   a.StartedAt,
		"finishedAt":  a.FinishedAt,
	}
}

func variantView(v store.ABVariant) map[string]any {
	return map[string]any{
		"id":       v.ID,
		"name":     v.Name,
		"weight":   v.Weight,
		"content":  rawOr(v.Content, "{}"),
		"position": v.Position,
	}
}

func abTestView(test store.ABTest) map[string]any {
	variants := make([]map[string]any, 0, len(test.Variants))
	for _, variant := range test.Variants {
		variants = append(variants, variantView(variant))
	}
	return map[string]any{
		"id":              test.ID,
		"siteId":          test.SiteID,
		"name":            test.Name,
		"goal":            test.Goal,
		"status":          test.Status,
		"winnerVariantId": test.WinnerVariantID,
		"variants":        variants,
		"createdBy":       test.CreatedBy,
		"createdAt":       test.CreatedAt,
		"startedAt":       test.StartedAt,
		"completedAt":     test.CompletedAt,
	}
}

func assignmentView(a abtest.Assignment) map[string]any {
	return map[string]any{
		"testId":  a.TestID,
		"variant": variantView(a.Variant),
		"winner":  a.Winner,
	}
}

func listView[T any](items []T, view func(T) map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, view(item))
	}
	return out
}
