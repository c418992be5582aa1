package app

import (
	"errors"
	"fmt"
	"net/http"

	"sitecraft/api/internal/abtest"
	"sitecraft/api/internal/assets"
	"sitecraft/api/internal/auth"
	"sitecraft/api/internal/crm"
	"sitecraft/api/internal/remediation"
	"sitecraft/api/internal/store"
	"sitecraft/api/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

type errorMapping struct {
	err    error
	status int
	code   string
	// message is the client-facing text; empty means the error's own text.
	message string
}

// errorTable is checked in order with errors.Is.
var errorTable = []errorMapping{
	{auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{assets.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{store.ErrConflict, http.StatusConflict, "CONFLICT", "Conflict"},

	{workflow.ErrInvalidDefinition, http.StatusUnprocessableEntity, "INVALID_WORKFLOW", ""},
	{workflow.ErrNameRequired, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{workflow.ErrUnknownEventType, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{workflow.ErrWebhookDisabled, http.StatusNotFound, "WEBHOOK_DISABLED", ""},

	{crm.ErrInvalidEmail, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{crm.ErrInvalidStatus, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{crm.ErrInvalidCampaign, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{crm.ErrInvalidSchedule, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{crm.ErrInvalidTarget, http.StatusBadRequest, "INVALID_TARGET", ""},
	{crm.ErrCampaignState, http.StatusConflict, "INVALID_STATE", ""},

	{remediation.ErrInvalidReport, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{remediation.ErrUnknownMetric, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{remediation.ErrNotViolating, http.StatusUnprocessableEntity, "NOT_VIOLATING", ""},
	{remediation.ErrAlreadyResolved, http.StatusConflict, "INVALID_STATE", ""},
	{remediation.ErrBusy, http.StatusConflict, "INVALID_STATE", ""},
	{remediation.ErrInvalidTransition, http.StatusConflict, "INVALID_STATE", ""},
	{remediation.ErrMaxEscalation, http.StatusConflict, "MAX_ESCALATION", ""},

	{abtest.ErrInvalidTest, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{abtest.ErrVisitorNeeded, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ""},
	{abtest.ErrTestState, http.StatusConflict, "INVALID_STATE", ""},
	{abtest.ErrNotRunning, http.StatusConflict, "NOT_RUNNING", ""},

	{assets.ErrInvalidAsset, http.StatusUnprocessableEntity, "INVALID_ASSET", ""},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, mapping := range errorTable {
		if errors.Is(err, mapping.err) {
			message := mapping.message
			if message == "" {
				message = err.Error()
			}
			return mapping.status, mapping.code, message, nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
