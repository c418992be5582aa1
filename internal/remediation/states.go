// Package remediation turns SLA violations into analysed, remediated or
// escalated incidents.
package remediation

import (
	"errors"
	"fmt"
)

const (
	StatusOpen        = "open"
	StatusAnalyzing   = "analyzing"
	StatusRemediating = "remediating"
	StatusEscalated   = "escalated"
	StatusResolved    = "resolved"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"

	MaxEscalationLevel = 3
)

const (
	MetricPageLoad     = "page_load"
	MetricTTFB         = "ttfb"
	MetricErrorRate    = "error_rate"
	MetricAvailability = "availability"
)

var (
	ErrInvalidTransition = errors.New("invalid violation transition")
	ErrUnknownMetric     = errors.New("unknown metric")
	ErrNotViolating      = errors.New("observed value is within the threshold")
	ErrMaxEscalation     = errors.New("violation is already at the highest escalation level")
)

var transitions = map[string][]string{
	StatusOpen:        {StatusAnalyzing, StatusEscalated, StatusResolved},
	StatusAnalyzing:   {StatusOpen, StatusRemediating, StatusEscalated, StatusResolved},
	StatusRemediating: {StatusResolved, StatusEscalated},
	StatusEscalated:   {StatusRemediating, StatusEscalated, StatusResolved},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// lowerIsWorse marks metrics where falling under the threshold is the violation.
var lowerIsWorse = map[string]bool{MetricAvailability: true}

func KnownMetric(metric string) bool {
	switch metric {
	case MetricPageLoad, MetricTTFB, MetricErrorRate, MetricAvailability:
		return true
	}
	return false
}

// Ratio is how far the observed value is past the threshold, always >= 1 for a
// violation regardless of the metric's direction.
func Ratio(metric string, observed, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	if lowerIsWorse[metric] {
		if observed <= 0 {
			return 10
		}
		return threshold / observed
	}
	return observed / threshold
}

// Severity grades the observed/threshold ratio.
func Severity(ratio float64) string {
	switch {
	case ratio >= 2.0:
		return SeverityCritical
	case ratio >= 1.5:
		return SeverityHigh
	case ratio >= 1.2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
