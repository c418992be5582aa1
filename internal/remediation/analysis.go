package remediation

import (
	"fmt"
	"math"
	"sort"
)

const (
	CauseBadDeploy        = "bad_deploy"
	CauseHeavyAssets      = "heavy_assets"
	CauseOriginOverload   = "origin_overload"
	CauseCDNCacheMiss     = "cdn_cache_miss"
	CauseWorkflowFailures = "workflow_failures"
	CauseOriginDown       = "origin_down"
)

const (
	featureRatioExcess      = "ratio_excess"
	featureRecurrence       = "recurrence"
	featureRecentPublish    = "recent_publish"
	featureWorkflowFailures = "workflow_failures"
)

// Signals are the raw facts collected for a violation before scoring.
type Signals struct {
	Ratio            float64
	RecentViolations int  // same site and metric in the last 24h, this one excluded
	PublishedRecent  bool // site published within the hour before detection
	WorkflowFailures int  // failed executions of the site's workflows in the last hour
}

// features maps signals into [0,1].
func (s Signals) features() map[string]float64 {
	publish := 0.0
	if s.PublishedRecent {
		publish = 1
	}
	return map[string]float64{
		featureRatioExcess:      clamp01((s.Ratio - 1) / 2),
		featureRecurrence:       clamp01(float64(s.RecentViolations) / 5),
		featureRecentPublish:    publish,
		featureWorkflowFailures: clamp01(float64(s.WorkflowFailures) / 5),
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

type weight struct {
	feature string
	value   float64
}

// Weights are summed in declaration order so scores are reproducible.
type cause struct {
	name    string
	prior   float64
	weights []weight
}

var causeTable = map[string][]cause{
	MetricPageLoad: {
		{CauseBadDeploy, 0.10, []weight{{featureRecentPublish, 0.80}, {featureRatioExcess, 0.20}}},
		{CauseHeavyAssets, 0.25, []weight{{featureRatioExcess, 0.50}, {featureRecurrence, 0.20}}},
		{CauseCDNCacheMiss, 0.20, []weight{{featureRatioExcess, 0.15}, {featureRecurrence, -0.10}}},
		{CauseOriginOverload, 0.10, []weight{{featureRecurrence, 0.50}, {featureRatioExcess, 0.10}}},
	},
	MetricTTFB: {
		{CauseOriginOverload, 0.20, []weight{{featureRecurrence, 0.50}, {featureRatioExcess, 0.30}}},
		{CauseCDNCacheMiss, 0.25, []weight{{featureRatioExcess, 0.20}}},
		{CauseBadDeploy, 0.10, []weight{{featureRecentPublish, 0.80}}},
	},
	MetricErrorRate: {
		{CauseBadDeploy, 0.15, []weight{{featureRecentPublish, 0.80}, {featureRatioExcess, 0.10}}},
		{CauseWorkflowFailures, 0.10, []weight{{featureWorkflowFailures, 0.90}}},
		{CauseOriginOverload, 0.15, []weight{{featureRecurrence, 0.40}, {featureRatioExcess, 0.20}}},
	},
	MetricAvailability: {
		{CauseOriginDown, 0.30, []weight{{featureRatioExcess, 0.40}, {featureRecurrence, 0.20}}},
		{CauseBadDeploy, 0.10, []weight{{featureRecentPublish, 0.90}}},
		{CauseOriginOverload, 0.10, []weight{{featureRecurrence, 0.40}}},
	},
}

// Evidence explains one feature's contribution to the winning cause.
type Evidence struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Note         string  `json:"note"`
}

type Analysis struct {
	RootCause  string             `json:"rootCause"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`
	Evidence   []Evidence         `json:"evidence"`
}

// Analyze scores every candidate cause of the metric as prior + Σ weight·feature
// and normalises the scores into a confidence for the best one. Ties go to the
// cause listed first.
func Analyze(metric string, signals Signals) (Analysis, error) {
	candidates, ok := causeTable[metric]
	if !ok {
		return Analysis{}, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	features := signals.features()

	scores := make(map[string]float64, len(candidates))
	total := 0.0
	best := -1
	bestScore := 0.0
	for i, candidate := range candidates {
		score := candidate.prior
		for _, w := range candidate.weights {
			score += w.value * features[w.feature]
		}
		score = math.Max(score, 0)
		scores[candidate.name] = round3(score)
		total += score
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}

	winner := candidates[best]
	confidence := 0.0
	if total > 0 {
		confidence = bestScore / total
	}
	return Analysis{
		RootCause:  winner.name,
		Confidence: round3(confidence),
		Scores:     scores,
		Evidence:   explain(winner, features, signals),
	}, nil
}

func explain(winner cause, features map[string]float64, signals Signals) []Evidence {
	evidence := make([]Evidence, 0, len(winner.weights))
	for _, w := range winner.weights {
		value := features[w.feature]
		if value == 0 {
			continue
		}
		evidence = append(evidence, Evidence{
			Feature:      w.feature,
			Value:        round3(value),
			Weight:       w.value,
			Contribution: round3(w.value * value),
			Note:         note(w.feature, signals),
		})
	}
	sort.Slice(evidence, func(i, j int) bool {
		if evidence[i].Contribution != evidence[j].Contribution {
			return evidence[i].Contribution > evidence[j].Contribution
		}
		return evidence[i].Feature < evidence[j].Feature
	})
	return evidence
}

func note(feature string, signals Signals) string {
	switch feature {
	case featureRatioExcess:
		return fmt.Sprintf("observed value is %.2fx the threshold", signals.Ratio)
	case featureRecurrence:
		return fmt.Sprintf("%d similar violations in the last 24h", signals.RecentViolations)
	case featureRecentPublish:
		return "site was published within the hour before detection"
	case featureWorkflowFailures:
		return fmt.Sprintf("%d failed workflow executions in the last hour", signals.WorkflowFailures)
	}
	return ""
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
