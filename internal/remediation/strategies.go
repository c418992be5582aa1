package remediation

const (
	ActionRollbackSiteVersion     = "rollback_site_version"
	ActionDisableFailingWorkflows = "disable_failing_workflows"
	ActionNotifySiteOwner         = "notify_site_owner"
	ActionPurgeCDNCache           = "purge_cdn_cache"
	ActionClearBuildCache         = "clear_build_cache"
	ActionScaleBuildWorkers       = "scale_build_workers"
	ActionRestartOrigin           = "restart_origin"
)

// Strategy is an ordered list of actions that either all succeed or stop at
// the first failure.
type Strategy struct {
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

type strategyKey struct {
	metric string
	cause  string
}

const anyMetric = "*"

var strategyTable = map[strategyKey][]Strategy{
	{anyMetric, CauseBadDeploy}: {
		{Name: "rollback_release", Actions: []string{ActionRollbackSiteVersion, ActionPurgeCDNCache, ActionNotifySiteOwner}},
		{Name: "purge_caches", Actions: []string{ActionPurgeCDNCache, ActionClearBuildCache}},
	},
	{anyMetric, CauseHeavyAssets}: {
		{Name: "refresh_asset_caches", Actions: []string{ActionClearBuildCache, ActionPurgeCDNCache}},
		{Name: "ask_owner_to_optimise", Actions: []string{ActionNotifySiteOwner}},
	},
	{anyMetric, CauseCDNCacheMiss}: {
		{Name: "purge_cdn", Actions: []string{ActionPurgeCDNCache}},
		{Name: "rebuild_and_purge", Actions: []string{ActionClearBuildCache, ActionPurgeCDNCache}},
	},
	{anyMetric, CauseOriginOverload}: {
		{Name: "scale_out", Actions: []string{ActionScaleBuildWorkers}},
		{Name: "restart_origin", Actions: []string{ActionRestartOrigin}},
	},
	{anyMetric, CauseWorkflowFailures}: {
		{Name: "disable_workflows", Actions: []string{ActionDisableFailingWorkflows, ActionNotifySiteOwner}},
	},
	{anyMetric, CauseOriginDown}: {
		{Name: "restart_origin", Actions: []string{ActionRestartOrigin}},
		{Name: "rollback_release", Actions: []string{ActionRollbackSiteVersion, ActionRestartOrigin}},
	},
	{MetricErrorRate, CauseBadDeploy}: {
		{Name: "rollback_release", Actions: []string{ActionRollbackSiteVersion, ActionNotifySiteOwner}},
		{Name: "disable_workflows", Actions: []string{ActionDisableFailingWorkflows}},
	},
}

// Strategies returns the ordered strategies for a metric and cause, falling
// back to the cause's metric-independent entry.
func Strategies(metric, cause string) []Strategy {
	if list, ok := strategyTable[strategyKey{metric, cause}]; ok {
		return list
	}
	return strategyTable[strategyKey{anyMetric, cause}]
}

// SelectStrategy picks the first strategy whose name has not been attempted.
func SelectStrategy(metric, cause string, attempted map[string]bool) (Strategy, bool) {
	for _, strategy := range Strategies(metric, cause) {
		if !attempted[strategy.Name] {
			return strategy, true
		}
	}
	return Strategy{}, false
}
