package probe

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitecraft/api/internal/remediation"
	"sitecraft/api/internal/store"
)

type fakeSites struct {
	sites []store.Site
	err   error
}

func (f fakeSites) ListPublishedSites(context.Context) ([]store.Site, error) {
	return f.sites, f.err
}

type fakeProber struct {
	mu      sync.Mutex
	timings map[string]time.Duration
	fail    map[string]error
	probed  []string
}

func (f *fakeProber) Probe(_ context.Context, target string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, target)
	if err := f.fail[target]; err != nil {
		return Result{}, err
	}
	return Result{URL: target, LoadTime: f.timings[target], TTFB: 120 * time.Millisecond}, nil
}

type fakeReporter struct {
	mu         sync.Mutex
	reports    []remediation.Report
	existing   map[string]bool
	remediated []string
}

func (f *fakeReporter) Report(_ context.Context, report remediation.Report) (store.SLAViolation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	violation := store.SLAViolation{ID: "vio_" + report.SiteID, SiteID: report.SiteID, Metric: report.Metric, Status: remediation.StatusOpen}
	return violation, !f.existing[report.SiteID], nil
}

func (f *fakeReporter) Remediate(_ context.Context, violationID string) (store.SLAViolation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remediated = append(f.remediated, violationID)
	return store.SLAViolation{ID: violationID, Status: remediation.StatusResolved}, nil
}

func TestSiteURL(t *testing.T) {
	assert.Equal(t, "https://acme.test", siteURL(" acme.test "))
	assert.Equal(t, "http://localhost:8080", siteURL("http://localhost:8080"))
}

func TestMonitorReportsSlowSites(t *testing.T) {
	sites := fakeSites{sites: []store.Site{
		{ID: "site_fast", Domain: "fast.test"},
		{ID: "site_slow", Domain: "slow.test"},
		{ID: "site_nodomain"},
		{ID: "site_broken", Domain: "broken.test"},
	}}
	prober := &fakeProber{
		timings: map[string]time.Duration{
			"https://fast.test": 800 * time.Millisecond,
			"https://slow.test": 4500 * time.Millisecond,
		},
		fail: map[string]error{"https://broken.test": errors.New("net::ERR_NAME_NOT_RESOLVED")},
	}
	reporter := &fakeReporter{}
	monitor := NewMonitor(sites, prober, reporter, 3*time.Second, 0)

	opened := monitor.RunOnce(context.Background())

	require.Len(t, opened, 1)
	assert.Equal(t, remediation.StatusResolved, opened[0].Status)
	assert.ElementsMatch(t, []string{"https://fast.test", "https://slow.test", "https://broken.test"}, prober.probed)

	require.Len(t, reporter.reports, 1)
	report := reporter.reports[0]
	assert.Equal(t, "site_slow", report.SiteID)
	assert.Equal(t, remediation.MetricPageLoad, report.Metric)
	assert.Equal(t, 4500.0, report.Observed)
	assert.Equal(t, 3000.0, report.Threshold)

	var details map[string]any
	require.NoError(t, json.Unmarshal(report.Details, &details))
	assert.Equal(t, "https://slow.test", details["url"])
	assert.EqualValues(t, 120, details["ttfbMs"])
	assert.Equal(t, []string{"vio_site_slow"}, reporter.remediated)
}

func TestMonitorSkipsRemediationForKnownViolation(t *testing.T) {
	sites := fakeSites{sites: []store.Site{{ID: "site_slow", Domain: "slow.test"}}}
	prober := &fakeProber{timings: map[string]time.Duration{"https://slow.test": 5 * time.Second}}
	reporter := &fakeReporter{existing: map[string]bool{"site_slow": true}}

	opened := NewMonitor(sites, prober, reporter, 3*time.Second, 0).RunOnce(context.Background())

	assert.Empty(t, opened)
	assert.Len(t, reporter.reports, 1)
	assert.Empty(t, reporter.remediated)
}

func TestMonitorListFailure(t *testing.T) {
	monitor := NewMonitor(fakeSites{err: errors.New("db down")}, &fakeProber{}, &fakeReporter{}, 0, 0)
	assert.Nil(t, monitor.RunOnce(context.Background()))
}

func TestRunWithZeroIntervalReturns(t *testing.T) {
	monitor := NewMonitor(fakeSites{}, &fakeProber{}, &fakeReporter{}, 0, 0)
	done := make(chan struct{})
	go func() {
		monitor.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when disabled")
	}
}
