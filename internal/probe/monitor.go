package probe

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sitecraft/api/internal/remediation"
	"sitecraft/api/internal/store"
)

type SiteLister interface {
	ListPublishedSites(ctx context.Context) ([]store.Site, error)
}

// Reporter is implemented by remediation.Service.
type Reporter interface {
	Report(ctx context.Context, report remediation.Report) (store.SLAViolation, bool, error)
	Remediate(ctx context.Context, violationID string) (store.SLAViolation, error)
}

// Monitor probes every published site that has a domain and reports slow ones.
type Monitor struct {
	sites       SiteLister
	prober      Prober
	reporter    Reporter
	threshold   time.Duration
	interval    time.Duration
	concurrency int
}

func NewMonitor(sites SiteLister, prober Prober, reporter Reporter, threshold, interval time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = 3 * time.Second
	}
	return &Monitor{sites: sites, prober: prober, reporter: reporter, threshold: threshold, interval: interval, concurrency: 2}
}

// Run probes on every interval; a zero interval disables the monitor.
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

func siteURL(domain string) string {
	domain = strings.TrimSpace(domain)
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return domain
	}
	return "https://" + domain
}

// RunOnce returns the violations opened by this pass.
func (m *Monitor) RunOnce(ctx context.Context) []store.SLAViolation {
	sites, err := m.sites.ListPublishedSites(ctx)
	if err != nil {
		log.Printf("probe: list published sites: %v", err)
		return nil
	}

	var mu sync.Mutex
	opened := make([]store.SLAViolation, 0)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.concurrency)
	for _, site := range sites {
		if strings.TrimSpace(site.Domain) == "" {
			continue
		}
		site := site
		group.Go(func() error {
			violation, created := m.check(groupCtx, site)
			if created {
				mu.Lock()
				opened = append(opened, violation)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return opened
}

func (m *Monitor) check(ctx context.Context, site store.Site) (store.SLAViolation, bool) {
	target := siteURL(site.Domain)
	result, err := m.prober.Probe(ctx, target)
	if err != nil {
		if !errors.Is(err, ErrBrowserMissing) {
			log.Printf("probe: %s: %v", target, err)
		}
		return store.SLAViolation{}, false
	}
	if result.LoadTime <= m.threshold {
		return store.SLAViolation{}, false
	}

	details, _ := json.Marshal(map[string]any{
		"url":    target,
		"ttfbMs": result.TTFB.Milliseconds(),
		"source": "probe",
	})
	violation, created, err := m.reporter.Report(ctx, remediation.Report{
		SiteID:    site.ID,
		Metric:    remediation.MetricPageLoad,
		Observed:  float64(result.LoadTime.Milliseconds()),
		Threshold: float64(m.threshold.Milliseconds()),
		Details:   details,
	})
	if err != nil {
		log.Printf("probe: report %s: %v", site.ID, err)
		return store.SLAViolation{}, false
	}
	if !created {
		return violation, false
	}
	if remediated, err := m.reporter.Remediate(ctx, violation.ID); err != nil {
		log.Printf("probe: remediate %s: %v", violation.ID, err)
	} else {
		violation = remediated
	}
	return violation, true
}
