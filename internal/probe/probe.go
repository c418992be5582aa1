// Package probe measures page load times of published sites with headless Chrome.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

var ErrBrowserMissing = errors.New("no chromium binary found")

type Result struct {
	URL      string        `json:"url"`
	LoadTime time.Duration `json:"loadTime"`
	TTFB     time.Duration `json:"ttfb"`
}

// Prober loads a URL and reports its timings.
type Prober interface {
	Probe(ctx context.Context, target string) (Result, error)
}

type ChromeProber struct {
	timeout time.Duration
}

func NewChromeProber(timeout time.Duration) *ChromeProber {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromeProber{timeout: timeout}
}

func findBrowser() (string, error) {
	for _, name := range []string{"chromium-browser", "chromium", "google-chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrBrowserMissing
}

const timingScript = `(() => {
	const t = performance.timing;
	return {load: t.loadEventEnd - t.navigationStart, ttfb: t.responseStart - t.navigationStart};
})()`

type timing struct {
	Load float64 `json:"load"`
	TTFB float64 `json:"ttfb"`
}

// Probe navigates with the HTTP cache disabled and waits for the load event.
func (p *ChromeProber) Probe(ctx context.Context, target string) (Result, error) {
	browser, err := findBrowser()
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(browser),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	var loaded bool
	var measured timing
	err = chromedp.Run(taskCtx,
		network.Enable(),
		network.SetCacheDisabled(true),
		chromedp.Navigate(target),
		chromedp.Poll(`performance.timing.loadEventEnd > 0`, &loaded, chromedp.WithPollingInterval(100*time.Millisecond)),
		chromedp.Evaluate(timingScript, &measured),
	)
	if err != nil {
		return Result{}, fmt.Errorf("probe %s: %w", target, err)
	}
	return Result{
		URL:      target,
		LoadTime: time.Duration(measured.Load) * time.Millisecond,
		TTFB:     time.Duration(measured.TTFB) * time.Millisecond,
	}, nil
}
