package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Prober performs a lightweight liveness check against a route.
type Prober interface {
	Probe(address string) error
}

// probeURLs are public IP echo endpoints used to verify a route can carry
// traffic end to end.
var probeURLs = []string{
	"http://httpbin.org/ip",
	"http://ifconfig.me/ip",
	"https://api.ipify.org?format=json",
}

// httpProber issues one GET through the proxy address.
type httpProber struct {
	timeout time.Duration
}

func newHTTPProber(timeout time.Duration) *httpProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpProber{timeout: timeout}
}

func (hp *httpProber) Probe(address string) error {
	proxyURL, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("invalid proxy address: %w", err)
	}

	client := &http.Client{
		Timeout: hp.timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	defer client.CloseIdleConnections()

	// one working echo endpoint is enough; fall through the list so a dead
	// endpoint does not condemn a healthy route
	var lastErr error
	for _, probeURL := range probeURLs {
		resp, err := client.Get(probeURL)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		lastErr = fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
	}
	return lastErr
}

// CheckRoute runs one liveness probe against a proxy address and returns
// how long it took. Used by the CLI for ad-hoc route checks.
func CheckRoute(address string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	err := newHTTPProber(timeout).Probe(address)
	return time.Since(start), err
}

// StartProbing launches the background health probe loop. Quarantined routes
// whose window has elapsed get one liveness check per cycle; on success they
// return to degraded, not healthy, so real traffic has to earn back trust.
func (p *Pool) StartProbing() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.probeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.probeQuarantined()
			case <-p.stopChan:
				return
			}
		}
	}()

	p.logger.InfoWithFields("proxy health probe started", map[string]interface{}{
		"interval": p.probeInterval,
	})
}

// Stop terminates the probe loop and waits for it to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
}

// probeQuarantined checks every quarantined route whose window has elapsed.
func (p *Pool) probeQuarantined() {
	p.mu.Lock()
	now := p.now()
	var due []*Route
	for _, r := range p.routes {
		if r.health == Quarantined && !now.Before(r.quarantineUntil) {
			due = append(due, r)
		}
	}
	p.mu.Unlock()

	for _, route := range due {
		err := p.prober.Probe(route.address)

		p.mu.Lock()
		if route.health != Quarantined {
			p.mu.Unlock()
			continue
		}
		if err != nil {
			// Still dead; push the window out by another backoff cycle
			p.quarantineLocked(route, err.Error())
			p.mu.Unlock()
			continue
		}

		route.health = Degraded
		route.consecutiveFailures = 0
		route.consecutiveSuccesses = 0
		route.failuresSinceDemoted = 0
		p.mu.Unlock()

		logger := p.logger.WithField("route", route.address)
		logger.Info("quarantined route passed liveness probe, returning to degraded")
	}
}
