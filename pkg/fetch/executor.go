package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"medscraper/pkg/config"
	errs "medscraper/pkg/errors"
	"medscraper/pkg/logger"
	"medscraper/pkg/proxy"
)

// Page is the result of one successful fetch.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
	Latency    time.Duration
}

// blockMarkers are anti-bot signals sniffed from response bodies. A page
// containing one is treated as blocked even when the status is 200.
var blockMarkers = []string{
	"captcha",
	"cf-browser-verification",
	"unusual traffic",
	"access denied",
	"sicherheitsüberprüfung",
}

// Executor performs single page fetches through proxy routes and reports
// every outcome to the pool.
type Executor struct {
	pool      *proxy.Pool
	timeout   time.Duration
	userAgent string
	logger    logger.Logger
}

// NewExecutor creates a fetch executor.
func NewExecutor(pool *proxy.Pool, cfg *config.FetchConfig, log logger.Logger) *Executor {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Executor{
		pool:      pool,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		logger:    log,
	}
}

// Fetch performs one GET for the page URL through the given route (nil for a
// direct connection) with a hard timeout. Connection-level errors get at
// most one transparent retry; HTTP error statuses never do. Every non-success
// outcome is reported to the pool as a route failure.
func (e *Executor) Fetch(ctx context.Context, pageURL string, route *proxy.Route) (*Page, error) {
	page, err := e.attempt(ctx, pageURL, route)
	if err != nil {
		var typed *errs.Error
		if errors.As(err, &typed) && typed.Type == errs.ErrorTypeNetwork {
			e.logger.DebugWithFields("retrying after connection error", map[string]interface{}{
				"url":   pageURL,
				"error": typed.Message,
			})
			page, err = e.attempt(ctx, pageURL, route)
		}
	}

	if route != nil {
		if err != nil {
			e.pool.ReportFailure(route, err.Error())
		} else {
			e.pool.ReportSuccess(route, page.Latency)
		}
	}

	return page, err
}

// attempt performs a single GET without retry.
func (e *Executor) attempt(ctx context.Context, pageURL string, route *proxy.Route) (*Page, error) {
	client, err := e.clientFor(route)
	if err != nil {
		return nil, err
	}
	defer client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, errs.Newf(errs.ErrorTypeNetwork, "invalid request: %v", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.5")

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)

	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Newf(errs.ErrorTypeNetwork, "reading response body: %v", err)
	}

	logger.LogFetch(req.URL.Host, 0, resp.StatusCode, latency)

	if blocked(resp.StatusCode, body) {
		return nil, errs.Newf(errs.ErrorTypeBlocked, "anti-bot challenge detected (HTTP %d)", resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errs.Error{
			Type:    errs.ErrorTypeHTTPStatus,
			Message: "unexpected status " + resp.Status,
			Code:    resp.StatusCode,
		}
	}

	return &Page{
		URL:        pageURL,
		StatusCode: resp.StatusCode,
		Body:       body,
		FetchedAt:  start,
		Latency:    latency,
	}, nil
}

// clientFor builds an HTTP client routed through the proxy, or a direct one
// when route is nil.
func (e *Executor) clientFor(route *proxy.Route) (*http.Client, error) {
	client := &http.Client{Timeout: e.timeout}

	if route != nil {
		proxyURL, err := url.Parse(route.Address())
		if err != nil {
			return nil, errs.Newf(errs.ErrorTypeNetwork, "invalid proxy address %q: %v", route.Address(), err)
		}
		client.Transport = &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		}
	}

	return client, nil
}

// classifyTransportError maps a transport failure onto the error taxonomy.
func classifyTransportError(err error) *errs.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(errs.ErrorTypeTimeout, "fetch timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.New(errs.ErrorTypeTimeout, "fetch timed out")
	}
	if errors.Is(err, context.Canceled) {
		return errs.Newf(errs.ErrorTypeNetwork, "fetch cancelled: %v", err)
	}
	return errs.Newf(errs.ErrorTypeNetwork, "connection error: %v", err)
}

// blocked sniffs an anti-bot challenge from the status code and body.
func blocked(statusCode int, body []byte) bool {
	if statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests {
		return true
	}
	lower := strings.ToLower(string(body))
	for _, marker := range blockMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
