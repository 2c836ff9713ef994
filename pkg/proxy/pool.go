package proxy

import (
	"sync"
	"time"

	"medscraper/pkg/config"
	errs "medscraper/pkg/errors"
	"medscraper/pkg/logger"
)

const (
	// Two consecutive failures demote a healthy route; two more while
	// degraded quarantine it.
	healthyFailureLimit  = 2
	degradedFailureLimit = 2

	// Three consecutive successes promote a degraded route back to healthy.
	promotionSuccessLimit = 3
)

// ErrNoneAvailable is returned by Acquire when every route is quarantined.
// Callers must surface a retryable failure upward, never spin.
var ErrNoneAvailable = errs.New(errs.ErrorTypeProxyExhausted, "no proxy routes available")

// Pool owns the route table and is the sole mutation gateway for route
// health. Selection prefers healthy routes by score, falls back to degraded
// ones, and never picks a quarantined route before its window elapses.
type Pool struct {
	routes []*Route
	mu     sync.Mutex

	quarantineBase   time.Duration
	quarantineCap    time.Duration
	latencyReference time.Duration
	probeInterval    time.Duration

	prober Prober
	logger logger.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now is swappable for tests
	now func() time.Time
}

// NewPool creates a pool with one healthy route per configured address.
func NewPool(cfg *config.ProxyConfig, log logger.Logger) *Pool {
	if log == nil {
		log = logger.GetLogger()
	}

	p := &Pool{
		quarantineBase:   cfg.QuarantineBase,
		quarantineCap:    cfg.QuarantineCap,
		latencyReference: cfg.LatencyReference,
		probeInterval:    cfg.ProbeInterval,
		prober:           newHTTPProber(cfg.ProbeTimeout),
		logger:           log,
		stopChan:         make(chan struct{}),
		now:              time.Now,
	}

	for _, addr := range cfg.Routes {
		p.routes = append(p.routes, newRoute(addr))
	}

	return p
}

// SetProber replaces the liveness prober. Intended for tests.
func (p *Pool) SetProber(prober Prober) {
	p.prober = prober
}

// Size returns the number of routes in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.routes)
}

// Acquire selects the best route for one outbound fetch. Healthy routes are
// preferred; if none exist, degraded routes are considered under the same
// scoring rule. Returns ErrNoneAvailable when everything is quarantined.
// Never blocks waiting for a route to recover.
func (p *Pool) Acquire() (*Route, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if best := p.bestLocked(Healthy); best != nil {
		best.lastAcquired = p.now()
		return best, nil
	}
	if best := p.bestLocked(Degraded); best != nil {
		best.lastAcquired = p.now()
		return best, nil
	}

	return nil, ErrNoneAvailable
}

// bestLocked picks the highest-scoring route in the given health state,
// breaking ties toward the least recently acquired route to spread load.
func (p *Pool) bestLocked(health Health) *Route {
	var best *Route
	var bestScore float64

	for _, r := range p.routes {
		if r.health != health {
			continue
		}
		score := r.score(p.latencyReference)
		if best == nil || score > bestScore ||
			(score == bestScore && r.lastAcquired.Before(best.lastAcquired)) {
			best = r
			bestScore = score
		}
	}

	return best
}

// ReportSuccess records a successful fetch through the route.
// Three consecutive successes promote a degraded route back to healthy.
func (p *Pool) ReportSuccess(route *Route, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	route.successes++
	route.consecutiveSuccesses++
	route.consecutiveFailures = 0
	route.observeLatency(latency)

	if route.health == Degraded && route.consecutiveSuccesses >= promotionSuccessLimit {
		route.health = Healthy
		route.failuresSinceDemoted = 0
		route.quarantineCycle = 0
		logger.LogRouteStateChange(route.address, string(Degraded), string(Healthy), "consecutive successes")
	}
}

// ReportFailure records a failed fetch through the route and demotes it when
// the consecutive-failure thresholds are crossed.
func (p *Pool) ReportFailure(route *Route, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	route.failures++
	route.consecutiveFailures++
	route.consecutiveSuccesses = 0

	switch route.health {
	case Healthy:
		if route.consecutiveFailures >= healthyFailureLimit {
			route.health = Degraded
			route.failuresSinceDemoted = 0
			logger.LogRouteStateChange(route.address, string(Healthy), string(Degraded), reason)
		}
	case Degraded:
		route.failuresSinceDemoted++
		if route.failuresSinceDemoted >= degradedFailureLimit {
			p.quarantineLocked(route, reason)
		}
	}
}

// quarantineLocked moves the route into quarantine with a backoff that
// doubles per consecutive quarantine cycle up to the configured cap.
func (p *Pool) quarantineLocked(route *Route, reason string) {
	backoff := p.quarantineBase << route.quarantineCycle
	if backoff > p.quarantineCap || backoff <= 0 {
		backoff = p.quarantineCap
	}
	route.quarantineCycle++

	route.health = Quarantined
	route.quarantineUntil = p.now().Add(backoff)
	route.failuresSinceDemoted = 0

	p.logger.WarnWithFields("proxy route quarantined", map[string]interface{}{
		"route":   route.address,
		"reason":  reason,
		"backoff": backoff,
		"until":   route.quarantineUntil,
	})
}

// GetStats returns a snapshot of every route's health and performance.
func (p *Pool) GetStats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]Stats, 0, len(p.routes))
	for _, r := range p.routes {
		s := Stats{
			Address:     r.address,
			Health:      r.health,
			SuccessRate: r.successRate(),
			Latency:     r.latencyEMA,
			Successes:   r.successes,
			Failures:    r.failures,
		}
		if r.health == Quarantined {
			until := r.quarantineUntil
			s.QuarantineUntil = &until
		}
		stats = append(stats, s)
	}
	return stats
}
