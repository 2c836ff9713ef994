package proxy

import (
	"time"
)

// Health is the selection state of a route.
type Health string

const (
	Healthy     Health = "healthy"
	Degraded    Health = "degraded"
	Quarantined Health = "quarantined"
)

// Route represents one egress path. All mutation goes through the Pool's
// acquire/report API; workers never touch a route directly.
type Route struct {
	address string

	health          Health
	quarantineUntil time.Time
	quarantineCycle int

	successes int64
	failures  int64

	consecutiveSuccesses int
	consecutiveFailures  int
	failuresSinceDemoted int

	// latencyEMA is an exponential moving average, weight 0.2 for the
	// newest sample
	latencyEMA   time.Duration
	lastAcquired time.Time
}

func newRoute(address string) *Route {
	return &Route{
		address: address,
		health:  Healthy,
	}
}

// Address returns the route's proxy address.
func (r *Route) Address() string {
	return r.address
}

// successRate is the fraction of reported outcomes that succeeded.
// A route with no traffic yet scores a full success rate so it gets tried.
func (r *Route) successRate() float64 {
	total := r.successes + r.failures
	if total == 0 {
		return 1.0
	}
	return float64(r.successes) / float64(total)
}

// score weighs recent success rate against a normalized latency penalty.
func (r *Route) score(latencyReference time.Duration) float64 {
	penalty := 0.0
	if latencyReference > 0 && r.latencyEMA > 0 {
		penalty = float64(r.latencyEMA) / float64(latencyReference)
		if penalty > 1.0 {
			penalty = 1.0
		}
	}
	return r.successRate() - penalty
}

// observeLatency folds a new sample into the moving average.
func (r *Route) observeLatency(sample time.Duration) {
	if r.latencyEMA == 0 {
		r.latencyEMA = sample
		return
	}
	r.latencyEMA = time.Duration(0.2*float64(sample) + 0.8*float64(r.latencyEMA))
}

// Stats is a read-only snapshot of one route's state.
type Stats struct {
	Address         string        `json:"address"`
	Health          Health        `json:"health"`
	SuccessRate     float64       `json:"success_rate"`
	Latency         time.Duration `json:"latency"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	QuarantineUntil *time.Time    `json:"quarantine_until,omitempty"`
}
