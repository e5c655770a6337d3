// Package metrics exposes Prometheus collectors for the protocol engine.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry at zero cost.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache lookup results
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheExpired = "expired"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	inFlight         prometheus.Gauge
	creditsAvailable prometheus.Gauge
	creditWait       prometheus.Histogram
	unmatched        prometheus.Counter
	cancels          prometheus.Counter
	signatureFails   prometheus.Counter
	poolConns        prometheus.Gauge
	dfsLookups       *prometheus.CounterVec
	dfsReferrals     *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbwire_requests_total",
				Help: "Completed SMB requests by command and final status",
			},
			[]string{"command", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "smbwire_request_duration_milliseconds",
				Help: "Round trip time of SMB requests in milliseconds",
				Buckets: []float64{
					0.5, // loopback
					1,
					5,
					10,
					50,
					100,
					500,
					1000,
					5000, // slow async operations
				},
			},
			[]string{"command"},
		),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "smbwire_requests_in_flight",
			Help: "Requests sent and awaiting a response",
		}),
		creditsAvailable: f.NewGauge(prometheus.GaugeOpts{
			Name: "smbwire_credits_available",
			Help: "Credits currently available for new requests",
		}),
		creditWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "smbwire_credit_wait_milliseconds",
			Help:    "Time spent waiting for credits before sending",
			Buckets: []float64{0.01, 0.1, 1, 10, 100, 1000},
		}),
		unmatched: f.NewCounter(prometheus.CounterOpts{
			Name: "smbwire_unmatched_responses_total",
			Help: "Responses dropped because no request was waiting for them",
		}),
		cancels: f.NewCounter(prometheus.CounterOpts{
			Name: "smbwire_cancels_total",
			Help: "Requests cancelled by timeout or by the caller",
		}),
		signatureFails: f.NewCounter(prometheus.CounterOpts{
			Name: "smbwire_signature_failures_total",
			Help: "Responses that failed signature verification",
		}),
		poolConns: f.NewGauge(prometheus.GaugeOpts{
			Name: "smbwire_pool_connections",
			Help: "Open connections held by the pool",
		}),
		dfsLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbwire_dfs_cache_lookups_total",
				Help: "DFS referral cache lookups by result",
			},
			[]string{"result"}, // hit, miss, expired
		),
		dfsReferrals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smbwire_dfs_referrals_total",
				Help: "DFS referral requests sent to servers by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveRequest records a finished request.
func (m *Metrics) ObserveRequest(command, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command, status).Inc()
	m.requestDuration.WithLabelValues(command).Observe(float64(d.Microseconds()) / 1000.0)
}

// InFlight adjusts the in-flight gauge by delta.
func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}

// SetCredits records the current credit balance.
func (m *Metrics) SetCredits(n int) {
	if m == nil {
		return
	}
	m.creditsAvailable.Set(float64(n))
}

// ObserveCreditWait records how long a sender waited for credits.
func (m *Metrics) ObserveCreditWait(d time.Duration) {
	if m == nil {
		return
	}
	m.creditWait.Observe(float64(d.Microseconds()) / 1000.0)
}

// Unmatched counts a dropped response.
func (m *Metrics) Unmatched() {
	if m == nil {
		return
	}
	m.unmatched.Inc()
}

// Cancelled counts a cancelled request.
func (m *Metrics) Cancelled() {
	if m == nil {
		return
	}
	m.cancels.Inc()
}

// SignatureFailure counts a response that failed verification.
func (m *Metrics) SignatureFailure() {
	if m == nil {
		return
	}
	m.signatureFails.Inc()
}

// SetPoolConnections records the pool size.
func (m *Metrics) SetPoolConnections(n int) {
	if m == nil {
		return
	}
	m.poolConns.Set(float64(n))
}

// CacheLookup counts a DFS cache lookup result.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.dfsLookups.WithLabelValues(result).Inc()
}

// Referral counts a referral request outcome ("ok" or an error class).
func (m *Metrics) Referral(outcome string) {
	if m == nil {
		return
	}
	m.dfsReferrals.WithLabelValues(outcome).Inc()
}
