package core

// Network Metrics & Adaptive Timer (C2): observes peer latency, derives
// commit/reveal durations and jitter. Grounded on the teacher's
// fault_tolerance.go EWMA peer-health checker, generalised from a single
// RTT score per peer to the full rolling-window percentile model the spec
// requires, and on system_health_logging.go's Prometheus registration idiom.

import (
	"crypto/rand"
	"math"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsWindow       = 20
	metricsRecomputeMin = 60 * time.Second
	roundSafetyDefault  = 1.5
	roundMinDuration    = 15 * time.Second
	roundMaxDuration    = 45 * time.Second
	roundJitterFraction = 0.10
)

// Status classifies a peer's recent health.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusUnstable Status = "unstable"
)

func statusFactor(s Status) float64 {
	switch s {
	case StatusDegraded:
		return 1.2
	case StatusUnstable:
		return 1.5
	default:
		return 1.0
	}
}

type peerSamples struct {
	latenciesMs []float64
	successes   []bool

	lastComputed time.Time
	p50, p90, p95, p99 float64
	reliability        float64
	status             Status
}

// NetworkMetrics tracks per-peer latency/success windows and derives the
// adaptive commit/reveal durations used by the round engine.
type NetworkMetrics struct {
	mu    sync.RWMutex
	peers map[NodeID]*peerSamples

	safety float64

	latencyGauge *prometheus.GaugeVec
	statusGauge  *prometheus.GaugeVec
}

// NewNetworkMetrics constructs the metrics tracker. reg may be nil to skip
// Prometheus registration (e.g. in tests).
func NewNetworkMetrics(reg prometheus.Registerer, safety float64) *NetworkMetrics {
	if safety <= 0 {
		safety = roundSafetyDefault
	}
	m := &NetworkMetrics{
		peers:  make(map[NodeID]*peerSamples),
		safety: safety,
		latencyGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qnet_peer_latency_p90_ms",
			Help: "p90 latency per peer in milliseconds.",
		}, []string{"peer"}),
		statusGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qnet_peer_status",
			Help: "Peer status: 0=healthy 1=degraded 2=unstable.",
		}, []string{"peer"}),
	}
	if reg != nil {
		reg.MustRegister(m.latencyGauge, m.statusGauge)
	}
	return m
}

func (m *NetworkMetrics) samplesFor(node NodeID) *peerSamples {
	ps, ok := m.peers[node]
	if !ok {
		ps = &peerSamples{status: StatusHealthy}
		m.peers[node] = ps
	}
	return ps
}

// RecordPing records a ping latency/success sample for a peer (rolling
// window of 20) and recomputes the summary if at least 60s have elapsed
// since the last recompute for that peer.
func (m *NetworkMetrics) RecordPing(node NodeID, latency time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := m.samplesFor(node)
	ps.latenciesMs = pushWindow(ps.latenciesMs, float64(latency.Milliseconds()), metricsWindow)
	ps.successes = pushWindow(ps.successes, ok, metricsWindow)
	m.maybeRecompute(node, ps)
}

// RecordBroadcastTime records an observed block/round broadcast latency,
// folded into the same peer's latency window.
func (m *NetworkMetrics) RecordBroadcastTime(node NodeID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := m.samplesFor(node)
	ps.latenciesMs = pushWindow(ps.latenciesMs, float64(d.Milliseconds()), metricsWindow)
	m.maybeRecompute(node, ps)
}

func (m *NetworkMetrics) maybeRecompute(node NodeID, ps *peerSamples) {
	if time.Since(ps.lastComputed) < metricsRecomputeMin && !ps.lastComputed.IsZero() {
		return
	}
	ps.p50, ps.p90, ps.p95, ps.p99 = percentiles(ps.latenciesMs)
	ps.reliability = successRate(ps.successes)
	ps.status = deriveStatus(ps.reliability, ps.p90)
	ps.lastComputed = time.Now()

	m.latencyGauge.WithLabelValues(string(node)).Set(ps.p90)
	m.statusGauge.WithLabelValues(string(node)).Set(statusCode(ps.status))
}

func deriveStatus(reliability, p90ms float64) Status {
	switch {
	case reliability < 0.5 || p90ms > 5000:
		return StatusUnstable
	case reliability < 0.85 || p90ms > 2000:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func statusCode(s Status) float64 {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnstable:
		return 2
	default:
		return 0
	}
}

// Summary is the externally visible per-peer health snapshot.
type Summary struct {
	P50, P90, P95, P99 float64
	Reliability        float64
	Status             Status
}

// PeerSummary returns the current summary for a node, or a healthy summary
// with reliability 1 (all other fields zero) if unobserved.
func (m *NetworkMetrics) PeerSummary(node NodeID) Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.peers[node]
	if !ok {
		return Summary{Status: StatusHealthy, Reliability: 1}
	}
	return Summary{P50: ps.p50, P90: ps.p90, P95: ps.p95, P99: ps.p99, Reliability: ps.reliability, Status: ps.status}
}

// networkSummary aggregates across all known peers for the round-wide
// duration formula: worst-case p90 and the lowest reliability/status.
func (m *NetworkMetrics) networkSummary() (p90 float64, reliability, recentSuccessRate float64, status Status) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.peers) == 0 {
		return float64(roundMinDuration.Milliseconds()) / 2, 1, 1, StatusHealthy
	}
	reliability, recentSuccessRate = 1, 1
	status = StatusHealthy
	for _, ps := range m.peers {
		if ps.p90 > p90 {
			p90 = ps.p90
		}
		if ps.reliability < reliability {
			reliability = ps.reliability
		}
		sr := successRate(ps.successes)
		if sr < recentSuccessRate {
			recentSuccessRate = sr
		}
		if worse(ps.status, status) {
			status = ps.status
		}
	}
	return
}

func worse(a, b Status) bool {
	rank := func(s Status) int {
		switch s {
		case StatusUnstable:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	return rank(a) > rank(b)
}

// phaseWait implements the shared duration formula of §4.2, returning the
// base duration and a jittered duration (~10% jitter, two-sided).
func (m *NetworkMetrics) phaseWait() (base, jittered time.Duration) {
	p90, reliability, recentSuccess, status := m.networkSummary()
	seconds := (p90 / 1000.0) * 2 * m.safety * (1 / math.Max(0.5, reliability)) * (1 / math.Max(0.5, recentSuccess)) * statusFactor(status)
	d := time.Duration(seconds * float64(time.Second))
	if d < roundMinDuration {
		d = roundMinDuration
	}
	if d > roundMaxDuration {
		d = roundMaxDuration
	}
	return d, withJitter(d)
}

// CommitWait returns the base and jittered commit-phase duration.
func (m *NetworkMetrics) CommitWait() (time.Duration, time.Duration) { return m.phaseWait() }

// RevealWait returns the base and jittered reveal-phase duration.
func (m *NetworkMetrics) RevealWait() (time.Duration, time.Duration) { return m.phaseWait() }

func withJitter(d time.Duration) time.Duration {
	span := float64(d) * roundJitterFraction
	n, err := rand.Int(rand.Reader, big.NewInt(int64(2*span)))
	if err != nil {
		return d
	}
	delta := float64(n.Int64()) - span
	return time.Duration(float64(d) + delta)
}

//---------------------------------------------------------------------
// statistics helpers
//---------------------------------------------------------------------

func percentiles(samples []float64) (p50, p90, p95, p99 float64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return pct(sorted, 0.50), pct(sorted, 0.90), pct(sorted, 0.95), pct(sorted, 0.99)
}

func pct(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func successRate(samples []bool) float64 {
	if len(samples) == 0 {
		return 1
	}
	n := 0
	for _, ok := range samples {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(samples))
}
