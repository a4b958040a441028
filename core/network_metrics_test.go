package core

import (
	"testing"
	"time"
)

func TestNetworkMetricsCommitRevealBounds(t *testing.T) {
	m := NewNetworkMetrics(nil, 1.5)
	for i := 0; i < 5; i++ {
		m.RecordPing("A", 50*time.Millisecond, true)
	}
	base, jittered := m.CommitWait()
	if base < roundMinDuration || base > roundMaxDuration {
		t.Fatalf("commit base %v out of [%v,%v]", base, roundMinDuration, roundMaxDuration)
	}
	span := float64(base) * roundJitterFraction
	if diff := float64(jittered - base); diff < -span-1 || diff > span+1 {
		t.Fatalf("jitter %v exceeds ~10%% of base %v", jittered, base)
	}
}

func TestNetworkMetricsDegradedRaisesDuration(t *testing.T) {
	healthy := NewNetworkMetrics(nil, 1.5)
	for i := 0; i < 10; i++ {
		healthy.RecordPing("A", 10*time.Millisecond, true)
	}
	healthyBase, _ := healthy.CommitWait()

	unstable := NewNetworkMetrics(nil, 1.5)
	for i := 0; i < 10; i++ {
		unstable.RecordPing("A", 6*time.Second, i%3 == 0)
	}
	unstableBase, _ := unstable.CommitWait()

	if unstableBase < healthyBase {
		t.Fatalf("unstable peer duration (%v) should be >= healthy (%v)", unstableBase, healthyBase)
	}
}

func TestNetworkMetricsEmptyDefaultsHealthy(t *testing.T) {
	m := NewNetworkMetrics(nil, 1.5)
	summary := m.PeerSummary("unknown")
	if summary.Status != StatusHealthy || summary.Reliability != 1 {
		t.Fatalf("unseen peer should default healthy/reliable, got %+v", summary)
	}
}
