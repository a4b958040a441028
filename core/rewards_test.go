package core

import "testing"

func newTestRewardLedger(t *testing.T) *RewardLedger {
	t.Helper()
	store, err := NewStore(StoreConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return NewRewardLedger(store)
}

// TestLazyClaim mirrors S4: rewards accumulate with no time gate, claiming
// below the minimum balance is rejected, and a successful claim zeroes the
// unclaimed balance while emitting a REWARD_CLAIM transaction.
func TestLazyClaim(t *testing.T) {
	l := newTestRewardLedger(t)
	node := NodeID("N1")
	var wallet Address
	wallet[0] = 0x09

	if err := l.Accumulate(node, uint64(0.3*QNCUnit), "ping"); err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if err := l.Accumulate(node, uint64(0.8*QNCUnit), "ping"); err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if got, want := l.UnclaimedBalance(node), uint64(1.1*QNCUnit); got != want {
		t.Fatalf("unclaimed = %d, want %d", got, want)
	}

	tx, err := l.Claim(node, wallet)
	if err != nil {
		t.Fatalf("claim should succeed at 1.1 QNC: %v", err)
	}
	if tx.Kind != TxRewardDistribute || tx.To != wallet || tx.Amount != uint64(1.1*QNCUnit) {
		t.Fatalf("unexpected claim tx: %+v", tx)
	}
	if l.UnclaimedBalance(node) != 0 {
		t.Fatal("unclaimed balance should be zero right after claim")
	}

	if err := l.Accumulate(node, uint64(0.4*QNCUnit), "ping"); err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if _, err := l.Claim(node, wallet); KindOf(err) != KindInvalidInput {
		t.Fatalf("claim below minimum should be invalid_input, got %v", err)
	}

	if err := l.Accumulate(node, uint64(0.7*QNCUnit), "ping"); err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	tx2, err := l.Claim(node, wallet)
	if err != nil {
		t.Fatalf("second claim should succeed at 1.1 QNC: %v", err)
	}
	if tx2.Amount != uint64(1.1*QNCUnit) {
		t.Fatalf("second claim amount = %d, want %d", tx2.Amount, uint64(1.1*QNCUnit))
	}

	history := l.ClaimHistory(node)
	if len(history) != 2 {
		t.Fatalf("claim history len = %d, want 2", len(history))
	}
}

func TestRewardDistributePingSplitsEvenly(t *testing.T) {
	l := newTestRewardLedger(t)
	nodes := []NodeID{"A", "B", "C", "D"}
	if err := l.DistributePing(nodes, 100); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	for _, n := range nodes {
		if got := l.UnclaimedBalance(n); got != 25 {
			t.Fatalf("node %s unclaimed = %d, want 25", n, got)
		}
	}
}

func TestRewardStatsAggregatesLedger(t *testing.T) {
	l := newTestRewardLedger(t)
	if err := l.Accumulate("A", 10, "x"); err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if err := l.Accumulate("B", 20, "x"); err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	stats := l.Stats()
	if stats.TotalUnclaimed != 30 || stats.TotalEarned != 30 || stats.TotalNodes != 2 || stats.ActiveNodes != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
