package core

import "testing"

func commitRevealRound(t *testing.T, rep *ReputationLedger, eligible []NodeID, reveals map[NodeID]string, height uint64) *RoundEngine {
	t.Helper()
	e := NewRoundEngine(height, rep, 0.7)
	set := make(map[NodeID]struct{}, len(eligible))
	for _, n := range eligible {
		set[n] = struct{}{}
	}
	for n, v := range reveals {
		h := commitHashOf([]byte(v))
		if err := e.AddCommit(height, n, h, []byte("sig"), set, int64(1)); err != nil {
			t.Fatalf("commit %s: %v", n, err)
		}
	}
	e.AdvanceToReveal()
	for n, v := range reveals {
		if err := e.AddReveal(height, n, []byte(v)); err != nil {
			t.Fatalf("reveal %s: %v", n, err)
		}
	}
	return e
}

// TestLeaderSelectionDeterminism mirrors S1: identical eligible/reveal/
// reputation inputs must yield the same leader regardless of input order.
func TestLeaderSelectionDeterminism(t *testing.T) {
	reveals := map[NodeID]string{"A": "va", "B": "vb", "C": "vc"}

	run := func(order []NodeID) NodeID {
		rep := NewReputationLedger("self")
		rep.Reward("A", "seed", 1.0) // magnitude 1.0 lifts A from 0.5 to 1.0
		rep.Reward("A", "seed", 1.0)
		rep.Reward("B", "seed", 0.0) // leave B at 0.5ish baseline
		rep.Penalise("C", "seed", 0.2)
		e := commitRevealRound(t, rep, order, reveals, 42)
		result, err := e.Finalise(order)
		if err != nil {
			t.Fatalf("finalise: %v", err)
		}
		if result.Stalled {
			t.Fatal("round unexpectedly stalled")
		}
		return result.Leader
	}

	leader1 := run([]NodeID{"A", "B", "C"})
	leader2 := run([]NodeID{"C", "A", "B"})
	if leader1 != leader2 {
		t.Fatalf("leader selection not order-independent: %s vs %s", leader1, leader2)
	}
}

// TestCommitRevealInvalidReveal mirrors S6: a wrong reveal is rejected,
// penalises the submitter, excludes them from valid_reveals, and the round
// still finalises if enough other reveals remain.
func TestCommitRevealInvalidReveal(t *testing.T) {
	rep := NewReputationLedger("self")
	eligible := []NodeID{"A", "B", "C"}
	e := NewRoundEngine(1, rep, 0.7)
	set := map[NodeID]struct{}{"A": {}, "B": {}, "C": {}}

	commitB := commitHashOf([]byte("vb"))
	if err := e.AddCommit(1, "A", commitHashOf([]byte("va")), []byte("s"), set, 1); err != nil {
		t.Fatalf("commit A: %v", err)
	}
	if err := e.AddCommit(1, "B", commitB, []byte("s"), set, 1); err != nil {
		t.Fatalf("commit B: %v", err)
	}
	if err := e.AddCommit(1, "C", commitHashOf([]byte("vc")), []byte("s"), set, 1); err != nil {
		t.Fatalf("commit C: %v", err)
	}
	e.AdvanceToReveal()

	before := rep.Score("B")
	if err := e.AddReveal(1, "A", []byte("va")); err != nil {
		t.Fatalf("reveal A: %v", err)
	}
	if err := e.AddReveal(1, "B", []byte("wrong")); err == nil {
		t.Fatal("expected invalid reveal to be rejected")
	}
	if err := e.AddReveal(1, "C", []byte("vc")); err != nil {
		t.Fatalf("reveal C: %v", err)
	}
	after := rep.Score("B")
	if after >= before {
		t.Fatalf("B's reputation should drop on invalid reveal: before=%v after=%v", before, after)
	}
	if drop := before - after; drop > 0.2*before+1e-9 {
		t.Fatalf("penalty exceeded 0.2*prior: drop=%v prior=%v", drop, before)
	}

	result, err := e.Finalise(eligible)
	if err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if result.Stalled {
		t.Fatal("round should still finalise with 2 of 3 valid reveals (min_reveals=2)")
	}
	if result.Leader != "A" && result.Leader != "C" {
		t.Fatalf("leader must come from valid_reveals excluding B, got %s", result.Leader)
	}
}

func TestRoundStallsBelowMinReveals(t *testing.T) {
	rep := NewReputationLedger("self")
	eligible := []NodeID{"A", "B", "C"}
	e := NewRoundEngine(1, rep, 0.7)
	set := map[NodeID]struct{}{"A": {}, "B": {}, "C": {}}
	h := commitHashOf([]byte("va"))
	if err := e.AddCommit(1, "A", h, []byte("s"), set, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	e.AdvanceToReveal()
	if err := e.AddReveal(1, "A", []byte("va")); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	result, err := e.Finalise(eligible)
	if err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if !result.Stalled {
		t.Fatal("expected stall with only 1 of 3 valid reveals (min_reveals=2)")
	}
	if e.ConsecutiveStalls() != 1 {
		t.Fatalf("consecutive stalls = %d, want 1", e.ConsecutiveStalls())
	}
}

func TestRoundEngineRejectsIneligibleCommit(t *testing.T) {
	e := NewRoundEngine(1, nil, 0.7)
	err := e.AddCommit(1, "X", Hash{}, nil, map[NodeID]struct{}{"A": {}}, 1)
	if KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized for ineligible node, got %v", err)
	}
}

func TestRoundEngineRejectsStaleHeight(t *testing.T) {
	e := NewRoundEngine(5, nil, 0.7)
	err := e.AddCommit(4, "A", Hash{}, nil, map[NodeID]struct{}{"A": {}}, 1)
	if KindOf(err) != KindStale {
		t.Fatalf("expected stale for non-current height, got %v", err)
	}
}
