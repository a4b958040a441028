package core

// Round Engine (C4): commit-reveal consensus per height, reputation-weighted
// deterministic leader selection. Architecture (locking, Start/loop shape,
// pluggable collaborator interfaces) is grounded on the teacher's
// consensus.go SynnergyConsensus; the PoW/PoS/PoH algorithm itself is fully
// replaced since the underlying mechanism differs.

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	reputationInfluenceDefault = 0.7
	commitParticipationReward  = 0.05
	leaderExtraReward          = 0.10
	nonParticipationPenalty    = 0.05
	invalidRevealPenalty       = 0.2
	stallThreshold             = 3
	stallBackoffFactor         = 1.5
)

// Phase is the state of a single height's round.
type Phase string

const (
	PhaseCommit    Phase = "commit"
	PhaseReveal    Phase = "reveal"
	PhaseFinalised Phase = "finalised"
	PhaseStalled   Phase = "stalled"
)

type commitEntry struct {
	hash Hash
	sig  []byte
	ts   int64
}

// roundState is the per-height bookkeeping the engine mutates.
type roundState struct {
	height       uint64
	phase        Phase
	commits      map[NodeID]commitEntry
	reveals      map[NodeID][]byte
	participants map[NodeID]struct{}
	leader       NodeID
	beacon       Hash
}

func newRoundState(h uint64) *roundState {
	return &roundState{
		height:       h,
		phase:        PhaseCommit,
		commits:      make(map[NodeID]commitEntry),
		reveals:      make(map[NodeID][]byte),
		participants: make(map[NodeID]struct{}),
	}
}

// FinaliseResult is returned by Finalise.
type FinaliseResult struct {
	Stalled bool
	Leader  NodeID
	Beacon  Hash
}

// RoundEngine runs the commit-reveal protocol for the current height. A
// single read-write lock protects round state; finalisation additionally
// broadcasts on an internal condition so waiters can be woken without
// polling.
type RoundEngine struct {
	mu   sync.RWMutex
	cond *sync.Cond

	current *roundState

	rep                 *ReputationLedger
	reputationInfluence float64
	minRevealsFloor     int

	consecutiveStalls int

	log *logrus.Logger
}

// NewRoundEngine constructs the engine at the given starting height.
func NewRoundEngine(startHeight uint64, rep *ReputationLedger, reputationInfluence float64) *RoundEngine {
	if reputationInfluence <= 0 {
		reputationInfluence = reputationInfluenceDefault
	}
	e := &RoundEngine{
		current:             newRoundState(startHeight),
		rep:                 rep,
		reputationInfluence: reputationInfluence,
		log:                 logrus.StandardLogger(),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Height returns the height currently being collected.
func (e *RoundEngine) Height() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current.height
}

// Phase returns the current round's phase.
func (e *RoundEngine) Phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current.phase
}

// AdvanceToReveal transitions the current round from commit to reveal phase.
func (e *RoundEngine) AdvanceToReveal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current.phase == PhaseCommit {
		e.current.phase = PhaseReveal
	}
}

// AddCommit records a commit for the current height. Accepted iff h matches
// the current height and node is eligible; a duplicate is only replaced if
// the new signature is strictly newer.
func (e *RoundEngine) AddCommit(h uint64, node NodeID, commitHash Hash, sig []byte, eligible map[NodeID]struct{}, ts int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h != e.current.height {
		return NewError(KindStale, "round: commit for non-current height", nil)
	}
	if _, ok := eligible[node]; !ok {
		return NewError(KindUnauthorized, "round: node not eligible", nil)
	}
	if existing, ok := e.current.commits[node]; ok && existing.ts >= ts {
		return nil
	}
	e.current.commits[node] = commitEntry{hash: commitHash, sig: sig, ts: ts}
	e.current.participants[node] = struct{}{}
	return nil
}

// AddReveal records a reveal for the current height. Accepted only if node
// submitted a matching commit during the commit phase; otherwise the
// reveal is discarded and the node is penalised.
func (e *RoundEngine) AddReveal(h uint64, node NodeID, value []byte) error {
	e.mu.Lock()
	commit, ok := e.current.commits[node]
	sameHeight := h == e.current.height
	e.mu.Unlock()

	if !sameHeight {
		return NewError(KindStale, "round: reveal for non-current height", nil)
	}
	if !ok || commitHashOf(value) != commit.hash {
		if e.rep != nil {
			e.rep.Penalise(node, "invalid reveal", invalidRevealPenalty)
		}
		return NewError(KindInvalidInput, "round: invalid reveal", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.current.reveals[node] = value
	e.current.participants[node] = struct{}{}
	return nil
}

func commitHashOf(value []byte) Hash {
	return sha256.Sum256(value)
}

// CommitHash computes H(value || nonce), exposed for callers building the
// commit phase payload.
func CommitHash(value, nonce []byte) Hash {
	return sha256.Sum256(append(append([]byte{}, value...), nonce...))
}

// Finalise computes the validity gate, beacon and leader for the current
// height once the reveal phase has elapsed, then rolls the engine forward
// to the next height with a fresh round state for the same eligible set.
func (e *RoundEngine) Finalise(eligible []NodeID) (FinaliseResult, error) {
	e.mu.Lock()
	rs := e.current
	e.mu.Unlock()

	minReveals := minRevealsFor(len(eligible))

	validReveals := make(map[NodeID][]byte)
	e.mu.RLock()
	for _, n := range eligible {
		v, ok := rs.reveals[n]
		if !ok {
			continue
		}
		c, ok := rs.commits[n]
		if !ok || commitHashOf(v) != c.hash {
			continue
		}
		validReveals[n] = v
	}
	e.mu.RUnlock()

	if len(validReveals) < minReveals {
		e.applyFinaliseRewards(rs, eligible, validReveals, NodeID(""))
		e.mu.Lock()
		e.current.phase = PhaseStalled
		e.consecutiveStalls++
		stalls := e.consecutiveStalls
		next := newRoundState(rs.height + 1)
		e.current = next
		e.cond.Broadcast()
		e.mu.Unlock()
		e.log.WithFields(logrus.Fields{"height": rs.height, "valid_reveals": len(validReveals), "min_reveals": minReveals, "consecutive_stalls": stalls}).Warn("round: stalled")
		return FinaliseResult{Stalled: true}, nil
	}

	beacon := computeBeacon(rs.height, validReveals)
	leader, err := e.selectLeader(validReveals, beacon)
	if err != nil {
		return FinaliseResult{}, err
	}

	e.applyFinaliseRewards(rs, eligible, validReveals, leader)

	e.mu.Lock()
	e.current.phase = PhaseFinalised
	e.current.leader = leader
	e.current.beacon = beacon
	e.consecutiveStalls = 0
	next := newRoundState(rs.height + 1)
	e.current = next
	e.cond.Broadcast()
	e.mu.Unlock()

	return FinaliseResult{Leader: leader, Beacon: beacon}, nil
}

func (e *RoundEngine) applyFinaliseRewards(rs *roundState, eligible []NodeID, validReveals map[NodeID][]byte, leader NodeID) {
	if e.rep == nil {
		return
	}
	for _, n := range eligible {
		if _, participated := validReveals[n]; participated {
			e.rep.Reward(n, "round participation", commitParticipationReward)
			if n == leader {
				e.rep.Reward(n, "leader selection", leaderExtraReward)
			}
		} else {
			e.rep.Penalise(n, "round non-participation", nonParticipationPenalty)
		}
	}
}

// minRevealsFor implements default max(2, |eligible|/3).
func minRevealsFor(eligibleCount int) int {
	third := eligibleCount / 3
	if third > 2 {
		return third
	}
	return 2
}

// computeBeacon implements beacon = H(h || concat_sorted_by_node(reveal_value));
// H("fallback" || h) when there are no valid reveals.
func computeBeacon(h uint64, validReveals map[NodeID][]byte) Hash {
	if len(validReveals) == 0 {
		buf := append([]byte("fallback"), heightBytes(h)...)
		return sha256.Sum256(buf)
	}
	nodes := make([]NodeID, 0, len(validReveals))
	for n := range validReveals {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	var buf bytes.Buffer
	buf.Write(heightBytes(h))
	for _, n := range nodes {
		buf.Write(validReveals[n])
	}
	return sha256.Sum256(buf.Bytes())
}

func heightBytes(h uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, h)
	return b
}

// selectLeader implements the deterministic reputation-weighted draw of
// §4.4: candidates sorted, weights α·score + (1-α)/n normalised to sum to
// exactly 1 (last entry absorbs rounding), PRNG seeded from H(beacon) as a
// big-endian integer, cumulative-weight binary search on a drawn u.
func (e *RoundEngine) selectLeader(validReveals map[NodeID][]byte, beacon Hash) (NodeID, error) {
	candidates := make([]NodeID, 0, len(validReveals))
	for n := range validReveals {
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	if len(candidates) == 0 {
		return "", errors.New("round: no candidates")
	}

	n := len(candidates)
	weights := make([]float64, n)
	var sum float64
	for i, c := range candidates {
		score := 0.5
		if e.rep != nil {
			score = e.rep.Score(c)
		}
		w := e.reputationInfluence*score + (1-e.reputationInfluence)*(1.0/float64(n))
		weights[i] = w
		sum += w
	}
	for i := range weights {
		weights[i] /= sum
	}
	// force the last entry to absorb rounding so cumulative sums to exactly 1.
	var cumAllButLast float64
	for i := 0; i < n-1; i++ {
		cumAllButLast += weights[i]
	}
	weights[n-1] = 1 - cumAllButLast

	seed := beaconSeed(beacon)
	rng := rand.New(rand.NewSource(seed))
	u := rng.Float64()

	cumulative := make([]float64, n)
	acc := 0.0
	for i, w := range weights {
		acc += w
		cumulative[i] = acc
	}
	idx := sort.Search(n, func(i int) bool { return cumulative[i] >= u })
	if idx >= n {
		idx = n - 1
	}
	return candidates[idx], nil
}

// beaconSeed derives a deterministic int64 seed from H(beacon), interpreted
// as a big-endian integer truncated to the first 8 bytes.
func beaconSeed(beacon Hash) int64 {
	h := sha256.Sum256(beacon[:])
	v := new(big.Int).SetBytes(h[:8])
	return v.Int64()
}

//---------------------------------------------------------------------
// Stall backoff
//---------------------------------------------------------------------

// ConsecutiveStalls returns the number of consecutive stalled heights.
func (e *RoundEngine) ConsecutiveStalls() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.consecutiveStalls
}

// BackoffMultiplier returns the commit/reveal duration multiplier in effect
// given the current stall streak: 1.5x once three consecutive heights have
// stalled, held until a height finalises successfully.
func (e *RoundEngine) BackoffMultiplier() float64 {
	if e.ConsecutiveStalls() >= stallThreshold {
		return stallBackoffFactor
	}
	return 1.0
}

// WaitFinalised blocks on the engine's condition variable until the round at
// height h has left the commit/reveal phases, or the deadline elapses. A
// timer goroutine wakes the condition so the wait can observe the deadline
// without polling.
func (e *RoundEngine) WaitFinalised(h uint64, deadline time.Time) (Phase, bool) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.current.height == h && e.current.phase != PhaseFinalised && e.current.phase != PhaseStalled {
		if !time.Now().Before(deadline) {
			return e.current.phase, false
		}
		e.cond.Wait()
	}
	return e.current.phase, true
}
