package core

// Lazy Reward Ledger (C7): rewards accumulate per node and are claimed on
// the operator's own schedule, with no time gate beyond a minimum balance.
// Grounded directly on original_source's lazy_rewards.py (accumulate/
// can_claim/claim_rewards/get_unclaimed_balance/distribute_ping_rewards),
// ported to the node's uint64 fixed-point amount convention: amounts are
// expressed in micro-QNC (1 QNC = QNCUnit).

import (
	"encoding/json"
	"sync"
	"time"
)

// QNCUnit is the smallest representable QNC fraction used by callers
// expressing amounts as uint64 (1 QNC == QNCUnit micro-QNC).
const QNCUnit = 1_000_000

// MinClaimAmount is the minimum unclaimed balance required to claim,
// per §4.7 (default 1.0 QNC).
const MinClaimAmount = 1 * QNCUnit

// RewardsPool is the sentinel sender of REWARD_CLAIM transactions.
var RewardsPool = Address{0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee, 0xee}

// RewardRecord tracks a node's accumulated and claimed rewards.
type RewardRecord struct {
	NodeID      NodeID
	Unclaimed   uint64
	TotalEarned uint64
	LastUpdate  int64
}

// ClaimRecord is one entry in a node's append-only claim history.
type ClaimRecord struct {
	Amount    uint64
	Timestamp int64
	Wallet    Address
}

const (
	rewardsLedgerPrefix = "rewards:"
	claimHistoryPrefix  = "claims:"
)

// RewardLedger implements the accumulate/claim contract of §4.7. A single
// mutex guards each node's accumulate-then-claim sequence, matching the
// original's single in-process ledger discipline.
type RewardLedger struct {
	mu    sync.Mutex
	state StateRW
}

// NewRewardLedger constructs a ledger backed by shared node state.
func NewRewardLedger(state StateRW) *RewardLedger {
	return &RewardLedger{state: state}
}

func rewardKey(node NodeID) []byte {
	return append([]byte(rewardsLedgerPrefix), []byte(node)...)
}

func claimKey(node NodeID) []byte {
	return append([]byte(claimHistoryPrefix), []byte(node)...)
}

func (l *RewardLedger) getRecord(node NodeID) RewardRecord {
	raw, err := l.state.GetState(rewardKey(node))
	if err != nil || len(raw) == 0 {
		return RewardRecord{NodeID: node}
	}
	var rec RewardRecord
	if json.Unmarshal(raw, &rec) != nil {
		return RewardRecord{NodeID: node}
	}
	return rec
}

func (l *RewardLedger) putRecord(rec RewardRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return NewError(KindFatal, "rewards: marshal record", err)
	}
	return l.state.SetState(rewardKey(rec.NodeID), blob)
}

// Accumulate credits amount to node's unclaimed and total_earned balances.
// reason is carried only for logging by callers; it is not part of the
// persisted record.
func (l *RewardLedger) Accumulate(node NodeID, amount uint64, reason string) error {
	if amount == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getRecord(node)
	rec.Unclaimed += amount
	rec.TotalEarned += amount
	rec.LastUpdate = time.Now().Unix()
	return l.putRecord(rec)
}

// DistributePing splits totalReward equally across the active-ping set.
func (l *RewardLedger) DistributePing(activeNodes []NodeID, totalReward uint64) error {
	if len(activeNodes) == 0 {
		return nil
	}
	share := totalReward / uint64(len(activeNodes))
	if share == 0 {
		return nil
	}
	for _, n := range activeNodes {
		if err := l.Accumulate(n, share, "ping"); err != nil {
			return err
		}
	}
	return nil
}

// DistributeFees credits a caller-supplied node->amount map, e.g. a
// transaction fee-sharing policy decided by the orchestrator.
func (l *RewardLedger) DistributeFees(nodeRewards map[NodeID]uint64, reason string) error {
	for n, amount := range nodeRewards {
		if amount == 0 {
			continue
		}
		if err := l.Accumulate(n, amount, reason); err != nil {
			return err
		}
	}
	return nil
}

// CanClaim reports whether node currently satisfies the minimum-balance
// gate; there is no time restriction.
func (l *RewardLedger) CanClaim(node NodeID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.getRecord(node)
	if rec.Unclaimed < MinClaimAmount {
		return false, NewError(KindInvalidInput, "rewards: minimum claim amount not met", nil)
	}
	return true, nil
}

// UnclaimedBalance returns node's current unclaimed balance.
func (l *RewardLedger) UnclaimedBalance(node NodeID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getRecord(node).Unclaimed
}

// TotalEarned returns node's lifetime earned total.
func (l *RewardLedger) TotalEarned(node NodeID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getRecord(node).TotalEarned
}

// Claim atomically zeroes node's unclaimed balance, appends to its claim
// history, and returns the REWARD_CLAIM transaction to broadcast. Returns
// invalid_input if the minimum balance is not met.
func (l *RewardLedger) Claim(node NodeID, wallet Address) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.getRecord(node)
	if rec.Unclaimed < MinClaimAmount {
		return nil, NewError(KindInvalidInput, "rewards: minimum claim amount not met", nil)
	}
	amount := rec.Unclaimed
	rec.Unclaimed = 0
	rec.LastUpdate = time.Now().Unix()
	if err := l.putRecord(rec); err != nil {
		return nil, err
	}

	history := l.getHistory(node)
	history = append(history, ClaimRecord{Amount: amount, Timestamp: rec.LastUpdate, Wallet: wallet})
	if err := l.putHistory(node, history); err != nil {
		return nil, err
	}

	data, _ := json.Marshal(map[string]interface{}{
		"type":    "REWARD_CLAIM",
		"node_id": string(node),
		"amount":  amount,
	})
	tx := &Transaction{
		Kind:      TxRewardDistribute,
		From:      RewardsPool,
		To:        wallet,
		Amount:    amount,
		Timestamp: rec.LastUpdate * 1000,
		Data:      data,
	}
	tx.HashTx()
	return tx, nil
}

func (l *RewardLedger) getHistory(node NodeID) []ClaimRecord {
	raw, err := l.state.GetState(claimKey(node))
	if err != nil || len(raw) == 0 {
		return nil
	}
	var out []ClaimRecord
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

func (l *RewardLedger) putHistory(node NodeID, history []ClaimRecord) error {
	blob, err := json.Marshal(history)
	if err != nil {
		return NewError(KindFatal, "rewards: marshal claim history", err)
	}
	return l.state.SetState(claimKey(node), blob)
}

// ClaimHistory returns node's append-only claim history.
func (l *RewardLedger) ClaimHistory(node NodeID) []ClaimRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getHistory(node)
}

// NetworkStats summarises ledger-wide totals, mirroring the original's
// get_network_stats debugging surface.
type NetworkStats struct {
	TotalUnclaimed uint64
	TotalEarned    uint64
	ActiveNodes    int
	TotalNodes     int
}

// Stats scans the ledger's state prefix to compute network-wide totals.
func (l *RewardLedger) Stats() NetworkStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats NetworkStats
	it := l.state.PrefixIterator([]byte(rewardsLedgerPrefix))
	for it.Next() {
		var rec RewardRecord
		if json.Unmarshal(it.Value(), &rec) != nil {
			continue
		}
		stats.TotalUnclaimed += rec.Unclaimed
		stats.TotalEarned += rec.TotalEarned
		stats.TotalNodes++
		if rec.Unclaimed > 0 {
			stats.ActiveNodes++
		}
	}
	return stats
}
