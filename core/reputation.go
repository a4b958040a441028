package core

// Reputation Ledger (C1): per-node rolling scores driven by participation,
// response time and block quality. Grounded on the StateRW-backed,
// single-read-write-lock, logrus-logged pattern of the teacher's
// stake_penalty.go.

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	repDecay            = 0.95
	repWeightPart       = 0.4
	repWeightResponse   = 0.3
	repWeightQuality    = 0.3
	repMinResponsePts   = 5
	repMinQualityPts    = 2
	repWindow           = 100
	repRegressionTarget = 0.5
	repRegressionWeight = 0.05
	repSmoothingNew     = 0.2
	repInitialScore     = 0.5
	repOwnNodeScore     = 1.0
)

type repRecord struct {
	score        float64
	participation []bool
	response      []float64
	quality       []float64
}

// ReputationLedger holds per-node scores. A single read-write lock guards
// the whole table: reads are non-blocking with respect to other reads.
type ReputationLedger struct {
	mu      sync.RWMutex
	records map[NodeID]*repRecord
	self    NodeID
	log     *logrus.Logger
}

// NewReputationLedger constructs a ledger. self is the running node's own
// ID, which is always scored at 1.0.
func NewReputationLedger(self NodeID) *ReputationLedger {
	r := &ReputationLedger{
		records: make(map[NodeID]*repRecord),
		self:    self,
		log:     logrus.StandardLogger(),
	}
	r.records[self] = &repRecord{score: repOwnNodeScore}
	return r
}

func (r *ReputationLedger) recordFor(node NodeID) *repRecord {
	rec, ok := r.records[node]
	if !ok {
		init := repInitialScore
		if node == r.self {
			init = repOwnNodeScore
		}
		rec = &repRecord{score: init}
		r.records[node] = rec
	}
	return rec
}

// ObserveParticipation records whether node took part in the current round.
func (r *ReputationLedger) ObserveParticipation(node NodeID, participated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordFor(node)
	rec.participation = pushWindow(rec.participation, participated, repWindow)
	r.recompute(rec)
}

// ObserveResponse records a response-time sample in seconds.
func (r *ReputationLedger) ObserveResponse(node NodeID, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordFor(node)
	rec.response = pushWindow(rec.response, seconds, repWindow)
	r.recompute(rec)
}

// ObserveBlockQuality records a block-quality sample in [0,1].
func (r *ReputationLedger) ObserveBlockQuality(node NodeID, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordFor(node)
	rec.quality = pushWindow(rec.quality, clamp01(score), repWindow)
	r.recompute(rec)
}

// Penalise lowers a node's score by severity*score (severity in [0,1]).
func (r *ReputationLedger) Penalise(node NodeID, reason string, severity float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordFor(node)
	rec.score = maxFloat(0.1, rec.score-severity*rec.score)
	r.log.WithFields(logrus.Fields{"node": node, "reason": reason, "severity": severity, "score": rec.score}).Warn("reputation: penalised")
}

// Reward raises a node's score by magnitude*(1-score) (magnitude in [0,1]).
func (r *ReputationLedger) Reward(node NodeID, reason string, magnitude float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordFor(node)
	rec.score = minFloat(1, rec.score+magnitude*(1-rec.score))
	r.log.WithFields(logrus.Fields{"node": node, "reason": reason, "magnitude": magnitude, "score": rec.score}).Debug("reputation: rewarded")
}

// Score returns the current score for node, defaulting to 0.5 if unknown.
func (r *ReputationLedger) Score(node NodeID) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[node]
	if !ok {
		return repInitialScore
	}
	return rec.score
}

// Snapshot returns a copy of every node's current score.
func (r *ReputationLedger) Snapshot() map[NodeID]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[NodeID]float64, len(r.records))
	for id, rec := range r.records {
		out[id] = rec.score
	}
	return out
}

// recompute applies the §4.1 scoring rule; caller holds the write lock.
func (r *ReputationLedger) recompute(rec *repRecord) {
	var weighted, weightSum float64

	if len(rec.participation) > 0 {
		mean := decayedMeanBool(rec.participation)
		weighted += repWeightPart * mean
		weightSum += repWeightPart
	}
	if len(rec.response) >= repMinResponsePts {
		mean := decayedMeanFloat(rec.response)
		// faster response -> higher score; normalise by a 5s reference.
		score := clamp01(1 - mean/5.0)
		weighted += repWeightResponse * score
		weightSum += repWeightResponse
	}
	if len(rec.quality) >= repMinQualityPts {
		mean := decayedMeanFloat(rec.quality)
		weighted += repWeightQuality * mean
		weightSum += repWeightQuality
	}
	if weightSum == 0 {
		return
	}
	newScore := weighted / weightSum
	newScore = (1-repRegressionWeight)*newScore + repRegressionWeight*repRegressionTarget
	rec.score = clamp01(repSmoothingNew*newScore + (1-repSmoothingNew)*rec.score)
}

//---------------------------------------------------------------------
// helpers
//---------------------------------------------------------------------

func pushWindow[T any](win []T, v T, max int) []T {
	win = append(win, v)
	if len(win) > max {
		win = win[len(win)-max:]
	}
	return win
}

// decayedMeanBool computes a decay-weighted mean of boolean observations,
// newest-to-oldest, decay factor repDecay per position.
func decayedMeanBool(obs []bool) float64 {
	var num, den float64
	w := 1.0
	for i := len(obs) - 1; i >= 0; i-- {
		v := 0.0
		if obs[i] {
			v = 1.0
		}
		num += w * v
		den += w
		w *= repDecay
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func decayedMeanFloat(obs []float64) float64 {
	var num, den float64
	w := 1.0
	for i := len(obs) - 1; i >= 0; i-- {
		num += w * obs[i]
		den += w
		w *= repDecay
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
