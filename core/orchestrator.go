package core

// Node Orchestrator (C8): the only component that mutates cross-component
// state. Drives the per-height commit-reveal loop, builds and validates
// blocks, and composes C1-C7 into the single round-trip described in §4.8.
// Grounded on the teacher's finalization_management.go (a thin manager
// gluing ledger/consensus/rollup modules behind one call surface) — here
// generalised from a post-hoc glue layer into the active round driver the
// spec requires — and system_health_logging.go for the health/metrics
// surface shape.

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	consensusProtocolID = "qnet-consensus/1"

	msgCommit byte = iota + 1
	msgReveal
)

// RewardSchedule derives the height-dependent block reward as a pure
// function of configuration, per the Open Question decision: the curve is
// an input, not a hard-coded constant.
type RewardSchedule struct {
	InitialReward   uint64
	HalvingInterval uint64
}

// BaseReward computes the coinbase amount for height under this schedule.
func (s RewardSchedule) BaseReward(height uint64) uint64 {
	if s.HalvingInterval == 0 {
		return s.InitialReward
	}
	halvings := height / s.HalvingInterval
	reward := s.InitialReward
	for i := uint64(0); i < halvings && reward > 0; i++ {
		reward /= 2
	}
	return reward
}

// OrchestratorConfig bundles the round loop's tunables (§6 Consensus/Node
// groups).
type OrchestratorConfig struct {
	RoundInterval time.Duration
	MaxTxPerBlock int
	BlockGasCap   uint64
	NodeType      NodeTier
	Reward        RewardSchedule
}

func (c *OrchestratorConfig) withDefaults() {
	if c.RoundInterval <= 0 {
		c.RoundInterval = 10 * time.Second
	}
	if c.MaxTxPerBlock <= 0 {
		c.MaxTxPerBlock = 1000
	}
	if c.BlockGasCap == 0 {
		c.BlockGasCap = 8_000_000
	}
	if c.Reward.InitialReward == 0 {
		c.Reward.InitialReward = 50 * QNCUnit
	}
}

// Orchestrator composes every other component and drives the round loop.
type Orchestrator struct {
	cfg OrchestratorConfig

	nodeID  NodeID
	address Address
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey

	store      *Store
	rep        *ReputationLedger
	metrics    *NetworkMetrics
	partition  *PartitionDetector
	sync       *SyncManager
	round      *RoundEngine
	mempool    *Mempool
	activation *ActivationRegistry
	rewards    *RewardLedger
	peers      PeerManager

	eligible func() []NodeID

	log *logrus.Logger

	lastFinalised time.Time

	// commitValue/commitNonce carry this node's in-flight commit between the
	// commit and reveal phases of a single height; the round loop is
	// strictly sequential, so no synchronisation is required.
	commitValue []byte
	commitNonce []byte

	lastRoundMu     sync.RWMutex
	lastRoundHeight uint64
	lastLeader      NodeID
	lastBeacon      Hash
	lastStalled     bool
}

// LastRound reports the most recently finalised (or stalled) round, for the
// leader/consensus_stats RPCs.
func (o *Orchestrator) LastRound() (height uint64, leader NodeID, beacon Hash, stalled bool) {
	o.lastRoundMu.RLock()
	defer o.lastRoundMu.RUnlock()
	return o.lastRoundHeight, o.lastLeader, o.lastBeacon, o.lastStalled
}

// NewOrchestrator wires an already-constructed set of components into a
// driver. eligible supplies the current eligible-node set for each round
// (e.g. active full/super activation holders).
func NewOrchestrator(
	cfg OrchestratorConfig,
	nodeID NodeID,
	address Address,
	priv ed25519.PrivateKey,
	store *Store,
	rep *ReputationLedger,
	metrics *NetworkMetrics,
	partition *PartitionDetector,
	sync *SyncManager,
	round *RoundEngine,
	mempool *Mempool,
	activation *ActivationRegistry,
	rewards *RewardLedger,
	peers PeerManager,
	eligible func() []NodeID,
) *Orchestrator {
	cfg.withDefaults()
	return &Orchestrator{
		cfg:        cfg,
		nodeID:     nodeID,
		address:    address,
		priv:       priv,
		pub:        priv.Public().(ed25519.PublicKey),
		store:      store,
		rep:        rep,
		metrics:    metrics,
		partition:  partition,
		sync:       sync,
		round:      round,
		mempool:    mempool,
		activation: activation,
		rewards:    rewards,
		peers:      peers,
		eligible:   eligible,
		log:        logrus.StandardLogger(),
	}
}

// Run drives the round loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := o.RunOnce(ctx); err != nil {
			o.log.WithError(err).Warn("orchestrator: round iteration failed")
		}
	}
}

// RunOnce executes a single iteration of the §4.8 per-height loop.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	h := o.store.LastHeight() + 1

	if o.partition != nil && o.partition.InPartition() {
		return o.recoverFromPartition()
	}

	eligible := o.eligible()
	if len(eligible) == 0 {
		time.Sleep(o.cfg.RoundInterval)
		return nil
	}

	backoff := 1.0
	if o.round != nil {
		backoff = o.round.BackoffMultiplier()
	}

	if err := o.runCommitPhase(h, eligible, backoff); err != nil {
		return err
	}
	if err := o.runRevealPhase(h, backoff); err != nil {
		return err
	}

	result, err := o.round.Finalise(eligible)
	if err != nil {
		return err
	}
	o.lastFinalised = time.Now()

	o.lastRoundMu.Lock()
	o.lastRoundHeight = h
	o.lastLeader = result.Leader
	o.lastBeacon = result.Beacon
	o.lastStalled = result.Stalled
	o.lastRoundMu.Unlock()

	if result.Stalled {
		o.log.WithField("height", h).Warn("orchestrator: round stalled")
		time.Sleep(o.cfg.RoundInterval)
		return nil
	}

	if result.Leader != o.nodeID {
		return nil
	}
	return o.produceBlock(h, result)
}

func (o *Orchestrator) recoverFromPartition() error {
	health := o.partition.Scan()
	if !health.Partition {
		return nil
	}
	o.log.WithFields(logrus.Fields{"majority_height": health.MajorityHeight, "peer": health.MajorityTipPeer}).Warn("orchestrator: partition detected, syncing")
	return withRetry(func() error {
		return o.sync.SyncTo(health.MajorityTipPeer, health.MajorityHeight)
	})
}

func (o *Orchestrator) runCommitPhase(h uint64, eligible []NodeID, backoff float64) error {
	value := make([]byte, 32)
	nonce := make([]byte, 16)
	if _, err := rand.Read(value); err != nil {
		return NewError(KindFatal, "orchestrator: rng failure", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return NewError(KindFatal, "orchestrator: rng failure", err)
	}
	commitHash := CommitHash(value, nonce)
	sig := SignEd25519(o.priv, commitPreimage(h, commitHash))

	eligibleSet := make(map[NodeID]struct{}, len(eligible))
	for _, n := range eligible {
		eligibleSet[n] = struct{}{}
	}
	ts := time.Now().UnixMilli()
	if err := o.round.AddCommit(h, o.nodeID, commitHash, sig, eligibleSet, ts); err != nil {
		return err
	}
	o.commitValue, o.commitNonce = value, nonce

	o.broadcast(msgCommit, commitWireMsg{Height: h, Node: string(o.nodeID), CommitHash: commitHash[:], Sig: sig, Ts: ts})

	base, jittered := o.metrics.CommitWait()
	base = scaleDuration(base, backoff)
	jittered = scaleDuration(jittered, backoff)
	time.Sleep(jittered)
	o.round.AdvanceToReveal()
	_ = base
	return nil
}

func (o *Orchestrator) runRevealPhase(h uint64, backoff float64) error {
	value := append([]byte{}, o.commitValue...)
	value = append(value, o.commitNonce...)

	if err := o.round.AddReveal(h, o.nodeID, value); err != nil {
		o.log.WithError(err).Warn("orchestrator: self reveal rejected")
	}
	o.broadcast(msgReveal, revealWireMsg{Height: h, Node: string(o.nodeID), Value: value})

	_, jittered := o.metrics.RevealWait()
	jittered = scaleDuration(jittered, backoff)
	time.Sleep(jittered)
	return nil
}

func commitPreimage(h uint64, commitHash Hash) []byte {
	buf := make([]byte, 8, 8+len(commitHash))
	binary.BigEndian.PutUint64(buf, h)
	return append(buf, commitHash[:]...)
}

func scaleDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

type commitWireMsg struct {
	Height     uint64 `json:"height"`
	Node       string `json:"node"`
	CommitHash []byte `json:"commit_hash"`
	Sig        []byte `json:"sig"`
	Ts         int64  `json:"ts"`
}

type revealWireMsg struct {
	Height uint64 `json:"height"`
	Node   string `json:"node"`
	Value  []byte `json:"value"`
}

func (o *Orchestrator) broadcast(code byte, v interface{}) {
	if o.peers == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	for _, p := range o.peers.Peers() {
		if err := o.peers.SendAsync(string(p.NodeID), consensusProtocolID, code, payload); err != nil {
			o.log.WithError(err).WithField("peer", p.NodeID).Debug("orchestrator: consensus broadcast failed")
		}
	}
}

// HandleInbound dispatches a consensus-protocol message received from a
// peer into the round engine, used by the RPC/transport layer's inbound
// message pump.
func (o *Orchestrator) HandleInbound(msg InboundMsg, eligible map[NodeID]struct{}) {
	if len(msg.Payload) == 0 {
		return
	}
	switch msg.Payload[0] {
	case msgCommit:
		var m commitWireMsg
		if json.Unmarshal(msg.Payload[1:], &m) != nil {
			return
		}
		var ch Hash
		copy(ch[:], m.CommitHash)
		_ = o.round.AddCommit(m.Height, NodeID(m.Node), ch, m.Sig, eligible, m.Ts)
	case msgReveal:
		var m revealWireMsg
		if json.Unmarshal(msg.Payload[1:], &m) != nil {
			return
		}
		_ = o.round.AddReveal(m.Height, NodeID(m.Node), m.Value)
	}
}

// SubmitCommit admits an externally received commit (e.g. via the RPC
// surface's broadcast_commit) against the node's own eligible set.
func (o *Orchestrator) SubmitCommit(h uint64, node NodeID, commitHash Hash, sig []byte, ts int64) error {
	eligible := make(map[NodeID]struct{})
	for _, n := range o.eligible() {
		eligible[n] = struct{}{}
	}
	return o.round.AddCommit(h, node, commitHash, sig, eligible, ts)
}

// SubmitReveal admits an externally received reveal (e.g. via the RPC
// surface's broadcast_reveal).
func (o *Orchestrator) SubmitReveal(h uint64, node NodeID, value []byte) error {
	return o.round.AddReveal(h, node, value)
}

//---------------------------------------------------------------------
// Block production and validation
//---------------------------------------------------------------------

func (o *Orchestrator) produceBlock(h uint64, result FinaliseResult) error {
	candidates := o.mempool.BuildBlockBody(o.cfg.MaxTxPerBlock)
	seenNonce := make(map[Address]uint64)
	var body []*Transaction
	var gasUsed uint64

	for _, tx := range candidates {
		if !VerifyTxSignature(tx.ID(), tx.Sig, tx.From) {
			continue
		}
		expected, seen := seenNonce[tx.From]
		if !seen {
			expected = o.store.NonceOf(tx.From)
		}
		if tx.Nonce != expected {
			continue
		}
		if o.store.BalanceOf(tx.From) < tx.Amount {
			continue
		}
		if gasUsed+tx.GasLimit > o.cfg.BlockGasCap {
			break
		}
		seenNonce[tx.From] = tx.Nonce + 1
		gasUsed += tx.GasLimit
		body = append(body, tx)
	}

	reward := o.cfg.Reward.BaseReward(h)
	coinbase := &Transaction{
		Kind:      TxCoinbase,
		To:        o.address,
		Amount:    reward,
		Timestamp: time.Now().UnixMilli(),
	}
	coinbase.HashTx()
	txs := append([]*Transaction{coinbase}, body...)

	leaves := make([]Hash, len(txs))
	for i, tx := range txs {
		leaves[i] = tx.ID()
	}
	root, err := ComputeMerkleRoot(leaves)
	if err != nil {
		return NewError(KindFatal, "orchestrator: merkle root failed", err)
	}

	prevHash := o.store.LastBlockHash()
	blk := &Block{
		Header: BlockHeader{
			Height:         h,
			PrevHash:       prevHash,
			Timestamp:      time.Now().UnixMilli(),
			MerkleRoot:     root,
			Producer:       o.address,
			ProducerPubKey: append([]byte{}, o.pub...),
			Beacon:         result.Beacon,
			RoundNumber:    h,
		},
		Transactions: txs,
	}
	blk.HashHeader()
	blk.ProducerSig = SignEd25519(o.priv, blk.Hash[:])

	var prev *Block
	if h > 0 {
		if p, err := o.store.GetBlock(h - 1); err == nil {
			prev = p
		}
	}
	validator := &BlockValidator{activation: o.activation, gasCap: o.cfg.BlockGasCap, reward: o.cfg.Reward}
	if err := validator.ValidateBlock(blk, prev); err != nil {
		o.rep.Penalise(o.nodeID, "self-built block failed validation", 0.2)
		return err
	}

	if err := o.store.AppendBlock(blk); err != nil {
		return err
	}
	for _, tx := range body {
		o.mempool.Remove(tx.ID())
	}
	if o.rewards != nil {
		_ = o.rewards.Accumulate(o.nodeID, reward, "block production")
	}
	if o.partition != nil {
		o.partition.SetLocalTip(blk.Header.Height, blk.Hash)
	}
	o.log.WithFields(logrus.Fields{"height": h, "txs": len(txs)}).Info("orchestrator: block produced")
	return nil
}

// SubmitTransaction admits tx into the mempool regardless of partition
// status — submissions continue to be accepted while block production is
// paused (§8 S5).
func (o *Orchestrator) SubmitTransaction(tx *Transaction) (Hash, error) {
	return o.mempool.Submit(tx)
}

// BlockValidator implements the §4.8 block validator used both for
// self-built and received blocks.
// NewBlockValidator constructs a validator usable both by the orchestrator's
// own block production and by a SyncManager validating blocks fetched from
// peers during directed sync — both need the identical gas cap / reward
// schedule / activation-tier rules.
func NewBlockValidator(activation *ActivationRegistry, gasCap uint64, reward RewardSchedule) *BlockValidator {
	return &BlockValidator{activation: activation, gasCap: gasCap, reward: reward}
}

type BlockValidator struct {
	activation *ActivationRegistry
	gasCap     uint64
	reward     RewardSchedule
}

var _ Validator = (*BlockValidator)(nil)

// ValidateBlock checks structural, reward, transaction and producer
// invariants. prev is nil only for genesis.
func (v *BlockValidator) ValidateBlock(b *Block, prev *Block) error {
	if len(b.Transactions) == 0 {
		return NewError(KindInvalidInput, "block: empty body, missing coinbase", nil)
	}
	wantHash := sha256.Sum256(b.Header.signingBytes())
	if wantHash != b.Hash {
		return NewError(KindFatal, "block: hash mismatch", nil)
	}
	if prev != nil {
		if b.Header.Height != prev.Header.Height+1 {
			return NewError(KindInvalidInput, "block: non-sequential height", nil)
		}
		if b.Header.PrevHash != prev.Hash {
			return NewError(KindFatal, "block: prev_hash mismatch", nil)
		}
	}

	coinbase := b.Transactions[0]
	if coinbase.Kind != TxCoinbase {
		return NewError(KindInvalidInput, "block: missing coinbase at index 0", nil)
	}
	if coinbase.Amount != v.reward.BaseReward(b.Header.Height) {
		return NewError(KindInvalidInput, "block: coinbase amount mismatch", nil)
	}
	if coinbase.To != b.Header.Producer {
		return NewError(KindInvalidInput, "block: coinbase recipient mismatch", nil)
	}

	seen := make(map[Hash]struct{}, len(b.Transactions))
	lastNonce := make(map[Address]uint64)
	var gasTotal uint64
	leaves := make([]Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		id := tx.ID()
		if _, dup := seen[id]; dup {
			return NewError(KindInvalidInput, "block: duplicate transaction hash", nil)
		}
		seen[id] = struct{}{}
		leaves[i] = id

		if i == 0 {
			continue
		}
		if !tx.Kind.Valid() {
			return NewError(KindInvalidInput, "block: invalid transaction kind", nil)
		}
		if !tx.From.IsZero() {
			if !VerifyTxSignature(id, tx.Sig, tx.From) {
				return NewError(KindInvalidInput, "block: bad transaction signature", nil)
			}
			if prior, ok := lastNonce[tx.From]; ok && tx.Nonce <= prior {
				return NewError(KindInvalidInput, "block: non-increasing nonce within block", nil)
			}
			lastNonce[tx.From] = tx.Nonce
		}
		gasTotal += tx.GasLimit
	}
	if v.gasCap > 0 && gasTotal > v.gasCap {
		return NewError(KindInvalidInput, "block: total gas exceeds cap", nil)
	}

	root, err := ComputeMerkleRoot(leaves)
	if err != nil || root != b.Header.MerkleRoot {
		return NewError(KindFatal, "block: merkle root mismatch", nil)
	}

	if !VerifyEd25519(b.Header.ProducerPubKey, b.Hash[:], b.ProducerSig) {
		return NewError(KindFatal, "block: invalid producer signature", nil)
	}
	if v.activation != nil && !v.activation.IsActiveProducer(b.Header.Producer) {
		return NewError(KindUnauthorized, "block: producer lacks active full/super binding", nil)
	}
	return nil
}

//---------------------------------------------------------------------
// Retry policy
//---------------------------------------------------------------------

// withRetry retries fn on transient errors with exponential backoff
// (factor 2, base 1s, cap 3 attempts), per §4.8's retry policy.
func withRetry(fn func() error) error {
	var err error
	delay := 1 * time.Second
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !IsKind(err, KindTransient) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

//---------------------------------------------------------------------
// Health / readiness
//---------------------------------------------------------------------

// HealthStatus reports readiness (can serve queries) and liveness (round
// engine is progressing) independently, per §6.
type HealthStatus struct {
	Ready       bool   `json:"ready"`
	Live        bool   `json:"live"`
	Height      uint64 `json:"height"`
	Phase       Phase  `json:"phase"`
	InPartition bool   `json:"in_partition"`
}

// Health reports the orchestrator's current readiness/liveness snapshot.
// Liveness fails if no round has finalised within 4x the configured round
// interval, a sign the loop is wedged rather than merely stalling.
func (o *Orchestrator) Health() HealthStatus {
	live := o.lastFinalised.IsZero() || time.Since(o.lastFinalised) < 4*o.cfg.RoundInterval
	return HealthStatus{
		Ready:       o.store != nil,
		Live:        live,
		Height:      o.store.LastHeight(),
		Phase:       o.round.Phase(),
		InPartition: o.partition != nil && o.partition.InPartition(),
	}
}

