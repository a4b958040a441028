package core

// Activation Registry (C6): verifies burn proof, binds wallet <-> node
// public key one-to-one, and supports time-limited transfer of a binding to
// a new node key. Grounded on the teacher's authority_nodes.go role/
// threshold admission pattern, reused here for the node_type tiering and
// the single-writer-lock dual-index discipline the spec requires. The
// cumulative burn_history(wallet) counter is supplemented from
// original_source's burn_state_tracker.py (a read-only derived counter, not
// a new index, per SPEC_FULL §4.6).

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SystemActivation is the sentinel recipient address for NODE_ACTIVATION
// transactions; it never holds a spendable balance.
var SystemActivation = Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// BurnProof is the oracle's attestation of a confirmed burn.
type BurnProof struct {
	Wallet  Address
	Amount  uint64
	TxHash  string
}

// BurnOracle is the required external collaborator verifying burns on the
// settlement chain. No mock implementation ships in this package: a test
// double belongs only in _test.go files, per the Open Question decision.
type BurnOracle interface {
	VerifyBurn(ctx context.Context, wallet Address, requiredUnits uint64) (BurnProof, error)
}

// ActivationRecord is the durable binding created on a verified burn.
type ActivationRecord struct {
	BurnTxHash    string
	Wallet        Address
	NodePublicKey []byte
	NodeType      NodeTier
	ActivationTime int64
	BlockHeight   uint64
}

type transferCode struct {
	Code       string
	Wallet     Address
	ExpiresAt  int64
	Used       bool
}

// RequiredBurnUnits maps node tier to the type-specific burn amount.
type RequiredBurnUnits map[NodeTier]uint64

// ActivationRegistry enforces one-wallet-one-node via burn verification. A
// single writer lock guards all mutation since every write must stay
// atomic across the by-burn and by-wallet indexes.
type ActivationRegistry struct {
	mu sync.Mutex

	state  StateRW
	oracle BurnOracle
	log    *logrus.Logger

	required      RequiredBurnUnits
	transferTTL   time.Duration

	transfers map[string]*transferCode
}

// NewActivationRegistry constructs the registry. required supplies the
// per-tier burn amounts; transferTTL defaults to 24h.
func NewActivationRegistry(state StateRW, oracle BurnOracle, required RequiredBurnUnits, transferTTL time.Duration) *ActivationRegistry {
	if transferTTL <= 0 {
		transferTTL = 24 * time.Hour
	}
	return &ActivationRegistry{
		state:       state,
		oracle:      oracle,
		required:    required,
		transferTTL: transferTTL,
		transfers:   make(map[string]*transferCode),
		log:         logrus.StandardLogger(),
	}
}

func byBurnKey(burnTxHash string) []byte {
	return append([]byte(PrefixActByBurn), []byte(burnTxHash)...)
}

func byWalletKey(wallet Address) []byte {
	return append([]byte(PrefixActByWallet), wallet[:]...)
}

func burnHistoryKey(wallet Address) []byte {
	return append([]byte(PrefixActByWallet+"history:"), wallet[:]...)
}

func (r *ActivationRegistry) recordExists(key []byte) bool {
	ok, _ := r.state.HasState(key)
	return ok
}

func (r *ActivationRegistry) getRecord(key []byte) (*ActivationRecord, bool) {
	raw, err := r.state.GetState(key)
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	var rec ActivationRecord
	if json.Unmarshal(raw, &rec) != nil {
		return nil, false
	}
	return &rec, true
}

// VerifyActivation implements the five-step admission gate of §4.6. It does
// not mutate state; callers invoke Activate on success.
func (r *ActivationRegistry) VerifyActivation(ctx context.Context, burnTxHash string, wallet Address, nodePubKey []byte, nodeType NodeTier, signature []byte) error {
	r.mu.Lock()
	walletTaken := r.recordExists(byWalletKey(wallet))
	burnTaken := r.recordExists(byBurnKey(burnTxHash))
	r.mu.Unlock()

	if walletTaken {
		return NewError(KindConflict, "activation: wallet already bound", nil)
	}
	if burnTaken {
		return NewError(KindConflict, "activation: burn transaction already consumed", nil)
	}
	switch nodeType {
	case TierLight, TierFull, TierSuper:
	default:
		return NewError(KindInvalidInput, "activation: unknown node_type", nil)
	}

	required, ok := r.required[nodeType]
	if !ok {
		return NewError(KindInvalidInput, "activation: no burn requirement configured for node_type", nil)
	}
	proof, err := r.oracle.VerifyBurn(ctx, wallet, required)
	if err != nil {
		return NewError(KindTransient, "activation: burn oracle unavailable", err)
	}
	if proof.TxHash != burnTxHash || proof.Wallet != wallet || proof.Amount < required {
		return NewError(KindInvalidInput, "activation: burn proof does not match claim", nil)
	}

	msg := activationMessage(burnTxHash, wallet, nodePubKey, nodeType)
	if len(nodePubKey) != ed25519.PublicKeySize || !ed25519.Verify(nodePubKey, msg, signature) {
		return NewError(KindUnauthorized, "activation: signature verification failed", nil)
	}
	return nil
}

// activationMessage builds the canonical message signed by the node key.
func activationMessage(burnTxHash string, wallet Address, nodePubKey []byte, nodeType NodeTier) []byte {
	buf := append([]byte(burnTxHash), wallet[:]...)
	buf = append(buf, nodePubKey...)
	buf = append(buf, []byte(nodeType)...)
	return buf
}

// Activate atomically inserts the binding into both indexes and returns the
// NODE_ACTIVATION transaction to emit. Callers must have called
// VerifyActivation successfully first; Activate re-checks both indexes
// under the writer lock to close the TOCTOU window.
func (r *ActivationRegistry) Activate(burnTxHash string, wallet Address, nodePubKey []byte, nodeType NodeTier, height uint64) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recordExists(byWalletKey(wallet)) {
		return nil, NewError(KindConflict, "activation: wallet already bound", nil)
	}
	if r.recordExists(byBurnKey(burnTxHash)) {
		return nil, NewError(KindConflict, "activation: burn transaction already consumed", nil)
	}

	rec := ActivationRecord{
		BurnTxHash:     burnTxHash,
		Wallet:         wallet,
		NodePublicKey:  nodePubKey,
		NodeType:       nodeType,
		ActivationTime: time.Now().Unix(),
		BlockHeight:    height,
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, NewError(KindFatal, "activation: marshal record", err)
	}
	if err := r.state.SetState(byBurnKey(burnTxHash), blob); err != nil {
		return nil, NewError(KindFatal, "activation: write by-burn index", err)
	}
	if err := r.state.SetState(byWalletKey(wallet), blob); err != nil {
		return nil, NewError(KindFatal, "activation: write by-wallet index", err)
	}
	r.bumpBurnHistoryLocked(wallet, r.required[nodeType])

	data, _ := json.Marshal(map[string]interface{}{
		"burn_tx_hash": burnTxHash,
		"wallet":       wallet.Hex(),
		"node_pubkey":  nodePubKey,
		"node_type":    string(nodeType),
	})
	tx := &Transaction{
		Kind:      TxNodeActivation,
		From:      wallet,
		To:        SystemActivation,
		Amount:    0,
		GasPrice:  0,
		GasLimit:  0,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	tx.HashTx()
	r.log.WithFields(logrus.Fields{"wallet": wallet.Hex(), "burn_tx": burnTxHash, "node_type": nodeType}).Info("activation: node activated")
	return tx, nil
}

func (r *ActivationRegistry) bumpBurnHistoryLocked(wallet Address, amount uint64) {
	raw, _ := r.state.GetState(burnHistoryKey(wallet))
	var total uint64
	if len(raw) == 8 {
		total = beUint64(raw)
	}
	total += amount
	_ = r.state.SetState(burnHistoryKey(wallet), beBytes(total))
}

// BurnHistory returns the cumulative burned units recorded for a wallet by
// Activate; CompleteTransfer does not add to it.
func (r *ActivationRegistry) BurnHistory(wallet Address) uint64 {
	raw, err := r.state.GetState(burnHistoryKey(wallet))
	if err != nil || len(raw) != 8 {
		return 0
	}
	return beUint64(raw)
}

// ByWallet looks up a wallet's current activation binding.
func (r *ActivationRegistry) ByWallet(wallet Address) (*ActivationRecord, bool) {
	return r.getRecord(byWalletKey(wallet))
}

// ByBurnTx looks up the activation record created by a given burn.
func (r *ActivationRegistry) ByBurnTx(burnTxHash string) (*ActivationRecord, bool) {
	return r.getRecord(byBurnKey(burnTxHash))
}

// IsActiveProducer reports whether addr holds an activation record eligible
// to produce blocks (node_type full or super).
func (r *ActivationRegistry) IsActiveProducer(addr Address) bool {
	rec, ok := r.ByWallet(addr)
	if !ok {
		return false
	}
	return rec.NodeType == TierFull || rec.NodeType == TierSuper
}

//---------------------------------------------------------------------
// Transfer
//---------------------------------------------------------------------

// InitiateTransfer issues a short-lived, single-use transfer code for a
// wallet's existing activation.
func (r *ActivationRegistry) InitiateTransfer(wallet Address, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recordExists(byWalletKey(wallet)) {
		return NewError(KindNotFound, "activation: wallet has no active binding", nil)
	}
	r.transfers[code] = &transferCode{
		Code:      code,
		Wallet:    wallet,
		ExpiresAt: time.Now().Add(r.transferTTL).Unix(),
	}
	return nil
}

// CancelTransfer invalidates an unused transfer code.
func (r *ActivationRegistry) CancelTransfer(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transfers, code)
}

// CompleteTransfer presents (burn_tx_hash, transfer_code) from a new node
// and atomically rebinds the wallet's activation to the new node key,
// deactivating the previous binding.
func (r *ActivationRegistry) CompleteTransfer(code string, newBurnTxHash string, newNodePubKey []byte, height uint64) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tc, ok := r.transfers[code]
	if !ok {
		return nil, NewError(KindNotFound, "activation: unknown transfer code", nil)
	}
	if tc.Used || time.Now().Unix() > tc.ExpiresAt {
		delete(r.transfers, code)
		return nil, NewError(KindStale, "activation: transfer code expired or used", nil)
	}
	if r.recordExists(byBurnKey(newBurnTxHash)) {
		return nil, NewError(KindConflict, "activation: burn transaction already consumed", nil)
	}

	old, ok := r.getRecord(byWalletKey(tc.Wallet))
	if !ok {
		delete(r.transfers, code)
		return nil, NewError(KindNotFound, "activation: prior binding vanished", nil)
	}

	tc.Used = true

	rec := ActivationRecord{
		BurnTxHash:     newBurnTxHash,
		Wallet:         tc.Wallet,
		NodePublicKey:  newNodePubKey,
		NodeType:       old.NodeType,
		ActivationTime: time.Now().Unix(),
		BlockHeight:    height,
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, NewError(KindFatal, "activation: marshal record", err)
	}
	if err := r.state.DeleteState(byBurnKey(old.BurnTxHash)); err != nil {
		return nil, NewError(KindFatal, "activation: remove old by-burn index", err)
	}
	if err := r.state.SetState(byBurnKey(newBurnTxHash), blob); err != nil {
		return nil, NewError(KindFatal, "activation: write by-burn index", err)
	}
	if err := r.state.SetState(byWalletKey(tc.Wallet), blob); err != nil {
		return nil, NewError(KindFatal, "activation: write by-wallet index", err)
	}

	data, _ := json.Marshal(map[string]interface{}{
		"burn_tx_hash": newBurnTxHash,
		"wallet":       tc.Wallet.Hex(),
		"node_pubkey":  newNodePubKey,
		"node_type":    string(old.NodeType),
		"transfer_of":  old.BurnTxHash,
	})
	tx := &Transaction{
		Kind:      TxNodeActivation,
		From:      tc.Wallet,
		To:        SystemActivation,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	tx.HashTx()
	r.log.WithFields(logrus.Fields{"wallet": tc.Wallet.Hex(), "old_burn": old.BurnTxHash, "new_burn": newBurnTxHash}).Info("activation: transfer completed")
	return tx, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func beBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
