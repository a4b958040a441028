package core

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"
)

type stubOracle struct {
	proofs map[string]BurnProof
}

func (o stubOracle) VerifyBurn(ctx context.Context, wallet Address, required uint64) (BurnProof, error) {
	p, ok := o.proofs[wallet.Hex()]
	if !ok {
		return BurnProof{}, NewError(KindNotFound, "activation: no burn found for wallet", nil)
	}
	return p, nil
}

func newTestRegistry(t *testing.T, oracle BurnOracle) (*ActivationRegistry, *Store) {
	t.Helper()
	store, err := NewStore(StoreConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	required := RequiredBurnUnits{TierFull: 100}
	return NewActivationRegistry(store, oracle, required, time.Hour), store
}

func signedActivation(t *testing.T, burnTx string, wallet Address, nodeType NodeTier) (ed25519.PublicKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	msg := activationMessage(burnTx, wallet, pub, nodeType)
	return pub, ed25519.Sign(priv, msg)
}

// TestActivationReplayProtection mirrors S2: a wallet can activate once;
// reusing the wallet with a different node key is rejected as conflict, and
// reusing a burn tx for a different wallet is rejected as conflict too.
func TestActivationReplayProtection(t *testing.T) {
	var w1 Address
	w1[0] = 0x01
	oracle := stubOracle{proofs: map[string]BurnProof{
		w1.Hex(): {Wallet: w1, Amount: 100, TxHash: "T1"},
	}}
	reg, _ := newTestRegistry(t, oracle)

	pub1, sig1 := signedActivation(t, "T1", w1, TierFull)
	if err := reg.VerifyActivation(context.Background(), "T1", w1, pub1, TierFull, sig1); err != nil {
		t.Fatalf("first activation should succeed: %v", err)
	}
	if _, err := reg.Activate("T1", w1, pub1, TierFull, 1); err != nil {
		t.Fatalf("activate: %v", err)
	}

	pub2, sig2 := signedActivation(t, "T1", w1, TierFull)
	err := reg.VerifyActivation(context.Background(), "T1", w1, pub2, TierFull, sig2)
	if KindOf(err) != KindConflict {
		t.Fatalf("reactivating bound wallet with a new key should conflict, got %v", err)
	}

	var w2 Address
	w2[0] = 0x02
	oracle.proofs[w2.Hex()] = BurnProof{Wallet: w2, Amount: 100, TxHash: "T1"}
	pub3, sig3 := signedActivation(t, "T1", w2, TierFull)
	err = reg.VerifyActivation(context.Background(), "T1", w2, pub3, TierFull, sig3)
	if KindOf(err) != KindConflict {
		t.Fatalf("reusing burn_tx for a different wallet should conflict, got %v", err)
	}
}

func TestActivationRejectsUnknownNodeType(t *testing.T) {
	var w Address
	w[0] = 0x03
	reg, _ := newTestRegistry(t, stubOracle{proofs: map[string]BurnProof{}})
	pub, sig := signedActivation(t, "T9", w, "bogus")
	err := reg.VerifyActivation(context.Background(), "T9", w, pub, "bogus", sig)
	if KindOf(err) != KindInvalidInput {
		t.Fatalf("unknown node_type should be invalid_input, got %v", err)
	}
}

func TestActivationOracleTransientFailure(t *testing.T) {
	var w Address
	w[0] = 0x04
	reg, _ := newTestRegistry(t, stubOracle{proofs: map[string]BurnProof{}})
	pub, sig := signedActivation(t, "T10", w, TierFull)
	err := reg.VerifyActivation(context.Background(), "T10", w, pub, TierFull, sig)
	if KindOf(err) != KindTransient {
		t.Fatalf("oracle lookup failure should surface as transient, got %v", err)
	}
}

func TestActivationTransferRebindsAtomically(t *testing.T) {
	var w Address
	w[0] = 0x05
	oracle := stubOracle{proofs: map[string]BurnProof{w.Hex(): {Wallet: w, Amount: 100, TxHash: "T20"}}}
	reg, _ := newTestRegistry(t, oracle)
	pub1, sig1 := signedActivation(t, "T20", w, TierFull)
	if err := reg.VerifyActivation(context.Background(), "T20", w, pub1, TierFull, sig1); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := reg.Activate("T20", w, pub1, TierFull, 1); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := reg.InitiateTransfer(w, "code-1"); err != nil {
		t.Fatalf("initiate transfer: %v", err)
	}
	newPub, _, _ := ed25519.GenerateKey(nil)
	tx, err := reg.CompleteTransfer("code-1", "T21", newPub, 2)
	if err != nil {
		t.Fatalf("complete transfer: %v", err)
	}
	if tx.From != w {
		t.Fatalf("transfer tx should originate from the wallet, got %s", tx.From.Hex())
	}
	if _, ok := reg.ByBurnTx("T20"); ok {
		t.Fatal("old burn binding should be removed after transfer")
	}
	if rec, ok := reg.ByWallet(w); !ok || string(rec.NodePublicKey) != string(newPub) {
		t.Fatal("wallet binding should now point at the new node key")
	}
	if _, err := reg.CompleteTransfer("code-1", "T22", newPub, 3); KindOf(err) != KindStale {
		t.Fatalf("transfer code must be single-use (reuse is stale), got %v", err)
	}
}
