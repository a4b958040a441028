package core

import "testing"

func findTxForShard(t *testing.T, shards map[uint32]struct{}, wantInSet bool) *Transaction {
	t.Helper()
	for nonce := uint64(0); nonce < 10000; nonce++ {
		tx := &Transaction{Kind: TxTransfer, GasPrice: 1, GasLimit: 1, Nonce: nonce}
		_, inSet := shards[ShardOf(tx.ID())]
		if inSet == wantInSet {
			return tx
		}
	}
	t.Fatalf("could not find a transaction with shard membership=%v after 10000 tries", wantInSet)
	return nil
}

// TestShardedAdmission mirrors S3: a transaction whose shard is assigned to
// this node is admitted and grows the pool; one whose shard is not assigned
// is rejected and leaves the pool size unchanged.
func TestShardedAdmission(t *testing.T) {
	nodeID := NodeID("N")
	tier := TierFull
	shards := AssignedShards(nodeID, tier)
	pool := NewMempool(nodeID, tier, MempoolConfig{MaxBytes: 1 << 20}, nil, nil)

	inShard := findTxForShard(t, shards, true)
	hash, err := pool.Submit(inShard)
	if err != nil {
		t.Fatalf("expected admission for in-shard tx: %v", err)
	}
	if hash != inShard.ID() {
		t.Fatal("returned hash does not match submitted transaction")
	}
	if pool.Size() != 1 {
		t.Fatalf("pool size = %d, want 1", pool.Size())
	}

	outOfShard := findTxForShard(t, shards, false)
	if _, err := pool.Submit(outOfShard); KindOf(err) != KindInvalidInput {
		t.Fatalf("expected invalid_input for out-of-shard tx, got %v", err)
	}
	if pool.Size() != 1 {
		t.Fatalf("pool size changed after rejected submission: %d", pool.Size())
	}
}

func TestMempoolLightTierRejectsAdmission(t *testing.T) {
	pool := NewMempool("N", TierLight, MempoolConfig{}, nil, nil)
	tx := &Transaction{Kind: TxTransfer, GasPrice: 1, GasLimit: 1}
	if _, err := pool.Submit(tx); KindOf(err) != KindInvalidInput {
		t.Fatalf("light-tier node has no assigned shards, want invalid_input, got %v", err)
	}
}

func TestMempoolOrderingWithinShard(t *testing.T) {
	nodeID := NodeID("N")
	tier := TierFull
	shards := AssignedShards(nodeID, tier)
	var shard uint32
	for s := range shards {
		shard = s
	}
	pool := NewMempool(nodeID, tier, MempoolConfig{MaxBytes: 1 << 20}, nil, nil)

	var high, low *Transaction
	for nonce := uint64(0); nonce < 10000; nonce++ {
		tx := &Transaction{Kind: TxTransfer, GasPrice: 10, GasLimit: 1, Nonce: nonce, Timestamp: 1}
		if ShardOf(tx.ID()) == shard {
			high = tx
			break
		}
	}
	for nonce := uint64(10000); nonce < 20000; nonce++ {
		tx := &Transaction{Kind: TxTransfer, GasPrice: 1, GasLimit: 1, Nonce: nonce, Timestamp: 1}
		if ShardOf(tx.ID()) == shard {
			low = tx
			break
		}
	}
	if high == nil || low == nil {
		t.Fatal("could not find two transactions in the same shard")
	}
	if _, err := pool.Submit(low); err != nil {
		t.Fatalf("submit low: %v", err)
	}
	if _, err := pool.Submit(high); err != nil {
		t.Fatalf("submit high: %v", err)
	}
	pending := pool.Pending(shard, 0)
	if len(pending) != 2 || pending[0].GasPrice != 10 {
		t.Fatalf("expected higher gas_price first, got %+v", pending)
	}
}
