package core

import (
	"testing"
	"time"
)

func reportTipN(d *PartitionDetector, peer NodeID, height uint64, hash Hash, n int) {
	for i := 0; i < n; i++ {
		d.ReportTip(TipReport{Peer: peer, Height: height, Hash: hash})
	}
}

func TestPartitionMajorityHeightTriggersSync(t *testing.T) {
	d := NewPartitionDetector(nil, time.Millisecond)
	d.SetLocalTip(98, Hash{0x01})

	var tipX Hash
	tipX[0] = 0xAA

	for i := 0; i < 7; i++ {
		reportTipN(d, NodeID(string(rune('A'+i))), 100, tipX, minDataPoints)
	}
	for i := 7; i < 10; i++ {
		reportTipN(d, NodeID(string(rune('A'+i))), 98, Hash{0x01}, minDataPoints)
	}

	time.Sleep(5 * time.Millisecond)

	report := d.Scan()
	if !report.Partition {
		t.Fatal("expected partition with 7/10 peers ahead past cooldown")
	}
	if report.MajorityHeight != 100 || report.MajorityTipHash != tipX {
		t.Fatalf("unexpected majority target: height=%d hash=%x", report.MajorityHeight, report.MajorityTipHash)
	}
	if !d.InPartition() {
		t.Fatal("InPartition() should reflect the raised partition")
	}
}

func TestPartitionClearsOnMatchingTip(t *testing.T) {
	d := NewPartitionDetector(nil, time.Millisecond)
	d.SetLocalTip(98, Hash{0x01})
	var tipX Hash
	tipX[0] = 0xAA
	for i := 0; i < 7; i++ {
		reportTipN(d, NodeID(string(rune('A'+i))), 100, tipX, minDataPoints)
	}
	time.Sleep(5 * time.Millisecond)
	if !d.Scan().Partition {
		t.Fatal("expected partition before sync completes")
	}
	d.SetLocalTip(100, tipX)
	if d.InPartition() {
		t.Fatal("partition should clear once local tip matches majority tip")
	}
}

func TestPartitionIgnoresPeersBelowMinDataPoints(t *testing.T) {
	d := NewPartitionDetector(nil, time.Millisecond)
	d.SetLocalTip(98, Hash{0x01})
	var tipX Hash
	tipX[0] = 0xAA
	for i := 0; i < 7; i++ {
		reportTipN(d, NodeID(string(rune('A'+i))), 100, tipX, minDataPoints-1)
	}
	time.Sleep(5 * time.Millisecond)
	if d.Scan().Partition {
		t.Fatal("peers below minDataPoints must not count toward the majority vote")
	}
}

func TestSyncManagerHaltsOnInvalidBlock(t *testing.T) {
	store, err := NewStore(StoreConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	src := fakeBlockSource{blocks: []*Block{{Header: BlockHeader{Height: 1}}}}
	sync := NewSyncManager(store, src, failingValidator{})
	if err := sync.SyncTo("peerA", 1); err == nil {
		t.Fatal("expected sync to halt on validator rejection")
	}
}

type fakeBlockSource struct{ blocks []*Block }

func (f fakeBlockSource) FetchRange(peer NodeID, from, to uint64) ([]*Block, error) {
	return f.blocks, nil
}

type failingValidator struct{}

func (failingValidator) ValidateBlock(b *Block, prev *Block) error {
	return NewError(KindFatal, "rejected for test", nil)
}
