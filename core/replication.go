package core

// Replication subsystem: decentralised block propagation and on-demand
// sync. Gossips new-block inventory to a fanout of peers, answers inventory
// requests from others, and serves the ranged fetch used by the partition
// detector's directed sync. Grounded on the teacher's replication.go wire
// protocol shape (inv / getdata / block / getrange / rangeblocks), with the
// block encoding switched from RLP-over-whole-struct to RLP-over-header
// plus a JSON transaction body so BlockReader.ImportBlock sees the same
// *Block the rest of the node works with.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
)

type msgType uint8

const (
	msgInv msgType = iota + 1
	msgGetData
	msgBlock
	msgGetRange
	msgRangeBlocks
)

const protocolID = "qnet-repl/1"

type invMsg struct {
	Hashes [][]byte `json:"hashes"`
}

type getDataMsg struct {
	Hashes [][]byte `json:"hashes"`
}

type wireBlock struct {
	HeaderRLP []byte `json:"header_rlp"`
	TxsJSON   []byte `json:"txs_json"`
	Hash      []byte `json:"hash"`
	Sig       []byte `json:"sig"`
}

type blockMsg struct {
	Block wireBlock `json:"block"`
}

type getRangeMsg struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

type rangeBlocksMsg struct {
	Blocks []wireBlock `json:"blocks"`
}

// ReplicationConfig tunes gossip fanout and sync behaviour.
type ReplicationConfig struct {
	Fanout         int
	RequestTimeout time.Duration
	SyncBatchSize  uint64
}

func (c *ReplicationConfig) withDefaults() *ReplicationConfig {
	if c == nil {
		c = &ReplicationConfig{}
	}
	if c.Fanout <= 0 {
		c.Fanout = 6
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.SyncBatchSize == 0 {
		c.SyncBatchSize = 128
	}
	return c
}

// replicationState is the runtime half of the shared Replicator struct
// declared in common_structs.go (which only carries the peer table so it
// can be referenced by lighter-weight callers); the full machinery lives
// here, attached via the state pointer field set up by NewReplicator.
type replicationState struct {
	logger  *logrus.Logger
	cfg     *ReplicationConfig
	store   BlockReader
	pm      PeerManager
	closing chan struct{}
	wg      sync.WaitGroup

	rangeMu sync.Mutex
	rangeCh chan []*Block

	blockWaiters   map[Hash]chan *Block
	blockWaitersMu sync.Mutex
}

// ReplicatorService is the externally used replicator; Replicator in
// common_structs.go stays a minimal peer table for callers that only need
// to look at connected peers.
type ReplicatorService struct {
	Replicator
	state *replicationState
}

// NewReplicator wires the replication subsystem over a BlockReader (the
// embedded Store) and a PeerManager (the libp2p-backed transport).
func NewReplicator(cfg *ReplicationConfig, lg *logrus.Logger, store BlockReader, pm PeerManager) *ReplicatorService {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &ReplicatorService{
		Replicator: Replicator{peers: make(map[NodeID]*Peer)},
		state: &replicationState{
			logger:       lg,
			cfg:          cfg.withDefaults(),
			store:        store,
			pm:           pm,
			closing:      make(chan struct{}),
			rangeCh:      make(chan []*Block, 1),
			blockWaiters: make(map[Hash]chan *Block),
		},
	}
}

func encodeBlock(b *Block) (wireBlock, error) {
	headerRLP, err := rlp.EncodeToBytes(&b.Header)
	if err != nil {
		return wireBlock{}, err
	}
	txsJSON, err := json.Marshal(b.Transactions)
	if err != nil {
		return wireBlock{}, err
	}
	return wireBlock{HeaderRLP: headerRLP, TxsJSON: txsJSON, Hash: b.Hash[:], Sig: b.ProducerSig}, nil
}

func decodeBlock(w wireBlock) (*Block, error) {
	var header BlockHeader
	if err := rlp.DecodeBytes(w.HeaderRLP, &header); err != nil {
		return nil, err
	}
	var txs []*Transaction
	if err := json.Unmarshal(w.TxsJSON, &txs); err != nil {
		return nil, err
	}
	var hash Hash
	copy(hash[:], w.Hash)
	return &Block{Header: header, Transactions: txs, Hash: hash, ProducerSig: w.Sig}, nil
}

//---------------------------------------------------------------------
// Public API
//---------------------------------------------------------------------

// ReplicateBlock gossips a newly committed block's hash to a fanout of
// peers and keeps the full block available to getdata requesters.
func (r *ReplicatorService) ReplicateBlock(b *Block) {
	inv := invMsg{Hashes: [][]byte{b.Hash[:]}}
	payload, _ := json.Marshal(inv)
	peers := r.state.pm.Sample(r.state.cfg.Fanout)
	for _, p := range peers {
		if err := r.state.pm.SendAsync(p, protocolID, byte(msgInv), payload); err != nil {
			r.state.logger.WithError(err).WithField("peer", p).Warn("replication: inv send failed")
		}
	}
	r.state.logger.WithFields(logrus.Fields{"hash": b.Hash.Short(), "peers": len(peers)}).Debug("replication: disseminated inv")
}

// RequestMissing fetches a single block by hash from a sample of peers.
func (r *ReplicatorService) RequestMissing(h Hash) (*Block, error) {
	peers := r.state.pm.Sample(r.state.cfg.Fanout + 1)
	if len(peers) == 0 {
		return nil, NewError(KindTransient, "replication: no peers available", nil)
	}
	req := getDataMsg{Hashes: [][]byte{h[:]}}
	data, _ := json.Marshal(req)

	ctx, cancel := context.WithTimeout(context.Background(), r.state.cfg.RequestTimeout)
	defer cancel()

	wait := r.registerWaiter(h)
	defer r.clearWaiter(h)

	for _, p := range peers {
		if err := r.state.pm.SendAsync(p, protocolID, byte(msgGetData), data); err != nil {
			r.state.logger.WithError(err).WithField("peer", p).Warn("replication: getdata send failed")
		}
	}

	select {
	case blk := <-wait:
		return blk, nil
	case <-ctx.Done():
		return nil, NewError(KindTransient, "replication: request timed out", ctx.Err())
	}
}

// FetchRange implements the partition detector's BlockSource: synchronous
// range fetch from the given peer. A failed send or a timeout returns a
// transient error; no other peer is tried.
func (r *ReplicatorService) FetchRange(peer NodeID, from, to uint64) ([]*Block, error) {
	req := getRangeMsg{Start: from, End: to}
	data, _ := json.Marshal(req)
	if err := r.state.pm.SendAsync(string(peer), protocolID, byte(msgGetRange), data); err != nil {
		return nil, NewError(KindTransient, "replication: getrange send failed", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.state.cfg.RequestTimeout)
	defer cancel()
	select {
	case blocks := <-r.state.rangeCh:
		return blocks, nil
	case <-ctx.Done():
		return nil, NewError(KindTransient, "replication: range fetch timed out", ctx.Err())
	}
}

// Synchronize drains peer blocks from our height forward until a peer has
// nothing more to offer.
func (r *ReplicatorService) Synchronize(ctx context.Context) error {
	peers := r.state.pm.Sample(1)
	if len(peers) == 0 {
		return NewError(KindTransient, "replication: no peers available", nil)
	}
	peer := NodeID(peers[0])
	start := r.state.store.LastHeight() + 1
	for {
		end := start + r.state.cfg.SyncBatchSize - 1
		blocks, err := r.FetchRange(peer, start, end)
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return nil
		}
		for _, b := range blocks {
			if err := r.state.store.ImportBlock(b); err != nil {
				r.state.logger.WithError(err).WithField("height", b.Header.Height).Warn("replication: sync import failed")
			}
		}
		start += uint64(len(blocks))
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

//---------------------------------------------------------------------
// Service loop
//---------------------------------------------------------------------

// Start subscribes to the replication protocol and begins handling inbound
// messages until Stop is called.
func (r *ReplicatorService) Start() {
	sub := r.state.pm.Subscribe(protocolID)
	r.state.wg.Add(1)
	go r.readLoop(sub)
}

func (r *ReplicatorService) Stop() {
	close(r.state.closing)
	r.state.pm.Unsubscribe(protocolID)
	r.state.wg.Wait()
}

func (r *ReplicatorService) readLoop(sub <-chan InboundMsg) {
	defer r.state.wg.Done()
	for {
		select {
		case <-r.state.closing:
			return
		case m := <-sub:
			go r.handleMsg(m)
		}
	}
}

func (r *ReplicatorService) handleMsg(m InboundMsg) {
	switch msgType(m.Code) {
	case msgInv:
		r.handleInv(m.PeerID, m.Payload)
	case msgGetData:
		r.handleGetData(m.PeerID, m.Payload)
	case msgBlock:
		r.handleBlockMsg(m.PeerID, m.Payload)
	case msgGetRange:
		r.handleGetRange(m.PeerID, m.Payload)
	case msgRangeBlocks:
		r.handleRangeBlocks(m.Payload)
	default:
		r.state.logger.WithField("code", m.Code).Warn("replication: unknown message code")
	}
}

func (r *ReplicatorService) handleInv(peer string, data []byte) {
	var inv invMsg
	if err := json.Unmarshal(data, &inv); err != nil {
		return
	}
	for _, hb := range inv.Hashes {
		if len(hb) != 32 {
			continue
		}
		var h Hash
		copy(h[:], hb)
		if _, err := r.state.store.BlockByHash(h); err != nil {
			go r.RequestMissing(h)
		}
	}
}

func (r *ReplicatorService) handleGetData(peer string, data []byte) {
	var req getDataMsg
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	for _, hb := range req.Hashes {
		if len(hb) != 32 {
			continue
		}
		var h Hash
		copy(h[:], hb)
		blk, err := r.state.store.BlockByHash(h)
		if err != nil {
			continue
		}
		wb, err := encodeBlock(blk)
		if err != nil {
			continue
		}
		payload, _ := json.Marshal(blockMsg{Block: wb})
		if err := r.state.pm.SendAsync(peer, protocolID, byte(msgBlock), payload); err != nil {
			r.state.logger.WithError(err).Warn("replication: block send failed")
		}
	}
}

func (r *ReplicatorService) handleGetRange(peer string, data []byte) {
	var req getRangeMsg
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	var resp rangeBlocksMsg
	for h := req.Start; h <= req.End; h++ {
		blk, err := r.state.store.GetBlock(h)
		if err != nil {
			break
		}
		wb, err := encodeBlock(blk)
		if err != nil {
			break
		}
		resp.Blocks = append(resp.Blocks, wb)
	}
	payload, _ := json.Marshal(resp)
	if err := r.state.pm.SendAsync(peer, protocolID, byte(msgRangeBlocks), payload); err != nil {
		r.state.logger.WithError(err).Warn("replication: range send failed")
	}
}

func (r *ReplicatorService) handleRangeBlocks(data []byte) {
	var msg rangeBlocksMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	blocks := make([]*Block, 0, len(msg.Blocks))
	for _, wb := range msg.Blocks {
		blk, err := decodeBlock(wb)
		if err != nil {
			continue
		}
		blocks = append(blocks, blk)
	}
	select {
	case r.state.rangeCh <- blocks:
	default:
	}
}

func (r *ReplicatorService) handleBlockMsg(peer string, data []byte) {
	var bm blockMsg
	if err := json.Unmarshal(data, &bm); err != nil {
		return
	}
	blk, err := decodeBlock(bm.Block)
	if err != nil {
		r.state.logger.WithError(err).Warn("replication: block decode failed")
		return
	}
	if w := r.waiterFor(blk.Hash); w != nil {
		select {
		case w <- blk:
		default:
		}
		return
	}
	if err := r.state.store.ImportBlock(blk); err != nil {
		r.state.logger.WithError(err).WithField("peer", peer).Warn("replication: import failed")
		return
	}
	r.state.logger.WithFields(logrus.Fields{"hash": blk.Hash.Short(), "peer": peer}).Info("replication: imported block")
}

func (r *ReplicatorService) registerWaiter(h Hash) chan *Block {
	r.state.blockWaitersMu.Lock()
	defer r.state.blockWaitersMu.Unlock()
	ch := make(chan *Block, 1)
	r.state.blockWaiters[h] = ch
	return ch
}

func (r *ReplicatorService) waiterFor(h Hash) chan *Block {
	r.state.blockWaitersMu.Lock()
	defer r.state.blockWaitersMu.Unlock()
	return r.state.blockWaiters[h]
}

func (r *ReplicatorService) clearWaiter(h Hash) {
	r.state.blockWaitersMu.Lock()
	defer r.state.blockWaitersMu.Unlock()
	delete(r.state.blockWaiters, h)
}

var _ BlockSource = (*ReplicatorService)(nil)
