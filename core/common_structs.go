package core

// common_structs.go – centralised struct definitions referenced across
// modules: addresses, hashes, transactions, blocks, peers and the storage/
// transport interface contracts components are built on. Declares data
// structures only; behaviour lives in the files named per type below.

import (
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"context"
)

//---------------------------------------------------------------------
// Primitive identifiers
//---------------------------------------------------------------------

// Address is a 20-byte account identifier, RIPEMD160(SHA256(pubkey)).
type Address [20]byte

func (a Address) String() string { return a.Hex() }

func (a Address) IsZero() bool {
	var z Address
	return a == z
}

// Hash is a 32-byte digest (sha256 output).
type Hash [32]byte

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) Short() string {
	full := hex.EncodeToString(h[:])
	if len(full) <= 8 {
		return full
	}
	return fmt.Sprintf("%s..%s", full[:4], full[len(full)-4:])
}

func (h Hash) IsZero() bool {
	var z Hash
	return h == z
}

// NodeID is a stable string identity for a participant in the network —
// peers, reputation and round state index by this rather than holding
// direct references to each other.
type NodeID string

//---------------------------------------------------------------------
// Transaction
//---------------------------------------------------------------------

// TxKind enumerates the transaction kinds the node understands. Unknown
// kinds fail format validation at admission.
type TxKind string

const (
	TxTransfer         TxKind = "transfer"
	TxNodeActivation   TxKind = "node_activation"
	TxContractDeploy   TxKind = "contract_deploy"
	TxContractCall     TxKind = "contract_call"
	TxRewardDistribute TxKind = "reward_distribution"
	TxCoinbase         TxKind = "coinbase"
)

func (k TxKind) Valid() bool {
	switch k {
	case TxTransfer, TxNodeActivation, TxContractDeploy, TxContractCall, TxRewardDistribute, TxCoinbase:
		return true
	default:
		return false
	}
}

// Transaction is the node's unit of state change. Hash is cached and must
// be recomputed via HashTx whenever a mutable field changes; Sig is
// excluded from the hash pre-image by construction (see transaction_hash.go).
type Transaction struct {
	Kind      TxKind
	From      Address
	To        Address
	Amount    uint64
	GasPrice  uint64
	GasLimit  uint64
	Nonce     uint64
	Timestamp int64
	Data      []byte

	Sig  []byte // 64-byte signature || 32-byte pubkey, see wallet.go
	Hash Hash
}

// ID returns the cached hash, recomputing it if still zero.
func (tx *Transaction) ID() Hash {
	if tx.Hash.IsZero() {
		return tx.HashTx()
	}
	return tx.Hash
}

func (tx *Transaction) IDHex() string { return tx.ID().Hex() }

//---------------------------------------------------------------------
// Block
//---------------------------------------------------------------------

// BlockHeader carries the fields whose hash identifies the block.
type BlockHeader struct {
	Height         uint64
	PrevHash       Hash
	Timestamp      int64
	MerkleRoot     Hash
	Producer       Address
	ProducerPubKey []byte
	Beacon         Hash
	RoundNumber    uint64
	Nonce          uint64
}

// Block is a header plus an ordered transaction body. The first
// transaction is always a coinbase crediting Producer with the
// height-dependent reward.
type Block struct {
	Header       BlockHeader
	Transactions []*Transaction
	Hash         Hash
	ProducerSig  []byte
}

//---------------------------------------------------------------------
// Peer / network plumbing shared by transport and components
//---------------------------------------------------------------------

// Peer is a transport-level connection descriptor.
type Peer struct {
	ID      NodeID
	Addr    string
	Latency time.Duration
	Conn    net.Conn
}

// PeerInfo is the application-level view of a peer used by reputation,
// metrics and partition detection — decoupled from the transport Peer.
type PeerInfo struct {
	Address         Address
	NodeID          NodeID
	LastSeen        int64
	Verified        bool
	Reputation      float64
	LastKnownHeight uint64
	LastKnownTip    Hash
	RTT             float64
	Updated         int64
}

// Message is a generic pubsub envelope.
type Message struct {
	From  NodeID
	Topic string
	Data  []byte
}

// InboundMsg is delivered to subscribers of a topic/protocol.
type InboundMsg struct {
	PeerID  string
	Code    byte
	Payload []byte
	Topic   string
	From    string
	Ts      int64
}

// NetworkMessage is the envelope used by the orchestrator when
// broadcasting structured consensus messages (commits, reveals, blocks).
type NetworkMessage struct {
	Source    NodeID
	Target    NodeID
	MsgType   string
	Content   []byte
	Timestamp int64
	Topic     string
}

// Config is the transport configuration consumed by Node (see network.go);
// the full node configuration lives in pkg/config.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// Node wraps a libp2p host plus gossip-sub, used by network.go and
// peer_management.go.
type Node struct {
	host      host.Host
	pubsub    *pubsub.PubSub
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription
	topicLock sync.RWMutex
	subLock   sync.RWMutex
	peerLock  sync.RWMutex
	peers     map[NodeID]*Peer
	nat       *NATManager
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config
}

//---------------------------------------------------------------------
// Storage contracts (external collaborator: persistent KV store)
//---------------------------------------------------------------------

// StateIterator walks key/value pairs in a prefix scan.
type StateIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
}

// StateRW is the narrow state contract components depend on: a black-box
// ordered map with atomic single-key operations.
type StateRW interface {
	GetState(key []byte) ([]byte, error)
	SetState(key, value []byte) error
	DeleteState(key []byte) error
	HasState(key []byte) (bool, error)
	PrefixIterator(prefix []byte) StateIterator

	BalanceOf(addr Address) uint64
	NonceOf(addr Address) uint64
	Transfer(from, to Address, amount uint64) error
	Mint(to Address, amount uint64) error
	Burn(from Address, amount uint64) error
}

// BlockReader is the chain-storage surface consulted by the partition
// detector and the RPC surface.
type BlockReader interface {
	GetBlock(height uint64) (*Block, error)
	LastHeight() uint64
	HasBlock(height uint64) bool
	BlockByHash(h Hash) (*Block, error)
	ImportBlock(b *Block) error
}

// PeerManager is the transport surface components depend on, implemented
// concretely by peer_management.go over libp2p.
type PeerManager interface {
	Peers() []PeerInfo
	Connect(addr string) error
	Disconnect(id NodeID) error
	Sample(n int) []string
	SendAsync(peerID, proto string, code byte, payload []byte) error
	Subscribe(proto string) <-chan InboundMsg
	Unsubscribe(proto string)
}

//---------------------------------------------------------------------
// Replication plumbing (wire shapes used by replication.go / partition.go)
//---------------------------------------------------------------------

// Replicator holds the runtime state for block/tx replication.
type Replicator struct {
	mu    sync.RWMutex
	peers map[NodeID]*Peer
}
