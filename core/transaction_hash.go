package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// HashTx computes and caches the transaction hash over a canonical binary
// encoding of every field except Sig, so signing and verifying the hash
// never embeds the signature into its own pre-image.
func (tx *Transaction) HashTx() Hash {
	h := sha256.Sum256(tx.signingBytes())
	tx.Hash = h
	return h
}

// signingBytes returns the canonical, signature-excluding pre-image used
// both to compute tx.Hash and to verify tx.Sig against it.
func (tx *Transaction) signingBytes() []byte {
	buf := make([]byte, 0, 32+40+len(tx.Data)+len(tx.Kind))
	buf = append(buf, []byte(tx.Kind)...)
	buf = append(buf, 0)
	buf = append(buf, tx.From[:]...)
	buf = append(buf, tx.To[:]...)
	buf = appendUint64(buf, tx.Amount)
	buf = appendUint64(buf, tx.GasPrice)
	buf = appendUint64(buf, tx.GasLimit)
	buf = appendUint64(buf, tx.Nonce)
	buf = appendInt64(buf, tx.Timestamp)
	buf = append(buf, tx.Data...)
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	return appendUint64(buf, uint64(v))
}
