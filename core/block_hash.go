package core

import "crypto/sha256"

// HashHeader computes and caches the block hash over the canonical binary
// encoding of the header fields, mirroring Transaction.HashTx's discipline.
func (b *Block) HashHeader() Hash {
	h := sha256.Sum256(b.Header.signingBytes())
	b.Hash = h
	return h
}

func (h BlockHeader) signingBytes() []byte {
	buf := make([]byte, 0, 128+len(h.ProducerPubKey))
	buf = appendUint64(buf, h.Height)
	buf = append(buf, h.PrevHash[:]...)
	buf = appendInt64(buf, h.Timestamp)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = append(buf, h.Producer[:]...)
	buf = append(buf, h.ProducerPubKey...)
	buf = append(buf, h.Beacon[:]...)
	buf = appendUint64(buf, h.RoundNumber)
	buf = appendUint64(buf, h.Nonce)
	return buf
}
