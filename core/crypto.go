// SPDX-License-Identifier: Apache-2.0
package core

// Shared cryptographic primitives: Ed25519 signing/verification for
// transactions and producer signatures, and XChaCha20-Poly1305 authenticated
// encryption helpers (Encrypt/Decrypt). The store and the activation
// registry do not call the encryption helpers.

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// SignEd25519 signs msg with an ed25519 private key.
func SignEd25519(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// VerifyEd25519 verifies sig over msg under pub.
func VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifyTxSignature checks the packed [64-byte sig || 32-byte pubkey] layout
// produced by wallet.SignTx against a hash and an expected sender address.
func VerifyTxSignature(hash Hash, sig []byte, expected Address) bool {
	if len(sig) != 96 {
		return false
	}
	rawSig, pub := sig[:64], ed25519.PublicKey(sig[64:])
	if pubKeyToAddress(pub) != expected {
		return false
	}
	return ed25519.Verify(pub, hash[:], rawSig)
}

// Encrypt returns nonce || ciphertext || tag using XChaCha20-Poly1305.
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("crypto: key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// Decrypt verifies and opens a blob produced by Encrypt.
func Decrypt(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("crypto: key must be 32 bytes")
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
