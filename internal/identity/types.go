// Package identity manages ed25519 keypairs for ledger callers. A caller's
// public key is both its authenticated identity and the address of its
// external value account, so every deposit and withdrawal is signed by the
// key that owns the funds being moved.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Identity is a caller's signing keypair.
type Identity struct {
	privateKey   ed25519.PrivateKey
	publicKey    ed25519.PublicKey
	publicKeyHex string
}

// NewIdentity creates a new Identity from a private key
func NewIdentity(privKey ed25519.PrivateKey) *Identity {
	pubKey := privKey.Public().(ed25519.PublicKey)
	return &Identity{
		privateKey:   privKey,
		publicKey:    pubKey,
		publicKeyHex: hex.EncodeToString(pubKey),
	}
}

// Generate returns a fresh identity that is never written to disk.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return NewIdentity(priv), nil
}

// Sign signs the provided message with the identity's private key
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.privateKey, message)
}

// Verify verifies a signature against a message using the identity's public key
func (i *Identity) Verify(message, signature []byte) bool {
	return ed25519.Verify(i.publicKey, message, signature)
}

// PublicKey returns the raw public key
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.publicKey
}

// PrivateKey returns the raw private key
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.privateKey
}

// PublicKeyHex returns the hex-encoded public key, the same text form the
// ledger uses for addresses.
func (i *Identity) PublicKeyHex() string {
	return i.publicKeyHex
}
