// Package types defines the core domain models for the pdv vault ledger:
// 32-byte public keys used both as caller identities and as account
// addresses, plus the signed transaction envelope every entry point accepts.
package types

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Version is the current version of pdv
const Version = "0.3.0"

// BuildTime is set at build time via -ldflags
var BuildTime = "dev"

// PubkeyLength is the size of identities and account addresses in bytes.
const PubkeyLength = 32

// Pubkey is an ed25519 public key or a derived account address. Its text
// form is lowercase hex.
type Pubkey [PubkeyLength]byte

// SystemProgram owns plain value accounts (wallets, the vault balance holder).
var SystemProgram = Pubkey{}

// PubkeyFromBytes copies b into a Pubkey. b must be exactly 32 bytes.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var pk Pubkey
	if len(b) != PubkeyLength {
		return pk, fmt.Errorf("pubkey must be %d bytes, got %d", PubkeyLength, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// PubkeyFromEd25519 converts an ed25519 public key.
func PubkeyFromEd25519(pub ed25519.PublicKey) Pubkey {
	var pk Pubkey
	copy(pk[:], pub)
	return pk
}

// ParsePubkey decodes the hex text form.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("decode pubkey %q: %w", s, err)
	}
	return PubkeyFromBytes(b)
}

// MustParsePubkey is ParsePubkey for constants and tests.
func MustParsePubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (p Pubkey) String() string {
	return hex.EncodeToString(p[:])
}

// Bytes returns a copy of the key bytes.
func (p Pubkey) Bytes() []byte {
	b := make([]byte, PubkeyLength)
	copy(b, p[:])
	return b
}

// IsZero reports whether p is the all-zero key.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// Less orders keys bytewise; lock acquisition relies on it.
func (p Pubkey) Less(other Pubkey) bool {
	return bytes.Compare(p[:], other[:]) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pubkey) UnmarshalText(text []byte) error {
	pk, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}
