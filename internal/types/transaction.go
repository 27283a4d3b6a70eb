package types

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pdavault.mini/pdv/internal/identity"
)

// TransactionType names a ledger entry point.
type TransactionType string

const (
	TxInitializeVault TransactionType = "initialize_vault"
	TxInitializeUser  TransactionType = "initialize_user"
	TxDeposit         TransactionType = "deposit"
	TxWithdraw        TransactionType = "withdraw"
)

// Valid reports whether t is one of the four ledger entry points.
func (t TransactionType) Valid() bool {
	switch t {
	case TxInitializeVault, TxInitializeUser, TxDeposit, TxWithdraw:
		return true
	}
	return false
}

// Transaction is the unsigned body of a ledger call. ID is a UUID used for
// replay protection; the payload shape depends on Type.
type Transaction struct {
	ID        string          `json:"id"`
	Type      TransactionType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// SignedTransaction carries the serialized Transaction, the signer's public
// key and an ed25519 signature over Tx.
type SignedTransaction struct {
	Tx        []byte `json:"tx"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// InitializeVaultPayload claims the addresses of the vault state and the
// vault balance holder.
type InitializeVaultPayload struct {
	VaultState Pubkey `json:"vault_state"`
	Vault      Pubkey `json:"vault"`
}

// InitializeUserPayload claims the caller's user state address.
type InitializeUserPayload struct {
	UserState Pubkey `json:"user_state"`
}

// TransferPayload is shared by deposit and withdraw.
type TransferPayload struct {
	VaultState Pubkey `json:"vault_state"`
	Vault      Pubkey `json:"vault"`
	UserState  Pubkey `json:"user_state"`
	Amount     uint64 `json:"amount"`
}

// NewTransaction builds a transaction with a fresh ID and the current time.
func NewTransaction(txType TransactionType, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", txType, err)
	}
	return &Transaction{
		ID:        uuid.NewString(),
		Type:      txType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Sign serializes the transaction and signs it with id.
func (tx *Transaction) Sign(id *identity.Identity) (*SignedTransaction, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	return &SignedTransaction{
		Tx:        body,
		PublicKey: []byte(id.PublicKey()),
		Signature: id.Sign(body),
	}, nil
}

// Verify checks the signature against the embedded public key.
func (stx *SignedTransaction) Verify() bool {
	if len(stx.PublicKey) != ed25519.PublicKeySize || len(stx.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(stx.PublicKey, stx.Tx, stx.Signature)
}

// Signer returns the signing key as a Pubkey.
func (stx *SignedTransaction) Signer() (Pubkey, error) {
	return PubkeyFromBytes(stx.PublicKey)
}

// GetTransaction decodes the signed body.
func (stx *SignedTransaction) GetTransaction() (*Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(stx.Tx, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &tx, nil
}

// DecodePayload unmarshals the payload into dst, rejecting unknown fields.
func (tx *Transaction) DecodePayload(dst any) error {
	dec := json.NewDecoder(bytes.NewReader(tx.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", tx.Type, err)
	}
	return nil
}
