package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

const (
	DiscriminatorSize = 8

	// VaultStateSize is discriminator, admin, total_deposited, state_bump, vault_bump.
	VaultStateSize = DiscriminatorSize + types.PubkeyLength + 8 + 1 + 1
	// UserStateSize is discriminator, user, deposited, bump.
	UserStateSize = DiscriminatorSize + types.PubkeyLength + 8 + 1
)

var (
	vaultStateDiscriminator = Discriminator("VaultState")
	userStateDiscriminator  = Discriminator("UserState")
)

// ErrInvalidAccountData marks state that does not decode as the expected
// record. Such an account is treated as forged.
var ErrInvalidAccountData = apperrors.New(apperrors.CodeInvalidAddress, "account data does not match expected layout")

// Discriminator is the 8-byte record tag: sha256("account:<name>")[:8].
func Discriminator(name string) [DiscriminatorSize]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [DiscriminatorSize]byte
	copy(d[:], sum[:DiscriminatorSize])
	return d
}

// VaultState is the singleton ledger header.
type VaultState struct {
	Admin          types.Pubkey `json:"admin"`
	TotalDeposited uint64       `json:"total_deposited"`
	StateBump      uint8        `json:"state_bump"`
	VaultBump      uint8        `json:"vault_bump"`
}

func (s VaultState) MarshalBinary() ([]byte, error) {
	buf := make([]byte, VaultStateSize)
	off := copy(buf, vaultStateDiscriminator[:])
	off += copy(buf[off:], s.Admin[:])
	binary.LittleEndian.PutUint64(buf[off:], s.TotalDeposited)
	off += 8
	buf[off] = s.StateBump
	buf[off+1] = s.VaultBump
	return buf, nil
}

func (s *VaultState) UnmarshalBinary(data []byte) error {
	if len(data) != VaultStateSize {
		return apperrors.WithMetadata(ErrInvalidAccountData.Code, ErrInvalidAccountData.Message,
			map[string]string{"record": "vault_state", "size": fmt.Sprint(len(data))})
	}
	if [DiscriminatorSize]byte(data[:DiscriminatorSize]) != vaultStateDiscriminator {
		return apperrors.WithMetadata(ErrInvalidAccountData.Code, ErrInvalidAccountData.Message,
			map[string]string{"record": "vault_state", "reason": "discriminator"})
	}
	off := DiscriminatorSize
	copy(s.Admin[:], data[off:off+types.PubkeyLength])
	off += types.PubkeyLength
	s.TotalDeposited = binary.LittleEndian.Uint64(data[off:])
	off += 8
	s.StateBump = data[off]
	s.VaultBump = data[off+1]
	return nil
}

// UserState is one caller's record of what the vault owes them.
type UserState struct {
	Owner     types.Pubkey `json:"owner"`
	Deposited uint64       `json:"deposited"`
	Bump      uint8        `json:"bump"`
}

func (s UserState) MarshalBinary() ([]byte, error) {
	buf := make([]byte, UserStateSize)
	off := copy(buf, userStateDiscriminator[:])
	off += copy(buf[off:], s.Owner[:])
	binary.LittleEndian.PutUint64(buf[off:], s.Deposited)
	off += 8
	buf[off] = s.Bump
	return buf, nil
}

func (s *UserState) UnmarshalBinary(data []byte) error {
	if len(data) != UserStateSize {
		return apperrors.WithMetadata(ErrInvalidAccountData.Code, ErrInvalidAccountData.Message,
			map[string]string{"record": "user_state", "size": fmt.Sprint(len(data))})
	}
	if [DiscriminatorSize]byte(data[:DiscriminatorSize]) != userStateDiscriminator {
		return apperrors.WithMetadata(ErrInvalidAccountData.Code, ErrInvalidAccountData.Message,
			map[string]string{"record": "user_state", "reason": "discriminator"})
	}
	off := DiscriminatorSize
	copy(s.Owner[:], data[off:off+types.PubkeyLength])
	off += types.PubkeyLength
	s.Deposited = binary.LittleEndian.Uint64(data[off:])
	s.Bump = data[off+8]
	return nil
}

// IsUserState reports whether data carries the user state tag. Used by the
// audit to pick user records out of a full account listing.
func IsUserState(data []byte) bool {
	return len(data) == UserStateSize && [DiscriminatorSize]byte(data[:DiscriminatorSize]) == userStateDiscriminator
}
