// Package address derives the deterministic account addresses the ledger
// stores its state at. An address is sha256(seeds ‖ bump ‖ program ‖ marker)
// and must not be a valid ed25519 point, so nobody can hold a private key for
// it; only the ledger itself can act on it. Callers always re-derive and
// compare, never trust a supplied address.
package address

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"

	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32

	pdaMarker = "ProgramDerivedAddress"
)

// Fixed seed labels.
var (
	SeedVaultState = []byte("vault_state")
	SeedVault      = []byte("vault")
	SeedUserState  = []byte("user_state")
)

var (
	ErrInvalidSeeds     = apperrors.New(apperrors.CodeInvalidSeeds, "seeds exceed derivation limits")
	ErrAddressOnCurve   = apperrors.New(apperrors.CodeInvalidSeeds, "derived address lies on the ed25519 curve")
	ErrNoViableBump     = apperrors.New(apperrors.CodeAddressDerivationError, "unable to find a viable bump seed")
	ErrAddressMismatch  = apperrors.New(apperrors.CodeInvalidAddress, "address does not match derivation")
	defaultProgramLabel = []byte("pdv/program/v1")
)

// DefaultProgramID is the program identity used when none is configured.
var DefaultProgramID = types.Pubkey(sha256.Sum256(defaultProgramLabel))

// Derived is an address together with the bump that produced it.
type Derived struct {
	Address types.Pubkey `json:"address"`
	Bump    uint8        `json:"bump"`
}

// Set holds every address a single caller touches.
type Set struct {
	VaultState Derived `json:"vault_state"`
	Vault      Derived `json:"vault"`
	UserState  Derived `json:"user_state"`
}

// Deriver computes addresses for one program.
type Deriver struct {
	programID types.Pubkey
	onCurve   func([]byte) bool
}

// New returns a Deriver for programID.
func New(programID types.Pubkey) *Deriver {
	return &Deriver{programID: programID, onCurve: isOnCurve}
}

// ProgramID returns the program the addresses belong to.
func (d *Deriver) ProgramID() types.Pubkey {
	return d.programID
}

// CreateProgramAddress hashes seeds and bump into an address. It fails when
// the seeds are out of bounds or the result is a curve point.
func (d *Deriver) CreateProgramAddress(seeds [][]byte, bump uint8) (types.Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return types.Pubkey{}, apperrors.WithMetadata(ErrInvalidSeeds.Code, ErrInvalidSeeds.Message,
			map[string]string{"seeds": fmt.Sprint(len(seeds))})
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return types.Pubkey{}, apperrors.WithMetadata(ErrInvalidSeeds.Code, ErrInvalidSeeds.Message,
				map[string]string{"seed_length": fmt.Sprint(len(seed))})
		}
	}

	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write([]byte{bump})
	h.Write(d.programID[:])
	h.Write([]byte(pdaMarker))

	var addr types.Pubkey
	copy(addr[:], h.Sum(nil))
	if d.onCurve(addr[:]) {
		return types.Pubkey{}, ErrAddressOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bumps from 255 down to 0 and returns the first
// off-curve address.
func (d *Deriver) FindProgramAddress(seeds [][]byte) (Derived, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := d.CreateProgramAddress(seeds, uint8(bump))
		if err == nil {
			return Derived{Address: addr, Bump: uint8(bump)}, nil
		}
		if err != ErrAddressOnCurve {
			return Derived{}, err
		}
	}
	return Derived{}, ErrNoViableBump
}

// Verify re-derives with a known bump and compares against claimed.
func (d *Deriver) Verify(claimed types.Pubkey, seeds [][]byte, bump uint8) error {
	addr, err := d.CreateProgramAddress(seeds, bump)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidAddress, "re-derive address", err)
	}
	if addr != claimed {
		return apperrors.WithMetadata(ErrAddressMismatch.Code, ErrAddressMismatch.Message, map[string]string{
			"claimed":  claimed.String(),
			"expected": addr.String(),
		})
	}
	return nil
}

// VaultStateSeeds returns the seeds of the vault state account.
func VaultStateSeeds() [][]byte { return [][]byte{SeedVaultState} }

// VaultSeeds returns the seeds of the vault balance holder.
func VaultSeeds() [][]byte { return [][]byte{SeedVault} }

// UserStateSeeds returns the seeds of owner's user state account.
func UserStateSeeds(owner types.Pubkey) [][]byte {
	return [][]byte{SeedUserState, owner.Bytes()}
}

func (d *Deriver) VaultState() (Derived, error) {
	return d.FindProgramAddress(VaultStateSeeds())
}

func (d *Deriver) Vault() (Derived, error) {
	return d.FindProgramAddress(VaultSeeds())
}

func (d *Deriver) UserState(owner types.Pubkey) (Derived, error) {
	return d.FindProgramAddress(UserStateSeeds(owner))
}

// Addresses derives the vault state, vault and owner's user state.
func (d *Deriver) Addresses(owner types.Pubkey) (Set, error) {
	var set Set
	var err error
	if set.VaultState, err = d.VaultState(); err != nil {
		return Set{}, err
	}
	if set.Vault, err = d.Vault(); err != nil {
		return Set{}, err
	}
	if set.UserState, err = d.UserState(owner); err != nil {
		return Set{}, err
	}
	return set, nil
}

func isOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}
