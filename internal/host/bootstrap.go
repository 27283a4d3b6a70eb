package host

import (
	"context"
	"errors"
	"fmt"

	"pdavault.mini/pdv/internal/identity"
	"pdavault.mini/pdv/internal/ledger"
	"pdavault.mini/pdv/internal/types"
)

// BootstrapVault initializes the vault with id as admin unless it already
// exists. It reports whether this call created it.
func (e *Executor) BootstrapVault(ctx context.Context, id *identity.Identity) (bool, error) {
	admin := types.PubkeyFromEd25519(id.PublicKey())
	set, err := e.program.Deriver().Addresses(admin)
	if err != nil {
		return false, err
	}
	tx, err := types.NewTransaction(types.TxInitializeVault, types.InitializeVaultPayload{
		VaultState: set.VaultState.Address,
		Vault:      set.Vault.Address,
	})
	if err != nil {
		return false, err
	}
	stx, err := tx.Sign(id)
	if err != nil {
		return false, fmt.Errorf("sign bootstrap transaction: %w", err)
	}

	if _, err := e.Execute(ctx, stx); err != nil {
		if errors.Is(err, ledger.ErrAlreadyInitialized) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
