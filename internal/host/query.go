package host

import (
	"context"

	"pdavault.mini/pdv/internal/address"
	"pdavault.mini/pdv/internal/ledger"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

// Reader is the read side of the account store.
type Reader interface {
	Load(ctx context.Context, addrs []types.Pubkey) (map[types.Pubkey]ledger.Account, error)
	List(ctx context.Context) (map[types.Pubkey]ledger.Account, error)
}

// VaultView is the vault header with its balance holder.
type VaultView struct {
	StateAddress types.Pubkey      `json:"state_address"`
	VaultAddress types.Pubkey      `json:"vault_address"`
	State        ledger.VaultState `json:"state"`
	VaultBalance uint64            `json:"vault_balance"`
}

// UserView is one caller's record and external balance.
type UserView struct {
	Address types.Pubkey     `json:"address"`
	State   ledger.UserState `json:"state"`
	Balance uint64           `json:"balance"`
}

// AccountView is a raw account lookup.
type AccountView struct {
	Address types.Pubkey    `json:"address"`
	Exists  bool            `json:"exists"`
	Account *ledger.Account `json:"account,omitempty"`
}

// AuditView is an audit report with its verdict.
type AuditView struct {
	ledger.AuditReport
	IsSolvent bool `json:"solvent"`
}

// Queries answers read requests for every transport.
type Queries struct {
	program *ledger.Program
	store   Reader
}

func NewQueries(program *ledger.Program, store Reader) *Queries {
	return &Queries{program: program, store: store}
}

// Vault reads the vault state and the vault balance in one load.
func (q *Queries) Vault(ctx context.Context) (*VaultView, error) {
	set, err := q.program.Deriver().Addresses(types.SystemProgram)
	if err != nil {
		return nil, err
	}
	loaded, err := q.store.Load(ctx, []types.Pubkey{set.VaultState.Address, set.Vault.Address})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "load vault", err)
	}
	state, _, err := q.program.ReadVaultState(ledger.Snapshot(loaded))
	if err != nil {
		return nil, err
	}
	return &VaultView{
		StateAddress: set.VaultState.Address,
		VaultAddress: set.Vault.Address,
		State:        state,
		VaultBalance: loaded[set.Vault.Address].Lamports,
	}, nil
}

// User reads owner's user state and external balance.
func (q *Queries) User(ctx context.Context, owner types.Pubkey) (*UserView, error) {
	derived, err := q.program.Deriver().UserState(owner)
	if err != nil {
		return nil, err
	}
	loaded, err := q.store.Load(ctx, []types.Pubkey{derived.Address, owner})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "load user", err)
	}
	state, err := q.program.ReadUserState(ledger.Snapshot(loaded), owner)
	if err != nil {
		return nil, err
	}
	return &UserView{Address: derived.Address, State: state, Balance: loaded[owner].Lamports}, nil
}

// Account returns whatever is stored at addr.
func (q *Queries) Account(ctx context.Context, addr types.Pubkey) (*AccountView, error) {
	loaded, err := q.store.Load(ctx, []types.Pubkey{addr})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "load account", err)
	}
	view := &AccountView{Address: addr}
	if acct, ok := loaded[addr]; ok {
		view.Exists = true
		view.Account = &acct
	}
	return view, nil
}

// Addresses derives the three addresses a caller needs to build a call.
func (q *Queries) Addresses(owner types.Pubkey) (address.Set, error) {
	return q.program.Deriver().Addresses(owner)
}

// Audit checks solvency over every stored account.
func (q *Queries) Audit(ctx context.Context) (*AuditView, error) {
	all, err := q.store.List(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list accounts", err)
	}
	report := q.program.Audit(all)
	return &AuditView{AuditReport: report, IsSolvent: report.Solvent()}, nil
}
