package ledger

import (
	"fmt"
	"math/bits"

	"pdavault.mini/pdv/internal/address"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

var (
	ErrAlreadyInitialized       = apperrors.New(apperrors.CodeAlreadyInitialized, "account already initialized")
	ErrUninitialized            = apperrors.New(apperrors.CodeUninitialized, "account not initialized")
	ErrInvalidAddress           = apperrors.New(apperrors.CodeInvalidAddress, "supplied address does not match derived address")
	ErrForeignOwner             = apperrors.New(apperrors.CodeInvalidAddress, "account is not owned by the expected program")
	ErrUnauthorized             = apperrors.New(apperrors.CodeInvalidAddress, "user state belongs to another identity")
	ErrZeroAmount               = apperrors.New(apperrors.CodeZeroAmount, "amount must be greater than zero")
	ErrArithmeticOverflow       = apperrors.New(apperrors.CodeArithmeticOverflow, "arithmetic overflow")
	ErrArithmeticUnderflow      = apperrors.New(apperrors.CodeArithmeticUnderflow, "arithmetic underflow")
	ErrInsufficientBalance      = apperrors.New(apperrors.CodeInsufficientBalance, "withdraw exceeds deposited balance")
	ErrInsufficientFunds        = apperrors.New(apperrors.CodeInsufficientFunds, "caller cannot cover transfer")
	ErrInsufficientVaultBalance = apperrors.New(apperrors.CodeInsufficientVaultBalance, "vault has insufficient lamports")
)

// TransferAccounts are the addresses a deposit or withdraw claims to touch.
type TransferAccounts struct {
	VaultState types.Pubkey `json:"vault_state"`
	Vault      types.Pubkey `json:"vault"`
	UserState  types.Pubkey `json:"user_state"`
}

// Program executes the vault operations for one program ID.
type Program struct {
	deriver *address.Deriver
}

func NewProgram(deriver *address.Deriver) *Program {
	return &Program{deriver: deriver}
}

// ID returns the program that owns the state records.
func (p *Program) ID() types.Pubkey {
	return p.deriver.ProgramID()
}

// Deriver exposes the address deriver the program validates against.
func (p *Program) Deriver() *address.Deriver {
	return p.deriver
}

// InitializeVault creates the vault state with caller as administrator and
// the vault balance holder. The first successful call wins.
func (p *Program) InitializeVault(v Accounts, caller, vaultStateAddr, vaultAddr types.Pubkey) error {
	stateDerived, err := p.deriver.VaultState()
	if err != nil {
		return err
	}
	vaultDerived, err := p.deriver.Vault()
	if err != nil {
		return err
	}
	if err := matchDerived("vault_state", vaultStateAddr, stateDerived.Address); err != nil {
		return err
	}
	if err := matchDerived("vault", vaultAddr, vaultDerived.Address); err != nil {
		return err
	}

	stateAcct, stateExists := v.Get(vaultStateAddr)
	if stateExists && (stateAcct.Owner != types.SystemProgram || len(stateAcct.Data) > 0) {
		return ErrAlreadyInitialized
	}
	vaultAcct, _ := v.Get(vaultAddr)
	if vaultAcct.Owner != types.SystemProgram || len(vaultAcct.Data) > 0 {
		return ErrForeignOwner
	}

	data, err := VaultState{
		Admin:     caller,
		StateBump: stateDerived.Bump,
		VaultBump: vaultDerived.Bump,
	}.MarshalBinary()
	if err != nil {
		return err
	}

	// Value sent to either address before initialization stays where it is.
	v.Set(vaultStateAddr, Account{Lamports: stateAcct.Lamports, Owner: p.ID(), Data: data})
	v.Set(vaultAddr, Account{Lamports: vaultAcct.Lamports, Owner: types.SystemProgram})
	return nil
}

// InitializeUser creates caller's user state with a zero balance.
func (p *Program) InitializeUser(v Accounts, caller, userStateAddr types.Pubkey) error {
	derived, err := p.deriver.UserState(caller)
	if err != nil {
		return err
	}
	if err := matchDerived("user_state", userStateAddr, derived.Address); err != nil {
		return err
	}

	existing, exists := v.Get(userStateAddr)
	if exists && (existing.Owner != types.SystemProgram || len(existing.Data) > 0) {
		return ErrAlreadyInitialized
	}

	data, err := UserState{Owner: caller, Bump: derived.Bump}.MarshalBinary()
	if err != nil {
		return err
	}
	v.Set(userStateAddr, Account{Lamports: existing.Lamports, Owner: p.ID(), Data: data})
	return nil
}

// Deposit moves amount from caller's balance into the vault and credits the
// caller's user state. It returns the new deposited balance.
func (p *Program) Deposit(v Accounts, caller types.Pubkey, accts TransferAccounts, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrZeroAmount
	}
	st, err := p.loadTransfer(v, caller, accts)
	if err != nil {
		return 0, err
	}

	callerAcct, _ := v.Get(caller)
	if callerAcct.Lamports < amount {
		return 0, apperrors.WithMetadata(ErrInsufficientFunds.Code, ErrInsufficientFunds.Message, map[string]string{
			"available": fmt.Sprint(callerAcct.Lamports),
			"requested": fmt.Sprint(amount),
		})
	}
	deposited, err := checkedAdd(st.user.Deposited, amount)
	if err != nil {
		return 0, err
	}
	total, err := checkedAdd(st.vault.TotalDeposited, amount)
	if err != nil {
		return 0, err
	}
	vaultLamports, err := checkedAdd(st.vaultAcct.Lamports, amount)
	if err != nil {
		return 0, err
	}

	st.user.Deposited = deposited
	st.vault.TotalDeposited = total
	st.vaultAcct.Lamports = vaultLamports
	callerAcct.Lamports -= amount
	if err := st.store(v, accts); err != nil {
		return 0, err
	}
	v.Set(caller, callerAcct)
	return deposited, nil
}

// Withdraw debits the caller's user state and pays amount out of the vault.
// It returns the new deposited balance.
func (p *Program) Withdraw(v Accounts, caller types.Pubkey, accts TransferAccounts, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrZeroAmount
	}
	st, err := p.loadTransfer(v, caller, accts)
	if err != nil {
		return 0, err
	}

	if amount > st.user.Deposited {
		return 0, apperrors.WithMetadata(ErrInsufficientBalance.Code, ErrInsufficientBalance.Message, map[string]string{
			"deposited": fmt.Sprint(st.user.Deposited),
			"requested": fmt.Sprint(amount),
		})
	}
	if amount > st.vaultAcct.Lamports {
		return 0, ErrInsufficientVaultBalance
	}
	callerAcct, _ := v.Get(caller)
	callerLamports, err := checkedAdd(callerAcct.Lamports, amount)
	if err != nil {
		return 0, err
	}
	deposited, err := checkedSub(st.user.Deposited, amount)
	if err != nil {
		return 0, err
	}
	total, err := checkedSub(st.vault.TotalDeposited, amount)
	if err != nil {
		return 0, err
	}

	st.user.Deposited = deposited
	st.vault.TotalDeposited = total
	st.vaultAcct.Lamports -= amount
	callerAcct.Lamports = callerLamports
	if err := st.store(v, accts); err != nil {
		return 0, err
	}
	v.Set(caller, callerAcct)
	return deposited, nil
}

// transferState is everything deposit and withdraw validate before writing.
type transferState struct {
	vault     VaultState
	stateAcct Account
	vaultAcct Account
	user      UserState
	userAcct  Account
}

func (p *Program) loadTransfer(v Reader, caller types.Pubkey, accts TransferAccounts) (*transferState, error) {
	set, err := p.deriver.Addresses(caller)
	if err != nil {
		return nil, err
	}
	if err := matchDerived("vault_state", accts.VaultState, set.VaultState.Address); err != nil {
		return nil, err
	}
	if err := matchDerived("vault", accts.Vault, set.Vault.Address); err != nil {
		return nil, err
	}
	if err := matchDerived("user_state", accts.UserState, set.UserState.Address); err != nil {
		return nil, err
	}

	st := &transferState{}
	var ok bool
	if st.stateAcct, ok = v.Get(accts.VaultState); !ok || len(st.stateAcct.Data) == 0 {
		return nil, apperrors.WithMetadata(ErrUninitialized.Code, ErrUninitialized.Message, map[string]string{"account": "vault_state"})
	}
	if st.vault, err = p.decodeVaultState(st.stateAcct); err != nil {
		return nil, err
	}
	if st.vaultAcct, ok = v.Get(accts.Vault); !ok {
		return nil, apperrors.WithMetadata(ErrUninitialized.Code, ErrUninitialized.Message, map[string]string{"account": "vault"})
	}
	if st.vaultAcct.Owner != types.SystemProgram || len(st.vaultAcct.Data) > 0 {
		return nil, ErrForeignOwner
	}
	if st.userAcct, ok = v.Get(accts.UserState); !ok || len(st.userAcct.Data) == 0 {
		return nil, apperrors.WithMetadata(ErrUninitialized.Code, ErrUninitialized.Message, map[string]string{"account": "user_state"})
	}
	if st.user, err = p.decodeUserState(st.userAcct); err != nil {
		return nil, err
	}

	// Stored bumps must reproduce the same addresses.
	if err := p.deriver.Verify(accts.VaultState, address.VaultStateSeeds(), st.vault.StateBump); err != nil {
		return nil, err
	}
	if err := p.deriver.Verify(accts.Vault, address.VaultSeeds(), st.vault.VaultBump); err != nil {
		return nil, err
	}
	if err := p.deriver.Verify(accts.UserState, address.UserStateSeeds(caller), st.user.Bump); err != nil {
		return nil, err
	}
	if st.user.Owner != caller {
		return nil, ErrUnauthorized
	}
	return st, nil
}

func (st *transferState) store(v Accounts, accts TransferAccounts) error {
	stateData, err := st.vault.MarshalBinary()
	if err != nil {
		return err
	}
	userData, err := st.user.MarshalBinary()
	if err != nil {
		return err
	}
	st.stateAcct.Data = stateData
	st.userAcct.Data = userData
	v.Set(accts.VaultState, st.stateAcct)
	v.Set(accts.Vault, st.vaultAcct)
	v.Set(accts.UserState, st.userAcct)
	return nil
}

func (p *Program) decodeVaultState(acct Account) (VaultState, error) {
	if acct.Owner != p.ID() {
		return VaultState{}, ErrForeignOwner
	}
	var s VaultState
	if err := s.UnmarshalBinary(acct.Data); err != nil {
		return VaultState{}, err
	}
	return s, nil
}

func (p *Program) decodeUserState(acct Account) (UserState, error) {
	if acct.Owner != p.ID() {
		return UserState{}, ErrForeignOwner
	}
	var s UserState
	if err := s.UnmarshalBinary(acct.Data); err != nil {
		return UserState{}, err
	}
	return s, nil
}

// ReadVaultState loads the vault state at its derived address.
func (p *Program) ReadVaultState(r Reader) (VaultState, Account, error) {
	derived, err := p.deriver.VaultState()
	if err != nil {
		return VaultState{}, Account{}, err
	}
	acct, ok := r.Get(derived.Address)
	if !ok || len(acct.Data) == 0 {
		return VaultState{}, Account{}, ErrUninitialized
	}
	s, err := p.decodeVaultState(acct)
	return s, acct, err
}

// ReadUserState loads owner's user state at its derived address.
func (p *Program) ReadUserState(r Reader, owner types.Pubkey) (UserState, error) {
	derived, err := p.deriver.UserState(owner)
	if err != nil {
		return UserState{}, err
	}
	acct, ok := r.Get(derived.Address)
	if !ok || len(acct.Data) == 0 {
		return UserState{}, ErrUninitialized
	}
	return p.decodeUserState(acct)
}

func matchDerived(name string, claimed, derived types.Pubkey) error {
	if claimed == derived {
		return nil
	}
	return apperrors.WithMetadata(ErrInvalidAddress.Code, ErrInvalidAddress.Message, map[string]string{
		"account":  name,
		"claimed":  claimed.String(),
		"expected": derived.String(),
	})
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrArithmeticUnderflow
	}
	return diff, nil
}
