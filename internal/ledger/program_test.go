package ledger

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"pdavault.mini/pdv/internal/address"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

type fixture struct {
	t       *testing.T
	program *Program
	state   Snapshot
	admin   types.Pubkey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		t:       t,
		program: NewProgram(address.New(address.DefaultProgramID)),
		state:   make(Snapshot),
		admin:   key(0xA0),
	}
}

func key(b byte) types.Pubkey {
	var pk types.Pubkey
	pk[0] = b
	pk[31] = b ^ 0xFF
	return pk
}

// run executes op against a staged view and applies its writes only on
// success, the way the host does.
func (f *fixture) run(op func(v Accounts) error) error {
	f.t.Helper()
	view := NewView(f.state)
	if err := op(view); err != nil {
		if writes := view.Writes(); len(writes) != 0 {
			f.t.Fatalf("failed operation staged %d writes", len(writes))
		}
		return err
	}
	f.state.Apply(view.Writes())
	return nil
}

func (f *fixture) addresses(owner types.Pubkey) address.Set {
	f.t.Helper()
	set, err := f.program.Deriver().Addresses(owner)
	if err != nil {
		f.t.Fatalf("Addresses: %v", err)
	}
	return set
}

func (f *fixture) transferAccounts(owner types.Pubkey) TransferAccounts {
	set := f.addresses(owner)
	return TransferAccounts{VaultState: set.VaultState.Address, Vault: set.Vault.Address, UserState: set.UserState.Address}
}

func (f *fixture) initializeVault(caller types.Pubkey) error {
	set := f.addresses(caller)
	return f.run(func(v Accounts) error {
		return f.program.InitializeVault(v, caller, set.VaultState.Address, set.Vault.Address)
	})
}

func (f *fixture) initializeUser(caller types.Pubkey) error {
	set := f.addresses(caller)
	return f.run(func(v Accounts) error {
		return f.program.InitializeUser(v, caller, set.UserState.Address)
	})
}

func (f *fixture) deposit(caller types.Pubkey, amount uint64) error {
	accts := f.transferAccounts(caller)
	return f.run(func(v Accounts) error {
		_, err := f.program.Deposit(v, caller, accts, amount)
		return err
	})
}

func (f *fixture) withdraw(caller types.Pubkey, amount uint64) error {
	accts := f.transferAccounts(caller)
	return f.run(func(v Accounts) error {
		_, err := f.program.Withdraw(v, caller, accts, amount)
		return err
	})
}

func (f *fixture) fund(owner types.Pubkey, lamports uint64) {
	acct := f.state[owner]
	acct.Lamports += lamports
	f.state[owner] = acct
}

func (f *fixture) deposited(owner types.Pubkey) uint64 {
	f.t.Helper()
	us, err := f.program.ReadUserState(f.state, owner)
	if err != nil {
		f.t.Fatalf("ReadUserState: %v", err)
	}
	return us.Deposited
}

func (f *fixture) vaultBalance() uint64 {
	return f.state[f.addresses(f.admin).Vault.Address].Lamports
}

func (f *fixture) clone() Snapshot {
	out := make(Snapshot, len(f.state))
	for k, v := range f.state {
		out[k] = v.Clone()
	}
	return out
}

func (f *fixture) requireUnchanged(before Snapshot) {
	f.t.Helper()
	if len(before) != len(f.state) {
		f.t.Fatalf("account count changed: %d -> %d", len(before), len(f.state))
	}
	for addr, acct := range before {
		if !acct.Equal(f.state[addr]) {
			f.t.Fatalf("account %s changed", addr)
		}
	}
}

func requireCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if got := apperrors.CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

func TestDepositWithdrawScenario(t *testing.T) {
	f := newFixture(t)
	user := key(0x01)
	f.fund(user, 2_000_000)

	if err := f.initializeVault(f.admin); err != nil {
		t.Fatalf("initializeVault: %v", err)
	}
	if err := f.initializeUser(user); err != nil {
		t.Fatalf("initializeUser: %v", err)
	}
	if err := f.deposit(user, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := f.deposited(user); got != 1_000_000 {
		t.Fatalf("expected 1000000 deposited, got %d", got)
	}

	vaultBefore := f.vaultBalance()
	if err := f.withdraw(user, 500_000); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.deposited(user); got != 500_000 {
		t.Fatalf("expected 500000 deposited, got %d", got)
	}
	if diff := vaultBefore - f.vaultBalance(); diff != 500_000 {
		t.Fatalf("expected vault to drop by 500000, dropped by %d", diff)
	}
	if got := f.state[user].Lamports; got != 1_500_000 {
		t.Fatalf("expected caller balance 1500000, got %d", got)
	}

	before := f.clone()
	err := f.withdraw(user, 600_000)
	requireCode(t, err, apperrors.CodeInsufficientBalance)
	f.requireUnchanged(before)
	if got := f.deposited(user); got != 500_000 {
		t.Fatalf("expected deposited to stay 500000, got %d", got)
	}
}

func TestInitializeVaultRecordsAdminAndBumps(t *testing.T) {
	f := newFixture(t)
	if err := f.initializeVault(f.admin); err != nil {
		t.Fatalf("initializeVault: %v", err)
	}

	vs, acct, err := f.program.ReadVaultState(f.state)
	if err != nil {
		t.Fatalf("ReadVaultState: %v", err)
	}
	set := f.addresses(f.admin)
	if vs.Admin != f.admin {
		t.Fatalf("expected admin %s, got %s", f.admin, vs.Admin)
	}
	if vs.StateBump != set.VaultState.Bump || vs.VaultBump != set.Vault.Bump {
		t.Fatalf("bumps not recorded: %+v", vs)
	}
	if acct.Owner != f.program.ID() {
		t.Fatalf("vault state owned by %s", acct.Owner)
	}
	vault, ok := f.state[set.Vault.Address]
	if !ok || vault.Lamports != 0 || vault.Owner != types.SystemProgram {
		t.Fatalf("unexpected vault holder %+v (exists=%v)", vault, ok)
	}
}

func TestDoubleInitialization(t *testing.T) {
	f := newFixture(t)
	user := key(0x02)

	if err := f.initializeVault(f.admin); err != nil {
		t.Fatalf("initializeVault: %v", err)
	}
	before := f.clone()
	requireCode(t, f.initializeVault(key(0x03)), apperrors.CodeAlreadyInitialized)
	f.requireUnchanged(before)

	if err := f.initializeUser(user); err != nil {
		t.Fatalf("initializeUser: %v", err)
	}
	before = f.clone()
	err := f.initializeUser(user)
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected already initialized, got %v", err)
	}
	f.requireUnchanged(before)
}

func TestPrefundedVaultKeepsValue(t *testing.T) {
	f := newFixture(t)
	set := f.addresses(f.admin)
	f.fund(set.Vault.Address, 42)

	if err := f.initializeVault(f.admin); err != nil {
		t.Fatalf("initializeVault: %v", err)
	}
	if got := f.vaultBalance(); got != 42 {
		t.Fatalf("expected pre-funded 42 to remain, got %d", got)
	}
	report := f.program.Audit(f.state)
	if !report.Solvent() {
		t.Fatalf("expected solvent report, got %+v", report)
	}
}

func TestSubstitutedAddressesRejected(t *testing.T) {
	f := newFixture(t)
	set := f.addresses(f.admin)

	err := f.run(func(v Accounts) error {
		return f.program.InitializeVault(v, f.admin, key(0x77), set.Vault.Address)
	})
	requireCode(t, err, apperrors.CodeInvalidAddress)

	err = f.run(func(v Accounts) error {
		return f.program.InitializeVault(v, f.admin, set.VaultState.Address, set.VaultState.Address)
	})
	requireCode(t, err, apperrors.CodeInvalidAddress)

	if len(f.state) != 0 {
		t.Fatalf("expected no accounts after rejected calls, got %d", len(f.state))
	}
}

func TestUnauthorizedUserStateMutation(t *testing.T) {
	f := newFixture(t)
	alice, bob := key(0x10), key(0x20)
	f.fund(alice, 1_000)
	f.fund(bob, 1_000)

	for _, step := range []func() error{
		func() error { return f.initializeVault(f.admin) },
		func() error { return f.initializeUser(alice) },
		func() error { return f.initializeUser(bob) },
		func() error { return f.deposit(bob, 700) },
	} {
		if err := step(); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	bobsState := f.transferAccounts(bob).UserState
	accts := f.transferAccounts(alice)
	accts.UserState = bobsState

	before := f.clone()
	err := f.run(func(v Accounts) error {
		_, err := f.program.Withdraw(v, alice, accts, 100)
		return err
	})
	requireCode(t, err, apperrors.CodeInvalidAddress)
	err = f.run(func(v Accounts) error {
		_, err := f.program.Deposit(v, alice, accts, 100)
		return err
	})
	requireCode(t, err, apperrors.CodeInvalidAddress)

	// Alice cannot initialize a record at Bob's address either.
	err = f.run(func(v Accounts) error {
		return f.program.InitializeUser(v, alice, bobsState)
	})
	requireCode(t, err, apperrors.CodeInvalidAddress)
	f.requireUnchanged(before)

	if got := f.deposited(bob); got != 700 {
		t.Fatalf("bob's balance changed to %d", got)
	}
}

func TestForgedUserStateRejected(t *testing.T) {
	f := newFixture(t)
	user := key(0x30)
	f.fund(user, 100)
	if err := f.initializeVault(f.admin); err != nil {
		t.Fatalf("initializeVault: %v", err)
	}

	accts := f.transferAccounts(user)
	data, _ := UserState{Owner: user, Deposited: 1_000_000}.MarshalBinary()
	f.state[accts.UserState] = Account{Owner: key(0x99), Data: data}

	err := f.withdraw(user, 1_000_000)
	if !errors.Is(err, ErrForeignOwner) {
		t.Fatalf("expected foreign owner rejection, got %v", err)
	}
	requireCode(t, err, apperrors.CodeInvalidAddress)
}

func TestCorruptBumpRejected(t *testing.T) {
	f := newFixture(t)
	user := key(0x31)
	f.fund(user, 100)
	if err := f.initializeVault(f.admin); err != nil {
		t.Fatalf("initializeVault: %v", err)
	}
	if err := f.initializeUser(user); err != nil {
		t.Fatalf("initializeUser: %v", err)
	}

	accts := f.transferAccounts(user)
	acct := f.state[accts.UserState]
	var us UserState
	if err := us.UnmarshalBinary(acct.Data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	us.Bump--
	acct.Data, _ = us.MarshalBinary()
	f.state[accts.UserState] = acct

	requireCode(t, f.deposit(user, 10), apperrors.CodeInvalidAddress)
}

func TestOperationsBeforeInitialization(t *testing.T) {
	f := newFixture(t)
	user := key(0x40)
	f.fund(user, 100)

	requireCode(t, f.deposit(user, 10), apperrors.CodeUninitialized)
	requireCode(t, f.withdraw(user, 10), apperrors.CodeUninitialized)

	if err := f.initializeVault(f.admin); err != nil {
		t.Fatalf("initializeVault: %v", err)
	}
	requireCode(t, f.deposit(user, 10), apperrors.CodeUninitialized)
}

func TestAmountChecks(t *testing.T) {
	f := newFixture(t)
	user := key(0x50)
	f.fund(user, 100)
	if err := f.initializeVault(f.admin); err != nil {
		t.Fatalf("initializeVault: %v", err)
	}
	if err := f.initializeUser(user); err != nil {
		t.Fatalf("initializeUser: %v", err)
	}

	requireCode(t, f.deposit(user, 0), apperrors.CodeZeroAmount)
	requireCode(t, f.withdraw(user, 0), apperrors.CodeZeroAmount)

	before := f.clone()
	requireCode(t, f.deposit(user, 101), apperrors.CodeInsufficientFunds)
	f.requireUnchanged(before)
}

func TestDepositOverflow(t *testing.T) {
	f := newFixture(t)
	user := key(0x60)
	f.fund(user, 100)
	if err := f.initializeVault(f.admin); err != nil {
		t.Fatalf("initializeVault: %v", err)
	}
	if err := f.initializeUser(user); err != nil {
		t.Fatalf("initializeUser: %v", err)
	}

	accts := f.transferAccounts(user)
	acct := f.state[accts.UserState]
	var us UserState
	_ = us.UnmarshalBinary(acct.Data)
	us.Deposited = math.MaxUint64 - 10
	acct.Data, _ = us.MarshalBinary()
	f.state[accts.UserState] = acct

	before := f.clone()
	err := f.deposit(user, 11)
	if !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	f.requireUnchanged(before)
	if got := f.deposited(user); got != math.MaxUint64-10 {
		t.Fatalf("deposited changed to %d", got)
	}
}

func TestWithdrawInsufficientVaultBalance(t *testing.T) {
	f := newFixture(t)
	user := key(0x61)
	f.fund(user, 100)
	for _, step := range []func() error{
		func() error { return f.initializeVault(f.admin) },
		func() error { return f.initializeUser(user) },
		func() error { return f.deposit(user, 100) },
	} {
		if err := step(); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	vaultAddr := f.transferAccounts(user).Vault
	vault := f.state[vaultAddr]
	vault.Lamports = 40
	f.state[vaultAddr] = vault

	requireCode(t, f.withdraw(user, 50), apperrors.CodeInsufficientVaultBalance)
	if got := f.deposited(user); got != 100 {
		t.Fatalf("deposited changed to %d", got)
	}
}

func TestViewWritesOnlyChangedAccounts(t *testing.T) {
	base := Snapshot{key(1): {Lamports: 5}, key(2): {Lamports: 7}}
	view := NewView(base)

	view.Set(key(2), Account{Lamports: 7})
	view.Set(key(1), Account{Lamports: 6})
	view.Set(key(3), Account{Lamports: 1})

	writes := view.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(writes))
	}
	if writes[0].Address != key(1) || writes[1].Address != key(3) {
		t.Fatalf("writes not ordered by address: %+v", writes)
	}
	if base[key(1)].Lamports != 5 {
		t.Fatal("view mutated its base snapshot")
	}
	if got, _ := view.Get(key(1)); got.Lamports != 6 {
		t.Fatalf("view did not read its own write, got %d", got.Lamports)
	}
}

// TestRandomSequencesPreserveInvariants drives random operations from a fixed
// seed and checks per-user accounting and solvency after every step.
func TestRandomSequencesPreserveInvariants(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(7))

	users := []types.Pubkey{key(0x11), key(0x12), key(0x13), key(0x14)}
	expected := make(map[types.Pubkey]uint64)
	if err := f.initializeVault(f.admin); err != nil {
		t.Fatalf("initializeVault: %v", err)
	}
	for _, u := range users {
		f.fund(u, 1_000_000)
		if err := f.initializeUser(u); err != nil {
			t.Fatalf("initializeUser: %v", err)
		}
	}

	for step := 0; step < 2000; step++ {
		u := users[rng.Intn(len(users))]
		amount := uint64(rng.Int63n(300_000))
		before := f.clone()

		var err error
		if rng.Intn(2) == 0 {
			err = f.deposit(u, amount)
			if err == nil {
				expected[u] += amount
			}
		} else {
			err = f.withdraw(u, amount)
			if err == nil {
				expected[u] -= amount
			}
		}
		if err != nil {
			f.requireUnchanged(before)
			switch apperrors.CodeOf(err) {
			case apperrors.CodeZeroAmount, apperrors.CodeInsufficientBalance, apperrors.CodeInsufficientFunds:
			default:
				t.Fatalf("step %d: unexpected error %v", step, err)
			}
		}

		for _, owner := range users {
			if got := f.deposited(owner); got != expected[owner] {
				t.Fatalf("step %d: %s deposited %d, expected %d", step, owner, got, expected[owner])
			}
		}
		report := f.program.Audit(f.state)
		if !report.Solvent() {
			t.Fatalf("step %d: insolvent %+v", step, report)
		}
	}
}
