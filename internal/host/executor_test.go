package host

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pdavault.mini/pdv/internal/accounts"
	"pdavault.mini/pdv/internal/address"
	"pdavault.mini/pdv/internal/identity"
	"pdavault.mini/pdv/internal/ledger"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

type harness struct {
	t        *testing.T
	store    *accounts.Store
	executor *Executor
	deriver  *address.Deriver
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store, err := accounts.NewStore(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	deriver := address.New(address.DefaultProgramID)
	return &harness{
		t:        t,
		store:    store,
		executor: NewExecutor(ledger.NewProgram(deriver), store, opts),
		deriver:  deriver,
	}
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func pubkey(id *identity.Identity) types.Pubkey {
	return types.PubkeyFromEd25519(id.PublicKey())
}

func (h *harness) sign(id *identity.Identity, txType types.TransactionType, payload any) *types.SignedTransaction {
	h.t.Helper()
	tx, err := types.NewTransaction(txType, payload)
	if err != nil {
		h.t.Fatalf("NewTransaction: %v", err)
	}
	stx, err := tx.Sign(id)
	if err != nil {
		h.t.Fatalf("Sign: %v", err)
	}
	return stx
}

func (h *harness) addresses(owner types.Pubkey) address.Set {
	h.t.Helper()
	set, err := h.deriver.Addresses(owner)
	if err != nil {
		h.t.Fatalf("Addresses: %v", err)
	}
	return set
}

func (h *harness) initializeVault(id *identity.Identity) *types.SignedTransaction {
	set := h.addresses(pubkey(id))
	return h.sign(id, types.TxInitializeVault, types.InitializeVaultPayload{
		VaultState: set.VaultState.Address,
		Vault:      set.Vault.Address,
	})
}

func (h *harness) initializeUser(id *identity.Identity) *types.SignedTransaction {
	set := h.addresses(pubkey(id))
	return h.sign(id, types.TxInitializeUser, types.InitializeUserPayload{UserState: set.UserState.Address})
}

func (h *harness) transfer(id *identity.Identity, txType types.TransactionType, amount uint64) *types.SignedTransaction {
	set := h.addresses(pubkey(id))
	return h.sign(id, txType, types.TransferPayload{
		VaultState: set.VaultState.Address,
		Vault:      set.Vault.Address,
		UserState:  set.UserState.Address,
		Amount:     amount,
	})
}

func (h *harness) mustExecute(stx *types.SignedTransaction) *Result {
	h.t.Helper()
	res, err := h.executor.Execute(context.Background(), stx)
	if err != nil {
		h.t.Fatalf("Execute: %v", err)
	}
	return res
}

func (h *harness) balance(addr types.Pubkey) uint64 {
	h.t.Helper()
	acct, _, err := h.store.Get(context.Background(), addr)
	if err != nil {
		h.t.Fatalf("Get: %v", err)
	}
	return acct.Lamports
}

func requireCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if got := apperrors.CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

func TestExecuteVaultLifecycle(t *testing.T) {
	h := newHarness(t, Options{MaxTxAge: DefaultMaxTxAge})
	admin, user := newIdentity(t), newIdentity(t)
	ctx := context.Background()

	if _, err := h.executor.Fund(ctx, pubkey(user), 2_000_000); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	h.mustExecute(h.initializeVault(admin))
	res := h.mustExecute(h.initializeUser(user))
	if res.Deposited == nil || *res.Deposited != 0 {
		t.Fatalf("expected zero deposited after initialize, got %v", res.Deposited)
	}

	res = h.mustExecute(h.transfer(user, types.TxDeposit, 1_000_000))
	if *res.Deposited != 1_000_000 {
		t.Fatalf("expected 1000000 deposited, got %d", *res.Deposited)
	}

	vault := h.addresses(pubkey(user)).Vault.Address
	before := h.balance(vault)
	res = h.mustExecute(h.transfer(user, types.TxWithdraw, 500_000))
	if *res.Deposited != 500_000 {
		t.Fatalf("expected 500000 deposited, got %d", *res.Deposited)
	}
	if before-h.balance(vault) != 500_000 {
		t.Fatalf("vault dropped by %d", before-h.balance(vault))
	}

	_, err := h.executor.Execute(ctx, h.transfer(user, types.TxWithdraw, 600_000))
	requireCode(t, err, apperrors.CodeInsufficientBalance)

	all, err := h.store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	report := h.executor.Program().Audit(all)
	if !report.Solvent() || report.UserDeposits != 500_000 {
		t.Fatalf("unexpected audit %+v", report)
	}
}

func TestExecuteRejectsReplay(t *testing.T) {
	h := newHarness(t, Options{})
	admin := newIdentity(t)

	stx := h.initializeVault(admin)
	h.mustExecute(stx)

	_, err := h.executor.Execute(context.Background(), stx)
	if !errors.Is(err, accounts.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate transaction, got %v", err)
	}
}

func TestExecuteRejectsBadSignature(t *testing.T) {
	h := newHarness(t, Options{})
	admin, other := newIdentity(t), newIdentity(t)

	stx := h.initializeVault(admin)
	stx.PublicKey = other.PublicKey()
	_, err := h.executor.Execute(context.Background(), stx)
	requireCode(t, err, apperrors.CodeInvalidSignature)

	_, err = h.executor.Execute(context.Background(), nil)
	requireCode(t, err, apperrors.CodeInvalidSignature)
}

func TestExecuteRejectsMalformedTransactions(t *testing.T) {
	h := newHarness(t, Options{})
	id := newIdentity(t)

	unknown := h.sign(id, types.TransactionType("mint"), map[string]int{"amount": 1})
	_, err := h.executor.Execute(context.Background(), unknown)
	requireCode(t, err, apperrors.CodeInvalidTransaction)

	extra := h.sign(id, types.TxDeposit, map[string]any{"amount": 1, "bonus": true})
	_, err = h.executor.Execute(context.Background(), extra)
	requireCode(t, err, apperrors.CodeInvalidTransaction)

	tx, _ := types.NewTransaction(types.TxInitializeUser, types.InitializeUserPayload{})
	tx.ID = "not-a-uuid"
	stx, _ := tx.Sign(id)
	_, err = h.executor.Execute(context.Background(), stx)
	requireCode(t, err, apperrors.CodeInvalidTransaction)
}

func TestExecuteRejectsExpiredTransactions(t *testing.T) {
	now := time.Now()
	h := newHarness(t, Options{
		MaxTxAge: time.Minute,
		Now:      func() time.Time { return now.Add(5 * time.Minute) },
	})

	_, err := h.executor.Execute(context.Background(), h.initializeVault(newIdentity(t)))
	requireCode(t, err, apperrors.CodeExpiredTransaction)
}

func TestExecuteRefusesLockedAccounts(t *testing.T) {
	h := newHarness(t, Options{})
	admin := newIdentity(t)
	set := h.addresses(pubkey(admin))

	release, err := h.executor.locks.tryAcquire([]types.Pubkey{set.Vault.Address})
	if err != nil {
		t.Fatalf("tryAcquire: %v", err)
	}
	_, err = h.executor.Execute(context.Background(), h.initializeVault(admin))
	if !errors.Is(err, ErrAccountInUse) {
		t.Fatalf("expected account in use, got %v", err)
	}
	if h.balance(set.VaultState.Address) != 0 {
		t.Fatal("refused call wrote state")
	}

	release()
	h.mustExecute(h.initializeVault(admin))
}

func TestLockTableIsAllOrNothing(t *testing.T) {
	locks := newLockTable()
	a, b, c := types.Pubkey{1}, types.Pubkey{2}, types.Pubkey{3}

	release, err := locks.tryAcquire([]types.Pubkey{b})
	if err != nil {
		t.Fatalf("tryAcquire: %v", err)
	}
	if _, err := locks.tryAcquire([]types.Pubkey{a, b, c}); !errors.Is(err, ErrAccountInUse) {
		t.Fatalf("expected overlap refusal, got %v", err)
	}
	// a and c must not have been left held by the refused attempt.
	other, err := locks.tryAcquire([]types.Pubkey{c, a, a})
	if err != nil {
		t.Fatalf("expected a and c free: %v", err)
	}
	other()
	release()
	release()

	if _, err := locks.tryAcquire([]types.Pubkey{a, b, c}); err != nil {
		t.Fatalf("expected all free after release: %v", err)
	}
}

func TestConcurrentDepositsStaySolvent(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	admin := newIdentity(t)
	h.mustExecute(h.initializeVault(admin))

	const users = 8
	const depositsEach = 5
	ids := make([]*identity.Identity, users)
	for i := range ids {
		ids[i] = newIdentity(t)
		if _, err := h.executor.Fund(ctx, pubkey(ids[i]), 1_000); err != nil {
			t.Fatalf("Fund: %v", err)
		}
		h.mustExecute(h.initializeUser(ids[i]))
	}

	// Sign up front: t.Fatalf must not run on the deposit goroutines.
	deposits := make([][]*types.SignedTransaction, users)
	for i, id := range ids {
		for n := 0; n < depositsEach; n++ {
			deposits[i] = append(deposits[i], h.transfer(id, types.TxDeposit, 10))
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, users)
	for _, txs := range deposits {
		wg.Add(1)
		go func(txs []*types.SignedTransaction) {
			defer wg.Done()
			for n := 0; n < len(txs); {
				_, err := h.executor.Execute(ctx, txs[n])
				if errors.Is(err, ErrAccountInUse) {
					time.Sleep(time.Millisecond)
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				n++
			}
		}(txs)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("deposit failed: %v", err)
	}

	all, err := h.store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	report := h.executor.Program().Audit(all)
	want := uint64(users * depositsEach * 10)
	if !report.Solvent() || report.VaultBalance != want || report.UserDeposits != want {
		t.Fatalf("unexpected audit after concurrent deposits: %+v", report)
	}
}

func TestSubscribersSeeCommittedAccounts(t *testing.T) {
	h := newHarness(t, Options{})
	admin := newIdentity(t)

	var got []Result
	cancel := h.executor.Subscribe(func(r Result) { got = append(got, r) })

	res := h.mustExecute(h.initializeVault(admin))
	_, err := h.executor.Execute(context.Background(), h.initializeVault(admin))
	requireCode(t, err, apperrors.CodeAlreadyInitialized)

	if len(got) != 1 || got[0].TxID != res.TxID || len(got[0].Accounts) != 2 {
		t.Fatalf("unexpected notifications %+v", got)
	}

	cancel()
	if _, err := h.executor.Fund(context.Background(), pubkey(admin), 5); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if len(got) != 1 {
		t.Fatal("cancelled subscriber still notified")
	}
}

func TestFundRejectsZero(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.executor.Fund(context.Background(), pubkey(newIdentity(t)), 0)
	requireCode(t, err, apperrors.CodeZeroAmount)
}

// loadHookStore runs onLoad once, right after the first Load returns.
type loadHookStore struct {
	*accounts.Store
	onLoad func()
}

func (s *loadHookStore) Load(ctx context.Context, addrs []types.Pubkey) (map[types.Pubkey]ledger.Account, error) {
	loaded, err := s.Store.Load(ctx, addrs)
	if fn := s.onLoad; fn != nil {
		s.onLoad = nil
		fn()
	}
	return loaded, err
}

func TestSnapshotImportWaitsForInFlightCommit(t *testing.T) {
	h := newHarness(t, Options{})
	store := &loadHookStore{Store: h.store}
	e := NewExecutor(ledger.NewProgram(h.deriver), store, Options{})
	ctx := context.Background()
	run := func(stx *types.SignedTransaction) {
		t.Helper()
		if _, err := e.Execute(ctx, stx); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	admin, a, b := newIdentity(t), newIdentity(t), newIdentity(t)
	for _, id := range []*identity.Identity{a, b} {
		if _, err := e.Fund(ctx, pubkey(id), 1_000); err != nil {
			t.Fatalf("Fund: %v", err)
		}
	}
	run(h.initializeVault(admin))
	run(h.initializeUser(a))
	run(h.initializeUser(b))

	snapshot, err := h.store.ExportSnapshot()
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	run(h.transfer(b, types.TxDeposit, 50))

	deposit := h.transfer(a, types.TxDeposit, 10)
	imported := make(chan error, 1)
	store.onLoad = func() {
		go func() {
			imported <- e.Exclusive(func() error {
				_, err := h.store.ImportSnapshot(snapshot, 3)
				return err
			})
		}()
		// Give an unguarded import time to land between load and commit.
		time.Sleep(50 * time.Millisecond)
	}
	run(deposit)
	if err := <-imported; err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}

	all, err := h.store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	report := e.Program().Audit(all)
	if !report.Solvent() || report.VaultBalance != 0 || report.UserDeposits != 0 || report.TotalDeposited != 0 {
		t.Fatalf("expected the snapshot state after import, got %+v", report)
	}
	if got := h.balance(pubkey(a)); got != 1_000 {
		t.Fatalf("expected a's snapshot balance 1000, got %d", got)
	}
}
