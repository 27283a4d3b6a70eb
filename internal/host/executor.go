// Package host runs ledger operations the way a transaction runtime would:
// it authenticates the caller, locks every account the call touches, runs
// the operation against a staged view and commits the result together with
// the transaction ID. Every transport (ABCI, HTTP) goes through Executor.
package host

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pdavault.mini/pdv/internal/accounts"
	"pdavault.mini/pdv/internal/ledger"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

const (
	DefaultMaxTxAge = 2 * time.Minute

	// TxFund labels faucet credits in results and activity.
	TxFund types.TransactionType = "fund"

	tracerName = "pdavault.mini/pdv/internal/host"
)

var (
	ErrInvalidSignature   = apperrors.New(apperrors.CodeInvalidSignature, "signature verification failed")
	ErrInvalidTransaction = apperrors.New(apperrors.CodeInvalidTransaction, "malformed transaction")
	ErrExpiredTransaction = apperrors.New(apperrors.CodeExpiredTransaction, "transaction is older than the accepted window")
)

// Store is the persistence the executor needs.
type Store interface {
	Load(ctx context.Context, addrs []types.Pubkey) (map[types.Pubkey]ledger.Account, error)
	Commit(ctx context.Context, rec accounts.TxRecord, writes []ledger.Write) error
	HasTransaction(ctx context.Context, id string) (bool, error)
	Credit(ctx context.Context, addr types.Pubkey, lamports uint64) (ledger.Account, error)
}

// Options tune an Executor. A zero MaxTxAge disables the age check.
type Options struct {
	MaxTxAge time.Duration
	Now      func() time.Time
	Tracer   trace.Tracer
}

// Result describes a committed call.
type Result struct {
	TxID      string                `json:"tx_id"`
	Type      types.TransactionType `json:"type"`
	Signer    types.Pubkey          `json:"signer"`
	Amount    uint64                `json:"amount,omitempty"`
	Deposited *uint64               `json:"deposited,omitempty"`
	Accounts  []ledger.Write        `json:"accounts"`
}

// Executor serializes ledger operations per account.
type Executor struct {
	program  *ledger.Program
	store    Store
	locks    *lockTable
	maxTxAge time.Duration
	now      func() time.Time
	tracer   trace.Tracer

	// state is held shared from load to commit of every call and exclusively
	// by Exclusive.
	state sync.RWMutex

	subMu       sync.RWMutex
	subscribers map[int]func(Result)
	nextSub     int
}

func NewExecutor(program *ledger.Program, store Store, opts Options) *Executor {
	e := &Executor{
		program:     program,
		store:       store,
		locks:       newLockTable(),
		maxTxAge:    opts.MaxTxAge,
		now:         opts.Now,
		tracer:      opts.Tracer,
		subscribers: make(map[int]func(Result)),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Program returns the ledger program the executor drives.
func (e *Executor) Program() *ledger.Program {
	return e.program
}

// Subscribe registers fn to receive every committed result. fn runs on the
// committing goroutine after locks are released and must not block.
func (e *Executor) Subscribe(fn func(Result)) (cancel func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = fn
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		delete(e.subscribers, id)
		e.subMu.Unlock()
	}
}

func (e *Executor) publish(res Result) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, fn := range e.subscribers {
		fn(res)
	}
}

// call is a decoded transaction ready to run.
type call struct {
	tx      *types.Transaction
	signer  types.Pubkey
	touched []types.Pubkey
	amount  uint64
	run     func(v ledger.Accounts) (*uint64, error)
}

// Validate performs every check that needs no account state: signature,
// encoding, type, ID, age relative to now and payload shape.
func (e *Executor) Validate(stx *types.SignedTransaction, now time.Time) (*types.Transaction, types.Pubkey, error) {
	c, err := e.decode(stx, now)
	if err != nil {
		return nil, types.Pubkey{}, err
	}
	return c.tx, c.signer, nil
}

// Processed reports whether a transaction ID was already committed.
func (e *Executor) Processed(ctx context.Context, id string) (bool, error) {
	return e.store.HasTransaction(ctx, id)
}

func (e *Executor) decode(stx *types.SignedTransaction, now time.Time) (*call, error) {
	if stx == nil || !stx.Verify() {
		return nil, ErrInvalidSignature
	}
	signer, err := stx.Signer()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidSignature, "signer key", err)
	}
	tx, err := stx.GetTransaction()
	if err != nil {
		return nil, apperrors.Wrap(ErrInvalidTransaction.Code, ErrInvalidTransaction.Message, err)
	}
	if !tx.Type.Valid() {
		return nil, apperrors.WithMetadata(ErrInvalidTransaction.Code, "unknown transaction type",
			map[string]string{"type": string(tx.Type)})
	}
	if _, err := uuid.Parse(tx.ID); err != nil {
		return nil, apperrors.Wrap(ErrInvalidTransaction.Code, "transaction id must be a UUID", err)
	}
	if err := e.checkAge(tx.Timestamp, now); err != nil {
		return nil, err
	}

	c := &call{tx: tx, signer: signer}
	switch tx.Type {
	case types.TxInitializeVault:
		var p types.InitializeVaultPayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, apperrors.Wrap(ErrInvalidTransaction.Code, ErrInvalidTransaction.Message, err)
		}
		c.touched = []types.Pubkey{signer, p.VaultState, p.Vault}
		c.run = func(v ledger.Accounts) (*uint64, error) {
			return nil, e.program.InitializeVault(v, signer, p.VaultState, p.Vault)
		}
	case types.TxInitializeUser:
		var p types.InitializeUserPayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, apperrors.Wrap(ErrInvalidTransaction.Code, ErrInvalidTransaction.Message, err)
		}
		c.touched = []types.Pubkey{signer, p.UserState}
		c.run = func(v ledger.Accounts) (*uint64, error) {
			if err := e.program.InitializeUser(v, signer, p.UserState); err != nil {
				return nil, err
			}
			zero := uint64(0)
			return &zero, nil
		}
	case types.TxDeposit, types.TxWithdraw:
		var p types.TransferPayload
		if err := tx.DecodePayload(&p); err != nil {
			return nil, apperrors.Wrap(ErrInvalidTransaction.Code, ErrInvalidTransaction.Message, err)
		}
		accts := ledger.TransferAccounts{VaultState: p.VaultState, Vault: p.Vault, UserState: p.UserState}
		op := e.program.Deposit
		if tx.Type == types.TxWithdraw {
			op = e.program.Withdraw
		}
		c.amount = p.Amount
		c.touched = []types.Pubkey{signer, p.VaultState, p.Vault, p.UserState}
		c.run = func(v ledger.Accounts) (*uint64, error) {
			deposited, err := op(v, signer, accts, p.Amount)
			if err != nil {
				return nil, err
			}
			return &deposited, nil
		}
	}
	return c, nil
}

func (e *Executor) checkAge(ts, now time.Time) error {
	if e.maxTxAge <= 0 {
		return nil
	}
	if ts.IsZero() {
		return apperrors.New(ErrInvalidTransaction.Code, "transaction timestamp is required")
	}
	if now.Sub(ts) > e.maxTxAge {
		return apperrors.WithMetadata(ErrExpiredTransaction.Code, ErrExpiredTransaction.Message,
			map[string]string{"timestamp": ts.UTC().Format(time.RFC3339)})
	}
	if ts.Sub(now) > e.maxTxAge {
		return apperrors.WithMetadata(ErrInvalidTransaction.Code, "transaction timestamp is in the future",
			map[string]string{"timestamp": ts.UTC().Format(time.RFC3339)})
	}
	return nil
}

// Execute runs one signed transaction to completion against the local
// clock. On any error no state is changed.
func (e *Executor) Execute(ctx context.Context, stx *types.SignedTransaction) (*Result, error) {
	return e.ExecuteAt(ctx, stx, e.now())
}

// ExecuteAt is Execute with an explicit current time, used by consensus
// where every node must judge transaction age against the block time.
func (e *Executor) ExecuteAt(ctx context.Context, stx *types.SignedTransaction, now time.Time) (res *Result, err error) {
	ctx, span := e.tracer.Start(ctx, "host.Execute")
	defer func() {
		code := apperrors.CodeOf(err)
		span.SetAttributes(attribute.String("result.code", string(code)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(code))
		}
		span.End()
	}()

	c, err := e.decode(stx, now)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tx.id", c.tx.ID),
		attribute.String("tx.type", string(c.tx.Type)),
		attribute.String("tx.signer", c.signer.String()),
	)

	release, err := e.locks.tryAcquire(c.touched)
	if err != nil {
		return nil, err
	}
	e.state.RLock()
	res, err = e.executeLocked(ctx, c, now)
	e.state.RUnlock()
	release()
	if err != nil {
		return nil, err
	}

	e.publish(*res)
	return res, nil
}

func (e *Executor) executeLocked(ctx context.Context, c *call, now time.Time) (*Result, error) {
	seen, err := e.store.HasTransaction(ctx, c.tx.ID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "check transaction id", err)
	}
	if seen {
		return nil, apperrors.WithMetadata(accounts.ErrDuplicateTransaction.Code, accounts.ErrDuplicateTransaction.Message,
			map[string]string{"id": c.tx.ID})
	}

	base, err := e.store.Load(ctx, c.touched)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "load accounts", err)
	}
	view := ledger.NewView(base)
	deposited, err := c.run(view)
	if err != nil {
		return nil, err
	}

	writes := view.Writes()
	rec := accounts.TxRecord{ID: c.tx.ID, Type: c.tx.Type, Signer: c.signer, ProcessedAt: now}
	if err := e.store.Commit(ctx, rec, writes); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeDuplicateTransaction {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, "commit accounts", err)
	}

	return &Result{
		TxID:      c.tx.ID,
		Type:      c.tx.Type,
		Signer:    c.signer,
		Amount:    c.amount,
		Deposited: deposited,
		Accounts:  writes,
	}, nil
}

// Exclusive runs fn once no call is between loading and committing its
// accounts, and keeps new calls out until fn returns. Whole-store
// replacement such as a snapshot import goes through here.
func (e *Executor) Exclusive(fn func() error) error {
	e.state.Lock()
	defer e.state.Unlock()
	return fn()
}

// Fund credits owner's external balance. It is a development faucet and
// competes for the same account lock as ledger operations.
func (e *Executor) Fund(ctx context.Context, owner types.Pubkey, lamports uint64) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "host.Fund", trace.WithAttributes(
		attribute.String("tx.signer", owner.String()),
		attribute.String("amount", strconv.FormatUint(lamports, 10)),
	))
	defer span.End()

	if lamports == 0 {
		return nil, apperrors.New(apperrors.CodeZeroAmount, "amount must be greater than zero")
	}
	release, err := e.locks.tryAcquire([]types.Pubkey{owner})
	if err != nil {
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		return nil, err
	}
	e.state.RLock()
	acct, err := e.store.Credit(ctx, owner, lamports)
	e.state.RUnlock()
	release()
	if err != nil {
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		if apperrors.CodeOf(err) == apperrors.CodeInternal {
			return nil, fmt.Errorf("credit %s: %w", owner, err)
		}
		return nil, err
	}

	log.Printf("INFO: Funded %s with %d lamports", owner, lamports)
	res := Result{
		TxID:     uuid.NewString(),
		Type:     TxFund,
		Signer:   owner,
		Amount:   lamports,
		Accounts: []ledger.Write{{Address: owner, Account: acct}},
	}
	e.publish(res)
	return &res, nil
}
