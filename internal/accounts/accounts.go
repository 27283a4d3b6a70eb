package accounts

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"pdavault.mini/pdv/internal/ledger"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

var (
	ErrDuplicateTransaction = apperrors.New(apperrors.CodeDuplicateTransaction, "transaction already processed")
	ErrCreditOverflow       = apperrors.New(apperrors.CodeArithmeticOverflow, "credit would overflow account balance")
)

// TxRecord identifies a transaction whose writes are being committed.
type TxRecord struct {
	ID          string                `json:"id"`
	Type        types.TransactionType `json:"type"`
	Signer      types.Pubkey          `json:"signer"`
	ProcessedAt time.Time             `json:"processed_at"`
}

// Lamports are uint64 on the ledger and INTEGER (int64) in SQLite; values
// are stored bit-for-bit.
func toColumn(lamports uint64) int64   { return int64(lamports) }
func fromColumn(lamports int64) uint64 { return uint64(lamports) }

// Load returns the stored accounts among addrs. Missing addresses are absent
// from the result.
func (s *Store) Load(ctx context.Context, addrs []types.Pubkey) (map[types.Pubkey]ledger.Account, error) {
	out := make(map[types.Pubkey]ledger.Account, len(addrs))
	if len(addrs) == 0 {
		return out, nil
	}

	args := make([]any, len(addrs))
	for i, addr := range addrs {
		args[i] = addr.String()
	}
	query := `SELECT address, lamports, owner, data FROM accounts WHERE address IN (?` +
		strings.Repeat(",?", len(addrs)-1) + `)`

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		addr, acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[addr] = acct
	}
	return out, rows.Err()
}

// Get returns one account and whether it exists.
func (s *Store) Get(ctx context.Context, addr types.Pubkey) (ledger.Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(ctx, s.db, addr)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getLocked(ctx context.Context, q queryRower, addr types.Pubkey) (ledger.Account, bool, error) {
	row := q.QueryRowContext(ctx, `SELECT address, lamports, owner, data FROM accounts WHERE address = ?`, addr.String())
	_, acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, err
	}
	return acct, true, nil
}

// List returns every stored account.
func (s *Store) List(ctx context.Context) (map[types.Pubkey]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT address, lamports, owner, data FROM accounts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[types.Pubkey]ledger.Account)
	for rows.Next() {
		addr, acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[addr] = acct
	}
	return out, rows.Err()
}

// HasTransaction reports whether id was already committed.
func (s *Store) HasTransaction(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_transactions WHERE id = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check transaction: %w", err)
	}
	return true, nil
}

// Commit records rec and applies writes in a single SQL transaction. A
// record whose ID was already committed fails with ErrDuplicateTransaction
// and nothing is written.
func (s *Store) Commit(ctx context.Context, rec TxRecord, writes []ledger.Write) error {
	if rec.ID == "" {
		return errors.New("transaction id is required")
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO processed_transactions (id, type, signer, processed_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		rec.ID, string(rec.Type), rec.Signer.String(), formatTime(rec.ProcessedAt))
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.WithMetadata(ErrDuplicateTransaction.Code, ErrDuplicateTransaction.Message,
			map[string]string{"id": rec.ID})
	}

	if err := upsertAccounts(ctx, tx, writes, rec.ProcessedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.notify()
	return nil
}

// Credit adds lamports to addr outside any ledger operation, creating a
// system-owned account when none exists.
func (s *Store) Credit(ctx context.Context, addr types.Pubkey, lamports uint64) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback()

	acct, _, err := s.getLocked(ctx, tx, addr)
	if err != nil {
		return ledger.Account{}, err
	}
	sum, carry := bits.Add64(acct.Lamports, lamports, 0)
	if carry != 0 {
		return ledger.Account{}, ErrCreditOverflow
	}
	acct.Lamports = sum

	if err := upsertAccounts(ctx, tx, []ledger.Write{{Address: addr, Account: acct}}, time.Now()); err != nil {
		return ledger.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, fmt.Errorf("commit credit: %w", err)
	}
	s.notify()
	return acct, nil
}

// StateHash digests every account in address order. Two stores with the
// same accounts produce the same hash.
func (s *Store) StateHash(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT address, lamports, owner, data FROM accounts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("hash accounts: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	var scratch [8]byte
	for rows.Next() {
		addr, acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		h.Write(addr[:])
		binary.LittleEndian.PutUint64(scratch[:], acct.Lamports)
		h.Write(scratch[:])
		h.Write(acct.Owner[:])
		binary.LittleEndian.PutUint64(scratch[:], uint64(len(acct.Data)))
		h.Write(scratch[:])
		h.Write(acct.Data)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func upsertAccounts(ctx context.Context, tx *sql.Tx, writes []ledger.Write, at time.Time) error {
	if len(writes) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO accounts (address, lamports, owner, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			lamports = excluded.lamports,
			owner = excluded.owner,
			data = excluded.data,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare account upsert: %w", err)
	}
	defer stmt.Close()

	for _, w := range writes {
		if _, err := stmt.ExecContext(ctx,
			w.Address.String(),
			toColumn(w.Account.Lamports),
			w.Account.Owner.String(),
			w.Account.Data,
			formatTime(at),
		); err != nil {
			return fmt.Errorf("write account %s: %w", w.Address, err)
		}
	}
	return nil
}

func scanAccount(scanner interface{ Scan(dest ...any) error }) (types.Pubkey, ledger.Account, error) {
	var (
		addrHex, ownerHex string
		lamports          int64
		data              []byte
	)
	if err := scanner.Scan(&addrHex, &lamports, &ownerHex, &data); err != nil {
		return types.Pubkey{}, ledger.Account{}, err
	}
	addr, err := types.ParsePubkey(addrHex)
	if err != nil {
		return types.Pubkey{}, ledger.Account{}, fmt.Errorf("stored address %q: %w", addrHex, err)
	}
	owner, err := types.ParsePubkey(ownerHex)
	if err != nil {
		return types.Pubkey{}, ledger.Account{}, fmt.Errorf("stored owner of %s: %w", addrHex, err)
	}
	if len(data) == 0 {
		data = nil
	}
	return addr, ledger.Account{Lamports: fromColumn(lamports), Owner: owner, Data: data}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
