package host

import (
	"context"
	"errors"
	"log"
	"math/bits"
	"sort"
	"time"

	"pdavault.mini/pdv/internal/accounts"
	"pdavault.mini/pdv/internal/ledger"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

// TxGenesis labels the initial balance credit in results and the
// processed transaction record.
const TxGenesis types.TransactionType = "genesis"

// Genesis credits the initial external balances in a single commit recorded
// under id. Replaying the same id changes nothing and reports false.
func (e *Executor) Genesis(ctx context.Context, id string, balances map[types.Pubkey]uint64, at time.Time) (bool, error) {
	addrs := make([]types.Pubkey, 0, len(balances))
	for addr, lamports := range balances {
		if lamports > 0 {
			addrs = append(addrs, addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	release, err := e.locks.tryAcquire(addrs)
	if err != nil {
		return false, err
	}
	defer release()
	e.state.RLock()
	defer e.state.RUnlock()

	base, err := e.store.Load(ctx, addrs)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeInternal, "load genesis accounts", err)
	}
	writes := make([]ledger.Write, 0, len(addrs))
	for _, addr := range addrs {
		acct := base[addr]
		sum, carry := bits.Add64(acct.Lamports, balances[addr], 0)
		if carry != 0 {
			return false, apperrors.WithMetadata(apperrors.CodeArithmeticOverflow, "genesis balance overflows",
				map[string]string{"address": addr.String()})
		}
		acct.Lamports = sum
		writes = append(writes, ledger.Write{Address: addr, Account: acct})
	}

	rec := accounts.TxRecord{ID: id, Type: TxGenesis, Signer: types.SystemProgram, ProcessedAt: at}
	if err := e.store.Commit(ctx, rec, writes); err != nil {
		if errors.Is(err, accounts.ErrDuplicateTransaction) {
			return false, nil
		}
		return false, apperrors.Wrap(apperrors.CodeInternal, "commit genesis", err)
	}

	log.Printf("INFO: Genesis credited %d accounts", len(writes))
	e.publish(Result{TxID: id, Type: TxGenesis, Accounts: writes})
	return true, nil
}
