package host

import (
	"sort"
	"sync"

	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

var ErrAccountInUse = apperrors.New(apperrors.CodeAccountInUse, "account locked by an in-flight operation")

// lockTable hands out exclusive holds on account addresses. Acquisition
// never waits: a set that overlaps a held address is refused whole.
type lockTable struct {
	mu   sync.Mutex
	held map[types.Pubkey]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[types.Pubkey]struct{})}
}

// tryAcquire locks every address or none. The returned release must be
// called exactly once.
func (l *lockTable) tryAcquire(addrs []types.Pubkey) (func(), error) {
	set := dedupe(addrs)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, addr := range set {
		if _, busy := l.held[addr]; busy {
			return nil, apperrors.WithMetadata(ErrAccountInUse.Code, ErrAccountInUse.Message,
				map[string]string{"account": addr.String()})
		}
	}
	for _, addr := range set {
		l.held[addr] = struct{}{}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			for _, addr := range set {
				delete(l.held, addr)
			}
			l.mu.Unlock()
		})
	}, nil
}

// dedupe returns addrs sorted with duplicates removed.
func dedupe(addrs []types.Pubkey) []types.Pubkey {
	out := append([]types.Pubkey(nil), addrs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	n := 0
	for i, addr := range out {
		if i > 0 && addr == out[n-1] {
			continue
		}
		out[n] = addr
		n++
	}
	return out[:n]
}
