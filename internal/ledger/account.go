// Package ledger holds the vault program: the account model, the persisted
// layouts of the vault and user state records, and the four operations that
// move value between callers and the pooled vault.
//
// Operations are pure transitions over an Accounts view. Each one reads what
// it needs, validates every precondition and only then writes, so a returned
// error always means the view was left untouched.
package ledger

import (
	"bytes"
	"sort"

	"pdavault.mini/pdv/internal/types"
)

// Account is a stored balance with an owning program and opaque data.
type Account struct {
	Lamports uint64       `json:"lamports"`
	Owner    types.Pubkey `json:"owner"`
	Data     []byte       `json:"data,omitempty"`
}

// Clone returns a copy that does not share the data slice.
func (a Account) Clone() Account {
	out := a
	if a.Data != nil {
		out.Data = append([]byte(nil), a.Data...)
	}
	return out
}

// Equal reports whether both accounts hold the same balance, owner and data.
func (a Account) Equal(b Account) bool {
	return a.Lamports == b.Lamports && a.Owner == b.Owner && bytes.Equal(a.Data, b.Data)
}

// Reader looks up accounts by address. A missing account and one that was
// never created are the same thing.
type Reader interface {
	Get(addr types.Pubkey) (Account, bool)
}

// Accounts is the read/write surface the operations run against.
type Accounts interface {
	Reader
	Set(addr types.Pubkey, acct Account)
}

// Write is one account produced by an operation.
type Write struct {
	Address types.Pubkey `json:"address"`
	Account Account      `json:"account"`
}

// View stages writes over a loaded snapshot. Nothing reaches the snapshot;
// the host commits Writes() or drops the view.
type View struct {
	base   map[types.Pubkey]Account
	staged map[types.Pubkey]Account
}

// NewView wraps base. The map is only read.
func NewView(base map[types.Pubkey]Account) *View {
	if base == nil {
		base = make(map[types.Pubkey]Account)
	}
	return &View{
		base:   base,
		staged: make(map[types.Pubkey]Account),
	}
}

func (v *View) Get(addr types.Pubkey) (Account, bool) {
	if acct, ok := v.staged[addr]; ok {
		return acct.Clone(), true
	}
	acct, ok := v.base[addr]
	if !ok {
		return Account{}, false
	}
	return acct.Clone(), true
}

func (v *View) Set(addr types.Pubkey, acct Account) {
	v.staged[addr] = acct.Clone()
}

// Writes returns the staged accounts that differ from the snapshot, ordered
// by address.
func (v *View) Writes() []Write {
	out := make([]Write, 0, len(v.staged))
	for addr, acct := range v.staged {
		if prev, ok := v.base[addr]; ok && prev.Equal(acct) {
			continue
		}
		out = append(out, Write{Address: addr, Account: acct.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return out
}

// Snapshot is an in-memory Accounts implementation used by tests and by
// read-only callers that already hold every account.
type Snapshot map[types.Pubkey]Account

func (s Snapshot) Get(addr types.Pubkey) (Account, bool) {
	acct, ok := s[addr]
	if !ok {
		return Account{}, false
	}
	return acct.Clone(), true
}

func (s Snapshot) Set(addr types.Pubkey, acct Account) {
	s[addr] = acct.Clone()
}

// Apply copies writes into the snapshot.
func (s Snapshot) Apply(writes []Write) {
	for _, w := range writes {
		s.Set(w.Address, w.Account)
	}
}
