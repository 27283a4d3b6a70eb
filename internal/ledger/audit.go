package ledger

import (
	"sort"

	"pdavault.mini/pdv/internal/types"
)

// UserBalance is one row of an audit.
type UserBalance struct {
	Address   types.Pubkey `json:"address"`
	Owner     types.Pubkey `json:"owner"`
	Deposited uint64       `json:"deposited"`
}

// AuditReport compares the vault's raw balance with what it owes.
type AuditReport struct {
	Initialized    bool          `json:"initialized"`
	VaultBalance   uint64        `json:"vault_balance"`
	TotalDeposited uint64        `json:"total_deposited"`
	UserDeposits   uint64        `json:"user_deposits"`
	Users          []UserBalance `json:"users"`
	Overflow       bool          `json:"overflow,omitempty"`
}

// Solvent holds when the vault covers every user balance and the header's
// running total agrees with the per-user records.
func (r AuditReport) Solvent() bool {
	if !r.Initialized {
		return len(r.Users) == 0
	}
	return !r.Overflow && r.VaultBalance >= r.UserDeposits && r.TotalDeposited == r.UserDeposits
}

// Audit scans a full account listing. Records that do not decode as this
// program's user state are skipped.
func (p *Program) Audit(all map[types.Pubkey]Account) AuditReport {
	var report AuditReport

	if vs, _, err := p.ReadVaultState(Snapshot(all)); err == nil {
		report.Initialized = true
		report.TotalDeposited = vs.TotalDeposited
		if vaultDerived, err := p.deriver.Vault(); err == nil {
			report.VaultBalance = all[vaultDerived.Address].Lamports
		}
	}

	for addr, acct := range all {
		if acct.Owner != p.ID() || !IsUserState(acct.Data) {
			continue
		}
		var us UserState
		if err := us.UnmarshalBinary(acct.Data); err != nil {
			continue
		}
		report.Users = append(report.Users, UserBalance{Address: addr, Owner: us.Owner, Deposited: us.Deposited})
		sum, err := checkedAdd(report.UserDeposits, us.Deposited)
		if err != nil {
			report.Overflow = true
			continue
		}
		report.UserDeposits = sum
	}
	sort.Slice(report.Users, func(i, j int) bool { return report.Users[i].Address.Less(report.Users[j].Address) })
	return report
}
