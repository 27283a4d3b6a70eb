package api

import (
	"net/http"
)

// @Title: Get Vault
// @Route: GET /api/vault
// @Description: Vault state (admin, total deposited, bumps) and vault balance
// @Response: VaultView object
func (s *Service) HandleVault(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	view, err := s.queries.Vault(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// @Title: Get User
// @Route: GET /api/users?owner=...
// @Description: A user's deposited amount and external balance
// @Response: UserView object
func (s *Service) HandleUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	owner, err := keyParam(r, "owner")
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.queries.User(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// @Title: Get Account
// @Route: GET /api/accounts?address=...
// @Description: Raw account lookup (lamports, owner, data)
// @Response: AccountView object
func (s *Service) HandleAccount(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	addr, err := keyParam(r, "address")
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.queries.Account(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// @Title: Derive Addresses
// @Route: GET /api/addresses?owner=...
// @Description: The vault state, vault and user state addresses with their bumps
// @Response: {"vault_state": {...}, "vault": {...}, "user_state": {...}}
func (s *Service) HandleAddresses(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	owner, err := keyParam(r, "owner")
	if err != nil {
		s.writeError(w, err)
		return
	}
	set, err := s.queries.Addresses(owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, set)
}

// @Title: Audit
// @Route: GET /api/audit
// @Description: Compare the vault balance and total deposited with the sum of user records
// @Response: AuditView object with "solvent"
func (s *Service) HandleAudit(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	view, err := s.queries.Audit(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}
