package api

import (
	"fmt"
	"net/http"

	"pdavault.mini/pdv/internal/host"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

// @Title: Submit Transaction
// @Route: POST /api/tx
// @Description: Execute a signed transaction of any type
// @Response: Result object with committed accounts
func (s *Service) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "")
}

// @Title: Initialize Vault
// @Route: POST /api/vault/initialize
// @Description: Execute a signed initialize_vault transaction
// @Response: Result object with committed accounts
func (s *Service) HandleInitializeVault(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, types.TxInitializeVault)
}

// @Title: Initialize User
// @Route: POST /api/users/initialize
// @Description: Execute a signed initialize_user transaction
// @Response: Result object with deposited = 0
func (s *Service) HandleInitializeUser(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, types.TxInitializeUser)
}

// @Title: Deposit
// @Route: POST /api/deposit
// @Description: Execute a signed deposit transaction
// @Response: Result object with the caller's new deposited amount
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, types.TxDeposit)
}

// @Title: Withdraw
// @Route: POST /api/withdraw
// @Description: Execute a signed withdraw transaction
// @Response: Result object with the caller's new deposited amount
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, types.TxWithdraw)
}

func (s *Service) submit(w http.ResponseWriter, r *http.Request, expected types.TransactionType) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.requireWritable(w) {
		return
	}

	var stx types.SignedTransaction
	if err := decodeBody(w, r, &stx); err != nil {
		s.writeError(w, err)
		return
	}
	op := string(expected)
	if tx, err := stx.GetTransaction(); err == nil {
		if expected != "" && tx.Type != expected {
			s.writeError(w, apperrors.WithMetadata(apperrors.CodeInvalidTransaction,
				fmt.Sprintf("endpoint accepts %s transactions", expected),
				map[string]string{"type": string(tx.Type)}))
			return
		}
		op = string(tx.Type)
	}

	res, err := s.executor.Execute(r.Context(), &stx)
	if err != nil {
		signer, _ := stx.Signer()
		s.logger.Operation(op, signer.String(), 0, string(apperrors.CodeOf(err)))
		s.writeError(w, err)
		return
	}
	s.logger.Operation(string(res.Type), res.Signer.String(), res.Amount, string(apperrors.CodeOK))
	s.writeJSON(w, http.StatusOK, res)
}

// FaucetRequest credits an external balance.
type FaucetRequest struct {
	Owner    types.Pubkey `json:"owner"`
	Lamports uint64       `json:"lamports"`
}

// @Title: Faucet
// @Route: POST /api/faucet
// @Description: Credit lamports to an external account (development only)
// @Response: Result object with the credited account
func (s *Service) HandleFaucet(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) || !s.requireWritable(w) {
		return
	}
	if !s.opts.FaucetEnabled {
		s.writeStatus(w, http.StatusForbidden, apperrors.CodeInvalidTransaction, "faucet is disabled")
		return
	}

	var req FaucetRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Owner.IsZero() {
		s.writeError(w, apperrors.New(apperrors.CodeInvalidAddress, "owner is required"))
		return
	}

	res, err := s.executor.Fund(r.Context(), req.Owner, req.Lamports)
	if err != nil {
		s.logger.Operation(string(host.TxFund), req.Owner.String(), req.Lamports, string(apperrors.CodeOf(err)))
		s.writeError(w, err)
		return
	}
	s.logger.Operation(string(host.TxFund), req.Owner.String(), req.Lamports, string(apperrors.CodeOK))
	s.writeJSON(w, http.StatusOK, res)
}
