package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"pdavault.mini/pdv/internal/host"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

func TestVaultLifecycleOverHTTP(t *testing.T) {
	env := setupTest(t, Options{FaucetEnabled: true})
	admin, _ := env.identity()
	user, owner := env.identity()

	expectStatus(t, env.do(http.MethodPost, "/api/faucet", FaucetRequest{Owner: owner, Lamports: 1_000_000}), http.StatusOK)
	expectStatus(t, env.do(http.MethodPost, "/api/vault/initialize", env.sign(admin, types.TxInitializeVault)(0)), http.StatusOK)
	expectStatus(t, env.do(http.MethodPost, "/api/users/initialize", env.sign(user, types.TxInitializeUser)(0)), http.StatusOK)

	w := env.do(http.MethodPost, "/api/deposit", env.sign(user, types.TxDeposit)(400_000))
	expectStatus(t, w, http.StatusOK)
	var res host.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Deposited == nil || *res.Deposited != 400_000 {
		t.Fatalf("expected 400000 deposited, got %v", res.Deposited)
	}

	// Generic endpoint accepts any type.
	expectStatus(t, env.do(http.MethodPost, "/api/tx", env.sign(user, types.TxWithdraw)(100_000)), http.StatusOK)

	w = env.do(http.MethodGet, "/api/users?owner="+owner.String(), nil)
	expectStatus(t, w, http.StatusOK)
	var view host.UserView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if view.State.Deposited != 300_000 || view.Balance != 700_000 {
		t.Fatalf("unexpected user view: deposited=%d balance=%d", view.State.Deposited, view.Balance)
	}

	w = env.do(http.MethodGet, "/api/vault", nil)
	expectStatus(t, w, http.StatusOK)
	var vault host.VaultView
	if err := json.NewDecoder(w.Body).Decode(&vault); err != nil {
		t.Fatalf("decode vault: %v", err)
	}
	if vault.VaultBalance != 300_000 || vault.State.TotalDeposited != 300_000 {
		t.Fatalf("unexpected vault view: %+v", vault)
	}

	w = env.do(http.MethodGet, "/api/audit", nil)
	expectStatus(t, w, http.StatusOK)
	var audit host.AuditView
	if err := json.NewDecoder(w.Body).Decode(&audit); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if !audit.IsSolvent {
		t.Fatalf("expected solvent audit, got %+v", audit)
	}
}

func TestLedgerErrorsMapToStatus(t *testing.T) {
	env := setupTest(t, Options{FaucetEnabled: true})
	admin, _ := env.identity()
	user, owner := env.identity()

	expectStatus(t, env.do(http.MethodPost, "/api/faucet", FaucetRequest{Owner: owner, Lamports: 100}), http.StatusOK)
	expectStatus(t, env.do(http.MethodPost, "/api/vault/initialize", env.sign(admin, types.TxInitializeVault)(0)), http.StatusOK)

	tests := []struct {
		name   string
		target string
		stx    *types.SignedTransaction
		status int
		code   apperrors.Code
	}{
		{"second vault", "/api/vault/initialize", env.sign(user, types.TxInitializeVault)(0), http.StatusConflict, apperrors.CodeAlreadyInitialized},
		{"no user state", "/api/deposit", env.sign(user, types.TxDeposit)(10), http.StatusNotFound, apperrors.CodeUninitialized},
		{"wrong endpoint", "/api/deposit", env.sign(user, types.TxWithdraw)(10), http.StatusBadRequest, apperrors.CodeInvalidTransaction},
		{"zero amount", "/api/deposit", env.sign(user, types.TxDeposit)(0), http.StatusBadRequest, apperrors.CodeZeroAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, tt.target, tt.stx)
			expectStatus(t, w, tt.status)
			if body := decodeError(t, w); body.Code != tt.code {
				t.Fatalf("expected code %s, got %s (%s)", tt.code, body.Code, body.Error)
			}
		})
	}

	expectStatus(t, env.do(http.MethodPost, "/api/users/initialize", env.sign(user, types.TxInitializeUser)(0)), http.StatusOK)
	w := env.do(http.MethodPost, "/api/deposit", env.sign(user, types.TxDeposit)(101))
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if body := decodeError(t, w); body.Code != apperrors.CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %s", body.Code)
	}

	// Replays are conflicts.
	stx := env.sign(user, types.TxDeposit)(10)
	expectStatus(t, env.do(http.MethodPost, "/api/deposit", stx), http.StatusOK)
	expectStatus(t, env.do(http.MethodPost, "/api/deposit", stx), http.StatusConflict)

	activity := env.logger.GetAll()
	if len(activity) == 0 || activity[0].Code != string(apperrors.CodeDuplicateTransaction) {
		t.Fatalf("expected newest activity to record the replay, got %+v", activity)
	}
}

func TestSubmitRejectsBadBodies(t *testing.T) {
	env := setupTest(t, Options{})

	w := env.do(http.MethodPost, "/api/tx", []byte("{"))
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(http.MethodPost, "/api/tx", []byte(`{"tx":"","public_key":"","signature":"","extra":1}`))
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(http.MethodPost, "/api/tx", types.SignedTransaction{Tx: []byte("{}")})
	expectStatus(t, w, http.StatusUnauthorized)

	w = env.do(http.MethodGet, "/api/tx", nil)
	expectStatus(t, w, http.StatusMethodNotAllowed)
	if w.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow: POST, got %q", w.Header().Get("Allow"))
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	env := setupTest(t, Options{ReadOnly: true, FaucetEnabled: true})
	admin, owner := env.identity()

	expectStatus(t, env.do(http.MethodPost, "/api/vault/initialize", env.sign(admin, types.TxInitializeVault)(0)), http.StatusServiceUnavailable)
	expectStatus(t, env.do(http.MethodPost, "/api/faucet", FaucetRequest{Owner: owner, Lamports: 5}), http.StatusServiceUnavailable)
	expectStatus(t, env.do(http.MethodPost, "/api/backups/import", []byte("x")), http.StatusServiceUnavailable)

	// Reads still work.
	expectStatus(t, env.do(http.MethodGet, "/api/addresses?owner="+owner.String(), nil), http.StatusOK)
}

func TestFaucet(t *testing.T) {
	env := setupTest(t, Options{})
	_, owner := env.identity()
	expectStatus(t, env.do(http.MethodPost, "/api/faucet", FaucetRequest{Owner: owner, Lamports: 5}), http.StatusForbidden)

	env = setupTest(t, Options{FaucetEnabled: true})
	w := env.do(http.MethodPost, "/api/faucet", FaucetRequest{Owner: owner, Lamports: 0})
	expectStatus(t, w, http.StatusBadRequest)
	if body := decodeError(t, w); body.Code != apperrors.CodeZeroAmount {
		t.Fatalf("expected zero amount, got %s", body.Code)
	}
	expectStatus(t, env.do(http.MethodPost, "/api/faucet", FaucetRequest{Lamports: 5}), http.StatusBadRequest)

	expectStatus(t, env.do(http.MethodPost, "/api/faucet", FaucetRequest{Owner: owner, Lamports: 5}), http.StatusOK)
	w = env.do(http.MethodGet, "/api/accounts?address="+owner.String(), nil)
	expectStatus(t, w, http.StatusOK)
	var acct host.AccountView
	if err := json.NewDecoder(w.Body).Decode(&acct); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if !acct.Exists || acct.Account.Lamports != 5 {
		t.Fatalf("unexpected account view: %+v", acct)
	}
}
