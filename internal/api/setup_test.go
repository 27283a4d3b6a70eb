package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"pdavault.mini/pdv/internal/accounts"
	"pdavault.mini/pdv/internal/address"
	"pdavault.mini/pdv/internal/host"
	"pdavault.mini/pdv/internal/identity"
	"pdavault.mini/pdv/internal/ledger"
	"pdavault.mini/pdv/internal/logger"
	"pdavault.mini/pdv/internal/types"
)

type testEnv struct {
	t       *testing.T
	svc     *Service
	mux     *http.ServeMux
	store   *accounts.Store
	deriver *address.Deriver
	logger  *logger.Logger
}

// setupTest creates a temporary store and service for testing
func setupTest(t *testing.T, opts Options) *testEnv {
	t.Helper()
	store, err := accounts.NewStore(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	deriver := address.New(address.DefaultProgramID)
	program := ledger.NewProgram(deriver)
	executor := host.NewExecutor(program, store, host.Options{MaxTxAge: host.DefaultMaxTxAge})
	l := logger.New(100)

	svc := NewService(executor, host.NewQueries(program, store), store, l, opts)
	mux := http.NewServeMux()
	svc.Routes(mux)
	return &testEnv{t: t, svc: svc, mux: mux, store: store, deriver: deriver, logger: l}
}

func (e *testEnv) do(method, target string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func (e *testEnv) identity() (*identity.Identity, types.Pubkey) {
	e.t.Helper()
	id, err := identity.Generate()
	if err != nil {
		e.t.Fatalf("Generate: %v", err)
	}
	return id, types.PubkeyFromEd25519(id.PublicKey())
}

func (e *testEnv) sign(id *identity.Identity, txType types.TransactionType) func(amount uint64) *types.SignedTransaction {
	e.t.Helper()
	set, err := e.deriver.Addresses(types.PubkeyFromEd25519(id.PublicKey()))
	if err != nil {
		e.t.Fatalf("Addresses: %v", err)
	}
	return func(amount uint64) *types.SignedTransaction {
		var payload any
		switch txType {
		case types.TxInitializeVault:
			payload = types.InitializeVaultPayload{VaultState: set.VaultState.Address, Vault: set.Vault.Address}
		case types.TxInitializeUser:
			payload = types.InitializeUserPayload{UserState: set.UserState.Address}
		default:
			payload = types.TransferPayload{
				VaultState: set.VaultState.Address,
				Vault:      set.Vault.Address,
				UserState:  set.UserState.Address,
				Amount:     amount,
			}
		}
		tx, err := types.NewTransaction(txType, payload)
		if err != nil {
			e.t.Fatalf("NewTransaction: %v", err)
		}
		stx, err := tx.Sign(id)
		if err != nil {
			e.t.Fatalf("Sign: %v", err)
		}
		return stx
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}
