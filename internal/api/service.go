// Package api implements the JSON HTTP surface of the vault: transaction
// submission, read queries, the development faucet and store backups.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"pdavault.mini/pdv/internal/accounts"
	"pdavault.mini/pdv/internal/host"
	"pdavault.mini/pdv/internal/logger"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

// maxBodyBytes bounds request bodies except snapshot uploads.
const maxBodyBytes = 1 << 20

// BackupStore is the part of the account store the backup endpoints use.
type BackupStore interface {
	BackupCurrent(maxBackups int) (string, error)
	ListBackups() ([]accounts.BackupInfo, error)
	ExportSnapshot() ([]byte, error)
	ImportSnapshot(data []byte, maxBackups int) (string, error)
}

// Options configures a Service.
type Options struct {
	// ReadOnly rejects every state change. Set when a consensus engine owns
	// execution and local writes would fork the replica.
	ReadOnly bool

	FaucetEnabled bool
	MaxBackups    int
}

// Service handles API requests
type Service struct {
	executor *host.Executor
	queries  *host.Queries
	store    BackupStore
	logger   *logger.Logger
	opts     Options
}

// NewService creates a new API service
func NewService(executor *host.Executor, queries *host.Queries, store BackupStore, logger *logger.Logger, opts Options) *Service {
	return &Service{
		executor: executor,
		queries:  queries,
		store:    store,
		logger:   logger,
		opts:     opts,
	}
}

// Routes registers every API endpoint on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.HandleHealth)
	mux.HandleFunc("/api/version", s.HandleVersion)
	mux.HandleFunc("/api/activity", s.HandleActivity)

	mux.HandleFunc("/api/tx", s.HandleSubmit)
	mux.HandleFunc("/api/vault/initialize", s.HandleInitializeVault)
	mux.HandleFunc("/api/users/initialize", s.HandleInitializeUser)
	mux.HandleFunc("/api/deposit", s.HandleDeposit)
	mux.HandleFunc("/api/withdraw", s.HandleWithdraw)
	mux.HandleFunc("/api/faucet", s.HandleFaucet)

	mux.HandleFunc("/api/vault", s.HandleVault)
	mux.HandleFunc("/api/users", s.HandleUser)
	mux.HandleFunc("/api/accounts", s.HandleAccount)
	mux.HandleFunc("/api/addresses", s.HandleAddresses)
	mux.HandleFunc("/api/audit", s.HandleAudit)

	mux.HandleFunc("/api/backups/create", s.HandleBackupCreate)
	mux.HandleFunc("/api/backups/list", s.HandleBackupsList)
	mux.HandleFunc("/api/backups/export", s.HandleBackupExport)
	mux.HandleFunc("/api/backups/import", s.HandleBackupImport)
}

// writeJSON writes a JSON response
func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error    string            `json:"error"`
	Code     apperrors.Code    `json:"code"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// writeError maps err onto its taxonomy code and HTTP status.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Code: apperrors.CodeOf(err)}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Metadata = appErr.Metadata
	}
	status := body.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Printf("ERROR: API request failed: %v", err)
		body.Error = "internal error"
	}
	s.writeJSON(w, status, body)
}

func (s *Service) writeStatus(w http.ResponseWriter, status int, code apperrors.Code, message string) {
	s.writeJSON(w, status, errorBody{Error: message, Code: code})
}

func (s *Service) requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	s.writeStatus(w, http.StatusMethodNotAllowed, apperrors.CodeInvalidTransaction, "method not allowed")
	return false
}

func (s *Service) requireWritable(w http.ResponseWriter) bool {
	if s.opts.ReadOnly {
		s.writeStatus(w, http.StatusServiceUnavailable, apperrors.CodeInvalidTransaction,
			"node is read-only; submit transactions through the consensus engine")
		return false
	}
	return true
}

// keyParam reads a required hex key from the query string.
func keyParam(r *http.Request, name string) (types.Pubkey, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return types.Pubkey{}, apperrors.WithMetadata(apperrors.CodeInvalidAddress,
			fmt.Sprintf("missing %q query parameter", name), map[string]string{"param": name})
	}
	pk, err := types.ParsePubkey(raw)
	if err != nil {
		return types.Pubkey{}, apperrors.Wrap(apperrors.CodeInvalidAddress, fmt.Sprintf("invalid %q", name), err)
	}
	return pk, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidTransaction, "invalid request body", err)
	}
	return nil
}
