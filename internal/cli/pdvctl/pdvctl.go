// Package pdvctl implements the pdvctl client: key management, address
// derivation, and building, signing and submitting vault transactions
// either to a node's HTTP API or through Tendermint RPC.
package pdvctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pdavault.mini/pdv/internal/address"
	"pdavault.mini/pdv/internal/identity"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/tendermint"
	"pdavault.mini/pdv/internal/types"
)

const usage = `usage: pdvctl <command> [flags]

commands:
  keygen     create the key file if missing and print its public key
  addresses  derive the vault, vault state and user state addresses
  sign       print a signed transaction
  submit     sign and submit a transaction
  query      read a query path (/api/... over HTTP, /vault etc. over RPC)
  fund       credit lamports from a node's faucet`

var commands = map[string]bool{"keygen": true, "addresses": true, "sign": true, "submit": true, "query": true, "fund": true}

// Config holds pdvctl command configuration.
type Config struct {
	Command string
	KeyFile string
	Owner   string
	Program string
	TxType  string
	Amount  uint64
	API     string
	RPC     string
	Sync    bool
	Path    string
}

// ParseConfig reads the command name and its flags.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	if len(args) == 0 || !commands[args[0]] {
		return Config{}, errors.New(usage)
	}
	cfg := Config{Command: args[0]}

	fs.StringVar(&cfg.KeyFile, "key", "pdv_key.pem", "ed25519 key file (PEM, PKCS8)")
	fs.StringVar(&cfg.Owner, "owner", "", "owner public key (hex); defaults to the key file's key")
	fs.StringVar(&cfg.Program, "program", "", "program ID (hex); defaults to the built-in program")
	fs.StringVar(&cfg.TxType, "type", "", "transaction type: initialize_vault, initialize_user, deposit, withdraw")
	fs.Uint64Var(&cfg.Amount, "amount", 0, "lamports for deposit, withdraw and fund")
	fs.StringVar(&cfg.API, "api", "http://localhost:8080", "node HTTP address")
	fs.StringVar(&cfg.RPC, "rpc", "", "Tendermint RPC address; when set, submit and query go through consensus")
	fs.BoolVar(&cfg.Sync, "sync", false, "with -rpc, return after CheckTx instead of waiting for the block")
	fs.StringVar(&cfg.Path, "path", "", "query path")
	if err := fs.Parse(args[1:]); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the configured command, writing results to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	switch cfg.Command {
	case "keygen":
		id, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, id.PublicKeyHex())
		return err
	case "addresses":
		deriver, err := newDeriver(cfg.Program)
		if err != nil {
			return err
		}
		owner, err := resolveOwner(cfg)
		if err != nil {
			return err
		}
		set, err := deriver.Addresses(owner)
		if err != nil {
			return err
		}
		return writeJSON(out, set)
	case "sign":
		stx, err := buildFromConfig(cfg)
		if err != nil {
			return err
		}
		return writeJSON(out, stx)
	case "submit":
		stx, err := buildFromConfig(cfg)
		if err != nil {
			return err
		}
		return submit(ctx, cfg, stx, out)
	case "query":
		if cfg.Path == "" {
			return errors.New("query requires -path")
		}
		if cfg.RPC != "" {
			value, err := tendermint.NewBroadcastClient(cfg.RPC).Query(ctx, cfg.Path)
			if err != nil {
				return err
			}
			return writeRaw(out, value)
		}
		return doHTTP(ctx, http.MethodGet, strings.TrimRight(cfg.API, "/")+cfg.Path, nil, out)
	case "fund":
		owner, err := resolveOwner(cfg)
		if err != nil {
			return err
		}
		body, _ := json.Marshal(map[string]any{"owner": owner, "lamports": cfg.Amount})
		return doHTTP(ctx, http.MethodPost, strings.TrimRight(cfg.API, "/")+"/api/faucet", body, out)
	}
	return errors.New(usage)
}

// BuildTransaction signs a transaction of txType whose account addresses are
// derived from id's key.
func BuildTransaction(id *identity.Identity, deriver *address.Deriver, txType types.TransactionType, amount uint64) (*types.SignedTransaction, error) {
	set, err := deriver.Addresses(types.PubkeyFromEd25519(id.PublicKey()))
	if err != nil {
		return nil, err
	}

	var payload any
	switch txType {
	case types.TxInitializeVault:
		payload = types.InitializeVaultPayload{VaultState: set.VaultState.Address, Vault: set.Vault.Address}
	case types.TxInitializeUser:
		payload = types.InitializeUserPayload{UserState: set.UserState.Address}
	case types.TxDeposit, types.TxWithdraw:
		payload = types.TransferPayload{
			VaultState: set.VaultState.Address,
			Vault:      set.Vault.Address,
			UserState:  set.UserState.Address,
			Amount:     amount,
		}
	default:
		return nil, fmt.Errorf("unknown transaction type %q", txType)
	}

	tx, err := types.NewTransaction(txType, payload)
	if err != nil {
		return nil, err
	}
	return tx.Sign(id)
}

func buildFromConfig(cfg Config) (*types.SignedTransaction, error) {
	deriver, err := newDeriver(cfg.Program)
	if err != nil {
		return nil, err
	}
	id, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return BuildTransaction(id, deriver, types.TransactionType(cfg.TxType), cfg.Amount)
}

var endpoints = map[types.TransactionType]string{
	types.TxInitializeVault: "/api/vault/initialize",
	types.TxInitializeUser:  "/api/users/initialize",
	types.TxDeposit:         "/api/deposit",
	types.TxWithdraw:        "/api/withdraw",
}

func submit(ctx context.Context, cfg Config, stx *types.SignedTransaction, out io.Writer) error {
	if cfg.RPC != "" {
		client := tendermint.NewBroadcastClient(cfg.RPC)
		broadcast := client.BroadcastCommit
		if cfg.Sync {
			broadcast = client.BroadcastSync
		}
		res, err := broadcast(ctx, stx)
		if res != nil {
			writeJSON(out, res)
		}
		return err
	}

	tx, err := stx.GetTransaction()
	if err != nil {
		return err
	}
	body, err := json.Marshal(stx)
	if err != nil {
		return err
	}
	return doHTTP(ctx, http.MethodPost, strings.TrimRight(cfg.API, "/")+endpoints[tx.Type], body, out)
}

func doHTTP(ctx context.Context, method, url string, body []byte, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string         `json:"error"`
			Code  apperrors.Code `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return apperrors.New(apiErr.Code, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return writeRaw(out, data)
}

func newDeriver(program string) (*address.Deriver, error) {
	if program == "" {
		return address.New(address.DefaultProgramID), nil
	}
	pk, err := types.ParsePubkey(program)
	if err != nil {
		return nil, fmt.Errorf("-program: %w", err)
	}
	return address.New(pk), nil
}

func resolveOwner(cfg Config) (types.Pubkey, error) {
	if cfg.Owner != "" {
		pk, err := types.ParsePubkey(cfg.Owner)
		if err != nil {
			return types.Pubkey{}, fmt.Errorf("-owner: %w", err)
		}
		return pk, nil
	}
	id, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return types.Pubkey{}, err
	}
	return types.PubkeyFromEd25519(id.PublicKey()), nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRaw(out io.Writer, data []byte) error {
	var buf bytes.Buffer
	if json.Indent(&buf, bytes.TrimSpace(data), "", "  ") == nil {
		data = buf.Bytes()
	}
	_, err := fmt.Fprintf(out, "%s\n", data)
	return err
}
