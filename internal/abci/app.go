// Package abci connects the vault ledger to the Tendermint consensus engine.
// CheckTx screens transactions without touching state, DeliverTx runs them
// through the execution host in block order, and Commit fingerprints the
// account set so every replica can compare.
package abci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	abci "github.com/tendermint/tendermint/abci/types"

	"pdavault.mini/pdv/internal/accounts"
	"pdavault.mini/pdv/internal/host"
	"pdavault.mini/pdv/internal/logger"
	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

const (
	Codespace  = "pdv"
	AppVersion = 1
)

// ChainStore persists what the engine needs on restart.
type ChainStore interface {
	StateHash(ctx context.Context) ([]byte, error)
	LoadCheckpoint(ctx context.Context) (accounts.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp accounts.Checkpoint) error
}

// Application implements the ABCI interface.
type Application struct {
	abci.BaseApplication

	executor *host.Executor
	queries  *host.Queries
	chain    ChainStore
	activity *logger.Logger

	mu         sync.Mutex
	blockTime  time.Time
	height     int64
	checkpoint accounts.Checkpoint
}

// NewApplication restores the last checkpoint from chain. activity may be
// nil.
func NewApplication(executor *host.Executor, queries *host.Queries, chain ChainStore, activity *logger.Logger) (*Application, error) {
	cp, err := chain.LoadCheckpoint(context.Background())
	if err != nil {
		return nil, err
	}
	return &Application{
		executor:   executor,
		queries:    queries,
		chain:      chain,
		activity:   activity,
		height:     cp.Height,
		checkpoint: cp,
	}, nil
}

func (app *Application) Info(req abci.RequestInfo) abci.ResponseInfo {
	app.mu.Lock()
	defer app.mu.Unlock()
	return abci.ResponseInfo{
		Data:             "pdv",
		Version:          types.Version,
		AppVersion:       AppVersion,
		LastBlockHeight:  app.checkpoint.Height,
		LastBlockAppHash: app.checkpoint.AppHash,
	}
}

// GenesisState is the application part of the genesis document, for
// example {"balances": {"<hex key>": 1000000}}.
type GenesisState struct {
	Balances map[types.Pubkey]uint64 `json:"balances"`
}

// InitChain credits the genesis balances, the only external funds under
// consensus.
func (app *Application) InitChain(req abci.RequestInitChain) abci.ResponseInitChain {
	ctx := context.Background()
	var genesis GenesisState
	if raw := bytes.TrimSpace(req.AppStateBytes); len(raw) > 0 {
		if err := json.Unmarshal(raw, &genesis); err != nil {
			panic(fmt.Sprintf("decode genesis app_state: %v", err))
		}
	}
	if len(genesis.Balances) > 0 {
		applied, err := app.executor.Genesis(ctx, "genesis:"+req.ChainId, genesis.Balances, req.Time)
		if err != nil {
			panic(fmt.Sprintf("apply genesis balances: %v", err))
		}
		if !applied {
			log.Printf("WARN: Genesis for chain %s was already applied", req.ChainId)
		}
	}

	hash, err := app.chain.StateHash(ctx)
	if err != nil {
		panic(fmt.Sprintf("compute state hash: %v", err))
	}
	return abci.ResponseInitChain{AppHash: hash}
}

func (app *Application) BeginBlock(req abci.RequestBeginBlock) abci.ResponseBeginBlock {
	app.mu.Lock()
	app.blockTime = req.Header.Time
	app.height = req.Header.Height
	app.mu.Unlock()
	return abci.ResponseBeginBlock{}
}

func (app *Application) CheckTx(req abci.RequestCheckTx) abci.ResponseCheckTx {
	stx, err := decodeSigned(req.Tx)
	if err != nil {
		return checkTxError(err)
	}
	tx, _, err := app.executor.Validate(stx, time.Now())
	if err != nil {
		return checkTxError(err)
	}
	seen, err := app.executor.Processed(context.Background(), tx.ID)
	if err != nil {
		return checkTxError(apperrors.Wrap(apperrors.CodeInternal, "check transaction id", err))
	}
	if seen {
		return checkTxError(accounts.ErrDuplicateTransaction)
	}
	return abci.ResponseCheckTx{Code: abci.CodeTypeOK, GasWanted: 1}
}

func (app *Application) DeliverTx(req abci.RequestDeliverTx) abci.ResponseDeliverTx {
	stx, err := decodeSigned(req.Tx)
	if err != nil {
		return deliverTxError(err)
	}

	app.mu.Lock()
	now := app.blockTime
	app.mu.Unlock()
	if now.IsZero() {
		now = time.Now()
	}

	res, err := app.executor.ExecuteAt(context.Background(), stx, now)
	app.recordActivity(stx, res, err)
	if err != nil {
		log.Printf("WARN: DeliverTx rejected: %v", err)
		return deliverTxError(err)
	}

	data, err := json.Marshal(res)
	if err != nil {
		return deliverTxError(apperrors.Wrap(apperrors.CodeInternal, "encode result", err))
	}
	log.Printf("INFO: Applied %s %s from %s", res.Type, res.TxID, res.Signer)
	return abci.ResponseDeliverTx{
		Code: abci.CodeTypeOK,
		Data: data,
		Events: []abci.Event{{
			Type: "vault",
			Attributes: []abci.EventAttribute{
				{Key: []byte("type"), Value: []byte(res.Type), Index: true},
				{Key: []byte("signer"), Value: []byte(res.Signer.String()), Index: true},
				{Key: []byte("tx_id"), Value: []byte(res.TxID), Index: true},
			},
		}},
	}
}

func (app *Application) Commit() abci.ResponseCommit {
	ctx := context.Background()
	hash, err := app.chain.StateHash(ctx)
	if err != nil {
		// A replica that cannot hash its state cannot take part in consensus.
		panic(fmt.Sprintf("compute state hash: %v", err))
	}

	app.mu.Lock()
	defer app.mu.Unlock()
	cp := accounts.Checkpoint{Height: app.height, AppHash: hash}
	if err := app.chain.SaveCheckpoint(ctx, cp); err != nil {
		panic(fmt.Sprintf("save checkpoint: %v", err))
	}
	app.checkpoint = cp
	return abci.ResponseCommit{Data: hash}
}

// Query serves read paths:
//
//	/vault
//	/user/<owner>
//	/account/<address>
//	/addresses/<owner>
//	/audit
func (app *Application) Query(req abci.RequestQuery) abci.ResponseQuery {
	ctx := context.Background()
	path := strings.Trim(req.Path, "/")
	head, arg, _ := strings.Cut(path, "/")

	var (
		value any
		err   error
	)
	switch head {
	case "vault":
		value, err = app.queries.Vault(ctx)
	case "user":
		var owner types.Pubkey
		if owner, err = parseKey(arg); err == nil {
			value, err = app.queries.User(ctx, owner)
		}
	case "account":
		var addr types.Pubkey
		if addr, err = parseKey(arg); err == nil {
			value, err = app.queries.Account(ctx, addr)
		}
	case "addresses":
		var owner types.Pubkey
		if owner, err = parseKey(arg); err == nil {
			value, err = app.queries.Addresses(owner)
		}
	case "audit":
		value, err = app.queries.Audit(ctx)
	default:
		err = apperrors.WithMetadata(apperrors.CodeInvalidTransaction, "unknown query path",
			map[string]string{"path": req.Path})
	}

	app.mu.Lock()
	height := app.checkpoint.Height
	app.mu.Unlock()

	if err != nil {
		code := apperrors.CodeOf(err)
		return abci.ResponseQuery{Code: code.ABCICode(), Log: err.Error(), Codespace: Codespace, Height: height}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return abci.ResponseQuery{Code: apperrors.CodeInternal.ABCICode(), Log: err.Error(), Codespace: Codespace, Height: height}
	}
	return abci.ResponseQuery{Code: abci.CodeTypeOK, Key: []byte(req.Path), Value: data, Height: height}
}

func (app *Application) recordActivity(stx *types.SignedTransaction, res *host.Result, err error) {
	if app.activity == nil {
		return
	}
	if res != nil {
		app.activity.Operation(string(res.Type), res.Signer.String(), res.Amount, string(apperrors.CodeOK))
		return
	}
	op := "unknown"
	if tx, decodeErr := stx.GetTransaction(); decodeErr == nil {
		op = string(tx.Type)
	}
	signer, _ := stx.Signer()
	app.activity.Operation(op, signer.String(), 0, string(apperrors.CodeOf(err)))
}

func decodeSigned(raw []byte) (*types.SignedTransaction, error) {
	var stx types.SignedTransaction
	if err := json.Unmarshal(raw, &stx); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidTransaction, "decode signed transaction", err)
	}
	return &stx, nil
}

func parseKey(s string) (types.Pubkey, error) {
	pk, err := types.ParsePubkey(s)
	if err != nil {
		return types.Pubkey{}, apperrors.Wrap(apperrors.CodeInvalidAddress, "parse key", err)
	}
	return pk, nil
}

func checkTxError(err error) abci.ResponseCheckTx {
	return abci.ResponseCheckTx{Code: apperrors.CodeOf(err).ABCICode(), Log: err.Error(), Codespace: Codespace}
}

func deliverTxError(err error) abci.ResponseDeliverTx {
	return abci.ResponseDeliverTx{Code: apperrors.CodeOf(err).ABCICode(), Log: err.Error(), Codespace: Codespace}
}
