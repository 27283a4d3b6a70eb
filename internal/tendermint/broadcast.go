package tendermint

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "pdavault.mini/pdv/internal/platform/errors"
	"pdavault.mini/pdv/internal/types"
)

const DefaultRPCAddress = "http://localhost:26657"

// BroadcastClient submits transactions and queries through Tendermint's
// JSON-RPC endpoint.
type BroadcastClient struct {
	rpcAddr string
	client  *http.Client
}

// BroadcastResult is the outcome of a broadcast. Height is zero for sync
// broadcasts.
type BroadcastResult struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height,omitempty"`
	Code   uint32 `json:"code"`
	Log    string `json:"log,omitempty"`
}

func NewBroadcastClient(rpcAddr string) *BroadcastClient {
	if rpcAddr == "" {
		rpcAddr = DefaultRPCAddress
	}
	return &BroadcastClient{
		rpcAddr: rpcAddr,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type txResult struct {
	Code      uint32 `json:"code"`
	Log       string `json:"log"`
	Codespace string `json:"codespace"`
}

// BroadcastSync returns once CheckTx has accepted the transaction.
func (bc *BroadcastClient) BroadcastSync(ctx context.Context, stx *types.SignedTransaction) (*BroadcastResult, error) {
	var res struct {
		txResult
		Hash string `json:"hash"`
	}
	if err := bc.broadcast(ctx, "broadcast_tx_sync", stx, &res); err != nil {
		return nil, err
	}
	out := &BroadcastResult{Hash: res.Hash, Code: res.Code, Log: res.Log}
	return out, resultError(res.txResult)
}

// BroadcastCommit waits until the transaction is in a committed block and
// reports the DeliverTx outcome.
func (bc *BroadcastClient) BroadcastCommit(ctx context.Context, stx *types.SignedTransaction) (*BroadcastResult, error) {
	var res struct {
		CheckTx   txResult `json:"check_tx"`
		DeliverTx txResult `json:"deliver_tx"`
		Hash      string   `json:"hash"`
		Height    string   `json:"height"`
	}
	if err := bc.broadcast(ctx, "broadcast_tx_commit", stx, &res); err != nil {
		return nil, err
	}
	out := &BroadcastResult{Hash: res.Hash, Code: res.CheckTx.Code, Log: res.CheckTx.Log}
	if err := resultError(res.CheckTx); err != nil {
		return out, err
	}
	out.Height, _ = strconv.ParseInt(res.Height, 10, 64)
	out.Code, out.Log = res.DeliverTx.Code, res.DeliverTx.Log
	return out, resultError(res.DeliverTx)
}

// Query runs an ABCI query and returns the response value.
func (bc *BroadcastClient) Query(ctx context.Context, path string) ([]byte, error) {
	var res struct {
		Response struct {
			txResult
			Value []byte `json:"value"`
		} `json:"response"`
	}
	if err := bc.call(ctx, "abci_query", map[string]string{"path": path}, &res); err != nil {
		return nil, err
	}
	if err := resultError(res.Response.txResult); err != nil {
		return nil, err
	}
	return res.Response.Value, nil
}

func (bc *BroadcastClient) broadcast(ctx context.Context, method string, stx *types.SignedTransaction, result any) error {
	txBytes, err := json.Marshal(stx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return bc.call(ctx, method, map[string]string{"tx": base64.StdEncoding.EncodeToString(txBytes)}, result)
}

func (bc *BroadcastClient) call(ctx context.Context, method string, params any, result any) error {
	reqBytes, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bc.rpcAddr, bytes.NewReader(reqBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := bc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send RPC request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read RPC response: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    string `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse RPC response: %w (body: %s)", err, string(respBytes))
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("RPC error %d: %s (%s)", rpcResp.Error.Code, rpcResp.Error.Message, rpcResp.Error.Data)
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

// resultError turns a non-zero application code back into a typed error.
func resultError(r txResult) error {
	if r.Code == 0 {
		return nil
	}
	if r.Codespace != "" && r.Codespace != "pdv" {
		return fmt.Errorf("%s error %d: %s", r.Codespace, r.Code, r.Log)
	}
	return apperrors.New(apperrors.CodeFromABCI(r.Code), r.Log)
}
