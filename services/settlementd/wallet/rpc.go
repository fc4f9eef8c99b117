package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// ErrOutcomeUnknown is returned when a transfer request was sent but no
// response arrived, so the ledger may or may not have broadcast it.
var ErrOutcomeUnknown = errors.New("wallet: transfer outcome unknown")

// RPCConfig configures the JSON-RPC adapter.
type RPCConfig struct {
	WalletURL    string
	DaemonURL    string
	Username     string
	Password     string
	Timeout      time.Duration
	RateLimit    float64
	Burst        int
	MaxRetries   uint64
	AccountIndex uint32
	Priority     uint32
}

// RPCClient implements LedgerClient against a wallet RPC server and its daemon.
type RPCClient struct {
	cfg     RPCConfig
	http    *http.Client
	limiter *rate.Limiter
	nextID  atomic.Int64
}

// NewRPCClient constructs the adapter.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	cfg.WalletURL = strings.TrimRight(strings.TrimSpace(cfg.WalletURL), "/")
	cfg.DaemonURL = strings.TrimRight(strings.TrimSpace(cfg.DaemonURL), "/")
	if cfg.WalletURL == "" {
		return nil, fmt.Errorf("wallet: rpc url required")
	}
	if cfg.DaemonURL == "" {
		return nil, fmt.Errorf("wallet: daemon url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &RPCClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}, nil
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcError is an application level error returned by the remote server.
type rpcError struct {
	method  string
	code    int
	message string
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("wallet rpc %s error %d: %s", e.method, e.code, e.message)
}

type transferEntry struct {
	Address       string `json:"address"`
	Amount        uint64 `json:"amount"`
	Confirmations uint64 `json:"confirmations"`
	Height        uint64 `json:"height"`
	Timestamp     int64  `json:"timestamp"`
	TxID          string `json:"txid"`
}

type getTransfersResult struct {
	In   []transferEntry `json:"in"`
	Pool []transferEntry `json:"pool"`
}

// IncomingTransfers lists confirmed and pooled incoming transfers to address
// with a timestamp at or after since.
func (c *RPCClient) IncomingTransfers(ctx context.Context, address string, since time.Time) ([]Transfer, error) {
	params := map[string]interface{}{
		"in":            true,
		"pool":          true,
		"account_index": c.cfg.AccountIndex,
	}
	var result getTransfersResult
	if err := c.retrying(ctx, c.cfg.WalletURL, "get_transfers", params, &result); err != nil {
		return nil, err
	}
	want := strings.TrimSpace(address)
	out := make([]Transfer, 0, len(result.In)+len(result.Pool))
	for _, entry := range append(result.In, result.Pool...) {
		if entry.Address != want {
			continue
		}
		ts := time.Unix(entry.Timestamp, 0).UTC()
		if !since.IsZero() && entry.Timestamp > 0 && ts.Before(since) {
			continue
		}
		transfer := Transfer{
			Address:       entry.Address,
			Amount:        entry.Amount,
			TxHash:        entry.TxID,
			Confirmations: entry.Confirmations,
			Timestamp:     ts,
		}
		if entry.Height > 0 {
			height := entry.Height
			transfer.Height = &height
		}
		out = append(out, transfer)
	}
	return out, nil
}

// Transfer broadcasts a payout. It is never retried automatically.
func (c *RPCClient) Transfer(ctx context.Context, destinations []Destination) (TransferResult, error) {
	if len(destinations) == 0 {
		return TransferResult{}, fmt.Errorf("wallet: no destinations")
	}
	dests := make([]map[string]interface{}, 0, len(destinations))
	for _, d := range destinations {
		dests = append(dests, map[string]interface{}{"address": d.Address, "amount": d.Amount})
	}
	params := map[string]interface{}{
		"destinations":  dests,
		"account_index": c.cfg.AccountIndex,
		"priority":      c.cfg.Priority,
	}
	var result struct {
		TxHash string `json:"tx_hash"`
		Fee    uint64 `json:"fee"`
	}
	err := c.call(ctx, c.cfg.WalletURL, "transfer", params, &result)
	if err != nil {
		var appErr *rpcError
		switch {
		case errors.As(err, &appErr):
			return TransferResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
		case isTimeout(err):
			return TransferResult{}, fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
		default:
			return TransferResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	if strings.TrimSpace(result.TxHash) == "" {
		return TransferResult{}, fmt.Errorf("%w: transfer returned empty tx hash", ErrOutcomeUnknown)
	}
	return TransferResult{TxHash: result.TxHash, NetworkFee: result.Fee}, nil
}

// WalletHeight returns the wallet's scanned height.
func (c *RPCClient) WalletHeight(ctx context.Context) (uint64, error) {
	var result struct {
		Height uint64 `json:"height"`
	}
	if err := c.retrying(ctx, c.cfg.WalletURL, "get_height", nil, &result); err != nil {
		return 0, err
	}
	return result.Height, nil
}

type daemonInfo struct {
	Height       uint64 `json:"height"`
	TargetHeight uint64 `json:"target_height"`
	Synchronized bool   `json:"synchronized"`
}

// DaemonHeight returns the daemon chain height.
func (c *RPCClient) DaemonHeight(ctx context.Context) (uint64, error) {
	var info daemonInfo
	if err := c.retrying(ctx, c.cfg.DaemonURL, "get_info", nil, &info); err != nil {
		return 0, err
	}
	return info.Height, nil
}

// IsSynced reports whether the daemon is synchronised with the network and
// the wallet has scanned up to the daemon tip.
func (c *RPCClient) IsSynced(ctx context.Context) (bool, error) {
	var info daemonInfo
	if err := c.retrying(ctx, c.cfg.DaemonURL, "get_info", nil, &info); err != nil {
		return false, err
	}
	if !info.Synchronized {
		return false, nil
	}
	walletHeight, err := c.WalletHeight(ctx)
	if err != nil {
		return false, err
	}
	return walletHeight+1 >= info.Height, nil
}

// retrying wraps read-only calls with exponential backoff. Remote application
// errors are not retried.
func (c *RPCClient) retrying(ctx context.Context, endpoint, method string, params, out interface{}) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	err := backoff.Retry(func() error {
		err := c.call(ctx, endpoint, method, params, out)
		var appErr *rpcError
		if errors.As(err, &appErr) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

func (c *RPCClient) call(ctx context.Context, endpoint, method string, params, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/json_rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("wallet rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return &rpcError{method: method, code: rpcResp.Error.Code, message: rpcResp.Error.Message}
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
