package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const escrowAddr = "84escrow"

type rpcHandler func(method string, params json.RawMessage) (interface{}, *jsonRPCErrorObj, int)

func newRPCServer(t *testing.T, handler rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/json_rpc", r.URL.Path)
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr, status := handler(req.Method, req.Params)
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string) *RPCClient {
	t.Helper()
	client, err := NewRPCClient(RPCConfig{WalletURL: url, DaemonURL: url, RateLimit: 1000, Burst: 10, MaxRetries: 2})
	require.NoError(t, err)
	return client
}

func TestIncomingTransfersFiltersAddressAndTime(t *testing.T) {
	since := time.Unix(1_700_000_000, 0).UTC()
	srv := newRPCServer(t, func(method string, params json.RawMessage) (interface{}, *jsonRPCErrorObj, int) {
		require.Equal(t, "get_transfers", method)
		require.Contains(t, string(params), `"in":true`)
		return getTransfersResult{
			In: []transferEntry{
				{Address: escrowAddr, Amount: 600, Confirmations: 12, Height: 3_000_000, Timestamp: since.Unix() + 60, TxID: "a"},
				{Address: "other", Amount: 5, Confirmations: 12, Height: 3_000_000, Timestamp: since.Unix() + 60, TxID: "b"},
				{Address: escrowAddr, Amount: 7, Confirmations: 99, Height: 2_000_000, Timestamp: since.Unix() - 60, TxID: "old"},
			},
			Pool: []transferEntry{
				{Address: escrowAddr, Amount: 400, Timestamp: since.Unix() + 120, TxID: "c"},
			},
		}, nil, 0
	})

	transfers, err := newTestClient(t, srv.URL).IncomingTransfers(context.Background(), escrowAddr, since)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	require.Equal(t, "a", transfers[0].TxHash)
	require.NotNil(t, transfers[0].Height)
	require.EqualValues(t, 12, transfers[0].Confirmations)
	require.Equal(t, "c", transfers[1].TxHash)
	require.Nil(t, transfers[1].Height)
	require.Zero(t, transfers[1].Confirmations)
}

func TestTransferSuccessAndRemoteError(t *testing.T) {
	var fail atomic.Bool
	srv := newRPCServer(t, func(method string, params json.RawMessage) (interface{}, *jsonRPCErrorObj, int) {
		require.Equal(t, "transfer", method)
		if fail.Load() {
			return nil, &jsonRPCErrorObj{Code: -4, Message: "not enough money"}, 0
		}
		require.Contains(t, string(params), `"amount":998`)
		return map[string]interface{}{"tx_hash": "deadbeef", "fee": 30000}, nil, 0
	})
	client := newTestClient(t, srv.URL)

	res, err := client.Transfer(context.Background(), []Destination{{Address: "buyer", Amount: 998}})
	require.NoError(t, err)
	require.Equal(t, "deadbeef", res.TxHash)
	require.EqualValues(t, 30000, res.NetworkFee)

	fail.Store(true)
	_, err = client.Transfer(context.Background(), []Destination{{Address: "buyer", Amount: 998}})
	require.ErrorIs(t, err, ErrTransient)
	require.Contains(t, err.Error(), "not enough money")
}

func TestTransferIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := newRPCServer(t, func(string, json.RawMessage) (interface{}, *jsonRPCErrorObj, int) {
		calls.Add(1)
		return nil, nil, http.StatusBadGateway
	})
	_, err := newTestClient(t, srv.URL).Transfer(context.Background(), []Destination{{Address: "x", Amount: 1}})
	require.ErrorIs(t, err, ErrTransient)
	require.EqualValues(t, 1, calls.Load())
}

func TestReadsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newRPCServer(t, func(method string, _ json.RawMessage) (interface{}, *jsonRPCErrorObj, int) {
		if calls.Add(1) == 1 {
			return nil, nil, http.StatusServiceUnavailable
		}
		return map[string]interface{}{"height": 3_100_000}, nil, 0
	})
	height, err := newTestClient(t, srv.URL).WalletHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3_100_000, height)
	require.EqualValues(t, 2, calls.Load())
}

func TestIsSynced(t *testing.T) {
	walletHeight := uint64(99)
	srv := newRPCServer(t, func(method string, _ json.RawMessage) (interface{}, *jsonRPCErrorObj, int) {
		switch method {
		case "get_info":
			return daemonInfo{Height: 100, TargetHeight: 100, Synchronized: true}, nil, 0
		case "get_height":
			return map[string]interface{}{"height": walletHeight}, nil, 0
		}
		return nil, &jsonRPCErrorObj{Code: -32601, Message: "method not found"}, 0
	})
	client := newTestClient(t, srv.URL)

	synced, err := client.IsSynced(context.Background())
	require.NoError(t, err)
	require.True(t, synced)

	height, err := client.DaemonHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 100, height)
}

func TestNewRPCClientValidation(t *testing.T) {
	_, err := NewRPCClient(RPCConfig{DaemonURL: "http://d"})
	require.Error(t, err)
	_, err = NewRPCClient(RPCConfig{WalletURL: "http://w"})
	require.Error(t, err)
}

func TestValidateAddress(t *testing.T) {
	valid := "4" + strings.Repeat("A", standardAddressLen-1)
	require.NoError(t, ValidateAddress(valid))
	require.NoError(t, ValidateAddress("4"+strings.Repeat("b", integratedAddressLen-1)))
	require.ErrorIs(t, ValidateAddress(""), ErrInvalidAddress)
	require.ErrorIs(t, ValidateAddress("4abc"), ErrInvalidAddress)
	require.ErrorIs(t, ValidateAddress("0"+strings.Repeat("A", standardAddressLen-1)), ErrInvalidAddress)
}

func TestFuncClientDefaults(t *testing.T) {
	var client LedgerClient = FuncClient{}
	synced, err := client.IsSynced(context.Background())
	require.NoError(t, err)
	require.True(t, synced)
	_, err = client.Transfer(context.Background(), nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}
