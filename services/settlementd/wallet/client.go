package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
)

var (
	// ErrTransient marks failures talking to the wallet or daemon that are
	// safe to retry.
	ErrTransient = errors.New("wallet: transient ledger failure")
	// ErrNotSynced indicates the wallet lags the daemon so confirmation
	// counts cannot be trusted yet.
	ErrNotSynced = errors.New("wallet: wallet not synced with daemon")
	// ErrInvalidAddress indicates a malformed destination address.
	ErrInvalidAddress = errors.New("wallet: invalid address")
	// ErrNotConfigured is returned by FuncClient callbacks left unset.
	ErrNotConfigured = errors.New("wallet: client not configured")
)

// Transfer is an incoming transfer observed by the wallet.
type Transfer struct {
	Address       string
	Amount        uint64
	TxHash        string
	Height        *uint64
	Confirmations uint64
	Timestamp     time.Time
}

// Destination is a single payout target.
type Destination struct {
	Address string
	Amount  uint64
}

// TransferResult is returned by a successful broadcast.
type TransferResult struct {
	TxHash string
	// NetworkFee is the miner fee charged by the ledger on top of the sent amounts.
	NetworkFee uint64
}

// LedgerClient captures what settlement requires from the external ledger.
type LedgerClient interface {
	IncomingTransfers(ctx context.Context, address string, since time.Time) ([]Transfer, error)
	Transfer(ctx context.Context, destinations []Destination) (TransferResult, error)
	DaemonHeight(ctx context.Context) (uint64, error)
	WalletHeight(ctx context.Context) (uint64, error)
	IsSynced(ctx context.Context) (bool, error)
}

// FuncClient adapts callback functions to the LedgerClient interface.
type FuncClient struct {
	IncomingFunc     func(ctx context.Context, address string, since time.Time) ([]Transfer, error)
	TransferFunc     func(ctx context.Context, destinations []Destination) (TransferResult, error)
	DaemonHeightFunc func(ctx context.Context) (uint64, error)
	WalletHeightFunc func(ctx context.Context) (uint64, error)
	SyncedFunc       func(ctx context.Context) (bool, error)
}

// IncomingTransfers delegates to the configured callback.
func (c FuncClient) IncomingTransfers(ctx context.Context, address string, since time.Time) ([]Transfer, error) {
	if c.IncomingFunc == nil {
		return nil, nil
	}
	return c.IncomingFunc(ctx, address, since)
}

// Transfer delegates to the configured callback.
func (c FuncClient) Transfer(ctx context.Context, destinations []Destination) (TransferResult, error) {
	if c.TransferFunc == nil {
		return TransferResult{}, ErrNotConfigured
	}
	return c.TransferFunc(ctx, destinations)
}

// DaemonHeight delegates to the configured callback.
func (c FuncClient) DaemonHeight(ctx context.Context) (uint64, error) {
	if c.DaemonHeightFunc == nil {
		return 0, nil
	}
	return c.DaemonHeightFunc(ctx)
}

// WalletHeight delegates to the configured callback.
func (c FuncClient) WalletHeight(ctx context.Context) (uint64, error) {
	if c.WalletHeightFunc == nil {
		return 0, nil
	}
	return c.WalletHeightFunc(ctx)
}

// IsSynced delegates to the configured callback. Unset callbacks report synced.
func (c FuncClient) IsSynced(ctx context.Context) (bool, error) {
	if c.SyncedFunc == nil {
		return true, nil
	}
	return c.SyncedFunc(ctx)
}

// Standard, subaddress, and integrated address lengths in base58 characters.
const (
	standardAddressLen   = 95
	integratedAddressLen = 106
)

// ValidateAddress performs a structural check of a wallet address: base58
// alphabet and one of the known encoded lengths.
func ValidateAddress(address string) error {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if len(trimmed) != standardAddressLen && len(trimmed) != integratedAddressLen {
		return fmt.Errorf("%w: unexpected length %d", ErrInvalidAddress, len(trimmed))
	}
	if len(base58.Decode(trimmed)) == 0 {
		return fmt.Errorf("%w: not base58", ErrInvalidAddress)
	}
	return nil
}
