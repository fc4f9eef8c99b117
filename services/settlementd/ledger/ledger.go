package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"p2pescrow/services/settlementd/models"
)

var (
	// ErrInvalidAmount is returned for zero amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrMissingTxHash is returned when a movement lacks its ledger transaction hash.
	ErrMissingTxHash = errors.New("ledger: tx hash required")
	// ErrAmountOverflow indicates a balance sum exceeded 64 bits.
	ErrAmountOverflow = errors.New("ledger: amount overflow")
	// ErrOverdrawn indicates recorded outflows exceed confirmed inflows.
	ErrOverdrawn = errors.New("ledger: outflows exceed confirmed deposits")
)

// Deposit describes an incoming transfer observed on the external ledger.
type Deposit struct {
	TradeID       uuid.UUID
	TxHash        string
	Amount        uint64
	Height        *uint64
	Confirmations uint64
}

// Ledger owns the escrow_movements table. Callers pass the transaction so
// ledger writes share atomicity with state transitions.
type Ledger struct {
	now func() time.Time
}

// New constructs a ledger.
func New(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// RecordDeposit inserts an incoming movement. When the (trade, tx hash)
// pair was already recorded the existing row is returned and created is
// false; its confirmation count is raised if the new observation is deeper.
func (l *Ledger) RecordDeposit(ctx context.Context, tx *gorm.DB, dep Deposit) (*models.EscrowMovement, bool, error) {
	if dep.Amount == 0 {
		return nil, false, ErrInvalidAmount
	}
	hash := strings.TrimSpace(dep.TxHash)
	if hash == "" {
		return nil, false, ErrMissingTxHash
	}
	now := l.now().UTC()
	movement := models.EscrowMovement{
		ID:            uuid.New(),
		TradeID:       dep.TradeID,
		Direction:     models.DirectionIn,
		AmountAtomic:  dep.Amount,
		TxHash:        hash,
		Height:        dep.Height,
		Confirmations: dep.Confirmations,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	db := tx.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&movement)
	if res.Error != nil {
		return nil, false, fmt.Errorf("ledger: insert deposit: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &movement, true, nil
	}

	var existing models.EscrowMovement
	if err := db.First(&existing, "trade_id = ? AND tx_hash = ? AND direction = ?", dep.TradeID, hash, models.DirectionIn).Error; err != nil {
		return nil, false, fmt.Errorf("ledger: load deposit: %w", err)
	}
	raise := dep.Confirmations > existing.Confirmations
	backfill := existing.Height == nil && dep.Height != nil
	if !raise && !backfill {
		return &existing, false, nil
	}
	if raise {
		// Guarded so concurrent observers never lower the count.
		if err := db.Model(&models.EscrowMovement{}).
			Where("id = ? AND confirmations < ?", existing.ID, dep.Confirmations).
			Updates(map[string]any{"confirmations": dep.Confirmations, "updated_at": now}).Error; err != nil {
			return nil, false, fmt.Errorf("ledger: raise confirmations: %w", err)
		}
	}
	if backfill {
		if err := db.Model(&models.EscrowMovement{}).
			Where("id = ? AND height IS NULL", existing.ID).
			Updates(map[string]any{"height": *dep.Height, "updated_at": now}).Error; err != nil {
			return nil, false, fmt.Errorf("ledger: record height: %w", err)
		}
	}
	if err := db.First(&existing, "id = ?", existing.ID).Error; err != nil {
		return nil, false, fmt.Errorf("ledger: reload deposit: %w", err)
	}
	return &existing, false, nil
}

// ConfirmedBalance sums incoming movements with at least threshold confirmations.
func (l *Ledger) ConfirmedBalance(ctx context.Context, tx *gorm.DB, tradeID uuid.UUID, threshold uint64) (uint64, error) {
	var amounts []uint64
	err := tx.WithContext(ctx).Model(&models.EscrowMovement{}).
		Where("trade_id = ? AND direction = ? AND confirmations >= ?", tradeID, models.DirectionIn, threshold).
		Pluck("amount_atomic", &amounts).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: confirmed balance: %w", err)
	}
	return sum(amounts)
}

// SentTotal sums outgoing and fee movements.
func (l *Ledger) SentTotal(ctx context.Context, tx *gorm.DB, tradeID uuid.UUID) (uint64, error) {
	var amounts []uint64
	err := tx.WithContext(ctx).Model(&models.EscrowMovement{}).
		Where("trade_id = ? AND direction IN ?", tradeID, []models.Direction{models.DirectionOut, models.DirectionFee}).
		Pluck("amount_atomic", &amounts).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: sent total: %w", err)
	}
	return sum(amounts)
}

// EscrowBalance returns confirmed deposits minus settled outflows.
func (l *Ledger) EscrowBalance(ctx context.Context, tx *gorm.DB, tradeID uuid.UUID, threshold uint64) (uint64, error) {
	in, err := l.ConfirmedBalance(ctx, tx, tradeID, threshold)
	if err != nil {
		return 0, err
	}
	out, err := l.SentTotal(ctx, tx, tradeID)
	if err != nil {
		return 0, err
	}
	if out > in {
		return 0, fmt.Errorf("%w: in=%d out=%d", ErrOverdrawn, in, out)
	}
	return in - out, nil
}

// RecordSettlement writes the outgoing transfer and, when non-zero, the
// retained fee under the same ledger transaction hash.
func (l *Ledger) RecordSettlement(ctx context.Context, tx *gorm.DB, tradeID uuid.UUID, txHash string, outAmount, feeAmount uint64) ([]models.EscrowMovement, error) {
	if outAmount == 0 {
		return nil, ErrInvalidAmount
	}
	hash := strings.TrimSpace(txHash)
	if hash == "" {
		return nil, ErrMissingTxHash
	}
	now := l.now().UTC()
	rows := []models.EscrowMovement{{
		ID:           uuid.New(),
		TradeID:      tradeID,
		Direction:    models.DirectionOut,
		AmountAtomic: outAmount,
		TxHash:       hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	if feeAmount > 0 {
		rows = append(rows, models.EscrowMovement{
			ID:           uuid.New(),
			TradeID:      tradeID,
			Direction:    models.DirectionFee,
			AmountAtomic: feeAmount,
			TxHash:       hash,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: record settlement: %w", err)
	}
	return rows, nil
}

// Movements lists every movement for a trade in insertion order.
func (l *Ledger) Movements(ctx context.Context, tx *gorm.DB, tradeID uuid.UUID) ([]models.EscrowMovement, error) {
	var rows []models.EscrowMovement
	if err := tx.WithContext(ctx).Where("trade_id = ?", tradeID).Order("created_at, direction").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: list movements: %w", err)
	}
	return rows, nil
}

func sum(amounts []uint64) (uint64, error) {
	var total uint64
	for _, amount := range amounts {
		next, carry := bits.Add64(total, amount, 0)
		if carry != 0 {
			return 0, ErrAmountOverflow
		}
		total = next
	}
	return total, nil
}
