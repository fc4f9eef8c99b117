package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TradeState represents a state in the escrow trade workflow.
type TradeState string

// All workflow states.
const (
	StateDraft          TradeState = "draft"
	StateAwaitDeposit   TradeState = "await_deposit"
	StateEscrowed       TradeState = "escrowed"
	StateReleasePending TradeState = "release_pending"
	StateCompleted      TradeState = "completed"
	StateRefunded       TradeState = "refunded"
	StateDisputed       TradeState = "disputed"
	StateCancelled      TradeState = "cancelled"
)

// Terminal reports whether no further transition may leave the state.
func (s TradeState) Terminal() bool {
	switch s {
	case StateCompleted, StateRefunded, StateCancelled:
		return true
	default:
		return false
	}
}

// Direction classifies an escrow movement.
type Direction string

// Movement directions.
const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
	DirectionFee Direction = "fee"
)

// Event types appended to the trade audit trail.
const (
	EventTradeCreated      = "trade_created"
	EventAwaitingDeposit   = "awaiting_deposit"
	EventFundsEscrowed     = "funds_escrowed"
	EventReleasePending    = "release_pending"
	EventReleaseInitiated  = "release_initiated"
	EventRefundInitiated   = "refund_initiated"
	EventDisputeOpened     = "dispute_opened"
	EventTradeCancelled    = "trade_cancelled"
	EventTradeExpired      = "trade_expired"
	EventSettlementReplay  = "settlement_replayed"
	EventSettlementDropped = "settlement_claim_discarded"
)

// Trade is the unit of settlement. State is written only through the trade
// state machine.
type Trade struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey"`
	BuyerID            uuid.UUID  `gorm:"type:uuid;index"`
	SellerID           uuid.UUID  `gorm:"type:uuid;index"`
	OfferID            uuid.UUID  `gorm:"type:uuid;index"`
	State              TradeState `gorm:"size:32;index;not null"`
	AmountAtomic       uint64     `gorm:"not null"`
	FiatPrice          string     `gorm:"size:64"`
	FiatCurrency       string     `gorm:"size:8"`
	EscrowAddress      string     `gorm:"size:128;uniqueIndex;not null"`
	BuyerPayoutAddress *string    `gorm:"size:128"`
	ExpiresAt          *time.Time `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EscrowMovement is an append-only record of value entering or leaving a
// trade's escrow. Only Confirmations and Height are raised in place as the
// external ledger reports deeper confirmation.
type EscrowMovement struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TradeID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_movement_trade_tx_direction,priority:1"`
	Trade         *Trade    `gorm:"constraint:OnDelete:CASCADE;"`
	Direction     Direction `gorm:"size:8;not null;uniqueIndex:idx_movement_trade_tx_direction,priority:3"`
	AmountAtomic  uint64    `gorm:"not null"`
	TxHash        string    `gorm:"size:128;not null;uniqueIndex:idx_movement_trade_tx_direction,priority:2"`
	Height        *uint64
	Confirmations uint64 `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TradeEvent is an append-only audit entry.
type TradeEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TradeID   uuid.UUID  `gorm:"type:uuid;index;not null"`
	Type      string     `gorm:"size:64;not null"`
	ActorID   *uuid.UUID `gorm:"type:uuid"`
	Payload   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// Policy carries the settlement parameters shared by the scanner, advancer,
// and broadcaster.
type Policy struct {
	RequiredConfirmations uint64
	FeeBasisPoints        uint32
}

// DefaultPolicy mirrors the production defaults.
func DefaultPolicy() Policy {
	return Policy{RequiredConfirmations: 10, FeeBasisPoints: 25}
}

// AutoMigrate runs migrations for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Trade{},
		&EscrowMovement{},
		&TradeEvent{},
	)
}
