package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"p2pescrow/services/settlementd/models"
)

// Machine is the only writer of trades.state. Every transition locks the
// trade row, re-validates the source state, applies a compare-and-set update,
// and appends an audit event inside the caller's transaction.
type Machine struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option customises the machine.
type Option func(*Machine)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMachine constructs a state machine.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Now returns the machine clock reading.
func (m *Machine) Now() time.Time {
	return m.now().UTC()
}

// Lock loads the trade holding a row lock for the rest of the transaction.
func Lock(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Trade, error) {
	var t models.Trade
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&t, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Load reads the trade without locking.
func Load(ctx context.Context, db *gorm.DB, id uuid.UUID) (*models.Trade, error) {
	var t models.Trade
	if err := db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Create inserts a new trade in the draft state.
func (m *Machine) Create(ctx context.Context, tx *gorm.DB, t *models.Trade, actor *uuid.UUID) error {
	if t == nil {
		return fmt.Errorf("%w: nil trade", ErrInvalidTrade)
	}
	if t.AmountAtomic == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTrade)
	}
	t.EscrowAddress = strings.TrimSpace(t.EscrowAddress)
	if t.EscrowAddress == "" {
		return fmt.Errorf("%w: escrow address required", ErrInvalidTrade)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := m.Now()
	t.State = models.StateDraft
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		return err
	}
	_, err := m.Append(ctx, tx, t.ID, models.EventTradeCreated, actor, map[string]any{
		"amount_atomic": t.AmountAtomic,
		"offer_id":      t.OfferID.String(),
	})
	return err
}

// OpenForDeposit moves a draft trade into await_deposit.
func (m *Machine) OpenForDeposit(ctx context.Context, tx *gorm.DB, id uuid.UUID, actor *uuid.UUID) (Outcome, error) {
	t, err := Lock(ctx, tx, id)
	if err != nil {
		return OutcomeOf(err), err
	}
	switch t.State {
	case models.StateDraft:
	case models.StateAwaitDeposit:
		return OutcomeNoop, nil
	default:
		return OutcomeInvalidState, ErrInvalidState
	}
	if err := m.apply(ctx, tx, t, models.StateAwaitDeposit); err != nil {
		return OutcomeOf(err), err
	}
	if _, err := m.Append(ctx, tx, id, models.EventAwaitingDeposit, actor, map[string]any{
		"escrow_address": t.EscrowAddress,
	}); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// AdvanceToEscrowed marks a trade funded. Calls on trades already past
// await_deposit are no-ops so repeated advancement is harmless. The caller is
// responsible for appending the funds_escrowed event with its balance payload.
func (m *Machine) AdvanceToEscrowed(ctx context.Context, tx *gorm.DB, id uuid.UUID) (Outcome, error) {
	t, err := Lock(ctx, tx, id)
	if err != nil {
		return OutcomeOf(err), err
	}
	switch t.State {
	case models.StateAwaitDeposit:
	case models.StateDraft:
		return OutcomeInvalidState, ErrInvalidState
	default:
		return OutcomeNoop, nil
	}
	if err := m.apply(ctx, tx, t, models.StateEscrowed); err != nil {
		return OutcomeOf(err), err
	}
	return OutcomeApplied, nil
}

// MarkReleasePending records that the buyer reported fiat payment.
func (m *Machine) MarkReleasePending(ctx context.Context, tx *gorm.DB, id uuid.UUID, actor *uuid.UUID) (Outcome, error) {
	t, err := Lock(ctx, tx, id)
	if err != nil {
		return OutcomeOf(err), err
	}
	switch t.State {
	case models.StateEscrowed:
	case models.StateReleasePending:
		return OutcomeNoop, nil
	default:
		return OutcomeInvalidState, ErrInvalidState
	}
	if err := m.apply(ctx, tx, t, models.StateReleasePending); err != nil {
		return OutcomeOf(err), err
	}
	if _, err := m.Append(ctx, tx, id, models.EventReleasePending, actor, nil); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// Settle moves the trade into its terminal settlement state. The broadcaster
// appends the release or refund event alongside the ledger movements.
func (m *Machine) Settle(ctx context.Context, tx *gorm.DB, id uuid.UUID, action Action, resolution bool) (*models.Trade, error) {
	t, err := Lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !CanSettle(t, action, resolution) {
		return t, ErrInvalidState
	}
	if err := m.apply(ctx, tx, t, action.TargetState()); err != nil {
		return t, err
	}
	return t, nil
}

// Dispute freezes a live trade pending external arbitration.
func (m *Machine) Dispute(ctx context.Context, tx *gorm.DB, id uuid.UUID, actor *uuid.UUID, reason string) (Outcome, error) {
	t, err := Lock(ctx, tx, id)
	if err != nil {
		return OutcomeOf(err), err
	}
	switch t.State {
	case models.StateAwaitDeposit, models.StateEscrowed, models.StateReleasePending:
	case models.StateDisputed:
		return OutcomeNoop, nil
	default:
		return OutcomeInvalidState, ErrInvalidState
	}
	from := t.State
	if err := m.apply(ctx, tx, t, models.StateDisputed); err != nil {
		return OutcomeOf(err), err
	}
	if _, err := m.Append(ctx, tx, id, models.EventDisputeOpened, actor, map[string]any{
		"from":   string(from),
		"reason": strings.TrimSpace(reason),
	}); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// Cancel abandons a trade before any deposit was recorded.
func (m *Machine) Cancel(ctx context.Context, tx *gorm.DB, id uuid.UUID, actor *uuid.UUID, reason string) (Outcome, error) {
	return m.cancel(ctx, tx, id, actor, models.EventTradeCancelled, reason)
}

// Expire cancels an await_deposit trade whose deadline passed without any
// recorded deposit. Trades that are not overdue are left untouched.
func (m *Machine) Expire(ctx context.Context, tx *gorm.DB, id uuid.UUID) (Outcome, error) {
	t, err := Lock(ctx, tx, id)
	if err != nil {
		return OutcomeOf(err), err
	}
	if t.State != models.StateAwaitDeposit || t.ExpiresAt == nil || t.ExpiresAt.After(m.Now()) {
		return OutcomeNoop, nil
	}
	return m.cancel(ctx, tx, id, nil, models.EventTradeExpired, "deposit window elapsed")
}

func (m *Machine) cancel(ctx context.Context, tx *gorm.DB, id uuid.UUID, actor *uuid.UUID, eventType, reason string) (Outcome, error) {
	t, err := Lock(ctx, tx, id)
	if err != nil {
		return OutcomeOf(err), err
	}
	switch t.State {
	case models.StateDraft, models.StateAwaitDeposit:
	case models.StateCancelled:
		return OutcomeNoop, nil
	default:
		return OutcomeInvalidState, ErrInvalidState
	}
	var deposits int64
	if err := tx.WithContext(ctx).Model(&models.EscrowMovement{}).
		Where("trade_id = ? AND direction = ?", id, models.DirectionIn).
		Count(&deposits).Error; err != nil {
		return "", err
	}
	if deposits > 0 {
		return OutcomeInvalidState, ErrFundsPresent
	}
	if err := m.apply(ctx, tx, t, models.StateCancelled); err != nil {
		return OutcomeOf(err), err
	}
	if _, err := m.Append(ctx, tx, id, eventType, actor, map[string]any{
		"reason": strings.TrimSpace(reason),
	}); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// Append writes an audit event inside the caller's transaction.
func (m *Machine) Append(ctx context.Context, tx *gorm.DB, tradeID uuid.UUID, eventType string, actor *uuid.UUID, payload map[string]any) (*models.TradeEvent, error) {
	body := "{}"
	if len(payload) > 0 {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("trade: encode %s payload: %w", eventType, err)
		}
		body = string(encoded)
	}
	event := models.TradeEvent{
		ID:        uuid.New(),
		TradeID:   tradeID,
		Type:      eventType,
		ActorID:   actor,
		Payload:   body,
		CreatedAt: m.Now(),
	}
	if err := tx.WithContext(ctx).Create(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// apply performs a compare-and-set on the state column so a concurrent
// writer that slipped past the row lock cannot be overwritten.
func (m *Machine) apply(ctx context.Context, tx *gorm.DB, t *models.Trade, to models.TradeState) error {
	from := t.State
	now := m.Now()
	res := tx.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND state = ?", t.ID, from).
		Updates(map[string]any{"state": to, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrInvalidState
	}
	t.State = to
	t.UpdatedAt = now
	m.logger.Info("trade transition",
		slog.String("trade_id", t.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return nil
}
