package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"p2pescrow/observability"
	"p2pescrow/observability/logging"
	"p2pescrow/services/settlementd/ledger"
	"p2pescrow/services/settlementd/models"
	"p2pescrow/services/settlementd/trade"
	"p2pescrow/services/settlementd/wallet"
	"p2pescrow/storage"
)

var (
	// ErrNotFound indicates the trade identifier was unknown.
	ErrNotFound = trade.ErrNotFound
	// ErrInvalidState is returned when the trade is not eligible for the requested action.
	ErrInvalidState = errors.New("settle: trade not eligible for settlement")
	// ErrInsufficientBalance is returned when the escrow holds no confirmed funds.
	ErrInsufficientBalance = errors.New("settle: escrow balance is zero")
	// ErrZeroOrNegativeAmount is returned when the fee would consume the whole balance.
	ErrZeroOrNegativeAmount = errors.New("settle: amount after fee is not positive")
	// ErrInvalidDestination indicates the payout address failed validation.
	ErrInvalidDestination = errors.New("settle: invalid destination address")
	// ErrTransientTransfer indicates the ledger rejected or never received the
	// transfer. Nothing was persisted and the settlement may be retried.
	ErrTransientTransfer = errors.New("settle: transfer failed")
	// ErrTransferOutcomeUnknown indicates the transfer may have been broadcast.
	// The journal claim is kept until an operator reconciles it.
	ErrTransferOutcomeUnknown = errors.New("settle: transfer outcome unknown")
	// ErrPostTransferPersistence indicates funds left escrow but the settlement
	// could not be recorded. It must never be retried automatically.
	ErrPostTransferPersistence = errors.New("settle: transfer broadcast but not recorded")
	// ErrSettlementInFlight indicates another settlement for the trade holds the claim.
	ErrSettlementInFlight = errors.New("settle: settlement already in flight")
	// ErrReconciliationRequired indicates a broadcast for the trade awaits reconciliation.
	ErrReconciliationRequired = errors.New("settle: unrecorded broadcast requires reconciliation")
	// ErrNoJournalEntry indicates there is nothing to replay or discard.
	ErrNoJournalEntry = errors.New("settle: no journal entry for trade")
)

// Request describes a settlement triggered by the surrounding system.
type Request struct {
	TradeID     uuid.UUID
	Action      trade.Action
	Destination string
	ActorID     *uuid.UUID
	// Resolution settles a disputed trade on behalf of an arbitrator.
	Resolution bool
}

// Settlement is the recorded result of a broadcast.
type Settlement struct {
	TradeID    uuid.UUID
	Action     trade.Action
	TxHash     string
	Balance    uint64
	Fee        uint64
	Sent       uint64
	NetworkFee uint64
	State      models.TradeState
	Movements  []models.EscrowMovement
}

// Broadcaster releases or refunds escrowed funds.
type Broadcaster struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	machine  *trade.Machine
	client   wallet.LedgerClient
	journal  *storage.Journal
	policy   models.Policy
	validate func(string) error
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.SettlementdMetrics
	tracer   trace.Tracer
}

// Option customises the broadcaster.
type Option func(*Broadcaster)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.SettlementdMetrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// WithAddressValidator overrides destination validation.
func WithAddressValidator(fn func(string) error) Option {
	return func(b *Broadcaster) {
		if fn != nil {
			b.validate = fn
		}
	}
}

// WithClock overrides the clock used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroadcaster constructs a broadcaster.
func NewBroadcaster(db *gorm.DB, l *ledger.Ledger, machine *trade.Machine, client wallet.LedgerClient, journal *storage.Journal, policy models.Policy, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		db:       db,
		ledger:   l,
		machine:  machine,
		client:   client,
		journal:  journal,
		policy:   policy,
		validate: wallet.ValidateAddress,
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   otel.Tracer("settlementd/settle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Settle sends the escrow balance minus the platform fee to the destination
// and records the movements and terminal transition atomically. No lock is
// held while the ledger transfer is in progress; the journal claim keeps a
// second settlement of the same trade from broadcasting concurrently.
func (b *Broadcaster) Settle(ctx context.Context, req Request) (result *Settlement, err error) {
	started := b.now()
	ctx, span := b.tracer.Start(ctx, "settle.broadcast", trace.WithAttributes(
		attribute.String("trade.id", req.TradeID.String()),
		attribute.String("action", string(req.Action)),
		attribute.Bool("resolution", req.Resolution)))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = failureLabel(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		b.metrics.RecordSettlement(string(req.Action), outcome, b.now().Sub(started))
	}()

	if req.Action != trade.ActionRelease && req.Action != trade.ActionRefund {
		return nil, fmt.Errorf("settle: unknown action %q", req.Action)
	}
	q, err := b.quote(ctx, req)
	if err != nil {
		return nil, err
	}
	destination := strings.TrimSpace(req.Destination)
	if err := b.validate(destination); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}

	entry := storage.JournalEntry{
		TradeID:     req.TradeID.String(),
		Action:      string(req.Action),
		Destination: destination,
		Resolution:  req.Resolution,
		OutAmount:   q.send,
		FeeAmount:   q.fee,
	}
	if req.ActorID != nil {
		entry.ActorID = req.ActorID.String()
	}
	if _, err := b.journal.Claim(entry); err != nil {
		return nil, b.claimError(req.TradeID, err)
	}

	// A settlement that finished between the first quote and the claim has
	// already released its own claim, so eligibility is checked again here.
	confirmed, err := b.quote(ctx, req)
	if err == nil && confirmed != q {
		err = fmt.Errorf("%w: escrow balance changed from %d to %d", ErrTransientTransfer, q.balance, confirmed.balance)
	}
	if err != nil {
		b.releaseClaim(req.TradeID)
		return nil, err
	}
	balance, fee, send := q.balance, q.fee, q.send

	logAttrs := []any{
		slog.String("trade_id", req.TradeID.String()),
		slog.String("action", string(req.Action)),
		slog.String("destination", logging.MaskAddress(destination)),
		slog.Uint64("balance_atomic", balance),
		slog.Uint64("fee_atomic", fee),
		slog.Uint64("send_atomic", send),
	}

	transfer, err := b.client.Transfer(ctx, []wallet.Destination{{Address: destination, Amount: send}})
	if err != nil {
		if errors.Is(err, wallet.ErrOutcomeUnknown) {
			b.logger.Error("settlement transfer outcome unknown; claim retained for reconciliation",
				append(logAttrs, slog.String("error", err.Error()))...)
			b.refreshJournalGauge()
			return nil, fmt.Errorf("%w: %v", ErrTransferOutcomeUnknown, err)
		}
		b.releaseClaim(req.TradeID)
		return nil, fmt.Errorf("%w: %v", ErrTransientTransfer, err)
	}
	if strings.TrimSpace(transfer.TxHash) == "" {
		b.logger.Error("settlement transfer returned no tx hash; claim retained for reconciliation", logAttrs...)
		b.refreshJournalGauge()
		return nil, fmt.Errorf("%w: ledger returned no tx hash", ErrTransferOutcomeUnknown)
	}
	logAttrs = append(logAttrs, slog.String("tx_hash", transfer.TxHash))

	updated, movements, err := b.persist(ctx, req.TradeID, req.Action, req.Resolution, req.ActorID, transfer.TxHash, destination, balance, send, fee, false)
	if err != nil {
		b.metrics.RecordPostTransferFailure()
		if _, markErr := b.journal.MarkUnrecorded(req.TradeID.String(), transfer.TxHash, send, fee, err.Error()); markErr != nil {
			b.logger.Error("journal write failed after unrecorded broadcast",
				append(logAttrs, slog.String("error", markErr.Error()))...)
		}
		b.refreshJournalGauge()
		b.logger.Error("settlement broadcast but not recorded",
			append(logAttrs, slog.String("error", err.Error()))...)
		return nil, fmt.Errorf("%w: tx %s: %v", ErrPostTransferPersistence, transfer.TxHash, err)
	}
	b.releaseClaim(req.TradeID)

	b.logger.Info("settlement recorded", append(logAttrs, slog.String("state", string(updated.State)))...)
	return &Settlement{
		TradeID:    req.TradeID,
		Action:     req.Action,
		TxHash:     transfer.TxHash,
		Balance:    balance,
		Fee:        fee,
		Sent:       send,
		NetworkFee: transfer.NetworkFee,
		State:      updated.State,
		Movements:  movements,
	}, nil
}

type quote struct {
	balance uint64
	fee     uint64
	send    uint64
}

// quote checks that the trade may be settled and splits its confirmed escrow
// balance into fee and payout.
func (b *Broadcaster) quote(ctx context.Context, req Request) (quote, error) {
	t, err := trade.Load(ctx, b.db, req.TradeID)
	if err != nil {
		return quote{}, err
	}
	if !trade.CanSettle(t, req.Action, req.Resolution) {
		return quote{}, fmt.Errorf("%w: %s from %s", ErrInvalidState, req.Action, t.State)
	}
	balance, err := b.ledger.EscrowBalance(ctx, b.db, req.TradeID, b.policy.RequiredConfirmations)
	if err != nil {
		return quote{}, fmt.Errorf("settle: escrow balance: %w", err)
	}
	if balance == 0 {
		return quote{}, ErrInsufficientBalance
	}
	fee, send, err := ComputeFee(balance, b.policy.FeeBasisPoints)
	if err != nil {
		return quote{}, err
	}
	if send == 0 {
		return quote{}, ErrZeroOrNegativeAmount
	}
	return quote{balance: balance, fee: fee, send: send}, nil
}

func (b *Broadcaster) releaseClaim(tradeID uuid.UUID) {
	if err := b.journal.Release(tradeID.String()); err != nil {
		b.logger.Warn("release settlement claim failed", slog.String("trade_id", tradeID.String()), slog.String("error", err.Error()))
	}
}

// persist re-validates the trade under its lock and writes the movements,
// the transition, and the audit event in one transaction.
func (b *Broadcaster) persist(ctx context.Context, tradeID uuid.UUID, action trade.Action, resolution bool, actor *uuid.UUID, txHash, destination string, balance, send, fee uint64, replayed bool) (*models.Trade, []models.EscrowMovement, error) {
	var (
		updated   *models.Trade
		movements []models.EscrowMovement
	)
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := trade.Lock(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if !trade.CanSettle(t, action, resolution) {
			return fmt.Errorf("%w: %s from %s", ErrInvalidState, action, t.State)
		}
		movements, err = b.ledger.RecordSettlement(ctx, tx, tradeID, txHash, send, fee)
		if err != nil {
			return err
		}
		updated, err = b.machine.Settle(ctx, tx, tradeID, action, resolution)
		if err != nil {
			return err
		}
		payload := map[string]any{
			"tx_hash":        txHash,
			"destination":    destination,
			"balance_atomic": balance,
			"amount_atomic":  send,
			"fee_atomic":     fee,
			"fee_bps":        b.policy.FeeBasisPoints,
		}
		if resolution {
			payload["resolution"] = true
		}
		if replayed {
			payload["replayed"] = true
		}
		_, err = b.machine.Append(ctx, tx, tradeID, action.EventType(), actor, payload)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, movements, nil
}

// Replay records a journaled broadcast without sending funds again. When the
// entry is still a bare claim the operator must supply the ledger tx hash
// they confirmed.
func (b *Broadcaster) Replay(ctx context.Context, tradeID uuid.UUID, actor *uuid.UUID, txHash string) (*Settlement, error) {
	entry, err := b.journal.Get(tradeID.String())
	if err != nil {
		if errors.Is(err, storage.ErrEntryNotFound) {
			return nil, ErrNoJournalEntry
		}
		return nil, err
	}
	hash := strings.TrimSpace(entry.TxHash)
	if hash == "" {
		hash = strings.TrimSpace(txHash)
	}
	if hash == "" {
		return nil, fmt.Errorf("settle: tx hash required to replay claimed settlement")
	}
	action, err := trade.ParseAction(entry.Action)
	if err != nil {
		return nil, err
	}

	var existing int64
	if err := b.db.WithContext(ctx).Model(&models.EscrowMovement{}).
		Where("trade_id = ? AND tx_hash = ? AND direction = ?", tradeID, hash, models.DirectionOut).
		Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("settle: check recorded movement: %w", err)
	}
	if existing > 0 {
		t, err := trade.Load(ctx, b.db, tradeID)
		if err != nil {
			return nil, err
		}
		if err := b.journal.Release(tradeID.String()); err != nil {
			return nil, err
		}
		b.refreshJournalGauge()
		b.logger.Info("journal entry already recorded; released", slog.String("trade_id", tradeID.String()), slog.String("tx_hash", hash))
		return &Settlement{TradeID: tradeID, Action: action, TxHash: hash, Fee: entry.FeeAmount, Sent: entry.OutAmount, State: t.State}, nil
	}

	total := entry.OutAmount + entry.FeeAmount
	updated, movements, err := b.persist(ctx, tradeID, action, entry.Resolution, actor, hash, entry.Destination, total, entry.OutAmount, entry.FeeAmount, true)
	if err != nil {
		return nil, fmt.Errorf("settle: replay %s: %w", tradeID, err)
	}
	if err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := b.machine.Append(ctx, tx, tradeID, models.EventSettlementReplay, actor, map[string]any{"tx_hash": hash})
		return err
	}); err != nil {
		b.logger.Warn("append replay event failed", slog.String("trade_id", tradeID.String()), slog.String("error", err.Error()))
	}
	if err := b.journal.Release(tradeID.String()); err != nil {
		return nil, err
	}
	b.refreshJournalGauge()
	b.logger.Info("journaled settlement replayed", slog.String("trade_id", tradeID.String()), slog.String("tx_hash", hash))
	return &Settlement{
		TradeID:   tradeID,
		Action:    action,
		TxHash:    hash,
		Balance:   total,
		Fee:       entry.FeeAmount,
		Sent:      entry.OutAmount,
		State:     updated.State,
		Movements: movements,
	}, nil
}

// Discard drops a claim whose transfer the operator verified never reached
// the ledger. Unrecorded broadcasts cannot be discarded.
func (b *Broadcaster) Discard(ctx context.Context, tradeID uuid.UUID, actor *uuid.UUID, reason string) error {
	entry, err := b.journal.Get(tradeID.String())
	if err != nil {
		if errors.Is(err, storage.ErrEntryNotFound) {
			return ErrNoJournalEntry
		}
		return err
	}
	if entry.Status != storage.StatusClaimed {
		return ErrReconciliationRequired
	}
	if err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := trade.Lock(ctx, tx, tradeID); err != nil {
			return err
		}
		_, err := b.machine.Append(ctx, tx, tradeID, models.EventSettlementDropped, actor, map[string]any{
			"action": entry.Action,
			"reason": strings.TrimSpace(reason),
		})
		return err
	}); err != nil {
		return fmt.Errorf("settle: discard %s: %w", tradeID, err)
	}
	if err := b.journal.Release(tradeID.String()); err != nil {
		return err
	}
	b.refreshJournalGauge()
	b.logger.Warn("settlement claim discarded", slog.String("trade_id", tradeID.String()), slog.String("reason", reason))
	return nil
}

// Pending lists outstanding journal entries.
func (b *Broadcaster) Pending() ([]storage.JournalEntry, error) {
	return b.journal.List()
}

func (b *Broadcaster) claimError(tradeID uuid.UUID, err error) error {
	if !errors.Is(err, storage.ErrClaimExists) {
		return fmt.Errorf("settle: journal claim: %w", err)
	}
	existing, getErr := b.journal.Get(tradeID.String())
	if getErr == nil && existing.Status == storage.StatusUnrecorded {
		return ErrReconciliationRequired
	}
	return ErrSettlementInFlight
}

func (b *Broadcaster) refreshJournalGauge() {
	if b.metrics == nil {
		return
	}
	counts, err := b.journal.Counts()
	if err != nil {
		return
	}
	for status, count := range counts {
		b.metrics.SetJournalEntries(string(status), count)
	}
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, ErrPostTransferPersistence):
		return "post_transfer_failure"
	case errors.Is(err, ErrTransferOutcomeUnknown):
		return "outcome_unknown"
	case errors.Is(err, ErrTransientTransfer):
		return "transient"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		return "invalid_state"
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrZeroOrNegativeAmount):
		return "insufficient_balance"
	case errors.Is(err, ErrSettlementInFlight), errors.Is(err, ErrReconciliationRequired):
		return "blocked"
	default:
		return "error"
	}
}
