package deposit

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
)

// AdvanceTrigger receives fire-and-forget requests to run confirmation
// advancement for a trade.
type AdvanceTrigger interface {
	TriggerAdvance(ctx context.Context, tradeID uuid.UUID)
}

// Result summarises a scan.
type Result struct {
	TradeID   uuid.UUID
	Outcome   trade.Outcome
	Observed  int
	Recorded  int
	Confirmed bool
}

// Scanner polls the external ledger for deposits into a trade's escrow
// address and records them.
type Scanner struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	client  wallet.LedgerClient
	policy  models.Policy
	trigger AdvanceTrigger
	logger  *slog.Logger
	metrics *observability.SettlementdMetrics
	tracer  trace.Tracer
}

// Option customises the scanner.
type Option func(*Scanner)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.SettlementdMetrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// NewScanner constructs a scanner. The trigger may be nil when advancement is
// driven elsewhere.
func NewScanner(db *gorm.DB, l *ledger.Ledger, client wallet.LedgerClient, policy models.Policy, trigger AdvanceTrigger, opts ...Option) *Scanner {
	s := &Scanner{
		db:      db,
		ledger:  l,
		client:  client,
		policy:  policy,
		trigger: trigger,
		logger:  slog.Default(),
		tracer:  otel.Tracer("settlementd/deposit"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Scan records every incoming transfer to the trade's escrow address. Trades
// that are missing or no longer awaiting deposit resolve to a no-op outcome.
// Ledger failures abort the scan with an error wrapping wallet.ErrTransient;
// movements recorded before the failure stay recorded.
func (s *Scanner) Scan(ctx context.Context, tradeID uuid.UUID) (res Result, err error) {
	ctx, span := s.tracer.Start(ctx, "deposit.scan",
		trace.WithAttributes(attribute.String("trade.id", tradeID.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		span.End()
	}()

	res = Result{TradeID: tradeID}
	t, err := trade.Load(ctx, s.db, tradeID)
	if err != nil {
		if errors.Is(err, trade.ErrNotFound) {
			s.logger.Warn("deposit scan skipped: trade not found", slog.String("trade_id", tradeID.String()))
			res.Outcome = trade.OutcomeNotFound
			return res, nil
		}
		return res, fmt.Errorf("deposit: load trade: %w", err)
	}
	if !trade.IsAwaitingDeposit(t) {
		s.logger.Debug("deposit scan skipped: trade not awaiting deposit",
			slog.String("trade_id", tradeID.String()),
			slog.String("state", string(t.State)))
		res.Outcome = trade.OutcomeInvalidState
		return res, nil
	}

	synced, err := s.client.IsSynced(ctx)
	if err != nil {
		return res, fmt.Errorf("deposit: sync status: %w", transient(err))
	}
	if !synced {
		return res, fmt.Errorf("deposit: %w: %w", wallet.ErrTransient, wallet.ErrNotSynced)
	}

	transfers, err := s.client.IncomingTransfers(ctx, t.EscrowAddress, t.CreatedAt)
	if err != nil {
		return res, fmt.Errorf("deposit: incoming transfers: %w", transient(err))
	}

	threshold := s.policy.RequiredConfirmations
	for _, tr := range transfers {
		if strings.TrimSpace(tr.Address) != t.EscrowAddress {
			continue
		}
		res.Observed++
		if tr.Amount == 0 || strings.TrimSpace(tr.TxHash) == "" {
			s.logger.Warn("deposit ignored: malformed transfer",
				slog.String("trade_id", tradeID.String()),
				slog.String("tx_hash", tr.TxHash),
				slog.Uint64("amount_atomic", tr.Amount))
			continue
		}
		movement, created, err := s.ledger.RecordDeposit(ctx, s.db, ledger.Deposit{
			TradeID:       tradeID,
			TxHash:        tr.TxHash,
			Amount:        tr.Amount,
			Height:        tr.Height,
			Confirmations: tr.Confirmations,
		})
		if err != nil {
			return res, fmt.Errorf("deposit: record %s: %w", tr.TxHash, err)
		}
		s.metrics.RecordDeposit(created)
		if created {
			res.Recorded++
			s.logger.Info("deposit recorded",
				slog.String("trade_id", tradeID.String()),
				slog.String("tx_hash", movement.TxHash),
				slog.Uint64("amount_atomic", movement.AmountAtomic),
				slog.Uint64("confirmations", movement.Confirmations),
				slog.String("escrow_address", logging.MaskAddress(t.EscrowAddress)))
		}
		if movement.Confirmations >= threshold {
			res.Confirmed = true
		}
	}

	if res.Confirmed && s.trigger != nil {
		s.trigger.TriggerAdvance(ctx, tradeID)
	}
	res.Outcome = trade.OutcomeApplied
	return res, nil
}

// ScanAwaiting returns up to limit trades awaiting deposit whose id sorts
// after the given cursor. Pass uuid.Nil for the first page.
func ScanAwaiting(ctx context.Context, db *gorm.DB, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := db.WithContext(ctx).Model(&models.Trade{}).
		Where("state = ?", models.StateAwaitDeposit)
	if after != uuid.Nil {
		q = q.Where("id > ?", after)
	}
	q = q.Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("deposit: list awaiting trades: %w", err)
	}
	return ids, nil
}

// Overdue lists await_deposit trades whose expiry has passed.
func Overdue(ctx context.Context, db *gorm.DB, now time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := db.WithContext(ctx).Model(&models.Trade{}).
		Where("state = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.StateAwaitDeposit, now.UTC()).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("deposit: list overdue trades: %w", err)
	}
	return ids, nil
}

func transient(err error) error {
	if errors.Is(err, wallet.ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %v", wallet.ErrTransient, err)
}
