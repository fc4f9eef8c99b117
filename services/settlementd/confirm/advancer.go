package confirm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"p2pescrow/observability"
	"p2pescrow/services/settlementd/ledger"
	"p2pescrow/services/settlementd/models"
	"p2pescrow/services/settlementd/trade"
)

// Result summarises an advancement attempt.
type Result struct {
	TradeID          uuid.UUID
	Outcome          trade.Outcome
	ConfirmedBalance uint64
	Required         uint64
}

// Advancer promotes an await_deposit trade to escrowed once its confirmed
// deposits cover the trade amount.
type Advancer struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	machine *trade.Machine
	policy  models.Policy
	logger  *slog.Logger
	metrics *observability.SettlementdMetrics
	tracer  trace.Tracer
}

// Option customises the advancer.
type Option func(*Advancer)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Advancer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *observability.SettlementdMetrics) Option {
	return func(a *Advancer) { a.metrics = m }
}

// NewAdvancer constructs an advancer.
func NewAdvancer(db *gorm.DB, l *ledger.Ledger, machine *trade.Machine, policy models.Policy, opts ...Option) *Advancer {
	a := &Advancer{
		db:      db,
		ledger:  l,
		machine: machine,
		policy:  policy,
		logger:  slog.Default(),
		tracer:  otel.Tracer("settlementd/confirm"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Advance re-checks the trade state and confirmed balance under the trade
// lock and transitions to escrowed when funded. Concurrent or repeated
// invocations advance the trade at most once.
func (a *Advancer) Advance(ctx context.Context, tradeID uuid.UUID) (res Result, err error) {
	ctx, span := a.tracer.Start(ctx, "confirm.advance",
		trace.WithAttributes(attribute.String("trade.id", tradeID.String())))
	defer func() {
		outcome := string(res.Outcome)
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		a.metrics.RecordAdvance(outcome)
	}()

	threshold := a.policy.RequiredConfirmations
	res = Result{TradeID: tradeID}
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := trade.Lock(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		res.Required = t.AmountAtomic
		if !trade.IsAwaitingDeposit(t) {
			res.Outcome = trade.OutcomeInvalidState
			return nil
		}
		balance, err := a.ledger.ConfirmedBalance(ctx, tx, tradeID, threshold)
		if err != nil {
			return err
		}
		res.ConfirmedBalance = balance
		if balance < t.AmountAtomic {
			res.Outcome = trade.OutcomeInsufficientFunds
			return nil
		}
		outcome, err := a.machine.AdvanceToEscrowed(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		res.Outcome = outcome
		if outcome != trade.OutcomeApplied {
			return nil
		}
		_, err = a.machine.Append(ctx, tx, tradeID, models.EventFundsEscrowed, nil, map[string]any{
			"amount_atomic": balance,
			"threshold":     threshold,
		})
		return err
	})
	if err != nil {
		if outcome := trade.OutcomeOf(err); outcome == trade.OutcomeNotFound || outcome == trade.OutcomeInvalidState {
			res.Outcome = outcome
			a.logger.Warn("escrow advancement skipped",
				slog.String("trade_id", tradeID.String()),
				slog.String("outcome", string(outcome)))
			return res, nil
		}
		return res, fmt.Errorf("confirm: advance %s: %w", tradeID, err)
	}

	switch res.Outcome {
	case trade.OutcomeApplied:
		a.logger.Info("trade escrowed",
			slog.String("trade_id", tradeID.String()),
			slog.Uint64("confirmed_atomic", res.ConfirmedBalance),
			slog.Uint64("threshold", threshold))
	case trade.OutcomeInsufficientFunds:
		a.logger.Debug("escrow advancement waiting for funds",
			slog.String("trade_id", tradeID.String()),
			slog.Uint64("confirmed_atomic", res.ConfirmedBalance),
			slog.Uint64("required_atomic", res.Required))
	}
	return res, nil
}
