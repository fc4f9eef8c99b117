package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"p2pescrow/services/settlementd/confirm"
	"p2pescrow/services/settlementd/deposit"
	"p2pescrow/services/settlementd/settle"
	"p2pescrow/services/settlementd/trade"
)

// Processors routes jobs to the settlement components.
type Processors struct {
	DB          *gorm.DB
	Scanner     *deposit.Scanner
	Advancer    *confirm.Advancer
	Broadcaster *settle.Broadcaster
	Machine     *trade.Machine
	Logger      *slog.Logger
}

// Handle implements Handler.
func (p Processors) Handle(ctx context.Context, job Job) error {
	switch job.Kind {
	case KindScan:
		_, err := p.Scanner.Scan(ctx, job.TradeID)
		return err
	case KindAdvance:
		_, err := p.Advancer.Advance(ctx, job.TradeID)
		return err
	case KindSettle:
		if job.Settle == nil {
			return fmt.Errorf("jobs: settle job without request")
		}
		req := *job.Settle
		req.TradeID = job.TradeID
		_, err := p.Broadcaster.Settle(ctx, req)
		return err
	case KindExpire:
		err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			_, err := p.Machine.Expire(ctx, tx, job.TradeID)
			return err
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, trade.ErrFundsPresent):
			p.logger().Warn("expiry skipped: escrow has deposits", slog.String("trade_id", job.TradeID.String()))
			return nil
		case errors.Is(err, trade.ErrNotFound), errors.Is(err, trade.ErrInvalidState):
			return nil
		default:
			return err
		}
	default:
		return fmt.Errorf("jobs: unknown job kind %q", job.Kind)
	}
}

func (p Processors) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
