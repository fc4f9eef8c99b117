package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"p2pescrow/observability"
	"p2pescrow/services/settlementd/deposit"
	"p2pescrow/services/settlementd/wallet"
)

// Submitter accepts jobs.
type Submitter interface {
	Submit(job Job) error
}

// Poller periodically enqueues deposit scans for every trade awaiting
// deposit, paging through them batchSize at a time, and expiry checks for
// overdue trades. Every scan covers the trade's full history since creation.
type Poller struct {
	db        *gorm.DB
	submitter Submitter
	client    wallet.LedgerClient
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.SettlementdMetrics
	paused    atomic.Bool
}

// NewPoller constructs a poller. The ledger client is optional and only used
// to export heights.
func NewPoller(db *gorm.DB, submitter Submitter, client wallet.LedgerClient, interval time.Duration, logger *slog.Logger, metrics *observability.SettlementdMetrics) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		db:        db,
		submitter: submitter,
		client:    client,
		interval:  interval,
		batchSize: 500,
		now:       time.Now,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run starts the polling loop until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.Tick(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Pause stops scheduling scans and expiries until Resume.
func (p *Poller) Pause() { p.paused.Store(true) }

// Resume re-enables polling.
func (p *Poller) Resume() { p.paused.Store(false) }

// Paused reports whether polling is suspended.
func (p *Poller) Paused() bool { return p.paused.Load() }

// Tick performs one polling pass and returns the number of jobs submitted.
func (p *Poller) Tick(ctx context.Context) int {
	if p.Paused() {
		return 0
	}
	submitted := 0
	var cursor uuid.UUID
	for {
		page, err := deposit.ScanAwaiting(ctx, p.db, cursor, p.batchSize)
		if err != nil {
			p.logger.Error("poll awaiting trades failed", slog.String("error", err.Error()))
			break
		}
		for _, id := range page {
			if p.submit(Job{Kind: KindScan, TradeID: id}) {
				submitted++
			}
		}
		if p.batchSize <= 0 || len(page) < p.batchSize {
			break
		}
		cursor = page[len(page)-1]
	}
	overdue, err := deposit.Overdue(ctx, p.db, p.now())
	if err != nil {
		p.logger.Error("poll overdue trades failed", slog.String("error", err.Error()))
	}
	for _, id := range overdue {
		if p.submit(Job{Kind: KindExpire, TradeID: id}) {
			submitted++
		}
	}
	p.observeHeights(ctx)
	return submitted
}

func (p *Poller) submit(job Job) bool {
	err := p.submitter.Submit(job)
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrStopped) {
		p.logger.Warn("poll submit failed",
			slog.String("kind", string(job.Kind)),
			slog.String("trade_id", job.TradeID.String()),
			slog.String("error", err.Error()))
	}
	return false
}

func (p *Poller) observeHeights(ctx context.Context) {
	if p.client == nil || p.metrics == nil {
		return
	}
	if height, err := p.client.DaemonHeight(ctx); err == nil {
		p.metrics.SetLedgerHeight("daemon", height)
	}
	if height, err := p.client.WalletHeight(ctx); err == nil {
		p.metrics.SetLedgerHeight("wallet", height)
	}
}
