package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"p2pescrow/services/settlementd/ledger"
	"p2pescrow/services/settlementd/models"
	"p2pescrow/services/settlementd/trade"
)

func setupConfirmTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func seedAwaiting(t *testing.T, db *gorm.DB, amount uint64) models.Trade {
	t.Helper()
	tr := models.Trade{ID: uuid.New(), State: models.StateAwaitDeposit, AmountAtomic: amount, EscrowAddress: "8" + uuid.NewString()}
	require.NoError(t, db.Create(&tr).Error)
	return tr
}

func state(t *testing.T, db *gorm.DB, id uuid.UUID) models.TradeState {
	t.Helper()
	var tr models.Trade
	require.NoError(t, db.First(&tr, "id = ?", id).Error)
	return tr.State
}

func TestAdvanceWaitsForConfirmedFunds(t *testing.T) {
	db := setupConfirmTestDB(t)
	ctx := context.Background()
	l := ledger.New(nil)
	advancer := NewAdvancer(db, l, trade.NewMachine(), models.DefaultPolicy())
	tr := seedAwaiting(t, db, 1000)

	_, _, err := l.RecordDeposit(ctx, db, ledger.Deposit{TradeID: tr.ID, TxHash: "a", Amount: 600, Confirmations: 12})
	require.NoError(t, err)
	_, _, err = l.RecordDeposit(ctx, db, ledger.Deposit{TradeID: tr.ID, TxHash: "b", Amount: 400, Confirmations: 3})
	require.NoError(t, err)

	res, err := advancer.Advance(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, trade.OutcomeInsufficientFunds, res.Outcome)
	require.EqualValues(t, 600, res.ConfirmedBalance)
	require.Equal(t, models.StateAwaitDeposit, state(t, db, tr.ID))

	_, _, err = l.RecordDeposit(ctx, db, ledger.Deposit{TradeID: tr.ID, TxHash: "b", Amount: 400, Confirmations: 10})
	require.NoError(t, err)

	res, err = advancer.Advance(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, trade.OutcomeApplied, res.Outcome)
	require.Equal(t, models.StateEscrowed, state(t, db, tr.ID))

	var event models.TradeEvent
	require.NoError(t, db.First(&event, "trade_id = ? AND type = ?", tr.ID, models.EventFundsEscrowed).Error)
	var payload map[string]uint64
	require.NoError(t, json.Unmarshal([]byte(event.Payload), &payload))
	require.EqualValues(t, 1000, payload["amount_atomic"])
	require.EqualValues(t, 10, payload["threshold"])
}

func TestAdvanceIsMonotonic(t *testing.T) {
	db := setupConfirmTestDB(t)
	ctx := context.Background()
	l := ledger.New(nil)
	advancer := NewAdvancer(db, l, trade.NewMachine(), models.DefaultPolicy())
	tr := seedAwaiting(t, db, 500)
	_, _, err := l.RecordDeposit(ctx, db, ledger.Deposit{TradeID: tr.ID, TxHash: "a", Amount: 500, Confirmations: 10})
	require.NoError(t, err)

	res, err := advancer.Advance(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, trade.OutcomeApplied, res.Outcome)

	require.NoError(t, db.Model(&models.Trade{}).Where("id = ?", tr.ID).Update("state", models.StateCompleted).Error)
	res, err = advancer.Advance(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, trade.OutcomeInvalidState, res.Outcome)
	require.Equal(t, models.StateCompleted, state(t, db, tr.ID))

	res, err = advancer.Advance(ctx, uuid.New())
	require.NoError(t, err)
	require.Equal(t, trade.OutcomeNotFound, res.Outcome)
}

func TestConcurrentAdvanceEscrowsOnce(t *testing.T) {
	db := setupConfirmTestDB(t)
	ctx := context.Background()
	l := ledger.New(nil)
	advancer := NewAdvancer(db, l, trade.NewMachine(), models.DefaultPolicy())
	tr := seedAwaiting(t, db, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.RecordDeposit(ctx, db, ledger.Deposit{TradeID: tr.ID, TxHash: "only", Amount: 1000, Confirmations: 10})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	results := make(chan Result, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := advancer.Advance(ctx, tr.ID)
			require.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for res := range results {
		if res.Outcome == trade.OutcomeApplied {
			applied++
		}
	}
	require.Equal(t, 1, applied)
	require.Equal(t, models.StateEscrowed, state(t, db, tr.ID))

	var events int64
	require.NoError(t, db.Model(&models.TradeEvent{}).Where("trade_id = ? AND type = ?", tr.ID, models.EventFundsEscrowed).Count(&events).Error)
	require.EqualValues(t, 1, events)

	var movements int64
	require.NoError(t, db.Model(&models.EscrowMovement{}).Where("trade_id = ?", tr.ID).Count(&movements).Error)
	require.EqualValues(t, 1, movements)
}

func TestAdvanceOneAtomicUnitShort(t *testing.T) {
	db := setupConfirmTestDB(t)
	ctx := context.Background()
	l := ledger.New(nil)
	advancer := NewAdvancer(db, l, trade.NewMachine(), models.DefaultPolicy())
	tr := seedAwaiting(t, db, 1_000_000_000_000)

	_, _, err := l.RecordDeposit(ctx, db, ledger.Deposit{TradeID: tr.ID, TxHash: "short", Amount: 999_999_999_999, Confirmations: 10})
	require.NoError(t, err)

	res, err := advancer.Advance(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, trade.OutcomeInsufficientFunds, res.Outcome)
	require.EqualValues(t, 999_999_999_999, res.ConfirmedBalance)
	require.Equal(t, models.StateAwaitDeposit, state(t, db, tr.ID))

	var events int64
	require.NoError(t, db.Model(&models.TradeEvent{}).Where("trade_id = ? AND type = ?", tr.ID, models.EventFundsEscrowed).Count(&events).Error)
	require.Zero(t, events)
}
