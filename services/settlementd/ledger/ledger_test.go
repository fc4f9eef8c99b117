package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"p2pescrow/services/settlementd/models"
)

func setupLedgerTestDB(t *testing.T) (*gorm.DB, models.Trade) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))

	tr := models.Trade{
		ID:            uuid.New(),
		State:         models.StateAwaitDeposit,
		AmountAtomic:  1000,
		EscrowAddress: "8escrow",
	}
	require.NoError(t, db.Create(&tr).Error)
	return db, tr
}

func TestRecordDepositIsIdempotent(t *testing.T) {
	db, tr := setupLedgerTestDB(t)
	ctx := context.Background()
	l := New(nil)

	first, created, err := l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "tx1", Amount: 600, Confirmations: 2})
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "tx1", Amount: 600, Confirmations: 2})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	var count int64
	require.NoError(t, db.Model(&models.EscrowMovement{}).Where("trade_id = ?", tr.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestRecordDepositConcurrentObservers(t *testing.T) {
	db, tr := setupLedgerTestDB(t)
	ctx := context.Background()
	l := New(nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(confs uint64) {
			defer wg.Done()
			_, _, err := l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "dup", Amount: 250, Confirmations: confs})
			errs <- err
		}(uint64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var rows []models.EscrowMovement
	require.NoError(t, db.Find(&rows, "trade_id = ?", tr.ID).Error)
	require.Len(t, rows, 1)
	require.EqualValues(t, 7, rows[0].Confirmations)
}

func TestRecordDepositRaisesConfirmationsMonotonically(t *testing.T) {
	db, tr := setupLedgerTestDB(t)
	ctx := context.Background()
	l := New(nil)

	_, _, err := l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "tx", Amount: 1000, Confirmations: 3})
	require.NoError(t, err)

	height := uint64(3_100_000)
	raised, _, err := l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "tx", Amount: 1000, Confirmations: 12, Height: &height})
	require.NoError(t, err)
	require.EqualValues(t, 12, raised.Confirmations)
	require.NotNil(t, raised.Height)
	require.Equal(t, height, *raised.Height)

	lowered, _, err := l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "tx", Amount: 1000, Confirmations: 4})
	require.NoError(t, err)
	require.EqualValues(t, 12, lowered.Confirmations)
}

func TestRecordDepositBackfillsHeightFromLaggingObservation(t *testing.T) {
	db, tr := setupLedgerTestDB(t)
	ctx := context.Background()
	l := New(nil)

	_, _, err := l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "tx", Amount: 1000, Confirmations: 12})
	require.NoError(t, err)

	height := uint64(3_100_000)
	got, created, err := l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "tx", Amount: 1000, Confirmations: 5, Height: &height})
	require.NoError(t, err)
	require.False(t, created)
	require.EqualValues(t, 12, got.Confirmations)
	require.NotNil(t, got.Height)
	require.Equal(t, height, *got.Height)

	other := uint64(3_200_000)
	got, _, err = l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "tx", Amount: 1000, Confirmations: 13, Height: &other})
	require.NoError(t, err)
	require.EqualValues(t, 13, got.Confirmations)
	require.Equal(t, height, *got.Height)
}

func TestRecordDepositValidation(t *testing.T) {
	db, tr := setupLedgerTestDB(t)
	l := New(nil)
	_, _, err := l.RecordDeposit(context.Background(), db, Deposit{TradeID: tr.ID, TxHash: "tx", Amount: 0})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, _, err = l.RecordDeposit(context.Background(), db, Deposit{TradeID: tr.ID, TxHash: "  ", Amount: 1})
	require.ErrorIs(t, err, ErrMissingTxHash)
}

func TestConfirmedBalanceThreshold(t *testing.T) {
	db, tr := setupLedgerTestDB(t)
	ctx := context.Background()
	l := New(nil)

	_, _, err := l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "a", Amount: 600, Confirmations: 12})
	require.NoError(t, err)
	_, _, err = l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "b", Amount: 400, Confirmations: 3})
	require.NoError(t, err)

	balance, err := l.ConfirmedBalance(ctx, db, tr.ID, 10)
	require.NoError(t, err)
	require.EqualValues(t, 600, balance)

	balance, err = l.ConfirmedBalance(ctx, db, tr.ID, 3)
	require.NoError(t, err)
	require.EqualValues(t, 1000, balance)
}

func TestRecordSettlementConservesBalance(t *testing.T) {
	db, tr := setupLedgerTestDB(t)
	ctx := context.Background()
	l := New(func() time.Time { return time.Unix(1_700_000_000, 0) })

	_, _, err := l.RecordDeposit(ctx, db, Deposit{TradeID: tr.ID, TxHash: "in", Amount: 1000, Confirmations: 10})
	require.NoError(t, err)

	rows, err := l.RecordSettlement(ctx, db, tr.ID, "out", 998, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, models.DirectionOut, rows[0].Direction)
	require.Equal(t, models.DirectionFee, rows[1].Direction)
	require.Equal(t, rows[0].TxHash, rows[1].TxHash)

	sent, err := l.SentTotal(ctx, db, tr.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1000, sent)

	balance, err := l.EscrowBalance(ctx, db, tr.ID, 10)
	require.NoError(t, err)
	require.Zero(t, balance)

	movements, err := l.Movements(ctx, db, tr.ID)
	require.NoError(t, err)
	require.Len(t, movements, 3)
}

func TestRecordSettlementWithoutFee(t *testing.T) {
	db, tr := setupLedgerTestDB(t)
	rows, err := New(nil).RecordSettlement(context.Background(), db, tr.ID, "out", 3, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = New(nil).RecordSettlement(context.Background(), db, tr.ID, "out2", 0, 3)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSumDetectsOverflow(t *testing.T) {
	_, err := sum([]uint64{math.MaxUint64, 1})
	require.ErrorIs(t, err, ErrAmountOverflow)
	total, err := sum([]uint64{1, 2, 3})
	require.NoError(t, err)
	require.EqualValues(t, 6, total)
}
