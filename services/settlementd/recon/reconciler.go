package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"p2pescrow/observability"
	"p2pescrow/services/settlementd/ledger"
	"p2pescrow/services/settlementd/models"
	"p2pescrow/storage"
)

// Anomaly kinds emitted by the reconciler.
const (
	AnomalyOverfunded          = "overfunded_after_settlement"
	AnomalyEscrowedUnderfunded = "escrowed_underfunded"
	AnomalySettledWithoutOut   = "settled_without_movement"
	AnomalyUnrecordedBroadcast = "unrecorded_broadcast"
	AnomalyStaleClaim          = "stale_claim"
)

// AtomicDecimals is the number of decimal places in one whole coin.
const AtomicDecimals = 12

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB         *gorm.DB
	Ledger     *ledger.Ledger
	Journal    *storage.Journal
	Policy     models.Policy
	OutputDir  string
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    *observability.SettlementdMetrics
}

// Reconciler compares recorded escrow movements with trade states and the
// settlement journal, and writes a report for operators.
type Reconciler struct {
	db         *gorm.DB
	ledger     *ledger.Ledger
	journal    *storage.Journal
	policy     models.Policy
	outputDir  string
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.SettlementdMetrics
}

// Anomaly describes a single reconciliation finding.
type Anomaly struct {
	TradeID uuid.UUID
	Kind    string
	Detail  string
	Amount  uint64
}

// ReportRow is one trade's reconciled balances.
type ReportRow struct {
	TradeID     uuid.UUID
	State       models.TradeState
	Amount      uint64
	ConfirmedIn uint64
	Sent        uint64
	Balance     uint64
	Anomalies   []string
	UpdatedAt   time.Time
}

// Result summarises a reconciliation run.
type Result struct {
	GeneratedAt time.Time
	Rows        []ReportRow
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// NewReconciler constructs a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("recon: database required")
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.New(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &Reconciler{
		db:         cfg.DB,
		ledger:     cfg.Ledger,
		journal:    cfg.Journal,
		policy:     cfg.Policy,
		outputDir:  cfg.OutputDir,
		staleAfter: cfg.StaleAfter,
		now:        cfg.Now,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Run reconciles every trade that holds or held escrowed funds. Report files
// are only written when an output directory is configured.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	now := r.now().UTC()
	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Where("state IN ?", []models.TradeState{
			models.StateEscrowed, models.StateReleasePending, models.StateDisputed,
			models.StateCompleted, models.StateRefunded,
		}).
		Order("created_at").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("recon: load trades: %w", err)
	}

	result := &Result{GeneratedAt: now}
	threshold := r.policy.RequiredConfirmations
	for _, t := range trades {
		in, err := r.ledger.ConfirmedBalance(ctx, r.db, t.ID, threshold)
		if err != nil {
			return nil, err
		}
		sent, err := r.ledger.SentTotal(ctx, r.db, t.ID)
		if err != nil {
			return nil, err
		}
		row := ReportRow{TradeID: t.ID, State: t.State, Amount: t.AmountAtomic, ConfirmedIn: in, Sent: sent, UpdatedAt: t.UpdatedAt}
		if in >= sent {
			row.Balance = in - sent
		}
		switch t.State {
		case models.StateCompleted, models.StateRefunded:
			if sent == 0 {
				result.Anomalies = append(result.Anomalies, r.raise(&row, AnomalySettledWithoutOut, "terminal settlement without recorded outflow", 0))
			} else if row.Balance > 0 {
				result.Anomalies = append(result.Anomalies, r.raise(&row, AnomalyOverfunded, "confirmed deposits remain after settlement", row.Balance))
			}
		case models.StateEscrowed, models.StateReleasePending:
			if row.Balance < t.AmountAtomic {
				result.Anomalies = append(result.Anomalies, r.raise(&row, AnomalyEscrowedUnderfunded, "escrow balance below trade amount", t.AmountAtomic-row.Balance))
			}
		}
		result.Rows = append(result.Rows, row)
	}

	if r.journal != nil {
		entries, err := r.journal.List()
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			id, _ := uuid.Parse(entry.TradeID)
			switch {
			case entry.Status == storage.StatusUnrecorded:
				result.Anomalies = append(result.Anomalies, r.raise(nil, AnomalyUnrecordedBroadcast,
					fmt.Sprintf("tx %s broadcast but not recorded", entry.TxHash), entry.OutAmount+entry.FeeAmount, id))
			case now.Sub(entry.ClaimedAt) > r.staleAfter:
				result.Anomalies = append(result.Anomalies, r.raise(nil, AnomalyStaleClaim,
					fmt.Sprintf("claim held since %s", entry.ClaimedAt.Format(time.RFC3339)), entry.OutAmount+entry.FeeAmount, id))
			}
		}
	}
	sort.SliceStable(result.Anomalies, func(i, j int) bool {
		return result.Anomalies[i].Kind < result.Anomalies[j].Kind
	})

	if r.outputDir != "" {
		if err := os.MkdirAll(r.outputDir, 0o750); err != nil {
			return nil, fmt.Errorf("recon: create output dir: %w", err)
		}
		base := filepath.Join(r.outputDir, "escrow-recon-"+now.Format("20060102T150405Z"))
		result.CSVPath = base + ".csv"
		if err := writeCSV(result.CSVPath, result.Rows); err != nil {
			return nil, err
		}
		result.ParquetPath = base + ".parquet"
		if err := writeParquet(result.ParquetPath, result.Rows); err != nil {
			return nil, err
		}
	}
	r.logger.Info("reconciliation complete",
		slog.Int("trades", len(result.Rows)),
		slog.Int("anomalies", len(result.Anomalies)),
		slog.String("csv", result.CSVPath))
	return result, nil
}

func (r *Reconciler) raise(row *ReportRow, kind, detail string, amount uint64, id ...uuid.UUID) Anomaly {
	anomaly := Anomaly{Kind: kind, Detail: detail, Amount: amount}
	if row != nil {
		anomaly.TradeID = row.TradeID
		row.Anomalies = append(row.Anomalies, kind)
	} else if len(id) > 0 {
		anomaly.TradeID = id[0]
	}
	r.metrics.RecordAnomaly(kind)
	r.logger.Warn("reconciliation anomaly",
		slog.String("trade_id", anomaly.TradeID.String()),
		slog.String("kind", kind),
		slog.String("reason", detail),
		slog.Uint64("amount_atomic", amount))
	return anomaly
}

// FormatAtomic renders atomic units as a fixed-point coin amount.
func FormatAtomic(amount uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -AtomicDecimals).StringFixed(AtomicDecimals)
}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{"trade_id", "state", "amount_atomic", "confirmed_in_atomic", "sent_atomic", "balance_atomic", "balance", "anomalies", "updated_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.TradeID.String(),
			string(row.State),
			strconv.FormatUint(row.Amount, 10),
			strconv.FormatUint(row.ConfirmedIn, 10),
			strconv.FormatUint(row.Sent, 10),
			strconv.FormatUint(row.Balance, 10),
			FormatAtomic(row.Balance),
			joinKinds(row.Anomalies),
			row.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	TradeID     string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	State       string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount      int64  `parquet:"name=amount_atomic, type=INT64"`
	ConfirmedIn int64  `parquet:"name=confirmed_in_atomic, type=INT64"`
	Sent        int64  `parquet:"name=sent_atomic, type=INT64"`
	Balance     int64  `parquet:"name=balance_atomic, type=INT64"`
	BalanceText string `parquet:"name=balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	Anomalies   string `parquet:"name=anomalies, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt   string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			TradeID:     row.TradeID.String(),
			State:       string(row.State),
			Amount:      int64(row.Amount),
			ConfirmedIn: int64(row.ConfirmedIn),
			Sent:        int64(row.Sent),
			Balance:     int64(row.Balance),
			BalanceText: FormatAtomic(row.Balance),
			Anomalies:   joinKinds(row.Anomalies),
			UpdatedAt:   row.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func joinKinds(kinds []string) string {
	out := ""
	for i, kind := range kinds {
		if i > 0 {
			out += ";"
		}
		out += kind
	}
	return out
}
