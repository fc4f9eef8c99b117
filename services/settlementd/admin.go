package settlementd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"p2pescrow/observability"
	"p2pescrow/observability/logging"
	"p2pescrow/services/settlementd/jobs"
	"p2pescrow/services/settlementd/ledger"
	"p2pescrow/services/settlementd/models"
	"p2pescrow/services/settlementd/recon"
	"p2pescrow/services/settlementd/settle"
	"p2pescrow/services/settlementd/trade"
	"p2pescrow/services/settlementd/wallet"
	"p2pescrow/storage"
)

// AdminDeps bundles the components exposed through the operator API.
type AdminDeps struct {
	DB          *gorm.DB
	Ledger      *ledger.Ledger
	Machine     *trade.Machine
	Broadcaster *settle.Broadcaster
	Reconciler  *recon.Reconciler
	Client      wallet.LedgerClient
	Jobs        jobs.Submitter
	Poller      *jobs.Poller
	Auth        *Authenticator
	Policy      models.Policy
	Logger      *slog.Logger
	// ValidateAddress checks escrow and payout addresses. Defaults to wallet.ValidateAddress.
	ValidateAddress func(string) error
}

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	deps    AdminDeps
	handler http.Handler
}

// NewAdminServer constructs the operator router.
func NewAdminServer(deps AdminDeps) *AdminServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New(nil)
	}
	if deps.ValidateAddress == nil {
		deps.ValidateAddress = wallet.ValidateAddress
	}
	s := &AdminServer{deps: deps}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Group(func(protected chi.Router) {
		if deps.Auth != nil {
			protected.Use(deps.Auth.Middleware)
		}
		protected.Post("/trades", s.handleCreateTrade)
		protected.Route("/trades/{id}", func(tr chi.Router) {
			tr.Get("/", s.handleGetTrade)
			tr.Post("/scan", s.handleScan)
			tr.Post("/settle", s.handleSettle)
			tr.Post("/release-pending", s.handleReleasePending)
			tr.Post("/dispute", s.handleDispute)
			tr.Post("/cancel", s.handleCancel)
		})
		protected.Get("/reconciliation", s.handleReconciliation)
		protected.Post("/reconciliation/{id}/replay", s.handleReplay)
		protected.Post("/reconciliation/{id}/discard", s.handleDiscard)
		protected.Post("/pause", s.handlePause)
		protected.Post("/resume", s.handleResume)
	})
	s.handler = otelhttp.NewHandler(r, "settlementd.admin")
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.Admin().Observe(route, r.Method, status, time.Since(start))
	})
}

type healthResponse struct {
	Synced       bool   `json:"synced"`
	DaemonHeight uint64 `json:"daemon_height"`
	WalletHeight uint64 `json:"wallet_height"`
	Paused       bool   `json:"paused"`
	Error        string `json:"error,omitempty"`
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{}
	if s.deps.Poller != nil {
		resp.Paused = s.deps.Poller.Paused()
	}
	if s.deps.Client == nil {
		resp.Error = "ledger client not configured"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	ctx := r.Context()
	var err error
	if resp.Synced, err = s.deps.Client.IsSynced(ctx); err == nil {
		if resp.DaemonHeight, err = s.deps.Client.DaemonHeight(ctx); err == nil {
			resp.WalletHeight, err = s.deps.Client.WalletHeight(ctx)
		}
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	status := http.StatusOK
	if !resp.Synced {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type createTradeRequest struct {
	ID                 *uuid.UUID `json:"id"`
	BuyerID            uuid.UUID  `json:"buyer_id"`
	SellerID           uuid.UUID  `json:"seller_id"`
	OfferID            uuid.UUID  `json:"offer_id"`
	AmountAtomic       uint64     `json:"amount_atomic"`
	FiatPrice          string     `json:"fiat_price"`
	FiatCurrency       string     `json:"fiat_currency"`
	EscrowAddress      string     `json:"escrow_address"`
	BuyerPayoutAddress *string    `json:"buyer_payout_address"`
	ExpiresAt          *time.Time `json:"expires_at"`
}

func (s *AdminServer) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if err := s.deps.ValidateAddress(req.EscrowAddress); err != nil {
		http.Error(w, "invalid escrow address", http.StatusBadRequest)
		return
	}
	if req.BuyerPayoutAddress != nil {
		if err := s.deps.ValidateAddress(*req.BuyerPayoutAddress); err != nil {
			http.Error(w, "invalid buyer payout address", http.StatusBadRequest)
			return
		}
	}
	t := &models.Trade{
		BuyerID:            req.BuyerID,
		SellerID:           req.SellerID,
		OfferID:            req.OfferID,
		AmountAtomic:       req.AmountAtomic,
		FiatPrice:          strings.TrimSpace(req.FiatPrice),
		FiatCurrency:       strings.ToUpper(strings.TrimSpace(req.FiatCurrency)),
		EscrowAddress:      req.EscrowAddress,
		BuyerPayoutAddress: req.BuyerPayoutAddress,
	}
	if req.ID != nil {
		t.ID = *req.ID
	}
	if req.ExpiresAt != nil {
		expires := req.ExpiresAt.UTC()
		t.ExpiresAt = &expires
	}
	actor := ActorFromContext(r.Context())
	ctx := r.Context()
	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.deps.Machine.Create(ctx, tx, t, actor); err != nil {
			return err
		}
		_, err := s.deps.Machine.OpenForDeposit(ctx, tx, t.ID, actor)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := trade.Load(ctx, s.deps.DB, t.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Logger.Info("trade opened for deposit",
		slog.String("trade_id", created.ID.String()),
		slog.String("escrow_address", logging.MaskAddress(created.EscrowAddress)))
	writeJSON(w, http.StatusCreated, newTradeView(created))
}

type tradeView struct {
	ID                 uuid.UUID         `json:"id"`
	BuyerID            uuid.UUID         `json:"buyer_id"`
	SellerID           uuid.UUID         `json:"seller_id"`
	OfferID            uuid.UUID         `json:"offer_id"`
	State              models.TradeState `json:"state"`
	AmountAtomic       uint64            `json:"amount_atomic"`
	FiatPrice          string            `json:"fiat_price,omitempty"`
	FiatCurrency       string            `json:"fiat_currency,omitempty"`
	EscrowAddress      string            `json:"escrow_address"`
	BuyerPayoutAddress *string           `json:"buyer_payout_address,omitempty"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func newTradeView(t *models.Trade) tradeView {
	return tradeView{
		ID:                 t.ID,
		BuyerID:            t.BuyerID,
		SellerID:           t.SellerID,
		OfferID:            t.OfferID,
		State:              t.State,
		AmountAtomic:       t.AmountAtomic,
		FiatPrice:          t.FiatPrice,
		FiatCurrency:       t.FiatCurrency,
		EscrowAddress:      t.EscrowAddress,
		BuyerPayoutAddress: t.BuyerPayoutAddress,
		ExpiresAt:          t.ExpiresAt,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

type movementView struct {
	ID            uuid.UUID        `json:"id"`
	Direction     models.Direction `json:"direction"`
	AmountAtomic  uint64           `json:"amount_atomic"`
	TxHash        string           `json:"tx_hash"`
	Height        *uint64          `json:"height,omitempty"`
	Confirmations uint64           `json:"confirmations"`
	CreatedAt     time.Time        `json:"created_at"`
}

type eventView struct {
	Type      string          `json:"type"`
	ActorID   *uuid.UUID      `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type tradeDetail struct {
	Trade            tradeView      `json:"trade"`
	ConfirmedBalance uint64         `json:"confirmed_balance_atomic"`
	EscrowBalance    uint64         `json:"escrow_balance_atomic"`
	Required         uint64         `json:"required_confirmations"`
	Movements        []movementView `json:"movements"`
	Events           []eventView    `json:"events"`
}

func (s *AdminServer) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	t, err := trade.Load(ctx, s.deps.DB, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	detail := tradeDetail{Trade: newTradeView(t), Required: s.deps.Policy.RequiredConfirmations}
	if detail.ConfirmedBalance, err = s.deps.Ledger.ConfirmedBalance(ctx, s.deps.DB, id, s.deps.Policy.RequiredConfirmations); err != nil {
		s.writeError(w, err)
		return
	}
	if balance, err := s.deps.Ledger.EscrowBalance(ctx, s.deps.DB, id, s.deps.Policy.RequiredConfirmations); err == nil {
		detail.EscrowBalance = balance
	} else if !errors.Is(err, ledger.ErrOverdrawn) {
		s.writeError(w, err)
		return
	}
	movements, err := s.deps.Ledger.Movements(ctx, s.deps.DB, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, m := range movements {
		detail.Movements = append(detail.Movements, movementView{
			ID: m.ID, Direction: m.Direction, AmountAtomic: m.AmountAtomic, TxHash: m.TxHash,
			Height: m.Height, Confirmations: m.Confirmations, CreatedAt: m.CreatedAt,
		})
	}
	var events []models.TradeEvent
	if err := s.deps.DB.WithContext(ctx).Where("trade_id = ?", id).Order("created_at").Find(&events).Error; err != nil {
		s.writeError(w, err)
		return
	}
	for _, e := range events {
		view := eventView{Type: e.Type, ActorID: e.ActorID, CreatedAt: e.CreatedAt}
		if e.Payload != "" && json.Valid([]byte(e.Payload)) {
			view.Payload = json.RawMessage(e.Payload)
		}
		detail.Events = append(detail.Events, view)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *AdminServer) handleScan(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeIDParam(w, r)
	if !ok {
		return
	}
	if err := s.submit(jobs.Job{Kind: jobs.KindScan, TradeID: id}); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type settleRequest struct {
	Action      string `json:"action"`
	Destination string `json:"destination"`
	Resolution  bool   `json:"resolution"`
}

func (s *AdminServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeIDParam(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	action, err := trade.ParseAction(req.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	destination := strings.TrimSpace(req.Destination)
	if err := s.deps.ValidateAddress(destination); err != nil {
		http.Error(w, "invalid destination address", http.StatusBadRequest)
		return
	}
	job := jobs.Job{Kind: jobs.KindSettle, TradeID: id, Settle: &settle.Request{
		TradeID:     id,
		Action:      action,
		Destination: destination,
		ActorID:     ActorFromContext(r.Context()),
		Resolution:  req.Resolution,
	}}
	if err := s.submit(job); err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Logger.Info("settlement queued",
		slog.String("trade_id", id.String()),
		slog.String("action", string(action)),
		slog.String("destination", logging.MaskAddress(destination)))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "action": string(action)})
}

type reasonRequest struct {
	Reason string `json:"reason"`
	TxHash string `json:"tx_hash"`
}

func decodeReason(r *http.Request) (reasonRequest, error) {
	var req reasonRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	return req, err
}

func (s *AdminServer) handleReleasePending(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(tx *gorm.DB, id uuid.UUID, actor *uuid.UUID, _ reasonRequest) (trade.Outcome, error) {
		return s.deps.Machine.MarkReleasePending(r.Context(), tx, id, actor)
	})
}

func (s *AdminServer) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(tx *gorm.DB, id uuid.UUID, actor *uuid.UUID, req reasonRequest) (trade.Outcome, error) {
		return s.deps.Machine.Dispute(r.Context(), tx, id, actor, req.Reason)
	})
}

func (s *AdminServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(tx *gorm.DB, id uuid.UUID, actor *uuid.UUID, req reasonRequest) (trade.Outcome, error) {
		return s.deps.Machine.Cancel(r.Context(), tx, id, actor, req.Reason)
	})
}

func (s *AdminServer) transition(w http.ResponseWriter, r *http.Request, fn func(*gorm.DB, uuid.UUID, *uuid.UUID, reasonRequest) (trade.Outcome, error)) {
	id, ok := tradeIDParam(w, r)
	if !ok {
		return
	}
	req, err := decodeReason(r)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	actor := ActorFromContext(r.Context())
	var outcome trade.Outcome
	err = s.deps.DB.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = fn(tx, id, actor, req)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := trade.Load(r.Context(), s.deps.DB, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "state": t.State})
}

type reconciliationResponse struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Trades      int                    `json:"trades"`
	Anomalies   []anomalyView          `json:"anomalies"`
	Pending     []storage.JournalEntry `json:"pending"`
	CSVPath     string                 `json:"csv_path,omitempty"`
	ParquetPath string                 `json:"parquet_path,omitempty"`
}

type anomalyView struct {
	TradeID uuid.UUID `json:"trade_id"`
	Kind    string    `json:"kind"`
	Detail  string    `json:"detail"`
	Amount  string    `json:"amount"`
}

func (s *AdminServer) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil || s.deps.Broadcaster == nil {
		http.Error(w, "reconciliation unavailable", http.StatusServiceUnavailable)
		return
	}
	result, err := s.deps.Reconciler.Run(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	pending, err := s.deps.Broadcaster.Pending()
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := reconciliationResponse{
		GeneratedAt: result.GeneratedAt,
		Trades:      len(result.Rows),
		Anomalies:   []anomalyView{},
		Pending:     pending,
		CSVPath:     result.CSVPath,
		ParquetPath: result.ParquetPath,
	}
	for _, a := range result.Anomalies {
		resp.Anomalies = append(resp.Anomalies, anomalyView{TradeID: a.TradeID, Kind: a.Kind, Detail: a.Detail, Amount: recon.FormatAtomic(a.Amount)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeIDParam(w, r)
	if !ok {
		return
	}
	req, err := decodeReason(r)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.deps.Broadcaster.Replay(r.Context(), id, ActorFromContext(r.Context()), req.TxHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trade_id":      result.TradeID,
		"tx_hash":       result.TxHash,
		"state":         result.State,
		"sent_atomic":   result.Sent,
		"fee_atomic":    result.Fee,
		"balance_total": result.Balance,
	})
}

func (s *AdminServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeIDParam(w, r)
	if !ok {
		return
	}
	req, err := decodeReason(r)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	if err := s.deps.Broadcaster.Discard(r.Context(), id, ActorFromContext(r.Context()), req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Poller == nil {
		http.Error(w, "poller unavailable", http.StatusServiceUnavailable)
		return
	}
	s.deps.Poller.Pause()
	s.deps.Logger.Warn("deposit polling paused")
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Poller == nil {
		http.Error(w, "poller unavailable", http.StatusServiceUnavailable)
		return
	}
	s.deps.Poller.Resume()
	s.deps.Logger.Info("deposit polling resumed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) submit(job jobs.Job) error {
	if s.deps.Jobs == nil {
		return jobs.ErrStopped
	}
	return s.deps.Jobs.Submit(job)
}

func tradeIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid trade id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *AdminServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trade.ErrNotFound), errors.Is(err, settle.ErrNoJournalEntry):
		status = http.StatusNotFound
	case errors.Is(err, trade.ErrInvalidTrade), errors.Is(err, settle.ErrInvalidDestination):
		status = http.StatusBadRequest
	case errors.Is(err, trade.ErrInvalidState), errors.Is(err, trade.ErrFundsPresent),
		errors.Is(err, settle.ErrInvalidState), errors.Is(err, settle.ErrSettlementInFlight),
		errors.Is(err, settle.ErrReconciliationRequired), errors.Is(err, gorm.ErrDuplicatedKey):
		status = http.StatusConflict
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.deps.Logger.Error("admin request failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
