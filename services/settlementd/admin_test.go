package settlementd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"p2pescrow/services/settlementd/jobs"
	"p2pescrow/services/settlementd/ledger"
	"p2pescrow/services/settlementd/models"
	"p2pescrow/services/settlementd/recon"
	"p2pescrow/services/settlementd/settle"
	"p2pescrow/services/settlementd/trade"
	"p2pescrow/services/settlementd/wallet"
	"p2pescrow/storage"
)

const testSecret = "operator-secret"

type queue struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (q *queue) Submit(job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

type adminFixture struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	journal *storage.Journal
	queue   *queue
	poller  *jobs.Poller
	server  *httptest.Server
	actor   uuid.UUID
}

func address(fill string) string {
	return "4" + strings.Repeat(fill, 94)
}

func setupAdmin(t *testing.T) *adminFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))

	kv, err := storage.NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	l := ledger.New(nil)
	journal := storage.NewJournal(kv, nil)
	machine := trade.NewMachine()
	policy := models.DefaultPolicy()
	client := wallet.FuncClient{
		DaemonHeightFunc: func(context.Context) (uint64, error) { return 3_100_000, nil },
		WalletHeightFunc: func(context.Context) (uint64, error) { return 3_100_000, nil },
	}
	broadcaster := settle.NewBroadcaster(db, l, machine, client, journal, policy)
	reconciler, err := recon.NewReconciler(recon.Config{DB: db, Ledger: l, Journal: journal, Policy: policy})
	require.NoError(t, err)
	q := &queue{}
	poller := jobs.NewPoller(db, q, client, time.Minute, nil, nil)
	auth, err := NewAuthenticator(AuthConfig{HMACSecret: testSecret, Issuer: "settlementd"}, nil)
	require.NoError(t, err)

	admin := NewAdminServer(AdminDeps{
		DB:          db,
		Ledger:      l,
		Machine:     machine,
		Broadcaster: broadcaster,
		Reconciler:  reconciler,
		Client:      client,
		Jobs:        q,
		Poller:      poller,
		Auth:        auth,
		Policy:      policy,
	})
	srv := httptest.NewServer(admin)
	t.Cleanup(srv.Close)
	return &adminFixture{db: db, ledger: l, journal: journal, queue: q, poller: poller, server: srv, actor: uuid.New()}
}

func (f *adminFixture) token(t *testing.T, issuer string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": f.actor.String(),
		"iss": issuer,
		"exp": expires.Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *adminFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	return f.doWithToken(t, method, path, body, f.token(t, "settlementd", time.Now().Add(time.Hour)))
}

func (f *adminFixture) doWithToken(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *adminFixture) createTrade(t *testing.T, escrow string) uuid.UUID {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/trades", map[string]any{
		"buyer_id":       uuid.NewString(),
		"seller_id":      uuid.NewString(),
		"offer_id":       uuid.NewString(),
		"amount_atomic":  1_000_000,
		"fiat_price":     "150.00",
		"fiat_currency":  "eur",
		"escrow_address": escrow,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var view struct {
		ID           uuid.UUID `json:"id"`
		State        string    `json:"state"`
		FiatCurrency string    `json:"fiat_currency"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	require.Equal(t, string(models.StateAwaitDeposit), view.State)
	require.Equal(t, "EUR", view.FiatCurrency)
	return view.ID
}

func (f *adminFixture) state(t *testing.T, id uuid.UUID) models.TradeState {
	t.Helper()
	var tr models.Trade
	require.NoError(t, f.db.First(&tr, "id = ?", id).Error)
	return tr.State
}

func TestAdminHealthIsPublic(t *testing.T) {
	f := setupAdmin(t)
	resp := f.doWithToken(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.True(t, health.Synced)
	require.EqualValues(t, 3_100_000, health.DaemonHeight)
}

func TestAdminRejectsMissingOrInvalidTokens(t *testing.T) {
	f := setupAdmin(t)
	path := "/trades/" + uuid.NewString()
	require.Equal(t, http.StatusUnauthorized, f.doWithToken(t, http.MethodGet, path, nil, "").StatusCode)
	require.Equal(t, http.StatusUnauthorized, f.doWithToken(t, http.MethodGet, path, nil, "garbage").StatusCode)
	wrongIssuer := f.token(t, "someone-else", time.Now().Add(time.Hour))
	require.Equal(t, http.StatusUnauthorized, f.doWithToken(t, http.MethodGet, path, nil, wrongIssuer).StatusCode)
	expired := f.token(t, "settlementd", time.Now().Add(-time.Hour))
	require.Equal(t, http.StatusUnauthorized, f.doWithToken(t, http.MethodGet, path, nil, expired).StatusCode)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, nil).StatusCode)
}

func TestAdminCreateAndInspectTrade(t *testing.T) {
	f := setupAdmin(t)
	id := f.createTrade(t, address("C"))

	_, _, err := f.ledger.RecordDeposit(context.Background(), f.db, ledger.Deposit{TradeID: id, TxHash: "in-1", Amount: 600_000, Confirmations: 12})
	require.NoError(t, err)
	_, _, err = f.ledger.RecordDeposit(context.Background(), f.db, ledger.Deposit{TradeID: id, TxHash: "in-2", Amount: 400_000, Confirmations: 2})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/trades/"+id.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail tradeDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	require.EqualValues(t, 600_000, detail.ConfirmedBalance)
	require.EqualValues(t, 600_000, detail.EscrowBalance)
	require.EqualValues(t, 10, detail.Required)
	require.Len(t, detail.Movements, 2)
	require.Len(t, detail.Events, 2)
	for _, event := range detail.Events {
		require.NotNil(t, event.ActorID)
		require.Equal(t, f.actor, *event.ActorID)
	}

	bad := f.do(t, http.MethodPost, "/trades", map[string]any{"amount_atomic": 1, "escrow_address": "nope"})
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
	zero := f.do(t, http.MethodPost, "/trades", map[string]any{"amount_atomic": 0, "escrow_address": address("D")})
	require.Equal(t, http.StatusBadRequest, zero.StatusCode)
}

func TestAdminSettleQueuesJob(t *testing.T) {
	f := setupAdmin(t)
	id := f.createTrade(t, address("E"))

	resp := f.do(t, http.MethodPost, "/trades/"+id.String()+"/settle", map[string]any{"action": "Release", "destination": address("B")})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	require.Equal(t, jobs.KindSettle, job.Kind)
	require.Equal(t, trade.ActionRelease, job.Settle.Action)
	require.Equal(t, f.actor, *job.Settle.ActorID)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/trades/"+id.String()+"/settle", map[string]any{"action": "burn", "destination": address("B")}).StatusCode)
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/trades/"+id.String()+"/settle", map[string]any{"action": "refund", "destination": "short"}).StatusCode)
	require.Len(t, f.queue.jobs, 1)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/trades/"+id.String()+"/scan", nil).StatusCode)
	require.Equal(t, jobs.KindScan, f.queue.jobs[1].Kind)
}

func TestAdminStateHooks(t *testing.T) {
	f := setupAdmin(t)
	funded := f.createTrade(t, address("F"))
	_, _, err := f.ledger.RecordDeposit(context.Background(), f.db, ledger.Deposit{TradeID: funded, TxHash: "in", Amount: 10, Confirmations: 1})
	require.NoError(t, err)

	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/trades/"+funded.String()+"/cancel", map[string]string{"reason": "changed mind"}).StatusCode)
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/trades/"+funded.String()+"/release-pending", nil).StatusCode)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/trades/"+funded.String()+"/dispute", map[string]string{"reason": "no payment"}).StatusCode)
	require.Equal(t, models.StateDisputed, f.state(t, funded))

	empty := f.createTrade(t, address("G"))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/trades/"+empty.String()+"/cancel", nil).StatusCode)
	require.Equal(t, models.StateCancelled, f.state(t, empty))
	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/trades/not-a-uuid/cancel", nil).StatusCode)
}

func TestAdminReconciliationAndDiscard(t *testing.T) {
	f := setupAdmin(t)
	id := f.createTrade(t, address("H"))
	_, err := f.journal.Claim(storage.JournalEntry{TradeID: id.String(), Action: "release", Destination: address("B")})
	require.NoError(t, err)

	resp := f.do(t, http.MethodGet, "/reconciliation", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report reconciliationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Len(t, report.Pending, 1)
	require.Equal(t, id.String(), report.Pending[0].TradeID)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/reconciliation/"+id.String()+"/discard", map[string]string{}).StatusCode)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/reconciliation/"+id.String()+"/discard", map[string]string{"reason": "never broadcast"}).StatusCode)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/reconciliation/"+id.String()+"/replay", map[string]string{"tx_hash": "abc"}).StatusCode)

	_, err = f.journal.Get(id.String())
	require.ErrorIs(t, err, storage.ErrEntryNotFound)
}

func TestAdminPauseResume(t *testing.T) {
	f := setupAdmin(t)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/pause", nil).StatusCode)
	require.True(t, f.poller.Paused())
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/resume", nil).StatusCode)
	require.False(t, f.poller.Paused())
}
