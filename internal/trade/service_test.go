package trade_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stanx/exchange-engine/internal/engine"
	"github.com/stanx/exchange-engine/internal/ledger"
	"github.com/stanx/exchange-engine/internal/model"
	"github.com/stanx/exchange-engine/internal/risk"
	"github.com/stanx/exchange-engine/internal/store"
	"github.com/stanx/exchange-engine/internal/trade"
)

type testEnv struct {
	st     *store.MemoryStore
	led    *ledger.Ledger
	eng    *engine.Engine
	router chi.Router
}

// newTestEnv wires a Service against the in-memory store, an engine, and
// the same route tree the server mounts.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	led := ledger.New()
	eng := engine.New(st, led)
	t.Cleanup(eng.Stop)

	limiter := risk.NewPositionLimiter(10000, 50000)
	svc := trade.NewService(st, eng, led, limiter, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/markets", svc.CreateMarket)
		r.Get("/markets", svc.ListMarkets)
		r.Get("/markets/ticker/{ticker}", svc.GetMarketByTicker)
		r.Get("/markets/{marketID}", svc.GetMarket)
		r.Get("/markets/{marketID}/book", svc.GetBook)
		r.Get("/markets/{marketID}/trades", svc.GetTrades)
		r.Get("/markets/{marketID}/orders", svc.ListMarketOrders)
		r.Post("/markets/{marketID}/close", svc.CloseMarket)
		r.Post("/markets/{marketID}/resolve", svc.ResolveMarket)
		r.Post("/markets/{marketID}/settle", svc.SettleMarket)
		r.Get("/markets/{marketID}/settlement", svc.GetSettlement)
		r.Post("/orders", svc.SubmitOrder)
		r.Post("/orders/{orderID}/cancel", svc.CancelOrder)
		r.Post("/accounts/{accountID}/deposit", svc.Deposit)
		r.Post("/accounts/{accountID}/withdraw", svc.Withdraw)
		r.Get("/accounts/{accountID}", svc.GetAccount)
		r.Get("/accounts/{accountID}/trades", svc.GetAccountTrades)
		r.Get("/portfolio/{accountID}", svc.GetPortfolio)
	})

	return &testEnv{st: st, led: led, eng: eng, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

// createMarket creates a market over HTTP and returns its ID.
func (e *testEnv) createMarket(t *testing.T, ticker string) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Ticker:   ticker,
		Question: "Will it happen?",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: status %d, body %s", w.Code, w.Body.String())
	}
	return decode[model.Market](t, w).ID
}

func (e *testEnv) deposit(t *testing.T, accountID string, dollars float64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts/"+accountID+"/deposit",
		trade.AmountRequest{Amount: decimal.NewFromFloat(dollars)})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: status %d, body %s", w.Code, w.Body.String())
	}
}

func (e *testEnv) order(t *testing.T, req trade.OrderRequest) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/orders", req)
}

const testTicker = "STX-ENT-OSCARSBESTPIC-20260315"

func TestCreateMarket(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/markets", trade.CreateMarketRequest{
		Ticker:   testTicker,
		Question: "Will the favorite win Best Picture?",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	m := decode[model.Market](t, w)
	if m.Category != "ENT" || m.Status != model.MarketOpen {
		t.Errorf("unexpected market: %+v", m)
	}
}

func TestCreateMarket_BadTicker(t *testing.T) {
	env := newTestEnv(t)

	for _, ticker := range []string{"", "NOT-A-TICKER", "STX-WEATHER-RAIN-20260101"} {
		w := env.do(t, "POST", "/api/v1/markets", trade.CreateMarketRequest{
			Ticker:   ticker,
			Question: "q",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ticker %q: expected 400, got %d", ticker, w.Code)
		}
	}
}

func TestListMarkets_CategoryFilter(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "STX-ENT-OSCARS-20260315")
	env.createMarket(t, "STX-CRYPTO-BTC100K-20261231")

	w := env.do(t, "GET", "/api/v1/markets?category=ENT", nil)
	markets := decode[[]model.Market](t, w)
	if len(markets) != 1 || markets[0].Category != "ENT" {
		t.Errorf("expected one ENT market, got %+v", markets)
	}
}

func TestDepositAndAccount(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 250.50)

	w := env.do(t, "GET", "/api/v1/accounts/alice", nil)
	acct := decode[trade.AccountResponse](t, w)
	if !acct.FreeBalance.Equal(decimal.NewFromFloat(250.50)) {
		t.Errorf("expected $250.50, got %s", acct.FreeBalance)
	}
}

func TestDeposit_SubCentRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/accounts/alice/deposit",
		trade.AmountRequest{Amount: decimal.NewFromFloat(1.005)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 10)

	w := env.do(t, "POST", "/api/v1/accounts/alice/withdraw",
		trade.AmountRequest{Amount: decimal.NewFromInt(20)})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestSubmitOrder_FullFlow(t *testing.T) {
	env := newTestEnv(t)
	marketID := env.createMarket(t, testTicker)
	env.deposit(t, "buyer", 1000)
	env.deposit(t, "seller", 1000)

	// Seller mints pairs via a SPLIT order.
	w := env.order(t, trade.OrderRequest{
		AccountID: "seller", MarketID: marketID,
		Type: model.TypeSplit, Size: 100,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("split: status %d, body %s", w.Code, w.Body.String())
	}

	// Seller offers YES at 60¢.
	w = env.order(t, trade.OrderRequest{
		AccountID: "seller", MarketID: marketID,
		Outcome: model.OutcomeYes, Side: model.SideSell,
		Type: model.TypeLimit, LimitPrice: 60, Size: 100,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ask: status %d, body %s", w.Code, w.Body.String())
	}
	res := decode[engine.MatchResult](t, w)
	if res.Status != model.StatusOpen {
		t.Fatalf("ask should rest, got %+v", res)
	}

	// Book shows the ask.
	w = env.do(t, "GET", "/api/v1/markets/"+marketID+"/book?outcome=YES", nil)
	snap := decode[model.BookSnapshot](t, w)
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 60 {
		t.Fatalf("expected ask at 60, got %+v", snap)
	}

	// Buyer lifts it.
	w = env.order(t, trade.OrderRequest{
		AccountID: "buyer", MarketID: marketID,
		Outcome: model.OutcomeYes, Side: model.SideBuy,
		Type: model.TypeLimit, LimitPrice: 65, Size: 100,
	})
	res = decode[engine.MatchResult](t, w)
	if res.Status != model.StatusFilled || len(res.Trades) != 1 {
		t.Fatalf("expected full fill, got %+v", res)
	}
	if res.Trades[0].Price != 60 {
		t.Errorf("fill should print at maker price 60, got %d", res.Trades[0].Price)
	}

	// Trade history reflects it.
	w = env.do(t, "GET", "/api/v1/markets/"+marketID+"/trades", nil)
	trades := decode[[]model.Trade](t, w)
	if len(trades) != 1 || trades[0].Size != 100 {
		t.Errorf("expected one trade of 100, got %+v", trades)
	}

	// Buyer paid 60¢ a share: $1000 − $60.
	w = env.do(t, "GET", "/api/v1/accounts/buyer", nil)
	acct := decode[trade.AccountResponse](t, w)
	if !acct.FreeBalance.Equal(decimal.NewFromInt(940)) {
		t.Errorf("expected $940, got %s", acct.FreeBalance)
	}

	// The buyer's fill history shows the same trade.
	w = env.do(t, "GET", "/api/v1/accounts/buyer/trades", nil)
	trades = decode[[]model.Trade](t, w)
	if len(trades) != 1 || trades[0].BuyerID != "buyer" {
		t.Errorf("expected one buyer trade, got %+v", trades)
	}

	// Order log lists all four submissions in intake order.
	w = env.do(t, "GET", "/api/v1/markets/"+marketID+"/orders", nil)
	orders := decode[[]model.Order](t, w)
	if len(orders) != 2 {
		t.Errorf("expected 2 logged orders, got %d", len(orders))
	}
}

func TestGetMarketByTicker(t *testing.T) {
	env := newTestEnv(t)
	marketID := env.createMarket(t, testTicker)

	w := env.do(t, "GET", "/api/v1/markets/ticker/"+testTicker, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	m := decode[model.Market](t, w)
	if m.ID != marketID {
		t.Errorf("expected market %s, got %s", marketID, m.ID)
	}

	if w := env.do(t, "GET", "/api/v1/markets/ticker/STX-ENT-NOPE-20260101", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSubmitOrder_Errors(t *testing.T) {
	env := newTestEnv(t)
	marketID := env.createMarket(t, testTicker)
	env.deposit(t, "alice", 10)

	tests := []struct {
		name string
		req  trade.OrderRequest
		code int
	}{
		{"missing account", trade.OrderRequest{MarketID: marketID, Type: model.TypeLimit}, http.StatusBadRequest},
		{"missing market", trade.OrderRequest{AccountID: "alice", Type: model.TypeLimit}, http.StatusBadRequest},
		{"unknown market", trade.OrderRequest{AccountID: "alice", MarketID: "nope", Outcome: model.OutcomeYes, Side: model.SideBuy, Type: model.TypeLimit, LimitPrice: 50, Size: 10}, http.StatusNotFound},
		{"bad type", trade.OrderRequest{AccountID: "alice", MarketID: marketID, Type: "STOP"}, http.StatusBadRequest},
		{"price out of range", trade.OrderRequest{AccountID: "alice", MarketID: marketID, Outcome: model.OutcomeYes, Side: model.SideBuy, Type: model.TypeLimit, LimitPrice: 100, Size: 10}, http.StatusBadRequest},
		{"zero size", trade.OrderRequest{AccountID: "alice", MarketID: marketID, Outcome: model.OutcomeYes, Side: model.SideBuy, Type: model.TypeLimit, LimitPrice: 50, Size: 0}, http.StatusBadRequest},
		{"insufficient funds", trade.OrderRequest{AccountID: "alice", MarketID: marketID, Outcome: model.OutcomeYes, Side: model.SideBuy, Type: model.TypeLimit, LimitPrice: 50, Size: 100}, http.StatusConflict},
		{"no shares to sell", trade.OrderRequest{AccountID: "alice", MarketID: marketID, Outcome: model.OutcomeYes, Side: model.SideSell, Type: model.TypeLimit, LimitPrice: 50, Size: 10}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.order(t, tt.req); w.Code != tt.code {
				t.Errorf("expected %d, got %d (body %s)", tt.code, w.Code, w.Body.String())
			}
		})
	}
}

func TestSplitMerge_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	marketID := env.createMarket(t, testTicker)
	env.deposit(t, "alice", 100)

	w := env.order(t, trade.OrderRequest{
		AccountID: "alice", MarketID: marketID,
		Type: model.TypeSplit, Size: 50,
	})
	acct := decode[trade.AccountResponse](t, w)
	if !acct.FreeBalance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected $50 after split, got %s", acct.FreeBalance)
	}
	if len(acct.Positions) != 2 {
		t.Errorf("expected 2 positions, got %+v", acct.Positions)
	}

	w = env.order(t, trade.OrderRequest{
		AccountID: "alice", MarketID: marketID,
		Type: model.TypeMerge, Size: 50,
	})
	acct = decode[trade.AccountResponse](t, w)
	if !acct.FreeBalance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected $100 after merge, got %s", acct.FreeBalance)
	}
	if len(acct.Positions) != 0 {
		t.Errorf("expected no positions, got %+v", acct.Positions)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	marketID := env.createMarket(t, testTicker)
	env.deposit(t, "alice", 100)

	w := env.order(t, trade.OrderRequest{
		AccountID: "alice", MarketID: marketID,
		Outcome: model.OutcomeYes, Side: model.SideBuy,
		Type: model.TypeLimit, LimitPrice: 60, Size: 100,
	})
	res := decode[engine.MatchResult](t, w)

	w = env.do(t, "POST", "/api/v1/orders/"+res.OrderID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d, body %s", w.Code, w.Body.String())
	}
	cres := decode[engine.CancelResult](t, w)
	if cres.ReleasedSize != 100 {
		t.Errorf("expected 100 released, got %d", cres.ReleasedSize)
	}

	// A second cancel finds nothing in the book.
	w = env.do(t, "POST", "/api/v1/orders/"+res.OrderID+"/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on double cancel, got %d", w.Code)
	}

	// Unknown order ID.
	w = env.do(t, "POST", "/api/v1/orders/no-such-order/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	marketID := env.createMarket(t, testTicker)
	env.deposit(t, "alice", 100)
	env.order(t, trade.OrderRequest{
		AccountID: "alice", MarketID: marketID,
		Type: model.TypeSplit, Size: 1,
	})

	// Resolving an open market is out of order.
	w := env.do(t, "POST", "/api/v1/markets/"+marketID+"/resolve",
		trade.ResolveRequest{Outcome: model.OutcomeYes})
	if w.Code != http.StatusConflict {
		t.Errorf("resolve open market: expected 409, got %d", w.Code)
	}

	if w := env.do(t, "POST", "/api/v1/markets/"+marketID+"/close", nil); w.Code != http.StatusOK {
		t.Fatalf("close: status %d", w.Code)
	}

	// Submissions are now rejected.
	w = env.order(t, trade.OrderRequest{
		AccountID: "alice", MarketID: marketID,
		Outcome: model.OutcomeYes, Side: model.SideBuy,
		Type: model.TypeLimit, LimitPrice: 50, Size: 10,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("submit after close: expected 409, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/markets/"+marketID+"/resolve",
		trade.ResolveRequest{Outcome: model.OutcomeYes})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: status %d, body %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/markets/"+marketID+"/settle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("settle: status %d, body %s", w.Code, w.Body.String())
	}
	sres := decode[trade.SettleResponse](t, w)
	// One pair, YES wins: $1 pays out.
	if !sres.TotalPayout.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected $1 payout, got %s", sres.TotalPayout)
	}

	// Alice is made whole.
	w = env.do(t, "GET", "/api/v1/accounts/alice", nil)
	acct := decode[trade.AccountResponse](t, w)
	if !acct.FreeBalance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected $100, got %s", acct.FreeBalance)
	}

	// The settlement record is durable.
	w = env.do(t, "GET", "/api/v1/markets/"+marketID+"/settlement", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("settlement record: status %d", w.Code)
	}
	event := decode[model.SettlementEvent](t, w)
	if event.WinningOutcome != model.OutcomeYes || event.TotalPayout != 100 {
		t.Errorf("unexpected settlement event: %+v", event)
	}
}

func TestRiskLimit_Rejected(t *testing.T) {
	env := newTestEnv(t)
	marketID := env.createMarket(t, testTicker)
	env.deposit(t, "whale", 100000)

	// Per-market cap is 10000 net shares.
	w := env.order(t, trade.OrderRequest{
		AccountID: "whale", MarketID: marketID,
		Outcome: model.OutcomeYes, Side: model.SideBuy,
		Type: model.TypeLimit, LimitPrice: 50, Size: 10001,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 risk rejection, got %d (body %s)", w.Code, w.Body.String())
	}
}

func TestGetPortfolio(t *testing.T) {
	env := newTestEnv(t)
	marketID := env.createMarket(t, testTicker)
	env.deposit(t, "alice", 100)
	env.order(t, trade.OrderRequest{
		AccountID: "alice", MarketID: marketID,
		Type: model.TypeSplit, Size: 20,
	})

	// No trades yet, so both legs mark at 50¢.
	w := env.do(t, "GET", "/api/v1/portfolio/alice", nil)
	pf := decode[trade.PortfolioResponse](t, w)
	if len(pf.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %+v", pf.Positions)
	}
	for _, p := range pf.Positions {
		if p.Price != 50 {
			t.Errorf("%s should mark at 50, got %d", p.Outcome, p.Price)
		}
		if !p.Value.Equal(decimal.NewFromInt(10)) {
			t.Errorf("%s value: expected $10, got %s", p.Outcome, p.Value)
		}
	}
	// $80 free + 2 × $10 marked.
	if !pf.TotalValue.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected total $100, got %s", pf.TotalValue)
	}
}

func TestGetBook_BadOutcome(t *testing.T) {
	env := newTestEnv(t)
	marketID := env.createMarket(t, testTicker)

	w := env.do(t, "GET", fmt.Sprintf("/api/v1/markets/%s/book?outcome=MAYBE", marketID), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
