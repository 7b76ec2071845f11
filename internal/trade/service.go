// Package trade provides the HTTP handlers and business logic for the
// exchange gateway: market management, order submission, collateral
// operations, account queries, and admin lifecycle actions.
//
// The gateway is a thin collaborator around the matching core: it
// validates and routes; the per-market engine workers and the ledger
// are the sources of truth. Dollar amounts at this boundary use
// shopspring/decimal — the matching path below is integer cents only.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stanx/exchange-engine/internal/book"
	"github.com/stanx/exchange-engine/internal/contract"
	"github.com/stanx/exchange-engine/internal/engine"
	"github.com/stanx/exchange-engine/internal/ledger"
	"github.com/stanx/exchange-engine/internal/metrics"
	"github.com/stanx/exchange-engine/internal/model"
	"github.com/stanx/exchange-engine/internal/risk"
	"github.com/stanx/exchange-engine/internal/store"
)

// Service handles exchange gateway operations.
type Service struct {
	st      store.Store
	eng     *engine.Engine
	ledger  *ledger.Ledger
	limiter *risk.PositionLimiter
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new gateway service and registers the engine's
// trade callback. Pass nil for hub if WebSocket broadcasting is not
// needed.
func NewService(st store.Store, eng *engine.Engine, l *ledger.Ledger, limiter *risk.PositionLimiter, hub *WSHub) *Service {
	s := &Service{
		st:      st,
		eng:     eng,
		ledger:  l,
		limiter: limiter,
		wsHub:   hub,
	}
	eng.OnTrade(s.handleTrade)
	return s
}

// handleTrade runs on every executed trade: metrics and WS broadcast.
// Must not block — it is called from the market worker.
func (s *Service) handleTrade(t model.Trade, m *model.Market) {
	metrics.TradesTotal.WithLabelValues(string(t.Outcome)).Inc()
	metrics.MarketVolume.WithLabelValues(t.MarketID, string(t.Outcome)).Add(float64(t.Size))

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade",
			MarketID: t.MarketID,
			Ticker:   m.Ticker,
			Outcome:  string(t.Outcome),
			Price:    t.Price,
			Size:     t.Size,
			YesPrice: m.LastPrice,
		})
	}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Ticker             string `json:"ticker"` // STX-{category}-{slug}-{YYYYMMDD}
	Question           string `json:"question"`
	ResolutionCriteria string `json:"resolution_criteria"`
}

// OrderRequest is the JSON body for POST /orders. Type selects the
// path: LIMIT and MARKET go to the matching engine, SPLIT and MERGE
// are collateral operations handled by the ledger.
type OrderRequest struct {
	AccountID  string          `json:"account_id"`
	MarketID   string          `json:"market_id"`
	Outcome    model.Outcome   `json:"outcome,omitempty"` // unused for SPLIT/MERGE
	Side       model.Side      `json:"side,omitempty"`
	Type       model.OrderType `json:"type"`
	LimitPrice int64           `json:"limit_price,omitempty"` // cents
	Size       int64           `json:"size"`                  // shares (pairs for SPLIT/MERGE)
}

// ResolveRequest is the JSON body for market resolution.
type ResolveRequest struct {
	Outcome model.Outcome `json:"outcome"`
}

// AmountRequest is the JSON body for deposits and withdrawals,
// denominated in dollars.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AccountResponse is the dollar-denominated account snapshot.
type AccountResponse struct {
	AccountID     string                `json:"account_id"`
	FreeBalance   decimal.Decimal       `json:"free_balance"`
	LockedBalance decimal.Decimal       `json:"locked_balance"`
	Positions     []ledger.PositionView `json:"positions"`
	Halted        bool                  `json:"halted,omitempty"`
}

// PortfolioPosition is one mark-to-market position entry.
type PortfolioPosition struct {
	MarketID string          `json:"market_id"`
	Ticker   string          `json:"ticker"`
	Question string          `json:"question"`
	Outcome  model.Outcome   `json:"outcome"`
	Shares   int64           `json:"shares"`
	Price    int64           `json:"price"` // cents per share, current
	Value    decimal.Decimal `json:"value"` // dollars
}

// PortfolioResponse aggregates an account's holdings with P&L inputs.
type PortfolioResponse struct {
	AccountID   string              `json:"account_id"`
	FreeBalance decimal.Decimal     `json:"free_balance"`
	Positions   []PortfolioPosition `json:"positions"`
	TotalValue  decimal.Decimal     `json:"total_value"` // free + mark-to-market
}

// SettleResponse reports the payout of a settlement.
type SettleResponse struct {
	MarketID    string          `json:"market_id"`
	TotalPayout decimal.Decimal `json:"total_payout"` // dollars
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	parsed, err := contract.ParseTicker(req.Ticker)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		writeError(w, "question is required", http.StatusBadRequest)
		return
	}

	market := &model.Market{
		ID:                 uuid.New().String(),
		Ticker:             req.Ticker,
		Question:           req.Question,
		Category:           parsed.Category,
		ResolutionCriteria: req.ResolutionCriteria,
		Status:             model.MarketOpen,
		ClosesAt:           parsed.CloseDate,
		CreatedAt:          time.Now().UTC(),
	}

	if err := s.eng.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"id", market.ID,
		"ticker", market.Ticker,
		"category", market.Category,
	)

	writeJSON(w, http.StatusCreated, market)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?category=<category>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.st.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}

	if category := r.URL.Query().Get("category"); category != "" {
		filtered := []model.Market{}
		for _, m := range markets {
			if m.Category == category {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}

	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	// Prefer the worker's live view; settled markets fall back to the store.
	market, err := s.eng.Market(marketID)
	if err != nil {
		market, err = s.st.GetMarket(r.Context(), marketID)
	}
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// GetMarketByTicker handles GET /api/v1/markets/ticker/{ticker}
// Ticker lookups are the hot path for the listings UI and go through the
// read-through cache when one is configured.
func (s *Service) GetMarketByTicker(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	market, err := s.st.GetMarketByTicker(r.Context(), ticker)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetBook handles GET /api/v1/markets/{marketID}/book?outcome=YES|NO
// Returns the aggregated price-level snapshot the order-book widget
// consumes.
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	outcome := model.Outcome(r.URL.Query().Get("outcome"))
	if outcome == "" {
		outcome = model.OutcomeYes
	}
	if !outcome.Valid() {
		writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
		return
	}

	snapshot, err := s.eng.Snapshot(marketID, outcome)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GetTrades handles GET /api/v1/markets/{marketID}/trades
// Returns the market's trade history from the audit log.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	trades, err := s.st.ListTradesByMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to get trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListMarketOrders handles GET /api/v1/markets/{marketID}/orders
// Returns the market's full order log in intake-sequence order, the
// input needed to audit or replay its trade history.
func (s *Service) ListMarketOrders(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	orders, err := s.st.ListOrdersByMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetSettlement handles GET /api/v1/markets/{marketID}/settlement
// Returns the settlement audit record for a settled market.
func (s *Service) GetSettlement(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	event, err := s.st.GetSettlement(r.Context(), marketID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// GetAccountTrades handles GET /api/v1/accounts/{accountID}/trades
// Returns every fill the account participated in, as buyer or seller.
func (s *Service) GetAccountTrades(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	trades, err := s.st.ListTradesByAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to get trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// SubmitOrder handles POST /api/v1/orders
// LIMIT/MARKET orders run through the matching engine; SPLIT/MERGE are
// routed to the ledger.
func (s *Service) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	if req.MarketID == "" {
		writeError(w, "market_id is required", http.StatusBadRequest)
		return
	}

	switch req.Type {
	case model.TypeSplit, model.TypeMerge:
		s.handleCollateral(w, r, req)
		return
	case model.TypeLimit, model.TypeMarket:
	default:
		writeError(w, "type must be LIMIT, MARKET, SPLIT, or MERGE", http.StatusBadRequest)
		return
	}

	market, err := s.eng.Market(req.MarketID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	order, err := model.NewOrder(uuid.New().String(), req.MarketID, req.AccountID,
		req.Outcome, req.Side, req.Type, req.LimitPrice, req.Size)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.checkRiskLimits(order, market); err != nil {
		metrics.OrdersRejected.WithLabelValues("risk_limit").Inc()
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	start := time.Now()
	result, err := s.eng.Submit(r.Context(), order)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.MatchLatency.WithLabelValues(string(order.Type)).Observe(time.Since(start).Seconds())
	metrics.OrdersTotal.WithLabelValues(string(order.Side), string(order.Type)).Inc()

	writeJSON(w, http.StatusOK, result)
}

// handleCollateral routes SPLIT/MERGE order types to the ledger.
func (s *Service) handleCollateral(w http.ResponseWriter, r *http.Request, req OrderRequest) {
	market, err := s.eng.Market(req.MarketID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if market.Status != model.MarketOpen {
		writeError(w, "market is not open", http.StatusConflict)
		return
	}

	if req.Type == model.TypeSplit {
		err = s.ledger.SplitCollateral(req.AccountID, req.MarketID, req.Size)
	} else {
		err = s.ledger.MergePositions(req.AccountID, req.MarketID, req.Size)
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	slog.Info("collateral operation",
		"account", req.AccountID,
		"market", req.MarketID,
		"type", req.Type,
		"pairs", req.Size,
	)
	writeJSON(w, http.StatusOK, s.accountResponse(req.AccountID))
}

// checkRiskLimits enforces per-market and per-category exposure limits
// before an order reaches the intake queue.
func (s *Service) checkRiskLimits(o *model.Order, market *model.Market) error {
	if s.limiter == nil {
		return nil
	}

	// Net YES-equivalent exposure delta: buying YES or selling NO is
	// long, buying NO or selling YES is short.
	delta := o.Size
	if (o.Outcome == model.OutcomeYes) != (o.Side == model.SideBuy) {
		delta = -delta
	}

	exposures := s.ledger.Exposures(o.AccountID)
	categories := map[string]string{market.ID: market.Category}
	categoryOf := func(marketID string) string {
		if c, ok := categories[marketID]; ok {
			return c
		}
		m, err := s.st.GetMarket(context.Background(), marketID)
		if err != nil {
			return ""
		}
		categories[marketID] = m.Category
		return m.Category
	}

	return s.limiter.CheckLimit(market.ID, market.Category, delta, exposures, categoryOf)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := s.st.GetOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	result, err := s.eng.Cancel(r.Context(), order.MarketID, orderID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if err := s.eng.Close(r.Context(), marketID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.ActiveMarkets.Dec()
	s.broadcastStatus(marketID, model.MarketClosed)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.MarketClosed)})
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.eng.Resolve(r.Context(), marketID, req.Outcome); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	s.broadcastStatus(marketID, model.MarketResolved)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  string(model.MarketResolved),
		"outcome": string(req.Outcome),
	})
}

// SettleMarket handles POST /api/v1/markets/{marketID}/settle
func (s *Service) SettleMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	payout, err := s.eng.Settle(r.Context(), marketID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	metrics.SettlementPayouts.Add(float64(payout))
	s.broadcastStatus(marketID, model.MarketSettled)

	writeJSON(w, http.StatusOK, SettleResponse{
		MarketID:    marketID,
		TotalPayout: centsToDollars(payout),
	})
}

func (s *Service) broadcastStatus(marketID string, status model.MarketStatus) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_status",
			MarketID: marketID,
			Status:   string(status),
		})
	}
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.handleFunds(w, r, s.ledger.Deposit)
}

// Withdraw handles POST /api/v1/accounts/{accountID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.handleFunds(w, r, s.ledger.Withdraw)
}

func (s *Service) handleFunds(w http.ResponseWriter, r *http.Request, op func(string, int64) error) {
	accountID := chi.URLParam(r, "accountID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cents, ok := dollarsToCents(req.Amount)
	if !ok {
		writeError(w, "amount must be a positive multiple of $0.01", http.StatusBadRequest)
		return
	}

	if err := op(accountID, cents); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, s.accountResponse(accountID))
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	writeJSON(w, http.StatusOK, s.accountResponse(accountID))
}

func (s *Service) accountResponse(accountID string) AccountResponse {
	st := s.ledger.State(accountID)
	return AccountResponse{
		AccountID:     st.AccountID,
		FreeBalance:   centsToDollars(st.FreeBalance),
		LockedBalance: centsToDollars(st.LockedBalance),
		Positions:     st.Positions,
		Halted:        st.Halted,
	}
}

// GetPortfolio handles GET /api/v1/portfolio/{accountID}
// Returns positions marked to the market's last trade price.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	st := s.ledger.State(accountID)

	resp := PortfolioResponse{
		AccountID:   accountID,
		FreeBalance: centsToDollars(st.FreeBalance),
		Positions:   []PortfolioPosition{},
	}
	totalCents := st.FreeBalance + st.LockedBalance

	for _, p := range st.Positions {
		market, err := s.st.GetMarket(r.Context(), p.MarketID)
		if err != nil {
			continue
		}
		// YES marks at the last trade price, NO at its complement.
		// An untraded market marks both outcomes at 50.
		yesPrice := market.LastPrice
		if yesPrice == 0 {
			yesPrice = 50
		}
		price := yesPrice
		if p.Outcome == model.OutcomeNo {
			price = model.SettlementPayout - yesPrice
		}
		value := p.Shares * price
		totalCents += value

		resp.Positions = append(resp.Positions, PortfolioPosition{
			MarketID: p.MarketID,
			Ticker:   market.Ticker,
			Question: market.Question,
			Outcome:  p.Outcome,
			Shares:   p.Shares,
			Price:    price,
			Value:    centsToDollars(value),
		})
	}

	resp.TotalValue = centsToDollars(totalCents)
	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

// centsToDollars converts integer cents to a dollar decimal.
func centsToDollars(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// dollarsToCents converts a dollar decimal to integer cents, rejecting
// amounts with sub-cent precision or non-positive values.
func dollarsToCents(d decimal.Decimal) (int64, bool) {
	cents := d.Mul(decimal.NewFromInt(100))
	if !cents.IsInteger() || !cents.IsPositive() {
		return 0, false
	}
	return cents.IntPart(), true
}

// statusFor maps engine/ledger/store errors to HTTP status codes.
// Recoverable rejections are 4xx; internal inconsistencies are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidOrder),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrMarketNotFound),
		errors.Is(err, book.ErrOrderNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientShares),
		errors.Is(err, ledger.ErrAccountHalted),
		errors.Is(err, engine.ErrMarketClosed),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrDuplicateMarket),
		errors.Is(err, book.ErrDuplicateOrder),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// rejectReason labels a rejection for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, engine.ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, ledger.ErrAccountHalted):
		return "account_halted"
	default:
		return "other"
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
