package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stanx/exchange-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. All amounts are BIGINT cents and shares; orders carry their
// per-market intake sequence so the log can be replayed in order.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS markets (
	id              TEXT PRIMARY KEY,
	ticker          TEXT UNIQUE NOT NULL,
	question        TEXT NOT NULL,
	category        TEXT NOT NULL,
	resolution      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	winning_outcome TEXT NOT NULL DEFAULT '',
	last_price      BIGINT NOT NULL DEFAULT 0,
	volume          BIGINT NOT NULL DEFAULT 0,
	closes_at       TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	market_id   TEXT NOT NULL REFERENCES markets(id),
	account_id  TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	side        TEXT NOT NULL,
	order_type  TEXT NOT NULL,
	limit_price BIGINT NOT NULL DEFAULT 0,
	size        BIGINT NOT NULL,
	filled_size BIGINT NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	sequence    BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (market_id, sequence)
);

CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	market_id      TEXT NOT NULL REFERENCES markets(id),
	outcome        TEXT NOT NULL,
	maker_order_id TEXT NOT NULL,
	taker_order_id TEXT NOT NULL,
	buyer_id       TEXT NOT NULL,
	seller_id      TEXT NOT NULL,
	price          BIGINT NOT NULL,
	size           BIGINT NOT NULL,
	sequence       BIGINT NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL,
	UNIQUE (market_id, sequence)
);

CREATE TABLE IF NOT EXISTS settlements (
	id              TEXT PRIMARY KEY,
	market_id       TEXT UNIQUE NOT NULL REFERENCES markets(id),
	winning_outcome TEXT NOT NULL,
	total_payout    BIGINT NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_market ON orders(market_id, sequence);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id, sequence);
CREATE INDEX IF NOT EXISTS idx_trades_buyer  ON trades(buyer_id);
CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades(seller_id);
`

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, ticker, question, category, resolution, status, winning_outcome, last_price, volume, closes_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.Ticker, m.Question, m.Category, m.ResolutionCriteria,
		string(m.Status), string(m.WinningOutcome), m.LastPrice, m.Volume,
		m.ClosesAt, m.CreatedAt,
	)
	return err
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var status, winner string
	err := row.Scan(&m.ID, &m.Ticker, &m.Question, &m.Category, &m.ResolutionCriteria,
		&status, &winner, &m.LastPrice, &m.Volume, &m.ClosesAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = model.MarketStatus(status)
	m.WinningOutcome = model.Outcome(winner)
	return &m, nil
}

const marketColumns = `id, ticker, question, category, resolution, status, winning_outcome, last_price, volume, closes_at, created_at`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE ticker = $1`, ticker))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: ticker %s", ErrNotFound, ticker)
	}
	if err != nil {
		return nil, fmt.Errorf("get market by ticker %s: %w", ticker, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketState(ctx context.Context, id string, status model.MarketStatus, lastPrice, volume int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, last_price = $3, volume = $4 WHERE id = $1`,
		id, string(status), lastPrice, volume,
	)
	return err
}

func (s *PostgresStore) SetMarketOutcome(ctx context.Context, id string, winner model.Outcome) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET winning_outcome = $2 WHERE id = $1`,
		id, string(winner),
	)
	return err
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, market_id, account_id, outcome, side, order_type, limit_price, size, filled_size, status, sequence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.MarketID, o.AccountID, string(o.Outcome), string(o.Side), string(o.Type),
		o.LimitPrice, o.Size, o.FilledSize, string(o.Status), o.Sequence, o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET filled_size = $2, status = $3 WHERE id = $1`,
		o.ID, o.FilledSize, string(o.Status),
	)
	return err
}

const orderColumns = `id, market_id, account_id, outcome, side, order_type, limit_price, size, filled_size, status, sequence, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var outcome, side, typ, status string
	err := row.Scan(&o.ID, &o.MarketID, &o.AccountID, &outcome, &side, &typ,
		&o.LimitPrice, &o.Size, &o.FilledSize, &status, &o.Sequence, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.Outcome = model.Outcome(outcome)
	o.Side = model.Side(side)
	o.Type = model.OrderType(typ)
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE market_id = $1 ORDER BY sequence`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, market_id, outcome, maker_order_id, taker_order_id, buyer_id, seller_id, price, size, sequence, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.MarketID, string(t.Outcome), t.MakerOrderID, t.TakerOrderID,
		t.BuyerID, t.SellerID, t.Price, t.Size, t.Sequence, t.Timestamp,
	)
	return err
}

const tradeColumns = `id, market_id, outcome, maker_order_id, taker_order_id, buyer_id, seller_id, price, size, sequence, timestamp`

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var outcome string
		if err := rows.Scan(&t.ID, &t.MarketID, &outcome, &t.MakerOrderID, &t.TakerOrderID,
			&t.BuyerID, &t.SellerID, &t.Price, &t.Size, &t.Sequence, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Outcome = model.Outcome(outcome)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE market_id = $1 ORDER BY sequence`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY timestamp`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) InsertSettlement(ctx context.Context, e *model.SettlementEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (id, market_id, winning_outcome, total_payout, timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.MarketID, string(e.WinningOutcome), e.TotalPayout, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetSettlement(ctx context.Context, marketID string) (*model.SettlementEvent, error) {
	var e model.SettlementEvent
	var winner string
	err := s.pool.QueryRow(ctx,
		`SELECT id, market_id, winning_outcome, total_payout, timestamp
		 FROM settlements WHERE market_id = $1`, marketID).
		Scan(&e.ID, &e.MarketID, &winner, &e.TotalPayout, &e.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: settlement for market %s", ErrNotFound, marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", marketID, err)
	}
	return &e, nil
}
