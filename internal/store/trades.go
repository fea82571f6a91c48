package store

import (
	"context"
	"database/sql"
	"time"
)

const tradesDDL = `
CREATE TABLE IF NOT EXISTS positions (
	strategy         TEXT NOT NULL,
	ticker           TEXT NOT NULL,
	avg_price_cents  INTEGER NOT NULL DEFAULT 0,
	signed_qty       INTEGER NOT NULL DEFAULT 0,
	order_id         TEXT NOT NULL DEFAULT '',
	UNIQUE(strategy, ticker)
);

CREATE TABLE IF NOT EXISTS orders (
	client_order_id  TEXT PRIMARY KEY,
	submitted_at     TEXT NOT NULL,
	ticker           TEXT NOT NULL,
	action           TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	count            INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_orders_ticker ON orders(ticker);
CREATE INDEX IF NOT EXISTS idx_orders_submitted ON orders(submitted_at);
`

// PositionRow is the inspection dump of a strategy's per-ticker position.
// The trader's in-memory state is authoritative; this table is not read back
// for decisions.
type PositionRow struct {
	Strategy      string
	Ticker        string
	AvgPriceCents int
	SignedQty     int
	OrderID       string
}

// OrderRow records one order submission, accepted or rejected.
type OrderRow struct {
	ClientOrderID string
	SubmittedAt   time.Time
	Ticker        string
	Action        string
	Side          string
	Type          string
	Count         int
	Status        string
}

// TradeStore is the trader's persistence: position dumps and the order
// submission log.
type TradeStore struct {
	db *sql.DB
}

func OpenTrades(path string) (*TradeStore, error) {
	db, err := open(path, tradesDDL)
	if err != nil {
		return nil, err
	}
	return &TradeStore{db: db}, nil
}

func (s *TradeStore) Close() error { return s.db.Close() }

func (s *TradeStore) UpsertPosition(ctx context.Context, p *PositionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (strategy, ticker, avg_price_cents, signed_qty, order_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(strategy, ticker) DO UPDATE SET
			avg_price_cents = excluded.avg_price_cents,
			signed_qty = excluded.signed_qty,
			order_id = excluded.order_id`,
		p.Strategy, p.Ticker, p.AvgPriceCents, p.SignedQty, p.OrderID,
	)
	return err
}

func (s *TradeStore) InsertOrder(ctx context.Context, o *OrderRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO orders
		(client_order_id, submitted_at, ticker, action, side, type, count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ClientOrderID, UTCMicro(o.SubmittedAt), o.Ticker,
		o.Action, o.Side, o.Type, o.Count, o.Status,
	)
	return err
}

func (s *TradeStore) GetPosition(ctx context.Context, strategy, ticker string) (*PositionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT strategy, ticker, avg_price_cents, signed_qty, order_id
		FROM positions WHERE strategy = ? AND ticker = ?`, strategy, ticker)

	var p PositionRow
	if err := row.Scan(&p.Strategy, &p.Ticker, &p.AvgPriceCents, &p.SignedQty, &p.OrderID); err != nil {
		return nil, err
	}
	return &p, nil
}
