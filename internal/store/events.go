package store

import (
	"context"
	"database/sql"
	"time"
)

const eventsDDL = `
CREATE TABLE IF NOT EXISTS orderbook_events (
	ts_micro        TEXT,
	exch_ts_micro   TEXT,
	seq_num         BIGINT,
	ticker          TEXT,
	side            SMALLINT,
	price           BIGINT,
	signed_qty      BIGINT,
	is_delta        BOOLEAN
);

CREATE INDEX IF NOT EXISTS idx_events_ticker ON orderbook_events(ticker);
`

// BookEvent is one persisted price-level change. Side is +1 for yes,
// -1 for no. Snapshots expand to one row per level with IsDelta false.
type BookEvent struct {
	ReceivedAt time.Time
	ExchangeTS string
	Seq        int64
	Ticker     string
	Side       int
	Price      int
	SignedQty  int
	IsDelta    bool
}

// EventStore is the append-only orderbook event log.
type EventStore struct {
	db *sql.DB
}

func OpenEvents(path string) (*EventStore, error) {
	db, err := open(path, eventsDDL)
	if err != nil {
		return nil, err
	}
	return &EventStore{db: db}, nil
}

func (s *EventStore) Close() error { return s.db.Close() }

const insertEventSQL = `
	INSERT INTO orderbook_events
	(ts_micro, exch_ts_micro, seq_num, ticker, side, price, signed_qty, is_delta)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (s *EventStore) Insert(ctx context.Context, e *BookEvent) error {
	_, err := s.db.ExecContext(ctx, insertEventSQL,
		UTCMicro(e.ReceivedAt), e.ExchangeTS, e.Seq, e.Ticker,
		e.Side, e.Price, e.SignedQty, e.IsDelta,
	)
	return err
}

// Events returns a ticker's rows ordered by (seq_num, ts_micro) — the
// replay order.
func (s *EventStore) Events(ctx context.Context, ticker string) ([]BookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts_micro, exch_ts_micro, seq_num, ticker, side, price, signed_qty, is_delta
		FROM orderbook_events WHERE ticker = ?
		ORDER BY seq_num, ts_micro`, ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BookEvent
	for rows.Next() {
		var e BookEvent
		var ts string
		if err := rows.Scan(&ts, &e.ExchangeTS, &e.Seq, &e.Ticker,
			&e.Side, &e.Price, &e.SignedQty, &e.IsDelta); err != nil {
			return nil, err
		}
		e.ReceivedAt, _ = time.Parse("2006-01-02T15:04:05.000000-07:00", ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertBatch writes a snapshot's level rows in one transaction.
func (s *EventStore) InsertBatch(ctx context.Context, events []BookEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		if _, err := stmt.ExecContext(ctx,
			UTCMicro(e.ReceivedAt), e.ExchangeTS, e.Seq, e.Ticker,
			e.Side, e.Price, e.SignedQty, e.IsDelta,
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
