// Package feed maintains the authenticated Kalshi WebSocket connection and
// owns all order book mutation. Every frame is applied, persisted, and
// broadcast before the next frame is read.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akshaygulabrao/akshay-trading-5/internal/book"
	"github.com/akshaygulabrao/akshay-trading-5/internal/bus"
	"github.com/akshaygulabrao/akshay-trading-5/internal/kalshi"
	"github.com/akshaygulabrao/akshay-trading-5/internal/store"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 60 * time.Second
	unsubAckWait   = 5 * time.Second
)

// BookFeed subscribes to the orderbook_delta, market_lifecycle_v2, and
// market_positions channels for every open market in its series list.
type BookFeed struct {
	client *kalshi.Client
	wsURL  string
	series []string

	books  *book.Registry
	events *store.EventStore
	bus    bus.Publisher

	resubInterval time.Duration
	resubCh       chan struct{}

	// Connection-scoped state. writeMu serializes control writes from the
	// resubscribe goroutine against each other; the read loop never writes.
	writeMu      sync.Mutex
	conn         *websocket.Conn
	tickers      []string
	orderbookSID int
	cmdID        int64
	unsubAck     chan struct{}
}

func New(client *kalshi.Client, wsURL string, series []string, events *store.EventStore, b bus.Publisher, resubInterval time.Duration) *BookFeed {
	return &BookFeed{
		client:        client,
		wsURL:         wsURL,
		series:        series,
		books:         book.NewRegistry(),
		events:        events,
		bus:           b,
		resubInterval: resubInterval,
		resubCh:       make(chan struct{}, 1),
	}
}

// Resubscribe nudges the feed to refresh its ticker set and resend
// snapshots. Safe to call from any goroutine; coalesces repeated nudges.
func (f *BookFeed) Resubscribe() {
	select {
	case f.resubCh <- struct{}{}:
	default:
	}
}

// Run connects and processes messages until cancelled, reconnecting with
// exponential backoff (1s doubling to 60s, reset after a successful
// connect).
func (f *BookFeed) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		connected, err := f.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("book feed disconnected", "err", err)
		}
		if connected {
			backoff = initialBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		slog.Info("book feed reconnecting")
	}
}

// connect dials, subscribes, and runs the read loop for one session. The
// bool reports whether the subscribe handshake was reached (resets backoff).
func (f *BookFeed) connect(ctx context.Context) (bool, error) {
	tickers, err := f.fetchTickers(ctx)
	if err != nil {
		return false, fmt.Errorf("fetching tickers: %w", err)
	}

	conn, err := f.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.writeMu.Lock()
	f.conn = conn
	f.tickers = tickers
	f.orderbookSID = 0
	f.unsubAck = make(chan struct{}, 1)
	err = f.subscribeLocked()
	f.writeMu.Unlock()
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	slog.Info("book feed connected", "tickers", len(tickers))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.resubscribeLoop(sessionCtx, conn)

	return true, f.readLoop(sessionCtx, conn)
}

func (f *BookFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	headers, err := kalshi.AuthHeaders(f.client.KeyID(), f.client.PrivateKey(), "GET", "/trade-api/ws/v2")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, headers)
	if err != nil {
		return nil, err
	}

	// Kalshi pings every ~10s; refresh the read deadline on traffic.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	return conn, nil
}

// fetchTickers lists every open market across the configured series.
func (f *BookFeed) fetchTickers(ctx context.Context) ([]string, error) {
	var tickers []string
	for _, series := range f.series {
		markets, err := f.client.Markets(ctx, series, "open")
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", series, err)
		}
		for _, m := range markets {
			tickers = append(tickers, m.Ticker)
		}
	}
	return tickers, nil
}

// --- WS frame types ---

type wsCommand struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params"`
}

type subscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

type unsubscribeParams struct {
	SIDs          []int    `json:"sids"`
	MarketTickers []string `json:"market_tickers"`
	Action        string   `json:"action"`
}

type wsEnvelope struct {
	Type string          `json:"type"`
	SID  int             `json:"sid,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg"`
}

type snapshotMsg struct {
	MarketTicker string   `json:"market_ticker"`
	Yes          [][2]int `json:"yes"`
	No           [][2]int `json:"no"`
}

type deltaMsg struct {
	MarketTicker string `json:"market_ticker"`
	Side         string `json:"side"`
	Price        int    `json:"price"`
	Delta        int    `json:"delta"`
	TS           int64  `json:"ts"`
}

type subscribedMsg struct {
	Channel string `json:"channel"`
	SID     int    `json:"sid"`
}

// --- Subscription management ---

// subscribeLocked issues the three subscribe commands. Caller holds writeMu.
func (f *BookFeed) subscribeLocked() error {
	cmds := []wsCommand{
		{Cmd: "subscribe", Params: subscribeParams{
			Channels:      []string{"orderbook_delta"},
			MarketTickers: f.tickers,
		}},
		{Cmd: "subscribe", Params: subscribeParams{Channels: []string{"market_lifecycle_v2"}}},
		{Cmd: "subscribe", Params: subscribeParams{Channels: []string{"market_positions"}}},
	}
	for i := range cmds {
		f.cmdID++
		cmds[i].ID = f.cmdID
		f.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := f.conn.WriteJSON(cmds[i]); err != nil {
			return err
		}
	}
	f.conn.SetWriteDeadline(time.Time{})
	return nil
}

// resubscribeLoop refreshes the ticker set on the heartbeat interval and on
// explicit Resubscribe nudges.
func (f *BookFeed) resubscribeLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.resubInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.resubCh:
		}
		if err := f.resubscribe(ctx, conn); err != nil {
			slog.Warn("resubscribe failed", "err", err)
		}
	}
}

// resubscribe unsubscribes the orderbook channel, awaits the ack (bounded),
// refreshes the ticker set, and subscribes again. The exchange answers a
// fresh subscribe with snapshots for every market.
func (f *BookFeed) resubscribe(ctx context.Context, conn *websocket.Conn) error {
	f.writeMu.Lock()
	sid := f.orderbookSID
	old := f.tickers
	ack := f.unsubAck
	f.writeMu.Unlock()

	if sid != 0 {
		f.writeMu.Lock()
		f.cmdID++
		cmd := wsCommand{
			ID:  f.cmdID,
			Cmd: "unsubscribe",
			Params: unsubscribeParams{
				SIDs:          []int{sid},
				MarketTickers: old,
				Action:        "remove",
			},
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteJSON(cmd)
		conn.SetWriteDeadline(time.Time{})
		f.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}

		select {
		case <-ack:
		case <-time.After(unsubAckWait):
			slog.Warn("unsubscribe ack timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	tickers, err := f.fetchTickers(ctx)
	if err != nil {
		return fmt.Errorf("fetching tickers: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.tickers = tickers
	f.orderbookSID = 0
	f.cmdID++
	cmd := wsCommand{
		ID:  f.cmdID,
		Cmd: "subscribe",
		Params: subscribeParams{
			Channels:      []string{"orderbook_delta"},
			MarketTickers: tickers,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = conn.WriteJSON(cmd)
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	slog.Info("resubscribed", "tickers", len(tickers))
	return nil
}

// --- Read loop ---

func (f *BookFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		f.handleFrame(ctx, raw, time.Now())
	}
}

// handleFrame applies one inbound frame: the book mutation and the event
// rows (snapshots mutate first, deltas persist first), then the broadcast,
// all before the caller reads the next frame.
func (f *BookFeed) handleFrame(ctx context.Context, raw []byte, receivedAt time.Time) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("book feed: bad frame", "err", err)
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		f.handleSnapshot(ctx, &env, receivedAt)
	case "orderbook_delta":
		f.handleDelta(ctx, &env, receivedAt)
	case "subscribed":
		f.handleSubscribed(&env)
	case "unsubscribed":
		f.signalUnsubscribed()
	case "market_lifecycle_v2", "market_positions":
		slog.Debug("book feed event", "type", env.Type, "msg", string(env.Msg))
	case "error":
		slog.Warn("book feed: exchange error", "msg", string(env.Msg))
	default:
		slog.Debug("book feed: unknown message type", "type", env.Type)
	}
}

func (f *BookFeed) handleSnapshot(ctx context.Context, env *wsEnvelope, receivedAt time.Time) {
	var snap snapshotMsg
	if err := json.Unmarshal(env.Msg, &snap); err != nil {
		slog.Warn("book feed: bad snapshot", "err", err)
		return
	}

	b := f.books.ApplySnapshot(snap.MarketTicker, snap.Yes, snap.No)

	events := make([]store.BookEvent, 0, len(snap.Yes)+len(snap.No))
	for _, lvl := range snap.Yes {
		events = append(events, store.BookEvent{
			ReceivedAt: receivedAt, Seq: env.Seq, Ticker: snap.MarketTicker,
			Side: 1, Price: lvl[0], SignedQty: lvl[1], IsDelta: false,
		})
	}
	for _, lvl := range snap.No {
		events = append(events, store.BookEvent{
			ReceivedAt: receivedAt, Seq: env.Seq, Ticker: snap.MarketTicker,
			Side: -1, Price: lvl[0], SignedQty: lvl[1], IsDelta: false,
		})
	}
	if err := f.events.InsertBatch(ctx, events); err != nil {
		slog.Error("book feed: snapshot insert failed", "ticker", snap.MarketTicker, "err", err)
	}

	f.publishTop(ctx, snap.MarketTicker, b)
}

func (f *BookFeed) handleDelta(ctx context.Context, env *wsEnvelope, receivedAt time.Time) {
	var d deltaMsg
	if err := json.Unmarshal(env.Msg, &d); err != nil {
		slog.Warn("book feed: bad delta", "err", err)
		return
	}

	side := 1
	if d.Side != "yes" {
		side = -1
	}
	event := store.BookEvent{
		ReceivedAt: receivedAt,
		ExchangeTS: strconv.FormatInt(d.TS, 10),
		Seq:        env.Seq,
		Ticker:     d.MarketTicker,
		Side:       side,
		Price:      d.Price,
		SignedQty:  d.Delta,
		IsDelta:    true,
	}
	if err := f.events.Insert(ctx, &event); err != nil {
		slog.Error("book feed: delta insert failed", "ticker", d.MarketTicker, "err", err)
	}

	b, known := f.books.ApplyDelta(d.MarketTicker, d.Side, d.Price, d.Delta)
	if !known {
		// A delta before the first snapshot (e.g. right after reconnect)
		// is dropped; the next snapshot re-establishes state.
		slog.Warn("book feed: delta for unknown ticker", "ticker", d.MarketTicker)
		return
	}

	f.publishTop(ctx, d.MarketTicker, b)
}

func (f *BookFeed) publishTop(ctx context.Context, ticker string, b *book.Book) {
	yes, no := b.TopStrings()
	if err := f.bus.Publish(ctx, bus.BookTop{Ticker: ticker, Yes: yes, No: no}); err != nil && ctx.Err() == nil {
		slog.Error("book feed: publish failed", "err", err)
	}
}

func (f *BookFeed) handleSubscribed(env *wsEnvelope) {
	var sub subscribedMsg
	if err := json.Unmarshal(env.Msg, &sub); err != nil {
		slog.Warn("book feed: bad subscribed ack", "err", err)
		return
	}
	if sub.Channel == "orderbook_delta" {
		f.writeMu.Lock()
		f.orderbookSID = sub.SID
		f.writeMu.Unlock()
		slog.Debug("book feed subscribed", "channel", sub.Channel, "sid", sub.SID)
	}
}

func (f *BookFeed) signalUnsubscribed() {
	f.writeMu.Lock()
	ack := f.unsubAck
	f.writeMu.Unlock()
	select {
	case ack <- struct{}{}:
	default:
	}
}
