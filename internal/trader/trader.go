// Package trader implements the momentum strategy: one in-memory position
// per watched ticker, flipped or opened whenever the two sides' best prices
// invert with enough edge.
package trader

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akshaygulabrao/akshay-trading-5/internal/bus"
	"github.com/akshaygulabrao/akshay-trading-5/internal/kalshi"
	"github.com/akshaygulabrao/akshay-trading-5/internal/store"
)

// StrategyName scopes rows in the positions table.
const StrategyName = "MomentumBot"

// Exchange is the REST surface the trader needs; *kalshi.Client satisfies
// it, tests inject a fake.
type Exchange interface {
	Balance(ctx context.Context) (int, error)
	Positions(ctx context.Context, ticker string) ([]kalshi.MarketPosition, error)
	CreateOrder(ctx context.Context, req *kalshi.OrderRequest) (*kalshi.Order, error)
}

// Decide returns the order quantity and limit price for a position and a
// pair of best prices. A zero quantity means no trade; the price is only
// meaningful for a non-zero quantity.
//
//	+1 and yes < no  -> -2 at p_no (flip short)
//	-1 and no < yes  -> +2 at p_yes (flip long)
//	 0 and yes < no  -> -1 at p_no (open short)
//	 0 and no < yes  -> +1 at p_yes (open long)
func Decide(posQty, pYes, pNo int) (orderQty, price int) {
	switch {
	case posQty == 1 && pYes < pNo:
		return -2, pNo
	case posQty == -1 && pNo < pYes:
		return 2, pYes
	case posQty == 0 && pYes < pNo:
		return -1, pNo
	case posQty == 0 && pNo < pYes:
		return 1, pYes
	}
	return 0, 0
}

type position struct {
	price   int
	qty     int
	orderID string
}

// Trader consumes orderbook messages off the bus and reconciles its state
// from the exchange on timers.
type Trader struct {
	exchange Exchange
	trades   *store.TradeStore
	bus      bus.Publisher

	tickers  map[string]bool
	maxPrice int
	minEdge  int

	mu        sync.Mutex
	positions map[string]position
	balance   int

	// Per-message latency samples; averaged and logged every 10 messages.
	times []time.Duration
}

func New(exchange Exchange, trades *store.TradeStore, b bus.Publisher, tickers []string, maxPrice, minEdge int) *Trader {
	watch := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		watch[t] = true
	}
	return &Trader{
		exchange:  exchange,
		trades:    trades,
		bus:       b,
		tickers:   watch,
		maxPrice:  maxPrice,
		minEdge:   minEdge,
		positions: make(map[string]position),
	}
}

// SetBus wires the publish target after construction; the bus takes its
// consumers at construction, so one side has to be set late.
func (t *Trader) SetBus(b bus.Publisher) { t.bus = b }

// InitPositions seeds in-memory state from the exchange at startup.
func (t *Trader) InitPositions(ctx context.Context) error {
	for ticker := range t.tickers {
		if err := t.syncTicker(ctx, ticker); err != nil {
			return err
		}
		slog.Info("initialized position", "ticker", ticker)
	}
	return nil
}

// RunPositionSync clobbers the optimistic in-memory view with the
// exchange's every 5 seconds.
func (t *Trader) RunPositionSync(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for tk := range t.tickers {
				if err := t.syncTicker(ctx, tk); err != nil && ctx.Err() == nil {
					slog.Warn("position sync failed", "ticker", tk, "err", err)
				}
			}
		}
	}
}

// RunBalanceSync refreshes the cash balance every second. A failed refresh
// keeps the prior snapshot.
func (t *Trader) RunBalanceSync(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	t.refreshBalance(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.refreshBalance(ctx)
		}
	}
}

func (t *Trader) refreshBalance(ctx context.Context) {
	bal, err := t.exchange.Balance(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("balance refresh failed", "err", err)
		}
		return
	}
	t.mu.Lock()
	t.balance = bal
	t.mu.Unlock()
}

func (t *Trader) syncTicker(ctx context.Context, ticker string) error {
	positions, err := t.exchange.Positions(ctx, ticker)
	if err != nil {
		return err
	}

	qty, price := 0, 0
	if len(positions) > 0 {
		qty = positions[0].Position
		price = positions[0].MarketExposure + positions[0].FeesPaid
	}

	t.mu.Lock()
	t.positions[ticker] = position{price: price, qty: qty}
	t.mu.Unlock()

	if err := t.trades.UpsertPosition(ctx, &store.PositionRow{
		Strategy: StrategyName, Ticker: ticker,
		AvgPriceCents: price, SignedQty: qty,
	}); err != nil {
		slog.Warn("position dump failed", "ticker", ticker, "err", err)
	}

	return t.bus.Publish(ctx, bus.PositionUpdate{Ticker: ticker, Pos: qty})
}

// OnMessage is the bus callback. It does O(1) bookkeeping per orderbook
// message and at most one order POST.
func (t *Trader) OnMessage(ctx context.Context, msg bus.Message) {
	start := time.Now()
	if top, ok := msg.(bus.BookTop); ok {
		t.handleTop(ctx, top)
	}
	t.recordLatency(time.Since(start))
}

func (t *Trader) handleTop(ctx context.Context, top bus.BookTop) {
	if !t.tickers[top.Ticker] {
		return
	}
	if top.Yes == "N/A" || top.No == "N/A" {
		slog.Debug("book incomplete", "ticker", top.Ticker)
		return
	}

	pYes, ok1 := parsePrice(top.Yes)
	pNo, ok2 := parsePrice(top.No)
	if !ok1 || !ok2 {
		return
	}

	if pYes > t.maxPrice || pNo > t.maxPrice {
		slog.Debug("book saturated", "ticker", top.Ticker, "yes", pYes, "no", pNo)
		return
	}
	if abs(pNo-pYes) < t.minEdge {
		slog.Debug("spread too tight", "ticker", top.Ticker, "yes", pYes, "no", pNo)
		return
	}

	t.mu.Lock()
	pos := t.positions[top.Ticker]
	balance := t.balance
	t.mu.Unlock()

	orderQty, price := Decide(pos.qty, pYes, pNo)
	if orderQty == 0 || balance < 100*abs(orderQty) {
		return
	}

	t.submit(ctx, top.Ticker, pos, orderQty, price)
}

func (t *Trader) submit(ctx context.Context, ticker string, pos position, orderQty, price int) {
	side := "yes"
	if orderQty < 0 {
		side = "no"
	}

	req := &kalshi.OrderRequest{
		Ticker:        ticker,
		Action:        "buy",
		Side:          side,
		Type:          "market",
		Count:         abs(orderQty),
		ClientOrderID: uuid.NewString(),
	}
	slog.Info("submitting order",
		"ticker", ticker, "side", side, "count", req.Count, "client_order_id", req.ClientOrderID)

	postCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	order, err := t.exchange.CreateOrder(postCtx, req)

	logRow := store.OrderRow{
		ClientOrderID: req.ClientOrderID,
		SubmittedAt:   time.Now(),
		Ticker:        ticker,
		Action:        req.Action,
		Side:          side,
		Type:          req.Type,
		Count:         req.Count,
	}

	if err != nil {
		// Rejected: in-memory position stays as it was.
		logRow.Status = "error"
		if dbErr := t.trades.InsertOrder(ctx, &logRow); dbErr != nil {
			slog.Warn("order log failed", "err", dbErr)
		}
		slog.Error("order rejected", "ticker", ticker, "client_order_id", req.ClientOrderID, "err", err)
		return
	}

	logRow.Status = order.Status
	if dbErr := t.trades.InsertOrder(ctx, &logRow); dbErr != nil {
		slog.Warn("order log failed", "err", dbErr)
	}

	// Optimistic: assume the market order fills; the next reconciliation
	// supersedes this view.
	newQty := pos.qty + orderQty
	t.mu.Lock()
	t.positions[ticker] = position{price: price, qty: newQty, orderID: order.OrderID}
	t.mu.Unlock()

	if err := t.trades.UpsertPosition(ctx, &store.PositionRow{
		Strategy: StrategyName, Ticker: ticker,
		AvgPriceCents: price, SignedQty: newQty, OrderID: order.OrderID,
	}); err != nil {
		slog.Warn("position dump failed", "ticker", ticker, "err", err)
	}

	if err := t.bus.Publish(ctx, bus.PositionUpdate{Ticker: ticker, Pos: newQty}); err != nil && ctx.Err() == nil {
		slog.Error("position update publish failed", "err", err)
	}
}

// Position returns the in-memory signed quantity for a ticker.
func (t *Trader) Position(ticker string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positions[ticker].qty
}

func (t *Trader) recordLatency(d time.Duration) {
	t.times = append(t.times, d)
	if len(t.times) >= 10 {
		var sum time.Duration
		for _, v := range t.times {
			sum += v
		}
		slog.Info("trader message latency", "avg", sum/time.Duration(len(t.times)), "n", len(t.times))
		t.times = t.times[:0]
	}
}

// parsePrice extracts P from a "P@Q" top-of-book string.
func parsePrice(s string) (int, bool) {
	i := strings.IndexByte(s, '@')
	if i < 0 {
		return 0, false
	}
	p, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, false
	}
	return p, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
