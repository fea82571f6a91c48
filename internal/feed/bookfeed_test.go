package feed

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshaygulabrao/akshay-trading-5/internal/book"
	"github.com/akshaygulabrao/akshay-trading-5/internal/bus"
	"github.com/akshaygulabrao/akshay-trading-5/internal/store"
)

type fakePublisher struct {
	msgs []bus.Message
}

func (p *fakePublisher) Publish(_ context.Context, msg bus.Message) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

func newTestFeed(t *testing.T) (*BookFeed, *fakePublisher, *store.EventStore) {
	t.Helper()
	events, err := store.OpenEvents(filepath.Join(t.TempDir(), "orderbook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	pub := &fakePublisher{}
	f := New(nil, "", nil, events, pub, time.Minute)
	return f, pub, events
}

func snapshotFrame(ticker string, seq int64, yes, no string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"orderbook_snapshot","sid":7,"seq":%d,"msg":{"market_ticker":%q,"yes":%s,"no":%s}}`,
		seq, ticker, yes, no))
}

func deltaFrame(ticker string, seq int64, side string, price, delta int) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"orderbook_delta","sid":7,"seq":%d,"msg":{"market_ticker":%q,"side":%q,"price":%d,"delta":%d,"ts":1751650000}}`,
		seq, ticker, side, price, delta))
}

func TestSnapshotThenDeltaBroadcast(t *testing.T) {
	f, pub, _ := newTestFeed(t)
	ctx := context.Background()

	f.handleFrame(ctx, snapshotFrame("T", 1, `[[55,10],[60,3]]`, `[[40,7]]`), time.Now())
	f.handleFrame(ctx, deltaFrame("T", 2, "yes", 60, -3), time.Now())

	require.Len(t, pub.msgs, 2)
	last, ok := pub.msgs[1].(bus.BookTop)
	require.True(t, ok)
	assert.Equal(t, bus.BookTop{Ticker: "T", Yes: "60@7", No: "45@10"}, last)
}

func TestDeltaRemovingLastLevel(t *testing.T) {
	f, pub, _ := newTestFeed(t)
	ctx := context.Background()

	f.handleFrame(ctx, snapshotFrame("T", 1, `[[50,2]]`, `[]`), time.Now())
	f.handleFrame(ctx, deltaFrame("T", 2, "yes", 50, -2), time.Now())

	require.Len(t, pub.msgs, 2)
	last := pub.msgs[1].(bus.BookTop)
	assert.Equal(t, "N/A", last.Yes)
	assert.Equal(t, "N/A", last.No)
}

func TestDeltaBeforeSnapshotDropped(t *testing.T) {
	f, pub, events := newTestFeed(t)
	ctx := context.Background()

	f.handleFrame(ctx, deltaFrame("U", 1, "yes", 50, 5), time.Now())

	assert.Empty(t, pub.msgs, "no broadcast for an unknown ticker")
	assert.Equal(t, 0, f.books.Len())

	// The raw event row is still persisted for the log.
	rows, err := events.Events(ctx, "U")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSnapshotPersistsOneRowPerLevel(t *testing.T) {
	f, _, events := newTestFeed(t)
	ctx := context.Background()

	f.handleFrame(ctx, snapshotFrame("T", 3, `[[55,10],[60,3]]`, `[[40,7]]`), time.Now())

	rows, err := events.Events(ctx, "T")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.False(t, r.IsDelta)
		assert.EqualValues(t, 3, r.Seq)
	}
}

// Persisted events, replayed in (seq, ts) order, rebuild the live book.
func TestEventLogReplaysToLiveState(t *testing.T) {
	f, _, events := newTestFeed(t)
	ctx := context.Background()

	base := time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC)
	f.handleFrame(ctx, snapshotFrame("T", 1, `[[55,10],[60,3]]`, `[[40,7]]`), base)
	f.handleFrame(ctx, deltaFrame("T", 2, "yes", 60, -3), base.Add(time.Millisecond))
	f.handleFrame(ctx, deltaFrame("T", 3, "no", 35, 4), base.Add(2*time.Millisecond))
	f.handleFrame(ctx, deltaFrame("T", 4, "no", 40, -7), base.Add(3*time.Millisecond))

	rows, err := events.Events(ctx, "T")
	require.NoError(t, err)

	replayed := &book.Book{}
	var snapYes, snapNo [][2]int
	for _, r := range rows {
		if !r.IsDelta {
			if r.Side == 1 {
				snapYes = append(snapYes, [2]int{r.Price, r.SignedQty})
			} else {
				snapNo = append(snapNo, [2]int{r.Price, r.SignedQty})
			}
			continue
		}
		if snapYes != nil || snapNo != nil {
			replayed.ApplySnapshot(snapYes, snapNo)
			snapYes, snapNo = nil, nil
		}
		side := "no"
		if r.Side == 1 {
			side = "yes"
		}
		replayed.ApplyDelta(side, r.Price, r.SignedQty)
	}

	live, ok := f.books.Get("T")
	require.True(t, ok)
	assert.Equal(t, live, replayed)
}

// A fresh snapshot after reconnect replaces state; the log keeps both.
func TestReconnectSnapshotReplaces(t *testing.T) {
	f, pub, events := newTestFeed(t)
	ctx := context.Background()

	t0 := time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC)
	f.handleFrame(ctx, snapshotFrame("T", 1, `[[50,2]]`, `[]`), t0)
	f.handleFrame(ctx, snapshotFrame("T", 1, `[[61,4]]`, `[[20,1]]`), t0.Add(time.Second))

	last := pub.msgs[len(pub.msgs)-1].(bus.BookTop)
	assert.Equal(t, "80@1", last.Yes) // 100-20 @ 1
	assert.Equal(t, "39@4", last.No)  // 100-61 @ 4

	rows, err := events.Events(ctx, "T")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.NotEqual(t, rows[0].ReceivedAt, rows[len(rows)-1].ReceivedAt)
}

func TestSubscribedAckRecordsSID(t *testing.T) {
	f, _, _ := newTestFeed(t)
	f.unsubAck = make(chan struct{}, 1)

	f.handleFrame(context.Background(),
		[]byte(`{"type":"subscribed","msg":{"channel":"orderbook_delta","sid":42}}`), time.Now())
	assert.Equal(t, 42, f.orderbookSID)

	f.handleFrame(context.Background(),
		[]byte(`{"type":"subscribed","msg":{"channel":"market_positions","sid":43}}`), time.Now())
	assert.Equal(t, 42, f.orderbookSID, "other channels do not disturb the orderbook sid")
}

func TestUnsubscribedSignalsWaiter(t *testing.T) {
	f, _, _ := newTestFeed(t)
	f.unsubAck = make(chan struct{}, 1)

	f.handleFrame(context.Background(), []byte(`{"type":"unsubscribed","msg":{}}`), time.Now())

	select {
	case <-f.unsubAck:
	default:
		t.Fatal("unsubscribe ack was not signalled")
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	f, pub, _ := newTestFeed(t)
	f.handleFrame(context.Background(), []byte(`{not json`), time.Now())
	f.handleFrame(context.Background(), []byte(`{"type":"orderbook_snapshot","msg":"bogus"}`), time.Now())
	assert.Empty(t, pub.msgs)
}
