package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSensorDedup(t *testing.T) {
	s, err := OpenSensor(filepath.Join(t.TempDir(), "weather.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	first := []Observation{
		{Station: "KNYC", ObservationTime: "2025-07-04T13:51:00-0400", AirTemp: 88},
		{Station: "KNYC", ObservationTime: "2025-07-04T14:51:00-0400", AirTemp: 89},
	}
	require.NoError(t, s.InsertBatch(ctx, time.Now(), first))

	// Second poll overlaps the first and adds one new observation.
	second := []Observation{
		{Station: "KNYC", ObservationTime: "2025-07-04T14:51:00-0400", AirTemp: 89},
		{Station: "KNYC", ObservationTime: "2025-07-04T15:51:00-0400", AirTemp: 90},
	}
	require.NoError(t, s.InsertBatch(ctx, time.Now(), second))

	n, err := s.CountStation(ctx, "KNYC")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestForecastDedupKeyIncludesIdx(t *testing.T) {
	s, err := OpenForecast(filepath.Join(t.TempDir(), "forecast.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	rows := []Observation{
		{Idx: 0, Station: "KNYC", ObservationTime: "2025-07-04T15:00:00-04:00", AirTemp: 90},
		{Idx: 1, Station: "KNYC", ObservationTime: "2025-07-04T16:00:00-04:00", AirTemp: 91},
	}
	require.NoError(t, s.InsertBatch(ctx, time.Now(), rows))
	// Re-inserting the identical horizon is a no-op.
	require.NoError(t, s.InsertBatch(ctx, time.Now(), rows))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM forecast`).Scan(&n))
	assert.Equal(t, 2, n)

	// The same (station, observation_time) at another horizon position is a
	// distinct row.
	require.NoError(t, s.InsertBatch(ctx, time.Now(), []Observation{
		{Idx: 5, Station: "KNYC", ObservationTime: "2025-07-04T15:00:00-04:00", AirTemp: 90},
	}))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM forecast`).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestPositionsUpsert(t *testing.T) {
	s, err := OpenTrades(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.UpsertPosition(ctx, &PositionRow{
		Strategy: "MomentumBot", Ticker: "T", AvgPriceCents: 80, SignedQty: 1, OrderID: "a",
	}))
	require.NoError(t, s.UpsertPosition(ctx, &PositionRow{
		Strategy: "MomentumBot", Ticker: "T", AvgPriceCents: 10, SignedQty: -1, OrderID: "b",
	}))

	p, err := s.GetPosition(ctx, "MomentumBot", "T")
	require.NoError(t, err)
	assert.Equal(t, -1, p.SignedQty)
	assert.Equal(t, 10, p.AvgPriceCents)
	assert.Equal(t, "b", p.OrderID)
}

func TestOrderLogIgnoresDuplicateClientID(t *testing.T) {
	s, err := OpenTrades(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	row := &OrderRow{
		ClientOrderID: "uuid-1", SubmittedAt: time.Now(), Ticker: "T",
		Action: "buy", Side: "yes", Type: "market", Count: 1, Status: "executed",
	}
	require.NoError(t, s.InsertOrder(ctx, row))
	require.NoError(t, s.InsertOrder(ctx, row))
}

func TestEventInsertAndBatch(t *testing.T) {
	s, err := OpenEvents(filepath.Join(t.TempDir(), "orderbook.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Now()
	batch := []BookEvent{
		{ReceivedAt: now, Seq: 1, Ticker: "T", Side: 1, Price: 55, SignedQty: 10},
		{ReceivedAt: now, Seq: 1, Ticker: "T", Side: -1, Price: 40, SignedQty: 7},
	}
	require.NoError(t, s.InsertBatch(ctx, batch))
	require.NoError(t, s.Insert(ctx, &BookEvent{
		ReceivedAt: now, ExchangeTS: "1751650000000", Seq: 2,
		Ticker: "T", Side: 1, Price: 55, SignedQty: -3, IsDelta: true,
	}))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM orderbook_events WHERE ticker='T'`).Scan(&n))
	assert.Equal(t, 3, n)

	var delta bool
	require.NoError(t, s.db.QueryRow(
		`SELECT is_delta FROM orderbook_events WHERE seq_num=2`).Scan(&delta))
	assert.True(t, delta)
}

func TestUTCMicroFormat(t *testing.T) {
	ts := time.Date(2025, 7, 4, 17, 51, 0, 123456000, time.FixedZone("EDT", -4*3600))
	assert.Equal(t, "2025-07-04T21:51:00.123456+00:00", UTCMicro(ts))
}
