package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshaygulabrao/akshay-trading-5/internal/bus"
)

type fakeFeed struct {
	nudges int
}

func (f *fakeFeed) Resubscribe() { f.nudges++ }

func TestSubscriberReceivesBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(16)
	go b.Run(ctx)

	feed := &fakeFeed{}
	g := New(":0", b, feed)

	srv := httptest.NewServer(http.HandlerFunc(g.handleWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The new connection nudges the feed for fresh snapshots.
	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, feed.nudges)

	require.NoError(t, b.Publish(ctx, bus.BookTop{Ticker: "T", Yes: "60@7", No: "45@10"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string `json:"type"`
		Data struct {
			Ticker string `json:"ticker"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "orderbook", msg.Type)
	assert.Equal(t, "T", msg.Data.Ticker)
}

func TestInboundFramesIgnoredAndCloseDetaches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(16)
	go b.Run(ctx)

	g := New(":0", b, nil)
	srv := httptest.NewServer(http.HandlerFunc(g.handleWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	// Inbound frames are discarded without effect.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":1}`)))
	assert.Equal(t, 1, b.SubscriberCount())

	conn.Close()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}
