// Package gateway serves the local subscriber endpoint. Clients connect to
// /ws and receive every broadcast message until their connection drops;
// inbound frames are ignored.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akshaygulabrao/akshay-trading-5/internal/bus"
)

const heartbeatInterval = 25 * time.Second

// Resubscriber is nudged when a new subscriber arrives so the feed resends
// snapshots.
type Resubscriber interface {
	Resubscribe()
}

type Gateway struct {
	addr     string
	bus      *bus.Bus
	feed     Resubscriber
	upgrader websocket.Upgrader
	server   *http.Server
}

func New(addr string, b *bus.Bus, feed Resubscriber) *Gateway {
	g := &Gateway{
		addr: addr,
		bus:  b,
		feed: feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local trusted interface; no origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	g.server = &http.Server{Addr: addr, Handler: mux}
	return g
}

// Run serves until the context is cancelled, then shuts down gracefully.
// It also owns the heartbeat ticker that keeps idle subscriber connections
// alive through proxies.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", g.addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			g.server.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			if g.bus.SubscriberCount() > 0 {
				if err := g.bus.Publish(ctx, bus.Heartbeat{}); err != nil {
					return err
				}
			}
		}
	}
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", "err", err)
		return
	}

	sub := &wsSubscriber{conn: conn}
	g.bus.Attach(sub)
	if g.feed != nil {
		// Cheap nudge so the new client gets fresh snapshots soon.
		g.feed.Resubscribe()
	}

	// Drain (and discard) inbound frames until the connection errors; the
	// read loop is what notices a client going away.
	go func() {
		defer func() {
			g.bus.Detach(sub)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// wsSubscriber adapts one client connection to the bus. The mutex
// serializes data writes on the connection; heartbeats arrive through the
// bus like any other message.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSubscriber) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
