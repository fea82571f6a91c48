package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akshaygulabrao/akshay-trading-5/internal/bus"
	"github.com/akshaygulabrao/akshay-trading-5/internal/config"
	"github.com/akshaygulabrao/akshay-trading-5/internal/feed"
	"github.com/akshaygulabrao/akshay-trading-5/internal/gateway"
	"github.com/akshaygulabrao/akshay-trading-5/internal/kalshi"
	"github.com/akshaygulabrao/akshay-trading-5/internal/store"
	"github.com/akshaygulabrao/akshay-trading-5/internal/trader"
	"github.com/akshaygulabrao/akshay-trading-5/internal/weather"
)

func main() {
	allSites := flag.Bool("all-sites", false, "track all seven stations instead of NY only")
	debug := flag.Bool("debug", false, "enable debug logging")
	addr := flag.String("addr", "", "subscriber gateway bind address (overrides LISTEN_ADDR)")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	sites := weather.ActiveSites(*allSites)
	series := weather.SeriesTickers(sites)

	slog.Info("trading engine starting",
		"series", series,
		"addr", cfg.ListenAddr,
		"trader_tickers", len(cfg.TraderTickers),
	)

	privKey, err := kalshi.LoadPrivateKey(cfg.KeyFilePath)
	if err != nil {
		slog.Error("loading kalshi key", "err", err)
		os.Exit(1)
	}

	client, err := kalshi.NewClient(cfg.KeyID, privKey, cfg.RESTBaseURL())
	if err != nil {
		slog.Error("kalshi client init failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Verify auth with a balance check (retry with backoff for maintenance
	// windows).
	const maxAuthAttempts = 5
	var balance int
	for attempt := 1; attempt <= maxAuthAttempts; attempt++ {
		balance, err = client.Balance(ctx)
		if err == nil {
			break
		}
		if attempt == maxAuthAttempts {
			slog.Error("auth check failed after retries", "err", err, "attempts", attempt)
			os.Exit(1)
		}
		backoff := time.Duration(attempt*attempt) * 15 * time.Second
		slog.Warn("auth check failed, retrying", "err", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			slog.Error("shutdown during auth retry")
			os.Exit(1)
		case <-time.After(backoff):
		}
	}
	slog.Info("authenticated", "balance", fmt.Sprintf("$%.2f", float64(balance)/100.0))

	// Stores: opened here, closed in reverse order on the way out.
	events, err := store.OpenEvents(cfg.OrderbookDBPath)
	if err != nil {
		slog.Error("orderbook store init failed", "err", err)
		os.Exit(1)
	}
	defer events.Close()

	sensors, err := store.OpenSensor(cfg.WeatherDBPath)
	if err != nil {
		slog.Error("weather store init failed", "err", err)
		os.Exit(1)
	}
	defer sensors.Close()

	forecasts, err := store.OpenForecast(cfg.ForecastDBPath)
	if err != nil {
		slog.Error("forecast store init failed", "err", err)
		os.Exit(1)
	}
	defer forecasts.Close()

	trades, err := store.OpenTrades(cfg.OrdersDBPath)
	if err != nil {
		slog.Error("trade store init failed", "err", err)
		os.Exit(1)
	}
	defer trades.Close()

	momentum := trader.New(client, trades, nil, cfg.TraderTickers, cfg.TraderMaxPrice, cfg.TraderMinEdge)
	broadcast := bus.New(10_000, momentum)
	momentum.SetBus(broadcast)

	bookFeed := feed.New(client, cfg.WSURL(), series, events, broadcast, cfg.ResubscribeInterval)
	sensorPoll := weather.NewSensorPoll(sites, cfg.SynopticToken, sensors, broadcast)
	forecastPoll := weather.NewForecastPoll(sites, forecasts, broadcast, cfg.ForecastPollInterval)
	gw := gateway.New(cfg.ListenAddr, broadcast, bookFeed)

	if err := momentum.InitPositions(ctx); err != nil {
		slog.Error("initializing positions", "err", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broadcast.Run(ctx) })
	g.Go(func() error { return bookFeed.Run(ctx) })
	g.Go(func() error { return sensorPoll.Run(ctx) })
	g.Go(func() error { return forecastPoll.Run(ctx) })
	g.Go(func() error { return gw.Run(ctx) })
	g.Go(func() error { return momentum.RunPositionSync(ctx) })
	g.Go(func() error { return momentum.RunBalanceSync(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("engine error", "err", err)
		os.Exit(1)
	}

	slog.Info("engine stopped")
}
