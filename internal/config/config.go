package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	KeyID       string // Kalshi API key id
	KeyFilePath string // path to the RSA private key PEM

	ForecastDBPath  string
	WeatherDBPath   string
	OrderbookDBPath string
	OrdersDBPath    string

	SynopticToken string

	ListenAddr string // subscriber gateway bind address

	TraderTickers  []string // market tickers the trader acts on
	TraderMaxPrice int      // skip books with a best price above this
	TraderMinEdge  int      // minimum |p_no - p_yes| to trade

	ForecastPollInterval time.Duration
	ResubscribeInterval  time.Duration
}

func (c *Config) RESTBaseURL() string {
	return "https://api.elections.kalshi.com/trade-api/v2"
}

func (c *Config) WSURL() string {
	return "wss://api.elections.kalshi.com/trade-api/ws/v2"
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		KeyID:                os.Getenv("PROD_KEYID"),
		KeyFilePath:          os.Getenv("PROD_KEYFILE"),
		ForecastDBPath:       os.Getenv("FORECAST_DB_PATH"),
		WeatherDBPath:        os.Getenv("WEATHER_DB_PATH"),
		OrderbookDBPath:      os.Getenv("ORDERBOOK_DB_PATH"),
		OrdersDBPath:         os.Getenv("ORDERS_DB_PATH"),
		SynopticToken:        getEnvDefault("SYNOPTIC_TOKEN", "7c76618b66c74aee913bdbae4b448bdd"),
		ListenAddr:           getEnvDefault("LISTEN_ADDR", ":8000"),
		TraderMaxPrice:       getEnvInt("TRADER_MAX_PRICE", 97),
		TraderMinEdge:        getEnvInt("TRADER_MIN_EDGE", 66),
		ForecastPollInterval: time.Duration(getEnvInt("FORECAST_POLL_SECONDS", 5)) * time.Second,
		ResubscribeInterval:  time.Duration(getEnvInt("RESUBSCRIBE_SECONDS", 300)) * time.Second,
	}

	if v := os.Getenv("TRADER_TICKERS"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.TraderTickers = append(cfg.TraderTickers, t)
			}
		}
	}

	if cfg.KeyID == "" {
		return nil, fmt.Errorf("PROD_KEYID is required")
	}
	if cfg.KeyFilePath == "" {
		return nil, fmt.Errorf("PROD_KEYFILE is required")
	}
	if _, err := os.Stat(cfg.KeyFilePath); err != nil {
		return nil, fmt.Errorf("PROD_KEYFILE %q: %w", cfg.KeyFilePath, err)
	}

	// DB paths must be set; the files themselves are created on open.
	for _, v := range []struct{ name, val string }{
		{"FORECAST_DB_PATH", cfg.ForecastDBPath},
		{"WEATHER_DB_PATH", cfg.WeatherDBPath},
		{"ORDERBOOK_DB_PATH", cfg.OrderbookDBPath},
		{"ORDERS_DB_PATH", cfg.OrdersDBPath},
	} {
		if v.val == "" {
			return nil, fmt.Errorf("%s is required", v.name)
		}
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
