// Package config holds the runtime configuration wire types and the
// static venue descriptors (endpoints, fees, rate limits).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"arbmon/internal/venue"
)

// BotConfig is the authoritative runtime configuration, stored under the
// bot:config key and broadcast on bot:config:update.
type BotConfig struct {
	Exchanges        []string `json:"exchanges"`
	Symbols          []string `json:"symbols"` // canonical symbols
	MinProfitPercent float64  `json:"minProfitPercent"`
	TradeAmount      float64  `json:"tradeAmount"` // USD per leg
	IsActive         bool     `json:"isActive"`
}

// BotStatus is published under bot:status.
type BotStatus struct {
	IsRunning          bool      `json:"isRunning"`
	ConnectedExchanges []string  `json:"connectedExchanges"`
	Uptime             int64     `json:"uptime"` // unix ms the run started
	Config             BotConfig `json:"config"`
}

// Default returns the built-in configuration used when bot:config is
// absent on startup.
func Default() BotConfig {
	return BotConfig{
		Exchanges:        []string{"binance", "coinbase", "kraken"},
		Symbols:          []string{"BTCUSD", "ETHUSD"},
		MinProfitPercent: 0.1,
		TradeAmount:      1000,
		IsActive:         true,
	}
}

// Validate rejects configurations the manager must not apply.
func (c BotConfig) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("config has no exchanges")
	}
	for _, ex := range c.Exchanges {
		if !venue.Known(venue.ID(ex)) {
			return fmt.Errorf("unknown exchange %q", ex)
		}
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config has no symbols")
	}
	return nil
}

// VenueDescriptor describes one venue's endpoints and fee schedule. Taker
// and maker rates are fractional (0.001 = 10 bps).
type VenueDescriptor struct {
	ID              venue.ID `yaml:"id"`
	DisplayName     string   `yaml:"display_name"`
	WSURL           string   `yaml:"ws_url"`
	RESTURL         string   `yaml:"rest_url"`
	TakerFee        float64  `yaml:"taker_fee"`
	MakerFee        float64  `yaml:"maker_fee"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	Depth           int      `yaml:"depth"`
}

// DefaultVenues returns the compiled-in venue descriptors. Real
// deployments override fees through the venues file.
func DefaultVenues() map[venue.ID]VenueDescriptor {
	return map[venue.ID]VenueDescriptor{
		venue.Binance: {
			ID:              venue.Binance,
			DisplayName:     "Binance",
			WSURL:           "wss://stream.binance.com:9443/ws",
			RESTURL:         "https://api.binance.com",
			TakerFee:        0.001,
			MakerFee:        0.001,
			RateLimitPerMin: 1200,
			Depth:           100,
		},
		venue.Coinbase: {
			ID:              venue.Coinbase,
			DisplayName:     "Coinbase",
			WSURL:           "wss://ws-feed.exchange.coinbase.com",
			RESTURL:         "https://api.exchange.coinbase.com",
			TakerFee:        0.006,
			MakerFee:        0.004,
			RateLimitPerMin: 600,
			Depth:           50,
		},
		venue.Kraken: {
			ID:              venue.Kraken,
			DisplayName:     "Kraken",
			WSURL:           "wss://ws.kraken.com",
			RESTURL:         "https://api.kraken.com",
			TakerFee:        0.0026,
			MakerFee:        0.0016,
			RateLimitPerMin: 60,
			Depth:           100,
		},
		venue.Bybit: {
			ID:              venue.Bybit,
			DisplayName:     "Bybit",
			WSURL:           "wss://stream.bybit.com/v5/public/spot",
			RESTURL:         "https://api.bybit.com",
			TakerFee:        0.001,
			MakerFee:        0.001,
			RateLimitPerMin: 600,
			Depth:           50,
		},
		venue.KuCoin: {
			ID:              venue.KuCoin,
			DisplayName:     "KuCoin",
			WSURL:           "", // endpoint comes from the bullet-public bootstrap
			RESTURL:         "https://api.kucoin.com",
			TakerFee:        0.001,
			MakerFee:        0.001,
			RateLimitPerMin: 600,
			Depth:           100,
		},
		venue.Gemini: {
			ID:              venue.Gemini,
			DisplayName:     "Gemini",
			WSURL:           "wss://api.gemini.com/v1/marketdata",
			RESTURL:         "https://api.gemini.com",
			TakerFee:        0.004,
			MakerFee:        0.002,
			RateLimitPerMin: 120,
			Depth:           50,
		},
	}
}

// DefaultTakerFee applies when a venue is missing from the fee schedule.
const DefaultTakerFee = 0.001

// venuesFile is the YAML shape of the optional venues override file.
type venuesFile struct {
	Venues []VenueDescriptor `yaml:"venues"`
}

// LoadVenues returns the compiled-in descriptors merged with overrides
// from path. An empty path returns the defaults unchanged.
func LoadVenues(path string) (map[venue.ID]VenueDescriptor, error) {
	venues := DefaultVenues()
	if path == "" {
		return venues, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venues file: %w", err)
	}
	var file venuesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse venues file: %w", err)
	}
	for _, override := range file.Venues {
		if !venue.Known(override.ID) {
			return nil, fmt.Errorf("venues file: unknown venue %q", override.ID)
		}
		base := venues[override.ID]
		if override.DisplayName != "" {
			base.DisplayName = override.DisplayName
		}
		if override.WSURL != "" {
			base.WSURL = override.WSURL
		}
		if override.RESTURL != "" {
			base.RESTURL = override.RESTURL
		}
		if override.TakerFee > 0 {
			base.TakerFee = override.TakerFee
		}
		if override.MakerFee > 0 {
			base.MakerFee = override.MakerFee
		}
		if override.RateLimitPerMin > 0 {
			base.RateLimitPerMin = override.RateLimitPerMin
		}
		if override.Depth > 0 {
			base.Depth = override.Depth
		}
		venues[override.ID] = base
	}
	return venues, nil
}

// Getenv returns the environment value for key, or fallback when unset.
func Getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
