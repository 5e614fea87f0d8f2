package manager

import (
	"fmt"

	"arbmon/internal/venue"
	"arbmon/internal/venue/binance"
	"arbmon/internal/venue/bybit"
	"arbmon/internal/venue/coinbase"
	"arbmon/internal/venue/gemini"
	"arbmon/internal/venue/kraken"
	"arbmon/internal/venue/kucoin"
)

// DefaultFactory builds the real venue clients.
func DefaultFactory(cfg venue.ClientConfig) (venue.Client, error) {
	switch cfg.Venue {
	case venue.Binance:
		return binance.New(cfg), nil
	case venue.Coinbase:
		return coinbase.New(cfg), nil
	case venue.Kraken:
		return kraken.New(cfg), nil
	case venue.Bybit:
		return bybit.New(cfg), nil
	case venue.KuCoin:
		return kucoin.New(cfg), nil
	case venue.Gemini:
		return gemini.New(cfg), nil
	default:
		return nil, fmt.Errorf("no client for venue %q", cfg.Venue)
	}
}
