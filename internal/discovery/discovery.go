// Package discovery queries each venue's public listing endpoint and
// extends the symbol registry with the pairs actually tradeable there.
// Every fetch is best-effort: a venue whose listing call fails keeps
// running on the compiled-in seeds.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"arbmon/internal/config"
	"arbmon/internal/symbols"
	"arbmon/internal/venue"
)

type fetcher func(ctx context.Context, rest *venue.RESTClient) ([]symbols.TradingPair, error)

var fetchers = map[venue.ID]fetcher{
	venue.Binance:  fetchBinance,
	venue.Coinbase: fetchCoinbase,
	venue.Kraken:   fetchKraken,
	venue.Bybit:    fetchBybit,
	venue.KuCoin:   fetchKuCoin,
	venue.Gemini:   fetchGemini,
}

// Run fetches listings for every descriptor-known venue and registers the
// active pairs. Returns the number of venues that answered.
func Run(ctx context.Context, reg *symbols.Registry, venues map[venue.ID]config.VenueDescriptor) int {
	answered := 0
	for id, desc := range venues {
		fetch, ok := fetchers[id]
		if ok && desc.RESTURL != "" {
			rest := venue.NewRESTClient(id, desc.RESTURL, desc.RateLimitPerMin)
			pairs, err := fetch(ctx, rest)
			if err != nil {
				log.Warn().Str("exchange", string(id)).Err(err).Msg("Pair discovery failed, relying on seeds")
				continue
			}
			reg.RegisterPairs(id, pairs)
			answered++
			log.Info().Str("exchange", string(id)).Int("pairs", len(pairs)).Msg("Pairs discovered")
		}
	}
	return answered
}

func fetchBinance(ctx context.Context, rest *venue.RESTClient) ([]symbols.TradingPair, error) {
	var resp struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := rest.GetJSON(ctx, "/api/v3/exchangeInfo", &resp); err != nil {
		return nil, err
	}
	pairs := make([]symbols.TradingPair, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		pairs = append(pairs, symbols.TradingPair{
			Native: s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
		})
	}
	return pairs, nil
}

func fetchCoinbase(ctx context.Context, rest *venue.RESTClient) ([]symbols.TradingPair, error) {
	var resp []struct {
		ID            string `json:"id"`
		BaseCurrency  string `json:"base_currency"`
		QuoteCurrency string `json:"quote_currency"`
		Status        string `json:"status"`
	}
	if err := rest.GetJSON(ctx, "/products", &resp); err != nil {
		return nil, err
	}
	pairs := make([]symbols.TradingPair, 0, len(resp))
	for _, p := range resp {
		pairs = append(pairs, symbols.TradingPair{
			Native: p.ID,
			Base:   p.BaseCurrency,
			Quote:  p.QuoteCurrency,
			Active: p.Status == "online",
		})
	}
	return pairs, nil
}

func fetchKraken(ctx context.Context, rest *venue.RESTClient) ([]symbols.TradingPair, error) {
	var resp struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			WSName string `json:"wsname"`
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := rest.GetJSON(ctx, "/0/public/AssetPairs", &resp); err != nil {
		return nil, err
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("asset pairs: %s", strings.Join(resp.Error, ", "))
	}
	pairs := make([]symbols.TradingPair, 0, len(resp.Result))
	for _, p := range resp.Result {
		// The websocket subscribes by wsname (XBT/USD); REST-internal
		// pair names like XXBTZUSD never reach the clients.
		if p.WSName == "" {
			continue
		}
		parts := strings.SplitN(p.WSName, "/", 2)
		if len(parts) != 2 {
			continue
		}
		pairs = append(pairs, symbols.TradingPair{
			Native: p.WSName,
			Base:   parts[0],
			Quote:  parts[1],
			Active: p.Status == "" || p.Status == "online",
		})
	}
	return pairs, nil
}

func fetchBybit(ctx context.Context, rest *venue.RESTClient) ([]symbols.TradingPair, error) {
	var resp struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				Symbol    string `json:"symbol"`
				BaseCoin  string `json:"baseCoin"`
				QuoteCoin string `json:"quoteCoin"`
				Status    string `json:"status"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := rest.GetJSON(ctx, "/v5/market/instruments-info?category=spot", &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("instruments-info: retCode %d", resp.RetCode)
	}
	pairs := make([]symbols.TradingPair, 0, len(resp.Result.List))
	for _, p := range resp.Result.List {
		pairs = append(pairs, symbols.TradingPair{
			Native: p.Symbol,
			Base:   p.BaseCoin,
			Quote:  p.QuoteCoin,
			Active: p.Status == "Trading",
		})
	}
	return pairs, nil
}

func fetchKuCoin(ctx context.Context, rest *venue.RESTClient) ([]symbols.TradingPair, error) {
	var resp struct {
		Code string `json:"code"`
		Data []struct {
			Symbol        string `json:"symbol"`
			BaseCurrency  string `json:"baseCurrency"`
			QuoteCurrency string `json:"quoteCurrency"`
			EnableTrading bool   `json:"enableTrading"`
		} `json:"data"`
	}
	if err := rest.GetJSON(ctx, "/api/v1/symbols", &resp); err != nil {
		return nil, err
	}
	if resp.Code != "200000" {
		return nil, fmt.Errorf("symbols: code %s", resp.Code)
	}
	pairs := make([]symbols.TradingPair, 0, len(resp.Data))
	for _, p := range resp.Data {
		pairs = append(pairs, symbols.TradingPair{
			Native: p.Symbol,
			Base:   p.BaseCurrency,
			Quote:  p.QuoteCurrency,
			Active: p.EnableTrading,
		})
	}
	return pairs, nil
}

func fetchGemini(ctx context.Context, rest *venue.RESTClient) ([]symbols.TradingPair, error) {
	var syms []string
	if err := rest.GetJSON(ctx, "/v1/symbols", &syms); err != nil {
		return nil, err
	}
	pairs := make([]symbols.TradingPair, 0, len(syms))
	for _, s := range syms {
		// Base and quote are left for the registry's recipe parse.
		pairs = append(pairs, symbols.TradingPair{Native: s, Active: true})
	}
	return pairs, nil
}
