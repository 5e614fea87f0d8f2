// Package detector turns order-book updates into qualifying two-leg
// arbitrage opportunities.
package detector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"arbmon/internal/metrics"
	"arbmon/internal/symbols"
	"arbmon/internal/venue"
)

// Defaults for the detector tunables.
const (
	DefaultMinProfitPercent = 0.1
	DefaultSlippageBuffer   = 0.1
	DefaultMaxSpreadAge     = 5000 * time.Millisecond
	DefaultTickInterval     = 1000 * time.Millisecond
	DefaultTradeAmountUSD   = 1000.0
	DefaultRetention        = 1000
)

// Opportunity is one qualifying two-leg trade: buy on BuyVenue, sell on
// SellVenue, within a single decision window.
type Opportunity struct {
	ID                 string    `json:"id"`
	Symbol             string    `json:"symbol"` // canonical
	BuyVenue           venue.ID  `json:"buy_venue"`
	SellVenue          venue.ID  `json:"sell_venue"`
	BuyPrice           float64   `json:"buy_price"`
	SellPrice          float64   `json:"sell_price"`
	GrossSpread        float64   `json:"gross_spread"`
	SpreadPercent      float64   `json:"spread_percent"`
	EstimatedNetProfit float64   `json:"estimated_net_profit"`
	BuyFee             float64   `json:"buy_fee"`
	SellFee            float64   `json:"sell_fee"`
	TotalFee           float64   `json:"total_fee"`
	DetectedAt         time.Time `json:"detected_at"`
}

// Sink persists detected opportunities. Append handles the
// missing-venue-row upsert internally.
type Sink interface {
	Append(ctx context.Context, opp *Opportunity) error
}

// Fees is one venue's fee schedule, fractional rates.
type Fees struct {
	Taker float64
	Maker float64
}

// Options configures a Detector. Zero fields take the defaults above.
type Options struct {
	MinProfitPercent float64
	SlippageBuffer   float64
	MaxSpreadAge     time.Duration
	TickInterval     time.Duration
	TradeAmountUSD   float64
}

type bookKey struct {
	venue  venue.ID
	symbol string
}

// Detector keeps the latest book per (venue, symbol) and, on a throttled
// tick, scans every canonical symbol with at least two fresh books. The
// intake path is expected to be serialized by the caller; internal state
// is still guarded so tunables can change concurrently.
type Detector struct {
	mu sync.Mutex

	registry *symbols.Registry
	sink     Sink
	fees     map[venue.ID]Fees

	books map[bookKey]*venue.OrderBook

	minProfitPercent float64
	slippageBuffer   float64
	maxSpreadAge     time.Duration
	tickInterval     time.Duration
	tradeAmountUSD   float64

	lastTick time.Time
	now      func() time.Time

	onOpportunity func(*Opportunity)
}

// New creates a detector. sink may be nil; opportunities are then only
// emitted in-process.
func New(registry *symbols.Registry, sink Sink, fees map[venue.ID]Fees, opts Options) *Detector {
	d := &Detector{
		registry:         registry,
		sink:             sink,
		fees:             fees,
		books:            make(map[bookKey]*venue.OrderBook),
		minProfitPercent: opts.MinProfitPercent,
		slippageBuffer:   opts.SlippageBuffer,
		maxSpreadAge:     opts.MaxSpreadAge,
		tickInterval:     opts.TickInterval,
		tradeAmountUSD:   opts.TradeAmountUSD,
		now:              time.Now,
	}
	if d.fees == nil {
		d.fees = make(map[venue.ID]Fees)
	}
	if d.minProfitPercent == 0 {
		d.minProfitPercent = DefaultMinProfitPercent
	}
	if d.slippageBuffer == 0 {
		d.slippageBuffer = DefaultSlippageBuffer
	}
	if d.maxSpreadAge == 0 {
		d.maxSpreadAge = DefaultMaxSpreadAge
	}
	if d.tickInterval == 0 {
		d.tickInterval = DefaultTickInterval
	}
	if d.tradeAmountUSD == 0 {
		d.tradeAmountUSD = DefaultTradeAmountUSD
	}
	return d
}

// SetOnOpportunity installs the in-process emission callback.
func (d *Detector) SetOnOpportunity(fn func(*Opportunity)) {
	d.mu.Lock()
	d.onOpportunity = fn
	d.mu.Unlock()
}

// SetMinProfitPercent updates the qualification threshold at runtime.
func (d *Detector) SetMinProfitPercent(v float64) {
	d.mu.Lock()
	d.minProfitPercent = v
	d.mu.Unlock()
}

// SetTradeAmountUSD updates the per-leg trade size at runtime.
func (d *Detector) SetTradeAmountUSD(v float64) {
	d.mu.Lock()
	d.tradeAmountUSD = v
	d.mu.Unlock()
}

// taker returns the taker rate for a venue, falling back to 10 bps.
func (d *Detector) taker(id venue.ID) float64 {
	if f, ok := d.fees[id]; ok {
		return f.Taker
	}
	return 0.001
}

// Intake stores the latest book for its (venue, symbol) slot and runs a
// scan when the global tick interval has elapsed.
func (d *Detector) Intake(ctx context.Context, ob *venue.OrderBook) {
	d.mu.Lock()
	d.books[bookKey{venue: ob.Venue, symbol: ob.Symbol}] = ob

	now := d.now()
	if now.Sub(d.lastTick) < d.tickInterval {
		d.mu.Unlock()
		return
	}
	d.lastTick = now
	d.mu.Unlock()

	d.Scan(ctx)
}

// Scan evaluates every canonical symbol with at least two fresh books, in
// deterministic order: symbols ascending, venue pairs by (min, max) id,
// both directions per pair.
func (d *Detector) Scan(ctx context.Context) []*Opportunity {
	timer := metrics.NewTimer()
	defer timer.ObserveScan()

	d.mu.Lock()
	now := d.now()
	fresh := make(map[string][]*venue.OrderBook)
	for key, ob := range d.books {
		age := now.UnixMilli() - ob.Timestamp
		// Books stamped in the future count as fresh; only old ones are
		// excluded.
		if age > d.maxSpreadAge.Milliseconds() {
			continue
		}
		canonical, err := d.registry.Canonicalize(key.venue, key.symbol)
		if err != nil {
			continue
		}
		fresh[canonical] = append(fresh[canonical], ob)
	}
	minProfit := d.minProfitPercent
	slippage := d.slippageBuffer
	amount := d.tradeAmountUSD
	emit := d.onOpportunity
	d.mu.Unlock()

	canonicals := make([]string, 0, len(fresh))
	for canonical, books := range fresh {
		if len(books) >= 2 {
			canonicals = append(canonicals, canonical)
		}
	}
	sort.Strings(canonicals)

	var out []*Opportunity
	for _, canonical := range canonicals {
		books := fresh[canonical]
		sort.Slice(books, func(i, j int) bool {
			if books[i].Venue != books[j].Venue {
				return books[i].Venue < books[j].Venue
			}
			return books[i].Symbol < books[j].Symbol
		})
		for i := 0; i < len(books); i++ {
			for j := i + 1; j < len(books); j++ {
				if books[i].Venue == books[j].Venue {
					continue
				}
				for _, opp := range []*Opportunity{
					d.evaluate(books[i], books[j], canonical, minProfit, slippage, amount),
					d.evaluate(books[j], books[i], canonical, minProfit, slippage, amount),
				} {
					if opp == nil {
						continue
					}
					out = append(out, opp)
					d.persist(ctx, opp)
					metrics.RecordOpportunity(opp.Symbol, string(opp.BuyVenue), string(opp.SellVenue), opp.SpreadPercent)
					if emit != nil {
						emit(opp)
					}
				}
			}
		}
	}
	return out
}

// evaluate prices one direction: buy at buySide's best ask, sell at
// sellSide's best bid, USD-denominated quantity model.
func (d *Detector) evaluate(buySide, sellSide *venue.OrderBook, canonical string, minProfit, slippage, amountUSD float64) *Opportunity {
	ask, ok := buySide.BestAsk()
	if !ok {
		return nil
	}
	bid, ok := sellSide.BestBid()
	if !ok {
		return nil
	}

	buyPrice, err := strconv.ParseFloat(ask.Price, 64)
	if err != nil || buyPrice <= 0 {
		return nil
	}
	sellPrice, err := strconv.ParseFloat(bid.Price, 64)
	if err != nil || sellPrice <= 0 {
		return nil
	}

	qty := amountUSD / buyPrice
	buyValue := amountUSD
	sellValue := sellPrice * qty

	buyFee := buyValue * d.taker(buySide.Venue)
	sellFee := sellValue * d.taker(sellSide.Venue)
	totalFee := buyFee + sellFee

	gross := sellValue - buyValue
	net := gross - totalFee
	profitPercent := net / buyValue * 100

	if profitPercent < minProfit+slippage {
		return nil
	}

	detectedAt := d.now()
	return &Opportunity{
		ID:                 newOpportunityID(detectedAt),
		Symbol:             canonical,
		BuyVenue:           buySide.Venue,
		SellVenue:          sellSide.Venue,
		BuyPrice:           buyPrice,
		SellPrice:          sellPrice,
		GrossSpread:        gross,
		SpreadPercent:      profitPercent,
		EstimatedNetProfit: net,
		BuyFee:             buyFee,
		SellFee:            sellFee,
		TotalFee:           totalFee,
		DetectedAt:         detectedAt,
	}
}

// persist appends to the sink when one is configured. Failures are logged;
// the in-process event is emitted regardless.
func (d *Detector) persist(ctx context.Context, opp *Opportunity) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Append(ctx, opp); err != nil {
		metrics.SinkErrors.Inc()
		log.Error().Err(err).Str("opportunity", opp.ID).Msg("Failed to persist opportunity")
	}
}

// newOpportunityID forms opp_<unix_ms>_<random>.
func newOpportunityID(at time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("opp_%d_%s", at.UnixMilli(), random)
}
