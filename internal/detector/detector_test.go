package detector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbmon/internal/symbols"
	"arbmon/internal/venue"
)

type captureSink struct {
	appended []*Opportunity
	err      error
}

func (s *captureSink) Append(_ context.Context, opp *Opportunity) error {
	if s.err != nil {
		return s.err
	}
	s.appended = append(s.appended, opp)
	return nil
}

func book(id venue.ID, symbol, bid, ask string, ts int64) *venue.OrderBook {
	return &venue.OrderBook{
		Venue:     id,
		Symbol:    symbol,
		Bids:      []venue.PriceLevel{{Price: bid, Quantity: "1"}},
		Asks:      []venue.PriceLevel{{Price: ask, Quantity: "1"}},
		Timestamp: ts,
	}
}

func testFees() map[venue.ID]Fees {
	return map[venue.ID]Fees{
		venue.Binance:  {Taker: 0.001},
		venue.Coinbase: {Taker: 0.006},
		venue.Kraken:   {Taker: 0.0026},
	}
}

func newTestDetector(t *testing.T, sink Sink, opts Options) (*Detector, time.Time) {
	t.Helper()
	r := symbols.NewRegistry()
	d := New(r, sink, testFees(), opts)
	at := time.UnixMilli(1_700_000_000_000)
	d.now = func() time.Time { return at }
	return d, at
}

func TestScanFindsProfitableDirection(t *testing.T) {
	sink := &captureSink{}
	d, at := newTestDetector(t, sink, Options{})
	ts := at.UnixMilli()

	// Buy BTC at 10000 on Binance, sell at 10200 on Coinbase. With 1000
	// USD the quantity is 0.1: buy fee 1.00, sell fee 6.12, net 12.88.
	d.books[bookKey{venue.Binance, "BTCUSDT"}] = book(venue.Binance, "BTCUSDT", "9990", "10000", ts)
	d.books[bookKey{venue.Coinbase, "BTC-USD"}] = book(venue.Coinbase, "BTC-USD", "10200", "10210", ts)

	opps := d.Scan(context.Background())
	require.Len(t, opps, 1)
	opp := opps[0]

	assert.Equal(t, "BTCUSD", opp.Symbol)
	assert.Equal(t, venue.Binance, opp.BuyVenue)
	assert.Equal(t, venue.Coinbase, opp.SellVenue)
	assert.Equal(t, 10000.0, opp.BuyPrice)
	assert.Equal(t, 10200.0, opp.SellPrice)
	assert.InDelta(t, 20.0, opp.GrossSpread, 1e-9)
	assert.InDelta(t, 1.0, opp.BuyFee, 1e-9)
	assert.InDelta(t, 6.12, opp.SellFee, 1e-9)
	assert.InDelta(t, 12.88, opp.EstimatedNetProfit, 1e-9)
	assert.InDelta(t, 1.288, opp.SpreadPercent, 1e-9)
	assert.Equal(t, at, opp.DetectedAt)

	require.Len(t, sink.appended, 1)
	assert.Equal(t, opp.ID, sink.appended[0].ID)
}

func TestScanExcludesStaleBooks(t *testing.T) {
	d, at := newTestDetector(t, nil, Options{})
	ts := at.UnixMilli()

	d.books[bookKey{venue.Binance, "BTCUSDT"}] = book(venue.Binance, "BTCUSDT", "9990", "10000", ts)
	// Stale by one millisecond past the freshness window.
	d.books[bookKey{venue.Coinbase, "BTC-USD"}] = book(venue.Coinbase, "BTC-USD", "10200", "10210", ts-5001)

	assert.Empty(t, d.Scan(context.Background()))
}

func TestScanAcceptsFutureTimestamps(t *testing.T) {
	d, at := newTestDetector(t, nil, Options{})
	ts := at.UnixMilli()

	d.books[bookKey{venue.Binance, "BTCUSDT"}] = book(venue.Binance, "BTCUSDT", "9990", "10000", ts)
	d.books[bookKey{venue.Coinbase, "BTC-USD"}] = book(venue.Coinbase, "BTC-USD", "10200", "10210", ts+3000)

	assert.Len(t, d.Scan(context.Background()), 1)
}

func TestThresholdEqualityQualifies(t *testing.T) {
	d, at := newTestDetector(t, nil, Options{})
	ts := at.UnixMilli()

	// Zero-fee venues isolate the threshold: sell 10020 against buy
	// 10000 is exactly 0.2 percent, equal to min profit plus slippage.
	d.fees[venue.Binance] = Fees{}
	d.fees[venue.Coinbase] = Fees{}
	d.books[bookKey{venue.Binance, "BTCUSDT"}] = book(venue.Binance, "BTCUSDT", "9990", "10000", ts)
	d.books[bookKey{venue.Coinbase, "BTC-USD"}] = book(venue.Coinbase, "BTC-USD", "10020", "10030", ts)

	opps := d.Scan(context.Background())
	require.Len(t, opps, 1)
	assert.InDelta(t, 0.2, opps[0].SpreadPercent, 1e-9)
}

func TestBelowThresholdRejected(t *testing.T) {
	d, at := newTestDetector(t, nil, Options{})
	ts := at.UnixMilli()

	d.fees[venue.Binance] = Fees{}
	d.fees[venue.Coinbase] = Fees{}
	d.books[bookKey{venue.Binance, "BTCUSDT"}] = book(venue.Binance, "BTCUSDT", "9990", "10000", ts)
	d.books[bookKey{venue.Coinbase, "BTC-USD"}] = book(venue.Coinbase, "BTC-USD", "10019", "10030", ts)

	assert.Empty(t, d.Scan(context.Background()))
}

func TestScanSkipsEmptySides(t *testing.T) {
	d, at := newTestDetector(t, nil, Options{})
	ts := at.UnixMilli()

	empty := book(venue.Binance, "BTCUSDT", "9990", "10000", ts)
	empty.Asks = nil
	d.books[bookKey{venue.Binance, "BTCUSDT"}] = empty
	d.books[bookKey{venue.Coinbase, "BTC-USD"}] = book(venue.Coinbase, "BTC-USD", "10200", "10210", ts)

	assert.Empty(t, d.Scan(context.Background()))
}

func TestScanNeedsTwoVenues(t *testing.T) {
	d, at := newTestDetector(t, nil, Options{})
	ts := at.UnixMilli()

	d.books[bookKey{venue.Binance, "BTCUSDT"}] = book(venue.Binance, "BTCUSDT", "9990", "10000", ts)

	assert.Empty(t, d.Scan(context.Background()))
}

func TestScanDeterministicOrder(t *testing.T) {
	d, at := newTestDetector(t, nil, Options{})
	ts := at.UnixMilli()
	d.fees = map[venue.ID]Fees{}

	// Two canonical symbols, three venues, generous spreads so every
	// direction with a positive edge qualifies.
	d.books[bookKey{venue.Binance, "ETHUSDT"}] = book(venue.Binance, "ETHUSDT", "1000", "1001", ts)
	d.books[bookKey{venue.Kraken, "ETH/USD"}] = book(venue.Kraken, "ETH/USD", "1050", "1051", ts)
	d.books[bookKey{venue.Binance, "BTCUSDT"}] = book(venue.Binance, "BTCUSDT", "10000", "10010", ts)
	d.books[bookKey{venue.Coinbase, "BTC-USD"}] = book(venue.Coinbase, "BTC-USD", "10500", "10510", ts)

	var first []string
	for _, opp := range d.Scan(context.Background()) {
		first = append(first, opp.Symbol+":"+string(opp.BuyVenue)+">"+string(opp.SellVenue))
	}
	require.NotEmpty(t, first)
	assert.Equal(t, "BTCUSD:binance>coinbase", first[0])

	for i := 0; i < 5; i++ {
		var again []string
		for _, opp := range d.Scan(context.Background()) {
			again = append(again, opp.Symbol+":"+string(opp.BuyVenue)+">"+string(opp.SellVenue))
		}
		assert.Equal(t, first, again)
	}
}

func TestIntakeThrottlesScans(t *testing.T) {
	d, at := newTestDetector(t, nil, Options{})
	ts := at.UnixMilli()

	scans := 0
	d.SetOnOpportunity(func(*Opportunity) { scans++ })
	d.books[bookKey{venue.Coinbase, "BTC-USD"}] = book(venue.Coinbase, "BTC-USD", "10200", "10210", ts)

	clock := at
	d.now = func() time.Time { return clock }

	feed := book(venue.Binance, "BTCUSDT", "9990", "10000", ts)
	d.Intake(context.Background(), feed) // first tick fires
	d.Intake(context.Background(), feed) // inside the window, suppressed
	assert.Equal(t, 1, scans)

	clock = clock.Add(1001 * time.Millisecond)
	feed.Timestamp = clock.UnixMilli()
	d.books[bookKey{venue.Coinbase, "BTC-USD"}].Timestamp = clock.UnixMilli()
	d.Intake(context.Background(), feed)
	assert.Equal(t, 2, scans)
}

func TestSinkFailureDoesNotBlockEmission(t *testing.T) {
	sink := &captureSink{err: errors.New("db down")}
	d, at := newTestDetector(t, sink, Options{})
	ts := at.UnixMilli()

	emitted := 0
	d.SetOnOpportunity(func(*Opportunity) { emitted++ })
	d.books[bookKey{venue.Binance, "BTCUSDT"}] = book(venue.Binance, "BTCUSDT", "9990", "10000", ts)
	d.books[bookKey{venue.Coinbase, "BTC-USD"}] = book(venue.Coinbase, "BTC-USD", "10200", "10210", ts)

	opps := d.Scan(context.Background())
	assert.Len(t, opps, 1)
	assert.Equal(t, 1, emitted)
}

func TestOpportunityIDFormat(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	id := newOpportunityID(at)
	assert.True(t, strings.HasPrefix(id, "opp_1700000000000_"), id)
	parts := strings.Split(id, "_")
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 8)
}

func TestRuntimeTunables(t *testing.T) {
	d, at := newTestDetector(t, nil, Options{})
	ts := at.UnixMilli()

	d.fees[venue.Binance] = Fees{}
	d.fees[venue.Coinbase] = Fees{}
	d.books[bookKey{venue.Binance, "BTCUSDT"}] = book(venue.Binance, "BTCUSDT", "9990", "10000", ts)
	d.books[bookKey{venue.Coinbase, "BTC-USD"}] = book(venue.Coinbase, "BTC-USD", "10030", "10040", ts)

	require.Len(t, d.Scan(context.Background()), 1)

	d.SetMinProfitPercent(5.0)
	assert.Empty(t, d.Scan(context.Background()))

	d.SetMinProfitPercent(0.1)
	d.SetTradeAmountUSD(2000)
	opps := d.Scan(context.Background())
	require.Len(t, opps, 1)
	assert.InDelta(t, 6.0, opps[0].EstimatedNetProfit, 1e-9)
}
