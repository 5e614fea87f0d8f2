package coinbase

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbmon/internal/venue"
)

type listenerFunc func(*venue.OrderBook)

func (f listenerFunc) OnConnected(venue.ID)            {}
func (f listenerFunc) OnOrderBook(ob *venue.OrderBook) { f(ob) }
func (f listenerFunc) OnError(venue.ID, error)         {}
func (f listenerFunc) OnDisconnected(venue.ID)         {}

func newTestClient() *Client {
	return New(venue.ClientConfig{
		Venue:   venue.Coinbase,
		WSURL:   "wss://ws-feed.exchange.coinbase.com",
		RESTURL: "https://api.exchange.coinbase.com",
		Symbols: []string{"BTC-USD"},
		Depth:   50,
	})
}

func prime(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.book("BTC-USD").ApplySnapshot(
		[]venue.PriceLevel{{Price: "100", Quantity: "1"}, {Price: "99", Quantity: "2"}},
		[]venue.PriceLevel{{Price: "101", Quantity: "1"}, {Price: "102", Quantity: "2"}},
		1000,
	))
}

func TestHandleTickerReplacesTop(t *testing.T) {
	c := newTestClient()
	prime(t, c)

	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	frame := `{"type":"ticker","product_id":"BTC-USD","price":"100.55",
		"best_bid":"100.5","best_bid_size":"3","best_ask":"100.6","best_ask_size":"4",
		"time":"2023-11-14T22:13:20.123456Z"}`
	require.NoError(t, c.handle([]byte(frame)))

	require.NotNil(t, emitted)
	assert.Equal(t, venue.PriceLevel{Price: "100.5", Quantity: "3"}, emitted.Bids[0])
	assert.Equal(t, venue.PriceLevel{Price: "99", Quantity: "2"}, emitted.Bids[1])
	assert.Equal(t, venue.PriceLevel{Price: "100.6", Quantity: "4"}, emitted.Asks[0])
	assert.Equal(t, int64(1700000000123), emitted.Timestamp)
}

func TestHandleTickerWithoutPrimedBook(t *testing.T) {
	c := newTestClient()
	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	frame := `{"type":"ticker","product_id":"BTC-USD","best_bid":"100.5","best_ask":"100.6"}`
	require.NoError(t, c.handle([]byte(frame)))
	assert.Nil(t, emitted)
}

func TestHandleTickerForUnknownProduct(t *testing.T) {
	c := newTestClient()
	prime(t, c)

	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	frame := `{"type":"ticker","product_id":"ETH-USD","best_bid":"50","best_ask":"51"}`
	err := c.handle([]byte(frame))
	require.ErrorIs(t, err, venue.ErrUnknownSymbol)

	assert.Nil(t, emitted)
	assert.Nil(t, c.book("ETH-USD"))
}

func TestHandleIgnoresAcksAndHeartbeats(t *testing.T) {
	c := newTestClient()
	prime(t, c)

	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	require.NoError(t, c.handle([]byte(`{"type":"subscriptions","channels":[]}`)))
	require.NoError(t, c.handle([]byte(`{"type":"heartbeat","sequence":1}`)))
	assert.Nil(t, emitted)
}

func TestRawLevelsSkipMalformedEntries(t *testing.T) {
	var snap bookSnapshot
	raw := `{"sequence":7,"bids":[["100","1",3],["bad"]],"asks":[["101","2",1]]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))

	bids := rawLevels(snap.Bids)
	require.Len(t, bids, 1)
	assert.Equal(t, venue.PriceLevel{Price: "100", Quantity: "1"}, bids[0])
}
