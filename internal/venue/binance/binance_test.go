package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbmon/internal/venue"
)

func newTestClient() *Client {
	return New(venue.ClientConfig{
		Venue:   venue.Binance,
		WSURL:   "wss://stream.binance.com:9443/ws",
		RESTURL: "https://api.binance.com",
		Symbols: []string{"BTCUSDT"},
		Depth:   100,
	})
}

func seedBook(t *testing.T, c *Client, lastID int64) {
	t.Helper()
	b := c.book("BTCUSDT")
	require.NoError(t, b.ApplySnapshot(
		[]venue.PriceLevel{{Price: "100", Quantity: "1"}},
		[]venue.PriceLevel{{Price: "101", Quantity: "1"}},
		1000,
	))
	b.SetLastUpdateID(lastID)
}

func TestHandleDepthUpdate(t *testing.T) {
	c := newTestClient()
	seedBook(t, c, 10)

	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	frame := `{"e":"depthUpdate","E":1700000000123,"s":"BTCUSDT","U":11,"u":12,
		"b":[["100","2"],["99.5","3"]],"a":[["101","0"],["101.5","1"]]}`
	require.NoError(t, c.handle([]byte(frame)))

	require.NotNil(t, emitted)
	assert.Equal(t, venue.Binance, emitted.Venue)
	assert.Equal(t, "BTCUSDT", emitted.Symbol)
	assert.Equal(t, venue.PriceLevel{Price: "100", Quantity: "2"}, emitted.Bids[0])
	assert.Equal(t, venue.PriceLevel{Price: "101.5", Quantity: "1"}, emitted.Asks[0])
	assert.Equal(t, int64(1700000000123), emitted.Timestamp)
	assert.Equal(t, int64(12), emitted.LastUpdateID)
}

func TestHandleSkipsStaleSequence(t *testing.T) {
	c := newTestClient()
	seedBook(t, c, 50)

	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	// Final id at the book's sequence is a replay and must not mutate.
	frame := `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":49,"u":50,"b":[["100","9"]],"a":[]}`
	require.NoError(t, c.handle([]byte(frame)))

	assert.Nil(t, emitted)
	assert.Equal(t, "1", c.book("BTCUSDT").Snapshot().Bids[0].Quantity)
}

func TestHandleIgnoresForeignEvents(t *testing.T) {
	c := newTestClient()
	seedBook(t, c, 10)

	require.NoError(t, c.handle([]byte(`{"e":"trade","s":"BTCUSDT"}`)))
	require.NoError(t, c.handle([]byte(`{"result":null,"id":1}`)))
	assert.Error(t, c.handle([]byte(`not json`)))
}

func TestHandleRejectsCrossWithoutMutation(t *testing.T) {
	c := newTestClient()
	seedBook(t, c, 10)

	frame := `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":11,"u":12,"b":[["102","1"]],"a":[]}`
	require.NoError(t, c.handle([]byte(frame)))

	snap := c.book("BTCUSDT").Snapshot()
	assert.Equal(t, "100", snap.Bids[0].Price)
	assert.Equal(t, int64(10), snap.LastUpdateID)
}

func TestHandleIgnoresUnsubscribedSymbol(t *testing.T) {
	c := newTestClient()
	seedBook(t, c, 10)

	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	frame := `{"e":"depthUpdate","E":1,"s":"ETHUSDT","U":1,"u":2,"b":[["50","1"]],"a":[["51","1"]]}`
	err := c.handle([]byte(frame))
	require.ErrorIs(t, err, venue.ErrUnknownSymbol)

	assert.Nil(t, emitted)
	assert.Nil(t, c.book("ETHUSDT"))
}

func TestHandleDropsDeltaBeforeSnapshot(t *testing.T) {
	c := newTestClient()

	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	// A single deep level must not become the top of an unprimed book.
	frame := `{"e":"depthUpdate","E":1,"s":"BTCUSDT","U":1,"u":2,"b":[["9000","5"]],"a":[]}`
	require.NoError(t, c.handle([]byte(frame)))

	assert.Nil(t, emitted)
	assert.True(t, c.book("BTCUSDT").Empty())
}

// listenerFunc adapts a book callback into a venue.Listener.
type listenerFunc func(*venue.OrderBook)

func (f listenerFunc) OnConnected(venue.ID)          {}
func (f listenerFunc) OnOrderBook(ob *venue.OrderBook) { f(ob) }
func (f listenerFunc) OnError(venue.ID, error)       {}
func (f listenerFunc) OnDisconnected(venue.ID)       {}
