package gemini

import (
	"testing"

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
		Venue:   venue.Gemini,
		WSURL:   "wss://api.gemini.com/v1/marketdata",
		RESTURL: "https://api.gemini.com",
		Symbols: []string{"btcusd"},
		Depth:   50,
	})
}

func TestHandleInitialChangeEvents(t *testing.T) {
	c := newTestClient()
	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	frame := `{"type":"update","eventId":1,"timestampms":1700000000000,"events":[
		{"type":"change","side":"bid","price":"100","remaining":"1","reason":"initial"},
		{"type":"change","side":"bid","price":"99","remaining":"2","reason":"initial"},
		{"type":"change","side":"ask","price":"101","remaining":"1","reason":"initial"}]}`
	require.NoError(t, c.handle("btcusd", []byte(frame)))

	require.NotNil(t, emitted)
	assert.Equal(t, "btcusd", emitted.Symbol)
	assert.Len(t, emitted.Bids, 2)
	assert.Equal(t, venue.PriceLevel{Price: "100", Quantity: "1"}, emitted.Bids[0])
	assert.Equal(t, int64(1700000000000), emitted.Timestamp)
}

func TestHandleChangeRemovesFilledLevel(t *testing.T) {
	c := newTestClient()
	initial := `{"type":"update","eventId":1,"timestampms":1,"events":[
		{"type":"change","side":"bid","price":"100","remaining":"1","reason":"initial"},
		{"type":"change","side":"ask","price":"101","remaining":"1","reason":"initial"}]}`
	require.NoError(t, c.handle("btcusd", []byte(initial)))

	fill := `{"type":"update","eventId":2,"timestampms":2,"events":[
		{"type":"change","side":"ask","price":"101","remaining":"0","reason":"trade"}]}`
	require.NoError(t, c.handle("btcusd", []byte(fill)))

	snap := c.book("btcusd").Snapshot()
	assert.Empty(t, snap.Asks)
	assert.Equal(t, int64(2), snap.LastUpdateID)
}

func TestHandleIgnoresUnknownSymbol(t *testing.T) {
	c := newTestClient()
	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	frame := `{"type":"update","eventId":1,"timestampms":1,"events":[
		{"type":"change","side":"bid","price":"50","remaining":"1","reason":"initial"}]}`
	err := c.handle("ethusd", []byte(frame))
	require.ErrorIs(t, err, venue.ErrUnknownSymbol)

	assert.Nil(t, emitted)
	assert.Nil(t, c.book("ethusd"))
}

func TestHandleDropsDeltaBeforeInitial(t *testing.T) {
	c := newTestClient()
	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	// A lone trade change before the initial frame must not seed the book.
	frame := `{"type":"update","eventId":5,"timestampms":1,"events":[
		{"type":"change","side":"bid","price":"9000","remaining":"5","reason":"trade"}]}`
	require.NoError(t, c.handle("btcusd", []byte(frame)))

	assert.Nil(t, emitted)
	assert.True(t, c.book("btcusd").Empty())
}

func TestHandleIgnoresNonUpdateFrames(t *testing.T) {
	c := newTestClient()
	var emitted *venue.OrderBook
	c.SetListener(listenerFunc(func(ob *venue.OrderBook) { emitted = ob }))

	require.NoError(t, c.handle("btcusd", []byte(`{"type":"heartbeat","timestampms":1}`)))
	require.NoError(t, c.handle("btcusd", []byte(`{"type":"update","eventId":3,"events":[
		{"type":"trade","price":"100","amount":"1"}]}`)))
	assert.Nil(t, emitted)
}
