package venue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lvl(price, qty string) PriceLevel {
	return PriceLevel{Price: price, Quantity: qty}
}

func TestApplySnapshotSortsAndTruncates(t *testing.T) {
	b := NewBook(Binance, "BTCUSDT", 3)
	err := b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1"), lvl("103", "2"), lvl("101", "1"), lvl("102", "1")},
		[]PriceLevel{lvl("110", "1"), lvl("105", "2"), lvl("107", "1"), lvl("106", "1")},
		1000,
	)
	require.NoError(t, err)

	snap := b.Snapshot()
	require.Len(t, snap.Bids, 3)
	require.Len(t, snap.Asks, 3)
	assert.Equal(t, []PriceLevel{lvl("103", "2"), lvl("102", "1"), lvl("101", "1")}, snap.Bids)
	assert.Equal(t, []PriceLevel{lvl("105", "2"), lvl("106", "1"), lvl("107", "1")}, snap.Asks)
	assert.Equal(t, int64(1000), snap.Timestamp)
}

func TestApplySnapshotRejectsCrossed(t *testing.T) {
	b := NewBook(Binance, "BTCUSDT", 10)
	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1")}, []PriceLevel{lvl("101", "1")}, 1000))

	err := b.ApplySnapshot(
		[]PriceLevel{lvl("105", "1")}, []PriceLevel{lvl("104", "1")}, 2000)
	assert.ErrorIs(t, err, ErrCrossedBook)

	// Book keeps the last good state.
	snap := b.Snapshot()
	assert.Equal(t, "100", snap.Bids[0].Price)
	assert.Equal(t, int64(1000), snap.Timestamp)
}

func TestApplyDeltaReplacesAndRemoves(t *testing.T) {
	b := NewBook(Kraken, "XBT/USD", 10)
	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1"), lvl("99", "2")},
		[]PriceLevel{lvl("101", "1"), lvl("102", "2")},
		1000,
	))

	// Replace 100, remove 99, add a new level at 98.
	require.NoError(t, b.ApplyDelta(
		[]PriceLevel{lvl("100", "5"), lvl("99", "0"), lvl("98", "3")},
		nil,
		2000,
	))

	snap := b.Snapshot()
	assert.Equal(t, []PriceLevel{lvl("100", "5"), lvl("98", "3")}, snap.Bids)
	assert.Equal(t, []PriceLevel{lvl("101", "1"), lvl("102", "2")}, snap.Asks)
}

func TestApplyDeltaIdempotentForSameLevels(t *testing.T) {
	b := NewBook(Bybit, "BTCUSDT", 10)
	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1")}, []PriceLevel{lvl("101", "1")}, 1000))

	delta := []PriceLevel{lvl("100", "2")}
	require.NoError(t, b.ApplyDelta(delta, nil, 2000))
	first := b.Snapshot()
	require.NoError(t, b.ApplyDelta(delta, nil, 3000))
	second := b.Snapshot()

	assert.Equal(t, first.Bids, second.Bids)
	assert.Equal(t, first.Asks, second.Asks)
}

func TestApplyDeltaRejectsCrossingUpdate(t *testing.T) {
	b := NewBook(Binance, "BTCUSDT", 10)
	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1")}, []PriceLevel{lvl("101", "1")}, 1000))

	// Bid above the best ask without removing the ask stays crossed
	// after recompute and is rejected.
	err := b.ApplyDelta([]PriceLevel{lvl("102", "1")}, nil, 2000)
	assert.ErrorIs(t, err, ErrCrossedBook)

	snap := b.Snapshot()
	assert.Equal(t, "100", snap.Bids[0].Price)
	assert.Equal(t, int64(1000), snap.Timestamp)
}

func TestApplyDeltaCrossResolvedByAskRemoval(t *testing.T) {
	b := NewBook(Binance, "BTCUSDT", 10)
	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1")},
		[]PriceLevel{lvl("101", "1"), lvl("103", "1")},
		1000,
	))

	// The aggressive bid is fine once the same update removes the ask
	// it crossed.
	require.NoError(t, b.ApplyDelta(
		[]PriceLevel{lvl("102", "1")},
		[]PriceLevel{lvl("101", "0")},
		2000,
	))

	snap := b.Snapshot()
	assert.Equal(t, "102", snap.Bids[0].Price)
	assert.Equal(t, "103", snap.Asks[0].Price)
}

func TestApplyDeltaDropsUnparseableLevels(t *testing.T) {
	b := NewBook(Binance, "BTCUSDT", 10)
	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1")}, []PriceLevel{lvl("101", "1")}, 1000))

	require.NoError(t, b.ApplyDelta(
		[]PriceLevel{lvl("abc", "1"), lvl("99", "junk"), lvl("98", "1")},
		nil,
		2000,
	))

	snap := b.Snapshot()
	assert.Equal(t, []PriceLevel{lvl("100", "1"), lvl("98", "1")}, snap.Bids)
}

func TestSetTopOfBookKeepsDepthBelow(t *testing.T) {
	b := NewBook(Coinbase, "BTC-USD", 10)
	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1"), lvl("99", "2")},
		[]PriceLevel{lvl("101", "1"), lvl("102", "2")},
		1000,
	))

	require.NoError(t, b.SetTopOfBook("100.5", "3", "100.9", "4", 2000))
	snap := b.Snapshot()
	assert.Equal(t, lvl("100.5", "3"), snap.Bids[0])
	assert.Equal(t, lvl("99", "2"), snap.Bids[1])
	assert.Equal(t, lvl("100.9", "4"), snap.Asks[0])
	assert.Equal(t, lvl("102", "2"), snap.Asks[1])
}

func TestSetTopOfBookEmptyFieldsLeaveState(t *testing.T) {
	b := NewBook(Coinbase, "BTC-USD", 10)
	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1")}, []PriceLevel{lvl("101", "2")}, 1000))

	// Empty ask price leaves the ask side untouched; empty bid quantity
	// keeps the previous top quantity.
	require.NoError(t, b.SetTopOfBook("100.2", "", "", "", 2000))
	snap := b.Snapshot()
	assert.Equal(t, lvl("100.2", "1"), snap.Bids[0])
	assert.Equal(t, lvl("101", "2"), snap.Asks[0])
}

func TestSnapshotIsACopy(t *testing.T) {
	b := NewBook(Binance, "BTCUSDT", 10)
	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1")}, []PriceLevel{lvl("101", "1")}, 1000))

	snap := b.Snapshot()
	snap.Bids[0] = lvl("1", "1")
	assert.Equal(t, "100", b.Snapshot().Bids[0].Price)
}

func TestClearEmptiesBook(t *testing.T) {
	b := NewBook(Binance, "BTCUSDT", 10)
	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1")}, []PriceLevel{lvl("101", "1")}, 1000))
	b.SetLastUpdateID(42)

	b.Clear()
	assert.True(t, b.Empty())
	assert.Zero(t, b.LastUpdateID())
	assert.False(t, b.Primed())
}

func TestPrimedOnlyAfterSnapshot(t *testing.T) {
	b := NewBook(Binance, "BTCUSDT", 10)
	assert.False(t, b.Primed())

	// Deltas alone never prime a book.
	require.NoError(t, b.ApplyDelta(
		[]PriceLevel{lvl("100", "1")}, nil, 1000))
	assert.False(t, b.Primed())

	require.NoError(t, b.ApplySnapshot(
		[]PriceLevel{lvl("100", "1")}, []PriceLevel{lvl("101", "1")}, 2000))
	assert.True(t, b.Primed())
}

func TestBestBidAskOnEmptySides(t *testing.T) {
	ob := &OrderBook{Venue: Binance, Symbol: "BTCUSDT"}
	_, ok := ob.BestBid()
	assert.False(t, ok)
	_, ok = ob.BestAsk()
	assert.False(t, ok)
}
