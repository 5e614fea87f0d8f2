package venue

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Book maintains one locally reconstructed order book. All clients mutate
// books through the same side-update rule; only the wire framing differs
// per venue. A Book is not safe for concurrent use; each client applies
// updates sequentially.
type Book struct {
	venue        ID
	symbol       string
	depth        int
	bids         []PriceLevel
	asks         []PriceLevel
	timestamp    int64
	lastUpdateID int64
	primed       bool
}

// NewBook creates an empty book capped at depth levels per side.
func NewBook(id ID, symbol string, depth int) *Book {
	return &Book{venue: id, symbol: symbol, depth: depth}
}

// Symbol returns the native symbol the book tracks.
func (b *Book) Symbol() string { return b.symbol }

// LastUpdateID returns the venue sequence id of the last applied update,
// or zero when the venue exposes none.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// SetLastUpdateID records the venue sequence id.
func (b *Book) SetLastUpdateID(id int64) { b.lastUpdateID = id }

// Empty reports whether both sides are empty.
func (b *Book) Empty() bool { return len(b.bids) == 0 && len(b.asks) == 0 }

// Primed reports whether a full snapshot has been applied since the book
// was created or last cleared. Deltas merged into an unprimed book would
// present whatever deep level happened to change as the top of book, so
// clients drop them until the next snapshot.
func (b *Book) Primed() bool { return b.primed }

// ApplySnapshot replaces both sides wholesale, then sorts, dedupes and
// truncates. A crossed snapshot is rejected and the book left unchanged.
func (b *Book) ApplySnapshot(bids, asks []PriceLevel, timestampMillis int64) error {
	newBids := normalizeSide(bids, true, b.depth)
	newAsks := normalizeSide(asks, false, b.depth)
	if crossed(newBids, newAsks) {
		return ErrCrossedBook
	}
	b.bids, b.asks = newBids, newAsks
	b.timestamp = timestampMillis
	b.primed = true
	return nil
}

// ApplyDelta merges incremental levels into both sides: the existing entry
// at each incoming price is removed, the new entry inserted when its
// quantity parses above zero, then the side is re-sorted and truncated.
// If the result is crossed it is recomputed once; a book that stays
// crossed rejects the update and remains unchanged.
func (b *Book) ApplyDelta(bids, asks []PriceLevel, timestampMillis int64) error {
	newBids := mergeSide(b.bids, bids, true, b.depth)
	newAsks := mergeSide(b.asks, asks, false, b.depth)
	if crossed(newBids, newAsks) {
		// Transient crosses can appear mid-update; recompute from the
		// stored entries before giving up.
		newBids = normalizeSide(newBids, true, b.depth)
		newAsks = normalizeSide(newAsks, false, b.depth)
		if crossed(newBids, newAsks) {
			return ErrCrossedBook
		}
	}
	b.bids, b.asks = newBids, newAsks
	b.timestamp = timestampMillis
	return nil
}

// SetTopOfBook replaces only the best level of each non-empty side,
// keeping the primed depth below it. Used by venues whose public feed
// streams ticker-level data only. Empty price strings leave the side
// untouched.
func (b *Book) SetTopOfBook(bidPrice, bidQty, askPrice, askQty string, timestampMillis int64) error {
	newBids := b.bids
	if bidPrice != "" && len(b.bids) > 0 {
		newBids = append([]PriceLevel(nil), b.bids...)
		qty := bidQty
		if qty == "" {
			qty = newBids[0].Quantity
		}
		newBids[0] = PriceLevel{Price: bidPrice, Quantity: qty}
		newBids = normalizeSide(newBids, true, b.depth)
	}
	newAsks := b.asks
	if askPrice != "" && len(b.asks) > 0 {
		newAsks = append([]PriceLevel(nil), b.asks...)
		qty := askQty
		if qty == "" {
			qty = newAsks[0].Quantity
		}
		newAsks[0] = PriceLevel{Price: askPrice, Quantity: qty}
		newAsks = normalizeSide(newAsks, false, b.depth)
	}
	if crossed(newBids, newAsks) {
		return ErrCrossedBook
	}
	b.bids, b.asks = newBids, newAsks
	b.timestamp = timestampMillis
	return nil
}

// Snapshot returns an emission-ready copy of the book.
func (b *Book) Snapshot() *OrderBook {
	ob := &OrderBook{
		Venue:        b.venue,
		Symbol:       b.symbol,
		Bids:         append([]PriceLevel(nil), b.bids...),
		Asks:         append([]PriceLevel(nil), b.asks...),
		Timestamp:    b.timestamp,
		LastUpdateID: b.lastUpdateID,
	}
	return ob
}

// Clear drops both sides, e.g. on disconnect. A cleared book needs a
// fresh snapshot before it accepts deltas again.
func (b *Book) Clear() {
	b.bids, b.asks = nil, nil
	b.lastUpdateID = 0
	b.primed = false
}

// mergeSide applies incremental levels onto an existing side.
func mergeSide(existing, updates []PriceLevel, descending bool, depth int) []PriceLevel {
	byPrice := make(map[string]PriceLevel, len(existing)+len(updates))
	for _, lvl := range existing {
		byPrice[lvl.Price] = lvl
	}
	for _, lvl := range updates {
		qty, err := decimal.NewFromString(lvl.Quantity)
		if err != nil || !qty.IsPositive() {
			// Zero quantity is the wire signal for level removal.
			delete(byPrice, lvl.Price)
			continue
		}
		byPrice[lvl.Price] = lvl
	}
	merged := make([]PriceLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		merged = append(merged, lvl)
	}
	return normalizeSide(merged, descending, depth)
}

// normalizeSide sorts a side (bids descending, asks ascending), drops
// zero-quantity and unparseable entries, dedupes by price and truncates
// to depth.
func normalizeSide(levels []PriceLevel, descending bool, depth int) []PriceLevel {
	type parsed struct {
		level PriceLevel
		price decimal.Decimal
	}
	out := make([]parsed, 0, len(levels))
	seen := make(map[string]bool, len(levels))
	for _, lvl := range levels {
		if seen[lvl.Price] {
			continue
		}
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(lvl.Quantity)
		if err != nil || !qty.IsPositive() {
			continue
		}
		seen[lvl.Price] = true
		out = append(out, parsed{level: lvl, price: price})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].price.GreaterThan(out[j].price)
		}
		return out[i].price.LessThan(out[j].price)
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	side := make([]PriceLevel, len(out))
	for i, p := range out {
		side[i] = p.level
	}
	return side
}

// crossed reports bids[0] >= asks[0] for non-empty sides.
func crossed(bids, asks []PriceLevel) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	bid, err := decimal.NewFromString(bids[0].Price)
	if err != nil {
		return false
	}
	ask, err := decimal.NewFromString(asks[0].Price)
	if err != nil {
		return false
	}
	return bid.GreaterThanOrEqual(ask)
}
