// Package venue defines the canonical market-data types shared by all
// exchange clients and the capability set each client implements.
package venue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ID identifies a supported exchange.
type ID string

const (
	Binance  ID = "binance"
	Coinbase ID = "coinbase"
	Kraken   ID = "kraken"
	Bybit    ID = "bybit"
	KuCoin   ID = "kucoin"
	Gemini   ID = "gemini"
)

// All lists every supported venue.
func All() []ID {
	return []ID{Binance, Coinbase, Kraken, Bybit, KuCoin, Gemini}
}

// Known reports whether id names a supported venue.
func Known(id ID) bool {
	for _, v := range All() {
		if v == id {
			return true
		}
	}
	return false
}

var (
	// ErrCrossedBook is returned when an update leaves the book crossed
	// even after the affected sides are recomputed.
	ErrCrossedBook = errors.New("orderbook is crossed")

	// ErrUnknownSymbol is returned for updates addressed to a symbol the
	// client has no local book for.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrReconnectExhausted is surfaced as a terminal error after the
	// maximum number of consecutive reconnect attempts.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// PriceLevel is one level of an order book. Price and quantity stay as the
// exact decimal strings the venue sent; they are parsed only at comparison
// and output time.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// OrderBook is the only market-data representation that crosses component
// boundaries. Bids are strictly descending by price, asks strictly
// ascending, and each side holds at most the venue's depth limit.
type OrderBook struct {
	Venue        ID           `json:"venue"`
	Symbol       string       `json:"symbol"` // venue-native spelling
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    int64        `json:"timestamp"` // UTC milliseconds
	LastUpdateID int64        `json:"last_update_id,omitempty"`
}

// BestBid returns the top bid, if any.
func (ob *OrderBook) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask, if any.
func (ob *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	return ob.Asks[0], true
}

// Listener receives client lifecycle and market-data events. The dynamic
// manager owns the listener; clients never talk to each other.
type Listener interface {
	OnConnected(id ID)
	OnOrderBook(ob *OrderBook)
	OnError(id ID, err error)
	OnDisconnected(id ID)
}

// ClientConfig carries everything a venue client needs to run.
type ClientConfig struct {
	Venue           ID
	WSURL           string
	RESTURL         string
	Symbols         []string // venue-native spellings
	Depth           int      // max levels kept per side
	RateLimitPerMin int
}

// Client is the capability set every venue variant implements. Variants
// share the same state machine and differ only in wire framing.
type Client interface {
	ID() ID
	Connect(ctx context.Context) error
	Disconnect() error
	Symbols() []string
	Books() map[string]*OrderBook
	SetListener(l Listener)
}

// BaseClient provides the state shared by all venue clients: configuration,
// the listener, connection status and last-message bookkeeping.
type BaseClient struct {
	cfg      ClientConfig
	mu       sync.RWMutex
	listener Listener
	running  bool
	lastMsg  time.Time
}

// NewBaseClient embeds shared client state for a venue variant.
func NewBaseClient(cfg ClientConfig) *BaseClient {
	return &BaseClient{cfg: cfg}
}

// ID returns the venue identifier.
func (c *BaseClient) ID() ID { return c.cfg.Venue }

// Config returns the client configuration.
func (c *BaseClient) Config() ClientConfig { return c.cfg }

// Symbols returns the native symbols this client subscribes to.
func (c *BaseClient) Symbols() []string {
	out := make([]string, len(c.cfg.Symbols))
	copy(out, c.cfg.Symbols)
	return out
}

// SetListener installs the event listener.
func (c *BaseClient) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Connected reports whether the client considers itself live.
func (c *BaseClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// SetConnected flips the live flag.
func (c *BaseClient) SetConnected(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

// LastMessageTime returns when the client last received a frame.
func (c *BaseClient) LastMessageTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMsg
}

// EmitOrderBook forwards a book to the listener and stamps message receipt.
func (c *BaseClient) EmitOrderBook(ob *OrderBook) {
	c.mu.Lock()
	c.lastMsg = time.Now()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.OnOrderBook(ob)
	}
}

// EmitConnected signals that the client went live.
func (c *BaseClient) EmitConnected() {
	c.mu.RLock()
	l := c.listener
	c.mu.RUnlock()
	if l != nil {
		l.OnConnected(c.cfg.Venue)
	}
}

// EmitError forwards an error event.
func (c *BaseClient) EmitError(err error) {
	c.mu.RLock()
	l := c.listener
	c.mu.RUnlock()
	if l != nil {
		l.OnError(c.cfg.Venue, err)
	}
}

// EmitDisconnected signals that the client stopped.
func (c *BaseClient) EmitDisconnected() {
	c.mu.RLock()
	l := c.listener
	c.mu.RUnlock()
	if l != nil {
		l.OnDisconnected(c.cfg.Venue)
	}
}

// NowMillis returns the current wall clock in UTC milliseconds.
func NowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
