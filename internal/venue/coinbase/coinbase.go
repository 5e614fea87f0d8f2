// Package coinbase consumes the Coinbase Exchange ticker channel. The
// public feed carries best-bid/ask only, so books are primed from the
// REST level-2 endpoint and the top level replaced on every tick.
package coinbase

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"arbmon/internal/metrics"
	"arbmon/internal/venue"
)

// bookSnapshot is the REST /products/<id>/book?level=2 response. Each
// entry is [price, size, num-orders]; the trailing count is numeric and
// ignored.
type bookSnapshot struct {
	Sequence int64               `json:"sequence"`
	Bids     [][]json.RawMessage `json:"bids"`
	Asks     [][]json.RawMessage `json:"asks"`
}

type tickerEvent struct {
	Type       string `json:"type"`
	ProductID  string `json:"product_id"`
	BestBid    string `json:"best_bid"`
	BestBidQty string `json:"best_bid_size"`
	BestAsk    string `json:"best_ask"`
	BestAskQty string `json:"best_ask_size"`
	Time       string `json:"time"`
	Message    string `json:"message"`
	Reason     string `json:"reason"`
}

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type Client struct {
	*venue.BaseClient
	rest *venue.RESTClient

	mu     sync.Mutex
	conn   *websocket.Conn
	books  map[string]*venue.Book
	cancel context.CancelFunc
}

func New(cfg venue.ClientConfig) *Client {
	c := &Client{
		BaseClient: venue.NewBaseClient(cfg),
		rest:       venue.NewRESTClient(cfg.Venue, cfg.RESTURL, cfg.RateLimitPerMin),
		books:      make(map[string]*venue.Book, len(cfg.Symbols)),
	}
	for _, s := range cfg.Symbols {
		c.books[s] = venue.NewBook(cfg.Venue, s, cfg.Depth)
	}
	return c
}

func (c *Client) Books() map[string]*venue.OrderBook {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*venue.OrderBook, len(c.books))
	for sym, b := range c.books {
		out[sym] = b.Snapshot()
	}
	return out
}

func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.prime(runCtx)

	conn, err := c.dial(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("coinbase: connect: %w", err)
	}
	c.setConn(conn)
	c.SetConnected(true)
	metrics.RecordConnectionStatus(string(c.ID()), true)
	c.EmitConnected()
	c.emitAll()

	go c.readLoop(runCtx, conn)
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.cancel = nil
	c.conn = nil
	for _, b := range c.books {
		b.Clear()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if c.Connected() {
		c.SetConnected(false)
		metrics.RecordConnectionStatus(string(c.ID()), false)
		c.EmitDisconnected()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg := c.Config()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.WSURL, nil)
	if err != nil {
		return nil, err
	}
	sub := subscribeRequest{
		Type:       "subscribe",
		ProductIDs: cfg.Symbols,
		Channels:   []string{"ticker"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) prime(ctx context.Context) {
	for _, sym := range c.Symbols() {
		var snap bookSnapshot
		path := fmt.Sprintf("/products/%s/book?level=2", sym)
		if err := c.rest.GetJSON(ctx, path, &snap); err != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot failed")
			continue
		}
		book := c.book(sym)
		if err := book.ApplySnapshot(rawLevels(snap.Bids), rawLevels(snap.Asks), venue.NowMillis()); err != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot rejected")
			continue
		}
		book.SetLastUpdateID(snap.Sequence)
	}
}

// book returns the local book for a subscribed product, nil otherwise.
func (c *Client) book(sym string) *venue.Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.books[sym]
}

func (c *Client) emitAll() {
	for _, sym := range c.Symbols() {
		b := c.book(sym)
		if !b.Empty() {
			c.EmitOrderBook(b.Snapshot())
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		err := c.consume(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("exchange", string(c.ID())).Err(err).Msg("stream dropped")
		c.SetConnected(false)
		metrics.RecordConnectionStatus(string(c.ID()), false)
		c.EmitDisconnected()

		next, ok := c.reconnect(ctx)
		if !ok {
			return
		}
		conn = next
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	recon := venue.NewReconnector()
	for {
		delay, err := recon.Next()
		if err != nil {
			c.EmitError(fmt.Errorf("coinbase: %w", err))
			return nil, false
		}
		metrics.RecordReconnect(string(c.ID()))
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		conn, derr := c.dial(ctx)
		if derr != nil {
			log.Warn().Str("exchange", string(c.ID())).Int("attempt", recon.Attempts()).Err(derr).Msg("reconnect failed")
			metrics.RecordConnectionError(string(c.ID()), "dial")
			c.EmitError(derr)
			continue
		}
		c.prime(ctx)
		c.setConn(conn)
		c.SetConnected(true)
		metrics.RecordConnectionStatus(string(c.ID()), true)
		c.EmitConnected()
		c.emitAll()
		return conn, true
	}
}

func (c *Client) consume(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.handle(raw); err != nil {
			log.Debug().Str("exchange", string(c.ID())).Err(err).Msg("frame dropped")
		}
	}
}

func (c *Client) handle(raw []byte) error {
	var ev tickerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return err
	}
	switch ev.Type {
	case "ticker":
	case "error":
		c.EmitError(fmt.Errorf("coinbase: %s: %s", ev.Message, ev.Reason))
		return nil
	default:
		// subscriptions ack, heartbeats
		return nil
	}
	if ev.ProductID == "" {
		return nil
	}
	book := c.book(ev.ProductID)
	if book == nil {
		log.Warn().Str("exchange", string(c.ID())).Str("symbol", ev.ProductID).Msg("ticker for unknown product ignored")
		return fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, ev.ProductID)
	}
	if book.Empty() {
		// Nothing primed to anchor the top level onto.
		return nil
	}
	ts := venue.NowMillis()
	if ev.Time != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.Time); err == nil {
			ts = t.UTC().UnixMilli()
		}
	}
	if err := book.SetTopOfBook(ev.BestBid, ev.BestBidQty, ev.BestAsk, ev.BestAskQty, ts); err != nil {
		log.Warn().Str("exchange", string(c.ID())).Str("symbol", ev.ProductID).Err(err).Msg("ticker rejected")
		return nil
	}
	snap := book.Snapshot()
	metrics.RecordBookUpdate(string(c.ID()), ev.ProductID, len(snap.Bids), len(snap.Asks))
	c.EmitOrderBook(snap)
	return nil
}

// rawLevels converts mixed-type level arrays, keeping only the leading
// price and size strings.
func rawLevels(raw [][]json.RawMessage) []venue.PriceLevel {
	out := make([]venue.PriceLevel, 0, len(raw))
	for _, e := range raw {
		if len(e) < 2 {
			continue
		}
		var price, qty string
		if err := json.Unmarshal(e[0], &price); err != nil {
			continue
		}
		if err := json.Unmarshal(e[1], &qty); err != nil {
			continue
		}
		out = append(out, venue.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}
