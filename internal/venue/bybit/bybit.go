// Package bybit consumes the Bybit v5 public spot orderbook stream.
// The first frame per topic is a full snapshot; subsequent deltas carry
// a monotonically increasing sequence id.
package bybit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"arbmon/internal/metrics"
	"arbmon/internal/venue"
)

type subscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type opResponse struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

type streamFrame struct {
	Topic string    `json:"topic"`
	Type  string    `json:"type"`
	TS    int64     `json:"ts"`
	Data  orderbook `json:"data"`
}

type orderbook struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
}

type restResponse struct {
	RetCode int       `json:"retCode"`
	RetMsg  string    `json:"retMsg"`
	Result  orderbook `json:"result"`
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
		return fmt.Errorf("bybit: connect: %w", err)
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
	args := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		args = append(args, fmt.Sprintf("orderbook.%d.%s", cfg.Depth, s))
	}
	if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", Args: args}); err != nil {
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
	cfg := c.Config()
	for _, sym := range cfg.Symbols {
		var resp restResponse
		path := fmt.Sprintf("/v5/market/orderbook?category=spot&symbol=%s&limit=%d", sym, cfg.Depth)
		if err := c.rest.GetJSON(ctx, path, &resp); err != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot failed")
			continue
		}
		if resp.RetCode != 0 {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Str("reason", resp.RetMsg).Msg("snapshot failed")
			continue
		}
		book := c.book(sym)
		if err := book.ApplySnapshot(levels(resp.Result.Bids), levels(resp.Result.Asks), venue.NowMillis()); err != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot rejected")
			continue
		}
		book.SetLastUpdateID(resp.Result.UpdateID)
	}
}

// book returns the local book for a configured symbol, nil otherwise.
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
			c.EmitError(fmt.Errorf("bybit: %w", err))
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
	var frame streamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	if frame.Topic == "" {
		var resp opResponse
		if err := json.Unmarshal(raw, &resp); err == nil && resp.Op == "subscribe" && !resp.Success {
			c.EmitError(fmt.Errorf("bybit: subscribe: %s", resp.RetMsg))
		}
		return nil
	}
	sym := frame.Data.Symbol
	if sym == "" {
		return nil
	}
	book := c.book(sym)
	if book == nil {
		log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Msg("update for unknown symbol ignored")
		return fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, sym)
	}
	ts := frame.TS
	if ts == 0 {
		ts = venue.NowMillis()
	}
	var err error
	switch frame.Type {
	case "snapshot":
		err = book.ApplySnapshot(levels(frame.Data.Bids), levels(frame.Data.Asks), ts)
	case "delta":
		// A delta needs a snapshot underneath it, either the REST prime
		// or the stream's own first frame for the topic.
		if !book.Primed() {
			return nil
		}
		// Stale or replayed deltas are identified by sequence id.
		if frame.Data.UpdateID <= book.LastUpdateID() {
			return nil
		}
		err = book.ApplyDelta(levels(frame.Data.Bids), levels(frame.Data.Asks), ts)
	default:
		return nil
	}
	if err != nil {
		if errors.Is(err, venue.ErrCrossedBook) {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Msg("crossed update rejected")
			return nil
		}
		return err
	}
	book.SetLastUpdateID(frame.Data.UpdateID)
	snap := book.Snapshot()
	metrics.RecordBookUpdate(string(c.ID()), sym, len(snap.Bids), len(snap.Asks))
	c.EmitOrderBook(snap)
	return nil
}

func levels(raw [][]string) []venue.PriceLevel {
	out := make([]venue.PriceLevel, 0, len(raw))
	for _, e := range raw {
		if len(e) < 2 {
			continue
		}
		out = append(out, venue.PriceLevel{Price: e[0], Quantity: e[1]})
	}
	return out
}
