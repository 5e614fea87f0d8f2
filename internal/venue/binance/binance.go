// Package binance streams spot depth updates from Binance and keeps a
// local book per symbol, primed from the REST depth endpoint.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"arbmon/internal/metrics"
	"arbmon/internal/venue"
)

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
		return fmt.Errorf("binance: connect: %w", err)
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

// dial opens the combined-stream socket carrying one depth stream per
// configured symbol; the streams are encoded in the path, no subscribe
// frame is needed.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg := c.Config()
	streams := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		streams = append(streams, strings.ToLower(s)+"@depth")
	}
	endpoint := strings.TrimRight(cfg.WSURL, "/") + "/" + strings.Join(streams, "/")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	return conn, err
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// prime fetches a REST snapshot per symbol. A failed symbol is logged
// and left empty; its book simply stays out of scans until the next
// reconnect re-primes it.
func (c *Client) prime(ctx context.Context) {
	cfg := c.Config()
	for _, sym := range cfg.Symbols {
		var snap depthSnapshot
		path := fmt.Sprintf("/api/v3/depth?symbol=%s&limit=%d", sym, cfg.Depth)
		if err := c.rest.GetJSON(ctx, path, &snap); err != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot failed")
			continue
		}
		book := c.book(sym)
		if err := book.ApplySnapshot(levels(snap.Bids), levels(snap.Asks), venue.NowMillis()); err != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot rejected")
			continue
		}
		book.SetLastUpdateID(snap.LastUpdateID)
	}
}

// book returns the local book for a configured symbol, nil otherwise.
// Books exist only for the symbols the client subscribed to.
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

// reconnect retries with exponential backoff, re-priming snapshots on
// each successful dial. Returns false once the attempt budget is spent
// or the context is done; the client is then terminal until a fresh
// Connect.
func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	recon := venue.NewReconnector()
	for {
		delay, err := recon.Next()
		if err != nil {
			c.EmitError(fmt.Errorf("binance: %w", err))
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
	var ev depthEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return err
	}
	if ev.Event != "depthUpdate" || ev.Symbol == "" {
		return nil
	}
	book := c.book(ev.Symbol)
	if book == nil {
		log.Warn().Str("exchange", string(c.ID())).Str("symbol", ev.Symbol).Msg("update for unknown symbol ignored")
		return fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, ev.Symbol)
	}
	// The stream carries deltas only; until a REST snapshot lands the
	// book has no top to anchor them on.
	if !book.Primed() {
		return nil
	}
	// Replays and stale batches carry a final id at or below what the
	// book already holds; skip them without touching the book.
	if ev.FinalUpdateID <= book.LastUpdateID() {
		return nil
	}
	ts := ev.EventTime
	if ts == 0 {
		ts = venue.NowMillis()
	}
	if err := book.ApplyDelta(levels(ev.Bids), levels(ev.Asks), ts); err != nil {
		if errors.Is(err, venue.ErrCrossedBook) {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", ev.Symbol).Msg("crossed update rejected")
			return nil
		}
		return err
	}
	book.SetLastUpdateID(ev.FinalUpdateID)
	snap := book.Snapshot()
	metrics.RecordBookUpdate(string(c.ID()), ev.Symbol, len(snap.Bids), len(snap.Asks))
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
