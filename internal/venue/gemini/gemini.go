// Package gemini consumes the Gemini v1 market data feed. Each symbol
// gets its own socket at <ws-url>/<symbol>; no subscribe frame exists
// and the first update carries the full book as change events.
package gemini

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

type updateFrame struct {
	Type        string        `json:"type"`
	EventID     int64         `json:"eventId"`
	TimestampMS int64         `json:"timestampms"`
	Events      []changeEvent `json:"events"`
}

type changeEvent struct {
	Type      string `json:"type"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Remaining string `json:"remaining"`
	Reason    string `json:"reason"`
}

// restLevel is one side entry of the REST /v1/book response.
type restLevel struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

type restBook struct {
	Bids []restLevel `json:"bids"`
	Asks []restLevel `json:"asks"`
}

type Client struct {
	*venue.BaseClient
	rest *venue.RESTClient

	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	books  map[string]*venue.Book
	cancel context.CancelFunc
}

func New(cfg venue.ClientConfig) *Client {
	c := &Client{
		BaseClient: venue.NewBaseClient(cfg),
		rest:       venue.NewRESTClient(cfg.Venue, cfg.RESTURL, cfg.RateLimitPerMin),
		conns:      make(map[string]*websocket.Conn, len(cfg.Symbols)),
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

// Connect primes every symbol and opens one feed socket per symbol.
// The client counts as connected once at least one socket is up.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	opened := 0
	var lastErr error
	for _, sym := range c.Symbols() {
		c.primeSymbol(runCtx, sym)
		conn, err := c.dial(runCtx, sym)
		if err != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("dial failed")
			lastErr = err
			continue
		}
		c.setConn(sym, conn)
		opened++
		go c.readLoop(runCtx, sym, conn)
	}
	if opened == 0 {
		cancel()
		return fmt.Errorf("gemini: connect: %w", lastErr)
	}
	c.SetConnected(true)
	metrics.RecordConnectionStatus(string(c.ID()), true)
	c.EmitConnected()
	c.emitAll()
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	conns := c.conns
	c.cancel = nil
	c.conns = make(map[string]*websocket.Conn)
	for _, b := range c.books {
		b.Clear()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, conn := range conns {
		conn.Close()
	}
	if c.Connected() {
		c.SetConnected(false)
		metrics.RecordConnectionStatus(string(c.ID()), false)
		c.EmitDisconnected()
	}
	return nil
}

func (c *Client) dial(ctx context.Context, sym string) (*websocket.Conn, error) {
	endpoint := strings.TrimRight(c.Config().WSURL, "/") + "/" + strings.ToLower(sym)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	return conn, err
}

func (c *Client) setConn(sym string, conn *websocket.Conn) {
	c.mu.Lock()
	c.conns[sym] = conn
	c.mu.Unlock()
}

func (c *Client) primeSymbol(ctx context.Context, sym string) {
	var snap restBook
	if err := c.rest.GetJSON(ctx, "/v1/book/"+strings.ToLower(sym), &snap); err != nil {
		log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot failed")
		return
	}
	book := c.book(sym)
	if err := book.ApplySnapshot(levels(snap.Bids), levels(snap.Asks), venue.NowMillis()); err != nil {
		log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot rejected")
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

// readLoop runs one symbol's feed; each symbol reconnects on its own
// backoff schedule.
func (c *Client) readLoop(ctx context.Context, sym string, conn *websocket.Conn) {
	for {
		err := c.consume(ctx, sym, conn)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("stream dropped")

		next, ok := c.reconnect(ctx, sym)
		if !ok {
			return
		}
		conn = next
	}
}

func (c *Client) reconnect(ctx context.Context, sym string) (*websocket.Conn, bool) {
	recon := venue.NewReconnector()
	for {
		delay, err := recon.Next()
		if err != nil {
			c.EmitError(fmt.Errorf("gemini: %s: %w", sym, err))
			return nil, false
		}
		metrics.RecordReconnect(string(c.ID()))
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		conn, derr := c.dial(ctx, sym)
		if derr != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Int("attempt", recon.Attempts()).Err(derr).Msg("reconnect failed")
			metrics.RecordConnectionError(string(c.ID()), "dial")
			c.EmitError(derr)
			continue
		}
		c.primeSymbol(ctx, sym)
		c.setConn(sym, conn)
		b := c.book(sym)
		if !b.Empty() {
			c.EmitOrderBook(b.Snapshot())
		}
		return conn, true
	}
}

func (c *Client) consume(ctx context.Context, sym string, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.handle(sym, raw); err != nil {
			log.Debug().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("frame dropped")
		}
	}
}

func (c *Client) handle(sym string, raw []byte) error {
	var frame updateFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	if frame.Type != "update" || len(frame.Events) == 0 {
		return nil
	}
	var bids, asks []venue.PriceLevel
	initial := false
	for _, ev := range frame.Events {
		if ev.Type != "change" {
			continue
		}
		if ev.Reason == "initial" {
			initial = true
		}
		lvl := venue.PriceLevel{Price: ev.Price, Quantity: ev.Remaining}
		switch ev.Side {
		case "bid":
			bids = append(bids, lvl)
		case "ask":
			asks = append(asks, lvl)
		}
	}
	if len(bids) == 0 && len(asks) == 0 {
		return nil
	}
	ts := frame.TimestampMS
	if ts == 0 {
		ts = venue.NowMillis()
	}
	book := c.book(sym)
	if book == nil {
		log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Msg("update for unknown symbol ignored")
		return fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, sym)
	}
	var err error
	if initial {
		// The first frame on a fresh socket carries the whole book.
		err = book.ApplySnapshot(bids, asks, ts)
	} else {
		if !book.Primed() {
			return nil
		}
		err = book.ApplyDelta(bids, asks, ts)
	}
	if err != nil {
		if errors.Is(err, venue.ErrCrossedBook) {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Msg("crossed update rejected")
			return nil
		}
		return err
	}
	if frame.EventID != 0 {
		book.SetLastUpdateID(frame.EventID)
	}
	snap := book.Snapshot()
	metrics.RecordBookUpdate(string(c.ID()), sym, len(snap.Bids), len(snap.Asks))
	c.EmitOrderBook(snap)
	return nil
}

func levels(raw []restLevel) []venue.PriceLevel {
	out := make([]venue.PriceLevel, 0, len(raw))
	for _, e := range raw {
		out = append(out, venue.PriceLevel{Price: e.Price, Quantity: e.Amount})
	}
	return out
}
