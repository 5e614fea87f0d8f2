// Package kraken consumes the Kraken v1 websocket book channel. Data
// frames are JSON arrays; the payload objects carry as/bs for the
// initial snapshot and a/b for incremental updates.
package kraken

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

type subscribeRequest struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

type eventFrame struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	Pair         string `json:"pair"`
}

// bookPayload covers both snapshot (as/bs) and update (a/b) objects.
// Level entries are [price, volume, time] with an optional republish
// flag appended.
type bookPayload struct {
	SnapshotAsks [][]json.RawMessage `json:"as"`
	SnapshotBids [][]json.RawMessage `json:"bs"`
	Asks         [][]json.RawMessage `json:"a"`
	Bids         [][]json.RawMessage `json:"b"`
}

// depthResult is one pair's entry in the REST Depth response.
type depthResult struct {
	Asks [][]json.RawMessage `json:"asks"`
	Bids [][]json.RawMessage `json:"bids"`
}

type depthResponse struct {
	Error  []string               `json:"error"`
	Result map[string]depthResult `json:"result"`
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
		return fmt.Errorf("kraken: connect: %w", err)
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
		Event:        "subscribe",
		Pair:         cfg.Symbols,
		Subscription: subscription{Name: "book", Depth: cfg.Depth},
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

// prime fetches REST depth per symbol. The REST pair parameter drops
// the slash from the websocket pair spelling; the response is keyed by
// Kraken's internal pair name, so the single entry is taken as-is.
func (c *Client) prime(ctx context.Context) {
	cfg := c.Config()
	for _, sym := range cfg.Symbols {
		var resp depthResponse
		pair := strings.ReplaceAll(sym, "/", "")
		path := fmt.Sprintf("/0/public/Depth?pair=%s&count=%d", pair, cfg.Depth)
		if err := c.rest.GetJSON(ctx, path, &resp); err != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot failed")
			continue
		}
		if len(resp.Error) > 0 {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Strs("errors", resp.Error).Msg("snapshot failed")
			continue
		}
		for _, res := range resp.Result {
			book := c.book(sym)
			if err := book.ApplySnapshot(rawLevels(res.Bids), rawLevels(res.Asks), venue.NowMillis()); err != nil {
				log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot rejected")
			}
			break
		}
	}
}

// book returns the local book for a subscribed pair, nil otherwise.
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
			c.EmitError(fmt.Errorf("kraken: %w", err))
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
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	if strings.HasPrefix(trimmed, "{") {
		var ev eventFrame
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		if ev.Event == "subscriptionStatus" && ev.Status == "error" {
			c.EmitError(fmt.Errorf("kraken: subscribe %s: %s", ev.Pair, ev.ErrorMessage))
		}
		return nil
	}

	// Data frames: [channelID, payload..., channelName, pair]. Updates
	// touching both sides carry two payload objects.
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	if len(frame) < 4 {
		return nil
	}
	var pair string
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return err
	}
	book := c.book(pair)
	if book == nil {
		log.Warn().Str("exchange", string(c.ID())).Str("symbol", pair).Msg("update for unknown pair ignored")
		return fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, pair)
	}

	var snapBids, snapAsks, deltaBids, deltaAsks []venue.PriceLevel
	snapshot := false
	for _, part := range frame[1 : len(frame)-2] {
		var payload bookPayload
		if err := json.Unmarshal(part, &payload); err != nil {
			continue
		}
		if len(payload.SnapshotBids) > 0 || len(payload.SnapshotAsks) > 0 {
			snapshot = true
			snapBids = append(snapBids, rawLevels(payload.SnapshotBids)...)
			snapAsks = append(snapAsks, rawLevels(payload.SnapshotAsks)...)
		}
		deltaBids = append(deltaBids, rawLevels(payload.Bids)...)
		deltaAsks = append(deltaAsks, rawLevels(payload.Asks)...)
	}

	ts := venue.NowMillis()
	var err error
	if snapshot {
		err = book.ApplySnapshot(snapBids, snapAsks, ts)
	} else if len(deltaBids) > 0 || len(deltaAsks) > 0 {
		// Deltas before the channel snapshot (or a successful REST
		// prime) have nothing to merge into.
		if !book.Primed() {
			return nil
		}
		err = book.ApplyDelta(deltaBids, deltaAsks, ts)
	} else {
		return nil
	}
	if err != nil {
		if errors.Is(err, venue.ErrCrossedBook) {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", pair).Msg("crossed update rejected")
			return nil
		}
		return err
	}
	snap := book.Snapshot()
	metrics.RecordBookUpdate(string(c.ID()), pair, len(snap.Bids), len(snap.Asks))
	c.EmitOrderBook(snap)
	return nil
}

// rawLevels converts [price, volume, time, ...] arrays, keeping the
// leading price and volume strings.
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
