// Package kucoin consumes the KuCoin public level-2 stream. The
// websocket endpoint is not static: a bullet-public bootstrap call
// returns the endpoint and a connect token, and the server expects an
// application-level ping on a fixed interval.
package kucoin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"arbmon/internal/metrics"
	"arbmon/internal/venue"
)

const pingInterval = 20 * time.Second

type bulletResponse struct {
	Code string `json:"code"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint string `json:"endpoint"`
		} `json:"instanceServers"`
	} `json:"data"`
}

type wsMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Subject string `json:"subject,omitempty"`
	Data    struct {
		SequenceStart int64  `json:"sequenceStart"`
		SequenceEnd   int64  `json:"sequenceEnd"`
		Symbol        string `json:"symbol"`
		Changes       struct {
			Asks [][]string `json:"asks"`
			Bids [][]string `json:"bids"`
		} `json:"changes"`
	} `json:"data"`
}

type subscribeRequest struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

type level2Snapshot struct {
	Code string `json:"code"`
	Data struct {
		Time     int64      `json:"time"`
		Sequence string     `json:"sequence"`
		Bids     [][]string `json:"bids"`
		Asks     [][]string `json:"asks"`
	} `json:"data"`
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
		return fmt.Errorf("kucoin: connect: %w", err)
	}
	c.setConn(conn)
	c.SetConnected(true)
	metrics.RecordConnectionStatus(string(c.ID()), true)
	c.EmitConnected()
	c.emitAll()

	go c.readLoop(runCtx, conn)
	go c.pingLoop(runCtx)
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

// dial bootstraps via bullet-public, opens the returned endpoint with
// the connect token, waits for the welcome frame, then subscribes one
// level-2 topic per symbol.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var bullet bulletResponse
	if err := c.rest.PostJSON(ctx, "/api/v1/bullet-public", nil, &bullet); err != nil {
		return nil, fmt.Errorf("bullet bootstrap: %w", err)
	}
	if bullet.Code != "200000" || len(bullet.Data.InstanceServers) == 0 {
		return nil, fmt.Errorf("bullet bootstrap: code %s", bullet.Code)
	}

	endpoint := fmt.Sprintf("%s?token=%s&connectId=%s",
		bullet.Data.InstanceServers[0].Endpoint, bullet.Data.Token, uuid.NewString())
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var welcome wsMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("welcome: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if welcome.Type != "welcome" {
		conn.Close()
		return nil, fmt.Errorf("welcome: unexpected frame %q", welcome.Type)
	}

	for i, sym := range c.Symbols() {
		sub := subscribeRequest{
			ID:       strconv.Itoa(i + 1),
			Type:     "subscribe",
			Topic:    "/market/level2:" + sym,
			Response: true,
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) prime(ctx context.Context) {
	for _, sym := range c.Symbols() {
		var snap level2Snapshot
		path := "/api/v1/market/orderbook/level2_100?symbol=" + sym
		if err := c.rest.GetJSON(ctx, path, &snap); err != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot failed")
			continue
		}
		if snap.Code != "200000" {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Str("code", snap.Code).Msg("snapshot failed")
			continue
		}
		ts := snap.Data.Time
		if ts == 0 {
			ts = venue.NowMillis()
		}
		book := c.book(sym)
		if err := book.ApplySnapshot(levels(snap.Data.Bids), levels(snap.Data.Asks), ts); err != nil {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Err(err).Msg("snapshot rejected")
			continue
		}
		if seq, err := strconv.ParseInt(snap.Data.Sequence, 10, 64); err == nil {
			book.SetLastUpdateID(seq)
		}
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

// pingLoop keeps the session alive; the server drops connections that
// miss the ping window and the read loop then reconnects.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			msg := wsMessage{ID: strconv.FormatInt(time.Now().UnixNano(), 10), Type: "ping"}
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Str("exchange", string(c.ID())).Err(err).Msg("ping failed")
			}
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
			c.EmitError(fmt.Errorf("kucoin: %w", err))
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
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if msg.Type != "message" || msg.Subject != "trade.l2update" {
		return nil
	}
	sym := msg.Data.Symbol
	if sym == "" {
		return nil
	}
	book := c.book(sym)
	if book == nil {
		log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Msg("update for unknown symbol ignored")
		return fmt.Errorf("%w: %s", venue.ErrUnknownSymbol, sym)
	}
	// l2update frames are deltas; without a REST snapshot underneath they
	// would surface arbitrary deep levels as the top of book.
	if !book.Primed() {
		return nil
	}
	// The change batch is bounded by sequenceEnd; batches at or below
	// the book's sequence were already applied.
	if msg.Data.SequenceEnd != 0 && msg.Data.SequenceEnd <= book.LastUpdateID() {
		return nil
	}
	if err := book.ApplyDelta(levels(msg.Data.Changes.Bids), levels(msg.Data.Changes.Asks), venue.NowMillis()); err != nil {
		if errors.Is(err, venue.ErrCrossedBook) {
			log.Warn().Str("exchange", string(c.ID())).Str("symbol", sym).Msg("crossed update rejected")
			return nil
		}
		return err
	}
	if msg.Data.SequenceEnd != 0 {
		book.SetLastUpdateID(msg.Data.SequenceEnd)
	}
	snap := book.Snapshot()
	metrics.RecordBookUpdate(string(c.ID()), sym, len(snap.Bids), len(snap.Asks))
	c.EmitOrderBook(snap)
	return nil
}

// levels converts [price, size, sequence] change arrays; the trailing
// sequence is ignored.
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
