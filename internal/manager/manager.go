// Package manager owns the venue-client set, mediates runtime
// configuration, fans order-book updates into the cache and the detector,
// and publishes health status.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"arbmon/internal/config"
	"arbmon/internal/detector"
	"arbmon/internal/metrics"
	"arbmon/internal/symbols"
	"arbmon/internal/venue"
)

const (
	statusInterval  = 10 * time.Second
	staleAfter      = 30 * time.Second
	intakeBuffer    = 1024
	shutdownGrace   = 2 * time.Second
	monitorInterval = 30 * time.Second
)

// Store is the read/write connection to the key/value store.
type Store interface {
	SaveOrderBook(ctx context.Context, ob *venue.OrderBook) error
	LoadConfig(ctx context.Context) (*config.BotConfig, error)
	SaveStatus(ctx context.Context, status config.BotStatus) error
	Close() error
}

// ConfigSource is the dedicated subscriber connection delivering config
// replacements.
type ConfigSource interface {
	SubscribeConfig(ctx context.Context) (<-chan config.BotConfig, error)
	Close() error
}

// ClientFactory builds a venue client from its resolved configuration.
type ClientFactory func(cfg venue.ClientConfig) (venue.Client, error)

// Deps wires the manager's collaborators.
type Deps struct {
	Store    Store
	Configs  ConfigSource
	Detector *detector.Detector
	Registry *symbols.Registry
	Venues   map[venue.ID]config.VenueDescriptor
	Factory  ClientFactory
}

// Manager supervises the live venue clients. All client-set mutations
// happen on the manager's own goroutines; clients never reshape the set
// themselves.
type Manager struct {
	deps Deps

	mu        sync.RWMutex
	cfg       config.BotConfig
	clients   map[venue.ID]venue.Client
	connected map[venue.ID]bool
	startedAt time.Time
	running   bool

	intake      chan *venue.OrderBook
	subscribers []func(*venue.OrderBook)

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a manager. Factory defaults to the built-in venue clients.
func New(deps Deps) *Manager {
	if deps.Factory == nil {
		deps.Factory = DefaultFactory
	}
	if deps.Venues == nil {
		deps.Venues = config.DefaultVenues()
	}
	return &Manager{
		deps:      deps,
		clients:   make(map[venue.ID]venue.Client),
		connected: make(map[venue.ID]bool),
		intake:    make(chan *venue.OrderBook, intakeBuffer),
		done:      make(chan struct{}),
	}
}

// Subscribe registers a local order-book subscriber. Must be called
// before Start.
func (m *Manager) Subscribe(fn func(*venue.OrderBook)) {
	m.subscribers = append(m.subscribers, fn)
}

// Config returns the active configuration.
func (m *Manager) Config() config.BotConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ConnectedVenues returns the venues currently marked connected, sorted.
func (m *Manager) ConnectedVenues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.connected))
	for id, ok := range m.connected {
		if ok {
			out = append(out, string(id))
		}
	}
	sort.Strings(out)
	return out
}

// Start runs the startup sequence: adopt the stored config (or defaults),
// spin up the venue clients, publish status, and begin serving config
// updates. It returns once the initial client set has settled.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	cfg, err := m.deps.Store.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		def := config.Default()
		cfg = &def
		log.Info().Msg("No stored config, using defaults")
	}

	updates, err := m.deps.Configs.SubscribeConfig(ctx)
	if err != nil {
		return fmt.Errorf("subscribe config: %w", err)
	}

	m.mu.Lock()
	m.cfg = *cfg
	m.startedAt = time.Now()
	m.running = true
	m.mu.Unlock()

	m.deps.Detector.SetMinProfitPercent(cfg.MinProfitPercent)
	m.deps.Detector.SetTradeAmountUSD(cfg.TradeAmount)

	go m.consumeIntake(ctx)

	if err := m.reshape(ctx, *cfg); err != nil {
		return err
	}

	m.publishStatus(ctx)

	go m.serveConfig(ctx, updates)
	go m.refreshStatus(ctx)
	go m.monitorClients(ctx)

	return nil
}

// reshape tears down the current client set and builds the one the given
// config asks for. An inactive config leaves the set empty; symbols no
// venue can resolve are dropped with a warning.
func (m *Manager) reshape(ctx context.Context, cfg config.BotConfig) error {
	m.disconnectAll()

	if !cfg.IsActive {
		log.Info().Msg("Config is inactive, monitoring paused")
		return nil
	}

	enabled := make([]venue.ID, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		id := venue.ID(ex)
		if _, ok := m.deps.Venues[id]; !ok {
			log.Warn().Str("exchange", ex).Msg("Unknown exchange in config, skipping")
			continue
		}
		enabled = append(enabled, id)
	}
	if len(enabled) == 0 {
		return fmt.Errorf("config enables no known exchanges")
	}

	// Clamp symbols to those every enabled venue can resolve.
	nativeByVenue := make(map[venue.ID][]string)
	for _, canonical := range cfg.Symbols {
		resolved := make(map[venue.ID]string, len(enabled))
		supported := true
		for _, id := range enabled {
			native, err := m.deps.Registry.ToNative(canonical, id)
			if err != nil {
				log.Warn().
					Str("symbol", canonical).
					Str("exchange", string(id)).
					Err(err).
					Msg("Symbol unsupported on venue, dropping")
				supported = false
				break
			}
			resolved[id] = native
		}
		if !supported {
			continue
		}
		for id, native := range resolved {
			nativeByVenue[id] = append(nativeByVenue[id], native)
		}
	}

	clients := make(map[venue.ID]venue.Client, len(enabled))
	for _, id := range enabled {
		natives := nativeByVenue[id]
		if len(natives) == 0 {
			log.Warn().Str("exchange", string(id)).Msg("No resolvable symbols for venue, skipping")
			continue
		}
		desc := m.deps.Venues[id]
		client, err := m.deps.Factory(venue.ClientConfig{
			Venue:           id,
			WSURL:           desc.WSURL,
			RESTURL:         desc.RESTURL,
			Symbols:         natives,
			Depth:           desc.Depth,
			RateLimitPerMin: desc.RateLimitPerMin,
		})
		if err != nil {
			log.Error().Err(err).Str("exchange", string(id)).Msg("Failed to build venue client")
			continue
		}
		client.SetListener(&clientListener{manager: m})
		clients[id] = client
	}

	m.mu.Lock()
	m.clients = clients
	m.mu.Unlock()

	// Connect all clients concurrently and wait for each to settle.
	var wg conc.WaitGroup
	for id, client := range clients {
		id, client := id, client
		wg.Go(func() {
			if err := client.Connect(ctx); err != nil {
				log.Error().Err(err).Str("exchange", string(id)).Msg("Failed to connect venue client")
				metrics.RecordConnectionError(string(id), "connect_failed")
				return
			}
			log.Info().
				Str("exchange", string(id)).
				Int("symbols", len(client.Symbols())).
				Msg("Venue client connected")
		})
	}
	wg.Wait()

	return nil
}

// serveConfig applies replacements arriving on the config topic. The
// subscription is the single sequencer: the manager never mutates its own
// config view outside this loop (after startup).
func (m *Manager) serveConfig(ctx context.Context, updates <-chan config.BotConfig) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			m.applyConfig(ctx, next)
		}
	}
}

// applyConfig validates and applies one replacement config.
func (m *Manager) applyConfig(ctx context.Context, next config.BotConfig) {
	if err := next.Validate(); err != nil {
		log.Warn().Err(err).Msg("Rejecting config update")
		return
	}

	m.mu.Lock()
	prev := m.cfg
	m.cfg = next
	m.mu.Unlock()

	m.deps.Detector.SetMinProfitPercent(next.MinProfitPercent)
	m.deps.Detector.SetTradeAmountUSD(next.TradeAmount)
	metrics.ConfigReloads.Inc()

	if prev.IsActive == next.IsActive &&
		sameStringSet(prev.Exchanges, next.Exchanges) && sameStringSet(prev.Symbols, next.Symbols) {
		log.Info().Msg("Config tunables updated, client set unchanged")
		m.publishStatus(ctx)
		return
	}

	log.Info().
		Strs("exchanges", next.Exchanges).
		Strs("symbols", next.Symbols).
		Msg("Config changed, reshaping venue clients")

	if err := m.reshape(ctx, next); err != nil {
		log.Error().Err(err).Msg("Reshape failed, keeping previous client set")
		m.mu.Lock()
		m.cfg = prev
		m.mu.Unlock()
		if err := m.reshape(ctx, prev); err != nil {
			log.Error().Err(err).Msg("Failed to restore previous client set")
		}
		return
	}
	m.publishStatus(ctx)
}

// consumeIntake is the single consumer serializing all book mutations:
// cache write, detector intake, local fan-out.
func (m *Manager) consumeIntake(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			// Drain briefly so in-flight persistence can finish.
			deadline := time.After(shutdownGrace)
			for {
				select {
				case ob := <-m.intake:
					m.handleBook(context.Background(), ob)
				case <-deadline:
					return
				default:
					return
				}
			}
		case ob := <-m.intake:
			m.handleBook(ctx, ob)
		}
	}
}

func (m *Manager) handleBook(ctx context.Context, ob *venue.OrderBook) {
	if err := m.deps.Store.SaveOrderBook(ctx, ob); err != nil {
		metrics.CacheWriteErrors.Inc()
		log.Error().Err(err).
			Str("exchange", string(ob.Venue)).
			Str("symbol", ob.Symbol).
			Msg("Failed to cache orderbook")
	}
	metrics.RecordBookUpdate(string(ob.Venue), ob.Symbol, len(ob.Bids), len(ob.Asks))
	m.deps.Detector.Intake(ctx, ob)
	for _, fn := range m.subscribers {
		fn(ob)
	}
}

// refreshStatus republishes bot:status every statusInterval.
func (m *Manager) refreshStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishStatus(ctx)
		}
	}
}

// monitorClients logs venues that stopped delivering frames.
func (m *Manager) monitorClients(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			for id, client := range m.clients {
				type lastMessager interface{ LastMessageTime() time.Time }
				if lm, ok := client.(lastMessager); ok {
					last := lm.LastMessageTime()
					if !last.IsZero() && time.Since(last) > staleAfter {
						log.Warn().
							Str("exchange", string(id)).
							Dur("silent", time.Since(last)).
							Msg("Venue delivered no frames recently")
					}
				}
			}
			m.mu.RUnlock()
		}
	}
}

func (m *Manager) publishStatus(ctx context.Context) {
	m.mu.RLock()
	status := config.BotStatus{
		IsRunning:          m.running,
		ConnectedExchanges: nil,
		Uptime:             m.startedAt.UnixMilli(),
		Config:             m.cfg,
	}
	m.mu.RUnlock()
	status.ConnectedExchanges = m.ConnectedVenues()
	if err := m.deps.Store.SaveStatus(ctx, status); err != nil {
		log.Error().Err(err).Msg("Failed to publish status")
	}
}

// disconnectAll tears down the current client set.
func (m *Manager) disconnectAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[venue.ID]venue.Client)
	m.connected = make(map[venue.ID]bool)
	m.mu.Unlock()

	for id, client := range clients {
		if err := client.Disconnect(); err != nil {
			log.Error().Err(err).Str("exchange", string(id)).Msg("Error disconnecting venue client")
		}
		metrics.RecordConnectionStatus(string(id), false)
	}
}

// Stop shuts the manager down. Idempotent; outstanding persistence gets a
// bounded grace period.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		log.Info().Msg("Stopping manager")
		m.disconnectAll()

		m.mu.Lock()
		m.running = false
		m.mu.Unlock()

		if m.cancel != nil {
			m.cancel()
		}
		select {
		case <-m.done:
		case <-time.After(shutdownGrace):
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		m.publishStatus(ctx)

		if err := m.deps.Configs.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing config subscriber")
		}
		if err := m.deps.Store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing store")
		}
		log.Info().Msg("Manager stopped")
	})
}

// clientListener adapts venue events onto the manager.
type clientListener struct {
	manager *Manager
}

func (l *clientListener) OnConnected(id venue.ID) {
	l.manager.mu.Lock()
	l.manager.connected[id] = true
	l.manager.mu.Unlock()
	metrics.RecordConnectionStatus(string(id), true)
	log.Info().Str("exchange", string(id)).Msg("Venue connected")
}

func (l *clientListener) OnOrderBook(ob *venue.OrderBook) {
	// Bounded send: a full intake queue blocks the venue client before
	// it accepts the next frame. No silent drop.
	l.manager.intake <- ob
}

func (l *clientListener) OnError(id venue.ID, err error) {
	metrics.RecordConnectionError(string(id), "runtime_error")
	log.Error().Err(err).Str("exchange", string(id)).Msg("Venue error")
}

func (l *clientListener) OnDisconnected(id venue.ID) {
	l.manager.mu.Lock()
	l.manager.connected[id] = false
	l.manager.mu.Unlock()
	metrics.RecordConnectionStatus(string(id), false)
	log.Warn().Str("exchange", string(id)).Msg("Venue disconnected")
}

// sameStringSet compares two slices order-insensitively.
func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
		if seen[s] < 0 {
			return false
		}
	}
	return true
}
