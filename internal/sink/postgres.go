// Package sink persists detected opportunities in Postgres under a
// rolling retention bound.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"arbmon/internal/config"
	"arbmon/internal/detector"
	"arbmon/internal/venue"
)

const defaultTimeout = 2 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	name      TEXT PRIMARY KEY,
	ws_url    TEXT NOT NULL DEFAULT '',
	rest_url  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS opportunities (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	buy_exchange     TEXT NOT NULL REFERENCES exchanges(name),
	sell_exchange    TEXT NOT NULL REFERENCES exchanges(name),
	buy_price        DOUBLE PRECISION NOT NULL,
	sell_price       DOUBLE PRECISION NOT NULL,
	spread           DOUBLE PRECISION NOT NULL,
	spread_percent   DOUBLE PRECISION NOT NULL,
	estimated_profit DOUBLE PRECISION NOT NULL,
	buy_fee          DOUBLE PRECISION NOT NULL,
	sell_fee         DOUBLE PRECISION NOT NULL,
	total_fee        DOUBLE PRECISION NOT NULL,
	timestamp        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_opportunities_timestamp
	ON opportunities (timestamp DESC);
`

const insertQuery = `
	INSERT INTO opportunities (
		id, symbol, buy_exchange, sell_exchange, buy_price, sell_price,
		spread, spread_percent, estimated_profit, buy_fee, sell_fee,
		total_fee, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// Sink is the Postgres-backed opportunity store.
type Sink struct {
	db        *sqlx.DB
	retention int
	timeout   time.Duration
	venues    map[venue.ID]config.VenueDescriptor
}

// Open connects to Postgres and configures the retention bound; a
// retention of zero keeps the default of 1000 rows.
func Open(databaseURL string, retention int, venues map[venue.ID]config.VenueDescriptor) (*Sink, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db, retention, venues), nil
}

// New wraps an existing connection.
func New(db *sqlx.DB, retention int, venues map[venue.ID]config.VenueDescriptor) *Sink {
	if retention <= 0 {
		retention = detector.DefaultRetention
	}
	if venues == nil {
		venues = config.DefaultVenues()
	}
	return &Sink{db: db, retention: retention, timeout: defaultTimeout, venues: venues}
}

// Close releases the connection.
func (s *Sink) Close() error { return s.db.Close() }

// EnsureSchema creates the tables when they do not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Append inserts an opportunity and enforces the retention bound. A
// missing exchange row triggers a one-shot upsert of the referenced
// venues with their endpoint defaults, then a single retry.
func (s *Sink) Append(ctx context.Context, opp *detector.Opportunity) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.insert(ctx, opp)
	if isMissingVenue(err) {
		if upsertErr := s.ensureVenues(ctx, opp.BuyVenue, opp.SellVenue); upsertErr != nil {
			return fmt.Errorf("upsert venues: %w", upsertErr)
		}
		err = s.insert(ctx, opp)
	}
	if err != nil {
		return fmt.Errorf("insert opportunity: %w", err)
	}
	return s.pruneTo(ctx, s.retention)
}

func (s *Sink) insert(ctx context.Context, opp *detector.Opportunity) error {
	_, err := s.db.ExecContext(ctx, insertQuery,
		opp.ID, opp.Symbol, string(opp.BuyVenue), string(opp.SellVenue),
		opp.BuyPrice, opp.SellPrice, opp.GrossSpread, opp.SpreadPercent,
		opp.EstimatedNetProfit, opp.BuyFee, opp.SellFee, opp.TotalFee,
		opp.DetectedAt)
	return err
}

// ensureVenues upserts the referenced exchange rows with their default
// endpoints.
func (s *Sink) ensureVenues(ctx context.Context, ids ...venue.ID) error {
	const upsert = `
		INSERT INTO exchanges (name, ws_url, rest_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING`
	for _, id := range ids {
		desc := s.venues[id]
		if _, err := s.db.ExecContext(ctx, upsert, string(id), desc.WSURL, desc.RESTURL); err != nil {
			return err
		}
	}
	return nil
}

// pruneTo deletes everything older than the n newest rows by timestamp.
func (s *Sink) pruneTo(ctx context.Context, n int) error {
	const prune = `
		DELETE FROM opportunities
		WHERE id IN (
			SELECT id FROM opportunities
			ORDER BY timestamp DESC
			OFFSET $1)`
	res, err := s.db.ExecContext(ctx, prune, n)
	if err != nil {
		return fmt.Errorf("prune opportunities: %w", err)
	}
	if deleted, err := res.RowsAffected(); err == nil && deleted > 0 {
		log.Debug().Int64("deleted", deleted).Msg("Pruned opportunity rows")
	}
	return nil
}

// Count returns the number of stored opportunities.
func (s *Sink) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var count int64
	if err := s.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM opportunities`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count opportunities: %w", err)
	}
	return count, nil
}

// Latest returns the n most recent opportunities by detection time.
func (s *Sink) Latest(ctx context.Context, n int) ([]detector.Opportunity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const query = `
		SELECT id, symbol, buy_exchange, sell_exchange, buy_price,
		       sell_price, spread, spread_percent, estimated_profit,
		       buy_fee, sell_fee, total_fee, timestamp
		FROM opportunities
		ORDER BY timestamp DESC
		LIMIT $1`

	rows, err := s.db.QueryxContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("query latest opportunities: %w", err)
	}
	defer rows.Close()

	var out []detector.Opportunity
	for rows.Next() {
		var opp detector.Opportunity
		var buyVenue, sellVenue string
		if err := rows.Scan(
			&opp.ID, &opp.Symbol, &buyVenue, &sellVenue, &opp.BuyPrice,
			&opp.SellPrice, &opp.GrossSpread, &opp.SpreadPercent,
			&opp.EstimatedNetProfit, &opp.BuyFee, &opp.SellFee,
			&opp.TotalFee, &opp.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		opp.BuyVenue = venue.ID(buyVenue)
		opp.SellVenue = venue.ID(sellVenue)
		out = append(out, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate opportunities: %w", err)
	}
	return out, nil
}

// isMissingVenue reports a foreign-key violation on the exchange
// reference, even when the driver error arrives wrapped.
func isMissingVenue(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
