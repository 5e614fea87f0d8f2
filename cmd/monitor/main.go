// Command monitor runs the cross-exchange arbitrage monitor: venue
// clients stream order books into the detector, qualified opportunities
// land in Postgres, and the bot config is served live from Redis.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"arbmon/internal/config"
	"arbmon/internal/detector"
	"arbmon/internal/discovery"
	"arbmon/internal/manager"
	"arbmon/internal/metrics"
	"arbmon/internal/sink"
	"arbmon/internal/store"
	"arbmon/internal/symbols"
	"arbmon/internal/venue"
)

var rootCmd = &cobra.Command{
	Use:           "monitor",
	Short:         "Real-time cross-exchange arbitrage monitor",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if config.Getenv("LOG_PRETTY", "true") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("monitor exited")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisURL := config.Getenv("REDIS_URL", "redis://localhost:6379/0")
	databaseURL := config.Getenv("DATABASE_URL", "")
	metricsAddr := config.Getenv("METRICS_ADDR", ":9100")
	venuesPath := config.Getenv("VENUES_FILE", "")
	retention := envInt("OPPORTUNITY_RETENTION", detector.DefaultRetention)

	venues := config.DefaultVenues()
	if venuesPath != "" {
		loaded, err := config.LoadVenues(venuesPath)
		if err != nil {
			return err
		}
		venues = loaded
	}

	kv, err := store.Open(ctx, redisURL)
	if err != nil {
		return err
	}
	defer kv.Close()

	// Dedicated subscriber connection; pub/sub blocks the connection it
	// runs on.
	configSource, err := store.Open(ctx, redisURL)
	if err != nil {
		return err
	}

	registry := symbols.NewRegistry()
	symbols.SeedDefaults(registry)
	if config.Getenv("DISCOVER_PAIRS", "true") == "true" {
		discoveryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		discovery.Run(discoveryCtx, registry, venues)
		cancel()
	}

	fees := make(map[venue.ID]detector.Fees, len(venues))
	for id, v := range venues {
		fees[id] = detector.Fees{Taker: v.TakerFee, Maker: v.MakerFee}
	}

	var oppSink detector.Sink
	var pg *sink.Sink
	if databaseURL != "" {
		pg, err = sink.Open(databaseURL, retention, venues)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		oppSink = pg
	} else {
		log.Warn().Msg("DATABASE_URL not set, opportunities will not be persisted")
	}

	det := detector.New(registry, oppSink, fees, detector.Options{})

	mgr := manager.New(manager.Deps{
		Store:    kv,
		Configs:  configSource,
		Detector: det,
		Registry: registry,
		Venues:   venues,
	})

	msrv := metrics.NewServer(metricsAddr)
	go func() {
		if err := msrv.Start(); err != nil {
			log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server failed")
		}
	}()
	defer msrv.Stop()

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("redis", redisURL).Str("metrics", metricsAddr).Msg("monitor started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	mgr.Stop()
	return nil
}

func envInt(key string, fallback int) int {
	raw := config.Getenv(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("invalid integer, using default")
		return fallback
	}
	return n
}
