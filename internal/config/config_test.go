package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbmon/internal/venue"
)

func TestDefaultConfigValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		cfg  BotConfig
	}{
		{"no exchanges", BotConfig{Symbols: []string{"BTCUSD"}}},
		{"unknown exchange", BotConfig{Exchanges: []string{"mtgox"}, Symbols: []string{"BTCUSD"}}},
		{"no symbols", BotConfig{Exchanges: []string{"binance"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.cfg.Validate())
		})
	}
}

func TestDefaultVenuesCoverAll(t *testing.T) {
	venues := DefaultVenues()
	for _, id := range venue.All() {
		desc, ok := venues[id]
		require.True(t, ok, "%s", id)
		assert.Equal(t, id, desc.ID)
		assert.NotEmpty(t, desc.RESTURL, "%s", id)
		assert.Positive(t, desc.TakerFee, "%s", id)
		assert.Positive(t, desc.Depth, "%s", id)
	}
}

func TestLoadVenuesEmptyPathReturnsDefaults(t *testing.T) {
	venues, err := LoadVenues("")
	require.NoError(t, err)
	assert.Equal(t, DefaultVenues(), venues)
}

func TestLoadVenuesMergesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "venues.yaml")
	raw := `
venues:
  - id: binance
    taker_fee: 0.00075
  - id: kraken
    ws_url: wss://ws-beta.kraken.com
    depth: 25
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	venues, err := LoadVenues(path)
	require.NoError(t, err)

	binance := venues[venue.Binance]
	assert.Equal(t, 0.00075, binance.TakerFee)
	// Untouched fields keep their defaults.
	assert.Equal(t, "https://api.binance.com", binance.RESTURL)

	kraken := venues[venue.Kraken]
	assert.Equal(t, "wss://ws-beta.kraken.com", kraken.WSURL)
	assert.Equal(t, 25, kraken.Depth)
	assert.Equal(t, 0.0026, kraken.TakerFee)

	// Venues absent from the file are untouched.
	assert.Equal(t, DefaultVenues()[venue.Gemini], venues[venue.Gemini])
}

func TestLoadVenuesRejectsUnknownVenue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "venues.yaml")
	require.NoError(t, os.WriteFile(path, []byte("venues:\n  - id: okx\n"), 0o644))

	_, err := LoadVenues(path)
	assert.Error(t, err)
}

func TestGetenvFallback(t *testing.T) {
	t.Setenv("ARBMON_TEST_KEY", "")
	assert.Equal(t, "fallback", Getenv("ARBMON_TEST_KEY", "fallback"))
	t.Setenv("ARBMON_TEST_KEY", "set")
	assert.Equal(t, "set", Getenv("ARBMON_TEST_KEY", "fallback"))
}
