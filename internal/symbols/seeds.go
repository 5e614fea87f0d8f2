package symbols

import "arbmon/internal/venue"

// seedBases are the markets the monitor knows out of the box. Discovery
// extends the registry beyond these at startup when the venue's REST
// listing call succeeds.
var seedBases = []string{"BTC", "ETH", "SOL", "DOGE", "LTC", "XRP"}

// SeedDefaults registers the compiled-in pair seeds for every supported
// venue so the monitor can run before (or without) venue discovery.
func SeedDefaults(r *Registry) {
	for _, id := range venue.All() {
		pairs := make([]TradingPair, 0, len(seedBases))
		for _, base := range seedBases {
			native, err := r.ToNative(base+"USD", id)
			if err != nil {
				continue
			}
			pairs = append(pairs, TradingPair{
				Native: native,
				Base:   base,
				Quote:  "USD",
				Active: true,
			})
		}
		r.RegisterPairs(id, pairs)
	}
}
