// Package symbols maps between canonical trading-pair identities and each
// venue's native spelling, so the detector compares the same market across
// venues.
package symbols

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"arbmon/internal/venue"
)

var (
	// ErrUnknownVenue is returned for venues the registry has no recipe
	// for. Non-fatal; the caller drops the pair.
	ErrUnknownVenue = errors.New("unknown venue")

	// ErrUnparseableSymbol is returned when a symbol cannot be split into
	// base and quote. Non-fatal; the caller drops the pair.
	ErrUnparseableSymbol = errors.New("unparseable symbol")
)

// TradingPair is one venue-listed market.
type TradingPair struct {
	Native       string
	Base         string
	Quote        string
	Canonical    string
	Active       bool
	MinOrderSize string
	TickSize     string
}

// knownQuotes are tried longest-match-first from the right when splitting
// an unseparated symbol. Order matters: USDT before USD.
var knownQuotes = []string{"USDT", "USDC", "USD", "EUR", "BTC", "ETH", "BNB"}

// usdEquivalents are the dollar-pegged quotes collapsed to USD for
// comparison. The collapse ignores the basis risk between them; that is a
// deliberate trade-off controlled by quoteEquivalence.
var usdEquivalents = map[string]bool{"USDT": true, "USDC": true, "BUSD": true, "DAI": true}

// baseAliases maps venue base-asset spellings to the canonical one.
var baseAliases = map[string]string{"XBT": "BTC"}

// recipe describes how one venue spells its symbols.
type recipe struct {
	lower        bool
	separator    string
	baseAlias    map[string]string // canonical -> venue spelling
	quoteRewrite map[string]string // canonical quote -> venue quote
}

var recipes = map[venue.ID]recipe{
	venue.Binance:  {quoteRewrite: map[string]string{"USD": "USDT"}},
	venue.Coinbase: {separator: "-"},
	venue.Kraken:   {separator: "/", baseAlias: map[string]string{"BTC": "XBT"}},
	venue.Bybit:    {quoteRewrite: map[string]string{"USD": "USDT"}},
	venue.KuCoin:   {separator: "-", quoteRewrite: map[string]string{"USD": "USDT"}},
	venue.Gemini:   {lower: true},
}

// Registry owns the canonical<->native mappings. Registered pairs take
// precedence; the per-venue recipes cover pairs discovery never reported.
type Registry struct {
	mu sync.RWMutex

	// nativeToCanonical: venue -> native -> canonical
	nativeToCanonical map[venue.ID]map[string]string

	// canonicalToNative: canonical -> venue -> native
	canonicalToNative map[string]map[venue.ID]string

	quoteEquivalence bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithoutQuoteEquivalence disables the USDT/USDC/BUSD/DAI -> USD collapse.
func WithoutQuoteEquivalence() Option {
	return func(r *Registry) { r.quoteEquivalence = false }
}

// NewRegistry creates an empty registry. The stablecoin quote equivalence
// class is enabled by default.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		nativeToCanonical: make(map[venue.ID]map[string]string),
		canonicalToNative: make(map[string]map[venue.ID]string),
		quoteEquivalence:  true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterPairs extends the registry from a venue's discovery call.
// Inactive and unparseable pairs are skipped.
func (r *Registry) RegisterPairs(id venue.ID, pairs []TradingPair) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range pairs {
		if !p.Active {
			continue
		}
		canonical := p.Canonical
		if canonical == "" {
			base, quote := p.Base, p.Quote
			if base == "" || quote == "" {
				var err error
				base, quote, err = r.splitNative(id, p.Native)
				if err != nil {
					continue
				}
			}
			canonical = r.canonicalFor(base, quote)
		}
		if r.nativeToCanonical[id] == nil {
			r.nativeToCanonical[id] = make(map[string]string)
		}
		r.nativeToCanonical[id][p.Native] = canonical
		if r.canonicalToNative[canonical] == nil {
			r.canonicalToNative[canonical] = make(map[venue.ID]string)
		}
		r.canonicalToNative[canonical][id] = p.Native
	}
}

// Canonicalize maps a venue-native symbol to its canonical identity.
func (r *Registry) Canonicalize(id venue.ID, native string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mapping, ok := r.nativeToCanonical[id]; ok {
		if canonical, ok := mapping[native]; ok {
			return canonical, nil
		}
	}
	base, quote, err := r.splitNative(id, native)
	if err != nil {
		return "", err
	}
	return r.canonicalFor(base, quote), nil
}

// ToNative maps a canonical symbol to the venue's spelling.
func (r *Registry) ToNative(canonical string, id venue.ID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mapping, ok := r.canonicalToNative[canonical]; ok {
		if native, ok := mapping[id]; ok {
			return native, nil
		}
	}
	rec, ok := recipes[id]
	if !ok {
		return "", ErrUnknownVenue
	}
	base, quote, err := splitCanonical(canonical)
	if err != nil {
		return "", err
	}
	if alias, ok := rec.baseAlias[base]; ok {
		base = alias
	}
	if rewritten, ok := rec.quoteRewrite[quote]; ok {
		quote = rewritten
	}
	native := base + rec.separator + quote
	if rec.lower {
		native = strings.ToLower(native)
	}
	return native, nil
}

// CommonSymbols intersects the registered pairs of the given venues: a
// canonical symbol is included only when every venue has a native form for
// it and its base is in the whitelist. An empty whitelist admits all bases.
func (r *Registry) CommonSymbols(ids []venue.ID, baseWhitelist []string) map[string]map[venue.ID]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	whitelist := make(map[string]bool, len(baseWhitelist))
	for _, b := range baseWhitelist {
		whitelist[strings.ToUpper(b)] = true
	}

	out := make(map[string]map[venue.ID]string)
	for canonical, byVenue := range r.canonicalToNative {
		if len(whitelist) > 0 {
			base, _, err := splitCanonical(canonical)
			if err != nil || !whitelist[base] {
				continue
			}
		}
		natives := make(map[venue.ID]string, len(ids))
		complete := true
		for _, id := range ids {
			native, ok := byVenue[id]
			if !ok {
				complete = false
				break
			}
			natives[id] = native
		}
		if complete && len(ids) > 0 {
			out[canonical] = natives
		}
	}
	return out
}

// Canonicals returns all registered canonical symbols, sorted.
func (r *Registry) Canonicals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.canonicalToNative))
	for canonical := range r.canonicalToNative {
		out = append(out, canonical)
	}
	sort.Strings(out)
	return out
}

// canonicalFor forms the canonical identity from a venue base and quote.
func (r *Registry) canonicalFor(base, quote string) string {
	base = strings.ToUpper(base)
	quote = strings.ToUpper(quote)
	if alias, ok := baseAliases[base]; ok {
		base = alias
	}
	if r.quoteEquivalence && usdEquivalents[quote] {
		quote = "USD"
	}
	return base + quote
}

// splitNative breaks a venue-native symbol into base and quote using the
// venue's recipe.
func (r *Registry) splitNative(id venue.ID, native string) (string, string, error) {
	rec, ok := recipes[id]
	if !ok {
		return "", "", ErrUnknownVenue
	}
	sym := strings.ToUpper(strings.TrimSpace(native))
	if sym == "" {
		return "", "", ErrUnparseableSymbol
	}
	if rec.separator != "" {
		parts := strings.SplitN(sym, rec.separator, 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", "", ErrUnparseableSymbol
		}
		return parts[0], parts[1], nil
	}
	return splitCanonical(sym)
}

// splitCanonical splits an unseparated symbol by matching the longest
// known quote from the right.
func splitCanonical(sym string) (string, string, error) {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	for _, quote := range knownQuotes {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return strings.TrimSuffix(sym, quote), quote, nil
		}
	}
	return "", "", ErrUnparseableSymbol
}
