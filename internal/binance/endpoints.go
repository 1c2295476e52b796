package binance

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Market represents the upstream Binance venue.
type Market string

const (
	MarketFutures Market = "futures"
	MarketSpot    Market = "spot"
)

// ParseMarket normalizes a market name, defaulting to spot.
func ParseMarket(s string) Market {
	switch Market(strings.ToLower(strings.TrimSpace(s))) {
	case MarketFutures:
		return MarketFutures
	default:
		return MarketSpot
	}
}

// Endpoints holds the WS/HTTP base URLs per market.
type Endpoints struct {
	FuturesWSBase   string `yaml:"futures_ws_base"`
	FuturesHTTPBase string `yaml:"futures_http_base"`
	SpotWSBase      string `yaml:"spot_ws_base"`
	SpotHTTPBase    string `yaml:"spot_http_base"`
	Venue           string `yaml:"venue"`
}

// DefaultEndpoints returns the public endpoints for venue ("global" or "us").
// Binance.US lists no futures. Its futures URLs stay on the global hosts
// and EffectiveMarket steers callers to spot.
func DefaultEndpoints(venue string) Endpoints {
	venue = strings.ToLower(strings.TrimSpace(venue))
	if venue == "" {
		venue = "global"
	}
	ep := Endpoints{
		FuturesWSBase:   "wss://fstream.binance.com",
		FuturesHTTPBase: "https://fapi.binance.com",
		SpotWSBase:      "wss://stream.binance.com:9443",
		SpotHTTPBase:    "https://api.binance.com",
		Venue:           venue,
	}
	if ep.IsUS() {
		ep.SpotWSBase = "wss://stream.binance.us:9443"
		ep.SpotHTTPBase = "https://api.binance.us"
	}
	return ep
}

// IsUS reports whether the endpoints target Binance.US.
func (ep Endpoints) IsUS() bool {
	v := strings.ToLower(strings.TrimSpace(ep.Venue))
	return v == "us" || v == "binanceus"
}

// EffectiveMarket returns m, or spot when the venue has no futures.
func (ep Endpoints) EffectiveMarket(m Market) Market {
	if ep.IsUS() {
		return MarketSpot
	}
	return m
}

func depthStreamPath(symbol string) string {
	return fmt.Sprintf("/ws/%s@depth@100ms", strings.ToLower(symbol))
}

func depthRESTPath(market Market) string {
	switch market {
	case MarketFutures:
		return "/fapi/v1/depth"
	default:
		return "/api/v3/depth"
	}
}

// DepthStreamURL is the 100ms diff-depth stream for symbol.
func (ep Endpoints) DepthStreamURL(market Market, symbol string) string {
	base := ep.SpotWSBase
	if market == MarketFutures {
		base = ep.FuturesWSBase
	}
	return strings.TrimRight(base, "/") + depthStreamPath(symbol)
}

// DepthSnapshotURL is the REST depth endpoint for symbol. limit <= 0 leaves
// the server default.
func (ep Endpoints) DepthSnapshotURL(market Market, symbol string, limit int) (string, error) {
	base := ep.SpotHTTPBase
	if market == MarketFutures {
		base = ep.FuturesHTTPBase
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + depthRESTPath(market))
	if err != nil {
		return "", fmt.Errorf("parse snapshot url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", strings.ToUpper(symbol))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
