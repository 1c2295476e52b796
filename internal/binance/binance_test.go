package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"depthbook/internal/orderbook"
)

func TestDecodeDepthRaw(t *testing.T) {
	msg := `{"e":"depthUpdate","E":123456789,"s":"BNBBTC","U":157,"u":160,"b":[["0.0024","10"]],"a":[["0.0026","100"],["0.0027","0"]]}`
	ev, ok, err := DecodeDepth([]byte(msg))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BNBBTC", ev.Symbol)
	assert.Equal(t, int64(123456789), ev.EventTime)
	assert.Equal(t, int64(157), ev.FirstUpdateID)
	assert.Equal(t, int64(160), ev.LastUpdateID)
	assert.Equal(t, []orderbook.RawLevel{{Price: "0.0024", Quantity: "10"}}, ev.Bids)
	require.Len(t, ev.Asks, 2)
	assert.Equal(t, "0", ev.Asks[1].Quantity)
}

func TestDecodeDepthCombinedStream(t *testing.T) {
	msg := `{"stream":"bnbbtc@depth","data":{"e":"depthUpdate","E":1,"s":"BNBBTC","U":5,"u":6,"b":[],"a":[]}}`
	ev, ok, err := DecodeDepth([]byte(msg))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), ev.FirstUpdateID)
	assert.Equal(t, int64(6), ev.LastUpdateID)
}

func TestDecodeDepthSkipsOtherEvents(t *testing.T) {
	_, ok, err := DecodeDepth([]byte(`{"e":"trade","E":1,"s":"BNBBTC"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = DecodeDepth([]byte(`{"e":`))
	assert.Error(t, err)
}

func TestDecodeDepthKeepsMalformedLevels(t *testing.T) {
	msg := `{"e":"depthUpdate","U":7,"u":7,"b":[["1"]],"a":[[true,"1"]]}`
	ev, ok, err := DecodeDepth([]byte(msg))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, ev.Bids, 1)
	require.Len(t, ev.Asks, 1)

	_, err = orderbook.ParseLevel(ev.Asks[0])
	assert.Error(t, err)
}

func TestEndpoints(t *testing.T) {
	ep := DefaultEndpoints("us")
	assert.Equal(t, "wss://stream.binance.us:9443/ws/btcusdt@depth@100ms", ep.DepthStreamURL(MarketSpot, "BTCUSDT"))
	assert.Equal(t, "wss://fstream.binance.com/ws/btcusdt@depth@100ms", ep.DepthStreamURL(MarketFutures, "BTCUSDT"))

	u, err := DefaultEndpoints("").DepthSnapshotURL(MarketSpot, "ethbtc", 1000)
	require.NoError(t, err)
	assert.Equal(t, "https://api.binance.com/api/v3/depth?limit=1000&symbol=ETHBTC", u)

	assert.Equal(t, MarketSpot, ep.EffectiveMarket(MarketFutures))
	assert.Equal(t, MarketFutures, DefaultEndpoints("global").EffectiveMarket(MarketFutures))
	assert.True(t, Endpoints{Venue: " BinanceUS "}.IsUS())

	assert.Equal(t, MarketFutures, ParseMarket(" Futures "))
	assert.Equal(t, MarketSpot, ParseMarket("whatever"))
}

func TestSnapshotClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/depth", r.URL.Path)
		assert.Equal(t, "BNBBTC", r.URL.Query().Get("symbol"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"]]}`))
	}))
	defer srv.Close()

	ep := Endpoints{SpotHTTPBase: srv.URL}
	c := NewSnapshotClient(ep, MarketSpot, srv.Client(), zerolog.Nop())
	snap, err := c.FetchSnapshot(context.Background(), "bnbbtc", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1027024), snap.LastUpdateID)
	assert.Equal(t, []orderbook.RawLevel{{Price: "4.00000000", Quantity: "431.00000000"}}, snap.Bids)
	assert.Equal(t, []orderbook.RawLevel{{Price: "4.00000200", Quantity: "12.00000000"}}, snap.Asks)
}

func TestSnapshotClientRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	c := NewSnapshotClient(Endpoints{SpotHTTPBase: srv.URL}, MarketSpot, srv.Client(), zerolog.Nop())
	c.Backoff = time.Millisecond
	_, err := c.FetchSnapshot(context.Background(), "bnbbtc", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
	assert.Equal(t, int32(3), calls.Load())
}

func TestDepthStreamDeliversUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/bnbbtc@depth@100ms", r.URL.Path)
		c, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		ctx := r.Context()
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"e":"depthUpdate","U":1,"u":2,"b":[["1","1"]],"a":[]}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"e":"trade"}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"e":"depthUpdate","U":3,"u":3,"b":[],"a":[["2","1"]]}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"e":"depthUpdate","U":4,"u":4,"b":[[true,"1"]],"a":[]}`))
		c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ep := Endpoints{SpotWSBase: "ws" + strings.TrimPrefix(srv.URL, "http")}
	s := NewDepthStream(ep, MarketSpot, zerolog.Nop())

	var got []orderbook.DepthChangeEvent
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.StreamDepth(ctx, "BNBBTC", func(ev orderbook.DepthChangeEvent) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].FirstUpdateID)
	assert.Equal(t, int64(3), got[1].LastUpdateID)
	// a malformed level still reaches the consumer, which rejects it
	assert.Equal(t, int64(4), got[2].FirstUpdateID)
}
