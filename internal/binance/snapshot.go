package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"depthbook/internal/orderbook"
)

const (
	defaultRetries = 3
	initialBackoff = 1 * time.Second
)

// SnapshotClient fetches REST depth snapshots.
type SnapshotClient struct {
	endpoints Endpoints
	market    Market
	client    *http.Client
	log       zerolog.Logger

	Retries int
	Backoff time.Duration
}

func NewSnapshotClient(ep Endpoints, market Market, client *http.Client, log zerolog.Logger) *SnapshotClient {
	if client == nil {
		client = NewHTTPClient()
	}
	return &SnapshotClient{
		endpoints: ep,
		market:    market,
		client:    client,
		log:       log.With().Str("component", "snapshot-client").Logger(),
		Retries:   defaultRetries,
		Backoff:   initialBackoff,
	}
}

// NewHTTPClient returns a client with conservative timeouts for REST calls.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// FetchSnapshot implements orderbook.SnapshotFetcher.
func (c *SnapshotClient) FetchSnapshot(ctx context.Context, symbol string, limit int) (orderbook.Snapshot, error) {
	target, err := c.endpoints.DepthSnapshotURL(c.market, symbol, limit)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	retries := c.Retries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return orderbook.Snapshot{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.Backoff):
			}
		}
		snap, err := c.fetchOnce(ctx, target)
		if err == nil {
			c.log.Info().Str("symbol", symbol).Int64("lastUpdateId", snap.LastUpdateID).
				Int("bids", len(snap.Bids)).Int("asks", len(snap.Asks)).Msg("snapshot fetched")
			return snap, nil
		}
		lastErr = fmt.Errorf("attempt %d/%d: %w", attempt+1, retries, err)
		c.log.Warn().Err(lastErr).Str("symbol", symbol).Msg("snapshot fetch failed")
		if ctx.Err() != nil {
			return orderbook.Snapshot{}, ctx.Err()
		}
	}
	return orderbook.Snapshot{}, fmt.Errorf("snapshot fetch failed: %w", lastErr)
}

func (c *SnapshotClient) fetchOnce(ctx context.Context, target string) (orderbook.Snapshot, error) {
	var snap orderbook.Snapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return snap, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return snap, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return snap, fmt.Errorf("snapshot status %s: %s", resp.Status, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
