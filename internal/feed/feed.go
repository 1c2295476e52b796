// Package feed keeps one reconciled order book alive for a symbol. It wires
// a depth source and a snapshot fetcher into an orderbook.Engine and replaces
// the engine with a fresh one whenever the current one can no longer make
// progress.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"depthbook/internal/metrics"
	"depthbook/internal/orderbook"
)

const subscriberBuffer = 256

// Options tunes a Feed. Zero values fall back to defaults.
type Options struct {
	SnapshotLimit  int
	BufferCapacity int
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	// StallThreshold is the number of consecutive sequence gaps, with no
	// processed update in between, after which the engine is restarted.
	// Zero disables stall detection.
	StallThreshold int
	Metrics        *metrics.Book
	Listeners      []orderbook.Listener
}

func (o *Options) defaults() {
	if o.SnapshotLimit <= 0 {
		o.SnapshotLimit = 1000
	}
	if o.BufferCapacity <= 0 {
		o.BufferCapacity = orderbook.DefaultBufferCapacity
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 5 * time.Second
		if o.MaxBackoff < o.MinBackoff {
			o.MaxBackoff = o.MinBackoff
		}
	}
}

// Feed supervises the engine lifecycle for one symbol.
type Feed struct {
	symbol  string
	source  orderbook.DepthSource
	fetcher orderbook.SnapshotFetcher
	opts    Options
	log     zerolog.Logger

	mu        sync.RWMutex
	engine    *orderbook.Engine
	restarts  int
	lastError string
	lastStart time.Time

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]chan orderbook.Notification
}

func New(symbol string, source orderbook.DepthSource, fetcher orderbook.SnapshotFetcher, opts Options, log zerolog.Logger) *Feed {
	opts.defaults()
	return &Feed{
		symbol:  strings.ToUpper(symbol),
		source:  source,
		fetcher: fetcher,
		opts:    opts,
		log:     log.With().Str("component", "feed").Logger(),
		subs:    make(map[int]chan orderbook.Notification),
	}
}

// failure is why an engine run ended.
type failure struct {
	reason string
	err    error
}

// Run keeps an engine running until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.opts.MinBackoff
	for {
		fail, wasLive := f.runEngine(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.recordRestart(fail)
		if wasLive {
			backoff = f.opts.MinBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(addJitter(backoff)):
		}
		if backoff < f.opts.MaxBackoff {
			backoff *= 2
			if backoff > f.opts.MaxBackoff {
				backoff = f.opts.MaxBackoff
			}
		}
	}
}

// runEngine drives a single engine from subscription to failure.
func (f *Feed) runEngine(parent context.Context) (failure, bool) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	eng := orderbook.NewEngine(f.symbol,
		orderbook.WithBufferCapacity(f.opts.BufferCapacity),
		orderbook.WithLogger(f.log.With().Str("component", "engine").Logger()),
	)
	defer eng.Close()

	failed := make(chan failure, 1)
	fail := func(reason string, err error) {
		select {
		case failed <- failure{reason: reason, err: err}:
		default:
		}
	}
	for _, l := range f.opts.Listeners {
		eng.Subscribe(l)
	}
	if f.opts.Metrics != nil {
		eng.Subscribe(f.opts.Metrics)
	}
	eng.Subscribe(f.watch(fail))
	f.setEngine(eng)

	var startOnce sync.Once
	handle := func(ev orderbook.DepthChangeEvent) {
		eng.HandleDepth(ev)
		// the stream is known to be flowing once an event arrived, so the
		// snapshot taken now cannot predate the buffered events
		startOnce.Do(func() {
			if err := eng.Start(ctx, f.fetcher, f.opts.SnapshotLimit); err != nil {
				fail("snapshot", err)
			}
		})
	}

	var wg sync.WaitGroup
	streamDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamDone <- f.source.StreamDepth(ctx, f.symbol, handle)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	go func() {
		select {
		case <-eng.Ready():
			if f.opts.Metrics != nil {
				f.opts.Metrics.SnapshotsUsed.Inc()
			}
			f.log.Info().Str("symbol", f.symbol).Msg("book live")
		case <-ctx.Done():
		}
	}()

	var out failure
	select {
	case err := <-streamDone:
		if err == nil {
			err = errors.New("depth stream closed")
		}
		eng.ReportError(fmt.Errorf("depth stream: %w", err))
		out = failure{reason: "stream", err: err}
	case out = <-failed:
	case <-ctx.Done():
		out = failure{reason: "shutdown", err: ctx.Err()}
	}
	return out, eng.State() == orderbook.Live
}

// watch returns the listener that fans notifications out to subscribers and
// decides when the engine can no longer make progress.
func (f *Feed) watch(fail func(string, error)) orderbook.Listener {
	streak := 0
	return orderbook.ListenerFunc(func(n orderbook.Notification) {
		switch n.Kind {
		case orderbook.Error:
			if !errors.Is(n.Err, orderbook.ErrRejected) {
				fail("error", n.Err)
			}
		case orderbook.DepthUpdateProcessed:
			streak = 0
		case orderbook.DepthUpdateDropped:
			if n.Reason != orderbook.DropGap {
				break
			}
			streak++
			if f.opts.StallThreshold > 0 && streak >= f.opts.StallThreshold {
				fail("stalled", fmt.Errorf("%d consecutive sequence gaps", streak))
			}
		}
		f.broadcast(n)
	})
}

func (f *Feed) recordRestart(fail failure) {
	f.mu.Lock()
	f.restarts++
	if fail.err != nil {
		f.lastError = fail.err.Error()
	}
	f.mu.Unlock()
	if f.opts.Metrics != nil {
		f.opts.Metrics.FeedRestarts.WithLabelValues(fail.reason).Inc()
	}
	f.log.Warn().Err(fail.err).Str("reason", fail.reason).Msg("restarting engine")
}

func (f *Feed) setEngine(eng *orderbook.Engine) {
	f.mu.Lock()
	f.engine = eng
	f.lastStart = time.Now()
	f.mu.Unlock()
}

// Engine returns the engine currently serving the book, or nil before the
// first start.
func (f *Feed) Engine() *orderbook.Engine {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.engine
}

func (f *Feed) Symbol() string { return f.symbol }

func (f *Feed) Restarts() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.restarts
}

func (f *Feed) Health() map[string]any {
	f.mu.RLock()
	eng := f.engine
	report := map[string]any{
		"symbol":    f.symbol,
		"restarts":  f.restarts,
		"lastError": f.lastError,
		"since":     f.lastStart,
	}
	f.mu.RUnlock()

	f.subMu.Lock()
	report["subscribers"] = len(f.subs)
	f.subMu.Unlock()

	if eng == nil {
		report["state"] = "IDLE"
		return report
	}
	st := eng.Stats()
	report["state"] = st.State
	report["engine"] = st
	return report
}

// Register subscribes to notifications from every engine the feed runs.
// Slow subscribers are dropped and their channel closed.
func (f *Feed) Register() (int, <-chan orderbook.Notification) {
	ch := make(chan orderbook.Notification, subscriberBuffer)
	f.subMu.Lock()
	id := f.nextSubID
	f.nextSubID++
	f.subs[id] = ch
	f.subMu.Unlock()
	return id, ch
}

func (f *Feed) Unregister(id int) {
	f.subMu.Lock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
	f.subMu.Unlock()
}

func (f *Feed) broadcast(n orderbook.Notification) {
	f.subMu.Lock()
	for id, ch := range f.subs {
		select {
		case ch <- n:
		default:
			close(ch)
			delete(f.subs, id)
		}
	}
	f.subMu.Unlock()
}

func addJitter(d time.Duration) time.Duration {
	jitter := time.Duration((rand.Float64() - 0.5) * float64(200*time.Millisecond))
	if d+jitter <= 0 {
		return d
	}
	return d + jitter
}
