package orderbook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// State is the reconciliation phase of an Engine.
type State int

const (
	AwaitingSnapshot State = iota
	Live
)

func (s State) String() string {
	switch s {
	case AwaitingSnapshot:
		return "AWAITING_SNAPSHOT"
	case Live:
		return "LIVE"
	default:
		return "UNKNOWN"
	}
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	State         string `json:"state"`
	SnapshotID    int64  `json:"snapshotId"`
	Cursor        int64  `json:"cursor"`
	Processed     uint64 `json:"processed"`
	Dropped       uint64 `json:"dropped"`
	Rejected      uint64 `json:"rejected"`
	Buffered      int    `json:"buffered"`
	BufferEvicted int    `json:"bufferEvicted"`
	BidLevels     int    `json:"bidLevels"`
	AskLevels     int    `json:"askLevels"`
}

// Depth is a copy of the top of both sides.
type Depth struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

type Option func(*Engine)

func WithBufferCapacity(n int) Option {
	return func(e *Engine) { e.buffer = NewBuffer(n) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

type subscription struct {
	id int
	l  Listener
}

// Engine reconciles a depth stream with a snapshot for one symbol. All
// mutations are serialized; notifications produced by a mutation are
// delivered after it completes, in the order they were raised.
type Engine struct {
	symbol string
	log    zerolog.Logger

	mu         sync.RWMutex
	state      State
	closed     bool
	bids       *Side
	asks       *Side
	buffer     *Buffer
	cursor     int64
	hasCursor  bool
	snapshotID int64
	processed  uint64
	dropped    uint64
	rejected   uint64
	evicted    int
	pending    []Notification
	ready      chan struct{}

	// outMu guards outbox and flushing. It is taken under mu, never the
	// other way round.
	outMu    sync.Mutex
	outbox   [][]Notification
	flushing bool

	subMu     sync.RWMutex
	nextSubID int
	subs      []subscription

	fetchStarted atomic.Bool
}

func NewEngine(symbol string, opts ...Option) *Engine {
	e := &Engine{
		symbol: strings.ToUpper(symbol),
		log:    zerolog.Nop(),
		bids:   NewSide(Bid),
		asks:   NewSide(Ask),
		buffer: NewBuffer(DefaultBufferCapacity),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Symbol() string { return e.symbol }

// Subscribe registers l and returns an id for Unsubscribe.
func (e *Engine) Subscribe(l Listener) int {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	e.subs = append(e.subs, subscription{id: id, l: l})
	return id
}

func (e *Engine) Unsubscribe(id int) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// Start issues the one snapshot fetch for this engine. The result is
// applied when it arrives unless the engine was closed or ctx ended first.
func (e *Engine) Start(ctx context.Context, fetcher SnapshotFetcher, limit int) error {
	if e.isClosed() {
		return ErrClosed
	}
	if !e.fetchStarted.CompareAndSwap(false, true) {
		return ErrFetchStarted
	}
	go func() {
		snap, err := fetcher.FetchSnapshot(ctx, e.symbol, limit)
		if ctx.Err() != nil || e.isClosed() {
			e.log.Debug().Msg("engine torn down before snapshot resolved, ignoring result")
			return
		}
		if err != nil {
			e.ReportError(fmt.Errorf("fetch snapshot: %w", err))
			return
		}
		_ = e.ApplySnapshot(snap)
	}()
	return nil
}

// Ready is closed once the snapshot has been applied.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Close tears the engine down. Later snapshots, events and errors are ignored.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.pending = nil
	e.mu.Unlock()
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// HandleDepth is the single admission point for depth events.
func (e *Engine) HandleDepth(ev DepthChangeEvent) {
	e.mu.Lock()
	defer e.unlockAndFlush()
	if e.closed {
		return
	}
	if e.state == AwaitingSnapshot {
		e.buffer.Push(ev)
		return
	}
	if e.hasCursor && ev.LastUpdateID != e.cursor+1 {
		e.drop(ev, DropGap)
		return
	}
	e.accept(ev)
}

// ApplySnapshot replaces book state with snap, replays the buffered events
// against it and switches the engine to Live.
func (e *Engine) ApplySnapshot(snap Snapshot) error {
	e.mu.Lock()
	defer e.unlockAndFlush()
	if e.closed {
		return ErrClosed
	}
	if e.state == Live {
		return ErrAlreadyLive
	}

	bids, err := parseLevels(snap.Bids)
	if err != nil {
		err = fmt.Errorf("snapshot %d bids: %w", snap.LastUpdateID, err)
		e.emit(Notification{Kind: Error, Err: err})
		return err
	}
	asks, err := parseLevels(snap.Asks)
	if err != nil {
		err = fmt.Errorf("snapshot %d asks: %w", snap.LastUpdateID, err)
		e.emit(Notification{Kind: Error, Err: err})
		return err
	}
	for _, lvl := range bids {
		e.applyLevel(e.bids, lvl)
	}
	for _, lvl := range asks {
		e.applyLevel(e.asks, lvl)
	}

	last := snap.LastUpdateID
	bridged := false
	for _, ev := range e.buffer.Drain() {
		switch {
		case ev.LastUpdateID <= last:
			e.drop(ev, DropCovered)
		case !bridged && !coversNext(ev, last):
			e.drop(ev, DropNoBridge)
		default:
			if e.accept(ev) {
				bridged = true
			}
		}
	}
	e.evicted = e.buffer.Evicted()
	e.buffer = nil
	e.snapshotID = last
	e.state = Live
	close(e.ready)

	e.log.Info().
		Int64("lastUpdateId", last).
		Int("bids", e.bids.Len()).
		Int("asks", e.asks.Len()).
		Bool("bridged", bridged).
		Msg("snapshot applied")
	return nil
}

// coversNext reports whether the update id range of ev contains id+1. The
// bounds are compared without assuming which field holds the lower one.
func coversNext(ev DepthChangeEvent, id int64) bool {
	lo, hi := ev.FirstUpdateID, ev.LastUpdateID
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo <= id+1 && id+1 <= hi
}

// ReportError surfaces a transport failure to listeners.
func (e *Engine) ReportError(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.unlockAndFlush()
	if e.closed {
		return
	}
	e.log.Error().Err(err).Msg("engine error")
	e.emit(Notification{Kind: Error, Err: err})
}

// accept applies every delta of ev or, when any delta is malformed, none.
func (e *Engine) accept(ev DepthChangeEvent) bool {
	bids, asks, err := parseEvent(ev)
	if err != nil {
		e.rejected++
		err = fmt.Errorf("depth update %d-%d: %w: %w", ev.FirstUpdateID, ev.LastUpdateID, ErrRejected, err)
		e.log.Error().Err(err).Msg("malformed depth update")
		e.emit(Notification{Kind: Error, Err: err})
		return false
	}
	for _, lvl := range bids {
		e.applyLevel(e.bids, lvl)
	}
	for _, lvl := range asks {
		e.applyLevel(e.asks, lvl)
	}
	e.cursor = ev.FirstUpdateID
	e.hasCursor = true
	e.processed++
	e.emit(Notification{Kind: DepthUpdateProcessed, Event: &ev})
	return true
}

func parseEvent(ev DepthChangeEvent) (bids, asks []PriceLevel, err error) {
	if bids, err = parseLevels(ev.Bids); err != nil {
		return nil, nil, fmt.Errorf("bids: %w", err)
	}
	if asks, err = parseLevels(ev.Asks); err != nil {
		return nil, nil, fmt.Errorf("asks: %w", err)
	}
	return bids, asks, nil
}

func (e *Engine) drop(ev DepthChangeEvent, reason string) {
	e.dropped++
	e.log.Debug().
		Int64("U", ev.FirstUpdateID).
		Int64("u", ev.LastUpdateID).
		Int64("cursor", e.cursor).
		Str("reason", reason).
		Msg("depth update dropped")
	e.emit(Notification{Kind: DepthUpdateDropped, Event: &ev, Reason: reason})
}

func (e *Engine) applyLevel(side *Side, lvl PriceLevel) {
	before := side.Best()
	kind, ok := levelKind(side.Kind(), side.Upsert(lvl.Price, lvl.Quantity))
	if !ok {
		return
	}
	e.emit(Notification{Kind: kind, Price: lvl.Price, Quantity: lvl.Quantity})
	if after := side.Best(); after != before {
		e.emit(Notification{Kind: bestKind(side.Kind()), New: after, Old: before})
	}
}

func (e *Engine) emit(n Notification) {
	e.pending = append(e.pending, n)
}

// unlockAndFlush queues the notifications raised under mu and releases it.
// Batches are queued in mutation order. Whichever goroutine finds no flush
// in progress delivers every queued batch with no engine lock held, so
// listeners may query the engine. A mutator that finds a flush running
// returns at once and its batch is delivered by the flushing goroutine.
func (e *Engine) unlockAndFlush() {
	notes := e.pending
	e.pending = nil
	e.outMu.Lock()
	if len(notes) > 0 {
		e.outbox = append(e.outbox, notes)
	}
	if e.flushing || len(e.outbox) == 0 {
		e.outMu.Unlock()
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.outMu.Unlock()
	e.mu.Unlock()
	e.flush()
}

func (e *Engine) flush() {
	for {
		e.outMu.Lock()
		batches := e.outbox
		e.outbox = nil
		if len(batches) == 0 {
			e.flushing = false
			e.outMu.Unlock()
			return
		}
		e.outMu.Unlock()

		e.subMu.RLock()
		subs := make([]subscription, len(e.subs))
		copy(subs, e.subs)
		e.subMu.RUnlock()
		for _, batch := range batches {
			for _, n := range batch {
				for _, s := range subs {
					s.l.OnNotification(n)
				}
			}
		}
	}
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Cursor returns the first update id of the last accepted event.
func (e *Engine) Cursor() (int64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cursor, e.hasCursor
}

func (e *Engine) BestBid() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bids.Best()
}

func (e *Engine) BestAsk() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.asks.Best()
}

func (e *Engine) BidQuantity(price float64) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bids.Quantity(price)
}

func (e *Engine) AskQuantity(price float64) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.asks.Quantity(price)
}

func (e *Engine) BidLevelsBetween(a, b float64) []PriceLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bids.LevelsBetween(a, b)
}

func (e *Engine) AskLevelsBetween(a, b float64) []PriceLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.asks.LevelsBetween(a, b)
}

// Depth copies up to n levels per side; n <= 0 copies the whole book.
func (e *Engine) Depth(n int) Depth {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Depth{Bids: e.bids.Levels(n), Asks: e.asks.Levels(n)}
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Stats{
		State:         e.state.String(),
		SnapshotID:    e.snapshotID,
		Cursor:        e.cursor,
		Processed:     e.processed,
		Dropped:       e.dropped,
		Rejected:      e.rejected,
		BufferEvicted: e.evicted,
		BidLevels:     e.bids.Len(),
		AskLevels:     e.asks.Len(),
	}
	if e.buffer != nil {
		st.Buffered = e.buffer.Len()
		st.BufferEvicted = e.buffer.Evicted()
	}
	return st
}
