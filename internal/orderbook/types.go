package orderbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// DefaultBufferCapacity bounds the number of depth events held while the
// snapshot is in flight.
const DefaultBufferCapacity = 500

var (
	ErrAlreadyLive  = errors.New("orderbook: snapshot already applied")
	ErrFetchStarted = errors.New("orderbook: snapshot fetch already issued")
	ErrClosed       = errors.New("orderbook: engine closed")
	// ErrRejected marks errors for a single malformed update. The engine
	// stays usable after them.
	ErrRejected = errors.New("orderbook: update rejected")
)

// RawLevel is a price level as it arrives on the wire, e.g. ["0.0024","10"].
type RawLevel struct {
	Price    string
	Quantity string
}

// UnmarshalJSON accepts any well-formed JSON. A level that is not a
// [price, qty] pair of strings or numbers keeps its raw text as Price and
// fails later in ParseLevel, so the event carrying it is rejected as a unit.
func (r *RawLevel) UnmarshalJSON(data []byte) error {
	*r = RawLevel{Price: string(data)}
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil || len(pair) < 2 {
		return nil
	}
	p, err := textOrNumber(pair[0])
	if err != nil {
		return nil
	}
	q, err := textOrNumber(pair[1])
	if err != nil {
		return nil
	}
	r.Price, r.Quantity = p, q
	return nil
}

func (r RawLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{r.Price, r.Quantity})
}

// textOrNumber accepts both "1.5" and 1.5 and returns the textual form.
func textOrNumber(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// PriceLevel is a parsed, resting level.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"qty"`
}

// ParseError reports a level that could not be turned into a finite,
// non-negative number.
type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseLevel converts a wire level into numbers.
func ParseLevel(r RawLevel) (PriceLevel, error) {
	price, err := parseNumber("price", r.Price)
	if err != nil {
		return PriceLevel{}, err
	}
	qty, err := parseNumber("quantity", r.Quantity)
	if err != nil {
		return PriceLevel{}, err
	}
	if qty < 0 {
		return PriceLevel{}, &ParseError{Field: "quantity", Value: r.Quantity, Err: errors.New("negative")}
	}
	return PriceLevel{Price: price, Quantity: qty}, nil
}

func parseNumber(field, s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &ParseError{Field: field, Value: s, Err: err}
	}
	f := d.InexactFloat64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, &ParseError{Field: field, Value: s, Err: errors.New("not finite")}
	}
	return f, nil
}

func parseLevels(raw []RawLevel) ([]PriceLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]PriceLevel, 0, len(raw))
	for _, r := range raw {
		lvl, err := ParseLevel(r)
		if err != nil {
			return nil, err
		}
		out = append(out, lvl)
	}
	return out, nil
}

// DepthChangeEvent carries every level change between two update ids.
type DepthChangeEvent struct {
	Symbol        string     `json:"s,omitempty"`
	EventTime     int64      `json:"E,omitempty"`
	FirstUpdateID int64      `json:"U"`
	LastUpdateID  int64      `json:"u"`
	Bids          []RawLevel `json:"b"`
	Asks          []RawLevel `json:"a"`
}

// Snapshot is a full replacement of book state as of LastUpdateID.
type Snapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         []RawLevel `json:"bids"`
	Asks         []RawLevel `json:"asks"`
}

// DepthSource produces depth events in receipt order until ctx ends or the
// transport fails.
type DepthSource interface {
	StreamDepth(ctx context.Context, symbol string, fn func(DepthChangeEvent)) error
}

// SnapshotFetcher retrieves a point-in-time book.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string, limit int) (Snapshot, error)
}

// SnapshotFetcherFunc adapts a plain function to SnapshotFetcher.
type SnapshotFetcherFunc func(ctx context.Context, symbol string, limit int) (Snapshot, error)

func (f SnapshotFetcherFunc) FetchSnapshot(ctx context.Context, symbol string, limit int) (Snapshot, error) {
	return f(ctx, symbol, limit)
}
