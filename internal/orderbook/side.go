package orderbook

import "sort"

// SideKind selects the book side and therefore its price ordering.
type SideKind int

const (
	Bid SideKind = iota
	Ask
)

func (k SideKind) String() string {
	switch k {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Change describes what an index mutation did.
type Change int

const (
	Unchanged Change = iota
	Inserted
	Updated
	Removed
)

// Side indexes one side of the book: a price->quantity map plus the same
// prices kept sorted best-first (descending bids, ascending asks).
type Side struct {
	kind   SideKind
	levels map[float64]float64
	prices []float64
}

func NewSide(kind SideKind) *Side {
	return &Side{
		kind:   kind,
		levels: make(map[float64]float64),
	}
}

func (s *Side) Kind() SideKind { return s.kind }

func (s *Side) Len() int { return len(s.prices) }

// better reports whether price a sorts ahead of b on this side.
func (s *Side) better(a, b float64) bool {
	if s.kind == Bid {
		return a > b
	}
	return a < b
}

// search returns the index of the first price not better than price.
func (s *Side) search(price float64) int {
	return sort.Search(len(s.prices), func(i int) bool {
		return !s.better(s.prices[i], price)
	})
}

// Upsert sets the quantity at price. A zero quantity removes the level.
func (s *Side) Upsert(price, qty float64) Change {
	if qty == 0 {
		if s.Remove(price) {
			return Removed
		}
		return Unchanged
	}
	if _, ok := s.levels[price]; ok {
		s.levels[price] = qty
		return Updated
	}
	s.levels[price] = qty
	idx := s.search(price)
	s.prices = append(s.prices, 0)
	copy(s.prices[idx+1:], s.prices[idx:])
	s.prices[idx] = price
	return Inserted
}

// Remove deletes the level at price. Removing an absent level is a no-op.
func (s *Side) Remove(price float64) bool {
	if _, ok := s.levels[price]; !ok {
		return false
	}
	delete(s.levels, price)
	idx := s.search(price)
	if idx < len(s.prices) && s.prices[idx] == price {
		s.prices = append(s.prices[:idx], s.prices[idx+1:]...)
	}
	return true
}

// Best returns the top of this side, or 0 when the side is empty.
func (s *Side) Best() float64 {
	if len(s.prices) == 0 {
		return 0
	}
	return s.prices[0]
}

func (s *Side) Quantity(price float64) (float64, bool) {
	q, ok := s.levels[price]
	return q, ok
}

// LevelsBetween returns the levels priced within [min(a,b), max(a,b)] in
// side order.
func (s *Side) LevelsBetween(a, b float64) []PriceLevel {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	// walk from the end of the range nearest the top of the side
	start, stop := hi, lo
	if s.kind == Ask {
		start, stop = lo, hi
	}
	out := make([]PriceLevel, 0)
	for i := s.search(start); i < len(s.prices); i++ {
		p := s.prices[i]
		if s.better(stop, p) {
			break
		}
		out = append(out, PriceLevel{Price: p, Quantity: s.levels[p]})
	}
	return out
}

// Levels returns up to depth levels from the top; depth <= 0 returns all.
func (s *Side) Levels(depth int) []PriceLevel {
	n := len(s.prices)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]PriceLevel, n)
	for i := 0; i < n; i++ {
		p := s.prices[i]
		out[i] = PriceLevel{Price: p, Quantity: s.levels[p]}
	}
	return out
}
