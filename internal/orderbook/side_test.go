package orderbook

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSideUpsertReportsChange(t *testing.T) {
	s := NewSide(Bid)

	assert.Equal(t, Inserted, s.Upsert(10.5, 2))
	assert.Equal(t, Updated, s.Upsert(10.5, 3))
	q, ok := s.Quantity(10.5)
	require.True(t, ok)
	assert.Equal(t, 3.0, q)

	assert.Equal(t, Removed, s.Upsert(10.5, 0))
	_, ok = s.Quantity(10.5)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestSideZeroQuantityOnEmptySide(t *testing.T) {
	s := NewSide(Ask)
	assert.Equal(t, Unchanged, s.Upsert(10.5, 0))
	assert.Equal(t, 0, s.Len())
}

func TestSideRemoveAbsentIsNoop(t *testing.T) {
	s := NewSide(Bid)
	s.Upsert(1, 1)
	s.Upsert(2, 1)

	assert.False(t, s.Remove(3))
	assert.Equal(t, []PriceLevel{{2, 1}, {1, 1}}, s.Levels(0))
}

func TestSideBestPrice(t *testing.T) {
	bids := NewSide(Bid)
	asks := NewSide(Ask)
	assert.Zero(t, bids.Best())
	assert.Zero(t, asks.Best())

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		price := float64(rng.Intn(50) + 1)
		qty := float64(rng.Intn(3))
		bids.Upsert(price, qty)
		asks.Upsert(price, qty)

		assert.Equal(t, maxKey(bids.levels), bids.Best())
		assert.Equal(t, minKey(asks.levels), asks.Best())
		assertOrdered(t, bids)
		assertOrdered(t, asks)
	}
}

func TestSideLevelsBetween(t *testing.T) {
	for _, kind := range []SideKind{Bid, Ask} {
		s := NewSide(kind)
		for _, p := range []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10} {
			s.Upsert(p, p*10)
		}

		got := s.LevelsBetween(7, 3)
		assert.Equal(t, got, s.LevelsBetween(3, 7), kind.String())
		require.Len(t, got, 5)
		if kind == Bid {
			assert.Equal(t, 7.0, got[0].Price)
			assert.Equal(t, 3.0, got[4].Price)
		} else {
			assert.Equal(t, 3.0, got[0].Price)
			assert.Equal(t, 7.0, got[4].Price)
		}
		assert.Equal(t, 30.0, priceQty(got, 3))

		assert.Empty(t, s.LevelsBetween(10.5, 20))
		assert.Len(t, s.LevelsBetween(5, 5), 1)
		assert.Len(t, s.LevelsBetween(2.5, 3.5), 1)
	}
}

func TestSideLevelsDepth(t *testing.T) {
	s := NewSide(Ask)
	s.Upsert(3, 1)
	s.Upsert(1, 1)
	s.Upsert(2, 1)
	assert.Equal(t, []PriceLevel{{1, 1}, {2, 1}}, s.Levels(2))
	assert.Len(t, s.Levels(10), 3)
}

func maxKey(m map[float64]float64) float64 {
	var best float64
	first := true
	for p := range m {
		if first || p > best {
			best, first = p, false
		}
	}
	return best
}

func minKey(m map[float64]float64) float64 {
	var best float64
	first := true
	for p := range m {
		if first || p < best {
			best, first = p, false
		}
	}
	return best
}

func assertOrdered(t *testing.T, s *Side) {
	t.Helper()
	require.Equal(t, len(s.levels), len(s.prices))
	for i, p := range s.prices {
		_, ok := s.levels[p]
		require.True(t, ok, "ordered price %v missing from map", p)
		if i > 0 {
			require.True(t, s.better(s.prices[i-1], p), "%v out of order at %d", s.prices, i)
		}
	}
}

func priceQty(levels []PriceLevel, price float64) float64 {
	for _, l := range levels {
		if l.Price == price {
			return l.Quantity
		}
	}
	return -1
}
