package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferKeepsNewestWithinCapacity(t *testing.T) {
	b := NewBuffer(500)
	for i := 1; i <= 600; i++ {
		b.Push(DepthChangeEvent{FirstUpdateID: int64(i), LastUpdateID: int64(i)})
	}
	assert.Equal(t, 500, b.Len())
	assert.Equal(t, 100, b.Evicted())

	got := b.Drain()
	require.Len(t, got, 500)
	for i, ev := range got {
		assert.Equal(t, int64(101+i), ev.FirstUpdateID)
	}
	assert.Zero(t, b.Len())
}

func TestBufferDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultBufferCapacity, NewBuffer(0).Cap())
}
