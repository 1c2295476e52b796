package orderbook

// Buffer holds depth events received before the snapshot, oldest first.
// When full, each push evicts exactly one oldest event.
type Buffer struct {
	capacity int
	events   []DepthChangeEvent
	evicted  int
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{
		capacity: capacity,
		events:   make([]DepthChangeEvent, 0, capacity+1),
	}
}

func (b *Buffer) Push(ev DepthChangeEvent) {
	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		b.events[0] = DepthChangeEvent{}
		b.events = b.events[1:]
		b.evicted++
	}
}

// Drain returns the buffered events in receipt order and empties the buffer.
func (b *Buffer) Drain() []DepthChangeEvent {
	out := make([]DepthChangeEvent, len(b.events))
	copy(out, b.events)
	b.events = nil
	return out
}

func (b *Buffer) Len() int { return len(b.events) }

func (b *Buffer) Cap() int { return b.capacity }

// Evicted counts events lost to the capacity bound.
func (b *Buffer) Evicted() int { return b.evicted }
