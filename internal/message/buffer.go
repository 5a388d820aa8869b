package message

import (
	"sort"

	"github.com/jabolina/meldcore/internal/model"
)

// Buffer holds operations that arrived before their causal predecessor.
// Entries are kept sorted by the tick count of each operation's own
// clock (Clock.Ticks), then by TID, purely to make draining order
// reproducible; that order is not causal precedence across sources.
// Delivery stays happened-before-consistent because PopReady only
// releases an entry that Service reports as ready.
type Buffer struct {
	pending []model.Operation
}

// NewBuffer returns an empty reorder buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push inserts op in (tick count, TID) order.
func (b *Buffer) Push(op model.Operation) {
	i := sort.Search(len(b.pending), func(i int) bool {
		return less(op, b.pending[i])
	})
	b.pending = append(b.pending, model.Operation{})
	copy(b.pending[i+1:], b.pending[i:])
	b.pending[i] = op
}

// Len reports how many operations are buffered.
func (b *Buffer) Len() int {
	return len(b.pending)
}

// PopReady removes and returns the first buffered operation for which
// ready reports true, or ok=false if none currently qualify.
func (b *Buffer) PopReady(ready func(model.Operation) bool) (op model.Operation, ok bool) {
	for i, candidate := range b.pending {
		if ready(candidate) {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return candidate, true
		}
	}
	return model.Operation{}, false
}

func less(a, b model.Operation) bool {
	at, bt := a.Time.Ticks(), b.Time.Ticks()
	if at != bt {
		return at < bt
	}
	return a.TID() < b.TID()
}
