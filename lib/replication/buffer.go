package replication

import (
	"container/heap"

	"github.com/ValentinKolb/dSeq/lib/store"
)

// reorderBuffer parks entries that arrived before their predecessor.
//
// It combines a max-heap on the sequence with a map keyed by the predecessor
// sequence (Entry.Prev): the next applicable entry is found in O(1) by the
// current high-water mark, and when the buffer is full the entry farthest
// from the high-water mark is evicted in O(log n). Evicted entries are
// re-fetched by catch-up.
//
// Not thread-safe, the engine guards it with its write lock.
type reorderBuffer struct {
	items  []*pending
	byPrev map[uint64]*pending
	limit  int
}

type pending struct {
	entry store.Entry
	index int
}

func newReorderBuffer(limit int) *reorderBuffer {
	return &reorderBuffer{
		byPrev: make(map[uint64]*pending),
		limit:  limit,
	}
}

// Len, Less, Swap, Push and Pop implement heap.Interface (max-heap by Seq).
func (b *reorderBuffer) Len() int { return len(b.items) }

func (b *reorderBuffer) Less(i, j int) bool {
	return b.items[i].entry.Seq > b.items[j].entry.Seq
}

func (b *reorderBuffer) Swap(i, j int) {
	b.items[i], b.items[j] = b.items[j], b.items[i]
	b.items[i].index = i
	b.items[j].index = j
}

func (b *reorderBuffer) Push(x any) {
	p := x.(*pending)
	p.index = len(b.items)
	b.items = append(b.items, p)
	b.byPrev[p.entry.Prev] = p
}

func (b *reorderBuffer) Pop() any {
	old := b.items
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	b.items = old[:n-1]
	delete(b.byPrev, p.entry.Prev)
	return p
}

// add parks an entry. An entry with the same predecessor replaces the parked
// one (a newer leader rewrote that position). Returns false if the entry was
// dropped because the buffer is full of entries closer to the high-water mark.
func (b *reorderBuffer) add(e store.Entry) bool {
	if p, ok := b.byPrev[e.Prev]; ok {
		p.entry = e
		heap.Fix(b, p.index)
		return true
	}
	if b.limit > 0 && len(b.items) >= b.limit {
		if e.Seq >= b.items[0].entry.Seq {
			return false
		}
		heap.Pop(b)
	}
	heap.Push(b, &pending{entry: e})
	return true
}

// take removes and returns the entry following prev.
func (b *reorderBuffer) take(prev uint64) (store.Entry, bool) {
	p, ok := b.byPrev[prev]
	if !ok {
		return store.Entry{}, false
	}
	heap.Remove(b, p.index)
	return p.entry, true
}

// dropUpTo discards every entry with Seq <= highWater.
func (b *reorderBuffer) dropUpTo(highWater uint64) {
	kept := b.items[:0]
	for _, p := range b.items {
		if p.entry.Seq > highWater {
			kept = append(kept, p)
			continue
		}
		delete(b.byPrev, p.entry.Prev)
	}
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = nil
	}
	b.items = kept
	for i, p := range b.items {
		p.index = i
	}
	heap.Init(b)
}

