// File: protocol/hpack/dynamic_table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FIFO header table bounded by the RFC 7541 entry size (name + value + 32).
// Entries live in a ring; index 1 is the newest.

package hpack

// EntryOverhead is added to name and value length when sizing an entry.
const EntryOverhead = 32

// HeaderField is a decoded header.
type HeaderField struct {
	Name, Value string
	// Sensitive marks never-indexed literals.
	Sensitive bool
}

// Size returns the table size the field occupies.
func (hf HeaderField) Size() int64 {
	return int64(len(hf.Name) + len(hf.Value) + EntryOverhead)
}

// DynamicTable is the per-connection decoding table.
type DynamicTable struct {
	ring     []HeaderField
	head     int // slot of the next insert
	tail     int // slot of the oldest entry
	n        int
	size     int64
	capacity int64
}

// NewDynamicTable creates a table holding at most capacity bytes.
func NewDynamicTable(capacity int64) *DynamicTable {
	t := &DynamicTable{}
	t.SetCapacity(capacity)
	return t
}

func (t *DynamicTable) Len() int        { return t.n }
func (t *DynamicTable) Size() int64     { return t.size }
func (t *DynamicTable) Capacity() int64 { return t.capacity }

// Entry returns the entry at 1-based index i, 1 being the newest.
func (t *DynamicTable) Entry(i int) (HeaderField, bool) {
	if i < 1 || i > t.n {
		return HeaderField{}, false
	}
	slot := t.head - i
	if slot < 0 {
		slot += len(t.ring)
	}
	return t.ring[slot], true
}

// Add inserts hf, evicting old entries. An entry larger than the capacity
// empties the table and is not stored.
func (t *DynamicTable) Add(hf HeaderField) {
	hf.Sensitive = false
	sz := hf.Size()
	if sz > t.capacity {
		t.Clear()
		return
	}
	for t.size+sz > t.capacity {
		t.evict()
	}
	if t.n == len(t.ring) {
		t.grow()
	}
	t.ring[t.head] = hf
	t.head = (t.head + 1) % len(t.ring)
	t.n++
	t.size += sz
}

// SetCapacity changes the bound, evicting entries that no longer fit.
func (t *DynamicTable) SetCapacity(capacity int64) {
	if capacity < 0 {
		capacity = 0
	}
	t.capacity = capacity
	if capacity == 0 {
		t.Clear()
		return
	}
	for t.size > capacity {
		t.evict()
	}
	if t.ring == nil {
		// the smallest entry is 32 bytes
		t.ring = make([]HeaderField, min(capacity/EntryOverhead+1, 64))
	}
}

// Clear removes every entry.
func (t *DynamicTable) Clear() {
	clear(t.ring)
	t.head, t.tail, t.n, t.size = 0, 0, 0, 0
}

func (t *DynamicTable) evict() {
	if t.n == 0 {
		return
	}
	old := t.ring[t.tail]
	t.ring[t.tail] = HeaderField{}
	t.tail = (t.tail + 1) % len(t.ring)
	t.n--
	t.size -= old.Size()
}

func (t *DynamicTable) grow() {
	next := make([]HeaderField, max(2*len(t.ring), 8))
	for i := 0; i < t.n; i++ {
		next[i] = t.ring[(t.tail+i)%len(t.ring)]
	}
	t.ring = next
	t.tail = 0
	t.head = t.n
}
