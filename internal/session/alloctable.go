package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/p4jit/internal/p4err"
)

// allocTable is a Device Session's private bookkeeping of live device
// allocations. It is never shared across sessions.
type allocTable struct {
	mu      sync.Mutex
	records map[uint32]AllocationRecord
}

func newAllocTable() *allocTable {
	return &allocTable{records: make(map[uint32]AllocationRecord)}
}

// insert adds a fresh record. The device is trusted to never hand out
// an address already on file; insert still guards against it
// defensively rather than silently corrupting the table.
func (t *allocTable) insert(rec AllocationRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.records[rec.Address]; exists {
		return p4err.New(p4err.KindBuildInvariant, fmt.Sprintf("alloc table: duplicate address %#x", rec.Address))
	}
	t.records[rec.Address] = rec
	return nil
}

// remove deletes the record for addr. Returns false if addr was not present.
func (t *allocTable) remove(addr uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[addr]; !ok {
		return false
	}
	delete(t.records, addr)
	return true
}

// get returns the record for addr, if any.
func (t *allocTable) get(addr uint32) (AllocationRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[addr]
	return rec, ok
}

// containingAny reports whether [addr, addr+size) falls entirely
// within any one record, for the unbounded-caps check execute() uses.
func (t *allocTable) containingAny(addr uint32, size uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.records {
		if rec.contains(addr, size) {
			return true
		}
	}
	return false
}

// len reports the number of live allocations.
func (t *allocTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// snapshot returns a stable-ordered copy of all live records, for
// diagnostics (Session.Allocations).
func (t *allocTable) snapshot() []AllocationRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AllocationRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
