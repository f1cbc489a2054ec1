// Package block implements the fixed-size KV cache block free list and
// per-sequence block-table bookkeeping. It is the pure-bookkeeping leaf
// component: no tensors, no device, no I/O — the same role
// ollama/ollama/kvcache's Causal cache plays for its cell-range
// metadata, reshaped here from cell granularity to block granularity.
package block

import (
	"fmt"

	"github.com/pagedmind/core/errs"
)

// Holder is the sequence-side contract the manager needs to grow and
// drain a block table without importing the sequence package — mirrors
// how causal.go keeps cellRanges keyed by a bare sequence id rather than
// holding a pointer back into the caller's type.
type Holder interface {
	BlockTable() []int
	AppendBlocks(ids []int)
	ClearBlocks()
}

// Manager owns the free-block pool for one device's KV cache and grows
// or shrinks a sequence's block table on its behalf. It is driven
// exclusively from the engine's control thread, so it does no locking.
type Manager struct {
	blockSize int
	total     int
	free      []int // LIFO: free[len-1] is handed out next
}

// NewManager constructs a free list of every block id in [0, total),
// handed out LIFO so that a given sequence of allocate/release calls
// yields deterministic block ids — useful for tests that assert on
// exact ids.
func NewManager(total, blockSize int) *Manager {
	free := make([]int, total)
	for i := range free {
		free[i] = i
	}
	return &Manager{
		blockSize: blockSize,
		total:     total,
		free:      free,
	}
}

// Allocate grows h's block table so it can hold at least neededTokens
// token slots, appending newly allocated block ids. It allocates
// ceil(neededTokens/B) - len(blockTable) new blocks, which may be zero.
// On OutOfBlocks no partial allocation is made visible: either every
// required block is appended, or none are.
func (m *Manager) Allocate(h Holder, neededTokens int) error {
	have := len(h.BlockTable())
	want := ceilDiv(neededTokens, m.blockSize)
	if want <= have {
		return nil
	}

	n := want - have
	if len(m.free) < n {
		return &errs.OutOfBlocks{Requested: n, Free: len(m.free)}
	}

	newBlocks := make([]int, n)
	for i := 0; i < n; i++ {
		last := len(m.free) - 1
		newBlocks[i] = m.free[last]
		m.free = m.free[:last]
	}

	h.AppendBlocks(newBlocks)
	return nil
}

// Release returns every block id in h's table to the free list and
// clears the table. It is idempotent: releasing an already-empty
// holder is a no-op.
func (m *Manager) Release(h Holder) {
	table := h.BlockTable()
	if len(table) == 0 {
		return
	}
	m.free = append(m.free, table...)
	h.ClearBlocks()
}

// FreeBlocks returns the number of blocks currently unassigned.
func (m *Manager) FreeBlocks() int {
	return len(m.free)
}

// TotalBlocks returns the total block count the manager was constructed with.
func (m *Manager) TotalBlocks() int {
	return m.total
}

// UsedBlocks is the complement of FreeBlocks, mirroring
// original_source's num_blocks_in_use() so callers that want
// utilization don't have to recompute total-free at every call site.
func (m *Manager) UsedBlocks() int {
	return m.total - len(m.free)
}

// BlockSize returns B, the number of token slots per block.
func (m *Manager) BlockSize() int {
	return m.blockSize
}

// SlotID computes the slot id for sequence-local position p given a
// block table, per spec: slot_id = block_table[p/B]*B + (p mod B).
func (m *Manager) SlotID(blockTable []int, p int) (int, error) {
	idx := p / m.blockSize
	if idx >= len(blockTable) {
		return 0, fmt.Errorf("block: position %d exceeds block table of length %d", p, len(blockTable))
	}
	return blockTable[idx]*m.blockSize + p%m.blockSize, nil
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
