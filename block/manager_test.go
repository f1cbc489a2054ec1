package block

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeHolder struct {
	table []int
}

func (f *fakeHolder) BlockTable() []int     { return f.table }
func (f *fakeHolder) AppendBlocks(ids []int) { f.table = append(f.table, ids...) }
func (f *fakeHolder) ClearBlocks()           { f.table = nil }

func TestAllocateGrowsByExactNeed(t *testing.T) {
	m := NewManager(4, 16)
	h := &fakeHolder{}

	require.NoError(t, m.Allocate(h, 20)) // ceil(20/16) = 2 blocks
	require.Len(t, h.BlockTable(), 2)
	require.Equal(t, 2, m.FreeBlocks())
	require.Equal(t, 2, m.UsedBlocks())
}

func TestAllocateIsIncremental(t *testing.T) {
	m := NewManager(4, 16)
	h := &fakeHolder{}

	require.NoError(t, m.Allocate(h, 16)) // 1 block
	require.Len(t, h.BlockTable(), 1)

	require.NoError(t, m.Allocate(h, 17)) // needs 2, have 1, alloc 1 more
	require.Len(t, h.BlockTable(), 2)
	require.Equal(t, 2, m.FreeBlocks())
}

func TestAllocateNoOpWhenSufficient(t *testing.T) {
	m := NewManager(4, 16)
	h := &fakeHolder{}
	require.NoError(t, m.Allocate(h, 32)) // 2 blocks
	require.NoError(t, m.Allocate(h, 20)) // still fits in 2 blocks
	require.Len(t, h.BlockTable(), 2)
}

func TestAllocateOutOfBlocksLeavesStateUnchanged(t *testing.T) {
	m := NewManager(2, 16)
	h := &fakeHolder{}

	err := m.Allocate(h, 64) // needs 4 blocks, only 2 exist
	require.Error(t, err)
	require.Empty(t, h.BlockTable())
	require.Equal(t, 2, m.FreeBlocks())
}

func TestReleaseReturnsBlocksAndIsIdempotent(t *testing.T) {
	m := NewManager(4, 16)
	h := &fakeHolder{}
	require.NoError(t, m.Allocate(h, 48)) // 3 blocks
	require.Equal(t, 1, m.FreeBlocks())

	m.Release(h)
	require.Equal(t, 4, m.FreeBlocks())
	require.Empty(t, h.BlockTable())

	m.Release(h) // idempotent
	require.Equal(t, 4, m.FreeBlocks())
}

func TestNoBlockSharedAcrossSequences(t *testing.T) {
	m := NewManager(4, 16)
	a, b := &fakeHolder{}, &fakeHolder{}

	require.NoError(t, m.Allocate(a, 16))
	require.NoError(t, m.Allocate(b, 16))

	seen := map[int]bool{}
	for _, id := range a.BlockTable() {
		seen[id] = true
	}
	for _, id := range b.BlockTable() {
		require.False(t, seen[id], "block %d shared across sequences", id)
	}
}

func TestSlotID(t *testing.T) {
	m := NewManager(4, 16)
	h := &fakeHolder{}
	require.NoError(t, m.Allocate(h, 32))

	slot, err := m.SlotID(h.BlockTable(), 17)
	require.NoError(t, err)
	require.Equal(t, h.BlockTable()[1]*16+1, slot)
}

func TestConservationInvariant(t *testing.T) {
	m := NewManager(10, 16)
	seqs := make([]*fakeHolder, 0)
	for i := 0; i < 3; i++ {
		h := &fakeHolder{}
		require.NoError(t, m.Allocate(h, 32))
		seqs = append(seqs, h)
	}

	used := 0
	for _, h := range seqs {
		used += len(h.BlockTable())
	}
	require.Equal(t, m.TotalBlocks(), used+m.FreeBlocks())
}
