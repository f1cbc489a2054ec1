package batch

import (
	"testing"

	"github.com/pagedmind/core/block"
	"github.com/pagedmind/core/sequence"
	"github.com/stretchr/testify/require"
)

func TestPackAllPrefillMatchesCuSeqLensExample(t *testing.T) {
	blocks := block.NewManager(64, 16)
	p := NewPacker(blocks)

	s1 := sequence.Admit([]int{1, 2}, sequence.SamplingParams{})
	s2 := sequence.Admit([]int{3, 4, 5}, sequence.SamplingParams{})
	s3 := sequence.Admit([]int{6, 7, 8, 9}, sequence.SamplingParams{})

	packed, ejected := p.Pack([]*sequence.Sequence{s1, s2, s3})
	require.Empty(t, ejected)
	require.Equal(t, []int{0, 2, 5, 9}, packed.CuSeqLens)
	require.Equal(t, 4, packed.MaxSeqLen)
	require.Equal(t, 9, packed.NumPromptTokens)
	require.Equal(t, []int{0, 1, 2}, packed.SeqIndices)
	require.Equal(t, []int{1, 4, 8}, packed.LastTokenIndicies)
	require.Len(t, packed.TokenIDs, 9)
	require.Empty(t, packed.BlockTables)
}

func TestPackOrdersPrefillBeforeDecode(t *testing.T) {
	blocks := block.NewManager(64, 16)
	p := NewPacker(blocks)

	decodeSeq := sequence.Admit([]int{1, 2}, sequence.SamplingParams{})
	require.NoError(t, decodeSeq.AppendToken(99))

	prefillSeq := sequence.Admit([]int{3, 4, 5}, sequence.SamplingParams{})

	packed, ejected := p.Pack([]*sequence.Sequence{decodeSeq, prefillSeq})
	require.Empty(t, ejected)

	// decodeSeq was first in caller order but packed second.
	require.Equal(t, []int{1, 0}, packed.SeqIndices)
	require.Len(t, packed.BlockTables, 1)
	require.Equal(t, []int{3}, packed.ContextLens) // prompt(2)+generated(1)
	require.Equal(t, 3, packed.MaxContextLen)
}

func TestPackEjectsOnOutOfBlocks(t *testing.T) {
	blocks := block.NewManager(1, 16) // only one block total
	p := NewPacker(blocks)

	big := sequence.Admit(make([]int, 64), sequence.SamplingParams{}) // needs 4 blocks
	small := sequence.Admit([]int{1}, sequence.SamplingParams{})

	packed, ejected := p.Pack([]*sequence.Sequence{big, small})
	require.Len(t, ejected, 1)
	require.Equal(t, big, ejected[0])
	require.Equal(t, []int{-1, 0}, packed.SeqIndices)
	require.Equal(t, 1, packed.NumPromptTokens)
}

func TestPackSlotIDsMatchBlockTable(t *testing.T) {
	blocks := block.NewManager(4, 2) // block size 2
	p := NewPacker(blocks)

	s := sequence.Admit([]int{1, 2, 3}, sequence.SamplingParams{}) // 3 tokens, 2 blocks
	packed, ejected := p.Pack([]*sequence.Sequence{s})
	require.Empty(t, ejected)

	table := s.BlockTable()
	require.Len(t, table, 2)
	require.Equal(t, table[0]*2+0, packed.SlotIDs[0])
	require.Equal(t, table[0]*2+1, packed.SlotIDs[1])
	require.Equal(t, table[1]*2+0, packed.SlotIDs[2])
}

func TestPackTokenIDHistoryPadsToLongest(t *testing.T) {
	blocks := block.NewManager(64, 16)
	p := NewPacker(blocks)

	short := sequence.Admit([]int{1}, sequence.SamplingParams{})
	long := sequence.Admit([]int{1, 2, 3}, sequence.SamplingParams{})

	packed, _ := p.Pack([]*sequence.Sequence{short, long})
	for _, hist := range packed.TokenIDHistory {
		require.Len(t, hist, 3)
	}
}
