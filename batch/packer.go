// Package batch packs a set of sequences into the flat tensors one
// forward pass consumes. It is the densest of the five components: the
// field layout here is dictated by the paged-attention kernel's need to
// distinguish prefill tokens (full-prompt causal attention, no prior
// cache) from decode tokens (single-token attention over a large cached
// context) within one batched launch.
//
// Grounded on ollama/ollama/model/input's Options (the same
// Inputs/Positions/Sequences/Outputs field grouping, renamed to match
// the wire struct it was distilled from) and the batch-assembly loop in
// ollama/ollama/runner/llamarunner/runner.go's processBatch.
package batch

import (
	"github.com/pagedmind/core/block"
	"github.com/pagedmind/core/sequence"
)

// Packed is the bundle of flat tensors and index metadata one forward
// pass needs. Field names match original_source/src/models/input_parameters.h
// verbatim: that header is the struct this packing protocol was
// distilled from.
type Packed struct {
	// TokenIDs is the model-input token vector: full prompts for prefill
	// sequences followed by one new token per decode sequence.
	TokenIDs []int
	// Positions holds the absolute sequence position of each entry in TokenIDs.
	Positions []int

	// CuSeqLens is the exclusive prefix sum of prefill prompt lengths,
	// length num_prefill_seqs+1. Empty if there are no prefill sequences.
	CuSeqLens []int
	// MaxSeqLen is the largest prefill prompt length in the batch, 0 if none.
	MaxSeqLen int

	// SlotIDs holds one KV cache slot id per entry in TokenIDs.
	SlotIDs []int

	// BlockTables is a right-padded [num_decode_seqs][max_blocks] matrix
	// of block ids, one row per decode sequence in packed order.
	BlockTables [][]int
	// ContextLens is the total KV length (including the new input
	// token) for each decode sequence, in packed order.
	ContextLens []int
	// MaxContextLen is the largest decode context length, 0 if none.
	MaxContextLen int

	// LastTokenIndicies gives, for each sequence in packed order, the
	// index into TokenIDs of the token whose output logits must be sampled.
	LastTokenIndicies []int

	// TokenIDHistory carries each sequence's full token history
	// (prompt+generated), right-padded to the longest sequence, for
	// frequency-based sampling penalties. Distinct from TokenIDs.
	TokenIDHistory [][]int
	// SeqLens is the total token count per sequence, in packed order.
	SeqLens []int

	// NumPromptTokens is the total prefill-token count in the batch.
	NumPromptTokens int
	// SeqIndices[i] is the packed-order position of the sequence that
	// was at position i in the caller-supplied batch order.
	SeqIndices []int
}

// Packer converts admitted sequences into Packed tensors, growing each
// sequence's block table through the block manager before emitting slot
// ids so the attention kernel never writes to an unallocated slot.
type Packer struct {
	blocks *block.Manager
}

func NewPacker(blocks *block.Manager) *Packer {
	return &Packer{blocks: blocks}
}

// Pack packs seqs (in caller order) into one Packed bundle. Any
// sequence for which block allocation fails is omitted from the
// returned Packed and instead reported in ejected, for the scheduler to
// defer or preempt.
func (p *Packer) Pack(seqs []*sequence.Sequence) (*Packed, []*sequence.Sequence) {
	var prefill, decode, ejected []*sequence.Sequence

	for _, s := range seqs {
		if err := p.blocks.Allocate(s, s.TotalTokens()); err != nil {
			ejected = append(ejected, s)
			continue
		}
		if s.Phase() == sequence.Prefill {
			prefill = append(prefill, s)
		} else {
			decode = append(decode, s)
		}
	}

	packed := &Packed{}

	// Rule 1: prefill sequences first, decode second.
	ordered := make([]*sequence.Sequence, 0, len(prefill)+len(decode))
	ordered = append(ordered, prefill...)
	ordered = append(ordered, decode...)

	packed.SeqIndices = seqIndices(seqs, ordered)

	packed.CuSeqLens = make([]int, 0, len(prefill)+1)
	packed.CuSeqLens = append(packed.CuSeqLens, 0)

	for _, s := range prefill {
		promptLen := len(s.PromptTokens)
		offset := len(packed.TokenIDs)

		packed.TokenIDs = append(packed.TokenIDs, s.PromptTokens...)
		for pos := 0; pos < promptLen; pos++ {
			packed.Positions = append(packed.Positions, pos)
			slot, _ := p.blocks.SlotID(s.BlockTable(), pos)
			packed.SlotIDs = append(packed.SlotIDs, slot)
		}

		last := packed.CuSeqLens[len(packed.CuSeqLens)-1]
		packed.CuSeqLens = append(packed.CuSeqLens, last+promptLen)
		packed.MaxSeqLen = max(packed.MaxSeqLen, promptLen)
		packed.NumPromptTokens += promptLen

		packed.LastTokenIndicies = append(packed.LastTokenIndicies, offset+promptLen-1)
		packed.SeqLens = append(packed.SeqLens, s.TotalTokens())
	}

	if len(prefill) == 0 {
		packed.CuSeqLens = nil
	}

	maxBlocks := 0
	for _, s := range decode {
		maxBlocks = max(maxBlocks, len(s.BlockTable()))
	}

	for _, s := range decode {
		localPos := s.TotalTokens() - 1 // sequence-local position of the new input token
		offset := len(packed.TokenIDs)

		packed.TokenIDs = append(packed.TokenIDs, s.LastTokenID())
		packed.Positions = append(packed.Positions, localPos)

		slot, _ := p.blocks.SlotID(s.BlockTable(), localPos)
		packed.SlotIDs = append(packed.SlotIDs, slot)

		row := append([]int(nil), s.BlockTable()...)
		for len(row) < maxBlocks {
			row = append(row, 0) // padding: never dereferenced, context_lens bounds it
		}
		packed.BlockTables = append(packed.BlockTables, row)

		contextLen := s.TotalTokens()
		packed.ContextLens = append(packed.ContextLens, contextLen)
		packed.MaxContextLen = max(packed.MaxContextLen, contextLen)

		packed.LastTokenIndicies = append(packed.LastTokenIndicies, offset)
		packed.SeqLens = append(packed.SeqLens, s.TotalTokens())
	}

	maxTokensLen := 0
	for _, s := range ordered {
		maxTokensLen = max(maxTokensLen, s.TotalTokens())
	}
	for _, s := range ordered {
		hist := make([]int, 0, maxTokensLen)
		hist = append(hist, s.PromptTokens...)
		hist = append(hist, s.GeneratedTokens...)
		for len(hist) < maxTokensLen {
			hist = append(hist, 0)
		}
		packed.TokenIDHistory = append(packed.TokenIDHistory, hist)
	}

	return packed, ejected
}

func seqIndices(original, ordered []*sequence.Sequence) []int {
	pos := make(map[*sequence.Sequence]int, len(ordered))
	for i, s := range ordered {
		pos[s] = i
	}

	out := make([]int, 0, len(original))
	for _, s := range original {
		if idx, ok := pos[s]; ok {
			out = append(out, idx)
		} else {
			out = append(out, -1) // ejected: no packed position
		}
	}
	return out
}
