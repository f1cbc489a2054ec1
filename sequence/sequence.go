// Package sequence holds per-request state: the prompt and generated
// token ids, the block table borrowed from the block manager, the
// prefill/decode/finished lifecycle phase, and sampling parameters.
// Shaped after ollama/ollama/runner/llamarunner's Sequence struct, with
// the llama.cpp-specific batching fields (iBatch, pendingInputs,
// samplingCtx) replaced by the block/slot model.
package sequence

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pagedmind/core/decode"
)

// Phase is a sequence's position in the prefill/decode/finished lifecycle.
type Phase int

const (
	Prefill Phase = iota
	Decode
	Finished
)

func (p Phase) String() string {
	switch p {
	case Prefill:
		return "prefill"
	case Decode:
		return "decode"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// FinishReason explains why is_finished() became true. Supplemental to
// the boolean in the spec — original_source/src/request/status.h
// tracks this distinction so callers can tell "hit max tokens" apart
// from "hit a stop token" apart from "caller cancelled".
type FinishReason int

const (
	NotFinished FinishReason = iota
	FinishLength
	FinishStop
	FinishCancel
)

func (r FinishReason) String() string {
	switch r {
	case FinishLength:
		return "length"
	case FinishStop:
		return "stop"
	case FinishCancel:
		return "cancel"
	default:
		return "none"
	}
}

// SamplingParams are the recognized per-sequence sampling options.
type SamplingParams struct {
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	MaxNewTokens      int
	StopTokenIDs      []int

	// Logprobs requests the sampled token's logprob; LogprobTopK > 0
	// additionally requests that many alternatives at each step.
	Logprobs    bool
	LogprobTopK int
}

// Sequence is one in-flight request's state. It implements
// block.Holder so the block manager can grow and drain its block table
// without this package importing block.
type Sequence struct {
	ID uuid.UUID

	PromptTokens    []int
	GeneratedTokens []int
	blockTable      []int

	phase        Phase
	cancel       bool
	finishReason FinishReason

	Sampling SamplingParams

	// Metrics, kept in the teacher's style of tracking wall-clock
	// duration per phase alongside token counts.
	AdmittedAt time.Time
	FirstStep  time.Time
}

// Admit creates a new Sequence in phase Prefill with an empty block table.
func Admit(promptTokens []int, sampling SamplingParams) *Sequence {
	return &Sequence{
		ID:           uuid.New(),
		PromptTokens: append([]int(nil), promptTokens...),
		phase:        Prefill,
		Sampling:     sampling,
		AdmittedAt:   time.Now(),
	}
}

// Phase returns the sequence's current lifecycle phase.
func (s *Sequence) Phase() Phase {
	return s.phase
}

// AppendToken appends one generated token id, transitioning
// prefill->decode on the first call. It fails if the sequence is
// already finished.
func (s *Sequence) AppendToken(id int) error {
	if s.phase == Finished {
		return fmt.Errorf("sequence %s: cannot append token, already finished", s.ID)
	}
	if s.phase == Prefill {
		s.phase = Decode
		s.FirstStep = time.Now()
	}
	s.GeneratedTokens = append(s.GeneratedTokens, id)

	if decode.EndsInStop(s.GeneratedTokens, s.Sampling.StopTokenIDs) {
		s.finish(FinishStop)
	} else if s.Sampling.MaxNewTokens > 0 && len(s.GeneratedTokens) >= s.Sampling.MaxNewTokens {
		s.finish(FinishLength)
	}

	return nil
}

// Cancel marks the sequence finished due to an external cancel. It is
// idempotent.
func (s *Sequence) Cancel() {
	if s.phase == Finished {
		return
	}
	s.cancel = true
	s.finish(FinishCancel)
}

func (s *Sequence) finish(reason FinishReason) {
	s.phase = Finished
	s.finishReason = reason
}

// IsFinished reports whether decoding has stopped for any reason:
// max-new-tokens reached, a stop token was sampled, or external cancel.
func (s *Sequence) IsFinished() bool {
	return s.phase == Finished
}

// FinishReason reports why IsFinished became true, or NotFinished if
// decoding is still in progress.
func (s *Sequence) FinishReason() FinishReason {
	return s.finishReason
}

// TotalTokens is the prompt plus generated length: the KV-cache extent
// this sequence currently occupies.
func (s *Sequence) TotalTokens() int {
	return len(s.PromptTokens) + len(s.GeneratedTokens)
}

// LastTokenID returns the most recently produced token id: the last
// generated token if any, otherwise the last prompt token.
func (s *Sequence) LastTokenID() int {
	if n := len(s.GeneratedTokens); n > 0 {
		return s.GeneratedTokens[n-1]
	}
	return s.PromptTokens[len(s.PromptTokens)-1]
}

// BlockTable implements block.Holder.
func (s *Sequence) BlockTable() []int {
	return s.blockTable
}

// AppendBlocks implements block.Holder.
func (s *Sequence) AppendBlocks(ids []int) {
	s.blockTable = append(s.blockTable, ids...)
}

// ClearBlocks implements block.Holder.
func (s *Sequence) ClearBlocks() {
	s.blockTable = nil
}
