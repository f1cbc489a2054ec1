package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pagedmind/core/errs"
	"github.com/pagedmind/core/format"
	"github.com/pagedmind/core/logutil"
	"github.com/pagedmind/core/sample"
	"github.com/pagedmind/core/sequence"
	"github.com/pagedmind/core/worker"
)

// Scheduler is the control-thread loop driving one Engine: it admits
// sequences up to a concurrency cap, builds a sampler per sequence from
// its sampling_params, runs one step, applies results, and resolves
// OutOfBlocks by preemption per the decode-growth policy recorded in
// DESIGN.md. Grounded on ollama/ollama/runner/llamarunner/runner.go's
// Server.run/processBatch loop and its seqsSem semaphore.Weighted.
type Scheduler struct {
	engine *Engine
	sem    *semaphore.Weighted

	mu        sync.Mutex
	active    []*sequence.Sequence
	preempted []*sequence.Sequence
}

// NewScheduler builds a Scheduler bounding concurrent in-flight
// sequences to parallel.
func NewScheduler(e *Engine, parallel int) *Scheduler {
	return &Scheduler{
		engine: e,
		sem:    semaphore.NewWeighted(int64(parallel)),
	}
}

// Admit blocks until a concurrency slot is free, then adds seq to the
// active set.
func (s *Scheduler) Admit(ctx context.Context, seq *sequence.Sequence) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.mu.Lock()
	s.active = append(s.active, seq)
	s.mu.Unlock()
	return nil
}

// Readmit moves every preempted sequence back into the active set
// without reacquiring a concurrency slot — preemption never frees the
// slot the sequence originally admitted with, since it is still
// in-flight, just not currently scheduled.
func (s *Scheduler) Readmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = append(s.active, s.preempted...)
	s.preempted = nil
}

// Step runs the per-step dispatch protocol over the current active set,
// retrying with a preempted sequence removed whenever the Batch Packer
// ejects one for OutOfBlocks, and returns every sequence that finished
// this step (stop token, max-new-tokens, or cancellation).
func (s *Scheduler) Step(ctx context.Context) ([]*sequence.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) == 0 {
		return nil, nil
	}

	for {
		specs := make([]sample.Spec, len(s.active))
		for i, seq := range s.active {
			specs[i] = buildSamplerSpec(seq)
		}
		seed := rand.Uint64()

		out, ejected, err := s.engine.Step(ctx, s.active, specs, seed)
		if err != nil {
			return nil, err
		}

		if len(ejected) == 0 {
			return s.applyStep(out), nil
		}

		ejectedSet := make(map[*sequence.Sequence]bool, len(ejected))
		for _, e := range ejected {
			ejectedSet[e] = true
		}

		victim := s.pickPreemptionVictim(ejectedSet)
		if victim == nil {
			return nil, &errs.OutOfBlocks{Requested: len(ejected), Free: s.engine.blocks.FreeBlocks()}
		}
		s.preempt(victim)
	}
}

// applyStep appends each active sequence's sampled token, releases
// blocks and removes any sequence that finished this step, and returns
// the finished set.
func (s *Scheduler) applyStep(out *worker.OutputParameters) []*sequence.Sequence {
	var finished []*sequence.Sequence
	remaining := s.active[:0]
	for i, seq := range s.active {
		if err := seq.AppendToken(out.TokenIDs[i]); err != nil {
			logutil.Trace("append token on finished sequence", "error", err)
		}
		if seq.IsFinished() {
			s.engine.blocks.Release(seq)
			s.sem.Release(1)
			stop := &errs.SamplingStop{SequenceID: seq.ID.String(), Reason: seq.FinishReason().String()}
			logutil.Trace("sequence finished", "stop", stop, "duration", format.ExactDuration(time.Since(seq.AdmittedAt)))
			finished = append(finished, seq)
		} else {
			remaining = append(remaining, seq)
		}
	}
	s.active = remaining
	return finished
}

// pickPreemptionVictim implements the DESIGN.md decision: preempt the
// in-flight sequence with the smallest (max_new_tokens - generated)
// remaining budget, excluding sequences already ejected this attempt
// (allocation is all-or-nothing, so an ejected sequence received no new
// blocks this attempt and is not part of the batch being retried).
func (s *Scheduler) pickPreemptionVictim(exclude map[*sequence.Sequence]bool) *sequence.Sequence {
	var victim *sequence.Sequence
	best := math.MaxInt
	for _, seq := range s.active {
		if exclude[seq] {
			continue
		}
		remaining := remainingBudget(seq)
		if victim == nil || remaining < best {
			best = remaining
			victim = seq
		}
	}
	return victim
}

func remainingBudget(seq *sequence.Sequence) int {
	if seq.Sampling.MaxNewTokens <= 0 {
		return math.MaxInt
	}
	return seq.Sampling.MaxNewTokens - len(seq.GeneratedTokens)
}

// preempt releases victim's blocks and moves it out of the active set
// into the preempted queue, where it waits for Readmit rather than
// being discarded.
func (s *Scheduler) preempt(victim *sequence.Sequence) {
	s.engine.blocks.Release(victim)

	remaining := s.active[:0]
	for _, seq := range s.active {
		if seq == victim {
			continue
		}
		remaining = append(remaining, seq)
	}
	s.active = remaining
	s.preempted = append(s.preempted, victim)
}

// buildSamplerSpec maps a sequence's sampling_params onto the sample
// package's transform chain: temperature <= 0 selects Greedy, matching
// spec §3's sampling_params contract. The returned Spec carries no
// draw state, so the Engine can hand the same value to every worker in
// a tensor-parallel group without them racing on a shared *Sampler.
func buildSamplerSpec(seq *sequence.Sequence) sample.Spec {
	p := seq.Sampling
	spec := sample.Spec{Logprobs: p.Logprobs, LogprobTopK: p.LogprobTopK}
	if p.Temperature <= 0 {
		return spec
	}

	transforms := []sample.Transform{sample.Temperature(p.Temperature)}
	if p.TopK > 0 {
		transforms = append(transforms, sample.TopK(p.TopK))
	}
	if p.TopP > 0 && p.TopP < 1 {
		transforms = append(transforms, sample.TopP(p.TopP))
	}
	if p.RepetitionPenalty > 0 && p.RepetitionPenalty != 1 {
		history := make([]int, 0, seq.TotalTokens())
		history = append(history, seq.PromptTokens...)
		history = append(history, seq.GeneratedTokens...)
		transforms = append(transforms, sample.RepetitionPenalty{
			Penalty: float64(p.RepetitionPenalty),
			History: history,
		})
	}

	spec.Stochastic = true
	spec.Transforms = transforms
	return spec
}
