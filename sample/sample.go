// Package sample implements the sampling_params transforms the spec's
// §3 model contract recognizes: temperature, top-k, top-p,
// repetition-penalty, and greedy. Grounded on ollama/ollama/sample's
// logit-transform pipeline and its dependency choices (gonum for
// softmax/weighted draws, gods/v2 for a bounded top-k priority queue,
// x/exp/rand for a seedable source), stripped of the grammar/structured-
// output machinery — constrained decoding is a sampling policy "beyond
// the contract" per spec's non-goals.
package sample

import (
	"cmp"
	"errors"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Transform mutates a logit vector in place, returning it (possibly
// shortened or with rejected entries set to -Inf) for the next stage.
type Transform interface {
	Apply(logits []float64) ([]float64, error)
}

func softmax(logits []float64) []float64 {
	var sum float64
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = math.Exp(v)
		sum += probs[i]
	}
	floats.Scale(1/sum, probs)
	return probs
}

// Temperature scales logits by 1/temp after recentering on the max
// logit, the standard overflow-avoiding form.
type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	if t <= 0 {
		return nil, errors.New("sample: temperature must be > 0, use Greedy for temperature 0")
	}
	temp := math.Max(float64(t), 1e-7)
	maxLogit := slices.Max(logits)
	for i := range logits {
		logits[i] = (logits[i] - maxLogit) / temp
	}
	return logits, nil
}

type logitEntry struct {
	index int
	logit float64
}

func logitEntryComparator(a, b logitEntry) int {
	return -cmp.Compare(a.logit, b.logit) // descending: largest logit dequeues first
}

// TopK keeps the k highest logits and sets every other entry to -Inf,
// using a bounded priority queue rather than a full sort.
type TopK int

func (k TopK) Apply(logits []float64) ([]float64, error) {
	if k <= 0 {
		return nil, errors.New("sample: k must be > 0")
	}
	if int(k) >= len(logits) {
		return logits, nil
	}

	q := pq.NewWith(logitEntryComparator)
	for i, logit := range logits {
		q.Enqueue(logitEntry{index: i, logit: logit})
	}

	keep := make(map[int]bool, int(k))
	for n := 0; n < int(k); n++ {
		e, _ := q.Dequeue()
		keep[e.index] = true
	}

	for i := range logits {
		if !keep[i] {
			logits[i] = math.Inf(-1)
		}
	}
	return logits, nil
}

// TopP keeps the smallest prefix of logits (sorted by probability
// descending) whose cumulative probability exceeds p.
type TopP float64

func (p TopP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p >= 1 {
		return nil, errors.New("sample: p must be between 0 and 1")
	}

	probs := softmax(logits)
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}
	slices.SortFunc(indices, func(i, j int) int {
		return cmp.Compare(probs[j], probs[i])
	})

	var cumSum float64
	for i, idx := range indices {
		cumSum += probs[idx]
		if cumSum > float64(p) {
			for _, idx := range indices[i+1:] {
				logits[idx] = math.Inf(-1)
			}
			break
		}
	}
	return logits, nil
}

// RepetitionPenalty divides (for positive logits) or multiplies (for
// negative logits) the logit of every token id present in History by
// Penalty, the frequency-style penalty spec §3 names against the
// per-sequence token history batch rule 11 produces.
type RepetitionPenalty struct {
	Penalty float64
	History []int
}

func (r RepetitionPenalty) Apply(logits []float64) ([]float64, error) {
	if r.Penalty <= 0 {
		return nil, errors.New("sample: repetition penalty must be > 0")
	}
	if r.Penalty == 1 {
		return logits, nil
	}

	seen := make(map[int]bool, len(r.History))
	for _, id := range r.History {
		seen[id] = true
	}

	for id := range seen {
		if id < 0 || id >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= r.Penalty
		} else {
			logits[id] *= r.Penalty
		}
	}
	return logits, nil
}

// Sampleable is anything that can draw one token id from a logit
// vector — Sampler's stochastic chain and Greedy's deterministic argmax
// both implement it, so a Worker can hold either uniformly.
type Sampleable interface {
	Sample(logits []float32) (int, error)
}

// Spec is one sequence's sampler configuration: the transform chain
// plus whether it's stochastic at all. Spec carries no draw state, so
// it is safe to hand the same value to every worker in a
// tensor-parallel group — each worker turns it into its own Sampleable
// locally (see worker.Worker.sampler), instead of every rank sharing
// one mutable *Sampler and racing on its rand.Source.
type Spec struct {
	Transforms []Transform
	Stochastic bool

	// Logprobs requests the sampled token's logprob (and, when
	// LogprobTopK > 0, its top alternatives) in the step's output.
	Logprobs    bool
	LogprobTopK int
}

// Sampler draws one token id from a logit vector after running it
// through a configured chain of Transforms.
type Sampler struct {
	src        rand.Source
	transforms []Transform
}

// New builds a Sampler from the recognized sampling_params. A nil seed
// uses the package-level default source; an explicit seed (zero included)
// makes draws reproducible, which the Engine relies on when a seed is
// broadcast across tensor-parallel ranks (spec §9 open question).
func New(transforms []Transform, seed *uint64) *Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(*seed)
	}
	return &Sampler{src: src, transforms: transforms}
}

// Sample draws one token id, or an error if every logit was rejected
// by the transform chain.
func (s *Sampler) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided")
	}

	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}

	var err error
	for _, t := range s.transforms {
		logits64, err = t.Apply(logits64)
		if err != nil {
			return -1, err
		}
	}

	kept := make([]float64, 0, len(logits64))
	indices := make([]int, 0, len(logits64))
	for i, logit := range logits64 {
		if !math.IsInf(logit, -1) {
			kept = append(kept, logit)
			indices = append(indices, i)
		}
	}
	if len(kept) == 0 {
		return -1, errors.New("sample: no valid logits survived transform chain")
	}

	probs := softmax(kept)
	w := sampleuv.NewWeighted(probs, s.src)
	if idx, ok := w.Take(); ok {
		return indices[idx], nil
	}
	return -1, errors.New("sample: weighted draw failed to produce a token")
}

// Greedy always returns the highest-logit token id, with no transform
// chain and no randomness — used when sampling_params.temperature == 0.
type Greedy struct{}

func (Greedy) Sample(logits []float32) (int, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided")
	}
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best, nil
}
