// Package worker holds one shard of model weights and one shard of the
// KV cache for a single device, and executes the forward-and-sample
// step on tensors the Engine has already packed. Grounded on the
// Backend/Context contract in ollama/ollama/ml/backend.go, narrowed to
// what the Engine's step protocol actually needs (no raw tensor-op
// surface — that belongs to the external model-graph builder), plus the
// future/channel dispatch pattern ollama's pipelined runner uses for
// its async batch submission.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/pagedmind/core/batch"
	"github.com/pagedmind/core/collective"
	"github.com/pagedmind/core/decode"
	"github.com/pagedmind/core/dtype"
	"github.com/pagedmind/core/errs"
	"github.com/pagedmind/core/logutil"
	"github.com/pagedmind/core/ml"
	"github.com/pagedmind/core/model"
	"github.com/pagedmind/core/sample"
)

// Device describes the accelerator (or CPU) a Worker is bound to.
type Device struct {
	ID    int
	IsCPU bool
}

// Shape describes a KV cache tensor's dimensions, in the order spec §4.4
// names them: Key is [N, n_local_kv_heads, head_dim/x, B, x], Value is
// [N, n_local_kv_heads, head_dim, B].
type Shape []int

// NumElements returns the product of all dimensions.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// OutputParameters is one forward-and-sample step's result: one sampled
// token id per packed input sequence, plus enough metadata for the
// Engine to unpermute it back to caller order.
type OutputParameters struct {
	TokenIDs []int
	Logprobs []float64 // parallel to TokenIDs; NaN-free, populated when requested

	// TopLogprobs holds, for any sequence whose sample.Spec.LogprobTopK
	// was > 0, that token's top alternatives; nil entries for sequences
	// that did not request them.
	TopLogprobs [][]decode.TokenLogprob

	SeqIndices []int // copied through from batch.Packed for the Engine's inverse permutation
}

// Future resolves to a (T, error) pair once the worker finishes the
// operation. A single-worker Engine calls the blocking ExecuteModel
// directly; a multi-worker Engine calls ExecuteModelAsync on every
// worker and awaits every Future before proceeding. Engine init fans
// out the blocking InitModel/LoadStateDict/VerifyLoadedWeights/
// InitKVCache calls through an errgroup instead of the async variants.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Await blocks until the future resolves or ctx is cancelled.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Worker holds one shard's weights and KV cache. Its operations are
// serialized by a mutex; there is no dedicated executor goroutine, and
// each async variant runs its call on a new goroutine.
type Worker struct {
	device Device
	rank   int
	world  int
	group  collective.Group

	registry *model.Registry
	graph    model.Capabilities
	dt       dtype.DType
	args     model.Args

	keyCache   []byte
	valueCache []byte

	mu sync.Mutex // serializes every operation on this worker
}

// New constructs a Worker bound to device. group is required iff
// world > 1 (spec §4.4: "optional collective-communication handle
// (required iff world size > 1)").
func New(device Device, rank, world int, group collective.Group, registry *model.Registry) (*Worker, error) {
	if world > 1 && group == nil {
		return nil, &errs.ConfigError{Field: "group", Reason: "required when world size > 1"}
	}
	return &Worker{
		device:   device,
		rank:     rank,
		world:    world,
		group:    group,
		registry: registry,
	}, nil
}

// Rank returns this worker's tensor-parallel rank.
func (w *Worker) Rank() int { return w.rank }

// Device returns the device descriptor this worker is bound to.
func (w *Worker) Device() Device { return w.device }

// InitModel builds the model graph on this worker's device. Blocking variant.
func (w *Worker) InitModel(arch string, dt dtype.DType, args model.Args, quant model.QuantArgs) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	factory, ok := w.registry.Lookup(arch)
	if !ok {
		return &errs.ConfigError{Field: "architecture", Reason: fmt.Sprintf("unsupported architecture %q", arch)}
	}

	args.Quant = quant
	graph, err := factory(args)
	if err != nil {
		return fmt.Errorf("worker %d: init_model: %w", w.rank, err)
	}

	w.dt = dt
	w.args = args
	w.graph = graph
	return nil
}

// InitModelAsync is the asynchronous variant of InitModel.
func (w *Worker) InitModelAsync(arch string, dt dtype.DType, args model.Args, quant model.QuantArgs) *Future[struct{}] {
	f := newFuture[struct{}]()
	go func() {
		err := w.InitModel(arch, dt, args, quant)
		f.resolve(struct{}{}, err)
	}()
	return f
}

// LoadStateDict copies shard's parameters into the graph's registered
// weights. May be called multiple times for multi-file checkpoints.
func (w *Worker) LoadStateDict(shard model.Shard) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.graph == nil {
		return fmt.Errorf("worker %d: load_state_dict called before init_model", w.rank)
	}
	if err := w.graph.LoadShard(shard); err != nil {
		return err
	}

	if logutil.TraceEnabled() {
		for name, t := range shard.Tensors {
			logutil.Trace("loaded shard tensor", "worker", w.rank, "name", name, "values", ml.Dump(t, w.dt))
		}
	}
	return nil
}

// LoadStateDictAsync is the asynchronous variant of LoadStateDict.
func (w *Worker) LoadStateDictAsync(shard model.Shard) *Future[struct{}] {
	f := newFuture[struct{}]()
	go func() {
		err := w.LoadStateDict(shard)
		f.resolve(struct{}{}, err)
	}()
	return f
}

// VerifyLoadedWeights fails listing any parameter still unwritten.
func (w *Worker) VerifyLoadedWeights() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.graph == nil {
		return fmt.Errorf("worker %d: verify_loaded_weights called before init_model", w.rank)
	}
	return w.graph.VerifyLoaded()
}

// InitKVCache allocates this shard's KV tensors at the given shapes.
func (w *Worker) InitKVCache(keyShape, valueShape Shape) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	keyBytes := keyShape.NumElements() * w.dt.Size()
	valueBytes := valueShape.NumElements() * w.dt.Size()
	if keyBytes < 0 || valueBytes < 0 {
		return &errs.ConfigError{Field: "kv_cache_shape", Reason: "negative size"}
	}

	w.keyCache = make([]byte, keyBytes)
	w.valueCache = make([]byte, valueBytes)
	return nil
}

// InitKVCacheAsync is the asynchronous variant of InitKVCache.
func (w *Worker) InitKVCacheAsync(keyShape, valueShape Shape) *Future[struct{}] {
	f := newFuture[struct{}]()
	go func() {
		err := w.InitKVCache(keyShape, valueShape)
		f.resolve(struct{}{}, err)
	}()
	return f
}

// sampler turns spec into a concrete Sampleable for this worker's
// sample at packed-index idx. When this worker belongs to a collective
// group, it reads the seed the Engine broadcast for this step via
// Group.Seed() rather than trusting a value passed in from outside the
// group — every rank derives the same per-sequence seed (broadcast
// seed + idx) independently, so every rank draws the same token id
// without two goroutines ever sharing one mutable *Sampler.
func (w *Worker) sampler(spec sample.Spec, idx int) sample.Sampleable {
	if !spec.Stochastic {
		return sample.Greedy{}
	}
	if w.group == nil {
		return sample.New(spec.Transforms, nil)
	}
	seed, ok := w.group.Seed()
	if !ok {
		return sample.New(spec.Transforms, nil)
	}
	seed += uint64(idx)
	return sample.New(spec.Transforms, &seed)
}

// ExecuteModel runs one forward pass over packed and samples the
// configured sampler for each sequence's last-token index, writing K/V
// into the slots packed.SlotIDs addresses. Step errors are fatal per
// spec §4.4: workers do not retry.
func (w *Worker) ExecuteModel(packed *batch.Packed, specs []sample.Spec) (*OutputParameters, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.graph == nil {
		return nil, &errs.WorkerFailure{Rank: w.rank, Reason: "execute_model called before init_model"}
	}
	if len(specs) != len(packed.LastTokenIndicies) {
		return nil, &errs.WorkerFailure{Rank: w.rank, Reason: "sampler count does not match packed sequence count"}
	}

	kv := model.KVCache{Key: w.keyCache, Value: w.valueCache, NumLayers: w.args.NLayers}
	params := model.InputParams{
		SlotIDs:       packed.SlotIDs,
		BlockTables:   packed.BlockTables,
		ContextLens:   packed.ContextLens,
		MaxContextLen: packed.MaxContextLen,
		CuSeqLens:     packed.CuSeqLens,
		MaxSeqLen:     packed.MaxSeqLen,
	}

	logitsPerSeq, err := w.graph.Forward(packed.TokenIDs, packed.Positions, packed.LastTokenIndicies, kv, params)
	if err != nil {
		return nil, &errs.WorkerFailure{Rank: w.rank, Reason: err.Error()}
	}

	out := &OutputParameters{
		TokenIDs:   make([]int, len(logitsPerSeq)),
		SeqIndices: packed.SeqIndices,
	}
	for i, logits := range logitsPerSeq {
		spec := specs[i]
		id, err := w.sampler(spec, i).Sample(logits)
		if err != nil {
			return nil, &errs.WorkerFailure{Rank: w.rank, Reason: err.Error()}
		}
		out.TokenIDs[i] = id

		if spec.Logprobs {
			if out.Logprobs == nil {
				out.Logprobs = make([]float64, len(logitsPerSeq))
			}
			lp := decode.CalculateLogprobs(logits, id, spec.LogprobTopK)
			out.Logprobs[i] = lp.Logprob
			if spec.LogprobTopK > 0 {
				if out.TopLogprobs == nil {
					out.TopLogprobs = make([][]decode.TokenLogprob, len(logitsPerSeq))
				}
				out.TopLogprobs[i] = lp.TopLogprobs
			}
		}
	}

	return out, nil
}

// ExecuteModelAsync is the asynchronous variant of ExecuteModel, used
// when world > 1: the Engine broadcasts the same prepared tensors to
// every worker and awaits all the returned futures.
func (w *Worker) ExecuteModelAsync(packed *batch.Packed, specs []sample.Spec) *Future[*OutputParameters] {
	f := newFuture[*OutputParameters]()
	go func() {
		out, err := w.ExecuteModel(packed, specs)
		f.resolve(out, err)
	}()
	return f
}
