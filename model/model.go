// Package model defines the capability set a worker drives and an
// explicit registry mapping architecture name to model family. This is
// the re-architected form of ollama/ollama/model.go's package-level
// Register/lookup map: same shape, but owned as a value by whichever
// Engine constructs it instead of living in a package-level global, and
// with the reflection-based checkpoint-tensor population stripped
// (loading weight bytes into a graph is an external collaborator here).
package model

// Tensor is the narrow view this package needs of a loaded weight: its
// shape and raw bytes. The neural network operators that consume it
// (matmul, attention, norm) are not implemented in this module — they
// belong to the external model-graph builder the Engine loads.
type Tensor interface {
	Shape() []int
	Bytes() []byte
}

// Family tags a model's attention position-encoding style. Re-architects
// the source's "derive each model family from a common module base"
// into a tagged variant the Engine switches on, rather than inheritance.
type Family int

const (
	Rotary Family = iota
	ALiBi
)

func (f Family) String() string {
	switch f {
	case Rotary:
		return "rotary"
	case ALiBi:
		return "alibi"
	default:
		return "unknown"
	}
}

// QKVLayout reshapes a checkpoint's fused Q/K/V weight tensor into
// separate per-head tensors. Different checkpoints lay fused QKV out
// differently ([n_heads, 3, ...] vs [3, n_heads, ...]); this is the
// per-family transform spec §9 calls for in place of inheritance.
type QKVLayout func(fused Tensor) (q, k, v Tensor)

// Args is the model metadata a Worker needs to build a graph: layer
// counts, head geometry, and the family/layout pair that selects the
// right attention and weight-reshape code paths.
type Args struct {
	Architecture  string
	NLayers       int
	NHeads        int
	NLocalKVHeads int
	HeadDim       int
	HiddenSize    int
	Family        Family
	QKV           QKVLayout

	// Quant carries quantization metadata through to the factory, so a
	// conforming Capabilities can select the right external kernel for
	// init_model (spec §4.4's init_model(dtype, model_args, quant_args)).
	Quant QuantArgs
}

// QuantArgs carries quantization metadata pass-through: the core does
// not implement quantization kernels, but the worker needs these
// values to select the right external kernel when init_model runs.
type QuantArgs struct {
	Method         string
	Bits           int
	GroupSize      int
	DescAct        bool
	TrueSequential bool
	DampPercent    float64
}

// Shard is one file's worth of a (possibly multi-file) checkpoint: a
// map from parameter name to its tensor.
type Shard struct {
	Tensors map[string]Tensor
}

// InputParams carries the slot/block-table/context-length metadata the
// Batch Packer computed for one step (spec §4.3's packer output),
// threaded into Forward unchanged so a conforming Capabilities can
// write K/V into the slots SlotIDs addresses — spec §4.4's
// execute_model contract ("writes K/V into the slots addressed by
// input_params.slot_ids").
type InputParams struct {
	// SlotIDs holds one KV cache slot id per entry in the forward
	// pass's token vector.
	SlotIDs []int
	// BlockTables is a right-padded [num_decode_seqs][max_blocks]
	// matrix of block ids, one row per decode sequence in packed order.
	BlockTables [][]int
	// ContextLens is the total KV length (including the new input
	// token) for each decode sequence, in packed order.
	ContextLens []int
	// MaxContextLen is the largest decode context length, 0 if none.
	MaxContextLen int
	// CuSeqLens is the exclusive prefix sum of prefill prompt lengths.
	CuSeqLens []int
	// MaxSeqLen is the largest prefill prompt length in the batch, 0 if none.
	MaxSeqLen int
}

// KVCache is one worker shard's whole per-layer KV cache buffer pair —
// the same bytes Worker.InitKVCache allocated — handed to Forward so a
// conforming Capabilities can compute a slot's byte offset and write
// through it directly, rather than receiving an opaque cache handle it
// has no way to address.
type KVCache struct {
	Key, Value []byte
	NumLayers  int
}

// Capabilities is the common capability set spec §9 asks the Engine to
// see instead of a concrete model type: forward, load_shard,
// verify_loaded. Any tagged family that implements this interface can
// be driven by a Worker uniformly.
type Capabilities interface {
	// Forward runs one pass over tokenIDs at positions and returns one
	// logits vector per entry in outputIndices (indices into tokenIDs),
	// reading/writing kv at the slots params addresses.
	Forward(tokenIDs, positions, outputIndices []int, kv KVCache, params InputParams) ([][]float32, error)
	// LoadShard copies shard's parameters into the graph's registered
	// weights. Safe to call multiple times for multi-file checkpoints.
	LoadShard(shard Shard) error
	// VerifyLoaded fails listing any parameter name still unwritten.
	VerifyLoaded() error
}

// Factory builds a Capabilities instance for one architecture from its Args.
type Factory func(Args) (Capabilities, error)

// Registry is an explicit, non-global table of architecture name to
// Factory, owned by whichever Engine constructs it. Spec §9 calls this
// out specifically: "avoid hidden global state."
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds a Registry from an initial {name -> factory} table.
func NewRegistry(table map[string]Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(table))}
	for name, f := range table {
		r.factories[name] = f
	}
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Lookup returns the factory for name, the single operation spec §9
// asks the registry to expose, returning a variant over the recognized
// model families.
func (r *Registry) Lookup(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}
