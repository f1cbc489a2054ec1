package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagedmind/core/errs"
	"github.com/pagedmind/core/model"
	"github.com/pagedmind/core/sample"
	"github.com/pagedmind/core/sequence"
	"github.com/pagedmind/core/worker"
)

type fakeGraph struct {
	vocabSize int
	pick      int // token id Forward always favors
}

func (g *fakeGraph) Forward(tokenIDs, positions, outputIndices []int, kv model.KVCache, params model.InputParams) ([][]float32, error) {
	out := make([][]float32, len(outputIndices))
	for i := range outputIndices {
		logits := make([]float32, g.vocabSize)
		logits[g.pick] = 10
		out[i] = logits
	}
	return out, nil
}

func (g *fakeGraph) LoadShard(model.Shard) error { return nil }
func (g *fakeGraph) VerifyLoaded() error         { return nil }

type failingGraph struct{ fakeGraph }

func (g *failingGraph) VerifyLoaded() error { return errors.New("missing weights") }

func baseArgs() model.Args {
	return model.Args{
		Architecture:  "fake",
		NLayers:       1,
		NHeads:        1,
		NLocalKVHeads: 1,
		HeadDim:       4,
		HiddenSize:    4,
	}
}

func baseConfig(graph model.Capabilities) Config {
	return Config{
		Devices:      []worker.Device{{ID: 0, IsCPU: true}},
		Registry:     model.NewRegistry(map[string]model.Factory{"fake": func(model.Args) (model.Capabilities, error) { return graph, nil }}),
		Architecture: "fake",
		DtypeHint:    "auto",
		Args:         baseArgs(),
		BlockSize:    8,
		MaxCacheSize: 2560, // blockSizeInBytes = 2*8*1*4*1*4 = 256 -> N=10
	}
}

func TestNewSizesBlockManagerFromConfig(t *testing.T) {
	e, err := New(context.Background(), baseConfig(&fakeGraph{vocabSize: 4}))
	require.NoError(t, err)
	require.Equal(t, 10, e.blocks.TotalBlocks())
	require.Equal(t, 8, e.blocks.BlockSize())
}

func TestNewFailsOnUnknownArchitecture(t *testing.T) {
	cfg := baseConfig(&fakeGraph{vocabSize: 4})
	cfg.Architecture = "nope"
	cfg.Registry = model.NewRegistry(nil)
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewFailsOnMissingWeights(t *testing.T) {
	graph := &failingGraph{fakeGraph{vocabSize: 4}}
	cfg := baseConfig(graph)
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewFailsWhenBlockSizeInBytesComputesZero(t *testing.T) {
	cfg := baseConfig(&fakeGraph{vocabSize: 4})
	cfg.Args.NLayers = 0
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewFailsWhenNoBlocksFit(t *testing.T) {
	cfg := baseConfig(&fakeGraph{vocabSize: 4})
	cfg.MaxCacheSize = 1 // smaller than one block
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	require.IsType(t, &errs.OutOfMemory{}, err)
}

func TestNewRequiresMemoryProbeOnAccelerator(t *testing.T) {
	cfg := baseConfig(&fakeGraph{vocabSize: 4})
	cfg.Devices = []worker.Device{{ID: 0, IsCPU: false}}
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestEngineNewUsesMemoryProbeOnAccelerator(t *testing.T) {
	cfg := baseConfig(&fakeGraph{vocabSize: 4})
	cfg.Devices = []worker.Device{{ID: 0, IsCPU: false}}
	cfg.MemoryUtilization = 0.5
	cfg.MemoryProbe = func(worker.Device) (DeviceMemory, error) {
		return DeviceMemory{Total: 10240, Allocated: 0}, nil
	}
	// budget = 10240*0.5 = 5120, clamped to baseConfig's MaxCacheSize
	// of 2560; blockSizeInBytes: dtype auto on accelerator resolves to
	// float16 (size 2): 2*8*1*4*1*2=128 -> N=2560/128=20
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, 20, e.blocks.TotalBlocks())
}

func TestNewFailsWhenAllocatedExceedsUtilizationBudget(t *testing.T) {
	cfg := baseConfig(&fakeGraph{vocabSize: 4})
	cfg.Devices = []worker.Device{{ID: 0, IsCPU: false}}
	cfg.MemoryUtilization = 0.5
	cfg.MemoryProbe = func(worker.Device) (DeviceMemory, error) {
		// budget = 10240*0.5 = 5120, already-allocated weights exceed it.
		return DeviceMemory{Total: 10240, Allocated: 9000}, nil
	}
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	require.IsType(t, &errs.OutOfMemory{}, err)
}

func TestEngineStepSamplesAndPermutesBack(t *testing.T) {
	e, err := New(context.Background(), baseConfig(&fakeGraph{vocabSize: 4, pick: 2}))
	require.NoError(t, err)

	seq := sequence.Admit([]int{1, 2, 3}, sequence.SamplingParams{})
	out, ejected, err := e.Step(context.Background(), []*sequence.Sequence{seq}, []sample.Spec{{}}, 0)
	require.NoError(t, err)
	require.Empty(t, ejected)
	require.Equal(t, []int{2}, out.TokenIDs)
	require.Equal(t, []int{0}, out.SeqIndices)
}

func TestEngineStepRejectsMismatchedSamplerCount(t *testing.T) {
	e, err := New(context.Background(), baseConfig(&fakeGraph{vocabSize: 4}))
	require.NoError(t, err)

	seq := sequence.Admit([]int{1}, sequence.SamplingParams{})
	_, _, err = e.Step(context.Background(), []*sequence.Sequence{seq}, nil, 0)
	require.Error(t, err)
}

func TestEngineStepEjectsWhenOutOfBlocks(t *testing.T) {
	cfg := baseConfig(&fakeGraph{vocabSize: 4})
	cfg.MaxCacheSize = 256 // exactly 1 block
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	seq := sequence.Admit(make([]int, 100), sequence.SamplingParams{}) // needs many blocks
	out, ejected, err := e.Step(context.Background(), []*sequence.Sequence{seq}, []sample.Spec{{}}, 0)
	require.NoError(t, err)
	require.Len(t, ejected, 1)
	require.Empty(t, out.TokenIDs)
}
