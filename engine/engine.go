// Package engine coordinates the Block Manager, Batch Packer, and
// Workers: it drives the five-step initialization protocol and the
// per-step fan-out/fan-in dispatch from spec §4.5. Grounded on
// ollama/ollama/runner/llamarunner/runner.go's Server
// (loadModel/run/processBatch), restructured around that protocol, and
// on original_source/src/engine/engine.cpp for the exact
// memory-sizing arithmetic.
package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagedmind/core/batch"
	"github.com/pagedmind/core/block"
	"github.com/pagedmind/core/collective"
	"github.com/pagedmind/core/config"
	"github.com/pagedmind/core/decode"
	"github.com/pagedmind/core/dtype"
	"github.com/pagedmind/core/errs"
	"github.com/pagedmind/core/format"
	"github.com/pagedmind/core/logutil"
	"github.com/pagedmind/core/model"
	"github.com/pagedmind/core/sample"
	"github.com/pagedmind/core/sequence"
	"github.com/pagedmind/core/worker"
)

// DeviceMemory is one accelerator's total and already-allocated byte
// counts, the measurement spec §4.5 step 4 calls for ("synchronize,
// measure current allocated and total device memory").
type DeviceMemory struct {
	Total, Allocated uint64
}

// MemoryProbe measures a device's memory state. Required when the first
// configured device is not CPU; the Engine sizes the cache from that
// device alone. The core has no accelerator binding of its own (spec §1
// non-goals), so the caller supplies this.
type MemoryProbe func(device worker.Device) (DeviceMemory, error)

// Config is everything Engine.New needs to run the five-step
// initialization protocol. Zero-valued BlockSize/MaxCacheSize/
// MemoryUtilization fall back to the config package's process-wide
// defaults.
type Config struct {
	Devices      []worker.Device
	Registry     *model.Registry
	Architecture string
	DtypeHint    string
	Args         model.Args
	Quant        model.QuantArgs
	Shards       []model.Shard
	MemoryProbe  MemoryProbe

	BlockSize         int
	MaxCacheSize      uint64
	MemoryUtilization float64
}

// Engine owns the workers, the Block Manager, and the Batch Packer, and
// drives per-step dispatch.
type Engine struct {
	workers []*worker.Worker
	group   collective.Group
	blocks  *block.Manager
	packer  *batch.Packer
	dt      dtype.DType
}

// New runs the five-step initialization protocol from spec §4.5 and
// returns a ready Engine.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if len(cfg.Devices) == 0 {
		return nil, &errs.ConfigError{Field: "devices", Reason: "at least one device is required"}
	}

	blockSize := cfg.BlockSize
	if blockSize == 0 {
		blockSize = config.BlockSize
	}
	if blockSize != 8 && blockSize != 16 && blockSize != 32 {
		return nil, &errs.ConfigError{Field: "block_size", Reason: fmt.Sprintf("must be one of 8, 16, 32, got %d", blockSize)}
	}

	workers, group, err := buildWorkers(cfg)
	if err != nil {
		return nil, err
	}

	// Step 2: derive dtype, forcing float32 on CPU.
	dt, err := dtype.Parse(cfg.DtypeHint, cfg.Devices[0].IsCPU)
	if err != nil {
		return nil, err
	}

	// Step 3: init model weights and stream checkpoint shards to every
	// worker in parallel, then verify.
	loadStart := time.Now()
	if err := initWeights(ctx, workers, cfg, dt); err != nil {
		return nil, err
	}
	logutil.Trace("loaded model weights", "duration", format.ExactDuration(time.Since(loadStart)))

	// Step 4: size the KV cache.
	n, blockSizeInBytes, err := sizeCache(cfg, blockSize, dt)
	if err != nil {
		return nil, err
	}
	logutil.Trace("sized kv cache", "blocks", n, "block_size", blockSize,
		"bytes_per_block", format.HumanBytes(int64(blockSizeInBytes)),
		"total_slots", format.HumanNumber(uint64(n*blockSize)))

	// Step 5: construct the Block Manager, init the KV cache on every worker.
	blocks := block.NewManager(n, blockSize)
	if err := initKVCaches(ctx, workers, cfg.Args, dt, n, blockSize); err != nil {
		return nil, err
	}

	return &Engine{
		workers: workers,
		group:   group,
		blocks:  blocks,
		packer:  batch.NewPacker(blocks),
		dt:      dt,
	}, nil
}

func buildWorkers(cfg Config) ([]*worker.Worker, collective.Group, error) {
	world := len(cfg.Devices)

	var groups []collective.Group
	if world > 1 {
		groups = collective.NewLocalGroup(world)
	}

	workers := make([]*worker.Worker, world)
	for rank, device := range cfg.Devices {
		var g collective.Group
		if groups != nil {
			g = groups[rank]
		}
		w, err := worker.New(device, rank, world, g, cfg.Registry)
		if err != nil {
			return nil, nil, err
		}
		workers[rank] = w
	}

	var group collective.Group
	if groups != nil {
		group = groups[0]
	}
	return workers, group, nil
}

func initWeights(ctx context.Context, workers []*worker.Worker, cfg Config, dt dtype.DType) error {
	g, _ := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			return w.InitModel(cfg.Architecture, dt, cfg.Args, cfg.Quant)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, shard := range cfg.Shards {
		shard := shard
		g, _ := errgroup.WithContext(ctx)
		for _, w := range workers {
			w := w
			g.Go(func() error {
				return w.LoadStateDict(shard)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	g, _ = errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			return w.VerifyLoadedWeights()
		})
	}
	return g.Wait()
}

// sizeCache implements spec §4.5 step 4's exact arithmetic, grounded on
// original_source/src/engine/engine.cpp.
func sizeCache(cfg Config, blockSize int, dt dtype.DType) (n int, blockSizeInBytes uint64, err error) {
	blockSizeInBytes = uint64(2 * blockSize * cfg.Args.NLocalKVHeads * cfg.Args.HeadDim * cfg.Args.NLayers * dt.Size())
	if blockSizeInBytes == 0 {
		return 0, 0, &errs.ConfigError{Field: "model_args", Reason: "block size in bytes computed as zero"}
	}

	maxCacheSize := cfg.MaxCacheSize
	if maxCacheSize == 0 {
		maxCacheSize = config.MaxCacheSize
	}

	if cfg.Devices[0].IsCPU {
		n = int(maxCacheSize / blockSizeInBytes)
	} else {
		memUtil := cfg.MemoryUtilization
		if memUtil == 0 {
			memUtil = config.MemoryUtilization
		}
		if cfg.MemoryProbe == nil {
			return 0, 0, &errs.ConfigError{Field: "memory_probe", Reason: "required for non-CPU devices"}
		}

		mem, probeErr := cfg.MemoryProbe(cfg.Devices[0])
		if probeErr != nil {
			return 0, 0, fmt.Errorf("engine: measuring device memory: %w", probeErr)
		}

		budget := int64(float64(mem.Total)*memUtil) - int64(mem.Allocated)
		if budget < 0 {
			budget = 0
		}
		available := uint64(budget)
		if available > maxCacheSize {
			available = maxCacheSize
		}
		n = int(available / blockSizeInBytes)
	}

	if n <= 0 {
		return 0, 0, &errs.OutOfMemory{Requested: blockSizeInBytes, Available: 0}
	}
	return n, blockSizeInBytes, nil
}

func initKVCaches(ctx context.Context, workers []*worker.Worker, args model.Args, dt dtype.DType, n, blockSize int) error {
	x := 16 / dt.Size()
	keyShape := worker.Shape{n, args.NLocalKVHeads, args.HeadDim / x, blockSize, x}
	valueShape := worker.Shape{n, args.NLocalKVHeads, args.HeadDim, blockSize}

	g, _ := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			return w.InitKVCache(keyShape, valueShape)
		})
	}
	return g.Wait()
}

// Step runs the per-step dispatch protocol from spec §4.5: pack seqs,
// broadcast this step's seed to the collective group (so every rank's
// stochastic samplers agree), fan out execute_model to every worker,
// take rank 0's output, and unpermute it back to caller order. specs
// must be parallel to seqs; each worker turns its own copy into
// concrete Sampleables (see worker.Worker.sampler) rather than sharing
// one mutable *Sampler across ranks.
func (e *Engine) Step(ctx context.Context, seqs []*sequence.Sequence, specs []sample.Spec, seed uint64) (*worker.OutputParameters, []*sequence.Sequence, error) {
	if len(seqs) != len(specs) {
		return nil, nil, fmt.Errorf("engine: %d sequences but %d samplers", len(seqs), len(specs))
	}

	packed, ejected := e.packer.Pack(seqs)
	if len(packed.LastTokenIndicies) == 0 {
		return &worker.OutputParameters{SeqIndices: packed.SeqIndices}, ejected, nil
	}

	packedSpecs := make([]sample.Spec, len(packed.LastTokenIndicies))
	for origIdx, packedIdx := range packed.SeqIndices {
		if packedIdx >= 0 {
			packedSpecs[packedIdx] = specs[origIdx]
		}
	}

	if e.group != nil {
		e.group.BroadcastSeed(seed)
	}

	var out *worker.OutputParameters
	if len(e.workers) == 1 {
		result, err := e.workers[0].ExecuteModel(packed, packedSpecs)
		if err != nil {
			return nil, nil, err
		}
		out = result
	} else {
		futures := make([]*worker.Future[*worker.OutputParameters], len(e.workers))
		for i, w := range e.workers {
			futures[i] = w.ExecuteModelAsync(packed, packedSpecs)
		}
		results := make([]*worker.OutputParameters, len(futures))
		for i, f := range futures {
			result, err := f.Await(ctx)
			if err != nil {
				return nil, nil, err
			}
			results[i] = result
		}
		out = results[0] // rank 0; every rank agrees per spec §4.5 step 3
	}

	return unpermute(out, packed.SeqIndices), ejected, nil
}

// unpermute restores caller order using packed's seq_indices, the
// inverse permutation spec §4.5 step 4 asks for.
func unpermute(out *worker.OutputParameters, seqIndices []int) *worker.OutputParameters {
	restored := &worker.OutputParameters{
		TokenIDs:   make([]int, len(seqIndices)),
		SeqIndices: seqIndices,
	}
	if len(out.Logprobs) > 0 {
		restored.Logprobs = make([]float64, len(seqIndices))
	}
	if len(out.TopLogprobs) > 0 {
		restored.TopLogprobs = make([][]decode.TokenLogprob, len(seqIndices))
	}
	for origIdx, packedIdx := range seqIndices {
		if packedIdx < 0 || packedIdx >= len(out.TokenIDs) {
			continue
		}
		restored.TokenIDs[origIdx] = out.TokenIDs[packedIdx]
		if len(out.Logprobs) > 0 {
			restored.Logprobs[origIdx] = out.Logprobs[packedIdx]
		}
		if len(out.TopLogprobs) > 0 {
			restored.TopLogprobs[origIdx] = out.TopLogprobs[packedIdx]
		}
	}
	return restored
}

// BlockManager exposes the Engine's Block Manager for callers (notably
// Scheduler) that need to release blocks on sequence completion.
func (e *Engine) BlockManager() *block.Manager {
	return e.blocks
}
