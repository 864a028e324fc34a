/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package optimizers

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/types/shapes"
	"k8s.io/klog/v2"
)

// Span is one worker's contiguous slice of a flattened tensor.
type Span struct {
	Offset, Size int
}

// PartitionSpans splits total elements evenly across worldSize workers, assigning the
// remainder one element at a time to the lowest ranks. The spans cover all elements
// with no overlap; a rank beyond the element count gets an empty span.
func PartitionSpans(total, worldSize int) []Span {
	spans := make([]Span, worldSize)
	base := total / worldSize
	remainder := total % worldSize
	offset := 0
	for rank := range spans {
		size := base
		if rank < remainder {
			size++
		}
		spans[rank] = Span{Offset: offset, Size: size}
		offset += size
	}
	return spans
}

// zeroBuilder is the partitioned-optimizer-state data-parallel strategy: gradients are
// reduce-scattered so each worker receives only the shard it owns, the optimizer
// updates that shard (with shard-sized moment state), and an allgather reconstructs
// the full updated weight. The collective nodes are data dependencies of the optimizer
// node and of the updated-weight edge respectively, which fixes their ordering.
type zeroBuilder struct{}

func (zeroBuilder) BuildOptimizerSubgraph(g *ir.Graph, weightGradients []WeightGradient,
	cfg *GraphConfig) (out *Outputs, err error) {
	err = TryCatch[error](func() {
		if cfg.WorldSize <= 1 {
			Panicf("the ZeRO builder needs world size > 1, got %d", cfg.WorldSize)
		}
		if cfg.WorldRank < 0 || cfg.WorldRank >= cfg.WorldSize {
			Panicf("world rank %d outside [0, %d)", cfg.WorldRank, cfg.WorldSize)
		}
		out = newOutputs()
		for _, wg := range weightGradients {
			buildZeROUpdate(g, out, wg, cfg)
		}
		g.Validate()
		klog.V(1).Infof("optimizers: built ZeRO updates for %d weights in graph %q (rank %d of %d)",
			len(weightGradients), g.Name, cfg.WorldRank, cfg.WorldSize)
	})
	if err != nil {
		return nil, err
	}
	return
}

func buildZeROUpdate(g *ir.Graph, out *Outputs, wg WeightGradient, cfg *GraphConfig) {
	checkWeightGradient(g, wg)
	// The LAMB trust ratio is a function of full-tensor norms, which a single shard
	// cannot compute locally.
	if wg.Config.OptimizerType == "LambOptimizer" {
		Panicf("weight %q: LambOptimizer cannot be combined with partitioned optimizer state", wg.Weight)
	}
	if wg.Config.FP16WeightName != "" {
		Panicf("weight %q: a reduced-precision shadow weight cannot be combined with partitioned optimizer state",
			wg.Weight)
	}
	wShape, found := g.ShapeOf(wg.Weight)
	if !found {
		Panicf("weight %q needs a known shape to partition its optimizer state", wg.Weight)
	}

	spans := PartitionSpans(wShape.Size(), cfg.WorldSize)
	span := spans[cfg.WorldRank]
	shardShape := shapes.Make(wShape.DType, span.Size)
	worldAttrs := func() ir.Attributes {
		return ir.Attributes{}.
			Set("world_size", int64(cfg.WorldSize)).
			Set("rank", int64(cfg.WorldRank))
	}

	// Each worker receives the summed gradient for the elements it owns.
	gradShard := wg.Gradient + "_shard"
	g.AddNode(&ir.Node{
		Name:         gradShard,
		OpType:       "ReduceScatter",
		Domain:       ir.CollectiveDomain,
		SinceVersion: 1,
		Inputs:       []string{wg.Gradient},
		Outputs:      []string{gradShard},
		Attrs:        worldAttrs(),
	})
	g.SetShape(gradShard, shardShape)

	// The worker's local view of its weight shard.
	weightShard := wg.Weight + "_shard"
	g.AddNode(&ir.Node{
		Name:         weightShard,
		OpType:       "ShardSlice",
		Domain:       ir.TrainingDomain,
		SinceVersion: 1,
		Inputs:       []string{wg.Weight},
		Outputs:      []string{weightShard},
		Attrs:        worldAttrs(),
	})
	g.SetShape(weightShard, shardShape)

	names := addUpdateNode(g, wg, cfg, weightShard, gradShard, weightShard, shardShape)

	// Reassemble the full updated weight for the next forward pass.
	dims := make([]int64, wShape.Rank())
	for ii, dim := range wShape.Dimensions {
		dims[ii] = int64(dim)
	}
	updated := wg.Weight + "_new"
	g.AddNode(&ir.Node{
		Name:         updated,
		OpType:       "AllGather",
		Domain:       ir.CollectiveDomain,
		SinceVersion: 1,
		Inputs:       []string{names.weight},
		Outputs:      []string{updated},
		Attrs:        worldAttrs().Set("shape", dims),
	})
	g.SetShape(updated, wShape)

	g.AddOutput(updated)
	out.UpdatedWeights[wg.Weight] = updated
	if names.m1 != "" {
		g.AddOutput(names.m1)
		g.AddOutput(names.m2)
		out.UpdatedMoments[wg.Weight] = map[string]string{"m1": names.m1, "m2": names.m2}
	}
	if names.step != "" {
		g.AddOutput(names.step)
		out.UpdatedSteps[wg.Weight] = names.step
	}
}
