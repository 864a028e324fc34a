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
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/optimizers/kernels"
	"github.com/gomlx/traingraph/types/shapes"
	"github.com/gomlx/traingraph/types/tensors"
	"github.com/stretchr/testify/require"
)

func TestPartitionSpans(t *testing.T) {
	require.Equal(t, []Span{{0, 4}, {4, 3}, {7, 3}}, PartitionSpans(10, 3))
	require.Equal(t, []Span{{0, 1}, {1, 1}, {2, 1}, {3, 1}}, PartitionSpans(4, 4))
	require.Equal(t, []Span{{0, 1}, {1, 1}, {2, 1}, {3, 0}, {3, 0}}, PartitionSpans(3, 5))

	// Spans tile [0, total) exactly, remainder going to the lowest ranks.
	for _, tc := range []struct{ total, world int }{
		{1, 1}, {7, 2}, {10, 3}, {100, 7}, {5, 8},
	} {
		spans := PartitionSpans(tc.total, tc.world)
		require.Len(t, spans, tc.world)
		offset := 0
		for rank, span := range spans {
			require.Equal(t, offset, span.Offset, "total=%d world=%d rank=%d", tc.total, tc.world, rank)
			require.GreaterOrEqual(t, span.Size, 0)
			if rank > 0 {
				require.LessOrEqual(t, span.Size, spans[rank-1].Size)
			}
			offset += span.Size
		}
		require.Equal(t, tc.total, offset)
	}
}

func TestZeROStructure(t *testing.T) {
	g := weightGraph(10)
	cfg := &GraphConfig{WorldSize: 4, WorldRank: 1, PartitionOptimizerState: true}
	wgs := []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: adamConfig()}}
	out, err := Build(g, wgs, cfg)
	require.NoError(t, err)

	// Rank 1 of 4 over 10 elements owns a 3-element shard.
	span := PartitionSpans(10, 4)[1]
	require.Equal(t, Span{Offset: 3, Size: 3}, span)
	shardShape := shapes.Make(dtypes.Float32, 3)

	scatter := g.NodeByName("W_grad_shard")
	require.NotNil(t, scatter)
	require.Equal(t, "ReduceScatter", scatter.OpType)
	require.Equal(t, ir.CollectiveDomain, scatter.Domain)
	require.Equal(t, int64(4), ir.AttrOr(scatter.Attrs, "world_size", int64(0)))
	require.Equal(t, int64(1), ir.AttrOr(scatter.Attrs, "rank", int64(-1)))
	shape, _ := g.ShapeOf("W_grad_shard")
	require.Equal(t, shardShape, shape)

	slice := g.NodeByName("W_shard")
	require.NotNil(t, slice)
	require.Equal(t, "ShardSlice", slice.OpType)
	require.Equal(t, ir.TrainingDomain, slice.Domain)

	// The optimizer updates the shard, with shard-sized state.
	opt := g.NodeByName("W_shard_optimizer")
	require.NotNil(t, opt)
	require.Equal(t, "W_shard", opt.Inputs[2])
	require.Equal(t, "W_grad_shard", opt.Inputs[3])
	require.Equal(t, shardShape, g.Initializer("W_shard_m1").Shape())
	require.Equal(t, shardShape, g.Initializer("W_shard_m2").Shape())

	gather := g.NodeByName("W_new")
	require.NotNil(t, gather)
	require.Equal(t, "AllGather", gather.OpType)
	require.Equal(t, []string{"W_shard_new"}, gather.Inputs)
	require.Equal(t, []int64{10}, ir.AttrOr(gather.Attrs, "shape", []int64(nil)))
	fullShape, _ := g.ShapeOf("W_new")
	require.Equal(t, shapes.Make(dtypes.Float32, 10), fullShape)

	require.Equal(t, "W_new", out.UpdatedWeights["W"])
	require.Equal(t, "W_shard_m1_new", out.UpdatedMoments["W"]["m1"])
	require.Equal(t, "W_shard_step_new", out.UpdatedSteps["W"])
	require.True(t, g.IsOutput("W_new"))
	require.True(t, g.IsOutput("W_shard_m1_new"))
	require.True(t, g.IsOutput("W_shard_m2_new"))
}

func TestZeROEmptyShard(t *testing.T) {
	// More workers than elements: the high ranks own zero elements, and the graph
	// still builds.
	g := weightGraph(2)
	cfg := &GraphConfig{WorldSize: 3, WorldRank: 2, PartitionOptimizerState: true}
	wgs := []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: adamConfig()}}
	out, err := Build(g, wgs, cfg)
	require.NoError(t, err)
	shape, _ := g.ShapeOf("W_grad_shard")
	require.Equal(t, 0, shape.Dim(0))
	require.Equal(t, 0, g.Initializer("W_shard_m1").Size())
	require.Equal(t, 0, g.Initializer("W_shard_m2").Size())
	require.Equal(t, "W_new", out.UpdatedWeights["W"])
	require.True(t, g.IsOutput("W_new"))
}

func TestZeRORejections(t *testing.T) {
	zero := Get(ZeROBuilderName)

	t.Run("lamb", func(t *testing.T) {
		g := weightGraph(4)
		conf := NodeConfig{OptimizerType: "LambOptimizer", LearningRateName: "lr"}
		_, err := zero.BuildOptimizerSubgraph(g,
			[]WeightGradient{{Weight: "W", Gradient: "W_grad", Config: conf}},
			&GraphConfig{WorldSize: 2})
		require.ErrorContains(t, err, "LambOptimizer")
	})

	t.Run("fp16 shadow", func(t *testing.T) {
		g := weightGraph(4)
		conf := sgdConfig()
		conf.FP16WeightName = "W_fp16"
		_, err := zero.BuildOptimizerSubgraph(g,
			[]WeightGradient{{Weight: "W", Gradient: "W_grad", Config: conf}},
			&GraphConfig{WorldSize: 2})
		require.ErrorContains(t, err, "shadow")
	})

	t.Run("world size", func(t *testing.T) {
		g := weightGraph(4)
		_, err := zero.BuildOptimizerSubgraph(g,
			[]WeightGradient{{Weight: "W", Gradient: "W_grad", Config: sgdConfig()}},
			&GraphConfig{WorldSize: 1})
		require.ErrorContains(t, err, "world size")
	})

	t.Run("rank range", func(t *testing.T) {
		g := weightGraph(4)
		_, err := zero.BuildOptimizerSubgraph(g,
			[]WeightGradient{{Weight: "W", Gradient: "W_grad", Config: sgdConfig()}},
			&GraphConfig{WorldSize: 2, WorldRank: 2})
		require.ErrorContains(t, err, "rank")
	})
}

// TestZeROMatchesReplicatedUpdate checks that updating each rank's shard with the
// shard-sized optimizer node, then concatenating, gives the same result as one
// full-tensor update: the partitioning changes where state lives, not the math.
func TestZeROMatchesReplicatedUpdate(t *testing.T) {
	weights := []float64{1, 2, 3, 4, 5, 6, 7}
	grads := []float64{0.5, -1, 2, -0.25, 0.75, 1.5, -2}
	const worldSize = 3
	lr := tensors.FromScalar[float32](0.1)

	slice32 := func(values []float64, span Span) *tensors.Tensor {
		return tensors.FromFloat64s(dtypes.Float32, values[span.Offset:span.Offset+span.Size], span.Size)
	}

	// Reference: a single full-tensor Adam update.
	gFull := weightGraph(7)
	_, err := Build(gFull, []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: adamConfig()}},
		&GraphConfig{})
	require.NoError(t, err)
	fullOut, err := kernels.Apply(gFull.NodeByName("W_optimizer"), kernels.Feeds{
		"lr":     lr,
		"W":      tensors.FromFloat64s(dtypes.Float32, weights, 7),
		"W_grad": tensors.FromFloat64s(dtypes.Float32, grads, 7),
		"W_m1":   tensors.FromShape(shapes.Make(dtypes.Float32, 7)),
		"W_m2":   tensors.FromShape(shapes.Make(dtypes.Float32, 7)),
		"W_step": tensors.FromScalar[int64](1),
	})
	require.NoError(t, err)
	want := fullOut["W_new"].ToFloat64s()

	// Each rank updates only its shard; the reduce-scattered gradient feed is the
	// corresponding slice of the summed gradient.
	var got []float64
	spans := PartitionSpans(7, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		g := weightGraph(7)
		cfg := &GraphConfig{WorldSize: worldSize, WorldRank: rank, PartitionOptimizerState: true}
		_, err := Build(g, []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: adamConfig()}}, cfg)
		require.NoError(t, err)

		span := spans[rank]
		out, err := kernels.Apply(g.NodeByName("W_shard_optimizer"), kernels.Feeds{
			"lr":           lr,
			"W_shard":      slice32(weights, span),
			"W_grad_shard": slice32(grads, span),
			"W_shard_m1":   tensors.FromShape(shapes.Make(dtypes.Float32, span.Size)),
			"W_shard_m2":   tensors.FromShape(shapes.Make(dtypes.Float32, span.Size)),
			"W_shard_step": tensors.FromScalar[int64](1),
		})
		require.NoError(t, err)
		got = append(got, out["W_shard_new"].ToFloat64s()...)
	}
	require.InDeltaSlice(t, want, got, 1e-6)
}
