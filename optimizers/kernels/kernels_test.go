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

package kernels

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/types/shapes"
	"github.com/gomlx/traingraph/types/tensors"
	"github.com/stretchr/testify/require"
)

func adamNode() *ir.Node {
	return &ir.Node{
		Name: "adam", OpType: "AdamOptimizer", Domain: ir.TrainingDomain, SinceVersion: 1,
		Inputs:  []string{"lr", "step", "W", "G", "M1", "M2", "", "", ""},
		Outputs: []string{"W_new", "M1_new", "M2_new", "step_new", ""},
		Attrs: ir.Attributes{}.
			Set("alpha", 0.9).
			Set("beta", 0.999).
			Set("lambda", 0.0).
			Set("epsilon", 1e-6).
			Set("do_bias_correction", int64(1)),
	}
}

func adamFeeds() Feeds {
	return Feeds{
		"lr":   tensors.FromScalar[float32](0.5),
		"step": tensors.FromScalar[int64](3),
		"W":    tensors.FromFlatAndDimensions([]float32{1, 2, 3}, 3),
		"G":    tensors.FromFlatAndDimensions([]float32{4, 5, 6}, 3),
		"M1":   tensors.FromFlatAndDimensions([]float32{0.1, 0.2, 0.3}, 3),
		"M2":   tensors.FromFlatAndDimensions([]float32{0.4, 0.5, 0.6}, 3),
	}
}

func TestAdam(t *testing.T) {
	out, err := Apply(adamNode(), adamFeeds())
	require.NoError(t, err)

	require.InDeltaSlice(t, []float64{0.49, 0.68, 0.87}, out["M1_new"].ToFloat64s(), 1e-6)
	require.InDeltaSlice(t, []float64{0.4156, 0.5245, 0.6354}, out["M2_new"].ToFloat64s(), 1e-6)
	require.InDeltaSlice(t, []float64{0.9232284, 1.9051629, 2.8897603}, out["W_new"].ToFloat64s(), 1e-6)
	require.Equal(t, []int64{4}, tensors.Flat[int64](out["step_new"]))
}

func TestAdamSkipUpdate(t *testing.T) {
	node := adamNode()
	node.Inputs[8] = "do_update"
	feeds := adamFeeds()
	feeds["do_update"] = tensors.FromScalar(false)

	out, err := Apply(node, feeds)
	require.NoError(t, err)

	// Skipping is a full identity pass-through, step counter included.
	require.True(t, feeds["W"].Equal(out["W_new"]))
	require.True(t, feeds["M1"].Equal(out["M1_new"]))
	require.True(t, feeds["M2"].Equal(out["M2_new"]))
	require.Equal(t, []int64{3}, tensors.Flat[int64](out["step_new"]))
}

func TestAdamLossScale(t *testing.T) {
	// Gradients pre-multiplied by 2 and fed with loss_scale=2 give the same update as
	// the unscaled run.
	want, err := Apply(adamNode(), adamFeeds())
	require.NoError(t, err)

	node := adamNode()
	node.Inputs[6] = "loss_scale"
	feeds := adamFeeds()
	feeds["G"] = tensors.FromFlatAndDimensions([]float32{8, 10, 12}, 3)
	feeds["loss_scale"] = tensors.FromScalar[float32](2)
	got, err := Apply(node, feeds)
	require.NoError(t, err)

	require.InDeltaSlice(t, want["W_new"].ToFloat64s(), got["W_new"].ToFloat64s(), 1e-6)
	require.InDeltaSlice(t, want["M1_new"].ToFloat64s(), got["M1_new"].ToFloat64s(), 1e-6)
}

func TestAdamMissingFeed(t *testing.T) {
	feeds := adamFeeds()
	delete(feeds, "M2")
	_, err := Apply(adamNode(), feeds)
	require.ErrorContains(t, err, "M2")
}

func TestLamb(t *testing.T) {
	node := &ir.Node{
		Name: "lamb", OpType: "LambOptimizer", Domain: ir.TrainingDomain, SinceVersion: 1,
		Inputs:  []string{"lr", "W", "G", "M1", "M2", "", "", ""},
		Outputs: []string{"W_new", "M1_new", "M2_new", ""},
		Attrs: ir.Attributes{}.
			Set("alpha", 0.9).
			Set("beta", 0.95).
			Set("lambda", 0.25).
			Set("epsilon", 0.33).
			Set("threshold", 1e6),
	}
	out, err := Apply(node, Feeds{
		"lr": tensors.FromScalar[float32](0.1),
		"W":  tensors.FromFlatAndDimensions([]float32{-1.5}, 1),
		"G":  tensors.FromFlatAndDimensions([]float32{-0.75}, 1),
		"M1": tensors.FromFlatAndDimensions([]float32{0.87}, 1),
		"M2": tensors.FromFlatAndDimensions([]float32{0.12}, 1),
	})
	require.NoError(t, err)

	// M1' = 0.9*0.87 + 0.1*(-0.75) = 0.708
	// M2' = 0.95*0.12 + 0.05*0.5625 = 0.142125
	// r = 0.708/(sqrt(0.142125)+0.33) + 0.25*(-1.5) = 0.6264215
	// ratio = 1.5/0.6264215, W' = -1.5 - 0.1*ratio*r = -1.65
	require.InDelta(t, 0.708, out["M1_new"].ToFloat64s()[0], 1e-4)
	require.InDelta(t, 0.142125, out["M2_new"].ToFloat64s()[0], 1e-4)
	require.InDelta(t, -1.65, out["W_new"].ToFloat64s()[0], 1e-4*1.65)
}

func TestLambThresholdClipsTrustRatio(t *testing.T) {
	node := &ir.Node{
		Name: "lamb", OpType: "LambOptimizer", Domain: ir.TrainingDomain, SinceVersion: 1,
		Inputs:  []string{"lr", "W", "G", "M1", "M2", "", "", ""},
		Outputs: []string{"W_new", "M1_new", "M2_new", ""},
		Attrs: ir.Attributes{}.
			Set("alpha", 0.9).
			Set("beta", 0.95).
			Set("lambda", 0.25).
			Set("epsilon", 0.33).
			Set("threshold", 1.0),
	}
	out, err := Apply(node, Feeds{
		"lr": tensors.FromScalar[float32](0.1),
		"W":  tensors.FromFlatAndDimensions([]float32{-1.5}, 1),
		"G":  tensors.FromFlatAndDimensions([]float32{-0.75}, 1),
		"M1": tensors.FromFlatAndDimensions([]float32{0.87}, 1),
		"M2": tensors.FromFlatAndDimensions([]float32{0.12}, 1),
	})
	require.NoError(t, err)

	// The unclipped trust ratio is ~2.39; clipped to 1.0 the step is just -eta*r.
	require.InDelta(t, -1.5-0.1*0.6264215, out["W_new"].ToFloat64s()[0], 1e-4)
}

func TestSGD(t *testing.T) {
	node := &ir.Node{
		Name: "sgd", OpType: "SGDOptimizer", Domain: ir.TrainingDomain, SinceVersion: 1,
		Inputs:  []string{"lr", "W", "G", "", ""},
		Outputs: []string{"W_new"},
	}
	out, err := Apply(node, Feeds{
		"lr": tensors.FromScalar[float32](0.5),
		"W":  tensors.FromFlatAndDimensions([]float32{1, 2, 3}, 3),
		"G":  tensors.FromFlatAndDimensions([]float32{4, 5, 6}, 3),
	})
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{-1.0, -0.5, 0.0}, out["W_new"].ToFloat64s(), 1e-6)
}

func TestSGDSkipUpdate(t *testing.T) {
	node := &ir.Node{
		Name: "sgd", OpType: "SGDOptimizer", Domain: ir.TrainingDomain, SinceVersion: 1,
		Inputs:  []string{"lr", "W", "G", "", "do_update"},
		Outputs: []string{"W_new"},
	}
	weights := tensors.FromFlatAndDimensions([]float32{1, 2, 3}, 3)
	out, err := Apply(node, Feeds{
		"lr":        tensors.FromScalar[float32](0.5),
		"W":         weights,
		"G":         tensors.FromFlatAndDimensions([]float32{4, 5, 6}, 3),
		"do_update": tensors.FromScalar(false),
	})
	require.NoError(t, err)
	require.True(t, weights.Equal(out["W_new"]))
	// The result is a copy, not the fed tensor.
	require.NotSame(t, weights, out["W_new"])
}

func TestGradientAccumulator(t *testing.T) {
	node := &ir.Node{
		Name: "acc", OpType: "GradientAccumulator", Domain: ir.TrainingDomain, SinceVersion: 1,
		Inputs:  []string{"buffer", "grad"},
		Outputs: []string{"buffer_new"},
	}
	out, err := Apply(node, Feeds{
		"buffer": tensors.FromFlatAndDimensions([]float32{1, 2, 3}, 3),
		"grad":   tensors.FromFlatAndDimensions([]float32{0.5, -2, 1}, 3),
	})
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{1.5, 0, 4}, out["buffer_new"].ToFloat64s(), 1e-6)
}

func TestZeroGradient(t *testing.T) {
	node := &ir.Node{
		Name: "zero", OpType: "ZeroGradient", Domain: ir.TrainingDomain, SinceVersion: 1,
		Inputs:  []string{"buffer"},
		Outputs: []string{"buffer_new"},
	}
	out, err := Apply(node, Feeds{
		"buffer": tensors.FromFlatAndDimensions([]float32{1, 2, 3}, 3),
	})
	require.NoError(t, err)
	require.Equal(t, shapes.Make(dtypes.Float32, 3), out["buffer_new"].Shape())
	require.Equal(t, []float32{0, 0, 0}, tensors.Flat[float32](out["buffer_new"]))
}

func TestUnknownOp(t *testing.T) {
	node := &ir.Node{Name: "nope", OpType: "MatMul", SinceVersion: 1,
		Inputs: []string{"a", "b"}, Outputs: []string{"y"}}
	_, err := Apply(node, Feeds{})
	require.ErrorContains(t, err, "no reference kernel")
}
