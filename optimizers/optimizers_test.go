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
	"github.com/gomlx/traingraph/types/shapes"
	"github.com/gomlx/traingraph/types/tensors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// weightGraph builds a graph holding one trainable weight "W" and its gradient edge
// "W_grad", fed as a graph input.
func weightGraph(dims ...int) *ir.Graph {
	g := ir.New("optimizer_test")
	shape := shapes.Make(dtypes.Float32, dims...)
	g.AddInitializer("W", tensors.FromShape(shape))
	g.AddInput(ir.ArgDef{Name: "W_grad", Shape: shape})
	return g
}

func sgdConfig() NodeConfig {
	return NodeConfig{OptimizerType: "SGDOptimizer", LearningRateName: "lr"}
}

func adamConfig() NodeConfig {
	return NodeConfig{OptimizerType: "AdamOptimizer", LearningRateName: "lr"}
}

func TestNameFromConfig(t *testing.T) {
	require.Equal(t, DefaultBuilderName, NameFromConfig(&GraphConfig{}))
	require.Equal(t, DefaultBuilderName, NameFromConfig(&GraphConfig{WorldSize: 1}))
	require.Equal(t, DefaultBuilderName,
		NameFromConfig(&GraphConfig{WorldSize: 1, PartitionOptimizerState: true}))
	require.Equal(t, AllreduceBuilderName, NameFromConfig(&GraphConfig{WorldSize: 4}))
	require.Equal(t, ZeROBuilderName,
		NameFromConfig(&GraphConfig{WorldSize: 4, PartitionOptimizerState: true}))
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{DefaultBuilderName, AllreduceBuilderName, ZeROBuilderName} {
		require.NotNil(t, Get(name), "builder %q not registered", name)
	}
	require.Nil(t, Get("NoSuchBuilder"))
	require.Panics(t, func() { Register(DefaultBuilderName, defaultBuilder{}) })
}

func TestDefaultSGD(t *testing.T) {
	g := weightGraph(3)
	wgs := []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: sgdConfig()}}
	out, err := Build(g, wgs, &GraphConfig{})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"W": "W_new"}, out.UpdatedWeights)
	require.Empty(t, out.UpdatedMoments)
	require.Empty(t, out.UpdatedSteps)
	require.Empty(t, out.UpdatedFP16Weights)

	// The learning rate became a scalar graph input.
	require.True(t, g.IsInput("lr"))
	lrShape, found := g.ShapeOf("lr")
	require.True(t, found)
	require.True(t, lrShape.IsScalar())

	node := g.NodeByName("W_optimizer")
	require.NotNil(t, node)
	require.Equal(t, "SGDOptimizer", node.OpType)
	require.Equal(t, ir.TrainingDomain, node.Domain)
	require.Equal(t, []string{"lr", "W", "W_grad", "", ""}, node.Inputs)
	require.Equal(t, []string{"W_new"}, node.Outputs)
	require.True(t, g.IsOutput("W_new"))

	// SGD is stateless: no moment or step initializers appear.
	require.Equal(t, []string{"W"}, g.InitializerNames())
}

func TestDefaultAdam(t *testing.T) {
	g := weightGraph(2, 3)
	conf := adamConfig()
	conf.Lambda = 0.01
	wgs := []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: conf}}
	out, err := Build(g, wgs, &GraphConfig{})
	require.NoError(t, err)

	// Zero-initialized moments with the weight's shape, step counter starting at 1.
	m1 := g.Initializer("W_m1")
	require.NotNil(t, m1)
	require.Equal(t, shapes.Make(dtypes.Float32, 2, 3), m1.Shape())
	require.Equal(t, make([]float32, 6), tensors.Flat[float32](m1))
	require.NotNil(t, g.Initializer("W_m2"))
	step := g.Initializer("W_step")
	require.NotNil(t, step)
	require.Equal(t, []int64{1}, tensors.Flat[int64](step))

	node := g.NodeByName("W_optimizer")
	require.Equal(t, []string{"lr", "W_step", "W", "W_grad", "W_m1", "W_m2", "", "", ""},
		node.Inputs)
	require.Equal(t, []string{"W_new", "W_m1_new", "W_m2_new", "W_step_new", ""},
		node.Outputs)
	require.Equal(t, 0.9, ir.AttrOr(node.Attrs, "alpha", 0.0))
	require.Equal(t, 0.999, ir.AttrOr(node.Attrs, "beta", 0.0))
	require.Equal(t, 0.01, ir.AttrOr(node.Attrs, "lambda", 0.0))
	require.Equal(t, 1e-8, ir.AttrOr(node.Attrs, "epsilon", 0.0))
	require.Equal(t, int64(1), ir.AttrOr(node.Attrs, "do_bias_correction", int64(0)))

	require.Equal(t, map[string]string{"m1": "W_m1_new", "m2": "W_m2_new"},
		out.UpdatedMoments["W"])
	require.Equal(t, "W_step_new", out.UpdatedSteps["W"])
	require.True(t, g.IsOutput("W_new"))
	require.True(t, g.IsOutput("W_step_new"))
	// Every edge in the manifest, moments included, is fetchable as a graph output.
	require.True(t, g.IsOutput("W_m1_new"))
	require.True(t, g.IsOutput("W_m2_new"))
}

func TestDefaultLossScaleAndDoUpdate(t *testing.T) {
	g := weightGraph(4)
	cfg := &GraphConfig{LossScale: LossScaleConfig{
		LossScaleName: "loss_scale",
		DoUpdateName:  "do_update",
	}}
	wgs := []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: adamConfig()}}
	_, err := Build(g, wgs, cfg)
	require.NoError(t, err)

	require.True(t, g.IsInput("loss_scale"))
	require.True(t, g.IsInput("do_update"))
	doUpdateShape, _ := g.ShapeOf("do_update")
	require.Equal(t, dtypes.Bool, doUpdateShape.DType)

	node := g.NodeByName("W_optimizer")
	require.Equal(t, "loss_scale", node.Inputs[6])
	require.Equal(t, "do_update", node.Inputs[8])
}

func TestDefaultFP16Shadow(t *testing.T) {
	g := weightGraph(2)
	shadow := tensors.FromFlatAndDimensions(
		[]float16.Float16{float16.Fromfloat32(0), float16.Fromfloat32(0)}, 2)
	g.AddInitializer("W_fp16", shadow)
	conf := adamConfig()
	conf.FP16WeightName = "W_fp16"
	wgs := []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: conf}}
	out, err := Build(g, wgs, &GraphConfig{})
	require.NoError(t, err)

	node := g.NodeByName("W_optimizer")
	require.Equal(t, "W_fp16", node.Inputs[7])
	require.Equal(t, "W_fp16_new", node.Outputs[4])
	require.Equal(t, "W_fp16_new", out.UpdatedFP16Weights["W"])
}

func TestDefaultNoBiasCorrection(t *testing.T) {
	g := weightGraph(2)
	conf := adamConfig()
	conf.NoBiasCorrection = true
	_, err := Build(g, []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: conf}},
		&GraphConfig{})
	require.NoError(t, err)
	node := g.NodeByName("W_optimizer")
	require.Equal(t, int64(0), ir.AttrOr(node.Attrs, "do_bias_correction", int64(1)))
}

func TestDefaultLamb(t *testing.T) {
	g := weightGraph(3)
	conf := NodeConfig{OptimizerType: "LambOptimizer", LearningRateName: "lr", Threshold: 2.5}
	_, err := Build(g, []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: conf}},
		&GraphConfig{})
	require.NoError(t, err)

	node := g.NodeByName("W_optimizer")
	require.Equal(t, "LambOptimizer", node.OpType)
	require.Equal(t, []string{"lr", "W", "W_grad", "W_m1", "W_m2", "", "", ""}, node.Inputs)
	require.Equal(t, []string{"W_new", "W_m1_new", "W_m2_new", ""}, node.Outputs)
	require.Equal(t, 2.5, ir.AttrOr(node.Attrs, "threshold", 0.0))
	// LAMB keeps moments but no step counter.
	require.Nil(t, g.Initializer("W_step"))
}

func TestBuildErrors(t *testing.T) {
	t.Run("unknown optimizer type", func(t *testing.T) {
		g := weightGraph(2)
		conf := NodeConfig{OptimizerType: "MomentumOptimizer", LearningRateName: "lr"}
		_, err := Build(g, []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: conf}},
			&GraphConfig{})
		require.ErrorContains(t, err, "unknown optimizer type")
	})

	t.Run("missing gradient edge", func(t *testing.T) {
		g := ir.New("test")
		g.AddInitializer("W", tensors.FromShape(shapes.Make(dtypes.Float32, 2)))
		_, err := Build(g, []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: sgdConfig()}},
			&GraphConfig{})
		require.ErrorContains(t, err, "does not exist")
	})

	t.Run("default builder is single worker", func(t *testing.T) {
		g := weightGraph(2)
		_, err := Get(DefaultBuilderName).BuildOptimizerSubgraph(g,
			[]WeightGradient{{Weight: "W", Gradient: "W_grad", Config: sgdConfig()}},
			&GraphConfig{WorldSize: 4})
		require.ErrorContains(t, err, "single-worker")
	})

	t.Run("shape mismatch", func(t *testing.T) {
		g := ir.New("test")
		g.AddInitializer("W", tensors.FromShape(shapes.Make(dtypes.Float32, 2)))
		g.AddInput(ir.ArgDef{Name: "W_grad", Shape: shapes.Make(dtypes.Float32, 3)})
		_, err := Build(g, []WeightGradient{{Weight: "W", Gradient: "W_grad", Config: sgdConfig()}},
			&GraphConfig{})
		require.ErrorContains(t, err, "shape")
	})
}

func TestDefaultDeterministic(t *testing.T) {
	build := func() []string {
		g := weightGraph(3)
		g.AddInitializer("V", tensors.FromShape(shapes.Make(dtypes.Float32, 3)))
		g.AddInput(ir.ArgDef{Name: "V_grad", Shape: shapes.Make(dtypes.Float32, 3)})
		wgs := []WeightGradient{
			{Weight: "W", Gradient: "W_grad", Config: adamConfig()},
			{Weight: "V", Gradient: "V_grad", Config: adamConfig()},
		}
		_, err := Build(g, wgs, &GraphConfig{})
		require.NoError(t, err)
		var names []string
		for _, node := range g.Nodes() {
			names = append(names, node.Name)
		}
		names = append(names, g.InitializerNames()...)
		return names
	}
	first := build()
	require.Equal(t, first, build())
}
