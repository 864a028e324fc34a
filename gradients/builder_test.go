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

package gradients

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/types/shapes"
	"github.com/gomlx/traingraph/types/tensors"
	"github.com/stretchr/testify/require"
)

// chainGraph builds loss = Exp(Relu(w)): a straight line with no fan-out.
func chainGraph() *ir.Graph {
	g := ir.New("chain")
	g.AddInitializer("w", tensors.FromFlatAndDimensions([]float32{-1, 0, 1, 2}, 4))
	g.AddNode(&ir.Node{Name: "relu", OpType: "Relu", SinceVersion: 1,
		Inputs: []string{"w"}, Outputs: []string{"h"}})
	g.AddNode(&ir.Node{Name: "out", OpType: "Exp", SinceVersion: 1,
		Inputs: []string{"h"}, Outputs: []string{"loss"}})
	g.SetShape("h", shapes.Make(dtypes.Float32, 4))
	g.SetShape("loss", shapes.Make(dtypes.Float32, 4))
	g.AddOutput("loss")
	return g
}

func opTypeCount(g *ir.Graph, opType string) int {
	count := 0
	for _, node := range g.Nodes() {
		if node.OpType == opType {
			count++
		}
	}
	return count
}

func TestBuildChain(t *testing.T) {
	g := chainGraph()
	before := g.NumNodes()
	gradientNames, err := NewBuilder(g, []string{"w"}, "loss").Build()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"w": GradientName("w")}, gradientNames)

	// Single-consumer tensors get no accumulation node.
	require.Equal(t, 0, opTypeCount(g, "Sum"))
	require.Equal(t, before+2, g.NumNodes()) // Mul for Exp, ReluGrad for Relu.
	require.True(t, g.IsOutput("w_grad"))

	// The seed d(loss)/d(loss) is a ones initializer with the loss shape.
	seed := g.Initializer("loss_grad")
	require.NotNil(t, seed)
	require.Equal(t, shapes.Make(dtypes.Float32, 4), seed.Shape())
	require.Equal(t, []float32{1, 1, 1, 1}, tensors.Flat[float32](seed))

	// The gradient flows ReluGrad(dh, w) -> dw.
	producer := g.Producer("w_grad")
	require.NotNil(t, producer)
	require.Equal(t, "ReluGrad", producer.OpType)
	require.Equal(t, ir.TrainingDomain, producer.Domain)
	require.Equal(t, []string{"h_grad", "w"}, producer.Inputs)

	shape, found := g.ShapeOf("w_grad")
	require.True(t, found)
	require.Equal(t, shapes.Make(dtypes.Float32, 4), shape)
}

func TestBuildFanOut(t *testing.T) {
	g := ir.New("fanout")
	g.AddInitializer("x", tensors.FromFlatAndDimensions([]float32{1, 2, 3}, 3))
	g.AddNode(&ir.Node{Name: "square", OpType: "Mul", SinceVersion: 1,
		Inputs: []string{"x", "x"}, Outputs: []string{"y"}})
	g.AddOutput("y")

	gradientNames, err := NewBuilder(g, []string{"x"}, "y").Build()
	require.NoError(t, err)
	require.Equal(t, "x_grad", gradientNames["x"])

	// x is consumed twice, so exactly one Sum combines exactly two partials.
	require.Equal(t, 1, opTypeCount(g, "Sum"))
	sum := g.Producer("x_grad")
	require.Equal(t, "Sum", sum.OpType)
	require.Len(t, sum.Inputs, 2)
	require.ElementsMatch(t, []string{"x_grad_0", "x_grad_1"}, sum.Inputs)
	require.True(t, g.IsOutput("x_grad"))
}

func TestBuildMatMul(t *testing.T) {
	g := ir.New("matmul")
	g.AddInput(ir.ArgDef{Name: "x", Shape: shapes.Make(dtypes.Float32, 2, 3)})
	g.AddInitializer("w", tensors.FromShape(shapes.Make(dtypes.Float32, 3, 4)))
	g.AddNode(&ir.Node{Name: "proj", OpType: "MatMul", SinceVersion: 1,
		Inputs: []string{"x", "w"}, Outputs: []string{"y"}})
	g.SetShape("y", shapes.Make(dtypes.Float32, 2, 4))
	g.AddOutput("y")

	gradientNames, err := NewBuilder(g, []string{"w"}, "y").Build()
	require.NoError(t, err)
	require.Equal(t, "w_grad", gradientNames["w"])

	// dW = x^T * dY; x is not a weight, so no Gemm is emitted for it.
	require.Equal(t, 1, opTypeCount(g, "Gemm"))
	gemm := g.Producer("w_grad")
	require.Equal(t, "Gemm", gemm.OpType)
	require.Equal(t, []string{"x", "y_grad"}, gemm.Inputs)
	require.Equal(t, int64(1), ir.AttrOr(gemm.Attrs, "transA", int64(0)))
	require.Equal(t, int64(0), ir.AttrOr(gemm.Attrs, "transB", int64(0)))
}

func TestBuildMultipleWeights(t *testing.T) {
	// loss = (x*a) + (x*b): both weights get independent gradients, no Sum.
	g := ir.New("two_weights")
	g.AddInput(ir.ArgDef{Name: "x", Shape: shapes.Make(dtypes.Float32, 2)})
	g.AddInitializer("a", tensors.FromFlatAndDimensions([]float32{1, 1}, 2))
	g.AddInitializer("b", tensors.FromFlatAndDimensions([]float32{2, 2}, 2))
	g.AddNode(&ir.Node{Name: "mul_a", OpType: "Mul", SinceVersion: 1,
		Inputs: []string{"x", "a"}, Outputs: []string{"xa"}})
	g.AddNode(&ir.Node{Name: "mul_b", OpType: "Mul", SinceVersion: 1,
		Inputs: []string{"x", "b"}, Outputs: []string{"xb"}})
	g.AddNode(&ir.Node{Name: "add", OpType: "Add", SinceVersion: 1,
		Inputs: []string{"xa", "xb"}, Outputs: []string{"loss"}})
	g.AddOutput("loss")

	gradientNames, err := NewBuilder(g, []string{"a", "b"}, "loss").Build()
	require.NoError(t, err)
	require.Len(t, gradientNames, 2)
	require.Equal(t, "a_grad", gradientNames["a"])
	require.Equal(t, "b_grad", gradientNames["b"])
	require.Equal(t, 0, opTypeCount(g, "Sum"))
	require.True(t, g.IsOutput("a_grad"))
	require.True(t, g.IsOutput("b_grad"))
}

func TestBuildDeterministic(t *testing.T) {
	nodeList := func() []string {
		g := chainGraph()
		_, err := NewBuilder(g, []string{"w"}, "loss").Build()
		require.NoError(t, err)
		names := make([]string, 0, g.NumNodes())
		for _, node := range g.Nodes() {
			names = append(names, node.Name)
			names = append(names, node.Inputs...)
			names = append(names, node.Outputs...)
		}
		return names
	}
	first := nodeList()
	for range 3 {
		require.Equal(t, first, nodeList())
	}
}

func TestBuildErrors(t *testing.T) {
	t.Run("missing loss", func(t *testing.T) {
		g := chainGraph()
		_, err := NewBuilder(g, []string{"w"}, "no_such_loss").Build()
		require.ErrorContains(t, err, "does not exist")
	})

	t.Run("missing weight", func(t *testing.T) {
		g := chainGraph()
		_, err := NewBuilder(g, []string{"v"}, "loss").Build()
		require.ErrorContains(t, err, "does not exist")
	})

	t.Run("duplicate weight", func(t *testing.T) {
		g := chainGraph()
		_, err := NewBuilder(g, []string{"w", "w"}, "loss").Build()
		require.ErrorContains(t, err, "listed twice")
	})

	t.Run("no path", func(t *testing.T) {
		g := chainGraph()
		g.AddInitializer("unused", tensors.FromFlatAndDimensions([]float32{1}, 1))
		_, err := NewBuilder(g, []string{"unused"}, "loss").Build()
		require.ErrorContains(t, err, "no differentiable path")
	})
}

func TestBuildFailureLeavesGraphUntouched(t *testing.T) {
	// Expand has no gradient definition: the build fails, and the graph must come out
	// exactly as it went in.
	g := ir.New("untouched")
	g.AddInitializer("w", tensors.FromFlatAndDimensions([]float32{1, 2}, 2))
	g.AddInitializer("target", tensors.FromFlatAndDimensions([]int64{2, 2}, 2))
	g.AddNode(&ir.Node{Name: "expand", OpType: "Expand", SinceVersion: 1,
		Inputs: []string{"w", "target"}, Outputs: []string{"loss"}})
	g.AddOutput("loss")

	nodesBefore := g.NumNodes()
	initializersBefore := len(g.InitializerNames())
	outputsBefore := len(g.Outputs())

	_, err := NewBuilder(g, []string{"w"}, "loss").Build()
	require.ErrorContains(t, err, "no gradient definition registered")
	require.Equal(t, nodesBefore, g.NumNodes())
	require.Equal(t, initializersBefore, len(g.InitializerNames()))
	require.Equal(t, outputsBefore, len(g.Outputs()))
	require.False(t, g.HasEdge("w_grad"))
	require.False(t, g.HasEdge("loss_grad"))
}

func TestAttributeCopyFollowsSchema(t *testing.T) {
	// Gather carries an axis attribute. Its gradient emits a Shape helper (whose
	// schema has no axis) and a GatherGrad (whose schema mirrors Gather's
	// attributes): the forward attributes land only where declared.
	g := ir.New("gather")
	g.AddInitializer("table", tensors.FromShape(shapes.Make(dtypes.Float32, 5, 3)))
	g.AddInitializer("idx", tensors.FromFlatAndDimensions([]int64{0, 2}, 2))
	g.AddNode(&ir.Node{
		Name: "lookup", OpType: "Gather", SinceVersion: 1,
		Inputs: []string{"table", "idx"}, Outputs: []string{"rows"},
		Attrs: ir.Attributes{}.Set("axis", int64(0)),
	})
	g.AddOutput("rows")

	gradientNames, err := NewBuilder(g, []string{"table"}, "rows").Build()
	require.NoError(t, err)

	grad := g.Producer(gradientNames["table"])
	require.Equal(t, "GatherGrad", grad.OpType)
	require.Equal(t, int64(0), ir.AttrOr(grad.Attrs, "axis", int64(-1)))

	var shapeNode *ir.Node
	for _, node := range g.Nodes() {
		if node.OpType == "Shape" {
			shapeNode = node
		}
	}
	require.NotNil(t, shapeNode)
	require.Empty(t, shapeNode.Attrs)
}
