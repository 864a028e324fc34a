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

// Gradient definitions for the builtin operator set, plus the schemas of the dedicated
// gradient operators they emit.
//
// Conventions: each definition emits edges named gctx.GI(i) for every input that
// requires a gradient, skipping the rest. Binary elementwise definitions account for
// numpy-style broadcasting by summing the upstream gradient over the broadcast axes
// (see reduceTo). Dedicated gradient operators (ReluGrad & co) take the upstream
// gradient first, then the forward value they need.

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/types/tensors"
)

func init() {
	// Schemas of the dedicated gradient operators.
	GradSchema("ReluGrad").NumInputs(2, 2).NumOutputs(1, 1).Reference("Relu").Register()
	GradSchema("TanhGrad").NumInputs(2, 2).NumOutputs(1, 1).Reference("Tanh").Register()
	GradSchema("SigmoidGrad").NumInputs(2, 2).NumOutputs(1, 1).Reference("Sigmoid").Register()
	GradSchema("ErfGrad").NumInputs(2, 2).NumOutputs(1, 1).Reference("Erf").Register()
	GradSchema("SoftmaxGrad").NumInputs(2, 2).NumOutputs(1, 1).
		Reference("Softmax").ReferenceAttributes().Register()
	GradSchema("GatherGrad").NumInputs(3, 3).NumOutputs(1, 1).
		Reference("Gather").ReferenceAttributes().Register()
	GradSchema("DropoutGrad").NumInputs(2, 2).NumOutputs(1, 1).
		Reference("Dropout").ReferenceAttributes().Register()
	GradSchema("SoftmaxCrossEntropyGrad").NumInputs(3, 3).NumOutputs(1, 1).
		ReferenceInDomain("SoftmaxCrossEntropy", ir.TrainingDomain).Register()
	GradSchema("ZeroGradient").NumInputs(1, 1).NumOutputs(1, 1).Reference("Identity").Register()

	// Unary elementwise.
	Defs.Register("Identity", identityGrad)
	Defs.Register("Neg", negGrad)
	Defs.Register("Exp", expGrad)
	Defs.Register("Log", logGrad)
	Defs.Register("Sqrt", sqrtGrad)
	Defs.Register("Sin", sinGrad)
	Defs.Register("Cos", cosGrad)
	Defs.Register("Reciprocal", reciprocalGrad)
	Defs.Register("Sign", signGrad)
	Defs.Register("Tanh", gradOpOnOutput("TanhGrad"))
	Defs.Register("Sigmoid", gradOpOnOutput("SigmoidGrad"))
	Defs.Register("Relu", gradOpOnInput("ReluGrad"))
	Defs.Register("Erf", gradOpOnInput("ErfGrad"))
	Defs.Register("Softmax", gradOpOnOutput("SoftmaxGrad"))
	Defs.RegisterWithoutAttributes("Cast", castGrad)

	// Binary elementwise, with broadcasting.
	Defs.Register("Add", addGrad)
	Defs.Register("Sub", subGrad)
	Defs.Register("Mul", mulGrad)
	Defs.Register("Div", divGrad)
	Defs.Register("Pow", powGrad)

	// Linear algebra.
	Defs.Register("MatMul", matMulGrad)
	Defs.RegisterWithoutAttributes("Gemm", gemmGrad)

	// Shape manipulation.
	Defs.Register("Reshape", reshapeGrad)
	Defs.RegisterWithoutAttributes("Transpose", transposeGrad)
	Defs.RegisterWithoutAttributes("Squeeze", squeezeGrad)
	Defs.RegisterWithoutAttributes("Unsqueeze", unsqueezeGrad)
	Defs.RegisterWithoutAttributes("ReduceSum", reduceSumGrad)
	Defs.RegisterWithoutAttributes("ReduceMean", reduceMeanGrad)
	Defs.Register("Gather", gatherGrad)
	Defs.RegisterWithoutAttributes("Concat", concatGrad)
	Defs.RegisterWithoutAttributes("Split", splitGrad)
	Defs.RegisterWithoutAttributes("Dropout", dropoutGrad)

	// Losses.
	Defs.RegisterWithoutAttributes("MeanSquaredError", meanSquaredErrorGrad)
	Defs.RegisterWithoutAttributes("SoftmaxCrossEntropy", softmaxCrossEntropyGrad)
}

// edgeDType returns the declared dtype of an edge, if its shape is known.
func edgeDType(gctx *OpGradContext, edge string) (dtypes.DType, bool) {
	shape, found := gctx.ShapeOf(edge)
	if !found {
		return dtypes.InvalidDType, false
	}
	return shape.DType, true
}

// scalarConst registers a scalar initializer with the edge's dtype (float32 when the
// edge's shape is unknown) and returns its edge name.
func scalarConst(gctx *OpGradContext, suffix, likeEdge string, value float64) string {
	dtype, found := edgeDType(gctx, likeEdge)
	if !found {
		dtype = dtypes.Float32
	}
	return gctx.Constant(suffix, tensors.FromFloat64s(dtype, []float64{value}))
}

// broadcastAxes returns the axes of `out` along which `in` was broadcast, following
// numpy alignment rules (shapes aligned at the trailing axes).
func broadcastAxes(inDims, outDims []int) (axes []int64) {
	lead := len(outDims) - len(inDims)
	for axis := 0; axis < len(outDims); axis++ {
		if axis < lead {
			axes = append(axes, int64(axis))
			continue
		}
		if inDims[axis-lead] == 1 && outDims[axis] > 1 {
			axes = append(axes, int64(axis))
		}
	}
	return
}

// reduceTo appends the NodeDefs that turn a full-shaped gradient `source` into the
// gradient of input inputIdx named `target`, summing over any broadcast axes. When
// shapes are unknown or equal the source passes through an Identity.
func reduceTo(gctx *OpGradContext, defs []*ir.NodeDef, source string, inputIdx int, target string) []*ir.NodeDef {
	inShape, inKnown := gctx.ShapeOf(gctx.I(inputIdx))
	outShape, outKnown := gctx.ShapeOf(gctx.O(0))
	if !inKnown || !outKnown || inShape.EqualDimensions(outShape) {
		return append(defs, ir.Def("Identity", []string{source}, []string{target}))
	}
	axes := broadcastAxes(inShape.Dimensions, outShape.Dimensions)
	if len(axes) == 0 {
		return append(defs, ir.Def("Identity", []string{source}, []string{target}))
	}
	reduced := gctx.Intermediate("reduce")
	defs = append(defs, ir.Def("ReduceSum", []string{source}, []string{reduced}).
		WithAttrs(ir.Attributes{}.Set("axes", axes).Set("keepdims", int64(1))))
	dims := make([]int64, inShape.Rank())
	for ii, dim := range inShape.Dimensions {
		dims[ii] = int64(dim)
	}
	shapeEdge := gctx.Constant(fmt.Sprintf("shape_in%d", inputIdx),
		tensors.FromFlatAndDimensions(dims, len(dims)))
	return append(defs, ir.Def("Reshape", []string{reduced, shapeEdge}, []string{target}))
}

// gradOpOnOutput builds a definition emitting gradOp(dY, Y) -> dX.
func gradOpOnOutput(gradOp string) GradientDef {
	return func(gctx *OpGradContext) []*ir.NodeDef {
		return []*ir.NodeDef{
			ir.Def(gradOp, []string{gctx.GO(0), gctx.O(0)}, []string{gctx.GI(0)}).
				InDomain(ir.TrainingDomain),
		}
	}
}

// gradOpOnInput builds a definition emitting gradOp(dY, X) -> dX.
func gradOpOnInput(gradOp string) GradientDef {
	return func(gctx *OpGradContext) []*ir.NodeDef {
		return []*ir.NodeDef{
			ir.Def(gradOp, []string{gctx.GO(0), gctx.I(0)}, []string{gctx.GI(0)}).
				InDomain(ir.TrainingDomain),
		}
	}
}

func identityGrad(gctx *OpGradContext) []*ir.NodeDef {
	return []*ir.NodeDef{ir.Def("Identity", []string{gctx.GO(0)}, []string{gctx.GI(0)})}
}

func negGrad(gctx *OpGradContext) []*ir.NodeDef {
	return []*ir.NodeDef{ir.Def("Neg", []string{gctx.GO(0)}, []string{gctx.GI(0)})}
}

// expGrad: d(exp(x)) = exp(x)*dx, and exp(x) is the forward output.
func expGrad(gctx *OpGradContext) []*ir.NodeDef {
	return []*ir.NodeDef{ir.Def("Mul", []string{gctx.GO(0), gctx.O(0)}, []string{gctx.GI(0)})}
}

func logGrad(gctx *OpGradContext) []*ir.NodeDef {
	return []*ir.NodeDef{ir.Def("Div", []string{gctx.GO(0), gctx.I(0)}, []string{gctx.GI(0)})}
}

// sqrtGrad: d(sqrt(x)) = dy / (2*sqrt(x)), reusing the forward output for sqrt(x).
func sqrtGrad(gctx *OpGradContext) []*ir.NodeDef {
	ratio := gctx.Intermediate("ratio")
	half := scalarConst(gctx, "half", gctx.I(0), 0.5)
	return []*ir.NodeDef{
		ir.Def("Div", []string{gctx.GO(0), gctx.O(0)}, []string{ratio}),
		ir.Def("Mul", []string{ratio, half}, []string{gctx.GI(0)}),
	}
}

func sinGrad(gctx *OpGradContext) []*ir.NodeDef {
	cos := gctx.Intermediate("cos")
	return []*ir.NodeDef{
		ir.Def("Cos", []string{gctx.I(0)}, []string{cos}),
		ir.Def("Mul", []string{gctx.GO(0), cos}, []string{gctx.GI(0)}),
	}
}

func cosGrad(gctx *OpGradContext) []*ir.NodeDef {
	sin := gctx.Intermediate("sin")
	scaled := gctx.Intermediate("scaled")
	return []*ir.NodeDef{
		ir.Def("Sin", []string{gctx.I(0)}, []string{sin}),
		ir.Def("Mul", []string{gctx.GO(0), sin}, []string{scaled}),
		ir.Def("Neg", []string{scaled}, []string{gctx.GI(0)}),
	}
}

// reciprocalGrad: d(1/x) = -dy/x^2 = -dy*y^2.
func reciprocalGrad(gctx *OpGradContext) []*ir.NodeDef {
	square := gctx.Intermediate("square")
	scaled := gctx.Intermediate("scaled")
	return []*ir.NodeDef{
		ir.Def("Mul", []string{gctx.O(0), gctx.O(0)}, []string{square}),
		ir.Def("Mul", []string{gctx.GO(0), square}, []string{scaled}),
		ir.Def("Neg", []string{scaled}, []string{gctx.GI(0)}),
	}
}

// signGrad: zero almost everywhere.
func signGrad(gctx *OpGradContext) []*ir.NodeDef {
	return []*ir.NodeDef{
		ir.Def("ZeroGradient", []string{gctx.I(0)}, []string{gctx.GI(0)}).
			InDomain(ir.TrainingDomain),
	}
}

// castGrad casts the gradient back to the input's dtype. It opts out of attribute
// copying: the forward "to" attribute points the wrong way.
func castGrad(gctx *OpGradContext) []*ir.NodeDef {
	dtype, found := edgeDType(gctx, gctx.I(0))
	if !found {
		Panicf("cannot differentiate node %s: the dtype of input %q is unknown", gctx.Node, gctx.I(0))
	}
	return []*ir.NodeDef{
		ir.Def("Cast", []string{gctx.GO(0)}, []string{gctx.GI(0)}).
			WithAttrs(ir.Attributes{}.Set("to", int64(dtype))),
	}
}

func addGrad(gctx *OpGradContext) (defs []*ir.NodeDef) {
	if gctx.IsGradientRequiredForInput(0) {
		defs = reduceTo(gctx, defs, gctx.GO(0), 0, gctx.GI(0))
	}
	if gctx.IsGradientRequiredForInput(1) {
		defs = reduceTo(gctx, defs, gctx.GO(0), 1, gctx.GI(1))
	}
	return
}

func subGrad(gctx *OpGradContext) (defs []*ir.NodeDef) {
	if gctx.IsGradientRequiredForInput(0) {
		defs = reduceTo(gctx, defs, gctx.GO(0), 0, gctx.GI(0))
	}
	if gctx.IsGradientRequiredForInput(1) {
		negated := gctx.Intermediate("neg")
		defs = append(defs, ir.Def("Neg", []string{gctx.GO(0)}, []string{negated}))
		defs = reduceTo(gctx, defs, negated, 1, gctx.GI(1))
	}
	return
}

func mulGrad(gctx *OpGradContext) (defs []*ir.NodeDef) {
	if gctx.IsGradientRequiredForInput(0) {
		scaled := gctx.Intermediate("dx0")
		defs = append(defs, ir.Def("Mul", []string{gctx.GO(0), gctx.I(1)}, []string{scaled}))
		defs = reduceTo(gctx, defs, scaled, 0, gctx.GI(0))
	}
	if gctx.IsGradientRequiredForInput(1) {
		scaled := gctx.Intermediate("dx1")
		defs = append(defs, ir.Def("Mul", []string{gctx.GO(0), gctx.I(0)}, []string{scaled}))
		defs = reduceTo(gctx, defs, scaled, 1, gctx.GI(1))
	}
	return
}

// divGrad: for y = a/b, da = dy/b and db = -dy*y/b.
func divGrad(gctx *OpGradContext) (defs []*ir.NodeDef) {
	if gctx.IsGradientRequiredForInput(0) {
		scaled := gctx.Intermediate("dx0")
		defs = append(defs, ir.Def("Div", []string{gctx.GO(0), gctx.I(1)}, []string{scaled}))
		defs = reduceTo(gctx, defs, scaled, 0, gctx.GI(0))
	}
	if gctx.IsGradientRequiredForInput(1) {
		numer := gctx.Intermediate("numer")
		ratio := gctx.Intermediate("ratio")
		negated := gctx.Intermediate("neg")
		defs = append(defs,
			ir.Def("Mul", []string{gctx.GO(0), gctx.O(0)}, []string{numer}),
			ir.Def("Div", []string{numer, gctx.I(1)}, []string{ratio}),
			ir.Def("Neg", []string{ratio}, []string{negated}))
		defs = reduceTo(gctx, defs, negated, 1, gctx.GI(1))
	}
	return
}

// powGrad: for y = a^b, da = dy*b*a^(b-1) and db = dy*y*ln(a).
func powGrad(gctx *OpGradContext) (defs []*ir.NodeDef) {
	if gctx.IsGradientRequiredForInput(0) {
		one := scalarConst(gctx, "one", gctx.I(1), 1)
		expMinus1 := gctx.Intermediate("exp_minus_1")
		powered := gctx.Intermediate("pow")
		scaled := gctx.Intermediate("scaled")
		weighted := gctx.Intermediate("dx0")
		defs = append(defs,
			ir.Def("Sub", []string{gctx.I(1), one}, []string{expMinus1}),
			ir.Def("Pow", []string{gctx.I(0), expMinus1}, []string{powered}),
			ir.Def("Mul", []string{gctx.I(1), powered}, []string{scaled}),
			ir.Def("Mul", []string{gctx.GO(0), scaled}, []string{weighted}))
		defs = reduceTo(gctx, defs, weighted, 0, gctx.GI(0))
	}
	if gctx.IsGradientRequiredForInput(1) {
		logBase := gctx.Intermediate("log")
		scaled := gctx.Intermediate("scaled_exp")
		weighted := gctx.Intermediate("dx1")
		defs = append(defs,
			ir.Def("Log", []string{gctx.I(0)}, []string{logBase}),
			ir.Def("Mul", []string{gctx.O(0), logBase}, []string{scaled}),
			ir.Def("Mul", []string{gctx.GO(0), scaled}, []string{weighted}))
		defs = reduceTo(gctx, defs, weighted, 1, gctx.GI(1))
	}
	return
}

// matMulGrad handles the rank-2 case: dA = dY x B^T and dB = A^T x dY, expressed as
// Gemm so no explicit transpose nodes are needed.
func matMulGrad(gctx *OpGradContext) (defs []*ir.NodeDef) {
	if gctx.IsGradientRequiredForInput(0) {
		defs = append(defs, ir.Def("Gemm", []string{gctx.GO(0), gctx.I(1)}, []string{gctx.GI(0)}).
			WithAttrs(ir.Attributes{}.Set("transB", int64(1))))
	}
	if gctx.IsGradientRequiredForInput(1) {
		defs = append(defs, ir.Def("Gemm", []string{gctx.I(0), gctx.GO(0)}, []string{gctx.GI(1)}).
			WithAttrs(ir.Attributes{}.Set("transA", int64(1))))
	}
	return
}

// gemmGrad differentiates Y = alpha*op(A)*op(B) + beta*C for all four transpose
// combinations. Attribute copying is disabled: each emitted Gemm carries its own
// transpose flags.
func gemmGrad(gctx *OpGradContext) (defs []*ir.NodeDef) {
	alpha := ir.AttrOr(gctx.Node.Attrs, "alpha", float64(1))
	beta := ir.AttrOr(gctx.Node.Attrs, "beta", float64(1))
	transA := ir.AttrOr(gctx.Node.Attrs, "transA", int64(0))
	transB := ir.AttrOr(gctx.Node.Attrs, "transB", int64(0))

	if gctx.IsGradientRequiredForInput(0) {
		var def *ir.NodeDef
		if transA == 0 {
			// dA = alpha * dY * op(B)^T
			def = ir.Def("Gemm", []string{gctx.GO(0), gctx.I(1)}, []string{gctx.GI(0)}).
				WithAttrs(ir.Attributes{}.Set("alpha", alpha).Set("transB", 1-transB))
		} else {
			// dA = alpha * op(B) * dY^T
			def = ir.Def("Gemm", []string{gctx.I(1), gctx.GO(0)}, []string{gctx.GI(0)}).
				WithAttrs(ir.Attributes{}.Set("alpha", alpha).
					Set("transA", transB).Set("transB", int64(1)))
		}
		defs = append(defs, def)
	}
	if gctx.IsGradientRequiredForInput(1) {
		var def *ir.NodeDef
		if transB == 0 {
			// dB = alpha * op(A)^T * dY
			def = ir.Def("Gemm", []string{gctx.I(0), gctx.GO(0)}, []string{gctx.GI(1)}).
				WithAttrs(ir.Attributes{}.Set("alpha", alpha).Set("transA", 1-transA))
		} else {
			// dB = alpha * dY^T * op(A)
			def = ir.Def("Gemm", []string{gctx.GO(0), gctx.I(0)}, []string{gctx.GI(1)}).
				WithAttrs(ir.Attributes{}.Set("alpha", alpha).
					Set("transA", int64(1)).Set("transB", transA))
		}
		defs = append(defs, def)
	}
	if gctx.NumInputs() > 2 && gctx.I(2) != "" && gctx.IsGradientRequiredForInput(2) {
		source := gctx.GO(0)
		if beta != 1 {
			scaled := gctx.Intermediate("dc")
			betaEdge := scalarConst(gctx, "beta", gctx.I(2), beta)
			defs = append(defs, ir.Def("Mul", []string{gctx.GO(0), betaEdge}, []string{scaled}))
			source = scaled
		}
		defs = reduceTo(gctx, defs, source, 2, gctx.GI(2))
	}
	return
}

// reshapeGrad restores the input's shape, read at runtime so dynamic batch axes work.
func reshapeGrad(gctx *OpGradContext) []*ir.NodeDef {
	shape := gctx.Intermediate("shape")
	return []*ir.NodeDef{
		ir.Def("Shape", []string{gctx.I(0)}, []string{shape}),
		ir.Def("Reshape", []string{gctx.GO(0), shape}, []string{gctx.GI(0)}),
	}
}

func transposeGrad(gctx *OpGradContext) []*ir.NodeDef {
	def := ir.Def("Transpose", []string{gctx.GO(0)}, []string{gctx.GI(0)})
	if perm := ir.AttrOr(gctx.Node.Attrs, "perm", []int64(nil)); perm != nil {
		inverse := make([]int64, len(perm))
		for ii, axis := range perm {
			inverse[axis] = int64(ii)
		}
		def.WithAttrs(ir.Attributes{}.Set("perm", inverse))
	}
	// Without perm the forward op reverses all axes, which is its own inverse.
	return []*ir.NodeDef{def}
}

func squeezeGrad(gctx *OpGradContext) []*ir.NodeDef {
	axes := ir.AttrOr(gctx.Node.Attrs, "axes", []int64(nil))
	if axes == nil {
		// All size-1 axes were squeezed; recover them from the static shape.
		inShape, found := gctx.ShapeOf(gctx.I(0))
		if !found {
			Panicf("cannot differentiate node %s: Squeeze without axes requires a known input shape",
				gctx.Node)
		}
		for axis, dim := range inShape.Dimensions {
			if dim == 1 {
				axes = append(axes, int64(axis))
			}
		}
	}
	return []*ir.NodeDef{
		ir.Def("Unsqueeze", []string{gctx.GO(0)}, []string{gctx.GI(0)}).
			WithAttrs(ir.Attributes{}.Set("axes", axes)),
	}
}

func unsqueezeGrad(gctx *OpGradContext) []*ir.NodeDef {
	axes := ir.AttrOr(gctx.Node.Attrs, "axes", []int64(nil))
	return []*ir.NodeDef{
		ir.Def("Squeeze", []string{gctx.GO(0)}, []string{gctx.GI(0)}).
			WithAttrs(ir.Attributes{}.Set("axes", axes)),
	}
}

// expandReduced appends the NodeDefs that broadcast a reduced gradient back to the
// input's shape: reinsert the reduced axes when keepdims was off, then Expand to the
// runtime shape of the input. Shared by the ReduceSum and ReduceMean gradients.
func expandReduced(gctx *OpGradContext, defs []*ir.NodeDef, source, target string) []*ir.NodeDef {
	axes := ir.AttrOr(gctx.Node.Attrs, "axes", []int64(nil))
	keepDims := ir.AttrOr(gctx.Node.Attrs, "keepdims", int64(1))
	if axes != nil && keepDims == 0 {
		inShape, found := gctx.ShapeOf(gctx.I(0))
		if !found {
			Panicf("cannot differentiate node %s: reduction with keepdims=0 requires a known input shape",
				gctx.Node)
		}
		dims := make([]int64, inShape.Rank())
		for ii, dim := range inShape.Dimensions {
			dims[ii] = int64(dim)
		}
		for _, axis := range axes {
			if axis < 0 {
				axis += int64(inShape.Rank())
			}
			dims[axis] = 1
		}
		shapeEdge := gctx.Constant("keepdims_shape", tensors.FromFlatAndDimensions(dims, len(dims)))
		reshaped := gctx.Intermediate("keepdims")
		defs = append(defs, ir.Def("Reshape", []string{source, shapeEdge}, []string{reshaped}))
		source = reshaped
	}
	shape := gctx.Intermediate("shape")
	return append(defs,
		ir.Def("Shape", []string{gctx.I(0)}, []string{shape}),
		ir.Def("Expand", []string{source, shape}, []string{target}))
}

func reduceSumGrad(gctx *OpGradContext) []*ir.NodeDef {
	return expandReduced(gctx, nil, gctx.GO(0), gctx.GI(0))
}

func reduceMeanGrad(gctx *OpGradContext) []*ir.NodeDef {
	inShape, found := gctx.ShapeOf(gctx.I(0))
	if !found {
		Panicf("cannot differentiate node %s: ReduceMean requires a known input shape", gctx.Node)
	}
	axes := ir.AttrOr(gctx.Node.Attrs, "axes", []int64(nil))
	count := 1
	if axes == nil {
		count = inShape.Size()
	} else {
		for _, axis := range axes {
			count *= inShape.Dim(int(axis))
		}
	}
	scale := scalarConst(gctx, "scale", gctx.I(0), 1/float64(count))
	scaled := gctx.Intermediate("scaled")
	defs := []*ir.NodeDef{ir.Def("Mul", []string{gctx.GO(0), scale}, []string{scaled})}
	return expandReduced(gctx, defs, scaled, gctx.GI(0))
}

// gatherGrad scatter-adds the gradient back into the data tensor's shape. The indices
// input is integer-typed and gets no gradient.
func gatherGrad(gctx *OpGradContext) []*ir.NodeDef {
	shape := gctx.Intermediate("shape")
	return []*ir.NodeDef{
		ir.Def("Shape", []string{gctx.I(0)}, []string{shape}),
		ir.Def("GatherGrad", []string{shape, gctx.I(1), gctx.GO(0)}, []string{gctx.GI(0)}).
			InDomain(ir.TrainingDomain),
	}
}

// concatGrad splits the upstream gradient back into per-input pieces. Split sizes come
// from the static input shapes when all are known, otherwise the executor's equal
// split applies.
func concatGrad(gctx *OpGradContext) []*ir.NodeDef {
	axis := ir.AttrOr(gctx.Node.Attrs, "axis", int64(0))
	outputs := make([]string, gctx.NumInputs())
	for ii := range outputs {
		if gctx.IsGradientRequiredForInput(ii) {
			outputs[ii] = gctx.GI(ii)
		} else {
			outputs[ii] = gctx.Intermediate("unused")
		}
	}
	attrs := ir.Attributes{}.Set("axis", axis)
	sizes := make([]int64, gctx.NumInputs())
	allKnown := true
	for ii := 0; ii < gctx.NumInputs(); ii++ {
		shape, found := gctx.ShapeOf(gctx.I(ii))
		if !found {
			allKnown = false
			break
		}
		sizes[ii] = int64(shape.Dim(int(axis)))
	}
	if allKnown {
		attrs.Set("split", sizes)
	}
	return []*ir.NodeDef{
		ir.Def("Split", []string{gctx.GO(0)}, outputs).WithAttrs(attrs),
	}
}

// splitGrad concatenates the output gradients back together. Outputs that do not reach
// the loss contribute zeros.
func splitGrad(gctx *OpGradContext) (defs []*ir.NodeDef) {
	axis := ir.AttrOr(gctx.Node.Attrs, "axis", int64(0))
	pieces := make([]string, gctx.NumOutputs())
	for ii := range pieces {
		if gctx.HasOutputGradient(ii) {
			pieces[ii] = gctx.GO(ii)
			continue
		}
		zero := gctx.Intermediate("zero")
		defs = append(defs, ir.Def("ZeroGradient", []string{gctx.O(ii)}, []string{zero}).
			InDomain(ir.TrainingDomain))
		pieces[ii] = zero
	}
	return append(defs, ir.Def("Concat", pieces, []string{gctx.GI(0)}).
		WithAttrs(ir.Attributes{}.Set("axis", axis)))
}

// dropoutGrad re-applies the forward mask when the node produced one; without a mask
// output the gradient passes through unchanged (inference-style dropout).
func dropoutGrad(gctx *OpGradContext) []*ir.NodeDef {
	if gctx.NumOutputs() > 1 && gctx.O(1) != "" {
		return []*ir.NodeDef{
			ir.Def("DropoutGrad", []string{gctx.GO(0), gctx.O(1)}, []string{gctx.GI(0)}).
				InDomain(ir.TrainingDomain).
				WithAttrs(ir.Attributes{}.Set("ratio",
					ir.AttrOr(gctx.Node.Attrs, "ratio", float64(0.5)))),
		}
	}
	return []*ir.NodeDef{ir.Def("Identity", []string{gctx.GO(0)}, []string{gctx.GI(0)})}
}

// meanSquaredErrorGrad: for loss = mean((p-l)^2), dp = dy*2/N*(p-l) and dl = -dp.
func meanSquaredErrorGrad(gctx *OpGradContext) (defs []*ir.NodeDef) {
	predShape, found := gctx.ShapeOf(gctx.I(0))
	if !found {
		Panicf("cannot differentiate node %s: MeanSquaredError requires a known predictions shape",
			gctx.Node)
	}
	diff := gctx.Intermediate("diff")
	scale := scalarConst(gctx, "scale", gctx.I(0), 2/float64(predShape.Size()))
	scaled := gctx.Intermediate("scaled")
	defs = append(defs,
		ir.Def("Sub", []string{gctx.I(0), gctx.I(1)}, []string{diff}),
		ir.Def("Mul", []string{diff, scale}, []string{scaled}))

	dPred := gctx.GI(0)
	if !gctx.IsGradientRequiredForInput(0) {
		dPred = gctx.Intermediate("dpred")
	}
	defs = append(defs, ir.Def("Mul", []string{scaled, gctx.GO(0)}, []string{dPred}))
	if gctx.IsGradientRequiredForInput(1) {
		defs = append(defs, ir.Def("Neg", []string{dPred}, []string{gctx.GI(1)}))
	}
	return
}

// softmaxCrossEntropyGrad: dLogits = dy * (softmax(logits) - labels), computed by the
// dedicated gradient op from the probabilities. Reuses the forward probabilities
// output when present, otherwise recomputes them. Labels get no gradient.
func softmaxCrossEntropyGrad(gctx *OpGradContext) (defs []*ir.NodeDef) {
	probabilities := ""
	if gctx.NumOutputs() > 1 && gctx.O(1) != "" {
		probabilities = gctx.O(1)
	} else {
		probabilities = gctx.Intermediate("probabilities")
		defs = append(defs, ir.Def("Softmax", []string{gctx.I(0)}, []string{probabilities}).
			WithAttrs(ir.Attributes{}.Set("axis", int64(-1))))
	}
	return append(defs,
		ir.Def("SoftmaxCrossEntropyGrad", []string{gctx.GO(0), probabilities, gctx.I(1)},
			[]string{gctx.GI(0)}).InDomain(ir.TrainingDomain))
}
