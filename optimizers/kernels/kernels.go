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

// Package kernels holds the reference CPU implementations of the optimizer-update
// operators inserted by the optimizers package. They define the numeric semantics an
// executor must reproduce; all arithmetic runs in float64 regardless of the storage
// dtype, so reduced-precision weights still get full-precision accumulation.
package kernels

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/types/tensors"
	"github.com/pkg/errors"
)

// Feeds maps edge names to their tensors for a single node application.
type Feeds map[string]*tensors.Tensor

// Apply executes one training-operator node against the feeds and returns its outputs
// keyed by output edge name. Optional input slots bound to "" are skipped; a named
// input missing from the feeds is an error.
func Apply(node *ir.Node, feeds Feeds) (map[string]*tensors.Tensor, error) {
	var outputs []*tensors.Tensor
	var err error
	switch node.OpType {
	case "SGDOptimizer":
		outputs, err = applySGD(node, feeds)
	case "AdamOptimizer":
		outputs, err = applyAdam(node, feeds)
	case "LambOptimizer":
		outputs, err = applyLamb(node, feeds)
	case "GradientAccumulator":
		outputs, err = applyAccumulator(node, feeds)
	case "ZeroGradient":
		outputs, err = applyZeroGradient(node, feeds)
	default:
		return nil, errors.Errorf("no reference kernel for op %q (node %q)", node.OpType, node.Name)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "applying node %q", node.Name)
	}
	result := make(map[string]*tensors.Tensor, len(outputs))
	for ii, t := range outputs {
		if ii >= len(node.Outputs) || node.Outputs[ii] == "" || t == nil {
			continue
		}
		result[node.Outputs[ii]] = t
	}
	return result, nil
}

// input returns the feed bound to input slot idx, nil if the slot is absent.
func input(node *ir.Node, feeds Feeds, idx int) (*tensors.Tensor, error) {
	if idx >= len(node.Inputs) || node.Inputs[idx] == "" {
		return nil, nil
	}
	t, found := feeds[node.Inputs[idx]]
	if !found {
		return nil, errors.Errorf("no feed for input %q", node.Inputs[idx])
	}
	return t, nil
}

// requiredInput is input for slots the schema marks Single.
func requiredInput(node *ir.Node, feeds Feeds, idx int) (*tensors.Tensor, error) {
	t, err := input(node, feeds, idx)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.Errorf("op %q requires input slot %d", node.OpType, idx)
	}
	return t, nil
}

func scalarOf(t *tensors.Tensor) float64 { return t.ToFloat64s()[0] }

// updateContext gathers the slots shared by every optimizer kernel.
type updateContext struct {
	eta       float64
	lossScale float64 // gradients are divided by it; 1 when disabled
	doUpdate  bool
}

func newUpdateContext(node *ir.Node, feeds Feeds, lrSlot, lossScaleSlot, doUpdateSlot int) (ctx updateContext, err error) {
	lr, err := requiredInput(node, feeds, lrSlot)
	if err != nil {
		return
	}
	ctx.eta = scalarOf(lr)
	ctx.lossScale = 1
	ctx.doUpdate = true
	if t, err2 := input(node, feeds, lossScaleSlot); err2 != nil {
		err = err2
		return
	} else if t != nil {
		ctx.lossScale = scalarOf(t)
	}
	if t, err2 := input(node, feeds, doUpdateSlot); err2 != nil {
		err = err2
		return
	} else if t != nil {
		ctx.doUpdate = tensors.Flat[bool](t)[0]
	}
	return
}

func applySGD(node *ir.Node, feeds Feeds) ([]*tensors.Tensor, error) {
	ctx, err := newUpdateContext(node, feeds, 0, 3, 4)
	if err != nil {
		return nil, err
	}
	weights, err := requiredInput(node, feeds, 1)
	if err != nil {
		return nil, err
	}
	if !ctx.doUpdate {
		return []*tensors.Tensor{weights.Clone()}, nil
	}
	gradient, err := requiredInput(node, feeds, 2)
	if err != nil {
		return nil, err
	}
	w := weights.ToFloat64s()
	g := gradient.ToFloat64s()
	if len(w) != len(g) {
		return nil, errors.Errorf("weights have %d elements, gradient %d", len(w), len(g))
	}
	updated := make([]float64, len(w))
	for ii := range w {
		updated[ii] = w[ii] - ctx.eta*g[ii]/ctx.lossScale
	}
	return []*tensors.Tensor{
		tensors.FromFloat64s(weights.DType(), updated, weights.Shape().Dimensions...),
	}, nil
}

func applyAdam(node *ir.Node, feeds Feeds) ([]*tensors.Tensor, error) {
	ctx, err := newUpdateContext(node, feeds, 0, 6, 8)
	if err != nil {
		return nil, err
	}
	step, err := requiredInput(node, feeds, 1)
	if err != nil {
		return nil, err
	}
	weights, err := requiredInput(node, feeds, 2)
	if err != nil {
		return nil, err
	}
	moment1, err := requiredInput(node, feeds, 4)
	if err != nil {
		return nil, err
	}
	moment2, err := requiredInput(node, feeds, 5)
	if err != nil {
		return nil, err
	}
	shadow, err := input(node, feeds, 7)
	if err != nil {
		return nil, err
	}

	// Skipped steps are full identity pass-throughs, the step counter included.
	if !ctx.doUpdate {
		outputs := []*tensors.Tensor{
			weights.Clone(), moment1.Clone(), moment2.Clone(), step.Clone(),
		}
		if shadow != nil {
			outputs = append(outputs, shadow.Clone())
		} else {
			outputs = append(outputs, nil)
		}
		return outputs, nil
	}

	gradient, err := requiredInput(node, feeds, 3)
	if err != nil {
		return nil, err
	}
	alpha := ir.AttrOr(node.Attrs, "alpha", 0.9)
	beta := ir.AttrOr(node.Attrs, "beta", 0.999)
	lambda := ir.AttrOr(node.Attrs, "lambda", 0.0)
	epsilon := ir.AttrOr(node.Attrs, "epsilon", 1e-8)
	biasCorrection := ir.AttrOr(node.Attrs, "do_bias_correction", int64(1)) != 0

	t := tensors.Flat[int64](step)[0]
	w := weights.ToFloat64s()
	g := gradient.ToFloat64s()
	m1 := moment1.ToFloat64s()
	m2 := moment2.ToFloat64s()
	if len(w) != len(g) || len(w) != len(m1) || len(w) != len(m2) {
		return nil, errors.Errorf("weights (%d), gradient (%d) and moments (%d, %d) must have equal element counts",
			len(w), len(g), len(m1), len(m2))
	}

	m1Correction, m2Correction := 1.0, 1.0
	if biasCorrection {
		m1Correction = 1 - math.Pow(alpha, float64(t))
		m2Correction = 1 - math.Pow(beta, float64(t))
	}
	newW := make([]float64, len(w))
	newM1 := make([]float64, len(w))
	newM2 := make([]float64, len(w))
	for ii := range w {
		grad := g[ii] / ctx.lossScale
		newM1[ii] = alpha*m1[ii] + (1-alpha)*grad
		newM2[ii] = beta*m2[ii] + (1-beta)*grad*grad
		direction := (newM1[ii]/m1Correction)/(math.Sqrt(newM2[ii]/m2Correction)+epsilon) + lambda*w[ii]
		newW[ii] = w[ii] - ctx.eta*direction
	}

	dims := weights.Shape().Dimensions
	outputs := []*tensors.Tensor{
		tensors.FromFloat64s(weights.DType(), newW, dims...),
		tensors.FromFloat64s(moment1.DType(), newM1, dims...),
		tensors.FromFloat64s(moment2.DType(), newM2, dims...),
		tensors.FromScalar[int64](t + 1),
	}
	if shadow != nil {
		outputs = append(outputs, tensors.FromFloat64s(dtypes.Float16, newW, dims...))
	} else {
		outputs = append(outputs, nil)
	}
	return outputs, nil
}

func applyLamb(node *ir.Node, feeds Feeds) ([]*tensors.Tensor, error) {
	ctx, err := newUpdateContext(node, feeds, 0, 5, 7)
	if err != nil {
		return nil, err
	}
	weights, err := requiredInput(node, feeds, 1)
	if err != nil {
		return nil, err
	}
	moment1, err := requiredInput(node, feeds, 3)
	if err != nil {
		return nil, err
	}
	moment2, err := requiredInput(node, feeds, 4)
	if err != nil {
		return nil, err
	}
	shadow, err := input(node, feeds, 6)
	if err != nil {
		return nil, err
	}

	if !ctx.doUpdate {
		outputs := []*tensors.Tensor{weights.Clone(), moment1.Clone(), moment2.Clone()}
		if shadow != nil {
			outputs = append(outputs, shadow.Clone())
		} else {
			outputs = append(outputs, nil)
		}
		return outputs, nil
	}

	gradient, err := requiredInput(node, feeds, 2)
	if err != nil {
		return nil, err
	}
	alpha := ir.AttrOr(node.Attrs, "alpha", 0.9)
	beta := ir.AttrOr(node.Attrs, "beta", 0.999)
	lambda := ir.AttrOr(node.Attrs, "lambda", 0.0)
	epsilon := ir.AttrOr(node.Attrs, "epsilon", 1e-8)
	threshold := ir.AttrOr(node.Attrs, "threshold", 1.0)

	w := weights.ToFloat64s()
	g := gradient.ToFloat64s()
	m1 := moment1.ToFloat64s()
	m2 := moment2.ToFloat64s()
	if len(w) != len(g) || len(w) != len(m1) || len(w) != len(m2) {
		return nil, errors.Errorf("weights (%d), gradient (%d) and moments (%d, %d) must have equal element counts",
			len(w), len(g), len(m1), len(m2))
	}

	newM1 := make([]float64, len(w))
	newM2 := make([]float64, len(w))
	direction := make([]float64, len(w))
	var weightNorm, directionNorm float64
	for ii := range w {
		grad := g[ii] / ctx.lossScale
		newM1[ii] = alpha*m1[ii] + (1-alpha)*grad
		newM2[ii] = beta*m2[ii] + (1-beta)*grad*grad
		direction[ii] = newM1[ii]/(math.Sqrt(newM2[ii])+epsilon) + lambda*w[ii]
		weightNorm += w[ii] * w[ii]
		directionNorm += direction[ii] * direction[ii]
	}
	weightNorm = math.Sqrt(weightNorm)
	directionNorm = math.Sqrt(directionNorm)

	// Trust ratio: 1 when either norm vanishes, clipped to the threshold otherwise.
	trustRatio := 1.0
	if weightNorm > 0 && directionNorm > 0 {
		trustRatio = math.Min(weightNorm/directionNorm, threshold)
	}

	newW := make([]float64, len(w))
	for ii := range w {
		newW[ii] = w[ii] - ctx.eta*trustRatio*direction[ii]
	}

	dims := weights.Shape().Dimensions
	outputs := []*tensors.Tensor{
		tensors.FromFloat64s(weights.DType(), newW, dims...),
		tensors.FromFloat64s(moment1.DType(), newM1, dims...),
		tensors.FromFloat64s(moment2.DType(), newM2, dims...),
	}
	if shadow != nil {
		outputs = append(outputs, tensors.FromFloat64s(dtypes.Float16, newW, dims...))
	} else {
		outputs = append(outputs, nil)
	}
	return outputs, nil
}

func applyAccumulator(node *ir.Node, feeds Feeds) ([]*tensors.Tensor, error) {
	buffer, err := requiredInput(node, feeds, 0)
	if err != nil {
		return nil, err
	}
	gradient, err := requiredInput(node, feeds, 1)
	if err != nil {
		return nil, err
	}
	b := buffer.ToFloat64s()
	g := gradient.ToFloat64s()
	if len(b) != len(g) {
		return nil, errors.Errorf("buffer has %d elements, gradient %d", len(b), len(g))
	}
	sum := make([]float64, len(b))
	for ii := range b {
		sum[ii] = b[ii] + g[ii]
	}
	return []*tensors.Tensor{
		tensors.FromFloat64s(buffer.DType(), sum, buffer.Shape().Dimensions...),
	}, nil
}

func applyZeroGradient(node *ir.Node, feeds Feeds) ([]*tensors.Tensor, error) {
	ref, err := requiredInput(node, feeds, 0)
	if err != nil {
		return nil, err
	}
	return []*tensors.Tensor{tensors.FromShape(ref.Shape())}, nil
}
