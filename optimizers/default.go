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
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/types/shapes"
	"github.com/gomlx/traingraph/types/tensors"
	"k8s.io/klog/v2"
)

// Hyperparameter defaults applied when a NodeConfig leaves them zero.
const (
	defaultAlpha     = 0.9
	defaultBeta      = 0.999
	defaultEpsilon   = 1e-8
	defaultThreshold = 1.0
)

// ensureFeed registers `name` as a graph input with the given shape, if no edge by
// that name exists yet.
func ensureFeed(g *ir.Graph, name string, shape shapes.Shape) {
	if name == "" || g.HasEdge(name) {
		return
	}
	g.AddInput(ir.ArgDef{Name: name, Shape: shape})
}

// checkWeightGradient performs the static shape check between a weight and its
// gradient. Mismatches are configuration errors and fatal at build time.
func checkWeightGradient(g *ir.Graph, wg WeightGradient) {
	if !g.HasEdge(wg.Weight) {
		Panicf("weight %q does not exist in graph %q", wg.Weight, g.Name)
	}
	if !g.HasEdge(wg.Gradient) {
		Panicf("gradient %q of weight %q does not exist in graph %q", wg.Gradient, wg.Weight, g.Name)
	}
	wShape, wFound := g.ShapeOf(wg.Weight)
	gShape, gFound := g.ShapeOf(wg.Gradient)
	if wFound && gFound && !wShape.Equal(gShape) {
		Panicf("weight %q has shape %s but its gradient %q has shape %s",
			wg.Weight, wShape, wg.Gradient, gShape)
	}
	if _, known := optimizerStateful[wg.Config.OptimizerType]; !known {
		Panicf("unknown optimizer type %q for weight %q", wg.Config.OptimizerType, wg.Weight)
	}
}

// updateNames are the edges produced by one optimizer-update node.
type updateNames struct {
	weight, m1, m2, step, fp16 string
}

// addUpdateNode inserts one optimizer-update node: weightEdge and gradEdge are its
// value inputs (possibly shards), nameBase prefixes the state initializers and output
// edges, and momentShape sizes the zero-initialized moment state. Missing state
// (moments, step counter) is created as graph initializers on first use.
func addUpdateNode(g *ir.Graph, wg WeightGradient, cfg *GraphConfig,
	weightEdge, gradEdge, nameBase string, momentShape shapes.Shape) updateNames {
	conf := wg.Config
	opType := conf.OptimizerType
	stateful := optimizerStateful[opType]
	stepped := optimizerStepped[opType]

	ensureFeed(g, conf.LearningRateName, shapes.Make(dtypes.Float32))
	ensureFeed(g, cfg.LossScale.LossScaleName, shapes.Make(dtypes.Float32))
	ensureFeed(g, cfg.LossScale.DoUpdateName, shapes.Make(dtypes.Bool))

	var names updateNames
	names.weight = nameBase + "_new"
	var m1, m2, step string
	if stateful {
		m1, m2 = nameBase+"_m1", nameBase+"_m2"
		if !g.HasEdge(m1) {
			g.AddInitializer(m1, tensors.FromShape(momentShape))
		}
		if !g.HasEdge(m2) {
			g.AddInitializer(m2, tensors.FromShape(momentShape))
		}
		names.m1, names.m2 = m1+"_new", m2+"_new"
	}
	if stepped {
		step = nameBase + "_step"
		if !g.HasEdge(step) {
			g.AddInitializer(step, tensors.FromScalar[int64](1))
		}
		names.step = step + "_new"
	}
	if conf.FP16WeightName != "" {
		names.fp16 = conf.FP16WeightName + "_new"
	}

	alpha, beta, epsilon := conf.Alpha, conf.Beta, conf.Epsilon
	if alpha == 0 {
		alpha = defaultAlpha
	}
	if beta == 0 {
		beta = defaultBeta
	}
	if epsilon == 0 {
		epsilon = defaultEpsilon
	}

	var node *ir.Node
	switch opType {
	case "SGDOptimizer":
		node = &ir.Node{
			Name:   nameBase + "_optimizer",
			OpType: opType,
			Domain: ir.TrainingDomain,
			Inputs: []string{conf.LearningRateName, weightEdge, gradEdge,
				cfg.LossScale.LossScaleName, cfg.LossScale.DoUpdateName},
			Outputs: []string{names.weight},
		}
	case "AdamOptimizer":
		biasCorrection := int64(1)
		if conf.NoBiasCorrection {
			biasCorrection = 0
		}
		node = &ir.Node{
			Name:   nameBase + "_optimizer",
			OpType: opType,
			Domain: ir.TrainingDomain,
			Inputs: []string{conf.LearningRateName, step, weightEdge, gradEdge, m1, m2,
				cfg.LossScale.LossScaleName, conf.FP16WeightName, cfg.LossScale.DoUpdateName},
			Outputs: []string{names.weight, names.m1, names.m2, names.step, names.fp16},
			Attrs: ir.Attributes{}.
				Set("alpha", alpha).
				Set("beta", beta).
				Set("lambda", conf.Lambda).
				Set("epsilon", epsilon).
				Set("do_bias_correction", biasCorrection),
		}
	case "LambOptimizer":
		threshold := conf.Threshold
		if threshold == 0 {
			threshold = defaultThreshold
		}
		node = &ir.Node{
			Name:   nameBase + "_optimizer",
			OpType: opType,
			Domain: ir.TrainingDomain,
			Inputs: []string{conf.LearningRateName, weightEdge, gradEdge, m1, m2,
				cfg.LossScale.LossScaleName, conf.FP16WeightName, cfg.LossScale.DoUpdateName},
			Outputs: []string{names.weight, names.m1, names.m2, names.fp16},
			Attrs: ir.Attributes{}.
				Set("alpha", alpha).
				Set("beta", beta).
				Set("lambda", conf.Lambda).
				Set("epsilon", epsilon).
				Set("threshold", threshold),
		}
	default:
		Panicf("unknown optimizer type %q for weight %q", opType, wg.Weight)
	}

	schema := ir.Schemas.GetLatest(opType, ir.TrainingDomain)
	node.SinceVersion = schema.SinceVersion
	schema.CheckNode(node)
	g.AddNode(node)

	if shape, found := g.ShapeOf(weightEdge); found {
		g.SetShape(names.weight, shape)
		if names.m1 != "" {
			g.SetShape(names.m1, shape)
			g.SetShape(names.m2, shape)
		}
	}
	if names.step != "" {
		g.SetShape(names.step, shapes.Make(dtypes.Int64))
	}
	return names
}

// recordOutputs exposes the update results as graph outputs and fills the manifest.
func recordOutputs(g *ir.Graph, out *Outputs, weight string, names updateNames) {
	g.AddOutput(names.weight)
	out.UpdatedWeights[weight] = names.weight
	if names.m1 != "" {
		g.AddOutput(names.m1)
		g.AddOutput(names.m2)
		out.UpdatedMoments[weight] = map[string]string{"m1": names.m1, "m2": names.m2}
	}
	if names.step != "" {
		g.AddOutput(names.step)
		out.UpdatedSteps[weight] = names.step
	}
	if names.fp16 != "" {
		g.AddOutput(names.fp16)
		out.UpdatedFP16Weights[weight] = names.fp16
	}
}

// defaultBuilder is the single-worker strategy: one purely local optimizer-update
// node per weight, no communication.
type defaultBuilder struct{}

func (defaultBuilder) BuildOptimizerSubgraph(g *ir.Graph, weightGradients []WeightGradient,
	cfg *GraphConfig) (out *Outputs, err error) {
	err = TryCatch[error](func() {
		if cfg.WorldSize > 1 {
			Panicf("the Default builder is single-worker, got world size %d", cfg.WorldSize)
		}
		out = newOutputs()
		for _, wg := range weightGradients {
			checkWeightGradient(g, wg)
			momentShape, found := g.ShapeOf(wg.Weight)
			if !found && optimizerStateful[wg.Config.OptimizerType] {
				Panicf("weight %q needs a known shape to create optimizer state", wg.Weight)
			}
			names := addUpdateNode(g, wg, cfg, wg.Weight, wg.Gradient, wg.Weight, momentShape)
			recordOutputs(g, out, wg.Weight, names)
		}
		g.Validate()
		klog.V(1).Infof("optimizers: built local updates for %d weights in graph %q",
			len(weightGradients), g.Name)
	})
	if err != nil {
		return nil, err
	}
	return
}
