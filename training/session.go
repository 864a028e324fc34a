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

// Package training orchestrates the full construction of a training graph: load a
// forward graph, append a loss function, build the gradient graph and the optimizer
// graph, then save the result together with a manifest of the outputs to fetch each
// step.
package training

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/gradients"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/optimizers"
	"github.com/gomlx/traingraph/types"
	"github.com/gomlx/traingraph/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Session owns a graph through its transformation into a training graph. The build
// methods are meant to be called in order: BuildLossFunction (optional, when the
// forward graph has no loss yet), BuildGradientGraph, BuildOptimizerGraph.
type Session struct {
	graph *ir.Graph

	lossName      string
	weights       []string // in gradient-construction order
	gradientNames map[string]string
	optimizerOut  *optimizers.Outputs
	fetches       []string
}

// NewSession wraps an in-memory forward graph.
func NewSession(graph *ir.Graph) *Session {
	return &Session{graph: graph}
}

// Load reads a serialized forward graph from path.
func Load(path string) (*Session, error) {
	graph, err := ir.Load(path)
	if err != nil {
		return nil, err
	}
	return NewSession(graph), nil
}

// Save writes the (possibly transformed) graph to path.
func (s *Session) Save(path string) error { return s.graph.Save(path) }

// Graph returns the underlying graph.
func (s *Session) Graph() *ir.Graph { return s.graph }

// LossFuncInfo describes the loss function to append to the forward graph: the loss
// operator and its input/output edge bindings. Inputs that do not exist yet (labels,
// typically) are added as graph inputs.
type LossFuncInfo struct {
	// OpType is a loss operator in the training domain, e.g. "MeanSquaredError" or
	// "SoftmaxCrossEntropy".
	OpType string

	// Inputs binds the operator's input slots to edges, in slot order. The first is
	// usually the model's prediction output.
	Inputs []string

	// LossName is the edge that will hold the loss value.
	LossName string
}

// BuildLossFunction appends the loss node to the graph and registers the loss as a
// graph output.
func (s *Session) BuildLossFunction(info LossFuncInfo) error {
	return TryCatch[error](func() {
		schema := ir.Schemas.GetLatest(info.OpType, ir.TrainingDomain)
		if schema == nil {
			Panicf("unknown loss operator %q", info.OpType)
		}
		if info.LossName == "" {
			Panicf("loss function needs an output name")
		}
		if len(info.Inputs) == 0 || info.Inputs[0] == "" {
			Panicf("loss function %q needs at least its first input bound", info.OpType)
		}
		predShape, predKnown := s.graph.ShapeOf(info.Inputs[0])
		for ii, input := range info.Inputs {
			if input == "" || s.graph.HasEdge(input) {
				continue
			}
			// Unbound loss inputs become feeds; labels share the prediction's shape.
			shape := shapes.Invalid()
			if predKnown && ii > 0 {
				shape = predShape
			}
			s.graph.AddInput(ir.ArgDef{Name: input, Shape: shape})
		}
		node := &ir.Node{
			Name:         info.LossName + "_loss",
			OpType:       info.OpType,
			Domain:       ir.TrainingDomain,
			SinceVersion: schema.SinceVersion,
			Inputs:       info.Inputs,
			Outputs:      []string{info.LossName},
		}
		schema.CheckNode(node)
		s.graph.AddNode(node)
		if predKnown {
			s.graph.SetShape(info.LossName, shapes.Make(predShape.DType))
		}
		s.graph.AddOutput(info.LossName)
		s.lossName = info.LossName
		klog.V(1).Infof("training: appended %s loss %q to graph %q", info.OpType, info.LossName, s.graph.Name)
	})
}

// TrainableWeights resolves the trainable-weight list: either an explicit list of
// names, or the complement of exclude over all floating-point initializers. Exactly
// one of the two must be given (an empty exclude list with nil weights selects every
// floating-point initializer).
func (s *Session) TrainableWeights(weights, exclude []string) ([]string, error) {
	if weights != nil && exclude != nil {
		return nil, errors.New("pass either the trainable weights or the exclusion list, not both")
	}
	if weights != nil {
		return weights, nil
	}
	excluded := types.MakeSet[string](len(exclude))
	for _, name := range exclude {
		excluded.Insert(name)
	}
	var selected []string
	for _, name := range s.graph.InitializerNames() {
		if excluded.Has(name) {
			continue
		}
		dtype := s.graph.Initializer(name).DType()
		if dtype != dtypes.Float16 && dtype != dtypes.Float32 && dtype != dtypes.Float64 {
			continue
		}
		selected = append(selected, name)
	}
	return selected, nil
}

// BuildGradientGraph extends the graph with d(loss)/d(weight) for every trainable
// weight and returns the weight-to-gradient-edge mapping. lossName may be empty when
// BuildLossFunction already ran.
func (s *Session) BuildGradientGraph(weights, exclude []string, lossName string) (map[string]string, error) {
	if lossName == "" {
		lossName = s.lossName
	}
	if lossName == "" {
		return nil, errors.New("no loss: pass a loss name or call BuildLossFunction first")
	}
	selected, err := s.TrainableWeights(weights, exclude)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, errors.Errorf("no trainable weights in graph %q", s.graph.Name)
	}
	gradientNames, err := gradients.NewBuilder(s.graph, selected, lossName).Build()
	if err != nil {
		return nil, err
	}
	s.lossName = lossName
	s.weights = selected
	s.gradientNames = gradientNames
	return gradientNames, nil
}

// BuildOptimizerGraph extends the graph with the optimizer update for every weight
// that received a gradient, using the builder selected by the configuration. The
// per-weight node configuration applies to all weights.
func (s *Session) BuildOptimizerGraph(nodeConfig optimizers.NodeConfig, cfg *optimizers.GraphConfig) (*optimizers.Outputs, error) {
	if s.gradientNames == nil {
		return nil, errors.New("no gradients: call BuildGradientGraph first")
	}
	var weightGradients []optimizers.WeightGradient
	for _, weight := range s.weights {
		gradient, found := s.gradientNames[weight]
		if !found {
			continue
		}
		weightGradients = append(weightGradients, optimizers.WeightGradient{
			Weight:   weight,
			Gradient: gradient,
			Config:   nodeConfig,
		})
	}
	out, err := optimizers.Build(s.graph, weightGradients, cfg)
	if err != nil {
		return nil, err
	}
	s.optimizerOut = out
	return out, nil
}

// AddFetch registers an extra intermediate edge as a graph output, to be fetched each
// step alongside the loss and updated state.
func (s *Session) AddFetch(name string) error {
	return TryCatch[error](func() {
		if !s.graph.HasEdge(name) {
			Panicf("cannot fetch %q: no such edge in graph %q", name, s.graph.Name)
		}
		s.graph.AddOutput(name)
		s.fetches = append(s.fetches, name)
	})
}

// Manifest lists the graph outputs a training loop should fetch each step.
type Manifest struct {
	// Loss is the loss value's edge, when a loss was built or named.
	Loss string

	// Gradients maps each trainable weight to its gradient edge.
	Gradients map[string]string

	// Optimizer holds the updated-state edges, when the optimizer graph was built.
	Optimizer *optimizers.Outputs

	// Fetches are the extra edges registered with AddFetch.
	Fetches []string
}

// Manifest returns the current manifest. It reflects the build methods called so far.
func (s *Session) Manifest() *Manifest {
	return &Manifest{
		Loss:      s.lossName,
		Gradients: s.gradientNames,
		Optimizer: s.optimizerOut,
		Fetches:   s.fetches,
	}
}
