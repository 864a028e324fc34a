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
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/types"
	"github.com/gomlx/traingraph/types/tensors"
	"k8s.io/klog/v2"
)

// Builder extends a forward graph with the nodes computing d(loss)/d(weight) for a
// set of weights. Construction runs in four phases:
//
//  1. Dependency reduction: only nodes on a path from some weight to the loss
//     participate; everything else is ignored.
//  2. Reverse topological walk: each participating node's gradient definition is
//     invoked once, after the gradients of all its outputs are fully accumulated.
//  3. Fan-out accumulation: a forward tensor consumed N>1 times receives N partial
//     gradients, combined by a Sum node; with a single consumer the sole partial is
//     the accumulated gradient and no Sum is inserted.
//  4. Materialization: the planned NodeDefs become real nodes, and each weight's
//     gradient edge becomes a graph output.
//
// The whole plan is built before the graph is touched, so a failed Build leaves the
// graph unmodified.
type Builder struct {
	graph    *ir.Graph
	weights  []string
	lossName string
}

// NewBuilder prepares a gradient construction for d(lossName)/d(weights).
func NewBuilder(graph *ir.Graph, weights []string, lossName string) *Builder {
	return &Builder{graph: graph, weights: weights, lossName: lossName}
}

// Build runs the construction. On success the graph has been extended in place and the
// returned map gives, for each weight, the name of the edge holding its gradient (also
// registered as a graph output). On failure the graph is left untouched.
func (b *Builder) Build() (gradientNames map[string]string, err error) {
	err = TryCatch[error](func() { gradientNames = b.build() })
	if err != nil {
		return nil, err
	}
	return
}

// plannedNode is a NodeDef plus its materialization name.
type plannedNode struct {
	name string
	def  *ir.NodeDef
}

func (b *Builder) build() map[string]string {
	g := b.graph
	if !g.HasEdge(b.lossName) {
		Panicf("loss tensor %q does not exist in graph %q", b.lossName, g.Name)
	}
	seen := types.MakeSet[string](len(b.weights))
	for _, weight := range b.weights {
		if !g.HasEdge(weight) {
			Panicf("weight tensor %q does not exist in graph %q", weight, g.Name)
		}
		if seen.Has(weight) {
			Panicf("weight tensor %q listed twice", weight)
		}
		seen.Insert(weight)
	}

	// Phase 1: nodes on a path from some weight to the loss.
	subset := g.BackwardReachable(b.lossName)
	forward := g.ForwardReachable(b.weights...)
	for node := range subset {
		if !forward.Has(node) {
			delete(subset, node)
		}
	}
	if len(subset) == 0 {
		Panicf("no differentiable path connects any of the weights %v to loss %q", b.weights, b.lossName)
	}
	var visit []*ir.Node
	for _, node := range g.TopologicalSort() {
		if subset.Has(node) {
			visit = append(visit, node)
		}
	}

	// Edges on a path: weights, plus edges produced and consumed inside the subset.
	requires := types.MakeSet[string](len(b.weights))
	for _, weight := range b.weights {
		requires.Insert(weight)
	}
	for _, node := range visit {
		for _, input := range node.Inputs {
			if input == "" {
				continue
			}
			if producer := g.Producer(input); producer != nil && subset.Has(producer) {
				requires.Insert(input)
			}
		}
	}

	// Expected number of partial-gradient contributions per edge: one per consuming
	// input slot within the subset. A tensor consumed twice by the same node counts
	// twice.
	expected := make(map[string]int)
	for _, node := range visit {
		for _, input := range node.Inputs {
			if requires.Has(input) {
				expected[input]++
			}
		}
	}

	var (
		plan          []plannedNode
		constants     []namedTensor
		renameCounter = make(map[string]int)      // partial index per fanned-out edge
		contributions = make(map[string][]string) // edge -> partial gradient edges
		accumulated   = make(map[string]string)   // edge -> final gradient edge
		shapeHints    = make(map[string]string)   // gradient edge -> forward edge
		nodeCounter   int
	)

	// Seed: d(loss)/d(loss) == 1.
	lossGrad := GradientName(b.lossName)
	lossSeed := tensors.FromFlatAndDimensions([]float32{1})
	if shape, found := g.ShapeOf(b.lossName); found {
		lossSeed = tensors.Ones(shape)
	}
	constants = append(constants, namedTensor{name: lossGrad, value: lossSeed})
	accumulated[b.lossName] = lossGrad
	shapeHints[lossGrad] = b.lossName

	// finalize makes edge's accumulated gradient available, inserting a Sum over its
	// partials when it fans out. No-op if no contribution arrived (yet).
	finalize := func(edge string) {
		if _, done := accumulated[edge]; done {
			return
		}
		partials := contributions[edge]
		if len(partials) == 0 {
			return
		}
		name := GradientName(edge)
		plan = append(plan, plannedNode{
			name: name + "_sum",
			def:  ir.Def("Sum", partials, []string{name}),
		})
		accumulated[edge] = name
		shapeHints[name] = edge
	}

	// Phases 2 and 3: reverse topological walk with fan-out accumulation.
	for ii := len(visit) - 1; ii >= 0; ii-- {
		node := visit[ii]
		outputGradients := make(map[string]string, len(node.Outputs))
		for _, output := range node.Outputs {
			if output == "" {
				continue
			}
			finalize(output)
			if name, found := accumulated[output]; found {
				outputGradients[output] = name
			}
		}
		if len(outputGradients) == 0 {
			// Reachable only through non-differentiable inputs (e.g. as the indices
			// of a Gather): no gradient flows through it.
			klog.V(1).Infof("gradients: skipping node %s, no gradient reaches its outputs", node)
			continue
		}

		gctx := &OpGradContext{
			Graph:           g,
			Node:            node,
			requiresGrad:    requires,
			outputGradients: outputGradients,
		}
		defs := Defs.GetGradientDefs(gctx)
		constants = append(constants, gctx.constants...)

		// Collect gradient outputs, renaming them to partial edges where the forward
		// tensor fans out. The rename must also apply to later defs in the same list
		// that read the original gradient name.
		rename := make(map[string]string)
		for _, def := range defs {
			for jj, input := range def.Inputs {
				if newName, found := rename[input]; found {
					def.Inputs[jj] = newName
				}
			}
			for jj, output := range def.Outputs {
				for _, input := range node.Inputs {
					if !requires.Has(input) || output != GradientName(input) {
						continue
					}
					if expected[input] > 1 {
						partial := partialGradientName(input, renameCounter[input])
						renameCounter[input]++
						rename[output] = partial
						def.Outputs[jj] = partial
						contributions[input] = append(contributions[input], partial)
						shapeHints[partial] = input
					} else {
						accumulated[input] = output
						shapeHints[output] = input
					}
					break
				}
			}
			nodeCounter++
			plan = append(plan, plannedNode{
				name: fmt.Sprintf("%s_grad/%s_%d", node.Name, def.OpType, nodeCounter),
				def:  def,
			})
		}
	}

	// Weights are graph inputs or initializers, never visited above: accumulate any
	// pending fan-out contributions now, then require a gradient for each.
	for _, weight := range b.weights {
		finalize(weight)
		if _, found := accumulated[weight]; !found {
			Panicf("no gradient for weight %q reaches loss %q", weight, b.lossName)
		}
	}

	// Phase 4: materialization. From here on the graph is mutated; all failure modes
	// above have already been checked.
	for _, constant := range constants {
		g.AddInitializer(constant.name, constant.value)
	}
	for _, planned := range plan {
		def := planned.def
		schema := ir.Schemas.GetLatest(def.OpType, def.Domain)
		if schema == nil {
			Panicf("gradient construction emitted op %q (domain %q) which has no registered schema",
				def.OpType, def.Domain)
		}
		node := &ir.Node{
			Name:         planned.name,
			OpType:       def.OpType,
			Domain:       def.Domain,
			SinceVersion: schema.SinceVersion,
			Inputs:       def.Inputs,
			Outputs:      def.Outputs,
			Attrs:        def.Attrs,
		}
		schema.CheckNode(node)
		g.AddNode(node)
	}
	for gradEdge, forwardEdge := range shapeHints {
		if shape, found := g.ShapeOf(forwardEdge); found {
			g.SetShape(gradEdge, shape)
		}
	}

	gradientNames := make(map[string]string, len(b.weights))
	for _, weight := range b.weights {
		name := accumulated[weight]
		g.AddOutput(name)
		gradientNames[weight] = name
	}
	g.Validate()
	klog.V(1).Infof("gradients: added %d nodes and %d constants to graph %q (%d weights)",
		len(plan), len(constants), g.Name, len(b.weights))
	return gradientNames
}
