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

// Package gradients implements reverse-mode automatic differentiation as a graph
// transformation: given a forward graph (see ir package) and a loss edge, it extends
// the graph with nodes computing the gradient of the loss with respect to a selected
// set of weights.
//
// There are many sources discussing reverse-mode differentiation; the construction here
// follows the usual recipe: walk the forward graph in reverse topological order from the
// loss, ask the per-operator gradient definition (see Registry) for the local gradient
// of each visited node, and sum the partial gradients flowing into tensors consumed by
// more than one operator before propagating them further back.
//
// Unlike eager (tape-based) autodiff, nothing is computed here: the result is more
// graph, handed to an external executor together with the forward part.
package gradients

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/types"
	"github.com/gomlx/traingraph/types/shapes"
	"github.com/gomlx/traingraph/types/tensors"
)

// GradientName returns the name of the edge carrying the accumulated gradient of the
// loss with respect to the given forward edge.
func GradientName(edge string) string { return edge + "_grad" }

// partialGradientName returns the name of the k-th partial gradient contribution to a
// fanned-out forward edge, before accumulation.
func partialGradientName(edge string, k int) string { return fmt.Sprintf("%s_grad_%d", edge, k) }

// GradientDef produces the NodeDefs implementing the local gradient of one forward
// node: for each node input that requires a gradient, the returned defs must produce
// an edge named gctx.GI(i) computing the gradient of the loss w.r.t. that input, given
// the upstream output gradients gctx.GO(i).
//
// A GradientDef is a pure function of the node's attributes, its input/output edge
// names, their gradient edge names and the requires-gradient flags; it must not depend
// on any other state, so that construction stays deterministic.
type GradientDef func(gctx *OpGradContext) []*ir.NodeDef

type registration struct {
	def GradientDef

	// copyAttributes indicates the forward node's attributes are imported into every
	// emitted NodeDef that declares none of its own. Definitions opt out when the
	// gradient operator's attribute semantics diverge from the forward op.
	copyAttributes bool
}

// Registry maps a forward operator type to its gradient definition.
type Registry struct {
	defs map[string]registration
}

// NewRegistry returns an empty gradient-definition registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]registration)}
}

// Register adds a gradient definition for the forward op type. The forward node's
// attributes are copied into emitted NodeDefs (see RegisterWithoutAttributes to opt
// out). Registering the same op type twice panics.
func (r *Registry) Register(opType string, def GradientDef) {
	r.register(opType, def, true)
}

// RegisterWithoutAttributes adds a gradient definition that does not import the
// forward node's attributes.
func (r *Registry) RegisterWithoutAttributes(opType string, def GradientDef) {
	r.register(opType, def, false)
}

func (r *Registry) register(opType string, def GradientDef, copyAttributes bool) {
	if _, found := r.defs[opType]; found {
		Panicf("gradient definition for op type %q registered twice", opType)
	}
	r.defs[opType] = registration{def: def, copyAttributes: copyAttributes}
}

// HasGradient returns whether a gradient definition is registered for the op type.
func (r *Registry) HasGradient(opType string) bool {
	_, found := r.defs[opType]
	return found
}

// GetGradientDefs invokes the registered gradient definition for the context's node.
// It panics if the node's op type has no registered definition: an operator inside the
// influencing subset without a gradient makes the whole construction impossible, there
// is no silent fallback.
func (r *Registry) GetGradientDefs(gctx *OpGradContext) []*ir.NodeDef {
	reg, found := r.defs[gctx.Node.OpType]
	if !found {
		Panicf("no gradient definition registered for op type %q (node %s): cannot build gradient graph",
			gctx.Node.OpType, gctx.Node)
	}
	defs := reg.def(gctx)
	if reg.copyAttributes && len(gctx.Node.Attrs) > 0 {
		for _, def := range defs {
			if def.Attrs != nil {
				continue
			}
			// Import only the forward attributes the emitted op's schema declares:
			// helper nodes (Shape, Reshape, ...) emitted alongside the main gradient
			// op must not inherit unrelated attributes.
			schema := ir.Schemas.GetLatest(def.OpType, def.Domain)
			if schema == nil {
				continue
			}
			for name, value := range gctx.Node.Attrs {
				if !schema.HasAttr(name) {
					continue
				}
				if def.Attrs == nil {
					def.Attrs = ir.Attributes{}
				}
				def.Attrs.Set(name, value)
			}
		}
	}
	return defs
}

// Defs is the process-wide gradient-definition registry, filled by this package's init
// (see defs.go). For experimentation one can register extra definitions on it.
var Defs = NewRegistry()

// OpGradContext carries everything a GradientDef may depend on: the forward node, the
// resolved gradient edge names of its outputs, and the requires-gradient flags of its
// inputs. It also owns the builder-local bookkeeping for intermediate edges and
// constants the definition creates.
type OpGradContext struct {
	// Graph being differentiated. Read-only for gradient definitions.
	Graph *ir.Graph

	// Node is the forward node being differentiated.
	Node *ir.Node

	// requiresGrad holds the forward edges whose gradient must be produced.
	requiresGrad types.Set[string]

	// outputGradients maps a forward output edge to its accumulated gradient edge.
	// Outputs without any arriving gradient have no entry.
	outputGradients map[string]string

	// constants accumulates initializers requested by the definition, materialized by
	// the builder before the gradient nodes.
	constants []namedTensor

	// intermediates counts intermediate edges created, for unique deterministic names.
	intermediates int
}

type namedTensor struct {
	name  string
	value *tensors.Tensor
}

// NumInputs of the forward node.
func (gctx *OpGradContext) NumInputs() int { return len(gctx.Node.Inputs) }

// NumOutputs of the forward node.
func (gctx *OpGradContext) NumOutputs() int { return len(gctx.Node.Outputs) }

// I returns the name of the forward node's i-th input edge.
func (gctx *OpGradContext) I(i int) string { return gctx.Node.Inputs[i] }

// O returns the name of the forward node's i-th output edge.
func (gctx *OpGradContext) O(i int) string { return gctx.Node.Outputs[i] }

// GI returns the gradient edge name for the node's i-th input: the edge the definition
// must produce (when the input requires a gradient).
func (gctx *OpGradContext) GI(i int) string { return GradientName(gctx.Node.Inputs[i]) }

// GO returns the accumulated gradient edge of the node's i-th output. It panics if no
// gradient reaches that output; guard with HasOutputGradient for multi-output nodes.
func (gctx *OpGradContext) GO(i int) string {
	name, found := gctx.outputGradients[gctx.Node.Outputs[i]]
	if !found {
		Panicf("no gradient flows into output #%d (%q) of node %s", i, gctx.Node.Outputs[i], gctx.Node)
	}
	return name
}

// HasOutputGradient returns whether any gradient reaches the node's i-th output.
// For multi-output operators (e.g. Split) some outputs may have no path to the loss.
func (gctx *OpGradContext) HasOutputGradient(i int) bool {
	_, found := gctx.outputGradients[gctx.Node.Outputs[i]]
	return found
}

// IsGradientRequiredForInput returns whether the i-th input's gradient participates in
// the overall construction. Definitions may skip work for inputs that don't.
func (gctx *OpGradContext) IsGradientRequiredForInput(i int) bool {
	return gctx.requiresGrad.Has(gctx.Node.Inputs[i])
}

// ShapeOf returns the declared shape of the edge, if known.
func (gctx *OpGradContext) ShapeOf(edge string) (shapes.Shape, bool) {
	return gctx.Graph.ShapeOf(edge)
}

// Intermediate returns a deterministic edge name, unique within this node's gradient
// subgraph, for wiring between the emitted NodeDefs.
func (gctx *OpGradContext) Intermediate(suffix string) string {
	gctx.intermediates++
	return fmt.Sprintf("%s_grad/%s_%d", gctx.Node.Name, suffix, gctx.intermediates)
}

// Constant registers a named constant tensor to be added as an initializer, and returns
// its edge name. The name is deterministic per (node, suffix).
func (gctx *OpGradContext) Constant(suffix string, value *tensors.Tensor) string {
	name := fmt.Sprintf("%s_grad/%s", gctx.Node.Name, suffix)
	gctx.constants = append(gctx.constants, namedTensor{name: name, value: value})
	return name
}
