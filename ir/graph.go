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

// Package ir implements the named-edge graph intermediate representation consumed and
// extended by the gradients and optimizers builders.
//
// A Graph is a directed acyclic multigraph of Nodes connected by named tensors (edges).
// Every edge has exactly one producer -- a node output, a graph input or an initializer
// -- and any number of consumers. The package provides the add/remove-node, add-edge and
// lookup-by-name surface the builders require, plus topological ordering, reachability
// and gob serialization.
//
// Functions in this package panic (with a stack trace, see github.com/gomlx/exceptions)
// on structural violations: these are programming errors of the caller, not runtime
// conditions. Builders convert them to errors at their API boundary.
package ir

import (
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/traingraph/types"
	"github.com/gomlx/traingraph/types/shapes"
	"github.com/gomlx/traingraph/types/tensors"
)

// ArgDef names a graph input or output edge and declares its shape.
type ArgDef struct {
	Name  string
	Shape shapes.Shape
}

// Graph is a directed acyclic multigraph of Nodes connected by named tensor edges.
//
// It is exclusively owned by one builder during construction; after construction it is
// handed off immutably to the executor.
type Graph struct {
	// Name of the graph, for error messages and serialization.
	Name string

	nodes       []*Node
	nodesByName map[string]*Node

	inputs  []ArgDef
	outputs []ArgDef

	initializers     map[string]*tensors.Tensor
	initializerOrder []string

	// valueInfo holds the known shapes of intermediate edges.
	valueInfo map[string]shapes.Shape

	// producers maps an edge name to the node producing it. Graph inputs and
	// initializers have no entry here.
	producers map[string]*Node
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		Name:         name,
		nodesByName:  make(map[string]*Node),
		initializers: make(map[string]*tensors.Tensor),
		valueInfo:    make(map[string]shapes.Shape),
		producers:    make(map[string]*Node),
	}
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Nodes returns the graph nodes in insertion order. The returned slice is owned by the
// graph, callers must not mutate it.
func (g *Graph) Nodes() []*Node { return g.nodes }

// NodeByName returns the node with the given name, or nil.
func (g *Graph) NodeByName(name string) *Node { return g.nodesByName[name] }

// Inputs returns the graph input definitions.
func (g *Graph) Inputs() []ArgDef { return g.inputs }

// Outputs returns the graph output definitions.
func (g *Graph) Outputs() []ArgDef { return g.outputs }

// AddInput declares a graph input edge.
func (g *Graph) AddInput(arg ArgDef) {
	if g.HasEdge(arg.Name) {
		Panicf("Graph %q: input %q redefines an existing edge", g.Name, arg.Name)
	}
	g.inputs = append(g.inputs, arg)
}

// AddOutput declares an edge as a graph output. The edge must exist.
func (g *Graph) AddOutput(name string) {
	if !g.HasEdge(name) {
		Panicf("Graph %q: output %q is not produced by any node, input or initializer", g.Name, name)
	}
	for _, out := range g.outputs {
		if out.Name == name {
			return // Already an output.
		}
	}
	shape, _ := g.ShapeOf(name)
	g.outputs = append(g.outputs, ArgDef{Name: name, Shape: shape})
}

// IsOutput returns whether the edge is declared as a graph output.
func (g *Graph) IsOutput(name string) bool {
	return slices.ContainsFunc(g.outputs, func(arg ArgDef) bool { return arg.Name == name })
}

// AddInitializer registers a named constant tensor as an edge producer.
func (g *Graph) AddInitializer(name string, value *tensors.Tensor) {
	if g.HasEdge(name) {
		Panicf("Graph %q: initializer %q redefines an existing edge", g.Name, name)
	}
	g.initializers[name] = value
	g.initializerOrder = append(g.initializerOrder, name)
}

// Initializer returns the initializer tensor for the edge, or nil.
func (g *Graph) Initializer(name string) *tensors.Tensor { return g.initializers[name] }

// InitializerNames returns the initializer edge names in insertion order.
func (g *Graph) InitializerNames() []string { return g.initializerOrder }

// IsInput returns whether the edge is a graph input.
func (g *Graph) IsInput(name string) bool {
	return slices.ContainsFunc(g.inputs, func(arg ArgDef) bool { return arg.Name == name })
}

// HasEdge returns whether name is an existing edge: a node output, a graph input or an
// initializer.
func (g *Graph) HasEdge(name string) bool {
	if _, found := g.producers[name]; found {
		return true
	}
	if _, found := g.initializers[name]; found {
		return true
	}
	return g.IsInput(name)
}

// Producer returns the node producing the given edge, or nil if the edge is a graph
// input, an initializer or unknown.
func (g *Graph) Producer(name string) *Node { return g.producers[name] }

// AddNode inserts the node in the graph. The node name must be unique and its outputs
// must not redefine existing edges. Input edges need not exist yet; Validate checks
// they eventually do.
func (g *Graph) AddNode(node *Node) *Node {
	if node.Name == "" {
		Panicf("Graph %q: AddNode with empty node name (op %s)", g.Name, node.OpType)
	}
	if _, found := g.nodesByName[node.Name]; found {
		Panicf("Graph %q: node %q already exists", g.Name, node.Name)
	}
	for _, output := range node.Outputs {
		if output == "" {
			continue
		}
		if g.HasEdge(output) {
			Panicf("Graph %q: node %q output %q redefines an existing edge (edges have exactly one producer)",
				g.Name, node.Name, output)
		}
	}
	g.nodes = append(g.nodes, node)
	g.nodesByName[node.Name] = node
	for _, output := range node.Outputs {
		if output != "" {
			g.producers[output] = node
		}
	}
	return node
}

// RemoveNode removes the node with the given name and un-registers its outputs.
// It panics if any of its outputs is still consumed or is a graph output.
func (g *Graph) RemoveNode(name string) {
	node, found := g.nodesByName[name]
	if !found {
		Panicf("Graph %q: RemoveNode(%q): no such node", g.Name, name)
	}
	consumers := g.ConsumerMap()
	for _, output := range node.Outputs {
		if output == "" {
			continue
		}
		if len(consumers[output]) > 0 {
			Panicf("Graph %q: RemoveNode(%q): output %q still has consumers", g.Name, name, output)
		}
		if g.IsOutput(output) {
			Panicf("Graph %q: RemoveNode(%q): output %q is a graph output", g.Name, name, output)
		}
		delete(g.producers, output)
		delete(g.valueInfo, output)
	}
	delete(g.nodesByName, name)
	g.nodes = slices.DeleteFunc(g.nodes, func(n *Node) bool { return n == node })
}

// ConsumerMap maps each edge name to the nodes consuming it, in node insertion order.
func (g *Graph) ConsumerMap() map[string][]*Node {
	consumers := make(map[string][]*Node)
	for _, node := range g.nodes {
		for _, input := range node.Inputs {
			if input == "" {
				continue
			}
			consumers[input] = append(consumers[input], node)
		}
	}
	return consumers
}

// SetShape records the shape of an intermediate edge.
func (g *Graph) SetShape(name string, shape shapes.Shape) {
	g.valueInfo[name] = shape
}

// ShapeOf returns the shape of the edge, if known: from graph inputs, initializers or
// recorded value info.
func (g *Graph) ShapeOf(name string) (shape shapes.Shape, found bool) {
	if shape, found = g.valueInfo[name]; found {
		return
	}
	if t, ok := g.initializers[name]; ok {
		return t.Shape(), true
	}
	for _, arg := range g.inputs {
		if arg.Name == name {
			return arg.Shape, true
		}
	}
	return shapes.Invalid(), false
}

// Clone returns a deep copy of the graph. Initializer tensors are shared (they are
// immutable by convention).
func (g *Graph) Clone() *Graph {
	g2 := New(g.Name)
	for _, node := range g.nodes {
		g2.AddNode(node.Clone())
	}
	g2.inputs = slices.Clone(g.inputs)
	g2.outputs = slices.Clone(g.outputs)
	for _, name := range g.initializerOrder {
		g2.AddInitializer(name, g.initializers[name])
	}
	for name, shape := range g.valueInfo {
		g2.valueInfo[name] = shape
	}
	return g2
}

// Validate checks the structural invariants: all node inputs resolve to existing edges
// and the graph is acyclic. It panics on violation.
func (g *Graph) Validate() {
	for _, node := range g.nodes {
		for _, input := range node.Inputs {
			if input == "" {
				continue
			}
			if !g.HasEdge(input) {
				Panicf("Graph %q: node %q consumes edge %q which has no producer", g.Name, node.Name, input)
			}
		}
	}
	_ = g.TopologicalSort() // Panics on cycles.
}

// TopologicalSort returns the nodes ordered such that every node appears after the
// producers of all its inputs. Among ready nodes, insertion order is preserved, so the
// result is deterministic for a fixed graph. It panics if the graph has a cycle.
func (g *Graph) TopologicalSort() []*Node {
	// Kahn's algorithm with a FIFO queue seeded in insertion order.
	pendingInputs := make(map[*Node]int, len(g.nodes))
	consumersOf := make(map[*Node][]*Node, len(g.nodes))
	for _, node := range g.nodes {
		count := 0
		for _, input := range node.Inputs {
			if input == "" {
				continue
			}
			if producer := g.producers[input]; producer != nil && producer != node {
				count++
				consumersOf[producer] = append(consumersOf[producer], node)
			}
		}
		pendingInputs[node] = count
	}
	queue := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		if pendingInputs[node] == 0 {
			queue = append(queue, node)
		}
	}
	sorted := make([]*Node, 0, len(g.nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, consumer := range consumersOf[node] {
			pendingInputs[consumer]--
			if pendingInputs[consumer] == 0 {
				queue = append(queue, consumer)
			}
		}
	}
	if len(sorted) != len(g.nodes) {
		Panicf("Graph %q: cycle detected, only %d of %d nodes could be ordered",
			g.Name, len(sorted), len(g.nodes))
	}
	return sorted
}

// BackwardReachable returns the set of nodes from which any of the given edges can be
// reached following data dependencies backward (producers of the edges, the producers
// of their inputs, and so on).
func (g *Graph) BackwardReachable(edges ...string) types.Set[*Node] {
	reached := types.MakeSet[*Node]()
	var frontier []string
	frontier = append(frontier, edges...)
	for len(frontier) > 0 {
		edge := frontier[0]
		frontier = frontier[1:]
		producer := g.producers[edge]
		if producer == nil || reached.Has(producer) {
			continue
		}
		reached.Insert(producer)
		frontier = append(frontier, producer.Inputs...)
	}
	return reached
}

// ForwardReachable returns the set of nodes reachable from the given edges following
// data dependencies forward (consumers of the edges, consumers of their outputs, and
// so on).
func (g *Graph) ForwardReachable(edges ...string) types.Set[*Node] {
	consumers := g.ConsumerMap()
	reached := types.MakeSet[*Node]()
	var frontier []string
	frontier = append(frontier, edges...)
	for len(frontier) > 0 {
		edge := frontier[0]
		frontier = frontier[1:]
		for _, consumer := range consumers[edge] {
			if reached.Has(consumer) {
				continue
			}
			reached.Insert(consumer)
			frontier = append(frontier, consumer.Outputs...)
		}
	}
	return reached
}
