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

package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/traingraph/types/tensors"
	"golang.org/x/exp/maps"
)

// Attributes maps an attribute name to its typed value. Valid value types are
// int64, []int64, float64, []float64, string, []string and *tensors.Tensor.
type Attributes map[string]any

// validAttrValue reports whether v is one of the supported attribute value types.
func validAttrValue(v any) bool {
	switch v.(type) {
	case int64, []int64, float64, []float64, string, []string, *tensors.Tensor:
		return true
	}
	return false
}

// Set stores an attribute value, panicking on unsupported value types.
func (attrs Attributes) Set(name string, value any) Attributes {
	if !validAttrValue(value) {
		exceptions.Panicf("ir.Attributes.Set(%q): unsupported attribute type %T", name, value)
	}
	attrs[name] = value
	return attrs
}

// Clone returns a copy of the attributes. Values are shared (they are immutable by convention).
func (attrs Attributes) Clone() Attributes {
	if attrs == nil {
		return nil
	}
	return maps.Clone(attrs)
}

// AttrOr returns the attribute value cast to T, or defaultValue if the attribute is absent.
// It panics if the attribute exists with a different type.
func AttrOr[T any](attrs Attributes, name string, defaultValue T) T {
	raw, found := attrs[name]
	if !found {
		return defaultValue
	}
	value, ok := raw.(T)
	if !ok {
		exceptions.Panicf("ir: attribute %q holds %T, requested %T", name, raw, value)
	}
	return value
}

// Node is an operator in a Graph: an op type (plus the domain/version pair identifying
// the operator-set revision that defines its semantics), ordered input and output edge
// names and an attribute map.
//
// Nodes are created by the builders and never mutated after insertion into a Graph,
// except for attribute copy during schema derivation.
type Node struct {
	// Name uniquely identifies the node within its graph.
	Name string

	// OpType is the operator type identifier, e.g. "MatMul" or "AdamOptimizer".
	OpType string

	// Domain of the operator set defining OpType. Empty means the default domain.
	Domain string

	// SinceVersion is the operator-set revision of the op's semantics.
	SinceVersion int

	// Inputs and Outputs are ordered edge (tensor) names. An empty input name marks
	// an absent optional slot.
	Inputs  []string
	Outputs []string

	// Attrs holds the node's attributes.
	Attrs Attributes
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s[%s](%s) -> (%s)", n.Name, n.qualifiedOpType(),
		strings.Join(n.Inputs, ", "), strings.Join(n.Outputs, ", "))
}

func (n *Node) qualifiedOpType() string {
	if n.Domain == "" {
		return n.OpType
	}
	return n.Domain + "." + n.OpType
}

// Clone returns a deep copy of the node (attribute values are shared).
func (n *Node) Clone() *Node {
	return &Node{
		Name:         n.Name,
		OpType:       n.OpType,
		Domain:       n.Domain,
		SinceVersion: n.SinceVersion,
		Inputs:       slices.Clone(n.Inputs),
		Outputs:      slices.Clone(n.Outputs),
		Attrs:        n.Attrs.Clone(),
	}
}

// NodeDef is a planned-but-not-yet-materialized node: the builders accumulate NodeDefs
// while planning a backward pass, because an edge may receive contributions from several
// NodeDefs that must first be accumulated. See gradients.Builder.
type NodeDef struct {
	OpType  string
	Domain  string
	Inputs  []string
	Outputs []string
	Attrs   Attributes
}

// Def creates a NodeDef in the default domain.
func Def(opType string, inputs, outputs []string) *NodeDef {
	return &NodeDef{OpType: opType, Inputs: inputs, Outputs: outputs}
}

// InDomain sets the NodeDef's domain and returns it, for chaining.
func (def *NodeDef) InDomain(domain string) *NodeDef {
	def.Domain = domain
	return def
}

// WithAttrs sets the NodeDef's attributes and returns it, for chaining.
func (def *NodeDef) WithAttrs(attrs Attributes) *NodeDef {
	def.Attrs = attrs
	return def
}
