package ir

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// ParameterOption describes how an input/output slot of an operator may be bound.
type ParameterOption int

const (
	// Single slots must be bound to an edge.
	Single ParameterOption = iota
	// Optional slots may be left unbound (empty edge name).
	Optional
	// Variadic slots accept one or more trailing edges.
	Variadic
)

// String implements fmt.Stringer.
func (p ParameterOption) String() string {
	switch p {
	case Single:
		return "Single"
	case Optional:
		return "Optional"
	case Variadic:
		return "Variadic"
	}
	return fmt.Sprintf("ParameterOption(%d)", int(p))
}

// FormalParameter declares one input or output slot of an operator schema.
type FormalParameter struct {
	Name    string
	TypeStr string // A type-constraint parameter name (e.g. "T") or a concrete type string.
	Option  ParameterOption
}

// TypeConstraintParam declares a named type constraint (e.g. "T") and the type strings
// it admits.
type TypeConstraintParam struct {
	TypeParamStr string
	AllowedTypes []string
	Description  string
}

// AttrDef declares an attribute accepted by an operator schema.
type AttrDef struct {
	Name        string
	Description string
}

// AliasPair is an in-place update hint: the executor may write output slot Output into
// the buffer of input slot Input. It is an optimization hint, not a correctness
// requirement.
type AliasPair struct {
	Input, Output int
}

// AllTensorTypes is the fallback allowed-type list for derived gradient schemas whose
// forward schema has no single type constraint to mirror.
var AllTensorTypes = []string{
	"tensor(float16)", "tensor(float)", "tensor(double)",
	"tensor(int32)", "tensor(int64)", "tensor(bool)",
}

// OpSchema is the declarative description of an operator: arity bounds, input/output
// slots, type constraints, accepted attributes and in-place alias hints.
type OpSchema struct {
	Name         string
	Domain       string
	SinceVersion int

	MinInputs, MaxInputs   int
	MinOutputs, MaxOutputs int

	inputs          []FormalParameter
	outputs         []FormalParameter
	typeConstraints []TypeConstraintParam
	attributes      []AttrDef
	aliases         []AliasPair
}

// NewOpSchema creates a schema for the op in the default domain, version 1.
func NewOpSchema(name string) *OpSchema {
	return &OpSchema{Name: name, SinceVersion: 1}
}

// WithDomain sets the schema's domain.
func (s *OpSchema) WithDomain(domain string) *OpSchema {
	s.Domain = domain
	return s
}

// WithSinceVersion sets the operator-set revision this schema describes.
func (s *OpSchema) WithSinceVersion(version int) *OpSchema {
	s.SinceVersion = version
	return s
}

// NumInputs sets the allowed input arity range.
func (s *OpSchema) NumInputs(min, max int) *OpSchema {
	s.MinInputs, s.MaxInputs = min, max
	return s
}

// NumOutputs sets the allowed output arity range.
func (s *OpSchema) NumOutputs(min, max int) *OpSchema {
	s.MinOutputs, s.MaxOutputs = min, max
	return s
}

// Input declares input slot n. Slots must be declared in non-decreasing index order
// with no gaps; redefinition of an already-declared slot index panics.
func (s *OpSchema) Input(n int, name, typeStr string, option ParameterOption) *OpSchema {
	if n != len(s.inputs) {
		Panicf("invalid declaration of input %d for OpSchema %q: %d slots declared so far, "+
			"slots must be declared in order with no gaps", n, s.Name, len(s.inputs))
	}
	s.inputs = append(s.inputs, FormalParameter{Name: name, TypeStr: typeStr, Option: option})
	return s
}

// Output declares output slot n. Same ordering rules as Input.
func (s *OpSchema) Output(n int, name, typeStr string, option ParameterOption) *OpSchema {
	if n != len(s.outputs) {
		Panicf("invalid declaration of output %d for OpSchema %q: %d slots declared so far, "+
			"slots must be declared in order with no gaps", n, s.Name, len(s.outputs))
	}
	s.outputs = append(s.outputs, FormalParameter{Name: name, TypeStr: typeStr, Option: option})
	return s
}

// Inputs returns the declared input slots.
func (s *OpSchema) Inputs() []FormalParameter { return s.inputs }

// Outputs returns the declared output slots.
func (s *OpSchema) Outputs() []FormalParameter { return s.outputs }

// TypeConstraint declares a named type constraint.
func (s *OpSchema) TypeConstraint(typeParamStr string, allowedTypes []string, description string) *OpSchema {
	s.typeConstraints = append(s.typeConstraints, TypeConstraintParam{
		TypeParamStr: typeParamStr,
		AllowedTypes: allowedTypes,
		Description:  description,
	})
	return s
}

// TypeConstraints returns the declared type constraints.
func (s *OpSchema) TypeConstraints() []TypeConstraintParam { return s.typeConstraints }

// Attr declares an attribute accepted by the op.
func (s *OpSchema) Attr(name, description string) *OpSchema {
	s.attributes = append(s.attributes, AttrDef{Name: name, Description: description})
	return s
}

// AddAttr declares an attribute from an existing AttrDef (used by attribute copy
// during schema derivation).
func (s *OpSchema) AddAttr(attr AttrDef) *OpSchema {
	s.attributes = append(s.attributes, attr)
	return s
}

// Attributes returns the declared attributes.
func (s *OpSchema) Attributes() []AttrDef { return s.attributes }

// HasAttr returns whether the schema declares the named attribute.
func (s *OpSchema) HasAttr(name string) bool {
	for _, attr := range s.attributes {
		if attr.Name == name {
			return true
		}
	}
	return false
}

// Alias declares that output slot output may be written in place over input slot input.
func (s *OpSchema) Alias(input, output int) *OpSchema {
	s.aliases = append(s.aliases, AliasPair{Input: input, Output: output})
	return s
}

// Aliases returns the in-place update hints.
func (s *OpSchema) Aliases() []AliasPair { return s.aliases }

// CheckNode validates the node's arity against the schema. It panics on violation.
// Attributes not declared by the schema are logged, not rejected: executors are free
// to ignore them.
func (s *OpSchema) CheckNode(node *Node) {
	numInputs := len(node.Inputs)
	if numInputs < s.MinInputs || (s.MaxInputs > 0 && numInputs > s.MaxInputs) {
		Panicf("node %s has %d inputs, op %q accepts [%d, %d]",
			node, numInputs, s.Name, s.MinInputs, s.MaxInputs)
	}
	numOutputs := len(node.Outputs)
	if numOutputs < s.MinOutputs || (s.MaxOutputs > 0 && numOutputs > s.MaxOutputs) {
		Panicf("node %s has %d outputs, op %q accepts [%d, %d]",
			node, numOutputs, s.Name, s.MinOutputs, s.MaxOutputs)
	}
	if klog.V(2).Enabled() {
		for name := range node.Attrs {
			if !s.HasAttr(name) {
				klog.V(2).Infof("node %s carries attribute %q not declared by op schema %q",
					node, name, s.Name)
			}
		}
	}
}

type schemaKey struct {
	domain string
	name   string
}

// SchemaRegistry maps (domain, op type) to the OpSchema revisions registered for it.
type SchemaRegistry struct {
	schemas map[schemaKey][]*OpSchema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[schemaKey][]*OpSchema)}
}

// Register adds the schema. Registering the same (domain, name, version) twice panics.
func (r *SchemaRegistry) Register(schema *OpSchema) *OpSchema {
	key := schemaKey{domain: schema.Domain, name: schema.Name}
	for _, existing := range r.schemas[key] {
		if existing.SinceVersion == schema.SinceVersion {
			Panicf("op schema %q (domain %q) version %d registered twice",
				schema.Name, schema.Domain, schema.SinceVersion)
		}
	}
	r.schemas[key] = append(r.schemas[key], schema)
	return schema
}

// GetSchema returns the highest-versioned schema for the op with SinceVersion <=
// maxVersion, or nil if none is registered.
func (r *SchemaRegistry) GetSchema(name, domain string, maxVersion int) *OpSchema {
	var best *OpSchema
	for _, schema := range r.schemas[schemaKey{domain: domain, name: name}] {
		if schema.SinceVersion > maxVersion {
			continue
		}
		if best == nil || schema.SinceVersion > best.SinceVersion {
			best = schema
		}
	}
	return best
}

// GetLatest returns the highest-versioned schema for the op, or nil.
func (r *SchemaRegistry) GetLatest(name, domain string) *OpSchema {
	return r.GetSchema(name, domain, int(^uint(0)>>1))
}

// Schemas is the process-wide operator schema registry. The builtin operator set is
// registered by this package's init; the gradients and optimizers packages register
// their synthesized-op schemas on theirs.
var Schemas = NewSchemaRegistry()
