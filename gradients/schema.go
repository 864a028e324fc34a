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
)

// GradOpSchema declares the schema of a gradient operator by reference to the forward
// operator it differentiates: arity bounds and variadic flags are stated explicitly,
// while the type constraint (and optionally the attribute set) is derived from the
// forward schema, so that gradients stay dtype-symmetric with their forward values.
//
// Build with the fluent setters and finish with Register, which derives the concrete
// ir.OpSchema (see GenGradientSchema) and registers it on ir.Schemas.
type GradOpSchema struct {
	name         string
	domain       string
	sinceVersion int

	minInputs, maxInputs   int
	minOutputs, maxOutputs int
	variadicIn             bool
	variadicOut            bool

	reference     string
	refDomain     string
	refAttributes bool
}

// GradSchema starts the declaration of a gradient operator schema in the
// TrainingDomain, version 1.
func GradSchema(name string) *GradOpSchema {
	return &GradOpSchema{name: name, domain: ir.TrainingDomain, sinceVersion: 1}
}

// InDomain overrides the schema's domain.
func (gs *GradOpSchema) InDomain(domain string) *GradOpSchema {
	gs.domain = domain
	return gs
}

// SinceVersion sets the operator-set revision.
func (gs *GradOpSchema) SinceVersion(version int) *GradOpSchema {
	gs.sinceVersion = version
	return gs
}

// NumInputs sets the allowed input arity range. max == 0 means unbounded.
func (gs *GradOpSchema) NumInputs(min, max int) *GradOpSchema {
	gs.minInputs, gs.maxInputs = min, max
	return gs
}

// NumOutputs sets the allowed output arity range. max == 0 means unbounded.
func (gs *GradOpSchema) NumOutputs(min, max int) *GradOpSchema {
	gs.minOutputs, gs.maxOutputs = min, max
	return gs
}

// VariadicInput marks the last input slot as variadic.
func (gs *GradOpSchema) VariadicInput() *GradOpSchema {
	gs.variadicIn = true
	return gs
}

// VariadicOutput marks the last output slot as variadic.
func (gs *GradOpSchema) VariadicOutput() *GradOpSchema {
	gs.variadicOut = true
	return gs
}

// Reference names the forward operator (in the default domain) whose schema the
// gradient schema is derived from.
func (gs *GradOpSchema) Reference(forwardOp string) *GradOpSchema {
	gs.reference = forwardOp
	gs.refDomain = ""
	return gs
}

// ReferenceInDomain is Reference for a forward operator outside the default domain.
func (gs *GradOpSchema) ReferenceInDomain(forwardOp, domain string) *GradOpSchema {
	gs.reference = forwardOp
	gs.refDomain = domain
	return gs
}

// ReferenceAttributes additionally imports the forward schema's attribute
// declarations into the gradient schema.
func (gs *GradOpSchema) ReferenceAttributes() *GradOpSchema {
	gs.refAttributes = true
	return gs
}

// GenGradientSchema derives the concrete operator schema.
//
// The referenced forward schema must exist (a missing reference is a programming error
// in the gradient definition and panics). If it declares exactly one type-constraint
// parameter, the gradient schema reuses it; otherwise the gradient schema falls back
// to admitting all tensor types. Input and output slots are declared generically
// ("grad_input_arg{i}" / "grad_output_arg{i}") up to the declared arity bounds, with
// the last slot variadic when so flagged: gradient operators typically consume a mix
// of forward inputs, forward outputs and upstream output-gradients, and the generic
// slots model that without naming each combination.
func (gs *GradOpSchema) GenGradientSchema() *ir.OpSchema {
	forward := ir.Schemas.GetLatest(gs.reference, gs.refDomain)
	if forward == nil {
		Panicf("gradient schema %q references forward op %q (domain %q) which has no registered schema",
			gs.name, gs.reference, gs.refDomain)
	}

	schema := ir.NewOpSchema(gs.name).
		WithDomain(gs.domain).
		WithSinceVersion(gs.sinceVersion).
		NumInputs(gs.minInputs, gs.maxInputs).
		NumOutputs(gs.minOutputs, gs.maxOutputs)

	typeParam := "T"
	if constraints := forward.TypeConstraints(); len(constraints) == 1 {
		c := constraints[0]
		typeParam = c.TypeParamStr
		schema.TypeConstraint(c.TypeParamStr, c.AllowedTypes, c.Description)
	} else {
		schema.TypeConstraint(typeParam, ir.AllTensorTypes, "All tensor types")
	}

	numIn := gs.maxInputs
	if numIn == 0 {
		numIn = gs.minInputs
	}
	for ii := 0; ii < numIn; ii++ {
		option := ir.Single
		if ii >= gs.minInputs {
			option = ir.Optional
		}
		if ii == numIn-1 && (gs.variadicIn || gs.maxInputs == 0) {
			option = ir.Variadic
		}
		schema.Input(ii, fmt.Sprintf("grad_input_arg%d", ii), typeParam, option)
	}
	numOut := gs.maxOutputs
	if numOut == 0 {
		numOut = gs.minOutputs
	}
	for ii := 0; ii < numOut; ii++ {
		option := ir.Single
		if ii >= gs.minOutputs {
			option = ir.Optional
		}
		if ii == numOut-1 && (gs.variadicOut || gs.maxOutputs == 0) {
			option = ir.Variadic
		}
		schema.Output(ii, fmt.Sprintf("grad_output_arg%d", ii), typeParam, option)
	}

	if gs.refAttributes {
		for _, attr := range forward.Attributes() {
			schema.AddAttr(attr)
		}
	}
	return schema
}

// Register derives the schema and registers it on the global ir.Schemas registry.
func (gs *GradOpSchema) Register() *ir.OpSchema {
	return ir.Schemas.Register(gs.GenGradientSchema())
}
