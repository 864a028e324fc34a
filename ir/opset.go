package ir

// Builtin operator set: the forward operators the gradient builder understands, declared
// with just enough schema information (arity, type constraints, attributes) to derive
// gradient schemas and validate synthesized nodes.
//
// The default (empty) domain mirrors the standard ONNX operator set for these ops;
// synthesized training operators live in the TrainingDomain (see gradients and
// optimizers packages).

// TrainingDomain is the operator-set domain of the synthesized gradient and optimizer
// operators.
const TrainingDomain = "traingraph.training"

// CollectiveDomain is the operator-set domain of the cross-worker communication
// operators inserted by distributed optimizer builders.
const CollectiveDomain = "traingraph.collective"

var floatTensorTypes = []string{"tensor(float16)", "tensor(float)", "tensor(double)"}

func registerElementwise(name string, numInputs int) *OpSchema {
	schema := NewOpSchema(name).
		NumInputs(numInputs, numInputs).
		NumOutputs(1, 1).
		TypeConstraint("T", floatTensorTypes, "Floating point tensors")
	for ii := 0; ii < numInputs; ii++ {
		schema.Input(ii, argName("input", ii, numInputs), "T", Single)
	}
	schema.Output(0, "output", "T", Single)
	return Schemas.Register(schema)
}

func argName(prefix string, ii, total int) string {
	if total == 1 {
		return prefix
	}
	switch ii {
	case 0:
		return "A"
	case 1:
		return "B"
	}
	return prefix
}

func init() {
	for _, name := range []string{"Neg", "Exp", "Log", "Sqrt", "Sin", "Cos", "Tanh", "Erf",
		"Relu", "Sigmoid", "Identity", "Reciprocal", "Sign"} {
		registerElementwise(name, 1)
	}
	for _, name := range []string{"Add", "Sub", "Mul", "Div", "Pow"} {
		registerElementwise(name, 2)
	}

	Schemas.Register(
		NewOpSchema("Sum").
			NumInputs(1, 0). // Variadic, no upper bound.
			NumOutputs(1, 1).
			TypeConstraint("T", floatTensorTypes, "Floating point tensors").
			Input(0, "data", "T", Variadic).
			Output(0, "sum", "T", Single))

	Schemas.Register(
		NewOpSchema("Cast").
			NumInputs(1, 1).
			NumOutputs(1, 1).
			TypeConstraint("T1", AllTensorTypes, "Source tensor types").
			TypeConstraint("T2", AllTensorTypes, "Target tensor types").
			Attr("to", "Target dtype, as a dtypes.DType integer value").
			Input(0, "input", "T1", Single).
			Output(0, "output", "T2", Single))

	Schemas.Register(
		NewOpSchema("MatMul").
			NumInputs(2, 2).
			NumOutputs(1, 1).
			TypeConstraint("T", floatTensorTypes, "Floating point tensors").
			Input(0, "A", "T", Single).
			Input(1, "B", "T", Single).
			Output(0, "Y", "T", Single))

	Schemas.Register(
		NewOpSchema("Gemm").
			NumInputs(2, 3).
			NumOutputs(1, 1).
			TypeConstraint("T", floatTensorTypes, "Floating point tensors").
			Attr("alpha", "Scalar multiplier for A*B").
			Attr("beta", "Scalar multiplier for C").
			Attr("transA", "Whether A is transposed").
			Attr("transB", "Whether B is transposed").
			Input(0, "A", "T", Single).
			Input(1, "B", "T", Single).
			Input(2, "C", "T", Optional).
			Output(0, "Y", "T", Single))

	Schemas.Register(
		NewOpSchema("Reshape").
			NumInputs(2, 2).
			NumOutputs(1, 1).
			TypeConstraint("T", AllTensorTypes, "All tensor types").
			Input(0, "data", "T", Single).
			Input(1, "shape", "tensor(int64)", Single).
			Output(0, "reshaped", "T", Single))

	Schemas.Register(
		NewOpSchema("Shape").
			NumInputs(1, 1).
			NumOutputs(1, 1).
			TypeConstraint("T", AllTensorTypes, "All tensor types").
			Input(0, "data", "T", Single).
			Output(0, "shape", "tensor(int64)", Single))

	Schemas.Register(
		NewOpSchema("Expand").
			NumInputs(2, 2).
			NumOutputs(1, 1).
			TypeConstraint("T", AllTensorTypes, "All tensor types").
			Input(0, "input", "T", Single).
			Input(1, "shape", "tensor(int64)", Single).
			Output(0, "output", "T", Single))

	Schemas.Register(
		NewOpSchema("Transpose").
			NumInputs(1, 1).
			NumOutputs(1, 1).
			TypeConstraint("T", AllTensorTypes, "All tensor types").
			Attr("perm", "Permutation of the axes").
			Input(0, "data", "T", Single).
			Output(0, "transposed", "T", Single))

	for _, name := range []string{"Squeeze", "Unsqueeze"} {
		Schemas.Register(
			NewOpSchema(name).
				NumInputs(1, 1).
				NumOutputs(1, 1).
				TypeConstraint("T", AllTensorTypes, "All tensor types").
				Attr("axes", "Axes to insert or remove").
				Input(0, "data", "T", Single).
				Output(0, "output", "T", Single))
	}

	for _, name := range []string{"ReduceMean", "ReduceSum"} {
		Schemas.Register(
			NewOpSchema(name).
				NumInputs(1, 1).
				NumOutputs(1, 1).
				TypeConstraint("T", floatTensorTypes, "Floating point tensors").
				Attr("axes", "Axes to reduce; all axes when absent").
				Attr("keepdims", "Keep reduced axes with dimension 1").
				Input(0, "data", "T", Single).
				Output(0, "reduced", "T", Single))
	}

	Schemas.Register(
		NewOpSchema("Softmax").
			NumInputs(1, 1).
			NumOutputs(1, 1).
			TypeConstraint("T", floatTensorTypes, "Floating point tensors").
			Attr("axis", "Axis of the softmax normalization").
			Input(0, "input", "T", Single).
			Output(0, "output", "T", Single))

	Schemas.Register(
		NewOpSchema("Gather").
			NumInputs(2, 2).
			NumOutputs(1, 1).
			TypeConstraint("T", AllTensorTypes, "All tensor types").
			TypeConstraint("Tind", []string{"tensor(int32)", "tensor(int64)"}, "Index tensors").
			Attr("axis", "Axis to gather on").
			Input(0, "data", "T", Single).
			Input(1, "indices", "Tind", Single).
			Output(0, "output", "T", Single))

	Schemas.Register(
		NewOpSchema("Concat").
			NumInputs(1, 0). // Variadic.
			NumOutputs(1, 1).
			TypeConstraint("T", AllTensorTypes, "All tensor types").
			Attr("axis", "Axis to concatenate on").
			Input(0, "inputs", "T", Variadic).
			Output(0, "concat_result", "T", Single))

	Schemas.Register(
		NewOpSchema("Split").
			NumInputs(1, 1).
			NumOutputs(1, 0). // Variadic outputs.
			TypeConstraint("T", AllTensorTypes, "All tensor types").
			Attr("axis", "Axis to split on").
			Attr("split", "Sizes of each output along axis").
			Input(0, "input", "T", Single).
			Output(0, "outputs", "T", Variadic))

	Schemas.Register(
		NewOpSchema("Dropout").
			NumInputs(1, 1).
			NumOutputs(1, 2).
			TypeConstraint("T", floatTensorTypes, "Floating point tensors").
			Attr("ratio", "Drop probability").
			Input(0, "data", "T", Single).
			Output(0, "output", "T", Single).
			Output(1, "mask", "tensor(bool)", Optional))

	// Loss operators appended by training.Session.BuildLossFunction.
	Schemas.Register(
		NewOpSchema("MeanSquaredError").
			WithDomain(TrainingDomain).
			NumInputs(2, 2).
			NumOutputs(1, 1).
			TypeConstraint("T", floatTensorTypes, "Floating point tensors").
			Input(0, "predictions", "T", Single).
			Input(1, "labels", "T", Single).
			Output(0, "loss", "T", Single))

	Schemas.Register(
		NewOpSchema("SoftmaxCrossEntropy").
			WithDomain(TrainingDomain).
			NumInputs(2, 2).
			NumOutputs(1, 2).
			TypeConstraint("T", floatTensorTypes, "Floating point tensors").
			Input(0, "logits", "T", Single).
			Input(1, "labels", "T", Single).
			Output(0, "loss", "T", Single).
			Output(1, "probabilities", "T", Optional))
}
