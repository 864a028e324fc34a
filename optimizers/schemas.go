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

// Schemas of the optimizer-update and collective-communication operators. The alias
// declarations mark each updated output as an in-place candidate for the state input
// it replaces; executors are free to ignore them.

import (
	"github.com/gomlx/traingraph/ir"
)

var (
	floatTypes = []string{"tensor(float16)", "tensor(float)", "tensor(double)"}

	// optimizerStateful records whether an optimizer operator carries moment state,
	// and optimizerStepped whether it is order-dependent (consumes a step counter).
	optimizerStateful = map[string]bool{
		"SGDOptimizer":  false,
		"AdamOptimizer": true,
		"LambOptimizer": true,
	}
	optimizerStepped = map[string]bool{
		"SGDOptimizer":  false,
		"AdamOptimizer": true,
		"LambOptimizer": false,
	}
)

func init() {
	ir.Schemas.Register(
		ir.NewOpSchema("SGDOptimizer").
			WithDomain(ir.TrainingDomain).
			NumInputs(3, 5).
			NumOutputs(1, 1).
			TypeConstraint("T", floatTypes, "Floating point tensors").
			Input(0, "learning_rate", "T", ir.Single).
			Input(1, "weights", "T", ir.Single).
			Input(2, "gradient", "T", ir.Single).
			Input(3, "loss_scale", "T", ir.Optional).
			Input(4, "do_update", "tensor(bool)", ir.Optional).
			Output(0, "updated_weights", "T", ir.Single).
			Alias(1, 0))

	ir.Schemas.Register(
		ir.NewOpSchema("AdamOptimizer").
			WithDomain(ir.TrainingDomain).
			NumInputs(6, 9).
			NumOutputs(4, 5).
			TypeConstraint("T", floatTypes, "Floating point tensors").
			Attr("alpha", "First moment decay rate").
			Attr("beta", "Second moment decay rate").
			Attr("lambda", "Weight decay").
			Attr("epsilon", "Denominator stabilizer").
			Attr("do_bias_correction", "Correct the moment estimates for initialization bias").
			Input(0, "learning_rate", "T", ir.Single).
			Input(1, "step_count", "tensor(int64)", ir.Single).
			Input(2, "weights", "T", ir.Single).
			Input(3, "gradient", "T", ir.Single).
			Input(4, "moment_1", "T", ir.Single).
			Input(5, "moment_2", "T", ir.Single).
			Input(6, "loss_scale", "T", ir.Optional).
			Input(7, "fp16_weights", "tensor(float16)", ir.Optional).
			Input(8, "do_update", "tensor(bool)", ir.Optional).
			Output(0, "updated_weights", "T", ir.Single).
			Output(1, "updated_moment_1", "T", ir.Single).
			Output(2, "updated_moment_2", "T", ir.Single).
			Output(3, "updated_step_count", "tensor(int64)", ir.Single).
			Output(4, "updated_fp16_weights", "tensor(float16)", ir.Optional).
			Alias(2, 0).Alias(4, 1).Alias(5, 2).Alias(1, 3).Alias(7, 4))

	ir.Schemas.Register(
		ir.NewOpSchema("LambOptimizer").
			WithDomain(ir.TrainingDomain).
			NumInputs(5, 8).
			NumOutputs(3, 4).
			TypeConstraint("T", floatTypes, "Floating point tensors").
			Attr("alpha", "First moment decay rate").
			Attr("beta", "Second moment decay rate").
			Attr("lambda", "Weight decay").
			Attr("epsilon", "Denominator stabilizer").
			Attr("threshold", "Trust ratio clipping threshold").
			Input(0, "learning_rate", "T", ir.Single).
			Input(1, "weights", "T", ir.Single).
			Input(2, "gradient", "T", ir.Single).
			Input(3, "moment_1", "T", ir.Single).
			Input(4, "moment_2", "T", ir.Single).
			Input(5, "loss_scale", "T", ir.Optional).
			Input(6, "fp16_weights", "tensor(float16)", ir.Optional).
			Input(7, "do_update", "tensor(bool)", ir.Optional).
			Output(0, "updated_weights", "T", ir.Single).
			Output(1, "updated_moment_1", "T", ir.Single).
			Output(2, "updated_moment_2", "T", ir.Single).
			Output(3, "updated_fp16_weights", "tensor(float16)", ir.Optional).
			Alias(1, 0).Alias(3, 1).Alias(4, 2).Alias(6, 3))

	ir.Schemas.Register(
		ir.NewOpSchema("GradientAccumulator").
			WithDomain(ir.TrainingDomain).
			NumInputs(2, 2).
			NumOutputs(1, 1).
			TypeConstraint("T", floatTypes, "Floating point tensors").
			Input(0, "buffer", "T", ir.Single).
			Input(1, "gradient", "T", ir.Single).
			Output(0, "accumulated", "T", ir.Single).
			Alias(0, 0))

	// Collective communication. Rank and world size are attributes rather than
	// runtime inputs: each worker builds its own copy of the graph.
	ir.Schemas.Register(
		ir.NewOpSchema("AllReduce").
			WithDomain(ir.CollectiveDomain).
			NumInputs(1, 1).
			NumOutputs(1, 1).
			TypeConstraint("T", floatTypes, "Floating point tensors").
			Attr("world_size", "Number of participating workers").
			Input(0, "tensor", "T", ir.Single).
			Output(0, "reduced", "T", ir.Single))

	ir.Schemas.Register(
		ir.NewOpSchema("ReduceScatter").
			WithDomain(ir.CollectiveDomain).
			NumInputs(1, 1).
			NumOutputs(1, 1).
			TypeConstraint("T", floatTypes, "Floating point tensors").
			Attr("world_size", "Number of participating workers").
			Attr("rank", "This worker's rank, selecting the shard it receives").
			Input(0, "tensor", "T", ir.Single).
			Output(0, "shard", "T", ir.Single))

	ir.Schemas.Register(
		ir.NewOpSchema("AllGather").
			WithDomain(ir.CollectiveDomain).
			NumInputs(1, 1).
			NumOutputs(1, 1).
			TypeConstraint("T", floatTypes, "Floating point tensors").
			Attr("world_size", "Number of participating workers").
			Attr("rank", "This worker's rank").
			Attr("shape", "Dimensions of the reassembled tensor").
			Input(0, "shard", "T", ir.Single).
			Output(0, "gathered", "T", ir.Single))

	// ShardSlice is the local view of a worker's shard of a full tensor, used by the
	// ZeRO builder to feed the optimizer only the elements this rank owns.
	ir.Schemas.Register(
		ir.NewOpSchema("ShardSlice").
			WithDomain(ir.TrainingDomain).
			NumInputs(1, 1).
			NumOutputs(1, 1).
			TypeConstraint("T", floatTypes, "Floating point tensors").
			Attr("world_size", "Number of shards the tensor is split into").
			Attr("rank", "The shard to produce").
			Input(0, "tensor", "T", ir.Single).
			Output(0, "shard", "T", ir.Single))
}
