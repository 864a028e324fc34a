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

// Package optimizers extends a graph holding weights and their gradients with the
// nodes that apply an optimizer update, including the communication nodes needed for
// data-parallel training.
//
// Three builders cover the distribution strategies, selected by NameFromConfig:
//
//   - "Default": single worker, one optimizer-update node per weight.
//   - "Allreduce": multiple workers with replicated optimizer state; gradients are
//     summed across workers before each worker applies an identical update.
//   - "ZeRO": multiple workers with partitioned optimizer state; each worker updates
//     only the shard of each weight it owns and an allgather reconstructs the full
//     updated weight.
//
// The numeric semantics of the inserted optimizer operators are defined by the
// reference kernels in the kernels subpackage.
package optimizers

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/ir"
	"github.com/pkg/errors"
)

const (
	// DefaultBuilderName is the single-worker builder.
	DefaultBuilderName = "Default"
	// AllreduceBuilderName is the replicated-state data-parallel builder.
	AllreduceBuilderName = "Allreduce"
	// ZeROBuilderName is the partitioned-optimizer-state data-parallel builder.
	ZeROBuilderName = "ZeRO"
)

// NodeConfig configures the optimizer update of one weight.
type NodeConfig struct {
	// OptimizerType is the optimizer operator to instantiate: "SGDOptimizer",
	// "AdamOptimizer" or "LambOptimizer".
	OptimizerType string

	// LearningRateName is the edge feeding the learning rate. Added as a graph input
	// if it does not exist yet.
	LearningRateName string

	// Hyperparameters, stored as node attributes. Alpha and Beta are the first and
	// second moment decay rates, Lambda the weight decay, Epsilon the denominator
	// stabilizer.
	Alpha, Beta, Lambda, Epsilon float64

	// Threshold clips the LAMB trust ratio. Zero means the kernel default.
	Threshold float64

	// NoBiasCorrection disables Adam's bias correction of the moment estimates.
	NoBiasCorrection bool

	// FP16WeightName optionally names an existing reduced-precision shadow copy of
	// the weight; the optimizer node then also emits its updated version.
	FP16WeightName string
}

// LossScaleConfig configures mixed-precision loss scaling.
type LossScaleConfig struct {
	// LossScaleName is the edge feeding the scale the gradients were multiplied by;
	// the optimizer divides it back out. Empty disables loss scaling.
	LossScaleName string

	// DoUpdateName is the edge feeding the per-step do-update flag: false makes
	// every optimizer node a full identity pass-through, the soft-fail path for
	// overflow detection. Empty means the update always runs.
	DoUpdateName string
}

// GraphConfig is the run-wide optimizer-graph configuration.
type GraphConfig struct {
	// WorldRank and WorldSize identify this worker within the data-parallel group.
	WorldRank, WorldSize int

	// PartitionOptimizerState selects ZeRO-style sharding of the optimizer state
	// when WorldSize > 1.
	PartitionOptimizerState bool

	// AllReduceDType optionally overrides the dtype of the gradient allreduce
	// payload, independent of the compute precision. InvalidDType keeps the
	// gradient's own dtype.
	AllReduceDType dtypes.DType

	// LossScale configures mixed-precision loss scaling and update skipping.
	LossScale LossScaleConfig
}

// WeightGradient binds one trainable weight to its gradient edge and its per-weight
// optimizer configuration.
type WeightGradient struct {
	Weight, Gradient string
	Config           NodeConfig
}

// Outputs is the manifest of graph outputs added by a builder: the edges to fetch
// after each training step to observe the post-update state.
type Outputs struct {
	// UpdatedWeights maps each weight to the edge holding its updated value.
	UpdatedWeights map[string]string

	// UpdatedMoments maps each weight to its updated optimizer-state edges, keyed
	// "m1" and "m2". Empty for stateless optimizers.
	UpdatedMoments map[string]map[string]string

	// UpdatedSteps maps each weight to its updated step-counter edge, for
	// order-dependent optimizers.
	UpdatedSteps map[string]string

	// UpdatedFP16Weights maps each weight to its updated reduced-precision shadow,
	// when one was configured.
	UpdatedFP16Weights map[string]string
}

func newOutputs() *Outputs {
	return &Outputs{
		UpdatedWeights:     make(map[string]string),
		UpdatedMoments:     make(map[string]map[string]string),
		UpdatedSteps:       make(map[string]string),
		UpdatedFP16Weights: make(map[string]string),
	}
}

// Builder extends the graph with the optimizer subgraph for the given weights. The
// weightGradients order is the order nodes are inserted in, so construction stays
// deterministic.
type Builder interface {
	BuildOptimizerSubgraph(g *ir.Graph, weightGradients []WeightGradient, cfg *GraphConfig) (*Outputs, error)
}

var registry = map[string]Builder{}

// Register adds a builder under the given name, panicking on duplicates. The three
// standard builders register themselves; external packages may add more.
func Register(name string, builder Builder) {
	if _, found := registry[name]; found {
		Panicf("optimizer graph builder %q registered twice", name)
	}
	registry[name] = builder
}

// Get returns the named builder, or nil.
func Get(name string) Builder { return registry[name] }

// NameFromConfig selects the builder for a configuration. It is a pure function of
// the world size and the partitioning flag.
func NameFromConfig(cfg *GraphConfig) string {
	if cfg.WorldSize <= 1 {
		return DefaultBuilderName
	}
	if cfg.PartitionOptimizerState {
		return ZeROBuilderName
	}
	return AllreduceBuilderName
}

// Build selects the builder from the configuration and runs it.
func Build(g *ir.Graph, weightGradients []WeightGradient, cfg *GraphConfig) (*Outputs, error) {
	name := NameFromConfig(cfg)
	builder := Get(name)
	if builder == nil {
		return nil, errors.Errorf("no optimizer graph builder registered as %q", name)
	}
	return builder.BuildOptimizerSubgraph(g, weightGradients, cfg)
}

func init() {
	Register(DefaultBuilderName, defaultBuilder{})
	Register(AllreduceBuilderName, allreduceBuilder{})
	Register(ZeROBuilderName, zeroBuilder{})
}
