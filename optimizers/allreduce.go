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

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/ir"
	"k8s.io/klog/v2"
)

// allreduceBuilder is the replicated-state data-parallel strategy: each weight's
// gradient is summed across all workers, then every worker applies the same local
// update. The allreduce node is a data dependency of the optimizer node, so reduction
// always completes before the update.
type allreduceBuilder struct{}

func (allreduceBuilder) BuildOptimizerSubgraph(g *ir.Graph, weightGradients []WeightGradient,
	cfg *GraphConfig) (out *Outputs, err error) {
	err = TryCatch[error](func() {
		if cfg.WorldSize <= 1 {
			Panicf("the Allreduce builder needs world size > 1, got %d", cfg.WorldSize)
		}
		out = newOutputs()
		for _, wg := range weightGradients {
			checkWeightGradient(g, wg)
			reduced := insertAllReduce(g, wg, cfg)
			momentShape, found := g.ShapeOf(wg.Weight)
			if !found && optimizerStateful[wg.Config.OptimizerType] {
				Panicf("weight %q needs a known shape to create optimizer state", wg.Weight)
			}
			names := addUpdateNode(g, wg, cfg, wg.Weight, reduced, wg.Weight, momentShape)
			recordOutputs(g, out, wg.Weight, names)
		}
		g.Validate()
		klog.V(1).Infof("optimizers: built allreduce updates for %d weights in graph %q (world size %d)",
			len(weightGradients), g.Name, cfg.WorldSize)
	})
	if err != nil {
		return nil, err
	}
	return
}

// insertAllReduce adds the cross-worker gradient summation for one weight and returns
// the reduced gradient's edge. When cfg.AllReduceDType differs from the gradient's
// dtype the payload is cast down for the wire and back up afterwards, so communication
// precision is configurable independently of compute precision.
func insertAllReduce(g *ir.Graph, wg WeightGradient, cfg *GraphConfig) string {
	gradShape, gradKnown := g.ShapeOf(wg.Gradient)
	payload := wg.Gradient
	recast := gradKnown && cfg.AllReduceDType != dtypes.InvalidDType &&
		cfg.AllReduceDType != gradShape.DType
	if recast {
		payload = wg.Gradient + "_reduce_cast"
		g.AddNode(&ir.Node{
			Name:         payload,
			OpType:       "Cast",
			SinceVersion: 1,
			Inputs:       []string{wg.Gradient},
			Outputs:      []string{payload},
			Attrs:        ir.Attributes{}.Set("to", int64(cfg.AllReduceDType)),
		})
	}

	reduced := wg.Gradient + "_allreduce"
	g.AddNode(&ir.Node{
		Name:         reduced,
		OpType:       "AllReduce",
		Domain:       ir.CollectiveDomain,
		SinceVersion: 1,
		Inputs:       []string{payload},
		Outputs:      []string{reduced},
		Attrs:        ir.Attributes{}.Set("world_size", int64(cfg.WorldSize)),
	})

	result := reduced
	if recast {
		result = reduced + "_cast"
		g.AddNode(&ir.Node{
			Name:         result,
			OpType:       "Cast",
			SinceVersion: 1,
			Inputs:       []string{reduced},
			Outputs:      []string{result},
			Attrs:        ir.Attributes{}.Set("to", int64(gradShape.DType)),
		})
	}
	if gradKnown {
		g.SetShape(result, gradShape)
	}
	return result
}
