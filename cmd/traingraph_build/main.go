// traingraph_build reads a serialized forward graph, appends a loss function, the
// gradient graph and the optimizer graph, and writes the resulting training graph
// back out along with a report of the outputs to fetch each step.
//
// Example:
//
//	traingraph_build -in forward.bin -out training.bin \
//	    -loss MeanSquaredError -predictions output -labels labels \
//	    -optimizer AdamOptimizer -lr learning_rate
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/ir"
	"github.com/gomlx/traingraph/optimizers"
	"github.com/gomlx/traingraph/training"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagIn  = flag.String("in", "", "Path of the serialized forward graph to read.")
	flagOut = flag.String("out", "", "Path to write the training graph to.")

	flagLoss = flag.String("loss", "", "Loss operator to append: MeanSquaredError or "+
		"SoftmaxCrossEntropy. Leave empty when the graph already computes a loss (see -loss_name).")
	flagLossName    = flag.String("loss_name", "loss", "Edge holding the loss value.")
	flagPredictions = flag.String("predictions", "", "Edge feeding the loss operator's first input, "+
		"usually the model's prediction output. Required with -loss.")
	flagLabels = flag.String("labels", "labels", "Edge feeding the loss operator's labels; added "+
		"as a graph input when it does not exist.")

	flagWeights = flag.String("weights", "", "Comma-separated list of trainable weights. Empty "+
		"trains every floating-point initializer not listed in -exclude.")
	flagExclude = flag.String("exclude", "", "Comma-separated list of initializers to exclude "+
		"from training. Mutually exclusive with -weights.")

	flagOptimizer = flag.String("optimizer", "SGDOptimizer",
		"Optimizer operator: SGDOptimizer, AdamOptimizer or LambOptimizer.")
	flagLR      = flag.String("lr", "learning_rate", "Edge feeding the learning rate.")
	flagAlpha   = flag.Float64("alpha", 0.9, "First moment decay rate (Adam, LAMB).")
	flagBeta    = flag.Float64("beta", 0.999, "Second moment decay rate (Adam, LAMB).")
	flagLambda  = flag.Float64("lambda", 0, "Weight decay (Adam, LAMB).")
	flagEpsilon = flag.Float64("epsilon", 1e-8, "Denominator stabilizer (Adam, LAMB).")

	flagWorldSize = flag.Int("world_size", 1, "Number of data-parallel workers.")
	flagWorldRank = flag.Int("world_rank", 0, "This worker's rank, in [0, world_size).")
	flagPartition = flag.Bool("partition", false,
		"Partition the optimizer state across workers (ZeRO) instead of replicating it.")
	flagAllReduceDType = flag.String("allreduce_dtype", "",
		"Override the dtype of the gradient allreduce payload, e.g. float16. Empty keeps the gradient dtype.")

	flagLossScale = flag.String("loss_scale", "", "Edge feeding the loss scale for mixed-precision "+
		"training. Empty disables loss scaling.")
	flagDoUpdate = flag.String("do_update", "", "Edge feeding the per-step do-update flag, used to "+
		"skip steps on gradient overflow. Empty always updates.")
)

func main() {
	flag.Parse()
	if *flagIn == "" || *flagOut == "" {
		klog.Errorf("Both -in and -out are required. See 'traingraph_build -help'.")
		os.Exit(1)
	}

	session := must.M1(training.Load(*flagIn))
	g := session.Graph()
	fmt.Printf("Loaded graph %q: %s nodes, %s initializers (%s)\n",
		g.Name, humanize.Comma(int64(g.NumNodes())),
		humanize.Comma(int64(len(g.InitializerNames()))), humanize.IBytes(initializerBytes(g)))

	if *flagLoss != "" {
		if *flagPredictions == "" {
			klog.Errorf("-loss requires -predictions. See 'traingraph_build -help'.")
			os.Exit(1)
		}
		must.M(session.BuildLossFunction(training.LossFuncInfo{
			OpType:   *flagLoss,
			Inputs:   []string{*flagPredictions, *flagLabels},
			LossName: *flagLossName,
		}))
	}

	gradientNames := must.M1(session.BuildGradientGraph(
		splitList(*flagWeights), splitList(*flagExclude), *flagLossName))
	fmt.Printf("Gradient graph: %s weights, graph now has %s nodes\n",
		humanize.Comma(int64(len(gradientNames))), humanize.Comma(int64(g.NumNodes())))

	cfg := &optimizers.GraphConfig{
		WorldRank:               *flagWorldRank,
		WorldSize:               *flagWorldSize,
		PartitionOptimizerState: *flagPartition,
		LossScale: optimizers.LossScaleConfig{
			LossScaleName: *flagLossScale,
			DoUpdateName:  *flagDoUpdate,
		},
	}
	if *flagAllReduceDType != "" {
		cfg.AllReduceDType = must.M1(dtypes.DTypeString(*flagAllReduceDType))
	}
	nodeConfig := optimizers.NodeConfig{
		OptimizerType:    *flagOptimizer,
		LearningRateName: *flagLR,
		Alpha:            *flagAlpha,
		Beta:             *flagBeta,
		Lambda:           *flagLambda,
		Epsilon:          *flagEpsilon,
	}
	out := must.M1(session.BuildOptimizerGraph(nodeConfig, cfg))
	fmt.Printf("Optimizer graph (%s): graph now has %s nodes\n",
		optimizers.NameFromConfig(cfg), humanize.Comma(int64(g.NumNodes())))

	must.M(session.Save(*flagOut))
	fmt.Printf("Wrote %q\n", *flagOut)
	report(session, out)
}

// splitList parses a comma-separated flag value, mapping "" to nil so the
// weights/exclude distinction survives.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for ii, part := range parts {
		parts[ii] = strings.TrimSpace(part)
	}
	return parts
}

func initializerBytes(g *ir.Graph) (total uint64) {
	for _, name := range g.InitializerNames() {
		total += uint64(g.Initializer(name).Shape().Memory())
	}
	return
}

// report prints the manifest: which graph outputs the training loop should fetch.
func report(session *training.Session, out *optimizers.Outputs) {
	manifest := session.Manifest()
	fmt.Println("\nOutputs to fetch each training step:")
	fmt.Printf("  loss: %s\n", manifest.Loss)
	weights := make([]string, 0, len(out.UpdatedWeights))
	for weight := range out.UpdatedWeights {
		weights = append(weights, weight)
	}
	sort.Strings(weights)
	for _, weight := range weights {
		line := fmt.Sprintf("  %s -> %s", weight, out.UpdatedWeights[weight])
		if step, found := out.UpdatedSteps[weight]; found {
			line += fmt.Sprintf(" (step: %s)", step)
		}
		fmt.Println(line)
	}
}
