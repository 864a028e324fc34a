package ir

import (
	"encoding/gob"
	"io"
	"os"
	"sort"

	"github.com/gomlx/traingraph/types/shapes"
	"github.com/gomlx/traingraph/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Graph serialization: a gob round-trip of the whole graph, used by the training
// session and the CLI. The model format is a black box to the builders; this is the
// concrete box.

func init() {
	// Concrete types carried inside Attributes (map[string]any) must be registered
	// for gob.
	gob.Register(int64(0))
	gob.Register([]int64{})
	gob.Register(float64(0))
	gob.Register([]float64{})
	gob.Register("")
	gob.Register([]string{})
	gob.Register(&tensors.Tensor{})
}

// serializedGraph mirrors Graph with only exported fields, in deterministic order.
type serializedGraph struct {
	Name             string
	Inputs, Outputs  []ArgDef
	Nodes            []*Node
	InitializerOrder []string
	Initializers     map[string]*tensors.Tensor
	ValueInfoNames   []string
	ValueInfoShapes  []shapes.Shape
}

// GobSerialize the graph in binary format.
func (g *Graph) GobSerialize(encoder *gob.Encoder) error {
	s := &serializedGraph{
		Name:             g.Name,
		Inputs:           g.inputs,
		Outputs:          g.outputs,
		Nodes:            g.nodes,
		InitializerOrder: g.initializerOrder,
		Initializers:     g.initializers,
	}
	s.ValueInfoNames = maps.Keys(g.valueInfo)
	sort.Strings(s.ValueInfoNames)
	s.ValueInfoShapes = make([]shapes.Shape, 0, len(s.ValueInfoNames))
	for _, name := range s.ValueInfoNames {
		s.ValueInfoShapes = append(s.ValueInfoShapes, g.valueInfo[name])
	}
	err := encoder.Encode(s)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize Graph %q", g.Name)
	}
	return nil
}

// GobDeserialize a Graph. Returns a new Graph or an error.
func GobDeserialize(decoder *gob.Decoder) (*Graph, error) {
	s := &serializedGraph{}
	err := decoder.Decode(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to deserialize Graph")
	}
	g := New(s.Name)
	g.inputs = s.Inputs
	g.outputs = s.Outputs
	for _, node := range s.Nodes {
		g.AddNode(node)
	}
	g.initializerOrder = s.InitializerOrder
	g.initializers = s.Initializers
	if g.initializers == nil {
		g.initializers = make(map[string]*tensors.Tensor)
	}
	for ii, name := range s.ValueInfoNames {
		g.valueInfo[name] = s.ValueInfoShapes[ii]
	}
	return g, nil
}

// Save the graph to the given file path.
func (g *Graph) Save(path string) (err error) {
	var f *os.File
	f, err = os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q to save Graph %q", path, g.Name)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close %q", path)
		}
	}()
	err = g.GobSerialize(gob.NewEncoder(f))
	if err == nil {
		klog.V(1).Infof("saved graph %q (%d nodes) to %s", g.Name, g.NumNodes(), path)
	}
	return err
}

// Load a graph from the given file path.
func Load(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q to load a Graph", path)
	}
	defer func() { _ = f.Close() }()
	return GobDeserialize(gob.NewDecoder(f))
}

// LoadFrom reads a graph from the given reader.
func LoadFrom(r io.Reader) (*Graph, error) {
	return GobDeserialize(gob.NewDecoder(r))
}
