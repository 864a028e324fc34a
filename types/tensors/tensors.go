// Package tensors implements a minimal dense host tensor: a flat data slice paired with
// a shapes.Shape.
//
// It backs graph initializers (ir package) and the reference optimizer kernels
// (optimizers/kernels package). It is not an execution buffer: the executor that runs
// the constructed graphs owns its own tensor representation.
//
// Float16 values are stored as github.com/x448/float16 values; conversions for
// mixed-precision math go through float64.
package tensors

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/traingraph/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a dense host tensor: a shape and the corresponding flat data, stored
// in row-major order.
//
// The flat data is one of []float16.Float16, []float32, []float64, []int32, []int64
// or []bool, matching the shape's DType.
type Tensor struct {
	shape shapes.Shape
	flat  any
}

// Supported returns whether dtype has a host storage implementation in this package.
func Supported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64, dtypes.Bool:
		return true
	}
	return false
}

func newFlat(shape shapes.Shape) any {
	size := shape.Size()
	switch shape.DType {
	case dtypes.Float16:
		return make([]float16.Float16, size)
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	case dtypes.Int32:
		return make([]int32, size)
	case dtypes.Int64:
		return make([]int64, size)
	case dtypes.Bool:
		return make([]bool, size)
	}
	exceptions.Panicf("tensors: dtype %s not supported for host tensors", shape.DType)
	return nil
}

// FromShape creates a zero-initialized tensor with the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape")
	}
	return &Tensor{shape: shape, flat: newFlat(shape)}
}

// FromFlatAndDimensions creates a tensor from a flat slice and dimensions. The flat
// length must match the product of the dimensions.
func FromFlatAndDimensions[T float16.Float16 | float32 | float64 | int32 | int64 | bool](flat []T, dimensions ...int) *Tensor {
	var t T
	dtype := dtypeForValue(t)
	shape := shapes.Make(dtype, dimensions...)
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatAndDimensions: flat has %d values, shape %s requires %d",
			len(flat), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(flat)}
}

// FromScalar creates a scalar (rank-0) tensor holding the given value.
func FromScalar[T float16.Float16 | float32 | float64 | int32 | int64 | bool](value T) *Tensor {
	var zero T
	shape := shapes.Shape{DType: dtypeForValue(zero)}
	return &Tensor{shape: shape, flat: []T{value}}
}

func dtypeForValue(v any) dtypes.DType {
	switch v.(type) {
	case float16.Float16:
		return dtypes.Float16
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case bool:
		return dtypes.Bool
	}
	exceptions.Panicf("tensors: Go type %T not supported for host tensors", v)
	return dtypes.InvalidDType
}

// Ones creates a tensor with every element set to one. Only floating point and
// integer dtypes are supported.
func Ones(shape shapes.Shape) *Tensor {
	t := FromShape(shape)
	switch flat := t.flat.(type) {
	case []float16.Float16:
		one := float16.Fromfloat32(1)
		for ii := range flat {
			flat[ii] = one
		}
	case []float32:
		for ii := range flat {
			flat[ii] = 1
		}
	case []float64:
		for ii := range flat {
			flat[ii] = 1
		}
	case []int32:
		for ii := range flat {
			flat[ii] = 1
		}
	case []int64:
		for ii := range flat {
			flat[ii] = 1
		}
	default:
		exceptions.Panicf("tensors.Ones: dtype %s not supported", shape.DType)
	}
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements stored.
func (t *Tensor) Size() int { return t.shape.Size() }

// IsScalar returns whether the tensor holds a single value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// String pretty-prints shape and, for small tensors, the values.
func (t *Tensor) String() string {
	if t.Size() <= 8 {
		return fmt.Sprintf("%s: %v", t.shape, t.flat)
	}
	return fmt.Sprintf("%s: (%d values)", t.shape, t.Size())
}

// Flat returns the flat data slice of the tensor, asserting it stores values of type T.
// The returned slice is aliased to the tensor storage, writes are reflected in the tensor.
func Flat[T float16.Float16 | float32 | float64 | int32 | int64 | bool](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.Flat[%T]: tensor holds %s values", flat, t.shape.DType)
	}
	return flat
}

// ToFloat64s converts the tensor contents to a []float64, whatever the storage dtype.
// Bool tensors convert to 0/1.
func (t *Tensor) ToFloat64s() []float64 {
	out := make([]float64, t.Size())
	switch flat := t.flat.(type) {
	case []float16.Float16:
		for ii, v := range flat {
			out[ii] = float64(v.Float32())
		}
	case []float32:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []float64:
		copy(out, flat)
	case []int32:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []int64:
		for ii, v := range flat {
			out[ii] = float64(v)
		}
	case []bool:
		for ii, v := range flat {
			if v {
				out[ii] = 1
			}
		}
	}
	return out
}

// FromFloat64s creates a tensor of the given dtype and dimensions from float64 values,
// rounding/truncating as needed for the storage type.
func FromFloat64s(dtype dtypes.DType, values []float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dtype, dimensions...)
	if len(values) != shape.Size() {
		exceptions.Panicf("tensors.FromFloat64s: %d values for shape %s (needs %d)",
			len(values), shape, shape.Size())
	}
	t := FromShape(shape)
	switch flat := t.flat.(type) {
	case []float16.Float16:
		for ii, v := range values {
			flat[ii] = float16.Fromfloat32(float32(v))
		}
	case []float32:
		for ii, v := range values {
			flat[ii] = float32(v)
		}
	case []float64:
		copy(flat, values)
	case []int32:
		for ii, v := range values {
			flat[ii] = int32(v)
		}
	case []int64:
		for ii, v := range values {
			flat[ii] = int64(v)
		}
	case []bool:
		for ii, v := range values {
			flat[ii] = v != 0
		}
	}
	return t
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{shape: t.shape.Clone()}
	switch flat := t.flat.(type) {
	case []float16.Float16:
		c.flat = slices.Clone(flat)
	case []float32:
		c.flat = slices.Clone(flat)
	case []float64:
		c.flat = slices.Clone(flat)
	case []int32:
		c.flat = slices.Clone(flat)
	case []int64:
		c.flat = slices.Clone(flat)
	case []bool:
		c.flat = slices.Clone(flat)
	}
	return c
}

// Equal returns whether t and t2 have the same shape and bit-identical contents.
func (t *Tensor) Equal(t2 *Tensor) bool {
	if !t.shape.Equal(t2.shape) {
		return false
	}
	switch flat := t.flat.(type) {
	case []float16.Float16:
		return slices.Equal(flat, t2.flat.([]float16.Float16))
	case []float32:
		return slices.Equal(flat, t2.flat.([]float32))
	case []float64:
		return slices.Equal(flat, t2.flat.([]float64))
	case []int32:
		return slices.Equal(flat, t2.flat.([]int32))
	case []int64:
		return slices.Equal(flat, t2.flat.([]int64))
	case []bool:
		return slices.Equal(flat, t2.flat.([]bool))
	}
	return false
}

// GobEncode implements gob.GobEncoder, so tensors can be embedded in larger gob-encoded
// structures (e.g. graph attributes).
func (t *Tensor) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)
	if err := t.GobSerialize(encoder); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (t *Tensor) GobDecode(data []byte) error {
	decoder := gob.NewDecoder(bytes.NewReader(data))
	decoded, err := GobDeserialize(decoder)
	if err != nil {
		return err
	}
	*t = *decoded
	return nil
}

// GobSerialize the tensor in binary format.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) (err error) {
	err = t.shape.GobSerialize(encoder)
	if err != nil {
		return
	}
	err = encoder.Encode(&t.flat)
	if err != nil {
		err = errors.Wrapf(err, "failed to serialize Tensor %s", t.shape)
	}
	return
}

// GobDeserialize a Tensor. Returns new Tensor or an error.
func GobDeserialize(decoder *gob.Decoder) (t *Tensor, err error) {
	t = &Tensor{}
	t.shape, err = shapes.GobDeserialize(decoder)
	if err != nil {
		return
	}
	err = decoder.Decode(&t.flat)
	if err != nil {
		err = errors.Wrapf(err, "failed to deserialize Tensor")
	}
	return
}

func init() {
	gob.Register([]float16.Float16{})
	gob.Register([]float32{})
	gob.Register([]float64{})
	gob.Register([]int32{})
	gob.Register([]int64{})
	gob.Register([]bool{})
}
