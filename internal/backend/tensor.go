package backend

import "fmt"

// Tensor is one named output value from a forward pass. The data lives in a
// flat slice whose Go type corresponds to the element type; half-precision
// and bfloat16 values are carried as their raw uint16 bit patterns.
type Tensor struct {
	name  string
	dtype ElementType
	shape []int64
	data  interface{}
}

// NewTensor wraps a flat data slice as a tensor after checking that the
// slice's Go type matches the declared element type.
func NewTensor(name string, dtype ElementType, shape []int64, data interface{}) (Tensor, error) {
	if !dataMatches(dtype, data) {
		return Tensor{}, fmt.Errorf("tensor %s: data %T does not carry %s elements", name, data, dtype)
	}
	return Tensor{name: name, dtype: dtype, shape: append([]int64(nil), shape...), data: data}, nil
}

// Float32Tensor wraps a float32 slice; the common case for policy outputs.
func Float32Tensor(name string, shape []int64, data []float32) Tensor {
	return Tensor{name: name, dtype: TypeFloat32, shape: append([]int64(nil), shape...), data: data}
}

func dataMatches(dtype ElementType, data interface{}) bool {
	switch dtype {
	case TypeFloat32:
		_, ok := data.([]float32)
		return ok
	case TypeFloat64:
		_, ok := data.([]float64)
		return ok
	case TypeInt8:
		_, ok := data.([]int8)
		return ok
	case TypeInt16:
		_, ok := data.([]int16)
		return ok
	case TypeInt32:
		_, ok := data.([]int32)
		return ok
	case TypeInt64:
		_, ok := data.([]int64)
		return ok
	case TypeUint8:
		_, ok := data.([]uint8)
		return ok
	case TypeUint16, TypeFloat16, TypeBFloat16:
		_, ok := data.([]uint16)
		return ok
	case TypeUint32:
		_, ok := data.([]uint32)
		return ok
	case TypeUint64:
		_, ok := data.([]uint64)
		return ok
	case TypeBool:
		_, ok := data.([]bool)
		return ok
	case TypeString:
		_, ok := data.([]string)
		return ok
	case TypeComplex64:
		_, ok := data.([]complex64)
		return ok
	case TypeComplex128:
		_, ok := data.([]complex128)
		return ok
	default:
		return false
	}
}

// Name returns the output name the runtime assigned to this tensor.
func (t Tensor) Name() string { return t.name }

// Type returns the tensor's element type.
func (t Tensor) Type() ElementType { return t.dtype }

// Shape returns a copy of the tensor's shape.
func (t Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

// Len returns the number of elements held.
func (t Tensor) Len() int {
	switch d := t.data.(type) {
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	case []int8:
		return len(d)
	case []int16:
		return len(d)
	case []int32:
		return len(d)
	case []int64:
		return len(d)
	case []uint8:
		return len(d)
	case []uint16:
		return len(d)
	case []uint32:
		return len(d)
	case []uint64:
		return len(d)
	case []bool:
		return len(d)
	case []string:
		return len(d)
	case []complex64:
		return len(d)
	case []complex128:
		return len(d)
	default:
		return 0
	}
}

// Float32s copies the elements into a fresh float32 slice. Returns
// TypeMismatchError unless the tensor actually holds float32 data.
func (t Tensor) Float32s() ([]float32, error) {
	d, ok := t.data.([]float32)
	if !ok || t.dtype != TypeFloat32 {
		return nil, &TypeMismatchError{Want: TypeFloat32, Got: t.dtype}
	}
	out := make([]float32, len(d))
	copy(out, d)
	return out, nil
}

// Float64s copies the elements as float64; type-matched access only.
func (t Tensor) Float64s() ([]float64, error) {
	d, ok := t.data.([]float64)
	if !ok || t.dtype != TypeFloat64 {
		return nil, &TypeMismatchError{Want: TypeFloat64, Got: t.dtype}
	}
	out := make([]float64, len(d))
	copy(out, d)
	return out, nil
}

// Int32s copies the elements as int32; type-matched access only.
func (t Tensor) Int32s() ([]int32, error) {
	d, ok := t.data.([]int32)
	if !ok || t.dtype != TypeInt32 {
		return nil, &TypeMismatchError{Want: TypeInt32, Got: t.dtype}
	}
	out := make([]int32, len(d))
	copy(out, d)
	return out, nil
}

// Int64s copies the elements as int64; type-matched access only.
func (t Tensor) Int64s() ([]int64, error) {
	d, ok := t.data.([]int64)
	if !ok || t.dtype != TypeInt64 {
		return nil, &TypeMismatchError{Want: TypeInt64, Got: t.dtype}
	}
	out := make([]int64, len(d))
	copy(out, d)
	return out, nil
}

// Bools copies the elements as bool; type-matched access only.
func (t Tensor) Bools() ([]bool, error) {
	d, ok := t.data.([]bool)
	if !ok || t.dtype != TypeBool {
		return nil, &TypeMismatchError{Want: TypeBool, Got: t.dtype}
	}
	out := make([]bool, len(d))
	copy(out, d)
	return out, nil
}

// Raw returns the underlying data slice without copying. Callers that need a
// type the accessors above don't cover assert on this themselves.
func (t Tensor) Raw() interface{} { return t.data }

func (t Tensor) String() string {
	return fmt.Sprintf("%s %s%v", t.name, t.dtype, t.shape)
}
