package backend

// ElementType identifies the element type of a tensor. The set mirrors what
// the runtimes can declare; only a few of these ever appear in policy
// artifacts, but introspection must be able to name all of them.
type ElementType int

const (
	TypeUndefined ElementType = iota
	TypeFloat32
	TypeFloat64
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeBool
	TypeString
	TypeFloat16
	TypeBFloat16
	TypeComplex64
	TypeComplex128
)

var elementTypeNames = map[ElementType]string{
	TypeUndefined:  "undefined",
	TypeFloat32:    "float32",
	TypeFloat64:    "float64",
	TypeInt8:       "int8",
	TypeInt16:      "int16",
	TypeInt32:      "int32",
	TypeInt64:      "int64",
	TypeUint8:      "uint8",
	TypeUint16:     "uint16",
	TypeUint32:     "uint32",
	TypeUint64:     "uint64",
	TypeBool:       "bool",
	TypeString:     "string",
	TypeFloat16:    "float16",
	TypeBFloat16:   "bfloat16",
	TypeComplex64:  "complex64",
	TypeComplex128: "complex128",
}

func (t ElementType) String() string {
	if name, ok := elementTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Size returns the byte width of one element, or 0 when it is variable or
// unknown (string, undefined).
func (t ElementType) Size() int {
	switch t {
	case TypeInt8, TypeUint8, TypeBool:
		return 1
	case TypeInt16, TypeUint16, TypeFloat16, TypeBFloat16:
		return 2
	case TypeFloat32, TypeInt32, TypeUint32:
		return 4
	case TypeFloat64, TypeInt64, TypeUint64, TypeComplex64:
		return 8
	case TypeComplex128:
		return 16
	default:
		return 0
	}
}
