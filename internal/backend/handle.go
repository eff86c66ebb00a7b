package backend

import (
	"fmt"
	"math"
	"strings"
)

// MaxDim is the sanity ceiling for any concrete declared tensor dimension.
// No policy artifact has a legitimate axis longer than this; anything bigger
// is a corrupt or hostile file.
const MaxDim = 1_000_000

// DynamicDim marks a dimension whose size is only known at run time.
const DynamicDim = -1

// TensorSpec is the declared name, shape, and element type of one model
// input or output, captured at load time.
type TensorSpec struct {
	Name  string
	Shape []int64
	Type  ElementType
}

func (s TensorSpec) String() string {
	dims := make([]string, len(s.Shape))
	for i, d := range s.Shape {
		if d == DynamicDim {
			dims[i] = "?"
		} else {
			dims[i] = fmt.Sprintf("%d", d)
		}
	}
	return fmt.Sprintf("%s %s[%s]", s.Name, s.Type, strings.Join(dims, ","))
}

// ElementCount returns the unsigned-overflow-checked product of the concrete
// dimensions, counting dynamic dimensions as 1.
func (s TensorSpec) ElementCount() (uint64, error) {
	return CheckedElementCount(s.Shape)
}

// CheckedElementCount multiplies shape dimensions with unsigned overflow
// checking. Dynamic (-1) dimensions count as 1; zero or other negative
// dimensions are rejected.
func CheckedElementCount(shape []int64) (uint64, error) {
	count := uint64(1)
	for _, d := range shape {
		if d == DynamicDim {
			continue
		}
		if d <= 0 {
			return 0, fmt.Errorf("dimension %d is not positive", d)
		}
		ud := uint64(d)
		if count > math.MaxUint64/ud {
			return 0, fmt.Errorf("element count overflows computing %v", shape)
		}
		count *= ud
	}
	return count, nil
}

// ValidateSpec checks a declared tensor against the sanity bounds and the
// container guard: every concrete dimension must lie in [1, MaxDim], and the
// total byte size must be representable before any buffer is allocated.
func ValidateSpec(s TensorSpec) error {
	for i, d := range s.Shape {
		if d == DynamicDim {
			continue
		}
		if d <= 0 || d > MaxDim {
			return fmt.Errorf("tensor %s dimension %d is %d, want -1 or [1,%d]", s.Name, i, d, MaxDim)
		}
	}
	count, err := CheckedElementCount(s.Shape)
	if err != nil {
		return fmt.Errorf("tensor %s: %w", s.Name, err)
	}
	size := s.Type.Size()
	if size == 0 {
		size = 1
	}
	if count > math.MaxInt/uint64(size) {
		return fmt.Errorf("tensor %s element count %d exceeds maximum container size", s.Name, count)
	}
	return nil
}

// Handle is the immutable metadata captured when a backend loads a model:
// ordered input and output declarations plus the loaded flag. Written once
// before any task starts, read-only afterwards.
type Handle struct {
	Path    string
	Kind    string
	Inputs  []TensorSpec
	Outputs []TensorSpec
	Loaded  bool
}

func (h Handle) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s model %s (loaded=%v)\n", h.Kind, h.Path, h.Loaded)
	for _, in := range h.Inputs {
		fmt.Fprintf(&b, "  input  %s\n", in)
	}
	for _, out := range h.Outputs {
		fmt.Fprintf(&b, "  output %s\n", out)
	}
	return b.String()
}

// PlanInputs decides which declared input receives the observation vector
// and which receives the auxiliary step scalar: the single-element input is
// the scalar, the (exactly one) wider input is the observation. aux is -1
// when the model declares no scalar input.
func PlanInputs(inputs []TensorSpec) (obs, aux int, err error) {
	obs, aux = -1, -1
	for i, in := range inputs {
		count, cerr := in.ElementCount()
		if cerr != nil {
			return -1, -1, fmt.Errorf("input %s: %w", in.Name, cerr)
		}
		if count == 1 && !hasDynamicDim(in.Shape) {
			if aux != -1 {
				return -1, -1, fmt.Errorf("more than one scalar input (%s and %s)",
					inputs[aux].Name, in.Name)
			}
			aux = i
			continue
		}
		if obs != -1 {
			return -1, -1, fmt.Errorf("more than one observation-sized input (%s and %s)",
				inputs[obs].Name, in.Name)
		}
		obs = i
	}
	if obs == -1 {
		return -1, -1, fmt.Errorf("no observation-sized input declared")
	}
	return obs, aux, nil
}

func hasDynamicDim(shape []int64) bool {
	for _, d := range shape {
		if d == DynamicDim {
			return true
		}
	}
	return false
}
