package onnx

import (
	"errors"
	"testing"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/stride-robotics/gaitd/internal/backend"
)

func TestResolveShape(t *testing.T) {
	tests := []struct {
		name     string
		declared []int64
		n        int
		want     []int64
		wantErr  bool
	}{
		{"concrete", []int64{1, 380}, 380, []int64{1, 380}, false},
		{"dynamic batch", []int64{-1, 76}, 76, []int64{1, 76}, false},
		{"dynamic absorbs", []int64{-1, 76}, 380, []int64{5, 76}, false},
		{"two dynamic", []int64{-1, -1}, 7, []int64{7, 1}, false},
		{"rank zero", []int64{}, 1, []int64{}, false},
		{"concrete mismatch", []int64{1, 380}, 76, nil, true},
		{"indivisible", []int64{2, -1}, 7, nil, true},
		{"rank zero mismatch", []int64{}, 5, nil, true},
	}
	for _, tt := range tests {
		got, err := resolveShape(tt.declared, tt.n)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: resolveShape(%v, %d) = %v, want error", tt.name, tt.declared, tt.n, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: resolveShape(%v, %d): %v", tt.name, tt.declared, tt.n, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
				break
			}
		}
	}
}

func TestElementTypeMapping(t *testing.T) {
	tests := []struct {
		ort  ort.TensorElementDataType
		want backend.ElementType
	}{
		{ort.TensorElementDataTypeFloat, backend.TypeFloat32},
		{ort.TensorElementDataTypeDouble, backend.TypeFloat64},
		{ort.TensorElementDataTypeInt64, backend.TypeInt64},
		{ort.TensorElementDataTypeUint8, backend.TypeUint8},
		{ort.TensorElementDataTypeBool, backend.TypeBool},
		{ort.TensorElementDataTypeBFloat16, backend.TypeBFloat16},
		{ort.TensorElementDataTypeUndefined, backend.TypeUndefined},
	}
	for _, tt := range tests {
		if got := elementType(tt.ort); got != tt.want {
			t.Errorf("elementType(%v) = %v, want %v", tt.ort, got, tt.want)
		}
	}
}

func TestConvertSpecs(t *testing.T) {
	infos := []ort.InputOutputInfo{
		{
			Name:         "obs",
			OrtValueType: ort.ONNXTypeTensor,
			Dimensions:   ort.NewShape(1, 380),
			DataType:     ort.TensorElementDataTypeFloat,
		},
		{
			Name:         "time_step",
			OrtValueType: ort.ONNXTypeTensor,
			Dimensions:   ort.NewShape(1, 1),
			DataType:     ort.TensorElementDataTypeFloat,
		},
	}
	specs, err := convertSpecs(infos)
	if err != nil {
		t.Fatalf("convertSpecs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if specs[0].Name != "obs" || specs[0].Type != backend.TypeFloat32 {
		t.Errorf("spec[0] = %v", specs[0])
	}
	if len(specs[0].Shape) != 2 || specs[0].Shape[1] != 380 {
		t.Errorf("spec[0].Shape = %v, want [1 380]", specs[0].Shape)
	}

	// The copied shape must not alias the ort-owned one.
	infos[0].Dimensions[1] = 999
	if specs[0].Shape[1] != 380 {
		t.Errorf("spec shape aliases the source: %v", specs[0].Shape)
	}

	obs, aux, err := backend.PlanInputs(specs)
	if err != nil {
		t.Fatalf("PlanInputs: %v", err)
	}
	if obs != 0 || aux != 1 {
		t.Errorf("PlanInputs = (%d, %d), want (0, 1)", obs, aux)
	}
}

func TestConvertSpecsRejectsNonTensor(t *testing.T) {
	// Zero OrtValueType is ONNXTypeUnknown.
	infos := []ort.InputOutputInfo{{
		Name:       "seq",
		Dimensions: ort.NewShape(1),
		DataType:   ort.TensorElementDataTypeFloat,
	}}
	if _, err := convertSpecs(infos); err == nil {
		t.Error("convertSpecs accepted a non-tensor value")
	}
}

func TestConvertSpecsRejectsBadDims(t *testing.T) {
	infos := []ort.InputOutputInfo{{
		Name:         "obs",
		OrtValueType: ort.ONNXTypeTensor,
		Dimensions:   ort.NewShape(0, 3),
		DataType:     ort.TensorElementDataTypeFloat,
	}}
	if _, err := convertSpecs(infos); err == nil {
		t.Error("convertSpecs accepted a zero dimension")
	}
}

func TestUnloadedEngine(t *testing.T) {
	e := New(Config{})
	if e.Loaded() {
		t.Fatal("new engine reports loaded")
	}
	if _, err := e.Forward([]float32{1}, 0); !errors.Is(err, backend.ErrNotLoaded) {
		t.Errorf("Forward on unloaded engine: %v", err)
	}
	var infErr *backend.InferenceError
	if _, err := e.Probe(); !errors.As(err, &infErr) {
		t.Errorf("Probe on unloaded engine: %v", err)
	}
	if h := e.Handle(); h.Loaded || h.Path != "" {
		t.Errorf("unloaded engine handle = %v", h)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close on unloaded engine: %v", err)
	}
}
