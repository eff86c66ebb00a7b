// Package onnx evaluates policy graphs through onnxruntime using the
// yalue/onnxruntime_go bindings. The runtime shared library is loaded once
// per process; see Initialize.
package onnx

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/stride-robotics/gaitd/internal/backend"
	"github.com/stride-robotics/gaitd/internal/monitoring"
)

// Kind identifies this backend in handles and errors.
const Kind = "onnx"

var initMu sync.Mutex

// Initialize loads the onnxruntime shared library and sets up the process
// wide environment. libPath may be empty when libonnxruntime is on the
// default search path. Calling it again after success is a no-op.
func Initialize(libPath string) error {
	initMu.Lock()
	defer initMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initializing onnxruntime: %w", err)
	}
	return nil
}

// Shutdown tears down the onnxruntime environment. Engines must be closed
// first.
func Shutdown() error {
	initMu.Lock()
	defer initMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Config carries runtime options for an Engine.
type Config struct {
	// LibraryPath points at libonnxruntime.so. Empty lets the system
	// loader resolve it.
	LibraryPath string

	// IntraOpThreads and InterOpThreads bound the session thread pools.
	// Zero keeps the runtime default. Control loops usually want 1 to
	// avoid scheduling jitter from worker threads.
	IntraOpThreads int
	InterOpThreads int
}

// Engine runs an ONNX policy graph. It implements backend.Backend.
// Not safe for concurrent use.
type Engine struct {
	cfg     Config
	handle  backend.Handle
	session *ort.DynamicAdvancedSession
	obsIn   int // index of the wide observation input
	auxIn   int // index of the scalar step input, -1 when absent
	loaded  bool
}

var _ backend.Backend = (*Engine)(nil)

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, auxIn: -1}
}

// Load reads the graph signature at path, validates that it can drive a
// control policy and prepares an inference session. The engine is left
// unloaded on any error.
func (e *Engine) Load(path string) error {
	if e.loaded {
		return &backend.LoadError{Path: path, Err: fmt.Errorf("engine already holds %s", e.handle.Path)}
	}
	if _, err := os.Stat(path); err != nil {
		return &backend.LoadError{Path: path, Err: err}
	}
	if err := Initialize(e.cfg.LibraryPath); err != nil {
		return &backend.LoadError{Path: path, Err: err}
	}

	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return &backend.LoadError{Path: path, Err: fmt.Errorf("reading graph signature: %w", err)}
	}
	h := backend.Handle{Path: path, Kind: Kind}
	if h.Inputs, err = convertSpecs(ins); err != nil {
		return &backend.LoadError{Path: path, Err: err}
	}
	if h.Outputs, err = convertSpecs(outs); err != nil {
		return &backend.LoadError{Path: path, Err: err}
	}
	if len(h.Outputs) == 0 {
		return &backend.LoadError{Path: path, Err: backend.ErrNoOutputs}
	}
	obsIn, auxIn, err := backend.PlanInputs(h.Inputs)
	if err != nil {
		return &backend.LoadError{Path: path, Err: err}
	}

	opts, err := e.sessionOptions()
	if err != nil {
		return &backend.LoadError{Path: path, Err: err}
	}
	if opts != nil {
		defer opts.Destroy()
	}
	session, err := ort.NewDynamicAdvancedSession(path, specNames(h.Inputs), specNames(h.Outputs), opts)
	if err != nil {
		return &backend.LoadError{Path: path, Err: fmt.Errorf("creating session: %w", err)}
	}

	h.Loaded = true
	e.handle = h
	e.session = session
	e.obsIn = obsIn
	e.auxIn = auxIn
	e.loaded = true
	monitoring.Logf("onnx: loaded %v", h)
	return nil
}

func (e *Engine) sessionOptions() (*ort.SessionOptions, error) {
	if e.cfg.IntraOpThreads == 0 && e.cfg.InterOpThreads == 0 {
		return nil, nil
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if e.cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(e.cfg.IntraOpThreads); err != nil {
			opts.Destroy()
			return nil, err
		}
	}
	if e.cfg.InterOpThreads > 0 {
		if err := opts.SetInterOpNumThreads(e.cfg.InterOpThreads); err != nil {
			opts.Destroy()
			return nil, err
		}
	}
	return opts, nil
}

// Forward feeds obs into the wide input, step into the scalar input when
// the graph declares one, and returns every output tensor.
func (e *Engine) Forward(obs []float32, step float32) ([]backend.Tensor, error) {
	if !e.loaded {
		return nil, &backend.InferenceError{Backend: Kind, Err: backend.ErrNotLoaded}
	}
	inputs := make([]ort.Value, len(e.handle.Inputs))
	for i, spec := range e.handle.Inputs {
		var (
			val ort.Value
			err error
		)
		switch i {
		case e.obsIn:
			val, err = observationTensor(spec, obs)
		case e.auxIn:
			val, err = scalarTensor(spec, step)
		default:
			// PlanInputs admits exactly one wide and at most one
			// scalar input, so every index lands above.
			err = fmt.Errorf("input %s has no feed", spec.Name)
		}
		if err != nil {
			destroyAll(inputs)
			return nil, &backend.InferenceError{Backend: Kind, Err: err}
		}
		inputs[i] = val
	}
	defer destroyAll(inputs)

	// nil slots let the runtime allocate outputs, which also covers
	// graphs with dynamic output axes.
	outputs := make([]ort.Value, len(e.handle.Outputs))
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, &backend.InferenceError{Backend: Kind, Err: err}
	}
	defer destroyAll(outputs)

	return convertOutputs(e.handle.Outputs, outputs)
}

// Probe drives one forward pass with a zeroed observation, exercising the
// session end to end without touching robot state. Dynamic axes probe at
// unit extent.
func (e *Engine) Probe() ([]backend.Tensor, error) {
	if !e.loaded {
		return nil, &backend.InferenceError{Backend: Kind, Err: backend.ErrNotLoaded}
	}
	n := 1
	for _, d := range e.handle.Inputs[e.obsIn].Shape {
		if d > 0 {
			n *= int(d)
		}
	}
	return e.Forward(make([]float32, n), 0)
}

func (e *Engine) Handle() backend.Handle { return e.handle }

func (e *Engine) Loaded() bool { return e.loaded }

// Close destroys the session. The engine can load another model afterwards.
func (e *Engine) Close() error {
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return err
		}
		e.session = nil
	}
	e.loaded = false
	e.handle.Loaded = false
	return nil
}

// convertSpecs maps ort signature entries onto backend specs, rejecting
// anything a policy session cannot feed.
func convertSpecs(infos []ort.InputOutputInfo) ([]backend.TensorSpec, error) {
	specs := make([]backend.TensorSpec, len(infos))
	for i, info := range infos {
		if info.OrtValueType != ort.ONNXTypeTensor {
			return nil, fmt.Errorf("%s: only tensor values are supported", info.Name)
		}
		spec := backend.TensorSpec{
			Name:  info.Name,
			Shape: append([]int64(nil), info.Dimensions...),
			Type:  elementType(info.DataType),
		}
		if err := backend.ValidateSpec(spec); err != nil {
			return nil, err
		}
		specs[i] = spec
	}
	return specs, nil
}

func specNames(specs []backend.TensorSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

func observationTensor(spec backend.TensorSpec, obs []float32) (ort.Value, error) {
	if spec.Type != backend.TypeFloat32 {
		return nil, &backend.TypeMismatchError{Want: backend.TypeFloat32, Got: spec.Type}
	}
	shape, err := resolveShape(spec.Shape, len(obs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}
	return ort.NewTensor(ort.NewShape(shape...), obs)
}

// scalarTensor feeds the episode step counter. Scalar inputs carry exactly
// one element, so the declared shape is already concrete.
func scalarTensor(spec backend.TensorSpec, step float32) (ort.Value, error) {
	shape := ort.NewShape(append([]int64(nil), spec.Shape...)...)
	switch spec.Type {
	case backend.TypeFloat32:
		return ort.NewTensor(shape, []float32{step})
	case backend.TypeFloat64:
		return ort.NewTensor(shape, []float64{float64(step)})
	case backend.TypeInt32:
		return ort.NewTensor(shape, []int32{int32(step)})
	case backend.TypeInt64:
		return ort.NewTensor(shape, []int64{int64(step)})
	default:
		return nil, fmt.Errorf("%s: unsupported step dtype %s", spec.Name, spec.Type)
	}
}

// resolveShape concretizes declared dims against a flat payload of n
// elements. Dynamic axes become 1, except that the first one absorbs
// whatever factor the fixed dims leave over.
func resolveShape(declared []int64, n int) ([]int64, error) {
	shape := make([]int64, len(declared))
	fixed := int64(1)
	dyn := -1
	for i, d := range declared {
		if d == backend.DynamicDim {
			shape[i] = 1
			if dyn < 0 {
				dyn = i
			}
			continue
		}
		shape[i] = d
		fixed *= d
	}
	if dyn >= 0 && fixed > 0 && int64(n)%fixed == 0 {
		shape[dyn] = int64(n) / fixed
	}
	total := int64(1)
	for _, d := range shape {
		total *= d
	}
	if total != int64(n) {
		return nil, fmt.Errorf("payload of %d elements does not fit declared shape %v", n, declared)
	}
	return shape, nil
}

func convertOutputs(specs []backend.TensorSpec, vals []ort.Value) ([]backend.Tensor, error) {
	out := make([]backend.Tensor, len(vals))
	for i, v := range vals {
		if v == nil {
			return nil, &backend.InferenceError{Backend: Kind, Err: backend.ErrNoOutputs}
		}
		t, err := convertValue(specs[i].Name, v)
		if err != nil {
			return nil, &backend.InferenceError{Backend: Kind, Err: err}
		}
		out[i] = t
	}
	return out, nil
}

// convertValue copies a runtime-owned tensor into Go memory before the
// deferred Destroy in Forward frees it.
func convertValue(name string, v ort.Value) (backend.Tensor, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return copyTensor(name, backend.TypeFloat32, t)
	case *ort.Tensor[float64]:
		return copyTensor(name, backend.TypeFloat64, t)
	case *ort.Tensor[int8]:
		return copyTensor(name, backend.TypeInt8, t)
	case *ort.Tensor[int16]:
		return copyTensor(name, backend.TypeInt16, t)
	case *ort.Tensor[int32]:
		return copyTensor(name, backend.TypeInt32, t)
	case *ort.Tensor[int64]:
		return copyTensor(name, backend.TypeInt64, t)
	case *ort.Tensor[uint8]:
		return copyTensor(name, backend.TypeUint8, t)
	case *ort.Tensor[uint16]:
		return copyTensor(name, backend.TypeUint16, t)
	case *ort.Tensor[uint32]:
		return copyTensor(name, backend.TypeUint32, t)
	case *ort.Tensor[uint64]:
		return copyTensor(name, backend.TypeUint64, t)
	default:
		return backend.Tensor{}, fmt.Errorf("%s: unhandled output value %T", name, v)
	}
}

func copyTensor[T ort.TensorData](name string, dtype backend.ElementType, t *ort.Tensor[T]) (backend.Tensor, error) {
	data := append([]T(nil), t.GetData()...)
	shape := append([]int64(nil), t.GetShape()...)
	return backend.NewTensor(name, dtype, shape, data)
}

func destroyAll(vals []ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Destroy()
		}
	}
}

func elementType(dt ort.TensorElementDataType) backend.ElementType {
	switch dt {
	case ort.TensorElementDataTypeFloat:
		return backend.TypeFloat32
	case ort.TensorElementDataTypeDouble:
		return backend.TypeFloat64
	case ort.TensorElementDataTypeInt8:
		return backend.TypeInt8
	case ort.TensorElementDataTypeInt16:
		return backend.TypeInt16
	case ort.TensorElementDataTypeInt32:
		return backend.TypeInt32
	case ort.TensorElementDataTypeInt64:
		return backend.TypeInt64
	case ort.TensorElementDataTypeUint8:
		return backend.TypeUint8
	case ort.TensorElementDataTypeUint16:
		return backend.TypeUint16
	case ort.TensorElementDataTypeUint32:
		return backend.TypeUint32
	case ort.TensorElementDataTypeUint64:
		return backend.TypeUint64
	case ort.TensorElementDataTypeBool:
		return backend.TypeBool
	case ort.TensorElementDataTypeString:
		return backend.TypeString
	case ort.TensorElementDataTypeFloat16:
		return backend.TypeFloat16
	case ort.TensorElementDataTypeBFloat16:
		return backend.TypeBFloat16
	default:
		return backend.TypeUndefined
	}
}
