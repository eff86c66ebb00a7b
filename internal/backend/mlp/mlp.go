// Package mlp implements the eager inference backend: a plain feed-forward
// network stored as a JSON weight file and evaluated with gonum dense
// algebra. It is the fallback engine when the compiled-graph artifact is
// unavailable, and carries no auxiliary outputs: action only.
package mlp

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/stride-robotics/gaitd/internal/backend"
)

// Kind identifies this backend in handles and telemetry.
const Kind = "mlp"

type layerSpec struct {
	In         int       `json:"in"`
	Out        int       `json:"out"`
	Weights    []float64 `json:"weights"` // row-major [out][in]
	Bias       []float64 `json:"bias"`
	Activation string    `json:"activation"`
}

type weightsFile struct {
	StepInput bool        `json:"step_input"`
	Layers    []layerSpec `json:"layers"`
}

type layer struct {
	w   *mat.Dense
	b   *mat.VecDense
	act func(float64) float64
}

// Engine evaluates a feed-forward policy eagerly.
type Engine struct {
	handle    backend.Handle
	layers    []layer
	stepInput bool
	obsDim    int
	outDim    int
	loaded    bool
}

// New returns an unloaded engine.
func New() *Engine {
	return &Engine{}
}

var activations = map[string]func(float64) float64{
	"":         func(x float64) float64 { return x },
	"identity": func(x float64) float64 { return x },
	"relu": func(x float64) float64 {
		if x < 0 {
			return 0
		}
		return x
	},
	"tanh": math.Tanh,
	"elu": func(x float64) float64 {
		if x < 0 {
			return math.Exp(x) - 1
		}
		return x
	},
}

// Load reads and validates a JSON weight file. On any failure the engine
// stays unloaded.
func (e *Engine) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &backend.LoadError{Path: path, Err: err}
	}
	var wf weightsFile
	if err := json.Unmarshal(raw, &wf); err != nil {
		return &backend.LoadError{Path: path, Err: fmt.Errorf("parse weights: %w", err)}
	}
	if len(wf.Layers) == 0 {
		return &backend.LoadError{Path: path, Err: fmt.Errorf("no layers declared")}
	}

	layers := make([]layer, 0, len(wf.Layers))
	for i, ls := range wf.Layers {
		if err := validateLayer(i, ls, wf.Layers); err != nil {
			return &backend.LoadError{Path: path, Err: err}
		}
		act := activations[ls.Activation]
		w := mat.NewDense(ls.Out, ls.In, ls.Weights)
		b := mat.NewVecDense(ls.Out, ls.Bias)
		layers = append(layers, layer{w: w, b: b, act: act})
	}

	inDim := wf.Layers[0].In
	outDim := wf.Layers[len(wf.Layers)-1].Out
	obsDim := inDim
	if wf.StepInput {
		if inDim < 2 {
			return &backend.LoadError{Path: path, Err: fmt.Errorf("step input declared but first layer width is %d", inDim)}
		}
		obsDim = inDim - 1
	}

	handle := backend.Handle{
		Path: path,
		Kind: Kind,
		Inputs: []backend.TensorSpec{
			{Name: "observations", Shape: []int64{1, int64(obsDim)}, Type: backend.TypeFloat32},
		},
		Outputs: []backend.TensorSpec{
			{Name: "actions", Shape: []int64{1, int64(outDim)}, Type: backend.TypeFloat32},
		},
		Loaded: true,
	}
	if wf.StepInput {
		handle.Inputs = append(handle.Inputs, backend.TensorSpec{
			Name: "step", Shape: []int64{1}, Type: backend.TypeFloat32,
		})
	}
	for _, spec := range append(append([]backend.TensorSpec{}, handle.Inputs...), handle.Outputs...) {
		if err := backend.ValidateSpec(spec); err != nil {
			return &backend.LoadError{Path: path, Err: err}
		}
	}

	e.handle = handle
	e.layers = layers
	e.stepInput = wf.StepInput
	e.obsDim = obsDim
	e.outDim = outDim
	e.loaded = true
	return nil
}

func validateLayer(i int, ls layerSpec, all []layerSpec) error {
	if ls.In <= 0 || ls.Out <= 0 {
		return fmt.Errorf("layer %d: dims %dx%d must be positive", i, ls.Out, ls.In)
	}
	if ls.In > backend.MaxDim || ls.Out > backend.MaxDim {
		return fmt.Errorf("layer %d: dims %dx%d exceed sanity bound %d", i, ls.Out, ls.In, backend.MaxDim)
	}
	count, err := backend.CheckedElementCount([]int64{int64(ls.Out), int64(ls.In)})
	if err != nil {
		return fmt.Errorf("layer %d: %w", i, err)
	}
	if uint64(len(ls.Weights)) != count {
		return fmt.Errorf("layer %d: %d weights for %dx%d", i, len(ls.Weights), ls.Out, ls.In)
	}
	if len(ls.Bias) != ls.Out {
		return fmt.Errorf("layer %d: %d bias values for %d outputs", i, len(ls.Bias), ls.Out)
	}
	if _, ok := activations[ls.Activation]; !ok {
		return fmt.Errorf("layer %d: unknown activation %q", i, ls.Activation)
	}
	if i > 0 && ls.In != all[i-1].Out {
		return fmt.Errorf("layer %d input width %d, previous layer emits %d", i, ls.In, all[i-1].Out)
	}
	return nil
}

// Forward evaluates the network on one observation vector. The step scalar
// is appended as the final input element when the weight file declares it.
func (e *Engine) Forward(obs []float32, step float32) ([]backend.Tensor, error) {
	if !e.loaded {
		return nil, &backend.InferenceError{Backend: Kind, Err: backend.ErrNotLoaded}
	}
	if len(obs) != e.obsDim {
		return nil, &backend.InferenceError{
			Backend: Kind,
			Err:     fmt.Errorf("observation width %d, model expects %d", len(obs), e.obsDim),
		}
	}
	in := make([]float64, 0, e.obsDim+1)
	for _, v := range obs {
		in = append(in, float64(v))
	}
	if e.stepInput {
		in = append(in, float64(step))
	}
	return e.run(in)
}

// Probe runs the network once on all-zero inputs; shape discovery only.
func (e *Engine) Probe() ([]backend.Tensor, error) {
	if !e.loaded {
		return nil, &backend.InferenceError{Backend: Kind, Err: backend.ErrNotLoaded}
	}
	width := e.obsDim
	if e.stepInput {
		width++
	}
	return e.run(make([]float64, width))
}

func (e *Engine) run(in []float64) ([]backend.Tensor, error) {
	x := mat.NewVecDense(len(in), in)
	for _, l := range e.layers {
		rows, _ := l.w.Dims()
		y := mat.NewVecDense(rows, nil)
		y.MulVec(l.w, x)
		y.AddVec(y, l.b)
		for i := 0; i < rows; i++ {
			y.SetVec(i, l.act(y.AtVec(i)))
		}
		x = y
	}
	out := make([]float32, x.Len())
	for i := range out {
		out[i] = float32(x.AtVec(i))
	}
	return []backend.Tensor{
		backend.Float32Tensor("actions", []int64{1, int64(len(out))}, out),
	}, nil
}

// Handle returns the metadata captured at load time.
func (e *Engine) Handle() backend.Handle { return e.handle }

// Loaded reports whether a weight file has been successfully loaded.
func (e *Engine) Loaded() bool { return e.loaded }

// Close releases the weights. The engine cannot be used afterwards.
func (e *Engine) Close() error {
	e.layers = nil
	e.loaded = false
	e.handle.Loaded = false
	return nil
}

var _ backend.Backend = (*Engine)(nil)
