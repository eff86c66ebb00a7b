// Package backend defines the contract shared by the neural-inference
// engines: load a model artifact, introspect its declared tensors, run a
// forward pass. Two implementations live below it: backend/onnx executes a
// compiled graph through onnxruntime, backend/mlp evaluates a plain
// feed-forward network eagerly.
package backend

// Backend is a loadable neural-network execution engine.
//
// Load validates the artifact and captures the Handle; on any failure the
// backend stays unloaded. Forward runs one synchronous pass: the observation
// vector feeds the wide declared input and step feeds the single-element
// auxiliary input when the model declares one. Probe runs the model once
// with all-zero inputs sized from its own declarations, for shape discovery
// and startup diagnostics only.
//
// Implementations are not safe for concurrent Forward calls; the inference
// task is the only caller in steady state.
type Backend interface {
	Load(path string) error
	Forward(obs []float32, step float32) ([]Tensor, error)
	Probe() ([]Tensor, error)
	Handle() Handle
	Loaded() bool
	Close() error
}
