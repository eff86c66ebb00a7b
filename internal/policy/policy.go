// Package policy turns raw observations into decoded policy results. The
// orchestrator picks between a primary and a secondary inference backend,
// maintains the episode step counter and the observation history, and
// decodes the backend's output tensors into the values the control loop
// consumes.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/stride-robotics/gaitd/internal/backend"
	"github.com/stride-robotics/gaitd/internal/history"
	"github.com/stride-robotics/gaitd/internal/timeutil"
)

// Bounds clips the action vector elementwise. Length-one bounds broadcast
// across the whole vector.
type Bounds struct {
	Lower []float32
	Upper []float32
}

// Decode maps output slot positions to decoded fields. Negative slots mark
// a field as absent. The anchor quaternion is a window of AnchorLen
// elements starting at AnchorAt inside the AnchorQuat slot.
type Decode struct {
	Action      int
	RefJointPos int
	RefJointVel int
	AnchorQuat  int
	AnchorAt    int
	AnchorLen   int
}

// DefaultDecode matches the trained policy artifact: action in slot 0,
// reference joint positions and velocities in slots 1 and 2, and the motion
// anchor quaternion in elements [28,32) of slot 4.
func DefaultDecode() Decode {
	return Decode{
		Action:      0,
		RefJointPos: 1,
		RefJointVel: 2,
		AnchorQuat:  4,
		AnchorAt:    28,
		AnchorLen:   4,
	}
}

// Config wires an Orchestrator.
type Config struct {
	// Primary is preferred whenever it is loaded. Secondary takes over
	// only when the primary never loaded; it is decoded action-only.
	Primary   backend.Backend
	Secondary backend.Backend

	// History, when set, turns each observation into the assembled
	// multi-timestep input using Offsets. Nil feeds observations through
	// unchanged.
	History *history.Buffer
	Offsets []int

	// Clip bounds the decoded action. Nil means no clipping.
	Clip *Bounds

	Decode Decode

	// Clock times forward passes. Nil uses the real clock.
	Clock timeutil.Clock
}

// Result is one decoded inference step. Action is always present; the
// reference fields are nil when the decode table marks them absent or the
// secondary backend produced them.
type Result struct {
	Action      []float32
	RefJointPos []float32
	RefJointVel []float32
	AnchorQuat  []float32
	Step        float32
	Backend     string
	Latency     time.Duration
}

// Orchestrator runs the inference step. It is owned by the inference task
// and is not safe for concurrent use.
type Orchestrator struct {
	cfg   Config
	clock timeutil.Clock
	step  int64
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Primary == nil && cfg.Secondary == nil {
		return nil, errors.New("policy: no backend configured")
	}
	if cfg.Decode.Action < 0 {
		return nil, errors.New("policy: action output slot is required")
	}
	if cfg.Decode.AnchorQuat >= 0 && (cfg.Decode.AnchorAt < 0 || cfg.Decode.AnchorLen <= 0) {
		return nil, fmt.Errorf("policy: anchor window [%d,%d) is empty",
			cfg.Decode.AnchorAt, cfg.Decode.AnchorAt+cfg.Decode.AnchorLen)
	}
	if cfg.History != nil && len(cfg.Offsets) == 0 {
		return nil, errors.New("policy: history configured without offsets")
	}
	if cfg.Clip != nil {
		if len(cfg.Clip.Lower) == 0 || len(cfg.Clip.Lower) != len(cfg.Clip.Upper) {
			return nil, fmt.Errorf("policy: clip bounds want matching non-empty lengths, got %d and %d",
				len(cfg.Clip.Lower), len(cfg.Clip.Upper))
		}
		for i := range cfg.Clip.Lower {
			if cfg.Clip.Lower[i] > cfg.Clip.Upper[i] {
				return nil, fmt.Errorf("policy: clip bound %d has lower %v above upper %v",
					i, cfg.Clip.Lower[i], cfg.Clip.Upper[i])
			}
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Orchestrator{cfg: cfg, clock: clock}, nil
}

// NextStep reports the episode step the upcoming Run will be tagged with.
// The observer stamps the motion phase from it so the observation and the
// auxiliary scalar agree on the step they describe.
func (o *Orchestrator) NextStep() float32 {
	return float32(o.step + 1)
}

// Run executes one inference step: advance the episode counter, shape the
// network input from obs, forward through the selected backend and decode.
// The counter advances even on a failed step, matching episode time rather
// than successful-inference count.
func (o *Orchestrator) Run(obs []float32) (*Result, error) {
	o.step++
	step := float32(o.step)

	be, full := o.pick()
	if be == nil {
		return nil, &backend.InferenceError{Backend: "none", Err: errors.New("no inference backend available")}
	}

	input := obs
	if o.cfg.History != nil {
		if err := o.cfg.History.Insert(obs); err != nil {
			return nil, err
		}
		var err error
		if input, err = o.cfg.History.Assemble(o.cfg.Offsets); err != nil {
			return nil, err
		}
	}

	kind := be.Handle().Kind
	start := o.clock.Now()
	outs, err := be.Forward(input, step)
	latency := o.clock.Since(start)
	if err != nil {
		return nil, err
	}

	res := &Result{Step: step, Backend: kind, Latency: latency}
	if err := o.decode(outs, full, res); err != nil {
		return nil, &backend.InferenceError{Backend: kind, Err: err}
	}
	if o.cfg.Clip != nil {
		if err := clipTo(res.Action, o.cfg.Clip.Lower, o.cfg.Clip.Upper); err != nil {
			return nil, &backend.InferenceError{Backend: kind, Err: err}
		}
	}
	return res, nil
}

// ResetEpisode zeroes the step counter and reseeds every history slot with
// obs. Called when the behavior strategy (re)enters its policy-driven state.
func (o *Orchestrator) ResetEpisode(obs []float32) error {
	o.step = 0
	if o.cfg.History == nil {
		return nil
	}
	envs := make([]int, o.cfg.History.NumEnvs())
	for i := range envs {
		envs[i] = i
	}
	return o.cfg.History.Reset(envs, obs)
}

// pick returns the backend to run and whether its outputs carry the full
// decode table. Fallback happens only on load-absence; a loaded backend's
// call-time failure surfaces as that step's error.
func (o *Orchestrator) pick() (backend.Backend, bool) {
	if o.cfg.Primary != nil && o.cfg.Primary.Loaded() {
		return o.cfg.Primary, true
	}
	if o.cfg.Secondary != nil && o.cfg.Secondary.Loaded() {
		return o.cfg.Secondary, false
	}
	return nil, false
}

func (o *Orchestrator) decode(outs []backend.Tensor, full bool, res *Result) error {
	d := o.cfg.Decode
	var err error
	if res.Action, err = slot(outs, d.Action, "action"); err != nil {
		return err
	}
	if !full {
		return nil
	}
	if d.RefJointPos >= 0 {
		if res.RefJointPos, err = slot(outs, d.RefJointPos, "ref joint pos"); err != nil {
			return err
		}
	}
	if d.RefJointVel >= 0 {
		if res.RefJointVel, err = slot(outs, d.RefJointVel, "ref joint vel"); err != nil {
			return err
		}
	}
	if d.AnchorQuat >= 0 {
		src, err := slot(outs, d.AnchorQuat, "anchor quat")
		if err != nil {
			return err
		}
		if d.AnchorAt+d.AnchorLen > len(src) {
			return fmt.Errorf("anchor window [%d,%d) outside output of %d elements",
				d.AnchorAt, d.AnchorAt+d.AnchorLen, len(src))
		}
		res.AnchorQuat = src[d.AnchorAt : d.AnchorAt+d.AnchorLen]
	}
	return nil
}

// slot extracts output tensor i as float32s. The extraction copies, so
// callers may slice and mutate freely.
func slot(outs []backend.Tensor, i int, what string) ([]float32, error) {
	if i >= len(outs) {
		return nil, fmt.Errorf("%s output slot %d outside %d outputs", what, i, len(outs))
	}
	vals, err := outs[i].Float32s()
	if err != nil {
		return nil, fmt.Errorf("%s output: %w", what, err)
	}
	return vals, nil
}

// clipTo clamps action elementwise. Already-clipped values pass through
// unchanged, so applying it twice is a no-op.
func clipTo(action, lower, upper []float32) error {
	if len(lower) == 1 {
		for i, v := range action {
			action[i] = clamp(v, lower[0], upper[0])
		}
		return nil
	}
	if len(lower) != len(action) {
		return fmt.Errorf("clip bounds cover %d elements, action has %d", len(lower), len(action))
	}
	for i, v := range action {
		action[i] = clamp(v, lower[i], upper[i])
	}
	return nil
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
