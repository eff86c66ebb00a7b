package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stride-robotics/gaitd/internal/monitoring"
	"github.com/stride-robotics/gaitd/internal/policy"
	"github.com/stride-robotics/gaitd/internal/robot"
	"github.com/stride-robotics/gaitd/internal/sched"
	"github.com/stride-robotics/gaitd/internal/timeutil"
	"github.com/stride-robotics/gaitd/internal/transport"
	"github.com/stride-robotics/gaitd/internal/units"
)

// IntentSource feeds the operator intent once per input tick. The input
// package provides keyboard and serial implementations.
type IntentSource interface {
	Poll(*Intent) error
}

// TickRecorder receives one record per control tick. telemetry.Recorder
// implements it.
type TickRecorder interface {
	RecordControlTick(snap robot.Snapshot, intent robot.Intent, cmd robot.Command, latest *policy.Result)
}

// InferenceSink receives each successful inference result. The telemetry
// store's session sink implements it.
type InferenceSink interface {
	RecordInference(res *policy.Result)
}

// RunnerConfig wires the control cycle together.
type RunnerConfig struct {
	Bus          transport.Bus
	Strategy     robot.Strategy
	Observer     *robot.Observer
	Orchestrator *policy.Orchestrator

	// Source, Recorder, and Sink are optional; without a source the intent
	// only changes through the Intent handle.
	Source   IntentSource
	Recorder TickRecorder
	Sink     InferenceSink

	// Intent and Cell may be shared with other components; the runner
	// allocates private ones when nil.
	Intent *Intent
	Cell   *ActionCell

	// Dt is the control period. Inference runs every Decimation control
	// periods.
	Dt         time.Duration
	Decimation int
	// InputPeriod defaults to 50ms.
	InputPeriod time.Duration
	// DiagPeriod enables a periodic counters log line when positive.
	DiagPeriod time.Duration

	Clock timeutil.Clock
}

// Stats is a counters snapshot for the status surface.
type Stats struct {
	InputTicks      uint64
	ControlTicks    uint64
	InferenceTicks  uint64
	InferenceErrors uint64
	SkippedNoState  uint64
	LastLatency     time.Duration
	LastStep        float32
	Backend         string
	Intent          robot.Intent
}

// Runner owns the periodic tasks of one control session. It runs once:
// Start, then Stop; a stopped runner cannot be restarted.
type Runner struct {
	cfg RunnerConfig

	ctx    context.Context
	cancel context.CancelFunc

	inferErrs   atomic.Uint64
	noState     atomic.Uint64
	lastLatency atomic.Int64

	mu          sync.Mutex
	started     bool
	stopped     bool
	tasks       *sched.Scheduler
	inputTask   *sched.Task
	controlTask *sched.Task
	inferTask   *sched.Task
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Bus == nil {
		return nil, errors.New("control: bus is required")
	}
	if cfg.Strategy == nil {
		return nil, errors.New("control: strategy is required")
	}
	if cfg.Observer == nil {
		return nil, errors.New("control: observer is required")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("control: orchestrator is required")
	}
	if cfg.Dt <= 0 {
		return nil, fmt.Errorf("control: dt %v is not positive", cfg.Dt)
	}
	if cfg.Decimation <= 0 {
		return nil, fmt.Errorf("control: decimation %d is not positive", cfg.Decimation)
	}
	if cfg.InputPeriod <= 0 {
		cfg.InputPeriod = 50 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Intent == nil {
		cfg.Intent = NewIntent(0, 0, 0)
	}
	if cfg.Cell == nil {
		cfg.Cell = &ActionCell{}
	}
	return &Runner{cfg: cfg}, nil
}

// Intent returns the shared intent handle.
func (r *Runner) Intent() *Intent { return r.cfg.Intent }

// Start launches the periodic tasks. The run ends when ctx is canceled, a
// command send fails, or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("control: runner already started")
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.tasks = sched.New(r.cfg.Clock)
	if r.cfg.Source != nil {
		r.inputTask = r.tasks.Add("input", r.cfg.InputPeriod, r.inputTick)
	}
	r.controlTask = r.tasks.Add("control", r.cfg.Dt, r.controlTick)
	r.inferTask = r.tasks.Add("inference", time.Duration(r.cfg.Decimation)*r.cfg.Dt, r.inferenceTick)
	if r.cfg.DiagPeriod > 0 {
		r.tasks.Add("diagnostics", r.cfg.DiagPeriod, r.diagTick)
	}

	if err := r.tasks.StartAll(); err != nil {
		r.tasks.StopAll()
		r.cancel()
		return err
	}
	monitoring.Logf("control: running at dt %v, inference every %d ticks", r.cfg.Dt, r.cfg.Decimation)
	return nil
}

// Done reports the end of the run: the parent context was canceled or a
// send failure aborted actuation. Nil before Start.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return nil
	}
	return r.ctx.Done()
}

// Stop cancels the run and waits for the tasks to finish their current
// callbacks. Safe to call more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel, tasks := r.cancel, r.tasks
	r.mu.Unlock()

	cancel()
	tasks.StopAll()
	monitoring.Logf("control: stopped")
}

// Tasks lists the scheduled tasks for the status surface.
func (r *Runner) Tasks() []*sched.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks == nil {
		return nil
	}
	return r.tasks.Tasks()
}

// Stats returns a counters snapshot.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	input, control, infer := r.inputTask, r.controlTask, r.inferTask
	r.mu.Unlock()

	s := Stats{
		InferenceErrors: r.inferErrs.Load(),
		SkippedNoState:  r.noState.Load(),
		LastLatency:     time.Duration(r.lastLatency.Load()),
		Intent:          r.cfg.Intent.Robot(),
	}
	if input != nil {
		s.InputTicks = input.Ticks()
	}
	if control != nil {
		s.ControlTicks = control.Ticks()
	}
	if infer != nil {
		s.InferenceTicks = infer.Ticks()
	}
	if latest := r.cfg.Cell.Latest(); latest != nil {
		s.LastStep = latest.Step
		s.Backend = latest.Backend
	}
	return s
}

func (r *Runner) inputTick() {
	if r.ctx.Err() != nil {
		return
	}
	if err := r.cfg.Source.Poll(r.cfg.Intent); err != nil {
		monitoring.Debugf("control: input poll: %v", err)
	}
}

func (r *Runner) controlTick() {
	if r.ctx.Err() != nil {
		return
	}
	snap, ok := r.cfg.Bus.State()
	if !ok {
		r.noState.Add(1)
		return
	}
	latest := r.cfg.Cell.Latest()
	intent := r.cfg.Intent.Robot()
	cmd := r.cfg.Strategy.Command(snap, intent, latest)
	if err := r.cfg.Bus.Send(cmd); err != nil {
		// Losing the command path means the actuators are no longer under
		// control. End the run instead of free-wheeling.
		monitoring.Logf("control: send failed, aborting run: %v", err)
		r.cancel()
		return
	}
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.RecordControlTick(snap, intent, cmd, latest)
	}
}

func (r *Runner) inferenceTick() {
	if r.ctx.Err() != nil {
		return
	}
	snap, ok := r.cfg.Bus.State()
	if !ok {
		r.noState.Add(1)
		return
	}
	var lastAction []float32
	if latest := r.cfg.Cell.Latest(); latest != nil {
		lastAction = latest.Action
	}
	obs, err := r.cfg.Observer.Observe(snap, r.cfg.Intent.Robot(), lastAction, r.cfg.Orchestrator.NextStep())
	if err != nil {
		r.inferErrs.Add(1)
		monitoring.Logf("control: observation: %v", err)
		return
	}
	res, err := r.cfg.Orchestrator.Run(obs)
	if err != nil {
		// The control task keeps applying the previous action; one failed
		// inference tick must not take the loop down.
		r.inferErrs.Add(1)
		monitoring.Logf("control: inference: %v", err)
		return
	}
	r.lastLatency.Store(int64(res.Latency))
	r.cfg.Cell.Publish(res)
	if r.cfg.Sink != nil {
		r.cfg.Sink.RecordInference(res)
	}
}

func (r *Runner) diagTick() {
	s := r.Stats()
	monitoring.Logf("control: %.0f Hz loop, %d control ticks, %d inference ticks, %d inference errors, %d no-state skips, last latency %v",
		units.HzFromPeriod(r.cfg.Dt), s.ControlTicks, s.InferenceTicks, s.InferenceErrors, s.SkippedNoState, s.LastLatency)
}
