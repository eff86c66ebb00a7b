package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stride-robotics/gaitd/internal/backend"
	"github.com/stride-robotics/gaitd/internal/policy"
	"github.com/stride-robotics/gaitd/internal/robot"
	"github.com/stride-robotics/gaitd/internal/schema"
	"github.com/stride-robotics/gaitd/internal/timeutil"
	"github.com/stride-robotics/gaitd/internal/transport"
)

type fakeBackend struct {
	loaded bool
	action []float32
	err    error
}

func (f *fakeBackend) Load(string) error { f.loaded = true; return nil }

func (f *fakeBackend) Forward(obs []float32, step float32) ([]backend.Tensor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []backend.Tensor{
		backend.Float32Tensor("actions", []int64{1, int64(len(f.action))}, f.action),
	}, nil
}

func (f *fakeBackend) Probe() ([]backend.Tensor, error) { return f.Forward(nil, 0) }

func (f *fakeBackend) Handle() backend.Handle {
	return backend.Handle{Path: "fake", Kind: "graph", Loaded: f.loaded}
}

func (f *fakeBackend) Loaded() bool { return f.loaded }
func (f *fakeBackend) Close() error { f.loaded = false; return nil }

type pollFunc func(*Intent) error

func (f pollFunc) Poll(in *Intent) error { return f(in) }

type countingRecorder struct {
	mu    sync.Mutex
	ticks int
}

func (r *countingRecorder) RecordControlTick(robot.Snapshot, robot.Intent, robot.Command, *policy.Result) {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
}

func (r *countingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks
}

func testSnapshot() robot.Snapshot {
	return robot.Snapshot{
		Quat:     [4]float32{1, 0, 0, 0},
		JointPos: []float32{0.1, -0.1},
		JointVel: []float32{0, 0},
		TauEst:   []float32{0, 0},
		Uptime:   time.Second,
	}
}

// newTestRunner builds a two-joint rig: 10ms control period, inference every
// second tick, damping hold-off kd 4, policy kp 10 / kd 1 with unit action
// scale and a zero default pose.
func newTestRunner(t *testing.T, be backend.Backend, bus transport.Bus, clock timeutil.Clock, mod func(*RunnerConfig)) *Runner {
	t.Helper()
	s, err := schema.New([]schema.Group{
		{Name: "dof_pos", Width: 2},
		{Name: "dof_vel", Width: 2},
		{Name: "actions", Width: 2},
	}, 0)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	observer, err := robot.NewObserver(robot.ObserverConfig{
		Schema:      s,
		DefaultPose: []float32{0, 0},
	})
	if err != nil {
		t.Fatalf("observer: %v", err)
	}
	strategy, err := robot.NewStrategy("policy", robot.StrategyConfig{
		Joints:      2,
		DefaultPose: []float32{0, 0},
		ActionScale: []float32{1},
		Kp:          []float32{10},
		Kd:          []float32{1},
		DampingKd:   []float32{4},
	})
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	orch, err := policy.New(policy.Config{
		Primary: be,
		Decode:  policy.Decode{Action: 0, RefJointPos: -1, RefJointVel: -1, AnchorQuat: -1},
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	cfg := RunnerConfig{
		Bus:          bus,
		Strategy:     strategy,
		Observer:     observer,
		Orchestrator: orch,
		Dt:           10 * time.Millisecond,
		Decimation:   2,
		Clock:        clock,
	}
	if mod != nil {
		mod(&cfg)
	}
	runner, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return runner
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerCycle(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	bus := transport.NewMemBus()
	bus.SetState(testSnapshot())
	rec := &countingRecorder{}
	runner := newTestRunner(t, &fakeBackend{loaded: true, action: []float32{0.5, -0.5}}, bus, clock,
		func(cfg *RunnerConfig) { cfg.Recorder = rec })

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer runner.Stop()

	if got := len(bus.Sent()); got != 0 {
		t.Fatalf("%d commands sent before any tick", got)
	}

	// First control tick runs before any inference: damping hold-off.
	clock.Advance(10 * time.Millisecond)
	waitFor(t, "first control tick", func() bool { return len(bus.Sent()) == 1 })
	first := bus.Sent()[0]
	if first.Kd[0] != 4 || first.Kp[0] != 0 || first.Q[0] != 0 {
		t.Errorf("pre-inference command = %+v, want damping hold-off", first)
	}

	// Second advance fires control and inference together.
	clock.Advance(10 * time.Millisecond)
	waitFor(t, "first inference result", func() bool {
		s := runner.Stats()
		return len(bus.Sent()) == 2 && s.InferenceTicks == 1 && s.LastStep == 1
	})

	// From here the control task tracks the published action.
	clock.Advance(10 * time.Millisecond)
	waitFor(t, "third control tick", func() bool { return len(bus.Sent()) == 3 })
	third := bus.Sent()[2]
	if third.Q[0] != 0.5 || third.Q[1] != -0.5 {
		t.Errorf("post-inference targets = %v, want [0.5 -0.5]", third.Q)
	}
	if third.Kp[0] != 10 || third.Kd[0] != 1 {
		t.Errorf("post-inference gains kp=%v kd=%v", third.Kp, third.Kd)
	}

	stats := runner.Stats()
	if stats.ControlTicks != 3 {
		t.Errorf("ControlTicks = %d, want 3", stats.ControlTicks)
	}
	if stats.InferenceTicks != 1 {
		t.Errorf("InferenceTicks = %d, want 1", stats.InferenceTicks)
	}
	if stats.InferenceErrors != 0 {
		t.Errorf("InferenceErrors = %d", stats.InferenceErrors)
	}
	if stats.Backend != "graph" {
		t.Errorf("Backend = %q", stats.Backend)
	}
	if rec.count() != 3 {
		t.Errorf("recorder saw %d ticks, want 3", rec.count())
	}

	runner.Stop()
	runner.Stop() // idempotent
}

func TestRunnerInferenceErrorKeepsControlAlive(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	bus := transport.NewMemBus()
	bus.SetState(testSnapshot())
	be := &fakeBackend{loaded: true, action: []float32{0, 0}, err: errors.New("graph exploded")}
	runner := newTestRunner(t, be, bus, clock, nil)

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer runner.Stop()

	clock.Advance(10 * time.Millisecond)
	waitFor(t, "first control tick", func() bool { return len(bus.Sent()) == 1 })
	clock.Advance(10 * time.Millisecond)
	waitFor(t, "failed inference tick", func() bool {
		return len(bus.Sent()) == 2 && runner.Stats().InferenceErrors == 1
	})

	select {
	case <-runner.Done():
		t.Fatal("inference error ended the run")
	default:
	}

	// Control keeps commanding with no action published: still the hold-off.
	clock.Advance(10 * time.Millisecond)
	waitFor(t, "third control tick", func() bool { return len(bus.Sent()) == 3 })
	if cmd := bus.Sent()[2]; cmd.Kd[0] != 4 {
		t.Errorf("command after failed inference = %+v, want damping hold-off", cmd)
	}
}

func TestRunnerSendFailureAbortsRun(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	bus := transport.NewMemBus()
	bus.SetState(testSnapshot())
	bus.FailSends(errors.New("bridge offline"))
	runner := newTestRunner(t, &fakeBackend{loaded: true, action: []float32{0, 0}}, bus, clock, nil)

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer runner.Stop()

	clock.Advance(10 * time.Millisecond)
	select {
	case <-runner.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runner kept running after a send failure")
	}
	if got := len(bus.Sent()); got != 0 {
		t.Errorf("%d commands recorded on a failing bus", got)
	}
}

func TestRunnerSkipsTicksWithoutState(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	bus := transport.NewMemBus()
	runner := newTestRunner(t, &fakeBackend{loaded: true, action: []float32{0, 0}}, bus, clock, nil)

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer runner.Stop()

	clock.Advance(10 * time.Millisecond)
	waitFor(t, "no-state skip", func() bool { return runner.Stats().SkippedNoState >= 1 })
	if got := len(bus.Sent()); got != 0 {
		t.Fatalf("%d commands sent without a snapshot", got)
	}

	bus.SetState(testSnapshot())
	clock.Advance(10 * time.Millisecond)
	waitFor(t, "command after state arrives", func() bool { return len(bus.Sent()) == 1 })
}

func TestRunnerInputTask(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	bus := transport.NewMemBus()
	bus.SetState(testSnapshot())
	source := pollFunc(func(in *Intent) error {
		in.Set(0.3, 0, 0.1)
		return nil
	})
	runner := newTestRunner(t, &fakeBackend{loaded: true, action: []float32{0, 0}}, bus, clock,
		func(cfg *RunnerConfig) { cfg.Source = source })

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer runner.Stop()

	clock.Advance(50 * time.Millisecond)
	waitFor(t, "input tick", func() bool { return runner.Stats().InputTicks == 1 })
	waitFor(t, "intent propagation", func() bool {
		return runner.Stats().Intent == (robot.Intent{Vx: 0.3, Wz: 0.1})
	})
}

func TestRunnerInputErrorIsNonFatal(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	bus := transport.NewMemBus()
	bus.SetState(testSnapshot())
	source := pollFunc(func(*Intent) error { return errors.New("tty gone") })
	runner := newTestRunner(t, &fakeBackend{loaded: true, action: []float32{0, 0}}, bus, clock,
		func(cfg *RunnerConfig) { cfg.Source = source })

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer runner.Stop()

	clock.Advance(50 * time.Millisecond)
	waitFor(t, "input tick despite poll error", func() bool { return runner.Stats().InputTicks == 1 })
	select {
	case <-runner.Done():
		t.Fatal("input error ended the run")
	default:
	}
}

func TestRunnerStartTwice(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	runner := newTestRunner(t, &fakeBackend{loaded: true, action: []float32{0, 0}}, transport.NewMemBus(), clock, nil)

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runner.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	runner.Stop()
	if err := runner.Start(context.Background()); err == nil {
		t.Error("Start after Stop succeeded")
	}
}

func TestNewRunnerValidation(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	base := func(t *testing.T) RunnerConfig {
		t.Helper()
		r := newTestRunner(t, &fakeBackend{loaded: true, action: []float32{0, 0}}, transport.NewMemBus(), clock, nil)
		return r.cfg
	}
	cases := []struct {
		name   string
		mutate func(*RunnerConfig)
	}{
		{"nil bus", func(cfg *RunnerConfig) { cfg.Bus = nil }},
		{"nil strategy", func(cfg *RunnerConfig) { cfg.Strategy = nil }},
		{"nil observer", func(cfg *RunnerConfig) { cfg.Observer = nil }},
		{"nil orchestrator", func(cfg *RunnerConfig) { cfg.Orchestrator = nil }},
		{"zero dt", func(cfg *RunnerConfig) { cfg.Dt = 0 }},
		{"zero decimation", func(cfg *RunnerConfig) { cfg.Decimation = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base(t)
			tc.mutate(&cfg)
			if _, err := NewRunner(cfg); err == nil {
				t.Error("NewRunner succeeded")
			}
		})
	}
}
