// Package sched runs the fixed-rate tasks of the control loop. Each task
// owns one goroutine driven by a clock ticker; tasks never share memory
// directly, only through the publish-latest cells in internal/control.
package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stride-robotics/gaitd/internal/monitoring"
	"github.com/stride-robotics/gaitd/internal/timeutil"
)

// State is the task lifecycle. Transitions are one-way: Idle to Running to
// Stopped. A stopped task cannot restart.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Task is one periodic callback. The callback always runs to completion
// before the same task's next tick; ticks that arrive while it runs are
// dropped, not queued.
type Task struct {
	name   string
	period time.Duration
	fn     func()
	clock  timeutil.Clock

	ticks atomic.Uint64

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	doneCh chan struct{}
}

func (t *Task) Name() string { return t.name }

func (t *Task) Period() time.Duration { return t.period }

// Ticks counts callback invocations. Safe to read from any goroutine.
func (t *Task) Ticks() uint64 { return t.ticks.Load() }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start moves the task from Idle to Running and launches its loop.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case Running:
		return fmt.Errorf("task %s already running", t.name)
	case Stopped:
		return fmt.Errorf("task %s already stopped", t.name)
	}
	if t.period <= 0 {
		return fmt.Errorf("task %s period %v is not positive", t.name, t.period)
	}
	// Create the ticker here so the task is tick-eligible the moment
	// Start returns, not when the goroutine gets scheduled.
	ticker := t.clock.NewTicker(t.period)
	t.state = Running
	go t.loop(ticker)
	return nil
}

func (t *Task) loop(ticker timeutil.Ticker) {
	defer close(t.doneCh)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C():
			t.ticks.Add(1)
			t.fn()
		}
	}
}

// Stop moves the task to Stopped and waits for the loop to exit. A callback
// in flight finishes first; the loop quits at the next select. Safe to call
// repeatedly, including on a task that never started.
func (t *Task) Stop() {
	t.mu.Lock()
	switch t.state {
	case Running:
		close(t.stopCh)
	case Idle:
		// The loop never ran, so nothing else will close doneCh.
		close(t.doneCh)
	}
	t.state = Stopped
	t.mu.Unlock()
	<-t.doneCh
}

// Scheduler owns the task set. Add registers tasks in call order; StopAll
// unwinds them in reverse so downstream consumers stop before their
// producers.
type Scheduler struct {
	clock timeutil.Clock

	mu    sync.Mutex
	tasks []*Task
}

// New returns a Scheduler driving its tasks from clock. A nil clock means
// real time.
func New(clock timeutil.Clock) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{clock: clock}
}

// Add registers a periodic task. It stays Idle until StartAll or Start.
func (s *Scheduler) Add(name string, period time.Duration, fn func()) *Task {
	t := &Task{
		name:   name,
		period: period,
		fn:     fn,
		clock:  s.clock,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

// StartAll starts every task in add order and fails fast on the first
// error. Tasks started before the failure keep running; callers unwind
// with StopAll.
func (s *Scheduler) StartAll() error {
	for _, t := range s.snapshot() {
		if err := t.Start(); err != nil {
			return err
		}
		monitoring.Debugf("sched: started %s every %v", t.name, t.period)
	}
	return nil
}

// StopAll stops every task in reverse add order and waits for each loop to
// exit before moving to the next.
func (s *Scheduler) StopAll() {
	tasks := s.snapshot()
	for i := len(tasks) - 1; i >= 0; i-- {
		tasks[i].Stop()
		monitoring.Debugf("sched: stopped %s after %d ticks", tasks[i].name, tasks[i].Ticks())
	}
}

// Tasks returns a snapshot of the registered tasks for status reporting.
func (s *Scheduler) Tasks() []*Task {
	return s.snapshot()
}

func (s *Scheduler) snapshot() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}
