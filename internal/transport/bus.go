// Package transport carries joint state and commands between the controller
// and the actuator bridge: a word-aligned little-endian frame codec with the
// actuator bus CRC, a UDP bus bound to a network interface, an in-process
// bus for tests and dry runs, and pcap capture tooling for bench work.
package transport

import (
	"errors"
	"sync"

	"github.com/stride-robotics/gaitd/internal/robot"
)

// Bus is the actuator bridge link the control loop talks to. State never
// blocks; implementations keep only the latest snapshot.
type Bus interface {
	// State returns the most recent sensor snapshot. ok is false until the
	// first frame arrives. Callers must treat the snapshot's slices as
	// read-only.
	State() (robot.Snapshot, bool)
	// Send transmits one joint command to the bridge.
	Send(robot.Command) error
	Close() error
}

// MemBus is an in-process Bus. Tests drive it with SetState and inspect
// Sent; dry runs use it as a sink.
type MemBus struct {
	mu      sync.Mutex
	snap    robot.Snapshot
	valid   bool
	sent    []robot.Command
	sendErr error
	closed  bool
}

func NewMemBus() *MemBus { return &MemBus{} }

// SetState installs the snapshot State will return.
func (b *MemBus) SetState(snap robot.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap = snap
	b.valid = true
}

func (b *MemBus) State() (robot.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap, b.valid
}

func (b *MemBus) Send(cmd robot.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("transport: bus closed")
	}
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, cmd)
	return nil
}

// FailSends makes every subsequent Send return err. Pass nil to recover.
func (b *MemBus) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// Sent returns the commands sent so far.
func (b *MemBus) Sent() []robot.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]robot.Command, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
