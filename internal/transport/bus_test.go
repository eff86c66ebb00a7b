package transport

import (
	"errors"
	"testing"

	"github.com/stride-robotics/gaitd/internal/robot"
)

func TestMemBusState(t *testing.T) {
	bus := NewMemBus()
	if _, ok := bus.State(); ok {
		t.Fatal("fresh bus reported a snapshot")
	}
	bus.SetState(robot.Snapshot{Gyro: [3]float32{1, 2, 3}})
	snap, ok := bus.State()
	if !ok {
		t.Fatal("snapshot not visible after SetState")
	}
	if snap.Gyro != [3]float32{1, 2, 3} {
		t.Errorf("gyro = %v", snap.Gyro)
	}
}

func TestMemBusSend(t *testing.T) {
	bus := NewMemBus()
	if err := bus.Send(robot.ZeroCommand(2)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := len(bus.Sent()); got != 1 {
		t.Fatalf("recorded %d commands, want 1", got)
	}

	sendErr := errors.New("bridge offline")
	bus.FailSends(sendErr)
	if err := bus.Send(robot.ZeroCommand(2)); !errors.Is(err, sendErr) {
		t.Errorf("Send after FailSends returned %v", err)
	}
	bus.FailSends(nil)

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bus.Send(robot.ZeroCommand(2)); err == nil {
		t.Error("Send on closed bus succeeded")
	}
	if got := len(bus.Sent()); got != 1 {
		t.Errorf("closed bus recorded %d commands, want 1", got)
	}
}
