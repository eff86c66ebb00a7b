// Package input feeds operator intent into the control loop. Keys consumes
// single-character commands from a byte stream; SerialRC consumes newline
// JSON setpoints from a serial remote. Both implement the control runner's
// IntentSource.
package input

import (
	"fmt"
	"io"

	"github.com/stride-robotics/gaitd/internal/control"
)

// Keys turns single-character commands into intent nudges: w/s drive vx,
// a/d drive vy, q/e drive the yaw rate, space zeroes everything. Each press
// moves the setpoint by 0.1. A pump goroutine owns the blocking reads so
// Poll never waits on the stream.
type Keys struct {
	keys chan byte
	errs chan error
	step float32
}

func NewKeys(r io.Reader) *Keys {
	k := &Keys{
		keys: make(chan byte, 64),
		errs: make(chan error, 1),
		step: 0.1,
	}
	go k.pump(r)
	return k
}

func (k *Keys) pump(r io.Reader) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case k.keys <- buf[0]:
			default:
				// The control side fell behind; losing keystrokes beats
				// blocking the pump.
			}
		}
		if err != nil {
			k.errs <- err
			return
		}
	}
}

// Poll applies every pending keystroke to the intent. A dead stream is
// reported once; afterwards Poll is a no-op.
func (k *Keys) Poll(intent *control.Intent) error {
	for {
		select {
		case b := <-k.keys:
			k.apply(b, intent)
		default:
			select {
			case err := <-k.errs:
				return fmt.Errorf("input: keyboard: %w", err)
			default:
				return nil
			}
		}
	}
}

func (k *Keys) apply(b byte, intent *control.Intent) {
	if b >= 'A' && b <= 'Z' {
		b += 'a' - 'A'
	}
	switch b {
	case 'w':
		intent.Nudge(k.step, 0, 0)
	case 's':
		intent.Nudge(-k.step, 0, 0)
	case 'a':
		intent.Nudge(0, k.step, 0)
	case 'd':
		intent.Nudge(0, -k.step, 0)
	case 'q':
		intent.Nudge(0, 0, k.step)
	case 'e':
		intent.Nudge(0, 0, -k.step)
	case ' ':
		intent.Zero()
	}
}
