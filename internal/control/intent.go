package control

import (
	"math"
	"sync/atomic"

	"github.com/stride-robotics/gaitd/internal/robot"
)

// Intent is the operator velocity request shared between the input task and
// the control and inference tasks. Each field is stored as atomic float
// bits; a reader may combine fields from two updates, which is acceptable
// for velocity commands.
type Intent struct {
	maxVx, maxVy, maxWz float32

	vx, vy, wz atomic.Uint32
}

// NewIntent bounds each axis to ±max. A non-positive max leaves that axis
// unbounded.
func NewIntent(maxVx, maxVy, maxWz float32) *Intent {
	return &Intent{maxVx: maxVx, maxVy: maxVy, maxWz: maxWz}
}

// Set replaces the request, clamped to the configured maxima.
func (in *Intent) Set(vx, vy, wz float32) {
	in.vx.Store(math.Float32bits(clampAbs(vx, in.maxVx)))
	in.vy.Store(math.Float32bits(clampAbs(vy, in.maxVy)))
	in.wz.Store(math.Float32bits(clampAbs(wz, in.maxWz)))
}

// Nudge shifts each axis by a delta, clamped to the configured maxima.
func (in *Intent) Nudge(dvx, dvy, dwz float32) {
	nudge(&in.vx, dvx, in.maxVx)
	nudge(&in.vy, dvy, in.maxVy)
	nudge(&in.wz, dwz, in.maxWz)
}

// Zero stops the robot.
func (in *Intent) Zero() { in.Set(0, 0, 0) }

// Get returns the current request.
func (in *Intent) Get() (vx, vy, wz float32) {
	return math.Float32frombits(in.vx.Load()),
		math.Float32frombits(in.vy.Load()),
		math.Float32frombits(in.wz.Load())
}

// Robot returns the request as the robot layer's value type.
func (in *Intent) Robot() robot.Intent {
	vx, vy, wz := in.Get()
	return robot.Intent{Vx: vx, Vy: vy, Wz: wz}
}

func nudge(cell *atomic.Uint32, d, max float32) {
	for {
		old := cell.Load()
		v := clampAbs(math.Float32frombits(old)+d, max)
		if cell.CompareAndSwap(old, math.Float32bits(v)) {
			return
		}
	}
}

func clampAbs(v, max float32) float32 {
	if max <= 0 {
		return v
	}
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}
