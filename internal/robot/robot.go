// Package robot holds the hardware-facing data model: sensor snapshots,
// joint commands, the observation assembly and the behavior strategies that
// turn policy actions into actuator targets.
package robot

import "time"

// Snapshot is one sensor frame from the actuator bridge. Slices carry one
// entry per joint in bus order.
type Snapshot struct {
	Quat     [4]float32 // orientation quaternion, w x y z
	Gyro     [3]float32 // body angular velocity, rad/s
	JointPos []float32
	JointVel []float32
	TauEst   []float32
	Uptime   time.Duration
}

// Intent is the operator's velocity request: planar linear velocity plus
// yaw rate.
type Intent struct {
	Vx float32
	Vy float32
	Wz float32
}

// Command is one actuator target per joint: position, velocity, position
// and velocity gains, and feed-forward torque.
type Command struct {
	Q   []float32
	Dq  []float32
	Kp  []float32
	Kd  []float32
	Tau []float32
}

// ZeroCommand allocates an all-zero command for n joints.
func ZeroCommand(n int) Command {
	return Command{
		Q:   make([]float32, n),
		Dq:  make([]float32, n),
		Kp:  make([]float32, n),
		Kd:  make([]float32, n),
		Tau: make([]float32, n),
	}
}

// Joints reports the joint count, taken from the position targets.
func (c Command) Joints() int { return len(c.Q) }
