package robot

import (
	"fmt"
	"time"

	"github.com/stride-robotics/gaitd/internal/schema"
)

// ObserverConfig fixes how each schema group is computed from sensor state.
// Scale factors of zero default to one.
type ObserverConfig struct {
	Schema      *schema.Schema
	DefaultPose []float32 // subtracted from joint positions, one per joint

	AngVelScale  float32
	DofPosScale  float32
	DofVelScale  float32
	CommandScale [3]float32

	// Dt, Decimation and MotionDuration define the motion phase: the
	// fraction of the reference motion covered after a given number of
	// inference steps, clamped to [0,1]. Required only when the schema
	// carries a phase group.
	Dt             time.Duration
	Decimation     int
	MotionDuration time.Duration
}

// Observer builds the per-timestep observation vector in schema group
// order. Construction validates every group against the config so Observe
// stays cheap on the inference path.
type Observer struct {
	cfg          ObserverConfig
	joints       int
	actionWidth  int
	phasePerStep float32
}

func NewObserver(cfg ObserverConfig) (*Observer, error) {
	if cfg.Schema == nil {
		return nil, fmt.Errorf("observer: schema is required")
	}
	if cfg.AngVelScale == 0 {
		cfg.AngVelScale = 1
	}
	if cfg.DofPosScale == 0 {
		cfg.DofPosScale = 1
	}
	if cfg.DofVelScale == 0 {
		cfg.DofVelScale = 1
	}
	for i, s := range cfg.CommandScale {
		if s == 0 {
			cfg.CommandScale[i] = 1
		}
	}

	o := &Observer{cfg: cfg}
	for _, g := range cfg.Schema.Groups() {
		switch g.Name {
		case "actions":
			o.actionWidth = g.Width
		case "dof_pos", "dof_vel":
			if o.joints == 0 {
				o.joints = g.Width
			}
			if g.Width != o.joints {
				return nil, fmt.Errorf("observer: group %s width %d, want %d joints", g.Name, g.Width, o.joints)
			}
		case "ang_vel", "gravity_vec":
			if g.Width != 3 {
				return nil, fmt.Errorf("observer: group %s width %d, want 3", g.Name, g.Width)
			}
		case "commands":
			if g.Width != 3 {
				return nil, fmt.Errorf("observer: group %s width %d, want 3", g.Name, g.Width)
			}
		case "g1_mimic_phase", "ref_motion_phase", "phase":
			if g.Width != 1 {
				return nil, fmt.Errorf("observer: group %s width %d, want 1", g.Name, g.Width)
			}
			if cfg.Dt <= 0 || cfg.Decimation <= 0 || cfg.MotionDuration <= 0 {
				return nil, fmt.Errorf("observer: group %s needs dt, decimation and motion duration", g.Name)
			}
			o.phasePerStep = float32(cfg.Dt.Seconds() * float64(cfg.Decimation) / cfg.MotionDuration.Seconds())
		default:
			return nil, fmt.Errorf("observer: unknown observation group %q", g.Name)
		}
	}
	if o.joints > 0 && len(cfg.DefaultPose) != o.joints {
		return nil, fmt.Errorf("observer: default pose has %d entries, want %d joints", len(cfg.DefaultPose), o.joints)
	}
	return o, nil
}

// Joints reports the joint count implied by the schema's dof groups.
func (o *Observer) Joints() int { return o.joints }

// Phase maps an episode step to the clamped motion phase.
func (o *Observer) Phase(step float32) float32 {
	p := step * o.phasePerStep
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Observe assembles one observation vector. lastAction may be nil before
// the first inference result; step is the episode step the upcoming run
// will be tagged with.
func (o *Observer) Observe(snap Snapshot, intent Intent, lastAction []float32, step float32) ([]float32, error) {
	if o.joints > 0 {
		if len(snap.JointPos) < o.joints || len(snap.JointVel) < o.joints {
			return nil, fmt.Errorf("observer: snapshot carries %d/%d joints, want %d",
				len(snap.JointPos), len(snap.JointVel), o.joints)
		}
	}
	if lastAction != nil && len(lastAction) != o.actionWidth {
		return nil, fmt.Errorf("observer: last action has %d entries, want %d", len(lastAction), o.actionWidth)
	}

	out := make([]float32, 0, o.cfg.Schema.Width())
	for _, g := range o.cfg.Schema.Groups() {
		switch g.Name {
		case "actions":
			if lastAction == nil {
				out = append(out, make([]float32, g.Width)...)
			} else {
				out = append(out, lastAction...)
			}
		case "ang_vel":
			out = append(out,
				snap.Gyro[0]*o.cfg.AngVelScale,
				snap.Gyro[1]*o.cfg.AngVelScale,
				snap.Gyro[2]*o.cfg.AngVelScale)
		case "dof_pos":
			for i := 0; i < o.joints; i++ {
				out = append(out, (snap.JointPos[i]-o.cfg.DefaultPose[i])*o.cfg.DofPosScale)
			}
		case "dof_vel":
			for i := 0; i < o.joints; i++ {
				out = append(out, snap.JointVel[i]*o.cfg.DofVelScale)
			}
		case "gravity_vec":
			g := gravityBody(snap.Quat)
			out = append(out, g[0], g[1], g[2])
		case "commands":
			out = append(out,
				intent.Vx*o.cfg.CommandScale[0],
				intent.Vy*o.cfg.CommandScale[1],
				intent.Wz*o.cfg.CommandScale[2])
		case "g1_mimic_phase", "ref_motion_phase", "phase":
			out = append(out, o.Phase(step))
		}
	}
	return out, nil
}

// gravityBody rotates the world gravity direction (0,0,-1) into the body
// frame with the inverse of the orientation quaternion (w,x,y,z).
func gravityBody(q [4]float32) [3]float32 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	return [3]float32{
		2 * (w*y - x*z),
		-2 * (w*x + y*z),
		2*(x*x+y*y) - 1,
	}
}
