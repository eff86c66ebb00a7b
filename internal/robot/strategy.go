package robot

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stride-robotics/gaitd/internal/policy"
)

// Strategy turns the sensor snapshot, operator intent and latest policy
// result into a joint command. Implementations must be safe to call from
// the control task at full rate.
type Strategy interface {
	Command(snap Snapshot, intent Intent, latest *policy.Result) Command
}

// StrategyConfig carries the per-robot actuation parameters. Gain and
// scale slices of length one broadcast across all joints.
type StrategyConfig struct {
	Joints      int
	DefaultPose []float32
	ActionScale []float32
	Kp          []float32
	Kd          []float32
	DampingKd   []float32
}

// Factory builds a Strategy from its config.
type Factory func(cfg StrategyConfig) (Strategy, error)

var (
	strategyMu sync.RWMutex
	strategies = map[string]Factory{}
)

// Register makes a strategy available under name. It panics on duplicates,
// which only happen from conflicting init functions.
func Register(name string, f Factory) {
	strategyMu.Lock()
	defer strategyMu.Unlock()
	if _, dup := strategies[name]; dup {
		panic("robot: duplicate strategy " + name)
	}
	strategies[name] = f
}

// Strategies lists the registered strategy names, sorted.
func Strategies() []string {
	strategyMu.RLock()
	defer strategyMu.RUnlock()
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewStrategy builds the named strategy.
func NewStrategy(name string, cfg StrategyConfig) (Strategy, error) {
	strategyMu.RLock()
	f, ok := strategies[name]
	strategyMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q, registered: %s", name, strings.Join(Strategies(), ", "))
	}
	return f(cfg)
}

func init() {
	Register("policy", newPolicyStrategy)
	Register("damping", newDampingStrategy)
}

// pick reads a possibly-broadcast per-joint value.
func pick(v []float32, i int) float32 {
	if len(v) == 1 {
		return v[0]
	}
	return v[i]
}

func checkGains(what string, v []float32, joints int) error {
	if len(v) != 1 && len(v) != joints {
		return fmt.Errorf("%s has %d entries, want 1 or %d", what, len(v), joints)
	}
	return nil
}

// policyStrategy tracks the policy: scaled action plus default pose becomes
// the position target under the configured gains. Until the first result
// arrives it behaves like the damping strategy.
type policyStrategy struct {
	cfg     StrategyConfig
	holdOff Strategy
}

func newPolicyStrategy(cfg StrategyConfig) (Strategy, error) {
	if cfg.Joints <= 0 {
		return nil, fmt.Errorf("policy strategy: joint count %d", cfg.Joints)
	}
	if len(cfg.DefaultPose) != cfg.Joints {
		return nil, fmt.Errorf("policy strategy: default pose has %d entries, want %d", len(cfg.DefaultPose), cfg.Joints)
	}
	if err := checkGains("policy strategy: action scale", cfg.ActionScale, cfg.Joints); err != nil {
		return nil, err
	}
	if err := checkGains("policy strategy: kp", cfg.Kp, cfg.Joints); err != nil {
		return nil, err
	}
	if err := checkGains("policy strategy: kd", cfg.Kd, cfg.Joints); err != nil {
		return nil, err
	}
	holdOff, err := newDampingStrategy(cfg)
	if err != nil {
		return nil, err
	}
	return &policyStrategy{cfg: cfg, holdOff: holdOff}, nil
}

func (s *policyStrategy) Command(snap Snapshot, intent Intent, latest *policy.Result) Command {
	if latest == nil {
		return s.holdOff.Command(snap, intent, nil)
	}
	cmd := ZeroCommand(s.cfg.Joints)
	for i := 0; i < s.cfg.Joints; i++ {
		var a float32
		if i < len(latest.Action) {
			a = latest.Action[i]
		}
		cmd.Q[i] = a*pick(s.cfg.ActionScale, i) + s.cfg.DefaultPose[i]
		cmd.Kp[i] = pick(s.cfg.Kp, i)
		cmd.Kd[i] = pick(s.cfg.Kd, i)
	}
	return cmd
}

// dampingStrategy brakes every joint: zero targets and gains except the
// velocity gain, so the actuators resist motion without holding a pose.
type dampingStrategy struct {
	cfg StrategyConfig
}

func newDampingStrategy(cfg StrategyConfig) (Strategy, error) {
	if cfg.Joints <= 0 {
		return nil, fmt.Errorf("damping strategy: joint count %d", cfg.Joints)
	}
	if err := checkGains("damping strategy: kd", cfg.DampingKd, cfg.Joints); err != nil {
		return nil, err
	}
	return &dampingStrategy{cfg: cfg}, nil
}

func (s *dampingStrategy) Command(Snapshot, Intent, *policy.Result) Command {
	cmd := ZeroCommand(s.cfg.Joints)
	for i := range cmd.Kd {
		cmd.Kd[i] = pick(s.cfg.DampingKd, i)
	}
	return cmd
}
