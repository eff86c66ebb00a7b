// Package config loads the deployment file: one YAML document describing
// control timing, policy artifacts, the robot profile, transport, telemetry,
// and the input source for a run. Fields left out of the file fall back to
// defaults through the Get accessors; Validate reports every violation at
// once so a bad file reads as a single actionable error.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stride-robotics/gaitd/internal/history"
	"github.com/stride-robotics/gaitd/internal/policy"
	"github.com/stride-robotics/gaitd/internal/robot"
	"github.com/stride-robotics/gaitd/internal/schema"
	"github.com/stride-robotics/gaitd/internal/transport"
	"github.com/stride-robotics/gaitd/internal/units"
)

// Config is the root of the deployment file.
type Config struct {
	Control   Control   `yaml:"control"`
	Policy    Policy    `yaml:"policy"`
	Robot     Robot     `yaml:"robot"`
	Transport Transport `yaml:"transport"`
	Telemetry Telemetry `yaml:"telemetry"`
	Input     Input     `yaml:"input"`
}

// Control sets the loop timing. Durations are strings like "5ms".
type Control struct {
	Dt          string `yaml:"dt"`
	Decimation  int    `yaml:"decimation"`
	InputPeriod string `yaml:"input_period"`
	DiagPeriod  string `yaml:"diag_period"`
}

// Group names one observation group and its width.
type Group struct {
	Name  string `yaml:"name"`
	Width int    `yaml:"width"`
}

// Decode overrides the output slot table. Fields are pointers so slot 0
// stays distinguishable from "not set"; a nil optional slot means the model
// does not produce that output.
type Decode struct {
	Action      *int `yaml:"action"`
	RefJointPos *int `yaml:"ref_joint_pos"`
	RefJointVel *int `yaml:"ref_joint_vel"`
	AnchorQuat  *int `yaml:"anchor_quat"`
	AnchorAt    *int `yaml:"anchor_at"`
	AnchorLen   *int `yaml:"anchor_len"`
}

// Policy describes the inference artifacts and the observation layout.
type Policy struct {
	Model          string    `yaml:"model"`
	Fallback       string    `yaml:"fallback"`
	OrtLibrary     string    `yaml:"ort_library"`
	Threads        int       `yaml:"threads"`
	Observations   []Group   `yaml:"observations"`
	SlowTail       int       `yaml:"slow_tail"`
	HistoryLength  int       `yaml:"history_length"`
	HistoryOffsets []int     `yaml:"history_offsets"`
	ClipLower      []float32 `yaml:"clip_lower"`
	ClipUpper      []float32 `yaml:"clip_upper"`
	Decode         *Decode   `yaml:"decode"`
}

// Robot is the per-robot profile. Gain and scale slices of length one
// broadcast across all joints. DefaultPose is read in AngleUnit and
// converted to radians; everything downstream runs in radians.
type Robot struct {
	Name           string    `yaml:"name"`
	Strategy       string    `yaml:"strategy"`
	JointNames     []string  `yaml:"joint_names"`
	AngleUnit      string    `yaml:"angle_unit"`
	DefaultPose    []float32 `yaml:"default_pose"`
	ActionScale    []float32 `yaml:"action_scale"`
	Kp             []float32 `yaml:"kp"`
	Kd             []float32 `yaml:"kd"`
	DampingKd      []float32 `yaml:"damping_kd"`
	AngVelScale    float32   `yaml:"ang_vel_scale"`
	DofPosScale    float32   `yaml:"dof_pos_scale"`
	DofVelScale    float32   `yaml:"dof_vel_scale"`
	CommandScale   []float32 `yaml:"command_scale"`
	MaxVx          float32   `yaml:"max_vx"`
	MaxVy          float32   `yaml:"max_vy"`
	MaxWz          float32   `yaml:"max_wz"`
	MotionDuration string    `yaml:"motion_duration"`
}

// Transport points at the motor bridge.
type Transport struct {
	Bridge      string `yaml:"bridge"`
	StatePort   int    `yaml:"state_port"`
	Listen      string `yaml:"listen"`
	ReadBuffer  int    `yaml:"read_buffer"`
	ReadTimeout string `yaml:"read_timeout"`
}

// Telemetry configures the CSV recorder and the sqlite store.
type Telemetry struct {
	Enabled  *bool  `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Database string `yaml:"database"`
}

// Input selects the intent source.
type Input struct {
	Kind string `yaml:"kind"`
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// Load reads, parses, and validates a deployment file.
func Load(path string) (*Config, error) {
	clean := filepath.Clean(path)
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", clean, err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", clean, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads the first of ./gaitd.yaml and ./config/gaitd.yaml.
func LoadDefault() (*Config, error) {
	for _, path := range []string{"gaitd.yaml", filepath.Join("config", "gaitd.yaml")} {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return nil, errors.New("config: no gaitd.yaml found (looked in . and ./config)")
}

// Validate checks the whole document and reports every violation.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, v ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, v...))
	}

	checkDur := func(field, s string, required bool) {
		if s == "" {
			if required {
				add("%s is required", field)
			}
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			add("%s: %v", field, err)
		} else if d <= 0 && required {
			add("%s must be positive, got %s", field, s)
		}
	}

	checkDur("control.dt", c.Control.Dt, true)
	if c.Control.Decimation <= 0 {
		add("control.decimation must be positive, got %d", c.Control.Decimation)
	}
	checkDur("control.input_period", c.Control.InputPeriod, false)
	checkDur("control.diag_period", c.Control.DiagPeriod, false)

	if c.Policy.Model == "" {
		add("policy.model is required")
	}
	if len(c.Policy.Observations) == 0 {
		add("policy.observations is required")
	}
	for i, g := range c.Policy.Observations {
		if g.Name == "" {
			add("policy.observations[%d] has no name", i)
		}
		if g.Width <= 0 {
			add("policy.observations[%d] %q has width %d", i, g.Name, g.Width)
		}
	}
	if c.Policy.SlowTail < 0 || c.Policy.SlowTail > len(c.Policy.Observations) {
		add("policy.slow_tail %d is outside [0, %d]", c.Policy.SlowTail, len(c.Policy.Observations))
	}
	if c.Policy.HistoryLength < 0 {
		add("policy.history_length must not be negative, got %d", c.Policy.HistoryLength)
	}
	if c.Policy.HistoryLength > 0 && len(c.Policy.HistoryOffsets) == 0 {
		add("policy.history_offsets is required when history_length is set")
	}
	for i, off := range c.Policy.HistoryOffsets {
		if off < 0 || off >= c.Policy.HistoryLength {
			add("policy.history_offsets[%d] = %d is outside [0, %d)", i, off, c.Policy.HistoryLength)
		}
	}
	if (len(c.Policy.ClipLower) == 0) != (len(c.Policy.ClipUpper) == 0) {
		add("policy.clip_lower and policy.clip_upper must be set together")
	} else if len(c.Policy.ClipLower) != len(c.Policy.ClipUpper) {
		add("policy.clip_lower has %d entries, clip_upper has %d", len(c.Policy.ClipLower), len(c.Policy.ClipUpper))
	}
	if d := c.Policy.Decode; d != nil {
		if d.AnchorQuat == nil && (d.AnchorAt != nil || d.AnchorLen != nil) {
			add("policy.decode.anchor_at/anchor_len need policy.decode.anchor_quat")
		}
	}

	joints := c.Joints()
	if joints == 0 {
		add("robot.default_pose is required")
	}
	if u := c.Robot.AngleUnit; u != "" && !units.IsValidAngleUnit(u) {
		add("robot.angle_unit %q is not a known unit (rad or deg)", u)
	}
	checkGains := func(field string, v []float32) {
		if len(v) != 0 && len(v) != 1 && len(v) != joints {
			add("robot.%s has %d entries, want 1 or %d", field, len(v), joints)
		}
	}
	checkGains("action_scale", c.Robot.ActionScale)
	checkGains("kp", c.Robot.Kp)
	checkGains("kd", c.Robot.Kd)
	checkGains("damping_kd", c.Robot.DampingKd)
	if len(c.Robot.JointNames) != 0 && len(c.Robot.JointNames) != joints {
		add("robot.joint_names has %d entries, want %d", len(c.Robot.JointNames), joints)
	}
	if len(c.Robot.CommandScale) != 0 && len(c.Robot.CommandScale) != 3 {
		add("robot.command_scale has %d entries, want 3", len(c.Robot.CommandScale))
	}
	checkDur("robot.motion_duration", c.Robot.MotionDuration, false)

	if c.Transport.Bridge == "" {
		add("transport.bridge is required")
	} else if _, _, err := net.SplitHostPort(c.Transport.Bridge); err != nil {
		add("transport.bridge: %v", err)
	}
	if c.Transport.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Transport.Listen); err != nil {
			add("transport.listen: %v", err)
		}
	}
	if c.Transport.StatePort < 0 || c.Transport.StatePort > 65535 {
		add("transport.state_port %d is not a port", c.Transport.StatePort)
	}
	checkDur("transport.read_timeout", c.Transport.ReadTimeout, false)

	switch c.Input.Kind {
	case "", "keys", "none":
	case "serial":
		if c.Input.Port == "" {
			add("input.port is required for the serial source")
		}
	default:
		add("input.kind %q is not one of keys, serial, none", c.Input.Kind)
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Joints is the robot's joint count, defined by the default pose.
func (c *Config) Joints() int { return len(c.Robot.DefaultPose) }

// defaultPose returns the default joint pose in radians, converting from
// the profile's angle unit when one is set.
func (c *Config) defaultPose() []float32 {
	out := make([]float32, len(c.Robot.DefaultPose))
	for i, v := range c.Robot.DefaultPose {
		out[i] = float32(units.ToRadians(float64(v), c.Robot.AngleUnit))
	}
	return out
}

func dur(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetDt returns the control period.
func (c *Config) GetDt() time.Duration { return dur(c.Control.Dt, 5*time.Millisecond) }

// GetInputPeriod returns the intent poll period.
func (c *Config) GetInputPeriod() time.Duration { return dur(c.Control.InputPeriod, 50*time.Millisecond) }

// GetDiagPeriod returns the diagnostics period; zero disables the task.
func (c *Config) GetDiagPeriod() time.Duration { return dur(c.Control.DiagPeriod, 0) }

// GetMotionDuration returns the reference motion length for phase-driven
// policies; zero when the policy has no phase group.
func (c *Config) GetMotionDuration() time.Duration { return dur(c.Robot.MotionDuration, 0) }

// GetReadTimeout returns the state socket read deadline.
func (c *Config) GetReadTimeout() time.Duration { return dur(c.Transport.ReadTimeout, 200*time.Millisecond) }

// GetStatePort returns the state listen port.
func (c *Config) GetStatePort() int {
	if c.Transport.StatePort == 0 {
		return 7701
	}
	return c.Transport.StatePort
}

// GetStrategy returns the strategy name, defaulting to the policy strategy.
func (c *Config) GetStrategy() string {
	if c.Robot.Strategy == "" {
		return "policy"
	}
	return c.Robot.Strategy
}

// GetThreads returns the inference thread budget. Control loops default to
// one thread to avoid scheduling jitter.
func (c *Config) GetThreads() int {
	if c.Policy.Threads <= 0 {
		return 1
	}
	return c.Policy.Threads
}

// GetInputKind returns the intent source kind.
func (c *Config) GetInputKind() string {
	if c.Input.Kind == "" {
		return "keys"
	}
	return c.Input.Kind
}

// GetBaud returns the serial baud rate.
func (c *Config) GetBaud() int {
	if c.Input.Baud <= 0 {
		return 115200
	}
	return c.Input.Baud
}

// GetTelemetryEnabled reports whether the recorder and store run.
func (c *Config) GetTelemetryEnabled() bool {
	if c.Telemetry.Enabled == nil {
		return true
	}
	return *c.Telemetry.Enabled
}

// GetTelemetryDir returns the CSV directory.
func (c *Config) GetTelemetryDir() string {
	if c.Telemetry.Dir == "" {
		return "log"
	}
	return c.Telemetry.Dir
}

// GetDatabase returns the sqlite path.
func (c *Config) GetDatabase() string {
	if c.Telemetry.Database == "" {
		return "gaitd.db"
	}
	return c.Telemetry.Database
}

// Schema builds the observation schema from the configured groups.
func (c *Config) Schema() (*schema.Schema, error) {
	groups := make([]schema.Group, len(c.Policy.Observations))
	for i, g := range c.Policy.Observations {
		groups[i] = schema.Group{Name: g.Name, Width: g.Width}
	}
	return schema.New(groups, c.Policy.SlowTail)
}

// HistoryBuffer builds the observation history and its assembly offsets.
// Policies without history get a nil buffer.
func (c *Config) HistoryBuffer() (*history.Buffer, []int, error) {
	if c.Policy.HistoryLength <= 0 {
		return nil, nil, nil
	}
	sc, err := c.Schema()
	if err != nil {
		return nil, nil, err
	}
	buf, err := history.New(1, sc, c.Policy.HistoryLength)
	if err != nil {
		return nil, nil, err
	}
	return buf, c.Policy.HistoryOffsets, nil
}

// Clip returns the action bounds, nil when unbounded.
func (c *Config) Clip() *policy.Bounds {
	if len(c.Policy.ClipLower) == 0 && len(c.Policy.ClipUpper) == 0 {
		return nil
	}
	return &policy.Bounds{Lower: c.Policy.ClipLower, Upper: c.Policy.ClipUpper}
}

// DecodeSlots returns the output slot table.
func (c *Config) DecodeSlots() policy.Decode {
	d := c.Policy.Decode
	if d == nil {
		return policy.DefaultDecode()
	}
	out := policy.Decode{Action: 0, RefJointPos: -1, RefJointVel: -1, AnchorQuat: -1}
	if d.Action != nil {
		out.Action = *d.Action
	}
	if d.RefJointPos != nil {
		out.RefJointPos = *d.RefJointPos
	}
	if d.RefJointVel != nil {
		out.RefJointVel = *d.RefJointVel
	}
	if d.AnchorQuat != nil {
		out.AnchorQuat = *d.AnchorQuat
		out.AnchorLen = 4
		if d.AnchorAt != nil {
			out.AnchorAt = *d.AnchorAt
		}
		if d.AnchorLen != nil {
			out.AnchorLen = *d.AnchorLen
		}
	}
	return out
}

// ObserverConfig derives the observer settings.
func (c *Config) ObserverConfig() (robot.ObserverConfig, error) {
	sc, err := c.Schema()
	if err != nil {
		return robot.ObserverConfig{}, err
	}
	oc := robot.ObserverConfig{
		Schema:         sc,
		DefaultPose:    c.defaultPose(),
		AngVelScale:    c.Robot.AngVelScale,
		DofPosScale:    c.Robot.DofPosScale,
		DofVelScale:    c.Robot.DofVelScale,
		Dt:             c.GetDt(),
		Decimation:     c.Control.Decimation,
		MotionDuration: c.GetMotionDuration(),
	}
	if len(c.Robot.CommandScale) == 3 {
		copy(oc.CommandScale[:], c.Robot.CommandScale)
	}
	return oc, nil
}

// StrategyConfig derives the strategy settings.
func (c *Config) StrategyConfig() robot.StrategyConfig {
	return robot.StrategyConfig{
		Joints:      c.Joints(),
		DefaultPose: c.defaultPose(),
		ActionScale: c.Robot.ActionScale,
		Kp:          c.Robot.Kp,
		Kd:          c.Robot.Kd,
		DampingKd:   c.Robot.DampingKd,
	}
}

// UDPConfig derives the bus settings for the given network interface.
func (c *Config) UDPConfig(iface string) transport.UDPConfig {
	return transport.UDPConfig{
		Interface:   iface,
		StatePort:   c.GetStatePort(),
		Listen:      c.Transport.Listen,
		Bridge:      c.Transport.Bridge,
		Joints:      c.Joints(),
		ReadBuffer:  c.Transport.ReadBuffer,
		ReadTimeout: c.GetReadTimeout(),
	}
}
