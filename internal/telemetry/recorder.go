// Package telemetry persists control sessions. A Recorder accumulates
// per-tick joint data in memory and writes it out as CSV; a Store keeps
// session rows and per-inference statistics in sqlite for the admin
// surfaces.
package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/stride-robotics/gaitd/internal/monitoring"
	"github.com/stride-robotics/gaitd/internal/policy"
	"github.com/stride-robotics/gaitd/internal/robot"
	"github.com/stride-robotics/gaitd/internal/timeutil"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// JointNames labels the per-joint columns. Joints beyond the list get
	// a joint_<i> fallback name.
	JointNames []string

	Clock timeutil.Clock
}

// Recorder is an in-memory column store for one control recording. Columns
// appear in the order their keys are first recorded, and rows accumulate
// until the data is written out or cleared.
//
// RecordControlTick implements control.TickRecorder: recording arms itself
// on the first tick that carries a policy result, so the saved file starts
// where the policy took over.
type Recorder struct {
	clock timeutil.Clock
	names []string

	mu     sync.Mutex
	order  []string
	cols   map[string]int
	data   [][]float64
	active bool
	epoch  time.Time
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{
		clock: clock,
		names: cfg.JointNames,
		cols:  make(map[string]int),
	}
}

// Record appends one value to the named column, creating the column on
// first use.
func (r *Recorder) Record(key string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(key, value)
}

// RecordJoint appends the six per-joint series for joint i: target and
// actual position, velocity, gains, and estimated torque.
func (r *Recorder) RecordJoint(i int, target, actual, vel, kp, kd, tauEst float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordJointLocked(i, target, actual, vel, kp, kd, tauEst)
}

// RecordControlTick records one control tick. Before the first policy
// result arrives the tick is dropped; the tick that carries one clears any
// stale data and starts a fresh recording epoch.
func (r *Recorder) RecordControlTick(snap robot.Snapshot, intent robot.Intent, cmd robot.Command, latest *policy.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		if latest == nil {
			return
		}
		r.clearLocked()
		r.active = true
		r.epoch = r.clock.Now()
		monitoring.Logf("telemetry: recording started")
	}

	r.recordLocked("timestamp", r.clock.Since(r.epoch).Seconds())
	r.recordLocked("uptime", snap.Uptime.Seconds())
	for i := 0; i < cmd.Joints(); i++ {
		r.recordJointLocked(i,
			at(cmd.Q, i), at(snap.JointPos, i), at(snap.JointVel, i),
			at(cmd.Kp, i), at(cmd.Kd, i), at(snap.TauEst, i))
	}
	r.recordLocked("intent_vx", float64(intent.Vx))
	r.recordLocked("intent_vy", float64(intent.Vy))
	r.recordLocked("intent_wz", float64(intent.Wz))
	r.recordLocked("imu_quat_w", float64(snap.Quat[0]))
	r.recordLocked("imu_quat_x", float64(snap.Quat[1]))
	r.recordLocked("imu_quat_y", float64(snap.Quat[2]))
	r.recordLocked("imu_quat_z", float64(snap.Quat[3]))
	r.recordLocked("imu_gyro_x", float64(snap.Gyro[0]))
	r.recordLocked("imu_gyro_y", float64(snap.Gyro[1]))
	r.recordLocked("imu_gyro_z", float64(snap.Gyro[2]))
	if latest != nil {
		r.recordLocked("inference_step", float64(latest.Step))
		r.recordLocked("inference_latency_us", float64(latest.Latency.Microseconds()))
	}
}

// Active reports whether a recording epoch is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Deactivate ends the recording epoch. The accumulated data stays until
// Clear so the caller can still save it.
func (r *Recorder) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
}

// HasData reports whether any column holds values.
func (r *Recorder) HasData() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order) > 0
}

// Rows returns the length of the longest column.
func (r *Recorder) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rowsLocked()
}

// Clear drops all columns and data.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

// WriteCSV writes a header row of column keys followed by the data rows.
// Columns are ragged when a key only appears on some ticks; short columns
// pad with empty cells.
func (r *Recorder) WriteCSV(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return errors.New("telemetry: no data recorded")
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(r.order); err != nil {
		return fmt.Errorf("telemetry: write header: %w", err)
	}
	record := make([]string, len(r.order))
	for i := 0; i < r.rowsLocked(); i++ {
		for j, col := range r.data {
			if i < len(col) {
				record[j] = strconv.FormatFloat(col[i], 'g', -1, 64)
			} else {
				record[j] = ""
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("telemetry: write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes the recording to robot_control_<timestamp>.csv under dir,
// creating the directory if needed, and returns the file path.
func (r *Recorder) SaveCSV(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("telemetry: create log dir: %w", err)
	}
	name := "robot_control_" + r.clock.Now().Format("20060102_150405") + ".csv"
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("telemetry: create %s: %w", path, err)
	}
	if err := r.WriteCSV(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("telemetry: close %s: %w", path, err)
	}
	monitoring.Logf("telemetry: saved %d rows to %s", r.Rows(), path)
	return path, nil
}

func (r *Recorder) recordLocked(key string, value float64) {
	idx, ok := r.cols[key]
	if !ok {
		idx = len(r.order)
		r.cols[key] = idx
		r.order = append(r.order, key)
		r.data = append(r.data, nil)
	}
	r.data[idx] = append(r.data[idx], value)
}

func (r *Recorder) recordJointLocked(i int, target, actual, vel, kp, kd, tauEst float64) {
	name := r.jointName(i)
	r.recordLocked(name+"_target", target)
	r.recordLocked(name+"_actual", actual)
	r.recordLocked(name+"_dq", vel)
	r.recordLocked(name+"_kp", kp)
	r.recordLocked(name+"_kd", kd)
	r.recordLocked(name+"_tau_est", tauEst)
}

func (r *Recorder) jointName(i int) string {
	if i < len(r.names) && r.names[i] != "" {
		return r.names[i]
	}
	return fmt.Sprintf("joint_%d", i)
}

func (r *Recorder) rowsLocked() int {
	rows := 0
	for _, col := range r.data {
		if len(col) > rows {
			rows = len(col)
		}
	}
	return rows
}

func (r *Recorder) clearLocked() {
	r.order = nil
	r.data = nil
	r.cols = make(map[string]int)
}

func at(v []float32, i int) float64 {
	if i < len(v) {
		return float64(v[i])
	}
	return 0
}
