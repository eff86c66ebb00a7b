package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stride-robotics/gaitd/internal/telemetry"
)

// sampleCSV is recorder output: a scratch column that only appears on the
// first tick and a latency column missing from the last one.
const sampleCSV = `timestamp,left_hip_target,left_hip_actual,scratch,inference_latency_us
0,0.5,0.45,7,1500
0.02,0.52,0.47,,1600
0.04,0.54,0.5,,
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "robot_control_20250314_093000.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestReadColumnsRagged(t *testing.T) {
	cols, err := readColumns(writeSample(t))
	if err != nil {
		t.Fatalf("readColumns: %v", err)
	}

	want := []string{"timestamp", "left_hip_target", "left_hip_actual", "scratch", "inference_latency_us"}
	if diff := cmp.Diff(want, cols.order); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if got := len(cols.series["left_hip_target"]); got != 3 {
		t.Errorf("left_hip_target has %d points, want 3", got)
	}
	if got := len(cols.series["scratch"]); got != 1 {
		t.Errorf("scratch has %d points, want 1", got)
	}

	lat := cols.series["inference_latency_us"]
	if len(lat) != 2 {
		t.Fatalf("latency series = %v, want 2 points", lat)
	}
	if lat[1].X != 0.02 || lat[1].Y != 1600 {
		t.Errorf("latency[1] = %+v, want {0.02 1600}", lat[1])
	}
}

func TestJointNamesNeedBothColumns(t *testing.T) {
	cols, err := readColumns(writeSample(t))
	if err != nil {
		t.Fatalf("readColumns: %v", err)
	}
	if diff := cmp.Diff([]string{"left_hip"}, jointNames(cols)); diff != "" {
		t.Errorf("jointNames mismatch (-want +got):\n%s", diff)
	}

	// A target column without its actual twin is not a joint.
	cols.order = append(cols.order, "imaginary_target")
	if diff := cmp.Diff([]string{"left_hip"}, jointNames(cols)); diff != "" {
		t.Errorf("jointNames with orphan target (-want +got):\n%s", diff)
	}
}

func TestPlotCSV(t *testing.T) {
	dir := t.TempDir()
	n, err := plotCSV(writeSample(t), dir)
	if err != nil {
		t.Fatalf("plotCSV: %v", err)
	}
	if n != 2 {
		t.Errorf("plotCSV wrote %d plots, want 2", n)
	}
	for _, name := range []string{"joint_00_left_hip.png", "latency.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing plot %s: %v", name, err)
		}
	}
}

func TestPlotStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "t.db")

	store, err := telemetry.OpenStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	id, err := store.BeginSession(telemetry.SessionMeta{
		Robot: "g1", PolicyPath: "m.json", Backend: "mlp", Interface: "lo",
		Dt: 5 * time.Millisecond, Decimation: 4,
	})
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for step := 1; step <= 3; step++ {
		err := store.RecordInferenceTick(id, telemetry.TickStats{
			Step:      float32(step),
			Latency:   time.Duration(step) * time.Millisecond,
			ActionMin: -1, ActionMax: 1, Backend: "mlp",
		})
		if err != nil {
			t.Fatalf("record tick: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	out := filepath.Join(dir, "plots")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	n, err := plotStore(dbPath, "", out)
	if err != nil {
		t.Fatalf("plotStore: %v", err)
	}
	if n != 2 {
		t.Errorf("plotStore wrote %d plots, want 2", n)
	}
	for _, name := range []string{"latency.png", "action_range.png"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("missing plot %s: %v", name, err)
		}
	}
}

func TestPlotStoreEmpty(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "t.db")
	store, err := telemetry.OpenStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.Close()

	if _, err := plotStore(dbPath, "", dir); err == nil {
		t.Fatal("plotStore succeeded on an empty store")
	}
}
