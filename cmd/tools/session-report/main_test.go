package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stride-robotics/gaitd/internal/telemetry"
)

func seedStore(t *testing.T, ticks int) *telemetry.Store {
	t.Helper()
	store, err := telemetry.OpenStore(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	id, err := store.BeginSession(telemetry.SessionMeta{
		Robot: "g1", PolicyPath: "models/test.json", Backend: "mlp", Interface: "lo",
		Dt: 5 * time.Millisecond, Decimation: 4,
	})
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	for step := 1; step <= ticks; step++ {
		err := store.RecordInferenceTick(id, telemetry.TickStats{
			Step:      float32(step),
			Latency:   time.Duration(step) * 500 * time.Microsecond,
			ActionMin: -0.8, ActionMax: 0.9, Clipped: step % 2, Backend: "mlp",
		})
		if err != nil {
			t.Fatalf("record tick: %v", err)
		}
	}
	return store
}

func TestWriteReport(t *testing.T) {
	store := seedStore(t, 5)
	out := filepath.Join(t.TempDir(), "report.html")

	sess, err := writeReport(store, "", out)
	if err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	if sess.Robot != "g1" {
		t.Errorf("session robot = %q, want g1", sess.Robot)
	}

	body, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	html := string(body)
	for _, want := range []string{"Inference latency", "Action range", "Clipped elements", "robot=g1"} {
		if !strings.Contains(html, want) {
			t.Errorf("report is missing %q", want)
		}
	}
}

func TestWriteReportNamedSession(t *testing.T) {
	store := seedStore(t, 2)
	sessions, err := store.Sessions(1)
	if err != nil || len(sessions) == 0 {
		t.Fatalf("sessions: %v", err)
	}
	out := filepath.Join(t.TempDir(), "report.html")

	sess, err := writeReport(store, sessions[0].ID, out)
	if err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	if sess.ID != sessions[0].ID {
		t.Errorf("session = %s, want %s", sess.ID, sessions[0].ID)
	}
}

func TestWriteReportEmptyStore(t *testing.T) {
	store, err := telemetry.OpenStore(filepath.Join(t.TempDir(), "t.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if _, err := writeReport(store, "", filepath.Join(t.TempDir(), "r.html")); err == nil {
		t.Fatal("writeReport succeeded on an empty store")
	}
}
