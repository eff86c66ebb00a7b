package input

import (
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stride-robotics/gaitd/internal/control"
	"github.com/stride-robotics/gaitd/internal/robot"
)

// waitFor polls cond until it holds or two seconds pass. The byte pumps run
// on their own goroutines, so tests poll for their effects.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func intentNear(got robot.Intent, want robot.Intent) bool {
	near := func(a, b float32) bool { return math.Abs(float64(a-b)) < 1e-6 }
	return near(got.Vx, want.Vx) && near(got.Vy, want.Vy) && near(got.Wz, want.Wz)
}

func TestKeysNudges(t *testing.T) {
	intent := control.NewIntent(0, 0, 0)
	keys := NewKeys(strings.NewReader("ww"))

	waitFor(t, "two vx nudges", func() bool {
		if err := keys.Poll(intent); err != nil && !errors.Is(err, io.EOF) {
			t.Fatalf("Poll: %v", err)
		}
		return intentNear(intent.Robot(), robot.Intent{Vx: 0.2})
	})
}

func TestKeysFullMap(t *testing.T) {
	// s drops vx, space zeroes, then a and q nudge vy and wz.
	intent := control.NewIntent(0, 0, 0)
	keys := NewKeys(strings.NewReader("w aqqe"))

	waitFor(t, "key sequence", func() bool {
		if err := keys.Poll(intent); err != nil && !errors.Is(err, io.EOF) {
			t.Fatalf("Poll: %v", err)
		}
		return intentNear(intent.Robot(), robot.Intent{Vy: 0.1, Wz: 0.1})
	})
}

func TestKeysIgnoresUnknownAndUppercase(t *testing.T) {
	intent := control.NewIntent(0, 0, 0)
	keys := NewKeys(strings.NewReader("W?x\nD"))

	waitFor(t, "case-folded keys", func() bool {
		if err := keys.Poll(intent); err != nil && !errors.Is(err, io.EOF) {
			t.Fatalf("Poll: %v", err)
		}
		return intentNear(intent.Robot(), robot.Intent{Vx: 0.1, Vy: -0.1})
	})
}

func TestKeysReportsDeadStreamOnce(t *testing.T) {
	intent := control.NewIntent(0, 0, 0)
	keys := NewKeys(strings.NewReader(""))

	var got error
	waitFor(t, "stream error", func() bool {
		got = keys.Poll(intent)
		return got != nil
	})
	if !errors.Is(got, io.EOF) {
		t.Fatalf("Poll error = %v, want io.EOF", got)
	}
	if err := keys.Poll(intent); err != nil {
		t.Fatalf("second Poll after EOF = %v, want nil", err)
	}
}
