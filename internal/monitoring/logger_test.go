package monitoring

import (
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	// nil installs a no-op, not the default
	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("no-op logger should not have triggered callback")
	}
}

func TestLogfDefault(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
}

func TestDebugf(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetDebug(false)
	}()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = format
	})

	Debugf("tick %d", 1)
	if got != "" {
		t.Errorf("Debugf emitted while debug disabled: %q", got)
	}

	SetDebug(true)
	if !DebugEnabled() {
		t.Error("DebugEnabled() = false after SetDebug(true)")
	}
	Debugf("tick %d", 2)
	if got != "tick %d" {
		t.Errorf("Debugf did not emit while debug enabled, got %q", got)
	}
}
