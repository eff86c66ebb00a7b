package telemetry

import (
	"sync"

	"github.com/stride-robotics/gaitd/internal/monitoring"
)

// ShutdownHandler owns telemetry teardown: it saves an in-flight recording
// and closes the open session row. The daemon invokes it exactly once from
// its termination path; Shutdown is idempotent so a second call from a
// deferred cleanup is harmless.
type ShutdownHandler struct {
	// Recorder and Store may each be nil when the corresponding surface
	// is disabled.
	Recorder *Recorder
	Dir      string
	Store    *Store
	Session  string

	once sync.Once
}

// Shutdown runs the teardown once.
func (h *ShutdownHandler) Shutdown() {
	h.once.Do(func() {
		if h.Recorder != nil && h.Recorder.HasData() {
			h.Recorder.Deactivate()
			if _, err := h.Recorder.SaveCSV(h.Dir); err != nil {
				monitoring.Logf("telemetry: %v", err)
			}
		}
		if h.Store != nil && h.Session != "" {
			if err := h.Store.EndSession(h.Session); err != nil {
				monitoring.Logf("telemetry: %v", err)
			}
		}
	})
}
