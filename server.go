package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/stride-robotics/gaitd/internal/backend"
	"github.com/stride-robotics/gaitd/internal/control"
	"github.com/stride-robotics/gaitd/internal/httputil"
	"github.com/stride-robotics/gaitd/internal/telemetry"
	"github.com/stride-robotics/gaitd/internal/version"
)

// Server exposes the daemon's status surfaces: a liveness probe, a JSON
// counters snapshot, the model handle tables, the recorded session list,
// and the telemetry store's debug routes.
type Server struct {
	runner  *control.Runner
	store   *telemetry.Store
	robot   string
	session string
	handles []backend.Handle
	started time.Time
}

type ServerConfig struct {
	Runner *control.Runner
	// Store may be nil when telemetry is disabled; the debug routes are
	// skipped then.
	Store   *telemetry.Store
	Robot   string
	Session string
	Handles []backend.Handle
}

func NewServer(cfg ServerConfig) *Server {
	return &Server{
		runner:  cfg.Runner,
		store:   cfg.Store,
		robot:   cfg.Robot,
		session: cfg.Session,
		handles: cfg.Handles,
		started: time.Now(),
	}
}

func (s *Server) ServeMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.health)
	mux.HandleFunc("/api/status", s.status)
	mux.HandleFunc("/api/handles", s.listHandles)
	if s.store != nil {
		mux.HandleFunc("/api/sessions", s.listSessions)
		if err := s.store.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok\n"))
}

type backendStatus struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Loaded bool   `json:"loaded"`
}

type taskStatus struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Period string `json:"period"`
	Ticks  uint64 `json:"ticks"`
}

type intentStatus struct {
	Vx float32 `json:"vx"`
	Vy float32 `json:"vy"`
	Wz float32 `json:"wz"`
}

type statusPayload struct {
	Version         string          `json:"version"`
	Robot           string          `json:"robot"`
	Session         string          `json:"session,omitempty"`
	UptimeSeconds   float64         `json:"uptime_s"`
	Backends        []backendStatus `json:"backends"`
	Tasks           []taskStatus    `json:"tasks"`
	InputTicks      uint64          `json:"input_ticks"`
	ControlTicks    uint64          `json:"control_ticks"`
	InferenceTicks  uint64          `json:"inference_ticks"`
	InferenceErrors uint64          `json:"inference_errors"`
	SkippedNoState  uint64          `json:"skipped_no_state"`
	Intent          intentStatus    `json:"intent"`
	LastLatencyUs   int64           `json:"last_latency_us"`
	LastStep        float32         `json:"last_step"`
	Backend         string          `json:"backend,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	stats := s.runner.Stats()
	payload := statusPayload{
		Version:         version.String(),
		Robot:           s.robot,
		Session:         s.session,
		UptimeSeconds:   time.Since(s.started).Seconds(),
		InputTicks:      stats.InputTicks,
		ControlTicks:    stats.ControlTicks,
		InferenceTicks:  stats.InferenceTicks,
		InferenceErrors: stats.InferenceErrors,
		SkippedNoState:  stats.SkippedNoState,
		Intent:          intentStatus{Vx: stats.Intent.Vx, Vy: stats.Intent.Vy, Wz: stats.Intent.Wz},
		LastLatencyUs:   stats.LastLatency.Microseconds(),
		LastStep:        stats.LastStep,
		Backend:         stats.Backend,
	}
	for _, h := range s.handles {
		payload.Backends = append(payload.Backends, backendStatus{Kind: h.Kind, Path: h.Path, Loaded: h.Loaded})
	}
	for _, t := range s.runner.Tasks() {
		payload.Tasks = append(payload.Tasks, taskStatus{
			Name:   t.Name(),
			State:  t.State().String(),
			Period: t.Period().String(),
			Ticks:  t.Ticks(),
		})
	}
	httputil.WriteJSONOK(w, payload)
}

type sessionPayload struct {
	ID         string `json:"id"`
	StartedAt  string `json:"started_at"`
	EndedAt    string `json:"ended_at,omitempty"`
	Robot      string `json:"robot"`
	PolicyPath string `json:"policy_path"`
	Backend    string `json:"backend"`
	Interface  string `json:"interface"`
	Dt         string `json:"dt"`
	Decimation int    `json:"decimation"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.store.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]sessionPayload, 0, len(sessions))
	for _, sess := range sessions {
		p := sessionPayload{
			ID:         sess.ID,
			StartedAt:  sess.StartedAt.Format(time.RFC3339),
			Robot:      sess.Robot,
			PolicyPath: sess.PolicyPath,
			Backend:    sess.Backend,
			Interface:  sess.Interface,
			Dt:         sess.Dt.String(),
			Decimation: sess.Decimation,
		}
		if !sess.EndedAt.IsZero() {
			p.EndedAt = sess.EndedAt.Format(time.RFC3339)
		}
		out = append(out, p)
	}
	httputil.WriteJSONOK(w, out)
}

type handlePayload struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Loaded bool   `json:"loaded"`
	Detail string `json:"detail"`
}

func (s *Server) listHandles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	out := make([]handlePayload, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, handlePayload{Kind: h.Kind, Path: h.Path, Loaded: h.Loaded, Detail: h.String()})
	}
	httputil.WriteJSONOK(w, out)
}
