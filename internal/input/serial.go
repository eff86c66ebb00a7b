package input

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/stride-robotics/gaitd/internal/control"
	"github.com/stride-robotics/gaitd/internal/monitoring"
)

// SerialConfig configures a SerialRC.
type SerialConfig struct {
	Port string
	// Baud defaults to 115200.
	Baud int
	// Open overrides the port opener; tests inject in-memory pipes.
	Open func(port string, baud int) (io.ReadCloser, error)
}

// setpoint is one remote line: {"vx": 0.4, "vy": 0, "wz": -0.2}.
type setpoint struct {
	Vx float32 `json:"vx"`
	Vy float32 `json:"vy"`
	Wz float32 `json:"wz"`
}

// SerialRC reads newline JSON setpoints from a serial remote. The newest
// complete setpoint wins; Poll applies it without blocking on the port. A
// dead or missing port is retried on the next poll.
type SerialRC struct {
	cfg    SerialConfig
	latest atomic.Pointer[setpoint]
	closed atomic.Bool

	mu   sync.Mutex
	port io.ReadCloser
}

func NewSerialRC(cfg SerialConfig) *SerialRC {
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.Open == nil {
		cfg.Open = openSerial
	}
	s := &SerialRC{cfg: cfg}
	if err := s.ensurePort(); err != nil {
		monitoring.Logf("input: open %s: %v", cfg.Port, err)
	}
	return s
}

func openSerial(port string, baud int) (io.ReadCloser, error) {
	return serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// Poll applies the most recent setpoint, reopening the port first if the
// reader died.
func (s *SerialRC) Poll(intent *control.Intent) error {
	if s.closed.Load() {
		return errors.New("input: serial source closed")
	}
	if err := s.ensurePort(); err != nil {
		return fmt.Errorf("input: open %s: %w", s.cfg.Port, err)
	}
	if sp := s.latest.Swap(nil); sp != nil {
		intent.Set(sp.Vx, sp.Vy, sp.Wz)
	}
	return nil
}

func (s *SerialRC) ensurePort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	port, err := s.cfg.Open(s.cfg.Port, s.cfg.Baud)
	if err != nil {
		return err
	}
	s.port = port
	go s.read(port)
	return nil
}

func (s *SerialRC) read(port io.ReadCloser) {
	scan := bufio.NewScanner(port)
	for scan.Scan() {
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 {
			continue
		}
		var sp setpoint
		if err := json.Unmarshal(line, &sp); err != nil {
			monitoring.Debugf("input: serial line %q: %v", line, err)
			continue
		}
		s.latest.Store(&sp)
	}
	if err := scan.Err(); err != nil && !s.closed.Load() {
		monitoring.Logf("input: serial read: %v", err)
	}

	// Drop the dead port so the next poll reopens it.
	s.mu.Lock()
	if s.port == port {
		s.port = nil
	}
	s.mu.Unlock()
}

// Close shuts the port. Poll errors afterwards.
func (s *SerialRC) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port != nil {
		return port.Close()
	}
	return nil
}
