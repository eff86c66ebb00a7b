package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stride-robotics/gaitd/internal/monitoring"
	"github.com/stride-robotics/gaitd/internal/robot"
)

// UDPConfig configures the bridge link.
type UDPConfig struct {
	// Interface is the network interface whose first IPv4 address the bus
	// binds for state frames. Ignored when Listen is set.
	Interface string
	// StatePort is the UDP port state frames arrive on, used with Interface.
	StatePort int
	// Listen is an explicit host:port listen address. It takes precedence
	// over Interface resolution; tests bind 127.0.0.1:0 through it.
	Listen string
	// Bridge is the host:port command frames are sent to.
	Bridge string
	// Joints fixes the state and command frame sizes.
	Joints int
	// ReadBuffer is the socket receive buffer size in bytes. Zero keeps the
	// OS default.
	ReadBuffer int
	// ReadTimeout bounds each blocking read so the receive loop notices
	// Close. Zero means 200ms.
	ReadTimeout time.Duration
}

// UDPStats counts traffic on the bus.
type UDPStats struct {
	FramesReceived uint64
	FramesDropped  uint64
	CommandsSent   uint64
}

// UDPBus exchanges frames with the actuator bridge over UDP. A background
// goroutine keeps the latest CRC-valid state frame; Send writes command
// frames with a running sequence number.
type UDPBus struct {
	cfg    UDPConfig
	conn   *net.UDPConn
	bridge *net.UDPAddr

	latest atomic.Pointer[robot.Snapshot]
	seq    atomic.Uint32

	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	commandsSent   atomic.Uint64

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewUDPBus binds the listen address and starts the receive loop.
func NewUDPBus(cfg UDPConfig) (*UDPBus, error) {
	if cfg.Joints <= 0 {
		return nil, fmt.Errorf("transport: joint count %d", cfg.Joints)
	}
	if cfg.Bridge == "" {
		return nil, errors.New("transport: no bridge address configured")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}

	laddr, err := listenAddr(cfg)
	if err != nil {
		return nil, err
	}
	bridge, err := net.ResolveUDPAddr("udp", cfg.Bridge)
	if err != nil {
		return nil, fmt.Errorf("transport: bridge address %q: %w", cfg.Bridge, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", laddr, err)
	}
	if cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBuffer); err != nil {
			// Some OSes clamp buffer sizes; keep going with the default.
			monitoring.Logf("transport: set receive buffer to %d bytes: %v", cfg.ReadBuffer, err)
		}
	}

	b := &UDPBus{
		cfg:    cfg,
		conn:   conn,
		bridge: bridge,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go b.receiveLoop()
	monitoring.Logf("transport: state frames on %s, bridge at %s", conn.LocalAddr(), bridge)
	return b, nil
}

// listenAddr resolves the explicit listen address, or the interface's first
// IPv4 address plus the state port.
func listenAddr(cfg UDPConfig) (*net.UDPAddr, error) {
	if cfg.Listen != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("transport: listen address %q: %w", cfg.Listen, err)
		}
		return addr, nil
	}
	if cfg.Interface == "" {
		return nil, errors.New("transport: no interface or listen address configured")
	}
	ip, err := interfaceIPv4(cfg.Interface)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: cfg.StatePort}, nil
}

func interfaceIPv4(name string) (net.IP, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("transport: interface %q: %w", name, err)
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil, fmt.Errorf("transport: interface %q addresses: %w", name, err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("transport: interface %q has no usable IPv4 address", name)
}

func (b *UDPBus) receiveLoop() {
	defer close(b.doneCh)
	buf := make([]byte, 1500)
	want := StateFrameSize(b.cfg.Joints)
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}
		if err := b.conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout)); err != nil {
			monitoring.Logf("transport: set read deadline: %v", err)
		}
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			monitoring.Logf("transport: read: %v", err)
			continue
		}
		if n != want {
			b.framesDropped.Add(1)
			monitoring.Debugf("transport: dropped %d-byte datagram, state frames are %d bytes", n, want)
			continue
		}
		snap, err := DecodeState(buf[:n], b.cfg.Joints)
		if err != nil {
			b.framesDropped.Add(1)
			monitoring.Debugf("transport: dropped frame: %v", err)
			continue
		}
		b.latest.Store(&snap)
		b.framesReceived.Add(1)
	}
}

// LocalAddr reports the bound state-frame address.
func (b *UDPBus) LocalAddr() net.Addr { return b.conn.LocalAddr() }

func (b *UDPBus) State() (robot.Snapshot, bool) {
	p := b.latest.Load()
	if p == nil {
		return robot.Snapshot{}, false
	}
	return *p, true
}

func (b *UDPBus) Send(cmd robot.Command) error {
	frame, err := EncodeCommand(cmd, b.seq.Add(1))
	if err != nil {
		return err
	}
	if _, err := b.conn.WriteToUDP(frame, b.bridge); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	b.commandsSent.Add(1)
	return nil
}

// Stats returns a traffic snapshot.
func (b *UDPBus) Stats() UDPStats {
	return UDPStats{
		FramesReceived: b.framesReceived.Load(),
		FramesDropped:  b.framesDropped.Load(),
		CommandsSent:   b.commandsSent.Load(),
	}
}

// Close stops the receive loop and closes the socket. Safe to call twice.
func (b *UDPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.doneCh
		return nil
	}
	b.closed = true
	close(b.stopCh)
	b.mu.Unlock()

	err := b.conn.Close()
	<-b.doneCh
	return err
}
