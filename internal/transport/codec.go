package transport

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/stride-robotics/gaitd/internal/robot"
)

// Wire format shared with the actuator bridge. Every field is a 4-byte
// little-endian word so the trailing CRC can run over whole words.
//
// State frame (bridge to controller):
//
//	tick     uint32      bridge uptime in milliseconds
//	quat     [4]float32  orientation, w x y z
//	gyro     [3]float32  body angular velocity, rad/s
//	joints   n × (q, dq, tauEst float32)
//	crc      uint32
//
// Command frame (controller to bridge):
//
//	seq      uint32
//	joints   n × (q, dq, kp, kd, tau float32)
//	crc      uint32
const (
	stateHeaderWords = 1 + 4 + 3
	stateJointWords  = 3
	cmdHeaderWords   = 1
	cmdJointWords    = 5
	crcWords         = 1
	wordBytes        = 4
)

// StateFrameSize returns the byte length of a state frame for n joints.
func StateFrameSize(n int) int {
	return (stateHeaderWords + n*stateJointWords + crcWords) * wordBytes
}

// CommandFrameSize returns the byte length of a command frame for n joints.
func CommandFrameSize(n int) int {
	return (cmdHeaderWords + n*cmdJointWords + crcWords) * wordBytes
}

// FrameError reports a frame that could not be decoded. The transport drops
// and counts these rather than surfacing them to the control loop.
type FrameError struct {
	Msg string
}

func (e *FrameError) Error() string { return "transport: " + e.Msg }

func frameErrf(format string, v ...interface{}) *FrameError {
	return &FrameError{Msg: fmt.Sprintf(format, v...)}
}

// busCRC32 is the actuator bus checksum: bit-serial CRC-32 with polynomial
// 0x04c11db7, initial value 0xFFFFFFFF and no final xor, fed whole
// little-endian words most significant bit first.
func busCRC32(words []uint32) uint32 {
	const poly = 0x04c11db7
	crc := uint32(0xFFFFFFFF)
	for _, w := range words {
		for xbit := uint32(1) << 31; xbit != 0; xbit >>= 1 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
			if w&xbit != 0 {
				crc ^= poly
			}
		}
	}
	return crc
}

// frameWords reinterprets a word-aligned frame as uint32 words, excluding
// the trailing CRC word.
func frameWords(frame []byte) []uint32 {
	n := len(frame)/wordBytes - crcWords
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(frame[i*wordBytes:])
	}
	return words
}

// sealFrame writes the CRC of everything before the last word into the last
// word.
func sealFrame(frame []byte) {
	crc := busCRC32(frameWords(frame))
	binary.LittleEndian.PutUint32(frame[len(frame)-wordBytes:], crc)
}

// checkFrame verifies the trailing CRC.
func checkFrame(frame []byte) error {
	want := binary.LittleEndian.Uint32(frame[len(frame)-wordBytes:])
	if got := busCRC32(frameWords(frame)); got != want {
		return frameErrf("crc mismatch: frame carries %08x, computed %08x", want, got)
	}
	return nil
}

type wordWriter struct {
	buf []byte
	off int
}

func (w *wordWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += wordBytes
}

func (w *wordWriter) f32(v float32) { w.u32(math.Float32bits(v)) }

type wordReader struct {
	buf []byte
	off int
}

func (r *wordReader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += wordBytes
	return v
}

func (r *wordReader) f32() float32 { return math.Float32frombits(r.u32()) }

// EncodeState serializes a snapshot for n joints and seals the CRC.
func EncodeState(snap robot.Snapshot, n int) ([]byte, error) {
	if len(snap.JointPos) < n || len(snap.JointVel) < n || len(snap.TauEst) < n {
		return nil, frameErrf("snapshot carries %d/%d/%d joints, want %d",
			len(snap.JointPos), len(snap.JointVel), len(snap.TauEst), n)
	}
	w := wordWriter{buf: make([]byte, StateFrameSize(n))}
	w.u32(uint32(snap.Uptime.Milliseconds()))
	for _, q := range snap.Quat {
		w.f32(q)
	}
	for _, g := range snap.Gyro {
		w.f32(g)
	}
	for i := 0; i < n; i++ {
		w.f32(snap.JointPos[i])
		w.f32(snap.JointVel[i])
		w.f32(snap.TauEst[i])
	}
	sealFrame(w.buf)
	return w.buf, nil
}

// DecodeState parses and CRC-checks a state frame for n joints.
func DecodeState(frame []byte, n int) (robot.Snapshot, error) {
	if len(frame) != StateFrameSize(n) {
		return robot.Snapshot{}, frameErrf("state frame is %d bytes, want %d for %d joints",
			len(frame), StateFrameSize(n), n)
	}
	if err := checkFrame(frame); err != nil {
		return robot.Snapshot{}, err
	}
	r := wordReader{buf: frame}
	snap := robot.Snapshot{
		JointPos: make([]float32, n),
		JointVel: make([]float32, n),
		TauEst:   make([]float32, n),
	}
	snap.Uptime = time.Duration(r.u32()) * time.Millisecond
	for i := range snap.Quat {
		snap.Quat[i] = r.f32()
	}
	for i := range snap.Gyro {
		snap.Gyro[i] = r.f32()
	}
	for i := 0; i < n; i++ {
		snap.JointPos[i] = r.f32()
		snap.JointVel[i] = r.f32()
		snap.TauEst[i] = r.f32()
	}
	return snap, nil
}

// EncodeCommand serializes a command frame with the given sequence number
// and seals the CRC.
func EncodeCommand(cmd robot.Command, seq uint32) ([]byte, error) {
	n := cmd.Joints()
	if len(cmd.Dq) != n || len(cmd.Kp) != n || len(cmd.Kd) != n || len(cmd.Tau) != n {
		return nil, frameErrf("command slices disagree on joint count")
	}
	w := wordWriter{buf: make([]byte, CommandFrameSize(n))}
	w.u32(seq)
	for i := 0; i < n; i++ {
		w.f32(cmd.Q[i])
		w.f32(cmd.Dq[i])
		w.f32(cmd.Kp[i])
		w.f32(cmd.Kd[i])
		w.f32(cmd.Tau[i])
	}
	sealFrame(w.buf)
	return w.buf, nil
}

// DecodeCommand parses and CRC-checks a command frame for n joints. The
// daemon never receives commands; this exists for the capture tooling and
// bridge simulators.
func DecodeCommand(frame []byte, n int) (robot.Command, uint32, error) {
	if len(frame) != CommandFrameSize(n) {
		return robot.Command{}, 0, frameErrf("command frame is %d bytes, want %d for %d joints",
			len(frame), CommandFrameSize(n), n)
	}
	if err := checkFrame(frame); err != nil {
		return robot.Command{}, 0, err
	}
	r := wordReader{buf: frame}
	seq := r.u32()
	cmd := robot.ZeroCommand(n)
	for i := 0; i < n; i++ {
		cmd.Q[i] = r.f32()
		cmd.Dq[i] = r.f32()
		cmd.Kp[i] = r.f32()
		cmd.Kd[i] = r.f32()
		cmd.Tau[i] = r.f32()
	}
	return cmd, seq, nil
}
