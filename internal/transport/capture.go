//go:build pcap
// +build pcap

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/stride-robotics/gaitd/internal/monitoring"
)

// AnalyzeCapture scans a pcap file for state frames on the given UDP port
// and reports size, CRC and rate statistics. Only available when built with
// the 'pcap' tag.
func AnalyzeCapture(path string, port, joints int) (*CaptureReport, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("transport: open capture %s: %w", path, err)
	}
	defer handle.Close()

	filter := fmt.Sprintf("udp port %d", port)
	if err := handle.SetBPFFilter(filter); err != nil {
		return nil, fmt.Errorf("transport: bpf filter %q: %w", filter, err)
	}

	want := StateFrameSize(joints)
	report := &CaptureReport{}
	var first, last time.Time

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range source.Packets() {
		payload, ok := udpPayload(packet)
		if !ok {
			continue
		}
		report.Packets++
		ts := packet.Metadata().Timestamp
		if first.IsZero() {
			first = ts
		}
		last = ts

		if len(payload) != want {
			report.WrongSize++
			continue
		}
		if _, err := DecodeState(payload, joints); err != nil {
			report.BadCRC++
			continue
		}
		report.StateFrames++
	}

	report.Duration = last.Sub(first)
	if report.Duration > 0 {
		report.Rate = float64(report.StateFrames) / report.Duration.Seconds()
	}
	return report, nil
}

// ReplayCapture re-emits the UDP payloads captured on port to the target
// address, honoring the original inter-packet timing scaled by speed
// (1.0 replays in real time). Only available when built with the 'pcap'
// tag.
func ReplayCapture(ctx context.Context, path string, port int, target string, speed float64) error {
	if speed <= 0 {
		speed = 1.0
	}
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return fmt.Errorf("transport: replay target %q: %w", target, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", raddr, err)
	}
	defer conn.Close()

	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return fmt.Errorf("transport: open capture %s: %w", path, err)
	}
	defer handle.Close()

	filter := fmt.Sprintf("udp port %d", port)
	if err := handle.SetBPFFilter(filter); err != nil {
		return fmt.Errorf("transport: bpf filter %q: %w", filter, err)
	}

	monitoring.Logf("transport: replaying %s to %s at %.1fx", path, raddr, speed)
	sent := 0
	start := time.Now()
	var lastCapture time.Time

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet := <-source.Packets():
			if packet == nil {
				monitoring.Logf("transport: replay complete: %d packets in %v", sent, time.Since(start).Round(time.Millisecond))
				return nil
			}
			payload, ok := udpPayload(packet)
			if !ok {
				continue
			}

			captureTime := packet.Metadata().Timestamp
			if !lastCapture.IsZero() {
				delay := time.Duration(float64(captureTime.Sub(lastCapture)) / speed)
				if delay > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(delay):
					}
				}
			}
			lastCapture = captureTime

			if _, err := conn.Write(payload); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				monitoring.Logf("transport: replay write: %v", err)
				continue
			}
			sent++
		}
	}
}

func udpPayload(packet gopacket.Packet) ([]byte, bool) {
	layer := packet.Layer(layers.LayerTypeUDP)
	if layer == nil {
		return nil, false
	}
	udp, ok := layer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}
