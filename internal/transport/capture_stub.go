//go:build !pcap
// +build !pcap

package transport

import (
	"context"
	"fmt"
)

// AnalyzeCapture is a stub when pcap support is disabled. Build with
// -tags=pcap to enable capture analysis.
func AnalyzeCapture(path string, port, joints int) (*CaptureReport, error) {
	return nil, fmt.Errorf("transport: pcap support not enabled: rebuild with -tags=pcap")
}

// ReplayCapture is a stub when pcap support is disabled. Build with
// -tags=pcap to enable capture replay.
func ReplayCapture(ctx context.Context, path string, port int, target string, speed float64) error {
	return fmt.Errorf("transport: pcap support not enabled: rebuild with -tags=pcap")
}
