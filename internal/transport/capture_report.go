package transport

import (
	"fmt"
	"time"
)

// CaptureReport summarizes the state-frame traffic found in a packet
// capture.
type CaptureReport struct {
	Packets     int // UDP payloads on the filtered port
	StateFrames int // size and CRC valid
	BadCRC      int
	WrongSize   int
	Duration    time.Duration // first to last packet timestamp
	Rate        float64       // valid state frames per second
}

func (r *CaptureReport) String() string {
	return fmt.Sprintf("%d packets: %d state frames, %d bad crc, %d wrong size, %.1f frames/s over %v",
		r.Packets, r.StateFrames, r.BadCRC, r.WrongSize, r.Rate, r.Duration.Round(time.Millisecond))
}
