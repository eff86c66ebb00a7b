package units

import (
	"math"
	"testing"
	"time"
)

func TestIsValidAngleUnit(t *testing.T) {
	tests := []struct {
		unit string
		want bool
	}{
		{Radians, true},
		{Degrees, true},
		{"grad", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValidAngleUnit(tt.unit); got != tt.want {
			t.Errorf("IsValidAngleUnit(%q) = %v, want %v", tt.unit, got, tt.want)
		}
	}
}

func TestDegRadRoundTrip(t *testing.T) {
	for _, deg := range []float64{-180, -90, 0, 45, 90, 180, 360} {
		back := RadToDeg(DegToRad(deg))
		if math.Abs(back-deg) > 1e-9 {
			t.Errorf("round trip %v degrees = %v", deg, back)
		}
	}
	if got := DegToRad(180); math.Abs(got-math.Pi) > 1e-12 {
		t.Errorf("DegToRad(180) = %v, want pi", got)
	}
}

func TestToRadians(t *testing.T) {
	if got := ToRadians(90, Degrees); math.Abs(got-math.Pi/2) > 1e-12 {
		t.Errorf("ToRadians(90, deg) = %v", got)
	}
	if got := ToRadians(1.5, Radians); got != 1.5 {
		t.Errorf("ToRadians(1.5, rad) = %v", got)
	}
	// unknown unit passes through
	if got := ToRadians(2.0, "grad"); got != 2.0 {
		t.Errorf("ToRadians(2.0, grad) = %v", got)
	}
}

func TestWrapAngle(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{3 * math.Pi, math.Pi},
		{math.Pi / 2, math.Pi / 2},
		{2 * math.Pi, 0},
	}
	for _, tt := range tests {
		if got := WrapAngle(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("WrapAngle(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPeriodHz(t *testing.T) {
	if got := PeriodFromHz(500); got != 2*time.Millisecond {
		t.Errorf("PeriodFromHz(500) = %v", got)
	}
	if got := HzFromPeriod(20 * time.Millisecond); math.Abs(got-50) > 1e-9 {
		t.Errorf("HzFromPeriod(20ms) = %v", got)
	}
	if got := PeriodFromHz(0); got != 0 {
		t.Errorf("PeriodFromHz(0) = %v, want 0", got)
	}
	if got := HzFromPeriod(0); got != 0 {
		t.Errorf("HzFromPeriod(0) = %v, want 0", got)
	}
}
