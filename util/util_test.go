package util_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/nasa-jpl/stemsync/util"
)

func ExampleCeilDiv() {
	fmt.Println(util.CeilDiv(100, 30))
	// Output: 4
}

func ExampleClampInt() {
	fmt.Println(util.ClampInt(-3, 0, 10), util.ClampInt(30, 0, 10), util.ClampInt(5, 0, 10))
	// Output: 0 10 5
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestDurationToSecsNegative(t *testing.T) {
	if s := util.DurationToSecs(-time.Second); s != 0 {
		t.Errorf("expected 0 got %v", s)
	}
}
