package motor

import (
	"fmt"
	"time"
)

// Profile tunes startup, ramp, handoff and rescue. It is copied at New and
// never mutated afterwards.
type Profile struct {
	StartPWMHz int
	RunPWMHz   int

	KickDuration time.Duration
	KickMag      uint8

	AlignDuration time.Duration
	AlignMag      uint8
	AlignTries    int

	RampSteps  int
	RampDwell0 time.Duration
	RampDwell1 time.Duration
	RampMag0   uint8
	RampMag1   uint8

	HandoffTimeout time.Duration
	HandoffEdges   uint64

	RescueTimeout time.Duration
	RescueMag     uint8
	LockWindow    time.Duration
	LockEdges     uint64

	TrapFloor    uint8
	SineFloor    uint8
	HoldAmp      uint8
	HoldDuration time.Duration

	ZCDebounceFloor time.Duration
	ZCDebounceCeil  time.Duration
}

// DefaultProfile returns the tuning used on the reference blower.
func DefaultProfile() Profile {
	return Profile{
		StartPWMHz: 4000,
		RunPWMHz:   25000,

		KickDuration: 20 * time.Millisecond,
		KickMag:      255,

		AlignDuration: 120 * time.Millisecond,
		AlignMag:      255,
		AlignTries:    6,

		RampSteps:  1800,
		RampDwell0: 6000 * time.Microsecond,
		RampDwell1: 300 * time.Microsecond,
		RampMag0:   245,
		RampMag1:   255,

		HandoffTimeout: 300 * time.Millisecond,
		HandoffEdges:   5,

		RescueTimeout: 4 * time.Second,
		RescueMag:     255,
		LockWindow:    200 * time.Millisecond,
		LockEdges:     50,

		TrapFloor:    140,
		SineFloor:    100,
		HoldAmp:      255,
		HoldDuration: 6 * time.Second,

		ZCDebounceFloor: 60 * time.Microsecond,
		ZCDebounceCeil:  300 * time.Microsecond,
	}
}

// Validate reports the first inconsistent field.
func (p Profile) Validate() error {
	if p.StartPWMHz <= 0 || p.RunPWMHz <= 0 {
		return fmt.Errorf("motor: pwm frequencies must be > 0")
	}
	if p.AlignTries < 0 {
		return fmt.Errorf("motor: align tries must be >= 0")
	}
	if p.RampSteps < 0 {
		return fmt.Errorf("motor: ramp steps must be >= 0")
	}
	if p.RampDwell0 < 0 || p.RampDwell1 < 0 {
		return fmt.Errorf("motor: ramp dwell must be >= 0")
	}
	if p.HandoffTimeout <= 0 || p.RescueTimeout <= 0 {
		return fmt.Errorf("motor: handoff and rescue timeouts must be > 0")
	}
	if p.LockWindow <= 0 {
		return fmt.Errorf("motor: lock window must be > 0")
	}
	if p.ZCDebounceFloor > p.ZCDebounceCeil {
		return fmt.Errorf("motor: zero-cross debounce floor %s exceeds ceiling %s", p.ZCDebounceFloor, p.ZCDebounceCeil)
	}
	return nil
}

// startupBudget is the worst-case time from Start to a stalled stop with no
// back-EMF ever observed. Callers use it to bound waits.
func (p Profile) startupBudget() time.Duration {
	align := time.Duration(p.AlignTries) * (p.AlignDuration + alignGuard)
	ramp := time.Duration(p.RampSteps) * maxDur(p.RampDwell0, p.RampDwell1)
	return p.KickDuration + kickSettle + align + ramp + p.HandoffTimeout + p.RescueTimeout
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
