package autopap

import (
	"time"

	"go.uber.org/zap"
)

// EventKind classifies a pressure event.
type EventKind int

const (
	EventApnea EventKind = iota
	EventFlowLimit
	EventDecay
)

func (k EventKind) String() string {
	switch k {
	case EventApnea:
		return "APNEA"
	case EventFlowLimit:
		return "FLOW_LIMIT"
	case EventDecay:
		return "DECAY"
	default:
		return "UNKNOWN"
	}
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event records one titration step.
type Event struct {
	At         time.Time `json:"at"`
	Kind       EventKind `json:"kind"`
	EPAPBefore float64   `json:"epap_before_cm"`
	EPAPAfter  float64   `json:"epap_after_cm"`
	// Ratio is the peak/baseline ratio of the breath that closed a flow-limit streak.
	Ratio float64 `json:"ratio,omitempty"`
}

func (c *Controller) recordLocked(now time.Time, kind EventKind, before, ratio float64) Event {
	e := Event{At: now, Kind: kind, EPAPBefore: before, EPAPAfter: c.epap, Ratio: ratio}
	c.events.Push(e)
	if kind == EventApnea {
		c.log.Info("apnea event", zap.Float64("epap_cm", c.epap), zap.Float64("ahi", c.ahiLocked(now)))
	} else {
		c.log.Info("pressure event", zap.Stringer("kind", kind), zap.Float64("epap_cm", c.epap))
	}
	return e
}

// purgeApneasLocked drops apnea timestamps older than the AHI window.
func (c *Controller) purgeApneasLocked(now time.Time) {
	for {
		t, ok := c.apneas.Oldest()
		if !ok || now.Sub(t) <= c.tun.AHIWindow {
			return
		}
		c.apneas.PopOldest()
	}
}

// ahiLocked is events per hour over the trailing window. During the first
// window after Begin the elapsed time is used as the denominator.
func (c *Controller) ahiLocked(now time.Time) float64 {
	c.purgeApneasLocked(now)
	window := now.Sub(c.begunAt)
	if window > c.tun.AHIWindow {
		window = c.tun.AHIWindow
	}
	minutes := window.Minutes()
	if minutes <= 0 {
		return 0
	}
	return float64(c.apneas.Len()) * 60 / minutes
}

// AHI returns apnea events per hour.
func (c *Controller) AHI() float64 {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ahiLocked(now)
}

// ApneaCount is the number of apnea events inside the trailing window.
func (c *Controller) ApneaCount() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeApneasLocked(now)
	return c.apneas.Len()
}

// Events returns up to the newest n events, oldest first. n <= 0 returns all kept.
func (c *Controller) Events(n int) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events.Tail(n)
}
