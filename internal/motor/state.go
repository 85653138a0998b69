package motor

import (
	"time"

	"go.uber.org/zap"
)

// State is the driver state. Exactly one is active at a time.
type State int32

const (
	StateIdle State = iota
	StatePreKick
	StateAlign
	StateRamp
	StateBemfWait
	StateRescue
	StateRun
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreKick:
		return "prekick"
	case StateAlign:
		return "align"
	case StateRamp:
		return "ramp"
	case StateBemfWait:
		return "bemf_wait"
	case StateRescue:
		return "rescue"
	case StateRun:
		return "run"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// step advances the state machine once and returns how long the control task
// may sleep before the next step. Callers hold ctlMu.
func (d *Driver) step(now time.Time) time.Duration {
	if d.faultLatched.CompareAndSwap(true, false) {
		d.log.Error("gate driver fault, forcing motor stop", zap.Stringer("state", d.State()))
		d.stopInternal()
		d.setState(StateIdle)
		d.driverFaults.Add(1)
		return faultSettle
	}

	switch d.State() {
	case StateIdle:
		return idlePoll

	case StatePreKick:
		if !d.ctl.init {
			d.ctl.init = true
			d.trapStep(0, d.prof.KickMag)
			d.ctl.timer = now
		}
		if now.Sub(d.ctl.timer) < d.prof.KickDuration {
			return stepPoll
		}
		d.trapStep(0, d.prof.AlignMag)
		if d.prof.AlignTries > 0 {
			d.setState(StateAlign)
		} else {
			d.setState(StateRamp)
		}
		return kickSettle

	case StateAlign:
		if !d.ctl.init {
			d.ctl.init = true
			d.ctl.alignTry = 0
			d.ctl.timer = now
		}
		tries := d.prof.AlignTries
		if tries < 1 {
			tries = 1
		}
		if d.ctl.alignTry >= tries {
			d.setState(StateRamp)
			return 0
		}
		if now.Sub(d.ctl.timer) >= d.prof.AlignDuration+alignGuard {
			d.trapStep(d.ctl.alignTry%6, d.prof.AlignMag)
			d.ctl.alignTry++
			d.ctl.timer = now
		}
		return stepPoll

	case StateRamp:
		if !d.ctl.init {
			d.ctl.init = true
			d.ctl.rampI = 0
			d.ctl.rampStep = 0
			d.ctl.rampNext = now
		}
		if d.ctl.rampI >= d.prof.RampSteps {
			d.setState(StateBemfWait)
			return 0
		}
		if !now.Before(d.ctl.rampNext) {
			dwell, mag := d.rampPoint(d.ctl.rampI)
			d.trapStep(d.ctl.rampStep, mag)
			d.ctl.rampStep = (d.ctl.rampStep + 1) % 6
			d.ctl.rampI++
			d.ctl.rampNext = now.Add(dwell)
		}
		if wait := d.ctl.rampNext.Sub(now); wait > 0 && wait < stepPoll {
			return wait
		}
		return stepPoll

	case StateBemfWait:
		if !d.ctl.init {
			d.ctl.init = true
			d.attachBemf(true)
			d.amplitude.Store(maxAmplitude)
			d.refreshSine()
			d.holdUntil.Store(now.Add(d.prof.HoldDuration).UnixNano())
			d.setFrequency(d.prof.RunPWMHz)
			d.ctl.timer = now
			d.ctl.edges0 = d.EdgeCount()
		}
		if d.EdgeCount()-d.ctl.edges0 >= d.prof.HandoffEdges {
			d.setState(StateRun)
			d.locked.Store(true)
			d.lock.reset(now, d.EdgeCount())
			return 0
		}
		if now.Sub(d.ctl.timer) > d.prof.HandoffTimeout {
			d.setState(StateRescue)
			return 0
		}
		return handoffPoll

	case StateRescue:
		if !d.ctl.init {
			d.ctl.init = true
			d.ctl.rescueAt = now
			d.ctl.rescueStp = 0
			d.lock.reset(now, d.EdgeCount())
		}
		if now.Sub(d.ctl.rescueAt) > d.prof.RescueTimeout {
			d.log.Warn("motor rescue timed out, stopping")
			d.stopInternal()
			d.setState(StateIdle)
			d.stalls.Add(1)
			return 0
		}
		d.trapStep(d.ctl.rescueStp, d.prof.RescueMag)
		d.ctl.rescueStp = (d.ctl.rescueStp + 1) % 6
		if locked, _ := d.lock.sample(now, d.EdgeCount()); locked {
			d.amplitude.Store(maxAmplitude)
			d.refreshSine()
			d.setState(StateRun)
			d.locked.Store(true)
			return 0
		}
		return stepPoll

	case StateRun:
		if locked, sampled := d.lock.sample(now, d.EdgeCount()); sampled {
			d.locked.Store(locked)
		}
		return idlePoll
	}
	return idlePoll
}

// rampPoint interpolates dwell and magnitude for ramp step i.
func (d *Driver) rampPoint(i int) (time.Duration, uint8) {
	n := d.prof.RampSteps
	if n <= 0 {
		return d.prof.RampDwell1, d.prof.RampMag1
	}
	dwellSpan := int64(d.prof.RampDwell0 - d.prof.RampDwell1)
	magSpan := int64(d.prof.RampMag1) - int64(d.prof.RampMag0)
	dwell := d.prof.RampDwell0 - time.Duration(dwellSpan*int64(i)/int64(n))
	mag := int64(d.prof.RampMag0) + magSpan*int64(i)/int64(n)
	return dwell, uint8(mag)
}

// lockDetector is the edge-rate heuristic: lock when more than minEdges
// accepted edges arrive within one window.
type lockDetector struct {
	window   time.Duration
	minEdges uint64

	lastAt    time.Time
	lastEdges uint64
}

func (l *lockDetector) reset(now time.Time, edges uint64) {
	l.lastAt = now
	l.lastEdges = edges
}

// sample evaluates one window once it has elapsed.
func (l *lockDetector) sample(now time.Time, edges uint64) (locked, sampled bool) {
	if now.Sub(l.lastAt) < l.window {
		return false, false
	}
	de := edges - l.lastEdges
	l.lastAt = now
	l.lastEdges = edges
	return de > l.minEdges, true
}
