package autopap

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"ozealis-ng/internal/ring"
)

// Amplifier receives the blower drive amplitude.
type Amplifier interface {
	SetAmplitude(amp uint8)
}

// Option customises a Controller.
type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithTuning(t Tuning) Option {
	return func(c *Controller) { c.tun = t }
}

// WithEventHook is called, outside the controller lock, for every pressure event.
func WithEventHook(fn func(Event)) Option {
	return func(c *Controller) { c.onEvent = fn }
}

// State is a copy of the controller state for telemetry.
type State struct {
	Mode       Mode    `json:"mode"`
	Phase      Phase   `json:"phase"`
	BlowerOn   bool    `json:"blower_on"`
	EPAP       float64 `json:"epap_cm"`
	IPAP       float64 `json:"ipap_cm"`
	Setpoint   float64 `json:"setpoint_cm"`
	FlowProxy  float64 `json:"flow_proxy_hpa"`
	Filtered   float64 `json:"flow_filtered_hpa"`
	Baseline   float64 `json:"peak_baseline_hpa"`
	FlowLimit  int     `json:"flow_limit_count"`
	Breaths    uint64  `json:"breaths"`
	AHI        float64 `json:"ahi"`
	Amplitude  uint8   `json:"amplitude"`
	RampActive bool    `json:"ramp_active"`
	Titrating  bool    `json:"titrating"`
}

// Controller is the AutoPAP therapy controller. Step is called once per
// control tick; getters may be called from any goroutine.
type Controller struct {
	out     Amplifier
	log     *zap.Logger
	now     func() time.Time
	onEvent func(Event)

	mu   sync.Mutex
	tun  Tuning
	lim  Limits
	mode Mode

	epap, ipap float64
	setpoint   float64
	amp        uint8
	flow       float64

	lp       float64
	lastSign bool
	peak     float64
	phase    Phase
	peaks    *ring.Ring[float64]
	baseline float64
	flowLim  int
	breaths  uint64

	begunAt    time.Time
	rampStart  time.Time
	lastInhale time.Time
	lastEvent  time.Time
	hasEvent   bool

	blowerOn   bool
	quietSince time.Time

	// fixed disables titration: events are still detected but EPAP stays put.
	fixed bool

	apneas *ring.Ring[time.Time]
	events *ring.Ring[Event]
}

// New returns a controller begun with lim. out may be nil.
func New(lim Limits, out Amplifier, log *zap.Logger, opts ...Option) (*Controller, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		out:  out,
		log:  log,
		now:  time.Now,
		tun:  DefaultTuning(),
		mode: ModeCPAP,
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.tun.Validate(); err != nil {
		return nil, err
	}
	c.peaks = ring.New[float64](c.tun.PeakBuffer)
	c.events = ring.New[Event](c.tun.EventLog)
	// One apnea rise per MinRiseInterval at most, so this bounds a full window.
	c.apneas = ring.New[time.Time](apneaCapacity(c.tun))
	if err := c.Begin(lim); err != nil {
		return nil, err
	}
	return c, nil
}

func apneaCapacity(t Tuning) int {
	if t.MinRiseInterval <= 0 {
		return 1024
	}
	n := int(t.AHIWindow/t.MinRiseInterval) + 1
	if n < 16 {
		n = 16
	}
	return n
}

// Begin resets the therapy state for a new session.
func (c *Controller) Begin(lim Limits) error {
	if err := lim.Validate(); err != nil {
		return err
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lim = lim
	c.epap = lim.PMin
	c.ipap = clamp(c.epap+lim.Delta, c.epap+1, lim.PMax+lim.Delta)
	c.setpoint = 0
	c.amp = 0
	c.flow = 0
	c.lp = 0
	c.lastSign = false
	c.peak = 0
	c.phase = Expiration
	c.peaks.Reset()
	c.baseline = 0
	c.flowLim = 0
	c.breaths = 0
	c.begunAt = now
	c.rampStart = now
	c.lastInhale = now
	c.lastEvent = time.Time{}
	c.hasEvent = false
	c.blowerOn = !lim.AutoStart
	c.quietSince = time.Time{}
	c.apneas.Reset()
	c.events.Reset()
	c.log.Info("therapy session begun",
		zap.Stringer("mode", c.mode), zap.Float64("p_min", lim.PMin), zap.Float64("p_max", lim.PMax),
		zap.Float64("delta", lim.Delta), zap.Duration("ramp", lim.Ramp), zap.Bool("blower_on", c.blowerOn))
	return nil
}

// Restart begins a new session with the current limits.
func (c *Controller) Restart() error {
	return c.Begin(c.Limits())
}

// SetLimits replaces the limits mid-session and re-clamps the targets.
// Disabling auto-start turns a stopped blower on.
func (c *Controller) SetLimits(lim Limits) error {
	if err := lim.Validate(); err != nil {
		return err
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lim = lim
	c.clampTargets()
	if !lim.AutoStart && !c.blowerOn {
		c.blowerOn = true
		c.rampStart = now
		c.lastInhale = now
		c.quietSince = time.Time{}
		c.log.Info("blower on: auto-start disabled")
	}
	return nil
}

func (c *Controller) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lim
}

func (c *Controller) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("autopap: invalid therapy mode %d", int(m))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != m {
		c.log.Info("therapy mode", zap.Stringer("from", c.mode), zap.Stringer("to", m))
	}
	c.mode = m
	return nil
}

// SetTitration turns automatic EPAP adjustment on or off. Turning it off
// returns EPAP to p_min.
func (c *Controller) SetTitration(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fixed == !on {
		return
	}
	c.fixed = !on
	if c.fixed {
		c.epap = c.lim.PMin
		c.clampTargets()
	}
	c.log.Info("titration", zap.Bool("on", on))
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Setpoint is the pressure target written on the last Step, in cmH2O.
// It is 0 while the blower is off.
func (c *Controller) Setpoint() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setpoint
}

// FlowProxy is the last raw differential pressure in hPa, positive on inspiration.
func (c *Controller) FlowProxy() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flow
}

func (c *Controller) BlowerOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blowerOn
}

// Targets returns the titrated EPAP and derived IPAP.
func (c *Controller) Targets() (epap, ipap float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epap, c.ipap
}

func (c *Controller) State() State {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Mode:       c.mode,
		Phase:      c.phase,
		BlowerOn:   c.blowerOn,
		EPAP:       c.epap,
		IPAP:       c.ipap,
		Setpoint:   c.setpoint,
		FlowProxy:  c.flow,
		Filtered:   c.lp,
		Baseline:   c.baseline,
		FlowLimit:  c.flowLim,
		Breaths:    c.breaths,
		AHI:        c.ahiLocked(now),
		Amplitude:  c.amp,
		RampActive: c.rampCeilingLocked(now) < c.lim.PMax,
		Titrating:  !c.fixed,
	}
}

// Step runs one control tick with the differential pressure (blower minus
// mask, hPa). A non-finite differential skips the tick.
func (c *Controller) Step(diffHPa float64) {
	if math.IsNaN(diffHPa) || math.IsInf(diffHPa, 0) {
		return
	}
	now := c.now()

	c.mu.Lock()
	var fired []Event
	c.flow = diffHPa
	c.purgeApneasLocked(now)
	c.autoStartStopLocked(now)
	fired = c.segmentLocked(now, fired)
	if c.blowerOn {
		fired = c.apneaLocked(now, fired)
		fired = c.decayLocked(now, fired)
	}
	c.clampTargets()

	var amp uint8
	if c.blowerOn {
		c.setpoint = c.setpointLocked(now)
		amp = cmToDuty(c.setpoint, c.tun.DutyPerCm)
	} else {
		c.setpoint = 0
	}
	c.amp = amp
	out := c.out
	hook := c.onEvent
	c.mu.Unlock()

	if out != nil {
		out.SetAmplitude(amp)
	}
	if hook != nil {
		for _, e := range fired {
			hook(e)
		}
	}
}

func (c *Controller) autoStartStopLocked(now time.Time) {
	mag := math.Abs(c.flow)
	if !c.blowerOn && c.lim.AutoStart && mag > c.tun.StartTrigger {
		c.blowerOn = true
		c.rampStart = now
		c.lastInhale = now
		c.quietSince = time.Time{}
		c.log.Info("blower auto-start", zap.Float64("flow_hpa", c.flow))
		return
	}
	if !c.blowerOn || !c.lim.AutoStop {
		return
	}
	if mag >= c.tun.StopThreshold {
		c.quietSince = time.Time{}
		return
	}
	if c.quietSince.IsZero() {
		c.quietSince = now
	}
	if now.Sub(c.rampStart) > c.tun.MinRunTime && now.Sub(c.quietSince) >= c.tun.StopQuiet {
		c.blowerOn = false
		c.quietSince = time.Time{}
		c.log.Info("blower auto-stop")
	}
}

// segmentLocked low-passes the flow proxy and closes a breath on every
// inhale-to-exhale sign change.
func (c *Controller) segmentLocked(now time.Time, fired []Event) []Event {
	a := c.tun.Alpha
	c.lp = c.lp*(1-a) + c.flow*a
	sign := c.lp >= 0
	if sign && c.lp > c.peak {
		c.peak = c.lp
	}
	switch {
	case !sign && c.lastSign:
		fired = c.closeBreathLocked(now, fired)
		c.phase = Expiration
	case sign && !c.lastSign:
		c.phase = Inspiration
		c.lastInhale = now
	}
	c.lastSign = sign
	return fired
}

func (c *Controller) closeBreathLocked(now time.Time, fired []Event) []Event {
	c.peaks.Push(c.peak)
	c.peak = 0
	c.breaths++

	var sum float64
	c.peaks.Each(func(p float64) { sum += math.Abs(p) })
	c.baseline = sum / float64(c.peaks.Len())
	latest, _ := c.peaks.Newest()
	ratio := 1.0
	if c.baseline > 0.01 {
		ratio = latest / c.baseline
	}
	if !c.blowerOn {
		c.flowLim = 0
		return fired
	}

	if ratio >= c.tun.FlowLimitRatio {
		c.flowLim = 0
		return fired
	}
	c.flowLim++
	if c.flowLim < c.tun.FlowLimitBreaths {
		return fired
	}
	c.flowLim = 0
	if c.hasEvent && now.Sub(c.lastEvent) < c.tun.MinRiseInterval {
		// Too soon after the previous event: the rise is rolled back.
		c.log.Debug("flow-limit rise suppressed", zap.Duration("since_event", now.Sub(c.lastEvent)))
		return fired
	}
	before := c.epap
	if !c.fixed {
		c.epap += c.tun.HypoRise
		c.clampTargets()
	}
	c.lastEvent, c.hasEvent = now, true
	return append(fired, c.recordLocked(now, EventFlowLimit, before, ratio))
}

func (c *Controller) apneaLocked(now time.Time, fired []Event) []Event {
	if now.Sub(c.lastInhale) <= c.tun.ApneaTimeout {
		return fired
	}
	if c.hasEvent && now.Sub(c.lastEvent) <= c.tun.MinRiseInterval {
		return fired
	}
	before := c.epap
	if !c.fixed {
		c.epap += c.tun.ApneaRise
		c.clampTargets()
	}
	c.lastEvent, c.hasEvent = now, true
	c.apneas.Push(now)
	return append(fired, c.recordLocked(now, EventApnea, before, 0))
}

func (c *Controller) decayLocked(now time.Time, fired []Event) []Event {
	ref := c.begunAt
	if c.hasEvent {
		ref = c.lastEvent
	}
	if c.fixed || c.epap <= c.lim.PMin+c.tun.DecayStep || now.Sub(ref) <= c.tun.DecayAfter {
		return fired
	}
	before := c.epap
	c.epap -= c.tun.DecayStep
	c.clampTargets()
	c.lastEvent, c.hasEvent = now, true
	return append(fired, c.recordLocked(now, EventDecay, before, 0))
}

// clampTargets enforces pMin <= EPAP <= pMax and EPAP+1 <= IPAP <= pMax+delta.
func (c *Controller) clampTargets() {
	c.epap = clamp(c.epap, c.lim.PMin, c.lim.PMax)
	c.ipap = clamp(c.epap+c.lim.Delta, c.epap+1, c.lim.PMax+c.lim.Delta)
}

func (c *Controller) rampCeilingLocked(now time.Time) float64 {
	if c.lim.Ramp <= 0 {
		return c.lim.PMax
	}
	frac := float64(now.Sub(c.rampStart)) / float64(c.lim.Ramp)
	if frac > 1 {
		frac = 1
	}
	if frac < 0 {
		frac = 0
	}
	return c.lim.PMin + frac*(c.lim.PMax-c.lim.PMin)
}

func (c *Controller) setpointLocked(now time.Time) float64 {
	switch c.mode {
	case ModeBiPAP, ModeASV:
		if c.phase == Inspiration {
			return c.ipap
		}
		return c.epap
	default:
		sp := math.Min(c.epap, c.rampCeilingLocked(now))
		if c.phase == Expiration && c.lim.EPR > 0 {
			sp = math.Max(c.lim.PMin, sp-c.lim.EPR)
		}
		return sp
	}
}

func cmToDuty(cm, perCm float64) uint8 {
	d := cm * perCm
	if d <= 0 || math.IsNaN(d) {
		return 0
	}
	if d >= 255 {
		return 255
	}
	return uint8(d)
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
