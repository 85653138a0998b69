package motor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrDriverFaulted is returned by Start while the gate driver reports a fault.
var ErrDriverFaulted = errors.New("motor: gate driver faulted, refusing to start")

const (
	maxAmplitude = 255

	kickSettle  = 10 * time.Millisecond
	alignGuard  = 15 * time.Millisecond
	faultSettle = 20 * time.Millisecond

	idlePoll     = 10 * time.Millisecond
	stepPoll     = time.Millisecond
	handoffPoll  = 5 * time.Millisecond
	defaultDebZC = 120 * time.Microsecond
)

// Bridge is the three-phase power stage.
//
// SetPhase selects the half-bridge polarity and PWM duty of one phase;
// duty 0 leaves the phase floating. SetSleep(true) puts the gate driver to sleep.
type Bridge interface {
	SetPhase(phase int, highSide bool, duty uint8) error
	SetSleep(asleep bool) error
	SetFrequencyHz(hz int) error
	FaultAsserted() bool
	Close() error
}

// EdgeSink receives the hardware events the bridge watches for.
// Implementations must return quickly: they run in the event-delivery context.
type EdgeSink interface {
	// HandleZeroCross reports a comparator edge on phase captured at at.
	HandleZeroCross(phase int, at time.Time)
	HandleFault()
}

// Status is a point-in-time view of the driver for telemetry.
type Status struct {
	State        State  `json:"state"`
	Amplitude    uint8  `json:"amplitude"`
	Angle        uint8  `json:"angle"`
	Edges        uint64 `json:"edges"`
	Locked       bool   `json:"locked"`
	Starting     bool   `json:"starting"`
	Stalls       uint64 `json:"stalls"`
	DriverFaults uint64 `json:"driver_faults"`
	OutputErrors uint64 `json:"output_errors"`
}

// Option customises a Driver.
type Option func(*Driver)

// WithClock replaces the time source. Tests use it to step the state machine deterministically.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithSleep replaces the bounded sleep used by ForceStep.
func WithSleep(sleep func(time.Duration)) Option {
	return func(d *Driver) { d.sleep = sleep }
}

// WithStateHook registers a callback invoked on every state change, from the
// goroutine performing the change.
func WithStateHook(fn func(from, to State)) Option {
	return func(d *Driver) { d.onState = fn }
}

// Driver is the sensorless BLDC driver.
//
// Ownership of shared state:
//   - edge counter, electrical angle and floating-phase tracking are written only by
//     HandleZeroCross (plus the control task while trapezoid stepping);
//   - the latched fault flag is set by HandleFault and consumed once by the control task;
//   - phase outputs are serialised by outMu; in sine mode only the commutation task writes them;
//   - state and the control bookkeeping are guarded by ctlMu.
type Driver struct {
	prof  Profile
	br    Bridge
	log   *zap.Logger
	now   func() time.Time
	sleep func(time.Duration)

	onState func(from, to State)

	state        atomic.Int32
	amplitude    atomic.Uint32
	angle        atomic.Uint32
	edges        atomic.Uint64
	running      atomic.Bool
	bemfOn       atomic.Bool
	trapMode     atomic.Bool
	floatPhase   atomic.Int32
	faultLatched atomic.Bool
	locked       atomic.Bool
	holdUntil    atomic.Int64

	stalls       atomic.Uint64
	driverFaults atomic.Uint64
	outErrs      atomic.Uint64

	commCh chan struct{}
	wakeCh chan struct{}

	outMu sync.Mutex

	zcMu       sync.Mutex
	lastEdge   [3]time.Time
	lastPeriod time.Duration

	ctlMu sync.Mutex
	ctl   controlState
	lock  lockDetector
}

type controlState struct {
	init bool

	timer     time.Time
	alignTry  int
	rampI     int
	rampStep  int
	rampNext  time.Time
	edges0    uint64
	rescueAt  time.Time
	rescueStp int
}

// New validates prof and returns an idle driver. Call Run to start the tasks.
func New(br Bridge, prof Profile, log *zap.Logger, opts ...Option) (*Driver, error) {
	if br == nil {
		return nil, fmt.Errorf("motor: bridge is nil")
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Driver{
		prof:   prof,
		br:     br,
		log:    log,
		now:    time.Now,
		sleep:  time.Sleep,
		commCh: make(chan struct{}, 1),
		wakeCh: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	d.floatPhase.Store(2)
	d.lock = lockDetector{window: prof.LockWindow, minEdges: prof.LockEdges}

	// Hold the gate driver asleep with every phase floating until the first Start.
	d.outMu.Lock()
	d.floatAll()
	d.outMu.Unlock()
	if err := br.SetSleep(true); err != nil {
		return nil, fmt.Errorf("motor: sleep gate driver: %w", err)
	}
	return d, nil
}

// Run executes the control and commutation tasks until ctx is canceled,
// then performs a safe stop.
func (d *Driver) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.commutationTask(ctx)
	}()
	go func() {
		defer wg.Done()
		d.controlTask(ctx)
	}()
	d.log.Info("motor tasks running")
	wg.Wait()
	d.Stop()
	return ctx.Err()
}

// Start requests a non-blocking start; the control task runs the startup sequence.
func (d *Driver) Start() error {
	if d.br.FaultAsserted() {
		d.log.Warn("motor start refused: gate driver faulted")
		return ErrDriverFaulted
	}
	d.ctlMu.Lock()
	d.running.Store(true)
	if err := d.br.SetSleep(false); err != nil {
		d.outErrs.Add(1)
	}
	d.setFrequency(d.prof.StartPWMHz)
	d.setState(StatePreKick)
	d.ctlMu.Unlock()
	d.log.Info("motor starting")
	d.wake()
	return nil
}

// Stop zeroes all phases, releases the direction lines and sleeps the gate
// driver. It is idempotent and safe from any state.
func (d *Driver) Stop() {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	d.setState(StateIdle)
	d.stopInternal()
}

// SetAmplitude sets the sine-mode drive amplitude. During the post-handoff hold
// window requests below the hold amplitude are raised to it.
func (d *Driver) SetAmplitude(amp uint8) {
	if d.running.Load() && d.inHold(d.now()) && amp < d.prof.HoldAmp {
		amp = d.prof.HoldAmp
	}
	d.amplitude.Store(uint32(amp))
	if !d.running.Load() {
		return
	}
	d.requestCommutation()
}

// Amplitude returns the current drive amplitude.
func (d *Driver) Amplitude() uint8 { return uint8(d.amplitude.Load()) }

// State returns the active state.
func (d *Driver) State() State { return State(d.state.Load()) }

// IsStarting reports whether the startup sequence is in progress.
func (d *Driver) IsStarting() bool {
	s := d.State()
	return s != StateIdle && s != StateRun
}

// IsRunning reports whether the gate driver is awake and the state machine is not idle.
func (d *Driver) IsRunning() bool {
	return d.running.Load() && d.State() != StateIdle
}

// HasLock reports whether the rotor has stable back-EMF feedback.
func (d *Driver) HasLock() bool { return d.locked.Load() }

// Angle returns the electrical angle (0..255 over one electrical cycle).
func (d *Driver) Angle() uint8 { return uint8(d.angle.Load()) }

// EdgeCount returns the number of accepted zero-cross edges since New.
func (d *Driver) EdgeCount() uint64 { return d.edges.Load() }

// StopCounts returns how many runs ended in a rescue stall or a latched hardware fault.
func (d *Driver) StopCounts() (stalls, driverFaults uint64) {
	return d.stalls.Load(), d.driverFaults.Load()
}

// Status returns a snapshot for telemetry.
func (d *Driver) Status() Status {
	return Status{
		State:        d.State(),
		Amplitude:    d.Amplitude(),
		Angle:        d.Angle(),
		Edges:        d.EdgeCount(),
		Locked:       d.HasLock(),
		Starting:     d.IsStarting(),
		Stalls:       d.stalls.Load(),
		DriverFaults: d.driverFaults.Load(),
		OutputErrors: d.outErrs.Load(),
	}
}

// HandleFault latches a gate-driver fault. The control task consumes it.
func (d *Driver) HandleFault() {
	d.faultLatched.Store(true)
	d.wake()
}

// HandleZeroCross is the back-EMF comparator edge handler. It only debounces,
// counts, advances the electrical angle and posts a commutation request.
// Debounce runs on at, the capture time of the edge; a zero at means now.
func (d *Driver) HandleZeroCross(phase int, at time.Time) {
	if phase < 0 || phase > 2 {
		return
	}
	if !d.bemfOn.Load() || !d.running.Load() || int(d.floatPhase.Load()) != phase {
		return
	}
	if at.IsZero() {
		at = d.now()
	}
	if !d.acceptEdge(phase, at) {
		return
	}
	d.edges.Add(1)
	a := uint8(d.angle.Add(angleStep))
	if !d.trapMode.Load() {
		d.floatPhase.Store(int32(sineFloatingPhase(a)))
	}
	d.requestCommutation()
}

// acceptEdge applies the adaptive debounce: an eighth of the last observed
// period, clamped to the profile floor and ceiling.
func (d *Driver) acceptEdge(phase int, now time.Time) bool {
	d.zcMu.Lock()
	defer d.zcMu.Unlock()
	dt := now.Sub(d.lastEdge[phase])
	minZC := defaultDebZC
	if d.lastPeriod > 0 {
		minZC = d.lastPeriod / 8
	}
	if minZC < d.prof.ZCDebounceFloor {
		minZC = d.prof.ZCDebounceFloor
	}
	if minZC > d.prof.ZCDebounceCeil {
		minZC = d.prof.ZCDebounceCeil
	}
	if dt < minZC {
		return false
	}
	d.lastPeriod = dt
	d.lastEdge[phase] = now
	return true
}

func (d *Driver) attachBemf(on bool) {
	if !on {
		d.bemfOn.Store(false)
		return
	}
	if !d.running.Load() {
		return
	}
	now := d.now()
	d.zcMu.Lock()
	for i := range d.lastEdge {
		d.lastEdge[i] = now
	}
	d.zcMu.Unlock()
	d.bemfOn.Store(true)
}

func (d *Driver) requestCommutation() {
	select {
	case d.commCh <- struct{}{}:
	default:
	}
}

func (d *Driver) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

func (d *Driver) commutationTask(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.commCh:
			if d.trapMode.Load() || !d.running.Load() {
				continue
			}
			d.refreshSine()
		}
	}
}

func (d *Driver) controlTask(ctx context.Context) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		d.ctlMu.Lock()
		wait := d.step(d.now())
		d.ctlMu.Unlock()

		if wait <= 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-d.wakeCh:
		case <-t.C:
		}
	}
}

func (d *Driver) setState(to State) {
	from := State(d.state.Swap(int32(to)))
	d.ctl.init = false
	if to != StateRun {
		d.locked.Store(false)
	}
	if from == to {
		return
	}
	d.log.Info("motor state", zap.Stringer("from", from), zap.Stringer("to", to))
	if d.onState != nil {
		d.onState(from, to)
	}
}

// stopInternal is the safe-stop primitive. Callers hold ctlMu.
func (d *Driver) stopInternal() {
	d.attachBemf(false)
	d.running.Store(false)
	d.amplitude.Store(0)
	d.outMu.Lock()
	d.floatAll()
	d.outMu.Unlock()
	if err := d.br.SetSleep(true); err != nil {
		d.outErrs.Add(1)
	}
}

func (d *Driver) setFrequency(hz int) {
	if err := d.br.SetFrequencyHz(hz); err != nil {
		d.outErrs.Add(1)
	}
}

func (d *Driver) inHold(now time.Time) bool {
	return now.UnixNano() < d.holdUntil.Load()
}

// floatAll zeroes every phase and deasserts the direction lines. Callers hold outMu.
func (d *Driver) floatAll() {
	for ph := 0; ph < 3; ph++ {
		if err := d.br.SetPhase(ph, false, 0); err != nil {
			d.outErrs.Add(1)
		}
	}
}

// setPhaseSigned applies the drive floors and writes one phase. Callers hold outMu.
func (d *Driver) setPhaseSigned(ph int, s int16, now time.Time) {
	mag := s
	if mag < 0 {
		mag = -mag
	}
	if mag > maxAmplitude {
		mag = maxAmplitude
	}
	if !d.running.Load() || mag == 0 {
		if err := d.br.SetPhase(ph, false, 0); err != nil {
			d.outErrs.Add(1)
		}
		return
	}
	if d.trapMode.Load() {
		if mag < int16(d.prof.TrapFloor) {
			mag = int16(d.prof.TrapFloor)
		}
	} else if d.inHold(now) && mag < int16(d.prof.SineFloor) {
		mag = int16(d.prof.SineFloor)
	}
	if err := d.br.SetPhase(ph, s >= 0, uint8(mag)); err != nil {
		d.outErrs.Add(1)
	}
}

// refreshSine writes the sine vector for the current angle and amplitude.
func (d *Driver) refreshSine() {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	d.trapMode.Store(false)
	now := d.now()
	v := sineVector(d.Angle(), d.Amplitude())
	for ph := range v {
		d.setPhaseSigned(ph, v[ph], now)
	}
}

// trapStep energises one trapezoid step and records the floating phase.
func (d *Driver) trapStep(step int, mag uint8) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	d.trapMode.Store(true)
	v, floating := trapVector(step, mag)
	d.floatPhase.Store(int32(floating))
	now := d.now()
	for ph := range v {
		d.setPhaseSigned(ph, v[ph], now)
	}
}

// ForceStep energises a single trapezoid step for dur and then floats all
// phases. It is a bench diagnostic and only allowed while idle.
func (d *Driver) ForceStep(step int, mag uint8, dur time.Duration) error {
	if d.State() != StateIdle {
		return fmt.Errorf("motor: force step requires idle state, have %s", d.State())
	}
	if dur <= 0 || dur > time.Second {
		return fmt.Errorf("motor: force step duration %s out of range", dur)
	}
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()

	d.outMu.Lock()
	defer d.outMu.Unlock()
	if err := d.br.SetSleep(false); err != nil {
		return fmt.Errorf("motor: wake gate driver: %w", err)
	}
	d.floatAll()
	d.sleep(2 * time.Millisecond)
	v, _ := trapVector(step, mag)
	for ph, s := range v {
		duty := s
		if duty < 0 {
			duty = -duty
		}
		if err := d.br.SetPhase(ph, s >= 0, uint8(duty)); err != nil {
			d.outErrs.Add(1)
		}
	}
	d.log.Info("motor force step", zap.Int("step", ((step%6)+6)%6), zap.Uint8("mag", mag), zap.Duration("dur", dur))
	d.sleep(dur)
	d.floatAll()
	return d.br.SetSleep(true)
}
