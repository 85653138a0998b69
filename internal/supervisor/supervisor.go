package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"ozealis-ng/internal/accessory"
	"ozealis-ng/internal/diag"
	"ozealis-ng/internal/pressure"
	"ozealis-ng/internal/telemetry"
)

// PressureSource is the sensing layer. *pressure.Service satisfies it.
type PressureSource interface {
	ReadPressures() pressure.Sample
	LastSample() pressure.Sample
	SensorsOK() bool
	VinFiltered() float64
	Ambient() (float64, bool)
	UpdateAmbient(maskHPa, diffHPa float64)
	Diag() pressure.Diag
}

// Motor is the blower driver. *motor.Driver satisfies it.
type Motor interface {
	Start() error
	Stop()
	IsStarting() bool
	EdgeCount() uint64
	StopCounts() (stalls, driverFaults uint64)
	Amplitude() uint8
}

// Therapy is the pressure controller. *autopap.Controller satisfies it.
type Therapy interface {
	// Restart begins a new therapy session with the current limits.
	Restart() error
	Step(diffHPa float64)
	Setpoint() float64
	FlowProxy() float64
	BlowerOn() bool
	AHI() float64
}

// Session is the advertising window opened at boot.
type Session interface {
	Active() bool
	StartedAt() time.Time
	StopAdvertising()
}

type Config struct {
	Tick time.Duration

	VinTrip     float64
	VinRecover  float64
	VinDebounce time.Duration

	// MaxMaskCm is the gauge mask pressure ceiling in cmH2O.
	MaxMaskCm float64

	SpinCheck       time.Duration
	MinSpinEdges    uint64
	RestartInterval time.Duration

	ShutdownSettle time.Duration
	SessionTimeout time.Duration
	DataLogEvery   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tick:            50 * time.Millisecond,
		VinTrip:         9.8,
		VinRecover:      10.3,
		VinDebounce:     200 * time.Millisecond,
		MaxMaskCm:       25,
		SpinCheck:       300 * time.Millisecond,
		MinSpinEdges:    10,
		RestartInterval: 2 * time.Second,
		ShutdownSettle:  500 * time.Millisecond,
		SessionTimeout:  30 * time.Second,
		DataLogEvery:    time.Second,
	}
}

func (c Config) Validate() error {
	if c.Tick <= 0 {
		return errors.New("supervisor: tick must be > 0")
	}
	if c.VinRecover <= c.VinTrip {
		return errors.New("supervisor: vin recover must be above vin trip")
	}
	if c.MaxMaskCm <= 0 {
		return errors.New("supervisor: max mask pressure must be > 0")
	}
	return nil
}

// Status is a point-in-time view for the API. Unknown values are reported as zero.
type Status struct {
	Mode       Mode            `json:"mode"`
	Fault      Fault           `json:"fault"`
	AmbientHPa float64         `json:"ambient_hpa"`
	AmbientOK  bool            `json:"ambient_ok"`
	GaugeHPa   float64         `json:"mask_gauge_hpa"`
	LoopUs     uint16          `json:"loop_us"`
	Faults     int             `json:"fault_count"`
	Frame      telemetry.Frame `json:"frame"`
}

type Option func(*Supervisor)

func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

func WithIndicator(ind Indicator) Option { return func(s *Supervisor) { s.ind = ind } }

func WithSink(sink telemetry.Sink) Option { return func(s *Supervisor) { s.sink = sink } }

func WithSession(sess Session) Option { return func(s *Supervisor) { s.session = sess } }

func WithRecorder(r *diag.Recorder) Option { return func(s *Supervisor) { s.rec = r } }

func WithDataLog(d *diag.DataLog) Option { return func(s *Supervisor) { s.dlog = d } }

// WithAccessories supplies accessory state for telemetry pass-through.
func WithAccessories(fn func() accessory.Snapshot) Option {
	return func(s *Supervisor) { s.acc = fn }
}

// WithUpdateStatus supplies the firmware update status string.
func WithUpdateStatus(st fmt.Stringer) Option { return func(s *Supervisor) { s.upd = st } }

// Supervisor is the top-level mode/fault state machine. Tick runs one control
// period; RequestMode and the getters may be called from other goroutines.
type Supervisor struct {
	cfg     Config
	src     PressureSource
	mot     Motor
	th      Therapy
	log     *zap.Logger
	now     func() time.Time
	ind     Indicator
	sink    telemetry.Sink
	session Session
	rec     *diag.Recorder
	dlog    *diag.DataLog
	acc     func() accessory.Snapshot
	upd     fmt.Stringer

	mu    sync.Mutex
	boot  time.Time
	mode  Mode
	fault Fault

	driveOn bool

	vin         float64
	vinLowSince time.Time

	spinAt    time.Time
	spinEdges uint64
	lastKick  time.Time

	seenStalls       uint64
	seenDriverFaults uint64

	shutdownAt time.Time
	lastTick   time.Time
	lastLog    time.Time
	gauge      float64
	frame      telemetry.Frame
}

func New(cfg Config, src PressureSource, mot Motor, th Therapy, log *zap.Logger, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || mot == nil || th == nil {
		return nil, errors.New("supervisor: pressure source, motor and therapy are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Supervisor{
		cfg:   cfg,
		src:   src,
		mot:   mot,
		th:    th,
		log:   log,
		now:   time.Now,
		ind:   nopIndicator{},
		vin:   math.NaN(),
		gauge: math.NaN(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.rec == nil {
		s.rec = diag.NewRecorder(0)
	}
	s.boot = s.now()
	s.seenStalls, s.seenDriverFaults = mot.StopCounts()
	s.ind.SetColor(ColorIdle)
	return s, nil
}

func (s *Supervisor) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Supervisor) Fault() Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Recorder exposes the fault snapshot ring.
func (s *Supervisor) Recorder() *diag.Recorder { return s.rec }

func (s *Supervisor) Status() Status {
	amb, ok := s.src.Ambient()
	if !ok {
		amb = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gauge := s.gauge
	if math.IsNaN(gauge) {
		gauge = 0
	}
	return Status{
		Mode:       s.mode,
		Fault:      s.fault,
		AmbientHPa: amb,
		AmbientOK:  ok,
		GaugeHPa:   gauge,
		LoopUs:     s.rec.LoopUs(),
		Faults:     s.rec.Len(),
		Frame:      s.frame.Finite(),
	}
}

// RequestMode is the external mode entry used by the API. Entering Idle,
// Startup or Shutdown from Fault clears the latched fault; if its cause
// persists the next tick raises it again. Running is treated as Startup.
func (s *Supervisor) RequestMode(m Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	switch m {
	case ModeIdle, ModeShutdown:
	case ModeStartup, ModeRunning:
		if s.mode == ModeRunning {
			return nil
		}
		m = ModeStartup
	default:
		return fmt.Errorf("supervisor: mode %s cannot be requested", m)
	}
	if s.mode == ModeFault {
		s.log.Info("fault cleared by mode request", zap.Stringer("fault", s.fault), zap.Stringer("mode", m))
		s.fault = FaultNone
		s.vinLowSince = time.Time{}
	}
	s.enterModeLocked(m, now)
	return nil
}

// RaiseFault latches f from outside the tick, for I/O failures found by collaborators.
func (s *Supervisor) RaiseFault(f Fault) {
	if f == FaultNone {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerFaultLocked(f, s.now())
}

// Run ticks until ctx is cancelled, then turns the blower off.
func (s *Supervisor) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	s.log.Info("supervisor running", zap.Duration("tick", s.cfg.Tick))
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.mode != ModeFault {
				s.enterModeLocked(ModeIdle, s.now())
			}
			s.setDriveLocked(false)
			s.mu.Unlock()
			return ctx.Err()
		case <-t.C:
			s.Tick()
		}
	}
}

// Tick runs one control period.
func (s *Supervisor) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.lastTick.IsZero() {
		s.rec.NoteLoop(now.Sub(s.lastTick))
	}
	s.lastTick = now

	if s.mode == ModeShutdown && now.Sub(s.shutdownAt) >= s.cfg.ShutdownSettle {
		s.enterModeLocked(ModeIdle, now)
	}

	s.checkVinLocked(now)
	s.checkMotorLocked(now)
	s.checkSpinLocked(now)

	if !s.src.SensorsOK() {
		s.triggerFaultLocked(FaultSensor, now)
		s.handoffLocked(now, s.src.LastSample())
		return
	}

	smp := s.src.ReadPressures()
	diff := smp.DiffHPa()
	s.gauge = math.NaN()
	if amb, ok := s.src.Ambient(); ok {
		s.gauge = smp.MaskHPa - amb
	}
	if smp.MaskOK {
		s.src.UpdateAmbient(smp.MaskHPa, diff)
	}

	if !math.IsNaN(s.gauge) && s.gauge > pressure.CmH2OToHPa(s.cfg.MaxMaskCm) {
		s.triggerFaultLocked(FaultOverpressure, now)
		s.handoffLocked(now, smp)
		return
	}

	if s.mode == ModeRunning {
		s.th.Step(diff)
	} else {
		s.setDriveLocked(false)
	}

	s.handoffLocked(now, smp)
	s.checkSessionLocked(now)
}

// checkVinLocked trips LowVin after a sustained undervoltage and clears it
// only above the recovery threshold.
func (s *Supervisor) checkVinLocked(now time.Time) {
	vin := s.src.VinFiltered()
	s.vin = vin
	if math.IsNaN(vin) {
		s.vinLowSince = time.Time{}
		return
	}
	if s.mode != ModeFault {
		if vin < s.cfg.VinTrip {
			if s.vinLowSince.IsZero() {
				s.vinLowSince = now
			}
			if now.Sub(s.vinLowSince) > s.cfg.VinDebounce {
				s.log.Error("supply undervoltage", zap.Float64("vin", vin))
				s.triggerFaultLocked(FaultLowVin, now)
			}
		} else {
			s.vinLowSince = time.Time{}
		}
		return
	}
	if s.fault == FaultLowVin && vin > s.cfg.VinRecover {
		s.log.Info("supply recovered, entering idle", zap.Float64("vin", vin))
		s.fault = FaultNone
		s.vinLowSince = time.Time{}
		s.enterModeLocked(ModeIdle, now)
	}
}

// checkSpinLocked restarts the motor when the blower should be turning but
// the zero-cross edge count has stalled.
func (s *Supervisor) checkSpinLocked(now time.Time) {
	if s.mode != ModeRunning || s.fault != FaultNone || !s.th.BlowerOn() || s.mot.IsStarting() {
		return
	}
	if now.Sub(s.spinAt) < s.cfg.SpinCheck {
		return
	}
	edges := s.mot.EdgeCount()
	delta := edges - s.spinEdges
	s.spinEdges = edges
	s.spinAt = now
	if delta < s.cfg.MinSpinEdges && now.Sub(s.lastKick) > s.cfg.RestartInterval {
		s.log.Warn("blower not spinning, restarting", zap.Uint64("edges", delta))
		if err := s.mot.Start(); err != nil {
			s.log.Error("motor restart refused", zap.Error(err))
			s.triggerFaultLocked(FaultDriver, now)
			return
		}
		s.lastKick = now
	}
}

// checkMotorLocked turns new driver stop events into faults.
func (s *Supervisor) checkMotorLocked(now time.Time) {
	stalls, driverFaults := s.mot.StopCounts()
	newStall := stalls > s.seenStalls
	newDriverFault := driverFaults > s.seenDriverFaults
	s.seenStalls, s.seenDriverFaults = stalls, driverFaults

	if newDriverFault {
		s.triggerFaultLocked(FaultDriver, now)
		return
	}
	if newStall && s.driveOn {
		s.triggerFaultLocked(FaultBemfTimeout, now)
	}
}

func (s *Supervisor) checkSessionLocked(now time.Time) {
	if s.session == nil || !s.session.Active() {
		return
	}
	if now.Sub(s.session.StartedAt()) > s.cfg.SessionTimeout {
		s.log.Info("advertising window closed")
		s.session.StopAdvertising()
	}
}

// enterModeLocked applies entry actions. Startup chains into Running without recursion.
func (s *Supervisor) enterModeLocked(m Mode, now time.Time) {
	for {
		if m != ModeStartup && s.mode == m {
			return
		}
		prev := s.mode
		s.mode = m
		s.log.Info("mode change", zap.Stringer("from", prev), zap.Stringer("to", m))
		next, chain := s.entryLocked(m, now)
		if !chain {
			return
		}
		m = next
	}
}

// entryLocked performs the entry actions of m and reports the mode to chain into.
func (s *Supervisor) entryLocked(m Mode, now time.Time) (Mode, bool) {
	switch m {
	case ModeIdle:
		s.setDriveLocked(false)
		s.ind.SetColor(ColorIdle)
	case ModeStartup:
		s.ind.SetColor(ColorStartup)
		if err := s.th.Restart(); err != nil {
			s.log.Warn("therapy restart failed", zap.Error(err))
		}
		if err := s.mot.Start(); err != nil {
			s.log.Error("motor start refused", zap.Error(err))
			s.triggerFaultLocked(FaultDriver, now)
			return 0, false
		}
		s.driveOn = true
		s.lastKick = now
		s.spinAt = now
		s.spinEdges = s.mot.EdgeCount()
		return ModeRunning, true
	case ModeRunning:
		s.ind.SetColor(ColorRunning)
	case ModeShutdown:
		s.ind.SetColor(ColorShutdown)
		s.setDriveLocked(false)
		s.shutdownAt = now
	case ModeFault:
		s.setDriveLocked(false)
		s.ind.SetColor(ColorFault)
	}
	return 0, false
}

func (s *Supervisor) setDriveLocked(on bool) {
	if on || !s.driveOn {
		return
	}
	s.mot.Stop()
	s.driveOn = false
}

// triggerFaultLocked latches f. Re-raising the active fault is a no-op; a
// different fault while faulted replaces the code and captures a new snapshot.
func (s *Supervisor) triggerFaultLocked(f Fault, now time.Time) {
	if s.fault == f && s.mode == ModeFault {
		return
	}
	snap := s.snapshotLocked(f, now)
	s.rec.Capture(snap)
	s.fault = f
	s.log.Error("fault", zap.Stringer("fault", f), zap.Stringer("mode", s.mode),
		zap.Float64("vin", snap.VinV), zap.Float64("diff_hpa", snap.DiffHPa))
	if s.sink != nil {
		s.sink.Event(telemetry.Event{At: now, Name: "FAULT", Detail: f.String()})
	}
	s.ind.Beep(beeps(f))
	s.enterModeLocked(ModeFault, now)
}

func (s *Supervisor) snapshotLocked(f Fault, now time.Time) diag.Snapshot {
	smp := s.src.LastSample()
	amb, ok := s.src.Ambient()
	if !ok {
		amb = math.NaN()
	}
	d := s.src.Diag()
	return diag.Snapshot{
		At:         now,
		UptimeMs:   s.uptimeMs(now),
		Mode:       uint8(s.mode),
		ModeName:   s.mode.String(),
		Fault:      uint8(f),
		FaultName:  f.String(),
		VinV:       s.vin,
		MaskHPa:    smp.MaskHPa,
		BlowerHPa:  smp.BlowerHPa,
		AmbientHPa: amb,
		DiffHPa:    smp.DiffHPa(),
		SetpointCm: s.th.Setpoint(),
		FlowHPa:    s.th.FlowProxy(),
		MotorAmp:   s.mot.Amplitude(),
		Miss:       d.Miss,
		BusErr:     [2]int8{int8(d.Err[0]), int8(d.Err[1])},
	}
}

// handoffLocked builds the telemetry frame, publishes it and feeds the data log.
func (s *Supervisor) handoffLocked(now time.Time, smp pressure.Sample) {
	f := telemetry.Frame{
		At:         now,
		UptimeMs:   s.uptimeMs(now),
		Mode:       s.mode.String(),
		ModeCode:   uint8(s.mode),
		Fault:      s.fault.String(),
		DiffHPa:    smp.DiffHPa(),
		FlowHPa:    s.th.FlowProxy(),
		SetpointCm: s.th.Setpoint(),
		VinV:       s.vin,
		AHI:        s.th.AHI(),
		MaskHPa:    smp.MaskHPa,
		BlowerHPa:  smp.BlowerHPa,
		MotorAmp:   s.mot.Amplitude(),
		Update:     "IDLE",
	}
	if s.acc != nil {
		a := s.acc()
		f.Humidifier, f.Hose = a.Humidifier, a.Hose
		f.Accessories = accessory.Bits(a.Humidifier, a.Hose)
	} else {
		f.Humidifier = accessory.Status{TempC: math.NaN(), RH: math.NaN()}
		f.Hose = f.Humidifier
	}
	if s.upd != nil {
		f.Update = s.upd.String()
	}
	s.frame = f
	if s.sink != nil {
		s.sink.Publish(f)
	}
	if s.dlog != nil && (s.lastLog.IsZero() || now.Sub(s.lastLog) >= s.cfg.DataLogEvery) {
		s.dlog.Push(f.Line())
		s.lastLog = now
	}
}

func (s *Supervisor) uptimeMs(now time.Time) uint64 {
	d := now.Sub(s.boot)
	if d < 0 {
		return 0
	}
	return uint64(d.Milliseconds())
}
