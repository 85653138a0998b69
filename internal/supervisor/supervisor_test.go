package supervisor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ozealis-ng/internal/accessory"
	"ozealis-ng/internal/autopap"
	"ozealis-ng/internal/diag"
	"ozealis-ng/internal/pressure"
	"ozealis-ng/internal/telemetry"
)

const ambientHPa = 1013.25

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeSource struct {
	sample    pressure.Sample
	sensorsOK bool
	vin       float64
	amb       float64
	ambOK     bool
	updates   int
	diag      pressure.Diag
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		sample:    pressure.Sample{MaskHPa: ambientHPa, BlowerHPa: ambientHPa + 0.5, MaskOK: true, BlowerOK: true},
		sensorsOK: true,
		vin:       12.0,
		amb:       ambientHPa,
		ambOK:     true,
	}
}

func (f *fakeSource) ReadPressures() pressure.Sample { return f.sample }
func (f *fakeSource) LastSample() pressure.Sample { return f.sample }
func (f *fakeSource) SensorsOK() bool { return f.sensorsOK }
func (f *fakeSource) VinFiltered() float64 { return f.vin }
func (f *fakeSource) Ambient() (float64, bool) { return f.amb, f.ambOK }
func (f *fakeSource) UpdateAmbient(float64, float64) { f.updates++ }
func (f *fakeSource) Diag() pressure.Diag { return f.diag }

type fakeMotor struct {
	starts, stops int
	startErr      error
	starting      bool
	edges         uint64
	stalls        uint64
	driverFaults  uint64
	amp           uint8
}

func (m *fakeMotor) Start() error {
	m.starts++
	return m.startErr
}
func (m *fakeMotor) Stop() { m.stops++ }
func (m *fakeMotor) IsStarting() bool { return m.starting }
func (m *fakeMotor) EdgeCount() uint64 { return m.edges }
func (m *fakeMotor) StopCounts() (uint64, uint64) {
	return m.stalls, m.driverFaults
}
func (m *fakeMotor) Amplitude() uint8 { return m.amp }

type fakeTherapy struct {
	restarts int
	steps    []float64
	setpoint float64
	flow     float64
	blowerOn bool
	ahi      float64
}

func (t *fakeTherapy) Restart() error {
	t.restarts++
	return nil
}
func (t *fakeTherapy) Step(d float64) { t.steps = append(t.steps, d) }
func (t *fakeTherapy) Setpoint() float64 { return t.setpoint }
func (t *fakeTherapy) FlowProxy() float64 { return t.flow }
func (t *fakeTherapy) BlowerOn() bool { return t.blowerOn }
func (t *fakeTherapy) AHI() float64 { return t.ahi }

type fakeIndicator struct {
	colors []Color
	beeps  []int
}

func (i *fakeIndicator) SetColor(c Color) { i.colors = append(i.colors, c) }
func (i *fakeIndicator) Beep(n int) { i.beeps = append(i.beeps, n) }

type recSink struct {
	frames []telemetry.Frame
	events []telemetry.Event
}

func (r *recSink) Publish(f telemetry.Frame) { r.frames = append(r.frames, f) }
func (r *recSink) Event(e telemetry.Event) { r.events = append(r.events, e) }

type fakeSession struct {
	active  bool
	started time.Time
	stops   int
}

func (s *fakeSession) Active() bool { return s.active }
func (s *fakeSession) StartedAt() time.Time { return s.started }
func (s *fakeSession) StopAdvertising() {
	s.active = false
	s.stops++
}

type stringer string

func (s stringer) String() string { return string(s) }

type harness struct {
	clock *fakeClock
	src   *fakeSource
	mot   *fakeMotor
	th    *fakeTherapy
	ind   *fakeIndicator
	sink  *recSink
	rec   *diag.Recorder
	sup   *Supervisor
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{t: time.Unix(10_000, 0)},
		src:   newFakeSource(),
		mot:   &fakeMotor{amp: 140},
		th:    &fakeTherapy{setpoint: 8, flow: 0.4, blowerOn: true},
		ind:   &fakeIndicator{},
		sink:  &recSink{},
		rec:   diag.NewRecorder(8),
	}
	base := []Option{
		WithClock(h.clock.now),
		WithIndicator(h.ind),
		WithSink(h.sink),
		WithRecorder(h.rec),
	}
	sup, err := New(DefaultConfig(), h.src, h.mot, h.th, nil, append(base, opts...)...)
	require.NoError(t, err)
	h.sup = sup
	return h
}

// step advances the clock then ticks.
func (h *harness) step(d time.Duration) {
	h.clock.advance(d)
	h.sup.Tick()
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sup.RequestMode(ModeRunning))
	require.Equal(t, ModeRunning, h.sup.Mode())
}

func TestNew_Validates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VinRecover = cfg.VinTrip
	_, err := New(cfg, newFakeSource(), &fakeMotor{}, &fakeTherapy{}, nil)
	require.Error(t, err)

	_, err = New(DefaultConfig(), nil, &fakeMotor{}, &fakeTherapy{}, nil)
	require.Error(t, err)
}

func TestLowVin_DebounceAndHysteresis(t *testing.T) {
	h := newHarness(t)
	h.src.vin = 9.75

	h.step(0)
	h.step(100 * time.Millisecond)
	require.Equal(t, ModeIdle, h.sup.Mode())

	h.step(150 * time.Millisecond)
	require.Equal(t, ModeFault, h.sup.Mode())
	require.Equal(t, FaultLowVin, h.sup.Fault())
	require.Equal(t, 1, h.rec.Len())
	require.Equal(t, []int{2}, h.ind.beeps)
	require.Equal(t, []telemetry.Event{{At: h.clock.t, Name: "FAULT", Detail: "LOW_VIN"}}, h.sink.events)

	for i := 0; i < 10; i++ {
		h.step(50 * time.Millisecond)
	}
	require.Equal(t, 1, h.rec.Len())

	h.src.vin = 10.0
	h.step(50 * time.Millisecond)
	require.Equal(t, ModeFault, h.sup.Mode())

	h.src.vin = 10.4
	h.step(50 * time.Millisecond)
	require.Equal(t, ModeIdle, h.sup.Mode())
	require.Equal(t, FaultNone, h.sup.Fault())
	require.Equal(t, ColorIdle, h.ind.colors[len(h.ind.colors)-1])
}

func TestLowVin_ShortDipDoesNotTrip(t *testing.T) {
	h := newHarness(t)
	h.src.vin = 9.5
	h.step(0)
	h.step(150 * time.Millisecond)
	h.src.vin = 11.8
	h.step(50 * time.Millisecond)
	h.src.vin = 9.5
	h.step(150 * time.Millisecond)
	require.Equal(t, ModeIdle, h.sup.Mode())
}

func TestLowVin_UnknownSupplyIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.src.vin = math.NaN()
	for i := 0; i < 20; i++ {
		h.step(50 * time.Millisecond)
	}
	require.Equal(t, ModeIdle, h.sup.Mode())
	require.Equal(t, 0, h.rec.Len())
}

func TestRaiseFault_SameFaultIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.sup.RaiseFault(FaultIO)
	h.sup.RaiseFault(FaultIO)
	require.Equal(t, 1, h.rec.Len())
	require.Len(t, h.sink.events, 1)

	h.sup.RaiseFault(FaultDriver)
	require.Equal(t, 2, h.rec.Len())
	require.Equal(t, FaultDriver, h.sup.Fault())

	h.sup.RaiseFault(FaultNone)
	require.Equal(t, FaultDriver, h.sup.Fault())
}

func TestStartup_ChainsIntoRunning(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	require.Equal(t, 1, h.mot.starts)
	require.Equal(t, 1, h.th.restarts)
	require.Equal(t, []Color{ColorIdle, ColorStartup, ColorRunning}, h.ind.colors)

	h.step(50 * time.Millisecond)
	require.Equal(t, []float64{0.5}, h.th.steps)
	require.Equal(t, 1, h.src.updates)

	require.NoError(t, h.sup.RequestMode(ModeStartup))
	require.Equal(t, 1, h.mot.starts)
	require.Equal(t, 1, h.th.restarts)
}

func TestStartup_NewSessionAfterIdleGapHasNoApnea(t *testing.T) {
	h := newHarness(t)
	ctrl, err := autopap.New(autopap.Limits{PMin: 4, PMax: 15, Delta: 4}, nil, nil, autopap.WithClock(h.clock.now))
	require.NoError(t, err)
	sup, err := New(DefaultConfig(), h.src, h.mot, ctrl, nil, WithClock(h.clock.now))
	require.NoError(t, err)

	setDiff := func(d float64) { h.src.sample.BlowerHPa = ambientHPa + d }

	require.NoError(t, sup.RequestMode(ModeRunning))
	for b := 0; b < 5; b++ {
		for i := 0; i < 40; i++ {
			if i < 20 {
				setDiff(2)
			} else {
				setDiff(-2)
			}
			h.clock.advance(50 * time.Millisecond)
			sup.Tick()
		}
	}
	require.Zero(t, ctrl.ApneaCount())

	require.NoError(t, sup.RequestMode(ModeIdle))
	h.clock.advance(time.Hour)
	sup.Tick()

	require.NoError(t, sup.RequestMode(ModeRunning))
	setDiff(-0.5)
	h.clock.advance(50 * time.Millisecond)
	sup.Tick()

	require.Equal(t, ModeRunning, sup.Mode())
	require.Zero(t, ctrl.ApneaCount())
	require.Empty(t, ctrl.Events(10))
	epap, _ := ctrl.Targets()
	require.Equal(t, 4.0, epap)
}

func TestStartup_MotorRefusalFaults(t *testing.T) {
	h := newHarness(t)
	h.mot.startErr = errors.New("driver fault latched")
	require.NoError(t, h.sup.RequestMode(ModeStartup))
	require.Equal(t, ModeFault, h.sup.Mode())
	require.Equal(t, FaultDriver, h.sup.Fault())
	require.Equal(t, 0, h.mot.stops)
}

func TestRequestMode_RejectsFault(t *testing.T) {
	h := newHarness(t)
	require.Error(t, h.sup.RequestMode(ModeFault))
}

func TestShutdown_SettlesIntoIdle(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	require.NoError(t, h.sup.RequestMode(ModeShutdown))
	require.Equal(t, ModeShutdown, h.sup.Mode())
	require.Equal(t, 1, h.mot.stops)

	h.step(100 * time.Millisecond)
	require.Equal(t, ModeShutdown, h.sup.Mode())
	h.step(400 * time.Millisecond)
	require.Equal(t, ModeIdle, h.sup.Mode())
	require.Equal(t, 1, h.mot.stops)
	require.Empty(t, h.th.steps)
}

func TestOverpressure(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.src.sample.MaskHPa = ambientHPa + pressure.CmH2OToHPa(26)
	h.src.sample.BlowerHPa = h.src.sample.MaskHPa + 1

	h.step(50 * time.Millisecond)
	require.Equal(t, ModeFault, h.sup.Mode())
	require.Equal(t, FaultOverpressure, h.sup.Fault())
	require.Equal(t, []int{5}, h.ind.beeps)
	require.Equal(t, 1, h.mot.stops)
	require.Empty(t, h.th.steps)

	snap := h.rec.Faults()[0]
	require.Equal(t, "RUNNING", snap.ModeName)
	require.Equal(t, "OVERPRESSURE", snap.FaultName)
	require.Equal(t, uint8(140), snap.MotorAmp)
	require.Equal(t, 8.0, snap.SetpointCm)
	require.Equal(t, ambientHPa, snap.AmbientHPa)
}

func TestOverpressure_NeedsAmbient(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.src.ambOK = false
	h.src.sample.MaskHPa = ambientHPa + pressure.CmH2OToHPa(40)

	h.step(50 * time.Millisecond)
	require.Equal(t, ModeRunning, h.sup.Mode())
	require.Zero(t, h.sup.Status().GaugeHPa)
}

func TestSensorFault_LatchesUntilModeRequest(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.src.sensorsOK = false
	h.step(50 * time.Millisecond)
	require.Equal(t, FaultSensor, h.sup.Fault())
	require.Equal(t, []int{3}, h.ind.beeps)
	require.Len(t, h.sink.frames, 1)

	h.src.sensorsOK = true
	for i := 0; i < 5; i++ {
		h.step(50 * time.Millisecond)
	}
	require.Equal(t, ModeFault, h.sup.Mode())
	require.Equal(t, FaultSensor, h.sup.Fault())

	require.NoError(t, h.sup.RequestMode(ModeIdle))
	require.Equal(t, ModeIdle, h.sup.Mode())
	require.Equal(t, FaultNone, h.sup.Fault())
}

func TestSpinCheck_RestartsStalledBlower(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	h.step(300 * time.Millisecond)
	require.Equal(t, 1, h.mot.starts)

	h.step(1900 * time.Millisecond)
	require.Equal(t, 2, h.mot.starts)
	require.Equal(t, ModeRunning, h.sup.Mode())

	// Spinning again: no further kicks.
	for i := 0; i < 20; i++ {
		h.mot.edges += 50
		h.step(300 * time.Millisecond)
	}
	require.Equal(t, 2, h.mot.starts)
}

func TestSpinCheck_StallFaultsWithoutRestart(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.step(300 * time.Millisecond)
	require.Equal(t, 1, h.mot.starts)

	// The driver gave up rescuing: no edges, one stall, restart interval elapsed.
	h.mot.stalls = 1
	h.step(1900 * time.Millisecond)
	require.Equal(t, ModeFault, h.sup.Mode())
	require.Equal(t, FaultBemfTimeout, h.sup.Fault())
	require.Equal(t, 1, h.mot.starts)
}

func TestSpinCheck_SkippedWhileStartingOrBlowerOff(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	h.mot.starting = true
	h.step(3 * time.Second)
	require.Equal(t, 1, h.mot.starts)

	h.mot.starting = false
	h.th.blowerOn = false
	h.step(3 * time.Second)
	require.Equal(t, 1, h.mot.starts)
}

func TestMotorStall_RaisesBemfTimeout(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.mot.stalls = 1
	h.step(50 * time.Millisecond)
	require.Equal(t, FaultBemfTimeout, h.sup.Fault())
}

func TestMotorDriverFault(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	h.mot.stalls = 1
	h.mot.driverFaults = 1
	h.step(50 * time.Millisecond)
	require.Equal(t, FaultDriver, h.sup.Fault())
	require.Equal(t, 1, h.rec.Len())
}

func TestMotorStall_IgnoredWithDriveOff(t *testing.T) {
	h := newHarness(t)
	h.mot.stalls = 3
	h.step(50 * time.Millisecond)
	require.Equal(t, ModeIdle, h.sup.Mode())
}

func TestSession_StopsAdvertisingAfterTimeout(t *testing.T) {
	sess := &fakeSession{active: true, started: time.Unix(10_000, 0)}
	h := newHarness(t, WithSession(sess))

	h.step(10 * time.Second)
	require.Equal(t, 0, sess.stops)

	h.step(21 * time.Second)
	require.Equal(t, 1, sess.stops)
	require.Equal(t, ModeIdle, h.sup.Mode())

	h.step(time.Second)
	require.Equal(t, 1, sess.stops)
}

func TestDataLog_OneLinePerSecond(t *testing.T) {
	dlog := diag.NewDataLog(0)
	h := newHarness(t, WithDataLog(dlog))

	h.sup.Tick()
	for i := 0; i < 40; i++ {
		h.step(50 * time.Millisecond)
	}
	require.Equal(t, 3, dlog.Len())
	require.Len(t, h.sink.frames, 41)
	require.Equal(t, uint16(50000), h.rec.LoopUs())

	lines, _ := dlog.Snapshot(0)
	require.Equal(t, uint64(2000), lines[2].UptimeMs)
	require.Equal(t, uint8(ModeIdle), lines[2].Mode)
}

func TestFrame_CarriesAccessoriesAndUpdate(t *testing.T) {
	acc := func() accessory.Snapshot {
		return accessory.Snapshot{
			Humidifier: accessory.Status{Present: true, Ready: true, TempC: 31, RH: 65},
			Hose:       accessory.Status{TempC: 24},
		}
	}
	h := newHarness(t, WithAccessories(acc), WithUpdateStatus(stringer("42%")))
	h.run(t)
	h.step(50 * time.Millisecond)

	f := h.sink.frames[0]
	require.Equal(t, "RUNNING", f.Mode)
	require.Equal(t, "NONE", f.Fault)
	require.Equal(t, uint8(1), f.Accessories)
	require.Equal(t, 31.0, f.Humidifier.TempC)
	require.Equal(t, "42%", f.Update)
	require.InDelta(t, 0.5, f.DiffHPa, 1e-9)

	st := h.sup.Status()
	require.Equal(t, ModeRunning, st.Mode)
	require.True(t, st.AmbientOK)
	require.Equal(t, f, st.Frame)
}

func TestRun_StopsDriveOnCancel(t *testing.T) {
	src := newFakeSource()
	mot := &fakeMotor{}
	th := &fakeTherapy{blowerOn: true}
	cfg := DefaultConfig()
	cfg.Tick = time.Millisecond
	sup, err := New(cfg, src, mot, th, nil)
	require.NoError(t, err)
	require.NoError(t, sup.RequestMode(ModeRunning))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = sup.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, ModeIdle, sup.Mode())
	require.Equal(t, 1, mot.stops)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" running ")
	require.NoError(t, err)
	require.Equal(t, ModeRunning, m)
	_, err = ParseMode("warp")
	require.Error(t, err)
	require.Equal(t, "#ff9600", ColorShutdown.String())
}
