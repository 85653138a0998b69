package motor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type phaseOut struct {
	high bool
	duty uint8
}

type fakeBridge struct {
	mu      sync.Mutex
	phases  [3]phaseOut
	asleep  bool
	freqHz  int
	faulted bool
	writes  int
}

func (b *fakeBridge) SetPhase(phase int, highSide bool, duty uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phases[phase] = phaseOut{high: highSide, duty: duty}
	b.writes++
	return nil
}

func (b *fakeBridge) SetSleep(asleep bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.asleep = asleep
	return nil
}

func (b *fakeBridge) SetFrequencyHz(hz int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freqHz = hz
	return nil
}

func (b *fakeBridge) FaultAsserted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.faulted
}

func (b *fakeBridge) Close() error { return nil }

func (b *fakeBridge) snapshot() ([3]phaseOut, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phases, b.asleep
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 8, 10, 22, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// testProfile shortens the startup so the full sequence runs in a few hundred steps.
func testProfile() Profile {
	p := DefaultProfile()
	p.AlignTries = 2
	p.AlignDuration = 20 * time.Millisecond
	p.RampSteps = 12
	p.RampDwell0 = 3 * time.Millisecond
	p.RampDwell1 = 500 * time.Microsecond
	p.HandoffTimeout = 50 * time.Millisecond
	p.RescueTimeout = 300 * time.Millisecond
	p.HoldDuration = 100 * time.Millisecond
	return p
}

func newTestDriver(t *testing.T, prof Profile) (*Driver, *fakeBridge, *fakeClock, *[]State) {
	t.Helper()
	br := &fakeBridge{}
	clk := newFakeClock()
	var states []State
	d, err := New(br, prof, nil,
		WithClock(clk.Now),
		WithSleep(func(time.Duration) {}),
		WithStateHook(func(_, to State) { states = append(states, to) }))
	require.NoError(t, err)
	return d, br, clk, &states
}

// runUntil steps the control state machine on the fake clock until cond holds.
func runUntil(t *testing.T, d *Driver, clk *fakeClock, limit time.Duration, cond func() bool) {
	t.Helper()
	start := clk.Now()
	for !cond() {
		require.Less(t, clk.Now().Sub(start), limit, "condition not reached, state=%s", d.State())
		d.ctlMu.Lock()
		wait := d.step(clk.Now())
		d.ctlMu.Unlock()
		if wait <= 0 {
			wait = 100 * time.Microsecond
		}
		clk.Advance(wait)
	}
}

func TestNew_LeavesGateDriverAsleep(t *testing.T) {
	d, br, _, _ := newTestDriver(t, testProfile())
	phases, asleep := br.snapshot()
	assert.True(t, asleep)
	for _, p := range phases {
		assert.Zero(t, p.duty)
	}
	assert.Equal(t, StateIdle, d.State())
	assert.False(t, d.IsStarting())
}

func TestNew_RejectsInvalidProfile(t *testing.T) {
	p := DefaultProfile()
	p.ZCDebounceFloor = time.Millisecond
	p.ZCDebounceCeil = time.Microsecond
	_, err := New(&fakeBridge{}, p, nil)
	require.Error(t, err)
}

func TestStartup_NoBackEMFStallsToIdle(t *testing.T) {
	prof := testProfile()
	d, br, clk, states := newTestDriver(t, prof)

	require.NoError(t, d.Start())
	assert.Equal(t, prof.StartPWMHz, br.freqHz)
	start := clk.Now()

	for d.State() != StateIdle {
		assert.True(t, d.IsStarting(), "state %s", d.State())
		require.Less(t, clk.Now().Sub(start), 2*prof.startupBudget())
		d.ctlMu.Lock()
		wait := d.step(clk.Now())
		d.ctlMu.Unlock()
		if wait <= 0 {
			wait = 100 * time.Microsecond
		}
		clk.Advance(wait)
	}

	assert.Equal(t, []State{StatePreKick, StateAlign, StateRamp, StateBemfWait, StateRescue, StateIdle}, *states)
	assert.LessOrEqual(t, clk.Now().Sub(start), prof.startupBudget()+50*time.Millisecond)
	assert.False(t, d.IsStarting())
	assert.False(t, d.HasLock())

	stalls, faults := d.StopCounts()
	assert.Equal(t, uint64(1), stalls)
	assert.Zero(t, faults)

	phases, asleep := br.snapshot()
	assert.True(t, asleep)
	for _, p := range phases {
		assert.Zero(t, p.duty)
	}
	assert.Zero(t, d.Amplitude())
}

func TestStartup_SkipsAlignWhenNoTriesConfigured(t *testing.T) {
	prof := testProfile()
	prof.AlignTries = 0
	d, _, clk, states := newTestDriver(t, prof)
	require.NoError(t, d.Start())
	runUntil(t, d, clk, time.Second, func() bool { return d.State() == StateRamp })
	assert.Equal(t, []State{StatePreKick, StateRamp}, *states)
}

func TestHandoff_EdgesLockIntoRun(t *testing.T) {
	prof := testProfile()
	d, br, clk, _ := newTestDriver(t, prof)
	require.NoError(t, d.Start())
	runUntil(t, d, clk, time.Second, func() bool { return d.State() == StateBemfWait })

	// First BemfWait step arms zero-cross detection.
	d.ctlMu.Lock()
	d.step(clk.Now())
	d.ctlMu.Unlock()
	assert.Equal(t, prof.RunPWMHz, br.freqHz)
	assert.Equal(t, uint8(maxAmplitude), d.Amplitude())

	for i := uint64(0); i < prof.HandoffEdges; i++ {
		clk.Advance(time.Millisecond)
		d.HandleZeroCross(int(d.floatPhase.Load()), clk.Now())
	}
	assert.Equal(t, prof.HandoffEdges, d.EdgeCount())

	d.ctlMu.Lock()
	d.step(clk.Now())
	d.ctlMu.Unlock()
	assert.Equal(t, StateRun, d.State())
	assert.True(t, d.HasLock())
	assert.False(t, d.IsStarting())
	assert.True(t, d.IsRunning())
}

func TestRescue_EdgeRateLocksIntoRun(t *testing.T) {
	prof := testProfile()
	d, _, clk, states := newTestDriver(t, prof)
	require.NoError(t, d.Start())
	runUntil(t, d, clk, time.Second, func() bool { return d.State() == StateRescue })

	for i := 0; i < 1000 && d.State() == StateRescue; i++ {
		d.ctlMu.Lock()
		d.step(clk.Now())
		d.ctlMu.Unlock()
		clk.Advance(500 * time.Microsecond)
		d.HandleZeroCross(int(d.floatPhase.Load()), clk.Now())
	}
	assert.Equal(t, StateRun, d.State())
	assert.Equal(t, StateRun, (*states)[len(*states)-1])
	assert.True(t, d.HasLock())
}

func TestRun_AngleAdvancesSixtyDegreesPerAcceptedEdge(t *testing.T) {
	prof := testProfile()
	d, _, clk, _ := newTestDriver(t, prof)
	require.NoError(t, d.Start())
	runUntil(t, d, clk, time.Second, func() bool { return d.State() == StateBemfWait })
	d.ctlMu.Lock()
	d.step(clk.Now())
	d.ctlMu.Unlock()
	for d.State() != StateRun {
		clk.Advance(time.Millisecond)
		d.HandleZeroCross(int(d.floatPhase.Load()), clk.Now())
		d.ctlMu.Lock()
		d.step(clk.Now())
		d.ctlMu.Unlock()
	}

	a0 := int(d.Angle())
	e0 := d.EdgeCount()
	accepted := 0
	last := -1
	prev := d.Angle()
	for i := 0; i < 500; i++ {
		floating := int(d.floatPhase.Load())
		switch i % 4 {
		case 0, 2:
			clk.Advance(800 * time.Microsecond)
			d.HandleZeroCross(floating, clk.Now())
			accepted++
			last = floating
		case 1:
			// Not the floating phase: ignored.
			clk.Advance(800 * time.Microsecond)
			d.HandleZeroCross((floating+1)%3, clk.Now())
		case 3:
			// Chatter on the phase that just crossed: gated or debounced.
			clk.Advance(10 * time.Microsecond)
			d.HandleZeroCross(last, clk.Now())
		}
		cur := d.Angle()
		step := uint8(cur - prev)
		require.True(t, step == 0 || step == angleStep, "angle moved by %d", step)
		prev = cur
	}
	assert.Equal(t, uint64(accepted), d.EdgeCount()-e0)
	assert.Equal(t, uint8((a0+angleStep*accepted)%256), d.Angle())
}

func TestZeroCross_IgnoredWhenDetectionDisarmed(t *testing.T) {
	d, _, clk, _ := newTestDriver(t, testProfile())
	clk.Advance(time.Second)
	d.HandleZeroCross(2, clk.Now())
	assert.Zero(t, d.EdgeCount())

	require.NoError(t, d.Start())
	clk.Advance(time.Second)
	d.HandleZeroCross(int(d.floatPhase.Load()), clk.Now())
	assert.Zero(t, d.EdgeCount(), "edges must be ignored before BEMF handoff")
	d.HandleZeroCross(7, clk.Now())
	assert.Zero(t, d.EdgeCount())
}

func TestZeroCross_DebouncesOnCaptureTime(t *testing.T) {
	d, _, clk, _ := newTestDriver(t, testProfile())
	require.NoError(t, d.Start())
	runUntil(t, d, clk, time.Second, func() bool { return d.State() == StateBemfWait })
	d.ctlMu.Lock()
	d.step(clk.Now())
	d.ctlMu.Unlock()

	ph := int(d.floatPhase.Load())
	d.zcMu.Lock()
	last := d.lastEdge[ph]
	d.zcMu.Unlock()
	e0 := d.EdgeCount()

	// Delivered 5ms late but captured 10us after the previous edge: chatter.
	clk.Advance(5 * time.Millisecond)
	d.HandleZeroCross(ph, last.Add(10*time.Microsecond))
	assert.Equal(t, e0, d.EdgeCount())

	// A genuine edge delivered just as late still counts.
	d.HandleZeroCross(ph, last.Add(time.Millisecond))
	assert.Equal(t, e0+1, d.EdgeCount())
}

func TestZeroCross_ZeroCaptureTimeUsesClock(t *testing.T) {
	d, _, clk, _ := newTestDriver(t, testProfile())
	require.NoError(t, d.Start())
	runUntil(t, d, clk, time.Second, func() bool { return d.State() == StateBemfWait })
	d.ctlMu.Lock()
	d.step(clk.Now())
	d.ctlMu.Unlock()
	e0 := d.EdgeCount()

	clk.Advance(50 * time.Microsecond)
	d.HandleZeroCross(int(d.floatPhase.Load()), time.Time{})
	assert.Equal(t, e0, d.EdgeCount())

	clk.Advance(time.Millisecond)
	d.HandleZeroCross(int(d.floatPhase.Load()), time.Time{})
	assert.Equal(t, e0+1, d.EdgeCount())
}

func TestAcceptEdge_AdaptiveDebounce(t *testing.T) {
	d, _, clk, _ := newTestDriver(t, testProfile())
	t0 := clk.Now()
	d.lastEdge = [3]time.Time{t0, t0, t0}

	// No period yet: 120us default.
	assert.False(t, d.acceptEdge(0, t0.Add(100*time.Microsecond)))
	assert.True(t, d.acceptEdge(0, t0.Add(130*time.Microsecond)))

	// Period 4ms -> 500us, clamped to the 300us ceiling.
	d.lastPeriod = 4 * time.Millisecond
	d.lastEdge[1] = t0
	assert.False(t, d.acceptEdge(1, t0.Add(299*time.Microsecond)))
	assert.True(t, d.acceptEdge(1, t0.Add(300*time.Microsecond)))

	// Period 200us -> 25us, clamped up to the 60us floor.
	d.lastPeriod = 200 * time.Microsecond
	d.lastEdge[2] = t0
	assert.False(t, d.acceptEdge(2, t0.Add(59*time.Microsecond)))
	assert.True(t, d.acceptEdge(2, t0.Add(60*time.Microsecond)))
}

func TestFault_LatchedFaultForcesSafeStopOnce(t *testing.T) {
	prof := testProfile()
	d, br, clk, states := newTestDriver(t, prof)
	require.NoError(t, d.Start())
	runUntil(t, d, clk, time.Second, func() bool { return d.State() == StateRamp })

	d.HandleFault()
	d.ctlMu.Lock()
	wait := d.step(clk.Now())
	d.ctlMu.Unlock()
	assert.Equal(t, faultSettle, wait)
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, StateIdle, (*states)[len(*states)-1])

	phases, asleep := br.snapshot()
	assert.True(t, asleep)
	for _, p := range phases {
		assert.Equal(t, phaseOut{}, p)
	}

	d.ctlMu.Lock()
	d.step(clk.Now())
	d.ctlMu.Unlock()
	_, faults := d.StopCounts()
	assert.Equal(t, uint64(1), faults)
}

func TestStart_RefusedWhileGateDriverFaulted(t *testing.T) {
	d, br, _, _ := newTestDriver(t, testProfile())
	br.faulted = true
	require.ErrorIs(t, d.Start(), ErrDriverFaulted)
	assert.Equal(t, StateIdle, d.State())
}

func TestStop_IdempotentFromAnyState(t *testing.T) {
	d, br, clk, _ := newTestDriver(t, testProfile())
	d.Stop()
	d.Stop()
	require.NoError(t, d.Start())
	runUntil(t, d, clk, time.Second, func() bool { return d.State() == StateAlign })
	d.Stop()
	d.Stop()
	assert.Equal(t, StateIdle, d.State())
	_, asleep := br.snapshot()
	assert.True(t, asleep)
	stalls, faults := d.StopCounts()
	assert.Zero(t, stalls)
	assert.Zero(t, faults)
}

func TestSetAmplitude_HoldWindowRaisesLowRequests(t *testing.T) {
	prof := testProfile()
	d, _, clk, _ := newTestDriver(t, prof)

	d.SetAmplitude(40)
	assert.Equal(t, uint8(40), d.Amplitude(), "no hold while stopped")

	require.NoError(t, d.Start())
	runUntil(t, d, clk, time.Second, func() bool { return d.State() == StateBemfWait })
	d.ctlMu.Lock()
	d.step(clk.Now())
	d.ctlMu.Unlock()

	d.SetAmplitude(40)
	assert.Equal(t, prof.HoldAmp, d.Amplitude())

	clk.Advance(prof.HoldDuration + time.Millisecond)
	d.SetAmplitude(40)
	assert.Equal(t, uint8(40), d.Amplitude())
}

func TestRampPoint_Interpolates(t *testing.T) {
	prof := DefaultProfile()
	d, _, _, _ := newTestDriver(t, prof)

	dwell, mag := d.rampPoint(0)
	assert.Equal(t, prof.RampDwell0, dwell)
	assert.Equal(t, prof.RampMag0, mag)

	dwell, mag = d.rampPoint(prof.RampSteps / 2)
	assert.Equal(t, 3150*time.Microsecond, dwell)
	assert.Equal(t, uint8(250), mag)
}

func TestForceStep_OnlyWhileIdle(t *testing.T) {
	d, br, clk, _ := newTestDriver(t, testProfile())
	require.NoError(t, d.ForceStep(1, 200, 10*time.Millisecond))
	phases, asleep := br.snapshot()
	assert.True(t, asleep)
	for _, p := range phases {
		assert.Zero(t, p.duty)
	}

	require.NoError(t, d.Start())
	runUntil(t, d, clk, time.Second, func() bool { return d.State() == StateAlign })
	require.Error(t, d.ForceStep(1, 200, 10*time.Millisecond))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	br := &fakeBridge{}
	d, err := New(br, testProfile(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, d.Start())
	require.Eventually(t, func() bool { return d.State() != StatePreKick }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	assert.Equal(t, StateIdle, d.State())
	_, asleep := br.snapshot()
	assert.True(t, asleep)
}
