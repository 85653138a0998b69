package pressure

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ozealis-ng/internal/i2c"
)

type fakeSensor struct {
	p   float64
	err error
}

func (f *fakeSensor) ReadPressure() (float64, error) { return f.p, f.err }

type fakeProber struct {
	codes map[uint16]i2c.Code
	calls []uint16
}

func (f *fakeProber) Probe(addr uint16) i2c.Code {
	f.calls = append(f.calls, addr)
	return f.codes[addr]
}

type fakeVin struct {
	v   []float64
	err error
}

func (f *fakeVin) Read() (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	v := f.v[0]
	if len(f.v) > 1 {
		f.v = f.v[1:]
	}
	return v, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func newService(mask, blower Sensor, pr Prober, vin VoltageSensor) (*Service, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	return New(DefaultConfig(), mask, blower, pr, vin, nil, WithClock(c.now)), c
}

func TestReadPressures_CachesPerChannel(t *testing.T) {
	mask := &fakeSensor{p: 1013.0}
	blower := &fakeSensor{p: 1018.0}
	pr := &fakeProber{codes: map[uint16]i2c.Code{0x5C: i2c.CodeAddrNACK}}
	s, _ := newService(mask, blower, pr, nil)

	smp := s.ReadPressures()
	require.True(t, smp.Healthy())
	assert.InDelta(t, 5.0, smp.DiffHPa(), 1e-9)

	blower.err = errors.New("nack")
	smp = s.ReadPressures()
	assert.True(t, smp.MaskOK)
	assert.False(t, smp.BlowerOK)
	assert.Equal(t, 1018.0, smp.BlowerHPa, "failed channel falls back to its cache")
	assert.Equal(t, []uint16{0x5C}, pr.calls)

	s.ReadPressures()
	d := s.Diag()
	assert.Equal(t, [2]uint16{0, 2}, d.Miss)
	assert.Equal(t, [2]i2c.Code{i2c.CodeOK, i2c.CodeAddrNACK}, d.Err)

	blower.err = nil
	s.ReadPressures()
	d = s.Diag()
	assert.Equal(t, [2]uint16{0, 0}, d.Miss)
	assert.Equal(t, i2c.CodeOK, d.Err[Blower])
}

func TestReadPressures_NeverReadIsNaN(t *testing.T) {
	s, _ := newService(&fakeSensor{p: 1000}, &fakeSensor{err: errors.New("absent")}, nil, nil)
	smp := s.ReadPressures()
	assert.True(t, math.IsNaN(smp.BlowerHPa))
	assert.True(t, math.IsNaN(smp.DiffHPa()))
	assert.Equal(t, i2c.CodeNoProbe, s.Diag().Err[Blower])
}

func TestReadPressures_RejectsNonFinite(t *testing.T) {
	s, _ := newService(&fakeSensor{p: math.Inf(1)}, &fakeSensor{p: 1000}, nil, nil)
	smp := s.ReadPressures()
	assert.False(t, smp.MaskOK)
}

func TestSensorsOK_DebouncesStreak(t *testing.T) {
	mask := &fakeSensor{p: 1013}
	blower := &fakeSensor{p: 1013}
	s, c := newService(mask, blower, nil, nil)
	s.ReadPressures()
	require.True(t, s.SensorsOK())

	// One side keeps reading, so staleness never trips; the streak does.
	blower.err = errors.New("nack")
	for i := 1; i < 5; i++ {
		c.add(50 * time.Millisecond)
		s.ReadPressures()
		assert.True(t, s.SensorsOK(), "bad read %d", i)
	}
	c.add(50 * time.Millisecond)
	s.ReadPressures()
	assert.False(t, s.SensorsOK())

	blower.err = nil
	s.ReadPressures()
	assert.True(t, s.SensorsOK())
}

func TestSensorsOK_StaleWhenBothFail(t *testing.T) {
	mask := &fakeSensor{p: 1013}
	blower := &fakeSensor{p: 1013}
	s, c := newService(mask, blower, nil, nil)
	s.ReadPressures()

	mask.err = errors.New("bus")
	blower.err = errors.New("bus")
	s.ReadPressures()
	assert.True(t, s.SensorsOK())
	c.add(499 * time.Millisecond)
	assert.True(t, s.SensorsOK())
	c.add(time.Millisecond)
	assert.False(t, s.SensorsOK())
}

func TestVinFiltered_SeedsThenSmooths(t *testing.T) {
	v := &fakeVin{v: []float64{12.0, 10.0}}
	s, _ := newService(nil, nil, nil, v)
	assert.Equal(t, 12.0, s.VinFiltered())
	assert.InDelta(t, 12.0*0.95+10.0*0.05, s.VinFiltered(), 1e-9)

	v.err = errors.New("adc")
	assert.InDelta(t, 11.9, s.VinFiltered(), 1e-9)
}

func TestVinFiltered_NaNWithoutReading(t *testing.T) {
	s, _ := newService(nil, nil, nil, nil)
	assert.True(t, math.IsNaN(s.VinFiltered()))

	v := &fakeVin{err: errors.New("adc")}
	s, _ = newService(nil, nil, nil, v)
	assert.True(t, math.IsNaN(s.VinFiltered()))
	v.err = nil
	v.v = []float64{11.5}
	assert.Equal(t, 11.5, s.VinFiltered())
}

func TestPrime_SeedsVinAndStartsAmbient(t *testing.T) {
	s, _ := newService(&fakeSensor{p: 1013}, &fakeSensor{p: 1013}, nil, &fakeVin{v: []float64{12.4}})
	smp := s.Prime()
	assert.True(t, smp.Healthy())
	assert.Equal(t, 12.4, s.vinLP)
	_, ok := s.Ambient()
	assert.False(t, ok, "one reading is not enough to seed")
	s.UpdateAmbient(1013.2, 0)
	s.UpdateAmbient(1012.9, 0)
	a, ok := s.Ambient()
	require.True(t, ok)
	assert.InDelta(t, 1013.033, a, 0.01)
}

func TestUnits_RoundTrip(t *testing.T) {
	assert.InDelta(t, 24.516625, CmH2OToHPa(25), 1e-9)
	assert.InDelta(t, 10.0, HPaToCmH2O(CmH2OToHPa(10)), 1e-4)
}
