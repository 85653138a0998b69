package lps22

import (
	"errors"
	"math"
	"testing"
	"time"
)

type fakeI2C struct {
	regs   map[byte][]byte
	writes []writeOp
	fail   bool
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	if f.fail {
		return 0, errors.New("nack")
	}
	b, ok := f.regs[reg]
	if !ok || len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	if f.fail {
		return errors.New("nack")
	}
	b, ok := f.regs[reg]
	if !ok {
		return errors.New("no reg")
	}
	copy(dst, b)
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func noSleep(t *testing.T) {
	t.Helper()
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
}

func TestNew_ConfiguresContinuousMode(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{
		regWhoAmI: {whoAmI},
		regCtrl2:  {ctrl2AddInc},
	}}
	if _, err := newWithIO(f, Rate75Hz); err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	want := []writeOp{
		{reg: regCtrl2, val: ctrl2Reset | ctrl2AddInc},
		{reg: regCtrl1, val: 0x52},
	}
	if len(f.writes) != len(want) {
		t.Fatalf("writes=%v want %v", f.writes, want)
	}
	for i := range want {
		if f.writes[i] != want[i] {
			t.Fatalf("write[%d]=%+v want %+v", i, f.writes[i], want[i])
		}
	}
}

func TestNew_RejectsWrongChip(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x58}}}
	if _, err := newWithIO(f, Rate75Hz); err == nil {
		t.Fatalf("expected who_am_i error")
	}
}

func TestNew_PropagatesBusError(t *testing.T) {
	noSleep(t)
	if _, err := newWithIO(&fakeI2C{fail: true}, Rate75Hz); err == nil {
		t.Fatalf("expected bus error")
	}
}

func TestRead_DecodesPressureAndTemperature(t *testing.T) {
	noSleep(t)
	// 1013.25 hPa * 4096 = 4150272 = 0x3F5400; 23.45 C = 2345 = 0x0929.
	f := &fakeI2C{regs: map[byte][]byte{
		regWhoAmI:  {whoAmI},
		regCtrl2:   {ctrl2AddInc},
		regPressXL: {0x00, 0x54, 0x3F, 0x29, 0x09},
	}}
	d, err := newWithIO(f, Rate75Hz)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	s, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if math.Abs(s.PressureHPa-1013.25) > 1e-9 {
		t.Fatalf("pressure=%v want 1013.25", s.PressureHPa)
	}
	if math.Abs(s.TemperatureC-23.45) > 1e-9 {
		t.Fatalf("temp=%v want 23.45", s.TemperatureC)
	}
}

func TestRead_SignExtendsNegativeValues(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{
		regWhoAmI:  {whoAmI},
		regCtrl2:   {ctrl2AddInc},
		regPressXL: {0x00, 0xF0, 0xFF, 0x9C, 0xFF}, // -4096 raw, -100 raw
	}}
	d, err := newWithIO(f, Rate75Hz)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	p, err := d.ReadPressure()
	if err != nil {
		t.Fatalf("ReadPressure: %v", err)
	}
	if p != -1 {
		t.Fatalf("pressure=%v want -1", p)
	}
	s, _ := d.Read()
	if s.TemperatureC != -1 {
		t.Fatalf("temp=%v want -1", s.TemperatureC)
	}
}
