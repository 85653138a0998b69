package lps22

import (
	"fmt"
	"time"

	"ozealis-ng/internal/i2c"
)

var sleep = time.Sleep

// Minimal LPS22HB driver: identity check, continuous mode, pressure and temperature.

const (
	AddrMask   = 0x5D
	AddrBlower = 0x5C

	regWhoAmI = 0x0F
	whoAmI    = 0xB1

	regCtrl1 = 0x10
	regCtrl2 = 0x11

	// ctrl2: software reset, register auto-increment kept on.
	ctrl2Reset  = 0x04
	ctrl2AddInc = 0x10

	regPressXL = 0x28
	sampleLen  = 5 // PRESS_OUT_XL..TEMP_OUT_H
)

// Rate is the output data rate written to CTRL_REG1.
type Rate byte

const (
	Rate1Hz  Rate = 0x1
	Rate10Hz Rate = 0x2
	Rate25Hz Rate = 0x3
	Rate50Hz Rate = 0x4
	Rate75Hz Rate = 0x5
)

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

// Sample is one pressure/temperature conversion.
type Sample struct {
	PressureHPa  float64
	TemperatureC float64
}

type Device struct {
	dev regIO
}

func New(dev *i2c.Dev, rate Rate) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("lps22: dev is nil")
	}
	return newWithIO(dev, rate)
}

func newWithIO(dev regIO, rate Rate) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("lps22: dev is nil")
	}
	d := &Device{dev: dev}

	id, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("lps22: id read failed: %w", err)
	}
	if id != whoAmI {
		return nil, fmt.Errorf("lps22: who_am_i=0x%02X want 0x%02X", id, whoAmI)
	}

	if err := d.dev.WriteReg(regCtrl2, ctrl2Reset|ctrl2AddInc); err != nil {
		return nil, fmt.Errorf("lps22: reset failed: %w", err)
	}
	// SWRESET self-clears within a few microseconds; poll it anyway.
	for i := 0; i < 5; i++ {
		sleep(time.Millisecond)
		v, err := d.dev.ReadRegU8(regCtrl2)
		if err == nil && v&ctrl2Reset == 0 {
			break
		}
	}

	// ctrl1: ODR in bits 6..4, block data update so XL/L/H come from one conversion.
	ctrl1 := byte(rate&0x7)<<4 | 0x02
	if err := d.dev.WriteReg(regCtrl1, ctrl1); err != nil {
		return nil, fmt.Errorf("lps22: ctrl1 write failed: %w", err)
	}
	return d, nil
}

// Read returns the latest conversion.
func (d *Device) Read() (Sample, error) {
	var buf [sampleLen]byte
	if err := d.dev.ReadReg(regPressXL, buf[:]); err != nil {
		return Sample{}, fmt.Errorf("lps22: sample read failed: %w", err)
	}
	raw := int32(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16)
	// Sign-extend the 24-bit two's-complement value.
	raw = (raw << 8) >> 8
	temp := int16(uint16(buf[3]) | uint16(buf[4])<<8)
	return Sample{
		PressureHPa:  float64(raw) / 4096.0,
		TemperatureC: float64(temp) / 100.0,
	}, nil
}

// ReadPressure returns only the pressure in hPa.
func (d *Device) ReadPressure() (float64, error) {
	s, err := d.Read()
	if err != nil {
		return 0, err
	}
	return s.PressureHPa, nil
}
