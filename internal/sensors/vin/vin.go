package vin

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultPath is the first channel of the first IIO ADC.
const DefaultPath = "/sys/bus/iio/devices/iio:device0/in_voltage0_raw"

// Reader converts a raw ADC count from a Linux IIO channel into the supply
// voltage ahead of the resistor divider.
type Reader struct {
	Path      string
	VRef      float64
	FullScale float64
	Divider   float64
}

// NewReader returns a Reader for a 12-bit, 3.3 V ADC behind an 11:1 divider.
func NewReader(path string) *Reader {
	if path == "" {
		path = DefaultPath
	}
	return &Reader{Path: path, VRef: 3.3, FullScale: 4095, Divider: 11.0}
}

func parseRaw(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("vin: raw value empty")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("vin: parse raw %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("vin: negative raw value %d", n)
	}
	return n, nil
}

// Volts converts a raw count.
func (r *Reader) Volts(raw int) float64 {
	if r.FullScale <= 0 {
		return 0
	}
	return float64(raw) * (r.VRef / r.FullScale) * r.Divider
}

// Read samples the channel once and returns volts.
func (r *Reader) Read() (float64, error) {
	b, err := os.ReadFile(r.Path)
	if err != nil {
		return 0, fmt.Errorf("vin: read adc: %w", err)
	}
	raw, err := parseRaw(string(b))
	if err != nil {
		return 0, err
	}
	return r.Volts(raw), nil
}
