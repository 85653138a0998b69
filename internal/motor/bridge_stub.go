//go:build !linux

package motor

import "fmt"

// HardwareConfig maps the power stage onto GPIO and PWM. Only Linux is supported.
type HardwareConfig struct {
	Chip                  string
	PWMChip               string
	PWMChannels           [3]int
	InLines               [3]int
	SleepLine             int
	BemfLines             [3]int
	FaultLine             int
	InHighSelectsHighSide bool
}

// GPIOBridge is unavailable on this platform.
type GPIOBridge struct{}

func OpenBridge(HardwareConfig) (*GPIOBridge, error) {
	return nil, errUnsupported
}

var errUnsupported = fmt.Errorf("motor: gpio bridge unsupported on this platform")

func (b *GPIOBridge) Attach(EdgeSink) error           { return errUnsupported }
func (b *GPIOBridge) SetPhase(int, bool, uint8) error { return errUnsupported }
func (b *GPIOBridge) SetSleep(bool) error             { return errUnsupported }
func (b *GPIOBridge) SetFrequencyHz(int) error        { return errUnsupported }
func (b *GPIOBridge) FaultAsserted() bool             { return false }
func (b *GPIOBridge) Close() error                    { return nil }
