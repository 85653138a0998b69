//go:build linux

package motor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"
)

// HardwareConfig maps the DRV8313-style power stage onto Linux GPIO and PWM.
// Offsets are line offsets on Chip.
type HardwareConfig struct {
	Chip        string
	PWMChip     string
	PWMChannels [3]int
	InLines     [3]int
	SleepLine   int
	BemfLines   [3]int
	FaultLine   int
	// InHighSelectsHighSide is true when driving IN high selects the high-side FET.
	InHighSelectsHighSide bool
}

// GPIOBridge implements Bridge using sysfs PWM for EN and gpiocdev for IN, nSLEEP,
// the back-EMF comparators and nFAULT.
type GPIOBridge struct {
	cfg HardwareConfig

	mu    sync.Mutex
	en    [3]*sysfsPWM
	in    *gpiocdev.Lines
	sleep *gpiocdev.Line
	fault *gpiocdev.Line
	bemf  *gpiocdev.Lines

	inVals [3]int
}

// OpenBridge claims the lines and PWM channels. The gate driver is left asleep.
func OpenBridge(cfg HardwareConfig) (*GPIOBridge, error) {
	if cfg.Chip == "" {
		cfg.Chip = "gpiochip0"
	}
	if cfg.PWMChip == "" {
		cfg.PWMChip = "pwmchip0"
	}
	b := &GPIOBridge{cfg: cfg}
	for i, ch := range cfg.PWMChannels {
		p, err := openPWMChannel(cfg.PWMChip, ch)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.en[i] = p
	}

	in, err := gpiocdev.RequestLines(cfg.Chip, cfg.InLines[:], gpiocdev.AsOutput(0, 0, 0), gpiocdev.WithConsumer("ozealis-motor-in"))
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("motor: request IN lines: %w", err)
	}
	b.in = in

	sl, err := gpiocdev.RequestLine(cfg.Chip, cfg.SleepLine, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("ozealis-motor-nsleep"))
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("motor: request nSLEEP line: %w", err)
	}
	b.sleep = sl
	return b, nil
}

// Attach routes back-EMF comparator edges and nFAULT falling edges to sink.
func (b *GPIOBridge) Attach(sink EdgeSink) error {
	ec := newEdgeClock()
	phaseOf := make(map[int]int, 3)
	for ph, off := range b.cfg.BemfLines {
		phaseOf[off] = ph
	}
	bemf, err := gpiocdev.RequestLines(b.cfg.Chip, b.cfg.BemfLines[:],
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithConsumer("ozealis-motor-bemf"),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			if ph, ok := phaseOf[evt.Offset]; ok {
				sink.HandleZeroCross(ph, ec.at(evt.Timestamp))
			}
		}))
	if err != nil {
		return fmt.Errorf("motor: request BEMF lines: %w", err)
	}
	fault, err := gpiocdev.RequestLine(b.cfg.Chip, b.cfg.FaultLine,
		gpiocdev.AsInput,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithConsumer("ozealis-motor-nfault"),
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) {
			sink.HandleFault()
		}))
	if err != nil {
		_ = bemf.Close()
		return fmt.Errorf("motor: request nFAULT line: %w", err)
	}
	b.mu.Lock()
	b.bemf = bemf
	b.fault = fault
	b.mu.Unlock()
	return nil
}

// edgeClock maps line event timestamps, taken on CLOCK_MONOTONIC by the
// kernel, onto time.Time values comparable with time.Now.
type edgeClock struct {
	wall time.Time
	mono time.Duration
}

func newEdgeClock() edgeClock {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return edgeClock{}
	}
	return edgeClock{wall: time.Now(), mono: time.Duration(ts.Nano())}
}

// at returns the capture time of an event, or the zero time when the event
// carries no timestamp.
func (c edgeClock) at(ts time.Duration) time.Time {
	if ts == 0 || c.wall.IsZero() {
		return time.Time{}
	}
	return c.wall.Add(ts - c.mono)
}

func (b *GPIOBridge) SetPhase(phase int, highSide bool, duty uint8) error {
	if phase < 0 || phase > 2 {
		return fmt.Errorf("motor: invalid phase %d", phase)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v := 0
	if highSide == b.cfg.InHighSelectsHighSide {
		v = 1
	}
	if duty == 0 {
		v = 0
	}
	if b.in != nil && b.inVals[phase] != v {
		b.inVals[phase] = v
		if err := b.in.SetValues(b.inVals[:]); err != nil {
			return err
		}
	}
	if b.en[phase] == nil {
		return fmt.Errorf("motor: phase %d pwm not open", phase)
	}
	return b.en[phase].setDuty(duty)
}

func (b *GPIOBridge) SetSleep(asleep bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sleep == nil {
		return fmt.Errorf("motor: nSLEEP line not open")
	}
	v := 1
	if asleep {
		v = 0
	}
	return b.sleep.SetValue(v)
}

func (b *GPIOBridge) SetFrequencyHz(hz int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for _, p := range b.en {
		if p != nil {
			err = errors.Join(err, p.setFrequency(hz))
		}
	}
	return err
}

// FaultAsserted reads nFAULT (active low).
func (b *GPIOBridge) FaultAsserted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fault == nil {
		return false
	}
	v, err := b.fault.Value()
	return err == nil && v == 0
}

// Close floats every phase, sleeps the gate driver and releases the lines.
func (b *GPIOBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for i, p := range b.en {
		if p != nil {
			err = errors.Join(err, p.close())
			b.en[i] = nil
		}
	}
	if b.in != nil {
		_ = b.in.SetValues([]int{0, 0, 0})
		err = errors.Join(err, b.in.Close())
		b.in = nil
	}
	if b.sleep != nil {
		_ = b.sleep.SetValue(0)
		err = errors.Join(err, b.sleep.Close())
		b.sleep = nil
	}
	if b.bemf != nil {
		err = errors.Join(err, b.bemf.Close())
		b.bemf = nil
	}
	if b.fault != nil {
		err = errors.Join(err, b.fault.Close())
		b.fault = nil
	}
	return err
}
