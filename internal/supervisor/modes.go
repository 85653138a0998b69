package supervisor

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Mode is the system-level machine state. It is independent of the therapy mode.
type Mode uint8

const (
	ModeIdle Mode = iota
	ModeStartup
	ModeRunning
	ModeShutdown
	ModeFault
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "IDLE"
	case ModeStartup:
		return "STARTUP"
	case ModeRunning:
		return "RUNNING"
	case ModeShutdown:
		return "SHUTDOWN"
	case ModeFault:
		return "FAULT"
	default:
		return "?"
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ParseMode accepts the names returned by String, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IDLE":
		return ModeIdle, nil
	case "STARTUP":
		return ModeStartup, nil
	case "RUNNING":
		return ModeRunning, nil
	case "SHUTDOWN":
		return ModeShutdown, nil
	case "FAULT":
		return ModeFault, nil
	}
	return 0, fmt.Errorf("supervisor: unknown mode %q", s)
}

// Fault is the latched fault code.
type Fault uint8

const (
	FaultNone Fault = iota
	FaultLowVin
	FaultSensor
	FaultOverpressure
	FaultBemfTimeout
	FaultDriver
	FaultIO
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "NONE"
	case FaultLowVin:
		return "LOW_VIN"
	case FaultSensor:
		return "SENSOR"
	case FaultOverpressure:
		return "OVERPRESSURE"
	case FaultBemfTimeout:
		return "BEMF_TIMEOUT"
	case FaultDriver:
		return "DRIVER_FAULT"
	case FaultIO:
		return "IO"
	default:
		return "?"
	}
}

func (f Fault) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Color is an RGB indicator colour.
type Color struct{ R, G, B uint8 }

var (
	ColorIdle     = Color{0, 0, 255}
	ColorStartup  = Color{255, 255, 0}
	ColorRunning  = Color{0, 255, 0}
	ColorShutdown = Color{255, 150, 0}
	ColorFault    = Color{255, 0, 0}
)

func (c Color) String() string { return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B) }

// Indicator shows the system state. Implementations must not block.
type Indicator interface {
	SetColor(c Color)
	Beep(n int)
}

// beeps is the audible pattern for a fault.
func beeps(f Fault) int {
	switch f {
	case FaultLowVin:
		return 2
	case FaultSensor:
		return 3
	case FaultOverpressure:
		return 5
	default:
		return 1
	}
}

// LogIndicator reports indicator changes through the logger.
type LogIndicator struct {
	Log *zap.Logger
}

func (l LogIndicator) SetColor(c Color) {
	if l.Log != nil {
		l.Log.Debug("indicator colour", zap.Stringer("color", c))
	}
}

func (l LogIndicator) Beep(n int) {
	if l.Log != nil {
		l.Log.Debug("indicator beep", zap.Int("count", n))
	}
}

type nopIndicator struct{}

func (nopIndicator) SetColor(Color) {}
func (nopIndicator) Beep(int)       {}
