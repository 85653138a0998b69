package autopap

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how EPAP/IPAP targets become the pressure setpoint.
type Mode int

const (
	ModeCPAP Mode = iota
	ModeBiPAP
	ModeASV
)

func (m Mode) String() string {
	switch m {
	case ModeCPAP:
		return "cpap"
	case ModeBiPAP:
		return "bipap"
	case ModeASV:
		return "asv"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) Valid() bool { return m >= ModeCPAP && m <= ModeASV }

// ParseMode accepts the names returned by String, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpap":
		return ModeCPAP, nil
	case "bipap":
		return ModeBiPAP, nil
	case "asv":
		return ModeASV, nil
	}
	return 0, fmt.Errorf("autopap: unknown therapy mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("autopap: invalid therapy mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Phase is the breath phase derived from the filtered flow proxy.
type Phase int

const (
	Expiration Phase = iota
	Inspiration
)

func (p Phase) String() string {
	if p == Inspiration {
		return "inspiration"
	}
	return "expiration"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Limits are the user-facing therapy bounds. Pressures are cmH2O.
type Limits struct {
	PMin  float64       `yaml:"p_min" json:"p_min"`
	PMax  float64       `yaml:"p_max" json:"p_max"`
	Delta float64       `yaml:"delta" json:"delta"`
	Ramp  time.Duration `yaml:"ramp" json:"ramp_ns"`

	AutoStart bool `yaml:"auto_start" json:"auto_start"`
	AutoStop  bool `yaml:"auto_stop" json:"auto_stop"`

	// EPR is the expiratory relief applied in CPAP mode, 0..3 cmH2O.
	EPR float64 `yaml:"epr" json:"epr"`
}

func DefaultLimits() Limits {
	return Limits{
		PMin:      4,
		PMax:      15,
		Delta:     4,
		Ramp:      300 * time.Second,
		AutoStart: true,
		AutoStop:  true,
	}
}

func (l Limits) Validate() error {
	if l.PMin < 0 {
		return fmt.Errorf("autopap: p_min must be >= 0")
	}
	if l.PMax <= l.PMin {
		return fmt.Errorf("autopap: p_max must be greater than p_min")
	}
	if l.PMax > 30 {
		return fmt.Errorf("autopap: p_max must be <= 30 cmH2O")
	}
	if l.Delta < 1 || l.Delta > 10 {
		return fmt.Errorf("autopap: delta must be in [1,10]")
	}
	if l.Ramp < 0 {
		return fmt.Errorf("autopap: ramp must be >= 0")
	}
	if l.EPR < 0 || l.EPR > 3 {
		return fmt.Errorf("autopap: epr must be in [0,3]")
	}
	return nil
}

// Tuning holds the titration constants. Pressures are cmH2O, flows hPa.
type Tuning struct {
	Alpha float64

	PeakBuffer       int
	FlowLimitRatio   float64
	FlowLimitBreaths int

	HypoRise        float64
	ApneaRise       float64
	DecayStep       float64
	DecayAfter      time.Duration
	MinRiseInterval time.Duration
	ApneaTimeout    time.Duration

	StartTrigger  float64
	StopThreshold float64
	StopQuiet     time.Duration
	MinRunTime    time.Duration

	DutyPerCm float64

	AHIWindow time.Duration
	EventLog  int
}

func DefaultTuning() Tuning {
	return Tuning{
		Alpha:            0.2,
		PeakBuffer:       120,
		FlowLimitRatio:   0.60,
		FlowLimitBreaths: 3,
		HypoRise:         0.4,
		ApneaRise:        1.0,
		DecayStep:        0.2,
		DecayAfter:       10 * time.Minute,
		MinRiseInterval:  time.Minute,
		ApneaTimeout:     10 * time.Second,
		StartTrigger:     0.8,
		StopThreshold:    0.3,
		StopQuiet:        5 * time.Second,
		MinRunTime:       5 * time.Second,
		DutyPerCm:        16,
		AHIWindow:        time.Hour,
		EventLog:         64,
	}
}

func (t Tuning) Validate() error {
	if t.Alpha <= 0 || t.Alpha > 1 {
		return fmt.Errorf("autopap: alpha must be in (0,1]")
	}
	if t.PeakBuffer < 1 || t.FlowLimitBreaths < 1 || t.EventLog < 1 {
		return fmt.Errorf("autopap: buffer sizes must be >= 1")
	}
	if t.FlowLimitRatio <= 0 || t.FlowLimitRatio >= 1 {
		return fmt.Errorf("autopap: flow limit ratio must be in (0,1)")
	}
	if t.HypoRise < 0 || t.ApneaRise < 0 || t.DecayStep < 0 {
		return fmt.Errorf("autopap: pressure steps must be >= 0")
	}
	if t.AHIWindow <= 0 || t.ApneaTimeout <= 0 {
		return fmt.Errorf("autopap: ahi window and apnea timeout must be > 0")
	}
	if t.DutyPerCm <= 0 {
		return fmt.Errorf("autopap: duty per cm must be > 0")
	}
	return nil
}
