package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ozealis-ng/internal/autopap"
)

// ErrNotFound is returned by Load when nothing has been saved yet.
var ErrNotFound = errors.New("settings: not found")

// Settings is the user-editable therapy state that survives a restart.
type Settings struct {
	Mode   autopap.Mode   `yaml:"mode" json:"mode"`
	Limits autopap.Limits `yaml:"limits" json:"limits"`
	// AutoPAP enables titration; with it off the controller holds p_min.
	AutoPAP bool `yaml:"auto_pap" json:"auto_pap"`

	TargetRH   float64 `yaml:"target_rh" json:"target_rh"`
	TubeDeltaC float64 `yaml:"tube_delta_c" json:"tube_delta_c"`

	DeviceName string `yaml:"device_name" json:"device_name"`
	Advertise  bool   `yaml:"advertise" json:"advertise"`
}

func Default() Settings {
	return Settings{
		Mode:       autopap.ModeCPAP,
		Limits:     autopap.DefaultLimits(),
		AutoPAP:    true,
		TargetRH:   70,
		TubeDeltaC: 4,
		DeviceName: "Ozealis",
		Advertise:  true,
	}
}

func (s Settings) Validate() error {
	if !s.Mode.Valid() {
		return fmt.Errorf("settings: invalid mode %d", int(s.Mode))
	}
	if err := s.Limits.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if s.TargetRH < 0 || s.TargetRH > 100 {
		return fmt.Errorf("settings: target_rh must be in [0,100]")
	}
	if s.TubeDeltaC < 0 || s.TubeDeltaC > 20 {
		return fmt.Errorf("settings: tube_delta_c must be in [0,20]")
	}
	name := strings.TrimSpace(s.DeviceName)
	if name == "" || len(name) > 19 {
		return fmt.Errorf("settings: device_name must be 1..19 characters")
	}
	return nil
}

// Store persists Settings.
type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// LoadOrDefault returns the stored settings, or Default when none are stored.
func LoadOrDefault(ctx context.Context, st Store) (Settings, error) {
	s, err := st.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return Default(), nil
	}
	if err != nil {
		return Default(), err
	}
	return s, nil
}

func seconds(d time.Duration) float64 { return d.Seconds() }

func fromSeconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
