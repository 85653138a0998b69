package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ozealis-ng/internal/accessory"
	"ozealis-ng/internal/autopap"
	"ozealis-ng/internal/motor"
	"ozealis-ng/internal/pressure"
	"ozealis-ng/internal/supervisor"
	"ozealis-ng/internal/telemetry"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Motor      MotorConfig      `yaml:"motor"`
	Sensors    SensorsConfig    `yaml:"sensors"`
	Therapy    TherapyConfig    `yaml:"therapy"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Settings   SettingsConfig   `yaml:"settings"`
	Accessory  AccessoryConfig  `yaml:"accessory"`
	Update     UpdateConfig     `yaml:"update"`
	Web        WebConfig        `yaml:"web"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Buffer is the number of recent log lines kept for /api/logs.
	Buffer int `yaml:"buffer"`
}

type MotorConfig struct {
	Chip        string `yaml:"chip"`
	PWMChip     string `yaml:"pwm_chip"`
	PWMChannels []int  `yaml:"pwm_channels"`
	InLines     []int  `yaml:"in_lines"`
	SleepLine   int    `yaml:"sleep_line"`
	BemfLines   []int  `yaml:"bemf_lines"`
	FaultLine   int    `yaml:"fault_line"`

	InHighSelectsHighSide bool `yaml:"in_high_selects_high_side"`

	StartPWMHz     int           `yaml:"start_pwm_hz"`
	RunPWMHz       int           `yaml:"run_pwm_hz"`
	AlignTries     int           `yaml:"align_tries"`
	RampSteps      int           `yaml:"ramp_steps"`
	HandoffTimeout time.Duration `yaml:"handoff_timeout"`
	RescueTimeout  time.Duration `yaml:"rescue_timeout"`
	HoldDuration   time.Duration `yaml:"hold_duration"`
}

type SensorsConfig struct {
	I2CBus       string        `yaml:"i2c_bus"`
	MaskAddr     uint16        `yaml:"mask_addr"`
	BlowerAddr   uint16        `yaml:"blower_addr"`
	VinPath      string        `yaml:"vin_path"`
	Divider      float64       `yaml:"divider"`
	FailDebounce int           `yaml:"fail_debounce"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type TherapyConfig struct {
	Mode string `yaml:"mode"`
	// Limits seed the settings store when nothing has been saved yet.
	Limits autopap.Limits `yaml:"limits"`

	ApneaTimeout    time.Duration `yaml:"apnea_timeout"`
	MinRiseInterval time.Duration `yaml:"min_rise_interval"`
	DecayAfter      time.Duration `yaml:"decay_after"`
	DutyPerCm       float64       `yaml:"duty_per_cm"`
	EventLog        int           `yaml:"event_log"`
}

type SupervisorConfig struct {
	Tick            time.Duration `yaml:"tick"`
	VinTrip         float64       `yaml:"vin_trip"`
	VinRecover      float64       `yaml:"vin_recover"`
	MaxMaskCm       float64       `yaml:"max_mask_cm"`
	RestartInterval time.Duration `yaml:"restart_interval"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	FaultLog        int           `yaml:"fault_log"`
	DataLog         int           `yaml:"data_log"`
}

type TelemetryConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
	UDP  UDPConfig  `yaml:"udp"`
}

type MQTTConfig struct {
	Enable   bool          `yaml:"enable"`
	Broker   string        `yaml:"broker"`
	Topic    string        `yaml:"topic"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Interval time.Duration `yaml:"interval"`
}

type UDPConfig struct {
	Enable   bool          `yaml:"enable"`
	Dest     string        `yaml:"dest"`
	Interval time.Duration `yaml:"interval"`
}

type SettingsConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
}

type AccessoryConfig struct {
	Enable         bool          `yaml:"enable"`
	HumidifierAddr uint16        `yaml:"humidifier_addr"`
	HoseAddr       uint16        `yaml:"hose_addr"`
	RailPin        int           `yaml:"rail_pin"`
	ScanInterval   time.Duration `yaml:"scan_interval"`
}

type UpdateConfig struct {
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

// Load reads path, applies defaults and validates. Unknown keys are rejected.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %w", err)
		}
		return Config{}, err
	}

	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default is the configuration of the reference board.
func Default() Config {
	sup := supervisor.DefaultConfig()
	tun := autopap.DefaultTuning()
	prof := motor.DefaultProfile()
	pc := pressure.DefaultConfig()
	ac := accessory.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info", Format: "json", Buffer: 500},
		Motor: MotorConfig{
			Chip:           "gpiochip0",
			PWMChip:        "pwmchip0",
			PWMChannels:    []int{0, 1, 2},
			InLines:        []int{5, 6, 13},
			SleepLine:      19,
			BemfLines:      []int{20, 21, 26},
			FaultLine:      12,
			StartPWMHz:     prof.StartPWMHz,
			RunPWMHz:       prof.RunPWMHz,
			AlignTries:     prof.AlignTries,
			RampSteps:      prof.RampSteps,
			HandoffTimeout: prof.HandoffTimeout,
			RescueTimeout:  prof.RescueTimeout,
			HoldDuration:   prof.HoldDuration,
		},
		Sensors: SensorsConfig{
			I2CBus:       "/dev/i2c-1",
			MaskAddr:     pc.MaskAddr,
			BlowerAddr:   pc.BlowerAddr,
			Divider:      11.0,
			FailDebounce: pc.FailDebounce,
			StaleAfter:   pc.StaleAfter,
		},
		Therapy: TherapyConfig{
			Mode:            "cpap",
			Limits:          autopap.DefaultLimits(),
			ApneaTimeout:    tun.ApneaTimeout,
			MinRiseInterval: tun.MinRiseInterval,
			DecayAfter:      tun.DecayAfter,
			DutyPerCm:       tun.DutyPerCm,
			EventLog:        tun.EventLog,
		},
		Supervisor: SupervisorConfig{
			Tick:            sup.Tick,
			VinTrip:         sup.VinTrip,
			VinRecover:      sup.VinRecover,
			MaxMaskCm:       sup.MaxMaskCm,
			RestartInterval: sup.RestartInterval,
			SessionTimeout:  sup.SessionTimeout,
			FaultLog:        32,
			DataLog:         600,
		},
		Telemetry: TelemetryConfig{
			MQTT: MQTTConfig{Topic: "ozealis", Interval: time.Second},
			UDP:  UDPConfig{Interval: time.Second},
		},
		Settings: SettingsConfig{
			Backend:  "file",
			Path:     "/var/lib/ozealis-ng/settings.yaml",
			RedisKey: "ozealis:settings",
		},
		Accessory: AccessoryConfig{
			HumidifierAddr: ac.HumidifierAddr,
			HoseAddr:       ac.HoseAddr,
			RailPin:        ac.RailPin,
			ScanInterval:   ac.ScanInterval,
		},
		Update: UpdateConfig{Path: "/var/lib/ozealis-ng/ozealis-ng.next", MaxBytes: 64 << 20},
		Web:    WebConfig{Enable: true, Listen: ":80"},
	}
}

// defaults fills fields an explicit empty value in the file cleared.
func (c *Config) defaults() {
	def := Default()
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = def.Log.Level
	}
	if strings.TrimSpace(c.Log.Format) == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Log.Buffer <= 0 {
		c.Log.Buffer = def.Log.Buffer
	}
	if c.Supervisor.Tick <= 0 {
		c.Supervisor.Tick = def.Supervisor.Tick
	}
	if c.Supervisor.FaultLog <= 0 {
		c.Supervisor.FaultLog = def.Supervisor.FaultLog
	}
	if c.Supervisor.DataLog <= 0 {
		c.Supervisor.DataLog = def.Supervisor.DataLog
	}
	if c.Telemetry.MQTT.Interval <= 0 {
		c.Telemetry.MQTT.Interval = def.Telemetry.MQTT.Interval
	}
	if c.Telemetry.UDP.Interval <= 0 {
		c.Telemetry.UDP.Interval = def.Telemetry.UDP.Interval
	}
	if strings.TrimSpace(c.Settings.Backend) == "" {
		c.Settings.Backend = def.Settings.Backend
	}
	if c.Accessory.ScanInterval <= 0 {
		c.Accessory.ScanInterval = def.Accessory.ScanInterval
	}
	if c.Update.MaxBytes <= 0 {
		c.Update.MaxBytes = def.Update.MaxBytes
	}
	if strings.TrimSpace(c.Web.Listen) == "" {
		c.Web.Listen = def.Web.Listen
	}
}

// Validate reports the first invalid key.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}

	m := c.Motor
	if len(m.PWMChannels) != 3 {
		return fmt.Errorf("motor.pwm_channels must list 3 channels")
	}
	if len(m.InLines) != 3 {
		return fmt.Errorf("motor.in_lines must list 3 lines")
	}
	if len(m.BemfLines) != 3 {
		return fmt.Errorf("motor.bemf_lines must list 3 lines")
	}
	if err := c.MotorProfile().Validate(); err != nil {
		return err
	}

	s := c.Sensors
	if strings.TrimSpace(s.I2CBus) == "" {
		return fmt.Errorf("sensors.i2c_bus is required")
	}
	if s.MaskAddr == s.BlowerAddr {
		return fmt.Errorf("sensors.mask_addr and sensors.blower_addr must differ")
	}
	if s.MaskAddr > 0x7F || s.BlowerAddr > 0x7F {
		return fmt.Errorf("sensors addresses must be 7-bit")
	}
	if s.Divider <= 0 {
		return fmt.Errorf("sensors.divider must be > 0")
	}
	if s.FailDebounce < 1 {
		return fmt.Errorf("sensors.fail_debounce must be >= 1")
	}
	if s.StaleAfter <= 0 {
		return fmt.Errorf("sensors.stale_after must be > 0")
	}

	if _, err := autopap.ParseMode(c.Therapy.Mode); err != nil {
		return fmt.Errorf("therapy.mode: %w", err)
	}
	if err := validateLimits(c.Therapy.Limits); err != nil {
		return err
	}
	if err := c.Tuning().Validate(); err != nil {
		return fmt.Errorf("therapy: %w", err)
	}

	sv := c.Supervisor
	if sv.VinRecover <= sv.VinTrip {
		return fmt.Errorf("supervisor.vin_recover must be greater than supervisor.vin_trip")
	}
	if sv.MaxMaskCm <= 0 {
		return fmt.Errorf("supervisor.max_mask_cm must be > 0")
	}
	if sv.RestartInterval < 0 || sv.SessionTimeout < 0 {
		return fmt.Errorf("supervisor intervals must be >= 0")
	}

	if c.Telemetry.MQTT.Enable && strings.TrimSpace(c.Telemetry.MQTT.Broker) == "" {
		return fmt.Errorf("telemetry.mqtt.broker is required when telemetry.mqtt.enable is true")
	}
	if c.Telemetry.UDP.Enable && strings.TrimSpace(c.Telemetry.UDP.Dest) == "" {
		return fmt.Errorf("telemetry.udp.dest is required when telemetry.udp.enable is true")
	}

	switch c.Settings.Backend {
	case "file":
		if strings.TrimSpace(c.Settings.Path) == "" {
			return fmt.Errorf("settings.path is required when settings.backend is file")
		}
	case "redis":
		if strings.TrimSpace(c.Settings.RedisAddr) == "" {
			return fmt.Errorf("settings.redis_addr is required when settings.backend is redis")
		}
		if strings.TrimSpace(c.Settings.RedisKey) == "" {
			return fmt.Errorf("settings.redis_key is required when settings.backend is redis")
		}
	default:
		return fmt.Errorf("settings.backend must be file or redis")
	}

	if c.Accessory.Enable && c.Accessory.HumidifierAddr == c.Accessory.HoseAddr {
		return fmt.Errorf("accessory.humidifier_addr and accessory.hose_addr must differ")
	}
	if strings.TrimSpace(c.Update.Path) == "" {
		return fmt.Errorf("update.path is required")
	}
	return nil
}

// validateLimits restates autopap's checks with config key names.
func validateLimits(l autopap.Limits) error {
	switch {
	case l.PMin < 0:
		return fmt.Errorf("therapy.p_min must be >= 0")
	case l.PMax <= l.PMin:
		return fmt.Errorf("therapy.p_max must be greater than therapy.p_min")
	case l.PMax > 30:
		return fmt.Errorf("therapy.p_max must be <= 30")
	case l.Delta < 1 || l.Delta > 10:
		return fmt.Errorf("therapy.delta must be in [1,10]")
	case l.Ramp < 0:
		return fmt.Errorf("therapy.ramp must be >= 0")
	case l.EPR < 0 || l.EPR > 3:
		return fmt.Errorf("therapy.epr must be in [0,3]")
	}
	return nil
}

func (c Config) MotorProfile() motor.Profile {
	p := motor.DefaultProfile()
	m := c.Motor
	p.StartPWMHz = m.StartPWMHz
	p.RunPWMHz = m.RunPWMHz
	p.AlignTries = m.AlignTries
	p.RampSteps = m.RampSteps
	p.HandoffTimeout = m.HandoffTimeout
	p.RescueTimeout = m.RescueTimeout
	p.HoldDuration = m.HoldDuration
	return p
}

// Hardware assumes Validate has passed.
func (c Config) Hardware() motor.HardwareConfig {
	m := c.Motor
	hw := motor.HardwareConfig{
		Chip:                  m.Chip,
		PWMChip:               m.PWMChip,
		SleepLine:             m.SleepLine,
		FaultLine:             m.FaultLine,
		InHighSelectsHighSide: m.InHighSelectsHighSide,
	}
	copy(hw.PWMChannels[:], m.PWMChannels)
	copy(hw.InLines[:], m.InLines)
	copy(hw.BemfLines[:], m.BemfLines)
	return hw
}

func (c Config) Pressure() pressure.Config {
	pc := pressure.DefaultConfig()
	pc.MaskAddr = c.Sensors.MaskAddr
	pc.BlowerAddr = c.Sensors.BlowerAddr
	pc.FailDebounce = c.Sensors.FailDebounce
	pc.StaleAfter = c.Sensors.StaleAfter
	return pc
}

func (c Config) Tuning() autopap.Tuning {
	t := autopap.DefaultTuning()
	t.ApneaTimeout = c.Therapy.ApneaTimeout
	t.MinRiseInterval = c.Therapy.MinRiseInterval
	t.DecayAfter = c.Therapy.DecayAfter
	t.DutyPerCm = c.Therapy.DutyPerCm
	t.EventLog = c.Therapy.EventLog
	return t
}

// TherapyMode assumes Validate has passed.
func (c Config) TherapyMode() autopap.Mode {
	m, _ := autopap.ParseMode(c.Therapy.Mode)
	return m
}

func (c Config) SupervisorConfig() supervisor.Config {
	sc := supervisor.DefaultConfig()
	sv := c.Supervisor
	sc.Tick = sv.Tick
	sc.VinTrip = sv.VinTrip
	sc.VinRecover = sv.VinRecover
	sc.MaxMaskCm = sv.MaxMaskCm
	sc.RestartInterval = sv.RestartInterval
	sc.SessionTimeout = sv.SessionTimeout
	return sc
}

func (c Config) MQTT() telemetry.MQTTConfig {
	m := c.Telemetry.MQTT
	return telemetry.MQTTConfig{
		Broker:   m.Broker,
		ClientID: m.ClientID,
		Username: m.Username,
		Password: m.Password,
		Topic:    m.Topic,
		Interval: m.Interval,
	}
}

func (c Config) AccessoryConfig() accessory.Config {
	ac := accessory.DefaultConfig()
	a := c.Accessory
	ac.Enable = a.Enable
	ac.HumidifierAddr = a.HumidifierAddr
	ac.HoseAddr = a.HoseAddr
	ac.RailPin = a.RailPin
	ac.ScanInterval = a.ScanInterval
	return ac
}
