package telemetry

import (
	"time"

	"go.uber.org/zap"

	"ozealis-ng/internal/accessory"
	"ozealis-ng/internal/diag"
)

// Frame is one telemetry tuple handed over by the supervisor.
type Frame struct {
	At       time.Time `json:"at"`
	UptimeMs uint64    `json:"ts_ms"`

	Mode     string `json:"mode"`
	ModeCode uint8  `json:"mode_code"`
	Fault    string `json:"fault"`

	DiffHPa    float64 `json:"diff_hpa"`
	FlowHPa    float64 `json:"flow_hpa"`
	SetpointCm float64 `json:"setpoint_cm"`
	VinV       float64 `json:"vin_v"`
	AHI        float64 `json:"ahi"`
	MaskHPa    float64 `json:"p_mask_hpa"`
	BlowerHPa  float64 `json:"p_blower_hpa"`
	MotorAmp   uint8   `json:"motor_amp"`

	Humidifier accessory.Status `json:"humidifier"`
	Hose       accessory.Status `json:"hose"`
	// Accessories packs presence as bit0 humidifier, bit1 hose.
	Accessories uint8 `json:"accessories"`

	Update string `json:"update"`
}

// Line is the live CSV form of f.
func (f Frame) Line() diag.Line {
	return diag.Line{
		At:         f.At,
		UptimeMs:   f.UptimeMs,
		SetpointCm: f.SetpointCm,
		DiffHPa:    f.DiffHPa,
		FlowHPa:    f.FlowHPa,
		VinV:       f.VinV,
		Mode:       f.ModeCode,
	}
}

// Event is a discrete notification such as "FAULT" or "APNEA".
type Event struct {
	At     time.Time `json:"at"`
	Name   string    `json:"name"`
	Detail string    `json:"detail,omitempty"`
}

// Sink receives telemetry. Implementations must not block the control tick.
type Sink interface {
	Publish(f Frame)
	Event(e Event)
}

// Fanout forwards to every sink in order.
type Fanout []Sink

func (fo Fanout) Publish(f Frame) {
	for _, s := range fo {
		s.Publish(f)
	}
}

func (fo Fanout) Event(e Event) {
	for _, s := range fo {
		s.Event(e)
	}
}

// LogSink writes events to a logger. Frames are dropped.
type LogSink struct {
	Log *zap.Logger
}

func (l LogSink) Publish(Frame) {}

func (l LogSink) Event(e Event) {
	if l.Log == nil {
		return
	}
	l.Log.Info("event", zap.String("name", e.Name), zap.String("detail", e.Detail))
}
