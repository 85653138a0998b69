package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is the prefix: <topic>/live, <topic>/event, <topic>/faults.
	Topic    string
	Interval time.Duration
	QoS      byte
}

// mqttClient is the subset of mqtt.Client the sink uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes live frames as JSON and answers fault log requests.
// Publishing never waits on the broker; the control tick must not stall.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqttClient
	faults func() string
	log    *zap.Logger

	mu       sync.Mutex
	lastSent time.Time
}

// NewMQTTSink connects to the broker. faults, when set, serves <topic>/cmd/faults.
func NewMQTTSink(cfg MQTTConfig, faults func() string, log *zap.Logger) (*MQTTSink, error) {
	cfg = mqttDefaults(cfg)
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("telemetry: mqtt broker is required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("telemetry: connect to mqtt broker: %w", token.Error())
	}
	s, err := newMQTTSink(cfg, client, faults, log)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return s, nil
}

func mqttDefaults(cfg MQTTConfig) MQTTConfig {
	if cfg.ClientID == "" {
		cfg.ClientID = "ozealis-" + uuid.NewString()
	}
	if cfg.Topic == "" {
		cfg.Topic = "ozealis"
	}
	cfg.Topic = strings.TrimRight(cfg.Topic, "/")
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return cfg
}

func newMQTTSink(cfg MQTTConfig, client mqttClient, faults func() string, log *zap.Logger) (*MQTTSink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &MQTTSink{cfg: mqttDefaults(cfg), client: client, faults: faults, log: log}
	if faults != nil {
		topic := s.cfg.Topic + "/cmd/faults"
		token := client.Subscribe(topic, 1, func(_ mqtt.Client, _ mqtt.Message) {
			s.publish(s.cfg.Topic+"/faults", 1, []byte(s.faults()))
		})
		if token.Wait() && token.Error() != nil {
			return nil, fmt.Errorf("telemetry: subscribe %s: %w", topic, token.Error())
		}
	}
	return s, nil
}

func (s *MQTTSink) Publish(f Frame) {
	s.mu.Lock()
	if !s.lastSent.IsZero() && f.At.Sub(s.lastSent) < s.cfg.Interval {
		s.mu.Unlock()
		return
	}
	s.lastSent = f.At
	s.mu.Unlock()

	b, err := json.Marshal(f.Finite())
	if err != nil {
		s.log.Warn("mqtt frame encode failed", zap.Error(err))
		return
	}
	s.publish(s.cfg.Topic+"/live", s.cfg.QoS, b)
}

func (s *MQTTSink) Event(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.publish(s.cfg.Topic+"/event", 1, b)
}

func (s *MQTTSink) publish(topic string, qos byte, payload []byte) {
	token := s.client.Publish(topic, qos, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			s.log.Debug("mqtt publish failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}()
}

func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}

// Finite zeroes values JSON cannot carry.
func (f Frame) Finite() Frame {
	for _, p := range []*float64{&f.DiffHPa, &f.FlowHPa, &f.SetpointCm, &f.VinV, &f.AHI, &f.MaskHPa, &f.BlowerHPa} {
		if math.IsNaN(*p) || math.IsInf(*p, 0) {
			*p = 0
		}
	}
	return f
}
