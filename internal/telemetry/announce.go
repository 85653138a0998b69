package telemetry

import (
	"encoding/json"
	"sync"
	"time"
)

// Announcer advertises the device with a retained message on <topic>/announce.
// The supervisor withdraws it once the pairing window has elapsed.
type Announcer struct {
	sink *MQTTSink

	mu      sync.Mutex
	active  bool
	started time.Time
}

// Announce publishes the retained advertisement and opens the window at now.
func (s *MQTTSink) Announce(name string, now time.Time) *Announcer {
	b, _ := json.Marshal(struct {
		Name string    `json:"name"`
		At   time.Time `json:"at"`
	}{name, now.UTC()})
	s.publishRetained(s.cfg.Topic+"/announce", b)
	return &Announcer{sink: s, active: true, started: now}
}

func (a *Announcer) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Announcer) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// StopAdvertising clears the retained advertisement. Repeated calls are no-ops.
func (a *Announcer) StopAdvertising() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	a.mu.Unlock()
	a.sink.publishRetained(a.sink.cfg.Topic+"/announce", []byte{})
}

func (s *MQTTSink) publishRetained(topic string, payload []byte) {
	s.client.Publish(topic, 1, true, payload)
}
