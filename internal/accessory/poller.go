package accessory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	AddrHumidifier = 0x44
	AddrHose       = 0x45

	regHeartbeat = 0x00
	regSensors   = 0x01
	regTarget    = 0x10

	heartbeatOK = 0xA5
)

var afterFn = time.After

// Device is the register access an accessory needs. *i2c.Dev satisfies it.
type Device interface {
	ReadReg(reg byte, dst []byte) error
	Write(p []byte) error
}

// Rail switches the accessory power rail.
type Rail interface {
	Set(on bool) error
	Close() error
}

type Config struct {
	Enable bool

	HumidifierAddr uint16
	HoseAddr       uint16
	// RailPin is the BCM GPIO driving the accessory power enable.
	RailPin int

	ScanInterval time.Duration
	// RailCutAfter consecutive scans with no accessory power the rail down.
	RailCutAfter int

	TargetRH   float64
	TubeDeltaC float64
}

func DefaultConfig() Config {
	return Config{
		HumidifierAddr: AddrHumidifier,
		HoseAddr:       AddrHose,
		RailPin:        16,
		ScanInterval:   500 * time.Millisecond,
		RailCutAfter:   4,
		TargetRH:       70,
		TubeDeltaC:     4,
	}
}

// Status is what one accessory reported on the last scan. Unread values are NaN.
type Status struct {
	Present bool    `json:"present"`
	Ready   bool    `json:"ready"`
	TempC   float64 `json:"temp_c"`
	RH      float64 `json:"rh_percent"`
}

func absent() Status { return Status{TempC: math.NaN(), RH: math.NaN()} }

// MarshalJSON renders unread values as null.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Present bool     `json:"present"`
		Ready   bool     `json:"ready"`
		TempC   *float64 `json:"temp_c"`
		RH      *float64 `json:"rh_percent"`
	}{s.Present, s.Ready, nullable(s.TempC), nullable(s.RH)})
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Bits packs presence as bit0 humidifier, bit1 hose.
func Bits(humid, hose Status) uint8 {
	var b uint8
	if humid.Present {
		b |= 1
	}
	if hose.Present {
		b |= 2
	}
	return b
}

type Snapshot struct {
	Humidifier Status    `json:"humidifier"`
	Hose       Status    `json:"hose"`
	RailOn     bool      `json:"rail_on"`
	LastScanAt time.Time `json:"last_scan_utc,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Poller scans the accessory bus on a fixed period. Accessory state is only
// passed through to telemetry; therapy does not depend on it.
type Poller struct {
	cfg   Config
	log   *zap.Logger
	humid Device
	hose  Device
	rail  Rail

	mu         sync.RWMutex
	snap       Snapshot
	targetRH   float64
	tubeDeltaC float64
	misses     int

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a poller. rail may be nil when the rail is hard-wired on.
func New(cfg Config, humid, hose Device, rail Rail, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 500 * time.Millisecond
	}
	if cfg.RailCutAfter <= 0 {
		cfg.RailCutAfter = 4
	}
	return &Poller{
		cfg:        cfg,
		log:        log,
		humid:      humid,
		hose:       hose,
		rail:       rail,
		snap:       Snapshot{Humidifier: absent(), Hose: absent()},
		targetRH:   cfg.TargetRH,
		tubeDeltaC: cfg.TubeDeltaC,
		stopCh:     make(chan struct{}),
	}
}

func (p *Poller) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{Humidifier: absent(), Hose: absent()}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// SetTargets updates the setpoints written to the accessories on the next scan.
func (p *Poller) SetTargets(rh, tubeDeltaC float64) {
	p.mu.Lock()
	p.targetRH = rh
	p.tubeDeltaC = tubeDeltaC
	p.mu.Unlock()
}

func (p *Poller) Start(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("accessory: poller is nil")
	}
	if !p.cfg.Enable {
		return nil
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			p.Scan()
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-afterFn(p.cfg.ScanInterval):
			}
		}
	}()
	return nil
}

// Close stops the scan loop and powers the rail down.
func (p *Poller) Close() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	if p.rail != nil {
		_ = p.rail.Set(false)
		_ = p.rail.Close()
	}
}

// Scan runs one heartbeat pass over both accessories.
func (p *Poller) Scan() {
	p.mu.RLock()
	rh, tube := p.targetRH, p.tubeDeltaC
	prev := p.snap
	p.mu.RUnlock()

	var lastErr string
	railOn := prev.RailOn
	if !railOn {
		railOn = p.setRail(true, &lastErr)
	}

	humid := p.scanHumidifier(rh, &lastErr)
	hose := p.scanHose(tube, &lastErr)
	p.logPresence("humidifier", prev.Humidifier.Present, humid.Present)
	p.logPresence("heated hose", prev.Hose.Present, hose.Present)

	p.mu.Lock()
	if !humid.Present && !hose.Present {
		p.misses++
	} else {
		p.misses = 0
	}
	cut := p.misses >= p.cfg.RailCutAfter
	p.mu.Unlock()
	if cut && railOn {
		p.log.Info("powering down accessory rail")
		railOn = !p.setRail(false, &lastErr)
	}

	p.mu.Lock()
	p.snap = Snapshot{
		Humidifier: humid,
		Hose:       hose,
		RailOn:     railOn,
		LastScanAt: time.Now().UTC(),
		LastError:  lastErr,
	}
	p.mu.Unlock()
}

func (p *Poller) setRail(on bool, lastErr *string) bool {
	if p.rail == nil {
		return on
	}
	if err := p.rail.Set(on); err != nil {
		*lastErr = fmt.Sprintf("accessory: rail: %v", err)
		return false
	}
	return true
}

func (p *Poller) logPresence(name string, was, now bool) {
	switch {
	case now && !was:
		p.log.Info("accessory detected", zap.String("accessory", name))
	case was && !now:
		p.log.Info("accessory disconnected", zap.String("accessory", name))
	}
}

func alive(d Device) bool {
	if d == nil {
		return false
	}
	var b [1]byte
	if err := d.ReadReg(regHeartbeat, b[:]); err != nil {
		return false
	}
	return b[0] == heartbeatOK
}

func (p *Poller) scanHumidifier(targetRH float64, lastErr *string) Status {
	if !alive(p.humid) {
		return absent()
	}
	st := Status{Present: true, Ready: true, TempC: math.NaN(), RH: math.NaN()}
	var buf [4]byte
	if err := p.humid.ReadReg(regSensors, buf[:]); err == nil {
		st.TempC = float64(uint16(buf[0])<<8|uint16(buf[1])) / 100
		st.RH = float64(uint16(buf[2])<<8|uint16(buf[3])) / 100
	} else {
		*lastErr = fmt.Sprintf("accessory: humidifier read: %v", err)
	}
	rh := uint16(math.Round(clamp(targetRH, 0, 100) * 100))
	if err := p.humid.Write([]byte{regTarget, byte(rh >> 8), byte(rh)}); err != nil {
		*lastErr = fmt.Sprintf("accessory: humidifier target: %v", err)
	}
	return st
}

func (p *Poller) scanHose(tubeDeltaC float64, lastErr *string) Status {
	if !alive(p.hose) {
		return absent()
	}
	st := Status{Present: true, Ready: true, TempC: math.NaN(), RH: math.NaN()}
	var buf [2]byte
	if err := p.hose.ReadReg(regSensors, buf[:]); err == nil {
		st.TempC = float64(uint16(buf[0])<<8|uint16(buf[1])) / 100
	} else {
		*lastErr = fmt.Sprintf("accessory: hose read: %v", err)
	}
	if err := p.hose.Write([]byte{regTarget, byte(clamp(tubeDeltaC, 0, 255))}); err != nil {
		*lastErr = fmt.Sprintf("accessory: hose target: %v", err)
	}
	return st
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
