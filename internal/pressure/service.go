package pressure

import (
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"ozealis-ng/internal/i2c"
)

// Sensor is one absolute pressure channel.
type Sensor interface {
	ReadPressure() (float64, error)
}

// Prober classifies the bus state of an address after a failed read.
type Prober interface {
	Probe(addr uint16) i2c.Code
}

// VoltageSensor samples the supply rail.
type VoltageSensor interface {
	Read() (float64, error)
}

var errNoSensor = errors.New("pressure: channel has no sensor")

// Channel indexes.
const (
	Mask = iota
	Blower
)

type Config struct {
	MaskAddr   uint16
	BlowerAddr uint16

	// FailDebounce consecutive bad reads are tolerated before SensorsOK reports failure.
	FailDebounce int
	// StaleAfter bounds how long the last good read keeps the channels healthy.
	StaleAfter time.Duration

	VinAlpha float64

	Ambient AmbientConfig
}

func DefaultConfig() Config {
	return Config{
		MaskAddr:     0x5D,
		BlowerAddr:   0x5C,
		FailDebounce: 5,
		StaleAfter:   500 * time.Millisecond,
		VinAlpha:     0.05,
		Ambient:      DefaultAmbientConfig(),
	}
}

// Sample is one acquisition of both channels. A failed channel carries its
// cached value (NaN if it never read) and OK=false.
type Sample struct {
	MaskHPa   float64
	BlowerHPa float64
	MaskOK    bool
	BlowerOK  bool
	At        time.Time
}

// Healthy reports whether both channels read fresh values.
func (s Sample) Healthy() bool { return s.MaskOK && s.BlowerOK }

// DiffHPa is blower minus mask, NaN when either side has no value.
func (s Sample) DiffHPa() float64 { return s.BlowerHPa - s.MaskHPa }

// Diag carries the per-channel counters captured in fault snapshots.
type Diag struct {
	Miss [2]uint16
	Err  [2]i2c.Code
}

type channel struct {
	name   string
	addr   uint16
	sensor Sensor

	cache float64
	ok    bool
	miss  uint16
	err   i2c.Code
}

// Service owns both pressure channels, the VIN filter and the ambient estimate.
type Service struct {
	cfg    Config
	log    *zap.Logger
	prober Prober
	vin    VoltageSensor
	now    func() time.Time

	mu         sync.Mutex
	ch         [2]channel
	lastGood   time.Time
	badStreak  int
	vinLP      float64
	vinSeeded  bool
	ambient    *Ambient
	lastSample Sample
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds the service. prober and vin may be nil.
func New(cfg Config, mask, blower Sensor, prober Prober, vin VoltageSensor, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FailDebounce <= 0 {
		cfg.FailDebounce = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 500 * time.Millisecond
	}
	if cfg.VinAlpha <= 0 || cfg.VinAlpha > 1 {
		cfg.VinAlpha = 0.05
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		prober:  prober,
		vin:     vin,
		now:     time.Now,
		ambient: NewAmbient(cfg.Ambient),
	}
	for _, o := range opts {
		o(s)
	}
	s.ch[Mask] = channel{name: "mask", addr: cfg.MaskAddr, sensor: mask, cache: math.NaN()}
	s.ch[Blower] = channel{name: "blower", addr: cfg.BlowerAddr, sensor: blower, cache: math.NaN()}
	s.lastGood = s.now()
	return s
}

// Prime performs the first acquisition and seeds the VIN filter.
func (s *Service) Prime() Sample {
	smp := s.ReadPressures()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vin != nil {
		if v, err := s.vin.Read(); err == nil {
			s.vinLP = v
			s.vinSeeded = true
		} else {
			s.log.Warn("vin read failed", zap.Error(err))
		}
	}
	if smp.MaskOK {
		s.ambient.Update(smp.MaskHPa, smp.DiffHPa())
	}
	return smp
}

// ReadPressures reads both channels, falling back per channel to the cache.
func (s *Service) ReadPressures() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for i := range s.ch {
		s.readChannel(&s.ch[i])
	}
	m, b := &s.ch[Mask], &s.ch[Blower]
	if m.ok || b.ok {
		s.lastGood = now
	}
	if m.ok && b.ok {
		s.badStreak = 0
	} else {
		s.badStreak++
	}
	s.lastSample = Sample{
		MaskHPa:   m.cache,
		BlowerHPa: b.cache,
		MaskOK:    m.ok,
		BlowerOK:  b.ok,
		At:        now,
	}
	return s.lastSample
}

func (s *Service) readChannel(c *channel) {
	var (
		p   float64
		err error
	)
	if c.sensor == nil {
		err = errNoSensor
	} else {
		p, err = c.sensor.ReadPressure()
	}
	if err == nil && !math.IsNaN(p) && !math.IsInf(p, 0) {
		c.cache = p
		c.ok = true
		c.miss = 0
		c.err = i2c.CodeOK
		return
	}
	c.ok = false
	if c.miss < math.MaxUint16 {
		c.miss++
	}
	if s.prober != nil {
		c.err = s.prober.Probe(c.addr)
	} else {
		c.err = i2c.CodeNoProbe
	}
	s.log.Debug("pressure read failed, using cached value",
		zap.String("channel", c.name), zap.Uint16("miss", c.miss), zap.Stringer("bus", c.err), zap.Error(err))
}

// SensorsOK is the debounced health used by the supervisor.
func (s *Service) SensorsOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch[Mask].ok && s.ch[Blower].ok {
		return true
	}
	return s.badStreak < s.cfg.FailDebounce && s.now().Sub(s.lastGood) < s.cfg.StaleAfter
}

// VinFiltered samples the supply once and returns the low-passed value.
// A failed sample leaves the filter unchanged. It is NaN until the first
// good sample and when no voltage sensor is wired.
func (s *Service) VinFiltered() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vin == nil {
		return math.NaN()
	}
	v, err := s.vin.Read()
	if err != nil {
		s.log.Debug("vin read failed", zap.Error(err))
		if !s.vinSeeded {
			return math.NaN()
		}
		return s.vinLP
	}
	if !s.vinSeeded {
		s.vinLP = v
		s.vinSeeded = true
		return v
	}
	s.vinLP = s.vinLP*(1-s.cfg.VinAlpha) + v*s.cfg.VinAlpha
	return s.vinLP
}

// Ambient returns the ambient estimate and whether it is seeded.
func (s *Service) Ambient() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ambient.Value()
}

// UpdateAmbient feeds one mask reading into the estimator.
func (s *Service) UpdateAmbient(maskHPa, diffHPa float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ambient.Update(maskHPa, diffHPa)
}

// CachedDiff is blower minus mask from the caches.
func (s *Service) CachedDiff() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch[Blower].cache - s.ch[Mask].cache
}

// LastSample returns the most recent acquisition.
func (s *Service) LastSample() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSample
}

func (s *Service) Diag() Diag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Diag{
		Miss: [2]uint16{s.ch[Mask].miss, s.ch[Blower].miss},
		Err:  [2]i2c.Code{s.ch[Mask].err, s.ch[Blower].err},
	}
}
