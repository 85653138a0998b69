package settings

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"ozealis-ng/internal/autopap"
)

// Hash field names, one per persisted value.
const (
	fieldPMin       = "pMin"
	fieldPMax       = "pMax"
	fieldAuto       = "auto"
	fieldRamp       = "ramp"
	fieldMode       = "mode"
	fieldDelta      = "delta"
	fieldEPR        = "epr"
	fieldAutoStart  = "autoStart"
	fieldAutoStop   = "autoStop"
	fieldTargetRH   = "targetRH"
	fieldTubeDelta  = "tubeDelta"
	fieldDeviceName = "bleName"
	fieldAdvertise  = "bleAdv"
)

// RedisStore keeps settings as one hash. Missing fields fall back to defaults.
type RedisStore struct {
	Client *redis.Client
	Key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "ozealis:settings"
	}
	return &RedisStore{Client: client, Key: key}
}

func (r *RedisStore) Load(ctx context.Context) (Settings, error) {
	m, err := r.Client.HGetAll(ctx, r.Key).Result()
	if err != nil {
		return Settings{}, fmt.Errorf("settings: redis hgetall %s: %w", r.Key, err)
	}
	if len(m) == 0 {
		return Settings{}, ErrNotFound
	}

	s := Default()
	p := fieldParser{m: m}
	s.Limits.PMin = p.float(fieldPMin, s.Limits.PMin)
	s.Limits.PMax = p.float(fieldPMax, s.Limits.PMax)
	s.AutoPAP = p.bool(fieldAuto, s.AutoPAP)
	s.Limits.Ramp = fromSeconds(p.float(fieldRamp, seconds(s.Limits.Ramp)))
	s.Limits.Delta = p.float(fieldDelta, s.Limits.Delta)
	s.Limits.EPR = p.float(fieldEPR, s.Limits.EPR)
	s.Limits.AutoStart = p.bool(fieldAutoStart, s.Limits.AutoStart)
	s.Limits.AutoStop = p.bool(fieldAutoStop, s.Limits.AutoStop)
	s.TargetRH = p.float(fieldTargetRH, s.TargetRH)
	s.TubeDeltaC = p.float(fieldTubeDelta, s.TubeDeltaC)
	s.Advertise = p.bool(fieldAdvertise, s.Advertise)
	if v, ok := m[fieldDeviceName]; ok {
		s.DeviceName = v
	}
	if v, ok := m[fieldMode]; ok {
		mode, err := autopap.ParseMode(v)
		if err != nil {
			p.fail(fieldMode, err)
		}
		s.Mode = mode
	}
	if p.err != nil {
		return Settings{}, p.err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (r *RedisStore) Save(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	values := map[string]any{
		fieldPMin:       fmtFloat(s.Limits.PMin),
		fieldPMax:       fmtFloat(s.Limits.PMax),
		fieldAuto:       strconv.FormatBool(s.AutoPAP),
		fieldRamp:       fmtFloat(seconds(s.Limits.Ramp)),
		fieldMode:       s.Mode.String(),
		fieldDelta:      fmtFloat(s.Limits.Delta),
		fieldEPR:        fmtFloat(s.Limits.EPR),
		fieldAutoStart:  strconv.FormatBool(s.Limits.AutoStart),
		fieldAutoStop:   strconv.FormatBool(s.Limits.AutoStop),
		fieldTargetRH:   fmtFloat(s.TargetRH),
		fieldTubeDelta:  fmtFloat(s.TubeDeltaC),
		fieldDeviceName: s.DeviceName,
		fieldAdvertise:  strconv.FormatBool(s.Advertise),
	}
	if err := r.Client.HSet(ctx, r.Key, values).Err(); err != nil {
		return fmt.Errorf("settings: redis hset %s: %w", r.Key, err)
	}
	return nil
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// fieldParser keeps the first parse error and returns the fallback for bad fields.
type fieldParser struct {
	m   map[string]string
	err error
}

func (p *fieldParser) fail(field string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("settings: field %s: %w", field, err)
	}
}

func (p *fieldParser) float(field string, def float64) float64 {
	v, ok := p.m[field]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(field, err)
		return def
	}
	return f
}

func (p *fieldParser) bool(field string, def bool) bool {
	v, ok := p.m[field]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(field, err)
		return def
	}
	return b
}
