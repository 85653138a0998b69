package pressure

import "math"

// AmbientConfig tunes the ambient estimator.
type AmbientConfig struct {
	// Alpha is the single-pole smoothing factor applied per update.
	Alpha float64
	// FlowGateHPa: updates are ignored while |diff| is at or above this.
	FlowGateHPa float64
	// SeedCount consecutive plausible readings agreeing within SeedToleranceHPa seed the estimate.
	SeedCount        int
	SeedToleranceHPa float64
	MinHPa, MaxHPa   float64
}

func DefaultAmbientConfig() AmbientConfig {
	return AmbientConfig{
		Alpha:            0.005,
		FlowGateHPa:      0.5,
		SeedCount:        3,
		SeedToleranceHPa: 5,
		MinHPa:           300,
		MaxHPa:           1100,
	}
}

// Ambient is a slow exponential estimate of the room pressure. It is not safe
// for concurrent use; Service serialises access.
type Ambient struct {
	cfg AmbientConfig

	value  float64
	seeded bool

	seedN   int
	seedMin float64
	seedMax float64
	seedSum float64
}

func NewAmbient(cfg AmbientConfig) *Ambient {
	if cfg.SeedCount < 1 {
		cfg.SeedCount = 1
	}
	return &Ambient{cfg: cfg}
}

// Value returns the estimate and whether it has been seeded.
func (a *Ambient) Value() (float64, bool) {
	if !a.seeded {
		return math.NaN(), false
	}
	return a.value, true
}

// Update folds in one mask reading taken with differential diffHPa.
func (a *Ambient) Update(maskHPa, diffHPa float64) {
	if math.IsNaN(maskHPa) || math.IsInf(maskHPa, 0) {
		if !a.seeded {
			a.seedN = 0
		}
		return
	}
	if !a.seeded {
		a.seed(maskHPa)
		return
	}
	if math.IsNaN(diffHPa) || math.Abs(diffHPa) >= a.cfg.FlowGateHPa {
		return
	}
	a.value = a.value*(1-a.cfg.Alpha) + maskHPa*a.cfg.Alpha
}

func (a *Ambient) seed(p float64) {
	if p < a.cfg.MinHPa || p > a.cfg.MaxHPa {
		a.seedN = 0
		return
	}
	if a.seedN == 0 {
		a.seedMin, a.seedMax, a.seedSum = p, p, 0
	}
	lo, hi := math.Min(a.seedMin, p), math.Max(a.seedMax, p)
	if hi-lo > a.cfg.SeedToleranceHPa {
		// Restart the streak from this reading.
		a.seedN = 1
		a.seedMin, a.seedMax, a.seedSum = p, p, p
	} else {
		a.seedN++
		a.seedMin, a.seedMax = lo, hi
		a.seedSum += p
	}
	if a.seedN >= a.cfg.SeedCount {
		a.value = a.seedSum / float64(a.seedN)
		a.seeded = true
	}
}
