package pressure

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmbient_SeedsAfterConsecutiveAgreeingReadings(t *testing.T) {
	a := NewAmbient(DefaultAmbientConfig())
	a.Update(1010, 3)
	a.Update(1011, 3)
	_, ok := a.Value()
	require.False(t, ok)
	a.Update(1012, 3)
	v, ok := a.Value()
	require.True(t, ok)
	assert.InDelta(t, 1011.0, v, 1e-9)
}

func TestAmbient_ErroneousFirstReadingDoesNotSeed(t *testing.T) {
	a := NewAmbient(DefaultAmbientConfig())
	a.Update(0, 0)
	a.Update(1013, 0)
	a.Update(1013, 0)
	_, ok := a.Value()
	assert.False(t, ok)
	a.Update(1013, 0)
	v, ok := a.Value()
	require.True(t, ok)
	assert.Equal(t, 1013.0, v)
}

func TestAmbient_DisagreementRestartsStreak(t *testing.T) {
	a := NewAmbient(DefaultAmbientConfig())
	a.Update(1000, 0)
	a.Update(1000, 0)
	a.Update(1020, 0) // spread 20 > 5
	_, ok := a.Value()
	require.False(t, ok)
	a.Update(1021, 0)
	a.Update(1022, 0)
	v, ok := a.Value()
	require.True(t, ok)
	assert.InDelta(t, 1021.0, v, 1e-9)
}

func TestAmbient_NaNBreaksSeedStreak(t *testing.T) {
	a := NewAmbient(DefaultAmbientConfig())
	a.Update(1000, 0)
	a.Update(1000, 0)
	a.Update(math.NaN(), 0)
	a.Update(1000, 0)
	_, ok := a.Value()
	assert.False(t, ok)
}

func TestAmbient_UpdatesOnlyNearZeroFlow(t *testing.T) {
	cfg := DefaultAmbientConfig()
	cfg.SeedCount = 1
	a := NewAmbient(cfg)
	a.Update(1000, 0)

	a.Update(1010, 0.6)
	v, _ := a.Value()
	assert.Equal(t, 1000.0, v)

	a.Update(1010, -0.2)
	v, _ = a.Value()
	assert.InDelta(t, 1000.05, v, 1e-9)

	a.Update(math.NaN(), 0)
	v2, _ := a.Value()
	assert.Equal(t, v, v2)
}
