package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"ozealis-ng/internal/autopap"
)

func custom() Settings {
	s := Default()
	s.Mode = autopap.ModeBiPAP
	s.Limits.PMin = 5.5
	s.Limits.PMax = 12
	s.Limits.Delta = 3
	s.Limits.Ramp = 90 * time.Second
	s.Limits.EPR = 2
	s.Limits.AutoStop = false
	s.TargetRH = 55
	s.DeviceName = "Bedroom"
	return s
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_Rejects(t *testing.T) {
	s := Default()
	s.Limits.PMax = 3
	require.Error(t, s.Validate())

	s = Default()
	s.TargetRH = 120
	require.Error(t, s.Validate())

	s = Default()
	s.DeviceName = "  "
	require.Error(t, s.Validate())

	s = Default()
	s.Mode = autopap.Mode(9)
	require.Error(t, s.Validate())
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := FileStore{Path: filepath.Join(t.TempDir(), "settings.yaml")}

	_, err := fs.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := LoadOrDefault(ctx, fs)
	require.NoError(t, err)
	require.Equal(t, Default(), got)

	want := custom()
	require.NoError(t, fs.Save(ctx, want))
	got, err = fs.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)

	b, err := os.ReadFile(fs.Path)
	require.NoError(t, err)
	require.Contains(t, string(b), "mode: bipap")
	require.Contains(t, string(b), "ramp: 1m30s")
}

func TestFileStore_PartialFileKeepsDefaults(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: asv\nlimits:\n  p_min: 4\n  p_max: 20\n  delta: 4\n"), 0o644))

	got, err := FileStore{Path: path}.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, autopap.ModeASV, got.Mode)
	require.Equal(t, 20.0, got.Limits.PMax)
	require.Equal(t, 70.0, got.TargetRH)
	require.Equal(t, "Ozealis", got.DeviceName)
}

func TestFileStore_SaveRejectsInvalid(t *testing.T) {
	fs := FileStore{Path: filepath.Join(t.TempDir(), "settings.yaml")}
	s := Default()
	s.Limits.Delta = 0
	require.Error(t, fs.Save(context.Background(), s))
	_, err := os.Stat(fs.Path)
	require.True(t, os.IsNotExist(err))
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client, "")
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, st := setupRedis(t)

	_, err := st.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	want := custom()
	require.NoError(t, st.Save(ctx, want))
	require.Equal(t, "5.5", mr.HGet("ozealis:settings", "pMin"))
	require.Equal(t, "90", mr.HGet("ozealis:settings", "ramp"))
	require.Equal(t, "bipap", mr.HGet("ozealis:settings", "mode"))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRedisStore_MissingFieldsUseDefaults(t *testing.T) {
	ctx := context.Background()
	mr, st := setupRedis(t)
	mr.HSet("ozealis:settings", "pMax", "18")

	got, err := st.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 18.0, got.Limits.PMax)
	require.Equal(t, 4.0, got.Limits.PMin)
	require.Equal(t, 300*time.Second, got.Limits.Ramp)
}

func TestRedisStore_BadFieldIsError(t *testing.T) {
	ctx := context.Background()
	mr, st := setupRedis(t)
	mr.HSet("ozealis:settings", "pMin", "four")

	_, err := st.Load(ctx)
	require.ErrorContains(t, err, "pMin")
}

func TestRedisStore_ConnectionError(t *testing.T) {
	mr, st := setupRedis(t)
	mr.Close()
	_, err := st.Load(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}
