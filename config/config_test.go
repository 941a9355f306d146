package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsMatchProgramRules(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 48*time.Hour, cfg.Points.ReviewLock)
	assert.Equal(t, 2, cfg.Points.DailyReviews)
	assert.Equal(t, 20, cfg.Points.MonthlyReviews)
	assert.Equal(t, "@every 5m", cfg.Sweeper.Schedule)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", p.Location.String())
	assert.Equal(t, int64(300), p.DeepReviewBonus)
	assert.Equal(t, int64(500), p.FeaturedBonus)
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: memory
points:
  daily_reviews: 5
  review_lock: 24h
sweeper:
  batch_size: 10
`)
	t.Setenv("POINTS_POINTS_DAILY_REVIEWS", "7")
	t.Setenv("POINTS_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 7, cfg.Points.DailyReviews, "env overrides file")
	assert.Equal(t, 24*time.Hour, cfg.Points.ReviewLock)
	assert.Equal(t, 10, cfg.SweeperConfig().BatchSize)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: mongo
points:
  timezone: Mars/Olympus
  daily_reviews: 0
sweeper:
  schedule: "every now and then"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "points.timezone")
	assert.Contains(t, err.Error(), "sweeper.schedule")
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfig_Conversions(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
retry:
  max_attempts: 5
notify:
  buffer_size: 16
`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RetryPolicy().MaxAttempts)
	assert.Equal(t, 16, cfg.NotifyConfig().BufferSize)
}
