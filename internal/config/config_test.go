package config

import (
	"testing"
	"time"

	"alpha_rebalancer/internal/regime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	unsetAll(t, "HOLD_MODE", "MIN_HOLD", "HOLD_BUFFER", "SPRINT_MODE", "MAX_TRADES_TOTAL", "SATELLITE_POSITION_SIZE")

	cfg := Load()

	assert.Equal(t, "LOT_FIFO", cfg.HoldMode)
	assert.Equal(t, 24*time.Hour, cfg.MinHold)
	assert.Equal(t, 5*time.Minute, cfg.HoldBuffer)
	assert.Equal(t, 80, cfg.MaxTradesTotal)
	assert.Equal(t, 70, cfg.SoftStopTrades)
	assert.Equal(t, 0.05, cfg.SatelliteWeight)
	assert.Equal(t, "portfolio_state.json.bak", cfg.BackupFile)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("HOLD_MODE", "STRICT_TICKER")
	t.Setenv("MIN_HOLD", "6h")
	t.Setenv("SPRINT_MODE", "true")
	t.Setenv("MAX_TRADES_TOTAL", "not-a-number")
	unsetAll(t, "SATELLITE_POSITION_SIZE")

	cfg := Load()

	assert.Equal(t, "STRICT_TICKER", cfg.HoldMode)
	assert.Equal(t, 6*time.Hour, cfg.MinHold)
	assert.True(t, cfg.SprintMode)
	assert.Equal(t, 0.04, cfg.SatelliteWeight)
	assert.Equal(t, 80, cfg.MaxTradesTotal, "invalid values fall back to the default")
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.HoldMode = "BOTH"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.SoftStopTrades = cfg.MaxTradesTotal + 1
	assert.Error(t, cfg.Validate())
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, "***cdef", maskValue("APCA_API_SECRET_KEY", "abcdef"))
	assert.Equal(t, "***", maskValue("TELEGRAM_CHAT_ID", "12"))
	assert.Equal(t, "INFO", maskValue("LOG_LEVEL", "INFO"))
}

func TestDefaultUniverse(t *testing.T) {
	u, err := DefaultUniverse()
	require.NoError(t, err)

	assert.Equal(t, "VOO", u.Benchmark)
	b, ok := u.BucketOf("rklb")
	assert.True(t, ok)
	assert.Equal(t, "A_SPACE", b)
	assert.True(t, u.IsFund("SMH"))
	assert.False(t, u.IsFund("NVDA"))
	assert.True(t, u.IsCore("VTI"))
	assert.True(t, u.Contains("VEA"))
	assert.False(t, u.Contains("AAPL"))
	assert.NotEmpty(t, u.ProhibitedReason("TQQQ"))
	assert.NotEmpty(t, u.ProhibitedReason("SHOP.TO"))
	assert.Empty(t, u.ProhibitedReason("LMT"))
	assert.True(t, u.IsFrozen("2026-01-28"))
	assert.False(t, u.IsFrozen("2026-01-30"))
	assert.Equal(t, regime.DefaultBands, u.RegimeBands)
	assert.Len(t, u.BucketNames(), 8)
	assert.Contains(t, u.Tickers(), "VOO")
	assert.Equal(t, map[string]float64{"VOO": 0.25, "VTI": 0.20, "VEA": 0.15}, u.CoreWeights())
}

func TestParseUniverse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "benchmark: VOO\nbogus: 1\n"},
		{"missing benchmark", "buckets: {A: [X]}\n"},
		{"fund outside bucket", "benchmark: VOO\nbuckets: {A: [X]}\nbucket_funds: {A: [Y]}\n"},
		{"bands descending", "benchmark: VOO\nregime_bands: {caution: 30, shock: 20}\n"},
		{"bad freeze date", "benchmark: VOO\nfreeze_dates: [\"01/27/2026\"]\n"},
		{"prohibited member", "benchmark: VOO\nbuckets: {A: [TQQQ]}\nprohibited: [TQQQ]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUniverse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}
