package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"alpha_rebalancer/internal/logger"
	"alpha_rebalancer/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 1, 12, 15, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := New(filepath.Join(dir, "portfolio_state.json"), "", logger.Discard())
	s.Now = func() time.Time { return fixedNow }
	return s
}

func sampleState() *models.PortfolioState {
	st := models.NewPortfolioState()
	st.Counters.TradesUsed = 1
	st.Positions["RKLB"] = &models.Position{
		Ticker: "RKLB",
		Bucket: "A_SPACE",
		Lots: []models.Lot{{
			ID: "lot-1", Quantity: 10, AcquiredAt: fixedNow.Add(-48 * time.Hour),
			UnitCost: decimal.RequireFromString("21.50"),
		}},
		AggregateCost: decimal.RequireFromString("21.50"),
	}
	st.TradeLog = append(st.TradeLog, models.TradeRecord{
		Timestamp: fixedNow.Add(-48 * time.Hour), Ticker: "RKLB", Side: models.Buy,
		Quantity: 10, Price: decimal.RequireFromString("21.50"), ReasonCode: "ENTRY", SequenceNumber: 1,
	})
	return st
}

func TestLoad_MissingCreatesTemplate(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, models.SchemaVersion, st.SchemaVersion)
	assert.Empty(t, st.Positions)

	_, err = os.Stat(s.Path)
	assert.NoError(t, err, "template is saved immediately")
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleState()))

	st, err := s.Load()
	require.NoError(t, err)
	require.Contains(t, st.Positions, "RKLB")
	assert.Equal(t, 10, st.Positions["RKLB"].TotalShares())
	assert.True(t, st.Positions["RKLB"].Lots[0].AcquiredAt.Equal(fixedNow.Add(-48*time.Hour)))
}

func TestSave_BacksUpPreviousVersion(t *testing.T) {
	s := newTestStore(t)
	first := sampleState()
	require.NoError(t, s.Save(first))

	second := sampleState()
	second.Counters.TradesUsed = 7
	second.TradeLog[0].SequenceNumber = 7
	require.NoError(t, s.Save(second))

	bak, _, err := s.loadFile(s.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, 1, bak.Counters.TradesUsed)

	cur, _, err := s.loadFile(s.Path)
	require.NoError(t, err)
	assert.Equal(t, 7, cur.Counters.TradesUsed)

	_, err = os.Stat(s.Path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoad_FallsBackToBackup(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleState()))
	require.NoError(t, s.Save(sampleState()))

	require.NoError(t, os.WriteFile(s.Path, []byte(`{"schema_version": 2, "positions": {`), 0644))

	st, err := s.Load()
	require.NoError(t, err)
	assert.Contains(t, st.Positions, "RKLB")

	// primary is repaired and the good backup is left in place
	_, _, err = s.loadFile(s.Path)
	assert.NoError(t, err)
	_, _, err = s.loadFile(s.BackupPath)
	assert.NoError(t, err)
}

func TestLoad_BothUnreadable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path, []byte("not json"), 0644))
	require.NoError(t, os.WriteFile(s.BackupPath, []byte("{}"), 0644))

	_, err := s.Load()
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestLoad_RejectsUnknownFieldsAndVersions(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", `{"schema_version": 2, "counters": {}, "positions": {}, "trade_log": [], "submissions": {}, "mystery": 1}`},
		{"newer schema", `{"schema_version": 9}`},
		{"unversioned", `{"positions": []}`},
		{"empty position", `{"schema_version": 2, "counters": {}, "positions": {"VOO": {"ticker": "VOO", "lots": [], "aggregate_cost": "0"}}, "trade_log": [], "submissions": {}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			require.NoError(t, os.WriteFile(s.Path, []byte(tt.doc), 0644))
			_, err := s.Load()
			assert.ErrorIs(t, err, ErrPersistence)
		})
	}
}

func TestMigrateV1(t *testing.T) {
	s := newTestStore(t)
	legacy := `{
		"schema_version": 1,
		"counters": {"trades_used": 5, "weekly_replacements_used": 1, "week_start_date": "2026-01-12"},
		"positions": {
			"voo": {"ticker": "VOO", "shares": 12, "entry_price": "610.00"},
			"LMT": {"ticker": "LMT", "bucket": "B_DEFENSE", "shares": 3, "entry_price": "480",
				"lots": [{"id": "x", "quantity": 3, "acquired_at": "2026-01-05T15:00:00Z", "unit_cost": "480"}]}
		},
		"trade_log": [
			{"timestamp": "2026-01-05T15:00:00Z", "ticker": "LMT", "side": "BUY", "quantity": 3, "price": "480", "reason": "ENTRY"},
			{"timestamp": "2026-01-06T15:00:00Z", "ticker": "VOO", "side": "BUY", "quantity": 12, "price": "610", "reason": "CORE"}
		],
		"submitted_keys": ["VOO|BUY|12|610.00|2026-01-06", "garbage"]
	}`
	require.NoError(t, os.WriteFile(s.Path, []byte(legacy), 0644))

	st, err := s.Load()
	require.NoError(t, err)

	assert.Equal(t, models.SchemaVersion, st.SchemaVersion)
	require.Contains(t, st.Positions, "VOO")
	voo := st.Positions["VOO"]
	require.Len(t, voo.Lots, 1)
	assert.True(t, voo.Lots[0].AcquiredAt.Equal(fixedNow), "synthetic lot is stamped at migration time")
	assert.Equal(t, 12, voo.TotalShares())

	assert.Equal(t, "x", st.Positions["LMT"].Lots[0].ID)
	require.Len(t, st.TradeLog, 2)
	assert.Equal(t, 4, st.TradeLog[0].SequenceNumber)
	assert.Equal(t, 5, st.TradeLog[1].SequenceNumber)

	require.Len(t, st.Submissions, 1)
	assert.Equal(t, models.SubmissionConfirmed, st.Submissions["VOO|BUY|12|610.00|2026-01-06"].Status)

	// migrated state was written back at the current version
	_, migrated, err := s.loadFile(s.Path)
	require.NoError(t, err)
	assert.False(t, migrated)
}
