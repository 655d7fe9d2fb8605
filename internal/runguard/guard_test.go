package runguard

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"alpha_rebalancer/internal/logger"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func newFileGuard(t *testing.T) *FileGuard {
	g := NewFileGuard(filepath.Join(t.TempDir(), "run.lock"), 2*time.Hour, logger.Discard())
	g.now = func() time.Time { return now }
	return g
}

func writeLock(t *testing.T, path string, o owner) {
	raw, err := json.Marshal(o)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestFileGuard_Exclusive(t *testing.T) {
	g := newFileGuard(t)
	ctx := context.Background()

	release, err := g.Acquire(ctx)
	require.NoError(t, err)

	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, release())
	assert.NoFileExists(t, g.Path)

	release, err = g.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestFileGuard_ReclaimsOldLockFromOtherHost(t *testing.T) {
	g := newFileGuard(t)
	writeLock(t, g.Path, owner{Token: "old", PID: 4242, Host: "other-box", Started: now.Add(-3 * time.Hour).Format(time.RFC3339)})

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestFileGuard_ReclaimsOldUnreadableLock(t *testing.T) {
	g := newFileGuard(t)
	require.NoError(t, os.WriteFile(g.Path, []byte("garbage"), 0o644))
	require.NoError(t, os.Chtimes(g.Path, now.Add(-3*time.Hour), now.Add(-3*time.Hour)))

	_, err := g.Acquire(context.Background())
	assert.NoError(t, err)
}

func TestFileGuard_KeepsLongRunningLiveLock(t *testing.T) {
	g := newFileGuard(t)
	writeLock(t, g.Path, owner{Token: "slow", PID: os.Getpid(), Host: hostname(), Started: now.Add(-3 * time.Hour).Format(time.RFC3339)})

	_, err := g.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.FileExists(t, g.Path)
}

func TestFileGuard_KeepsRecentLockFromOtherHost(t *testing.T) {
	g := newFileGuard(t)
	writeLock(t, g.Path, owner{Token: "remote", PID: 4242, Host: "other-box", Started: now.Add(-time.Minute).Format(time.RFC3339)})

	_, err := g.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestFileGuard_ReclaimsDeadProcess(t *testing.T) {
	g := newFileGuard(t)
	g.alive = func(int) bool { return false }
	writeLock(t, g.Path, owner{Token: "old", PID: 4242, Host: hostname(), Started: now.Format(time.RFC3339)})

	_, err := g.Acquire(context.Background())
	assert.NoError(t, err)
}

func TestFileGuard_KeepsLiveLock(t *testing.T) {
	g := newFileGuard(t)
	g.alive = func(int) bool { return true }
	writeLock(t, g.Path, owner{Token: "live", PID: 4242, Host: hostname(), Started: now.Add(-time.Minute).Format(time.RFC3339)})

	_, err := g.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.FileExists(t, g.Path)
}

func TestFileGuard_ReleaseLeavesForeignLock(t *testing.T) {
	g := newFileGuard(t)
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	writeLock(t, g.Path, owner{Token: "someone-else"})
	require.NoError(t, release())
	assert.FileExists(t, g.Path)
}

func TestRedisGuard(t *testing.T) {
	db, mock := redismock.NewClientMock()
	g := NewRedisGuard(db, "rebalancer:run", 30*time.Minute, logger.Discard())
	g.now = func() time.Time { return now }
	ctx := context.Background()

	mock.Regexp().ExpectSetNX("rebalancer:run", `"token":`, 30*time.Minute).SetVal(true)
	release, err := g.Acquire(ctx)
	require.NoError(t, err)

	mock.Regexp().ExpectEval(regexp.QuoteMeta(releaseScript), []string{"rebalancer:run"}, `"token":`).SetVal(int64(1))
	require.NoError(t, release())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisGuard_Held(t *testing.T) {
	db, mock := redismock.NewClientMock()
	g := NewRedisGuard(db, "rebalancer:run", 30*time.Minute, logger.Discard())

	mock.Regexp().ExpectSetNX("rebalancer:run", `.*`, 30*time.Minute).SetVal(false)
	mock.ExpectGet("rebalancer:run").SetVal(`{"host":"box-1"}`)

	_, err := g.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), "box-1")
}

func TestRedisGuard_ConnectionError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	g := NewRedisGuard(db, "rebalancer:run", time.Minute, logger.Discard())

	mock.Regexp().ExpectSetNX("rebalancer:run", `.*`, time.Minute).SetErr(errors.New("dial tcp: refused"))

	_, err := g.Acquire(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyRunning)
}
