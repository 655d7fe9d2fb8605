package runguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FileGuard is a lock file created exclusively. A lock whose process on this
// host is gone is reclaimed. A lock from another host, or one that cannot be
// read, is reclaimed once older than StaleAfter.
type FileGuard struct {
	Path       string
	StaleAfter time.Duration
	Log        logrus.FieldLogger

	now   func() time.Time
	alive func(pid int) bool
}

// NewFileGuard returns a guard on path.
func NewFileGuard(path string, staleAfter time.Duration, log logrus.FieldLogger) *FileGuard {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FileGuard{Path: path, StaleAfter: staleAfter, Log: log, now: time.Now, alive: processAlive}
}

// Acquire creates the lock file or reports ErrAlreadyRunning.
func (g *FileGuard) Acquire(_ context.Context) (func() error, error) {
	me := owner{
		Token:   uuid.NewString(),
		PID:     os.Getpid(),
		Host:    hostname(),
		Started: g.now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(me)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(g.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(body)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(g.Path)
				return nil, fmt.Errorf("writing lock %s: %w", g.Path, errors.Join(werr, cerr))
			}
			g.Log.WithField("lock", g.Path).Debug("Run lock acquired")
			return func() error { return g.release(me.Token) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock %s: %w", g.Path, err)
		}
		if attempt > 0 || !g.reclaim() {
			break
		}
	}
	return nil, fmt.Errorf("%w: lock %s", ErrAlreadyRunning, g.Path)
}

// reclaim removes a stale lock and reports whether it did.
func (g *FileGuard) reclaim() bool {
	info, err := os.Stat(g.Path)
	if err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	raw, err := os.ReadFile(g.Path)
	if err != nil {
		return false
	}
	var holder owner
	started := info.ModTime()
	if json.Unmarshal(raw, &holder) == nil {
		if t, err := time.Parse(time.RFC3339, holder.Started); err == nil {
			started = t
		}
	}

	// a holder on this host is judged by its pid alone, however long it runs
	local := holder.PID > 0 && holder.Host == hostname()
	reason := ""
	switch {
	case local && g.alive(holder.PID):
		return false
	case local:
		reason = fmt.Sprintf("pid %d is gone", holder.PID)
	case g.StaleAfter > 0 && g.now().Sub(started) > g.StaleAfter:
		reason = fmt.Sprintf("older than %s", g.StaleAfter)
	default:
		return false
	}
	g.Log.WithField("lock", g.Path).Warnf("Reclaiming stale run lock: %s", reason)
	return os.Remove(g.Path) == nil
}

func (g *FileGuard) release(token string) error {
	raw, err := os.ReadFile(g.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var holder owner
	if err := json.Unmarshal(raw, &holder); err == nil && holder.Token != token {
		// reclaimed by someone else meanwhile
		return nil
	}
	if err := os.Remove(g.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH)
}
