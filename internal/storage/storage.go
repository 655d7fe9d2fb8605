package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/sirupsen/logrus"
)

// ErrPersistence means the state store could not be read or written.
// Write failures are fatal for the run.
var ErrPersistence = errors.New("persistence failure")

// Store persists the portfolio state as JSON with a prior-version backup.
type Store struct {
	Path       string
	BackupPath string
	Now        func() time.Time
	Log        logrus.FieldLogger
}

// New returns a store for path, backing up to backupPath (path+".bak" when empty).
func New(path, backupPath string, log logrus.FieldLogger) *Store {
	if backupPath == "" {
		backupPath = path + ".bak"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{Path: path, BackupPath: backupPath, Now: time.Now, Log: log}
}

// Load reads the state. A missing store yields a fresh state which is saved
// right away. A primary file that fails to decode, migrate or validate falls
// back to the backup; if both fail the error wraps ErrPersistence.
func (s *Store) Load() (*models.PortfolioState, error) {
	_, errMain := os.Stat(s.Path)
	_, errBak := os.Stat(s.BackupPath)
	if os.IsNotExist(errMain) && os.IsNotExist(errBak) {
		s.Log.Info("State file missing, generating template...")
		st := models.NewPortfolioState()
		if err := s.Save(st); err != nil {
			return nil, err
		}
		return st, nil
	}

	st, migrated, err := s.loadFile(s.Path)
	if err == nil {
		if migrated {
			s.Log.WithField("schema_version", st.SchemaVersion).Info("State migrated, saving")
			if err := s.Save(st); err != nil {
				return nil, err
			}
		}
		return st, nil
	}

	s.Log.WithError(err).WithField("path", s.Path).Error("Primary state unreadable, trying backup")
	bak, _, bakErr := s.loadFile(s.BackupPath)
	if bakErr != nil {
		return nil, fmt.Errorf("%w: state %s: %v; backup %s: %v", ErrPersistence, s.Path, err, s.BackupPath, bakErr)
	}

	// The primary is corrupt, so rewrite it without rotating it over the good backup.
	if err := s.write(bak, false); err != nil {
		return nil, err
	}
	s.Log.WithField("path", s.BackupPath).Warn("State restored from backup")
	return bak, nil
}

func (s *Store) loadFile(path string) (*models.PortfolioState, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	return s.decode(b)
}

// decode dispatches on the schema version and decodes strictly so legacy or
// malformed shapes fail instead of producing zero-valued fields.
func (s *Store) decode(b []byte) (*models.PortfolioState, bool, error) {
	var header struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(b, &header); err != nil {
		return nil, false, fmt.Errorf("decode header: %w", err)
	}

	var (
		st       *models.PortfolioState
		migrated bool
	)
	switch header.SchemaVersion {
	case models.SchemaVersion:
		st = &models.PortfolioState{}
		if err := strictUnmarshal(b, st); err != nil {
			return nil, false, fmt.Errorf("decode v%d: %w", header.SchemaVersion, err)
		}
	case 1:
		var legacy stateV1
		if err := strictUnmarshal(b, &legacy); err != nil {
			return nil, false, fmt.Errorf("decode v1: %w", err)
		}
		st = migrateV1(&legacy, s.Now().UTC())
		migrated = true
	case 0:
		return nil, false, fmt.Errorf("state has no schema_version")
	default:
		return nil, false, fmt.Errorf("unsupported schema_version %d (newest known %d)", header.SchemaVersion, models.SchemaVersion)
	}

	if st.Positions == nil {
		st.Positions = make(map[string]*models.Position)
	}
	if st.Submissions == nil {
		st.Submissions = make(map[string]models.SubmissionRecord)
	}
	if st.TradeLog == nil {
		st.TradeLog = []models.TradeRecord{}
	}
	if err := st.Validate(); err != nil {
		return nil, false, err
	}
	return st, migrated, nil
}

func strictUnmarshal(b []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after state object")
	}
	return nil
}

// Save writes the state atomically: temp file, fsync, backup of the
// previous file, rename over the original.
func (s *Store) Save(st *models.PortfolioState) error {
	return s.write(st, true)
}

func (s *Store) write(st *models.PortfolioState, backup bool) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", ErrPersistence, err)
	}

	tmpFile := s.Path + ".tmp"
	if err := writeSynced(tmpFile, b); err != nil {
		return fmt.Errorf("%w: write temp state: %v", ErrPersistence, err)
	}

	if backup {
		if err := s.backupCurrent(); err != nil {
			os.Remove(tmpFile)
			return fmt.Errorf("%w: backup state: %v", ErrPersistence, err)
		}
	}

	if err := os.Rename(tmpFile, s.Path); err != nil {
		return fmt.Errorf("%w: replace state file: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Store) backupCurrent() error {
	cur, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	tmp := s.BackupPath + ".tmp"
	if err := writeSynced(tmp, cur); err != nil {
		return err
	}
	return os.Rename(tmp, s.BackupPath)
}

func writeSynced(path string, b []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	// Close before rename (required on Windows)
	return f.Close()
}
