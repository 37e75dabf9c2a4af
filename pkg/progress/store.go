package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Load when no progress has been saved for the run
	ErrNotFound = errors.New("progress: not found")
	// ErrCorrupt is returned by Load when the progress file exists but cannot be parsed
	ErrCorrupt = errors.New("progress: corrupt state file")
)

// State is the durable progress record of one run. LastCompletedIndex is the
// single source of truth for the resume position and only ever grows within a run.
type State struct {
	LastCompletedIndex  int       `json:"last_completed_index"`
	RequestsOnCurrentIP int       `json:"requests_on_current_ip"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Fresh returns the state of a run that has not completed any row yet.
func Fresh() State {
	return State{LastCompletedIndex: -1}
}

// Store persists run progress as one JSON file per run identity. At most one
// writer per run identity is assumed; the store does no locking.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created on first Save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the progress file location for a run identity.
func (s *Store) Path(runID string) string {
	return filepath.Join(s.dir, runID+".progress.json")
}

// Load reads the saved state for runID. A missing file yields ErrNotFound,
// an unparsable or invalid file yields ErrCorrupt.
func (s *Store) Load(runID string) (State, error) {
	data, err := os.ReadFile(s.Path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return Fresh(), ErrNotFound
		}
		return Fresh(), err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return Fresh(), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if state.LastCompletedIndex < -1 || state.RequestsOnCurrentIP < 0 {
		return Fresh(), fmt.Errorf("%w: invalid counters (index=%d, requests=%d)",
			ErrCorrupt, state.LastCompletedIndex, state.RequestsOnCurrentIP)
	}
	return state, nil
}

// Save writes state atomically: the file on disk is always either the previous
// valid state or the new one. Stamps UpdatedAt.
func (s *Store) Save(runID string, state State) error {
	state.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, runID+".progress.*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.Path(runID))
}

// RunIDFromPath derives a stable run identity from the dataset filename, so
// restarts against the same workbook find the same progress file.
func RunIDFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, base)
}
