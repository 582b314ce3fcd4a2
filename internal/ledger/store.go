package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StateVersion is the schema version written to the state file.
const StateVersion = "1"

// State is the persisted form of the ledger.
type State struct {
	Version string             `json:"version"`
	Day     int                `json:"day"`
	PV      map[string]float64 `json:"pvw"`
	Out     map[string]float64 `json:"outw"`
}

// NewState returns a state with all 48 buckets present and zero.
func NewState(day int) *State {
	state := &State{
		Version: StateVersion,
		Day:     day,
		PV:      make(map[string]float64, Hours),
		Out:     make(map[string]float64, Hours),
	}
	for h := 0; h < Hours; h++ {
		key := strconv.Itoa(h)
		state.PV[key] = 0
		state.Out[key] = 0
	}
	return state
}

// Store reads and writes the state file.
type Store struct {
	path   string
	logger zerolog.Logger
}

// NewStore creates a store for the state file at path.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: log.With().Str("component", "ledger_store").Logger(),
	}
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A "total" key left by older writers is dropped,
// missing hours are filled with zero and negative buckets are clamped to zero.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	if state.PV == nil || state.Out == nil {
		return nil, errors.New("state file has no pvw or outw ledger")
	}
	if state.Day < 0 || state.Day > 31 {
		return nil, fmt.Errorf("state file has invalid day %d", state.Day)
	}

	delete(state.PV, "total")
	delete(state.Out, "total")
	s.normalize("pvw", state.PV)
	s.normalize("outw", state.Out)

	s.logger.Debug().
		Str("path", s.path).
		Int("day", state.Day).
		Msg("State loaded")

	return &state, nil
}

// Save writes state to a temporary file next to the state file and renames it
// into place.
func (s *Store) Save(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temporary state file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	s.logger.Debug().
		Str("path", s.path).
		Int("day", state.Day).
		Msg("State saved")

	return nil
}

// normalize fills missing hours with zero and clamps negative buckets.
func (s *Store) normalize(name string, buckets map[string]float64) {
	for h := 0; h < Hours; h++ {
		key := strconv.Itoa(h)
		if buckets[key] < 0 {
			s.logger.Warn().
				Str("ledger", name).
				Str("hour", key).
				Float64("wh", buckets[key]).
				Msg("Clamping negative energy bucket")
		}
		buckets[key] = nonNegative(buckets[key])
	}
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
