// Package checkpoint persists engine state snapshots so a suspended task
// survives a process restart.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the snapshot file inside the store directory.
const FileName = "state.json"

// Snapshot is one persisted state.
type Snapshot struct {
	Seq     uint64          `json:"seq"`
	Stage   string          `json:"stage"`
	SavedAt time.Time       `json:"saved_at"`
	State   json.RawMessage `json:"state"`
}

// Store writes snapshots to <dir>/state.json and keeps the most recent ones
// in memory for inspection.
type Store struct {
	dir   string
	mu    sync.RWMutex
	seq   uint64
	trail []Snapshot
	keep  int
}

// NewStore creates a store in dir, keeping the last keep snapshots in memory.
func NewStore(dir string, keep int) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if keep <= 0 {
		keep = 20
	}
	return &Store{dir: dir, keep: keep}, nil
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Save serializes state and replaces the snapshot file.
func (s *Store) Save(stage string, state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	snap := Snapshot{Seq: s.seq, Stage: stage, SavedAt: time.Now(), State: data}
	if err := s.flush(snap); err != nil {
		s.seq--
		return err
	}

	s.trail = append(s.trail, snap)
	if len(s.trail) > s.keep {
		s.trail = append([]Snapshot(nil), s.trail[len(s.trail)-s.keep:]...)
	}
	return nil
}

// flush writes snap atomically.
func (s *Store) flush(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, s.Path())
}

// Load decodes the persisted state into v. It reports false when no
// snapshot exists.
func (s *Store) Load(v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("corrupt snapshot %s: %w", s.Path(), err)
	}
	if err := json.Unmarshal(snap.State, v); err != nil {
		return false, fmt.Errorf("corrupt state in %s: %w", s.Path(), err)
	}
	if snap.Seq > s.seq {
		s.seq = snap.Seq
	}
	return true, nil
}

// Trail returns the snapshots saved by this process, oldest first.
func (s *Store) Trail() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Snapshot(nil), s.trail...)
}

// Clear removes the snapshot file.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
