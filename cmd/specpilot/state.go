package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vinayprograms/specpilot/internal/checkpoint"
	"github.com/vinayprograms/specpilot/internal/engine"
)

// Run prints the last persisted state without starting an engine.
func (s *StateCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}

	store, err := checkpoint.NewStore(filepath.Join(cfg.StorageDir(), "state"), 0)
	if err != nil {
		return err
	}
	var st engine.ExecutionState
	ok, err := store.Load(&st)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No saved state.")
		return nil
	}

	if s.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Println(renderStatus(st))
	if st.Stage == engine.StageAwaitingUser && st.PendingInteraction != nil {
		fmt.Println(renderState(st, 100))
	}
	return nil
}
