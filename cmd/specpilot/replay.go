package main

import (
	"fmt"
	"os"

	"github.com/vinayprograms/specpilot/internal/replay"
)

// Run prints the session timeline.
func (c *ReplayCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	id := c.Session
	if id == "" {
		if id, err = backend.CurrentID(); err != nil {
			return fmt.Errorf("reading current session: %w", err)
		}
		if id == "" {
			return fmt.Errorf("no current session")
		}
	}
	sess, err := backend.Load(id)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", id, err)
	}
	return replay.New(os.Stdout, c.Verbose).Replay(sess)
}
