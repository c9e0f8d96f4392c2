// Package main defines the CLI structure using kong.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/vinayprograms/specpilot/internal/config"
)

// Globals are flags shared by every command.
type Globals struct {
	Config  string `short:"c" help:"Config file path (default: ./specpilot.toml)"`
	Storage string `help:"Storage directory (overrides config)"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Chat    ChatCmd    `cmd:"" default:"withargs" help:"Interactive authoring session"`
	Serve   ServeCmd   `cmd:"" help:"Serve the HTTP API"`
	State   StateCmd   `cmd:"" help:"Show the persisted execution state"`
	Replay  ReplayCmd  `cmd:"" help:"Replay a project session's event log"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ChatCmd runs the REPL.
type ChatCmd struct {
	Project string `short:"p" help:"Start a new project session with this name"`
	Width   int    `default:"100" help:"Wrap output at this width"`
}

// ServeCmd runs the HTTP adapter.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides config)"`
}

// StateCmd prints the last snapshot.
type StateCmd struct {
	JSON bool `help:"Print the raw snapshot"`
}

// ReplayCmd replays a session for review.
type ReplayCmd struct {
	Session string `arg:"" optional:"" help:"Session ID (default: current session)"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// Run prints the version.
func (v *VersionCmd) Run(g *Globals) error {
	fmt.Printf("specpilot version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}

// load reads the config named by the global flags.
func (g *Globals) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.Config != "" {
		cfg, err = config.LoadFile(g.Config)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if g.Storage != "" {
		cfg.Storage.Path = g.Storage
	}
	return cfg, nil
}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
