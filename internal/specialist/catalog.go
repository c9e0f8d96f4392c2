package specialist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/specpilot/internal/faults"
)

// Catalog is the set of specialists a plan may use. It is safe for
// concurrent use; definitions can be reloaded while the engine runs.
type Catalog struct {
	mu       sync.RWMutex
	builtins map[string]*Definition
	defs     map[string]*Definition
	dirs     []string
	logger   *logging.Logger
}

// NewCatalog creates a catalog holding defs. Later definitions with the
// same name win.
func NewCatalog(defs ...*Definition) *Catalog {
	c := &Catalog{
		builtins: make(map[string]*Definition),
		defs:     make(map[string]*Definition),
		logger:   logging.New().WithComponent("specialists"),
	}
	for _, d := range defs {
		c.builtins[d.Name] = d
		c.defs[d.Name] = d
	}
	return c
}

// DefaultCatalog returns a catalog of the built-in specialists.
func DefaultCatalog() *Catalog {
	return NewCatalog(Builtins()...)
}

// Get returns the named definition.
func (c *Catalog) Get(name string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", faults.ErrUnknownSpecialist, name)
	}
	return d, nil
}

// Has reports whether name is defined.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.defs[name]
	return ok
}

// Names returns the sorted specialist names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.defs))
	for n := range c.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe returns name -> description for planning prompts.
func (c *Catalog) Describe() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.defs))
	for n, d := range c.defs {
		out[n] = d.Description
	}
	return out
}

// LoadDirs loads every *.md definition found in dirs on top of the
// built-ins. Missing directories are skipped; invalid files are logged and
// skipped. Returns the number of definitions loaded from disk.
func (c *Catalog) LoadDirs(dirs ...string) (int, error) {
	loaded := make(map[string]*Definition)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("reading specialist directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			def, err := LoadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				c.logger.Warn("skipping invalid specialist", map[string]interface{}{
					"file":  entry.Name(),
					"error": err.Error(),
				})
				continue
			}
			loaded[def.Name] = def
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs = dirs
	c.defs = make(map[string]*Definition, len(c.builtins)+len(loaded))
	for n, d := range c.builtins {
		c.defs[n] = d
	}
	for n, d := range loaded {
		c.defs[n] = d
	}
	return len(loaded), nil
}

// Watch reloads the catalog whenever a definition file in the loaded
// directories is written, created or removed. It returns once the watcher
// is installed; watching stops when ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	c.mu.RLock()
	dirs := append([]string(nil), c.dirs...)
	c.mu.RUnlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	watched := 0
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			c.logger.Warn("cannot watch specialist directory", map[string]interface{}{
				"dir":   dir,
				"error": err.Error(),
			})
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return nil
	}

	go func() {
		defer watcher.Close()
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".md") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					// Let editors finish writing before reloading.
					debounce = time.After(100 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				n, err := c.LoadDirs(dirs...)
				if err != nil {
					c.logger.Error("specialist reload failed", map[string]interface{}{"error": err.Error()})
					continue
				}
				c.logger.Info("specialists reloaded", map[string]interface{}{"custom": n})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("specialist watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return nil
}
