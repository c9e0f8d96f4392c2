package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/policy"
	"github.com/vinayprograms/agentkit/telemetry"
	"github.com/vinayprograms/agentkit/tools"

	"github.com/vinayprograms/specpilot/internal/checkpoint"
	"github.com/vinayprograms/specpilot/internal/config"
	"github.com/vinayprograms/specpilot/internal/engine"
	"github.com/vinayprograms/specpilot/internal/events"
	"github.com/vinayprograms/specpilot/internal/executor"
	"github.com/vinayprograms/specpilot/internal/plan"
	"github.com/vinayprograms/specpilot/internal/session"
	"github.com/vinayprograms/specpilot/internal/specialist"
	"github.com/vinayprograms/specpilot/internal/supervision"
)

// runtime owns every long-lived component behind one engine.
type runtime struct {
	cfg   *config.Config
	creds *credentials.Credentials

	// Components
	provider    llm.Provider
	telem       telemetry.Exporter
	registry    *tools.Registry
	catalog     *specialist.Catalog
	sup         *supervision.Supervisor
	sessions    *session.Manager
	checkpoints *checkpoint.Store
	publisher   events.Publisher
	engine      *engine.Engine

	logger *logging.Logger

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime from configuration.
func newRuntime(cfg *config.Config, creds *credentials.Credentials) *runtime {
	return &runtime{
		cfg:    cfg,
		creds:  creds,
		logger: logging.New().WithComponent("runtime"),
	}
}

// setup initializes all runtime components. A provider already set on the
// runtime is kept.
func (rt *runtime) setup(ctx context.Context) error {
	if err := os.MkdirAll(rt.cfg.StorageDir(), 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	if rt.provider == nil {
		if err := rt.createProvider(); err != nil {
			return err
		}
	}
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	rt.setupRegistry()
	if err := rt.setupCatalog(ctx); err != nil {
		return err
	}
	if err := rt.setupSessions(); err != nil {
		return err
	}
	if err := rt.setupCheckpoints(); err != nil {
		return err
	}
	if err := rt.setupEvents(); err != nil {
		return err
	}
	rt.createEngine()

	if ok, err := rt.engine.Restore(); err != nil {
		rt.logger.Warn("could not restore previous state", map[string]interface{}{"error": err.Error()})
	} else if ok {
		rt.logger.Info("previous state restored", map[string]interface{}{
			"stage": string(rt.engine.GetState().Stage),
		})
	}
	return nil
}

// createProvider creates the LLM provider.
func (rt *runtime) createProvider() error {
	llmProvider := rt.cfg.LLM.Provider
	if llmProvider == "" {
		llmProvider = llm.InferProviderFromModel(rt.cfg.LLM.Model)
	}
	if llmProvider == "" && rt.cfg.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured")
	}

	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider:    llmProvider,
		Model:       rt.cfg.LLM.Model,
		APIKey:      rt.apiKey(llmProvider),
		MaxTokens:   rt.cfg.LLM.MaxTokens,
		BaseURL:     rt.cfg.LLM.BaseURL,
		Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(rt.cfg.LLM.Thinking)},
		RetryConfig: parseRetryConfig(rt.cfg.LLM.MaxRetries, rt.cfg.LLM.RetryBackoff),
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	rt.provider = provider
	return nil
}

// apiKey prefers the credentials file, then the configured env var.
func (rt *runtime) apiKey(provider string) string {
	if rt.creds != nil {
		if key := rt.creds.GetAPIKey(provider); key != "" {
			return key
		}
	}
	return rt.cfg.GetAPIKey()
}

// setupTelemetry creates the exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupRegistry creates the tool registry specialists draw from. Tools are
// confined to the project workspace.
func (rt *runtime) setupRegistry() {
	pol := policy.New()
	pol.Workspace = rt.cfg.WorkspaceDir()
	rt.registry = tools.NewRegistry(pol)
}

// setupCatalog loads specialist definitions and starts the hot reload
// watcher when configured.
func (rt *runtime) setupCatalog(ctx context.Context) error {
	rt.catalog = specialist.DefaultCatalog()
	if len(rt.cfg.Specialists.Paths) == 0 {
		return nil
	}

	dirs := make([]string, len(rt.cfg.Specialists.Paths))
	for i, p := range rt.cfg.Specialists.Paths {
		dirs[i] = config.ExpandPath(p)
	}
	n, err := rt.catalog.LoadDirs(dirs...)
	if err != nil {
		return err
	}
	rt.logger.Info("specialists loaded", map[string]interface{}{
		"from_disk": n,
		"names":     rt.catalog.Names(),
	})

	if rt.cfg.Specialists.Watch {
		watchCtx, cancel := context.WithCancel(ctx)
		if err := rt.catalog.Watch(watchCtx); err != nil {
			cancel()
			return fmt.Errorf("watching specialists: %w", err)
		}
		rt.addCloser(cancel)
	}
	return nil
}

// setupSessions opens the configured session backend.
func (rt *runtime) setupSessions() error {
	backend, err := openBackend(rt.cfg)
	if err != nil {
		return err
	}
	rt.sessions = session.NewManager(backend, session.Options{
		Root:       rt.cfg.WorkspaceDir(),
		Inactivity: config.Duration(rt.cfg.Storage.Inactivity, 0),
	})
	rt.addCloser(func() { rt.sessions.Close() })
	return nil
}

// openBackend opens the session backend named by storage.backend.
func openBackend(cfg *config.Config) (session.Backend, error) {
	var (
		backend session.Backend
		err     error
	)
	dir := filepath.Join(cfg.StorageDir(), "sessions")
	switch cfg.Storage.Backend {
	case "sqlite":
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating session directory: %w", err)
		}
		backend, err = session.NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	default:
		backend, err = session.NewFileStore(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return backend, nil
}

// setupCheckpoints opens the state snapshot store.
func (rt *runtime) setupCheckpoints() error {
	store, err := checkpoint.NewStore(filepath.Join(rt.cfg.StorageDir(), "state"), 0)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	rt.checkpoints = store
	return nil
}

// setupEvents connects the lifecycle event publisher. Without a NATS URL
// events are dropped.
func (rt *runtime) setupEvents() error {
	if rt.cfg.Events.NATSURL == "" {
		rt.publisher = events.Nop{}
		return nil
	}
	pub, err := events.NewNATSPublisher(rt.cfg.Events.NATSURL, rt.cfg.Events.Subject, rt.cfg.Agent.ID)
	if err != nil {
		return fmt.Errorf("connecting event publisher: %w", err)
	}
	rt.publisher = pub
	rt.addCloser(func() { pub.Close() })
	return nil
}

// createEngine wires the specialist runner, plan executor and engine.
func (rt *runtime) createEngine() {
	ec := rt.cfg.Engine
	rt.sup = supervision.New(supervision.Config{
		Timeout:      config.Duration(ec.CancelTimeout, 30*time.Second),
		PollInterval: config.Duration(ec.CancelPoll, 100*time.Millisecond),
	})

	toolExec := specialist.NewRegistryTools(rt.registry, config.Duration(ec.ToolTimeout, 0))
	runner := specialist.NewRunner(rt.provider, rt.catalog, toolExec, rt.sup, specialist.Options{
		MaxIterations: ec.MaxIterations,
		MaxRetries:    ec.MaxRetries,
		RetryInitial:  config.Duration(ec.RetryInitial, 0),
		RetryMax:      config.Duration(ec.RetryMax, 0),
		HistoryLimit:  ec.HistoryLimit,
		MaxTokens:     rt.cfg.LLM.MaxTokens,
	})

	var planner plan.Planner
	switch ec.Planner {
	case "single":
		planner = plan.StaticPlanner{Steps: []plan.Step{{Specialist: ec.Fallback}}}
	default:
		planner = plan.NewLLMPlanner(rt.provider, rt.catalog, ec.Fallback)
	}

	rt.engine = engine.New(engine.Config{
		Executor:    executor.New(planner, rt.catalog, runner),
		Sessions:    rt.sessions,
		Supervisor:  rt.sup,
		Checkpoints: rt.checkpoints,
		Events:      rt.publisher,
	})
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// close disposes the engine and runs cleanup in reverse order.
func (rt *runtime) close(ctx context.Context) {
	if rt.engine != nil {
		if err := rt.engine.Dispose(ctx); err != nil {
			rt.logger.Warn("dispose failed", map[string]interface{}{"error": err.Error()})
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// parseRetryConfig converts config values to RetryConfig.
func parseRetryConfig(maxRetries int, backoffStr string) llm.RetryConfig {
	cfg := llm.RetryConfig{
		MaxRetries: maxRetries,
	}
	if backoffStr != "" {
		if d, err := time.ParseDuration(backoffStr); err == nil {
			cfg.MaxBackoff = d
		}
	}
	return cfg
}
