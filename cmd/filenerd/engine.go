package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"filenerd/internal/agent"
	"filenerd/internal/config"
	"filenerd/internal/events"
	"filenerd/internal/fileops"
	"filenerd/internal/inference"
	"filenerd/internal/journal"
	"filenerd/internal/pipeline"
	"filenerd/internal/store"
	"filenerd/internal/sysmon"
)

// loadConfig reads the workspace config, honoring --config.
func loadConfig(ws string) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	logger.Debug("config loaded", zap.String("path", path))
	return cfg, nil
}

func openCatalog(cfg *config.Config, ws string) (*store.Catalog, error) {
	return store.New(cfg.Store.ResolvePath(ws))
}

func openJournal(cfg *config.Config, ws string) (*journal.Store, error) {
	return journal.New(cfg.Journal.ResolvePath(ws))
}

// engine is the full analysis stack: dispatcher, system monitor,
// inference client, agent manager, and the catalog the manager sinks
// suggestions into. Commands that only touch storage or the journal
// build those directly instead.
type engine struct {
	cfg     *config.Config
	disp    *events.Dispatcher
	monitor *sysmon.Monitor
	client  *inference.Client
	manager *agent.Manager
	catalog *store.Catalog
	watcher *config.Watcher
}

// startEngine wires and starts the stack in dependency order. On error
// everything already started is torn down.
func startEngine(ctx context.Context, cfg *config.Config, ws string) (*engine, error) {
	disp := events.NewDispatcher()
	disp.Start()
	disp.Subscribe(events.LogSubscriber())

	monitor := sysmon.New(sysmon.NewSampler(), monitorOptions(cfg), disp)
	if err := monitor.Start(ctx); err != nil {
		disp.Stop()
		return nil, fmt.Errorf("failed to start system monitor: %w", err)
	}

	catalog, err := openCatalog(cfg, ws)
	if err != nil {
		monitor.Stop()
		disp.Stop()
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	client := inference.New(inferenceConfig(cfg))
	manager := agent.New(agentConfig(cfg), monitor, client, disp)
	manager.SetSuggestionSink(catalog)
	if err := manager.Start(); err != nil {
		catalog.Close()
		monitor.Stop()
		disp.Stop()
		return nil, fmt.Errorf("failed to start agent manager: %w", err)
	}

	// Config edits apply live while the engine runs. The watcher follows
	// the default path, so --config overrides run without hot reload. A
	// watcher failure is not fatal; the engine just keeps its boot config.
	var watcher *config.Watcher
	if configPath == "" {
		watcher, err = config.NewWatcher(ws)
		if err != nil {
			logger.Warn("config hot reload unavailable", zap.Error(err))
			watcher = nil
		} else {
			watcher.OnChange(func(next *config.Config) {
				if err := manager.UpdateConfig(agentConfig(next)); err != nil {
					logger.Warn("rejected config update", zap.Error(err))
					return
				}
				logger.Info("applied config update",
					zap.Int("slots", manager.TotalSlots()))
			})
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("config hot reload unavailable", zap.Error(err))
				watcher.Stop()
				watcher = nil
			}
		}
	}

	logger.Debug("engine started",
		zap.String("endpoint", client.Endpoint()),
		zap.Int("slots", manager.TotalSlots()))

	return &engine{
		cfg:     cfg,
		disp:    disp,
		monitor: monitor,
		client:  client,
		manager: manager,
		catalog: catalog,
		watcher: watcher,
	}, nil
}

// stop tears the stack down in reverse order.
func (e *engine) stop() {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if err := e.manager.Stop(); err != nil {
		logger.Warn("agent manager stop", zap.Error(err))
	}
	e.monitor.Stop()
	e.disp.Stop()
	if err := e.catalog.Close(); err != nil {
		logger.Warn("catalog close", zap.Error(err))
	}
}

// =============================================================================
// CONFIG MAPPERS
// =============================================================================

func agentConfig(cfg *config.Config) agent.Config {
	a := cfg.Agent
	return agent.Config{
		MaxConcurrentSlots:   a.MaxConcurrentSlots,
		SafetyFactor:         a.SafetyFactor,
		DefaultTaskTimeout:   a.TaskTimeout(),
		HealthCheckInterval:  a.HealthCheckInterval(),
		RecomputeInterval:    a.SlotRecomputeInterval(),
		DefaultMaxRetries:    a.MaxRetries,
		SoftThreshold:        a.SoftThreshold,
		HardThreshold:        a.HardThreshold,
		CriticalThreshold:    a.CriticalThreshold,
		EmergencyStopEnabled: a.EmergencyStopEnabled,
		MaxAnalysisReadBytes: int64(a.MaxAnalysisReadBytes),
	}
}

func monitorOptions(cfg *config.Config) sysmon.Options {
	return sysmon.Options{
		Interval:       cfg.Monitor.SampleInterval(),
		StressInterval: cfg.Monitor.StressSampleInterval(),
		OSReserved:     cfg.Agent.OSReservedBytes(),
		SoftThreshold:  cfg.Agent.SoftThreshold,
	}
}

func inferenceConfig(cfg *config.Config) inference.Config {
	return inference.Config{
		Endpoint: cfg.Inference.Endpoint,
		Model:    cfg.Inference.Model,
		Timeout:  cfg.Inference.GetRequestTimeout(),
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	p := cfg.Pipeline
	return pipeline.Config{
		MinConfidence:      p.MinConfidence,
		MaxBatchSize:       p.MaxBatchSize,
		SelectiveBatchSize: p.SelectiveBatchSize,
		GroupBy:            pipeline.GroupMode(p.GroupBy),
		FailureRateLimit:   p.FailureRateLimit,
		RetryBackoffBase:   time.Second,
	}
}

// newTransactionManager builds the journaled transaction manager the
// apply path executes through.
func newTransactionManager(cfg *config.Config, ws string, j *journal.Store) *fileops.Manager {
	return fileops.NewManager(cfg.Backups.ResolveDir(ws), j)
}
