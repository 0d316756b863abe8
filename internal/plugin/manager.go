package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"wooster/internal/config"
	"wooster/internal/registry"
	"wooster/internal/scheduler"
	"wooster/internal/wlog"
)

// loadedPlugin pairs an instantiated Plugin with its bookkeeping.
type loadedPlugin struct {
	plugin     Plugin
	descriptor Descriptor
}

// Manager implements discovery, validation, deterministic init order,
// scheduled-task wiring, and reverse-order shutdown for a static set of
// plugins (spec.md §4.6).
type Manager struct {
	mu           sync.Mutex
	cfg          *config.View
	svc          *registry.Registry
	sched        *scheduler.Scheduler
	logger       *slog.Logger
	plugins      []*loadedPlugin // in deterministic (lexicographic) load order
	seenTaskKeys map[string]bool
}

// New constructs a Manager. cfg and services must already exist; sched may
// be nil if no plugin needs scheduled-task wiring (tests, tool-only setups).
func New(cfg *config.View, services *registry.Registry, sched *scheduler.Scheduler, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		svc:          services,
		sched:        sched,
		logger:       wlog.Default(logger).With("component", "plugin_manager"),
		seenTaskKeys: make(map[string]bool),
	}
}

// Load discovers plugins from factories, rejecting duplicate canonical
// names and explicitly-disabled plugins (spec.md §4.6 "Discovery and
// validation"). Loading happens in lexicographic order by the factory map
// key so that Initialize below observes a stable, deterministic sequence —
// there is no dependency graph to resolve, so the manager does not attempt
// one; plugins obtain peer services just-in-time via the Registry instead.
func (m *Manager) Load(factories map[string]Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(factories))
	for k := range factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]bool)
	for _, key := range keys {
		p := factories[key]()
		if p == nil {
			m.logger.Warn("plugin factory returned nil, skipping", "key", key)
			continue
		}
		name := p.CanonicalName()
		if name == "" {
			m.logger.Warn("plugin has no canonical name, skipping", "key", key)
			continue
		}
		if seen[name] {
			m.logger.Warn("duplicate canonical plugin name, skipping", "name", name)
			continue
		}
		enabled := m.cfg == nil || m.cfg.PluginEnabled(name)
		if !enabled {
			m.logger.Info("plugin disabled by configuration, skipping", "name", name)
			continue
		}
		seen[name] = true
		m.plugins = append(m.plugins, &loadedPlugin{
			plugin: p,
			descriptor: Descriptor{
				CanonicalName:  name,
				Version:        p.Version(),
				Description:    p.PluginDescription(),
				Enabled:        true,
				LifecycleState: Discovered,
			},
		})
	}

	sort.Slice(m.plugins, func(i, j int) bool {
		return m.plugins[i].descriptor.CanonicalName < m.plugins[j].descriptor.CanonicalName
	})
	return nil
}

// Initialize calls Initialize on every loaded plugin that implements
// Initializer, in load order. A plugin whose Initialize fails is marked
// Failed and skipped for tool/schedule collection; other plugins continue
// (spec.md §4.6 "On failure of any plugin's initialize, that plugin is
// marked failed; other plugins continue").
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lp := range m.plugins {
		init, ok := lp.plugin.(Initializer)
		if !ok {
			lp.descriptor.LifecycleState = Initialized
			continue
		}
		if err := init.Initialize(ctx, m.cfg, m.svc); err != nil {
			lp.descriptor.LifecycleState = Failed
			m.logger.Error("plugin initialize failed", "name", lp.descriptor.CanonicalName, "error", err)
			continue
		}
		lp.descriptor.LifecycleState = Initialized
	}
	return nil
}

// Descriptors returns a snapshot of every loaded plugin's bookkeeping, in
// load order.
func (m *Manager) Descriptors() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, len(m.plugins))
	for i, lp := range m.plugins {
		out[i] = lp.descriptor
	}
	return out
}

// Tools collects every initialized plugin's agent tools, in load order,
// resolving name collisions per spec.md §3: core-provided tools (named in
// coreNames) always win over plugin-provided tools, and among plugins the
// earlier-loaded one wins.
func (m *Manager) Tools(coreNames map[string]bool) []ToolDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	claimed := make(map[string]bool, len(coreNames))
	for name := range coreNames {
		claimed[name] = true
	}

	var out []ToolDescriptor
	for _, lp := range m.plugins {
		if lp.descriptor.LifecycleState != Initialized {
			continue
		}
		provider, ok := lp.plugin.(ToolProvider)
		if !ok {
			continue
		}
		for _, t := range provider.GetAgentTools() {
			if claimed[t.Name] {
				m.logger.Debug("tool name collision, earlier registration wins", "tool", t.Name, "plugin", lp.descriptor.CanonicalName)
				continue
			}
			claimed[t.Name] = true
			out = append(out, t)
		}
	}
	return out
}

// WireScheduledTasks collects every initialized plugin's scheduled-task
// declarations and, for each task_key seen for the first time, asks the
// Scheduler to create the corresponding schedule if one doesn't already
// exist. The plugin-provided handler is always (re-)registered with
// RegisterDirectHandler regardless of whether the schedule already existed
// (spec.md §4.6 "Scheduled-task declarations").
func (m *Manager) WireScheduledTasks(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sched == nil {
		return fmt.Errorf("plugin manager: no scheduler configured, cannot wire scheduled tasks")
	}

	for _, lp := range m.plugins {
		if lp.descriptor.LifecycleState != Initialized {
			continue
		}
		provider, ok := lp.plugin.(ScheduledTaskProvider)
		if !ok {
			continue
		}
		for _, setup := range provider.GetScheduledTaskSetups() {
			if !setup.IsEnabledByPlugin {
				continue
			}
			m.sched.RegisterDirectHandler(setup.TaskKey, setup.FunctionToExecute)

			if m.seenTaskKeys[setup.TaskKey] {
				continue
			}
			m.seenTaskKeys[setup.TaskKey] = true

			expr := setup.EffectiveScheduleExpression
			if expr == "" {
				expr = setup.DefaultScheduleExpression
			}
			if _, found, err := m.sched.GetByKey(ctx, setup.TaskKey); err != nil {
				return fmt.Errorf("wire scheduled task %s: %w", setup.TaskKey, err)
			} else if found {
				continue
			}

			item := scheduler.ScheduleItem{
				Description:        setup.Description,
				ScheduleExpression: expr,
				Payload:            setup.InitialPayload,
				TaskKey:            setup.TaskKey,
				HandlerType:        scheduler.DirectHandler,
				ExecutionPolicy:    setup.ExecutionPolicy,
			}
			if _, err := m.sched.Create(ctx, item); err != nil {
				return fmt.Errorf("create schedule for task %s: %w", setup.TaskKey, err)
			}
		}
	}
	return nil
}

// Shutdown calls Shutdown on every plugin that implements Shutdowner, in
// reverse load order. Errors are logged, not propagated, so one plugin's
// failed shutdown never blocks the rest (spec.md §4.6 "Shutdown").
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.plugins) - 1; i >= 0; i-- {
		lp := m.plugins[i]
		sd, ok := lp.plugin.(Shutdowner)
		if !ok {
			lp.descriptor.LifecycleState = ShutDown
			continue
		}
		if err := sd.Shutdown(ctx); err != nil {
			m.logger.Error("plugin shutdown failed", "name", lp.descriptor.CanonicalName, "error", err)
		}
		lp.descriptor.LifecycleState = ShutDown
	}
}
