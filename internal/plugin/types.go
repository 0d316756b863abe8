// Package plugin implements the Plugin Manager (spec.md §4.6): discovery,
// validation, deterministic initialization, tool/scheduled-task collection,
// and reverse-order shutdown of statically-registered plugins.
//
// Unlike the teacher's config-driven, dynamically-typed ingester factories,
// Wooster plugins are compiled in: each plugin package exposes a
// `NewFactory() plugin.Factory`, and a bootstrap package (cmd/woosterd)
// builds the Factories map explicitly by importing the plugins it wants —
// there is no filesystem plugin root to scan at runtime.
package plugin

import (
	"context"
	"encoding/json"
	"errors"

	"wooster/internal/config"
	"wooster/internal/registry"
	"wooster/internal/scheduler"
)

// LifecycleState tracks a plugin's progress through discovery,
// initialization, and shutdown (spec.md §3 Plugin Descriptor).
type LifecycleState string

const (
	Discovered  LifecycleState = "discovered"
	Initialized LifecycleState = "initialized"
	Failed      LifecycleState = "failed"
	ShutDown    LifecycleState = "shut_down"
)

// ToolDescriptor is one agent-callable tool a plugin contributes
// (spec.md §3 Tool Descriptor).
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Execute     func(ctx context.Context, args json.RawMessage) (any, error)
}

// ScheduledTaskSetup is one scheduled-task declaration a plugin contributes
// (spec.md §4.6 "Scheduled-task declarations").
type ScheduledTaskSetup struct {
	TaskKey                     string
	Description                 string
	DefaultScheduleExpression   string
	EffectiveScheduleExpression string
	IsEnabledByPlugin           bool
	FunctionToExecute           scheduler.Handler
	ExecutionPolicy             scheduler.ExecutionPolicy
	InitialPayload              []byte
}

// Plugin is the minimal surface every plugin must implement. The optional
// lifecycle hooks (Initializer, Shutdowner, ToolProvider,
// ScheduledTaskProvider) are detected via type assertion, matching the
// distilled spec's "optional initialize/shutdown/getAgentTools/
// getScheduledTaskSetups" shape without requiring every plugin to stub out
// methods it doesn't need.
type Plugin interface {
	CanonicalName() string
	Version() string
	PluginDescription() string
}

// Initializer is implemented by plugins with setup work to do once peer
// services are registered.
type Initializer interface {
	Initialize(ctx context.Context, cfg *config.View, services *registry.Registry) error
}

// Shutdowner is implemented by plugins with cleanup work to do.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ToolProvider is implemented by plugins that contribute agent tools.
type ToolProvider interface {
	GetAgentTools() []ToolDescriptor
}

// ScheduledTaskProvider is implemented by plugins that contribute
// scheduled-task declarations.
type ScheduledTaskProvider interface {
	GetScheduledTaskSetups() []ScheduledTaskSetup
}

// Factory constructs one Plugin instance. Plugins are stateless to
// construct; all setup work belongs in Initialize.
type Factory func() Plugin

// Descriptor is the Plugin Manager's bookkeeping record for one loaded
// plugin (spec.md §3 Plugin Descriptor).
type Descriptor struct {
	CanonicalName  string
	Version        string
	Description    string
	Enabled        bool
	LifecycleState LifecycleState
}

var (
	ErrPluginLoadFailed  = errors.New("plugin: load failed")
	ErrDuplicateName     = errors.New("plugin: duplicate canonical name")
	ErrToolNameCollision = errors.New("plugin: tool name already claimed")
)
