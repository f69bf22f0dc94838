package continuation

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type PluginPriority int

const (
	PriorityLow    PluginPriority = 0
	PriorityNormal PluginPriority = 50
	PriorityHigh   PluginPriority = 100
)

// Plugin observes the lifecycle of workflow instances. Hook errors are logged
// and never change the outcome of a step.
type Plugin interface {
	Name() string
	// Priority determines execution order (higher = earlier)
	Priority() PluginPriority

	OnWorkflowStart(ctx context.Context, payload *Payload) error
	OnWorkflowComplete(ctx context.Context, payload *Payload) error
	OnWorkflowFailed(ctx context.Context, payload *Payload, result Result) error
	OnStepStart(ctx context.Context, payload *Payload) error
	OnStepComplete(ctx context.Context, payload *Payload, result Result) error
	OnStepFailed(ctx context.Context, payload *Payload, result Result) error
}

// BasePlugin provides default no-op implementations
type BasePlugin struct {
	name     string
	priority PluginPriority
}

func NewBasePlugin(name string, priority PluginPriority) BasePlugin {
	return BasePlugin{name: name, priority: priority}
}

func (p BasePlugin) Name() string                                      { return p.name }
func (p BasePlugin) Priority() PluginPriority                          { return p.priority }
func (p BasePlugin) OnWorkflowStart(context.Context, *Payload) error    { return nil }
func (p BasePlugin) OnWorkflowComplete(context.Context, *Payload) error { return nil }
func (p BasePlugin) OnWorkflowFailed(context.Context, *Payload, Result) error {
	return nil
}
func (p BasePlugin) OnStepStart(context.Context, *Payload) error { return nil }
func (p BasePlugin) OnStepComplete(context.Context, *Payload, Result) error {
	return nil
}
func (p BasePlugin) OnStepFailed(context.Context, *Payload, Result) error {
	return nil
}

type PluginManager struct {
	plugins []Plugin
	logger  *zap.Logger
	mu      sync.RWMutex
}

func NewPluginManager(logger *zap.Logger) *PluginManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PluginManager{
		plugins: make([]Plugin, 0),
		logger:  logger,
	}
}

func (pm *PluginManager) Register(plugin Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.plugins = append(pm.plugins, plugin)

	sort.SliceStable(pm.plugins, func(i, j int) bool {
		return pm.plugins[i].Priority() > pm.plugins[j].Priority()
	})
}

func (pm *PluginManager) Plugins() []Plugin {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return append([]Plugin(nil), pm.plugins...)
}

func (pm *PluginManager) each(hook string, payload *Payload, fn func(Plugin) error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, plugin := range pm.plugins {
		if err := fn(plugin); err != nil {
			pm.logger.Error("plugin hook failed",
				zap.String("plugin", plugin.Name()),
				zap.String("hook", hook),
				zap.String("workflow", payload.Kind),
				zap.String("operation_id", payload.ID),
				zap.Error(err),
			)
		}
	}
}

func (pm *PluginManager) ExecuteWorkflowStart(ctx context.Context, payload *Payload) {
	pm.each("workflow_start", payload, func(p Plugin) error { return p.OnWorkflowStart(ctx, payload) })
}

func (pm *PluginManager) ExecuteWorkflowComplete(ctx context.Context, payload *Payload) {
	pm.each("workflow_complete", payload, func(p Plugin) error { return p.OnWorkflowComplete(ctx, payload) })
}

func (pm *PluginManager) ExecuteWorkflowFailed(ctx context.Context, payload *Payload, result Result) {
	pm.each("workflow_failed", payload, func(p Plugin) error { return p.OnWorkflowFailed(ctx, payload, result) })
}

func (pm *PluginManager) ExecuteStepStart(ctx context.Context, payload *Payload) {
	pm.each("step_start", payload, func(p Plugin) error { return p.OnStepStart(ctx, payload) })
}

func (pm *PluginManager) ExecuteStepComplete(ctx context.Context, payload *Payload, result Result) {
	pm.each("step_complete", payload, func(p Plugin) error { return p.OnStepComplete(ctx, payload, result) })
}

func (pm *PluginManager) ExecuteStepFailed(ctx context.Context, payload *Payload, result Result) {
	pm.each("step_failed", payload, func(p Plugin) error { return p.OnStepFailed(ctx, payload, result) })
}
