package continuation

import (
	"time"

	"go.uber.org/zap"
)

type EngineOption func(engine *Engine)

func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

func WithEnginePluginManager(pluginManager *PluginManager) EngineOption {
	return func(engine *Engine) {
		engine.pluginManager = pluginManager
	}
}

// WithUnknownWorkflowCooldown sets how long a job whose workflow kind is not
// registered on this node stays invisible before another node may take it.
func WithUnknownWorkflowCooldown(d time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.unknownWorkflowCooldown = d
	}
}

// WithEngineStepTimeout bounds a single RunStep call. Zero disables the limit.
func WithEngineStepTimeout(d time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.stepTimeout = d
	}
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.now = now
	}
}
