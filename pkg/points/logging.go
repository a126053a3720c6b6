package points

import "context"

// OperationLogger records domain-level events emitted by Engine operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing points operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	Source    Source
	Delta     Points
	Balance   Points
	Tier      Tier
	Reference Reference
	Status    string
	Error     error
}

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithAccountCache wires a snapshot cache refreshed after every committed accrual.
func WithAccountCache(cache AccountCache) EngineOption {
	return func(engine *Engine) {
		engine.cache = cache
	}
}

func (engine *Engine) logOperation(ctx context.Context, entry OperationLog) {
	if engine.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	engine.logger.LogOperation(ctx, entry)
}
