package actions

import (
	"context"
	"fmt"
	"sync"

	"flowline/pkg/models"
)

// CustomFunc is an in-process extension point: deployments register named
// functions at startup and reference them from action config by name.
type CustomFunc func(ctx context.Context, actx ActionContext, config map[string]any) (Result, error)

// CustomHandler dispatches custom actions to registered named functions.
type CustomHandler struct {
	mu    sync.RWMutex
	funcs map[string]CustomFunc
}

func NewCustomHandler() *CustomHandler {
	return &CustomHandler{funcs: make(map[string]CustomFunc)}
}

func (h *CustomHandler) Type() models.ActionType {
	return models.ActionCustom
}

// RegisterFunc binds a name to a function. Registering twice replaces the
// previous binding.
func (h *CustomHandler) RegisterFunc(name string, fn CustomFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs[name] = fn
}

type customConfig struct {
	Handler string         `json:"handler"`
	Params  map[string]any `json:"params"`
}

func (h *CustomHandler) Execute(ctx context.Context, action *models.TransitionAction, actx ActionContext) (Result, error) {
	var cfg customConfig
	if err := decodeConfig(action, &cfg); err != nil {
		return Result{}, err
	}
	if cfg.Handler == "" {
		return Result{}, fmt.Errorf("%w: custom action requires a handler name", ErrBadConfig)
	}

	h.mu.RLock()
	fn, ok := h.funcs[cfg.Handler]
	h.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: custom handler %q is not registered", ErrHandlerNotFound, cfg.Handler)
	}

	return fn(ctx, actx, cfg.Params)
}
