package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bt-bridge/voice-relay/metrics"
	"github.com/bt-bridge/voice-relay/shared"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// FunctionCall is the part of a response.function_call_arguments.done event
// the dispatcher needs.
type FunctionCall struct {
	Name      string
	CallID    string
	Arguments string
}

// Definition is advertised to the upstream in the session configuration.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

func (d Definition) Json() map[string]any {
	return map[string]any{
		"type":        "function",
		"name":        d.Name,
		"description": d.Description,
		"parameters":  d.Parameters,
	}
}

// unknownToolLabel stands in for names not registered, keeping the metric
// label set bounded.
const unknownToolLabel = "unknown"

type Tool interface {
	Definition() Definition
	// Call returns a JSON-serialisable result. Argument problems must wrap
	// shared.ErrInvalidToolArguments.
	Call(ctx context.Context, arguments string) (any, error)
}

// SendFunc writes one message upstream. It must not block on the caller.
type SendFunc func(msg any)

type Dispatcher struct {
	logger  shared.LoggerAdapter
	metrics *metrics.Collector

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewDispatcher(logger shared.LoggerAdapter, m *metrics.Collector) (*Dispatcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Dispatcher{
		logger:  logger.With(zap.String("component", "dispatcher")),
		metrics: m,
		tools:   make(map[string]Tool),
	}, nil
}

func (d *Dispatcher) Register(t Tool) error {
	name := t.Definition().Name
	if name == "" {
		return errors.New("tool name is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tools[name]; ok {
		return fmt.Errorf("%w: %s", shared.ErrToolAlreadyRegistered, name)
	}
	d.tools[name] = t
	d.order = append(d.order, name)
	return nil
}

func (d *Dispatcher) Handles(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tools[name]
	return ok
}

// Definitions lists registered tools in registration order, shaped for the
// session.update "tools" field.
func (d *Dispatcher) Definitions() []map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	defs := make([]map[string]any, 0, len(d.order))
	for _, name := range d.order {
		defs = append(defs, d.tools[name].Definition().Json())
	}
	return defs
}

// Dispatch runs the named tool and, on success, sends the function output
// followed by a response.create trigger. Failures are logged and returned;
// nothing is sent for them.
func (d *Dispatcher) Dispatch(ctx context.Context, call FunctionCall, send SendFunc) error {
	logger := d.logger.With(zap.String("tool", call.Name), zap.String("call_id", call.CallID))
	d.mu.RLock()
	tool, ok := d.tools[call.Name]
	d.mu.RUnlock()
	if !ok {
		logger.Warn("unknown tool requested")
		d.metrics.ToolCall(unknownToolLabel, "unknown")
		return fmt.Errorf("%w: %s", shared.ErrUnknownTool, call.Name)
	}
	result, err := callTool(ctx, tool, call.Arguments)
	if err != nil {
		logger.Error("tool call failed", err, zap.String("arguments", call.Arguments))
		switch {
		case errors.Is(err, shared.ErrInvalidToolArguments):
			d.metrics.ToolCall(call.Name, "invalid")
		case errors.Is(err, errToolPanicked):
			d.metrics.ToolCall(call.Name, "panicked")
		default:
			d.metrics.ToolCall(call.Name, "failed")
		}
		return err
	}
	output, err := sonic.MarshalString(result)
	if err != nil {
		logger.Error("marshaling tool result", err)
		d.metrics.ToolCall(call.Name, "failed")
		return fmt.Errorf("marshaling tool result: %w", err)
	}
	send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": call.CallID,
			"output":  output,
		},
	})
	send(map[string]any{"type": "response.create"})
	d.metrics.ToolCall(call.Name, "ok")
	logger.Info("tool call answered", zap.String("output", output))
	return nil
}

var errToolPanicked = errors.New("tool panicked")

// callTool turns a panicking tool into an error.
func callTool(ctx context.Context, tool Tool, arguments string) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("%w: %v", errToolPanicked, rec)
		}
	}()
	return tool.Call(ctx, arguments)
}
