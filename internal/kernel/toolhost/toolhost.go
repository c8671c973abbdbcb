// Package toolhost registers named tools and dispatches agent tool calls
// under schema validation, permission checks, and per-call timeouts.
package toolhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/aether/aether/internal/acl"
	"github.com/aether/aether/internal/common/config"
	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/store"
	"github.com/aether/aether/internal/tracing"
)

// Call carries one tool invocation from an agent loop.
type Call struct {
	PID     int
	Subject acl.Subject
	Args    map[string]interface{}
}

// Handler executes a validated tool call and returns a JSON-serializable
// result.
type Handler func(ctx context.Context, call Call) (interface{}, error)

// Tool is one registry entry.
type Tool struct {
	Name        string
	Description string
	Capability  string // permission action consulted before dispatch
	Schema      string // JSON Schema for the arguments object
	Handler     Handler

	compiled *jsonschema.Schema
}

// Spec is the tool surface advertised to the reasoning step.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Host is the tool registry and dispatcher.
type Host struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	acl    *acl.Engine
	logger *logger.Logger

	timeout time.Duration
}

// New builds an empty host. Builtin tools are registered by
// RegisterBuiltins.
func New(cfg config.KernelConfig, engine *acl.Engine, log *logger.Logger) *Host {
	timeout := time.Duration(cfg.ToolTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Host{
		tools:   make(map[string]*Tool),
		acl:     engine,
		logger:  log.WithFields(zap.String("component", "toolhost")),
		timeout: timeout,
	}
}

// Register adds a tool, compiling its argument schema.
func (h *Host) Register(t *Tool) error {
	if t.Schema != "" {
		var doc interface{}
		if err := json.Unmarshal([]byte(t.Schema), &doc); err != nil {
			return fmt.Errorf("tool %s: schema is not valid JSON: %w", t.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		resource := t.Name + ".schema.json"
		if err := compiler.AddResource(resource, doc); err != nil {
			return fmt.Errorf("tool %s: %w", t.Name, err)
		}
		compiled, err := compiler.Compile(resource)
		if err != nil {
			return fmt.Errorf("tool %s: schema compile failed: %w", t.Name, err)
		}
		t.compiled = compiled
	}
	if t.Capability == "" {
		t.Capability = "tool." + t.Name
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.tools[t.Name]; exists {
		return apperrors.Conflict(fmt.Sprintf("tool %s is already registered", t.Name))
	}
	h.tools[t.Name] = t
	return nil
}

// Specs returns the advertised tool surface, sorted by name.
func (h *Host) Specs() []Spec {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Spec, 0, len(h.tools))
	for _, t := range h.tools {
		out = append(out, Spec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      json.RawMessage(t.Schema),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch validates and runs one tool call. Timeouts and handler
// failures come back as typed errors; the agent loop records them as
// observations instead of dying.
func (h *Host) Dispatch(ctx context.Context, name string, call Call) (interface{}, error) {
	ctx, span := tracing.Tracer("toolhost").Start(ctx, "tool.dispatch")
	span.SetAttributes(
		attribute.String("tool", name),
		attribute.Int("pid", call.PID),
	)
	defer span.End()

	h.mu.RLock()
	t, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, apperrors.ToolNotFound(name)
	}

	if t.compiled != nil {
		// Round-trip through JSON so numbers and nested maps match what
		// the validator expects.
		raw, err := json.Marshal(call.Args)
		if err != nil {
			return nil, apperrors.Validation(err.Error())
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, apperrors.Validation(err.Error())
		}
		if err := t.compiled.Validate(doc); err != nil {
			return nil, apperrors.Validation(err.Error())
		}
	}

	if err := h.acl.Require(ctx, call.Subject, t.Capability, "tool:"+name, call.Subject.UID); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: apperrors.ToolExecution(fmt.Errorf("panic: %v", r))}
			}
		}()
		result, err := t.Handler(callCtx, call)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded {
			h.logger.WithPID(call.PID).Warn("tool call timed out",
				zap.String("tool", name), zap.Duration("timeout", h.timeout))
			return nil, apperrors.ToolTimeout(h.timeout.Milliseconds())
		}
		return nil, callCtx.Err()
	case out := <-done:
		if out.err != nil {
			if apperrors.CodeOf(out.err) != apperrors.ErrCodeInternal {
				return nil, out.err
			}
			return nil, apperrors.ToolExecution(out.err)
		}
		return out.result, nil
	}
}

// BuiltinDeps are the kernel handles the builtin tools close over.
type BuiltinDeps struct {
	Store  *store.Store
	Bus    bus.Bus
	Config *config.Config
	Logger *logger.Logger
}

// RegisterBuiltins installs the standard tool set.
func (h *Host) RegisterBuiltins(deps BuiltinDeps) error {
	register := []func(*Host, BuiltinDeps) error{
		registerFilesystem,
		registerSendMessage,
		registerMemory,
		registerPlan,
		registerKV,
		registerSandboxForwarders,
	}
	for _, fn := range register {
		if err := fn(h, deps); err != nil {
			return err
		}
	}
	return nil
}
