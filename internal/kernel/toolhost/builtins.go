package toolhost

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/events"
	v1 "github.com/aether/aether/pkg/api/v1"
)

func nowMs() int64 {
	return time.Now().UnixMilli()
}

const sendMessageSchema = `{
	"type": "object",
	"properties": {
		"content": {"type": "string", "minLength": 1}
	},
	"required": ["content"],
	"additionalProperties": false
}`

func registerSendMessage(h *Host, deps BuiltinDeps) error {
	return h.Register(&Tool{
		Name:        "send_message",
		Description: "Send a message to the owning user's event stream.",
		Capability:  "agent.message",
		Schema:      sendMessageSchema,
		Handler: func(ctx context.Context, call Call) (interface{}, error) {
			content, _ := call.Args["content"].(string)
			deps.Bus.Emit(events.New(events.AgentLog, events.AgentStepEvent{
				PID:     call.PID,
				UID:     call.Subject.UID,
				Phase:   v1.LogSystem,
				Content: content,
			}).WithOwner(call.Subject.UID).WithPID(call.PID))
			return map[string]interface{}{"delivered": true}, nil
		},
	})
}

const memorySchema = `{
	"type": "object",
	"properties": {
		"op": {"type": "string", "enum": ["put", "get", "search", "delete"]},
		"layer": {"type": "string", "enum": ["episodic", "semantic", "procedural", "social"]},
		"content": {"type": "string"},
		"query": {"type": "string"},
		"id": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}},
		"importance": {"type": "number", "minimum": 0, "maximum": 1},
		"limit": {"type": "integer", "minimum": 1, "maximum": 100}
	},
	"required": ["op"],
	"additionalProperties": false
}`

func registerMemory(h *Host, deps BuiltinDeps) error {
	return h.Register(&Tool{
		Name:        "memory",
		Description: "Store and retrieve layered agent memories with full-text search.",
		Capability:  "mem.access",
		Schema:      memorySchema,
		Handler: func(ctx context.Context, call Call) (interface{}, error) {
			op, _ := call.Args["op"].(string)
			uid := call.Subject.UID

			switch op {
			case "put":
				layer, _ := call.Args["layer"].(string)
				content, _ := call.Args["content"].(string)
				if !v1.ValidLayer(layer) {
					return nil, apperrors.Validation(fmt.Sprintf("unknown memory layer %q", layer))
				}
				if content == "" {
					return nil, apperrors.Validation("content is required for put")
				}
				m := &v1.Memory{
					AgentUID:   uid,
					Layer:      layer,
					Content:    content,
					Importance: floatArg(call.Args, "importance", 0.5),
					Tags:       stringSlice(call.Args["tags"]),
				}
				if call.PID > 0 {
					pid := call.PID
					m.SourcePID = &pid
				}
				if err := deps.Store.InsertMemory(ctx, m); err != nil {
					return nil, err
				}
				if layerCap := deps.Config.Memory.LayerCap(layer); layerCap > 0 {
					if _, err := deps.Store.EvictLayer(ctx, uid, layer, layerCap); err != nil {
						deps.Logger.WithUID(uid).WithError(err).Error("memory eviction failed")
					}
				}
				return m, nil

			case "get":
				id, _ := call.Args["id"].(string)
				m, err := deps.Store.GetMemory(ctx, id)
				if err != nil {
					return nil, err
				}
				if err := h.acl.Require(ctx, call.Subject, "mem.access", "memory:"+m.ID, m.AgentUID); err != nil {
					return nil, err
				}
				return m, nil

			case "search":
				query, _ := call.Args["query"].(string)
				layer, _ := call.Args["layer"].(string)
				limit := intArg(call.Args, "limit", 10)
				return deps.Store.SearchMemories(ctx, uid, query, layer, limit)

			case "delete":
				id, _ := call.Args["id"].(string)
				m, err := deps.Store.GetMemory(ctx, id)
				if err != nil {
					return nil, err
				}
				if err := h.acl.Require(ctx, call.Subject, "mem.access", "memory:"+m.ID, m.AgentUID); err != nil {
					return nil, err
				}
				return nil, deps.Store.DeleteMemory(ctx, id)

			default:
				return nil, apperrors.Validation(fmt.Sprintf("unknown op %q", op))
			}
		},
	})
}

const planSchema = `{
	"type": "object",
	"properties": {
		"op": {"type": "string", "enum": ["create", "update", "get"]},
		"planId": {"type": "string"},
		"title": {"type": "string"},
		"tree": {"type": "string"},
		"status": {"type": "string", "enum": ["active", "completed", "abandoned"]}
	},
	"required": ["op"],
	"additionalProperties": false
}`

func registerPlan(h *Host, deps BuiltinDeps) error {
	return h.Register(&Tool{
		Name:        "plan",
		Description: "Create and update the structured plan for the current run.",
		Capability:  "plan.access",
		Schema:      planSchema,
		Handler: func(ctx context.Context, call Call) (interface{}, error) {
			op, _ := call.Args["op"].(string)
			uid := call.Subject.UID

			switch op {
			case "create":
				title, _ := call.Args["title"].(string)
				tree, _ := call.Args["tree"].(string)
				p := &v1.Plan{PID: call.PID, AgentUID: uid, Title: title, Tree: tree}
				if err := deps.Store.CreatePlan(ctx, p); err != nil {
					return nil, err
				}
				deps.Bus.Emit(events.New(events.PlanCreated, events.PlanEvent{
					PlanID: p.ID,
					PID:    call.PID,
					UID:    uid,
					Status: p.Status,
				}).WithOwner(uid).WithPID(call.PID))
				return p, nil

			case "update":
				id, _ := call.Args["planId"].(string)
				title, _ := call.Args["title"].(string)
				status, _ := call.Args["status"].(string)
				tree, _ := call.Args["tree"].(string)
				existing, err := deps.Store.GetPlan(ctx, id)
				if err != nil {
					return nil, err
				}
				if err := h.acl.Require(ctx, call.Subject, "plan.access", "plan:"+existing.ID, existing.AgentUID); err != nil {
					return nil, err
				}
				p, err := deps.Store.UpdatePlan(ctx, id, title, status, tree)
				if err != nil {
					return nil, err
				}
				deps.Bus.Emit(events.New(events.PlanUpdated, events.PlanEvent{
					PlanID: p.ID,
					PID:    p.PID,
					UID:    uid,
					Status: p.Status,
				}).WithOwner(uid).WithPID(call.PID))
				return p, nil

			case "get":
				id, _ := call.Args["planId"].(string)
				p, err := deps.Store.GetPlan(ctx, id)
				if err != nil {
					return nil, err
				}
				if err := h.acl.Require(ctx, call.Subject, "plan.access", "plan:"+p.ID, p.AgentUID); err != nil {
					return nil, err
				}
				return p, nil

			default:
				return nil, apperrors.Validation(fmt.Sprintf("unknown op %q", op))
			}
		},
	})
}

const kvSchema = `{
	"type": "object",
	"properties": {
		"op": {"type": "string", "enum": ["get", "put", "delete", "list"]},
		"key": {"type": "string"},
		"value": {"type": "string"},
		"prefix": {"type": "string"}
	},
	"required": ["op"],
	"additionalProperties": false
}`

func registerKV(h *Host, deps BuiltinDeps) error {
	return h.Register(&Tool{
		Name:        "kv",
		Description: "Last-write-wins key-value scratch space scoped to the agent's owner.",
		Capability:  "kv.access",
		Schema:      kvSchema,
		Handler: func(ctx context.Context, call Call) (interface{}, error) {
			op, _ := call.Args["op"].(string)
			key, _ := call.Args["key"].(string)
			uid := call.Subject.UID

			switch op {
			case "get":
				return deps.Store.KVGet(ctx, uid, key)
			case "put":
				value, _ := call.Args["value"].(string)
				if key == "" {
					return nil, apperrors.Validation("key is required for put")
				}
				if err := deps.Store.KVSet(ctx, uid, key, value); err != nil {
					return nil, err
				}
				return map[string]interface{}{"key": key}, nil
			case "delete":
				return nil, deps.Store.KVDelete(ctx, uid, key)
			case "list":
				prefix, _ := call.Args["prefix"].(string)
				return deps.Store.KVList(ctx, uid, prefix)
			default:
				return nil, apperrors.Validation(fmt.Sprintf("unknown op %q", op))
			}
		},
	})
}

const forwarderSchema = `{
	"type": "object",
	"additionalProperties": true
}`

// registerSandboxForwarders installs run_command and browser. Without a
// configured sandbox broker they return an unavailable observation so
// the loop keeps going.
func registerSandboxForwarders(h *Host, deps BuiltinDeps) error {
	for _, spec := range []struct{ name, desc, cap string }{
		{"run_command", "Execute a shell command inside the agent sandbox.", "sandbox.exec"},
		{"browser", "Drive a sandboxed browser session.", "sandbox.browser"},
	} {
		name := spec.name
		err := h.Register(&Tool{
			Name:        name,
			Description: spec.desc,
			Capability:  spec.cap,
			Schema:      forwarderSchema,
			Handler: func(ctx context.Context, call Call) (interface{}, error) {
				return map[string]interface{}{
					"available": false,
					"tool":      name,
					"reason":    "sandbox broker unavailable",
				}, nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func floatArg(args map[string]interface{}, key string, def float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return def
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
