package gateway

import (
	"context"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/kernel/toolhost"
	"github.com/aether/aether/pkg/ws"
)

// tool forwards a gateway command to a builtin tool. The tool host
// applies schema validation and the capability permission check, so
// clients and agents go through the same guardrails.
func (g *Gateway) tool(ctx context.Context, caller ws.Caller, name string, args map[string]interface{}) (interface{}, error) {
	return g.kernel.Host.Dispatch(ctx, name, toolhost.Call{
		Subject: subject(caller),
		Args:    args,
	})
}

type fsPayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (g *Gateway) registerDataCommands() {
	g.dispatcher.RegisterFunc(ws.CmdFsLs, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p fsPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		listing, err := g.tool(ctx, caller, "filesystem", map[string]interface{}{"op": "ls", "path": p.Path})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"entries": listing}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdFsRead, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p fsPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		content, err := g.tool(ctx, caller, "filesystem", map[string]interface{}{"op": "read", "path": p.Path})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"path": p.Path, "content": content}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdFsWrite, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p fsPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		return g.tool(ctx, caller, "filesystem", map[string]interface{}{
			"op": "write", "path": p.Path, "content": p.Content,
		})
	})

	g.registerMemoryCommands()
	g.registerPlanCommands()
	g.registerKVCommands()
}

type memPayload struct {
	ID         string   `json:"id"`
	Layer      string   `json:"layer"`
	Content    string   `json:"content"`
	Query      string   `json:"query"`
	Tags       []string `json:"tags"`
	Importance *float64 `json:"importance"`
	Limit      int      `json:"limit"`
}

// requireMemoryOwner guards by-id memory access across owners.
func (g *Gateway) requireMemoryOwner(ctx context.Context, caller ws.Caller, id string) error {
	m, err := g.store.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	return g.authorize(ctx, caller, "mem.access", "memory:"+id, m.AgentUID)
}

func (g *Gateway) registerMemoryCommands() {
	g.dispatcher.RegisterFunc(ws.CmdMemPut, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p memPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		args := map[string]interface{}{"op": "put", "layer": p.Layer, "content": p.Content}
		if p.Importance != nil {
			args["importance"] = *p.Importance
		}
		if len(p.Tags) > 0 {
			tags := make([]interface{}, len(p.Tags))
			for i, t := range p.Tags {
				tags[i] = t
			}
			args["tags"] = tags
		}
		return g.tool(ctx, caller, "memory", args)
	})

	g.dispatcher.RegisterFunc(ws.CmdMemGet, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p memPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireMemoryOwner(ctx, caller, p.ID); err != nil {
			return nil, err
		}
		return g.store.GetMemory(ctx, p.ID)
	})

	g.dispatcher.RegisterFunc(ws.CmdMemSearch, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p memPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		args := map[string]interface{}{"op": "search", "query": p.Query}
		if p.Layer != "" {
			args["layer"] = p.Layer
		}
		if p.Limit > 0 {
			args["limit"] = p.Limit
		}
		memories, err := g.tool(ctx, caller, "memory", args)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"memories": memories}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdMemDelete, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p memPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireMemoryOwner(ctx, caller, p.ID); err != nil {
			return nil, err
		}
		if err := g.store.DeleteMemory(ctx, p.ID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": p.ID}, nil
	})
}

type planPayload struct {
	PlanID string `json:"planId"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Tree   string `json:"tree"`
}

func (g *Gateway) registerPlanCommands() {
	g.dispatcher.RegisterFunc(ws.CmdPlanGet, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p planPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		plan, err := g.store.GetPlan(ctx, p.PlanID)
		if err != nil {
			return nil, err
		}
		if err := g.authorize(ctx, caller, ws.CmdPlanGet, "plan:"+plan.ID, plan.AgentUID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"plan": plan}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdPlanUpdate, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p planPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		plan, err := g.store.GetPlan(ctx, p.PlanID)
		if err != nil {
			return nil, err
		}
		if err := g.authorize(ctx, caller, ws.CmdPlanUpdate, "plan:"+plan.ID, plan.AgentUID); err != nil {
			return nil, err
		}
		return g.tool(ctx, caller, "plan", map[string]interface{}{
			"op": "update", "planId": p.PlanID,
			"title": p.Title, "status": p.Status, "tree": p.Tree,
		})
	})
}

type kvPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (g *Gateway) registerKVCommands() {
	g.dispatcher.RegisterFunc(ws.CmdKVGet, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p kvPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		return g.tool(ctx, caller, "kv", map[string]interface{}{"op": "get", "key": p.Key})
	})

	g.dispatcher.RegisterFunc(ws.CmdKVPut, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p kvPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if p.Key == "" {
			return nil, apperrors.Validation("key is required")
		}
		return g.tool(ctx, caller, "kv", map[string]interface{}{
			"op": "put", "key": p.Key, "value": p.Value,
		})
	})

	g.dispatcher.RegisterFunc(ws.CmdKVDelete, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p kvPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.tool(ctx, caller, "kv", map[string]interface{}{"op": "delete", "key": p.Key}); err != nil {
			return nil, err
		}
		return map[string]interface{}{"key": p.Key}, nil
	})
}
