package gateway

import (
	"context"
	"fmt"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
	"github.com/aether/aether/pkg/ws"
)

type spawnPayload struct {
	Name     string            `json:"name"`
	Role     string            `json:"role"`
	Goal     string            `json:"goal"`
	MaxSteps int               `json:"maxSteps"`
	Env      map[string]string `json:"env"`
}

type pidPayload struct {
	PID int `json:"pid"`
}

type historyPayload struct {
	PID     int   `json:"pid"`
	AfterID int64 `json:"afterId"`
	Limit   int   `json:"limit"`
}

type snapshotPayload struct {
	PID         int    `json:"pid"`
	Description string `json:"description"`
}

func processResource(pid int) string {
	return fmt.Sprintf("process:%d", pid)
}

// resolveProcess loads the process and checks the caller may act on it.
func (g *Gateway) resolveProcess(ctx context.Context, caller ws.Caller, action string, pid int) (*v1.ProcessInfo, error) {
	info, err := g.kernel.Table.Get(pid)
	if err != nil {
		// Reaped processes survive in the store for history queries.
		info, err = g.store.GetProcess(ctx, pid)
		if err != nil {
			return nil, err
		}
	}
	if err := g.authorize(ctx, caller, action, processResource(pid), info.UID); err != nil {
		return nil, err
	}
	return info, nil
}

func (g *Gateway) registerProcessCommands() {
	g.dispatcher.RegisterFunc(ws.CmdProcessSpawn, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p spawnPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if p.Goal == "" {
			return nil, apperrors.Validation("goal is required")
		}
		if err := g.authorize(ctx, caller, ws.CmdProcessSpawn, "process", caller.UserID); err != nil {
			return nil, err
		}
		info, err := g.kernel.SpawnAgent(ctx, caller.UserID, v1.AgentConfig{
			Name:     p.Name,
			Role:     p.Role,
			Goal:     p.Goal,
			MaxSteps: p.MaxSteps,
			Env:      p.Env,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"process": info}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdProcessKill, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p pidPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.resolveProcess(ctx, caller, ws.CmdProcessKill, p.PID); err != nil {
			return nil, err
		}
		if err := g.kernel.Loops.Kill(ctx, p.PID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"pid": p.PID}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdProcessList, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		uid := caller.UserID
		if caller.IsAdmin() {
			uid = ""
		}
		return map[string]interface{}{"processes": g.kernel.Table.List(uid)}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdProcessGet, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p pidPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		info, err := g.resolveProcess(ctx, caller, ws.CmdProcessGet, p.PID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"process": info}, nil
	})

	history := func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p historyPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.resolveProcess(ctx, caller, ws.CmdProcessHistory, p.PID); err != nil {
			return nil, err
		}
		limit := p.Limit
		if limit <= 0 {
			limit = 100
		}
		logs, err := g.store.ListAgentLogs(ctx, p.PID, p.AfterID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"logs": logs}, nil
	}
	g.dispatcher.RegisterFunc(ws.CmdProcessHistory, history)

	g.dispatcher.RegisterFunc(ws.CmdProcessSnapshot, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p snapshotPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.resolveProcess(ctx, caller, ws.CmdProcessSnapshot, p.PID); err != nil {
			return nil, err
		}
		snap, err := g.kernel.Snapshot(ctx, p.PID, p.Description)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"snapshot": snap}, nil
	})
}

type messagePayload struct {
	PID  int    `json:"pid"`
	Text string `json:"text"`
}

func (g *Gateway) registerAgentCommands() {
	g.dispatcher.RegisterFunc(ws.CmdAgentPause, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p pidPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.resolveProcess(ctx, caller, ws.CmdAgentPause, p.PID); err != nil {
			return nil, err
		}
		if err := g.kernel.Loops.Pause(ctx, p.PID, caller.Username); err != nil {
			return nil, err
		}
		return map[string]interface{}{"pid": p.PID, "state": v1.StatePaused}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdAgentResume, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p pidPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.resolveProcess(ctx, caller, ws.CmdAgentResume, p.PID); err != nil {
			return nil, err
		}
		if err := g.kernel.Loops.Resume(ctx, p.PID, caller.Username); err != nil {
			return nil, err
		}
		return map[string]interface{}{"pid": p.PID, "state": v1.StateRunning}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdAgentMessage, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p messagePayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if p.Text == "" {
			return nil, apperrors.Validation("text is required")
		}
		if _, err := g.resolveProcess(ctx, caller, ws.CmdAgentMessage, p.PID); err != nil {
			return nil, err
		}
		if err := g.kernel.Loops.Inject(ctx, p.PID, p.Text); err != nil {
			return nil, err
		}
		return map[string]interface{}{"pid": p.PID}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdAgentHistory, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p historyPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.resolveProcess(ctx, caller, ws.CmdAgentHistory, p.PID); err != nil {
			return nil, err
		}
		limit := p.Limit
		if limit <= 0 {
			limit = 100
		}
		logs, err := g.store.ListAgentLogs(ctx, p.PID, p.AfterID, limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"logs": logs}, nil
	})
}
