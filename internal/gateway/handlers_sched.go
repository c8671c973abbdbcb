package gateway

import (
	"context"
	"encoding/json"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/events"
	v1 "github.com/aether/aether/pkg/api/v1"
	"github.com/aether/aether/pkg/ws"
)

type cronCreatePayload struct {
	Name           string       `json:"name"`
	CronExpression string       `json:"cronExpression"`
	Agent          spawnPayload `json:"agent"`
}

type idPayload struct {
	ID string `json:"id"`
}

type togglePayload struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

type triggerCreatePayload struct {
	Name        string       `json:"name"`
	EventType   string       `json:"eventType"`
	EventFilter string       `json:"eventFilter"`
	CooldownMs  int64        `json:"cooldownMs"`
	Agent       spawnPayload `json:"agent"`
}

// packAgentConfig serializes the agent template carried by cron jobs and
// event triggers.
func packAgentConfig(p spawnPayload) (string, error) {
	if p.Goal == "" {
		return "", apperrors.Validation("agent goal is required")
	}
	raw, err := json.Marshal(v1.AgentConfig{
		Name:     p.Name,
		Role:     p.Role,
		Goal:     p.Goal,
		MaxSteps: p.MaxSteps,
		Env:      p.Env,
	})
	if err != nil {
		return "", apperrors.Internal("encode agent config", err)
	}
	return string(raw), nil
}

func (g *Gateway) resolveCronJob(ctx context.Context, caller ws.Caller, action, id string) (*v1.CronJob, error) {
	job, err := g.store.GetCronJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.authorize(ctx, caller, action, "cron:"+id, job.OwnerUID); err != nil {
		return nil, err
	}
	return job, nil
}

func (g *Gateway) resolveTrigger(ctx context.Context, caller ws.Caller, action, id string) (*v1.EventTrigger, error) {
	t, err := g.store.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.authorize(ctx, caller, action, "trigger:"+id, t.OwnerUID); err != nil {
		return nil, err
	}
	return t, nil
}

func (g *Gateway) registerSchedulerCommands() {
	g.dispatcher.RegisterFunc(ws.CmdCronCreate, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p cronCreatePayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		agentCfg, err := packAgentConfig(p.Agent)
		if err != nil {
			return nil, err
		}
		job := &v1.CronJob{
			Name:           p.Name,
			CronExpression: p.CronExpression,
			AgentConfig:    agentCfg,
			OwnerUID:       caller.UserID,
		}
		if err := g.cron.CreateJob(ctx, job); err != nil {
			return nil, err
		}
		return map[string]interface{}{"job": job}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdCronList, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		uid := caller.UserID
		if caller.IsAdmin() {
			uid = ""
		}
		jobs, err := g.store.ListCronJobs(ctx, uid)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"jobs": jobs}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdCronToggle, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p togglePayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.resolveCronJob(ctx, caller, ws.CmdCronToggle, p.ID); err != nil {
			return nil, err
		}
		if err := g.cron.Toggle(ctx, p.ID, p.Enabled); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": p.ID, "enabled": p.Enabled}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdCronDelete, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p idPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		job, err := g.resolveCronJob(ctx, caller, ws.CmdCronDelete, p.ID)
		if err != nil {
			return nil, err
		}
		if err := g.store.DeleteCronJob(ctx, p.ID); err != nil {
			return nil, err
		}
		g.bus.Emit(events.New(events.CronDeleted, events.AdminEvent{
			ActorUID: caller.UserID,
			Target:   job.ID,
			Args:     map[string]interface{}{"name": job.Name},
		}).WithOwner(job.OwnerUID))
		return map[string]interface{}{"id": p.ID}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdTriggerCreate, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p triggerCreatePayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		agentCfg, err := packAgentConfig(p.Agent)
		if err != nil {
			return nil, err
		}
		t := &v1.EventTrigger{
			Name:        p.Name,
			EventType:   p.EventType,
			EventFilter: p.EventFilter,
			AgentConfig: agentCfg,
			OwnerUID:    caller.UserID,
			CooldownMs:  p.CooldownMs,
		}
		if err := g.triggers.CreateTrigger(ctx, t); err != nil {
			return nil, err
		}
		return map[string]interface{}{"trigger": t}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdTriggerList, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		uid := caller.UserID
		if caller.IsAdmin() {
			uid = ""
		}
		triggers, err := g.store.ListTriggers(ctx, uid)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"triggers": triggers}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdTriggerToggle, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p togglePayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.resolveTrigger(ctx, caller, ws.CmdTriggerToggle, p.ID); err != nil {
			return nil, err
		}
		if err := g.store.SetTriggerEnabled(ctx, p.ID, p.Enabled); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": p.ID, "enabled": p.Enabled}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdTriggerDelete, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p idPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.resolveTrigger(ctx, caller, ws.CmdTriggerDelete, p.ID); err != nil {
			return nil, err
		}
		if err := g.store.DeleteTrigger(ctx, p.ID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": p.ID}, nil
	})
}
