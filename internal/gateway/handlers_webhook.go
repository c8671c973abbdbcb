package gateway

import (
	"context"
	"net/url"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/events"
	v1 "github.com/aether/aether/pkg/api/v1"
	"github.com/aether/aether/pkg/ws"
)

type webhookCreatePayload struct {
	URL        string            `json:"url"`
	Secret     string            `json:"secret"`
	Events     []string          `json:"events"`
	Filters    map[string]string `json:"filters"`
	Headers    map[string]string `json:"headers"`
	RetryCount int               `json:"retryCount"`
	TimeoutMs  int64             `json:"timeoutMs"`

	// Inbound registrations carry an agent template instead of a URL.
	Inbound   bool         `json:"inbound"`
	Name      string       `json:"name"`
	Transform string       `json:"transform"`
	Agent     spawnPayload `json:"agent"`
}

func (g *Gateway) resolveWebhook(ctx context.Context, caller ws.Caller, action, id string) (*v1.Webhook, error) {
	w, err := g.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.authorize(ctx, caller, action, "webhook:"+id, w.OwnerUID); err != nil {
		return nil, err
	}
	return w, nil
}

func (g *Gateway) registerWebhookCommands() {
	g.dispatcher.RegisterFunc(ws.CmdWebhookCreate, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p webhookCreatePayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if p.Inbound {
			return g.createInbound(ctx, caller, p)
		}
		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, apperrors.Validation("url must be http or https")
		}
		if len(p.Events) == 0 {
			return nil, apperrors.Validation("at least one event type is required")
		}
		w := &v1.Webhook{
			URL:        p.URL,
			Secret:     p.Secret,
			Events:     p.Events,
			Filters:    p.Filters,
			Headers:    p.Headers,
			Enabled:    true,
			OwnerUID:   caller.UserID,
			RetryCount: p.RetryCount,
			TimeoutMs:  p.TimeoutMs,
		}
		if err := g.store.CreateWebhook(ctx, w); err != nil {
			return nil, err
		}
		g.bus.Emit(events.New(events.WebhookCreated, events.AdminEvent{
			ActorUID: caller.UserID,
			Target:   w.ID,
			Args:     map[string]interface{}{"url": w.URL, "events": p.Events},
		}).WithOwner(caller.UserID))
		return map[string]interface{}{"webhook": w}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdWebhookList, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		uid := caller.UserID
		if caller.IsAdmin() {
			uid = ""
		}
		hooks, err := g.store.ListWebhooks(ctx, uid)
		if err != nil {
			return nil, err
		}
		inbound, err := g.store.ListInboundWebhooks(ctx, uid)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"webhooks": hooks, "inbound": inbound}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdWebhookDelete, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p idPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		w, err := g.resolveWebhook(ctx, caller, ws.CmdWebhookDelete, p.ID)
		if err != nil {
			if apperrors.CodeOf(err) == apperrors.ErrCodeNotFound {
				return g.deleteInbound(ctx, caller, p.ID)
			}
			return nil, err
		}
		if err := g.store.DeleteWebhook(ctx, p.ID); err != nil {
			return nil, err
		}
		g.bus.Emit(events.New(events.WebhookDeleted, events.AdminEvent{
			ActorUID: caller.UserID,
			Target:   w.ID,
			Args:     map[string]interface{}{"url": w.URL},
		}).WithOwner(w.OwnerUID))
		return map[string]interface{}{"id": p.ID}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdDLQList, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p idPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if _, err := g.resolveWebhook(ctx, caller, ws.CmdDLQList, p.ID); err != nil {
			return nil, err
		}
		entries, err := g.store.ListDLQ(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"entries": entries}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdDLQRetry, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p idPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		entry, err := g.store.GetDLQEntry(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if _, err := g.resolveWebhook(ctx, caller, ws.CmdDLQRetry, entry.WebhookID); err != nil {
			return nil, err
		}
		if err := g.webhooks.RetryDLQ(ctx, p.ID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": p.ID}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdDLQDelete, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p idPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		entry, err := g.store.GetDLQEntry(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if _, err := g.resolveWebhook(ctx, caller, ws.CmdDLQDelete, entry.WebhookID); err != nil {
			return nil, err
		}
		if err := g.store.DeleteDLQEntry(ctx, p.ID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": p.ID}, nil
	})
}

func (g *Gateway) createInbound(ctx context.Context, caller ws.Caller, p webhookCreatePayload) (interface{}, error) {
	agentCfg, err := packAgentConfig(p.Agent)
	if err != nil {
		return nil, err
	}
	w := &v1.InboundWebhook{
		Name:        p.Name,
		AgentConfig: agentCfg,
		Transform:   p.Transform,
		OwnerUID:    caller.UserID,
	}
	if err := g.store.CreateInboundWebhook(ctx, w); err != nil {
		return nil, err
	}
	g.bus.Emit(events.New(events.WebhookCreated, events.AdminEvent{
		ActorUID: caller.UserID,
		Target:   w.ID,
		Args:     map[string]interface{}{"name": w.Name, "inbound": true},
	}).WithOwner(caller.UserID))
	return map[string]interface{}{"webhook": w}, nil
}

func (g *Gateway) deleteInbound(ctx context.Context, caller ws.Caller, id string) (interface{}, error) {
	inbound, err := g.store.ListInboundWebhooks(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, w := range inbound {
		if w.ID != id {
			continue
		}
		if err := g.authorize(ctx, caller, ws.CmdWebhookDelete, "webhook:"+id, w.OwnerUID); err != nil {
			return nil, err
		}
		if err := g.store.DeleteInboundWebhook(ctx, id); err != nil {
			return nil, err
		}
		g.bus.Emit(events.New(events.WebhookDeleted, events.AdminEvent{
			ActorUID: caller.UserID,
			Target:   id,
			Args:     map[string]interface{}{"inbound": true},
		}).WithOwner(w.OwnerUID))
		return map[string]interface{}{"id": id}, nil
	}
	return nil, apperrors.NotFound("webhook", id)
}
