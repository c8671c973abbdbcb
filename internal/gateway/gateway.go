// Package gateway exposes the kernel over the framed WebSocket protocol
// plus a small auxiliary HTTP surface (registration, login, health, and
// inbound webhooks).
package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/aether/aether/internal/acl"
	"github.com/aether/aether/internal/auth"
	"github.com/aether/aether/internal/common/config"
	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events/bus"
	gws "github.com/aether/aether/internal/gateway/websocket"
	"github.com/aether/aether/internal/kernel"
	"github.com/aether/aether/internal/scheduler"
	"github.com/aether/aether/internal/store"
	"github.com/aether/aether/internal/webhook"
	"github.com/aether/aether/pkg/ws"
)

// Deps carries the subsystems the gateway fronts.
type Deps struct {
	Config   *config.Config
	Kernel   *kernel.Kernel
	Auth     *auth.Service
	Cron     *scheduler.CronDriver
	Triggers *scheduler.TriggerDriver
	Webhooks *webhook.Dispatcher
	Inbound  *webhook.Inbound
	Store    *store.Store
	Bus      bus.Bus
	Logger   *logger.Logger
}

// Gateway owns the command dispatcher, the connection hub, and the HTTP
// server.
type Gateway struct {
	cfg      *config.Config
	kernel   *kernel.Kernel
	auth     *auth.Service
	cron     *scheduler.CronDriver
	triggers *scheduler.TriggerDriver
	webhooks *webhook.Dispatcher
	inbound  *webhook.Inbound
	store    *store.Store
	bus      bus.Bus
	logger   *logger.Logger

	dispatcher *ws.Dispatcher
	hub        *gws.Hub
}

func New(d Deps) *Gateway {
	g := &Gateway{
		cfg:        d.Config,
		kernel:     d.Kernel,
		auth:       d.Auth,
		cron:       d.Cron,
		triggers:   d.Triggers,
		webhooks:   d.Webhooks,
		inbound:    d.Inbound,
		store:      d.Store,
		bus:        d.Bus,
		logger:     d.Logger.WithFields(zap.String("component", "gateway")),
		dispatcher: ws.NewDispatcher(),
		hub:        gws.NewHub(d.Logger),
	}
	g.registerCommands()
	return g
}

// Hub returns the connection hub; the server runs it.
func (g *Gateway) Hub() *gws.Hub { return g.hub }

// Dispatcher returns the command dispatcher.
func (g *Gateway) Dispatcher() *ws.Dispatcher { return g.dispatcher }

func (g *Gateway) registerCommands() {
	g.registerProcessCommands()
	g.registerAgentCommands()
	g.registerDataCommands()
	g.registerSchedulerCommands()
	g.registerWebhookCommands()
	g.registerAdminCommands()
}

// subject converts a protocol caller into a policy subject.
func subject(caller ws.Caller) acl.Subject {
	return acl.Subject{UID: caller.UserID, Role: caller.Role}
}

// authorize runs the policy check for a command against a resource.
func (g *Gateway) authorize(ctx context.Context, caller ws.Caller, action, resource, ownerUID string) error {
	return g.kernel.ACL.Require(ctx, subject(caller), action, resource, ownerUID)
}

// decode unmarshals a frame payload, mapping failures to ARG_VALIDATION.
func decode(frame *ws.Frame, v interface{}) error {
	if err := frame.DecodePayload(v); err != nil {
		return apperrors.Validation("bad payload: " + err.Error())
	}
	return nil
}
