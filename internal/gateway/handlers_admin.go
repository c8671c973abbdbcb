package gateway

import (
	"context"
	"strings"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
	"github.com/aether/aether/pkg/ws"
)

// requireAdmin gates the administrative command set. ACL policies still
// apply on top, so a deny rule can strip a command from an admin too.
func (g *Gateway) requireAdmin(ctx context.Context, caller ws.Caller, action string) error {
	if !caller.IsAdmin() {
		return apperrors.Forbidden("admin role required")
	}
	return g.authorize(ctx, caller, action, "admin", caller.UserID)
}

type orgPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	OrgID string `json:"orgId"`
}

type policyPayload struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Effect   string `json:"effect"`
}

type auditQueryPayload struct {
	EventType string `json:"eventType"`
	ActorUID  string `json:"actorUid"`
	Since     int64  `json:"since"`
	Until     int64  `json:"until"`
	Limit     int    `json:"limit"`
}

type metricsPayload struct {
	Since int64 `json:"since"`
	Limit int   `json:"limit"`
}

func (g *Gateway) registerAdminCommands() {
	g.dispatcher.RegisterFunc(ws.CmdUserList, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		if err := g.requireAdmin(ctx, caller, ws.CmdUserList); err != nil {
			return nil, err
		}
		users, err := g.store.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		public := make([]v1.PublicUser, len(users))
		for i, u := range users {
			public[i] = u.Public()
		}
		return map[string]interface{}{"users": public}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdUserDelete, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p idPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireAdmin(ctx, caller, ws.CmdUserDelete); err != nil {
			return nil, err
		}
		if p.ID == caller.UserID {
			return nil, apperrors.InvalidState("cannot delete your own account")
		}
		user, err := g.store.GetUser(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if err := g.store.DeleteUser(ctx, p.ID); err != nil {
			return nil, err
		}
		g.bus.Emit(events.New(events.UserDeleted, events.AdminEvent{
			ActorUID: caller.UserID,
			Target:   p.ID,
			Args:     map[string]interface{}{"username": user.Username},
		}))
		return map[string]interface{}{"id": p.ID}, nil
	})

	g.registerOrgCommands()
	g.registerPolicyCommands()

	g.dispatcher.RegisterFunc(ws.CmdAuditQuery, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p auditQueryPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireAdmin(ctx, caller, ws.CmdAuditQuery); err != nil {
			return nil, err
		}
		entries, err := g.store.ListAudit(ctx, store.AuditQuery{
			EventType: p.EventType,
			ActorUID:  p.ActorUID,
			Since:     p.Since,
			Until:     p.Until,
			Limit:     p.Limit,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"entries": entries}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdClusterInfo, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		if err := g.requireAdmin(ctx, caller, ws.CmdClusterInfo); err != nil {
			return nil, err
		}
		return map[string]interface{}{"cluster": g.kernel.Cluster()}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdKernelMetrics, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p metricsPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireAdmin(ctx, caller, ws.CmdKernelMetrics); err != nil {
			return nil, err
		}
		limit := p.Limit
		if limit <= 0 {
			limit = 100
		}
		metrics, err := g.store.ListMetrics(ctx, p.Since, limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"metrics": metrics}, nil
	})
}

func (g *Gateway) registerOrgCommands() {
	g.dispatcher.RegisterFunc(ws.CmdOrgCreate, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p orgPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireAdmin(ctx, caller, ws.CmdOrgCreate); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, apperrors.Validation("name is required")
		}
		org := &v1.Organization{Name: p.Name}
		if err := g.store.CreateOrganization(ctx, org); err != nil {
			return nil, err
		}
		member := &v1.Member{ParentID: org.ID, UserID: caller.UserID, Role: v1.MemberOwner}
		if err := g.store.AddMember(ctx, member); err != nil {
			return nil, err
		}
		return map[string]interface{}{"org": org}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdOrgList, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		if err := g.requireAdmin(ctx, caller, ws.CmdOrgList); err != nil {
			return nil, err
		}
		orgs, err := g.store.ListOrganizations(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"orgs": orgs}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdOrgDelete, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p idPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireAdmin(ctx, caller, ws.CmdOrgDelete); err != nil {
			return nil, err
		}
		if err := g.store.DeleteOrganization(ctx, p.ID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": p.ID}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdTeamCreate, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p orgPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireAdmin(ctx, caller, ws.CmdTeamCreate); err != nil {
			return nil, err
		}
		if p.Name == "" || p.OrgID == "" {
			return nil, apperrors.Validation("name and orgId are required")
		}
		if _, err := g.store.GetOrganization(ctx, p.OrgID); err != nil {
			return nil, err
		}
		team := &v1.Team{OrgID: p.OrgID, Name: p.Name}
		if err := g.store.CreateTeam(ctx, team); err != nil {
			return nil, err
		}
		return map[string]interface{}{"team": team}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdTeamList, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p orgPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireAdmin(ctx, caller, ws.CmdTeamList); err != nil {
			return nil, err
		}
		teams, err := g.store.ListTeams(ctx, p.OrgID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"teams": teams}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdTeamDelete, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p idPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireAdmin(ctx, caller, ws.CmdTeamDelete); err != nil {
			return nil, err
		}
		if err := g.store.DeleteTeam(ctx, p.ID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": p.ID}, nil
	})
}

func (g *Gateway) registerPolicyCommands() {
	g.dispatcher.RegisterFunc(ws.CmdPolicyCreate, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p policyPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireAdmin(ctx, caller, ws.CmdPolicyCreate); err != nil {
			return nil, err
		}
		if p.Effect != v1.EffectAllow && p.Effect != v1.EffectDeny {
			return nil, apperrors.Validation("effect must be allow or deny")
		}
		if p.Subject != "*" && !strings.HasPrefix(p.Subject, "user:") && !strings.HasPrefix(p.Subject, "role:") {
			return nil, apperrors.Validation("subject must be user:<id>, role:<name>, or *")
		}
		if p.Action == "" || p.Resource == "" {
			return nil, apperrors.Validation("action and resource are required")
		}
		policy := &v1.PermissionPolicy{
			Subject:   p.Subject,
			Action:    p.Action,
			Resource:  p.Resource,
			Effect:    p.Effect,
			CreatedBy: caller.UserID,
		}
		if err := g.store.CreatePolicy(ctx, policy); err != nil {
			return nil, err
		}
		g.bus.Emit(events.New(events.PolicyCreated, events.AdminEvent{
			ActorUID: caller.UserID,
			Target:   policy.ID,
			Args: map[string]interface{}{
				"subject": p.Subject, "action": p.Action,
				"resource": p.Resource, "effect": p.Effect,
			},
		}))
		return map[string]interface{}{"policy": policy}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdPolicyList, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		if err := g.requireAdmin(ctx, caller, ws.CmdPolicyList); err != nil {
			return nil, err
		}
		policies, err := g.store.ListPolicies(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"policies": policies}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdPolicyDelete, func(ctx context.Context, caller ws.Caller, frame *ws.Frame) (interface{}, error) {
		var p idPayload
		if err := decode(frame, &p); err != nil {
			return nil, err
		}
		if err := g.requireAdmin(ctx, caller, ws.CmdPolicyDelete); err != nil {
			return nil, err
		}
		if err := g.store.DeletePolicy(ctx, p.ID); err != nil {
			return nil, err
		}
		g.bus.Emit(events.New(events.PolicyDeleted, events.AdminEvent{
			ActorUID: caller.UserID,
			Target:   p.ID,
		}))
		return map[string]interface{}{"id": p.ID}, nil
	})
}
